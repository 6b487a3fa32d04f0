package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/mahaj/critica-chat/pkg/config"
	"github.com/mahaj/critica-chat/pkg/logging"
	"github.com/mahaj/critica-chat/pkg/service"
)

func main() {
	var (
		flags = &service.Flags{}
		addr  string
	)

	app := &cli.Command{
		Name:  "api",
		Usage: "Serve login, collections and presence over HTTP",
		Flags: append(flags.CLIFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address (overrides service.api_addr)",
				Sources:     cli.EnvVars("CRITICA_API_ADDR"),
				Destination: &addr,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, closer, err := flags.Setup()
			if err != nil {
				return err
			}
			defer closer.Close()

			if addr != "" {
				cfg.Service.APIAddr = addr
			}
			return run(ctx, cfg.Service)
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, os.Args); err != nil {
		log.Error().Err(err).Msg("api exited")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServiceConfig) error {
	logger := logging.Component("api")
	if cfg.Broker == config.BackendMemory {
		logger.Warn().Msg("memory broker: events only reach gateways in this process")
	}

	backends, err := service.Open(cfg, logger)
	if err != nil {
		return fmt.Errorf("open backends: %w", err)
	}
	defer backends.Close()

	srv, err := service.NewAPI(cfg, backends, logger)
	if err != nil {
		return err
	}
	return service.Serve(ctx, cfg.APIAddr, srv.Router(), logger)
}
