package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

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
		Name:  "gateway",
		Usage: "Push collection events to websocket subscribers",
		Flags: append(flags.CLIFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address (overrides service.gateway_addr)",
				Sources:     cli.EnvVars("CRITICA_GATEWAY_ADDR"),
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
				cfg.Service.GatewayAddr = addr
			}
			return run(ctx, cfg.Service)
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, os.Args); err != nil {
		log.Error().Err(err).Msg("gateway exited")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServiceConfig) error {
	logger := logging.Component("gateway")
	if cfg.Broker == config.BackendMemory {
		logger.Warn().Msg("memory broker: only events published in this process are delivered")
	}

	backends, err := service.Open(cfg, logger)
	if err != nil {
		return fmt.Errorf("open backends: %w", err)
	}
	defer backends.Close()

	hub, err := service.NewGateway(cfg, backends, logger)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := hub.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return service.Serve(ctx, cfg.GatewayAddr, hub.Router(), logger)
	})
	return g.Wait()
}
