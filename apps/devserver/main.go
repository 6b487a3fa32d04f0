// Command devserver runs the api and the gateway in one process over shared
// backends, so the in-memory broker reaches every subscriber.
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
	flags := &service.Flags{}

	app := &cli.Command{
		Name:  "devserver",
		Usage: "Run the api and the websocket gateway together",
		Flags: flags.CLIFlags(),
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, closer, err := flags.Setup()
			if err != nil {
				return err
			}
			defer closer.Close()
			return run(ctx, cfg.Service)
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, os.Args); err != nil {
		log.Error().Err(err).Msg("devserver exited")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServiceConfig) error {
	logger := logging.Component("devserver")

	backends, err := service.Open(cfg, logger)
	if err != nil {
		return fmt.Errorf("open backends: %w", err)
	}
	defer backends.Close()

	srv, err := service.NewAPI(cfg, backends, logging.Component("api"))
	if err != nil {
		return err
	}
	hub, err := service.NewGateway(cfg, backends, logging.Component("gateway"))
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
		return service.Serve(ctx, cfg.APIAddr, srv.Router(), logger)
	})
	g.Go(func() error {
		return service.Serve(ctx, cfg.GatewayAddr, hub.Router(), logger)
	})
	return g.Wait()
}
