package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/mahaj/critica-chat/pkg/chat"
	"github.com/mahaj/critica-chat/pkg/config"
	"github.com/mahaj/critica-chat/pkg/logging"
	"github.com/mahaj/critica-chat/pkg/model"
)

type flags struct {
	logLevel   string
	logFile    string
	configPath string

	api      string
	ws       string
	user     string
	password string
	channel  string
	key      string
}

func main() {
	f := &flags{}

	app := &cli.Command{
		Name:      "client",
		Usage:     "Join an encrypted chat room from the terminal",
		UsageText: "client --user <name> --password <password> [--channel <name>]",
		Description: `Logs in, prints the room history and then every new message as it arrives.
Lines typed on stdin are sent to the room.

Commands:
  /who   list who is online
  /quit  leave the room`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Sources:     cli.EnvVars("CRITICA_LOG_LEVEL"),
				Value:       "warn",
				Destination: &f.logLevel,
			},
			&cli.StringFlag{
				Name:        "log-file",
				Usage:       "path to log file (optional)",
				Sources:     cli.EnvVars("CRITICA_LOG_FILE"),
				Destination: &f.logFile,
			},
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to yaml config file",
				Sources:     cli.EnvVars("CRITICA_CONFIG"),
				Destination: &f.configPath,
			},
			&cli.StringFlag{
				Name:        "api",
				Usage:       "collection api base url (overrides client.api_url)",
				Sources:     cli.EnvVars("CRITICA_API_URL"),
				Destination: &f.api,
			},
			&cli.StringFlag{
				Name:        "ws",
				Usage:       "live gateway url (overrides client.ws_url)",
				Sources:     cli.EnvVars("CRITICA_WS_URL"),
				Destination: &f.ws,
			},
			&cli.StringFlag{
				Name:        "user",
				Aliases:     []string{"u"},
				Usage:       "username",
				Sources:     cli.EnvVars("CRITICA_USER"),
				Required:    true,
				Destination: &f.user,
			},
			&cli.StringFlag{
				Name:        "password",
				Aliases:     []string{"p"},
				Usage:       "password",
				Sources:     cli.EnvVars("CRITICA_PASSWORD"),
				Required:    true,
				Destination: &f.password,
			},
			&cli.StringFlag{
				Name:        "channel",
				Usage:       "conversation name (default room when empty)",
				Destination: &f.channel,
			},
			&cli.StringFlag{
				Name:        "key",
				Usage:       "shared encryption passphrase (overrides client.encryption_key)",
				Sources:     cli.EnvVars("CRITICA_KEY"),
				Destination: &f.key,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			closer, err := logging.Setup(f.logLevel, f.logFile)
			if err != nil {
				return err
			}
			defer closer.Close()

			cfg, err := config.Load(f.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			f.apply(&cfg.Client)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid flags: %w", err)
			}

			return run(ctx, cfg.Client, f, os.Stdin, os.Stdout)
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, os.Args); err != nil {
		log.Error().Err(err).Msg("client exited")
		stop()
		os.Exit(1)
	}
}

func (f *flags) apply(c *config.ClientConfig) {
	if f.api != "" {
		c.APIURL = strings.TrimSuffix(f.api, "/")
	}
	if f.ws != "" {
		c.WSURL = f.ws
	}
	if f.key != "" {
		c.EncryptionKey = f.key
	}
}

func run(ctx context.Context, cfg config.ClientConfig, f *flags, in io.Reader, out io.Writer) error {
	client, err := chat.New(cfg, logging.Component("client"))
	if err != nil {
		return err
	}

	room := client.Room(f.channel)
	screen := &screen{out: out, room: room}
	room.OnChange(func(model.Message) { screen.flush() })

	fmt.Fprintf(out, "joining %s as %s...\n", room.Topic(), f.user)
	if err := room.Join(ctx, f.user, f.password); err != nil {
		if !client.Session.IsAuthenticated() {
			return err
		}
		fmt.Fprintf(out, "warning: %v\n", err)
	}
	defer room.Leave()
	screen.flush()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch strings.TrimSpace(line) {
			case "":
				continue
			case "/quit":
				return nil
			case "/who":
				users, err := room.Online(ctx)
				if err != nil {
					fmt.Fprintf(out, "warning: %v\n", err)
					continue
				}
				fmt.Fprintf(out, "online: %s\n", strings.Join(users, ", "))
				continue
			}

			if _, err := room.Send(ctx, line); err != nil {
				fmt.Fprintf(out, "warning: %v\n", err)
			}
		}
	}
}

// screen prints each transcript entry exactly once, whether it was loaded
// by Join or appended later.
type screen struct {
	out  io.Writer
	room *chat.Room

	mu    sync.Mutex
	shown int
}

func (s *screen) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()

	transcript := s.room.Transcript()
	for _, msg := range transcript[s.shown:] {
		fmt.Fprintf(s.out, "[%s] %s: %s\n", msg.Timestamp.Local().Format("15:04"), msg.Sender, msg.Text)
	}
	s.shown = len(transcript)
}
