package service

import (
	"fmt"
	"io"

	"github.com/urfave/cli/v3"

	"github.com/mahaj/critica-chat/pkg/config"
	"github.com/mahaj/critica-chat/pkg/logging"
)

// Flags are shared by every service binary.
type Flags struct {
	LogLevel   string
	LogFile    string
	ConfigPath string
}

func (f *Flags) CLIFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Sources:     cli.EnvVars("CRITICA_LOG_LEVEL"),
			Value:       "info",
			Destination: &f.LogLevel,
		},
		&cli.StringFlag{
			Name:        "log-file",
			Usage:       "path to log file (optional)",
			Sources:     cli.EnvVars("CRITICA_LOG_FILE"),
			Destination: &f.LogFile,
		},
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "path to yaml config file",
			Sources:     cli.EnvVars("CRITICA_CONFIG"),
			Destination: &f.ConfigPath,
		},
	}
}

// Setup configures logging and loads the config file. The returned closer
// releases the log file.
func (f *Flags) Setup() (*config.Config, io.Closer, error) {
	closer, err := logging.Setup(f.LogLevel, f.LogFile)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		closer.Close()
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, closer, nil
}
