package main

import (
	"fmt"
	"os"

	"github.com/joelkehle/ucsbridge/internal/config"
	"github.com/joelkehle/ucsbridge/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// globals are the flags shared by every subcommand.
type globals struct {
	configPath string
	backendURL string
	logLevel   string
}

func (g *globals) load() (config.Config, *zap.SugaredLogger, error) {
	if g.backendURL != "" {
		if err := os.Setenv("UCS_BACKEND_URL", g.backendURL); err != nil {
			return config.Config{}, nil, err
		}
	}
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func main() {
	g := &globals{}
	rootCmd := &cobra.Command{
		Use:   "ucsctl",
		Short: "Client and reference backend for the UCS messaging bridge",
		Long: `ucsctl talks to a UCS flow backend through a session: send messages and
alerts, acknowledge or retract alerts, browse conversations and inspect the
service adapters. "ucsctl backend" runs the reference backend itself.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", os.Getenv("UCS_CONFIG"), "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&g.backendURL, "backend", "", "backend base URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "debug, info, warn or error")

	rootCmd.AddCommand(backendCmd(g))
	rootCmd.AddCommand(statusCmd(g))
	rootCmd.AddCommand(channelsCmd(g))
	rootCmd.AddCommand(sendCmd(g))
	rootCmd.AddCommand(messagesCmd(g))
	rootCmd.AddCommand(ackCmd(g))
	rootCmd.AddCommand(cancelCmd(g))
	rootCmd.AddCommand(conversationsCmd(g))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
