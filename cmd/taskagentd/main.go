// Command taskagentd broadcasts tasks to NGCP node agents and collects their
// answers. It runs the coordinator service, one-shot invocations and a
// demo agent.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sipwise/ngcp-taskagent/internal/config"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	var gf globalFlags

	cmd := &cobra.Command{
		Use:           "taskagentd",
		Short:         "Broadcast tasks to NGCP node agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&gf.configPath, "config", "c", "", "Config file path (default $TASKAGENT_CONFIG or config/taskagent.yaml)")
	cmd.PersistentFlags().StringVar(&gf.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		serveCmd(&gf),
		invokeCmd(&gf),
		agentCmd(&gf),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "taskagentd %s\n", version)
			},
		},
	)
	return cmd
}

// load reads the configuration and installs the default logger.
func (gf *globalFlags) load() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if gf.configPath != "" {
		cfg, err = config.LoadFile(gf.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if gf.logLevel != "" {
		cfg.Log.Level = gf.logLevel
	}
	slog.SetDefault(newLogger(cfg.Log))
	return cfg, nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
