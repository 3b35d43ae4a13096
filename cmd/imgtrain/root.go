package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tsawler/imgtrain/config"
	"github.com/tsawler/imgtrain/logging"
	"github.com/tsawler/imgtrain/pipeline"
)

// Populated by the root command before any subcommand runs.
var (
	cfg    config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "imgtrain",
	Short: "Train and serve a small grayscale image classifier",
	Long: `imgtrain trains a convolutional classifier on a directory of images
(one subdirectory per class), predicts single images with it, renders the
training curves and serves predictions over HTTP.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == versionCmd.Name() {
			return nil
		}
		return setup(cmd)
	},
}

// setup loads the configuration, builds the logger and the trainer, and
// ensures the artifact directory exists.
func setup(cmd *cobra.Command) error {
	path, _ := cmd.Flags().GetString("config")
	loaded, err := config.Load(path)
	if err != nil {
		return err
	}
	cfg = loaded

	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level, _ = cmd.Flags().GetString("log-level")
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger = logging.New(level)

	return nil
}

// newTrainer builds the pipeline from the current configuration and runs
// its one-time initialization.
func newTrainer(opts ...pipeline.Option) (*pipeline.Trainer, error) {
	t, err := pipeline.New(cfg, logger, opts...)
	if err != nil {
		return nil, err
	}
	if err := t.Init(); err != nil {
		return nil, err
	}
	return t, nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
}
