package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/tsawler/imgtrain/config"
	"github.com/tsawler/imgtrain/pipeline"
	"github.com/tsawler/imgtrain/runstore"
	"github.com/tsawler/imgtrain/training"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Load the data directory, train the classifier and save its artifacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyTrainFlags(cmd)

		t, err := newTrainer(
			pipeline.WithMetrics(training.NewMetrics(prometheus.NewRegistry())),
			pipeline.WithProgress(cmd.OutOrStdout()),
		)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runTraining(ctx, cmd, t)
	},
}

func applyTrainFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("epochs") {
		cfg.Train.Epochs, _ = flags.GetInt("epochs")
	}
	if flags.Changed("loss") {
		cfg.Train.Loss, _ = flags.GetString("loss")
	}
	if flags.Changed("height") {
		cfg.Data.Height, _ = flags.GetInt("height")
	}
	if flags.Changed("width") {
		cfg.Data.Width, _ = flags.GetInt("width")
	}
	if flags.Changed("batch-size") {
		cfg.Data.BatchSize, _ = flags.GetInt("batch-size")
	}
	if flags.Changed("schedule") {
		cfg.Train.Schedule, _ = flags.GetString("schedule")
	}
	if flags.Changed("progress") {
		cfg.Train.Progress, _ = flags.GetBool("progress")
	}
	if flags.Changed("classes") {
		cfg.Data.Classes, _ = flags.GetStringSlice("classes")
	}
}

func runTraining(ctx context.Context, cmd *cobra.Command, t *pipeline.Trainer) error {
	h, w := cfg.Data.Height, cfg.Data.Width

	train, val, err := t.LoadData(h, w, cfg.Data.BatchSize)
	if err != nil {
		return err
	}

	result, err := t.Train(ctx, h, w, cfg.Train.Epochs, cfg.Train.Loss, train, val)
	if err != nil {
		return err
	}

	if err := t.SaveModel(result); err != nil {
		return err
	}

	report, err := t.PlotStatistics(result.History, result.EpochsRange)
	if err != nil {
		return err
	}
	if err := t.SaveReport(report); err != nil {
		return err
	}

	store, err := runstore.Open(cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()
	run, err := t.RecordRun(ctx, store, result, h, w)
	if err != nil {
		logger.Warn("run not recorded", "error", err)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s saved\n", run.ID)
	}

	if last, ok := result.History.Last(); ok {
		fmt.Fprintf(cmd.OutOrStdout(), "Final: %s\n", last)
	}
	if cm := result.Confusion; cm != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Validation accuracy %.2f%%, macro F1 %.3f\n%s",
			100*cm.GetAccuracy(), cm.MacroF1(), cm.Format(train.ClassNames()))
	}

	if _, err := os.Stat(cfg.Predict.ImagePath); err == nil {
		_, sentence, err := t.Prediction(result.Model, nil)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), sentence)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(trainCmd)

	trainCmd.Flags().Int("epochs", 10, "Number of training epochs")
	trainCmd.Flags().String("loss", config.LossSparseCategorical,
		fmt.Sprintf("Loss function: %q or %q", config.LossCategorical, config.LossSparseCategorical))
	trainCmd.Flags().Int("height", 96, "Image height")
	trainCmd.Flags().Int("width", 96, "Image width")
	trainCmd.Flags().Int("batch-size", 32, "Batch size")
	trainCmd.Flags().String("schedule", "constant", "Learning rate schedule: constant, step, exponential or cosine")
	trainCmd.Flags().Bool("progress", true, "Show a progress bar per epoch")
	trainCmd.Flags().StringSlice("classes", nil, "Train on these class directories only (default all)")
}
