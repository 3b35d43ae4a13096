package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/tsawler/imgtrain/inference"
	"github.com/tsawler/imgtrain/runstore"
	"github.com/tsawler/imgtrain/server"
	"github.com/tsawler/imgtrain/training"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve predictions, stored runs and metrics over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("addr") {
			cfg.Server.Addr, _ = cmd.Flags().GetString("addr")
		}

		t, err := newTrainer()
		if err != nil {
			return err
		}

		var predictor *inference.Predictor
		scorer, names, closeFn, err := loadScorer(cmd, t)
		if err != nil {
			logger.Warn("no model loaded, /predict/image is unavailable", "error", err)
		} else {
			defer closeFn()
			predictor, err = t.NewPredictor(scorer, names)
			if err != nil {
				return err
			}
		}

		store, err := runstore.Open(cfg.Store)
		if err != nil {
			return err
		}
		defer store.Close()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		srv := server.New(server.Config{
			Predictor: predictor,
			Store:     store,
			Report: training.ReportOptions{
				WidthInches:  cfg.Report.WidthInches,
				HeightInches: cfg.Report.HeightInches,
			},
			MaxUploadBytes: cfg.Server.MaxUploadBytes,
			Registry:       reg,
			Logger:         logger,
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return srv.Run(ctx, cfg.Server.Addr, cfg.Server.ShutdownTimeout)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", ":8080", "Address to listen on")
	addScorerFlags(serveCmd)
}
