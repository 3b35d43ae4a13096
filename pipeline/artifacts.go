package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/tsawler/imgtrain/checkpoints"
	"github.com/tsawler/imgtrain/engine"
	"github.com/tsawler/imgtrain/errdefs"
	"github.com/tsawler/imgtrain/runstore"
)

// SaveModel writes the result's checkpoint and its ONNX export into the
// artifact directory.
func (t *Trainer) SaveModel(result *TrainResult) error {
	if result == nil || result.Checkpoint == nil {
		return errdefs.Configf("no trained model to save")
	}
	c := result.Checkpoint
	c.Metadata.Description = fmt.Sprintf("%s, %d epochs", c.TrainingState.Loss, result.History.Epochs())

	if err := checkpoints.Save(t.paths.Checkpoint, c); err != nil {
		return errdefs.Wrap(errdefs.ErrRuntime, err, "failed to save checkpoint")
	}
	if err := checkpoints.ExportONNX(c, t.paths.ONNX); err != nil {
		return errdefs.Wrap(errdefs.ErrRuntime, err, "failed to export ONNX model")
	}

	t.logger.Info("saved model", "checkpoint", t.paths.Checkpoint, "onnx", t.paths.ONNX)
	return nil
}

// LoadModel rebuilds the model saved by SaveModel. It also returns the
// class names stored with it.
func (t *Trainer) LoadModel() (*engine.Model, []string, error) {
	c, err := checkpoints.Load(t.paths.Checkpoint)
	if err != nil {
		return nil, nil, errdefs.Wrap(errdefs.ErrData, err, "failed to load checkpoint")
	}
	model, err := engine.FromCheckpoint(c, engine.Config{
		Workers: t.cfg.Train.Workers,
		Logger:  t.logger,
	})
	if err != nil {
		return nil, nil, errdefs.Wrap(errdefs.ErrRuntime, err, "failed to rebuild model")
	}
	return model, c.ClassNames, nil
}

// SaveReport copies the report PNG to the artifact directory and rewinds r
// so the caller can read it again.
func (t *Trainer) SaveReport(r io.ReadSeeker) error {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return errdefs.Wrap(errdefs.ErrRuntime, err, "failed to rewind report")
	}
	f, err := os.Create(t.paths.Report)
	if err != nil {
		return errdefs.Wrap(errdefs.ErrRuntime, err, "failed to create report file")
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return errdefs.Wrap(errdefs.ErrRuntime, err, "failed to write report")
	}
	if err := f.Close(); err != nil {
		return errdefs.Wrap(errdefs.ErrRuntime, err, "failed to write report")
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return errdefs.Wrap(errdefs.ErrRuntime, err, "failed to rewind report")
	}
	t.logger.Info("saved report", "path", t.paths.Report)
	return nil
}

// RecordRun stores a summary of result in store and returns it.
func (t *Trainer) RecordRun(ctx context.Context, store runstore.Store, result *TrainResult, height, width int) (*runstore.Run, error) {
	if result == nil || result.Checkpoint == nil {
		return nil, errdefs.Configf("no training result to record")
	}
	run := runstore.NewRun(result.Checkpoint.TrainingState.Loss, height, width,
		result.Checkpoint.ClassNames, result.History)
	if _, err := os.Stat(t.paths.Checkpoint); err == nil {
		run.Checkpoint = t.paths.Checkpoint
	}
	if err := store.Save(ctx, run); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrRuntime, err, "failed to record run")
	}
	t.logger.Info("recorded run", "id", run.ID)
	return run, nil
}
