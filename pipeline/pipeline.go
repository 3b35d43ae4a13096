// Package pipeline sequences the imgtrain workflow: artifact directory
// initialization, data loading, training, single-image prediction and
// training-curve reporting.
package pipeline

import (
	"bytes"
	"context"
	"image"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/tsawler/imgtrain/checkpoints"
	"github.com/tsawler/imgtrain/config"
	"github.com/tsawler/imgtrain/engine"
	"github.com/tsawler/imgtrain/errdefs"
	"github.com/tsawler/imgtrain/inference"
	"github.com/tsawler/imgtrain/layers"
	"github.com/tsawler/imgtrain/logging"
	"github.com/tsawler/imgtrain/training"
	"github.com/tsawler/imgtrain/vision/dataloader"
	"github.com/tsawler/imgtrain/vision/dataset"
)

// Paths are the artifact and data locations a Trainer works with.
type Paths struct {
	ModelsDir string
	DataDir   string

	// Declared for an external export/quantization step; never written here.
	NoQuantTFLite string
	TFLite        string
	MicroSource   string

	Checkpoint string
	ONNX       string
	Report     string
}

// Trainer carries the fixed path conventions and settings of one process.
// It is immutable after New.
type Trainer struct {
	cfg      config.Config
	paths    Paths
	logger   *slog.Logger
	metrics  *training.Metrics
	progress io.Writer
}

// Option configures a Trainer.
type Option func(*Trainer)

// WithMetrics records training metrics into m.
func WithMetrics(m *training.Metrics) Option {
	return func(t *Trainer) {
		t.metrics = m
	}
}

// WithProgress renders a per-epoch progress bar to w.
func WithProgress(w io.Writer) Option {
	return func(t *Trainer) {
		t.progress = w
	}
}

// New validates cfg and builds a Trainer. It does not touch the filesystem;
// call Init once at startup.
func New(cfg config.Config, logger *slog.Logger, opts ...Option) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := cfg.Paths
	t := &Trainer{
		cfg: cfg,
		paths: Paths{
			ModelsDir:     p.ModelsDir,
			DataDir:       p.DataDir,
			NoQuantTFLite: p.ArtifactPath(p.NoQuantTFLite),
			TFLite:        p.ArtifactPath(p.TFLite),
			MicroSource:   p.ArtifactPath(p.MicroSource),
			Checkpoint:    p.ArtifactPath(p.Checkpoint),
			ONNX:          p.ArtifactPath(p.ONNX),
			Report:        p.ArtifactPath(p.Report),
		},
		logger: logging.OrNop(logger),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Paths returns the trainer's path conventions.
func (t *Trainer) Paths() Paths {
	return t.paths
}

// Config returns the settings the trainer was built with.
func (t *Trainer) Config() config.Config {
	return t.cfg
}

// Init ensures the artifact directory exists.
func (t *Trainer) Init() error {
	return EnsureArtifactDir(t.paths.ModelsDir)
}

// EnsureArtifactDir creates dir if it is missing. An existing directory is
// not an error; a path that exists as a file, or that cannot be created,
// is.
func EnsureArtifactDir(dir string) error {
	if dir == "" {
		return errdefs.Configf("artifact directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errdefs.Wrap(errdefs.ErrRuntime, err, "failed to create artifact directory")
	}
	return nil
}

// LoadData scans the data directory, keeps the configured classes if any,
// and splits it into training and validation partitions. The (path, label) list is shuffled once with the
// configured seed and the last floor(split*n) pairs become the validation
// set, so repeated calls on unchanged data agree.
func (t *Trainer) LoadData(height, width, batchSize int) (*dataset.Partition, *dataset.Partition, error) {
	if err := config.ValidateDims(height, width, batchSize); err != nil {
		return nil, nil, err
	}

	all, err := dataset.NewImageFolderDataset(t.paths.DataDir, nil)
	if err != nil {
		return nil, nil, err
	}
	if len(t.cfg.Data.Classes) > 0 {
		all, err = all.FilterByClass(t.cfg.Data.Classes)
		if err != nil {
			return nil, nil, err
		}
	}

	trainSet, valSet, err := all.Split(t.cfg.Data.ValidationSplit, t.cfg.Data.Seed)
	if err != nil {
		return nil, nil, err
	}

	train, err := dataset.NewPartition(trainSet, height, width, batchSize)
	if err != nil {
		return nil, nil, err
	}
	val, err := dataset.NewPartition(valSet, height, width, batchSize)
	if err != nil {
		return nil, nil, err
	}

	t.logger.Info("loaded data",
		"dir", t.paths.DataDir,
		"classes", train.ClassNames(),
		"train", train.Len(),
		"validation", val.Len())
	return train, val, nil
}

// TrainResult is what Train hands back to its caller. The trainer keeps no
// reference to the model.
type TrainResult struct {
	Model       *engine.Model
	History     *training.History
	EpochsRange []int
	Checkpoint  *checkpoints.Checkpoint
	Duration    time.Duration

	// Confusion is the validation confusion matrix of the final epoch.
	Confusion *training.ConfusionMatrix
}

// Train builds the classifier for the training partition's classes, fits it
// for epochs and returns the model with its history.
func (t *Trainer) Train(ctx context.Context, height, width, epochs int, lossName string, train, val *dataset.Partition) (*TrainResult, error) {
	if epochs <= 0 {
		return nil, errdefs.Configf("epochs must be positive, got %d", epochs)
	}
	if err := config.ValidateLoss(lossName); err != nil {
		return nil, err
	}
	if err := config.ValidateDims(height, width, 1); err != nil {
		return nil, err
	}
	if train == nil || val == nil {
		return nil, errdefs.Dataf("training and validation partitions are required")
	}
	if err := train.Compatible(val); err != nil {
		return nil, err
	}
	if train.Height() != height || train.Width() != width {
		return nil, errdefs.Dataf("partitions hold %dx%d images, training asked for %dx%d",
			train.Height(), train.Width(), height, width)
	}

	trainLoader, err := dataloader.NewDataLoader(train, dataloader.Config{
		BatchSize:    train.BatchSize(),
		Shuffle:      true,
		Seed:         t.cfg.Data.Seed,
		MaxCacheSize: t.cfg.Data.CacheSize,
		Height:       height,
		Width:        width,
		Prefetch:     t.cfg.Data.Prefetch,
	})
	if err != nil {
		return nil, err
	}
	valLoader, err := dataloader.NewDataLoader(val, dataloader.Config{
		BatchSize:    val.BatchSize(),
		Height:       height,
		Width:        width,
		Prefetch:     t.cfg.Data.Prefetch,
		CacheManager: trainLoader.GetCacheManager(),
	})
	if err != nil {
		return nil, err
	}

	classNames := train.ClassNames()
	spec, err := layers.ClassifierSpec(height, width, len(classNames))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrRuntime, err, "failed to build model")
	}

	tc := training.DefaultTrainerConfig()
	tc.LearningRate = t.cfg.Train.LearningRate
	tc.WeightDecay = t.cfg.Train.WeightDecay
	tc.Loss = lossName
	tc.FromLogits = t.cfg.Train.FromLogits
	tc.Schedule = t.cfg.Train.Schedule
	tc.Seed = t.cfg.Data.Seed
	tc.Workers = t.cfg.Train.Workers
	tc.Logger = t.logger
	tc.Metrics = t.metrics
	if t.cfg.Train.Progress {
		tc.Progress = t.progress
	}

	trainer, err := training.NewModelTrainer(spec, tc)
	if err != nil {
		return nil, err
	}
	t.logger.Info("model compiled",
		"classes", len(classNames),
		"parameters", trainer.GetModelSpec().TotalParameters)
	t.logger.Debug("model summary\n" + trainer.GetModelSummary())

	start := time.Now()
	history, err := trainer.Fit(ctx, trainLoader, valLoader, epochs)
	if err != nil {
		return nil, err
	}

	stats := trainer.GetStats()
	t.logger.Info("training complete",
		"epochs", epochs,
		"steps", stats.CurrentStep,
		"mean_batch_loss", stats.AverageLoss,
		"learning_rate", stats.LearningRate,
		"optimizer_state", stats.OptimizerState,
		"duration", time.Since(start).Round(time.Millisecond),
		"cache", trainLoader.Stats())
	// Both loaders share this cache; release the decoded images now that
	// neither is read again.
	trainLoader.ClearCache()

	return &TrainResult{
		Model:       trainer.Model(),
		History:     history,
		EpochsRange: training.EpochsRange(epochs),
		Checkpoint:  trainer.Checkpoint(classNames),
		Duration:    time.Since(start),
		Confusion:   trainer.Confusion(),
	}, nil
}

// Prediction classifies the configured image with model. names maps class
// indices to labels; nil uses the configured labels. It returns the
// decoded, resized image and a sentence naming the class and confidence.
func (t *Trainer) Prediction(model inference.Scorer, names map[int]string) (*image.Gray, string, error) {
	result, err := t.predict(model, names, t.cfg.Predict.ImagePath)
	if err != nil {
		return nil, "", err
	}
	return result.Image, result.Sentence(), nil
}

// PredictFile is Prediction for an explicit image path.
func (t *Trainer) PredictFile(model inference.Scorer, names map[int]string, path string) (*inference.Result, error) {
	return t.predict(model, names, path)
}

func (t *Trainer) predict(model inference.Scorer, names map[int]string, path string) (*inference.Result, error) {
	predictor, err := t.NewPredictor(model, names)
	if err != nil {
		return nil, err
	}
	return predictor.PredictFile(path)
}

// NewPredictor builds a predictor with the configured resize size.
func (t *Trainer) NewPredictor(model inference.Scorer, names map[int]string) (*inference.Predictor, error) {
	if names == nil {
		names = t.cfg.Predict.Labels
	}
	return inference.NewPredictor(model, inference.Config{
		Size:   t.cfg.Predict.Size,
		Labels: inference.Labels(names),
		Logger: t.logger,
	})
}

// PlotStatistics renders the accuracy and loss curves to an in-memory PNG.
// The returned reader is positioned at its start.
func (t *Trainer) PlotStatistics(history *training.History, epochsRange []int) (*bytes.Reader, error) {
	return training.PlotTrainingCurves(history, epochsRange, training.ReportOptions{
		WidthInches:  t.cfg.Report.WidthInches,
		HeightInches: t.cfg.Report.HeightInches,
	})
}
