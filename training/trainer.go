// Package training compiles and fits models: losses, the training loop,
// per-epoch history, progress display, Prometheus metrics and the
// training-curve report.
package training

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/tsawler/imgtrain/checkpoints"
	"github.com/tsawler/imgtrain/config"
	"github.com/tsawler/imgtrain/engine"
	"github.com/tsawler/imgtrain/errdefs"
	"github.com/tsawler/imgtrain/layers"
	"github.com/tsawler/imgtrain/logging"
	"github.com/tsawler/imgtrain/optimizer"
	"github.com/tsawler/imgtrain/tensor"
	"github.com/tsawler/imgtrain/vision/dataloader"
)

// TrainerConfig configures compilation and fitting.
type TrainerConfig struct {
	// Optimizer (Adam)
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64 // L2 regularization added to the gradient

	Loss       string // config.LossCategorical or config.LossSparseCategorical
	FromLogits bool
	Schedule   string // "constant", "step", "exponential" or "cosine"

	Seed    int64 // parameter initialization
	Workers int   // goroutines per batch, 0 = physical cores

	Logger   *slog.Logger
	Metrics  *Metrics  // optional
	Progress io.Writer // optional progress bar destination
}

// DefaultTrainerConfig returns Adam with its usual defaults and the sparse
// categorical loss.
func DefaultTrainerConfig() TrainerConfig {
	adam := optimizer.DefaultAdamConfig()
	return TrainerConfig{
		LearningRate: adam.LearningRate,
		Beta1:        adam.Beta1,
		Beta2:        adam.Beta2,
		Epsilon:      adam.Epsilon,
		WeightDecay:  adam.WeightDecay,
		Loss:         config.LossSparseCategorical,
		Schedule:     "constant",
	}
}

// ModelTrainer owns a model, its loss and its optimizer.
type ModelTrainer struct {
	model     *engine.Model
	modelSpec *layers.ModelSpec
	loss      Loss
	optimizer optimizer.Optimizer
	scheduler LRScheduler
	config    TrainerConfig
	logger    *slog.Logger

	currentLR    float64
	epoch        int
	currentStep  int
	totalLoss    float64
	lastStepTime time.Duration
	bestValLoss  float64
	bestValAcc   float64
	confusion    *ConfusionMatrix
}

// TrainingResult is the outcome of one batch.
type TrainingResult struct {
	Loss      float64
	Accuracy  float64
	Correct   int
	BatchSize int
	StepTime  time.Duration
}

// EvaluationResult aggregates a pass over a loader without updates.
type EvaluationResult struct {
	Loss      float64
	Accuracy  float64
	Samples   int
	Confusion *ConfusionMatrix
}

// ModelTrainingStats summarizes trainer progress.
type ModelTrainingStats struct {
	Epoch        int
	CurrentStep  int
	AverageLoss  float64
	LastStepTime time.Duration
	LearningRate float64
	Parameters   int64

	// OptimizerState counts the moment values Adam keeps, 2 per parameter.
	OptimizerState int
}

// NewModelTrainer compiles spec with the configured loss and optimizer.
// An unknown loss or schedule is an ErrConfiguration.
func NewModelTrainer(modelSpec *layers.ModelSpec, config TrainerConfig) (*ModelTrainer, error) {
	loss, err := NewLoss(config.Loss, config.FromLogits)
	if err != nil {
		return nil, err
	}

	scheduler, err := NewScheduler(config.Schedule, 0)
	if err != nil {
		return nil, err
	}

	logger := logging.OrNop(config.Logger)

	model, err := engine.NewModel(modelSpec, engine.Config{
		Seed:    config.Seed,
		Workers: config.Workers,
		Logger:  logger,
	})
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrRuntime, err, "failed to build model")
	}

	shapes := make([][]int, 0, len(model.Parameters()))
	for _, p := range model.Parameters() {
		shapes = append(shapes, p.Shape)
	}
	adam, err := optimizer.NewAdamOptimizer(optimizer.AdamConfig{
		LearningRate: config.LearningRate,
		Beta1:        config.Beta1,
		Beta2:        config.Beta2,
		Epsilon:      config.Epsilon,
		WeightDecay:  config.WeightDecay,
	}, shapes)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrConfiguration, err, "invalid optimizer configuration")
	}

	logger.Debug("model compiled",
		"loss", loss.Name(),
		"from_logits", config.FromLogits,
		"optimizer", "adam",
		"learning_rate", config.LearningRate,
		"schedule", scheduler.GetName())

	return &ModelTrainer{
		model:       model,
		modelSpec:   modelSpec,
		loss:        loss,
		optimizer:   adam,
		scheduler:   scheduler,
		config:      config,
		logger:      logger,
		currentLR:   config.LearningRate,
		bestValLoss: math.Inf(1),
	}, nil
}

// Model returns the trained model.
func (mt *ModelTrainer) Model() *engine.Model {
	return mt.model
}

// Confusion returns the validation confusion matrix of the last completed
// epoch, or nil before Fit.
func (mt *ModelTrainer) Confusion() *ConfusionMatrix {
	return mt.confusion
}

// GetModelSpec returns the compiled model spec.
func (mt *ModelTrainer) GetModelSpec() *layers.ModelSpec {
	return mt.modelSpec
}

// GetModelSummary returns the layer table of the model.
func (mt *ModelTrainer) GetModelSummary() string {
	return mt.modelSpec.Summary()
}

// TrainBatch runs one optimization step on images [N, H, W] with labels.
func (mt *ModelTrainer) TrainBatch(images *tensor.Tensor, labels []int) (*TrainingResult, error) {
	if images == nil || images.BatchSize() != len(labels) {
		return nil, errdefs.Dataf("batch has %d labels for %v images", len(labels), shapeOf(images))
	}

	start := time.Now()
	result, err := mt.model.ForwardBackward(images, func(i int, output, grad []float64) (float64, error) {
		return mt.loss.Compute(output, labels[i], grad)
	})
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrRuntime, err, "forward/backward pass failed")
	}

	loss := result.Loss()
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return nil, errdefs.Runtimef("loss is %g at step %d", loss, mt.currentStep+1)
	}

	params := mt.model.Parameters()
	data := make([][]float64, len(params))
	for i, p := range params {
		data[i] = p.Data
	}
	if err := mt.optimizer.Step(data, result.Gradients); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrRuntime, err, "optimizer step failed")
	}
	if err := mt.model.CheckFinite(); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrRuntime, err, fmt.Sprintf("step %d diverged", mt.currentStep+1))
	}

	correct := countCorrect(result.Outputs.Data, labels, mt.model.NumOutputs())

	mt.currentStep++
	mt.totalLoss += loss
	mt.lastStepTime = time.Since(start)
	mt.config.Metrics.observeBatch(len(labels), mt.lastStepTime)

	return &TrainingResult{
		Loss:      loss,
		Accuracy:  float64(correct) / float64(len(labels)),
		Correct:   correct,
		BatchSize: len(labels),
		StepTime:  mt.lastStepTime,
	}, nil
}

// EvaluateBatch computes loss and accuracy without updating parameters.
// Predictions are added to cm when it is not nil.
func (mt *ModelTrainer) EvaluateBatch(images *tensor.Tensor, labels []int, cm *ConfusionMatrix) (*TrainingResult, error) {
	if images == nil || images.BatchSize() != len(labels) {
		return nil, errdefs.Dataf("batch has %d labels for %v images", len(labels), shapeOf(images))
	}

	start := time.Now()
	outputs, err := mt.model.Predict(images)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrRuntime, err, "inference failed")
	}

	numOutputs := mt.model.NumOutputs()
	grad := make([]float64, numOutputs)
	sum := 0.0
	for i, label := range labels {
		l, err := mt.loss.Compute(outputs.Sample(i), label, grad)
		if err != nil {
			return nil, err
		}
		sum += l
	}
	if cm != nil {
		if err := cm.UpdateFromPredictions(outputs.Data, labels); err != nil {
			return nil, errdefs.Wrap(errdefs.ErrData, err, "confusion matrix")
		}
	}

	correct := countCorrect(outputs.Data, labels, numOutputs)
	return &TrainingResult{
		Loss:      sum / float64(len(labels)),
		Accuracy:  float64(correct) / float64(len(labels)),
		Correct:   correct,
		BatchSize: len(labels),
		StepTime:  time.Since(start),
	}, nil
}

// Evaluate runs the model over every batch of loader.
func (mt *ModelTrainer) Evaluate(ctx context.Context, loader *dataloader.DataLoader) (*EvaluationResult, error) {
	cm := NewConfusionMatrix(mt.model.NumOutputs())
	it := loader.Iterate(ctx, 0)
	defer it.Close()

	var lossSum float64
	var correct, samples int
	for {
		batch, err := it.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		r, err := mt.EvaluateBatch(batch.Images, batch.Labels, cm)
		if err != nil {
			return nil, err
		}
		lossSum += r.Loss * float64(r.BatchSize)
		correct += r.Correct
		samples += r.BatchSize
	}
	if samples == 0 {
		return nil, errdefs.Dataf("evaluation set is empty")
	}

	return &EvaluationResult{
		Loss:      lossSum / float64(samples),
		Accuracy:  float64(correct) / float64(samples),
		Samples:   samples,
		Confusion: cm,
	}, nil
}

// Fit trains for epochs passes over train, evaluating on val after each
// one. Training batches are reshuffled every epoch; the reported training
// metrics are sample means over the epoch.
func (mt *ModelTrainer) Fit(ctx context.Context, train, val *dataloader.DataLoader, epochs int) (*History, error) {
	if epochs <= 0 {
		return nil, errdefs.Configf("epochs must be positive, got %d", epochs)
	}
	if train == nil || val == nil {
		return nil, errdefs.Dataf("training and validation loaders are required")
	}

	// Schedules that depend on the run length are rebuilt for it.
	scheduler, err := NewScheduler(mt.config.Schedule, epochs)
	if err != nil {
		return nil, err
	}
	mt.scheduler = scheduler

	history := NewHistory()
	for epoch := 0; epoch < epochs; epoch++ {
		mt.currentLR = mt.scheduler.GetLR(epoch, mt.config.LearningRate)
		mt.optimizer.UpdateLearningRate(mt.currentLR)

		stats, eval, err := mt.runEpoch(ctx, train, val, epoch, epochs)
		if err != nil {
			return nil, err
		}

		history.Append(stats)
		mt.epoch = epoch + 1
		mt.bestValLoss = math.Min(mt.bestValLoss, stats.ValLoss)
		mt.bestValAcc = math.Max(mt.bestValAcc, stats.ValAccuracy)
		mt.confusion = eval.Confusion
		mt.config.Metrics.observeEpoch(stats, eval.Samples, mt.currentLR)

		mt.logger.Info("epoch complete",
			"epoch", epoch+1,
			"epochs", epochs,
			"loss", stats.Loss,
			"accuracy", stats.Accuracy,
			"val_loss", stats.ValLoss,
			"val_accuracy", stats.ValAccuracy,
			"val_macro_f1", eval.Confusion.MacroF1())
	}

	return history, nil
}

func (mt *ModelTrainer) runEpoch(ctx context.Context, train, val *dataloader.DataLoader, epoch, epochs int) (EpochStats, *EvaluationResult, error) {
	bar := NewProgressBar(mt.config.Progress, fmt.Sprintf("Epoch %d/%d", epoch+1, epochs), train.NumBatches())

	it := train.Iterate(ctx, epoch)
	defer it.Close()

	var lossSum float64
	var correct, samples, step int
	for {
		if err := ctx.Err(); err != nil {
			return EpochStats{}, nil, fmt.Errorf("epoch %d: %w", epoch+1, err)
		}
		batch, err := it.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return EpochStats{}, nil, fmt.Errorf("epoch %d: %w", epoch+1, err)
		}

		r, err := mt.TrainBatch(batch.Images, batch.Labels)
		if err != nil {
			return EpochStats{}, nil, fmt.Errorf("epoch %d: %w", epoch+1, err)
		}
		lossSum += r.Loss * float64(r.BatchSize)
		correct += r.Correct
		samples += r.BatchSize
		step++

		bar.Update(step, map[string]float64{
			KeyLoss:     lossSum / float64(samples),
			KeyAccuracy: float64(correct) / float64(samples),
		})
	}
	if samples == 0 {
		return EpochStats{}, nil, errdefs.Dataf("training set is empty")
	}

	eval, err := mt.Evaluate(ctx, val)
	if err != nil {
		return EpochStats{}, nil, fmt.Errorf("epoch %d validation: %w", epoch+1, err)
	}

	stats := EpochStats{
		Epoch:       epoch,
		Loss:        lossSum / float64(samples),
		Accuracy:    float64(correct) / float64(samples),
		ValLoss:     eval.Loss,
		ValAccuracy: eval.Accuracy,
	}
	bar.UpdateMetrics(map[string]float64{
		KeyValLoss:     stats.ValLoss,
		KeyValAccuracy: stats.ValAccuracy,
	})
	bar.Finish()

	return stats, eval, nil
}

// Checkpoint captures the model together with optimizer and training
// state.
func (mt *ModelTrainer) Checkpoint(classNames []string) *checkpoints.Checkpoint {
	c := mt.model.Checkpoint()
	c.ClassNames = append([]string(nil), classNames...)
	c.OptimizerState = mt.optimizer.GetState()
	c.TrainingState = checkpoints.TrainingState{
		Epoch:        mt.epoch,
		Step:         mt.currentStep,
		LearningRate: float32(mt.currentLR),
		BestLoss:     float32(mt.bestValLoss),
		BestAccuracy: float32(mt.bestValAcc),
		TotalSteps:   int(mt.optimizer.GetStepCount()),
		Loss:         mt.loss.Name(),
	}
	if math.IsInf(mt.bestValLoss, 1) {
		c.TrainingState.BestLoss = 0
	}
	return c
}

// GetStats returns trainer progress.
func (mt *ModelTrainer) GetStats() *ModelTrainingStats {
	avg := 0.0
	if mt.currentStep > 0 {
		avg = mt.totalLoss / float64(mt.currentStep)
	}
	stats := &ModelTrainingStats{
		Epoch:        mt.epoch,
		CurrentStep:  mt.currentStep,
		AverageLoss:  avg,
		LastStepTime: mt.lastStepTime,
		LearningRate: mt.currentLR,
		Parameters:   mt.modelSpec.TotalParameters,
	}
	if adam, ok := mt.optimizer.(*optimizer.AdamOptimizerState); ok {
		stats.OptimizerState = adam.GetStats().StateElements
	}
	return stats
}

func countCorrect(outputs []float64, labels []int, numClasses int) int {
	correct := 0
	for i, label := range labels {
		if Correct(outputs[i*numClasses:(i+1)*numClasses], label) {
			correct++
		}
	}
	return correct
}

func shapeOf(t *tensor.Tensor) []int {
	if t == nil {
		return nil
	}
	return t.Shape
}
