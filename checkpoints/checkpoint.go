package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tsawler/imgtrain/layers"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// Framework is recorded in the metadata of every checkpoint written here.
const Framework = "imgtrain"

// Checkpoint represents a complete model state including weights, optimizer state, and training metadata
type Checkpoint struct {
	// Model architecture and weights
	ModelSpec *layers.ModelSpec `json:"model_spec"`
	Weights   []WeightTensor    `json:"weights"`

	// Class vocabulary, index i is output unit i.
	ClassNames []string `json:"class_names,omitempty"`

	// Training state
	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	// Metadata
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float32 `json:"learning_rate"`
	BestLoss     float32 `json:"best_loss"`
	BestAccuracy float32 `json:"best_accuracy"`
	TotalSteps   int     `json:"total_steps"`
	Loss         string  `json:"loss,omitempty"`
}

// OptimizerState captures optimizer-specific state (first and second moments)
type OptimizerState struct {
	Type       string                 `json:"type"`
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents one optimizer state tensor
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "m" or "v"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint saves a complete model checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if err := checkpoint.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatONNX:
		return ExportONNX(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a model checkpoint. Only JSON checkpoints can be
// loaded; ONNX files are an export target.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	default:
		return nil, fmt.Errorf("loading %s checkpoints is not supported", cs.format.String())
	}
}

// Save writes checkpoint as JSON.
func Save(path string, checkpoint *Checkpoint) error {
	return NewCheckpointSaver(FormatJSON).SaveCheckpoint(checkpoint, path)
}

// Load reads a JSON checkpoint.
func Load(path string) (*Checkpoint, error) {
	return NewCheckpointSaver(FormatJSON).LoadCheckpoint(path)
}

// saveJSON saves checkpoint in JSON format
func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	// Ensure metadata is set
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = Framework
		checkpoint.Metadata.Version = "1.0.0"
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	// Write to a temporary file first so a failed encode never truncates an
	// existing checkpoint.
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(checkpoint); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close checkpoint file: %w", err)
	}

	return os.Rename(tmp, path)
}

// loadJSON loads checkpoint from JSON format
func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	decoder := json.NewDecoder(file)

	if err := decoder.Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}

	if checkpoint.ModelSpec == nil {
		return nil, fmt.Errorf("checkpoint %s has no model spec", path)
	}
	// Layer parameters come back as float64 / []interface{}; recompute the
	// derived shape information from them.
	if err := checkpoint.ModelSpec.Recompile(); err != nil {
		return nil, fmt.Errorf("invalid model spec in checkpoint: %w", err)
	}
	if err := checkpoint.Validate(); err != nil {
		return nil, err
	}

	return &checkpoint, nil
}

// Validate checks that the weights match the parameter shapes of the model.
func (c *Checkpoint) Validate() error {
	if c.ModelSpec == nil {
		return fmt.Errorf("checkpoint has no model spec")
	}
	if !c.ModelSpec.Compiled {
		return fmt.Errorf("checkpoint model spec is not compiled")
	}
	if len(c.Weights) != len(c.ModelSpec.ParameterShapes) {
		return fmt.Errorf("weight count mismatch: %d weights, %d parameters",
			len(c.Weights), len(c.ModelSpec.ParameterShapes))
	}

	for i, w := range c.Weights {
		shape := c.ModelSpec.ParameterShapes[i]
		if len(shape) != len(w.Shape) {
			return fmt.Errorf("shape mismatch for weight %s: model %v vs weight %v", w.Name, shape, w.Shape)
		}
		n := 1
		for j, dim := range shape {
			if dim != w.Shape[j] {
				return fmt.Errorf("dimension mismatch for weight %s at index %d: model %d vs weight %d",
					w.Name, j, dim, w.Shape[j])
			}
			n *= dim
		}
		if len(w.Data) != n {
			return fmt.Errorf("weight %s has %d values, expected %d", w.Name, len(w.Data), n)
		}
	}

	return nil
}

// WeightsByLayer groups the weights by layer name.
func (c *Checkpoint) WeightsByLayer() map[string][]WeightTensor {
	out := make(map[string][]WeightTensor)
	for _, w := range c.Weights {
		out[w.Layer] = append(out[w.Layer], w)
	}
	return out
}
