package checkpoints

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/imgtrain/layers"
)

// newTestCheckpoint builds a checkpoint for the classifier with
// deterministic weights.
func newTestCheckpoint(t *testing.T, height, width, classes int) *Checkpoint {
	t.Helper()

	spec, err := layers.ClassifierSpec(height, width, classes)
	require.NoError(t, err)

	var weights []WeightTensor
	for _, layer := range spec.Layers {
		for i, shape := range layer.ParameterShapes {
			n := 1
			for _, d := range shape {
				n *= d
			}
			data := make([]float32, n)
			for j := range data {
				data[j] = float32(j%7) * 0.01
			}
			kind := "weight"
			if i == 1 {
				kind = "bias"
			}
			weights = append(weights, WeightTensor{
				Name:  layer.Name + "." + kind,
				Shape: shape,
				Data:  data,
				Layer: layer.Name,
				Type:  kind,
			})
		}
	}

	return &Checkpoint{
		ModelSpec:  spec,
		Weights:    weights,
		ClassNames: []string{"cats", "dogs"},
		TrainingState: TrainingState{
			Epoch:        3,
			LearningRate: 0.001,
			BestLoss:     0.5,
			BestAccuracy: 0.75,
			Loss:         "Sparse Categorical crossentropy",
		},
		Metadata: CheckpointMetadata{
			Description: "test checkpoint",
			Tags:        []string{"test"},
		},
	}
}

func TestCheckpointJSONSaveLoad(t *testing.T) {
	checkpoint := newTestCheckpoint(t, 8, 12, 2)
	path := filepath.Join(t.TempDir(), "models", "model.json")

	require.NoError(t, Save(path, checkpoint))
	assert.Equal(t, Framework, checkpoint.Metadata.Framework)
	assert.False(t, checkpoint.Metadata.CreatedAt.IsZero())

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temporary file must be renamed")

	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, checkpoint.ClassNames, loaded.ClassNames)
	assert.Equal(t, checkpoint.TrainingState, loaded.TrainingState)
	assert.Equal(t, checkpoint.ModelSpec.InputShape, loaded.ModelSpec.InputShape)
	assert.Equal(t, checkpoint.ModelSpec.OutputShape, loaded.ModelSpec.OutputShape)
	assert.Equal(t, checkpoint.ModelSpec.TotalParameters, loaded.ModelSpec.TotalParameters)
	require.Len(t, loaded.Weights, len(checkpoint.Weights))
	for i := range checkpoint.Weights {
		assert.Equal(t, checkpoint.Weights[i].Name, loaded.Weights[i].Name)
		assert.Equal(t, checkpoint.Weights[i].Data, loaded.Weights[i].Data)
	}
	assert.WithinDuration(t, checkpoint.Metadata.CreatedAt, loaded.Metadata.CreatedAt, time.Second)

	byLayer := loaded.WeightsByLayer()
	assert.Len(t, byLayer["dense"], 2)
	assert.Len(t, byLayer["depthwise_conv2d"], 2)
}

func TestCheckpointValidate(t *testing.T) {
	t.Run("WeightCount", func(t *testing.T) {
		c := newTestCheckpoint(t, 8, 8, 2)
		c.Weights = c.Weights[:1]
		assert.Error(t, c.Validate())
	})

	t.Run("WeightShape", func(t *testing.T) {
		c := newTestCheckpoint(t, 8, 8, 2)
		c.Weights[0].Shape = []int{1, 2, 3}
		assert.Error(t, c.Validate())
	})

	t.Run("WeightLength", func(t *testing.T) {
		c := newTestCheckpoint(t, 8, 8, 2)
		c.Weights[1].Data = c.Weights[1].Data[:1]
		assert.Error(t, c.Validate())
	})

	t.Run("NoSpec", func(t *testing.T) {
		assert.Error(t, (&Checkpoint{}).Validate())
	})
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0644))
	_, err = Load(bad)
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte("{}"), 0644))
	_, err = Load(empty)
	assert.Error(t, err)

	_, err = NewCheckpointSaver(FormatONNX).LoadCheckpoint(bad)
	assert.Error(t, err)
}

func TestCheckpointFormatString(t *testing.T) {
	assert.Equal(t, "JSON", FormatJSON.String())
	assert.Equal(t, "ONNX", FormatONNX.String())
	assert.Equal(t, "Unknown", CheckpointFormat(9).String())
}
