package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/imgtrain/errdefs"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "models", cfg.Paths.ModelsDir)
	assert.Equal(t, "data/", cfg.Paths.DataDir)
	assert.Equal(t, "model_no_quant.tflite", cfg.Paths.NoQuantTFLite)
	assert.Equal(t, "model.tflite", cfg.Paths.TFLite)
	assert.Equal(t, "model.cc", cfg.Paths.MicroSource)
	assert.Equal(t, int64(123), cfg.Data.Seed)
	assert.Equal(t, 0.2, cfg.Data.ValidationSplit)
	assert.Equal(t, "adam", cfg.Train.Optimizer)
	assert.Equal(t, "/data/1/1.png", cfg.Predict.ImagePath)
	assert.Equal(t, map[int]string{0: "human", 1: "not human"}, cfg.Predict.Labels)
	assert.Equal(t, filepath.Join("models", "model.json"), cfg.Paths.ArtifactPath(cfg.Paths.Checkpoint))
	require.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "imgtrain.yaml")
	content := `
paths:
  data_dir: /srv/images
data:
  height: 48
  width: 64
  batch_size: 4
  classes: [cats, dogs]
train:
  epochs: 3
  loss: Categorical crossentropy
predict:
  labels:
    1: human
    2: not human
server:
  shutdown_timeout: 3s
store:
  redis_prefix: "lab:run:"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/images", cfg.Paths.DataDir)
	assert.Equal(t, "models", cfg.Paths.ModelsDir, "unset keys keep defaults")
	assert.Equal(t, 48, cfg.Data.Height)
	assert.Equal(t, 64, cfg.Data.Width)
	assert.Equal(t, 4, cfg.Data.BatchSize)
	assert.Equal(t, 3, cfg.Train.Epochs)
	assert.Equal(t, LossCategorical, cfg.Train.Loss)
	assert.Equal(t, map[int]string{1: "human", 2: "not human"}, cfg.Predict.Labels)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, []string{"cats", "dogs"}, cfg.Data.Classes)
	assert.Equal(t, "lab:run:", cfg.Store.RedisPrefix)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("IMGTRAIN_TRAIN_EPOCHS", "7")
	t.Setenv("IMGTRAIN_DATA_BATCH_SIZE", "2")
	t.Setenv("IMGTRAIN_STORE_BACKEND", "redis")
	t.Setenv("IMGTRAIN_TRAIN_SCHEDULE", "cosine")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Train.Epochs)
	assert.Equal(t, 2, cfg.Data.BatchSize)
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, "cosine", cfg.Train.Schedule)
}

func TestLoadErrors(t *testing.T) {
	t.Run("MissingFile", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.ErrorIs(t, err, errdefs.ErrConfiguration)
	})

	t.Run("InvalidYAML", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("data: [unterminated"), 0644))
		_, err := Load(path)
		assert.ErrorIs(t, err, errdefs.ErrConfiguration)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"ZeroHeight", func(c *Config) { c.Data.Height = 0 }},
		{"NegativeWidth", func(c *Config) { c.Data.Width = -1 }},
		{"ZeroBatch", func(c *Config) { c.Data.BatchSize = 0 }},
		{"SplitOne", func(c *Config) { c.Data.ValidationSplit = 1 }},
		{"ZeroEpochs", func(c *Config) { c.Train.Epochs = 0 }},
		{"UnknownLoss", func(c *Config) { c.Train.Loss = "categorical_crossentropy" }},
		{"UnknownOptimizer", func(c *Config) { c.Train.Optimizer = "sgd" }},
		{"NoLabels", func(c *Config) { c.Predict.Labels = nil }},
		{"UnknownStore", func(c *Config) { c.Store.Backend = "s3" }},
		{"UnknownSchedule", func(c *Config) { c.Train.Schedule = "warmup" }},
		{"SingleSelectedClass", func(c *Config) { c.Data.Classes = []string{"cats"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), errdefs.ErrConfiguration)
		})
	}
}

func TestValidateLoss(t *testing.T) {
	assert.NoError(t, ValidateLoss("Categorical crossentropy"))
	assert.NoError(t, ValidateLoss("Sparse Categorical crossentropy"))
	assert.ErrorIs(t, ValidateLoss("sparse categorical crossentropy"), errdefs.ErrConfiguration)
}
