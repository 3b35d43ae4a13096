// Package config holds the process-wide settings of imgtrain: artifact and
// data paths, data loading, training, prediction, reporting, serving and run
// storage. Defaults describe the 96x96 two-class setup with a 0.2 validation
// split; a YAML file and IMGTRAIN_* environment variables override them.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/tsawler/imgtrain/errdefs"
)

// Recognized loss selectors.
const (
	LossCategorical       = "Categorical crossentropy"
	LossSparseCategorical = "Sparse Categorical crossentropy"
)

// EnvPrefix prefixes every environment override, e.g. IMGTRAIN_TRAIN_EPOCHS.
const EnvPrefix = "IMGTRAIN"

// Config is the root configuration.
type Config struct {
	Paths   PathsConfig   `yaml:"paths" mapstructure:"paths"`
	Data    DataConfig    `yaml:"data" mapstructure:"data"`
	Train   TrainConfig   `yaml:"train" mapstructure:"train"`
	Predict PredictConfig `yaml:"predict" mapstructure:"predict"`
	Report  ReportConfig  `yaml:"report" mapstructure:"report"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// PathsConfig fixes where artifacts are written and where images are read.
type PathsConfig struct {
	ModelsDir string `yaml:"models_dir" mapstructure:"models_dir"`
	DataDir   string `yaml:"data_dir" mapstructure:"data_dir"`

	// Declared for the export/quantization step; nothing here writes them.
	NoQuantTFLite string `yaml:"no_quant_tflite" mapstructure:"no_quant_tflite"`
	TFLite        string `yaml:"tflite" mapstructure:"tflite"`
	MicroSource   string `yaml:"micro_source" mapstructure:"micro_source"`

	Checkpoint string `yaml:"checkpoint" mapstructure:"checkpoint"`
	ONNX       string `yaml:"onnx" mapstructure:"onnx"`
	Report     string `yaml:"report" mapstructure:"report"`
}

// DataConfig controls dataset scanning and batching.
type DataConfig struct {
	Height          int     `yaml:"height" mapstructure:"height"`
	Width           int     `yaml:"width" mapstructure:"width"`
	BatchSize       int     `yaml:"batch_size" mapstructure:"batch_size"`
	ValidationSplit float64 `yaml:"validation_split" mapstructure:"validation_split"`
	Seed            int64   `yaml:"seed" mapstructure:"seed"`
	CacheSize       int     `yaml:"cache_size" mapstructure:"cache_size"`
	Prefetch        int     `yaml:"prefetch" mapstructure:"prefetch"`

	// Classes restricts training to these subdirectories of the data
	// directory. Empty uses every subdirectory.
	Classes []string `yaml:"classes" mapstructure:"classes"`
}

// TrainConfig controls model fitting.
type TrainConfig struct {
	Epochs       int     `yaml:"epochs" mapstructure:"epochs"`
	Loss         string  `yaml:"loss" mapstructure:"loss"`
	Optimizer    string  `yaml:"optimizer" mapstructure:"optimizer"`
	LearningRate float64 `yaml:"learning_rate" mapstructure:"learning_rate"`
	Schedule     string  `yaml:"schedule" mapstructure:"schedule"` // constant, step, exponential or cosine
	WeightDecay  float64 `yaml:"weight_decay" mapstructure:"weight_decay"`
	FromLogits   bool    `yaml:"from_logits" mapstructure:"from_logits"`
	Workers      int     `yaml:"workers" mapstructure:"workers"`
	Progress     bool    `yaml:"progress" mapstructure:"progress"`
}

// PredictConfig controls single-image prediction.
type PredictConfig struct {
	ImagePath string `yaml:"image_path" mapstructure:"image_path"`
	// Size of the square resize applied before inference. 0 uses the model's
	// input dimensions.
	Size   int            `yaml:"size" mapstructure:"size"`
	Labels map[int]string `yaml:"labels" mapstructure:"labels"`
}

// ReportConfig sizes the training-curve figure.
type ReportConfig struct {
	WidthInches  float64 `yaml:"width_inches" mapstructure:"width_inches"`
	HeightInches float64 `yaml:"height_inches" mapstructure:"height_inches"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string        `yaml:"addr" mapstructure:"addr"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes" mapstructure:"max_upload_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// StoreConfig selects where training runs are persisted.
type StoreConfig struct {
	Backend       string        `yaml:"backend" mapstructure:"backend"` // "file" or "redis"
	Dir           string        `yaml:"dir" mapstructure:"dir"`
	RedisAddr     string        `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword string        `yaml:"redis_password" mapstructure:"redis_password"`
	RedisDB       int           `yaml:"redis_db" mapstructure:"redis_db"`
	RedisPrefix   string        `yaml:"redis_prefix" mapstructure:"redis_prefix"` // key prefix, default "imgtrain:run:"
	TTL           time.Duration `yaml:"ttl" mapstructure:"ttl"`
}

// LogConfig sets the log level.
type LogConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Paths: PathsConfig{
			ModelsDir:     "models",
			DataDir:       "data/",
			NoQuantTFLite: "model_no_quant.tflite",
			TFLite:        "model.tflite",
			MicroSource:   "model.cc",
			Checkpoint:    "model.json",
			ONNX:          "model.onnx",
			Report:        "training_stats.png",
		},
		Data: DataConfig{
			Height:          96,
			Width:           96,
			BatchSize:       32,
			ValidationSplit: 0.2,
			Seed:            123,
			CacheSize:       10000,
			Prefetch:        2,
		},
		Train: TrainConfig{
			Epochs:       10,
			Loss:         LossSparseCategorical,
			Optimizer:    "adam",
			LearningRate: 0.001,
			Schedule:     "constant",
			Progress:     true,
		},
		Predict: PredictConfig{
			ImagePath: "/data/1/1.png",
			Labels:    map[int]string{0: "human", 1: "not human"},
		},
		Report: ReportConfig{
			WidthInches:  8,
			HeightInches: 8,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			MaxUploadBytes:  10 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Backend: "file",
			Dir:     filepath.Join("models", "runs"),
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path (optional, "" skips the file), applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	raw := map[string]interface{}{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errdefs.Wrap(errdefs.ErrConfiguration, err, "read config")
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Config{}, errdefs.Wrap(errdefs.ErrConfiguration, err, "parse config")
		}
	}

	applyEnv(raw, os.Environ())

	cfg, err := decode(raw)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// decode merges raw over the defaults.
func decode(raw map[string]interface{}) (Config, error) {
	cfg := Default()

	// A labels section replaces the default mapping rather than merging into it.
	if p, ok := raw["predict"].(map[string]interface{}); ok {
		if _, ok := p["labels"]; ok {
			cfg.Predict.Labels = nil
		}
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return Config{}, fmt.Errorf("failed to create config decoder: %w", err)
	}

	if err := decoder.Decode(raw); err != nil {
		return Config{}, errdefs.Wrap(errdefs.ErrConfiguration, err, "decode config")
	}

	return cfg, nil
}

// applyEnv folds IMGTRAIN_<SECTION>_<KEY>=value entries into raw.
func applyEnv(raw map[string]interface{}, environ []string) {
	prefix := EnvPrefix + "_"
	for _, kv := range environ {
		if !strings.HasPrefix(kv, prefix) {
			continue
		}
		key, value, ok := strings.Cut(strings.TrimPrefix(kv, prefix), "=")
		if !ok {
			continue
		}
		section, field, ok := strings.Cut(strings.ToLower(key), "_")
		if !ok || field == "" {
			continue
		}
		sub, ok := raw[section].(map[string]interface{})
		if !ok {
			sub = map[string]interface{}{}
			raw[section] = sub
		}
		sub[field] = value
	}
}

// Validate checks the numeric and selector settings.
func (c Config) Validate() error {
	if c.Paths.ModelsDir == "" {
		return errdefs.Configf("paths.models_dir must not be empty")
	}
	if c.Paths.DataDir == "" {
		return errdefs.Configf("paths.data_dir must not be empty")
	}
	if err := ValidateDims(c.Data.Height, c.Data.Width, c.Data.BatchSize); err != nil {
		return err
	}
	if c.Data.ValidationSplit <= 0 || c.Data.ValidationSplit >= 1 {
		return errdefs.Configf("data.validation_split must be in (0, 1), got %g", c.Data.ValidationSplit)
	}
	if len(c.Data.Classes) == 1 {
		return errdefs.Configf("data.classes must name at least 2 classes, got %v", c.Data.Classes)
	}
	if c.Train.Epochs <= 0 {
		return errdefs.Configf("train.epochs must be positive, got %d", c.Train.Epochs)
	}
	if err := ValidateLoss(c.Train.Loss); err != nil {
		return err
	}
	if c.Train.Optimizer != "adam" {
		return errdefs.Configf("unsupported optimizer %q", c.Train.Optimizer)
	}
	if c.Train.LearningRate <= 0 {
		return errdefs.Configf("train.learning_rate must be positive, got %g", c.Train.LearningRate)
	}
	switch c.Train.Schedule {
	case "", "constant", "step", "exponential", "cosine":
	default:
		return errdefs.Configf("unknown learning rate schedule %q", c.Train.Schedule)
	}
	if c.Predict.Size < 0 {
		return errdefs.Configf("predict.size must not be negative, got %d", c.Predict.Size)
	}
	if len(c.Predict.Labels) == 0 {
		return errdefs.Configf("predict.labels must not be empty")
	}
	switch c.Store.Backend {
	case "file", "redis":
	default:
		return errdefs.Configf("unknown store backend %q", c.Store.Backend)
	}
	return nil
}

// ValidateDims checks the image dimensions and batch size.
func ValidateDims(height, width, batchSize int) error {
	if height <= 0 || width <= 0 {
		return errdefs.Configf("image dimensions must be positive, got %dx%d", height, width)
	}
	if batchSize <= 0 {
		return errdefs.Configf("batch size must be positive, got %d", batchSize)
	}
	return nil
}

// ValidateLoss checks a loss selector against the recognized names.
func ValidateLoss(name string) error {
	switch name {
	case LossCategorical, LossSparseCategorical:
		return nil
	default:
		return errdefs.Configf("unrecognized loss function %q (want %q or %q)",
			name, LossCategorical, LossSparseCategorical)
	}
}

// ArtifactPath joins name onto the models directory.
func (p PathsConfig) ArtifactPath(name string) string {
	return filepath.Join(p.ModelsDir, name)
}
