package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/imgtrain/config"
	"github.com/tsawler/imgtrain/errdefs"
	"github.com/tsawler/imgtrain/inference"
	"github.com/tsawler/imgtrain/runstore"
	"github.com/tsawler/imgtrain/tensor"
	"github.com/tsawler/imgtrain/training"
)

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

func shade(w, h int, base uint8, seed int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = base + uint8((i*7+seed)%20)
	}
	return img
}

// makeData writes perClass images into each of the named class directories.
func makeData(t *testing.T, root string, perClass int, classes ...string) {
	t.Helper()
	for c, name := range classes {
		for i := 0; i < perClass; i++ {
			writePNG(t, filepath.Join(root, name, fmt.Sprintf("%d.png", i)), shade(40, 30, uint8(30+180*c), i))
		}
	}
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Paths.ModelsDir = filepath.Join(dir, "models")
	cfg.Paths.DataDir = filepath.Join(dir, "data")
	cfg.Predict.ImagePath = filepath.Join(dir, "predict", "white.png")
	cfg.Train.Workers = 2
	cfg.Store.Dir = filepath.Join(dir, "runs")
	return cfg
}

func newTrainer(t *testing.T, cfg config.Config, opts ...Option) *Trainer {
	t.Helper()
	tr, err := New(cfg, nil, opts...)
	require.NoError(t, err)
	require.NoError(t, tr.Init())
	return tr
}

// fixedScorer returns the same logits for every 8x8 sample.
type fixedScorer struct{ logits []float64 }

func (fixedScorer) InputShape() []int { return []int{8, 8} }

func (s fixedScorer) PredictLogits(batch *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.New([]int{1, len(s.logits)}, append([]float64(nil), s.logits...))
}

func TestNew(t *testing.T) {
	cfg := testConfig(t)
	tr, err := New(cfg, nil)
	require.NoError(t, err)

	p := tr.Paths()
	assert.Equal(t, cfg.Paths.ModelsDir, p.ModelsDir)
	assert.Equal(t, filepath.Join(cfg.Paths.ModelsDir, "model_no_quant.tflite"), p.NoQuantTFLite)
	assert.Equal(t, filepath.Join(cfg.Paths.ModelsDir, "model.tflite"), p.TFLite)
	assert.Equal(t, filepath.Join(cfg.Paths.ModelsDir, "model.cc"), p.MicroSource)
	assert.Equal(t, filepath.Join(cfg.Paths.ModelsDir, "model.onnx"), p.ONNX)

	_, err = os.Stat(cfg.Paths.ModelsDir)
	assert.True(t, os.IsNotExist(err), "New does not create the artifact directory")

	cfg.Data.Height = 0
	_, err = New(cfg, nil)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}

func TestEnsureArtifactDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "models")
	require.NoError(t, EnsureArtifactDir(dir))
	require.NoError(t, EnsureArtifactDir(dir), "second call is a no-op")

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	assert.Error(t, EnsureArtifactDir(file))
	assert.Error(t, EnsureArtifactDir(filepath.Join(file, "models")))

	assert.ErrorIs(t, EnsureArtifactDir(""), errdefs.ErrConfiguration)
}

func TestLoadData(t *testing.T) {
	cfg := testConfig(t)
	makeData(t, cfg.Paths.DataDir, 3, "A", "B")
	tr := newTrainer(t, cfg)

	train, val, err := tr.LoadData(96, 96, 2)
	require.NoError(t, err)

	// floor(0.2 * 6) = 1 validation image.
	assert.Equal(t, 5, train.Len())
	assert.Equal(t, 1, val.Len())
	assert.Equal(t, []string{"A", "B"}, train.ClassNames())
	assert.Equal(t, train.ClassNames(), val.ClassNames())
	assert.Equal(t, 3, train.NumBatches())
	assert.Equal(t, 96, val.Height())
	assert.ElementsMatch(t, []int{0, 0, 0, 1, 1, 1}, append(append([]int{}, train.Labels()...), val.Labels()...))

	train2, val2, err := tr.LoadData(96, 96, 2)
	require.NoError(t, err)
	assert.Equal(t, train.Paths(), train2.Paths())
	assert.Equal(t, val.Paths(), val2.Paths())
	assert.Equal(t, train.Labels(), train2.Labels())
}

func TestLoadDataSelectedClasses(t *testing.T) {
	cfg := testConfig(t)
	cfg.Data.Classes = []string{"C", "A"}
	makeData(t, cfg.Paths.DataDir, 5, "A", "B", "C")
	tr := newTrainer(t, cfg)

	train, val, err := tr.LoadData(32, 32, 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C"}, train.ClassNames())
	assert.Equal(t, 8, train.Len())
	assert.Equal(t, 2, val.Len())
	for _, p := range append(train.Paths(), val.Paths()...) {
		assert.NotEqual(t, "B", filepath.Base(filepath.Dir(p)))
	}

	cfg.Data.Classes = []string{"A", "Z"}
	_, _, err = newTrainer(t, cfg).LoadData(32, 32, 4)
	assert.ErrorIs(t, err, errdefs.ErrData)
}

func TestLoadDataErrors(t *testing.T) {
	cfg := testConfig(t)
	tr := newTrainer(t, cfg)

	for _, dims := range [][3]int{{0, 96, 2}, {96, -1, 2}, {96, 96, 0}} {
		_, _, err := tr.LoadData(dims[0], dims[1], dims[2])
		assert.ErrorIs(t, err, errdefs.ErrConfiguration, "%v", dims)
	}

	_, _, err := tr.LoadData(96, 96, 2)
	assert.ErrorIs(t, err, errdefs.ErrData, "missing directory")

	require.NoError(t, os.MkdirAll(cfg.Paths.DataDir, 0755))
	_, _, err = tr.LoadData(96, 96, 2)
	assert.ErrorIs(t, err, errdefs.ErrData, "empty directory")

	makeData(t, cfg.Paths.DataDir, 4, "only")
	_, _, err = tr.LoadData(96, 96, 2)
	assert.ErrorIs(t, err, errdefs.ErrData, "single class")

	cfg = testConfig(t)
	makeData(t, cfg.Paths.DataDir, 1, "A", "B")
	_, _, err = newTrainer(t, cfg).LoadData(96, 96, 2)
	assert.ErrorIs(t, err, errdefs.ErrData, "too few images for a validation partition")
}

func TestTrainErrors(t *testing.T) {
	cfg := testConfig(t)
	makeData(t, cfg.Paths.DataDir, 3, "A", "B")
	tr := newTrainer(t, cfg)
	train, val, err := tr.LoadData(16, 16, 2)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = tr.Train(ctx, 16, 16, 0, config.LossSparseCategorical, train, val)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	_, err = tr.Train(ctx, 16, 16, 1, "Hinge", train, val)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	_, err = tr.Train(ctx, 16, 16, 1, config.LossSparseCategorical, nil, val)
	assert.ErrorIs(t, err, errdefs.ErrData)

	_, err = tr.Train(ctx, 32, 32, 1, config.LossSparseCategorical, train, val)
	assert.ErrorIs(t, err, errdefs.ErrData)

	other, _, err := tr.LoadData(8, 8, 2)
	require.NoError(t, err)
	_, err = tr.Train(ctx, 16, 16, 1, config.LossSparseCategorical, train, other)
	assert.ErrorIs(t, err, errdefs.ErrData)
}

func TestEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	cfg.Train.Progress = true
	makeData(t, cfg.Paths.DataDir, 3, "A", "B")
	white := image.NewGray(image.Rect(0, 0, 96, 96))
	for i := range white.Pix {
		white.Pix[i] = 255
	}
	writePNG(t, cfg.Predict.ImagePath, white)

	metrics := training.NewMetrics(prometheus.NewRegistry())
	var progress bytes.Buffer
	tr := newTrainer(t, cfg, WithMetrics(metrics), WithProgress(&progress))

	train, val, err := tr.LoadData(96, 96, 2)
	require.NoError(t, err)

	result, err := tr.Train(context.Background(), 96, 96, 2, config.LossCategorical, train, val)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1}, result.EpochsRange)
	assert.Len(t, result.History.Keys(), 4)
	for _, key := range result.History.Keys() {
		series, ok := result.History.Get(key)
		require.True(t, ok)
		assert.Len(t, series, 2, key)
	}
	assert.Equal(t, []int{96, 96}, result.Model.InputShape())
	assert.Equal(t, 2, result.Model.NumOutputs())
	assert.Contains(t, progress.String(), "Epoch 2/2")
	require.NotNil(t, result.Confusion)
	assert.Equal(t, val.Len(), result.Confusion.TotalSamples)

	// Prediction with the configured labels.
	img, sentence, err := tr.Prediction(result.Model, nil)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 96, 96), img.Bounds())
	m := regexp.MustCompile(`^This image most likely belongs to (human|not human) with a (\d+\.\d{2}) percent confidence\.$`).
		FindStringSubmatch(sentence)
	require.NotNil(t, m, sentence)
	confidence, err := strconv.ParseFloat(m[2], 64)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, confidence, 0.0)
	assert.LessOrEqual(t, confidence, 100.0)

	// Report.
	report, err := tr.PlotStatistics(result.History, result.EpochsRange)
	require.NoError(t, err)
	magic := make([]byte, 8)
	_, err = report.Read(magic)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG\r\n\x1a\n"), magic)
	require.NoError(t, tr.SaveReport(report))
	pos, err := report.Seek(0, 1)
	require.NoError(t, err)
	assert.Zero(t, pos)
	_, err = os.Stat(tr.Paths().Report)
	assert.NoError(t, err)

	// Artifacts round trip.
	require.NoError(t, tr.SaveModel(result))
	loaded, classNames, err := tr.LoadModel()
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, classNames)

	batch, err := tensor.New([]int{1, 96, 96}, make([]float64, 96*96))
	require.NoError(t, err)
	want, err := result.Model.Predict(batch)
	require.NoError(t, err)
	got, err := loaded.Predict(batch)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want.Data, got.Data, 1e-5)

	_, err = os.Stat(tr.Paths().ONNX)
	assert.NoError(t, err)

	// Run store.
	store := runstore.NewFileStore(cfg.Store.Dir)
	run, err := tr.RecordRun(context.Background(), store, result, 96, 96)
	require.NoError(t, err)
	assert.Equal(t, tr.Paths().Checkpoint, run.Checkpoint)
	runs, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
	assert.Equal(t, config.LossCategorical, runs[0].Loss)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Epochs))
}

func TestPredictionErrors(t *testing.T) {
	cfg := testConfig(t)
	makeData(t, cfg.Paths.DataDir, 3, "A", "B")
	tr := newTrainer(t, cfg)
	train, val, err := tr.LoadData(8, 8, 3)
	require.NoError(t, err)
	result, err := tr.Train(context.Background(), 8, 8, 1, config.LossSparseCategorical, train, val)
	require.NoError(t, err)

	_, _, err = tr.Prediction(result.Model, nil)
	assert.ErrorIs(t, err, errdefs.ErrData, "configured image does not exist")

	writePNG(t, cfg.Predict.ImagePath, shade(20, 20, 100, 1))
	_, sentence, err := tr.Prediction(result.Model, map[int]string{0: "A", 1: "B"})
	require.NoError(t, err)
	assert.Regexp(t, `belongs to (A|B) with`, sentence)

	// 1-based names leave index 0 unmapped.
	oneBased := map[int]string{1: "human", 2: "not human"}
	_, err = tr.PredictFile(fixedScorer{logits: []float64{3, -3}}, oneBased, cfg.Predict.ImagePath)
	assert.ErrorIs(t, err, inference.ErrLabelNotFound)
	assert.ErrorIs(t, err, errdefs.ErrRuntime)

	res, err := tr.PredictFile(fixedScorer{logits: []float64{-3, 3}}, oneBased, cfg.Predict.ImagePath)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Index)
	assert.Equal(t, "human", res.Label)

	cfg.Predict.Size = 96
	tr96, err := New(cfg, nil)
	require.NoError(t, err)
	_, _, err = tr96.Prediction(result.Model, nil)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration, "configured size differs from the model input")

	_, err = tr.PlotStatistics(training.NewHistory(), nil)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	assert.ErrorIs(t, tr.SaveModel(nil), errdefs.ErrConfiguration)
}
