package training

import (
	"bytes"
	"image/png"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/imgtrain/errdefs"
)

func sampleHistory(epochs int) *History {
	h := NewHistory()
	for e := 0; e < epochs; e++ {
		f := float64(e)
		h.Append(EpochStats{
			Epoch:       e,
			Loss:        1 / (1 + f),
			Accuracy:    0.5 + f/20,
			ValLoss:     1.1 / (1 + f),
			ValAccuracy: 0.45 + f/20,
		})
	}
	return h
}

func TestHistory(t *testing.T) {
	h := sampleHistory(3)
	assert.Equal(t, 3, h.Epochs())
	assert.Equal(t, []string{"accuracy", "loss", "val_accuracy", "val_loss"}, h.Keys())

	for _, key := range h.Keys() {
		series, ok := h.Get(key)
		require.True(t, ok, key)
		assert.Len(t, series, 3, key)
	}
	_, ok := h.Get("lr")
	assert.False(t, ok)

	last, ok := h.Last()
	require.True(t, ok)
	assert.Equal(t, 2, last.Epoch)
	assert.InDelta(t, 1.0/3.0, last.Loss, 1e-12)
	assert.Contains(t, last.String(), "val_accuracy: 0.5500")

	_, ok = NewHistory().Last()
	assert.False(t, ok)

	assert.NoError(t, h.Validate())
	assert.ErrorIs(t, NewHistory().Validate(), errdefs.ErrConfiguration)
	var nilHistory *History
	assert.ErrorIs(t, nilHistory.Validate(), errdefs.ErrConfiguration)

	h.ValLoss = h.ValLoss[:2]
	assert.ErrorIs(t, h.Validate(), errdefs.ErrConfiguration)

	assert.Equal(t, []int{0, 1, 2, 3}, EpochsRange(4))
	assert.Empty(t, EpochsRange(0))
}

func TestPlotTrainingCurves(t *testing.T) {
	h := sampleHistory(5)
	r, err := PlotTrainingCurves(h, EpochsRange(5), DefaultReportOptions())
	require.NoError(t, err)

	pos, err := r.Seek(0, 1)
	require.NoError(t, err)
	assert.Zero(t, pos, "reader starts at offset 0")

	img, err := png.Decode(r)
	require.NoError(t, err)
	// 8 inches at the default 96 dpi.
	assert.Equal(t, 768, img.Bounds().Dx())
	assert.Equal(t, 768, img.Bounds().Dy())

	// The reader can be rewound and read again.
	_, err = r.Seek(0, 0)
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = buf.ReadFrom(r)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG")))
}

func TestPlotTrainingCurvesSingleEpoch(t *testing.T) {
	_, err := PlotTrainingCurves(sampleHistory(1), EpochsRange(1), ReportOptions{WidthInches: 4, HeightInches: 2})
	assert.NoError(t, err)
}

func TestPlotTrainingCurvesErrors(t *testing.T) {
	_, err := PlotTrainingCurves(NewHistory(), nil, DefaultReportOptions())
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	_, err = PlotTrainingCurves(sampleHistory(3), EpochsRange(2), DefaultReportOptions())
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	_, err = PlotTrainingCurves(sampleHistory(3), EpochsRange(3), ReportOptions{})
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	bar := NewProgressBar(&buf, "Epoch 1/2", 4)
	bar.Update(2, map[string]float64{"loss": 0.5, "accuracy": 0.75})
	bar.UpdateMetrics(map[string]float64{"val_loss": 0.25})
	bar.Finish()

	out := buf.String()
	assert.Contains(t, out, "Epoch 1/2:  50%")
	assert.Contains(t, out, "2/4")
	assert.Contains(t, out, "accuracy=75.00%, loss=0.5000")
	assert.Contains(t, out, "val_loss=0.2500")
	assert.Contains(t, out, "4/4")
	assert.True(t, strings.HasSuffix(out, "]\n"))

	line := NewProgressBar(nil, "x", 0).line(0)
	assert.Contains(t, line, "0%")

	// A nil writer renders nothing and does not panic.
	quiet := NewProgressBar(nil, "quiet", 1)
	quiet.Update(1, nil)
	quiet.Finish()

	assert.Equal(t, "01:05", formatDuration(65*time.Second))
}

func TestSchedulers(t *testing.T) {
	constant, err := NewScheduler("", 10)
	require.NoError(t, err)
	assert.Equal(t, 0.01, constant.GetLR(7, 0.01))
	assert.Equal(t, "ConstantLR", constant.GetName())

	step, err := NewScheduler("step", 9)
	require.NoError(t, err)
	assert.InDelta(t, 0.01, step.GetLR(2, 0.01), 1e-15)
	assert.InDelta(t, 0.001, step.GetLR(3, 0.01), 1e-15)

	exp, err := NewScheduler("exponential", 10)
	require.NoError(t, err)
	assert.InDelta(t, 0.95*0.95, exp.GetLR(2, 1), 1e-12)

	cosine, err := NewScheduler("cosine", 10)
	require.NoError(t, err)
	assert.InDelta(t, 1, cosine.GetLR(0, 1), 1e-12)
	assert.InDelta(t, 0.5, cosine.GetLR(5, 1), 1e-12)
	assert.Zero(t, cosine.GetLR(10, 1))

	_, err = NewScheduler("warmup", 10)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}

func TestConfusionMatrix(t *testing.T) {
	cm := NewConfusionMatrix(2)
	outputs := []float64{
		0.9, 0.1, // true 0, predicted 0
		0.2, 0.8, // true 0, predicted 1
		0.3, 0.7, // true 1, predicted 1
		0.4, 0.6, // true 1, predicted 1
	}
	require.NoError(t, cm.UpdateFromPredictions(outputs, []int{0, 0, 1, 1}))

	assert.Equal(t, [][]int{{1, 1}, {0, 2}}, cm.Matrix)
	assert.Equal(t, 4, cm.TotalSamples)
	assert.InDelta(t, 0.75, cm.GetAccuracy(), 1e-12)
	assert.InDelta(t, 1.0, cm.Precision(0), 1e-12)
	assert.InDelta(t, 0.5, cm.Recall(0), 1e-12)
	assert.InDelta(t, 2.0/3.0, cm.Precision(1), 1e-12)
	assert.InDelta(t, 1.0, cm.Recall(1), 1e-12)
	assert.InDelta(t, (2.0/3.0+0.8)/2, cm.MacroF1(), 1e-12)
	assert.Contains(t, cm.Format([]string{"human", "not human"}), "not human")

	assert.Error(t, cm.UpdateFromPredictions(outputs[:3], []int{0}))
	assert.Error(t, cm.UpdateFromPredictions(outputs[:2], []int{5}))

	assert.Zero(t, NewConfusionMatrix(2).GetAccuracy())
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.observeBatch(3, time.Millisecond)
	m.observeEpoch(EpochStats{}, 1, 0.001)
}
