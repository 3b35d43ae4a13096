// Package inference classifies single images with a trained model.
package inference

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/imgtrain/engine"
	"github.com/tsawler/imgtrain/errdefs"
	"github.com/tsawler/imgtrain/logging"
	"github.com/tsawler/imgtrain/tensor"
	"github.com/tsawler/imgtrain/vision/preprocessing"
)

// ErrLabelNotFound is returned when the predicted class has no entry in the
// label map.
var ErrLabelNotFound = fmt.Errorf("%w: label not found", errdefs.ErrRuntime)

// SentenceFormat is the human-readable prediction.
const SentenceFormat = "This image most likely belongs to %s with a %.2f percent confidence."

// Scorer produces raw, pre-softmax scores for a batch shaped [N, H, W].
// *engine.Model and *ONNXSession implement it.
type Scorer interface {
	InputShape() []int
	PredictLogits(batch *tensor.Tensor) (*tensor.Tensor, error)
}

// Labels maps class indices to display names.
type Labels map[int]string

// DefaultLabels returns the two-class mapping used when none is configured.
func DefaultLabels() Labels {
	return Labels{0: "human", 1: "not human"}
}

// LabelsFromClassNames indexes names by position.
func LabelsFromClassNames(names []string) Labels {
	l := make(Labels, len(names))
	for i, name := range names {
		l[i] = name
	}
	return l
}

// Name returns the label of class i.
func (l Labels) Name(i int) (string, error) {
	name, ok := l[i]
	if !ok {
		return "", fmt.Errorf("%w: class index %d (known: %v)", ErrLabelNotFound, i, l.indices())
	}
	return name, nil
}

func (l Labels) indices() []int {
	idx := make([]int, 0, len(l))
	for i := range l {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}

// Result is the outcome of one prediction.
type Result struct {
	Image         *image.Gray
	Index         int
	Label         string
	Confidence    float64   // percent
	Probabilities []float64 // softmax of the raw scores
}

// Sentence renders the result the way it is reported to users.
func (r *Result) Sentence() string {
	return fmt.Sprintf(SentenceFormat, r.Label, r.Confidence)
}

// Config configures a Predictor.
type Config struct {
	// Size of the square resize. 0 uses the model input dimensions.
	Size   int
	Labels Labels // nil uses DefaultLabels
	Logger *slog.Logger
}

// Predictor resizes, scores and labels single images.
type Predictor struct {
	scorer Scorer
	labels Labels
	height int
	width  int
	logger *slog.Logger
}

// NewPredictor creates a predictor for scorer. A configured size that does
// not match the model input is an ErrConfiguration.
func NewPredictor(scorer Scorer, config Config) (*Predictor, error) {
	if scorer == nil {
		return nil, errdefs.Configf("predictor has no model")
	}
	shape := scorer.InputShape()
	if len(shape) != 2 {
		return nil, errdefs.Configf("model input must be [height width], got %v", shape)
	}
	height, width := shape[0], shape[1]
	if config.Size < 0 {
		return nil, errdefs.Configf("prediction size must not be negative, got %d", config.Size)
	}
	if config.Size > 0 && (config.Size != height || config.Size != width) {
		return nil, errdefs.Configf("prediction size %dx%d does not match model input %dx%d",
			config.Size, config.Size, height, width)
	}

	labels := config.Labels
	if labels == nil {
		labels = DefaultLabels()
	}

	return &Predictor{
		scorer: scorer,
		labels: labels,
		height: height,
		width:  width,
		logger: logging.OrNop(config.Logger),
	}, nil
}

// Labels returns the label map.
func (p *Predictor) Labels() Labels {
	return p.labels
}

// PredictFile classifies the image at path. A missing or undecodable file
// is an ErrData.
func (p *Predictor) PredictFile(path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrData, err, "failed to open image")
	}
	defer f.Close()

	return p.PredictReader(f)
}

// PredictReader decodes an image from r and classifies it.
func (p *Predictor) PredictReader(r io.Reader) (*Result, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrData, err, "failed to decode image")
	}
	p.logger.Debug("decoded image", "format", format,
		"width", img.Bounds().Dx(), "height", img.Bounds().Dy())
	return p.PredictImage(img)
}

// PredictImage converts img to grayscale, resizes it to the model input and
// classifies it.
func (p *Predictor) PredictImage(img image.Image) (*Result, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, errdefs.Dataf("image is empty")
	}

	gray := preprocessing.ToGray(img)
	if gray.Bounds().Dx() != p.width || gray.Bounds().Dy() != p.height {
		gray = preprocessing.ToGray(resize.Resize(uint(p.width), uint(p.height), gray, resize.Bilinear))
	}

	batch, err := tensor.New([]int{1, p.height, p.width}, preprocessing.GrayToFloats(gray))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrRuntime, err, "failed to build input")
	}

	scores, err := p.scorer.PredictLogits(batch)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrRuntime, err, "inference failed")
	}

	probs := engine.Softmax(scores.Sample(0))
	index := floats.MaxIdx(probs)
	label, err := p.labels.Name(index)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Image:         gray,
		Index:         index,
		Label:         label,
		Confidence:    100 * probs[index],
		Probabilities: probs,
	}
	p.logger.Debug("prediction", "label", label, "confidence", result.Confidence)
	return result, nil
}

// IsLabelNotFound reports whether err is an ErrLabelNotFound.
func IsLabelNotFound(err error) bool {
	return errors.Is(err, ErrLabelNotFound)
}
