package inference

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/tsawler/imgtrain/checkpoints"
	"github.com/tsawler/imgtrain/errdefs"
	"github.com/tsawler/imgtrain/tensor"
)

var runtimeMu sync.Mutex

// InitializeRuntime loads the ONNX Runtime shared library. libPath may be
// empty to use the library's default search path. Calling it again after a
// successful initialization is a no-op.
func InitializeRuntime(libPath string) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return errdefs.Wrap(errdefs.ErrRuntime, err, "failed to initialize ONNX environment")
	}
	return nil
}

// DestroyRuntime releases the ONNX Runtime environment.
func DestroyRuntime() error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// ONNXSession scores images with an exported model through ONNX Runtime.
// It reads the raw "logits" output, so it can stand in for *engine.Model in
// a Predictor. Runs are serialized.
type ONNXSession struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	height  int
	width   int
	classes int
}

// NewONNXSession opens a model written by checkpoints.ExportONNX. The
// runtime must have been initialized with InitializeRuntime.
func NewONNXSession(modelPath string) (*ONNXSession, error) {
	model, err := checkpoints.ReadONNX(modelPath)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrData, err, "failed to read ONNX model")
	}
	height, width, classes, err := modelDims(model)
	if err != nil {
		return nil, err
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(height), int64(width)))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrRuntime, err, "failed to create input tensor")
	}

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(classes)))
	if err != nil {
		input.Destroy()
		return nil, errdefs.Wrap(errdefs.ErrRuntime, err, "failed to create output tensor")
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{checkpoints.ONNXInput}, []string{checkpoints.ONNXLogits},
		[]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output},
		nil)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, errdefs.Wrap(errdefs.ErrRuntime, err, "failed to create ONNX session")
	}

	return &ONNXSession{
		session: session,
		input:   input,
		output:  output,
		height:  height,
		width:   width,
		classes: classes,
	}, nil
}

// modelDims reads [N, H, W] from the graph input and [N, classes] from the
// logits output.
func modelDims(model *checkpoints.ModelProto) (height, width, classes int, err error) {
	if model.Graph == nil {
		return 0, 0, 0, errdefs.Dataf("ONNX model has no graph")
	}
	for _, in := range model.Graph.Inputs {
		if in.Name == checkpoints.ONNXInput && len(in.Dims) == 3 {
			height, width = int(in.Dims[1]), int(in.Dims[2])
		}
	}
	for _, out := range model.Graph.Outputs {
		if out.Name == checkpoints.ONNXLogits && len(out.Dims) == 2 {
			classes = int(out.Dims[1])
		}
	}
	if height <= 0 || width <= 0 || classes <= 0 {
		return 0, 0, 0, errdefs.Dataf("ONNX model needs an %q input [N H W] and a %q output [N C]",
			checkpoints.ONNXInput, checkpoints.ONNXLogits)
	}
	return height, width, classes, nil
}

// InputShape returns [height, width].
func (s *ONNXSession) InputShape() []int {
	return []int{s.height, s.width}
}

// NumClasses returns the size of the logits output.
func (s *ONNXSession) NumClasses() int {
	return s.classes
}

// PredictLogits runs the session once per sample of batch.
func (s *ONNXSession) PredictLogits(batch *tensor.Tensor) (*tensor.Tensor, error) {
	if batch == nil || len(batch.Shape) != 3 || batch.Shape[1] != s.height || batch.Shape[2] != s.width {
		return nil, fmt.Errorf("batch must have shape [N %d %d]", s.height, s.width)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := batch.BatchSize()
	result, err := tensor.Zeros([]int{n, s.classes})
	if err != nil {
		return nil, err
	}

	in := s.input.GetData()
	for i := 0; i < n; i++ {
		for j, v := range batch.Sample(i) {
			in[j] = float32(v)
		}
		if err := s.session.Run(); err != nil {
			return nil, fmt.Errorf("inference failed: %w", err)
		}
		for j, v := range s.output.GetData() {
			result.Data[i*s.classes+j] = float64(v)
		}
	}
	return result, nil
}

// Close releases the session and its tensors.
func (s *ONNXSession) Close() {
	if s.input != nil {
		s.input.Destroy()
	}
	if s.output != nil {
		s.output.Destroy()
	}
	if s.session != nil {
		s.session.Destroy()
	}
}
