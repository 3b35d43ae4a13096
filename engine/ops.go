package engine

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/imgtrain/layers"
)

// node is the executable form of one compiled layer.
type node struct {
	spec    layers.LayerSpec
	inSize  int
	outSize int

	// First parameter index in Model.params and number of parameters.
	paramIdx  int
	numParams int

	// Convolution and pooling geometry.
	inC, inH, inW    int
	outC, outH, outW int
	kernel, stride   int
	padTop, padLeft  int
	groups           int

	// Rescaling.
	scale, offset float64
}

func newNode(spec layers.LayerSpec, paramIdx int) (*node, error) {
	n := &node{
		spec:      spec,
		inSize:    numElements(spec.InputShape),
		outSize:   numElements(spec.OutputShape),
		paramIdx:  paramIdx,
		numParams: len(spec.ParameterShapes),
	}

	switch spec.Type {
	case layers.Conv2D, layers.DepthwiseConv2D:
		n.inC, n.inH, n.inW = spec.InputShape[0], spec.InputShape[1], spec.InputShape[2]
		n.outC, n.outH, n.outW = spec.OutputShape[0], spec.OutputShape[1], spec.OutputShape[2]
		n.kernel = layers.GetIntParam(spec.Parameters, "kernel_size", 3)
		n.stride = layers.GetIntParam(spec.Parameters, "stride", 1)
		if layers.GetStringParam(spec.Parameters, "padding", layers.PaddingValid) == layers.PaddingSame {
			n.padTop = layers.SamePadding(n.inH, n.kernel, n.stride)
			n.padLeft = layers.SamePadding(n.inW, n.kernel, n.stride)
		}
		n.groups = 1
		if spec.Type == layers.DepthwiseConv2D {
			n.groups = n.inC
		}
	case layers.MaxPool2D:
		n.inC, n.inH, n.inW = spec.InputShape[0], spec.InputShape[1], spec.InputShape[2]
		n.outC, n.outH, n.outW = spec.OutputShape[0], spec.OutputShape[1], spec.OutputShape[2]
		n.kernel = layers.GetIntParam(spec.Parameters, "pool_size", 2)
		n.stride = layers.GetIntParam(spec.Parameters, "stride", n.kernel)
	case layers.Rescaling:
		n.scale = layers.GetFloatParam(spec.Parameters, "scale", 1)
		n.offset = layers.GetFloatParam(spec.Parameters, "offset", 0)
	case layers.Dense, layers.ReLU, layers.Softmax, layers.Reshape, layers.Flatten:
	default:
		return nil, fmt.Errorf("unsupported layer type: %s", spec.Type.String())
	}

	if n.inSize <= 0 || n.outSize <= 0 {
		return nil, fmt.Errorf("layer %s has invalid shapes", spec.Name)
	}
	return n, nil
}

// passthrough reports whether the layer only reinterprets its input.
func (n *node) passthrough() bool {
	return n.spec.Type == layers.Reshape || n.spec.Type == layers.Flatten
}

// forward computes out from in. argmax receives the winning input index of
// every max-pool output.
func (n *node) forward(params []*Parameter, in, out []float64, argmax []int) {
	switch n.spec.Type {
	case layers.Rescaling:
		for i, v := range in {
			out[i] = v*n.scale + n.offset
		}

	case layers.Conv2D, layers.DepthwiseConv2D:
		n.convForward(params, in, out)

	case layers.ReLU:
		for i, v := range in {
			if v > 0 {
				out[i] = v
			} else {
				out[i] = 0
			}
		}

	case layers.MaxPool2D:
		n.poolForward(in, out, argmax)

	case layers.Dense:
		w := params[n.paramIdx]
		wm := mat.NewDense(n.outSize, n.inSize, w.Data)
		y := mat.NewVecDense(n.outSize, out)
		y.MulVec(wm, mat.NewVecDense(n.inSize, in))
		if n.numParams > 1 {
			floats.Add(out, params[n.paramIdx+1].Data)
		}

	case layers.Softmax:
		softmaxInto(out, in)
	}
}

// backward accumulates parameter gradients into grads and, when gradIn is
// non-nil, writes the gradient with respect to the layer input.
func (n *node) backward(params []*Parameter, grads [][]float64, in, out, gradOut, gradIn []float64, argmax []int) {
	switch n.spec.Type {
	case layers.Rescaling:
		if gradIn != nil {
			for i, g := range gradOut {
				gradIn[i] = g * n.scale
			}
		}

	case layers.Conv2D, layers.DepthwiseConv2D:
		n.convBackward(params, grads, in, gradOut, gradIn)

	case layers.ReLU:
		if gradIn != nil {
			for i, g := range gradOut {
				if out[i] > 0 {
					gradIn[i] = g
				} else {
					gradIn[i] = 0
				}
			}
		}

	case layers.MaxPool2D:
		if gradIn != nil {
			for i := range gradIn {
				gradIn[i] = 0
			}
			for j, g := range gradOut {
				gradIn[argmax[j]] += g
			}
		}

	case layers.Dense:
		g := mat.NewVecDense(n.outSize, gradOut)
		x := mat.NewVecDense(n.inSize, in)
		dw := mat.NewDense(n.outSize, n.inSize, grads[n.paramIdx])
		dw.RankOne(dw, 1, g, x)
		if n.numParams > 1 {
			floats.Add(grads[n.paramIdx+1], gradOut)
		}
		if gradIn != nil {
			wm := mat.NewDense(n.outSize, n.inSize, params[n.paramIdx].Data)
			mat.NewVecDense(n.inSize, gradIn).MulVec(wm.T(), g)
		}

	case layers.Softmax:
		if gradIn != nil {
			dot := floats.Dot(gradOut, out)
			for i, y := range out {
				gradIn[i] = y * (gradOut[i] - dot)
			}
		}
	}
}

// convForward runs a grouped 2D convolution. Output channel o belongs to
// group o/(outC/groups) and reads the inC/groups input channels of that group.
func (n *node) convForward(params []*Parameter, in, out []float64) {
	w := params[n.paramIdx].Data
	var bias []float64
	if n.numParams > 1 {
		bias = params[n.paramIdx+1].Data
	}

	cg := n.inC / n.groups
	og := n.outC / n.groups
	k := n.kernel
	plane := n.inH * n.inW

	for o := 0; o < n.outC; o++ {
		g := o / og
		b := 0.0
		if bias != nil {
			b = bias[o]
		}
		outPlane := out[o*n.outH*n.outW : (o+1)*n.outH*n.outW]
		for oy := 0; oy < n.outH; oy++ {
			for ox := 0; ox < n.outW; ox++ {
				sum := b
				for c := 0; c < cg; c++ {
					inPlane := in[(g*cg+c)*plane : (g*cg+c+1)*plane]
					wk := w[(o*cg+c)*k*k : (o*cg+c+1)*k*k]
					for ky := 0; ky < k; ky++ {
						iy := oy*n.stride - n.padTop + ky
						if iy < 0 || iy >= n.inH {
							continue
						}
						row := inPlane[iy*n.inW : (iy+1)*n.inW]
						for kx := 0; kx < k; kx++ {
							ix := ox*n.stride - n.padLeft + kx
							if ix < 0 || ix >= n.inW {
								continue
							}
							sum += row[ix] * wk[ky*k+kx]
						}
					}
				}
				outPlane[oy*n.outW+ox] = sum
			}
		}
	}
}

func (n *node) convBackward(params []*Parameter, grads [][]float64, in, gradOut, gradIn []float64) {
	w := params[n.paramIdx].Data
	dw := grads[n.paramIdx]
	var db []float64
	if n.numParams > 1 {
		db = grads[n.paramIdx+1]
	}
	if gradIn != nil {
		for i := range gradIn {
			gradIn[i] = 0
		}
	}

	cg := n.inC / n.groups
	og := n.outC / n.groups
	k := n.kernel
	plane := n.inH * n.inW

	for o := 0; o < n.outC; o++ {
		g := o / og
		goPlane := gradOut[o*n.outH*n.outW : (o+1)*n.outH*n.outW]
		for oy := 0; oy < n.outH; oy++ {
			for ox := 0; ox < n.outW; ox++ {
				gv := goPlane[oy*n.outW+ox]
				if gv == 0 {
					continue
				}
				if db != nil {
					db[o] += gv
				}
				for c := 0; c < cg; c++ {
					base := (g*cg + c) * plane
					wOff := (o*cg + c) * k * k
					for ky := 0; ky < k; ky++ {
						iy := oy*n.stride - n.padTop + ky
						if iy < 0 || iy >= n.inH {
							continue
						}
						for kx := 0; kx < k; kx++ {
							ix := ox*n.stride - n.padLeft + kx
							if ix < 0 || ix >= n.inW {
								continue
							}
							idx := base + iy*n.inW + ix
							dw[wOff+ky*k+kx] += gv * in[idx]
							if gradIn != nil {
								gradIn[idx] += gv * w[wOff+ky*k+kx]
							}
						}
					}
				}
			}
		}
	}
}

func (n *node) poolForward(in, out []float64, argmax []int) {
	plane := n.inH * n.inW
	for c := 0; c < n.outC; c++ {
		for oy := 0; oy < n.outH; oy++ {
			for ox := 0; ox < n.outW; ox++ {
				best := math.Inf(-1)
				bestIdx := -1
				for ky := 0; ky < n.kernel; ky++ {
					iy := oy*n.stride + ky
					for kx := 0; kx < n.kernel; kx++ {
						ix := ox*n.stride + kx
						idx := c*plane + iy*n.inW + ix
						if bestIdx < 0 || in[idx] > best {
							best = in[idx]
							bestIdx = idx
						}
					}
				}
				j := (c*n.outH+oy)*n.outW + ox
				out[j] = best
				argmax[j] = bestIdx
			}
		}
	}
}

// softmaxInto writes the numerically stable softmax of x into dst.
func softmaxInto(dst, x []float64) {
	copy(dst, x)
	floats.AddConst(-floats.Max(dst), dst)
	for i, v := range dst {
		dst[i] = math.Exp(v)
	}
	floats.Scale(1/floats.Sum(dst), dst)
}

// Softmax returns the softmax of x.
func Softmax(x []float64) []float64 {
	out := make([]float64, len(x))
	softmaxInto(out, x)
	return out
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
