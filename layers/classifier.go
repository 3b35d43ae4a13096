package layers

// ClassifierSpec compiles the grayscale image classifier used by the
// training pipeline for height x width inputs and numClasses outputs:
//
//	Reshape[1,H,W] -> Rescaling(1/255) -> Conv2D(16, 3x3, same) -> ReLU ->
//	MaxPool2D(2) -> DepthwiseConv2D(x8, 3x3, same) -> ReLU -> MaxPool2D(2) ->
//	Flatten -> Dense(numClasses) -> Softmax
func ClassifierSpec(height, width, numClasses int) (*ModelSpec, error) {
	return NewModelBuilder([]int{height, width}).
		AddReshape([]int{1, height, width}, "reshape").
		AddRescaling(1.0/255, 0, "rescaling").
		AddConv2D(16, 3, 1, PaddingSame, true, "conv2d").
		AddReLU("relu").
		AddMaxPool2D(2, 2, "max_pooling2d").
		AddDepthwiseConv2D(8, 3, 1, PaddingSame, true, "depthwise_conv2d").
		AddReLU("relu_1").
		AddMaxPool2D(2, 2, "max_pooling2d_1").
		AddFlatten("flatten").
		AddDense(numClasses, true, "dense").
		AddSoftmax("softmax").
		Compile()
}
