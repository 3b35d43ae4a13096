package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tsawler/imgtrain/checkpoints"
	"github.com/tsawler/imgtrain/errdefs"
	"github.com/tsawler/imgtrain/inference"
	"github.com/tsawler/imgtrain/pipeline"
)

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Classify one image with the saved model",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("image") {
			cfg.Predict.ImagePath, _ = cmd.Flags().GetString("image")
		}

		t, err := newTrainer()
		if err != nil {
			return err
		}

		scorer, names, closeFn, err := loadScorer(cmd, t)
		if err != nil {
			return err
		}
		defer closeFn()

		_, sentence, err := t.Prediction(scorer, names)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), sentence)
		return nil
	},
}

// loadScorer returns the checkpointed engine model, or the exported ONNX
// model through ONNX Runtime when --onnx is set. names is nil unless
// --labels-from-checkpoint asks for the checkpoint's class names.
func loadScorer(cmd *cobra.Command, t *pipeline.Trainer) (inference.Scorer, map[int]string, func(), error) {
	useONNX, _ := cmd.Flags().GetBool("onnx")
	fromCheckpoint, _ := cmd.Flags().GetBool("labels-from-checkpoint")

	if !useONNX {
		model, classNames, err := t.LoadModel()
		if err != nil {
			return nil, nil, nil, err
		}
		names, err := checkpointLabels(fromCheckpoint, classNames)
		if err != nil {
			return nil, nil, nil, err
		}
		return model, names, func() {}, nil
	}

	var names map[int]string
	if fromCheckpoint {
		c, err := checkpoints.Load(t.Paths().Checkpoint)
		if err != nil {
			return nil, nil, nil, err
		}
		if names, err = checkpointLabels(true, c.ClassNames); err != nil {
			return nil, nil, nil, err
		}
	}

	lib, _ := cmd.Flags().GetString("ort-lib")
	if lib == "" {
		lib = os.Getenv("ONNXRUNTIME_LIB")
	}
	if err := inference.InitializeRuntime(lib); err != nil {
		return nil, nil, nil, err
	}
	session, err := inference.NewONNXSession(t.Paths().ONNX)
	if err != nil {
		_ = inference.DestroyRuntime()
		return nil, nil, nil, err
	}
	logger.Info("using ONNX Runtime", "model", t.Paths().ONNX)
	return session, names, func() {
		session.Close()
		_ = inference.DestroyRuntime()
	}, nil
}

func checkpointLabels(enabled bool, classNames []string) (map[int]string, error) {
	if !enabled {
		return nil, nil
	}
	if len(classNames) == 0 {
		return nil, errdefs.Dataf("checkpoint has no class names")
	}
	return inference.LabelsFromClassNames(classNames), nil
}

func init() {
	rootCmd.AddCommand(predictCmd)

	predictCmd.Flags().String("image", "/data/1/1.png", "Image to classify")
	addScorerFlags(predictCmd)
}

func addScorerFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("onnx", false, "Score with the exported ONNX model through ONNX Runtime")
	cmd.Flags().String("ort-lib", "", "Path to the ONNX Runtime shared library (default $ONNXRUNTIME_LIB)")
	cmd.Flags().Bool("labels-from-checkpoint", false, "Label predictions with the class directory names stored in the checkpoint")
}
