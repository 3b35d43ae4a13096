package training

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// ConfusionMatrix counts predictions per true class.
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{
		NumClasses: numClasses,
		Matrix:     matrix,
	}
}

// UpdateFromPredictions adds a batch of outputs, one row of NumClasses
// scores per label.
func (cm *ConfusionMatrix) UpdateFromPredictions(outputs []float64, labels []int) error {
	if len(outputs) != len(labels)*cm.NumClasses {
		return fmt.Errorf("expected %d outputs for %d labels, got %d",
			len(labels)*cm.NumClasses, len(labels), len(outputs))
	}
	for i, label := range labels {
		if label < 0 || label >= cm.NumClasses {
			return fmt.Errorf("label %d out of range for %d classes", label, cm.NumClasses)
		}
		predicted := floats.MaxIdx(outputs[i*cm.NumClasses : (i+1)*cm.NumClasses])
		cm.Matrix[label][predicted]++
		cm.TotalSamples++
	}
	return nil
}

// GetAccuracy returns the fraction of correct predictions.
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// Precision returns TP / (TP + FP) for class.
func (cm *ConfusionMatrix) Precision(class int) float64 {
	predicted := 0
	for i := 0; i < cm.NumClasses; i++ {
		predicted += cm.Matrix[i][class]
	}
	if predicted == 0 {
		return 0
	}
	return float64(cm.Matrix[class][class]) / float64(predicted)
}

// Recall returns TP / (TP + FN) for class.
func (cm *ConfusionMatrix) Recall(class int) float64 {
	actual := 0
	for j := 0; j < cm.NumClasses; j++ {
		actual += cm.Matrix[class][j]
	}
	if actual == 0 {
		return 0
	}
	return float64(cm.Matrix[class][class]) / float64(actual)
}

// MacroF1 averages the per-class F1 scores.
func (cm *ConfusionMatrix) MacroF1() float64 {
	if cm.NumClasses == 0 {
		return 0
	}
	sum := 0.0
	for c := 0; c < cm.NumClasses; c++ {
		p, r := cm.Precision(c), cm.Recall(c)
		if p+r > 0 {
			sum += 2 * p * r / (p + r)
		}
	}
	return sum / float64(cm.NumClasses)
}

// Format renders the matrix with class names as row and column headers.
func (cm *ConfusionMatrix) Format(classNames []string) string {
	name := func(i int) string {
		if i < len(classNames) {
			return classNames[i]
		}
		return fmt.Sprint(i)
	}

	width := 6
	for i := 0; i < cm.NumClasses; i++ {
		width = max(width, len(name(i)))
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%*s", width, ""))
	for j := 0; j < cm.NumClasses; j++ {
		sb.WriteString(fmt.Sprintf(" %*s", width, name(j)))
	}
	sb.WriteString("\n")
	for i := 0; i < cm.NumClasses; i++ {
		sb.WriteString(fmt.Sprintf("%*s", width, name(i)))
		for j := 0; j < cm.NumClasses; j++ {
			sb.WriteString(fmt.Sprintf(" %*d", width, cm.Matrix[i][j]))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
