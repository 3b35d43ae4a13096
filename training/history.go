package training

import (
	"fmt"
	"sort"

	"github.com/tsawler/imgtrain/errdefs"
)

// History keys.
const (
	KeyAccuracy    = "accuracy"
	KeyValAccuracy = "val_accuracy"
	KeyLoss        = "loss"
	KeyValLoss     = "val_loss"
)

// EpochStats are the metrics of one epoch.
type EpochStats struct {
	Epoch       int     `json:"epoch"`
	Loss        float64 `json:"loss"`
	Accuracy    float64 `json:"accuracy"`
	ValLoss     float64 `json:"val_loss"`
	ValAccuracy float64 `json:"val_accuracy"`
}

// History records per-epoch metrics of a fit. Every series has one value
// per completed epoch.
type History struct {
	Accuracy    []float64 `json:"accuracy"`
	ValAccuracy []float64 `json:"val_accuracy"`
	Loss        []float64 `json:"loss"`
	ValLoss     []float64 `json:"val_loss"`
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{}
}

// Append records the metrics of the next epoch.
func (h *History) Append(s EpochStats) {
	h.Accuracy = append(h.Accuracy, s.Accuracy)
	h.ValAccuracy = append(h.ValAccuracy, s.ValAccuracy)
	h.Loss = append(h.Loss, s.Loss)
	h.ValLoss = append(h.ValLoss, s.ValLoss)
}

// Epochs returns the number of recorded epochs.
func (h *History) Epochs() int {
	return len(h.Loss)
}

// Get returns the series stored under key.
func (h *History) Get(key string) ([]float64, bool) {
	switch key {
	case KeyAccuracy:
		return h.Accuracy, true
	case KeyValAccuracy:
		return h.ValAccuracy, true
	case KeyLoss:
		return h.Loss, true
	case KeyValLoss:
		return h.ValLoss, true
	default:
		return nil, false
	}
}

// Keys returns the series names in lexical order.
func (h *History) Keys() []string {
	keys := []string{KeyAccuracy, KeyValAccuracy, KeyLoss, KeyValLoss}
	sort.Strings(keys)
	return keys
}

// Last returns the metrics of the final epoch.
func (h *History) Last() (EpochStats, bool) {
	n := h.Epochs()
	if n == 0 {
		return EpochStats{}, false
	}
	return EpochStats{
		Epoch:       n - 1,
		Loss:        h.Loss[n-1],
		Accuracy:    h.Accuracy[n-1],
		ValLoss:     h.ValLoss[n-1],
		ValAccuracy: h.ValAccuracy[n-1],
	}, true
}

// Validate checks that the history is non-empty and every series has the
// same length.
func (h *History) Validate() error {
	if h == nil || h.Epochs() == 0 {
		return errdefs.Configf("history is empty")
	}
	n := h.Epochs()
	for _, key := range h.Keys() {
		series, _ := h.Get(key)
		if len(series) != n {
			return errdefs.Configf("history series %q has %d values, expected %d", key, len(series), n)
		}
	}
	return nil
}

// EpochsRange returns 0..epochs-1, the x axis of the training curves.
func EpochsRange(epochs int) []int {
	r := make([]int, epochs)
	for i := range r {
		r[i] = i
	}
	return r
}

func (s EpochStats) String() string {
	return fmt.Sprintf("loss: %.4f - accuracy: %.4f - val_loss: %.4f - val_accuracy: %.4f",
		s.Loss, s.Accuracy, s.ValLoss, s.ValAccuracy)
}
