package dataset

import (
	"fmt"

	"github.com/tsawler/imgtrain/errdefs"
)

// Partition is one side of a training/validation split together with the
// image size and batch size it is read with. Images are not decoded here;
// the data loaders do that lazily.
type Partition struct {
	*ImageFolderDataset
	height    int
	width     int
	batchSize int
}

// NewPartition wraps d for batches of batchSize height x width images.
func NewPartition(d *ImageFolderDataset, height, width, batchSize int) (*Partition, error) {
	if d == nil {
		return nil, errdefs.Dataf("partition has no dataset")
	}
	if height <= 0 || width <= 0 || batchSize <= 0 {
		return nil, errdefs.Configf("height, width and batch size must be positive, got %d, %d, %d",
			height, width, batchSize)
	}
	return &Partition{
		ImageFolderDataset: d,
		height:             height,
		width:              width,
		batchSize:          batchSize,
	}, nil
}

// Height returns the image height.
func (p *Partition) Height() int { return p.height }

// Width returns the image width.
func (p *Partition) Width() int { return p.width }

// BatchSize returns the batch size.
func (p *Partition) BatchSize() int { return p.batchSize }

// NumBatches returns the number of batches per pass; the last one may be
// short.
func (p *Partition) NumBatches() int {
	return (p.Len() + p.batchSize - 1) / p.batchSize
}

// Compatible reports whether p and other can be used together for training
// and validation: same class vocabulary and image size.
func (p *Partition) Compatible(other *Partition) error {
	if p.height != other.height || p.width != other.width {
		return errdefs.Dataf("image size mismatch: %dx%d vs %dx%d", p.height, p.width, other.height, other.width)
	}
	a, b := p.ClassNames(), other.ClassNames()
	if len(a) != len(b) {
		return errdefs.Dataf("class vocabulary mismatch: %v vs %v", a, b)
	}
	for i := range a {
		if a[i] != b[i] {
			return errdefs.Dataf("class vocabulary mismatch: %v vs %v", a, b)
		}
	}
	return nil
}

func (p *Partition) String() string {
	return fmt.Sprintf("Partition: %d images, %d classes, %dx%d, %d batches of %d",
		p.Len(), p.NumClasses(), p.height, p.width, p.NumBatches(), p.batchSize)
}
