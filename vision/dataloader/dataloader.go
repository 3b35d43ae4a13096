package dataloader

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"

	"github.com/tsawler/imgtrain/errdefs"
	"github.com/tsawler/imgtrain/tensor"
	"github.com/tsawler/imgtrain/vision/preprocessing"
)

// Dataset interface for data loading
type Dataset interface {
	Len() int
	GetItem(index int) (imagePath string, label int, err error)
}

// Batch is one batch of decoded images: Images has shape [n, height, width]
// with raw grayscale intensities in [0, 255].
type Batch struct {
	Images *tensor.Tensor
	Labels []int
	Index  int
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return len(b.Labels)
}

// DataLoader reads a dataset in batches, decoding images lazily and caching
// the decoded pixels.
type DataLoader struct {
	dataset      Dataset
	batchSize    int
	shuffle      bool
	seed         int64
	indices      []int
	currentIdx   int
	batchIdx     int
	processor    *preprocessing.ImageProcessor
	cacheManager *CacheManager
	prefetch     int
	mu           sync.Mutex
}

// Config holds configuration for the DataLoader
type Config struct {
	BatchSize    int
	Shuffle      bool  // Reshuffle the order at every Reset
	Seed         int64 // Base seed; epoch e shuffles with Seed+e
	MaxCacheSize int   // Decoded images kept in memory; 0 disables caching
	Height       int
	Width        int
	Prefetch     int           // Batches decoded ahead by Iterate (default 2)
	CacheManager *CacheManager // Shared cache; MaxCacheSize is ignored when set
}

// NewDataLoader creates a new data loader
func NewDataLoader(dataset Dataset, config Config) (*DataLoader, error) {
	if dataset == nil {
		return nil, errdefs.Dataf("data loader has no dataset")
	}
	if config.BatchSize <= 0 {
		return nil, errdefs.Configf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.Height <= 0 || config.Width <= 0 {
		return nil, errdefs.Configf("image size must be positive, got %dx%d", config.Height, config.Width)
	}
	if config.Prefetch <= 0 {
		config.Prefetch = 2
	}

	cacheManager := config.CacheManager
	if cacheManager == nil {
		cacheManager = NewCacheManager(config.MaxCacheSize, config.Height*config.Width)
	}

	dl := &DataLoader{
		dataset:      dataset,
		batchSize:    config.BatchSize,
		shuffle:      config.Shuffle,
		seed:         config.Seed,
		processor:    preprocessing.NewImageProcessor(config.Height, config.Width),
		cacheManager: cacheManager,
		prefetch:     config.Prefetch,
	}
	dl.Reset(0)
	return dl, nil
}

// Reset rewinds the loader for the given epoch. When shuffling is enabled
// the order is a permutation drawn from Seed+epoch, so a run is repeatable.
func (dl *DataLoader) Reset(epoch int) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.indices = dl.order(epoch)
	dl.currentIdx = 0
	dl.batchIdx = 0
}

func (dl *DataLoader) order(epoch int) []int {
	indices := make([]int, dl.dataset.Len())
	for i := range indices {
		indices[i] = i
	}
	if dl.shuffle {
		rng := rand.New(rand.NewSource(dl.seed + int64(epoch)))
		rng.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
	}
	return indices
}

// NextBatch returns the next batch, or io.EOF once the epoch is exhausted.
// The last batch of an epoch may be short. An image that cannot be read or
// decoded fails the batch with ErrData.
func (dl *DataLoader) NextBatch() (*Batch, error) {
	dl.mu.Lock()
	if dl.currentIdx >= len(dl.indices) {
		dl.mu.Unlock()
		return nil, io.EOF
	}
	end := min(dl.currentIdx+dl.batchSize, len(dl.indices))
	batchIndices := dl.indices[dl.currentIdx:end]
	dl.currentIdx = end
	index := dl.batchIdx
	dl.batchIdx++
	dl.mu.Unlock()

	return dl.loadBatch(batchIndices, index)
}

func (dl *DataLoader) loadBatch(batchIndices []int, index int) (*Batch, error) {
	height, width := dl.processor.Height(), dl.processor.Width()
	samples := make([][]float64, len(batchIndices))
	labels := make([]int, len(batchIndices))

	for i, idx := range batchIndices {
		path, label, err := dl.dataset.GetItem(idx)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.ErrData, err, "failed to get dataset item")
		}
		data, err := dl.loadImageWithCache(path)
		if err != nil {
			return nil, err
		}
		samples[i] = data
		labels[i] = label
	}

	images, err := tensor.Stack(samples, []int{height, width})
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrData, err, "failed to assemble batch")
	}
	return &Batch{Images: images, Labels: labels, Index: index}, nil
}

// loadImageWithCache loads an image using the cache if available
func (dl *DataLoader) loadImageWithCache(imagePath string) ([]float64, error) {
	if data, found := dl.cacheManager.Get(dl.cacheKey(imagePath)); found {
		return data, nil
	}

	img, err := dl.processor.LoadFile(imagePath)
	if err != nil {
		return nil, err
	}

	dl.cacheManager.Put(dl.cacheKey(imagePath), img.Data)
	return img.Data, nil
}

// cacheKey includes the target size so loaders of different sizes can share
// a cache.
func (dl *DataLoader) cacheKey(imagePath string) string {
	return fmt.Sprintf("%dx%d:%s", dl.processor.Height(), dl.processor.Width(), imagePath)
}

// Iterator yields the batches of one epoch, decoded ahead of the consumer
// by a background goroutine.
type Iterator struct {
	batches chan batchOrError
	cancel  context.CancelFunc
	done    chan struct{}
}

type batchOrError struct {
	batch *Batch
	err   error
}

// Iterate resets the loader for epoch and starts decoding its batches in the
// background, at most Prefetch batches ahead. The iterator must be closed.
func (dl *DataLoader) Iterate(ctx context.Context, epoch int) *Iterator {
	dl.Reset(epoch)

	ctx, cancel := context.WithCancel(ctx)
	it := &Iterator{
		batches: make(chan batchOrError, dl.prefetch),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go func() {
		defer close(it.done)
		defer close(it.batches)
		for {
			if ctx.Err() != nil {
				return
			}
			batch, err := dl.NextBatch()
			if err == io.EOF {
				return
			}
			select {
			case it.batches <- batchOrError{batch: batch, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	return it
}

// Next returns the next batch, io.EOF at the end of the epoch, or the
// context error if the iteration was cancelled.
func (it *Iterator) Next(ctx context.Context) (*Batch, error) {
	select {
	case item, ok := <-it.batches:
		if !ok {
			return nil, io.EOF
		}
		return item.batch, item.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the background goroutine and waits for it to exit.
func (it *Iterator) Close() {
	it.cancel()
	<-it.done
}

// Len returns the dataset size.
func (dl *DataLoader) Len() int {
	return dl.dataset.Len()
}

// NumBatches returns the number of batches per epoch.
func (dl *DataLoader) NumBatches() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// Stats returns statistics about the data loader
func (dl *DataLoader) Stats() string {
	return fmt.Sprintf("DataLoader: %d samples, batch size %d, %s",
		dl.dataset.Len(), dl.batchSize, dl.cacheManager.Stats())
}

// ClearCache clears the image cache
func (dl *DataLoader) ClearCache() {
	dl.cacheManager.Clear()
}

// GetCacheManager returns the cache manager for sharing between loaders
func (dl *DataLoader) GetCacheManager() *CacheManager {
	return dl.cacheManager
}
