package dataset

import (
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tsawler/imgtrain/errdefs"
)

// DefaultExtensions are the image file extensions picked up by default.
// Matching is case-insensitive.
var DefaultExtensions = []string{".bmp", ".gif", ".jpeg", ".jpg", ".png"}

// ImageFolderDataset represents a dataset loaded from a directory structure
// where each subdirectory represents a class
type ImageFolderDataset struct {
	imagePaths []string
	labels     []int
	classNames []string
	classToIdx map[string]int
}

// NewImageFolderDataset creates a dataset from a directory structure.
//
// Classes are the subdirectories of root in lexical order; label i is the
// i-th class. Within a class, images (searched recursively) are listed in
// lexical path order.
func NewImageFolderDataset(root string, extensions []string) (*ImageFolderDataset, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	allowed := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		allowed[strings.ToLower(ext)] = true
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrData, err, "failed to list classes")
	}

	dataset := &ImageFolderDataset{
		classToIdx: make(map[string]int),
	}

	// os.ReadDir returns entries sorted by name
	for _, entry := range entries {
		if !isDir(root, entry) {
			continue
		}

		className := entry.Name()
		classIdx := len(dataset.classNames)
		dataset.classNames = append(dataset.classNames, className)
		dataset.classToIdx[className] = classIdx

		var files []string
		err := filepath.WalkDir(filepath.Join(root, className), func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && allowed[strings.ToLower(filepath.Ext(path))] {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, errdefs.Wrap(errdefs.ErrData, err, fmt.Sprintf("failed to scan class %s", className))
		}
		sort.Strings(files)

		for _, file := range files {
			dataset.imagePaths = append(dataset.imagePaths, file)
			dataset.labels = append(dataset.labels, classIdx)
		}
	}

	if err := dataset.checkClasses(); err != nil {
		return nil, fmt.Errorf("%s: %w", root, err)
	}

	return dataset, nil
}

// checkClasses requires images in at least two classes. Empty class
// directories keep their label but do not count.
func (d *ImageFolderDataset) checkClasses() error {
	if len(d.imagePaths) == 0 {
		return errdefs.Dataf("no images found")
	}
	if populated := len(d.ClassDistribution()); populated < 2 {
		return errdefs.Dataf("found images in %d of %d class directories, need at least 2",
			populated, len(d.classNames))
	}
	return nil
}

// isDir follows symlinks to directories.
func isDir(root string, entry os.DirEntry) bool {
	if entry.IsDir() {
		return true
	}
	if entry.Type()&os.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(filepath.Join(root, entry.Name()))
	return err == nil && info.IsDir()
}

// Len returns the number of items in the dataset
func (d *ImageFolderDataset) Len() int {
	return len(d.imagePaths)
}

// GetItem returns the image path and label at the given index
func (d *ImageFolderDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", 0, fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.labels[index], nil
}

// NumClasses returns the number of classes
func (d *ImageFolderDataset) NumClasses() int {
	return len(d.classNames)
}

// ClassNames returns the list of class names
func (d *ImageFolderDataset) ClassNames() []string {
	out := make([]string, len(d.classNames))
	copy(out, d.classNames)
	return out
}

// Paths returns the image paths in dataset order.
func (d *ImageFolderDataset) Paths() []string {
	out := make([]string, len(d.imagePaths))
	copy(out, d.imagePaths)
	return out
}

// Labels returns the labels in dataset order.
func (d *ImageFolderDataset) Labels() []int {
	out := make([]int, len(d.labels))
	copy(out, d.labels)
	return out
}

// ClassDistribution returns the distribution of samples per class
func (d *ImageFolderDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	for _, label := range d.labels {
		className := d.classNames[label]
		dist[className]++
	}
	return dist
}

// Split shuffles the (path, label) pairs once with a generator seeded with
// seed and splits them into training and validation sets. The validation
// set holds the last floor(validationSplit*n) shuffled pairs, the training
// set the rest. Equal inputs always give equal splits.
func (d *ImageFolderDataset) Split(validationSplit float64, seed int64) (*ImageFolderDataset, *ImageFolderDataset, error) {
	if validationSplit <= 0 || validationSplit >= 1 {
		return nil, nil, errdefs.Configf("validation split must be in (0, 1), got %g", validationSplit)
	}

	n := len(d.imagePaths)
	numVal := int(validationSplit * float64(n))
	trainSize := n - numVal
	if numVal == 0 || trainSize == 0 {
		return nil, nil, errdefs.Dataf("%d images cannot be split %g/%g: a partition would be empty",
			n, 1-validationSplit, validationSplit)
	}

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(n, func(i, j int) {
		indices[i], indices[j] = indices[j], indices[i]
	})

	return d.Subset(indices[:trainSize]), d.Subset(indices[trainSize:]), nil
}

// Subset creates a subset of the dataset with the specified indices
func (d *ImageFolderDataset) Subset(indices []int) *ImageFolderDataset {
	subset := &ImageFolderDataset{
		imagePaths: make([]string, len(indices)),
		labels:     make([]int, len(indices)),
		classNames: d.classNames,
		classToIdx: d.classToIdx,
	}

	for i, idx := range indices {
		subset.imagePaths[i] = d.imagePaths[idx]
		subset.labels[i] = d.labels[idx]
	}

	return subset
}

// FilterByClass keeps the samples of the named classes. The kept classes
// retain their directory order and are relabeled 0..n-1.
func (d *ImageFolderDataset) FilterByClass(classNames []string) (*ImageFolderDataset, error) {
	keep := make(map[int]bool, len(classNames))
	for _, name := range classNames {
		idx, ok := d.classToIdx[name]
		if !ok {
			return nil, errdefs.Dataf("class %q not found, have %v", name, d.classNames)
		}
		keep[idx] = true
	}

	filtered := &ImageFolderDataset{classToIdx: make(map[string]int)}
	relabel := make(map[int]int, len(keep))
	for idx, name := range d.classNames {
		if keep[idx] {
			relabel[idx] = len(filtered.classNames)
			filtered.classToIdx[name] = len(filtered.classNames)
			filtered.classNames = append(filtered.classNames, name)
		}
	}
	for i, label := range d.labels {
		if newLabel, ok := relabel[label]; ok {
			filtered.imagePaths = append(filtered.imagePaths, d.imagePaths[i])
			filtered.labels = append(filtered.labels, newLabel)
		}
	}

	if err := filtered.checkClasses(); err != nil {
		return nil, err
	}
	return filtered, nil
}

// String returns a string representation of the dataset
func (d *ImageFolderDataset) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("ImageFolderDataset: %d samples, %d classes\n", len(d.imagePaths), len(d.classNames)))
	sb.WriteString("Class distribution:\n")

	dist := d.ClassDistribution()
	for _, className := range d.classNames {
		count := dist[className]
		sb.WriteString(fmt.Sprintf("  %s: %d samples\n", className, count))
	}

	return sb.String()
}
