package runstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileStore keeps one JSON file per run in a directory.
type FileStore struct {
	BasePath string
}

// NewFileStore creates a store rooted at basePath. An empty path uses
// models/runs.
func NewFileStore(basePath string) *FileStore {
	if basePath == "" {
		basePath = filepath.Join("models", "runs")
	}
	return &FileStore{BasePath: basePath}
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.BasePath, id+".json")
}

// Save writes the run atomically: a temp file in the same directory is
// synced and renamed over the destination.
func (s *FileStore) Save(ctx context.Context, run *Run) error {
	if err := checkRun(run); err != nil {
		return err
	}
	if err := os.MkdirAll(s.BasePath, 0755); err != nil {
		return fmt.Errorf("failed to ensure run directory: %w", err)
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	tmp, err := os.CreateTemp(s.BasePath, "tmp-"+run.ID+"-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write run: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to fsync run: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path(run.ID)); err != nil {
		return fmt.Errorf("failed to rename run file: %w", err)
	}
	return nil
}

// Load reads the run with the given ID.
func (s *FileStore) Load(ctx context.Context, id string) (*Run, error) {
	if !validID(id) {
		return nil, ErrRunNotFound
	}
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to read run: %w", err)
	}

	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run %s: %w", id, err)
	}
	return &run, nil
}

// List loads every run in the directory, newest first.
func (s *FileStore) List(ctx context.Context) ([]*Run, error) {
	entries, err := os.ReadDir(s.BasePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Run{}, nil
		}
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := []*Run{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" || strings.HasPrefix(name, "tmp-") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		run, err := s.Load(ctx, strings.TrimSuffix(name, ".json"))
		if err == ErrRunNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	sortNewestFirst(runs)
	return runs, nil
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }

func sortNewestFirst(runs []*Run) {
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
}
