// Package runstore persists completed training runs so that their history
// and report can be served after the process that trained them has exited.
package runstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tsawler/imgtrain/config"
	"github.com/tsawler/imgtrain/errdefs"
	"github.com/tsawler/imgtrain/training"
)

// ErrRunNotFound is returned by Load for an unknown run ID.
var ErrRunNotFound = errors.New("run not found")

// Run is one completed call to Train.
type Run struct {
	ID         string            `json:"id"`
	CreatedAt  time.Time         `json:"created_at"`
	Loss       string            `json:"loss"`
	Epochs     int               `json:"epochs"`
	Height     int               `json:"height"`
	Width      int               `json:"width"`
	ClassNames []string          `json:"class_names"`
	History    *training.History `json:"history"`
	Checkpoint string            `json:"checkpoint,omitempty"`
}

// NewRun stamps a new run with a random ID and the current time.
func NewRun(loss string, height, width int, classNames []string, history *training.History) *Run {
	return &Run{
		ID:         uuid.NewString(),
		CreatedAt:  time.Now().UTC(),
		Loss:       loss,
		Epochs:     history.Epochs(),
		Height:     height,
		Width:      width,
		ClassNames: classNames,
		History:    history,
	}
}

// Store persists runs.
type Store interface {
	Save(ctx context.Context, run *Run) error
	Load(ctx context.Context, id string) (*Run, error)
	// List returns every stored run, newest first.
	List(ctx context.Context) ([]*Run, error)
	Close() error
}

// Open returns the store selected by cfg.Backend.
func Open(cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileStore(cfg.Dir), nil
	case "redis":
		opts := []Option{WithTTL(cfg.TTL)}
		if cfg.RedisPrefix != "" {
			opts = append(opts, WithPrefix(cfg.RedisPrefix))
		}
		return NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, opts...), nil
	default:
		return nil, errdefs.Configf("unknown store backend %q", cfg.Backend)
	}
}

// validID rejects anything that is not a UUID, which also keeps IDs safe to
// use as file names and key suffixes.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func checkRun(run *Run) error {
	if run == nil || !validID(run.ID) {
		return errdefs.Dataf("run must have a UUID")
	}
	return nil
}
