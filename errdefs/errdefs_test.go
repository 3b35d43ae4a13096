package errdefs

import (
	"errors"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructorsClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind error
	}{
		{"config", Configf("epochs must be positive, got %d", 0), ErrConfiguration},
		{"data", Dataf("no images found in %s", "data/"), ErrData},
		{"runtime", Runtimef("loss is NaN at epoch %d", 3), ErrRuntime},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.kind)
			assert.Equal(t, tt.kind, Kind(tt.err))
		})
	}
}

func TestWrap(t *testing.T) {
	t.Run("KeepsCause", func(t *testing.T) {
		err := Wrap(ErrData, fs.ErrNotExist, "open data/")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrData)
		assert.ErrorIs(t, err, fs.ErrNotExist)
	})

	t.Run("KeepsExistingKind", func(t *testing.T) {
		inner := Configf("unknown loss %q", "mse")
		err := Wrap(ErrRuntime, inner, "compile")
		assert.ErrorIs(t, err, ErrConfiguration)
		assert.False(t, errors.Is(err, ErrRuntime))
	})

	t.Run("Nil", func(t *testing.T) {
		assert.NoError(t, Wrap(ErrData, nil, "noop"))
	})
}
