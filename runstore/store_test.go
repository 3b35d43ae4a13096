package runstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/imgtrain/config"
	"github.com/tsawler/imgtrain/errdefs"
	"github.com/tsawler/imgtrain/training"
)

func testRun(t *testing.T, created time.Time) *Run {
	t.Helper()
	h := training.NewHistory()
	h.Append(training.EpochStats{Epoch: 0, Loss: 0.7, Accuracy: 0.5, ValLoss: 0.8, ValAccuracy: 0.4})
	h.Append(training.EpochStats{Epoch: 1, Loss: 0.5, Accuracy: 0.75, ValLoss: 0.6, ValAccuracy: 0.6})
	run := NewRun(config.LossSparseCategorical, 96, 96, []string{"0", "1"}, h)
	run.CreatedAt = created
	return run
}

// runStoreContract checks the behavior every Store must share.
func runStoreContract(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("SaveAndLoad", func(t *testing.T) {
		run := testRun(t, base)
		require.NoError(t, store.Save(ctx, run))

		loaded, err := store.Load(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, run.ID, loaded.ID)
		assert.True(t, run.CreatedAt.Equal(loaded.CreatedAt))
		assert.Equal(t, 2, loaded.Epochs)
		assert.Equal(t, []string{"0", "1"}, loaded.ClassNames)
		assert.Equal(t, run.History, loaded.History)
	})

	t.Run("LoadMissing", func(t *testing.T) {
		_, err := store.Load(ctx, testRun(t, base).ID)
		assert.ErrorIs(t, err, ErrRunNotFound)

		_, err = store.Load(ctx, "../../etc/passwd")
		assert.ErrorIs(t, err, ErrRunNotFound)
	})

	t.Run("SaveInvalid", func(t *testing.T) {
		assert.ErrorIs(t, store.Save(ctx, nil), errdefs.ErrData)
		assert.ErrorIs(t, store.Save(ctx, &Run{ID: "not-a-uuid"}), errdefs.ErrData)
	})

	t.Run("ListNewestFirst", func(t *testing.T) {
		older := testRun(t, base.Add(time.Hour))
		newer := testRun(t, base.Add(2*time.Hour))
		require.NoError(t, store.Save(ctx, newer))
		require.NoError(t, store.Save(ctx, older))

		runs, err := store.List(ctx)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(runs), 2)
		assert.Equal(t, newer.ID, runs[0].ID)
		assert.Equal(t, older.ID, runs[1].ID)
		for i := 1; i < len(runs); i++ {
			assert.False(t, runs[i].CreatedAt.After(runs[i-1].CreatedAt))
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		run := testRun(t, base)
		require.NoError(t, store.Save(ctx, run))
		run.Checkpoint = "models/model.json"
		require.NoError(t, store.Save(ctx, run))

		loaded, err := store.Load(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, "models/model.json", loaded.Checkpoint)
	})
}

func TestFileStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "runs")
	store := NewFileStore(dir)
	defer store.Close()

	runs, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, runs, "a missing directory lists nothing")

	runStoreContract(t, store)

	// Stray files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tmp-x-1.json"), []byte("{"), 0644))
	_, err = store.List(context.Background())
	assert.NoError(t, err)
}

func TestFileStoreCorruptRun(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)
	run := testRun(t, time.Now())
	require.NoError(t, os.WriteFile(filepath.Join(dir, run.ID+".json"), []byte("{"), 0644))

	_, err := store.Load(context.Background(), run.ID)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrRunNotFound)
}

func newRedisStore(t *testing.T, opts ...Option) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	store := NewRedisStoreFromClient(client, opts...)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStore(t *testing.T) {
	store, mr := newRedisStore(t)
	runStoreContract(t, store)

	assert.True(t, mr.Exists("imgtrain:run:index"))
}

func TestRedisStoreTTL(t *testing.T) {
	store, mr := newRedisStore(t, WithTTL(time.Minute), WithPrefix("test:"))
	ctx := context.Background()

	run := testRun(t, time.Now())
	require.NoError(t, store.Save(ctx, run))
	assert.True(t, mr.Exists("test:"+run.ID))
	assert.Equal(t, time.Minute, mr.TTL("test:"+run.ID))

	mr.FastForward(2 * time.Minute)

	_, err := store.Load(ctx, run.ID)
	assert.ErrorIs(t, err, ErrRunNotFound)

	runs, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, runs)

	members, err := mr.ZMembers("test:index")
	if err == nil {
		assert.NotContains(t, members, run.ID, "expired runs are dropped from the index")
	}
}

func TestRedisStoreUnavailable(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.Close()

	err := store.Save(context.Background(), testRun(t, time.Now()))
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	s, err := Open(config.StoreConfig{Backend: "file", Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	mr := miniredis.RunT(t)
	s, err = Open(config.StoreConfig{Backend: "redis", RedisAddr: mr.Addr(), RedisPrefix: "lab:"})
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, s)
	run := testRun(t, time.Now())
	require.NoError(t, s.Save(context.Background(), run))
	assert.True(t, mr.Exists("lab:"+run.ID))
	assert.True(t, mr.Exists("lab:index"))
	require.NoError(t, s.Close())

	_, err = Open(config.StoreConfig{Backend: "s3"})
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}
