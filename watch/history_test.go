package watch_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amartya2002/pagewatch/watch"
)

func snapOf(content string, at time.Time) watch.Snapshot {
	return watch.Snapshot{
		Hash:       watch.Fingerprint([]byte(content)),
		Content:    content,
		Size:       len(content),
		Timestamp:  at,
		StatusCode: 200,
	}
}

func TestFileHistoryRoundTripAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.json")

	h, err := watch.OpenFileHistory(path)
	require.NoError(t, err)

	got, err := h.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, got, "unchecked target has no snapshot")

	want := snapOf("line one\nline two", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	require.NoError(t, h.Put(ctx, "t1", want))

	reopened, err := watch.OpenFileHistory(path)
	require.NoError(t, err)
	got, err = reopened.Get(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.Hash, got.Hash)
	assert.Equal(t, want.Size, got.Size)
	assert.Equal(t, want.Content, got.Content)
	assert.True(t, want.Timestamp.Equal(got.Timestamp))
}

func TestFileHistoryRetainsOnePrevious(t *testing.T) {
	ctx := context.Background()
	h, err := watch.OpenFileHistory(filepath.Join(t.TempDir(), "history.json"))
	require.NoError(t, err)
	now := time.Now()

	v1, v2, v3 := snapOf("v1", now), snapOf("v2", now), snapOf("v3", now)
	require.NoError(t, h.Put(ctx, "t", v1))
	prev, err := h.Previous(ctx, "t")
	require.NoError(t, err)
	assert.Nil(t, prev)

	require.NoError(t, h.Put(ctx, "t", v2))
	// same hash again only refreshes metadata
	require.NoError(t, h.Put(ctx, "t", snapOf("v2", now.Add(time.Minute))))
	prev, err = h.Previous(ctx, "t")
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, v1.Hash, prev.Hash)

	require.NoError(t, h.Put(ctx, "t", v3))
	prev, err = h.Previous(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, v2.Hash, prev.Hash)
	latest, err := h.Get(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, v3.Hash, latest.Hash)
}

func TestFileHistoryDelete(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.json")
	h, err := watch.OpenFileHistory(path)
	require.NoError(t, err)

	require.NoError(t, h.Put(ctx, "a", snapOf("a", time.Now())))
	require.NoError(t, h.Put(ctx, "b", snapOf("b", time.Now())))
	require.NoError(t, h.Delete(ctx, "a"))
	require.NoError(t, h.Delete(ctx, "missing"))

	reopened, err := watch.OpenFileHistory(path)
	require.NoError(t, err)
	a, err := reopened.Get(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, a)
	b, err := reopened.Get(ctx, "b")
	require.NoError(t, err)
	assert.NotNil(t, b)
}

func TestFileHistoryLeavesNoTempFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	h, err := watch.OpenFileHistory(filepath.Join(dir, "history.json"))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, h.Put(ctx, "t", snapOf(string(rune('a'+i)), time.Now())))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "history.json", entries[0].Name())
}

func TestFileHistoryWriteFailureKeepsOldState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	h, err := watch.OpenFileHistory(filepath.Join(dir, "sub", "history.json"))
	require.NoError(t, err)
	require.NoError(t, h.Put(ctx, "t", snapOf("old", time.Now())))

	// Replace the parent directory with a file so the next write fails.
	require.NoError(t, os.RemoveAll(filepath.Join(dir, "sub")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub"), []byte("x"), 0o644))

	err = h.Put(ctx, "t", snapOf("new", time.Now()))
	var perr *watch.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "t", perr.TargetID)

	got, err := h.Get(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, "old", got.Content)
}

func TestOpenFileHistoryRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := watch.OpenFileHistory(path)
	var perr *watch.PersistenceError
	require.ErrorAs(t, err, &perr)
}

func TestMemoryHistory(t *testing.T) {
	ctx := context.Background()
	h := watch.NewMemoryHistory()
	require.NoError(t, h.Put(ctx, "t", snapOf("one", time.Now())))
	require.NoError(t, h.Put(ctx, "t", snapOf("two", time.Now())))

	got, err := h.Get(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, "two", got.Content)
	prev, err := h.Previous(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, "one", prev.Content)

	require.NoError(t, h.Delete(ctx, "t"))
	got, err = h.Get(ctx, "t")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFileTargetsRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "targets.json")
	store := watch.NewFileTargets(path)

	list, err := store.ListTargets(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	t1 := watch.Target{ID: "1", Name: "one", URL: "https://a.example", CheckInterval: time.Minute, Enabled: true, LastCheckedAt: &at}
	t2 := watch.Target{ID: "2", Name: "two", URL: "https://b.example", CheckInterval: time.Hour}
	require.NoError(t, store.SaveTarget(ctx, t1))
	require.NoError(t, store.SaveTarget(ctx, t2))

	t1.Name = "renamed"
	require.NoError(t, store.SaveTarget(ctx, t1))
	require.NoError(t, store.DeleteTarget(ctx, "2"))

	list, err = watch.NewFileTargets(path).ListTargets(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "renamed", list[0].Name)
	assert.Equal(t, time.Minute, list[0].CheckInterval)
	require.NotNil(t, list[0].LastCheckedAt)
	assert.True(t, at.Equal(*list[0].LastCheckedAt))
}
