package fsx

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAtomicThenReadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")

	type rec struct {
		Name string `json:"name"`
	}

	require.NoError(t, WriteJSONAtomic(path, rec{Name: "a"}))

	var got rec
	require.NoError(t, ReadJSON(path, &got))
	assert.Equal(t, "a", got.Name)

	require.NoError(t, WriteJSONAtomic(path, rec{Name: "b"}))
	got = rec{}
	require.NoError(t, ReadJSON(path, &got))
	assert.Equal(t, "b", got.Name)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp.")
	}
}

func TestReadJSONMissingFileIsEmptyNotError(t *testing.T) {
	dir := t.TempDir()
	var got map[string]string
	err := ReadJSON(filepath.Join(dir, "absent.json"), &got)
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestReadJSONCorruptIsTreatedAsAbsent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corrupt.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	got := map[string]string{"stale": "value"}
	err := ReadJSON(path, &got)
	assert.NoError(t, err)
	assert.Equal(t, map[string]string{"stale": "value"}, got)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(raw))
}

func TestAppendLineFramesNewlines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")

	require.NoError(t, AppendLine(path, []byte(`{"a":1}`)))
	require.NoError(t, AppendLine(path, []byte(`{"a":2}`)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":1}\n{\"a\":2}\n", string(data))
}

func TestWithFileLockSerializesAndTimesOut(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.json")

	blocked := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = WithFileLock(path, time.Second, func() error {
			close(blocked)
			<-release
			return nil
		})
	}()
	<-blocked

	acquired, err := WithFileLock(path, 50*time.Millisecond, func() error { return nil })
	assert.NoError(t, err)
	assert.False(t, acquired, "lock should still be held by the first goroutine")

	close(release)
}
