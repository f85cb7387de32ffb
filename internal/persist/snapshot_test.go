package persist

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qsys-tools/mcp-bridge/internal/state"
)

func newCache(t *testing.T) *state.Cache {
	t.Helper()
	c := state.NewCache(state.Options{}, slog.Default())
	t.Cleanup(c.Close)
	return c
}

func TestSaveRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "controls.json")

	src := newCache(t)
	src.Set("Mixer.gain", state.Number(-6), state.SourceCore, &state.Metadata{Type: "gain"})
	src.Set("Mixer.mute", state.Bool(true), state.SourceCore, nil)

	store := NewStore(Options{Path: path, MaxAge: time.Hour}, src, slog.Default())
	require.NoError(t, store.Save())

	dst := newCache(t)
	restore := NewStore(Options{Path: path, MaxAge: time.Hour}, dst, slog.Default())
	require.NoError(t, restore.Restore())

	got, ok := dst.Get("Mixer.gain")
	require.True(t, ok)
	assert.Equal(t, state.Number(-6), got.Value)
	assert.Equal(t, state.SourceCache, got.Source)
	require.NotNil(t, got.Metadata)
	assert.Equal(t, "gain", got.Metadata.Type)

	got, ok = dst.Get("Mixer.mute")
	require.True(t, ok)
	assert.Equal(t, state.Bool(true), got.Value)
}

func TestRestoreMissingFileIsNoop(t *testing.T) {
	dst := newCache(t)
	store := NewStore(Options{Path: filepath.Join(t.TempDir(), "none.json")}, dst, slog.Default())
	assert.NoError(t, store.Restore())
	assert.Empty(t, dst.Keys())
}

func TestRestoreSkipsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "controls.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	store := NewStore(Options{Path: path}, newCache(t), slog.Default())
	assert.Error(t, store.Restore())
}

func TestRestoreSkipsStaleSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "controls.json")

	src := newCache(t)
	src.Set("a", state.Number(1), state.SourceCore, nil)
	store := NewStore(Options{Path: path, MaxAge: time.Hour}, src, slog.Default())
	require.NoError(t, store.Save())

	dst := newCache(t)
	strict := NewStore(Options{Path: path, MaxAge: time.Nanosecond}, dst, slog.Default())
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, strict.Restore())
	assert.Empty(t, dst.Keys())
}

func TestBackupRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "controls.json")

	src := newCache(t)
	src.Set("a", state.Number(1), state.SourceCore, nil)
	store := NewStore(Options{Path: path, Backups: 2}, src, slog.Default())

	require.NoError(t, store.Save())
	require.NoError(t, store.Save())
	require.NoError(t, store.Save())
	require.NoError(t, store.Save())

	assert.FileExists(t, path)
	assert.FileExists(t, path+".1")
	assert.FileExists(t, path+".2")
	assert.NoFileExists(t, path+".3")
}
