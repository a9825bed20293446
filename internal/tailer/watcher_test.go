package tailer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherDiscoversNewFiles(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "a.log")
	require.NoError(t, os.WriteFile(existing, []byte(""), 0o644))

	pattern := filepath.Join(dir, "*.log")
	w, err := NewWatcher(pattern, 50*time.Millisecond, []string{existing}, testLogger())
	require.NoError(t, err)
	defer w.Close()

	// nothing new yet
	assert.Empty(t, w.Poll(time.Now().Add(time.Second)))

	fresh := filepath.Join(dir, "b.log")
	require.NoError(t, os.WriteFile(fresh, []byte(""), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.txt"), []byte(""), 0o644))

	got := w.Poll(time.Now().Add(2 * time.Second))
	assert.Equal(t, []string{fresh}, got)

	// already known on the next tick
	assert.Empty(t, w.Poll(time.Now().Add(3*time.Second)))

	// a forgotten path is rediscovered
	w.Forget(fresh)
	assert.Equal(t, []string{fresh}, w.Poll(time.Now().Add(4*time.Second)))
}

func TestGlobRejectsBadPattern(t *testing.T) {
	_, err := Glob("[")
	assert.Error(t, err)
}
