package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keaz/go-sync/bus"
	"github.com/keaz/go-sync/store"
)

func newTestWatcher(t *testing.T) (*Watcher, string, chan bus.Event) {
	t.Helper()
	root := t.TempDir()
	st, err := store.New(root)
	require.NoError(t, err)

	w, err := New(root, st, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	events := make(chan bus.Event, 16)
	go w.Run(events)
	return w, root, events
}

func waitForEvent(t *testing.T, events chan bus.Event) bus.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watcher event")
		return nil
	}
}

func TestFileCreateEmitsFileCreatedWithDigest(t *testing.T) {
	_, root, events := newTestWatcher(t)

	path := filepath.Join(root, "hello.txt")
	require.NoError(t, os.WriteFile(path, []byte("hi"), 0o644))

	var got *bus.OutboundCommand
	deadline := time.After(2 * time.Second)
	for got == nil {
		select {
		case ev := <-events:
			if cmd, ok := ev.(bus.OutboundCommand); ok && cmd.Kind == bus.FileCreated {
				got = &cmd
			}
		case <-deadline:
			t.Fatal("timed out waiting for FileCreated event")
		}
	}

	assert.Equal(t, "hello.txt", got.Path)
	assert.NotEmpty(t, got.Digest)
	assert.Equal(t, uint64(2), got.Size)
}

func TestFolderCreateEmitsFolderCreatedAndIsWatched(t *testing.T) {
	w, root, events := newTestWatcher(t)

	sub := filepath.Join(root, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))

	var got *bus.OutboundCommand
	deadline := time.After(2 * time.Second)
	for got == nil {
		select {
		case ev := <-events:
			if cmd, ok := ev.(bus.OutboundCommand); ok && cmd.Kind == bus.FolderCreated {
				got = &cmd
			}
		case <-deadline:
			t.Fatal("timed out waiting for FolderCreated event")
		}
	}
	assert.Equal(t, "sub", got.Path)

	// The new subdirectory must now be watched too.
	nested := filepath.Join(sub, "nested.txt")
	require.NoError(t, os.WriteFile(nested, []byte("x"), 0o644))

	var gotNested *bus.OutboundCommand
	deadline = time.After(2 * time.Second)
	for gotNested == nil {
		select {
		case ev := <-events:
			if cmd, ok := ev.(bus.OutboundCommand); ok && cmd.Kind == bus.FileCreated {
				gotNested = &cmd
			}
		case <-deadline:
			t.Fatal("timed out waiting for nested FileCreated event")
		}
	}
	assert.Equal(t, filepath.Join("sub", "nested.txt"), gotNested.Path)

	_ = w
}

func TestFileRemoveEmitsFileDeleted(t *testing.T) {
	_, root, events := newTestWatcher(t)

	path := filepath.Join(root, "gone.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	waitForEvent(t, events) // drain the create

	require.NoError(t, os.Remove(path))

	var got *bus.OutboundCommand
	deadline := time.After(2 * time.Second)
	for got == nil {
		select {
		case ev := <-events:
			if cmd, ok := ev.(bus.OutboundCommand); ok && cmd.Kind == bus.FileDeleted {
				got = &cmd
			}
		case <-deadline:
			t.Fatal("timed out waiting for FileDeleted event")
		}
	}
	assert.Equal(t, "gone.txt", got.Path)
}

func TestRelativeRejectsEscape(t *testing.T) {
	w, root, _ := newTestWatcher(t)
	_, err := w.relative(filepath.Join(filepath.Dir(root), "escaped"))
	assert.Error(t, err)
}
