// Package watch translates raw filesystem notifications into normalized
// OutboundCommand events for the Broker (spec §4.2).
//
// fsnotify is the "low-level filesystem-change subscription library"
// named as an external collaborator in spec §1; it is not recursive, so
// the Watcher re-subscribes to any newly created directory from inside its
// own event loop, following the pattern fsnotify's own documentation (and
// its dependents in the example pack, e.g. rclone) recommend.
package watch

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/keaz/go-sync/bus"
	"github.com/keaz/go-sync/store"
	"github.com/keaz/go-sync/xerr"
)

// Watcher wraps a recursive fsnotify subscription over Root, normalizing
// raw events into bus.OutboundCommand.
type Watcher struct {
	root  string
	store *store.Store
	fsw   *fsnotify.Watcher
	log   zerolog.Logger
}

// New creates a Watcher rooted at root, recursively subscribing to every
// existing subdirectory.
func New(root string, st *store.Store, log zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(xerr.Fatal, "creating fsnotify watcher: "+err.Error())
	}

	w := &Watcher{root: root, store: st, fsw: fsw, log: log}
	if err := w.addRecursive(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				return errors.Wrap(xerr.Fatal, "watching "+path+": "+err.Error())
			}
		}
		return nil
	})
}

// Close releases the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Run consumes fsnotify events until the watcher is closed, sending
// normalized OutboundCommand events on events. It blocks (backpressure per
// spec §4.2) when events is full.
func (w *Watcher) Run(events chan<- bus.Event) error {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev, events)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("fsnotify reported an error, continuing")
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event, events chan<- bus.Event) {
	eventID := uuid.New()

	if ev.Op&fsnotify.Remove == fsnotify.Remove || ev.Op&fsnotify.Rename == fsnotify.Rename {
		w.emitRemoval(eventID, ev, events)
		return
	}

	info, err := os.Stat(ev.Name)
	if err != nil {
		// Path no longer exists and this was not a delete/rename: drop it
		// (spec §4.2 step 1).
		w.log.Debug().Str("path", ev.Name).Msg("stat failed after event, dropping")
		return
	}

	rel, err := w.relative(ev.Name)
	if err != nil {
		w.log.Warn().Err(err).Str("path", ev.Name).Msg("could not compute relative path")
		return
	}

	if info.IsDir() {
		if ev.Op&fsnotify.Create == fsnotify.Create {
			if err := w.fsw.Add(ev.Name); err != nil {
				w.log.Warn().Err(err).Str("path", ev.Name).Msg("could not watch new directory")
			}
			events <- bus.OutboundCommand{EventID: eventID, Kind: bus.FolderCreated, Path: rel}
		}
		return
	}

	switch {
	case ev.Op&fsnotify.Create == fsnotify.Create:
		w.emitFileEvent(eventID, bus.FileCreated, rel, events)
	case ev.Op&fsnotify.Write == fsnotify.Write:
		w.emitFileEvent(eventID, bus.FileModified, rel, events)
	case ev.Op&fsnotify.Chmod == fsnotify.Chmod:
		w.log.Debug().Str("path", rel).Msg("ignoring metadata/access event")
	default:
		w.log.Debug().Str("path", rel).Str("op", ev.Op.String()).Msg("ignoring unhandled event")
	}
}

func (w *Watcher) emitFileEvent(eventID uuid.UUID, kind bus.OutboundKind, rel string, events chan<- bus.Event) {
	digest, err := w.store.SHA256(rel)
	if err != nil {
		w.log.Warn().Err(err).Str("path", rel).Msg("could not hash changed file")
		return
	}
	size, err := w.store.Size(rel)
	if err != nil {
		w.log.Warn().Err(err).Str("path", rel).Msg("could not stat changed file")
		return
	}
	events <- bus.OutboundCommand{EventID: eventID, Kind: kind, Path: rel, Digest: digest, Size: size}
}

func (w *Watcher) emitRemoval(eventID uuid.UUID, ev fsnotify.Event, events chan<- bus.Event) {
	rel, err := w.relative(ev.Name)
	if err != nil {
		return
	}
	// A removed path's kind (file vs folder) can no longer be stat'd, so
	// every removal or rename is reported as FileDeleted; FolderDeleted is
	// never emitted. The Broker only logs deletions.
	events <- bus.OutboundCommand{EventID: eventID, Kind: bus.FileDeleted, Path: rel}
}

func (w *Watcher) relative(absPath string) (string, error) {
	rel, err := filepath.Rel(w.root, absPath)
	if err != nil {
		return "", errors.Wrap(xerr.Io, err.Error())
	}
	if strings.HasPrefix(rel, "..") {
		return "", errors.Wrap(xerr.PathEscape, absPath)
	}
	return rel, nil
}
