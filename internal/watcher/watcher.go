// Package watcher recursively watches the add-ons directory and turns
// platform filesystem events into the three-variant event type the
// reconciliation side consumes.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Kind is one of the three event variants the watcher emits.
type Kind int

const (
	Create Kind = iota
	Modify
	Remove
)

func (k Kind) String() string {
	switch k {
	case Create:
		return "create"
	case Modify:
		return "modify"
	case Remove:
		return "remove"
	default:
		return "unknown"
	}
}

// Event is a single translated filesystem notification.
type Event struct {
	Kind Kind
	Path string
}

// channelCapacity is the bounded-channel size the back-pressure policy
// drops events against once exceeded.
const channelCapacity = 1024

// Watcher recursively watches root and emits translated events on Events.
// On a full channel it drops the event and logs a warning rather than
// blocking. A dropped event is not replayed, and no other component
// rescans the add-ons directory for the change it described.
type Watcher struct {
	fsw    *fsnotify.Watcher
	root   string
	Events chan Event
	log    *slog.Logger
}

// New constructs a Watcher rooted at root. Call Run to start pumping
// events; Close releases the underlying OS resource.
func New(root string, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fsw:    fsw,
		root:   root,
		Events: make(chan Event, channelCapacity),
		log:    log,
	}
	if err := w.addRecursive(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// addRecursive registers every directory under root, creating root itself
// if it does not yet exist.
func (w *Watcher) addRecursive(root string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			w.log.Warn("failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

// Run pumps fsnotify events into w.Events, translating ops and registering
// newly created directories, until ctx is canceled or the watcher is
// closed. Stopping is achieved by canceling ctx and calling Close; there
// is no explicit shutdown RPC.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("filesystem watch error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	var kind Kind
	switch {
	case event.Op&fsnotify.Create != 0:
		kind = Create
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(event.Name); err != nil {
				w.log.Warn("failed to watch new directory", "path", event.Name, "error", err)
			}
		}
	case event.Op&fsnotify.Write != 0, event.Op&fsnotify.Chmod != 0:
		kind = Modify
	case event.Op&fsnotify.Remove != 0, event.Op&fsnotify.Rename != 0:
		kind = Remove
	default:
		return
	}

	select {
	case w.Events <- Event{Kind: kind, Path: event.Name}:
	default:
		w.log.Warn("watcher event channel full, dropping event", "path", event.Name, "kind", kind.String())
	}
}

// Close releases the underlying fsnotify resource.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
