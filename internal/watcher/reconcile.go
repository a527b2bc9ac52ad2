package watcher

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/kether/mapd/internal/core"
	"github.com/kether/mapd/internal/registry"
	"github.com/kether/mapd/internal/sanitize"
	"github.com/kether/mapd/internal/vpk"
)

// Reconciler drains a Watcher's Events channel and folds manual filesystem
// changes back into the registry: a Create on a .vpk path not already
// referenced by a live entry becomes an implicit registration with
// source_kind=other and source_url="detected:<path>". Modify and Remove
// are logged but never mutate the registry, since they're as likely to be
// a transient editor-style write as a real removal.
type Reconciler struct {
	reg       *registry.Registry
	addonsDir string
	log       *slog.Logger
}

func NewReconciler(reg *registry.Registry, addonsDir string, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{reg: reg, addonsDir: addonsDir, log: log}
}

// Run drains events until the channel is closed or ctx is canceled.
func (r *Reconciler) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			r.apply(event)
		}
	}
}

func (r *Reconciler) apply(event Event) {
	switch event.Kind {
	case Modify, Remove:
		r.log.Info("watcher observed filesystem change, not acted on", "kind", event.Kind.String(), "path", event.Path)
		return
	case Create:
		r.reconcileCreate(event.Path)
	}
}

func (r *Reconciler) reconcileCreate(path string) {
	if !strings.EqualFold(filepath.Ext(path), ".vpk") {
		return
	}

	rel, err := filepath.Rel(r.addonsDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		r.log.Warn("ignoring watcher event outside add-ons directory", "path", path, "error", err)
		return
	}
	rel = sanitize.NormalizePath(rel)

	entries, err := r.reg.ListMaps()
	if err != nil {
		r.log.Warn("failed to list registry while reconciling watcher event", "error", err)
		return
	}
	for _, e := range entries {
		if e.InstalledPath == rel {
			// Already tracked: either a prior install or an earlier
			// reconciliation beat us to it. Idempotent no-op.
			return
		}
	}

	metadata, err := vpk.ReadMetadata(path)
	if err != nil {
		r.log.Warn("skipping untracked vpk with unreadable metadata", "path", path, "error", err)
		return
	}

	name, err := sanitize.Name(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	if err != nil {
		r.log.Warn("skipping untracked vpk with unsanitizable name", "path", path, "error", err)
		return
	}

	entry := core.MapEntry{
		Name:          name,
		SourceKind:    core.SourceOther,
		SourceURL:     "detected:" + rel,
		InstalledPath: rel,
		InstalledAt:   time.Now().UTC(),
	}
	if metadata.Version != "" {
		v := metadata.Version
		entry.Version = &v
	}
	entry.Normalize()

	id, err := r.reg.AddMap(entry)
	if err != nil {
		if core.KindOf(err) == core.KindNameConflict {
			r.log.Info("untracked vpk name collides with an existing entry, leaving unregistered", "path", path, "name", name)
			return
		}
		r.log.Warn("failed to register detected vpk", "path", path, "error", err)
		return
	}
	r.log.Info("registered manually placed vpk", "map_id", id, "path", rel)
}
