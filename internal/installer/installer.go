// Package installer orchestrates the sanitizers, fetcher, archive readers,
// Steam session, and registry into the install and uninstall state machines:
// the one part of the daemon every other component exists to serve.
package installer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kether/mapd/internal/archive"
	"github.com/kether/mapd/internal/core"
	"github.com/kether/mapd/internal/fetch"
	"github.com/kether/mapd/internal/registry"
	"github.com/kether/mapd/internal/sanitize"
	"github.com/kether/mapd/internal/steam"
	"github.com/kether/mapd/internal/vpk"
)

// archiveType is the result of the pipeline's type-detection decision.
type archiveType int

const (
	typeVPK archiveType = iota
	typeZIP
)

// Installer wires the sanitizers, fetcher, Steam session, and registry into
// the single linear pipeline described by the installation state machine.
type Installer struct {
	registry   *registry.Registry
	fetcher    *fetch.Fetcher
	session    *steam.Session
	addonsDir  string
	scratchDir string
	log        *slog.Logger
}

func New(reg *registry.Registry, fetcher *fetch.Fetcher, session *steam.Session, addonsDir, scratchDir string, log *slog.Logger) *Installer {
	if log == nil {
		log = slog.Default()
	}
	return &Installer{
		registry:   reg,
		fetcher:    fetcher,
		session:    session,
		addonsDir:  addonsDir,
		scratchDir: scratchDir,
		log:        log,
	}
}

// Install runs the full Validated -> Fetched -> Typed -> (Extracted) ->
// MetadataRead -> Named -> Placed -> Hashed -> Registered -> CleanedUp chain.
// Any failure before Registered leaves the registry and add-ons directory
// exactly as they were before the call.
func (inst *Installer) Install(ctx context.Context, spec core.SourceSpec) (*core.MapEntry, error) {
	var earlyName string
	if spec.DisplayName != "" {
		name, err := sanitize.Name(spec.DisplayName)
		if err != nil {
			return nil, err
		}
		if err := inst.checkNameAvailable(name); err != nil {
			return nil, err
		}
		earlyName = name
	}

	sourceURL, downloadName, sourceURLField, err := inst.resolveSource(ctx, spec)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(inst.scratchDir, 0o755); err != nil {
		return nil, core.Wrap(core.KindStorageError, "failed to create scratch directory", err)
	}

	downloadPath := filepath.Join(inst.scratchDir, downloadName)
	cleanupPaths := []string{downloadPath}
	defer func() { inst.cleanup(cleanupPaths) }()

	if err := inst.fetcher.Download(ctx, sourceURL, downloadPath); err != nil {
		return nil, err
	}

	vpkPath, typ, err := inst.detectType(downloadPath, downloadName)
	if err != nil {
		return nil, err
	}

	if typ == typeZIP {
		hasVPK, err := archive.ContainsVPK(downloadPath)
		if err != nil {
			return nil, err
		}
		if !hasVPK {
			return nil, core.New(core.KindUnsupportedType, "zip archive contains no vpk file")
		}

		extractDir := filepath.Join(inst.scratchDir, "extract-"+uuid.NewString())
		cleanupPaths = append(cleanupPaths, extractDir)
		if err := archive.Extract(downloadPath, extractDir); err != nil {
			return nil, err
		}

		found, ok, err := archive.FindFirstVPK(extractDir)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, core.New(core.KindArchiveMalformed, "no vpk found after extraction")
		}
		vpkPath = found
	}

	metadata, err := vpk.ReadMetadata(vpkPath)
	if err != nil {
		return nil, err
	}

	name := earlyName
	if name == "" {
		name, err = sanitize.Name(metadata.Title)
		if err != nil {
			return nil, err
		}
		if err := inst.checkNameAvailable(name); err != nil {
			return nil, err
		}
	}

	installedPath := sanitize.Filename(filepath.Base(vpkPath))
	if installedPath == "" {
		installedPath = "map.vpk"
	}
	if strings.ToLower(filepath.Ext(installedPath)) != ".vpk" {
		installedPath += ".vpk"
	}

	placedPath, err := inst.place(vpkPath, installedPath)
	if err != nil {
		return nil, err
	}
	// From here on, a failure must also remove the placed file, since it's
	// no longer a scratch artifact the deferred cleanup will touch.

	checksum, checksumKind := inst.hash(placedPath)

	version := metadata.Version
	entry := core.MapEntry{
		Name:          name,
		SourceURL:     sourceURLField,
		InstalledPath: installedPath,
		InstalledAt:   time.Now().UTC(),
	}
	if spec.IsWorkshop {
		entry.SourceKind = core.SourceWorkshop
		ws := spec.WorkshopID
		entry.WorkshopID = &ws
	} else {
		entry.SourceKind = core.SourceOther
	}
	if version != "" {
		entry.Version = &version
	}
	if checksum != "" {
		entry.Checksum = &checksum
		entry.ChecksumKind = &checksumKind
	}
	entry.Normalize()

	id, err := inst.registry.AddMap(entry)
	if err != nil {
		if removeErr := os.Remove(placedPath); removeErr != nil && !os.IsNotExist(removeErr) {
			inst.log.Warn("failed to remove placed file after failed registration", "path", placedPath, "error", removeErr)
		}
		return nil, err
	}

	entry.ID = id
	return &entry, nil
}

// Uninstall looks up id, removes its placed file (if present), and removes
// its registry row. The whole operation is idempotent: uninstalling an id
// that is already gone (or never existed) is a no-op success, since the
// desired end state (id not installed) already holds.
func (inst *Installer) Uninstall(id uint64) error {
	entry, err := inst.registry.GetMap(id)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}

	fullPath, err := sanitize.PathWithinBase(inst.addonsDir, entry.InstalledPath)
	if err != nil {
		inst.log.Warn("registry entry's installed_path escapes add-ons directory; refusing to touch filesystem",
			"map_id", id, "installed_path", entry.InstalledPath)
		return err
	}

	if _, err := os.Stat(fullPath); err == nil {
		if err := os.RemoveAll(fullPath); err != nil {
			return core.Wrap(core.KindStorageError, "failed to remove installed artifact", err)
		}
	}

	return inst.registry.RemoveMap(id)
}

func (inst *Installer) checkNameAvailable(name string) error {
	entries, err := inst.registry.ListMaps()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name == name {
			return core.New(core.KindNameConflict, fmt.Sprintf("a map named %q already exists", name))
		}
	}
	return nil
}

// resolveSource turns a SourceSpec into a concrete download URL, a
// collision-free scratch filename, and the provenance string stored as
// source_url on the eventual registry row.
func (inst *Installer) resolveSource(ctx context.Context, spec core.SourceSpec) (downloadURL, scratchName, sourceField string, err error) {
	if spec.IsWorkshop && spec.URL != "" {
		return "", "", "", core.New(core.KindInvalidInput, "exactly one of url or workshop_id must be set")
	}

	if spec.IsWorkshop {
		result, err := inst.session.Resolve(ctx, spec.WorkshopID)
		if err != nil {
			return "", "", "", err
		}
		return result.DownloadURL, result.Filename, fmt.Sprintf("workshop:%d", spec.WorkshopID), nil
	}

	if err := sanitize.URL(spec.URL); err != nil {
		return "", "", "", err
	}

	base := sanitize.Filename(filepath.Base(spec.URL))
	if base == "" {
		base = "download"
	}
	scratchName = fmt.Sprintf("%s_%s", uuid.NewString(), base)
	return spec.URL, scratchName, spec.URL, nil
}

// detectType decides VPK vs ZIP by extension, falling back to a content
// probe (attempt VPK metadata extraction) when the extension is absent or
// unrecognized.
func (inst *Installer) detectType(path, suggestedName string) (vpkPath string, typ archiveType, err error) {
	ext := strings.ToLower(filepath.Ext(suggestedName))
	switch ext {
	case ".vpk":
		return path, typeVPK, nil
	case ".zip":
		return "", typeZIP, nil
	default:
		if vpk.ContainsMetadata(path) {
			return path, typeVPK, nil
		}
		return "", 0, core.New(core.KindUnsupportedType, "unable to determine archive type")
	}
}

// place copies src into the add-ons directory under name via a
// write-to-temp-then-rename sequence so a reader never observes a
// partially-written file at the final path.
func (inst *Installer) place(src, name string) (string, error) {
	if err := os.MkdirAll(inst.addonsDir, 0o755); err != nil {
		return "", core.Wrap(core.KindStorageError, "failed to create add-ons directory", err)
	}

	finalPath, err := sanitize.PathWithinBase(inst.addonsDir, name)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(inst.addonsDir, ".mapd-place-*")
	if err != nil {
		return "", core.Wrap(core.KindStorageError, "failed to create placement temp file", err)
	}
	tmpPath := tmp.Name()

	in, err := os.Open(src)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", core.Wrap(core.KindStorageError, "failed to open artifact for placement", err)
	}
	_, copyErr := io.Copy(tmp, in)
	in.Close()
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(tmpPath)
		if copyErr != nil {
			return "", core.Wrap(core.KindStorageError, "failed to copy artifact into place", copyErr)
		}
		return "", core.Wrap(core.KindStorageError, "failed to finalize placement temp file", closeErr)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", core.Wrap(core.KindStorageError, "failed to rename artifact into place", err)
	}
	return finalPath, nil
}

// hash streams the placed file through MD5 in 8 KiB blocks. Failure is
// non-fatal: the caller stores the entry with no checksum.
func (inst *Installer) hash(path string) (sum, kind string) {
	f, err := os.Open(path)
	if err != nil {
		inst.log.Warn("failed to open placed file for hashing", "path", path, "error", err)
		return "", ""
	}
	defer f.Close()

	h := md5.New()
	buf := make([]byte, 8*1024)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		inst.log.Warn("failed to hash placed file", "path", path, "error", err)
		return "", ""
	}
	return hex.EncodeToString(h.Sum(nil)), "md5"
}

func (inst *Installer) cleanup(paths []string) {
	for _, p := range paths {
		if err := os.RemoveAll(p); err != nil && !os.IsNotExist(err) {
			inst.log.Warn("failed to clean up scratch artifact", "path", p, "error", err)
		}
	}
}
