// Package archive streams ZIP archives into scratch directories with
// per-entry path validation, and answers the installer's pre-extraction
// "does this archive even contain a VPK" question.
package archive

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kether/mapd/internal/core"
)

// Extract creates destDir and writes every entry of zipPath beneath it. An
// entry whose name resolves outside destDir after normalization is skipped
// rather than aborting the whole extraction, since a single hostile or
// malformed entry shouldn't sink an otherwise-legitimate archive.
func Extract(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return core.Wrap(core.KindArchiveMalformed, "failed to open zip", err)
	}
	defer r.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return core.Wrap(core.KindStorageError, "failed to create extraction directory", err)
	}

	for _, f := range r.File {
		if err := extractEntry(f, destDir); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(f *zip.File, destDir string) error {
	target, ok := resolveEntryPath(destDir, f.Name)
	if !ok {
		return nil // skip: escapes destDir
	}

	if strings.HasSuffix(f.Name, "/") {
		return os.MkdirAll(target, 0o755)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return core.Wrap(core.KindStorageError, "failed to create entry parent directory", err)
	}

	src, err := f.Open()
	if err != nil {
		return core.Wrap(core.KindArchiveMalformed, "failed to open zip entry", err)
	}
	defer src.Close()

	out, err := os.Create(target)
	if err != nil {
		return core.Wrap(core.KindStorageError, "failed to create extracted file", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return core.Wrap(core.KindArchiveMalformed, "failed to stream zip entry", err)
	}
	return nil
}

func resolveEntryPath(destDir, entryName string) (string, bool) {
	joined := filepath.Join(destDir, entryName)
	cleanDest := filepath.Clean(destDir)
	if joined != cleanDest && !strings.HasPrefix(joined, cleanDest+string(filepath.Separator)) {
		return "", false
	}
	return joined, true
}

// ContainsVPK walks zipPath's entries and returns true on the first name
// ending (case-insensitively) in .vpk, without extracting anything. The
// installer uses this as a pre-check before committing to extraction.
func ContainsVPK(zipPath string) (bool, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return false, core.Wrap(core.KindArchiveMalformed, "failed to open zip", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if strings.HasSuffix(strings.ToLower(f.Name), ".vpk") {
			return true, nil
		}
	}
	return false, nil
}

// FindFirstVPK walks dir recursively and returns the path of the first .vpk
// file found (case-insensitive suffix match), used after extraction to pick
// the artifact to install.
func FindFirstVPK(dir string) (string, bool, error) {
	var found string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if found != "" {
			return nil
		}
		if !info.IsDir() && strings.HasSuffix(strings.ToLower(path), ".vpk") {
			found = path
		}
		return nil
	})
	if err != nil {
		return "", false, core.Wrap(core.KindStorageError, "failed to walk extraction directory", err)
	}
	return found, found != "", nil
}
