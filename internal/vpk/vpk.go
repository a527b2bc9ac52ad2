// Package vpk parses the Valve Pak v1 binary format far enough to locate
// addoninfo.txt inside a map's directory tree and pull its addonTitle and
// addonVersion KeyValue fields.
package vpk

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/kether/mapd/internal/core"
)

const (
	signature       = 0x55AA1234
	embeddedArchive = 0x7FFF
	metadataKey     = " /addoninfo.txt"
	headerSize      = 12 // signature, version, tree size, all uint32
	entryRecordSize = 18 // crc(4) preload(2) archiveIndex(2) offset(4) length(4) terminator(2)
	unknownMetadata = "Unknown"
)

type header struct {
	Signature uint32
	Version   uint32
	TreeSize  uint32
}

type dirEntry struct {
	crc          uint32
	preloadBytes uint16
	archiveIndex uint16
	entryOffset  uint32
	entryLength  uint32
}

// ReadMetadata opens the VPK at path, walks its directory tree for
// addoninfo.txt, and extracts addonTitle/addonVersion. Blocking file I/O and
// regex work happen synchronously here, on the calling goroutine; the
// installation pipeline and the watcher's reconciler both call it directly.
func ReadMetadata(path string) (core.VpkMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return core.VpkMetadata{}, core.Wrap(core.KindArchiveMalformed, "failed to open vpk", err)
	}
	defer f.Close()

	hdr, tree, err := readHeaderAndTree(f)
	if err != nil {
		return core.VpkMetadata{}, err
	}

	entry, ok := tree[metadataKey]
	if !ok {
		return core.VpkMetadata{}, core.New(core.KindArchiveMalformed, "metadata absent: addoninfo.txt not found in vpk")
	}

	data, err := readEntryContent(f, path, hdr, entry)
	if err != nil {
		return core.VpkMetadata{}, err
	}

	return parseKeyValues(data), nil
}

// ContainsMetadata performs a cheap existence check without extracting the
// content, used by the installer's content-probe type detection.
func ContainsMetadata(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	_, tree, err := readHeaderAndTree(f)
	if err != nil {
		return false
	}
	_, ok := tree[metadataKey]
	return ok
}

func readHeaderAndTree(f *os.File) (header, map[string]dirEntry, error) {
	var hdr header
	if err := binary.Read(f, binary.LittleEndian, &hdr); err != nil {
		return header{}, nil, core.Wrap(core.KindArchiveMalformed, "failed to read vpk header", err)
	}
	if hdr.Signature != signature {
		return header{}, nil, core.New(core.KindArchiveMalformed, "not a vpk v1 file: bad signature")
	}

	treeBytes := make([]byte, hdr.TreeSize)
	if _, err := io.ReadFull(f, treeBytes); err != nil {
		return header{}, nil, core.Wrap(core.KindArchiveMalformed, "failed to read vpk directory tree", err)
	}

	tree, err := parseTree(treeBytes)
	if err != nil {
		return header{}, nil, err
	}
	return hdr, tree, nil
}

// parseTree walks the nested null-terminated {ext}/{path}/{name} structure
// and returns a flat map keyed by "<path>/<name>.<ext>", matching the lookup
// key the installer and metadata reader use (the root path is a single
// space, so a root-level file's key is " /<name>.<ext>").
func parseTree(data []byte) (map[string]dirEntry, error) {
	r := bufio.NewReader(bytes.NewReader(data))
	tree := make(map[string]dirEntry)

	for {
		ext, err := readCString(r)
		if err != nil {
			return nil, core.Wrap(core.KindArchiveMalformed, "truncated vpk tree (extension)", err)
		}
		if ext == "" {
			break
		}

		for {
			dirPath, err := readCString(r)
			if err != nil {
				return nil, core.Wrap(core.KindArchiveMalformed, "truncated vpk tree (path)", err)
			}
			if dirPath == "" {
				break
			}

			for {
				name, err := readCString(r)
				if err != nil {
					return nil, core.Wrap(core.KindArchiveMalformed, "truncated vpk tree (filename)", err)
				}
				if name == "" {
					break
				}

				entry, preload, err := readDirEntry(r)
				if err != nil {
					return nil, err
				}
				if preload > 0 {
					if _, err := r.Discard(int(preload)); err != nil {
						return nil, core.Wrap(core.KindArchiveMalformed, "truncated vpk preload data", err)
					}
				}

				key := fmt.Sprintf("%s/%s.%s", dirPath, name, ext)
				tree[key] = entry
			}
		}
	}

	return tree, nil
}

func readCString(r *bufio.Reader) (string, error) {
	s, err := r.ReadString(0)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(s, "\x00"), nil
}

func readDirEntry(r *bufio.Reader) (dirEntry, uint16, error) {
	buf := make([]byte, entryRecordSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return dirEntry{}, 0, core.Wrap(core.KindArchiveMalformed, "truncated vpk directory entry", err)
	}

	e := dirEntry{
		crc:          binary.LittleEndian.Uint32(buf[0:4]),
		preloadBytes: binary.LittleEndian.Uint16(buf[4:6]),
		archiveIndex: binary.LittleEndian.Uint16(buf[6:8]),
		entryOffset:  binary.LittleEndian.Uint32(buf[8:12]),
		entryLength:  binary.LittleEndian.Uint32(buf[12:16]),
	}
	return e, e.preloadBytes, nil
}

func readEntryContent(f *os.File, vpkPath string, hdr header, entry dirEntry) ([]byte, error) {
	if entry.archiveIndex == embeddedArchive {
		offset := int64(headerSize) + int64(hdr.TreeSize) + int64(entry.entryOffset)
		return readAt(f, offset, entry.entryLength)
	}

	siblingPath := siblingArchivePath(vpkPath, entry.archiveIndex)
	sibling, err := os.Open(siblingPath)
	if err != nil {
		return nil, core.Wrap(core.KindArchiveMalformed, "failed to open sibling vpk archive", err)
	}
	defer sibling.Close()

	return readAt(sibling, int64(entry.entryOffset), entry.entryLength)
}

func readAt(f *os.File, offset int64, length uint32) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, core.Wrap(core.KindArchiveMalformed, "failed to read vpk content block", err)
	}
	return buf, nil
}

func siblingArchivePath(vpkPath string, archiveIndex uint16) string {
	base := strings.TrimSuffix(vpkPath, ".vpk")
	return fmt.Sprintf("%s_%03d.vpk", base, archiveIndex)
}

var keyValueKeys = []struct {
	field string
	regex *regexp.Regexp
}{
	{"addonTitle", regexp.MustCompile(`(?i)^\s*"?addonTitle"?\s+"([^"]*)"`)},
	{"addonVersion", regexp.MustCompile(`(?i)^\s*"?addonVersion"?\s+"([^"]*)"`)},
}

// parseKeyValues scans the addoninfo.txt blob line by line with a
// case-insensitive regex that accepts both quoted and unquoted keys. The
// first match wins for each field; an unmatched field defaults to "Unknown".
func parseKeyValues(data []byte) core.VpkMetadata {
	meta := core.VpkMetadata{Title: unknownMetadata, Version: unknownMetadata}
	found := map[string]bool{}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		for _, kv := range keyValueKeys {
			if found[kv.field] {
				continue
			}
			m := kv.regex.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			found[kv.field] = true
			if kv.field == "addonTitle" {
				meta.Title = m[1]
			} else {
				meta.Version = m[1]
			}
		}
	}

	return meta
}
