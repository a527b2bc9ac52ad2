package core

import "time"

// SourceKind distinguishes a map's provenance.
type SourceKind string

const (
	SourceWorkshop SourceKind = "workshop"
	SourceOther    SourceKind = "other"
)

// MapEntry is the registry's central record. Fields mirror the maps table
// in internal/registry one-to-one.
type MapEntry struct {
	ID            uint64     `json:"id"`
	Name          string     `json:"name"`
	SourceURL     string     `json:"source_url"`
	SourceKind    SourceKind `json:"source_kind"`
	WorkshopID    *uint64    `json:"workshop_id,omitempty"`
	InstalledPath string     `json:"installed_path"`
	InstalledAt   time.Time  `json:"installed_at"`
	Version       *string    `json:"version,omitempty"`
	Checksum      *string    `json:"checksum,omitempty"`
	ChecksumKind  *string    `json:"checksum_kind,omitempty"`
}

// Normalize clears workshop_id unless the source is Workshop and drops a
// checksum that arrives without its kind (or vice versa), the same way the
// registry's read path coerces drifted rows.
func (m *MapEntry) Normalize() {
	if m.SourceKind != SourceWorkshop {
		m.WorkshopID = nil
	}
	if m.Checksum == nil || m.ChecksumKind == nil {
		m.Checksum = nil
		m.ChecksumKind = nil
	}
}

// SourceSpec is the tagged input to the installation pipeline: exactly one of
// URL or WorkshopID is set.
type SourceSpec struct {
	URL         string
	WorkshopID  uint64
	IsWorkshop  bool
	DisplayName string // optional, caller-supplied
}

// VpkMetadata is what the VPK reader pulls from addoninfo.txt.
type VpkMetadata struct {
	Title   string
	Version string
}

// UpdateAction is the action field of a MapUpdate sent by the backend.
type UpdateAction string

const (
	ActionInstall   UpdateAction = "install"
	ActionUninstall UpdateAction = "uninstall"
)

// MapUpdate is a single instruction pulled from the backend's updates feed.
type MapUpdate struct {
	Action UpdateAction    `json:"action"`
	MapID  uint64          `json:"map_id"`
	Entry  *MapUpdateEntry `json:"map_entry,omitempty"`
}

// MapUpdateEntry carries the install-time fields of a MapUpdate; either
// WorkshopID or SourceURL is set, consistent with SourceSpec.
type MapUpdateEntry struct {
	Name       string  `json:"name"`
	WorkshopID *uint64 `json:"workshop_id,omitempty"`
	SourceURL  *string `json:"source_url,omitempty"`
}
