// Package registry is the durable catalog of installed maps: a single
// SQLite file accessed through database/sql, with explicit SQL and manual
// Scan calls rather than an ORM.
package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kether/mapd/internal/core"
)

// Registry is the single-writer relational store behind the map catalog.
// SQLite
// serializes writers on its own, but the connection pool is capped at one
// open connection to make that single-writer guarantee explicit rather than
// relying on the driver's locking to paper over concurrent writers.
type Registry struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite file at path and bootstraps its
// schema.
func Open(path string) (*Registry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, core.Wrap(core.KindStorageError, "failed to open registry database", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, core.Wrap(core.KindStorageError, "failed to bootstrap registry schema", err)
	}

	return &Registry{db: db}, nil
}

func (r *Registry) Close() error {
	return r.db.Close()
}

// AddMap inserts entry and assigns it an id. The DB enforces only uniqueness
// of id (and, per the schema's unique index on name, of name); the
// installer is responsible for the early name-conflict check this backs up.
func (r *Registry) AddMap(entry core.MapEntry) (uint64, error) {
	entry.Normalize()

	res, err := r.db.Exec(
		`INSERT INTO maps (name, source_url, source_kind, workshop_id, installed_path, installed_at, version, checksum, checksum_kind)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Name, entry.SourceURL, string(entry.SourceKind), nullableUint64(entry.WorkshopID),
		entry.InstalledPath, entry.InstalledAt.UTC().Format(time.RFC3339), nullableString(entry.Version),
		nullableString(entry.Checksum), nullableString(entry.ChecksumKind),
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return 0, core.Wrap(core.KindNameConflict, fmt.Sprintf("a map named %q already exists", entry.Name), err)
		}
		return 0, core.Wrap(core.KindStorageError, "failed to insert map entry", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, core.Wrap(core.KindStorageError, "failed to read assigned id", err)
	}
	return uint64(id), nil
}

// GetMap returns the entry with id, or (nil, nil) if absent.
func (r *Registry) GetMap(id uint64) (*core.MapEntry, error) {
	row := r.db.QueryRow(
		`SELECT id, name, source_url, source_kind, workshop_id, installed_path, installed_at, version, checksum, checksum_kind
		 FROM maps WHERE id = ?`, id)

	entry, err := scanMapEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, core.Wrap(core.KindStorageError, "failed to read map entry", err)
	}
	return entry, nil
}

// ListMaps returns every entry, unordered.
func (r *Registry) ListMaps() ([]core.MapEntry, error) {
	rows, err := r.db.Query(
		`SELECT id, name, source_url, source_kind, workshop_id, installed_path, installed_at, version, checksum, checksum_kind
		 FROM maps`)
	if err != nil {
		return nil, core.Wrap(core.KindStorageError, "failed to list map entries", err)
	}
	defer rows.Close()

	var entries []core.MapEntry
	for rows.Next() {
		entry, err := scanMapEntry(rows)
		if err != nil {
			return nil, core.Wrap(core.KindStorageError, "failed to scan map entry", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, core.Wrap(core.KindStorageError, "failed reading map entries", err)
	}
	return entries, nil
}

// UpdateMap is a no-op if id is not found.
func (r *Registry) UpdateMap(entry core.MapEntry) error {
	entry.Normalize()

	_, err := r.db.Exec(
		`UPDATE maps SET name = ?, source_url = ?, source_kind = ?, workshop_id = ?, installed_path = ?,
		 installed_at = ?, version = ?, checksum = ?, checksum_kind = ? WHERE id = ?`,
		entry.Name, entry.SourceURL, string(entry.SourceKind), nullableUint64(entry.WorkshopID),
		entry.InstalledPath, entry.InstalledAt.UTC().Format(time.RFC3339), nullableString(entry.Version),
		nullableString(entry.Checksum), nullableString(entry.ChecksumKind), entry.ID,
	)
	if err != nil {
		return core.Wrap(core.KindStorageError, "failed to update map entry", err)
	}
	return nil
}

// RemoveMap is a no-op if id is not found.
func (r *Registry) RemoveMap(id uint64) error {
	if _, err := r.db.Exec(`DELETE FROM maps WHERE id = ?`, id); err != nil {
		return core.Wrap(core.KindStorageError, "failed to remove map entry", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanMapEntry reads a row into a MapEntry and coerces drifted data back
// into the documented invariants: an unrecognized source_kind becomes
// "other" with workshop_id cleared, per the registry's read-path contract.
func scanMapEntry(row scanner) (*core.MapEntry, error) {
	var (
		entry         core.MapEntry
		sourceKindStr string
		workshopID    sql.NullInt64
		installedAt   string
		version       sql.NullString
		checksum      sql.NullString
		checksumKind  sql.NullString
	)

	if err := row.Scan(&entry.ID, &entry.Name, &entry.SourceURL, &sourceKindStr, &workshopID,
		&entry.InstalledPath, &installedAt, &version, &checksum, &checksumKind); err != nil {
		return nil, err
	}

	switch sourceKindStr {
	case string(core.SourceWorkshop):
		entry.SourceKind = core.SourceWorkshop
	case string(core.SourceOther):
		entry.SourceKind = core.SourceOther
	default:
		entry.SourceKind = core.SourceOther
	}

	if workshopID.Valid {
		v := uint64(workshopID.Int64)
		entry.WorkshopID = &v
	}
	if version.Valid {
		entry.Version = &version.String
	}
	if checksum.Valid {
		entry.Checksum = &checksum.String
	}
	if checksumKind.Valid {
		entry.ChecksumKind = &checksumKind.String
	}

	parsed, err := time.Parse(time.RFC3339, installedAt)
	if err != nil {
		return nil, fmt.Errorf("bad installed_at timestamp: %w", err)
	}
	entry.InstalledAt = parsed

	entry.Normalize()
	return &entry, nil
}

func nullableUint64(v *uint64) interface{} {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullableString(v *string) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func isUniqueConstraintErr(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
