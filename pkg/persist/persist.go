// Package persist carries client state across reloads: the local entity
// cache, the bounded notification list, and the session credential.
//
// The snapshot has an explicit serialize/deserialize boundary with a
// schema version so future releases have a migration path. Optimistic
// flags and tombstones are never persisted; a restored session starts
// with confirmed state only.
package persist

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/taskdeck/taskdeck.go/pkg/models"
)

// SchemaVersion is the current snapshot schema.
const SchemaVersion = 1

// ErrNoSnapshot is returned by Load when no snapshot file exists.
var ErrNoSnapshot = errors.New("no snapshot")

// Snapshot is the persisted client state.
type Snapshot struct {
	SchemaVersion int       `cbor:"schema_version"`
	SavedAt       time.Time `cbor:"saved_at"`
	Credential    string    `cbor:"credential,omitempty"`

	Tasks    []*models.Task    `cbor:"tasks,omitempty"`
	Projects []*models.Project `cbor:"projects,omitempty"`
	Teams    []*models.Team    `cbor:"teams,omitempty"`
	Comments []*models.Comment `cbor:"comments,omitempty"`

	Notifications []models.Notification `cbor:"notifications,omitempty"`
}

// Save writes the snapshot to path atomically, stamping the schema
// version and save time.
func Save(path string, snap *Snapshot) error {
	snap.SchemaVersion = SchemaVersion
	snap.SavedAt = time.Now()

	data, err := cbor.Marshal(snap)
	if err != nil {
		return fmt.Errorf("persist: encode snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("persist: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("persist: commit snapshot: %w", err)
	}
	return nil
}

// Load reads and migrates a snapshot. A snapshot written by a newer
// release is rejected rather than guessed at.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("persist: read snapshot: %w", err)
	}

	var snap Snapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("persist: decode snapshot: %w", err)
	}
	if snap.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("persist: snapshot schema %d is newer than supported %d", snap.SchemaVersion, SchemaVersion)
	}
	if err := migrate(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// migrate upgrades older snapshots in place. Version 1 is current, and
// version 0 snapshots (written before the version field existed) carry
// the same layout, so migration is a stamp.
func migrate(snap *Snapshot) error {
	switch snap.SchemaVersion {
	case 0, SchemaVersion:
		snap.SchemaVersion = SchemaVersion
		return nil
	default:
		return fmt.Errorf("persist: no migration from schema %d", snap.SchemaVersion)
	}
}
