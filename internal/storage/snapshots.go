package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"sort"

	"proxybind/internal/account"
	"proxybind/internal/maintenance"
)

// LatestSnapshot returns the most recent exploration snapshot for platform.
func (s *Storage) LatestSnapshot(platform account.Platform) (maintenance.SchemaSnapshot, bool, error) {
	var snap maintenance.SchemaSnapshot
	var keys string

	err := s.db.QueryRow(`
		SELECT platform, keys, created_at FROM schema_snapshots
		WHERE platform = ? ORDER BY id DESC LIMIT 1
	`, string(platform)).Scan(&snap.Platform, &keys, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return maintenance.SchemaSnapshot{}, false, nil
	}
	if err != nil {
		return maintenance.SchemaSnapshot{}, false, err
	}
	if err := json.Unmarshal([]byte(keys), &snap.Keys); err != nil {
		return maintenance.SchemaSnapshot{}, false, err
	}
	return snap, true, nil
}

// SaveSnapshot appends an exploration snapshot.
func (s *Storage) SaveSnapshot(snap maintenance.SchemaSnapshot) error {
	keys := append([]string(nil), snap.Keys...)
	sort.Strings(keys)
	data, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = s.now()
	}
	_, err = s.db.Exec(`
		INSERT INTO schema_snapshots (platform, keys, created_at) VALUES (?, ?, ?)
	`, string(snap.Platform), string(data), snap.CreatedAt.UTC())
	return err
}
