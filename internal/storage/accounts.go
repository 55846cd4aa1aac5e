package storage

import (
	"database/sql"

	"proxybind/internal/account"
)

const accountColumns = `id, platform, name, artifact_ref, status, platform_identity, bound_proxy_id,
	affinity_country, affinity_region, affinity_provider, recaptured, created_at, updated_at,
	last_verified_at`

// LoadAccounts returns every account session in insertion order.
func (s *Storage) LoadAccounts() ([]account.Session, error) {
	rows, err := s.db.Query(`SELECT ` + accountColumns + ` FROM accounts ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []account.Session
	for rows.Next() {
		var a account.Session
		var lastVerifiedAt sql.NullTime

		err := rows.Scan(
			&a.ID, &a.Platform, &a.Name, &a.ArtifactRef, &a.Status, &a.PlatformIdentity, &a.BoundProxyID,
			&a.Affinity.Country, &a.Affinity.Region, &a.Affinity.Provider, &a.Recaptured,
			&a.CreatedAt, &a.UpdatedAt, &lastVerifiedAt,
		)
		if err != nil {
			return nil, err
		}
		a.LastVerifiedAt = timePtr(lastVerifiedAt)

		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveAccount inserts or updates an account session.
func (s *Storage) SaveAccount(a account.Session) error {
	_, err := s.db.Exec(`
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			platform = excluded.platform,
			name = excluded.name,
			artifact_ref = excluded.artifact_ref,
			status = excluded.status,
			platform_identity = excluded.platform_identity,
			bound_proxy_id = excluded.bound_proxy_id,
			affinity_country = excluded.affinity_country,
			affinity_region = excluded.affinity_region,
			affinity_provider = excluded.affinity_provider,
			recaptured = excluded.recaptured,
			updated_at = excluded.updated_at,
			last_verified_at = excluded.last_verified_at
	`,
		a.ID, string(a.Platform), a.Name, a.ArtifactRef, string(a.Status), a.PlatformIdentity, a.BoundProxyID,
		a.Affinity.Country, a.Affinity.Region, a.Affinity.Provider, a.Recaptured,
		a.CreatedAt.UTC(), a.UpdatedAt.UTC(), nullTime(a.LastVerifiedAt),
	)
	return err
}

// DeleteAccount deletes an account session row.
func (s *Storage) DeleteAccount(id string) error {
	_, err := s.db.Exec("DELETE FROM accounts WHERE id = ?", id)
	return err
}
