package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"proxybind/internal/proxy"
)

const proxyColumns = `id, host, port, protocol, username, password, ip_type, country, region, city,
	isp, provider, note, status, bound_account_ids, max_bindings, success_count, fail_count,
	total_used, consecutive_fails, last_used_at, last_check_at, created_at, updated_at`

// LoadProxies returns every proxy in insertion order.
func (s *Storage) LoadProxies() ([]proxy.Resource, error) {
	rows, err := s.db.Query(`SELECT ` + proxyColumns + ` FROM proxies ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []proxy.Resource
	for rows.Next() {
		var p proxy.Resource
		var bound string
		var lastUsedAt, lastCheckAt sql.NullTime

		err := rows.Scan(
			&p.ID, &p.Address.Host, &p.Address.Port, &p.Address.Protocol, &p.Username, &p.Password,
			&p.IPType, &p.Country, &p.Region, &p.City, &p.ISP, &p.Provider, &p.Note,
			&p.Status, &bound, &p.MaxBindings, &p.SuccessCount, &p.FailCount,
			&p.TotalUsed, &p.ConsecutiveFails, &lastUsedAt, &lastCheckAt, &p.CreatedAt, &p.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(bound), &p.BoundAccountIDs); err != nil {
			return nil, fmt.Errorf("proxy %s: decode bound_account_ids: %w", p.ID, err)
		}
		if p.BoundAccountIDs == nil {
			p.BoundAccountIDs = []string{}
		}
		p.LastUsedAt = timePtr(lastUsedAt)
		p.LastCheckAt = timePtr(lastCheckAt)

		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveProxy inserts or updates a proxy. Updates keep the original rowid so
// load order stays stable.
func (s *Storage) SaveProxy(p proxy.Resource) error {
	bound, err := json.Marshal(p.BoundAccountIDs)
	if err != nil {
		return err
	}
	if p.BoundAccountIDs == nil {
		bound = []byte("[]")
	}

	_, err = s.db.Exec(`
		INSERT INTO proxies (`+proxyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			host = excluded.host,
			port = excluded.port,
			protocol = excluded.protocol,
			username = excluded.username,
			password = excluded.password,
			ip_type = excluded.ip_type,
			country = excluded.country,
			region = excluded.region,
			city = excluded.city,
			isp = excluded.isp,
			provider = excluded.provider,
			note = excluded.note,
			status = excluded.status,
			bound_account_ids = excluded.bound_account_ids,
			max_bindings = excluded.max_bindings,
			success_count = excluded.success_count,
			fail_count = excluded.fail_count,
			total_used = excluded.total_used,
			consecutive_fails = excluded.consecutive_fails,
			last_used_at = excluded.last_used_at,
			last_check_at = excluded.last_check_at,
			updated_at = excluded.updated_at
	`,
		p.ID, p.Address.Host, p.Address.Port, string(p.Address.Protocol), p.Username, p.Password,
		p.IPType, p.Country, p.Region, p.City, p.ISP, p.Provider, p.Note,
		string(p.Status), string(bound), p.MaxBindings, p.SuccessCount, p.FailCount,
		p.TotalUsed, p.ConsecutiveFails, nullTime(p.LastUsedAt), nullTime(p.LastCheckAt),
		p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	)
	return err
}

// DeleteProxy deletes a proxy row.
func (s *Storage) DeleteProxy(id string) error {
	_, err := s.db.Exec("DELETE FROM proxies WHERE id = ?", id)
	return err
}
