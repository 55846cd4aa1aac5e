package stats

import (
	"database/sql"
	"time"

	"proxybind/internal/health"
)

// Tracker computes pool and outcome statistics from the database.
type Tracker struct {
	db  *sql.DB
	now func() time.Time
}

// NewTracker creates a new stats tracker
func NewTracker(db *sql.DB) *Tracker {
	return &Tracker{db: db, now: time.Now}
}

// SetClock replaces the time source. Intended for tests.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// Stats is the pool summary returned by GetStats.
type Stats struct {
	Total       int64            `json:"total"`
	Valid       int64            `json:"valid"`
	Expired     int64            `json:"expired"`
	Unchecked   int64            `json:"unchecked"`
	FileMissing int64            `json:"file_missing"`
	Bound       int64            `json:"bound"`
	ByPlatform  map[string]int64 `json:"by_platform"`

	Proxies ProxyStats `json:"proxies"`

	OutcomesToday    int64 `json:"outcomes_today"`
	OutcomesThisWeek int64 `json:"outcomes_this_week"`
	OpenManualTasks  int64 `json:"open_manual_tasks"`
}

// ProxyStats summarizes the proxy pool.
type ProxyStats struct {
	Total     int64 `json:"total"`
	Available int64 `json:"available"`
	Exhausted int64 `json:"exhausted"`
	Dead      int64 `json:"dead"`
	Capacity  int64 `json:"capacity"`
}

// OutcomeStats counts one reported outcome.
type OutcomeStats struct {
	Outcome  string `json:"outcome"`
	Platform string `json:"platform"`
	Count    int64  `json:"count"`
}

// RecentOutcome is a logged outcome with the account's display name.
type RecentOutcome struct {
	health.OutcomeRecord
	AccountName string `json:"account_name"`
}

// GetStats returns overall account and proxy statistics
func (t *Tracker) GetStats() (*Stats, error) {
	stats := Stats{ByPlatform: make(map[string]int64)}

	rows, err := t.db.Query(`SELECT platform, status, COUNT(*) FROM accounts GROUP BY platform, status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var platform, status string
		var n int64
		if err := rows.Scan(&platform, &status, &n); err != nil {
			return nil, err
		}
		stats.Total += n
		stats.ByPlatform[platform] += n
		switch status {
		case "valid":
			stats.Valid += n
		case "expired":
			stats.Expired += n
		case "unchecked":
			stats.Unchecked += n
		case "file_missing":
			stats.FileMissing += n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	_ = t.db.QueryRow(`SELECT COUNT(*) FROM accounts WHERE bound_proxy_id != ''`).Scan(&stats.Bound)

	err = t.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'available' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'exhausted' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'dead' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status != 'dead' THEN max_bindings ELSE 0 END), 0)
		FROM proxies
	`).Scan(&stats.Proxies.Total, &stats.Proxies.Available, &stats.Proxies.Exhausted, &stats.Proxies.Dead, &stats.Proxies.Capacity)
	if err != nil {
		return nil, err
	}

	// Today's outcomes
	now := t.now().UTC()
	today := now.Truncate(24 * time.Hour)
	_ = t.db.QueryRow(`
		SELECT COUNT(*) FROM outcome_logs WHERE created_at >= ?
	`, today).Scan(&stats.OutcomesToday)

	// This week's outcomes
	weekAgo := now.AddDate(0, 0, -7)
	_ = t.db.QueryRow(`
		SELECT COUNT(*) FROM outcome_logs WHERE created_at >= ?
	`, weekAgo).Scan(&stats.OutcomesThisWeek)

	_ = t.db.QueryRow(`
		SELECT COUNT(*) FROM manual_tasks WHERE status = 'open'
	`).Scan(&stats.OpenManualTasks)

	return &stats, nil
}

// GetOutcomeStats returns per-outcome, per-platform counts for the last
// seven days.
func (t *Tracker) GetOutcomeStats() ([]OutcomeStats, error) {
	rows, err := t.db.Query(`
		SELECT outcome, platform, COUNT(*)
		FROM outcome_logs
		WHERE created_at >= ?
		GROUP BY outcome, platform
		ORDER BY COUNT(*) DESC, outcome, platform
	`, t.now().UTC().AddDate(0, 0, -7))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := []OutcomeStats{}
	for rows.Next() {
		var s OutcomeStats
		if err := rows.Scan(&s.Outcome, &s.Platform, &s.Count); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}

	return stats, rows.Err()
}

// GetRecentOutcomes returns the most recent outcome reports
func (t *Tracker) GetRecentOutcomes(limit int) ([]RecentOutcome, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := t.db.Query(`
		SELECT o.id, o.account_id, COALESCE(a.name, ''), o.proxy_id, o.platform,
		       o.outcome, o.detail, o.created_at
		FROM outcome_logs o
		LEFT JOIN accounts a ON o.account_id = a.id
		ORDER BY o.id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []RecentOutcome{}
	for rows.Next() {
		var r RecentOutcome
		err := rows.Scan(&r.ID, &r.AccountID, &r.AccountName, &r.ProxyID, &r.Platform,
			&r.Outcome, &r.Detail, &r.CreatedAt)
		if err != nil {
			return nil, err
		}
		logs = append(logs, r)
	}

	return logs, rows.Err()
}
