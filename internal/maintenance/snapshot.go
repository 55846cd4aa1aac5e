package maintenance

import (
	"sort"
	"time"

	"proxybind/internal/account"
)

// SchemaSnapshot is the set of top-level keys an exploration probe saw on a
// platform's account surface.
type SchemaSnapshot struct {
	Platform  account.Platform `json:"platform"`
	Keys      []string         `json:"keys"`
	CreatedAt time.Time        `json:"created_at"`
}

// SnapshotStore keeps exploration snapshots per platform.
type SnapshotStore interface {
	LatestSnapshot(platform account.Platform) (SchemaSnapshot, bool, error)
	SaveSnapshot(s SchemaSnapshot) error
}

// Drift lists keys that appeared or disappeared between two snapshots.
type Drift struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// Empty reports whether nothing changed.
func (d Drift) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// diffKeys compares the previous key set with the current one.
func diffKeys(prev, cur []string) Drift {
	before := make(map[string]bool, len(prev))
	for _, k := range prev {
		before[k] = true
	}
	now := make(map[string]bool, len(cur))
	for _, k := range cur {
		now[k] = true
	}

	var d Drift
	for k := range now {
		if !before[k] {
			d.Added = append(d.Added, k)
		}
	}
	for k := range before {
		if !now[k] {
			d.Removed = append(d.Removed, k)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	return d
}
