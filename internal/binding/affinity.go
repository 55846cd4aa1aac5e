package binding

import (
	"regexp"
	"strings"
	"sync"

	"proxybind/internal/account"
	"proxybind/internal/proxy"
)

// Rule maps a platform pattern to a default affinity.
type Rule struct {
	Pattern  string
	Affinity account.Affinity
}

// AffinityRules resolves the affinity for accounts that do not carry their
// own. Patterns may contain "*" wildcards; exact matches win.
type AffinityRules struct {
	mu       sync.RWMutex
	exact    map[string]account.Affinity
	patterns []patternRule
}

type patternRule struct {
	pattern  *regexp.Regexp
	affinity account.Affinity
}

// NewAffinityRules compiles the given rules. Invalid patterns are skipped.
func NewAffinityRules(rules []Rule) *AffinityRules {
	a := &AffinityRules{exact: make(map[string]account.Affinity)}
	for _, r := range rules {
		a.Add(r.Pattern, r.Affinity)
	}
	return a
}

// Add adds a rule
func (a *AffinityRules) Add(pattern string, affinity account.Affinity) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pattern = strings.ToLower(pattern)
	if !strings.Contains(pattern, "*") {
		a.exact[pattern] = affinity
		return
	}
	regexPattern := "^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*") + "$"
	if re, err := regexp.Compile(regexPattern); err == nil {
		a.patterns = append(a.patterns, patternRule{pattern: re, affinity: affinity})
	}
}

// Resolve returns the affinity to use for s.
func (a *AffinityRules) Resolve(s account.Session) account.Affinity {
	if !s.Affinity.IsZero() {
		return s.Affinity
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	key := strings.ToLower(string(s.Platform))
	if aff, ok := a.exact[key]; ok {
		return aff
	}
	for _, p := range a.patterns {
		if p.pattern.MatchString(key) {
			return p.affinity
		}
	}
	return account.Affinity{}
}

// matches reports whether proxy p satisfies affinity aff.
func matches(aff account.Affinity, p proxy.Resource) bool {
	if aff.Country != "" && !strings.EqualFold(aff.Country, p.Country) {
		return false
	}
	if aff.Region != "" && !strings.EqualFold(aff.Region, p.Region) {
		return false
	}
	if aff.Provider != "" && !strings.EqualFold(aff.Provider, p.Provider) {
		return false
	}
	return true
}
