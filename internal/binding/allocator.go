package binding

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"proxybind/internal/account"
	"proxybind/internal/logger"
	"proxybind/internal/proxy"
	"proxybind/internal/resource"
)

// Binding is the proxy/session pair handed to an automation worker.
type Binding struct {
	Proxy   proxy.Resource  `json:"proxy"`
	Account account.Session `json:"session"`
}

// Options configures allocation policy.
type Options struct {
	Rules *AffinityRules
	// Fallback allows binding to any proxy when no proxy matches the
	// account's affinity.
	Fallback bool
}

// Allocator assigns proxies to accounts. Every binding mutation runs under
// a single lock so the two sides of a binding always change together.
type Allocator struct {
	mu       sync.Mutex
	proxies  *proxy.Registry
	accounts *account.Registry
	rules    *AffinityRules
	fallback bool
	log      zerolog.Logger
}

// New creates an allocator over both registries.
func New(proxies *proxy.Registry, accounts *account.Registry, opts Options) *Allocator {
	rules := opts.Rules
	if rules == nil {
		rules = NewAffinityRules(nil)
	}
	return &Allocator{
		proxies:  proxies,
		accounts: accounts,
		rules:    rules,
		fallback: opts.Fallback,
		log:      logger.WithComponent("Allocator"),
	}
}

// Bind returns the account's binding, allocating a proxy if it has none.
// Selection prefers the least recently used proxy matching the account's
// affinity.
func (a *Allocator) Bind(accountID string) (Binding, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	acc, err := a.accounts.Get(accountID)
	if err != nil {
		return Binding{}, err
	}

	if acc.BoundProxyID != "" {
		p, err := a.proxies.Get(acc.BoundProxyID)
		if err == nil && p.HasAccount(acc.ID) {
			return Binding{Proxy: p, Account: acc}, nil
		}
		a.log.Warn().Str("account_id", acc.ID).Str("proxy_id", acc.BoundProxyID).Msg("Dangling binding cleared before rebind.")
		if acc, err = a.accounts.SetBoundProxy(acc.ID, ""); err != nil {
			return Binding{}, err
		}
	}

	if !acc.Status.Allocatable() {
		return Binding{}, fmt.Errorf("%w: account %s is %s", resource.ErrSessionUnusable, acc.ID, acc.Status)
	}

	for _, candidate := range a.candidates(acc) {
		p, err := a.proxies.Attach(candidate.ID, acc.ID)
		if errors.Is(err, resource.ErrCapacityExceeded) {
			continue
		}
		if err != nil {
			return Binding{}, err
		}

		bound, err := a.accounts.SetBoundProxy(acc.ID, p.ID)
		if err != nil {
			if _, derr := a.proxies.Detach(p.ID, acc.ID); derr != nil {
				a.log.Error().Err(derr).Str("proxy_id", p.ID).Str("account_id", acc.ID).Msg("Rollback of half-written binding failed.")
			}
			return Binding{}, err
		}

		a.log.Info().Str("account_id", acc.ID).Str("proxy_id", p.ID).Int("bound", len(p.BoundAccountIDs)).Int("max", p.MaxBindings).Msg("Account bound.")
		return Binding{Proxy: p, Account: bound}, nil
	}

	return Binding{}, fmt.Errorf("%w: account %s", resource.ErrCapacityExceeded, acc.ID)
}

// candidates returns allocatable proxies for acc, least recently used first.
func (a *Allocator) candidates(acc account.Session) []proxy.Resource {
	available := a.proxies.List(proxy.Filter{Status: proxy.StatusAvailable})
	aff := a.rules.Resolve(acc)

	out := available
	if !aff.IsZero() {
		out = make([]proxy.Resource, 0, len(available))
		for _, p := range available {
			if matches(aff, p) {
				out = append(out, p)
			}
		}
		if len(out) == 0 && a.fallback {
			out = available
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		li, lj := out[i].LastUsedAt, out[j].LastUsedAt
		if li == nil || lj == nil {
			return li == nil && lj != nil
		}
		return li.Before(*lj)
	})
	return out
}

// Release removes the account's binding. Releasing an unbound account is a
// no-op.
func (a *Allocator) Release(accountID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.releaseLocked(accountID)
}

func (a *Allocator) releaseLocked(accountID string) error {
	acc, err := a.accounts.Get(accountID)
	if err != nil {
		return err
	}
	if acc.BoundProxyID == "" {
		return nil
	}

	if _, err := a.proxies.Detach(acc.BoundProxyID, acc.ID); err != nil && !errors.Is(err, resource.ErrNotFound) {
		return err
	}
	if _, err := a.accounts.SetBoundProxy(acc.ID, ""); err != nil {
		return err
	}
	a.log.Info().Str("account_id", acc.ID).Str("proxy_id", acc.BoundProxyID).Msg("Account released.")
	return nil
}

// ForceEvictProxy releases every account bound to the proxy and returns
// their IDs.
func (a *Allocator) ForceEvictProxy(proxyID string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.evictLocked(proxyID)
}

func (a *Allocator) evictLocked(proxyID string) ([]string, error) {
	released, err := a.proxies.DetachAll(proxyID)
	if err != nil {
		return nil, err
	}

	for _, accountID := range released {
		acc, err := a.accounts.Get(accountID)
		if err != nil {
			continue
		}
		if acc.BoundProxyID != proxyID {
			continue
		}
		if _, err := a.accounts.SetBoundProxy(accountID, ""); err != nil {
			return released, err
		}
	}

	if len(released) > 0 {
		a.log.Warn().Str("proxy_id", proxyID).Int("released", len(released)).Msg("Proxy evicted.")
	}
	return released, nil
}

// RemoveProxy deletes a proxy. Without force it fails with ErrInUse while
// accounts are bound; with force those accounts are unbound first.
func (a *Allocator) RemoveProxy(proxyID string, force bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if force {
		if _, err := a.evictLocked(proxyID); err != nil {
			return err
		}
	}
	return a.proxies.Remove(proxyID)
}

// RemoveAccount releases and deletes an account session.
func (a *Allocator) RemoveAccount(accountID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.releaseLocked(accountID); err != nil {
		return err
	}
	return a.accounts.Delete(accountID)
}

// RecordProxyCheck applies a probe outcome and evicts the proxy's bindings
// in the same step when it retires.
func (a *Allocator) RecordProxyCheck(proxyID string, outcome proxy.Outcome) (proxy.Resource, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, retired, err := a.proxies.ApplyCheckResult(proxyID, outcome)
	if err != nil {
		return proxy.Resource{}, false, err
	}
	if !retired {
		return p, false, nil
	}
	if _, err := a.evictLocked(proxyID); err != nil {
		return p, true, err
	}
	p, err = a.proxies.Get(proxyID)
	return p, true, err
}

// Lookup returns the current binding of an account, if any.
func (a *Allocator) Lookup(accountID string) (Binding, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	acc, err := a.accounts.Get(accountID)
	if err != nil {
		return Binding{}, false, err
	}
	if acc.BoundProxyID == "" {
		return Binding{Account: acc}, false, nil
	}
	p, err := a.proxies.Get(acc.BoundProxyID)
	if err != nil {
		return Binding{Account: acc}, false, nil
	}
	return Binding{Proxy: p, Account: acc}, true, nil
}

// Reconcile repairs bindings that are not mirrored on both sides, for
// example after a crash between the two writes. It returns the number of
// repairs made.
func (a *Allocator) Reconcile() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	repairs := 0
	for _, p := range a.proxies.List(proxy.Filter{}) {
		if p.Status == proxy.StatusDead && len(p.BoundAccountIDs) > 0 {
			released, err := a.evictLocked(p.ID)
			if err != nil {
				return repairs, err
			}
			repairs += len(released)
			continue
		}
		for _, accountID := range p.BoundAccountIDs {
			acc, err := a.accounts.Get(accountID)
			if err == nil && acc.BoundProxyID == p.ID {
				continue
			}
			if _, err := a.proxies.Detach(p.ID, accountID); err != nil {
				return repairs, err
			}
			repairs++
		}
	}

	for _, acc := range a.accounts.List(account.Filter{}) {
		if acc.BoundProxyID == "" {
			continue
		}
		p, err := a.proxies.Get(acc.BoundProxyID)
		if err == nil && p.HasAccount(acc.ID) {
			continue
		}
		if _, err := a.accounts.SetBoundProxy(acc.ID, ""); err != nil {
			return repairs, err
		}
		repairs++
	}

	if repairs > 0 {
		a.log.Warn().Int("repairs", repairs).Msg("Binding reconciliation repaired asymmetric records.")
	}
	return repairs, nil
}
