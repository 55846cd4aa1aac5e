package proxy

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"proxybind/internal/logger"
	"proxybind/internal/resource"
)

// Store persists proxy records. LoadProxies must return records in
// insertion order.
type Store interface {
	LoadProxies() ([]Resource, error)
	SaveProxy(r Resource) error
	DeleteProxy(id string) error
}

// Registry owns the proxy pool. Every mutation is persisted before it
// becomes visible in memory.
type Registry struct {
	mu              sync.RWMutex
	store           Store
	policy          RetirePolicy
	defaultCapacity int
	byID            map[string]*Resource
	byKey           map[string]string
	order           []string
	now             func() time.Time
	log             zerolog.Logger
}

// NewRegistry creates a registry and loads the persisted pool.
func NewRegistry(store Store, policy RetirePolicy, defaultCapacity int) (*Registry, error) {
	if defaultCapacity <= 0 {
		defaultCapacity = 1
	}
	r := &Registry{
		store:           store,
		policy:          policy,
		defaultCapacity: defaultCapacity,
		byID:            make(map[string]*Resource),
		byKey:           make(map[string]string),
		now:             time.Now,
		log:             logger.WithComponent("ProxyRegistry"),
	}

	records, err := store.LoadProxies()
	if err != nil {
		return nil, fmt.Errorf("load proxies: %w", err)
	}
	for i := range records {
		p := records[i]
		if p.MaxBindings <= 0 {
			p.MaxBindings = defaultCapacity
		}
		// legacy "bound" and drifted statuses are recomputed from the binding count
		p.Status = statusFor(p)
		r.byID[p.ID] = &p
		r.byKey[p.Address.Key()] = p.ID
		r.order = append(r.order, p.ID)
	}
	r.log.Info().Int("count", len(records)).Msg("Proxy pool loaded.")
	return r, nil
}

// SetClock replaces the time source. Intended for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// Policy returns the active retirement policy.
func (r *Registry) Policy() RetirePolicy {
	return r.policy
}

// Add inserts a new proxy. Host and port must be unique across the pool.
func (r *Registry) Add(in Input) (Resource, error) {
	in.Host = strings.TrimSpace(in.Host)
	if in.Host == "" || in.Port <= 0 || in.Port > 65535 {
		return Resource{}, fmt.Errorf("invalid proxy address %s:%d", in.Host, in.Port)
	}
	if in.Protocol == "" {
		in.Protocol = ProtocolHTTP
	}
	if !in.Protocol.Valid() {
		return Resource{}, fmt.Errorf("unsupported protocol %q", in.Protocol)
	}
	capacity := in.MaxBindings
	if capacity <= 0 {
		capacity = r.defaultCapacity
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	addr := Address{Host: in.Host, Port: in.Port, Protocol: in.Protocol}
	if existing, ok := r.byKey[addr.Key()]; ok {
		return Resource{}, fmt.Errorf("%w: %s already registered as %s", resource.ErrDuplicate, addr.Key(), existing)
	}

	now := r.now()
	p := Resource{
		ID:              uuid.NewString(),
		Address:         addr,
		Username:        in.Username,
		Password:        in.Password,
		IPType:          in.IPType,
		Country:         in.Country,
		Region:          in.Region,
		City:            in.City,
		ISP:             in.ISP,
		Provider:        in.Provider,
		Note:            in.Note,
		Status:          StatusAvailable,
		BoundAccountIDs: []string{},
		MaxBindings:     capacity,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := r.store.SaveProxy(p); err != nil {
		return Resource{}, fmt.Errorf("persist proxy: %w", err)
	}

	r.byID[p.ID] = &p
	r.byKey[addr.Key()] = p.ID
	r.order = append(r.order, p.ID)

	r.log.Info().Str("proxy_id", p.ID).Str("address", addr.String()).Int("max_bindings", capacity).Msg("Proxy added.")
	return p.clone(), nil
}

// Get returns a proxy by ID
func (r *Registry) Get(id string) (Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byID[id]
	if !ok {
		return Resource{}, fmt.Errorf("%w: proxy %s", resource.ErrNotFound, id)
	}
	return p.clone(), nil
}

// List returns a snapshot of the proxies matching f, in insertion order.
func (r *Registry) List(f Filter) []Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Resource, 0, len(r.order))
	for _, id := range r.order {
		p := r.byID[id]
		if f.match(p) {
			out = append(out, p.clone())
		}
	}
	return out
}

// Remove deletes a proxy that has no bindings left.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: proxy %s", resource.ErrNotFound, id)
	}
	if len(p.BoundAccountIDs) > 0 {
		return fmt.Errorf("%w: proxy %s has %d bound accounts", resource.ErrInUse, id, len(p.BoundAccountIDs))
	}
	if err := r.store.DeleteProxy(id); err != nil {
		return fmt.Errorf("delete proxy: %w", err)
	}

	delete(r.byID, id)
	delete(r.byKey, p.Address.Key())
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.log.Info().Str("proxy_id", id).Msg("Proxy removed.")
	return nil
}

// ApplyCheckResult records a probe outcome. The returned bool is true when
// this call retired the proxy; the caller must then evict its bindings.
func (r *Registry) ApplyCheckResult(id string, outcome Outcome) (Resource, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byID[id]
	if !ok {
		return Resource{}, false, fmt.Errorf("%w: proxy %s", resource.ErrNotFound, id)
	}

	next := p.clone()
	now := r.now()
	next.LastCheckAt = &now
	if outcome == OutcomeSuccess {
		next.SuccessCount++
		next.ConsecutiveFails = 0
	} else {
		next.FailCount++
		next.ConsecutiveFails++
	}

	retired := false
	if next.Status != StatusDead {
		if reason := r.policy.evaluate(next, outcome); reason != "" {
			next.Status = StatusDead
			retired = true
			r.log.Warn().Str("proxy_id", id).Str("reason", reason).Msg("Proxy retired.")
		}
	}

	if err := r.commit(p, next); err != nil {
		return Resource{}, false, err
	}
	return next.clone(), retired, nil
}

// Attach binds accountID to the proxy. The capacity check and the mutation
// happen under one lock.
func (r *Registry) Attach(id, accountID string) (Resource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byID[id]
	if !ok {
		return Resource{}, fmt.Errorf("%w: proxy %s", resource.ErrNotFound, id)
	}
	if p.HasAccount(accountID) {
		return p.clone(), nil
	}
	if p.Free() == 0 {
		return Resource{}, fmt.Errorf("%w: proxy %s is %s", resource.ErrCapacityExceeded, id, p.Status)
	}

	next := p.clone()
	now := r.now()
	next.BoundAccountIDs = append(next.BoundAccountIDs, accountID)
	next.TotalUsed++
	next.LastUsedAt = &now
	next.Status = statusFor(next)

	if err := r.commit(p, next); err != nil {
		return Resource{}, err
	}
	return next.clone(), nil
}

// Detach removes accountID from the proxy. Detaching an account that is not
// bound is a no-op.
func (r *Registry) Detach(id, accountID string) (Resource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byID[id]
	if !ok {
		return Resource{}, fmt.Errorf("%w: proxy %s", resource.ErrNotFound, id)
	}
	if !p.HasAccount(accountID) {
		return p.clone(), nil
	}

	next := p.clone()
	kept := next.BoundAccountIDs[:0]
	for _, aid := range next.BoundAccountIDs {
		if aid != accountID {
			kept = append(kept, aid)
		}
	}
	next.BoundAccountIDs = kept
	next.Status = statusFor(next)

	if err := r.commit(p, next); err != nil {
		return Resource{}, err
	}
	return next.clone(), nil
}

// DetachAll clears every binding on the proxy and returns the released
// account IDs.
func (r *Registry) DetachAll(id string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: proxy %s", resource.ErrNotFound, id)
	}
	released := append([]string(nil), p.BoundAccountIDs...)
	if len(released) == 0 {
		return nil, nil
	}

	next := p.clone()
	next.BoundAccountIDs = []string{}
	next.Status = statusFor(next)
	if err := r.commit(p, next); err != nil {
		return nil, err
	}
	return released, nil
}

// UpdateGeo fills location fields that are still empty.
func (r *Registry) UpdateGeo(id string, geo Geo) (Resource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byID[id]
	if !ok {
		return Resource{}, fmt.Errorf("%w: proxy %s", resource.ErrNotFound, id)
	}

	next := p.clone()
	changed := false
	fill := func(dst *string, v string) {
		if *dst == "" && v != "" {
			*dst = v
			changed = true
		}
	}
	fill(&next.Country, geo.Country)
	fill(&next.Region, geo.Region)
	fill(&next.City, geo.City)
	fill(&next.ISP, geo.ISP)
	if !changed {
		return p.clone(), nil
	}

	if err := r.commit(p, next); err != nil {
		return Resource{}, err
	}
	return next.clone(), nil
}

// Len returns the pool size.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// commit persists next and swaps it in for cur. Must hold r.mu.
func (r *Registry) commit(cur *Resource, next Resource) error {
	next.UpdatedAt = r.now()
	if err := r.store.SaveProxy(next); err != nil {
		return fmt.Errorf("persist proxy %s: %w", next.ID, err)
	}
	*cur = next
	return nil
}
