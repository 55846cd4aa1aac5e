package account

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"proxybind/internal/logger"
	"proxybind/internal/resource"
)

// Store persists account sessions. LoadAccounts must return records in
// insertion order.
type Store interface {
	LoadAccounts() ([]Session, error)
	SaveAccount(s Session) error
	DeleteAccount(id string) error
}

// transitions is the session status state machine.
var transitions = map[Status][]Status{
	StatusUnchecked:   {StatusValid, StatusFileMissing, StatusExpired},
	StatusValid:       {StatusExpired, StatusFileMissing},
	StatusExpired:     {StatusValid},
	StatusFileMissing: {StatusValid},
}

// CheckTransition validates a status change. Leaving expired or
// file_missing requires a re-captured artifact.
func CheckTransition(from, to Status, recaptured bool) error {
	allowed := false
	for _, s := range transitions[from] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", resource.ErrInvalidTransition, from, to)
	}
	if (from == StatusExpired || from == StatusFileMissing) && !recaptured {
		return fmt.Errorf("%w: %s -> %s needs a re-captured artifact", resource.ErrInvalidTransition, from, to)
	}
	return nil
}

// Registry owns the account sessions.
type Registry struct {
	mu           sync.RWMutex
	store        Store
	artifacts    *ArtifactStore
	identityKeys map[Platform]string
	byID         map[string]*Session
	order        []string
	now          func() time.Time
	log          zerolog.Logger
}

// NewRegistry creates a registry and loads persisted sessions. Keys in
// identityKeys override DefaultIdentityKeys.
func NewRegistry(store Store, artifacts *ArtifactStore, identityKeys map[Platform]string) (*Registry, error) {
	keys := make(map[Platform]string, len(DefaultIdentityKeys))
	for p, k := range DefaultIdentityKeys {
		keys[p] = k
	}
	for p, k := range identityKeys {
		if k != "" {
			keys[p] = k
		}
	}

	r := &Registry{
		store:        store,
		artifacts:    artifacts,
		identityKeys: keys,
		byID:         make(map[string]*Session),
		now:          time.Now,
		log:          logger.WithComponent("AccountRegistry"),
	}

	sessions, err := store.LoadAccounts()
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	for i := range sessions {
		s := sessions[i]
		r.byID[s.ID] = &s
		r.order = append(r.order, s.ID)
	}
	r.log.Info().Int("count", len(sessions)).Msg("Account sessions loaded.")
	return r, nil
}

// SetClock replaces the time source. Intended for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// Artifacts returns the artifact store backing this registry.
func (r *Registry) Artifacts() *ArtifactStore {
	return r.artifacts
}

// ExtractIdentity returns the platform user id carried by the artifact.
func (r *Registry) ExtractIdentity(platform Platform, artifact []byte) (string, bool) {
	return extractIdentity(r.identityKeys, platform, artifact)
}

// Add stores a newly captured session as unchecked.
func (r *Registry) Add(in Input) (Session, error) {
	if !in.Platform.Valid() {
		return Session{}, fmt.Errorf("unsupported platform %q", in.Platform)
	}
	if len(in.Artifact) == 0 || !json.Valid(in.Artifact) {
		return Session{}, fmt.Errorf("credential artifact must be a JSON document")
	}

	id := uuid.NewString()
	ref, err := r.artifacts.Save(in.Platform, id, in.Artifact)
	if err != nil {
		return Session{}, fmt.Errorf("save artifact: %w", err)
	}

	identity, ok := r.ExtractIdentity(in.Platform, in.Artifact)
	if !ok {
		r.log.Debug().Str("account_id", id).Str("platform", string(in.Platform)).Msg("Platform identity unknown.")
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = fmt.Sprintf("%s-%s", in.Platform, id[:8])
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	s := Session{
		ID:               id,
		Platform:         in.Platform,
		Name:             name,
		ArtifactRef:      ref,
		Status:           StatusUnchecked,
		PlatformIdentity: identity,
		Affinity:         in.Affinity,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := r.store.SaveAccount(s); err != nil {
		_ = r.artifacts.Remove(ref)
		return Session{}, fmt.Errorf("persist account: %w", err)
	}

	r.byID[id] = &s
	r.order = append(r.order, id)
	r.log.Info().Str("account_id", id).Str("platform", string(in.Platform)).Msg("Account session added.")
	return s.clone(), nil
}

// Recapture replaces the artifact of an existing session. The previous
// artifact is backed up. It unlocks the expired/file_missing -> valid path.
func (r *Registry) Recapture(id string, artifact []byte) (Session, error) {
	if len(artifact) == 0 || !json.Valid(artifact) {
		return Session{}, fmt.Errorf("credential artifact must be a JSON document")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: account %s", resource.ErrNotFound, id)
	}

	ref, err := r.artifacts.Save(s.Platform, s.ID, artifact)
	if err != nil {
		return Session{}, fmt.Errorf("save artifact: %w", err)
	}

	next := s.clone()
	next.ArtifactRef = ref
	next.Recaptured = true
	if identity, ok := r.ExtractIdentity(s.Platform, artifact); ok {
		next.PlatformIdentity = identity
	}
	if err := r.commit(s, next); err != nil {
		return Session{}, err
	}
	r.log.Info().Str("account_id", id).Msg("Account artifact re-captured.")
	return next.clone(), nil
}

// Get returns an account session by ID
func (r *Registry) Get(id string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byID[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: account %s", resource.ErrNotFound, id)
	}
	return s.clone(), nil
}

// List returns a snapshot of matching sessions in insertion order.
func (r *Registry) List(f Filter) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Session, 0, len(r.order))
	for _, id := range r.order {
		s := r.byID[id]
		if f.match(s) {
			out = append(out, s.clone())
		}
	}
	return out
}

// SetStatus applies a verification result. Re-applying the current status
// changes nothing except refreshing last_verified_at for valid sessions.
func (r *Registry) SetStatus(id string, to Status) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: account %s", resource.ErrNotFound, id)
	}

	now := r.now()
	if s.Status == to {
		if to != StatusValid {
			return s.clone(), nil
		}
		next := s.clone()
		next.LastVerifiedAt = &now
		if err := r.commit(s, next); err != nil {
			return Session{}, err
		}
		return next.clone(), nil
	}

	if err := CheckTransition(s.Status, to, s.Recaptured); err != nil {
		return s.clone(), err
	}

	from := s.Status
	next := s.clone()
	next.Status = to
	next.Recaptured = false
	if to == StatusValid || to == StatusExpired {
		next.LastVerifiedAt = &now
	}
	if err := r.commit(s, next); err != nil {
		return Session{}, err
	}
	r.log.Info().Str("account_id", id).Str("from", string(from)).Str("to", string(to)).Msg("Account status changed.")
	return next.clone(), nil
}

// SetBoundProxy records the account side of a binding. Only the allocator
// calls this; an empty proxyID clears the binding.
func (r *Registry) SetBoundProxy(id, proxyID string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: account %s", resource.ErrNotFound, id)
	}
	if s.BoundProxyID == proxyID {
		return s.clone(), nil
	}

	next := s.clone()
	next.BoundProxyID = proxyID
	if err := r.commit(s, next); err != nil {
		return Session{}, err
	}
	return next.clone(), nil
}

// Delete removes a session that is not bound. Its artifact is moved to the
// backup directory.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: account %s", resource.ErrNotFound, id)
	}
	if s.BoundProxyID != "" {
		return fmt.Errorf("%w: account %s is bound to proxy %s", resource.ErrInUse, id, s.BoundProxyID)
	}
	if err := r.store.DeleteAccount(id); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if err := r.artifacts.Remove(s.ArtifactRef); err != nil {
		r.log.Warn().Err(err).Str("account_id", id).Msg("Failed to back up artifact of deleted account.")
	}

	delete(r.byID, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.log.Info().Str("account_id", id).Msg("Account session deleted.")
	return nil
}

// commit persists next and swaps it in for cur. Must hold r.mu.
func (r *Registry) commit(cur *Session, next Session) error {
	next.UpdatedAt = r.now()
	if err := r.store.SaveAccount(next); err != nil {
		return fmt.Errorf("persist account %s: %w", next.ID, err)
	}
	*cur = next
	return nil
}
