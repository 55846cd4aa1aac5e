// Package testutil wires real registries over a temporary SQLite database
// for package tests.
package testutil

import (
	"path/filepath"
	"testing"

	"proxybind/internal/account"
	"proxybind/internal/binding"
	"proxybind/internal/proxy"
	"proxybind/internal/storage"
)

// Env is a fully wired pool backed by a throwaway database.
type Env struct {
	Dir       string
	Store     *storage.Storage
	Artifacts *account.ArtifactStore
	Proxies   *proxy.Registry
	Accounts  *account.Registry
	Allocator *binding.Allocator
}

// Options tweaks NewEnv.
type Options struct {
	Policy          proxy.RetirePolicy
	DefaultCapacity int
	Binding         binding.Options
}

// OpenStorage opens a migrated database under t.TempDir.
func OpenStorage(t testing.TB) *storage.Storage {
	t.Helper()
	s, err := storage.NewStorage(filepath.Join(t.TempDir(), "proxybind.db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// NewEnv builds registries and an allocator with default policy.
func NewEnv(t testing.TB) *Env {
	return NewEnvWith(t, Options{Policy: proxy.DefaultRetirePolicy(), DefaultCapacity: 3})
}

// NewEnvWith builds registries and an allocator.
func NewEnvWith(t testing.TB, opts Options) *Env {
	t.Helper()
	dir := t.TempDir()
	store := OpenStorage(t)

	artifacts, err := account.NewArtifactStore(filepath.Join(dir, "sessions"), filepath.Join(dir, "backups"))
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}
	proxies, err := proxy.NewRegistry(store, opts.Policy, opts.DefaultCapacity)
	if err != nil {
		t.Fatalf("proxy registry: %v", err)
	}
	accounts, err := account.NewRegistry(store, artifacts, nil)
	if err != nil {
		t.Fatalf("account registry: %v", err)
	}

	return &Env{
		Dir:       dir,
		Store:     store,
		Artifacts: artifacts,
		Proxies:   proxies,
		Accounts:  accounts,
		Allocator: binding.New(proxies, accounts, opts.Binding),
	}
}

// AddProxy registers a proxy, failing the test on error.
func (e *Env) AddProxy(t testing.TB, in proxy.Input) proxy.Resource {
	t.Helper()
	if in.Protocol == "" {
		in.Protocol = proxy.ProtocolHTTP
	}
	p, err := e.Proxies.Add(in)
	if err != nil {
		t.Fatalf("add proxy %s:%d: %v", in.Host, in.Port, err)
	}
	return p
}

// AddAccount registers an unchecked session with a flat cookie artifact.
func (e *Env) AddAccount(t testing.TB, platform account.Platform, name string) account.Session {
	t.Helper()
	s, err := e.Accounts.Add(account.Input{
		Platform: platform,
		Name:     name,
		Artifact: []byte(`{"` + account.DefaultIdentityKeys[platform] + `":"` + name + `"}`),
	})
	if err != nil {
		t.Fatalf("add account %s: %v", name, err)
	}
	return s
}

// AddValidAccount registers a session and marks it valid.
func (e *Env) AddValidAccount(t testing.TB, platform account.Platform, name string) account.Session {
	t.Helper()
	s := e.AddAccount(t, platform, name)
	s, err := e.Accounts.SetStatus(s.ID, account.StatusValid)
	if err != nil {
		t.Fatalf("mark %s valid: %v", name, err)
	}
	return s
}
