package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"proxybind/internal/account"
	"proxybind/internal/health"
	"proxybind/internal/maintenance"
	"proxybind/internal/proxy"
	"proxybind/internal/resource"
)

func openTest(t *testing.T) *Storage {
	t.Helper()
	s, err := NewStorage(filepath.Join(t.TempDir(), "data", "proxybind.db"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProxyRoundTripKeepsInsertionOrder(t *testing.T) {
	s := openTest(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := proxy.Resource{
		ID:              "p1",
		Address:         proxy.Address{Host: "10.0.0.1", Port: 8080, Protocol: proxy.ProtocolHTTP},
		Username:        "u",
		Password:        "secret",
		Country:         "CN",
		Status:          proxy.StatusAvailable,
		BoundAccountIDs: []string{},
		MaxBindings:     3,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	second := first
	second.ID = "p2"
	second.Address.Host = "10.0.0.2"
	second.BoundAccountIDs = []string{"a1", "a2"}
	second.LastUsedAt = &now

	for _, p := range []proxy.Resource{first, second} {
		if err := s.SaveProxy(p); err != nil {
			t.Fatalf("SaveProxy: %v", err)
		}
	}
	// update the first row; it must stay first
	first.FailCount = 4
	first.Status = proxy.StatusDead
	if err := s.SaveProxy(first); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadProxies()
	if err != nil {
		t.Fatalf("LoadProxies: %v", err)
	}
	if len(got) != 2 || got[0].ID != "p1" || got[1].ID != "p2" {
		t.Fatalf("order = %+v", got)
	}
	if got[0].FailCount != 4 || got[0].Status != proxy.StatusDead || got[0].Password != "secret" {
		t.Fatalf("update not persisted: %+v", got[0])
	}
	if len(got[1].BoundAccountIDs) != 2 || got[1].LastUsedAt == nil || !got[1].LastUsedAt.Equal(now) {
		t.Fatalf("bindings/last_used not persisted: %+v", got[1])
	}
	if got[0].LastUsedAt != nil {
		t.Fatal("nil last_used_at should stay nil")
	}

	if err := s.DeleteProxy("p1"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.LoadProxies()
	if len(got) != 1 {
		t.Fatalf("len = %d after delete", len(got))
	}
}

func TestAccountRoundTrip(t *testing.T) {
	s := openTest(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a := account.Session{
		ID:          "a1",
		Platform:    account.PlatformDouyin,
		Name:        "main",
		ArtifactRef: "douyin/a1.json",
		Status:      account.StatusValid,
		Affinity:    account.Affinity{Country: "CN", Provider: "kuai"},
		Recaptured:  true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.SaveAccount(a); err != nil {
		t.Fatalf("SaveAccount: %v", err)
	}
	a.BoundProxyID = "p1"
	a.LastVerifiedAt = &now
	if err := s.SaveAccount(a); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadAccounts()
	if err != nil {
		t.Fatalf("LoadAccounts: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d", len(got))
	}
	g := got[0]
	if g.BoundProxyID != "p1" || !g.Recaptured || g.Affinity.Provider != "kuai" || g.LastVerifiedAt == nil {
		t.Fatalf("round trip mismatch: %+v", g)
	}

	if err := s.DeleteAccount("a1"); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.LoadAccounts(); len(got) != 0 {
		t.Fatalf("len = %d after delete", len(got))
	}
}

func TestManualTaskQueue(t *testing.T) {
	s := openTest(t)

	task, err := s.EnqueueManualTask(health.ManualTask{AccountID: "a1", Platform: account.PlatformKuaishou, Reason: health.OutcomeCaptcha})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if task.ID == 0 || task.Status != health.TaskOpen {
		t.Fatalf("task = %+v", task)
	}
	if _, err := s.EnqueueManualTask(health.ManualTask{AccountID: "a2", Reason: health.OutcomeBlocked}); err != nil {
		t.Fatal(err)
	}

	open, err := s.ListManualTasks(health.TaskOpen)
	if err != nil || len(open) != 2 {
		t.Fatalf("open = %d, %v", len(open), err)
	}

	if err := s.ResolveManualTask(task.ID); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := s.ResolveManualTask(task.ID); !errors.Is(err, resource.ErrNotFound) {
		t.Fatalf("second resolve: expected ErrNotFound, got %v", err)
	}

	open, _ = s.ListManualTasks(health.TaskOpen)
	all, _ := s.ListManualTasks("")
	if len(open) != 1 || len(all) != 2 {
		t.Fatalf("open = %d, all = %d", len(open), len(all))
	}
	if all[0].ResolvedAt == nil {
		t.Fatal("resolved_at not set")
	}
}

func TestSnapshots(t *testing.T) {
	s := openTest(t)

	if _, ok, err := s.LatestSnapshot(account.PlatformBilibili); ok || err != nil {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}
	if err := s.SaveSnapshot(maintenance.SchemaSnapshot{Platform: account.PlatformBilibili, Keys: []string{"b", "a"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSnapshot(maintenance.SchemaSnapshot{Platform: account.PlatformBilibili, Keys: []string{"a", "c"}}); err != nil {
		t.Fatal(err)
	}

	snap, ok, err := s.LatestSnapshot(account.PlatformBilibili)
	if err != nil || !ok {
		t.Fatalf("LatestSnapshot: ok=%v err=%v", ok, err)
	}
	if len(snap.Keys) != 2 || snap.Keys[0] != "a" || snap.Keys[1] != "c" {
		t.Fatalf("keys = %v", snap.Keys)
	}
}
