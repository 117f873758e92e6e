package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/datalab/internal/domain"
	"github.com/ashureev/datalab/internal/llm"
	"github.com/ashureev/datalab/internal/store"
)

func newRepo(t *testing.T) *store.SQLiteStore {
	t.Helper()
	repo, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestManagerGetReusesSessions(t *testing.T) {
	t.Parallel()

	m := NewManager(ManagerConfig{WorkspaceDir: t.TempDir(), TTL: time.Hour, Builder: newBuilder(reply("ok"))})
	a, err := m.Get("anon_a/default")
	if err != nil {
		t.Fatal(err)
	}
	again, err := m.Get("anon_a/default")
	if err != nil {
		t.Fatal(err)
	}
	if a != again {
		t.Fatal("Get created a second session for the same key")
	}
	b, err := m.Get("anon_b/default")
	if err != nil {
		t.Fatal(err)
	}
	if a.Dirs().Out == b.Dirs().Out {
		t.Fatal("sessions share an output directory")
	}
	if filepath.Base(a.Dirs().Out) != OutputDirName {
		t.Fatalf("output dir = %s", a.Dirs().Out)
	}
	if _, err := os.Stat(a.Dirs().Out); err != nil {
		t.Fatalf("output dir not created: %v", err)
	}
	if m.Len() != 2 {
		t.Fatalf("Len = %d", m.Len())
	}
}

func TestManagerSweepDropsIdleSessions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := newRepo(t)
	m := NewManager(ManagerConfig{WorkspaceDir: t.TempDir(), TTL: time.Minute, Builder: newBuilder(reply("ok")), Repo: repo})

	idle, err := m.Get("idle")
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.SaveRun(ctx, &domain.Run{Scope: "idle", Agent: "a", SessionID: domain.MemorySessionID, Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}}); err != nil {
		t.Fatal(err)
	}
	root := m.Root("idle")

	var cleaned []string
	n := m.Sweep(ctx, time.Now().Add(2*time.Minute), func(key string) { cleaned = append(cleaned, key) })
	if n != 1 || len(cleaned) != 1 || cleaned[0] != "idle" {
		t.Fatalf("swept %d, callbacks %v", n, cleaned)
	}
	if _, ok := m.Lookup("idle"); ok {
		t.Fatal("idle session still registered")
	}
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Fatalf("session directory survived sweep")
	}
	runs, err := repo.ListRuns(ctx, "idle", "a", domain.MemorySessionID, 5)
	if err != nil || len(runs) != 0 {
		t.Fatalf("memory survived sweep: %d runs, %v", len(runs), err)
	}
	if idle.StatusHint() != StatusNeedsKey {
		t.Fatalf("status = %q", idle.StatusHint())
	}

	fresh, err := m.Get("fresh")
	if err != nil {
		t.Fatal(err)
	}
	if n := m.Sweep(ctx, time.Now(), nil); n != 0 {
		t.Fatalf("swept an active session")
	}
	if _, ok := m.Lookup(fresh.Key()); !ok {
		t.Fatal("active session dropped")
	}
}

func TestManagerSweepSkipsSessionWithRunningTurn(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewManager(ManagerConfig{WorkspaceDir: t.TempDir(), TTL: time.Minute, Builder: newBuilder(reply("ok"))})
	s, err := m.Get("busy")
	if err != nil {
		t.Fatal(err)
	}
	s.turnMu.Lock()
	if n := m.Sweep(ctx, time.Now().Add(2*time.Minute), nil); n != 0 {
		t.Fatalf("swept %d sessions during a turn", n)
	}
	if _, ok := m.Lookup("busy"); !ok {
		t.Fatal("busy session dropped")
	}
	if _, err := os.Stat(s.Dirs().Out); err != nil {
		t.Fatalf("busy session directory removed: %v", err)
	}

	if err := m.Close(ctx); !errors.Is(err, ErrTurnInProgress) {
		t.Fatalf("Close err = %v", err)
	}
	if _, err := os.Stat(s.Dirs().Out); err != nil {
		t.Fatalf("Close removed a busy session directory: %v", err)
	}
	s.turnMu.Unlock()

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("turn lock left held after sweep: %v", err)
	}
}

func TestManagerClose(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := NewManager(ManagerConfig{WorkspaceDir: dir, Builder: newBuilder(reply("ok"))})
	s, err := m.Get("k")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.Len() != 0 {
		t.Fatal("sessions left after Close")
	}
	if _, err := os.Stat(s.Dirs().Out); !os.IsNotExist(err) {
		t.Fatal("output directory left after Close")
	}
}
