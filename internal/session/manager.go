package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/datalab/internal/provider"
	"github.com/ashureev/datalab/internal/shared"
	"github.com/ashureev/datalab/internal/store"
)

// Directory names inside a session root.
const (
	OutputDirName = "temp_charts"
	UploadDirName = "uploads"
)

const (
	ttlWorkerInterval = 5 * time.Minute
	// orphanRunAge is the age after which memory runs are removed even if
	// their session was never swept, e.g. after a restart.
	orphanRunAge = 7 * 24 * time.Hour
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	WorkspaceDir string
	TTL          time.Duration
	Builder      Builder
	Providers    *provider.Registry
	Repo         store.Repository
}

// CleanupCallback is called after the TTL worker drops a session.
type CleanupCallback func(key string)

// Manager owns the sessions of all browser tabs, keyed by identity.
type Manager struct {
	cfg ManagerConfig

	mu       sync.Mutex
	sessions map[string]*State
}

// NewManager returns an empty manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Providers == nil {
		cfg.Providers = provider.Default()
	}
	return &Manager{cfg: cfg, sessions: make(map[string]*State)}
}

// Providers returns the provider catalog sessions use.
func (m *Manager) Providers() *provider.Registry { return m.cfg.Providers }

// Root returns the directory holding the session's files.
func (m *Manager) Root(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(m.cfg.WorkspaceDir, hex.EncodeToString(sum[:8]))
}

// Get returns the session for key, creating and initializing it on first
// use.
func (m *Manager) Get(key string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		return s, nil
	}

	root := m.Root(key)
	opts := Options{
		Key:       key,
		Dirs:      Dirs{Out: filepath.Join(root, OutputDirName), Uploads: filepath.Join(root, UploadDirName)},
		Builder:   m.cfg.Builder,
		Providers: m.cfg.Providers,
	}
	if m.cfg.Repo != nil {
		opts.Memory = m.cfg.Repo
	}
	s := New(opts)
	if err := s.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize session: %w", err)
	}
	m.sessions[key] = s
	slog.Info("Session created", "session", key, "dir", root)
	return s, nil
}

// Lookup returns an existing session.
func (m *Manager) Lookup(key string) (*State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	return s, ok
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// StartTTLWorker runs a background goroutine that periodically drops
// sessions idle for longer than the configured TTL.
func (m *Manager) StartTTLWorker(ctx context.Context, onCleanup CleanupCallback) {
	if m.cfg.TTL <= 0 {
		return
	}
	ticker := time.NewTicker(ttlWorkerInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", ttlWorkerInterval, "ttl", m.cfg.TTL)

		for {
			select {
			case <-ticker.C:
				m.Sweep(ctx, time.Now(), onCleanup)
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep clears and drops every session idle since before now minus the TTL.
// Sessions with a running turn are skipped and stay registered. It returns
// the number dropped.
func (m *Manager) Sweep(ctx context.Context, now time.Time, onCleanup CleanupCallback) int {
	cutoff := now.Add(-m.cfg.TTL)

	m.mu.Lock()
	var expired []*State
	for key, s := range m.sessions {
		if !s.LastActive().Before(cutoff) || !s.turnMu.TryLock() {
			continue
		}
		expired = append(expired, s)
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	if len(expired) > 0 {
		slog.Info("TTL worker found expired sessions", "count", len(expired))
	}
	for _, s := range expired {
		if err := m.drop(ctx, s); err != nil {
			slog.Warn("TTL worker failed to clean up session", "session", s.Key(), "error", err)
		}
		if onCleanup != nil {
			onCleanup(s.Key())
		}
	}

	if m.cfg.Repo != nil {
		var deleted int64
		err := shared.RetryOnConflict(ctx, "delete orphaned runs", 3, 100*time.Millisecond, func() error {
			var err error
			deleted, err = m.cfg.Repo.DeleteRunsBefore(ctx, now.Add(-orphanRunAge))
			return err
		})
		if err != nil {
			slog.Error("TTL worker failed to cleanup orphaned agent runs", "error", err)
		} else if deleted > 0 {
			slog.Info("TTL worker cleaned up orphaned agent runs", "count", deleted)
		}
	}
	return len(expired)
}

// drop clears s and removes its directory, then releases the turn lock the
// caller took.
func (m *Manager) drop(ctx context.Context, s *State) error {
	defer s.turnMu.Unlock()
	err := shared.RetryOnConflict(ctx, "clear session", 3, 100*time.Millisecond, func() error {
		return s.clear(ctx)
	})
	if rmErr := os.RemoveAll(m.Root(s.Key())); rmErr != nil {
		err = errors.Join(err, rmErr)
	}
	return err
}

// Close clears and drops every session. A session still running a turn is
// left on disk and reported in the returned error.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*State)
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if !s.turnMu.TryLock() {
			errs = append(errs, fmt.Errorf("session %s: %w", s.Key(), ErrTurnInProgress))
			continue
		}
		if err := m.drop(ctx, s); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.Key(), err))
		}
	}
	return errors.Join(errs...)
}
