package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voiceforge/forge/pkg/agent"
)

// Registry maps session ids to live sessions. Sessions are created on first
// use and evicted only by the idle janitor; a running build pins its session.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	// IdleTTL is how long a session may sit untouched before the janitor
	// removes it. Zero disables eviction (the legacy behavior: sessions live
	// for the process lifetime).
	IdleTTL time.Duration

	Logger *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(idleTTL time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		IdleTTL:  idleTTL,
		Logger:   logger,
	}
}

// GetOrCreate returns the session for id, creating it under the registry
// lock if absent. Idempotent per id: concurrent calls with the same unseen
// id observe the same session object.
func (r *Registry) GetOrCreate(id, tenantID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		return s
	}
	now := time.Now()
	s := &Session{
		ID:          id,
		TenantID:    tenantID,
		fields:      agent.Fields{},
		buildStatus: agent.BuildNotStarted,
		createdAt:   now,
		lastActive:  now,
	}
	r.sessions[id] = s
	r.Logger.Info("session created", "session_id", id, "tenant_id", tenantID)
	return s
}

// Get returns the session for id if it exists.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// UpdateFields merges patch into the session's extracted fields (non-empty
// precedence). Reports false when the session does not exist.
func (r *Registry) UpdateFields(id string, patch agent.Fields) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	s.mu.Lock()
	s.fields = s.fields.Merge(patch)
	s.lastActive = time.Now()
	s.mu.Unlock()
	return true
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// EvictIdle removes sessions idle for longer than IdleTTL. Running builds
// are never evicted mid-flight. Returns the number removed.
func (r *Registry) EvictIdle(now time.Time) int {
	if r.IdleTTL <= 0 {
		return 0
	}

	r.mu.Lock()
	var stale []*Session
	for _, s := range r.sessions {
		if s.idleSince(now) > r.IdleTTL && s.BuildStatus() != agent.BuildRunning {
			stale = append(stale, s)
		}
	}
	for _, s := range stale {
		delete(r.sessions, s.ID)
	}
	r.mu.Unlock()

	for _, s := range stale {
		r.Logger.Info("session evicted", "session_id", s.ID, "idle", r.IdleTTL.String())
	}
	return len(stale)
}

// RunJanitor periodically evicts idle sessions until ctx is canceled.
func (r *Registry) RunJanitor(ctx context.Context, interval time.Duration) {
	if r.IdleTTL <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.EvictIdle(now)
		}
	}
}
