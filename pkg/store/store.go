// Package store persists the deployed-agent registry. The gateway runs with
// the in-memory store unless FORGE_DATABASE_URL points at Postgres.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/voiceforge/forge/pkg/agent"
)

var ErrNotFound = errors.New("agent not found")

// AgentStore is the registry the supervisor upserts into when a build
// finishes with a deployment, and the listing endpoint reads from.
type AgentStore interface {
	Upsert(ctx context.Context, rec agent.Record) error
	Get(ctx context.Context, agentID string) (agent.Record, error)
	List(ctx context.Context, tenantID string) ([]agent.Record, error)
	Close()
}

// Memory is the default store. Contents do not survive a restart.
type Memory struct {
	mu  sync.RWMutex
	m   map[string]agent.Record
	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{m: make(map[string]agent.Record), now: time.Now}
}

func (s *Memory) Upsert(_ context.Context, rec agent.Record) error {
	if rec.AgentID == "" {
		return errors.New("agent id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if prev, ok := s.m[rec.AgentID]; ok {
		rec.CreatedAt = prev.CreatedAt
	} else {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = "active"
	}
	s.m[rec.AgentID] = rec
	return nil
}

func (s *Memory) Get(_ context.Context, agentID string) (agent.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.m[agentID]
	if !ok {
		return agent.Record{}, ErrNotFound
	}
	return rec, nil
}

// List returns the tenant's agents, newest first. An empty tenant id lists
// everything, matching the single-tenant deployments that never send the
// header.
func (s *Memory) List(_ context.Context, tenantID string) ([]agent.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]agent.Record, 0, len(s.m))
	for _, rec := range s.m {
		if tenantID != "" && rec.TenantID != tenantID {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out, nil
}

func (s *Memory) Close() {}
