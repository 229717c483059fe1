package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voiceforge/forge/pkg/agent"
)

func TestMemory_UpsertAndGet(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	if err := s.Upsert(ctx, agent.Record{AgentID: "ag_1", SessionID: "s1", Name: "Acme Agent"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rec, err := s.Get(ctx, "ag_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Name != "Acme Agent" {
		t.Fatalf("name=%q", rec.Name)
	}
	if rec.Status != "active" {
		t.Fatalf("status=%q, want default active", rec.Status)
	}
	if rec.CreatedAt.IsZero() || rec.UpdatedAt.IsZero() {
		t.Fatalf("expected timestamps to be set: %+v", rec)
	}

	if _, err := s.Get(ctx, "ag_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
}

func TestMemory_UpsertPreservesCreatedAt(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return base }
	if err := s.Upsert(ctx, agent.Record{AgentID: "ag_1", Name: "v1"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	s.now = func() time.Time { return base.Add(time.Hour) }
	if err := s.Upsert(ctx, agent.Record{AgentID: "ag_1", Name: "v2"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rec, err := s.Get(ctx, "ag_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Name != "v2" {
		t.Fatalf("name=%q, want v2", rec.Name)
	}
	if !rec.CreatedAt.Equal(base) {
		t.Fatalf("created_at=%v, want %v", rec.CreatedAt, base)
	}
	if !rec.UpdatedAt.Equal(base.Add(time.Hour)) {
		t.Fatalf("updated_at=%v", rec.UpdatedAt)
	}
}

func TestMemory_UpsertRequiresAgentID(t *testing.T) {
	s := NewMemory()
	if err := s.Upsert(context.Background(), agent.Record{Name: "nameless"}); err == nil {
		t.Fatal("expected error for missing agent id")
	}
}

func TestMemory_ListTenantScoped(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, rec := range []agent.Record{
		{AgentID: "ag_a", TenantID: "t1"},
		{AgentID: "ag_b", TenantID: "t2"},
		{AgentID: "ag_c", TenantID: "t1"},
	} {
		tick := base.Add(time.Duration(i) * time.Minute)
		s.now = func() time.Time { return tick }
		if err := s.Upsert(ctx, rec); err != nil {
			t.Fatalf("upsert %s: %v", rec.AgentID, err)
		}
	}

	got, err := s.List(ctx, "t1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len=%d, want 2", len(got))
	}
	// Newest first.
	if got[0].AgentID != "ag_c" || got[1].AgentID != "ag_a" {
		t.Fatalf("order=%s,%s", got[0].AgentID, got[1].AgentID)
	}

	all, err := s.List(ctx, "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len=%d, want 3", len(all))
	}
}
