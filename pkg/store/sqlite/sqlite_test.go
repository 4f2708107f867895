package sqlite

import (
	"context"
	"testing"

	"github.com/nstogner/storyloom/pkg/store"
	"github.com/nstogner/storyloom/pkg/store/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return newTestStore(t) })
}

func TestSurvivesReopen(t *testing.T) {
	path := t.TempDir() + "/persist.db"
	ctx := context.Background()

	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.CreateSession(ctx, &store.Session{ID: "s1", Title: "kept"})
	s.AppendMessage(ctx, &store.Message{
		ID:          "m1",
		SessionID:   "s1",
		Role:        store.RoleAssistant,
		Type:        store.TypePreview,
		Content:     "Hi",
		FullContent: "Hi there",
		Thinking:    true,
	})
	s.PutJobRef(ctx, &store.JobRef{SessionID: "s1", JobID: "job-1", MessageID: "m1", Status: "pending"})
	s.Close()

	s2, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	m, err := s2.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMessage after reopen: %v", err)
	}
	if m.Type != store.TypePreview || m.FullContent != "Hi there" || !m.Thinking {
		t.Errorf("message after reopen = %+v", m)
	}
	refs, _ := s2.ListJobRefs(ctx)
	if len(refs) != 1 || refs[0].JobID != "job-1" {
		t.Errorf("job refs after reopen = %+v", refs)
	}
}
