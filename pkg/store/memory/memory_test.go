package memory

import (
	"context"
	"testing"

	"github.com/nstogner/storyloom/pkg/store"
	"github.com/nstogner/storyloom/pkg/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

func TestReturnedMessagesAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.CreateSession(ctx, &store.Session{ID: "s1"})
	s.AppendMessage(ctx, &store.Message{ID: "m1", SessionID: "s1", Role: store.RoleUser, Content: "original"})

	m, _ := s.GetMessage(ctx, "m1")
	m.Content = "mutated"
	list, _ := s.ListMessages(ctx, "s1")
	list[0].Content = "mutated too"

	got, _ := s.GetMessage(ctx, "m1")
	if got.Content != "original" {
		t.Errorf("stored content = %q, want %q", got.Content, "original")
	}
}
