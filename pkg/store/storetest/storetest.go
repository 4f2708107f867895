// Package storetest holds the behaviour every store.Store backend must share.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nstogner/storyloom/pkg/store"
)

// Run exercises a store.Store implementation. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("SessionCRUD", func(t *testing.T) { testSessionCRUD(t, newStore(t)) })
	t.Run("AppendAndList", func(t *testing.T) { testAppendAndList(t, newStore(t)) })
	t.Run("UpdateInPlace", func(t *testing.T) { testUpdateInPlace(t, newStore(t)) })
	t.Run("TruncateAfter", func(t *testing.T) { testTruncateAfter(t, newStore(t)) })
	t.Run("ClearMessages", func(t *testing.T) { testClearMessages(t, newStore(t)) })
	t.Run("DeleteSessionCascades", func(t *testing.T) { testDeleteSessionCascades(t, newStore(t)) })
	t.Run("JobRefs", func(t *testing.T) { testJobRefs(t, newStore(t)) })
	t.Run("Subscribe", func(t *testing.T) { testSubscribe(t, newStore(t)) })
}

func mustCreateSession(t *testing.T, s store.Store, id string) {
	t.Helper()
	if err := s.CreateSession(context.Background(), &store.Session{ID: id, Title: "title " + id}); err != nil {
		t.Fatalf("CreateSession(%s): %v", id, err)
	}
}

func appendText(t *testing.T, s store.Store, sessionID string, role store.Role, content string) string {
	t.Helper()
	id := uuid.New().String()
	if err := s.AppendMessage(context.Background(), &store.Message{
		ID:        id,
		SessionID: sessionID,
		Role:      role,
		Content:   content,
	}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	return id
}

func testSessionCRUD(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreateSession(t, s, "s1")

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Title != "title s1" {
		t.Errorf("Title = %q, want %q", got.Title, "title s1")
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	got.Title = "renamed"
	got.Model = "echo"
	if err := s.UpdateSession(ctx, got); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	got2, _ := s.GetSession(ctx, "s1")
	if got2.Title != "renamed" || got2.Model != "echo" {
		t.Errorf("after update = (%q, %q), want (renamed, echo)", got2.Title, got2.Model)
	}

	time.Sleep(5 * time.Millisecond)
	mustCreateSession(t, s, "s2")
	sessions, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("ListSessions len = %d, want 2", len(sessions))
	}
	if sessions[0].ID != "s2" {
		t.Errorf("most recent session = %q, want s2", sessions[0].ID)
	}

	if _, err := s.GetSession(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetSession(missing) error = %v, want ErrNotFound", err)
	}
	if err := s.UpdateSession(ctx, &store.Session{ID: "missing"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("UpdateSession(missing) error = %v, want ErrNotFound", err)
	}
}

func testAppendAndList(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreateSession(t, s, "s1")
	mustCreateSession(t, s, "s2")

	for i := 0; i < 5; i++ {
		appendText(t, s, "s1", store.RoleUser, fmt.Sprintf("msg-%d", i))
	}
	appendText(t, s, "s2", store.RoleUser, "other")

	msgs, err := s.ListMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("ListMessages len = %d, want 5", len(msgs))
	}
	for i, m := range msgs {
		if want := fmt.Sprintf("msg-%d", i); m.Content != want {
			t.Errorf("msgs[%d].Content = %q, want %q", i, m.Content, want)
		}
		if m.Type != store.TypeText {
			t.Errorf("msgs[%d].Type = %q, want default %q", i, m.Type, store.TypeText)
		}
	}

	if _, err := s.GetMessage(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetMessage(missing) error = %v, want ErrNotFound", err)
	}
}

func testUpdateInPlace(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreateSession(t, s, "s1")
	first := appendText(t, s, "s1", store.RoleUser, "hello")
	target := appendText(t, s, "s1", store.RoleAssistant, "")
	appendText(t, s, "s1", store.RoleUser, "after")

	m, err := s.GetMessage(ctx, target)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	m.Content = "Hi"
	m.FullContent = "Hi there"
	m.StatusText = "Drafting"
	m.Streaming = true
	m.Thinking = false
	m.Expanded = true
	if err := s.UpdateMessage(ctx, m); err != nil {
		t.Fatalf("UpdateMessage: %v", err)
	}

	msgs, _ := s.ListMessages(ctx, "s1")
	if len(msgs) != 3 {
		t.Fatalf("ListMessages len = %d, want 3", len(msgs))
	}
	if msgs[0].ID != first || msgs[1].ID != target {
		t.Fatalf("update moved the message: order = %s, %s", msgs[0].ID, msgs[1].ID)
	}
	got := msgs[1]
	if got.Content != "Hi" || got.FullContent != "Hi there" || got.StatusText != "Drafting" {
		t.Errorf("updated message = %+v", got)
	}
	if !got.Streaming || got.Thinking || !got.Expanded || got.Error {
		t.Errorf("flags = streaming:%v thinking:%v expanded:%v error:%v", got.Streaming, got.Thinking, got.Expanded, got.Error)
	}

	if err := s.UpdateMessage(ctx, &store.Message{ID: "missing", SessionID: "s1"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("UpdateMessage(missing) error = %v, want ErrNotFound", err)
	}
}

func testTruncateAfter(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreateSession(t, s, "s1")
	appendText(t, s, "s1", store.RoleUser, "prompt")
	target := appendText(t, s, "s1", store.RoleAssistant, "answer")
	appendText(t, s, "s1", store.RoleAssistant, "highlight")
	appendText(t, s, "s1", store.RoleAssistant, "recommendation")

	if err := s.TruncateAfter(ctx, "s1", target); err != nil {
		t.Fatalf("TruncateAfter: %v", err)
	}
	msgs, _ := s.ListMessages(ctx, "s1")
	if len(msgs) != 2 {
		t.Fatalf("after truncate len = %d, want 2", len(msgs))
	}
	if msgs[1].ID != target {
		t.Errorf("last message = %s, want %s", msgs[1].ID, target)
	}

	// Appending after a truncate continues the order.
	appendText(t, s, "s1", store.RoleUser, "next")
	msgs, _ = s.ListMessages(ctx, "s1")
	if len(msgs) != 3 || msgs[2].Content != "next" {
		t.Errorf("append after truncate = %+v", msgs)
	}

	if err := s.TruncateAfter(ctx, "s1", "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("TruncateAfter(missing) error = %v, want ErrNotFound", err)
	}
}

func testClearMessages(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreateSession(t, s, "s1")
	id := appendText(t, s, "s1", store.RoleUser, "a")
	appendText(t, s, "s1", store.RoleUser, "b")

	if err := s.ClearMessages(ctx, "s1"); err != nil {
		t.Fatalf("ClearMessages: %v", err)
	}
	msgs, _ := s.ListMessages(ctx, "s1")
	if len(msgs) != 0 {
		t.Errorf("after clear len = %d, want 0", len(msgs))
	}
	if _, err := s.GetMessage(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetMessage after clear error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetSession(ctx, "s1"); err != nil {
		t.Errorf("session removed by ClearMessages: %v", err)
	}
}

func testDeleteSessionCascades(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreateSession(t, s, "s1")
	id := appendText(t, s, "s1", store.RoleUser, "a")
	if err := s.PutJobRef(ctx, &store.JobRef{SessionID: "s1", JobID: "job-1", MessageID: id}); err != nil {
		t.Fatalf("PutJobRef: %v", err)
	}

	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := s.GetSession(ctx, "s1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetSession after delete error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetMessage(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetMessage after delete error = %v, want ErrNotFound", err)
	}
	refs, _ := s.ListJobRefs(ctx)
	if len(refs) != 0 {
		t.Errorf("job refs after delete = %d, want 0", len(refs))
	}
	if err := s.DeleteSession(ctx, "s1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second DeleteSession error = %v, want ErrNotFound", err)
	}
}

func testJobRefs(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.PutJobRef(ctx, &store.JobRef{SessionID: "s1", JobID: "job-1", MessageID: "m1", Status: "pending"}); err != nil {
		t.Fatalf("PutJobRef: %v", err)
	}
	if err := s.PutJobRef(ctx, &store.JobRef{SessionID: "s1", JobID: "job-2", MessageID: "m2", Status: "pending"}); err != nil {
		t.Fatalf("PutJobRef replace: %v", err)
	}

	refs, err := s.ListJobRefs(ctx)
	if err != nil {
		t.Fatalf("ListJobRefs: %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("ListJobRefs len = %d, want 1", len(refs))
	}
	if refs[0].JobID != "job-2" || refs[0].MessageID != "m2" {
		t.Errorf("job ref = %+v, want job-2/m2", refs[0])
	}

	if err := s.DeleteJobRef(ctx, "s1"); err != nil {
		t.Fatalf("DeleteJobRef: %v", err)
	}
	if err := s.DeleteJobRef(ctx, "s1"); err != nil {
		t.Errorf("DeleteJobRef on missing ref: %v", err)
	}
	refs, _ = s.ListJobRefs(ctx)
	if len(refs) != 0 {
		t.Errorf("ListJobRefs after delete len = %d, want 0", len(refs))
	}
}

func testSubscribe(t *testing.T, s store.Store) {
	mustCreateSession(t, s, "s1")
	ch := s.Subscribe()

	appendText(t, s, "s1", store.RoleUser, "hello")

	select {
	case id := <-ch:
		if id != "s1" {
			t.Errorf("subscriber got %q, want %q", id, "s1")
		}
	default:
		t.Error("subscriber did not receive event")
	}
}
