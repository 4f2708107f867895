package jobs

import (
	"context"
	"errors"
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/nstogner/storyloom/pkg/models"
	"github.com/nstogner/storyloom/pkg/models/echo"
	"github.com/nstogner/storyloom/pkg/transport"
)

// MockProvider streams whatever is sent on Chunks, one call at a time.
type MockProvider struct {
	Chunks chan string
	Err    error
}

func (p *MockProvider) List(ctx context.Context) ([]string, error) {
	return []string{"mock"}, nil
}

func (p *MockProvider) Stream(ctx context.Context, req models.Request) (models.ModelStream, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	return &MockStream{ctx: ctx, chunks: p.Chunks}, nil
}

type MockStream struct {
	ctx    context.Context
	chunks chan string
}

// Next returns io.EOF when an empty chunk arrives.
func (s *MockStream) Next() (string, error) {
	select {
	case <-s.ctx.Done():
		return "", s.ctx.Err()
	case c := <-s.chunks:
		if c == "" {
			return "", io.EOF
		}
		return c, nil
	}
}

func (s *MockStream) Close() error { return nil }

func newManager(t *testing.T, p models.ModelProvider) *Manager {
	t.Helper()
	m := NewManager(p, Config{Model: "test-model"}, nil)
	t.Cleanup(m.Close)
	return m
}

func drain(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("timed out after %d events", len(events))
		}
	}
}

func types(events []Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestJobCompletes(t *testing.T) {
	m := newManager(t, echo.New(0))
	id, err := m.Submit(transport.Request{SessionID: "s1", Prompt: "a fox story"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ch, unsubscribe, err := m.Subscribe(id)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	events := drain(t, ch)
	want := []string{
		EventStart, EventMeta,
		EventStageStart, EventPreview, EventPreview, EventPreview, EventStageEnd,
		EventStageStart, EventDelta, EventDelta, EventDelta, EventDelta, EventDelta, EventStageEnd,
		EventFinal,
	}
	if got := types(events); !reflect.DeepEqual(got, want) {
		t.Fatalf("event types = %v\nwant %v", got, want)
	}
	for _, ev := range events {
		if ev.JobID != id {
			t.Errorf("event %s has job id %q", ev.Type, ev.JobID)
		}
	}
	if st := events[2].Stage; st == nil || st.Name != "concept" {
		t.Errorf("first stage = %+v, want concept", st)
	}
	if st := events[7].Stage; st == nil || st.Name != "draft" {
		t.Errorf("second stage = %+v, want draft", st)
	}
	if got := events[5].Text; got != "a fox story" {
		t.Errorf("last preview = %q", got)
	}

	final := events[len(events)-1].Result
	if final == nil || final.Content != "Write the full story now." {
		t.Fatalf("final result = %+v", final)
	}
	if !reflect.DeepEqual(final.Highlights, []string{"Write the full story now."}) {
		t.Errorf("highlights = %v", final.Highlights)
	}

	st, err := m.Status(id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Status != transport.JobDone || st.Result == nil || st.Partial != "" {
		t.Errorf("status = %+v", st)
	}
}

func TestSubscribeAfterFinishReplays(t *testing.T) {
	m := newManager(t, echo.New(0))
	id, _ := m.Submit(transport.Request{Prompt: "short"})
	waitFor(t, "job to finish", func() bool {
		st, _ := m.Status(id)
		return st.Status == transport.JobDone
	})

	ch, _, err := m.Subscribe(id)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	events := drain(t, ch)
	if len(events) == 0 || events[0].Type != EventStart || events[len(events)-1].Type != EventFinal {
		t.Errorf("replayed %v", types(events))
	}
}

func TestStatusReportsPartialProgress(t *testing.T) {
	p := &MockProvider{Chunks: make(chan string)}
	m := newManager(t, p)
	id, _ := m.Submit(transport.Request{Prompt: "go"})

	p.Chunks <- "A pitch"
	waitFor(t, "preview partial", func() bool {
		st, _ := m.Status(id)
		return st.Partial == "A pitch" && st.Stage != nil && st.Stage.Name == "concept"
	})

	p.Chunks <- ""
	p.Chunks <- "Once"
	waitFor(t, "canvas partial", func() bool {
		st, _ := m.Status(id)
		return st.Partial == "Once" && st.Stage != nil && st.Stage.Name == "draft"
	})

	p.Chunks <- " more."
	p.Chunks <- ""
	waitFor(t, "completion", func() bool {
		st, _ := m.Status(id)
		return st.Status == transport.JobDone
	})
	st, _ := m.Status(id)
	if st.Result.Content != "Once more." {
		t.Errorf("content = %q", st.Result.Content)
	}
}

func TestCancel(t *testing.T) {
	m := newManager(t, echo.New(time.Hour))
	id, _ := m.Submit(transport.Request{Prompt: "never finishes"})
	ch, _, _ := m.Subscribe(id)

	if err := m.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	events := drain(t, ch)
	if last := events[len(events)-1]; last.Type != EventCancelled {
		t.Errorf("last event = %s, want cancelled", last.Type)
	}
	st, _ := m.Status(id)
	if st.Status != transport.JobCancelled {
		t.Errorf("status = %s", st.Status)
	}

	if err := m.Cancel(id); err != nil {
		t.Errorf("second Cancel: %v", err)
	}
	if err := m.Cancel("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown job: err = %v", err)
	}
}

func TestProviderFailure(t *testing.T) {
	m := newManager(t, &MockProvider{Err: errors.New("model overloaded")})
	id, _ := m.Submit(transport.Request{Prompt: "go"})
	ch, _, _ := m.Subscribe(id)

	events := drain(t, ch)
	last := events[len(events)-1]
	if last.Type != EventError || last.Error != "model overloaded" {
		t.Errorf("last event = %+v", last)
	}
	st, _ := m.Status(id)
	if st.Status != transport.JobFailed || st.ErrorMessage != "model overloaded" {
		t.Errorf("status = %+v", st)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m := newManager(t, echo.New(time.Hour))
	id, _ := m.Submit(transport.Request{Prompt: "slow"})
	ch, unsubscribe, _ := m.Subscribe(id)
	unsubscribe()
	unsubscribe()

	drain(t, ch)
	st, _ := m.Status(id)
	if st.Status != transport.JobPending {
		t.Errorf("unsubscribing changed the job: %+v", st)
	}
}

func TestSubmitValidation(t *testing.T) {
	m := newManager(t, echo.New(0))
	if _, err := m.Submit(transport.Request{}); err == nil {
		t.Error("Submit with no prompt succeeded")
	}
	if _, err := m.Status("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Status err = %v", err)
	}
}

func TestList(t *testing.T) {
	m := newManager(t, echo.New(time.Hour))
	a, _ := m.Submit(transport.Request{Prompt: "one"})
	time.Sleep(time.Millisecond)
	b, _ := m.Submit(transport.Request{Prompt: "two"})

	list := m.List()
	if len(list) != 2 || list[0].ID != a || list[1].ID != b {
		t.Errorf("List = %+v", list)
	}
}

func TestHighlights(t *testing.T) {
	tests := []struct {
		content string
		want    []string
	}{
		{"", nil},
		{"No punctuation", []string{"No punctuation"}},
		{"One. Two.\n\nThree! Four.\nFive?\nSix.", []string{"One.", "Three!", "Five?"}},
	}
	for _, tt := range tests {
		if got := highlights(tt.content, 3); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("highlights(%q) = %v, want %v", tt.content, got, tt.want)
		}
	}
}

func TestEmitCopiesStage(t *testing.T) {
	j := newJob("job-1", transport.Request{Prompt: "go"}, func() {})
	stage := transport.StageInfo{Name: "concept", Index: 0}
	j.emit(Event{Type: EventStageStart, Stage: &stage})
	stage = transport.StageInfo{Name: "draft", Index: 3}

	if got := j.history[0].Stage.Name; got != "concept" {
		t.Errorf("recorded stage = %q after caller reused its variable", got)
	}
	if st := j.status(); st.Stage == nil || st.Stage.Name != "concept" {
		t.Errorf("status stage = %+v", st.Stage)
	}
}
