package generation

import "testing"

func TestNext(t *testing.T) {
	tests := []struct {
		from   Status
		ev     Event
		want   Status
		wantOK bool
	}{
		{StatusIdle, EventStart, StatusPreviewStreaming, true},
		{StatusPreviewStreaming, EventStart, StatusPreviewStreaming, false},
		{StatusIdle, EventMeta, StatusIdle, true},
		{StatusPreviewStreaming, EventMeta, StatusPreviewStreaming, true},
		{StatusPreviewStreaming, EventPreview, StatusPreviewStreaming, true},
		{StatusIdle, EventPreview, StatusPreviewStreaming, true},
		{StatusCanvasStreaming, EventPreview, StatusCanvasStreaming, false},
		{StatusPreviewStreaming, EventStageEnd, StatusAwaitingCanvas, true},
		{StatusCanvasStreaming, EventStageEnd, StatusCanvasStreaming, true},
		{StatusAwaitingCanvas, EventDelta, StatusCanvasStreaming, true},
		{StatusPreviewStreaming, EventDelta, StatusCanvasStreaming, true},
		{StatusCanvasStreaming, EventDelta, StatusCanvasStreaming, true},
		{StatusCanvasStreaming, EventFinal, StatusCompleted, true},
		{StatusIdle, EventFinal, StatusCompleted, true},
		{StatusAwaitingCanvas, EventError, StatusFailed, true},
		{StatusCanvasStreaming, EventCancelled, StatusStopped, true},
		{StatusPreviewStreaming, EventStop, StatusStopped, true},
		// Terminal states never move.
		{StatusCompleted, EventError, StatusCompleted, false},
		{StatusStopped, EventDelta, StatusStopped, false},
		{StatusFailed, EventFinal, StatusFailed, false},
		{StatusStopped, EventStop, StatusStopped, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+tt.ev.String(), func(t *testing.T) {
			got, ok := Next(tt.from, tt.ev)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("Next(%s, %s) = (%s, %v), want (%s, %v)", tt.from, tt.ev, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestStopNeverFails(t *testing.T) {
	for _, s := range []Status{StatusIdle, StatusPreviewStreaming, StatusAwaitingCanvas, StatusCanvasStreaming} {
		if got, _ := Next(s, EventStop); got != StatusStopped {
			t.Errorf("Next(%s, stop) = %s, want %s", s, got, StatusStopped)
		}
		if got, _ := Next(s, EventCancelled); got != StatusStopped {
			t.Errorf("Next(%s, cancelled) = %s, want %s", s, got, StatusStopped)
		}
	}
}

type countingHandle struct{ aborts int }

func (h *countingHandle) Abort() { h.aborts++ }

func TestRecordDetach(t *testing.T) {
	h := &countingHandle{}
	r := &Record{SessionID: "s1", Status: StatusCanvasStreaming, Handle: h, Attached: true}

	r.Detach()
	r.Detach()

	if h.aborts != 1 {
		t.Errorf("aborts = %d, want 1", h.aborts)
	}
	if r.Attached || r.Handle != nil {
		t.Errorf("record still attached: %+v", r)
	}
	if r.Status != StatusCanvasStreaming {
		t.Errorf("Detach changed status to %s", r.Status)
	}
}

func TestTableActive(t *testing.T) {
	tbl := NewTable()
	tbl.Put(&Record{SessionID: "a", Status: StatusCanvasStreaming})
	tbl.Put(&Record{SessionID: "b", Status: StatusCompleted})
	tbl.Put(&Record{SessionID: "a", Status: StatusPreviewStreaming})

	if got := tbl.Active(); got != 1 {
		t.Errorf("Active = %d, want 1", got)
	}
	tbl.Delete("a")
	if tbl.Get("a") != nil {
		t.Error("record a still present after Delete")
	}
}
