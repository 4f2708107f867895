package main

import (
	"reflect"
	"testing"

	"github.com/nstogner/storyloom/pkg/store"
	"github.com/nstogner/storyloom/pkg/transport"
)

func TestParseInput(t *testing.T) {
	tests := []struct {
		input       string
		prompt      string
		attachments []transport.Attachment
	}{
		{"a fox story", "a fox story", nil},
		{"/attach https://x/a.png\nthis one", "this one", []transport.Attachment{{URL: "https://x/a.png"}}},
		{"first\n  /attach  https://x/b.jpg \n/attach \nsecond", "first\nsecond", []transport.Attachment{{URL: "https://x/b.jpg"}}},
		{"/attach", "", nil},
		{"/attachment.png is my title", "/attachment.png is my title", nil},
		{"see\n/attach\thttps://x/c.gif", "see", []transport.Attachment{{URL: "https://x/c.gif"}}},
	}
	for _, tt := range tests {
		prompt, atts := parseInput(tt.input)
		if prompt != tt.prompt || !reflect.DeepEqual(atts, tt.attachments) {
			t.Errorf("parseInput(%q) = %q, %v; want %q, %v", tt.input, prompt, atts, tt.prompt, tt.attachments)
		}
	}
}

func TestNextSession(t *testing.T) {
	sessions := []store.Session{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	for current, want := range map[string]string{"a": "b", "c": "a", "unknown": "a"} {
		if got := nextSession(sessions, current); got != want {
			t.Errorf("nextSession(%q) = %q, want %q", current, got, want)
		}
	}
	if got := nextSession(nil, "a"); got != "" {
		t.Errorf("nextSession(nil) = %q", got)
	}
}

func TestLastStory(t *testing.T) {
	msgs := []store.Message{
		{ID: "u1", Role: store.RoleUser, Type: store.TypeText},
		{ID: "a1", Role: store.RoleAssistant, Type: store.TypeText},
		{ID: "h1", Role: store.RoleAssistant, Type: store.TypeHighlightReel},
		{ID: "r1", Role: store.RoleAssistant, Type: store.TypeRecommendation},
	}
	if got := lastStory(msgs); got != "a1" {
		t.Errorf("lastStory = %q, want a1", got)
	}
	if got := lastStory(msgs[:1]); got != "" {
		t.Errorf("lastStory with no story = %q", got)
	}
}
