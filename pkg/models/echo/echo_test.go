package echo

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/nstogner/storyloom/pkg/models"
)

func collect(t *testing.T, s models.ModelStream) (string, error) {
	t.Helper()
	var out strings.Builder
	for {
		chunk, err := s.Next()
		if errors.Is(err, io.EOF) {
			return out.String(), nil
		}
		if err != nil {
			return out.String(), err
		}
		out.WriteString(chunk)
	}
}

func TestStreamEchoesLastUserMessage(t *testing.T) {
	m := New(0)
	s, err := m.Stream(context.Background(), models.Request{Messages: []models.Message{
		{Role: models.RoleUser, Text: "first"},
		{Role: models.RoleModel, Text: "reply"},
		{Role: models.RoleUser, Text: "  a   fox  story "},
	}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	got, err := collect(t, s)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if got != "a fox story" {
		t.Errorf("got %q, want %q", got, "a fox story")
	}
}

func TestStreamNeedsUserMessage(t *testing.T) {
	if _, err := New(0).Stream(context.Background(), models.Request{}); err == nil {
		t.Error("Stream with no messages succeeded")
	}
}

func TestStreamStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s, err := New(time.Hour).Stream(ctx, models.Request{Messages: []models.Message{{Role: models.RoleUser, Text: "never arrives"}}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	cancel()
	if _, err := s.Next(); !errors.Is(err, context.Canceled) {
		t.Errorf("Next err = %v, want context.Canceled", err)
	}
}

func TestList(t *testing.T) {
	names, err := New(0).List(context.Background())
	if err != nil || len(names) != 1 || names[0] != Name {
		t.Errorf("List = %v, %v", names, err)
	}
}
