// Package echo is an offline model provider. It streams the last user
// message back word by word, which is enough to drive the job pipeline
// without credentials.
package echo

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nstogner/storyloom/pkg/models"
)

// Name is the only model the provider lists.
const Name = "echo"

// Model implements models.ModelProvider.
type Model struct {
	// Delay is the pause before each chunk.
	Delay time.Duration
}

var _ models.ModelProvider = (*Model)(nil)

// New creates an echo provider.
func New(delay time.Duration) *Model {
	return &Model{Delay: delay}
}

func (m *Model) List(ctx context.Context) ([]string, error) {
	return []string{Name}, nil
}

func (m *Model) Stream(ctx context.Context, req models.Request) (models.ModelStream, error) {
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == models.RoleUser && req.Messages[i].Text != "" {
			last = req.Messages[i].Text
			break
		}
	}
	if last == "" {
		return nil, fmt.Errorf("echo: no user message to echo")
	}
	return &stream{ctx: ctx, delay: m.Delay, words: strings.Fields(last)}, nil
}

type stream struct {
	ctx   context.Context
	delay time.Duration
	words []string
	i     int
}

func (s *stream) Next() (string, error) {
	if s.i >= len(s.words) {
		return "", io.EOF
	}
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return "", s.ctx.Err()
		case <-t.C:
		}
	} else if err := s.ctx.Err(); err != nil {
		return "", err
	}

	w := s.words[s.i]
	s.i++
	if s.i < len(s.words) {
		w += " "
	}
	return w, nil
}

func (s *stream) Close() error { return nil }
