package jobs

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/nstogner/storyloom/pkg/models"
	"github.com/nstogner/storyloom/pkg/transport"
)

const (
	conceptInstruction = "You are a story editor. Pitch the story the user asks for in a short paragraph: premise, setting and main character. Do not write the story itself."
	draftInstruction   = "You are a novelist. Write the full story the user asked for, following the pitch you gave. Use paragraphs and no headings."
	draftPrompt        = "Write the full story now."

	maxHighlights = 3
)

var (
	conceptStage = transport.StageInfo{Name: "concept", Index: 0}
	draftStage   = transport.StageInfo{Name: "draft", Index: 3}
)

// run generates a pitch (the preview) and then the story (the canvas).
func (m *Manager) run(ctx context.Context, j *job) {
	select {
	case m.slots <- struct{}{}:
		defer func() { <-m.slots }()
	case <-ctx.Done():
		m.finish(j, ctx.Err())
		return
	}

	user := models.Message{Role: models.RoleUser, Text: j.req.Prompt}
	for _, a := range j.req.Attachments {
		user.Images = append(user.Images, models.Image{URL: a.URL, MediaType: a.MediaType})
	}

	j.startStage(conceptStage)
	var pitch strings.Builder
	err := m.generate(ctx, models.Request{
		Model:    j.req.Model,
		System:   conceptInstruction,
		Messages: []models.Message{user},
	}, func(chunk string) {
		pitch.WriteString(chunk)
		j.emit(Event{Type: EventPreview, Text: pitch.String()})
	})
	if err != nil {
		m.finish(j, err)
		return
	}
	j.emit(Event{Type: EventStageEnd})

	j.startStage(draftStage)
	var story strings.Builder
	err = m.generate(ctx, models.Request{
		Model:  j.req.Model,
		System: draftInstruction,
		Messages: []models.Message{
			user,
			{Role: models.RoleModel, Text: pitch.String()},
			{Role: models.RoleUser, Text: draftPrompt},
		},
	}, func(chunk string) {
		story.WriteString(chunk)
		j.emit(Event{Type: EventDelta, Text: chunk})
	})
	if err != nil {
		m.finish(j, err)
		return
	}
	j.emit(Event{Type: EventStageEnd})

	content := story.String()
	j.emit(Event{Type: EventFinal, Result: &transport.FinalResult{
		Content:    content,
		Highlights: highlights(content, maxHighlights),
	}})
	m.logger.Info("Job completed", "jobID", j.id, "chars", len(content))
}

// generate streams one model call into onChunk.
func (m *Manager) generate(ctx context.Context, req models.Request, onChunk func(string)) error {
	stream, err := m.provider.Stream(ctx, req)
	if err != nil {
		return err
	}
	defer stream.Close()
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if chunk != "" {
			onChunk(chunk)
		}
	}
}

// finish ends a job that did not complete.
func (m *Manager) finish(j *job, err error) {
	if j.wasCancelled() {
		j.emit(Event{Type: EventCancelled})
		m.logger.Info("Job cancelled", "jobID", j.id)
		return
	}
	if isContextErr(err) {
		j.emit(Event{Type: EventError, Error: "server shutting down"})
		m.logger.Warn("Job aborted by shutdown", "jobID", j.id)
		return
	}
	j.emit(Event{Type: EventError, Error: err.Error()})
	m.logger.Error("Job failed", "jobID", j.id, "error", err)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// highlights picks the opening sentence of the first paragraphs.
func highlights(content string, limit int) []string {
	var out []string
	for _, para := range strings.Split(content, "\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		sentence := para
		if i := strings.IndexAny(para, ".!?"); i >= 0 {
			sentence = para[:i+1]
		}
		out = append(out, sentence)
		if len(out) == limit {
			break
		}
	}
	return out
}
