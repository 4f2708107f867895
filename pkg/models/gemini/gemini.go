package gemini

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/nstogner/storyloom/pkg/models"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const (
	// LevelTrace is a custom log level for detailed HTTP traffic.
	LevelTrace = slog.Level(-8)
)

// GeminiModel implements models.ModelProvider using the Google Gemini API.
type GeminiModel struct {
	client *genai.Client
}

var _ models.ModelProvider = (*GeminiModel)(nil)

// New creates a new GeminiModel.
func New(ctx context.Context, apiKey string) (*GeminiModel, error) {
	httpClient := &http.Client{
		Transport: &loggingTransport{
			base:   http.DefaultTransport,
			apiKey: apiKey,
		},
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey), option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GeminiModel{client: client}, nil
}

type loggingTransport struct {
	base   http.RoundTripper
	apiKey string
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// If API key is provided and not already in headers/query, add it.
	// We do this because passing a custom http.Client often bypasses
	// the library's automatic API key injection.
	if t.apiKey != "" && req.Header.Get("x-goog-api-key") == "" && req.URL.Query().Get("key") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("x-goog-api-key", t.apiKey)
	}

	if !slog.Default().Enabled(req.Context(), LevelTrace) {
		return t.base.RoundTrip(req)
	}

	// Dump request
	reqDump, err := httputil.DumpRequestOut(req, true)
	if err != nil {
		slog.Debug("Failed to dump Gemini request", "error", err)
	} else {
		slog.Debug("Gemini REST Request", "url", req.URL.String(), "dump", string(reqDump))
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	// Dump response
	// For streaming, don't dump body to avoid consuming it/blocking.
	// Gemini streaming uses alt=sse or Content-Type: text/event-stream.
	isStream := strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") ||
		strings.Contains(req.URL.Query().Get("alt"), "sse")

	respDump, err := httputil.DumpResponse(resp, !isStream)
	if err != nil {
		slog.Debug("Failed to dump Gemini response", "error", err)
	} else {
		slog.Debug("Gemini REST Response", "isStream", isStream, "dump", string(respDump))
	}

	return resp, nil
}

// Close releases resources.
func (m *GeminiModel) Close() {
	m.client.Close()
}

// List returns available models.
func (m *GeminiModel) List(ctx context.Context) ([]string, error) {
	iter := m.client.ListModels(ctx)
	var names []string
	for {
		model, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		slog.Debug("Found Gemini model", "name", model.Name)
		names = append(names, model.Name)
	}
	return names, nil
}

// Stream sends the request as a chat: every message but the last becomes
// history and the last one is sent.
func (m *GeminiModel) Stream(ctx context.Context, req models.Request) (models.ModelStream, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("gemini: request has no messages")
	}
	slog.Debug("Gemini.Stream: Request Parameters", "model", req.Model, "messageCount", len(req.Messages))
	gm := m.client.GenerativeModel(req.Model)
	if req.System != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}

	var history []*genai.Content
	for _, msg := range req.Messages {
		parts := toParts(msg)
		if len(parts) == 0 {
			continue
		}
		role := "user"
		if msg.Role == models.RoleModel {
			role = "model"
		}
		history = append(history, &genai.Content{Role: role, Parts: parts})
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("gemini: request has no content")
	}

	cs := gm.StartChat()
	cs.History = history[:len(history)-1]
	iter := cs.SendMessageStream(ctx, history[len(history)-1].Parts...)
	return &geminiStream{iter: iter}, nil
}

func toParts(msg models.Message) []genai.Part {
	var parts []genai.Part
	if msg.Text != "" {
		parts = append(parts, genai.Text(msg.Text))
	}
	for _, img := range msg.Images {
		mediaType := img.MediaType
		if mediaType == "" {
			mediaType = "image/png"
		}
		parts = append(parts, genai.FileData{MIMEType: mediaType, URI: img.URL})
	}
	return parts
}

type geminiStream struct {
	iter *genai.GenerateContentResponseIterator
}

// Next returns the text of the next response, skipping responses without text.
func (s *geminiStream) Next() (string, error) {
	for {
		resp, err := s.iter.Next()
		if err == iterator.Done {
			return "", io.EOF
		}
		if err != nil {
			return "", err
		}

		var text strings.Builder
		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if txt, ok := part.(genai.Text); ok {
					text.WriteString(string(txt))
				}
			}
		}
		if text.Len() > 0 {
			return text.String(), nil
		}
	}
}

func (s *geminiStream) Close() error {
	return nil
}
