package models

import (
	"context"
)

// Role of a message sent to a model.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Image is media attached to a message by reference.
type Image struct {
	URL       string
	MediaType string
}

// Message is one turn of model context.
type Message struct {
	Role   Role
	Text   string
	Images []Image
}

// Request is a single generation call.
type Request struct {
	// Model is the provider-specific model name.
	Model string
	// System is an optional system instruction.
	System   string
	Messages []Message
}

// ModelProvider represents a service that provides LLMs (e.g. Gemini).
type ModelProvider interface {
	// List returns the names of available models.
	List(ctx context.Context) ([]string, error)

	// Stream starts a generation and returns its text chunks.
	Stream(ctx context.Context, req Request) (ModelStream, error)
}

// ModelStream yields the chunks of one generation.
type ModelStream interface {
	// Next returns the next text chunk, or io.EOF once the generation is complete.
	Next() (string, error)
	Close() error
}
