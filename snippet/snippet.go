package snippet

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when no snippet has the requested id
var ErrNotFound = errors.New("snippet not found")

// Snippet is a saved piece of code
type Snippet struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Code        string    `json:"code"`
	Description *string   `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
}

// NewSnippet holds the fields a client supplies when saving a snippet
type NewSnippet struct {
	Title       string  `json:"title" yaml:"title"`
	Code        string  `json:"code" yaml:"code"`
	Description *string `json:"description,omitempty" yaml:"description"`
}

// ValidationError reports the first invalid field of a NewSnippet
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Validate checks the required fields
func (n NewSnippet) Validate() error {
	if strings.TrimSpace(n.Title) == "" {
		return &ValidationError{Field: "title", Message: "Title is required"}
	}
	if strings.TrimSpace(n.Code) == "" {
		return &ValidationError{Field: "code", Message: "Code is required"}
	}
	return nil
}

// Store persists snippets
type Store interface {
	List(ctx context.Context) ([]Snippet, error)
	Get(ctx context.Context, id int64) (*Snippet, error)
	Create(ctx context.Context, in NewSnippet) (*Snippet, error)
	Delete(ctx context.Context, id int64) error
	Ping(ctx context.Context) error
	Close() error
}
