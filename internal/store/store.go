// ABOUTME: Store interface and data types for conversation transcripts
// ABOUTME: A transcript is the server-confirmed message log of one thread

package store

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/2389/carblau-chat/internal/conversation"
)

var (
	// ErrNotFound is returned when a requested transcript does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidConfig is returned when a driver is missing required options.
	ErrInvalidConfig = errors.New("invalid store configuration")
	// ErrInvalidStoreType is returned for an unknown driver name.
	ErrInvalidStoreType = errors.New("invalid store type")
	// ErrEmptyThreadID is returned when saving without a thread id.
	ErrEmptyThreadID = errors.New("thread id is required")
)

// Transcript is the saved log of a thread.
type Transcript struct {
	ThreadID  string                 `json:"thread_id"`
	Messages  []conversation.Message `json:"messages"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// ThreadSummary describes a saved thread without its messages.
type ThreadSummary struct {
	ThreadID     string
	MessageCount int
	// Preview is the start of the last message.
	Preview   string
	UpdatedAt time.Time
}

// Store persists transcripts. Implementations satisfy conversation.Recorder.
type Store interface {
	// Save replaces the transcript of threadID.
	Save(ctx context.Context, threadID string, messages []conversation.Message) error

	// Load returns the transcript of threadID or ErrNotFound.
	Load(ctx context.Context, threadID string) (*Transcript, error)

	// ListThreads returns summaries, most recently updated first. A limit
	// of zero or less returns all of them.
	ListThreads(ctx context.Context, limit int) ([]ThreadSummary, error)

	// Delete removes a transcript. Deleting a missing thread is not an error.
	Delete(ctx context.Context, threadID string) error

	// Close releases the store's resources.
	Close() error
}

var _ conversation.Recorder = Store(nil)

const previewLength = 80

// preview returns the start of the last message, cut at previewLength runes.
func preview(messages []conversation.Message) string {
	if len(messages) == 0 {
		return ""
	}
	content := messages[len(messages)-1].Content
	if utf8.RuneCountInString(content) <= previewLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewLength-1]) + "…"
}

func summarize(t *Transcript) ThreadSummary {
	return ThreadSummary{
		ThreadID:     t.ThreadID,
		MessageCount: len(t.Messages),
		Preview:      preview(t.Messages),
		UpdatedAt:    t.UpdatedAt,
	}
}
