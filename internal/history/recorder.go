// Package history records completed conversation turns and serves
// thread history with aggregate statistics.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/convodeck/convodeck/backend/internal/store"
	"github.com/convodeck/convodeck/backend/pkg/models"
)

// MaxMessageChars caps stored message and response text. Longer strings
// keep their first MaxMessageChars-3 characters plus an ellipsis marker.
const MaxMessageChars = 10_000

// Recorder is the sole writer of history messages.
type Recorder struct {
	store store.Store
}

// NewRecorder creates a recorder over the given store.
func NewRecorder(s store.Store) *Recorder {
	return &Recorder{store: s}
}

// Record persists one completed turn. The message and its metadata are
// written in a single atomic store call, so a turn without metadata
// never exists. Returns the stored message.
func (r *Recorder) Record(ctx context.Context, threadID string, turn *models.TurnResult, userMessage string) (*models.HistoryMessage, error) {
	msg := &models.HistoryMessage{
		ID:          uuid.NewString(),
		ThreadID:    threadID,
		UserMessage: Truncate(userMessage),
		Response:    Truncate(turn.Response),
		CreatedAt:   time.Now().UTC(),
		Metadata: &models.Metadata{
			TotalTokens:  turn.TotalTokens,
			ResponseTime: turn.ResponseTime,
			Model:        turn.Model,
			IsSuccess:    turn.Success,
		},
	}

	if err := r.store.AppendTurn(ctx, msg); err != nil {
		return nil, fmt.Errorf("append turn: %w", err)
	}

	log.Debug().
		Str("thread_id", threadID).
		Str("message_id", msg.ID).
		Bool("success", turn.Success).
		Int64("tokens", turn.TotalTokens).
		Msg("Turn recorded")
	return msg, nil
}

// ThreadHistory is a thread's messages in chronological order plus
// aggregate statistics.
type ThreadHistory struct {
	Messages []models.HistoryMessage `json:"messages"`
	Stats    *models.ThreadStats     `json:"stats"`
}

// Thread returns the full ascending history and stats for a thread.
// Unknown threads yield ErrNotFound.
func (r *Recorder) Thread(ctx context.Context, threadID string) (*ThreadHistory, error) {
	if _, err := r.store.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	messages, err := r.store.ListHistory(ctx, threadID, 0)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	stats, err := r.store.ThreadStats(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("thread stats: %w", err)
	}
	return &ThreadHistory{Messages: messages, Stats: stats}, nil
}

// Truncate enforces the stored-message length cap, preserving the first
// MaxMessageChars-3 characters exactly and appending "...".
func Truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= MaxMessageChars {
		return s
	}
	return string(runes[:MaxMessageChars-3]) + "..."
}
