package models

import "time"

// FeedbackRating is a thumbs up or down on one assistant message.
type FeedbackRating string

const (
	FeedbackUp   FeedbackRating = "up"
	FeedbackDown FeedbackRating = "down"
)

// Feedback is a stored rating keyed by the message's position in its session
// transcript.
type Feedback struct {
	ID           int64          `json:"id"`
	SessionID    int64          `json:"session_id"`
	UserID       int64          `json:"user_id"`
	MessageIndex int            `json:"message_index"`
	Rating       FeedbackRating `json:"rating"`
	Comment      string         `json:"comment"`
	CreatedAt    time.Time      `json:"created_at"`
}
