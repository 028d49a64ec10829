package fleet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fleetdiag/internal/models"
)

// ErrFeedbackExists is returned when a message index already carries a rating.
// Submitted feedback is final; there is no update path.
var ErrFeedbackExists = errors.New("feedback already submitted for this message")

// SubmitFeedback stores a rating for one assistant message, keyed by the
// message's position in the transcript. A thumbs up arrives with an empty
// comment; a thumbs down may carry one.
func (s *Service) SubmitFeedback(ctx context.Context, fb models.Feedback) (*models.Feedback, error) {
	if fb.SessionID <= 0 {
		return nil, errors.New("session_id is required")
	}
	if fb.MessageIndex < 0 {
		return nil, errors.New("message_index must not be negative")
	}
	if fb.Rating != models.FeedbackUp && fb.Rating != models.FeedbackDown {
		return nil, fmt.Errorf("invalid rating %q", fb.Rating)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback (session_id, user_id, message_index, rating, comment, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		fb.SessionID, fb.UserID, fb.MessageIndex, fb.Rating, fb.Comment, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrFeedbackExists
		}
		return nil, fmt.Errorf("insert feedback: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("feedback id: %w", err)
	}
	fb.ID = id
	fb.CreatedAt = now
	return &fb, nil
}

// ListFeedback returns all ratings recorded for a session, transcript order.
func (s *Service) ListFeedback(ctx context.Context, sessionID int64) ([]models.Feedback, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, user_id, message_index, rating, comment, created_at
		 FROM feedback WHERE session_id = ? ORDER BY message_index ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer rows.Close()

	var entries []models.Feedback
	for rows.Next() {
		var fb models.Feedback
		if err := rows.Scan(&fb.ID, &fb.SessionID, &fb.UserID, &fb.MessageIndex, &fb.Rating, &fb.Comment, &fb.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		entries = append(entries, fb)
	}
	return entries, rows.Err()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
