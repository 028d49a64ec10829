package fleet

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fleetdiag/internal/models"
)

// CreateSession inserts a new diagnostic session bound to a work order.
// ExternalID may be empty when the engine was unreachable at start.
func (s *Service) CreateSession(ctx context.Context, session models.Session) (*models.Session, error) {
	if session.ProjectID <= 0 {
		return nil, errors.New("project_id is required")
	}
	if session.UserID <= 0 {
		return nil, errors.New("user_id is required")
	}
	if session.Captured.Readings == nil {
		session.Captured = models.NewCapturedData()
	}

	plan, err := json.Marshal(session.Plan)
	if err != nil {
		return nil, fmt.Errorf("encode plan: %w", err)
	}
	captured, err := json.Marshal(session.Captured)
	if err != nil {
		return nil, fmt.Errorf("encode captured data: %w", err)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (external_id, project_id, user_id, plan, captured, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.ExternalID, session.ProjectID, session.UserID, string(plan), string(captured), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	session.ID = id
	session.CreatedAt = now
	session.UpdatedAt = now
	return &session, nil
}

// GetSession fetches one session owned by the user.
func (s *Service) GetSession(ctx context.Context, userID, sessionID int64) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, external_id, project_id, user_id, plan, captured, created_at, updated_at
		 FROM sessions WHERE id = ? AND user_id = ?`,
		sessionID, userID,
	)
	return scanSession(row)
}

// ListSessionsByProject returns a project's sessions ordered by last activity.
func (s *Service) ListSessionsByProject(ctx context.Context, projectID int64) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, external_id, project_id, user_id, plan, captured, created_at, updated_at
		 FROM sessions WHERE project_id = ? ORDER BY updated_at DESC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

// GetSessionWithMessages returns one session and its ordered transcript.
func (s *Service) GetSessionWithMessages(ctx context.Context, userID, sessionID int64) (*models.Session, []*models.Message, error) {
	session, err := s.GetSession(ctx, userID, sessionID)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, user_id, role, content, image_url, status, created_at
		 FROM messages WHERE session_id = ? ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return session, nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		m := new(models.Message)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserID, &m.Role, &m.Content, &m.ImageURL, &m.Status, &m.CreatedAt); err != nil {
			return session, nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return session, messages, rows.Err()
}

// AddMessage stores a transcript entry and touches the session's updated_at.
// User messages appended ahead of an engine round trip carry pending status
// and are settled later through UpdateMessageStatus.
func (s *Service) AddMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
	if msg.SessionID <= 0 {
		return nil, errors.New("session_id is required")
	}
	if strings.TrimSpace(msg.Content) == "" {
		return nil, errors.New("content cannot be empty")
	}
	if msg.Status == "" {
		msg.Status = models.MessageDelivered
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (session_id, user_id, role, content, image_url, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.SessionID, msg.UserID, msg.Role, msg.Content, msg.ImageURL, msg.Status, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, now, msg.SessionID); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	msg.ID = id
	msg.CreatedAt = now
	return &msg, nil
}

// UpdateMessageStatus settles an optimistically appended message.
func (s *Service) UpdateMessageStatus(ctx context.Context, messageID int64, status models.MessageStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ? WHERE id = ?`, status, messageID,
	)
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("message rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ReplaceCapturedData swaps the session's structured extraction for the
// engine's latest snapshot. The replacement is wholesale: no field level
// merging with the previous aggregate.
func (s *Service) ReplaceCapturedData(ctx context.Context, sessionID int64, captured models.CapturedData) error {
	data, err := json.Marshal(captured)
	if err != nil {
		return fmt.Errorf("encode captured data: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET captured = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now().UTC(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("replace captured data: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateSessionPlan stores the engine's step plan after a successful start.
func (s *Service) UpdateSessionPlan(ctx context.Context, sessionID int64, plan models.DiagnosticPlan) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET plan = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now().UTC(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("update plan: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetSessionExternalID records the engine's session handle after a
// successful start.
func (s *Service) SetSessionExternalID(ctx context.Context, sessionID int64, externalID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET external_id = ? WHERE id = ?`, externalID, sessionID,
	)
	if err != nil {
		return fmt.Errorf("set external id: %w", err)
	}
	return nil
}

// DeleteSession removes a session and all related transcript rows.
func (s *Service) DeleteSession(ctx context.Context, userID, sessionID int64) error {
	if sessionID <= 0 {
		return errors.New("invalid session id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ? AND user_id = ?`, sessionID, userID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		tx.Rollback()
		return sql.ErrNoRows
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM feedback WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete feedback: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete session: %w", err)
	}
	return nil
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		session  models.Session
		plan     string
		captured string
	)
	err := row.Scan(&session.ID, &session.ExternalID, &session.ProjectID, &session.UserID, &plan, &captured, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if err := json.Unmarshal([]byte(plan), &session.Plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if err := json.Unmarshal([]byte(captured), &session.Captured); err != nil {
		return nil, fmt.Errorf("decode captured data: %w", err)
	}
	if session.Captured.Readings == nil {
		session.Captured.Readings = make(map[string]models.Reading)
	}
	if session.Captured.Parts == nil {
		session.Captured.Parts = make([]models.Part, 0)
	}
	return &session, nil
}
