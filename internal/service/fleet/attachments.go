package fleet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"fleetdiag/internal/models"
)

const (
	DefaultAttachmentTTL             = 24 * time.Hour
	DefaultAttachmentCleanupInterval = time.Hour
)

// RecordAttachment persists metadata for an uploaded file.
func (s *Service) RecordAttachment(ctx context.Context, att models.Attachment) (*models.Attachment, error) {
	if att.UserID <= 0 {
		return nil, errors.New("user_id is required")
	}
	if att.SessionID <= 0 {
		return nil, errors.New("session_id is required")
	}
	if att.StoredPath == "" {
		return nil, errors.New("stored_path is required")
	}
	if att.Status == "" {
		att.Status = "active"
	}
	now := time.Now().UTC()
	att.CreatedAt = now
	if att.ExpiresAt.IsZero() {
		att.ExpiresAt = now.Add(DefaultAttachmentTTL)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO attachments (user_id, session_id, file_name, stored_path, mime_type, size, status, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		att.UserID, att.SessionID, att.FileName, att.StoredPath, att.MimeType, att.Size, att.Status, att.CreatedAt, att.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("record attachment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("attachment id: %w", err)
	}
	att.ID = id
	return &att, nil
}

// GetAttachment fetches one attachment owned by the user.
func (s *Service) GetAttachment(ctx context.Context, userID, attachmentID int64) (*models.Attachment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, session_id, file_name, stored_path, mime_type, size, status, created_at, expires_at
		 FROM attachments WHERE id = ? AND user_id = ?`,
		attachmentID, userID,
	)
	var att models.Attachment
	err := row.Scan(&att.ID, &att.UserID, &att.SessionID, &att.FileName, &att.StoredPath, &att.MimeType, &att.Size, &att.Status, &att.CreatedAt, &att.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	return &att, nil
}

// GetAttachmentByID fetches one attachment without an owner check. Used for
// token-gated downloads where the token itself is the authorization.
func (s *Service) GetAttachmentByID(ctx context.Context, attachmentID int64) (*models.Attachment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, session_id, file_name, stored_path, mime_type, size, status, created_at, expires_at
		 FROM attachments WHERE id = ?`,
		attachmentID,
	)
	var att models.Attachment
	err := row.Scan(&att.ID, &att.UserID, &att.SessionID, &att.FileName, &att.StoredPath, &att.MimeType, &att.Size, &att.Status, &att.CreatedAt, &att.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	return &att, nil
}

// ListSessionAttachments returns the active attachments for one session.
func (s *Service) ListSessionAttachments(ctx context.Context, sessionID int64) ([]models.Attachment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, session_id, file_name, stored_path, mime_type, size, status, created_at, expires_at
		 FROM attachments WHERE session_id = ? AND status = 'active' ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	var atts []models.Attachment
	for rows.Next() {
		var att models.Attachment
		if err := rows.Scan(&att.ID, &att.UserID, &att.SessionID, &att.FileName, &att.StoredPath, &att.MimeType, &att.Size, &att.Status, &att.CreatedAt, &att.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		atts = append(atts, att)
	}
	return atts, rows.Err()
}

// StartAttachmentCleaner launches the background sweep for expired uploads.
func (s *Service) StartAttachmentCleaner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultAttachmentCleanupInterval
	}
	go s.cleanupLoop(ctx, interval)
}

func (s *Service) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.cleanupExpiredAttachments(); err != nil {
				log.Printf("cleanup attachments error: %v", err)
			}
		}
	}
}

func (s *Service) cleanupExpiredAttachments() error {
	rows, err := s.db.Query(`
		SELECT id, stored_path FROM attachments
		WHERE status = 'active' AND expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return err
	}
	defer rows.Close()

	type fileRow struct {
		id   int64
		path string
	}
	var files []fileRow
	for rows.Next() {
		var fr fileRow
		if err := rows.Scan(&fr.id, &fr.path); err != nil {
			return err
		}
		files = append(files, fr)
	}

	for _, f := range files {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			log.Printf("remove attachment %s failed: %v", f.path, err)
			continue
		}
		if _, err := s.db.Exec(`DELETE FROM attachments WHERE id = ?`, f.id); err != nil {
			log.Printf("delete attachment record %d failed: %v", f.id, err)
		}

		// prune empty directories
		_ = os.Remove(filepath.Dir(f.path))
	}
	return nil
}
