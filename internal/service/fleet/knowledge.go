package fleet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"fleetdiag/internal/models"
)

// SubmitKnowledge stores a tribal-knowledge entry pending curation.
func (s *Service) SubmitKnowledge(ctx context.Context, entry models.Knowledge) (*models.Knowledge, error) {
	entry.Title = strings.TrimSpace(entry.Title)
	entry.Content = strings.TrimSpace(entry.Content)
	if entry.CompanyID <= 0 {
		return nil, errors.New("company_id is required")
	}
	if entry.AuthorID <= 0 {
		return nil, errors.New("author_id is required")
	}
	if entry.Title == "" || entry.Content == "" {
		return nil, errors.New("title and content are required")
	}
	entry.Status = models.KnowledgePending

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO knowledge (company_id, author_id, title, system, content, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.CompanyID, entry.AuthorID, entry.Title, entry.System, entry.Content, entry.Status, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create knowledge entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("knowledge id: %w", err)
	}
	entry.ID = id
	entry.CreatedAt = now
	entry.UpdatedAt = now
	return &entry, nil
}

// ListKnowledge returns entries, optionally filtered by status, company scoped
// unless companyID is 0.
func (s *Service) ListKnowledge(ctx context.Context, companyID int64, status models.KnowledgeStatus) ([]models.Knowledge, error) {
	query := `SELECT id, company_id, author_id, title, system, content, status, created_at, updated_at FROM knowledge`
	var (
		clauses []string
		args    []interface{}
	)
	if companyID > 0 {
		clauses = append(clauses, `company_id = ?`)
		args = append(args, companyID)
	}
	if status != "" {
		clauses = append(clauses, `status = ?`)
		args = append(args, status)
	}
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, ` AND `)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list knowledge: %w", err)
	}
	defer rows.Close()

	var entries []models.Knowledge
	for rows.Next() {
		var k models.Knowledge
		if err := rows.Scan(&k.ID, &k.CompanyID, &k.AuthorID, &k.Title, &k.System, &k.Content, &k.Status, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan knowledge: %w", err)
		}
		entries = append(entries, k)
	}
	return entries, rows.Err()
}

// ReviewKnowledge approves or rejects a pending entry.
func (s *Service) ReviewKnowledge(ctx context.Context, id, companyID int64, status models.KnowledgeStatus) error {
	if status != models.KnowledgeApproved && status != models.KnowledgeRejected {
		return fmt.Errorf("invalid review status %q", status)
	}
	query := `UPDATE knowledge SET status = ?, updated_at = ? WHERE id = ?`
	args := []interface{}{status, time.Now().UTC(), id}
	if companyID > 0 {
		query += ` AND company_id = ?`
		args = append(args, companyID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("review knowledge: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("knowledge rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteKnowledge removes an entry.
func (s *Service) DeleteKnowledge(ctx context.Context, id, companyID int64) error {
	if id <= 0 {
		return errors.New("invalid knowledge id")
	}
	query := `DELETE FROM knowledge WHERE id = ?`
	args := []interface{}{id}
	if companyID > 0 {
		query += ` AND company_id = ?`
		args = append(args, companyID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete knowledge: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("knowledge rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
