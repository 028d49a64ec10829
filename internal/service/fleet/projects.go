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

// CreateProject opens a new work order for a truck. Fault codes are stored as
// a JSON array so a later diagnostic start can hand them to the engine intact.
func (s *Service) CreateProject(ctx context.Context, project models.Project) (*models.Project, error) {
	project.Title = strings.TrimSpace(project.Title)
	if project.CompanyID <= 0 {
		return nil, errors.New("company_id is required")
	}
	if project.TruckID <= 0 {
		return nil, errors.New("truck_id is required")
	}
	if project.Title == "" {
		return nil, errors.New("title is required")
	}
	if project.Status == "" {
		project.Status = models.ProjectOpen
	}
	if project.FaultCodes == nil {
		project.FaultCodes = []string{}
	}

	codes, err := json.Marshal(project.FaultCodes)
	if err != nil {
		return nil, fmt.Errorf("encode fault codes: %w", err)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (company_id, truck_id, title, complaint, fault_codes, status, assigned_to, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		project.CompanyID, project.TruckID, project.Title, project.Complaint, string(codes), project.Status, nullableID(project.AssignedTo), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("project id: %w", err)
	}
	project.ID = id
	project.CreatedAt = now
	project.UpdatedAt = now
	return &project, nil
}

// ListProjects returns work orders, company scoped unless companyID is 0.
func (s *Service) ListProjects(ctx context.Context, companyID int64) ([]models.Project, error) {
	query := `SELECT id, company_id, truck_id, title, complaint, fault_codes, status, assigned_to, created_at, updated_at FROM projects`
	args := []interface{}{}
	if companyID > 0 {
		query += ` WHERE company_id = ?`
		args = append(args, companyID)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []models.Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *project)
	}
	return projects, rows.Err()
}

// GetProject fetches one work order, company scoped unless companyID is 0.
func (s *Service) GetProject(ctx context.Context, id, companyID int64) (*models.Project, error) {
	query := `SELECT id, company_id, truck_id, title, complaint, fault_codes, status, assigned_to, created_at, updated_at FROM projects WHERE id = ?`
	args := []interface{}{id}
	if companyID > 0 {
		query += ` AND company_id = ?`
		args = append(args, companyID)
	}
	row := s.db.QueryRowContext(ctx, query, args...)
	project, err := scanProject(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, err
	}
	return project, nil
}

// UpdateProjectStatus moves a work order through its lifecycle.
func (s *Service) UpdateProjectStatus(ctx context.Context, id, companyID int64, status models.ProjectStatus) error {
	switch status {
	case models.ProjectOpen, models.ProjectInProgress, models.ProjectCompleted:
	default:
		return fmt.Errorf("unknown project status %q", status)
	}
	query := `UPDATE projects SET status = ?, updated_at = ? WHERE id = ?`
	args := []interface{}{status, time.Now().UTC(), id}
	if companyID > 0 {
		query += ` AND company_id = ?`
		args = append(args, companyID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update project status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("project rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// AssignProject sets the responsible technician.
func (s *Service) AssignProject(ctx context.Context, id, companyID, userID int64) error {
	if userID <= 0 {
		return errors.New("user_id is required")
	}
	query := `UPDATE projects SET assigned_to = ?, updated_at = ? WHERE id = ?`
	args := []interface{}{userID, time.Now().UTC(), id}
	if companyID > 0 {
		query += ` AND company_id = ?`
		args = append(args, companyID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("assign project: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("project rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteProject removes a work order and its cascaded sessions.
func (s *Service) DeleteProject(ctx context.Context, id, companyID int64) error {
	if id <= 0 {
		return errors.New("invalid project id")
	}
	query := `DELETE FROM projects WHERE id = ?`
	args := []interface{}{id}
	if companyID > 0 {
		query += ` AND company_id = ?`
		args = append(args, companyID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("project rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProject(row rowScanner) (*models.Project, error) {
	var (
		p        models.Project
		codes    string
		assigned sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.CompanyID, &p.TruckID, &p.Title, &p.Complaint, &codes, &p.Status, &assigned, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan project: %w", err)
	}
	if err := json.Unmarshal([]byte(codes), &p.FaultCodes); err != nil {
		return nil, fmt.Errorf("decode fault codes: %w", err)
	}
	if assigned.Valid {
		p.AssignedTo = assigned.Int64
	}
	return &p, nil
}

func nullableID(id int64) interface{} {
	if id <= 0 {
		return nil
	}
	return id
}
