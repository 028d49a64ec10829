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

// CreateTruck registers a new vehicle under the given company.
func (s *Service) CreateTruck(ctx context.Context, truck models.Truck) (*models.Truck, error) {
	truck.VIN = strings.TrimSpace(truck.VIN)
	if truck.CompanyID <= 0 {
		return nil, errors.New("company_id is required")
	}
	if truck.VIN == "" {
		return nil, errors.New("vin is required")
	}
	if truck.Make == "" || truck.Model == "" {
		return nil, errors.New("make and model are required")
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO trucks (company_id, vin, year, make, model, engine_model, mileage, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		truck.CompanyID, truck.VIN, truck.Year, truck.Make, truck.Model, truck.EngineModel, truck.Mileage, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create truck: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("truck id: %w", err)
	}
	truck.ID = id
	truck.CreatedAt = now
	truck.UpdatedAt = now
	return &truck, nil
}

// ListTrucks returns trucks visible to the caller. companyID 0 means no
// company filter and is reserved for actors whose role spans all companies.
func (s *Service) ListTrucks(ctx context.Context, companyID int64) ([]models.Truck, error) {
	query := `SELECT id, company_id, vin, year, make, model, engine_model, mileage, created_at, updated_at FROM trucks`
	args := []interface{}{}
	if companyID > 0 {
		query += ` WHERE company_id = ?`
		args = append(args, companyID)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list trucks: %w", err)
	}
	defer rows.Close()

	var trucks []models.Truck
	for rows.Next() {
		var t models.Truck
		if err := rows.Scan(&t.ID, &t.CompanyID, &t.VIN, &t.Year, &t.Make, &t.Model, &t.EngineModel, &t.Mileage, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan truck: %w", err)
		}
		trucks = append(trucks, t)
	}
	return trucks, rows.Err()
}

// GetTruck fetches one truck, scoped to a company unless companyID is 0.
func (s *Service) GetTruck(ctx context.Context, id, companyID int64) (*models.Truck, error) {
	query := `SELECT id, company_id, vin, year, make, model, engine_model, mileage, created_at, updated_at FROM trucks WHERE id = ?`
	args := []interface{}{id}
	if companyID > 0 {
		query += ` AND company_id = ?`
		args = append(args, companyID)
	}
	var t models.Truck
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&t.ID, &t.CompanyID, &t.VIN, &t.Year, &t.Make, &t.Model, &t.EngineModel, &t.Mileage, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get truck: %w", err)
	}
	return &t, nil
}

// UpdateTruck rewrites the mutable vehicle fields.
func (s *Service) UpdateTruck(ctx context.Context, truck models.Truck, companyID int64) error {
	if truck.ID <= 0 {
		return errors.New("invalid truck id")
	}
	query := `UPDATE trucks SET vin = ?, year = ?, make = ?, model = ?, engine_model = ?, mileage = ?, updated_at = ? WHERE id = ?`
	args := []interface{}{truck.VIN, truck.Year, truck.Make, truck.Model, truck.EngineModel, truck.Mileage, time.Now().UTC(), truck.ID}
	if companyID > 0 {
		query += ` AND company_id = ?`
		args = append(args, companyID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update truck: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("truck rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteTruck removes a truck and its cascaded projects and sessions.
func (s *Service) DeleteTruck(ctx context.Context, id, companyID int64) error {
	if id <= 0 {
		return errors.New("invalid truck id")
	}
	query := `DELETE FROM trucks WHERE id = ?`
	args := []interface{}{id}
	if companyID > 0 {
		query += ` AND company_id = ?`
		args = append(args, companyID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete truck: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("truck rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
