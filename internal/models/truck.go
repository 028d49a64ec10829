package models

import "time"

// Truck is one fleet vehicle.
type Truck struct {
	ID          int64     `json:"id"`
	CompanyID   int64     `json:"company_id"`
	VIN         string    `json:"vin"`
	Year        int       `json:"year"`
	Make        string    `json:"make"`
	Model       string    `json:"model"`
	EngineModel string    `json:"engine_model"`
	Mileage     int64     `json:"mileage"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
