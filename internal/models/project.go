package models

import "time"

// ProjectStatus tracks a work order through its lifecycle.
type ProjectStatus string

const (
	ProjectOpen       ProjectStatus = "open"
	ProjectInProgress ProjectStatus = "in_progress"
	ProjectCompleted  ProjectStatus = "completed"
)

// Project is a work order bound to one truck. FaultCodes holds the ECM codes
// recorded at intake; a diagnostic session can only start when it is non-empty.
type Project struct {
	ID         int64         `json:"id"`
	CompanyID  int64         `json:"company_id"`
	TruckID    int64         `json:"truck_id"`
	Title      string        `json:"title"`
	Complaint  string        `json:"complaint"`
	FaultCodes []string      `json:"fault_codes"`
	Status     ProjectStatus `json:"status"`
	AssignedTo int64         `json:"assigned_to,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}
