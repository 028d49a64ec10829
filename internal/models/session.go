package models

import "time"

// Session is one guided diagnostic conversation tied to a work order.
// ExternalID is the opaque identifier handed out when the diagnostic engine
// accepts the start call; it stays empty when the engine was unreachable and
// the session degraded to the local fallback greeting.
type Session struct {
	ID         int64          `json:"id"`
	ExternalID string         `json:"external_id"`
	ProjectID  int64          `json:"project_id"`
	UserID     int64          `json:"user_id"`
	Plan       DiagnosticPlan `json:"plan"`
	Captured   CapturedData   `json:"captured_data"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// DiagnosticPlan is the ordered step list guiding a repair session.
type DiagnosticPlan struct {
	Title string   `json:"title"`
	Steps []string `json:"steps"`
}
