package models

import "time"

// KnowledgeStatus tracks a tribal-knowledge entry through curation.
type KnowledgeStatus string

const (
	KnowledgePending  KnowledgeStatus = "pending"
	KnowledgeApproved KnowledgeStatus = "approved"
	KnowledgeRejected KnowledgeStatus = "rejected"
)

// Knowledge is one shop-submitted repair note awaiting or past curation.
type Knowledge struct {
	ID        int64           `json:"id"`
	CompanyID int64           `json:"company_id"`
	AuthorID  int64           `json:"author_id"`
	Title     string          `json:"title"`
	System    string          `json:"system"`
	Content   string          `json:"content"`
	Status    KnowledgeStatus `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
