package models

import (
	"time"
)

// AuditStatus is the lifecycle state of a listing audit
type AuditStatus string

const (
	AuditStatusPending      AuditStatus = "PENDING"
	AuditStatusProcessing   AuditStatus = "PROCESSING"
	AuditStatusVerified     AuditStatus = "VERIFIED"
	AuditStatusManualReview AuditStatus = "MANUAL_REVIEW"
	AuditStatusRejected     AuditStatus = "REJECTED"
)

// IsTerminal reports whether no further pipeline work is expected for the status
func (s AuditStatus) IsTerminal() bool {
	switch s {
	case AuditStatusVerified, AuditStatusManualReview, AuditStatusRejected:
		return true
	}
	return false
}

// ParseAuditStatus validates a raw status string
func ParseAuditStatus(raw string) (AuditStatus, bool) {
	switch s := AuditStatus(raw); s {
	case AuditStatusPending, AuditStatusProcessing, AuditStatusVerified, AuditStatusManualReview, AuditStatusRejected:
		return s, true
	}
	return "", false
}

type Listing struct {
	ID             int64       `json:"id" db:"id"`
	SourceURL      string      `json:"source_url" db:"source_url"`
	ContentHash    *string     `json:"content_hash" db:"content_hash"`
	Price          *float64    `json:"price" db:"price"`
	Area           *float64    `json:"area" db:"area"`
	RawDescription *string     `json:"raw_description" db:"raw_description"`
	Neighborhood   *string     `json:"neighborhood" db:"neighborhood"`
	AuditStatus    AuditStatus `json:"audit_status" db:"audit_status"`
	LastError      *string     `json:"last_error,omitempty" db:"last_error"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// PriceHistory rows are append-only
type PriceHistory struct {
	ID        int64     `json:"id" db:"id"`
	ListingID int64     `json:"listing_id" db:"listing_id"`
	Price     float64   `json:"price" db:"price"`
	ChangedAt time.Time `json:"changed_at" db:"changed_at"`
}

// ListingUpdate carries freshly scraped values for an existing listing
type ListingUpdate struct {
	Price          float64
	Area           float64
	RawDescription string
	Neighborhood   string
	ContentHash    string
}
