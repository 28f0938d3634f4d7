package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Report is appended once per completed audit run
type Report struct {
	ID                int64           `json:"id" db:"id"`
	ListingID         int64           `json:"listing_id" db:"listing_id"`
	BuildingID        *int64          `json:"building_id" db:"building_id"`
	RunID             uuid.UUID       `json:"run_id" db:"run_id"`
	Status            AuditStatus     `json:"status" db:"status"`
	RiskScore         int             `json:"risk_score" db:"risk_score"`
	AIConfidence      int             `json:"ai_confidence" db:"ai_confidence"`
	LegalBrief        string          `json:"legal_brief" db:"legal_brief"`
	Discrepancy       json.RawMessage `json:"discrepancy_details" db:"discrepancy_details"`
	ImageArchiveRefs  []string        `json:"image_archive_refs" db:"image_archive_refs"`
	Cost              float64         `json:"cost" db:"cost"`
	Error             *string         `json:"error,omitempty" db:"error"`
	ManualReviewNotes *string         `json:"manual_review_notes,omitempty" db:"manual_review_notes"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// DiscrepancyDetails is the structured blob stored in Report.Discrepancy.
// The flag vocabulary evolves, so it is kept schema-flexible in storage.
type DiscrepancyDetails struct {
	Score         int                   `json:"score"`
	IsFatal       bool                  `json:"is_fatal"`
	FatalCause    string                `json:"fatal_cause,omitempty"`
	Flags         []RiskFlag            `json:"flags"`
	Signals       map[string]string     `json:"signals"`
	Unavailable   []string              `json:"unavailable"`
	Cadastre      *CadastreData         `json:"cadastre,omitempty"`
	Compliance    *ComplianceData       `json:"compliance,omitempty"`
	Expropriation *ExpropriationData    `json:"expropriation,omitempty"`
	AI            *AIAnalysis           `json:"ai,omitempty"`
	TextSignals   *TextSignals          `json:"text_signals,omitempty"`
	Registry      []RegistryCheckResult `json:"registry,omitempty"`
	Error         string                `json:"error,omitempty"`
	Attempts      int                   `json:"attempts"`
}

// QueueMessage is the task payload consumed by audit workers
type QueueMessage struct {
	ListingID int64 `json:"listing_id"`
}
