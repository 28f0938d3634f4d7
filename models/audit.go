package models

import (
	"errors"
	"fmt"
	"strings"
)

// RegistryStatus is the outcome of one registry handshake
type RegistryStatus string

const (
	RegistryStatusLive     RegistryStatus = "LIVE"
	RegistryStatusOffline  RegistryStatus = "OFFLINE"
	RegistryStatusNotFound RegistryStatus = "NOT_FOUND"
	RegistryStatusError    RegistryStatus = "ERROR"
)

// Queried reports whether the registry answered, with or without a match
func (s RegistryStatus) Queried() bool {
	return s == RegistryStatusLive || s == RegistryStatusNotFound
}

// Signal source names used in assessments and briefs
const (
	SignalCadastre      = "cadastre"
	SignalCompliance    = "compliance"
	SignalExpropriation = "expropriation"
	SignalAI            = "ai"
)

// RegistryCheckResult is created fresh for every run and never reused
type RegistryCheckResult struct {
	Registry string                   `json:"registry"`
	Status   RegistryStatus           `json:"status"`
	Rows     []map[string]interface{} `json:"rows,omitempty"`
	Total    int                      `json:"total"`
	Detail   string                   `json:"-"`
	Error    string                   `json:"error,omitempty"`
}

// FirstRow returns the first result row or nil
func (r *RegistryCheckResult) FirstRow() map[string]interface{} {
	if r == nil || len(r.Rows) == 0 {
		return nil
	}
	return r.Rows[0]
}

type ScrapedListing struct {
	SourceURL    string   `json:"source_url"`
	Title        string   `json:"title"`
	RawText      string   `json:"raw_text"`
	Description  string   `json:"description"`
	Price        float64  `json:"price"`
	Currency     string   `json:"currency"`
	Area         float64  `json:"area"`
	Neighborhood string   `json:"neighborhood"`
	Address      string   `json:"address"`
	Floor        string   `json:"floor"`
	ImageURLs    []string `json:"image_urls"`
	FetchedVia   string   `json:"fetched_via"`
}

// Validate fails fast on records the scoring stages cannot trust
func (s *ScrapedListing) Validate() error {
	if s == nil {
		return errors.New("scraped listing is nil")
	}
	if strings.TrimSpace(s.SourceURL) == "" {
		return errors.New("scraped listing has no source url")
	}
	if strings.TrimSpace(s.RawText) == "" {
		return errors.New("scraped listing has no text")
	}
	if s.Price < 0 {
		return fmt.Errorf("scraped listing has negative price %.2f", s.Price)
	}
	if s.Area < 0 {
		return fmt.Errorf("scraped listing has negative area %.2f", s.Area)
	}
	return nil
}

// AIAnalysis is the fixed-shape record returned by an insight analyzer
type AIAnalysis struct {
	AddressPrediction string   `json:"address_prediction"`
	Neighborhood      string   `json:"neighborhood"`
	IsAtelier         bool     `json:"is_atelier"`
	NetLivingArea     float64  `json:"net_living_area"`
	ConstructionYear  int      `json:"construction_year"`
	Confidence        int      `json:"confidence"`
	Heating           []string `json:"heating,omitempty"`
	VisualDefects     []string `json:"visual_defects,omitempty"`
	Placeholder       bool     `json:"placeholder"`
}

func (a *AIAnalysis) Validate() error {
	if a == nil {
		return errors.New("ai analysis is nil")
	}
	if a.Confidence < 0 || a.Confidence > 100 {
		return fmt.Errorf("ai confidence %d outside 0..100", a.Confidence)
	}
	if a.NetLivingArea < 0 {
		return fmt.Errorf("ai net living area %.2f is negative", a.NetLivingArea)
	}
	if a.ConstructionYear != 0 && (a.ConstructionYear < 1800 || a.ConstructionYear > 2100) {
		return fmt.Errorf("ai construction year %d is implausible", a.ConstructionYear)
	}
	return nil
}

// PlaceholderAnalysis stands in when the analyzer kept failing
func PlaceholderAnalysis() *AIAnalysis {
	return &AIAnalysis{Confidence: 0, Placeholder: true}
}

type CadastreData struct {
	Status       RegistryStatus `json:"status"`
	CadastreID   string         `json:"cadastre_id,omitempty"`
	OfficialArea float64        `json:"official_area"`
	Address      string         `json:"address,omitempty"`
}

// Resolved reports whether a cadastral identifier is available for dependent lookups
func (c *CadastreData) Resolved() bool {
	return c != nil && c.Status == RegistryStatusLive && c.CadastreID != ""
}

type ComplianceData struct {
	Status       RegistryStatus `json:"status"`
	Checked      bool           `json:"checked"`
	HasAct16     bool           `json:"has_act16"`
	Certificates int            `json:"certificates"`
	PermitStatus RegistryStatus `json:"permit_status,omitempty"`
	PermitCount  int            `json:"permit_count"`
}

type ExpropriationData struct {
	Status       RegistryStatus `json:"status"`
	Expropriated bool           `json:"expropriated"`
	Details      string         `json:"details,omitempty"`
}

// TextSignals are phrase-level findings in the listing text
type TextSignals struct {
	VATExcluded    bool `json:"vat_excluded"`
	PrivateOnly    bool `json:"private_only"`
	ConversionRisk bool `json:"conversion_risk"`
	AtelierStatute bool `json:"atelier_statute"`
	GroundFloor    bool `json:"ground_floor"`
	NorthFacing    bool `json:"north_facing"`
	Act15          bool `json:"act15"`
	NoElevator     bool `json:"no_elevator"`
	FloorCount     int  `json:"floor_count,omitempty"`
	Litigation     bool `json:"litigation"`
	Distraint      bool `json:"distraint"`
	RightOfUse     bool `json:"right_of_use"`
	CompletionYear int  `json:"completion_year,omitempty"`
}

// Severity of a risk flag
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarn     Severity = "WARN"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
	SeverityFatal    Severity = "FATAL"
)

type RiskFlag struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Weight   int      `json:"weight"`
}

// RegistryEvidence is the registry data an assessment was computed from
type RegistryEvidence struct {
	Cadastre      *CadastreData
	Compliance    *ComplianceData
	Expropriation *ExpropriationData
}

// RiskAssessment is the output of risk fusion
type RiskAssessment struct {
	Score       int               `json:"score"`
	Flags       []RiskFlag        `json:"flags"`
	IsFatal     bool              `json:"is_fatal"`
	Signals     map[string]string `json:"signals"`
	Unavailable []string          `json:"unavailable"`
	Evidence    RegistryEvidence  `json:"-"`
}

// HasFlag reports whether a flag with the given code was raised
func (r *RiskAssessment) HasFlag(code string) bool {
	for _, f := range r.Flags {
		if f.Code == code {
			return true
		}
	}
	return false
}
