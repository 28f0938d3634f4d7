package config

import (
	"time"
)

// RetryConfig is the whole-run retry budget owned by the orchestrator
type RetryConfig struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
	Multiplier  float64       `json:"multiplier"`
}

// RegistryEndpoints holds the base URLs of the government portals
type RegistryEndpoints struct {
	CadastreBaseURL  string `json:"cadastre_base_url"`
	MunicipalBaseURL string `json:"municipal_base_url"`
}

// BriefBands are the score thresholds of the report severity bands
type BriefBands struct {
	Caution      int `json:"caution"`
	HighRisk     int `json:"high_risk"`
	DoNotProceed int `json:"do_not_proceed"`
}

// PipelineConfig is passed by value into every pipeline component.
// Slice and map fields are only read through the copying accessors.
type PipelineConfig struct {
	allowedQueryKeys []string
	hostAliases      map[string]string

	VerifiedThreshold   int `json:"verified_threshold"`
	ConfidenceThreshold int `json:"confidence_threshold"`

	ScrapeTimeout   time.Duration `json:"scrape_timeout"`
	BrowserTimeout  time.Duration `json:"browser_timeout"`
	RegistryTimeout time.Duration `json:"registry_timeout"`
	SettleDelay     time.Duration `json:"settle_delay"`
	// RegistryInterval spaces consecutive requests of one registry session
	RegistryInterval time.Duration `json:"registry_interval"`
	RegistryPage    int           `json:"registry_page_size"`
	AITimeout       time.Duration `json:"ai_timeout"`
	MaxAIChars      int           `json:"max_ai_chars"`
	MaxAIImages     int           `json:"max_ai_images"`

	ImageTimeout      time.Duration `json:"image_timeout"`
	MaxImages         int           `json:"max_images"`
	MaxImageDownloads int           `json:"max_image_downloads"`
	ArchiveDir        string        `json:"archive_dir"`

	CostPerRun float64 `json:"cost_per_run"`

	Retry     RetryConfig       `json:"retry"`
	Endpoints RegistryEndpoints `json:"endpoints"`
	Bands     BriefBands        `json:"bands"`
	Weights   RiskWeights       `json:"weights"`
}

// DefaultPipelineConfig returns the empirically tuned defaults
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		allowedQueryKeys: []string{"act", "adv", "id", "slink"},
		hostAliases: map[string]string{
			"www.imot.bg": "m.imot.bg",
			"imot.bg":     "m.imot.bg",
		},

		VerifiedThreshold:   40,
		ConfidenceThreshold: 70,

		ScrapeTimeout:   30 * time.Second,
		BrowserTimeout:  45 * time.Second,
		RegistryTimeout: 15 * time.Second,
		SettleDelay:     600 * time.Millisecond, // upstream rejects reads issued right after the search
		RegistryPage:    10,

		RegistryInterval: 250 * time.Millisecond,
		AITimeout:       60 * time.Second,
		MaxAIChars:      5000,
		MaxAIImages:     4,

		ImageTimeout:      5 * time.Second,
		MaxImages:         12,
		MaxImageDownloads: 4,
		ArchiveDir:        "storage/archive",

		CostPerRun: 0.04,

		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   2 * time.Second,
			MaxDelay:    30 * time.Second,
			Multiplier:  2.0,
		},
		Endpoints: RegistryEndpoints{
			CadastreBaseURL:  "https://kais.cadastre.bg",
			MunicipalBaseURL: "https://nag.sofia.bg",
		},
		Bands: BriefBands{
			Caution:      30,
			HighRisk:     60,
			DoNotProceed: 90,
		},
		Weights: DefaultRiskWeights(),
	}
}

// WithQueryKeys returns a copy using a different query-key allow list
func (p PipelineConfig) WithQueryKeys(keys ...string) PipelineConfig {
	p.allowedQueryKeys = copyStrings(keys)
	return p
}

// WithHostAliases returns a copy using a different canonical host map
func (p PipelineConfig) WithHostAliases(aliases map[string]string) PipelineConfig {
	copied := make(map[string]string, len(aliases))
	for k, v := range aliases {
		copied[k] = v
	}
	p.hostAliases = copied
	return p
}

func (p PipelineConfig) AllowedQueryKeys() []string {
	return copyStrings(p.allowedQueryKeys)
}

func (p PipelineConfig) HostAliases() map[string]string {
	copied := make(map[string]string, len(p.hostAliases))
	for k, v := range p.hostAliases {
		copied[k] = v
	}
	return copied
}

// EffectiveRegistryTimeout never returns a zero timeout
func (p PipelineConfig) EffectiveRegistryTimeout() time.Duration {
	return durationOr(p.RegistryTimeout, 15*time.Second)
}
