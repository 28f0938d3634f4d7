package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Risk weight validation errors.
var (
	ErrNegativeWeight         = errors.New("risk weights must be non-negative")
	ErrInvalidAreaTolerance   = errors.New("area_tolerance must be in (0, 5]")
	ErrInvalidDilutionFloor   = errors.New("dilution_floor must be in (0, 1]")
	ErrInvalidYearThreshold   = errors.New("act16_year_threshold must be between 1900 and 2100")
	ErrInvalidLiquidityWindow = errors.New("liquidity_horizon_years must be non-negative")
)

// RiskWeights are empirical tuning constants for risk fusion
type RiskWeights struct {
	Act16YearThreshold int `yaml:"act16_year_threshold" json:"act16_year_threshold"`
	Act16ModernBase    int `yaml:"act16_modern_base" json:"act16_modern_base"`
	Act16PerYear       int `yaml:"act16_per_year" json:"act16_per_year"`
	Act16ModernMax     int `yaml:"act16_modern_max" json:"act16_modern_max"`
	Act16LegacyPenalty int `yaml:"act16_legacy_penalty" json:"act16_legacy_penalty"`

	AreaTolerance    float64 `yaml:"area_tolerance" json:"area_tolerance"`
	AreaWeight       int     `yaml:"area_weight" json:"area_weight"`
	AreaExcessWeight float64 `yaml:"area_excess_weight" json:"area_excess_weight"`
	AreaMax          int     `yaml:"area_max" json:"area_max"`

	DilutionFloor  float64 `yaml:"dilution_floor" json:"dilution_floor"`
	DilutionWeight int     `yaml:"dilution_weight" json:"dilution_weight"`

	AtelierWeight          int `yaml:"atelier_weight" json:"atelier_weight"`
	StrictDistrictWeight   int `yaml:"strict_district_weight" json:"strict_district_weight"`
	GroundFloorWeight      int `yaml:"ground_floor_weight" json:"ground_floor_weight"`
	VATWeight              int `yaml:"vat_weight" json:"vat_weight"`
	LocationMismatchWeight int `yaml:"location_mismatch_weight" json:"location_mismatch_weight"`
	ConversionWeight       int `yaml:"conversion_weight" json:"conversion_weight"`
	LiquidityWeight        int `yaml:"liquidity_weight" json:"liquidity_weight"`
	LiquidityHorizonYears  int `yaml:"liquidity_horizon_years" json:"liquidity_horizon_years"`

	NorthFacingAtelierWeight int `yaml:"north_facing_atelier_weight" json:"north_facing_atelier_weight"`
	Act15StallWeight         int `yaml:"act15_stall_weight" json:"act15_stall_weight"`
	Act15StallYears          int `yaml:"act15_stall_years" json:"act15_stall_years"`
	ElevatorBlockerWeight    int `yaml:"elevator_blocker_weight" json:"elevator_blocker_weight"`
	ElevatorFloorLimit       int `yaml:"elevator_floor_limit" json:"elevator_floor_limit"`
}

func DefaultRiskWeights() RiskWeights {
	return RiskWeights{
		Act16YearThreshold: 2010,
		Act16ModernBase:    35,
		Act16PerYear:       2,
		Act16ModernMax:     50,
		Act16LegacyPenalty: 10,

		AreaTolerance:    0.25,
		AreaWeight:       30,
		AreaExcessWeight: 40,
		AreaMax:          45,

		DilutionFloor:  0.75,
		DilutionWeight: 20,

		AtelierWeight:          25,
		StrictDistrictWeight:   10,
		GroundFloorWeight:      10,
		VATWeight:              5,
		LocationMismatchWeight: 15,
		ConversionWeight:       15,
		LiquidityWeight:        15,
		LiquidityHorizonYears:  2,

		NorthFacingAtelierWeight: 15,
		Act15StallWeight:         45,
		Act15StallYears:          2,
		ElevatorBlockerWeight:    40,
		ElevatorFloorLimit:       5,
	}
}

// Validate checks the weights keep the fused score bounded and monotone
func (w RiskWeights) Validate() error {
	for name, v := range map[string]int{
		"act16_modern_base":           w.Act16ModernBase,
		"act16_per_year":              w.Act16PerYear,
		"act16_modern_max":            w.Act16ModernMax,
		"act16_legacy_penalty":        w.Act16LegacyPenalty,
		"area_weight":                 w.AreaWeight,
		"area_max":                    w.AreaMax,
		"dilution_weight":             w.DilutionWeight,
		"atelier_weight":              w.AtelierWeight,
		"strict_district_weight":      w.StrictDistrictWeight,
		"ground_floor_weight":         w.GroundFloorWeight,
		"vat_weight":                  w.VATWeight,
		"location_mismatch_weight":    w.LocationMismatchWeight,
		"conversion_weight":           w.ConversionWeight,
		"liquidity_weight":            w.LiquidityWeight,
		"north_facing_atelier_weight": w.NorthFacingAtelierWeight,
		"act15_stall_weight":          w.Act15StallWeight,
		"act15_stall_years":           w.Act15StallYears,
		"elevator_blocker_weight":     w.ElevatorBlockerWeight,
		"elevator_floor_limit":        w.ElevatorFloorLimit,
	} {
		if v < 0 {
			return fmt.Errorf("%w: %s=%d", ErrNegativeWeight, name, v)
		}
	}
	if w.AreaExcessWeight < 0 {
		return fmt.Errorf("%w: area_excess_weight=%.2f", ErrNegativeWeight, w.AreaExcessWeight)
	}
	if w.AreaTolerance <= 0 || w.AreaTolerance > 5 {
		return ErrInvalidAreaTolerance
	}
	if w.DilutionFloor <= 0 || w.DilutionFloor > 1 {
		return ErrInvalidDilutionFloor
	}
	if w.Act16YearThreshold < 1900 || w.Act16YearThreshold > 2100 {
		return ErrInvalidYearThreshold
	}
	if w.LiquidityHorizonYears < 0 {
		return ErrInvalidLiquidityWindow
	}
	return nil
}

// ParseRiskWeights decodes YAML over the defaults, so omitted keys keep their default value
func ParseRiskWeights(data []byte) (RiskWeights, error) {
	weights := DefaultRiskWeights()
	if err := yaml.Unmarshal(data, &weights); err != nil {
		return RiskWeights{}, fmt.Errorf("failed to parse risk weights: %w", err)
	}
	if err := weights.Validate(); err != nil {
		return RiskWeights{}, err
	}
	return weights, nil
}

// LoadRiskWeights reads the weights file, falling back to defaults when it is missing or invalid
func LoadRiskWeights(path string) RiskWeights {
	if path == "" {
		return DefaultRiskWeights()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		logrus.Warnf("Risk weights file %s not readable, using defaults: %v", path, err)
		return DefaultRiskWeights()
	}

	weights, err := ParseRiskWeights(data)
	if err != nil {
		logrus.Warnf("Invalid risk weights in %s, using defaults: %v", path, err)
		return DefaultRiskWeights()
	}

	logrus.WithField("path", path).Info("Loaded risk weights")
	return weights
}
