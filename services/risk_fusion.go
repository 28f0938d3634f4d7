package services

import (
	"fmt"
	"math"
	"strings"

	"github.com/victorrobotxt/Dali/config"
	"github.com/victorrobotxt/Dali/models"
	"github.com/victorrobotxt/Dali/shared"
)

// Flag codes raised by risk fusion
const (
	FlagExpropriation     = "EXPROPRIATION"
	FlagAct16Missing      = "ACT16_MISSING"
	FlagAct16NotDigitized = "ACT16_NOT_DIGITIZED"
	FlagAreaDiscrepancy   = "AREA_DISCREPANCY"
	FlagSpaceDilution     = "SPACE_DILUTION"
	FlagAtelierStatus     = "ATELIER_STATUS"
	FlagStrictDistrict    = "STRICT_DISTRICT"
	FlagGroundFloor       = "GROUND_FLOOR"
	FlagVATExcluded       = "VAT_EXCLUDED"
	FlagLocationMismatch  = "LOCATION_MISMATCH"
	FlagConvertedLayout   = "CONVERTED_LAYOUT"
	FlagCompletionDelay   = "COMPLETION_DELAY"
	FlagLitigation        = "LITIGATION"
	FlagDistraint         = "DISTRAINT"
	FlagRightOfUse        = "RIGHT_OF_USE"
	FlagPrivateSeller     = "PRIVATE_SELLER"
	FlagNorthFacing       = "NORTH_FACING"
	FlagStalledAct15      = "STALLED_ACT15"
	FlagElevatorBlocker   = "ACT16_ELEVATOR_BLOCKER"
)

const (
	maxScore       = 100
	strictDistrict = 4
	vatMultiplier  = 1.2
)

// Signal availability values recorded on the assessment
const (
	SignalMissing     = "MISSING"
	SignalPlaceholder = "PLACEHOLDER"
)

// FusionInput is everything fusion looks at. Nil members mean the source produced nothing.
type FusionInput struct {
	Scraped       *models.ScrapedListing
	AI            *models.AIAnalysis
	Cadastre      *models.CadastreData
	Compliance    *models.ComplianceData
	Expropriation *models.ExpropriationData
	Text          models.TextSignals
	ReferenceYear int
}

// RiskFusionEngine scores a fusion input with configured weights. It has no side effects.
type RiskFusionEngine struct {
	weights config.RiskWeights
	utility *UtilityService
}

func NewRiskFusionEngine(weights config.RiskWeights) *RiskFusionEngine {
	return &RiskFusionEngine{weights: weights, utility: NewUtilityService()}
}

type scoreSheet struct {
	total int
	flags []models.RiskFlag
}

func (s *scoreSheet) add(code string, severity models.Severity, weight int, format string, args ...interface{}) {
	if weight < 0 {
		weight = 0
	}
	s.total += weight
	s.flags = append(s.flags, models.RiskFlag{
		Code:     code,
		Severity: severity,
		Message:  fmt.Sprintf(format, args...),
		Weight:   weight,
	})
}

// Fuse combines all signals into a bounded score, a flag list and a fatal decision
func (e *RiskFusionEngine) Fuse(in FusionInput) models.RiskAssessment {
	w := e.weights
	assessment := models.RiskAssessment{
		Flags: []models.RiskFlag{},
		Evidence: models.RegistryEvidence{
			Cadastre:      in.Cadastre,
			Compliance:    in.Compliance,
			Expropriation: in.Expropriation,
		},
	}
	assessment.Signals, assessment.Unavailable = signalAvailability(in)

	if in.Expropriation != nil && in.Expropriation.Status == models.RegistryStatusLive && in.Expropriation.Expropriated {
		assessment.Score = maxScore
		assessment.IsFatal = true
		assessment.Flags = []models.RiskFlag{{
			Code:     FlagExpropriation,
			Severity: models.SeverityFatal,
			Message:  "Property is listed in the municipal expropriation register",
			Weight:   maxScore,
		}}
		return assessment
	}

	sheet := &scoreSheet{}
	scraped := in.Scraped
	if scraped == nil {
		scraped = &models.ScrapedListing{}
	}
	ai := in.AI
	if ai == nil {
		ai = models.PlaceholderAnalysis()
	}

	// commissioning certificate
	if in.Compliance != nil && in.Compliance.Checked && !in.Compliance.HasAct16 && ai.ConstructionYear > 0 {
		if ai.ConstructionYear > w.Act16YearThreshold {
			penalty := w.Act16ModernBase + w.Act16PerYear*(ai.ConstructionYear-w.Act16YearThreshold)
			if penalty > w.Act16ModernMax {
				penalty = w.Act16ModernMax
			}
			sheet.add(FlagAct16Missing, models.SeverityHigh, penalty,
				"No Act 16 commissioning certificate found for a building from %d", ai.ConstructionYear)
		} else {
			sheet.add(FlagAct16NotDigitized, models.SeverityInfo, w.Act16LegacyPenalty,
				"Act 16 not found; registers before %d are often not digitized", w.Act16YearThreshold+1)
		}
	}

	// still at Act 15 years after construction
	if in.Text.Act15 && ai.ConstructionYear > 0 && in.ReferenceYear-ai.ConstructionYear > w.Act15StallYears {
		sheet.add(FlagStalledAct15, models.SeverityHigh, w.Act15StallWeight,
			"Listing still cites Act 15 for a building from %d", ai.ConstructionYear)
	}

	if in.Text.NoElevator && in.Text.FloorCount > w.ElevatorFloorLimit {
		sheet.add(FlagElevatorBlocker, models.SeverityHigh, w.ElevatorBlockerWeight,
			"%d-floor building without an elevator cannot obtain Act 16", in.Text.FloorCount)
	}

	// advertised vs cadastral area
	if in.Cadastre != nil && scraped.Area > 0 && in.Cadastre.OfficialArea > 0 {
		ratio := (scraped.Area - in.Cadastre.OfficialArea) / in.Cadastre.OfficialArea
		if ratio > w.AreaTolerance {
			penalty := w.AreaWeight + int(math.Round(w.AreaExcessWeight*(ratio-w.AreaTolerance)))
			if penalty > w.AreaMax {
				penalty = w.AreaMax
			}
			sheet.add(FlagAreaDiscrepancy, models.SeverityHigh, penalty,
				"Advertised area %.1f m² is %.0f%% larger than the official %.1f m²", scraped.Area, ratio*100, in.Cadastre.OfficialArea)
		}
	}

	// net vs gross area
	if ai.NetLivingArea > 0 && scraped.Area > 0 {
		usable := ai.NetLivingArea / scraped.Area
		if usable < w.DilutionFloor {
			sheet.add(FlagSpaceDilution, models.SeverityWarn, w.DilutionWeight,
				"Net living area %.1f m² is only %.0f%% of the advertised %.1f m²", ai.NetLivingArea, usable*100, scraped.Area)
		}
	}

	if ai.IsAtelier || in.Text.AtelierStatute {
		sheet.add(FlagAtelierStatus, models.SeverityHigh, w.AtelierWeight,
			"Unit has atelier (non-residential) legal status")
		district := e.utility.NormalizeNeighborhood(scraped.Neighborhood)
		if district != "" && LookupDistrict(district).Strictness >= strictDistrict {
			sheet.add(FlagStrictDistrict, models.SeverityWarn, w.StrictDistrictWeight,
				"District %s rarely grants address registration for ateliers", district)
		}
		if in.Text.NorthFacing {
			sheet.add(FlagNorthFacing, models.SeverityWarn, w.NorthFacingAtelierWeight,
				"North-facing atelier cannot be re-registered as a dwelling")
		}
	}

	if in.Text.GroundFloor {
		sheet.add(FlagGroundFloor, models.SeverityWarn, w.GroundFloorWeight, "Unit is on the ground floor or below")
	}

	if in.Text.VATExcluded {
		if scraped.Price > 0 {
			sheet.add(FlagVATExcluded, models.SeverityInfo, w.VATWeight,
				"Price excludes VAT; the VAT-inclusive price is %.0f", scraped.Price*vatMultiplier)
		} else {
			sheet.add(FlagVATExcluded, models.SeverityInfo, w.VATWeight, "Price excludes VAT")
		}
	}

	if claimed := e.utility.NormalizeNeighborhood(scraped.Neighborhood); claimed != "" {
		cadastreDistrict := ""
		if in.Cadastre.Resolved() {
			cadastreDistrict = e.utility.AddressDistrict(in.Cadastre.Address)
		}
		for _, detected := range []struct{ district, source string }{
			{cadastreDistrict, "the cadastre"},
			{e.utility.NormalizeNeighborhood(ai.Neighborhood), "the analysis"},
		} {
			if detected.district != "" && !sameDistrict(claimed, detected.district) {
				sheet.add(FlagLocationMismatch, models.SeverityWarn, w.LocationMismatchWeight,
					"Listing claims %s but %s places it in %s", claimed, detected.source, detected.district)
				break
			}
		}
	}

	if in.Text.ConversionRisk {
		sheet.add(FlagConvertedLayout, models.SeverityWarn, w.ConversionWeight,
			"Layout appears converted (absorbed balcony, kitchen or corridor)")
	}

	if in.ReferenceYear > 0 && in.Text.CompletionYear > in.ReferenceYear+w.LiquidityHorizonYears {
		sheet.add(FlagCompletionDelay, models.SeverityWarn, w.LiquidityWeight,
			"Completion expected in %d, more than %d years away", in.Text.CompletionYear, w.LiquidityHorizonYears)
	}

	if in.Text.PrivateOnly {
		sheet.add(FlagPrivateSeller, models.SeverityInfo, 0, "Seller accepts private buyers only")
	}

	assessment.Score = sheet.total
	if assessment.Score > maxScore {
		assessment.Score = maxScore
	}
	assessment.Flags = append(assessment.Flags, sheet.flags...)

	// textual fatal defects override the sum but keep the other flags
	if in.Text.Litigation {
		assessment.Flags = append(assessment.Flags, fatalFlag(FlagLitigation, "Listing mentions pending litigation"))
	}
	if in.Text.Distraint {
		assessment.Flags = append(assessment.Flags, fatalFlag(FlagDistraint, "Listing mentions a distraint or enforcement lien"))
	}
	if in.Text.RightOfUse {
		assessment.Flags = append(assessment.Flags, fatalFlag(FlagRightOfUse, "A right of use is reserved over the property"))
	}
	if in.Text.Litigation || in.Text.Distraint || in.Text.RightOfUse {
		assessment.IsFatal = true
		assessment.Score = maxScore
	}

	return assessment
}

// FatalDefect returns the fatal legal defect behind an assessment, or nil when it is not fatal
func FatalDefect(assessment models.RiskAssessment) error {
	if !assessment.IsFatal {
		return nil
	}
	var reasons []string
	for _, flag := range assessment.Flags {
		if flag.Severity == models.SeverityFatal {
			reasons = append(reasons, flag.Message)
		}
	}
	return fmt.Errorf("%w: %s", shared.ErrFatalLegalDefect, strings.Join(reasons, "; "))
}

func fatalFlag(code, message string) models.RiskFlag {
	return models.RiskFlag{Code: code, Severity: models.SeverityFatal, Message: message, Weight: maxScore}
}

// sameDistrict treats "MLADOST 1" and "MLADOST" as the same area
func sameDistrict(a, b string) bool {
	return a == b || strings.HasPrefix(a, b+" ") || strings.HasPrefix(b, a+" ")
}

// signalAvailability lists each source's status and which ones gave no usable signal
func signalAvailability(in FusionInput) (map[string]string, []string) {
	signals := map[string]string{
		models.SignalCadastre:      SignalMissing,
		models.SignalCompliance:    SignalMissing,
		models.SignalExpropriation: SignalMissing,
		models.SignalAI:            SignalMissing,
	}
	if in.Cadastre != nil {
		signals[models.SignalCadastre] = string(in.Cadastre.Status)
	}
	if in.Compliance != nil {
		signals[models.SignalCompliance] = string(in.Compliance.Status)
	}
	if in.Expropriation != nil {
		signals[models.SignalExpropriation] = string(in.Expropriation.Status)
	}
	if in.AI != nil {
		signals[models.SignalAI] = string(models.RegistryStatusLive)
		if in.AI.Placeholder {
			signals[models.SignalAI] = SignalPlaceholder
		}
	}

	unavailable := []string{}
	for _, source := range []string{models.SignalCadastre, models.SignalCompliance, models.SignalExpropriation, models.SignalAI} {
		switch signals[source] {
		case string(models.RegistryStatusOffline), string(models.RegistryStatusError), SignalPlaceholder, SignalMissing:
			unavailable = append(unavailable, source)
		}
	}
	return signals, unavailable
}
