package services

import (
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/victorrobotxt/Dali/config"
	"github.com/victorrobotxt/Dali/models"
)

// Severity bands of a legal brief
const (
	BandClear        = "CLEAR"
	BandCaution      = "CAUTION"
	BandHighRisk     = "HIGH RISK"
	BandDoNotProceed = "DO NOT PROCEED"
)

// ReportComposer renders a plain-text legal brief from already fused values
type ReportComposer struct {
	bands config.BriefBands
}

func NewReportComposer(cfg config.PipelineConfig) *ReportComposer {
	return &ReportComposer{bands: cfg.Bands}
}

// Band maps a score to its severity band. Fatal assessments are always DO NOT PROCEED.
func (c *ReportComposer) Band(score int, fatal bool) string {
	switch {
	case fatal || score >= c.bands.DoNotProceed:
		return BandDoNotProceed
	case score >= c.bands.HighRisk:
		return BandHighRisk
	case score >= c.bands.Caution:
		return BandCaution
	default:
		return BandClear
	}
}

// Compose builds the brief. It never changes the score or the flags.
func (c *ReportComposer) Compose(scraped *models.ScrapedListing, assessment models.RiskAssessment, ai *models.AIAnalysis) string {
	if scraped == nil {
		scraped = &models.ScrapedListing{}
	}
	if ai == nil {
		ai = models.PlaceholderAnalysis()
	}
	evidence := assessment.Evidence

	var b strings.Builder

	// 1. executive summary
	section(&b, "EXECUTIVE SUMMARY")
	fmt.Fprintf(&b, "Verdict: %s (risk score %d/100)\n", c.Band(assessment.Score, assessment.IsFatal), assessment.Score)
	if scraped.Title != "" {
		fmt.Fprintf(&b, "Listing: %s\n", scraped.Title)
	}
	if scraped.SourceURL != "" {
		fmt.Fprintf(&b, "Source: %s\n", scraped.SourceURL)
	}
	if scraped.Price > 0 {
		fmt.Fprintf(&b, "Asking price: %s %s\n", formatAmount(scraped.Price), scraped.Currency)
	}
	if assessment.IsFatal {
		b.WriteString("A fatal legal defect was found. The transaction should not proceed.\n")
	}
	fmt.Fprintf(&b, "Analysis confidence: %d/100\n", ai.Confidence)

	// 2. registry & compliance findings
	section(&b, "REGISTRY & COMPLIANCE FINDINGS")
	rows := [][]string{{"Source", "Status", "Finding"}}
	rows = append(rows, []string{"Cadastre (KAIS)", statusOf(assessment, models.SignalCadastre), cadastreFinding(evidence.Cadastre)})
	rows = append(rows, []string{"Act 16 register", statusOf(assessment, models.SignalCompliance), complianceFinding(evidence.Compliance)})
	if evidence.Compliance != nil && evidence.Compliance.PermitStatus != "" {
		rows = append(rows, []string{"Building permits", string(evidence.Compliance.PermitStatus), fmt.Sprintf("%d permit(s) on record", evidence.Compliance.PermitCount)})
	}
	rows = append(rows, []string{"Expropriation", statusOf(assessment, models.SignalExpropriation), expropriationFinding(evidence.Expropriation)})
	rows = append(rows, []string{"AI analysis", statusOf(assessment, models.SignalAI), aiFinding(ai)})
	writeTable(&b, rows)

	// 3. cadastral area comparison
	section(&b, "CADASTRAL AREA COMPARISON")
	official := 0.0
	if evidence.Cadastre != nil {
		official = evidence.Cadastre.OfficialArea
	}
	areaRows := [][]string{{"Measure", "Area (m²)"}}
	areaRows = append(areaRows, []string{"Advertised", formatArea(scraped.Area)})
	areaRows = append(areaRows, []string{"Official (cadastre)", formatArea(official)})
	areaRows = append(areaRows, []string{"Net living (analysis)", formatArea(ai.NetLivingArea)})
	writeTable(&b, areaRows)
	if scraped.Area > 0 && official > 0 {
		fmt.Fprintf(&b, "Difference: %+.1f%% against the official area\n", (scraped.Area-official)/official*100)
	} else {
		b.WriteString("Difference: not computable\n")
	}

	// 4. legal classification
	section(&b, "LEGAL CLASSIFICATION")
	switch {
	case assessment.HasFlag(FlagAtelierStatus):
		b.WriteString("Classification: atelier (non-residential)\n")
	default:
		b.WriteString("Classification: residential dwelling\n")
	}
	if assessment.HasFlag(FlagAct16Missing) {
		b.WriteString("Commissioning: no Act 16 certificate on record\n")
	} else if evidence.Compliance != nil && evidence.Compliance.HasAct16 {
		b.WriteString("Commissioning: Act 16 certificate on record\n")
	} else {
		b.WriteString("Commissioning: not confirmed\n")
	}
	if assessment.HasFlag(FlagStalledAct15) {
		b.WriteString("Construction: stalled at Act 15, possible non-compliance\n")
	}
	if assessment.HasFlag(FlagElevatorBlocker) {
		b.WriteString("Construction: missing elevator blocks Act 16\n")
	}
	if ai.ConstructionYear > 0 {
		fmt.Fprintf(&b, "Construction year (estimate): %d\n", ai.ConstructionYear)
	}

	// 5. flags
	section(&b, "FLAGS")
	if len(assessment.Flags) == 0 {
		b.WriteString("none\n")
	}
	for _, flag := range assessment.Flags {
		fmt.Fprintf(&b, "[%s] %s (+%d): %s\n", flag.Severity, flag.Code, flag.Weight, flag.Message)
	}

	// 6. unavailable signals
	section(&b, "UNAVAILABLE SIGNALS")
	if len(assessment.Unavailable) == 0 {
		b.WriteString("none\n")
	}
	for _, source := range assessment.Unavailable {
		fmt.Fprintf(&b, "- %s: %s\n", source, assessment.Signals[source])
	}

	return b.String()
}

func section(b *strings.Builder, title string) {
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	b.WriteString(title + "\n")
	b.WriteString(strings.Repeat("=", runewidth.StringWidth(title)) + "\n")
}

// writeTable pads cells by display width so Cyrillic text lines up
func writeTable(b *strings.Builder, rows [][]string) {
	widths := make([]int, 0)
	for _, row := range rows {
		for i, cell := range row {
			if i >= len(widths) {
				widths = append(widths, 0)
			}
			if w := runewidth.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	for r, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			if i == len(row)-1 {
				cells[i] = cell
			} else {
				cells[i] = runewidth.FillRight(cell, widths[i])
			}
		}
		b.WriteString(strings.TrimRight(strings.Join(cells, " | "), " ") + "\n")
		if r == 0 {
			sep := make([]string, len(row))
			for i := range row {
				sep[i] = strings.Repeat("-", widths[i])
			}
			b.WriteString(strings.Join(sep, "-+-") + "\n")
		}
	}
}

func statusOf(assessment models.RiskAssessment, source string) string {
	if status, ok := assessment.Signals[source]; ok {
		return status
	}
	return SignalMissing
}

func cadastreFinding(data *models.CadastreData) string {
	switch {
	case data == nil:
		return "not queried"
	case data.Status == models.RegistryStatusLive:
		if data.Address != "" {
			return fmt.Sprintf("%s, %s", data.CadastreID, data.Address)
		}
		return data.CadastreID
	case data.Status == models.RegistryStatusNotFound:
		return "no cadastral match"
	default:
		return "registry unavailable"
	}
}

func complianceFinding(data *models.ComplianceData) string {
	switch {
	case data == nil:
		return "not queried"
	case !data.Checked && data.Status == models.RegistryStatusNotFound:
		return "skipped, no cadastral id"
	case !data.Checked:
		return "registry unavailable"
	case data.HasAct16:
		return fmt.Sprintf("%d certificate(s) found", data.Certificates)
	default:
		return "no certificate found"
	}
}

func expropriationFinding(data *models.ExpropriationData) string {
	switch {
	case data == nil:
		return "not queried"
	case data.Expropriated:
		if data.Details != "" {
			return "LISTED: " + runewidth.Truncate(data.Details, 60, "...")
		}
		return "LISTED"
	case data.Status == models.RegistryStatusNotFound:
		return "not listed"
	default:
		return "registry unavailable"
	}
}

func aiFinding(ai *models.AIAnalysis) string {
	if ai.Placeholder {
		return "placeholder, analysis failed"
	}
	parts := []string{fmt.Sprintf("confidence %d", ai.Confidence)}
	if ai.Neighborhood != "" {
		parts = append(parts, ai.Neighborhood)
	}
	if len(ai.VisualDefects) > 0 {
		parts = append(parts, "defects: "+strings.Join(ai.VisualDefects, ", "))
	}
	return strings.Join(parts, "; ")
}

func formatArea(area float64) string {
	if area <= 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.1f", area)
}

// formatAmount groups thousands with spaces, as Bulgarian listings do
func formatAmount(amount float64) string {
	digits := fmt.Sprintf("%.0f", amount)
	var groups []string
	for len(digits) > 3 {
		groups = append([]string{digits[len(digits)-3:]}, groups...)
		digits = digits[:len(digits)-3]
	}
	groups = append([]string{digits}, groups...)
	return strings.Join(groups, " ")
}
