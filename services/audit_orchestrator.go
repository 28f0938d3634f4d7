package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/victorrobotxt/Dali/config"
	"github.com/victorrobotxt/Dali/models"
	"github.com/victorrobotxt/Dali/shared"
	"golang.org/x/sync/errgroup"
)

// ListingSource fetches and parses one listing page
type ListingSource interface {
	Scrape(ctx context.Context, listingURL string) (*models.ScrapedListing, error)
}

// ImageStore archives listing photos and returns local paths
type ImageStore interface {
	Archive(ctx context.Context, listingID int64, imageURLs []string) ([]string, error)
}

// AuditDependencies are the collaborators of an AuditOrchestrator
type AuditDependencies struct {
	Store      AuditStore
	Scraper    ListingSource
	Registries RegistryFactory
	Analyzer   InsightAnalyzer
	Archiver   ImageStore
	Metrics    *shared.PipelineMetrics
}

// AuditOrchestrator drives one listing through the pipeline state machine
type AuditOrchestrator struct {
	cfg      config.PipelineConfig
	deps     AuditDependencies
	fusion   *RiskFusionEngine
	composer *ReportComposer
	retry    shared.RetryPolicy
	now      func() time.Time
	logger   *logrus.Logger
}

func NewAuditOrchestrator(cfg config.PipelineConfig, deps AuditDependencies) *AuditOrchestrator {
	return &AuditOrchestrator{
		cfg:      cfg,
		deps:     deps,
		fusion:   NewRiskFusionEngine(cfg.Weights),
		composer: NewReportComposer(cfg),
		retry: shared.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			Multiplier:  cfg.Retry.Multiplier,
		},
		now:    time.Now,
		logger: logrus.StandardLogger(),
	}
}

// runOutcome is what a successful attempt hands back to RunAudit
type runOutcome struct {
	skipped bool
	report  *models.Report
}

// RunAudit executes one audit run for a listing and returns a short completion message.
// A cancelled run resets the listing to PENDING and returns ErrRunCancelled.
func (o *AuditOrchestrator) RunAudit(ctx context.Context, listingID int64) (string, error) {
	runID := uuid.New()
	logger := o.logger.WithFields(logrus.Fields{
		"component":  "AuditOrchestrator",
		"listing_id": listingID,
		"run_id":     runID,
	})

	listing, err := o.deps.Store.GetListing(ctx, listingID)
	if err != nil {
		return "", err
	}
	if err := o.deps.Store.SetAuditStatus(ctx, listingID, models.AuditStatusProcessing, nil); err != nil {
		return "", fmt.Errorf("failed to mark listing %d processing: %w", listingID, err)
	}
	logger.WithField("url", listing.SourceURL).Info("Audit run started")

	var outcome *runOutcome
	attempts, err := o.retry.Do(ctx, "audit_run", func(ctx context.Context, attempt shared.Attempt) error {
		if attempt.Number > 1 {
			o.deps.Metrics.RecordRetry()
		}
		out, err := o.attempt(ctx, listing, runID, attempt)
		if err != nil {
			logger.WithError(err).WithField("attempt", attempt.Number).Warn("Audit attempt failed")
			return err
		}
		outcome = out
		return nil
	})

	if ctx.Err() != nil {
		o.resetPending(ctx, listingID, logger)
		return "", fmt.Errorf("listing %d: %w", listingID, shared.ErrRunCancelled)
	}

	if err != nil {
		if errors.Is(err, shared.ErrListingNotFound) {
			return "", err
		}
		return o.reject(ctx, listing, runID, attempts, err, logger)
	}

	if outcome.skipped {
		o.deps.Metrics.RecordOutcome("SKIPPED")
		logger.Info("Listing content unchanged, audit skipped")
		return "skipped: unchanged", nil
	}

	report := outcome.report
	o.deps.Metrics.RecordOutcome(string(report.Status))
	logger.WithFields(logrus.Fields{
		"status":     report.Status,
		"risk_score": report.RiskScore,
		"confidence": report.AIConfidence,
		"attempts":   attempts,
	}).Info("Audit run completed")
	return fmt.Sprintf("completed: %s (score %d)", report.Status, report.RiskScore), nil
}

// attempt runs every stage once. Skips and reports are both persisted before it returns.
func (o *AuditOrchestrator) attempt(ctx context.Context, listing *models.Listing, runID uuid.UUID, attempt shared.Attempt) (*runOutcome, error) {
	scraped, err := o.scrape(ctx, listing)
	if err != nil {
		return nil, err
	}
	if scraped.Price == 0 && listing.Price != nil {
		scraped.Price = *listing.Price
	}

	fingerprint := Fingerprint(scraped.RawText, scraped.Price)
	if listing.ContentHash != nil && *listing.ContentHash == fingerprint {
		skipped, err := o.skipUnchanged(ctx, listing.ID)
		if err != nil || skipped {
			return &runOutcome{skipped: skipped}, err
		}
	}

	evidence, err := o.gather(ctx, listing.ID, scraped, attempt)
	if err != nil {
		return nil, err
	}

	text := DetectTextSignals(scraped.RawText)
	stageStart := time.Now()
	assessment := o.fusion.Fuse(FusionInput{
		Scraped:       scraped,
		AI:            evidence.ai,
		Cadastre:      evidence.cadastre,
		Compliance:    evidence.compliance,
		Expropriation: evidence.expropriation,
		Text:          text,
		ReferenceYear: o.now().Year(),
	})
	brief := o.composer.Compose(scraped, assessment, evidence.ai)
	o.deps.Metrics.ObserveStage("fusion", time.Since(stageStart))

	status := o.Decide(assessment, evidence.ai)
	fatalCause := ""
	if defect := FatalDefect(assessment); defect != nil {
		fatalCause = defect.Error()
		o.logger.WithError(defect).WithField("listing_id", listing.ID).Warn("Fatal legal defect found")
	}
	details, err := json.Marshal(models.DiscrepancyDetails{
		Score:         assessment.Score,
		IsFatal:       assessment.IsFatal,
		FatalCause:    fatalCause,
		Flags:         assessment.Flags,
		Signals:       assessment.Signals,
		Unavailable:   assessment.Unavailable,
		Cadastre:      evidence.cadastre,
		Compliance:    evidence.compliance,
		Expropriation: evidence.expropriation,
		AI:            evidence.ai,
		TextSignals:   &text,
		Registry:      evidence.checks,
		Attempts:      attempt.Number,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode discrepancy details: %w", err)
	}

	report := &models.Report{
		ListingID:        listing.ID,
		RunID:            runID,
		Status:           status,
		RiskScore:        assessment.Score,
		AIConfidence:     evidence.ai.Confidence,
		LegalBrief:       brief,
		Discrepancy:      details,
		ImageArchiveRefs: evidence.images,
		Cost:             o.cfg.CostPerRun,
	}
	if err := o.persist(ctx, listing.ID, scraped, fingerprint, evidence, report); err != nil {
		return nil, err
	}
	return &runOutcome{report: report}, nil
}

func (o *AuditOrchestrator) scrape(ctx context.Context, listing *models.Listing) (scraped *models.ScrapedListing, err error) {
	stageCtx, span := shared.StartStage(ctx, "scrape", listing.ID)
	defer func(start time.Time) {
		o.deps.Metrics.ObserveStage("scrape", time.Since(start))
		shared.EndStage(span, err)
	}(time.Now())

	return o.deps.Scraper.Scrape(stageCtx, listing.SourceURL)
}

// skipUnchanged ends the run without new work when a report already covers this content
func (o *AuditOrchestrator) skipUnchanged(ctx context.Context, listingID int64) (bool, error) {
	latest, err := o.deps.Store.LatestReport(ctx, listingID)
	if err != nil {
		return false, err
	}
	if latest == nil {
		return false, nil
	}
	if err := o.deps.Store.SetAuditStatus(ctx, listingID, latest.Status, latest.Error); err != nil {
		return false, err
	}
	return true, nil
}

// runEvidence is the output of the concurrent fetch stage
type runEvidence struct {
	cadastre      *models.CadastreData
	compliance    *models.ComplianceData
	expropriation *models.ExpropriationData
	ai            *models.AIAnalysis
	images        []string
	checks        []models.RegistryCheckResult
}

// gather runs the dependency graph: cadastre then {compliance, expropriation}, alongside archive then AI.
// OFFLINE and NOT_FOUND are data. A registry ERROR always fails the attempt; an AI failure does unless it is the final one.
func (o *AuditOrchestrator) gather(ctx context.Context, listingID int64, scraped *models.ScrapedListing, attempt shared.Attempt) (*runEvidence, error) {
	registries := o.deps.Registries.ForRun()
	defer registries.Close()

	evidence := &runEvidence{images: []string{}}
	var mu sync.Mutex
	record := func(results ...models.RegistryCheckResult) {
		mu.Lock()
		evidence.checks = append(evidence.checks, results...)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		cadastre, result := o.lookupCadastre(gctx, listingID, registries.Cadastre, scraped.Address)
		evidence.cadastre = cadastre
		record(result)
		if err := o.registryFailure(result); err != nil {
			return err
		}

		cadastreID := ""
		if cadastre.Resolved() {
			cadastreID = cadastre.CadastreID
		}

		g.Go(func() error {
			stageCtx, span := shared.StartStage(gctx, "compliance", listingID)
			start := time.Now()
			compliance, results := registries.Compliance.CheckCompliance(stageCtx, cadastreID)
			o.deps.Metrics.ObserveStage("compliance", time.Since(start))
			evidence.compliance = compliance
			record(results...)
			var err error
			for _, r := range results {
				if err = o.registryFailure(r); err != nil {
					break
				}
			}
			shared.EndStage(span, err)
			return err
		})

		g.Go(func() error {
			stageCtx, span := shared.StartStage(gctx, "expropriation", listingID)
			start := time.Now()
			expropriation, result := registries.Expropriation.CheckExpropriation(stageCtx, cadastreID, scraped.Neighborhood)
			o.deps.Metrics.ObserveStage("expropriation", time.Since(start))
			evidence.expropriation = expropriation
			record(result)
			err := o.registryFailure(result)
			shared.EndStage(span, err)
			return err
		})
		return nil
	})

	g.Go(func() error {
		images, err := o.archive(gctx, listingID, scraped.ImageURLs)
		if err != nil {
			return err
		}
		evidence.images = images

		ai, err := o.analyze(gctx, listingID, scraped, images, attempt)
		if err != nil {
			return err
		}
		evidence.ai = ai
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(evidence.checks, func(i, j int) bool {
		return registryRank(evidence.checks[i].Registry) < registryRank(evidence.checks[j].Registry)
	})
	return evidence, nil
}

func (o *AuditOrchestrator) lookupCadastre(ctx context.Context, listingID int64, registry CadastreRegistry, address string) (*models.CadastreData, models.RegistryCheckResult) {
	stageCtx, span := shared.StartStage(ctx, "cadastre", listingID)
	start := time.Now()
	cadastre, result := registry.LookupCadastre(stageCtx, address)
	o.deps.Metrics.ObserveStage("cadastre", time.Since(start))

	var err error
	if result.Status == models.RegistryStatusError {
		err = errors.New(result.Error)
	}
	shared.EndStage(span, err)
	return cadastre, result
}

// registryFailure turns a registry ERROR into a retryable attempt failure.
// An ERROR is never trusted as data, so exhausting the budget on it rejects the run.
func (o *AuditOrchestrator) registryFailure(result models.RegistryCheckResult) error {
	if result.Status != models.RegistryStatusError {
		return nil
	}
	return shared.NewServiceError(shared.ErrorCategoryUpstream, "REGISTRY_ERROR",
		fmt.Sprintf("%s registry returned an unusable response: %s", result.Registry, result.Error),
		"AuditOrchestrator", "gather", true, shared.ErrRegistryMalformed).WithDetails(result)
}

// archive only fails on cancellation. Other archive errors leave the run without images.
func (o *AuditOrchestrator) archive(ctx context.Context, listingID int64, imageURLs []string) ([]string, error) {
	stageCtx, span := shared.StartStage(ctx, "archive", listingID)
	start := time.Now()
	images, err := o.deps.Archiver.Archive(stageCtx, listingID, imageURLs)
	o.deps.Metrics.ObserveStage("archive", time.Since(start))
	shared.EndStage(span, err)

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		o.logger.WithError(err).WithField("listing_id", listingID).Warn("Image archival failed, continuing without images")
		return []string{}, nil
	}
	if images == nil {
		images = []string{}
	}
	return images, nil
}

func (o *AuditOrchestrator) analyze(ctx context.Context, listingID int64, scraped *models.ScrapedListing, images []string, attempt shared.Attempt) (*models.AIAnalysis, error) {
	stageCtx, span := shared.StartStage(ctx, "ai", listingID)
	start := time.Now()
	ai, err := o.deps.Analyzer.Analyze(stageCtx, InsightRequest{
		Text:       truncateRunes(scraped.RawText, o.cfg.MaxAIChars),
		ImagePaths: limitPaths(images, o.cfg.MaxAIImages),
	})
	if err == nil {
		err = ai.Validate()
		if err != nil {
			err = fmt.Errorf("%w: %v", shared.ErrAIAnalysisFailed, err)
		}
	}
	o.deps.Metrics.ObserveStage("ai", time.Since(start))
	shared.EndStage(span, err)

	if err == nil {
		return ai, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if attempt.Final {
		o.logger.WithError(err).WithField("listing_id", listingID).Warn("AI analysis failed on final attempt, using placeholder")
		return models.PlaceholderAnalysis(), nil
	}
	return nil, shared.NewServiceError(shared.ErrorCategoryUpstream, "AI_FAILED",
		"AI analysis failed", "AuditOrchestrator", "analyze", true, err)
}

// Decide maps an assessment to a terminal status
func (o *AuditOrchestrator) Decide(assessment models.RiskAssessment, ai *models.AIAnalysis) models.AuditStatus {
	confidence := 0
	if ai != nil {
		confidence = ai.Confidence
	}
	switch {
	case assessment.IsFatal:
		return models.AuditStatusRejected
	case assessment.Score < o.cfg.VerifiedThreshold && confidence >= o.cfg.ConfidenceThreshold:
		return models.AuditStatusVerified
	default:
		return models.AuditStatusManualReview
	}
}

func (o *AuditOrchestrator) persist(ctx context.Context, listingID int64, scraped *models.ScrapedListing, fingerprint string, evidence *runEvidence, report *models.Report) (err error) {
	ctx, span := shared.StartStage(ctx, "persist", listingID)
	defer func(start time.Time) {
		o.deps.Metrics.ObserveStage("persist", time.Since(start))
		shared.EndStage(span, err)
	}(time.Now())

	err = o.deps.Store.UpdateListingData(ctx, listingID, models.ListingUpdate{
		Price:          scraped.Price,
		Area:           scraped.Area,
		RawDescription: scraped.RawText,
		Neighborhood:   scraped.Neighborhood,
		ContentHash:    fingerprint,
	})
	if err != nil {
		return err
	}

	if evidence.cadastre.Resolved() {
		building := models.Building{CadastreID: evidence.cadastre.CadastreID}
		if evidence.cadastre.Address != "" {
			address := evidence.cadastre.Address
			building.Address = &address
		}
		if evidence.ai != nil && evidence.ai.ConstructionYear > 0 {
			year := evidence.ai.ConstructionYear
			building.ConstructionYear = &year
		}
		buildingID, err := o.deps.Store.UpsertBuilding(ctx, building)
		if err != nil {
			return err
		}
		report.BuildingID = &buildingID
	}

	return o.deps.Store.AppendReport(ctx, report)
}

// reject appends the REJECTED report of a run that could not complete
func (o *AuditOrchestrator) reject(ctx context.Context, listing *models.Listing, runID uuid.UUID, attempts int, cause error, logger *logrus.Entry) (string, error) {
	message := cause.Error()
	rejection := models.DiscrepancyDetails{
		Flags:       []models.RiskFlag{},
		Signals:     map[string]string{},
		Unavailable: []string{},
		Error:       message,
		Attempts:    attempts,
	}
	var serviceErr *shared.ServiceError
	if errors.As(cause, &serviceErr) {
		serviceErr.LogError()
		if check, ok := serviceErr.Details.(models.RegistryCheckResult); ok {
			rejection.Registry = []models.RegistryCheckResult{check}
		}
	}
	details, _ := json.Marshal(rejection)
	report := &models.Report{
		ListingID:        listing.ID,
		RunID:            runID,
		Status:           models.AuditStatusRejected,
		LegalBrief:       fmt.Sprintf("Audit could not be completed after %d attempt(s): %s\n", attempts, message),
		Discrepancy:      details,
		ImageArchiveRefs: []string{},
		Error:            &message,
	}
	if err := o.deps.Store.AppendReport(ctx, report); err != nil {
		logger.WithError(err).Error("Failed to persist rejection report")
		_ = o.deps.Store.SetAuditStatus(ctx, listing.ID, models.AuditStatusRejected, &message)
	}

	o.deps.Metrics.RecordOutcome(string(models.AuditStatusRejected))
	logger.WithError(cause).WithField("attempts", attempts).Error("Audit run rejected after exhausting retries")
	return fmt.Sprintf("rejected: %s", message), cause
}

func (o *AuditOrchestrator) resetPending(ctx context.Context, listingID int64, logger *logrus.Entry) {
	resetCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.deps.Store.SetAuditStatus(resetCtx, listingID, models.AuditStatusPending, nil); err != nil {
		logger.WithError(err).Error("Failed to reset cancelled run to PENDING")
		return
	}
	logger.Warn("Audit run cancelled, listing reset to PENDING")
}

func limitPaths(paths []string, n int) []string {
	if n > 0 && len(paths) > n {
		return paths[:n]
	}
	return paths
}

func registryRank(registry string) int {
	switch registry {
	case RegistryCadastre:
		return 0
	case RegistryAct16:
		return 1
	case RegistryPermits:
		return 2
	case RegistryExpropriation:
		return 3
	}
	return 4
}
