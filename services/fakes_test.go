package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/victorrobotxt/Dali/models"
	"github.com/victorrobotxt/Dali/shared"
)

// memoryStore is an in-memory AuditStore
type memoryStore struct {
	mu        sync.Mutex
	nextID    int64
	listings  map[int64]*models.Listing
	reports   []*models.Report
	buildings map[string]int64
	history   map[int64][]models.PriceHistory
	statuses  []models.AuditStatus
	updates   []models.ListingUpdate
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		listings:  make(map[int64]*models.Listing),
		buildings: make(map[string]int64),
		history:   make(map[int64][]models.PriceHistory),
	}
}

func (s *memoryStore) addListing(listing models.Listing) *models.Listing {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	if listing.ID == 0 {
		listing.ID = s.nextID
	}
	if listing.AuditStatus == "" {
		listing.AuditStatus = models.AuditStatusPending
	}
	s.listings[listing.ID] = &listing
	return &listing
}

func (s *memoryStore) CreateOrGetListing(ctx context.Context, sourceURL string, priceOverride float64) (*models.Listing, bool, error) {
	s.mu.Lock()
	for _, l := range s.listings {
		if l.SourceURL == sourceURL {
			copied := *l
			s.mu.Unlock()
			return &copied, false, nil
		}
	}
	s.mu.Unlock()

	listing := models.Listing{SourceURL: sourceURL}
	if priceOverride > 0 {
		listing.Price = &priceOverride
	}
	return s.addListing(listing), true, nil
}

func (s *memoryStore) GetListing(ctx context.Context, id int64) (*models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok {
		return nil, fmt.Errorf("listing %d: %w", id, shared.ErrListingNotFound)
	}
	copied := *l
	return &copied, nil
}

func (s *memoryStore) SetAuditStatus(ctx context.Context, id int64, status models.AuditStatus, lastError *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok {
		return fmt.Errorf("listing %d: %w", id, shared.ErrListingNotFound)
	}
	l.AuditStatus = status
	l.LastError = lastError
	s.statuses = append(s.statuses, status)
	return nil
}

func (s *memoryStore) UpdateListingData(ctx context.Context, id int64, update models.ListingUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok {
		return fmt.Errorf("listing %d: %w", id, shared.ErrListingNotFound)
	}
	if update.Price > 0 && (l.Price == nil || *l.Price != update.Price) {
		s.history[id] = append(s.history[id], models.PriceHistory{ListingID: id, Price: update.Price, ChangedAt: time.Now()})
	}
	price, area, desc, hood, hash := update.Price, update.Area, update.RawDescription, update.Neighborhood, update.ContentHash
	l.Price, l.Area, l.RawDescription, l.Neighborhood, l.ContentHash = &price, &area, &desc, &hood, &hash
	s.updates = append(s.updates, update)
	return nil
}

func (s *memoryStore) UpsertBuilding(ctx context.Context, building models.Building) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.buildings[building.CadastreID]; ok {
		return id, nil
	}
	id := int64(len(s.buildings) + 1)
	s.buildings[building.CadastreID] = id
	return id, nil
}

func (s *memoryStore) AppendReport(ctx context.Context, report *models.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	report.ID = int64(len(s.reports) + 1)
	report.CreatedAt = time.Now()
	stored := *report
	s.reports = append(s.reports, &stored)
	if l, ok := s.listings[report.ListingID]; ok {
		l.AuditStatus = report.Status
		l.LastError = report.Error
		s.statuses = append(s.statuses, report.Status)
	}
	return nil
}

func (s *memoryStore) CountReports(ctx context.Context, listingID int64) (int, error) {
	reports, _ := s.ListReports(ctx, listingID, 0)
	return len(reports), nil
}

func (s *memoryStore) LatestReport(ctx context.Context, listingID int64) (*models.Report, error) {
	reports, _ := s.ListReports(ctx, listingID, 1)
	if len(reports) == 0 {
		return nil, nil
	}
	return &reports[0], nil
}

func (s *memoryStore) ListReports(ctx context.Context, listingID int64, limit int) ([]models.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Report
	for i := len(s.reports) - 1; i >= 0; i-- {
		if s.reports[i].ListingID == listingID {
			out = append(out, *s.reports[i])
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memoryStore) PriceHistory(ctx context.Context, listingID int64) ([]models.PriceHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.PriceHistory(nil), s.history[listingID]...), nil
}

func (s *memoryStore) UpdateReportReview(ctx context.Context, reportID int64, status models.AuditStatus, notes *string) (*models.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.reports {
		if r.ID == reportID {
			r.Status = status
			r.ManualReviewNotes = notes
			copied := *r
			return &copied, nil
		}
	}
	return nil, ErrReportNotFound
}

func (s *memoryStore) ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id, l := range s.listings {
		if l.AuditStatus == models.AuditStatusPending || l.AuditStatus == models.AuditStatusProcessing {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *memoryStore) Ping(ctx context.Context) error { return nil }

func (s *memoryStore) reportsFor(listingID int64) []*models.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Report
	for _, r := range s.reports {
		if r.ListingID == listingID {
			out = append(out, r)
		}
	}
	return out
}

func (s *memoryStore) status(listingID int64) models.AuditStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listings[listingID].AuditStatus
}

// fakeScraper returns a copy of listing, or the next queued error
type fakeScraper struct {
	listing models.ScrapedListing
	errs    []error
	hook    func(ctx context.Context) error
	calls   atomic.Int32
}

func (f *fakeScraper) Scrape(ctx context.Context, listingURL string) (*models.ScrapedListing, error) {
	n := int(f.calls.Add(1))
	if f.hook != nil {
		if err := f.hook(ctx); err != nil {
			return nil, err
		}
	}
	if n <= len(f.errs) && f.errs[n-1] != nil {
		return nil, f.errs[n-1]
	}
	copied := f.listing
	copied.ImageURLs = append([]string(nil), f.listing.ImageURLs...)
	return &copied, nil
}

type fakeCadastre struct {
	results []models.RegistryStatus
	data    models.CadastreData
	calls   atomic.Int32
}

func (f *fakeCadastre) LookupCadastre(ctx context.Context, address string) (*models.CadastreData, models.RegistryCheckResult) {
	n := int(f.calls.Add(1))
	status := f.data.Status
	if n <= len(f.results) {
		status = f.results[n-1]
	}
	data := f.data
	data.Status = status
	check := models.RegistryCheckResult{Registry: RegistryCadastre, Status: status}
	if status == models.RegistryStatusError {
		check.Error = "registry response malformed"
	}
	return &data, check
}

type fakeCompliance struct {
	data       models.ComplianceData
	cadastreID atomic.Value
	calls      atomic.Int32
}

func (f *fakeCompliance) CheckCompliance(ctx context.Context, cadastreID string) (*models.ComplianceData, []models.RegistryCheckResult) {
	f.calls.Add(1)
	f.cadastreID.Store(cadastreID)
	data := f.data
	return &data, []models.RegistryCheckResult{
		{Registry: RegistryAct16, Status: data.Status},
		{Registry: RegistryPermits, Status: data.PermitStatus},
	}
}

type fakeExpropriation struct {
	data   models.ExpropriationData
	region atomic.Value
	calls  atomic.Int32
}

func (f *fakeExpropriation) CheckExpropriation(ctx context.Context, cadastreID, region string) (*models.ExpropriationData, models.RegistryCheckResult) {
	f.calls.Add(1)
	f.region.Store(region)
	data := f.data
	return &data, models.RegistryCheckResult{Registry: RegistryExpropriation, Status: data.Status}
}

type fakeRegistries struct {
	cadastre      *fakeCadastre
	compliance    *fakeCompliance
	expropriation *fakeExpropriation
	runs          atomic.Int32
	released      atomic.Int32
}

func (f *fakeRegistries) ForRun() *RegistrySet {
	f.runs.Add(1)
	return &RegistrySet{
		Cadastre:      f.cadastre,
		Compliance:    f.compliance,
		Expropriation: f.expropriation,
		release:       func() { f.released.Add(1) },
	}
}

type fakeAnalyzer struct {
	analysis models.AIAnalysis
	errs     []error
	texts    []string
	mu       sync.Mutex
	calls    atomic.Int32
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, req InsightRequest) (*models.AIAnalysis, error) {
	n := int(f.calls.Add(1))
	f.mu.Lock()
	f.texts = append(f.texts, req.Text)
	f.mu.Unlock()
	if n <= len(f.errs) && f.errs[n-1] != nil {
		return nil, f.errs[n-1]
	}
	copied := f.analysis
	return &copied, nil
}

type fakeArchiver struct {
	paths []string
	err   error
}

func (f *fakeArchiver) Archive(ctx context.Context, listingID int64, imageURLs []string) ([]string, error) {
	return f.paths, f.err
}
