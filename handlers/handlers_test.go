package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/victorrobotxt/Dali/config"
	"github.com/victorrobotxt/Dali/models"
	"github.com/victorrobotxt/Dali/services"
	"github.com/victorrobotxt/Dali/shared"
)

type stubStore struct {
	mu       sync.Mutex
	listings map[int64]*models.Listing
	reports  map[int64][]models.Report
	history  map[int64][]models.PriceHistory
	pingErr  error
}

func newStubStore() *stubStore {
	return &stubStore{
		listings: make(map[int64]*models.Listing),
		reports:  make(map[int64][]models.Report),
		history:  make(map[int64][]models.PriceHistory),
	}
}

func (s *stubStore) CreateOrGetListing(ctx context.Context, sourceURL string, priceOverride float64) (*models.Listing, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.listings {
		if l.SourceURL == sourceURL {
			copied := *l
			return &copied, false, nil
		}
	}
	l := &models.Listing{ID: int64(len(s.listings) + 1), SourceURL: sourceURL, AuditStatus: models.AuditStatusPending}
	if priceOverride > 0 {
		l.Price = &priceOverride
	}
	s.listings[l.ID] = l
	copied := *l
	return &copied, true, nil
}

func (s *stubStore) GetListing(ctx context.Context, id int64) (*models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok {
		return nil, fmt.Errorf("listing %d: %w", id, shared.ErrListingNotFound)
	}
	copied := *l
	return &copied, nil
}

func (s *stubStore) SetAuditStatus(ctx context.Context, id int64, status models.AuditStatus, lastError *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.listings[id]; ok {
		l.AuditStatus = status
	}
	return nil
}

func (s *stubStore) UpdateListingData(ctx context.Context, id int64, update models.ListingUpdate) error {
	return nil
}

func (s *stubStore) UpsertBuilding(ctx context.Context, building models.Building) (int64, error) {
	return 1, nil
}

func (s *stubStore) AppendReport(ctx context.Context, report *models.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	report.ID = int64(len(s.reports[report.ListingID]) + 1)
	s.reports[report.ListingID] = append(s.reports[report.ListingID], *report)
	return nil
}

func (s *stubStore) CountReports(ctx context.Context, listingID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports[listingID]), nil
}

func (s *stubStore) LatestReport(ctx context.Context, listingID int64) (*models.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reports := s.reports[listingID]
	if len(reports) == 0 {
		return nil, nil
	}
	latest := reports[len(reports)-1]
	return &latest, nil
}

func (s *stubStore) ListReports(ctx context.Context, listingID int64, limit int) ([]models.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]models.Report(nil), s.reports[listingID]...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *stubStore) PriceHistory(ctx context.Context, listingID int64) ([]models.PriceHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history[listingID], nil
}

func (s *stubStore) UpdateReportReview(ctx context.Context, reportID int64, status models.AuditStatus, notes *string) (*models.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for listingID, reports := range s.reports {
		for i := range reports {
			if reports[i].ID == reportID {
				reports[i].Status = status
				reports[i].ManualReviewNotes = notes
				s.reports[listingID] = reports
				updated := reports[i]
				return &updated, nil
			}
		}
	}
	return nil, services.ErrReportNotFound
}

func (s *stubStore) ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]int64, error) {
	return nil, nil
}

func (s *stubStore) Ping(ctx context.Context) error { return s.pingErr }

type stubQueue struct {
	mu       sync.Mutex
	enqueued []int64
	err      error
	pingErr  error
}

func (q *stubQueue) Enqueue(ctx context.Context, listingID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.enqueued = append(q.enqueued, listingID)
	return nil
}

func (q *stubQueue) Dequeue(ctx context.Context) (*models.QueueMessage, error) { return nil, nil }
func (q *stubQueue) Ping(ctx context.Context) error                           { return q.pingErr }
func (q *stubQueue) Close() error                                             { return nil }

func newTestApp(store *stubStore, queue *stubQueue, adminToken string) *fiber.App {
	audit := NewAuditHandler(store, queue, services.NewNormalizer(config.DefaultPipelineConfig()))
	admin := NewAdminHandler(store, adminToken)
	perf := NewPerformanceHandler(nil, store, queue)

	app := fiber.New()
	app.Get("/health", perf.Health)
	api := app.Group("/api/v1")
	api.Post("/audits", audit.SubmitAudit)
	api.Get("/listings/:id/report", audit.GetLatestReport)
	api.Get("/listings/:id/reports", audit.GetReports)
	api.Get("/listings/:id/price-history", audit.GetPriceHistory)
	api.Patch("/reports/:id", admin.RequireToken, admin.ReviewReport)
	api.Get("/admin/db-stats", admin.RequireToken, perf.GetPoolStats)
	return app
}

func doRequest(t *testing.T, app *fiber.App, method, path, body string, headers map[string]string) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), string(raw))
	}
	return resp.StatusCode, decoded
}

func TestSubmitAudit_Queues(t *testing.T) {
	store, queue := newStubStore(), &stubQueue{}
	app := newTestApp(store, queue, "")

	code, body := doRequest(t, app, http.MethodPost, "/api/v1/audits",
		`{"url":"https://www.imot.bg/pcgi/imot.cgi?act=5&adv=1c1&utm_source=fb","price_override":150000}`, nil)

	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, true, body["success"])
	data := body["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["listing_id"])
	assert.Equal(t, "PENDING", data["status"])

	assert.Equal(t, []int64{1}, queue.enqueued)
	listing, _ := store.GetListing(context.Background(), 1)
	assert.Equal(t, "https://m.imot.bg/pcgi/imot.cgi?act=5&adv=1c1", listing.SourceURL)
	require.NotNil(t, listing.Price)
	assert.Equal(t, 150000.0, *listing.Price)
}

func TestSubmitAudit_DuplicateURLsShareListing(t *testing.T) {
	store, queue := newStubStore(), &stubQueue{}
	app := newTestApp(store, queue, "")

	doRequest(t, app, http.MethodPost, "/api/v1/audits", `{"url":"https://imot.bg/pcgi/imot.cgi?adv=1c1&act=5#photos"}`, nil)
	doRequest(t, app, http.MethodPost, "/api/v1/audits", `{"url":"http://www.imot.bg/pcgi/imot.cgi?act=5&adv=1c1&fbclid=x"}`, nil)

	assert.Len(t, store.listings, 1)
	assert.Equal(t, []int64{1, 1}, queue.enqueued)
}

func TestSubmitAudit_BadRequests(t *testing.T) {
	app := newTestApp(newStubStore(), &stubQueue{}, "")

	for name, body := range map[string]string{
		"malformed json":  `{"url":`,
		"missing url":     `{"price_override":1}`,
		"negative price":  `{"url":"https://m.imot.bg/x?adv=1","price_override":-5}`,
		"relative url":    `{"url":"/pcgi/imot.cgi?adv=1"}`,
	} {
		t.Run(name, func(t *testing.T) {
			code, resp := doRequest(t, app, http.MethodPost, "/api/v1/audits", body, nil)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Equal(t, false, resp["success"])
		})
	}
}

func TestSubmitAudit_QueueUnavailable(t *testing.T) {
	app := newTestApp(newStubStore(), &stubQueue{err: errors.New("redis down")}, "")

	code, body := doRequest(t, app, http.MethodPost, "/api/v1/audits", `{"url":"https://m.imot.bg/x?adv=1"}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "Audit queue unavailable", body["error"])
}

func TestSubmitAudit_ProcessingIsNotRequeued(t *testing.T) {
	store, queue := newStubStore(), &stubQueue{}
	app := newTestApp(store, queue, "")
	listing, _, _ := store.CreateOrGetListing(context.Background(), "https://m.imot.bg/x?adv=1", 0)
	require.NoError(t, store.SetAuditStatus(context.Background(), listing.ID, models.AuditStatusProcessing, nil))

	code, body := doRequest(t, app, http.MethodPost, "/api/v1/audits", `{"url":"https://m.imot.bg/x?adv=1"}`, nil)

	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "PROCESSING", body["data"].(map[string]interface{})["status"])
	assert.Empty(t, queue.enqueued)
}

func TestGetLatestReport(t *testing.T) {
	store := newStubStore()
	app := newTestApp(store, &stubQueue{}, "")
	listing, _, _ := store.CreateOrGetListing(context.Background(), "https://m.imot.bg/x?adv=1", 0)

	code, body := doRequest(t, app, http.MethodGet, "/api/v1/listings/1/report", "", nil)
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "PENDING", body["data"].(map[string]interface{})["status"])

	require.NoError(t, store.AppendReport(context.Background(), &models.Report{ListingID: listing.ID, Status: models.AuditStatusVerified, RiskScore: 12}))
	require.NoError(t, store.SetAuditStatus(context.Background(), listing.ID, models.AuditStatusVerified, nil))

	code, body = doRequest(t, app, http.MethodGet, "/api/v1/listings/1/report", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "VERIFIED", body["audit_status"])
	assert.Equal(t, float64(12), body["data"].(map[string]interface{})["risk_score"])
}

func TestListingLookupErrors(t *testing.T) {
	app := newTestApp(newStubStore(), &stubQueue{}, "")

	code, _ := doRequest(t, app, http.MethodGet, "/api/v1/listings/abc/report", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = doRequest(t, app, http.MethodGet, "/api/v1/listings/0/reports", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := doRequest(t, app, http.MethodGet, "/api/v1/listings/42/price-history", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Listing not found", body["error"])
}

func TestGetReportsAndHistory(t *testing.T) {
	store := newStubStore()
	app := newTestApp(store, &stubQueue{}, "")
	listing, _, _ := store.CreateOrGetListing(context.Background(), "https://m.imot.bg/x?adv=1", 0)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.AppendReport(context.Background(), &models.Report{ListingID: listing.ID, Status: models.AuditStatusManualReview}))
	}
	store.history[listing.ID] = []models.PriceHistory{{ListingID: listing.ID, Price: 185000}}

	code, body := doRequest(t, app, http.MethodGet, "/api/v1/listings/1/reports?limit=2", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), body["count"])

	code, body = doRequest(t, app, http.MethodGet, "/api/v1/listings/1/price-history", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["count"])
}

func TestReviewReport(t *testing.T) {
	store := newStubStore()
	app := newTestApp(store, &stubQueue{}, "s3cret")
	listing, _, _ := store.CreateOrGetListing(context.Background(), "https://m.imot.bg/x?adv=1", 0)
	require.NoError(t, store.AppendReport(context.Background(), &models.Report{ListingID: listing.ID, Status: models.AuditStatusManualReview}))
	auth := map[string]string{adminTokenHeader: "s3cret"}

	code, _ := doRequest(t, app, http.MethodPatch, "/api/v1/reports/1", `{"status":"VERIFIED"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = doRequest(t, app, http.MethodPatch, "/api/v1/reports/1", `{"status":"VERIFIED"}`, map[string]string{adminTokenHeader: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = doRequest(t, app, http.MethodPatch, "/api/v1/reports/1", `{"status":"PROCESSING"}`, auth)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = doRequest(t, app, http.MethodPatch, "/api/v1/reports/x", `{"status":"VERIFIED"}`, auth)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = doRequest(t, app, http.MethodPatch, "/api/v1/reports/99", `{"status":"VERIFIED"}`, auth)
	assert.Equal(t, http.StatusNotFound, code)

	code, body := doRequest(t, app, http.MethodPatch, "/api/v1/reports/1", `{"status":"REJECTED","manual_notes":"unregistered attic"}`, auth)
	assert.Equal(t, http.StatusOK, code)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "REJECTED", data["status"])
	assert.Equal(t, "unregistered attic", data["manual_review_notes"])
}

func TestReviewReport_NoTokenConfigured(t *testing.T) {
	store := newStubStore()
	app := newTestApp(store, &stubQueue{}, "")
	listing, _, _ := store.CreateOrGetListing(context.Background(), "https://m.imot.bg/x?adv=1", 0)
	require.NoError(t, store.AppendReport(context.Background(), &models.Report{ListingID: listing.ID, Status: models.AuditStatusManualReview}))

	code, _ := doRequest(t, app, http.MethodPatch, "/api/v1/reports/1", `{"status":"VERIFIED"}`, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestHealth(t *testing.T) {
	store, queue := newStubStore(), &stubQueue{}
	app := newTestApp(store, queue, "")

	code, body := doRequest(t, app, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	queue.pingErr = errors.New("connection refused")
	code, body = doRequest(t, app, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
	checks := body["checks"].(map[string]interface{})
	assert.Equal(t, "down", checks["queue"].(map[string]interface{})["status"])
	assert.Equal(t, "up", checks["database"].(map[string]interface{})["status"])
}

func TestPoolStatsWithoutDatabase(t *testing.T) {
	app := newTestApp(newStubStore(), &stubQueue{}, "")

	code, _ := doRequest(t, app, http.MethodGet, "/api/v1/admin/db-stats", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}
