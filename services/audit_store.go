package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/victorrobotxt/Dali/models"
	"github.com/victorrobotxt/Dali/shared"
)

// AuditStore is the persistence boundary of the pipeline
type AuditStore interface {
	CreateOrGetListing(ctx context.Context, sourceURL string, priceOverride float64) (*models.Listing, bool, error)
	GetListing(ctx context.Context, id int64) (*models.Listing, error)
	SetAuditStatus(ctx context.Context, id int64, status models.AuditStatus, lastError *string) error
	UpdateListingData(ctx context.Context, id int64, update models.ListingUpdate) error
	UpsertBuilding(ctx context.Context, building models.Building) (int64, error)
	AppendReport(ctx context.Context, report *models.Report) error
	CountReports(ctx context.Context, listingID int64) (int, error)
	LatestReport(ctx context.Context, listingID int64) (*models.Report, error)
	ListReports(ctx context.Context, listingID int64, limit int) ([]models.Report, error)
	PriceHistory(ctx context.Context, listingID int64) ([]models.PriceHistory, error)
	UpdateReportReview(ctx context.Context, reportID int64, status models.AuditStatus, notes *string) (*models.Report, error)
	ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]int64, error)
	Ping(ctx context.Context) error
}

var ErrReportNotFound = errors.New("report not found")

const (
	listingColumns = `id, source_url, content_hash, price, area, raw_description, neighborhood, audit_status, last_error, created_at, updated_at`
	reportColumns  = `id, listing_id, building_id, run_id, status, risk_score, ai_confidence, legal_brief, discrepancy_details, image_archive_refs, cost, error, manual_review_notes, created_at`

	slowQueryThreshold = 500 * time.Millisecond
)

// PostgresAuditStore implements AuditStore on lib/pq
type PostgresAuditStore struct {
	db     *sql.DB
	retry  shared.RetryPolicy
	logger *logrus.Logger
}

func NewPostgresAuditStore(db *sql.DB) *PostgresAuditStore {
	return &PostgresAuditStore{
		db: db,
		retry: shared.RetryPolicy{
			MaxAttempts: 4,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			Multiplier:  2.0,
			ShouldRetry: isRetryableDBError,
		},
		logger: logrus.StandardLogger(),
	}
}

// executeWithRetry runs a database operation with backoff on transient errors and logs slow queries
func (s *PostgresAuditStore) executeWithRetry(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	_, err := s.retry.Do(ctx, "db."+operation, func(ctx context.Context, attempt shared.Attempt) error {
		startTime := time.Now()
		err := fn(ctx)
		if duration := time.Since(startTime); duration > slowQueryThreshold {
			s.logger.WithFields(logrus.Fields{
				"component": "PostgresAuditStore",
				"operation": operation,
				"duration":  duration,
				"attempt":   attempt.Number,
			}).Warn("Slow database query detected")
		}
		return err
	})
	return err
}

// isRetryableDBError matches connection-level and lock contention failures
func isRetryableDBError(err error) bool {
	if err == nil || errors.Is(err, sql.ErrNoRows) || errors.Is(err, shared.ErrListingNotFound) || errors.Is(err, ErrReportNotFound) {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 40001 serialization_failure, 40P01 deadlock_detected, 08* connection exceptions
		return pqErr.Code == "40001" || pqErr.Code == "40P01" || strings.HasPrefix(string(pqErr.Code), "08")
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"connection refused", "connection reset", "timeout", "temporary failure", "deadlock", "connection lost", "server shutdown", "bad connection"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanListing(row rowScanner) (*models.Listing, error) {
	var l models.Listing
	var status string
	err := row.Scan(&l.ID, &l.SourceURL, &l.ContentHash, &l.Price, &l.Area, &l.RawDescription,
		&l.Neighborhood, &status, &l.LastError, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.AuditStatus = models.AuditStatus(status)
	return &l, nil
}

func scanReport(row rowScanner) (*models.Report, error) {
	var r models.Report
	var status string
	var brief sql.NullString
	var details []byte
	var refs []string
	err := row.Scan(&r.ID, &r.ListingID, &r.BuildingID, &r.RunID, &status, &r.RiskScore, &r.AIConfidence,
		&brief, &details, pq.Array(&refs), &r.Cost, &r.Error, &r.ManualReviewNotes, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.Status = models.AuditStatus(status)
	r.LegalBrief = brief.String
	r.Discrepancy = details
	if refs == nil {
		refs = []string{}
	}
	r.ImageArchiveRefs = refs
	return &r, nil
}

// CreateOrGetListing returns the listing for a canonical URL, creating it on first sight
func (s *PostgresAuditStore) CreateOrGetListing(ctx context.Context, sourceURL string, priceOverride float64) (*models.Listing, bool, error) {
	var listing *models.Listing
	var created bool

	query := `
		INSERT INTO listings (source_url, price, audit_status)
		VALUES ($1, NULLIF($2::numeric, 0), 'PENDING')
		ON CONFLICT (source_url) DO UPDATE
			SET price = COALESCE(listings.price, EXCLUDED.price)
		RETURNING ` + listingColumns + `, (xmax = 0) AS inserted`

	err := s.executeWithRetry(ctx, "create_or_get_listing", func(ctx context.Context) error {
		row := s.db.QueryRowContext(ctx, query, sourceURL, priceOverride)
		var l models.Listing
		var status string
		if err := row.Scan(&l.ID, &l.SourceURL, &l.ContentHash, &l.Price, &l.Area, &l.RawDescription,
			&l.Neighborhood, &status, &l.LastError, &l.CreatedAt, &l.UpdatedAt, &created); err != nil {
			return err
		}
		l.AuditStatus = models.AuditStatus(status)
		listing = &l
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to create listing: %w", err)
	}
	return listing, created, nil
}

func (s *PostgresAuditStore) GetListing(ctx context.Context, id int64) (*models.Listing, error) {
	var listing *models.Listing
	err := s.executeWithRetry(ctx, "get_listing", func(ctx context.Context) error {
		l, err := scanListing(s.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("listing %d: %w", id, shared.ErrListingNotFound)
		}
		listing = l
		return err
	})
	return listing, err
}

func (s *PostgresAuditStore) SetAuditStatus(ctx context.Context, id int64, status models.AuditStatus, lastError *string) error {
	return s.executeWithRetry(ctx, "set_audit_status", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE listings SET audit_status = $2, last_error = $3, updated_at = NOW() WHERE id = $1`,
			id, string(status), lastError)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("listing %d: %w", id, shared.ErrListingNotFound)
		}
		return nil
	})
}

// UpdateListingData overwrites scraped columns and appends a price history row when the price changed
func (s *PostgresAuditStore) UpdateListingData(ctx context.Context, id int64, update models.ListingUpdate) error {
	return s.executeWithRetry(ctx, "update_listing_data", func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var previous sql.NullFloat64
		err = tx.QueryRowContext(ctx, `SELECT price FROM listings WHERE id = $1 FOR UPDATE`, id).Scan(&previous)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("listing %d: %w", id, shared.ErrListingNotFound)
		}
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE listings
			SET price = COALESCE(NULLIF($2::numeric, 0), price),
				area = COALESCE(NULLIF($3::numeric, 0), area),
				raw_description = $4,
				neighborhood = NULLIF($5, ''),
				content_hash = $6,
				updated_at = NOW()
			WHERE id = $1`,
			id, update.Price, update.Area, update.RawDescription, update.Neighborhood, update.ContentHash)
		if err != nil {
			return err
		}

		if update.Price > 0 && (!previous.Valid || math.Abs(previous.Float64-update.Price) >= 0.01) {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO price_history (listing_id, price) VALUES ($1, $2)`, id, update.Price); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// UpsertBuilding returns the id of the building with the cadastral id, filling gaps on existing rows
func (s *PostgresAuditStore) UpsertBuilding(ctx context.Context, building models.Building) (int64, error) {
	var id int64
	err := s.executeWithRetry(ctx, "upsert_building", func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `
			INSERT INTO buildings (cadastre_id, address, latitude, longitude, construction_year)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (cadastre_id) DO UPDATE SET
				address = COALESCE(buildings.address, EXCLUDED.address),
				latitude = COALESCE(buildings.latitude, EXCLUDED.latitude),
				longitude = COALESCE(buildings.longitude, EXCLUDED.longitude),
				construction_year = COALESCE(buildings.construction_year, EXCLUDED.construction_year)
			RETURNING id`,
			building.CadastreID, building.Address, building.Latitude, building.Longitude, building.ConstructionYear,
		).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upsert building %s: %w", building.CadastreID, err)
	}
	return id, nil
}

// AppendReport inserts the run's report and moves the listing to the report status in one transaction
func (s *PostgresAuditStore) AppendReport(ctx context.Context, report *models.Report) error {
	details := []byte(report.Discrepancy)
	if len(details) == 0 {
		details = []byte("{}")
	}
	refs := report.ImageArchiveRefs
	if refs == nil {
		refs = []string{}
	}

	return s.executeWithRetry(ctx, "append_report", func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		err = tx.QueryRowContext(ctx, `
			INSERT INTO reports (listing_id, building_id, run_id, status, risk_score, ai_confidence,
				legal_brief, discrepancy_details, image_archive_refs, cost, error)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING id, created_at`,
			report.ListingID, report.BuildingID, report.RunID, string(report.Status), report.RiskScore,
			report.AIConfidence, report.LegalBrief, details, pq.Array(refs), report.Cost, report.Error,
		).Scan(&report.ID, &report.CreatedAt)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE listings SET audit_status = $2, last_error = $3, updated_at = NOW() WHERE id = $1`,
			report.ListingID, string(report.Status), report.Error); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *PostgresAuditStore) CountReports(ctx context.Context, listingID int64) (int, error) {
	var count int
	err := s.executeWithRetry(ctx, "count_reports", func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reports WHERE listing_id = $1`, listingID).Scan(&count)
	})
	return count, err
}

// LatestReport returns nil without error when the listing has no report yet
func (s *PostgresAuditStore) LatestReport(ctx context.Context, listingID int64) (*models.Report, error) {
	var report *models.Report
	err := s.executeWithRetry(ctx, "latest_report", func(ctx context.Context) error {
		r, err := scanReport(s.db.QueryRowContext(ctx,
			`SELECT `+reportColumns+` FROM reports WHERE listing_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, listingID))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		report = r
		return err
	})
	return report, err
}

func (s *PostgresAuditStore) ListReports(ctx context.Context, listingID int64, limit int) ([]models.Report, error) {
	if limit <= 0 {
		limit = 50
	}
	var reports []models.Report
	err := s.executeWithRetry(ctx, "list_reports", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+reportColumns+` FROM reports WHERE listing_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, listingID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		reports = reports[:0]
		for rows.Next() {
			r, err := scanReport(rows)
			if err != nil {
				return err
			}
			reports = append(reports, *r)
		}
		return rows.Err()
	})
	if reports == nil {
		reports = []models.Report{}
	}
	return reports, err
}

func (s *PostgresAuditStore) PriceHistory(ctx context.Context, listingID int64) ([]models.PriceHistory, error) {
	history := []models.PriceHistory{}
	err := s.executeWithRetry(ctx, "price_history", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, listing_id, price, changed_at FROM price_history WHERE listing_id = $1 ORDER BY changed_at, id`, listingID)
		if err != nil {
			return err
		}
		defer rows.Close()

		history = history[:0]
		for rows.Next() {
			var h models.PriceHistory
			if err := rows.Scan(&h.ID, &h.ListingID, &h.Price, &h.ChangedAt); err != nil {
				return err
			}
			history = append(history, h)
		}
		return rows.Err()
	})
	return history, err
}

// UpdateReportReview records a manual decision on a report and mirrors it onto the listing
func (s *PostgresAuditStore) UpdateReportReview(ctx context.Context, reportID int64, status models.AuditStatus, notes *string) (*models.Report, error) {
	var report *models.Report
	err := s.executeWithRetry(ctx, "update_report_review", func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		r, err := scanReport(tx.QueryRowContext(ctx, `
			UPDATE reports SET status = $2, manual_review_notes = COALESCE($3, manual_review_notes)
			WHERE id = $1
			RETURNING `+reportColumns, reportID, string(status), notes))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("report %d: %w", reportID, ErrReportNotFound)
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE listings SET audit_status = $2, updated_at = NOW()
			WHERE id = $1 AND audit_status NOT IN ('PENDING', 'PROCESSING')
			  AND NOT EXISTS (SELECT 1 FROM reports WHERE listing_id = $1 AND id > $3)`,
			r.ListingID, string(status), r.ID); err != nil {
			return err
		}
		report = r
		return tx.Commit()
	})
	return report, err
}

// ListStale returns listings left PENDING or PROCESSING for longer than olderThan
func (s *PostgresAuditStore) ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []int64
	err := s.executeWithRetry(ctx, "list_stale", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id FROM listings
			WHERE audit_status IN ('PENDING', 'PROCESSING')
			  AND updated_at < NOW() - make_interval(secs => $1)
			ORDER BY updated_at
			LIMIT $2`, olderThan.Seconds(), limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		ids = ids[:0]
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}

func (s *PostgresAuditStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
