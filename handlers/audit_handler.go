package handlers

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/victorrobotxt/Dali/models"
	"github.com/victorrobotxt/Dali/services"
	"github.com/victorrobotxt/Dali/shared"
)

type AuditHandler struct {
	Store      services.AuditStore
	Queue      services.TaskQueue
	Normalizer *services.Normalizer
}

func NewAuditHandler(store services.AuditStore, queue services.TaskQueue, normalizer *services.Normalizer) *AuditHandler {
	return &AuditHandler{
		Store:      store,
		Queue:      queue,
		Normalizer: normalizer,
	}
}

// SubmitAudit registers a listing URL and queues an audit run for it
func (h *AuditHandler) SubmitAudit(c *fiber.Ctx) error {
	type Request struct {
		URL           string  `json:"url"`
		PriceOverride float64 `json:"price_override"`
	}
	var req Request
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "Invalid request body",
		})
	}
	if strings.TrimSpace(req.URL) == "" || req.PriceOverride < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "url is required and price_override must not be negative",
		})
	}

	canonical, err := h.Normalizer.NormalizeURL(req.URL)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}

	listing, created, err := h.Store.CreateOrGetListing(c.Context(), canonical, req.PriceOverride)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}

	logger := logrus.WithFields(logrus.Fields{
		"component":  "AuditHandler",
		"listing_id": listing.ID,
		"url":        canonical,
		"created":    created,
	})

	// a run already owns this listing
	if listing.AuditStatus == models.AuditStatusProcessing {
		logger.Info("Audit already in progress, not enqueued again")
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"success": true,
			"data": fiber.Map{
				"listing_id": listing.ID,
				"status":     listing.AuditStatus,
			},
		})
	}

	if err := h.Store.SetAuditStatus(c.Context(), listing.ID, models.AuditStatusPending, nil); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}
	if err := h.Queue.Enqueue(c.Context(), listing.ID); err != nil {
		logger.WithError(err).Error("Failed to enqueue audit")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"success": false,
			"error":   "Audit queue unavailable",
		})
	}

	logger.Info("Audit queued")
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"listing_id": listing.ID,
			"status":     models.AuditStatusPending,
		},
	})
}

// GetLatestReport returns the newest report, or the run status while none exists
func (h *AuditHandler) GetLatestReport(c *fiber.Ctx) error {
	listing, failed := h.lookupListing(c)
	if listing == nil {
		return failed
	}

	report, err := h.Store.LatestReport(c.Context(), listing.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}
	if report == nil {
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"success": true,
			"data": fiber.Map{
				"listing_id": listing.ID,
				"status":     listing.AuditStatus,
			},
		})
	}

	return c.JSON(fiber.Map{
		"success":      true,
		"audit_status": listing.AuditStatus,
		"data":         report,
	})
}

func (h *AuditHandler) GetReports(c *fiber.Ctx) error {
	listing, failed := h.lookupListing(c)
	if listing == nil {
		return failed
	}

	reports, err := h.Store.ListReports(c.Context(), listing.ID, c.QueryInt("limit", 50))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    reports,
		"count":   len(reports),
	})
}

func (h *AuditHandler) GetPriceHistory(c *fiber.Ctx) error {
	listing, failed := h.lookupListing(c)
	if listing == nil {
		return failed
	}

	history, err := h.Store.PriceHistory(c.Context(), listing.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    history,
		"count":   len(history),
	})
}

// lookupListing resolves :id. When it returns a nil listing the second value is the already written response.
func (h *AuditHandler) lookupListing(c *fiber.Ctx) (*models.Listing, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return nil, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "Invalid listing id",
		})
	}

	listing, err := h.Store.GetListing(c.Context(), id)
	if errors.Is(err, shared.ErrListingNotFound) {
		return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "Listing not found",
		})
	}
	if err != nil {
		return nil, c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}
	return listing, nil
}
