package handlers

import (
	"crypto/subtle"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/victorrobotxt/Dali/models"
	"github.com/victorrobotxt/Dali/services"
)

const adminTokenHeader = "X-Admin-Token"

type AdminHandler struct {
	Store      services.AuditStore
	AdminToken string
}

func NewAdminHandler(store services.AuditStore, adminToken string) *AdminHandler {
	return &AdminHandler{
		Store:      store,
		AdminToken: adminToken,
	}
}

// RequireToken guards manual review routes when ADMIN_TOKEN is set
func (h *AdminHandler) RequireToken(c *fiber.Ctx) error {
	if h.AdminToken == "" {
		return c.Next()
	}
	if subtle.ConstantTimeCompare([]byte(c.Get(adminTokenHeader)), []byte(h.AdminToken)) != 1 {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"error":   "Invalid admin token",
		})
	}
	return c.Next()
}

// ReviewReport records a manual decision on a report
func (h *AdminHandler) ReviewReport(c *fiber.Ctx) error {
	reportID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || reportID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "Invalid report id",
		})
	}

	type Request struct {
		Status      string  `json:"status"`
		ManualNotes *string `json:"manual_notes"`
	}
	var req Request
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "Invalid request body",
		})
	}

	status, ok := models.ParseAuditStatus(req.Status)
	if !ok || !status.IsTerminal() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "status must be one of VERIFIED, MANUAL_REVIEW, REJECTED",
		})
	}

	report, err := h.Store.UpdateReportReview(c.Context(), reportID, status, req.ManualNotes)
	if errors.Is(err, services.ErrReportNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "Report not found",
		})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}

	logrus.WithFields(logrus.Fields{
		"component":  "AdminHandler",
		"report_id":  reportID,
		"listing_id": report.ListingID,
		"status":     status,
	}).Info("Manual review recorded")

	return c.JSON(fiber.Map{
		"success": true,
		"data":    report,
	})
}
