package handlers

import (
	"context"
	"database/sql"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/victorrobotxt/Dali/services"
)

// HealthChecker is anything that can report its connectivity
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type PerformanceHandler struct {
	DB    *sql.DB
	Store HealthChecker
	Queue HealthChecker
}

func NewPerformanceHandler(db *sql.DB, store HealthChecker, queue services.TaskQueue) *PerformanceHandler {
	return &PerformanceHandler{
		DB:    db,
		Store: store,
		Queue: queue,
	}
}

// Health pings the database and the task queue
func (h *PerformanceHandler) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
	defer cancel()

	checks := fiber.Map{}
	healthy := true

	start := time.Now()
	if err := h.Store.Ping(ctx); err != nil {
		checks["database"] = fiber.Map{"status": "down", "error": err.Error()}
		healthy = false
	} else {
		checks["database"] = fiber.Map{"status": "up", "latency_ms": time.Since(start).Milliseconds()}
	}

	start = time.Now()
	if err := h.Queue.Ping(ctx); err != nil {
		checks["queue"] = fiber.Map{"status": "down", "error": err.Error()}
		healthy = false
	} else {
		checks["queue"] = fiber.Map{"status": "up", "latency_ms": time.Since(start).Milliseconds()}
	}

	status := "ok"
	code := fiber.StatusOK
	if !healthy {
		status = "degraded"
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().Unix(),
	})
}

// GetPoolStats returns database connection pool statistics
func (h *PerformanceHandler) GetPoolStats(c *fiber.Ctx) error {
	if h.DB == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"success": false,
			"error":   "Database not configured",
		})
	}

	dbStats := h.DB.Stats()
	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"open_connections":     dbStats.OpenConnections,
			"in_use":               dbStats.InUse,
			"idle":                 dbStats.Idle,
			"wait_count":           dbStats.WaitCount,
			"wait_duration_ms":     dbStats.WaitDuration.Milliseconds(),
			"max_idle_closed":      dbStats.MaxIdleClosed,
			"max_idle_time_closed": dbStats.MaxIdleTimeClosed,
			"max_lifetime_closed":  dbStats.MaxLifetimeClosed,
		},
	})
}
