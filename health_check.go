//go:build ignore

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/victorrobotxt/Dali/config"
	"github.com/victorrobotxt/Dali/database"
	"github.com/victorrobotxt/Dali/models"
	"github.com/victorrobotxt/Dali/services"
	"github.com/victorrobotxt/Dali/shared"
)

const sampleAddress = "ул. Граф Игнатиев 1"

func main() {
	fmt.Printf("🏥 Forensic Audit Health Check - %s\n", time.Now().Format("2006-01-02 15:04:05"))
	fmt.Println(strings.Repeat("=", 50))

	cfg := config.LoadConfig()
	pipeline := cfg.PipelineConfig()
	infra := shared.NewDefaultUnifiedConfiguration()
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	healthScore := 0
	totalTests := 5

	// Test 1: Listing site
	fmt.Print("🏠 Listing site: ")
	clients := shared.NewHTTPClientFactory(pipeline.ScrapeTimeout)
	defer clients.CloseAll()
	if body, err := shared.FetchWithRetry(ctx, clients.Client(0), "https://m.imot.bg/", "text/html", 0); err != nil {
		fmt.Printf("❌ FAILED (%v)\n", err)
	} else if services.IsBotChallenge(string(body)) {
		fmt.Println("⚠️  CHALLENGED (browser fallback required)")
	} else {
		fmt.Printf("✅ OK (%d bytes)\n", len(body))
		healthScore++
	}

	// Test 2: Cadastre portal handshake
	fmt.Print("🗺️  Cadastre registry: ")
	registries := services.NewPortalRegistryFactory(pipeline, nil).ForRun()
	_, check := registries.Cadastre.LookupCadastre(ctx, sampleAddress)
	registries.Close()
	switch check.Status {
	case models.RegistryStatusLive, models.RegistryStatusNotFound:
		fmt.Printf("✅ OK (%s)\n", check.Status)
		healthScore++
	default:
		fmt.Printf("❌ %s (%s)\n", check.Status, check.Error)
	}

	// Test 3: Database
	fmt.Print("🗄️  Database: ")
	if err := database.ConnectWithConfig(cfg.DatabaseURL, &infra.Database); err != nil {
		fmt.Printf("❌ FAILED (%v)\n", err)
	} else {
		defer database.Close()
		if err := database.HealthCheck(ctx); err != nil {
			fmt.Printf("❌ FAILED (%v)\n", err)
		} else {
			fmt.Println("✅ OK")
			healthScore++
		}

		// Test 4: Stuck runs
		fmt.Print("📊 Stale audit runs: ")
		store := services.NewPostgresAuditStore(database.DB)
		if ids, err := store.ListStale(ctx, infra.Queue.StaleAfter, 100); err != nil {
			fmt.Printf("❌ FAILED (%v)\n", err)
		} else {
			fmt.Printf("✅ OK (%d waiting for the sweep)\n", len(ids))
			healthScore++
		}
	}

	// Test 5: Task queue
	fmt.Print("📬 Task queue: ")
	if queue, err := services.NewRedisTaskQueue(ctx, cfg.RedisURL, infra.Queue); err != nil {
		fmt.Printf("❌ FAILED (%v)\n", err)
	} else {
		if depth, err := queue.Len(ctx); err != nil {
			fmt.Printf("❌ FAILED (%v)\n", err)
		} else {
			fmt.Printf("✅ OK (%d queued)\n", depth)
			healthScore++
		}
		queue.Close()
	}

	// Overall health
	fmt.Println(strings.Repeat("-", 50))
	healthPercent := float64(healthScore) / float64(totalTests) * 100

	if healthScore == totalTests {
		fmt.Printf("🎉 SYSTEM HEALTHY: %d/%d checks passed (%.0f%%)\n", healthScore, totalTests, healthPercent)
	} else if healthScore >= totalTests/2 {
		fmt.Printf("⚠️  SYSTEM DEGRADED: %d/%d checks passed (%.0f%%)\n", healthScore, totalTests, healthPercent)
	} else {
		fmt.Printf("❌ SYSTEM UNHEALTHY: %d/%d checks passed (%.0f%%)\n", healthScore, totalTests, healthPercent)
	}

	fmt.Printf("⏰ Check completed at: %s\n", time.Now().Format("15:04:05"))
}
