package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	ServerPort      string
	DatabaseURL     string
	RedisURL        string
	AdminToken      string
	LogLevel        string
	LogFormat       string
	AIProvider      string
	GeminiAPIKey    string
	GeminiModel     string
	RiskWeightsPath string
	InfraConfigPath string
	ArchiveDir      string
	WorkerCount     string
	MaxRetries      string
}

// GetWorkerCount returns the number of concurrent audit consumers
func (c *Config) GetWorkerCount() int {
	return parsePositiveInt("AUDIT_WORKERS", c.WorkerCount, 4)
}

// GetMaxRetries returns the whole-run attempt budget
func (c *Config) GetMaxRetries() int {
	return parsePositiveInt("AUDIT_MAX_ATTEMPTS", c.MaxRetries, 3)
}

func LoadConfig() *Config {
	err := godotenv.Load()
	if err != nil {
		logrus.Warn("Error loading .env file, using system environment variables")
	}

	return &Config{
		ServerPort:      getEnv("SERVER_PORT", "8080"),
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		RedisURL:        getEnv("REDIS_URL", "redis://localhost:6379/0"),
		AdminToken:      getEnv("ADMIN_TOKEN", ""),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "text"),
		AIProvider:      getEnv("AI_PROVIDER", "stub"),
		GeminiAPIKey:    getEnv("GEMINI_API_KEY", ""),
		GeminiModel:     getEnv("GEMINI_MODEL", "gemini-1.5-flash"),
		RiskWeightsPath: getEnv("RISK_WEIGHTS_PATH", "config/risk_weights.yaml"),
		InfraConfigPath: getEnv("INFRA_CONFIG_PATH", ""),
		ArchiveDir:      getEnv("ARCHIVE_DIR", "storage/archive"),
		WorkerCount:     getEnv("AUDIT_WORKERS", "4"),
		MaxRetries:      getEnv("AUDIT_MAX_ATTEMPTS", "3"),
	}
}

// PipelineConfig builds the immutable pipeline configuration from the environment and weights file
func (c *Config) PipelineConfig() PipelineConfig {
	pc := DefaultPipelineConfig()
	pc.ArchiveDir = c.ArchiveDir
	pc.Retry.MaxAttempts = c.GetMaxRetries()
	pc.VerifiedThreshold = parsePositiveInt("VERIFIED_THRESHOLD", getEnv("VERIFIED_THRESHOLD", ""), pc.VerifiedThreshold)
	pc.ConfidenceThreshold = parsePositiveInt("CONFIDENCE_THRESHOLD", getEnv("CONFIDENCE_THRESHOLD", ""), pc.ConfidenceThreshold)
	pc.Weights = LoadRiskWeights(c.RiskWeightsPath)
	return pc
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func parsePositiveInt(key, raw string, fallback int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		logrus.Warnf("Invalid %s value: %s, using default %d", key, raw, fallback)
		return fallback
	}
	return value
}

// copyStrings is used by accessors so callers cannot mutate shared configuration
func copyStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
