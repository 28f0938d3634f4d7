package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultPipelineConfig(t *testing.T) {
	cfg := DefaultPipelineConfig()

	assert.Equal(t, 40, cfg.VerifiedThreshold)
	assert.Equal(t, 70, cfg.ConfidenceThreshold)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 5000, cfg.MaxAIChars)
	assert.Equal(t, 0.04, cfg.CostPerRun)
	assert.Equal(t, []string{"act", "adv", "id", "slink"}, cfg.AllowedQueryKeys())
	assert.Equal(t, "m.imot.bg", cfg.HostAliases()["www.imot.bg"])
	assert.Equal(t, 250*time.Millisecond, cfg.RegistryInterval)
	assert.NoError(t, cfg.Weights.Validate())
}

func TestPipelineConfig_AccessorsReturnCopies(t *testing.T) {
	cfg := DefaultPipelineConfig()

	keys := cfg.AllowedQueryKeys()
	keys[0] = "utm_source"
	aliases := cfg.HostAliases()
	aliases["www.imot.bg"] = "evil.example"

	assert.Equal(t, "act", cfg.AllowedQueryKeys()[0])
	assert.Equal(t, "m.imot.bg", cfg.HostAliases()["www.imot.bg"])
}

func TestPipelineConfig_WithCopiesLeaveOriginal(t *testing.T) {
	cfg := DefaultPipelineConfig()
	custom := cfg.WithQueryKeys("listing").WithHostAliases(nil)

	assert.Equal(t, []string{"listing"}, custom.AllowedQueryKeys())
	assert.Empty(t, custom.HostAliases())
	assert.Len(t, cfg.AllowedQueryKeys(), 4)
	assert.NotEmpty(t, cfg.HostAliases())
}

func TestEffectiveRegistryTimeout(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.RegistryTimeout = 0
	assert.Equal(t, 15*time.Second, cfg.EffectiveRegistryTimeout())

	cfg.RegistryTimeout = 2 * time.Second
	assert.Equal(t, 2*time.Second, cfg.EffectiveRegistryTimeout())
}

func TestConfig_PipelineConfigFromEnv(t *testing.T) {
	t.Setenv("VERIFIED_THRESHOLD", "35")
	t.Setenv("CONFIDENCE_THRESHOLD", "not-a-number")

	c := &Config{MaxRetries: "5", ArchiveDir: "/tmp/archive", RiskWeightsPath: ""}
	cfg := c.PipelineConfig()

	assert.Equal(t, 35, cfg.VerifiedThreshold)
	assert.Equal(t, 70, cfg.ConfidenceThreshold)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, "/tmp/archive", cfg.ArchiveDir)
	assert.Equal(t, DefaultRiskWeights(), cfg.Weights)
}

func TestConfig_WorkerCountFallback(t *testing.T) {
	assert.Equal(t, 4, (&Config{WorkerCount: "0"}).GetWorkerCount())
	assert.Equal(t, 8, (&Config{WorkerCount: "8"}).GetWorkerCount())
	assert.Equal(t, 3, (&Config{MaxRetries: "x"}).GetMaxRetries())
}
