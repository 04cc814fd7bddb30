package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Settings is the explicit configuration value handed to the sync engine.
// It is built exactly once at process start; nothing downstream reads
// process environment state directly.
type Settings struct {
	ErpBaseURL      string `validate:"required,url"`
	ErpTenantId     string `validate:"required"`
	ErpClientId     string `validate:"required"`
	ErpClientSecret string `validate:"required"`

	// RetryAttempts bounds the orchestrator's retry of transient submission
	// failures. Zero means no retry beyond the first attempt.
	RetryAttempts int `validate:"gte=0,lte=10"`

	// SyncWorkers > 1 enables the bounded worker pool; 1 keeps the
	// reference sequential behavior.
	SyncWorkers int `validate:"gte=1,lte=32"`

	HTTPTimeout  time.Duration `validate:"required"`
	SyncInterval time.Duration `validate:"required"`

	EscalationTopic string
	RunQueueTopic   string
	ArtifactBucket  string
}

func init() {
	// Load env from .env
	godotenv.Load()
}

// LoadSettings reads the environment once and validates the result. Call from
// main() before anything touches the sync engine; the value is threaded
// explicitly from there.
func LoadSettings() (*Settings, error) {
	s := &Settings{
		ErpBaseURL:      strings.TrimRight(strings.TrimSpace(os.Getenv("ERP_API_BASE_URL")), "/"),
		ErpTenantId:     strings.TrimSpace(os.Getenv("ERP_TENANT_ID")),
		ErpClientId:     strings.TrimSpace(os.Getenv("ERP_CLIENT_ID")),
		ErpClientSecret: strings.TrimSpace(os.Getenv("ERP_CLIENT_SECRET")),
		RetryAttempts:   intFromEnv("SYNC_RETRY_ATTEMPTS", 2),
		SyncWorkers:     intFromEnv("SYNC_WORKERS", 1),
		HTTPTimeout:     durationFromEnv("SYNC_HTTP_TIMEOUT_SECONDS", 30*time.Second),
		SyncInterval:    durationFromEnv("SYNC_INTERVAL_SECONDS", 24*time.Hour),
		EscalationTopic: strings.TrimSpace(os.Getenv("SYNC_ESCALATION_TOPIC")),
		RunQueueTopic:   strings.TrimSpace(os.Getenv("SYNC_RUN_TOPIC")),
		ArtifactBucket:  strings.TrimSpace(os.Getenv("SYNC_ARTIFACT_BUCKET")),
	}

	if err := validator.New().Struct(s); err != nil {
		return nil, err
	}
	return s, nil
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func durationFromEnv(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}
