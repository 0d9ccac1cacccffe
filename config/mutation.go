package config

import (
	"os"
	"strings"
	"time"
)

const (
	IdempotencyBackendMemory = "memory"
	IdempotencyBackendRedis  = "redis"
)

// MutationSettings holds the process-wide defaults for critical mutations.
type MutationSettings struct {
	MaxRetries                 int
	LockTimeout                time.Duration
	IdempotencyBackend         string
	IdempotencyTTL             time.Duration
	IdempotencyCleanupInterval time.Duration
}

// GetMutationSettings reads:
// - MUTATION_MAX_RETRIES (default 3)
// - MUTATION_LOCK_TIMEOUT_SECONDS (default 30)
// - IDEMPOTENCY_BACKEND (memory|redis, default memory)
// - IDEMPOTENCY_TTL_SECONDS (default 86400)
// - IDEMPOTENCY_CLEANUP_INTERVAL_SECONDS (default 60)
func GetMutationSettings() MutationSettings {
	s := MutationSettings{
		MaxRetries:                 intFromEnv("MUTATION_MAX_RETRIES", 3),
		LockTimeout:                time.Duration(intFromEnv("MUTATION_LOCK_TIMEOUT_SECONDS", 30)) * time.Second,
		IdempotencyBackend:         IdempotencyBackendMemory,
		IdempotencyTTL:             time.Duration(intFromEnv("IDEMPOTENCY_TTL_SECONDS", 86400)) * time.Second,
		IdempotencyCleanupInterval: time.Duration(intFromEnv("IDEMPOTENCY_CLEANUP_INTERVAL_SECONDS", 60)) * time.Second,
	}
	if strings.EqualFold(strings.TrimSpace(os.Getenv("IDEMPOTENCY_BACKEND")), IdempotencyBackendRedis) {
		s.IdempotencyBackend = IdempotencyBackendRedis
	}
	if s.MaxRetries < 0 || s.MaxRetries > 10 {
		s.MaxRetries = 3
	}
	if s.LockTimeout < time.Second || s.LockTimeout > 300*time.Second {
		s.LockTimeout = 30 * time.Second
	}
	if s.IdempotencyTTL <= 0 {
		s.IdempotencyTTL = 24 * time.Hour
	}
	if s.IdempotencyCleanupInterval <= 0 {
		s.IdempotencyCleanupInterval = time.Minute
	}
	return s
}
