package cache

import (
	"strings"
	"time"

	"amarket/internal/config"
)

// Namespace is the Redis key prefix for the market-data store.
const Namespace = "amarket"

// TTLClass represents a config-driven TTL bucket.
type TTLClass string

const (
	TTLShort  TTLClass = "short"
	TTLMedium TTLClass = "medium"
	TTLLong   TTLClass = "long"
)

// TTLSet normalises cache TTLs from config into time.Duration values.
type TTLSet struct {
	Short  time.Duration
	Medium time.Duration
	Long   time.Duration
}

// NewTTLSet converts config TTLs (in seconds) into durations.
func NewTTLSet(cfg config.CacheTTL) TTLSet {
	return TTLSet{
		Short:  durationOrDefault(cfg.Short, 10*time.Second),
		Medium: durationOrDefault(cfg.Medium, time.Minute),
		Long:   durationOrDefault(cfg.Long, 5*time.Minute),
	}
}

func durationOrDefault(seconds int, fallback time.Duration) time.Duration {
	if seconds < 0 {
		return 0
	}
	if seconds == 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// Duration returns the configured duration for the given TTL class.
func (t TTLSet) Duration(class TTLClass) time.Duration {
	switch class {
	case TTLShort:
		return t.Short
	case TTLMedium:
		return t.Medium
	case TTLLong:
		return t.Long
	default:
		return 0
	}
}

func formatKey(parts ...string) string {
	clean := make([]string, 0, len(parts)+1)
	clean = append(clean, Namespace)
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			clean = append(clean, p)
		}
	}
	return strings.Join(clean, ":")
}

// InstrumentKey caches one instrument record by primary code.
func InstrumentKey(code string) string {
	return formatKey("instrument", code)
}

// LatestBarKey caches the most recent daily bar for a code.
func LatestBarKey(code string) string {
	return formatKey("bar", "latest", code)
}

// InstrumentTTL returns the TTL for instrument lookups. Reference data
// changes slowly, so it rides the long bucket.
func InstrumentTTL(ttl TTLSet) time.Duration {
	return ttl.Duration(TTLLong)
}

// LatestBarTTL returns the TTL for latest-bar lookups.
func LatestBarTTL(ttl TTLSet) time.Duration {
	return ttl.Duration(TTLShort)
}
