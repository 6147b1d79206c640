package resilience

import (
	"time"
)

// PolicyFromConfig builds a Policy from configured attempt and backoff
// values, keeping defaults for anything unset.
func PolicyFromConfig(maxAttempts, initialBackoffMs, maxBackoffMs int) Policy {
	p := DefaultPolicy()
	if maxAttempts > 0 {
		p.MaxAttempts = maxAttempts
	}
	if initialBackoffMs > 0 {
		p.InitialBackoff = time.Duration(initialBackoffMs) * time.Millisecond
	}
	if maxBackoffMs > 0 {
		p.MaxBackoff = time.Duration(maxBackoffMs) * time.Millisecond
	}
	return p
}

// BreakerFromConfig builds a BreakerConfig from configured values.
func BreakerFromConfig(threshold, resetSecs int) BreakerConfig {
	cfg := BreakerConfig{Threshold: threshold}
	if resetSecs > 0 {
		cfg.ResetTimeout = time.Duration(resetSecs) * time.Second
	}
	return cfg
}
