package resilience

import (
	"time"

	"github.com/sells-group/mof-screen/internal/config"
)

// PolicyFromConfig converts retry settings to a Policy.
func PolicyFromConfig(c config.RetryConfig) Policy {
	return Policy{
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: time.Duration(c.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(c.MaxBackoffMs) * time.Millisecond,
		Multiplier:     c.Multiplier,
		JitterFraction: c.JitterFraction,
	}
}

// BreakerFromConfig converts circuit settings to a BreakerConfig.
func BreakerFromConfig(c config.CircuitConfig) BreakerConfig {
	return BreakerConfig{
		FailureThreshold: c.FailureThreshold,
		Cooldown:         time.Duration(c.ResetTimeoutSecs) * time.Second,
	}
}
