package circuitbreaker

import "time"

// Config holds circuit breaker configuration.
//
// Cooldown is fixed per trip: repeated trips do not escalate the cooldown
// duration. A breaker that fails its half-open probe simply restarts the
// same cooldown.
type Config struct {
	FailureThreshold int           // Consecutive failures to trigger open state
	FailureWindow    time.Duration // Failures further apart than this do not accumulate
	Cooldown         time.Duration // Wall-clock wait before half-open probe eligibility
}

// DefaultConfig provides balanced settings for most providers.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureWindow:    2 * time.Minute,
		Cooldown:         30 * time.Second,
	}
}

// AggressiveConfig for providers requiring fast failure detection.
func AggressiveConfig() Config {
	return Config{
		FailureThreshold: 3,
		FailureWindow:    1 * time.Minute,
		Cooldown:         10 * time.Second,
	}
}

// ConservativeConfig for providers that should tolerate more failures.
func ConservativeConfig() Config {
	return Config{
		FailureThreshold: 10,
		FailureWindow:    5 * time.Minute,
		Cooldown:         60 * time.Second,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}

	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = defaults.FailureWindow
	}

	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaults.Cooldown
	}
}
