package health

import "fmt"

// Severity is an ordered subsystem health state. Aggregation is a max-reduce
// over this total order, so the numeric ordering is load-bearing.
type Severity int

const (
	Healthy Severity = iota
	Degraded
	Unavailable
)

// String returns the string representation of a severity.
func (s Severity) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// IsValid reports whether the severity is a known state.
func (s Severity) IsValid() bool {
	return s == Healthy || s == Degraded || s == Unavailable
}

// ParseSeverity validates and converts a raw string severity.
func ParseSeverity(raw string) (Severity, error) {
	switch raw {
	case "healthy":
		return Healthy, nil
	case "degraded":
		return Degraded, nil
	case "unavailable":
		return Unavailable, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrSeverityInvalid, raw)
	}
}

func worst(a, b Severity) Severity {
	if a > b {
		return a
	}

	return b
}
