package alerts

import (
	"math"
)

// Status is the classification of a single sensor value
type Status int

// Ordered from least to most severe; Worst relies on this ordering.
const (
	StatusUnknown Status = iota
	StatusNormal
	StatusWarning
	StatusDanger
)

func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusWarning:
		return "warning"
	case StatusDanger:
		return "danger"
	default:
		return "unknown"
	}
}

// MarshalText renders the status by name in JSON responses
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Side is the direction of a threshold breach
type Side int

const (
	SideNone Side = iota
	SideLow
	SideHigh
)

// Danger margins around the configured band.
const (
	lowDangerFactor  = 0.8
	highDangerFactor = 1.2
)

// Verdict is the outcome of evaluating one value against its thresholds.
// Threshold holds the breached threshold and is meaningful only when Side
// is not SideNone.
type Verdict struct {
	Status    Status
	Side      Side
	Threshold float64
}

// Breach reports whether the verdict should raise an alert
func (v Verdict) Breach() bool {
	return v.Status == StatusWarning || v.Status == StatusDanger
}

// Evaluate classifies value against an optional floor and ceiling.
//
// A nil or non-finite value is unknown. The floor is checked first: below it
// is a warning, and more than 20% below it is danger. Otherwise above the
// ceiling is a warning, and more than 20% above it is danger. Values exactly
// on a threshold or exactly on a danger margin do not escalate. A nil
// threshold is skipped. min < max is not checked.
func Evaluate(value, min, max *float64) Verdict {
	if value == nil || math.IsNaN(*value) || math.IsInf(*value, 0) {
		return Verdict{Status: StatusUnknown}
	}
	v := *value

	if min != nil && v < *min {
		status := StatusWarning
		if v < *min*lowDangerFactor {
			status = StatusDanger
		}
		return Verdict{Status: status, Side: SideLow, Threshold: *min}
	}

	if max != nil && v > *max {
		status := StatusWarning
		if v > *max*highDangerFactor {
			status = StatusDanger
		}
		return Verdict{Status: status, Side: SideHigh, Threshold: *max}
	}

	return Verdict{Status: StatusNormal}
}

// Worst returns the most severe status: danger > warning > normal > unknown.
// No statuses at all is unknown.
func Worst(statuses ...Status) Status {
	worst := StatusUnknown
	for _, s := range statuses {
		if s > worst {
			worst = s
		}
	}
	return worst
}
