package monitor

import (
	"fmt"
	"strings"
)

// FailurePolicy decides what a failed status fetch means.
//
// With FailTerminal (the default) the failure becomes an UNKNOWN sample,
// which is terminal: polling stops and observers that saw WorkStarted get
// WorkStopped(UNKNOWN). With RetryTransient the tick is skipped silently
// until MaxConsecutive failures in a row have been seen (0 = never give up).
type FailurePolicy struct {
	Retry          bool
	MaxConsecutive int
}

var FailTerminal = FailurePolicy{}

func RetryTransient(maxConsecutive int) FailurePolicy {
	return FailurePolicy{Retry: true, MaxConsecutive: maxConsecutive}
}

func (p FailurePolicy) retries(consecutive int) bool {
	if !p.Retry {
		return false
	}
	return p.MaxConsecutive <= 0 || consecutive < p.MaxConsecutive
}

func (p FailurePolicy) String() string {
	if !p.Retry {
		return "terminal"
	}
	return fmt.Sprintf("retry(max=%d)", p.MaxConsecutive)
}

// ParseFailurePolicy accepts "terminal" (or "") and "retry".
func ParseFailurePolicy(name string, maxConsecutive int) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "terminal":
		return FailTerminal, nil
	case "retry":
		if maxConsecutive < 0 {
			return FailurePolicy{}, fmt.Errorf("max consecutive failures must not be negative: %d", maxConsecutive)
		}
		return RetryTransient(maxConsecutive), nil
	default:
		return FailurePolicy{}, fmt.Errorf("unknown failure policy %q (want terminal or retry)", name)
	}
}
