package batch

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSize turns a batch-size setting into a wave size over total minions.
// The setting is either an absolute count ("3") or a percentage ("30%") of
// the discovered minion count; percentages round up so a small fleet never
// produces a zero-sized wave. The result is clamped to total.
//
// A malformed setting is an error; callers degrade to "no batching" (one
// wave of everything) rather than refusing to run.
func ParseSize(raw string, total int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("batch size is empty")
	}
	if total <= 0 {
		return 0, nil
	}

	if percent, ok := strings.CutSuffix(raw, "%"); ok {
		p, err := strconv.Atoi(strings.TrimSpace(percent))
		if err != nil || p <= 0 || p > 100 {
			return 0, fmt.Errorf("invalid batch percentage %q", raw)
		}
		// ceil(total * p / 100)
		n := (total*p + 99) / 100
		if n < 1 {
			n = 1
		}
		return n, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid batch size %q", raw)
	}
	if n > total {
		n = total
	}
	return n, nil
}
