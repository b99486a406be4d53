package providers

import (
	"context"
	"strings"
	"time"
)

// quotaBackoff is the pause between key-rotation retries on a quota-exceeded
// signal (spec §4.4.1 step 2: "wait a small backoff (≈2 seconds)").
const quotaBackoff = 2 * time.Second

// quotaMarkers are substrings that identify a quota/rate-limit failure from
// an opaque provider SDK error. Provider SDKs rarely expose a typed quota
// error, so string-matching on the lower-cased message is the grounded
// approach here.
var quotaMarkers = []string{
	"429",
	"resource exhausted",
	"resource_exhausted",
	"quota",
	"rate limit",
	"rate_limit",
	"too many requests",
}

// IsQuotaExceeded reports whether err looks like a quota/rate-limit signal
// from a model provider, as opposed to any other send failure.
func IsQuotaExceeded(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range quotaMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// SleepBackoff pauses for quotaBackoff, returning ctx.Err() early if the
// context is cancelled first. Exported so the Pre-Filter's lite-model caller
// (internal/prefilter), which shares the heavy driver's key pool and retry
// shape, can reuse the exact same backoff instead of reimplementing it.
func SleepBackoff(ctx context.Context) error {
	t := time.NewTimer(quotaBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
