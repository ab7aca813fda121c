package limiter

import (
	"context"
	"math"
	"time"
)

// WindowResult is the outcome of a single sliding-window hit.
type WindowResult struct {
	Allowed bool  // count <= limit after the current marker was inserted
	Count   int64 // markers in the window, including the current one
}

// WindowStore defines the interface for the per-tenant sliding window.
type WindowStore interface {
	// Hit removes markers older than now-window from key, inserts member scored by
	// now, counts the remaining markers and refreshes the key expiry.
	// All four steps MUST happen atomically with respect to other callers,
	// including callers in other processes sharing the same backend.
	Hit(ctx context.Context, key, member string, now time.Time, window time.Duration, limit int) (WindowResult, error)
}

// windowTTL is the expiry applied to a window key: ceil(window in seconds) + 5s,
// so an idle tenant's key outlives its newest marker and then disappears.
func windowTTL(window time.Duration) time.Duration {
	secs := math.Ceil(float64(window.Milliseconds()) / 1000)
	return time.Duration(secs+5) * time.Second
}
