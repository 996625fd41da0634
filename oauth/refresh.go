package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// StartRefresher launches a goroutine that periodically checks the stored expiry and refreshes
// when the remaining lifetime falls inside window. An unknown (zero) expiry is never refreshed here;
// the transport's authentication failure path covers that case.
// interval: how often to wake up and check.
// window: refresh when remaining lifetime <= window.
func StartRefresher(ctx context.Context, r *Refresher, interval, window time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			if due(r.store.Get().Expiry, window) {
				if tok := r.RefreshAccessToken(ctx); tok == "" {
					slog.Warn("scheduled token refresh produced no token", slog.String("provider", "twitch"))
				}
			}
			// Per-iteration jitter (±20% of interval).
			jitterRange := int64(interval / 5)
			var jitter time.Duration
			if jitterRange > 0 {
				//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
				jitter = time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			}
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
		}
	}()
}

func due(expiry time.Time, window time.Duration) bool {
	if expiry.IsZero() {
		return false
	}
	return time.Until(expiry) <= window
}
