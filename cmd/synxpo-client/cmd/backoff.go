package cmd

import (
	"math/rand"
	"time"
)

// reconnectDelay is the exponential-backoff-with-jitter idiom the client
// uses between dial attempts, grounded on the doubling-with-cap shape of
// mountsync.HTTPClient.retryDelay and the +/-ratio jitter of
// cmd/relayfile-mount's jitteredIntervalWithSample, applied here to
// reconnects instead of a polling interval.
//
// attempt is 1-based. jitterRatio of 0.2 means the returned delay is the
// doubled base plus or minus 20%.
func reconnectDelay(attempt int, base time.Duration, maxDelay time.Duration, jitterRatio float64) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			delay = maxDelay
			break
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	if jitterRatio <= 0 {
		return delay
	}
	factor := 1 + ((rand.Float64()*2)-1)*jitterRatio
	jittered := time.Duration(float64(delay) * factor)
	if jittered < 0 {
		jittered = 0
	}
	return jittered
}
