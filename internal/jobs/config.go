package jobs

import "time"

const (
	DefaultStaleAfter        = 30 * time.Minute
	MinStaleAfter            = time.Minute
	MaxStaleAfter            = time.Hour
	DefaultHeartbeatInterval = 30 * time.Second

	defaultAudioTimeout = 15 * time.Minute
	minAudioTimeout     = time.Minute
	staleAudioBuffer    = 2 * time.Minute

	DefaultMaxJobs = 5
	MaxJobsLimit   = 20

	maxErrorLen = 1000
)

type Config struct {
	// StaleAfter is the requested staleness threshold; zero means default.
	StaleAfter        time.Duration
	HeartbeatInterval time.Duration
	// AudioTimeout is the narration deadline; processing jobs are never
	// considered stale before it (plus a buffer) has elapsed.
	AudioTimeout time.Duration
}

// StaleThreshold clamps the requested threshold into [1m, 60m] and then
// raises it to at least the audio timeout plus a buffer.
func StaleThreshold(requested, audioTimeout time.Duration) time.Duration {
	if audioTimeout <= 0 {
		audioTimeout = defaultAudioTimeout
	}
	audioTimeout = max(audioTimeout, minAudioTimeout)
	floor := audioTimeout + staleAudioBuffer

	d := DefaultStaleAfter
	if requested > 0 {
		d = min(max(requested, MinStaleAfter), MaxStaleAfter)
	}
	return max(d, floor)
}

// ClampMaxJobs maps non-positive values to the default and caps the rest.
func ClampMaxJobs(n int) int {
	if n <= 0 {
		return DefaultMaxJobs
	}
	return min(n, MaxJobsLimit)
}
