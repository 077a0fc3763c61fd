package engine

import (
	"sync"
	"time"
)

// Snapshot is a throttled, point-in-time view of a download's progress
// across every track, emitted at most once per throttle interval. It is a
// pure function of the FetchEvent history consumed so far -- the reporter
// holds no other state that isn't derivable by replaying that history.
type Snapshot struct {
	TotalSegments       int
	Done                int
	Failed              int
	Percent             float64
	BytesDone           int64
	BytesEstimatedTotal int64
	SpeedBps            float64
	ETA                 time.Duration
}

// sample is one entry in the reporter's sliding window of recent segment
// completions, used to compute instantaneous speed over a 1-2s window and
// the running average segment size used for the total-bytes estimate.
type sample struct {
	at    time.Time
	bytes int64
}

// Reporter aggregates FetchEvents from every track's fetcher into a single
// Snapshot, emitted on a throttle no tighter than 100ms. Grounded on the
// sliding-window speed/ETA computation manager.go's processTask used to do
// inline per task, generalized here into a reusable, track-agnostic
// component.
type Reporter struct {
	mu sync.Mutex

	totalSegments int
	done          int
	failed        int
	bytesDone     int64

	window     []sample
	windowSpan time.Duration

	throttle     time.Duration
	lastEmit     time.Time
	lastSnapshot Snapshot
}

// NewReporter builds a Reporter for a download with totalSegments segments
// known up front (tracks whose segment count isn't known yet, e.g. a
// lazily-loaded HLS media playlist, should call SetTotal once it is).
func NewReporter(totalSegments int) *Reporter {
	return &Reporter{
		totalSegments: totalSegments,
		windowSpan:    2 * time.Second,
		throttle:      100 * time.Millisecond,
	}
}

// SetTotal adjusts the known total segment count, for tracks whose size
// wasn't known when the Reporter was constructed.
func (r *Reporter) SetTotal(total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalSegments = total
}

// Observe folds one FetchEvent into the reporter's running totals. It
// returns a fresh Snapshot and true when the throttle interval allows a new
// snapshot to be emitted, or the previous Snapshot and false otherwise --
// callers that only care about the final state can ignore the bool and use
// the returned Snapshot unconditionally.
func (r *Reporter) Observe(ev FetchEvent) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	switch ev.Kind {
	case EventSegmentDone:
		r.done++
		r.bytesDone += ev.BytesWritten
		r.window = append(r.window, sample{at: now, bytes: ev.BytesWritten})
		r.pruneWindow(now)
	case EventSegmentFailed:
		r.failed++
	}

	snap := r.buildSnapshot(now)

	if now.Sub(r.lastEmit) < r.throttle {
		return r.lastSnapshot, false
	}
	r.lastEmit = now
	r.lastSnapshot = snap
	return snap, true
}

func (r *Reporter) pruneWindow(now time.Time) {
	cutoff := now.Add(-r.windowSpan)
	i := 0
	for i < len(r.window) && r.window[i].at.Before(cutoff) {
		i++
	}
	r.window = r.window[i:]
}

func (r *Reporter) buildSnapshot(now time.Time) Snapshot {
	var windowBytes int64
	for _, s := range r.window {
		windowBytes += s.bytes
	}

	var speed float64
	if len(r.window) > 0 {
		span := now.Sub(r.window[0].at)
		if span <= 0 {
			span = time.Millisecond
		}
		speed = float64(windowBytes) / span.Seconds()
	}

	remaining := r.totalSegments - r.done - r.failed
	var avgSegBytes float64
	if r.done > 0 {
		avgSegBytes = float64(r.bytesDone) / float64(r.done)
	}
	estimatedTotal := r.bytesDone + int64(avgSegBytes*float64(remaining))

	var percent float64
	if r.totalSegments > 0 {
		percent = float64(r.done+r.failed) / float64(r.totalSegments) * 100
	}

	var eta time.Duration
	if speed > 0 && remaining > 0 {
		secondsRemaining := float64(remaining) * avgSegBytes / speed
		eta = time.Duration(secondsRemaining * float64(time.Second))
	}

	return Snapshot{
		TotalSegments:       r.totalSegments,
		Done:                r.done,
		Failed:              r.failed,
		Percent:             percent,
		BytesDone:           r.bytesDone,
		BytesEstimatedTotal: estimatedTotal,
		SpeedBps:            speed,
		ETA:                 eta,
	}
}
