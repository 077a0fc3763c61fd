package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/vldhq/veld/internal/models"
)

// ErrTrackIncomplete is returned by Fetcher.Run when a track's failed
// segment count exceeds the gap policy threshold.
var ErrTrackIncomplete = errors.New("engine: track incomplete, too many failed segments")

// FetchEventKind identifies one of the four required fetcher output events.
type FetchEventKind int

const (
	EventSegmentDone FetchEventKind = iota
	EventSegmentFailed
	EventTrackDone
	EventTrackFailed
)

// FetchEvent is emitted on the fetcher's event channel as the sliding
// window advances.
type FetchEvent struct {
	Kind         FetchEventKind
	TrackID      string
	SegmentIndex int
	BytesWritten int64
	Err          error
}

// FetchState is the live, single-owner state of one track's sliding-window
// fetch. Only the fetcher goroutine tree mutates it; callers only ever see
// a point-in-time copy (see engine/progress.go).
type FetchState struct {
	Total         int
	NextToDownload int
	NextToWrite    int
	Failed         []int
	BytesWritten   int64
	StartTime      time.Time
}

// FetcherConfig carries the sliding-window algorithm's tunable parameters.
// Zero values are replaced with the defaults named in the per-track-type
// table (video 20 workers, audio 8) by NewFetcher.
type FetcherConfig struct {
	Window      int // W
	MaxRetries  int // R
	SegTimeout  time.Duration
	Headers     map[string]string
}

func defaultWindow(t models.TrackType) int {
	if t == models.TrackAudio || t == models.TrackSubtitle {
		return 8
	}
	return 20
}

// Fetcher runs the sliding-window ordered-write algorithm (spec §4.5) for
// exactly one track, writing its init segment (if any) followed by media
// segments 0..N-1 to a single output file in strict index order regardless
// of the order in which downloads complete.
type Fetcher struct {
	track  *models.Track
	client *http.Client
	cfg    FetcherConfig
	out    *os.File
	events chan<- FetchEvent

	decFunc func(*models.Track, *models.Segment) ([]byte, error)

	state FetchState
}

// NewFetcher constructs a Fetcher for track, writing to an already-opened
// output file. decFunc, if non-nil, is applied to each segment's raw bytes
// before they are written (HLS AES-128 or an already-resolved CENC key);
// when nil, bytes are written through unchanged.
func NewFetcher(track *models.Track, client *http.Client, out *os.File, cfg FetcherConfig, events chan<- FetchEvent, decFunc func(*models.Track, *models.Segment) ([]byte, error)) *Fetcher {
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow(track.Type)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.SegTimeout <= 0 {
		cfg.SegTimeout = 30 * time.Second
	}
	return &Fetcher{
		track:   track,
		client:  client,
		cfg:     cfg,
		out:     out,
		events:  events,
		decFunc: decFunc,
		state: FetchState{
			Total:     len(track.Segments),
			StartTime: time.Now(),
		},
	}
}

// isFMP4 reports whether this track's segments are fragmented MP4 (they
// carry an init segment) as opposed to MPEG-TS, which has no box structure
// for filterFMP4Passthrough to walk.
func (f *Fetcher) isFMP4() bool {
	return f.track.InitSegment != nil
}

// segmentResult is the outcome of one segment's download-and-decrypt,
// delivered to the in-flight futures table keyed by segment index.
type segmentResult struct {
	data []byte
	err  error
}

// Resume sets the starting next_to_download/next_to_write indices from a
// checkpoint's high-water mark, so a resumed fetch re-enters the window at
// the first undecided segment instead of refetching everything.
func (f *Fetcher) Resume(from int) {
	if from < 0 || from > f.state.Total {
		return
	}
	f.state.NextToDownload = from
	f.state.NextToWrite = from
}

// Run executes the sliding-window loop until every segment has been
// written or permanently gapped, or ctx is cancelled. It returns
// ErrTrackIncomplete if the gap policy's threshold is exceeded.
func (f *Fetcher) Run(ctx context.Context) error {
	N := f.state.Total
	inFlight := make(map[int]chan segmentResult)

	spawn := func(idx int) {
		resultCh := make(chan segmentResult, 1)
		inFlight[idx] = resultCh
		seg := f.track.Segments[idx]
		go func() {
			data, err := f.downloadWithRetry(ctx, seg)
			resultCh <- segmentResult{data: data, err: err}
		}()
	}

	for f.state.NextToWrite < N {
		if err := ctx.Err(); err != nil {
			return f.finishCancelled(err)
		}

		for len(inFlight) < f.cfg.Window && f.state.NextToDownload < N {
			spawn(f.state.NextToDownload)
			f.state.NextToDownload++
		}

		writeIdx := f.state.NextToWrite
		resultCh, ok := inFlight[writeIdx]
		if !ok {
			// Window not yet wide enough to have scheduled writeIdx (can
			// happen transiently right after Resume); spawn it directly.
			spawn(writeIdx)
			resultCh = inFlight[writeIdx]
		}

		var result segmentResult
		select {
		case result = <-resultCh:
		case <-ctx.Done():
			return f.finishCancelled(ctx.Err())
		}
		delete(inFlight, writeIdx)

		if result.err != nil {
			f.state.Failed = append(f.state.Failed, writeIdx)
			f.events <- FetchEvent{Kind: EventSegmentFailed, TrackID: f.track.ID, SegmentIndex: writeIdx, Err: result.err}
		} else {
			data := result.data
			if f.isFMP4() {
				data = filterFMP4Passthrough(data)
			}
			n, werr := f.out.Write(data)
			if werr != nil {
				return fmt.Errorf("engine: write segment %d: %w", writeIdx, werr)
			}
			f.state.BytesWritten += int64(n)
			f.events <- FetchEvent{Kind: EventSegmentDone, TrackID: f.track.ID, SegmentIndex: writeIdx, BytesWritten: int64(n)}
		}

		f.state.NextToWrite++
	}

	if !f.passesGapPolicy() {
		f.events <- FetchEvent{Kind: EventTrackFailed, TrackID: f.track.ID, Err: ErrTrackIncomplete}
		return ErrTrackIncomplete
	}

	f.events <- FetchEvent{Kind: EventTrackDone, TrackID: f.track.ID, BytesWritten: f.state.BytesWritten}
	return nil
}

// passesGapPolicy implements spec's completion threshold:
// (N-|failed|)/N >= 0.90 OR |failed| <= 30.
func (f *Fetcher) passesGapPolicy() bool {
	n := f.state.Total
	failed := len(f.state.Failed)
	if n == 0 {
		return true
	}
	if failed <= 30 {
		return true
	}
	completion := float64(n-failed) / float64(n)
	return completion >= 0.90
}

func (f *Fetcher) finishCancelled(cause error) error {
	f.events <- FetchEvent{Kind: EventTrackFailed, TrackID: f.track.ID, Err: cause}
	return cause
}

// downloadWithRetry performs the per-segment retry/backoff policy: up to
// MaxRetries attempts, per-attempt timeout ramped to min(T, 10+3*attempt),
// backoff 0.5+0.5*attempt for the first two attempts then
// min(2.0, 1.1*2^attempt), and a permanent (non-retried) gap on HTTP 404.
func (f *Fetcher) downloadWithRetry(ctx context.Context, seg *models.Segment) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := attemptBackoff(attempt)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		timeout := attemptTimeout(f.cfg.SegTimeout, attempt)
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		data, status, err := f.doRequest(attemptCtx, seg)
		cancel()

		if err == nil {
			if f.decFunc != nil {
				seg.Data = data
				decrypted, derr := f.decFunc(f.track, seg)
				seg.Data = nil
				if derr != nil {
					lastErr = derr
					continue
				}
				return decrypted, nil
			}
			return data, nil
		}

		if status == http.StatusNotFound {
			return nil, fmt.Errorf("engine: segment %d: %w", seg.Index, err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("engine: segment %d failed after %d attempts: %w", seg.Index, f.cfg.MaxRetries, lastErr)
}

// attemptTimeout ramps the per-attempt timeout: min(T, 10+3*attempt) seconds.
func attemptTimeout(t time.Duration, attempt int) time.Duration {
	ramped := time.Duration(10+3*attempt) * time.Second
	if ramped < t {
		return ramped
	}
	return t
}

// attemptBackoff implements the two-phase backoff: 0.5+0.5*attempt for the
// first two attempts, then min(2.0, 1.1*2^attempt) seconds thereafter.
func attemptBackoff(attempt int) time.Duration {
	if attempt <= 2 {
		return time.Duration((0.5+0.5*float64(attempt))*1000) * time.Millisecond
	}
	secs := math.Min(2.0, 1.1*math.Pow(2, float64(attempt)))
	return time.Duration(secs*1000) * time.Millisecond
}

func (f *Fetcher) doRequest(ctx context.Context, seg *models.Segment) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, seg.URL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	for k, v := range f.cfg.Headers {
		req.Header.Set(k, v)
	}
	if seg.ByteRange != nil {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", seg.ByteRange.Start, seg.ByteRange.End))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, resp.StatusCode, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	return data, resp.StatusCode, nil
}
