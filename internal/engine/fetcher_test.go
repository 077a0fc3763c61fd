package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vldhq/veld/internal/models"
)

func buildTrack(t *testing.T, n int, segBody func(idx int) (status int, body string)) (*models.Track, *httptest.Server) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idx, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/seg"))
		if err != nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		status, body := segBody(idx)
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))

	track := &models.Track{ID: "v1", Type: models.TrackVideo}
	for i := 0; i < n; i++ {
		track.Segments = append(track.Segments, &models.Segment{
			Index: i,
			URL:   srv.URL + "/seg" + strconv.Itoa(i),
		})
	}
	return track, srv
}

func TestFetcher_WritesInOrderDespiteOutOfOrderCompletion(t *testing.T) {
	const n = 20
	track, srv := buildTrack(t, n, func(idx int) (int, string) {
		// later indices respond faster than earlier ones, to force
		// completion order to differ from index order.
		delay := time.Duration(n-idx) * time.Millisecond
		time.Sleep(delay)
		return http.StatusOK, "seg" + strconv.Itoa(idx) + ";"
	})
	defer srv.Close()

	out, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	defer out.Close()

	events := make(chan FetchEvent, n*2)
	f := NewFetcher(track, srv.Client(), out, FetcherConfig{Window: 5, MaxRetries: 2, SegTimeout: time.Second}, events, nil)

	err = f.Run(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(out.Name())
	require.NoError(t, err)

	expected := ""
	for i := 0; i < n; i++ {
		expected += "seg" + strconv.Itoa(i) + ";"
	}
	assert.Equal(t, expected, string(data))
}

func TestFetcher_SingleSegmentTrack(t *testing.T) {
	track, srv := buildTrack(t, 1, func(idx int) (int, string) {
		return http.StatusOK, "only"
	})
	defer srv.Close()

	out, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	defer out.Close()

	events := make(chan FetchEvent, 4)
	f := NewFetcher(track, srv.Client(), out, FetcherConfig{Window: 5, MaxRetries: 2, SegTimeout: time.Second}, events, nil)
	require.NoError(t, f.Run(context.Background()))

	data, _ := os.ReadFile(out.Name())
	assert.Equal(t, "only", string(data))
}

func TestFetcher_404IsPermanentGapNotRetried(t *testing.T) {
	attempts := 0
	track, srv := buildTrack(t, 3, func(idx int) (int, string) {
		if idx == 1 {
			attempts++
			return http.StatusNotFound, ""
		}
		return http.StatusOK, "x"
	})
	defer srv.Close()

	out, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	defer out.Close()

	events := make(chan FetchEvent, 10)
	f := NewFetcher(track, srv.Client(), out, FetcherConfig{Window: 3, MaxRetries: 5, SegTimeout: time.Second}, events, nil)
	require.NoError(t, f.Run(context.Background()))

	assert.Equal(t, 1, attempts, "404 must not be retried")
	assert.Equal(t, []int{1}, f.state.Failed)
}

func TestFetcher_GapPolicyFailsTrackBeyondThreshold(t *testing.T) {
	const n = 50
	track, srv := buildTrack(t, n, func(idx int) (int, string) {
		if idx < 40 { // 40 failures out of 50 = way beyond both thresholds
			return http.StatusNotFound, ""
		}
		return http.StatusOK, "x"
	})
	defer srv.Close()

	out, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	defer out.Close()

	events := make(chan FetchEvent, n*2)
	f := NewFetcher(track, srv.Client(), out, FetcherConfig{Window: 5, MaxRetries: 2, SegTimeout: time.Second}, events, nil)
	err = f.Run(context.Background())
	assert.ErrorIs(t, err, ErrTrackIncomplete)
}

func TestFetcher_GapPolicyTolerates30OrFewerFailures(t *testing.T) {
	const n = 300
	track, srv := buildTrack(t, n, func(idx int) (int, string) {
		if idx < 15 { // 15 failures, well within the <=30 exemption
			return http.StatusNotFound, ""
		}
		return http.StatusOK, "x"
	})
	defer srv.Close()

	out, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	defer out.Close()

	events := make(chan FetchEvent, n*2)
	f := NewFetcher(track, srv.Client(), out, FetcherConfig{Window: 20, MaxRetries: 2, SegTimeout: time.Second}, events, nil)
	require.NoError(t, f.Run(context.Background()))
	assert.Len(t, f.state.Failed, 15)
}

func TestFetcher_CancellationStopsCleanly(t *testing.T) {
	track, srv := buildTrack(t, 100, func(idx int) (int, string) {
		time.Sleep(50 * time.Millisecond)
		return http.StatusOK, "x"
	})
	defer srv.Close()

	out, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	defer out.Close()

	events := make(chan FetchEvent, 200)
	f := NewFetcher(track, srv.Client(), out, FetcherConfig{Window: 5, MaxRetries: 2, SegTimeout: time.Second}, events, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err = f.Run(ctx)
	assert.Error(t, err)
}

func TestAttemptTimeout_RampsAndCaps(t *testing.T) {
	assert.Equal(t, 10*time.Second, attemptTimeout(30*time.Second, 0))
	assert.Equal(t, 13*time.Second, attemptTimeout(30*time.Second, 1))
	assert.Equal(t, 5*time.Second, attemptTimeout(5*time.Second, 5))
}

func TestAttemptBackoff_TwoPhase(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, attemptBackoff(0))
	assert.Equal(t, time.Second, attemptBackoff(1))
	assert.Equal(t, 1500*time.Millisecond, attemptBackoff(2))
	assert.Equal(t, 2*time.Second, attemptBackoff(3))
}
