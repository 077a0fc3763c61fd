package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReporter_TracksDoneAndFailedCounts(t *testing.T) {
	r := NewReporter(10)
	r.throttle = 0 // emit every observation for deterministic assertions

	var snap Snapshot
	for i := 0; i < 7; i++ {
		snap, _ = r.Observe(FetchEvent{Kind: EventSegmentDone, BytesWritten: 100})
	}
	snap, _ = r.Observe(FetchEvent{Kind: EventSegmentFailed})
	snap, _ = r.Observe(FetchEvent{Kind: EventSegmentFailed})

	assert.Equal(t, 7, snap.Done)
	assert.Equal(t, 2, snap.Failed)
	assert.Equal(t, int64(700), snap.BytesDone)
	assert.InDelta(t, 90.0, snap.Percent, 0.001)
}

func TestReporter_ThrottlesSnapshotEmission(t *testing.T) {
	r := NewReporter(100)
	r.throttle = time.Hour // never naturally elapses in this test

	_, emitted := r.Observe(FetchEvent{Kind: EventSegmentDone, BytesWritten: 10})
	require.True(t, emitted, "first observation always emits")

	_, emitted = r.Observe(FetchEvent{Kind: EventSegmentDone, BytesWritten: 10})
	assert.False(t, emitted, "second observation within throttle window must not emit")
}

func TestReporter_EstimatesTotalBytesFromAverage(t *testing.T) {
	r := NewReporter(4)
	r.throttle = 0

	snap, _ := r.Observe(FetchEvent{Kind: EventSegmentDone, BytesWritten: 100})
	snap, _ = r.Observe(FetchEvent{Kind: EventSegmentDone, BytesWritten: 100})
	// 2 done @ avg 100 bytes, 2 remaining -> estimated total ~= 400
	assert.InDelta(t, 400, snap.BytesEstimatedTotal, 1)
}

func TestReporter_ZeroTotalDoesNotPanic(t *testing.T) {
	r := NewReporter(0)
	snap, _ := r.Observe(FetchEvent{Kind: EventSegmentDone, BytesWritten: 10})
	assert.Equal(t, 0.0, snap.Percent)
}
