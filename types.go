package veld

import (
	"time"

	"github.com/vldhq/veld/internal/models"
)

// TrackType represents the type of media track.
type TrackType int

const (
	TrackVideo    TrackType = TrackType(models.TrackVideo)
	TrackAudio    TrackType = TrackType(models.TrackAudio)
	TrackSubtitle TrackType = TrackType(models.TrackSubtitle)
)

func (t TrackType) String() string {
	switch t {
	case TrackVideo:
		return "video"
	case TrackAudio:
		return "audio"
	case TrackSubtitle:
		return "subtitle"
	default:
		return "unknown"
	}
}

// Track represents a media track (video, audio, or subtitle).
type Track struct {
	internal *models.Track
}

// ID returns the track's unique identifier.
func (t *Track) ID() string {
	return t.internal.ID
}

// Type returns the track type (video, audio, or subtitle).
func (t *Track) Type() TrackType {
	return TrackType(t.internal.Type)
}

// Codec returns the track's codec string (e.g., "avc1.64001f", "mp4a.40.2").
func (t *Track) Codec() string {
	return t.internal.Codec
}

// Bandwidth returns the track's bandwidth in bits per second.
func (t *Track) Bandwidth() int64 {
	return t.internal.Bandwidth
}

// Width returns the video width in pixels (0 for non-video tracks).
func (t *Track) Width() int {
	return t.internal.Resolution.Width
}

// Height returns the video height in pixels (0 for non-video tracks).
func (t *Track) Height() int {
	return t.internal.Resolution.Height
}

// Resolution returns the resolution as "WxH" string (empty for non-video).
func (t *Track) Resolution() string {
	return t.internal.Resolution.String()
}

// QualityLabel returns a human-readable quality label (e.g., "1080p", "720p", "4K").
func (t *Track) QualityLabel() string {
	return t.internal.Resolution.QualityLabel()
}

// Language returns the track's language code (e.g., "en", "es").
func (t *Track) Language() string {
	return t.internal.Language
}

// Name returns the track's name/label.
func (t *Track) Name() string {
	return t.internal.Name
}

// IsVideo returns true if this is a video track.
func (t *Track) IsVideo() bool {
	return t.internal.IsVideo()
}

// IsAudio returns true if this is an audio track.
func (t *Track) IsAudio() bool {
	return t.internal.IsAudio()
}

// IsSubtitle returns true if this is a subtitle track.
func (t *Track) IsSubtitle() bool {
	return t.internal.IsSubtitle()
}

// IsEncrypted returns true if the track is encrypted.
func (t *Track) IsEncrypted() bool {
	return t.internal.Encrypted
}

// SegmentCount returns the number of segments in this track.
func (t *Track) SegmentCount() int {
	return len(t.internal.Segments)
}

// ProgressUpdate is a throttled snapshot of one track's download progress.
type ProgressUpdate struct {
	// TrackID is the ID of the track this update describes.
	TrackID string

	// BytesWritten is the number of bytes written to the track's output
	// file so far.
	BytesWritten int64

	// TotalBytes is the current estimated total size of the track.
	TotalBytes int64

	// Percent is the fraction of segments decided (written or gapped),
	// from 0 to 100.
	Percent float64

	// SpeedBps is the current download speed in bytes per second.
	SpeedBps float64

	// ETA estimates the remaining time to completion.
	ETA time.Duration
}