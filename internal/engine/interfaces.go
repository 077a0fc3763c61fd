package engine

import (
	"context"
	"time"

	"github.com/vldhq/veld/internal/models"
)

// ProgressUpdate is a throttled snapshot of one track's progress, derived
// from a Reporter Snapshot and forwarded to the TUI/manager layer.
type ProgressUpdate struct {
	TrackID      string
	BytesWritten int64
	TotalBytes   int64
	Percent      float64
	SpeedBps     float64
	ETA          time.Duration

	// Warning carries a non-fatal SelectionWarning (track selector fell
	// back to an automatic choice) instead of a progress snapshot. Zero
	// value everywhere else in the struct when this is set.
	Warning *SelectionWarning
}

// Decryptor interface for pluggable decryption.
type Decryptor interface {
	CanDecrypt(encryptionType string) bool
	Decrypt(data []byte, key []byte, iv []byte) ([]byte, error)
	ParseKey(keyString string) (key []byte, iv []byte, err error)
}

// NoOpDecryptor is a placeholder that passes data through unchanged.
type NoOpDecryptor struct{}

func (d *NoOpDecryptor) CanDecrypt(encryptionType string) bool       { return false }
func (d *NoOpDecryptor) Decrypt(data, key, iv []byte) ([]byte, error) { return data, nil }
func (d *NoOpDecryptor) ParseKey(keyString string) ([]byte, []byte, error) {
	return nil, nil, nil
}

// Muxer assembles already-fetched per-track files (trackFiles, keyed by
// Track.ID, as produced by the Fetcher) into one output container.
type Muxer interface {
	Mux(ctx context.Context, tracks []*models.Track, trackFiles map[string]string, outputPath string, format ContainerFormat) error
	SupportedFormats() []ContainerFormat
}

// ContainerFormat represents output container formats.
type ContainerFormat string

const (
	FormatMP4  ContainerFormat = "mp4"
	FormatMKV  ContainerFormat = "mkv"
	FormatTS   ContainerFormat = "ts"
	FormatWebM ContainerFormat = "webm"
)
