// Package config provides configuration types for the downloader.
package config

import (
	"errors"
	"time"

	"github.com/vldhq/veld/internal/subtitles"
)

// Common errors.
var (
	ErrMissingURL      = errors.New("URL is required")
	ErrInvalidFormat   = errors.New("invalid output format")
	ErrInvalidSelector = errors.New("invalid track selector")
)

// WorkerCounts holds the per-track-type sliding-window worker count (W in
// the fetcher's algorithm).
type WorkerCounts struct {
	Video int
	Audio int
}

// Config holds all application configuration.
type Config struct {
	// Input
	URL string

	// Output
	FileName  string
	OutputDir string
	Format    string // mp4, mkv, ts

	// Download settings
	Threads        int
	ParallelTracks bool // deprecated alias for ConcurrentDownload, kept for source compatibility
	ConcurrentDownload bool
	WorkerCounts       WorkerCounts
	RetryAttempts      int
	RetryDelay         time.Duration
	Timeout            time.Duration
	SegmentTimeout     time.Duration // per-segment fetch timeout ceiling (T)
	MaxBandwidth       int64         // bytes per second, 0 = unlimited

	// HTTP settings
	Headers     map[string]string
	Cookies     string
	Impersonate string // "", "chrome", "firefox", "safari" -- TLS/UA fingerprint profile

	// Encryption
	DecryptionKeys []string // raw "KID:KEY" bypass entries

	// DRM license acquisition (used only when DecryptionKeys doesn't already
	// resolve a track's key).
	LicenseURL         string
	LicenseHeaders     map[string]string
	LicenseQueryParams map[string]string
	CDMHelperPath      string // external CDM helper binary (see internal/drm.ExternalCDM)
	CDMBlobPath        string // operator-supplied device blob passed to the helper

	// External tool paths
	Mp4DecryptPath string // external CENC decrypt helper invoked by the muxer

	// Track selection
	TrackSelector     string
	AudioLanguages    []string
	SubtitleLanguages []string
	MergeSubtitles    bool
	CleanupTemp       bool

	// External sidecar subtitles (DownloadPlan.external_subs), fetched by
	// internal/subtitles independently of any manifest subtitle track.
	ExternalSubtitles []subtitles.Sidecar

	// Muxer backend
	MuxerBackend string // ffmpeg, binary, auto

	// UI/Logging
	NoProgress  bool
	Verbose     bool
	ShowVersion bool
}

// Default configuration values.
const (
	DefaultThreads       = 16
	DefaultFormat        = "mp4"
	DefaultMuxerBackend  = "auto"
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = time.Second
	DefaultTimeout       = 30 * time.Second
	DefaultTrackSelector = "best"

	MaxThreads = 128
	MinThreads = 1
)

// Default per-track-type worker counts (W in the fetcher's sliding window).
const (
	DefaultVideoWorkers  = 20
	DefaultAudioWorkers  = 8
	DefaultSegmentTimeout = 30 * time.Second
)

// New returns a Config with sensible defaults.
func New() *Config {
	return &Config{
		Threads:        DefaultThreads,
		Format:         DefaultFormat,
		MuxerBackend:   DefaultMuxerBackend,
		RetryAttempts:  DefaultRetryAttempts,
		RetryDelay:     DefaultRetryDelay,
		Timeout:        DefaultTimeout,
		SegmentTimeout: DefaultSegmentTimeout,
		TrackSelector:  DefaultTrackSelector,
		Headers:        make(map[string]string),
		WorkerCounts:   WorkerCounts{Video: DefaultVideoWorkers, Audio: DefaultAudioWorkers},
		CleanupTemp:    true,
	}
}

// Validate checks if the configuration is valid and normalizes values.
func (c *Config) Validate() error {
	if c.URL == "" {
		return ErrMissingURL
	}

	// Clamp threads to valid range
	if c.Threads < MinThreads {
		c.Threads = MinThreads
	}
	if c.Threads > MaxThreads {
		c.Threads = MaxThreads
	}

	// Initialize headers map if nil
	if c.Headers == nil {
		c.Headers = make(map[string]string)
	}

	if c.WorkerCounts.Video <= 0 {
		c.WorkerCounts.Video = DefaultVideoWorkers
	}
	if c.WorkerCounts.Audio <= 0 {
		c.WorkerCounts.Audio = DefaultAudioWorkers
	}
	if c.SegmentTimeout <= 0 {
		c.SegmentTimeout = DefaultSegmentTimeout
	}

	// ParallelTracks is a deprecated alias; ConcurrentDownload wins if the
	// caller set both, otherwise fall back to whichever was set.
	if c.ParallelTracks && !c.ConcurrentDownload {
		c.ConcurrentDownload = true
	}

	return nil
}
