// Package engine provides the high-performance download engine.
package engine

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/vldhq/veld/internal/config"
	"github.com/vldhq/veld/internal/decryptor"
	"github.com/vldhq/veld/internal/drm"
	"github.com/vldhq/veld/internal/httpclient"
	"github.com/vldhq/veld/internal/models"
	"github.com/vldhq/veld/internal/parser"
	"github.com/vldhq/veld/internal/subtitles"
)

// Engine is the main download orchestrator.
type Engine struct {
	cfg        *config.Config
	client     *http.Client
	progressCh chan ProgressUpdate
	reporter   *Reporter

	// Selected tracks (set after selection)
	SelectedTracks []*models.Track

	// Resume support
	checkpoint     *Checkpoint
	checkpointPath string
	tempDir        string

	// track ID -> fully fetched/concatenated file path, consumed by the
	// muxer; trackFilesMu guards concurrent writes when ConcurrentDownload
	// runs more than one track's downloadTrack at once.
	trackFiles   map[string]string
	trackFilesMu sync.Mutex

	// Pluggable interfaces
	muxer Muxer
}

// New creates a new Engine with optimized settings.
func New(cfg *config.Config) (*Engine, error) {
	httpCfg := httpclient.DefaultConfig()
	httpCfg.Impersonate = httpclient.ImpersonationProfile(cfg.Impersonate)

	var client *http.Client
	if cfg.MaxBandwidth > 0 {
		client = httpclient.NewWithRateLimit(httpCfg, cfg.MaxBandwidth)
	} else {
		client = httpclient.New(httpCfg)
	}

	e := &Engine{
		cfg:        cfg,
		client:     client,
		progressCh: make(chan ProgressUpdate, 100),
		muxer:      NewAutoMuxer(cfg),
		trackFiles: make(map[string]string),
	}

	return e, nil
}

// SelectTracks selects tracks from manifest and resolves their decryption
// keys (raw bypass, DASH CENC license exchange, or HLS AES-128 fetch-on-use).
func (e *Engine) SelectTracks(manifest *models.Manifest) error {
	return e.selectTracks(context.Background(), manifest)
}

func (e *Engine) selectTracks(ctx context.Context, manifest *models.Manifest) error {
	if len(manifest.Tracks) == 0 {
		return fmt.Errorf("no tracks available")
	}
	ts := NewTrackSelector(manifest.Tracks)
	selected, err := ts.Select(e.cfg.TrackSelector)
	if err != nil {
		return err
	}
	if len(selected) == 0 {
		return fmt.Errorf("no tracks matched selector: %s", e.cfg.TrackSelector)
	}
	for _, w := range ts.Warnings {
		warning := w
		select {
		case e.progressCh <- ProgressUpdate{Warning: &warning}:
		default:
		}
	}

	for _, track := range selected {
		if err := e.resolveTrackKeys(ctx, track); err != nil {
			return fmt.Errorf("resolve keys for %s: %w", track.ID, err)
		}
	}
	e.SelectedTracks = selected
	return nil
}

// resolveTrackKeys wires a Decryptor onto track, preferring, in order: a
// caller-supplied raw KID:KEY bypass, a DASH CENC license exchange against
// the configured license server, then falling back to HLS AES-128
// fetch-on-use (no license server involved, key comes straight from the
// manifest's key URI).
func (e *Engine) resolveTrackKeys(ctx context.Context, track *models.Track) error {
	for _, kidkey := range e.cfg.DecryptionKeys {
		if strings.Contains(kidkey, track.KeyID) {
			dec, err := decryptor.New(kidkey)
			if err == nil {
				track.Decryptor = dec
				return nil
			}
		}
	}

	if len(track.PSSH) > 0 && e.cfg.LicenseURL != "" {
		keys, err := e.resolvePSSHKeys(ctx, track)
		if err != nil {
			if e.cfg.Verbose {
				fmt.Printf("drm: license exchange failed for %s: %v\n", track.ID, err)
			}
		} else {
			track.ContentKeys = keys
			if len(keys) > 0 {
				dec, err := decryptor.New(keys[0].String())
				if err == nil {
					track.Decryptor = dec
				}
			}
			return nil
		}
	}

	if track.EncryptionURI != "" && track.Decryptor == nil {
		if track.IsSampleAES() {
			// SAMPLE-AES encrypts at the fMP4 sample level like DASH CENC,
			// so it goes through the same moof/mdat-aware Decryptor instead
			// of HLSDecryptor's whole-segment AES-128-CBC, and is applied at
			// mux time rather than per-segment in the fetcher.
			if dec, err := e.resolveSampleAESKey(ctx, track); err == nil {
				track.Decryptor = dec
			} else if e.cfg.Verbose {
				fmt.Printf("hls: SAMPLE-AES key fetch failed for %s: %v\n", track.ID, err)
			}
		} else {
			track.HLSDecryptor = decryptor.NewHLSDecryptor(e.client, e.cfg.Headers)
		}
	}
	return nil
}

// resolveSampleAESKey fetches the raw key referenced by a SAMPLE-AES
// #EXT-X-KEY URI and builds a CENC-style Decryptor from it. The KID, when
// not carried in the KEYID attribute, is left blank and resolved against
// whatever the init segment's tenc box declares.
func (e *Engine) resolveSampleAESKey(ctx context.Context, track *models.Track) (*decryptor.Decryptor, error) {
	fetch := decryptor.NewHLSDecryptor(e.client, e.cfg.Headers)
	key, err := fetch.FetchKey(ctx, track.EncryptionURI)
	if err != nil {
		return nil, fmt.Errorf("fetch key: %w", err)
	}
	return decryptor.New(fmt.Sprintf("%s:%s", track.KeyID, hex.EncodeToString(key)))
}

func (e *Engine) resolvePSSHKeys(ctx context.Context, track *models.Track) ([]drm.ContentKey, error) {
	var tuples []drm.PSSHTuple
	// Caller-specified preference order: Widevine, then PlayReady, then
	// FairPlay, matching the default order the DRM resolver's CDM map is
	// built with in the root Downloader wiring.
	for _, sys := range []drm.System{drm.SystemWidevine, drm.SystemPlayReady, drm.SystemFairPlay} {
		if pssh, ok := track.PSSH[sys]; ok {
			tuples = append(tuples, drm.PSSHTuple{System: sys, PSSH: pssh, KID: track.KeyID})
		}
	}
	if len(tuples) == 0 {
		return nil, fmt.Errorf("no PSSH payloads on track")
	}

	cdms := map[drm.System]drm.CDM{}
	if e.cfg.CDMHelperPath != "" {
		for sys := range track.PSSH {
			cdms[sys] = drm.ExternalCDM{BinaryPath: e.cfg.CDMHelperPath, DeviceBlob: e.cfg.CDMBlobPath, Sys: sys}
		}
	}
	if len(cdms) == 0 {
		return nil, fmt.Errorf("no CDM helper configured")
	}

	resolver := drm.NewResolver(e.client, cdms)
	return resolver.Resolve(ctx, tuples, drm.LicenseConfig{
		URL:         e.cfg.LicenseURL,
		Headers:     e.cfg.LicenseHeaders,
		QueryParams: e.cfg.LicenseQueryParams,
	})
}

// Download initiates the download process for selected tracks.
func (e *Engine) Download(ctx context.Context, manifest *models.Manifest) error {
	if e.SelectedTracks == nil {
		if err := e.selectTracks(ctx, manifest); err != nil {
			return err
		}
	}

	for _, track := range e.SelectedTracks {
		if track.MediaPlaylistURL != "" && len(track.Segments) == 0 {
			if err := e.LoadTrackSegments(ctx, track); err != nil {
				return fmt.Errorf("load segments for %s: %w", track.ID, err)
			}
		}
	}

	for _, track := range e.SelectedTracks {
		if track.InitSegment != nil && track.InitSegment.URL != "" {
			if err := e.downloadInitSegment(ctx, track); err != nil {
				return fmt.Errorf("download init segment for %s: %w", track.ID, err)
			}
		}
	}

	if err := e.setupCheckpoint(); err != nil {
		return err
	}

	totalSegments := 0
	for _, track := range e.SelectedTracks {
		totalSegments += len(track.Segments)
	}
	e.reporter = NewReporter(totalSegments)

	if e.cfg.ConcurrentDownload {
		err := e.downloadTracksConcurrently(ctx)
		if err != nil {
			e.checkpoint.Save(e.checkpointPath)
			return err
		}
	} else {
		for _, track := range e.SelectedTracks {
			if err := e.downloadTrack(ctx, track); err != nil {
				e.checkpoint.Save(e.checkpointPath)
				return err
			}
		}
	}

	if e.cfg.CleanupTemp {
		defer func() {
			os.Remove(e.checkpointPath)
			os.RemoveAll(e.tempDir)
		}()
	}

	if _, err := os.Stat(e.cfg.OutputDir); os.IsNotExist(err) {
		os.MkdirAll(e.cfg.OutputDir, 0755)
	}

	outputPath := filepath.Join(e.cfg.OutputDir, e.cfg.FileName)
	if err := e.muxer.Mux(ctx, e.SelectedTracks, e.trackFiles, outputPath, ContainerFormat(e.cfg.Format)); err != nil {
		return err
	}

	e.fetchExternalSubtitles(ctx, outputPath)
	return nil
}

// fetchExternalSubtitles downloads every DownloadPlan.external_subs sidecar
// and saves it beside outputPath, using the same "<base>.<lang><ext>"
// convention the muxer uses for manifest-declared subtitle tracks. Unlike
// the mux step, a failed sidecar fetch is logged, not fatal -- the main
// download already succeeded.
func (e *Engine) fetchExternalSubtitles(ctx context.Context, outputPath string) {
	if len(e.cfg.ExternalSubtitles) == 0 {
		return
	}

	ext := "." + e.cfg.Format
	dir := filepath.Dir(outputPath)
	baseName := strings.TrimSuffix(filepath.Base(outputPath), ext)

	fetcher := subtitles.NewFetcher(e.client, e.cfg.Headers)
	saved, errs := fetcher.FetchAndSaveAll(ctx, e.cfg.ExternalSubtitles, dir, baseName)

	for _, path := range saved {
		fmt.Printf("✓ Subtitle saved: %s\n", path)
	}
	for _, err := range errs {
		if e.cfg.Verbose {
			fmt.Printf("Warning: external subtitle fetch failed: %v\n", err)
		}
	}
}

func (e *Engine) downloadTracksConcurrently(ctx context.Context) error {
	errCh := make(chan error, len(e.SelectedTracks))
	for _, track := range e.SelectedTracks {
		track := track
		go func() {
			errCh <- e.downloadTrack(ctx, track)
		}()
	}
	var firstErr error
	for range e.SelectedTracks {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Engine) setupCheckpoint() error {
	outputPath := filepath.Join(e.cfg.OutputDir, e.cfg.FileName)
	e.checkpointPath = CheckpointPath(outputPath)
	e.tempDir = filepath.Join(os.TempDir(), "veld_"+uuid.NewString())

	existingCP, _ := LoadCheckpoint(e.checkpointPath)
	if existingCP != nil && existingCP.Matches(e.cfg.URL) {
		e.tempDir = existingCP.TempDir
		e.checkpoint = existingCP
		if e.cfg.Verbose {
			fmt.Println("Resuming download from checkpoint")
		}
		return nil
	}

	if err := os.MkdirAll(e.tempDir, 0755); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	e.checkpoint = NewCheckpoint(e.cfg.URL, e.tempDir)
	return nil
}

// downloadTrack runs the sliding-window fetcher for one track, producing a
// single strictly-ordered output file that the mux controller later reads
// as-is (no further concatenation step).
func (e *Engine) downloadTrack(ctx context.Context, track *models.Track) error {
	outPath := filepath.Join(e.tempDir, sanitizeID(track.ID)+".track")
	e.trackFilesMu.Lock()
	e.trackFiles[track.ID] = outPath
	e.trackFilesMu.Unlock()

	resumeFrom := e.checkpoint.ResumeFrom(track.ID)

	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open track output: %w", err)
	}
	defer out.Close()

	if resumeFrom == 0 && track.InitSegment != nil && len(track.InitSegment.Data) > 0 {
		if _, err := out.Write(track.InitSegment.Data); err != nil {
			return fmt.Errorf("write init segment: %w", err)
		}
	} else if resumeFrom > 0 {
		if _, err := out.Seek(0, io.SeekEnd); err != nil {
			return fmt.Errorf("seek resumed output: %w", err)
		}
	}

	decFunc := e.decryptFuncFor(ctx, track)

	workerCount := e.cfg.WorkerCounts.Video
	if track.IsAudio() || track.IsSubtitle() {
		workerCount = e.cfg.WorkerCounts.Audio
	}

	events := make(chan FetchEvent, workerCount*2)
	fetcher := NewFetcher(track, e.client, out, FetcherConfig{
		Window:     workerCount,
		MaxRetries: e.cfg.RetryAttempts,
		SegTimeout: e.cfg.SegmentTimeout,
		Headers:    e.cfg.Headers,
	}, events, decFunc)
	fetcher.Resume(resumeFrom)

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ev := range events {
			if e.reporter != nil {
				if snap, ok := e.reporter.Observe(ev); ok {
					e.emitProgress(track.ID, snap)
				}
			}
			switch ev.Kind {
			case EventSegmentDone:
				e.checkpoint.AdvanceWrite(track.ID, ev.SegmentIndex)
			case EventSegmentFailed:
				e.checkpoint.MarkFailed(track.ID, ev.SegmentIndex)
			}
		}
	}()

	err = fetcher.Run(ctx)
	close(events)
	<-drained
	if err != nil {
		return fmt.Errorf("fetch track %s: %w", track.ID, err)
	}
	return nil
}

// emitProgress forwards a Reporter snapshot onto the legacy ProgressUpdate
// channel consumed by manager.go/the TUI.
func (e *Engine) emitProgress(trackID string, snap Snapshot) {
	select {
	case e.progressCh <- ProgressUpdate{
		TrackID:      trackID,
		BytesWritten: snap.BytesDone,
		TotalBytes:   snap.BytesEstimatedTotal,
		Percent:      snap.Percent,
		SpeedBps:     snap.SpeedBps,
		ETA:          snap.ETA,
	}:
	default:
		// TUI not keeping up; drop rather than block the fetch loop.
	}
}

// decryptFuncFor builds the per-segment decrypt closure for track, or nil
// if its segments should be written through unmodified (CENC segments are
// decrypted at mux time instead, see internal/engine/muxer.go).
func (e *Engine) decryptFuncFor(ctx context.Context, track *models.Track) func(*models.Track, *models.Segment) ([]byte, error) {
	if track.HLSDecryptor != nil {
		return func(tr *models.Track, seg *models.Segment) ([]byte, error) {
			key, err := tr.HLSDecryptor.FetchKey(ctx, tr.EncryptionURI)
			if err != nil {
				return nil, fmt.Errorf("fetch key: %w", err)
			}
			iv := tr.EncryptionIV
			if len(iv) == 0 {
				iv = decryptor.SegmentIV(seg.Index)
			}
			return tr.HLSDecryptor.Decrypt(seg.Data, key, iv)
		}
	}
	return nil
}

// Progress returns the progress update channel.
func (e *Engine) Progress() <-chan ProgressUpdate {
	return e.progressCh
}

// Close releases engine resources.
func (e *Engine) Close() error {
	close(e.progressCh)
	return nil
}

// SetMuxer sets a custom muxer implementation.
func (e *Engine) SetMuxer(m Muxer) {
	e.muxer = m
}

// downloadInitSegment downloads the initialization segment for a track.
func (e *Engine) downloadInitSegment(ctx context.Context, track *models.Track) error {
	if track.InitSegment == nil || track.InitSegment.URL == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, "GET", track.InitSegment.URL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	for k, v := range e.cfg.Headers {
		req.Header.Set(k, v)
	}

	if track.InitSegment.ByteRange != nil {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d",
			track.InitSegment.ByteRange.Start,
			track.InitSegment.ByteRange.End))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	track.InitSegment.Data = data

	if e.cfg.Verbose {
		fmt.Printf("Downloaded init segment for %s: %d bytes\n", track.ID, len(data))
	}

	return nil
}

// LoadTrackSegments fetches the media playlist and populates track segments.
// Used for lazy loading of audio/subtitle tracks in HLS.
func (e *Engine) LoadTrackSegments(ctx context.Context, track *models.Track) error {
	if track.MediaPlaylistURL == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, "GET", track.MediaPlaylistURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	for k, v := range e.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	segments, initSeg := parser.ParseMediaPlaylist(string(content), track.MediaPlaylistURL)
	track.Segments = segments
	if initSeg != nil {
		track.InitSegment = initSeg
	}

	if e.cfg.Verbose {
		fmt.Printf("Loaded %d segments for %s (init: %v)\n", len(segments), track.ID, initSeg != nil)
	}

	return nil
}
