// Package subtitles fetches external sidecar subtitle files referenced
// directly by URL (DownloadPlan.external_subs: {url, language, format}), as
// distinct from subtitle tracks embedded in an HLS/DASH manifest, which go
// through internal/engine's Fetcher and internal/engine/muxer.go instead.
package subtitles

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// Sidecar is one external subtitle reference: a DownloadPlan.external_subs
// entry of {url, language, format}.
type Sidecar struct {
	URL      string
	Language string
	Format   string // "vtt", "srt", "ttml" -- sniffed from the URL when empty
}

// Fetcher downloads Sidecar subtitles over a shared HTTP client, the same
// one the engine builds via internal/httpclient so impersonation, cookies,
// and rate limiting apply uniformly.
type Fetcher struct {
	client  *http.Client
	headers map[string]string
}

// NewFetcher builds a Fetcher using client and a fixed set of request
// headers (the same cfg.Headers the engine applies to segment fetches).
func NewFetcher(client *http.Client, headers map[string]string) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{client: client, headers: headers}
}

// Fetch downloads one sidecar's raw bytes.
func (f *Fetcher) Fetch(ctx context.Context, sc Sidecar) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sc.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("subtitles: build request: %w", err)
	}
	for k, v := range f.headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("subtitles: fetch %s: %w", sc.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("subtitles: %s: HTTP %d", sc.URL, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("subtitles: read %s: %w", sc.URL, err)
	}
	return data, nil
}

// FetchAndSaveAll downloads every sidecar and writes it to
// "<baseName>.<language><ext>" inside dir, matching the naming
// engine/muxer.go's subtitlePath uses for embedded subtitle tracks so
// external and embedded captions sit side by side predictably. One bad
// caption URL shouldn't fail an otherwise-complete download, so fetch
// failures are collected rather than aborting the loop.
func (f *Fetcher) FetchAndSaveAll(ctx context.Context, subs []Sidecar, dir, baseName string) ([]string, []error) {
	var saved []string
	var errs []error

	for _, sc := range subs {
		data, err := f.Fetch(ctx, sc)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		path := sidecarPath(dir, baseName, sc)
		if err := os.WriteFile(path, data, 0644); err != nil {
			errs = append(errs, fmt.Errorf("subtitles: write %s: %w", path, err))
			continue
		}
		saved = append(saved, path)
	}

	return saved, errs
}

func sidecarPath(dir, baseName string, sc Sidecar) string {
	lang := sc.Language
	if lang == "" {
		lang = "sub"
	}
	return filepath.Join(dir, fmt.Sprintf("%s.%s%s", baseName, lang, ext(sc)))
}

func ext(sc Sidecar) string {
	format := strings.ToLower(sc.Format)
	if format == "" {
		format = strings.ToLower(strings.TrimPrefix(filepath.Ext(sc.URL), "."))
	}
	switch format {
	case "srt":
		return ".srt"
	case "ttml", "dfxp":
		return ".ttml"
	default:
		return ".vtt"
	}
}
