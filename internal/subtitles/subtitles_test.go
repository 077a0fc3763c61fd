package subtitles

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("WEBVTT\n\n00:00:00.000 --> 00:00:01.000\nhi"))
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), nil)
	data, err := f.Fetch(context.Background(), Sidecar{URL: srv.URL, Language: "en", Format: "vtt"})
	require.NoError(t, err)
	assert.Contains(t, string(data), "WEBVTT")
}

func TestFetch_HTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), nil)
	_, err := f.Fetch(context.Background(), Sidecar{URL: srv.URL})
	assert.Error(t, err)
}

func TestFetch_SendsConfiguredHeaders(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), map[string]string{"Authorization": "Bearer token"})
	_, err := f.Fetch(context.Background(), Sidecar{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "Bearer token", gotAuth)
}

func TestFetchAndSaveAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.vtt":
			w.Write([]byte("WEBVTT"))
		case "/missing.srt":
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := NewFetcher(srv.Client(), nil)

	subs := []Sidecar{
		{URL: srv.URL + "/ok.vtt", Language: "en", Format: "vtt"},
		{URL: srv.URL + "/missing.srt", Language: "fr", Format: "srt"},
	}

	saved, errs := f.FetchAndSaveAll(context.Background(), subs, dir, "movie")
	require.Len(t, saved, 1)
	require.Len(t, errs, 1)

	assert.Equal(t, filepath.Join(dir, "movie.en.vtt"), saved[0])
	data, err := os.ReadFile(saved[0])
	require.NoError(t, err)
	assert.Equal(t, "WEBVTT", string(data))
}

func TestSidecarPath_DefaultsLanguageToSub(t *testing.T) {
	path := sidecarPath("/out", "movie", Sidecar{URL: "http://x/cap.srt", Format: "srt"})
	assert.Equal(t, filepath.Join("/out", "movie.sub.srt"), path)
}

func TestExt_SniffsFromURLWhenFormatEmpty(t *testing.T) {
	assert.Equal(t, ".srt", ext(Sidecar{URL: "http://x/caption.srt"}))
	assert.Equal(t, ".ttml", ext(Sidecar{URL: "http://x/caption.ttml"}))
	assert.Equal(t, ".vtt", ext(Sidecar{URL: "http://x/caption"}))
}
