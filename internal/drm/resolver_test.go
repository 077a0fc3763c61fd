package drm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	key       ContentKey
	challenge []byte
}

func (s fakeSession) Challenge(ctx context.Context, pssh []byte) ([]byte, error) {
	return s.challenge, nil
}
func (s fakeSession) ParseLicense(ctx context.Context, license []byte) ([]ContentKey, error) {
	return []ContentKey{s.key}, nil
}
func (s fakeSession) Close() error { return nil }

type fakeCDM struct {
	sys     System
	session fakeSession
}

func (c fakeCDM) System() System { return c.sys }
func (c fakeCDM) OpenSession(ctx context.Context) (Session, error) {
	return c.session, nil
}

func TestResolver_RawLicenseBody(t *testing.T) {
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		w.Write([]byte("raw-license-bytes"))
	}))
	defer srv.Close()

	var key ContentKey
	key.KID[0] = 0x11
	key.Key[0] = 0x22

	r := NewResolver(srv.Client(), map[System]CDM{
		SystemWidevine: fakeCDM{sys: SystemWidevine, session: fakeSession{key: key, challenge: []byte("chal")}},
	})
	r.Limiter = nil

	keys, err := r.Resolve(context.Background(), []PSSHTuple{
		{System: SystemWidevine, PSSH: buildWidevinePSSH(1)},
	}, LicenseConfig{URL: srv.URL})

	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, key, keys[0])
	assert.Equal(t, "application/octet-stream", gotContentType)
}

func TestResolver_JSONLicenseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		body, _ := json.Marshal(map[string]string{
			"license": base64.StdEncoding.EncodeToString([]byte("embedded-license")),
		})
		w.Write(body)
	}))
	defer srv.Close()

	var key ContentKey
	key.KID[0] = 0x33

	r := NewResolver(srv.Client(), map[System]CDM{
		SystemWidevine: fakeCDM{sys: SystemWidevine, session: fakeSession{key: key}},
	})
	r.Limiter = nil

	keys, err := r.Resolve(context.Background(), []PSSHTuple{
		{System: SystemWidevine, PSSH: buildWidevinePSSH(1)},
	}, LicenseConfig{URL: srv.URL})

	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, key, keys[0])
}

func TestResolver_ContinuesPastInvalidPSSH(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("license"))
	}))
	defer srv.Close()

	var key ContentKey
	key.KID[0] = 0x44

	r := NewResolver(srv.Client(), map[System]CDM{
		SystemWidevine: fakeCDM{sys: SystemWidevine, session: fakeSession{key: key}},
	})
	r.Limiter = nil

	keys, err := r.Resolve(context.Background(), []PSSHTuple{
		{System: SystemWidevine, PSSH: []byte("garbage")},
		{System: SystemWidevine, PSSH: buildWidevinePSSH(1)},
	}, LicenseConfig{URL: srv.URL})

	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, key, keys[0])
}

func TestResolver_FailsWhenZeroKeysObtained(t *testing.T) {
	r := NewResolver(http.DefaultClient, map[System]CDM{})
	_, err := r.Resolve(context.Background(), []PSSHTuple{
		{System: SystemWidevine, PSSH: buildWidevinePSSH(1)},
	}, LicenseConfig{URL: "http://example.invalid"})
	assert.Error(t, err)
}

func TestResolver_PlayReadyDefaultContentType(t *testing.T) {
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		w.Write([]byte("license"))
	}))
	defer srv.Close()

	var key ContentKey
	key.KID[0] = 0x55

	r := NewResolver(srv.Client(), map[System]CDM{
		SystemPlayReady: fakeCDM{sys: SystemPlayReady, session: fakeSession{key: key}},
	})
	r.Limiter = nil

	proData := make([]byte, 16)
	proData[0] = 16

	_, err := r.Resolve(context.Background(), []PSSHTuple{
		{System: SystemPlayReady, PSSH: proData},
	}, LicenseConfig{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "text/xml; charset=utf-8", gotContentType)
}
