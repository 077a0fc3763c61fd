package drm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// PSSHTuple pairs a raw PSSH payload with the key system it was tagged
// under by the manifest parser.
type PSSHTuple struct {
	System System
	PSSH   []byte
	KID    string // informational, logged only
}

// LicenseConfig describes how to reach a DRM license server.
type LicenseConfig struct {
	URL         string
	Headers     map[string]string
	QueryParams map[string]string
	// ContentType overrides the per-system default
	// (application/octet-stream for Widevine, text/xml; charset=utf-8 for
	// PlayReady) when the caller needs something else.
	ContentType string
}

func defaultContentType(sys System) string {
	switch sys {
	case SystemPlayReady:
		return "text/xml; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}

// Resolver performs the CDM session flow against a license server: open a
// session, build a challenge per PSSH, POST it, parse the response, and
// accumulate Content keys across every PSSH tuple tried.
type Resolver struct {
	Client  *http.Client
	CDMs    map[System]CDM
	Limiter *rate.Limiter // paces license requests; license endpoints commonly throttle
}

// NewResolver builds a Resolver with a 4-request/second limiter by default,
// matching the 0.25s sleep the original implementation inserts between
// license POSTs.
func NewResolver(client *http.Client, cdms map[System]CDM) *Resolver {
	if client == nil {
		client = http.DefaultClient
	}
	return &Resolver{
		Client:  client,
		CDMs:    cdms,
		Limiter: rate.NewLimiter(rate.Every(250*time.Millisecond), 1),
	}
}

// Resolve attempts a license exchange for each tuple in order, preferring
// whatever system ordering the caller passed them in (the caller encodes
// its own system-preference policy by ordering `tuples`). It continues past
// a failed individual tuple and only returns an error when zero keys were
// obtained across all tuples.
func (r *Resolver) Resolve(ctx context.Context, tuples []PSSHTuple, lic LicenseConfig) ([]ContentKey, error) {
	var all []ContentKey
	var lastErr error

	for _, t := range tuples {
		if err := ValidatePSSH(t.System, t.PSSH); err != nil {
			lastErr = err
			continue
		}

		cdm, ok := r.CDMs[t.System]
		if !ok {
			continue
		}

		keys, err := r.resolveOne(ctx, cdm, t, lic)
		if err != nil {
			lastErr = err
			continue
		}
		all = append(all, keys...)
	}

	all = dedupeKeys(all)
	if len(all) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("drm: no content keys obtained: %w", lastErr)
		}
		return nil, fmt.Errorf("drm: no content keys obtained")
	}
	return all, nil
}

func (r *Resolver) resolveOne(ctx context.Context, cdm CDM, t PSSHTuple, lic LicenseConfig) ([]ContentKey, error) {
	session, err := cdm.OpenSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("drm: open session: %w", err)
	}
	defer session.Close()

	challenge, err := session.Challenge(ctx, t.PSSH)
	if err != nil {
		return nil, fmt.Errorf("drm: build challenge: %w", err)
	}

	if r.Limiter != nil {
		if err := r.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	license, err := r.postLicense(ctx, t.System, challenge, lic)
	if err != nil {
		return nil, err
	}

	keys, err := session.ParseLicense(ctx, license)
	if err != nil {
		return nil, fmt.Errorf("drm: parse license: %w", err)
	}
	return keys, nil
}

func (r *Resolver) postLicense(ctx context.Context, sys System, challenge []byte, lic LicenseConfig) ([]byte, error) {
	reqURL := lic.URL
	if len(lic.QueryParams) > 0 {
		q := url.Values{}
		for k, v := range lic.QueryParams {
			q.Set(k, v)
		}
		sep := "?"
		if strings.ContainsRune(reqURL, '?') {
			sep = "&"
		}
		reqURL = reqURL + sep + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(challenge))
	if err != nil {
		return nil, fmt.Errorf("drm: build license request: %w", err)
	}

	for k, v := range lic.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" {
		ct := lic.ContentType
		if ct == "" {
			ct = defaultContentType(sys)
		}
		req.Header.Set("Content-Type", ct)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("drm: license request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("drm: read license response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("drm: license server returned %d: %s", resp.StatusCode, body)
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "application/json") {
		var payload struct {
			License string `json:"license"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, fmt.Errorf("drm: parse JSON license envelope: %w", err)
		}
		if payload.License == "" {
			return nil, fmt.Errorf("drm: 'license' field not found in JSON response")
		}
		decoded, err := base64.StdEncoding.DecodeString(payload.License)
		if err != nil {
			return nil, fmt.Errorf("drm: decode license field: %w", err)
		}
		return decoded, nil
	}

	if len(body) == 0 {
		return nil, fmt.Errorf("drm: license response body is empty")
	}
	return body, nil
}
