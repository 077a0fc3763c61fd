package drm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
)

// ExternalCDM delegates the license challenge/parse steps to an external
// helper process, the same external-tool pattern veld already uses for
// muxing (ffmpeg) and CENC decryption (mp4decrypt). No pure-Go Widevine or
// PlayReady client library exists: a real CDM requires a licensed,
// per-device private key that cannot be legally redistributed, so the
// helper binary -- not veld -- owns that cryptography.
//
// The helper is invoked once per OpenSession as:
//
//	<bin> <device-blob-path> <system>
//
// and communicates over stdin/stdout as newline-delimited JSON: a
// {"pssh": "<b64>"} request yields a {"challenge": "<b64>"} response, and a
// subsequent {"license": "<b64>"} request yields a
// {"keys": [{"kid":"<hex>","key":"<hex>","kind":"content|signing"}]}
// response, until stdin is closed.
type ExternalCDM struct {
	BinaryPath string
	DeviceBlob string
	Sys        System
}

func (c ExternalCDM) System() System { return c.Sys }

func (c ExternalCDM) OpenSession(ctx context.Context) (Session, error) {
	cmd := exec.CommandContext(ctx, c.BinaryPath, c.DeviceBlob, c.Sys.String())
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("drm: cdm helper stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("drm: cdm helper stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("drm: start cdm helper: %w", err)
	}

	return &externalSession{
		cmd:    cmd,
		stdin:  stdin,
		dec:    json.NewDecoder(stdout),
		stderr: &stderr,
	}, nil
}

type externalSession struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	dec    *json.Decoder
	stderr *bytes.Buffer
}

type helperRequest struct {
	PSSH    string `json:"pssh,omitempty"`
	License string `json:"license,omitempty"`
}

type helperChallengeResp struct {
	Challenge string `json:"challenge"`
	Error     string `json:"error"`
}

type helperKey struct {
	KID  string `json:"kid"`
	Key  string `json:"key"`
	Kind string `json:"kind"`
}

type helperLicenseResp struct {
	Keys  []helperKey `json:"keys"`
	Error string      `json:"error"`
}

func (s *externalSession) Challenge(ctx context.Context, pssh []byte) ([]byte, error) {
	req, err := json.Marshal(helperRequest{PSSH: b64(pssh)})
	if err != nil {
		return nil, err
	}
	if _, err := s.stdin.Write(append(req, '\n')); err != nil {
		return nil, fmt.Errorf("drm: write challenge request: %w", err)
	}

	var resp helperChallengeResp
	if err := s.dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("drm: read challenge response: %w (%s)", err, s.stderr.String())
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("drm: cdm helper: %s", resp.Error)
	}
	return decodeB64(resp.Challenge)
}

func (s *externalSession) ParseLicense(ctx context.Context, license []byte) ([]ContentKey, error) {
	req, err := json.Marshal(helperRequest{License: b64(license)})
	if err != nil {
		return nil, err
	}
	if _, err := s.stdin.Write(append(req, '\n')); err != nil {
		return nil, fmt.Errorf("drm: write license request: %w", err)
	}

	var resp helperLicenseResp
	if err := s.dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("drm: read license response: %w (%s)", err, s.stderr.String())
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("drm: cdm helper: %s", resp.Error)
	}

	keys := make([]ContentKey, 0, len(resp.Keys))
	for _, hk := range resp.Keys {
		kid, err := hex.DecodeString(hk.KID)
		if err != nil || len(kid) != 16 {
			continue
		}
		key, err := hex.DecodeString(hk.Key)
		if err != nil || len(key) != 16 {
			continue
		}
		var ck ContentKey
		copy(ck.KID[:], kid)
		copy(ck.Key[:], key)
		if hk.Kind == "signing" {
			ck.Kind = KeyKindSigning
		}
		keys = append(keys, ck)
	}
	return keys, nil
}

func (s *externalSession) Close() error {
	s.stdin.Close()
	return s.cmd.Wait()
}

func b64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func decodeB64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
