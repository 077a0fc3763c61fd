package drm

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
)

// ContentKey is a single decryption key recovered from a license exchange.
// Kind distinguishes keys that decrypt media (Content) from keys that only
// authenticate other keys (Signing) -- only Content keys are ever handed to
// the sample decryptor.
type ContentKey struct {
	KID  [16]byte
	Key  [16]byte
	Kind KeyKind
}

// KeyKind mirrors a CDM's key_type classification.
type KeyKind int

const (
	KeyKindContent KeyKind = iota
	KeyKindSigning
)

// String renders a key as the "kid:key" hex form veld accepts everywhere
// else a raw decryption key is configured.
func (k ContentKey) String() string {
	return fmt.Sprintf("%s:%s", hex.EncodeToString(k.KID[:]), hex.EncodeToString(k.Key[:]))
}

func (k ContentKey) isZeroKID() bool {
	var zero [16]byte
	return k.KID == zero
}

// Session represents one open CDM license exchange. Implementations wrap a
// concrete key-system client (Widevine, PlayReady) or an external helper
// process.
type Session interface {
	// Challenge builds a license request payload from a validated PSSH box.
	Challenge(ctx context.Context, pssh []byte) ([]byte, error)
	// ParseLicense consumes a license server response and returns the keys
	// it carries.
	ParseLicense(ctx context.Context, license []byte) ([]ContentKey, error)
	// Close releases any session state held by the CDM.
	Close() error
}

// CDM opens sessions against a specific key system. veld never implements
// key-system cryptography itself; every CDM is either a caller-supplied raw
// key bypass (RawKeyCDM) or an external helper process (ExternalCDM).
type CDM interface {
	OpenSession(ctx context.Context) (Session, error)
	System() System
}

// ParseRawKey parses a caller-supplied "KID:KEY" bypass string, skipping the
// license exchange entirely -- the same shortcut the original extractors
// offer via their optional `key` parameter.
func ParseRawKey(raw string) (ContentKey, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 2 {
		return ContentKey{}, fmt.Errorf("drm: invalid raw key %q, expected KID:KEY", raw)
	}
	kidHex := strings.ReplaceAll(strings.TrimSpace(parts[0]), "-", "")
	keyHex := strings.ReplaceAll(strings.TrimSpace(parts[1]), "-", "")

	kid, err := hex.DecodeString(kidHex)
	if err != nil || len(kid) != 16 {
		return ContentKey{}, fmt.Errorf("drm: invalid KID %q", parts[0])
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil || len(key) != 16 {
		return ContentKey{}, fmt.Errorf("drm: invalid KEY %q", parts[1])
	}

	var ck ContentKey
	copy(ck.KID[:], kid)
	copy(ck.Key[:], key)
	ck.Kind = KeyKindContent
	return ck, nil
}

// RawKeyCDM is a no-op CDM that always returns a fixed, caller-supplied key,
// bypassing any real license exchange. It implements the raw-key bypass
// found in both ex_widevine.py and ex_playready.py ("key" parameter).
type RawKeyCDM struct {
	Key ContentKey
}

func (c RawKeyCDM) System() System { return SystemWidevine }

func (c RawKeyCDM) OpenSession(ctx context.Context) (Session, error) {
	return rawKeySession{key: c.Key}, nil
}

type rawKeySession struct{ key ContentKey }

func (s rawKeySession) Challenge(ctx context.Context, pssh []byte) ([]byte, error) {
	return nil, nil
}

func (s rawKeySession) ParseLicense(ctx context.Context, license []byte) ([]ContentKey, error) {
	return []ContentKey{s.key}, nil
}

func (s rawKeySession) Close() error { return nil }

// dedupeKeys filters all-zero KIDs and removes duplicate KID:KEY pairs,
// matching the original implementation's `if formatted_key not in
// all_content_keys` accumulation.
func dedupeKeys(keys []ContentKey) []ContentKey {
	seen := make(map[[32]byte]struct{}, len(keys))
	out := make([]ContentKey, 0, len(keys))
	for _, k := range keys {
		if k.isZeroKID() {
			continue
		}
		var fp [32]byte
		copy(fp[:16], k.KID[:])
		copy(fp[16:], k.Key[:])
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}
		out = append(out, k)
	}
	return out
}
