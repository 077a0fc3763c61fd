package drm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRawKey(t *testing.T) {
	kid := "0123456789abcdef0123456789abcdef"
	key := "fedcba9876543210fedcba9876543210"
	ck, err := ParseRawKey(kid + ":" + key)
	require.NoError(t, err)
	assert.Equal(t, kid+":"+key, ck.String())
	assert.Equal(t, KeyKindContent, ck.Kind)
}

func TestParseRawKey_StripsDashes(t *testing.T) {
	kid := "01234567-89ab-cdef-0123-456789abcdef"
	key := "fedcba98-7654-3210-fedc-ba9876543210"
	ck, err := ParseRawKey(kid + ":" + key)
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef0123456789abcdef:fedcba987654"+"3210fedcba9876543210", ck.String())
}

func TestParseRawKey_Invalid(t *testing.T) {
	_, err := ParseRawKey("not-a-valid-key")
	assert.Error(t, err)

	_, err = ParseRawKey("tooshort:alsoshort")
	assert.Error(t, err)
}

func TestDedupeKeys_FiltersZeroKIDAndDuplicates(t *testing.T) {
	var zero, a, b ContentKey
	a.KID[0] = 1
	a.Key[0] = 9
	b.KID[0] = 1
	b.Key[0] = 9 // duplicate of a

	out := dedupeKeys([]ContentKey{zero, a, b})
	require.Len(t, out, 1)
	assert.Equal(t, a, out[0])
}

func TestRawKeyCDM_RoundTrip(t *testing.T) {
	var key ContentKey
	key.KID[0] = 0xAB
	key.Key[0] = 0xCD

	cdm := RawKeyCDM{Key: key}
	session, err := cdm.OpenSession(nil)
	require.NoError(t, err)
	defer session.Close()

	keys, err := session.ParseLicense(nil, nil)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, key, keys[0])
}
