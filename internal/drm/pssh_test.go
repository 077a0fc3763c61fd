package drm

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildWidevinePSSH(version byte) []byte {
	box := make([]byte, 32)
	binary.BigEndian.PutUint32(box[0:4], uint32(len(box)))
	copy(box[4:8], "pssh")
	box[8] = version
	uuid := systemUUIDs[SystemWidevine]
	copy(box[12:28], uuid[:])
	return box
}

func TestValidatePSSH_Widevine(t *testing.T) {
	require.NoError(t, ValidatePSSH(SystemWidevine, buildWidevinePSSH(1)))
	require.NoError(t, ValidatePSSH(SystemWidevine, buildWidevinePSSH(0)))
}

func TestValidatePSSH_WidevineRejectsWrongSystem(t *testing.T) {
	box := buildWidevinePSSH(1)
	box[12] = 0x00 // corrupt the system id
	assert.Error(t, ValidatePSSH(SystemWidevine, box))
}

func TestValidatePSSH_WidevineRejectsTruncated(t *testing.T) {
	assert.Error(t, ValidatePSSH(SystemWidevine, []byte{1, 2, 3}))
}

func TestValidatePSSH_PlayReady(t *testing.T) {
	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[0:4], 16)
	require.NoError(t, ValidatePSSH(SystemPlayReady, data))
}

func TestValidatePSSH_PlayReadyRejectsImplausibleLength(t *testing.T) {
	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[0:4], 1<<30)
	assert.Error(t, ValidatePSSH(SystemPlayReady, data))
}

func TestSystemFromSchemeURI(t *testing.T) {
	sys, ok := SystemFromSchemeURI("urn:uuid:edef8ba9-79d6-4ace-a3c8-27dcd51d21ed")
	require.True(t, ok)
	assert.Equal(t, SystemWidevine, sys)

	_, ok = SystemFromSchemeURI("urn:uuid:00000000-0000-0000-0000-000000000000")
	assert.False(t, ok)
}

func TestDecodePSSH(t *testing.T) {
	_, err := DecodePSSH("not-valid-base64!!")
	assert.Error(t, err)

	data, err := DecodePSSH("AAAAIHBzc2gAAAAA7e+Lqfd2Ss6jyCfc1R0h7QAAAAA=")
	require.NoError(t, err)
	assert.Equal(t, "pssh", string(data[4:8]))
}
