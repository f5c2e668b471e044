package crypto

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSUDPRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 16)
	plain := []byte("BMSG hello world")

	ct, err := SUDPEncrypt(key, plain)
	require.NoError(t, err)
	require.Zero(t, len(ct)%16, "ciphertext not block aligned: %d bytes", len(ct))

	got, err := SUDPDecrypt(key, ct)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestSUDPDecryptRejectsMisalignedLength(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, 16)
	_, err := SUDPDecrypt(key, []byte("not a multiple of 16"))
	assert.Error(t, err, "expected error for misaligned ciphertext length")
	_, err = SUDPDecrypt(key, nil)
	assert.Error(t, err, "expected error for empty ciphertext")
}

func TestSUDPDecryptRejectsGarbagePlaintext(t *testing.T) {
	key := bytes.Repeat([]byte{0x07}, 16)
	ct, err := SUDPEncrypt(key, []byte("whatever"))
	require.NoError(t, err)
	// Decrypting with the wrong key should not produce a valid ADC command
	// start byte, and must surface as an error rather than garbage output.
	wrongKey := bytes.Repeat([]byte{0x08}, 16)
	_, err = SUDPDecrypt(wrongKey, ct)
	assert.Error(t, err, "expected error decrypting with the wrong key")
}

func TestGpaResponseDeterministic(t *testing.T) {
	salt := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	a := GpaResponse("hunter2", salt, nil)
	b := GpaResponse("hunter2", salt, nil)
	assert.Equal(t, a, b, "GpaResponse not deterministic")

	c := GpaResponse("other", salt, nil)
	assert.NotEqual(t, a, c, "GpaResponse should differ for different passwords")

	withCID := GpaResponse("hunter2", salt, []byte("legacycid123456789012345"))
	assert.NotEqual(t, a, withCID, "GpaResponse should differ when a legacy CID is prefixed")
}

func TestPkcs5PadUnpadRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		[]byte("a"),
		[]byte("exactly16bytes!!"),
		[]byte("seventeen bytes!!"),
		bytes.Repeat([]byte{0xAB}, 31),
	}
	for _, in := range cases {
		padded := pkcs5Pad(append([]byte(nil), in...), 16)
		require.Zero(t, len(padded)%16, "padded length not block aligned: %d", len(padded))
		got, err := pkcs5Unpad(padded, 16)
		require.NoError(t, err)
		assert.Equal(t, in, got)
	}
}

func TestPkcs5UnpadRejectsBadPadding(t *testing.T) {
	bad := bytes.Repeat([]byte{0x10}, 15)
	bad = append(bad, 0x00)
	_, err := pkcs5Unpad(bad, 16)
	assert.Error(t, err, "expected error for invalid padding byte")
	_, err = pkcs5Unpad([]byte{}, 16)
	assert.Error(t, err, "expected error for empty input")
}

func TestSaveLoadIdentityRoundTrip(t *testing.T) {
	dir, err := ioutil.TempDir("", "dcclient-identity")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	id, err := GenerateIdentity("test-cid")
	require.NoError(t, err)
	require.NoError(t, SaveIdentity(dir, id))
	for _, name := range []string{"client.crt", "client.key"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, "expected %s to exist", name)
	}

	got, err := LoadIdentity(dir)
	require.NoError(t, err)
	assert.Equal(t, id.Keyprint, got.Keyprint, "keyprint mismatch after reload")
}

func TestLoadIdentityMissingDir(t *testing.T) {
	_, err := LoadIdentity(filepath.Join(os.TempDir(), "dcclient-missing-identity-dir"))
	assert.Error(t, err, "expected error loading identity from a directory with no saved identity")
}
