package vault

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := hex.DecodeString(testKey)
	require.NoError(t, err)

	sealed, err := encrypt("gho_secretaccesstoken", key)
	require.NoError(t, err)
	assert.NotEqual(t, "gho_secretaccesstoken", sealed)

	opened, err := decrypt(sealed, key)
	require.NoError(t, err)
	assert.Equal(t, "gho_secretaccesstoken", opened)
}

func TestEncryptProducesUniqueCiphertexts(t *testing.T) {
	key, _ := hex.DecodeString(testKey)
	a, err := encrypt("same plaintext", key)
	require.NoError(t, err)
	b, err := encrypt("same plaintext", key)
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "nonces must differ per sealing")
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	key, _ := hex.DecodeString(testKey)
	sealed, err := encrypt("payload", key)
	require.NoError(t, err)

	raw, err := hex.DecodeString(sealed)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	_, err = decrypt(hex.EncodeToString(raw), key)
	assert.Error(t, err)
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	key, _ := hex.DecodeString(testKey)
	other := make([]byte, 32)
	sealed, err := encrypt("payload", key)
	require.NoError(t, err)
	_, err = decrypt(sealed, other)
	assert.Error(t, err)
}
