package config

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeEncryptionKey_HexAndBase64(t *testing.T) {
	hexKey := "00112233445566778899aabbccddeeff"
	key, err := DecodeEncryptionKey(hexKey)
	require.NoError(t, err)
	require.Len(t, key, 16)

	raw := []byte("0123456789abcdef0123456789abcdef")
	b64 := base64.StdEncoding.EncodeToString(raw)
	key, err = DecodeEncryptionKey(b64)
	require.NoError(t, err)
	require.Equal(t, raw, key)
}

func TestDecodeEncryptionKey_RejectsBadLength(t *testing.T) {
	_, err := DecodeEncryptionKey("abcd")
	require.Error(t, err)
}

func TestDecodeEncryptionKeysCSV(t *testing.T) {
	keys, err := DecodeEncryptionKeysCSV("00112233445566778899aabbccddeeff, ffeeddccbbaa99887766554433221100")
	require.NoError(t, err)
	require.Len(t, keys, 2)
}
