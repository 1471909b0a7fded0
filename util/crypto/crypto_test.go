package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomPassword(t *testing.T) {
	assert.Len(t, RandomPassword(24), 24)
	assert.Len(t, RandomPassword(0), 16)
	assert.NotEqual(t, RandomPassword(16), RandomPassword(16))
}

func TestShadowsocksKeySizes(t *testing.T) {
	key, err := ShadowsocksKey("2022-blake3-aes-128-gcm")
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(key)
	require.NoError(t, err)
	assert.Len(t, raw, 16)

	key, err = ShadowsocksKey("2022-blake3-aes-256-gcm")
	require.NoError(t, err)
	raw, err = base64.StdEncoding.DecodeString(key)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}

func TestNewX25519KeyPair(t *testing.T) {
	privateKey, publicKey, err := NewX25519KeyPair()
	require.NoError(t, err)

	priv, err := base64.RawURLEncoding.DecodeString(privateKey)
	require.NoError(t, err)
	assert.Len(t, priv, 32)
	// clamped per RFC 7748
	assert.Zero(t, priv[0]&7)
	assert.Zero(t, priv[31]&128)
	assert.NotZero(t, priv[31]&64)

	pub, err := base64.RawURLEncoding.DecodeString(publicKey)
	require.NoError(t, err)
	assert.Len(t, pub, 32)
}
