// Package crypto generates protocol credentials for managed clients.
package crypto

import (
	"crypto/rand"
	"encoding/base64"

	"xui-manager/util/random"

	"golang.org/x/crypto/curve25519"
)

// RandomPassword returns an alphanumeric secret suitable for trojan and
// classic shadowsocks clients.
func RandomPassword(length int) string {
	if length <= 0 {
		length = 16
	}
	return random.Seq(length)
}

// ShadowsocksKey returns a base64 key of the byte length the 2022 ciphers
// expect (16 for aes-128, 32 otherwise).
func ShadowsocksKey(method string) (string, error) {
	size := 32
	if method == "2022-blake3-aes-128-gcm" {
		size = 16
	}
	key := make([]byte, size)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// NewX25519KeyPair generates a Reality key pair, encoded the way the xray
// runtime prints them (unpadded URL-safe base64).
func NewX25519KeyPair() (privateKey string, publicKey string, err error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err = rand.Read(priv); err != nil {
		return "", "", err
	}

	// Clamp per RFC 7748
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return "", "", err
	}

	privateKey = base64.RawURLEncoding.EncodeToString(priv)
	publicKey = base64.RawURLEncoding.EncodeToString(pub)
	return privateKey, publicKey, nil
}
