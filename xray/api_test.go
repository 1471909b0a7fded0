package xray

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserAccountByProtocol(t *testing.T) {
	vless := userAccount("vless", map[string]any{"id": "uuid", "flow": "xtls-rprx-vision", "email": "a"})
	require.NotNil(t, vless)
	assert.Contains(t, vless.Type, "vless")

	trojan := userAccount("trojan", map[string]any{"password": "pw", "email": "b"})
	require.NotNil(t, trojan)
	assert.Contains(t, trojan.Type, "trojan")

	classic := userAccount("shadowsocks", map[string]any{"method": "aes-128-gcm", "password": "pw"})
	require.NotNil(t, classic)
	assert.Contains(t, classic.Type, "shadowsocks.Account")

	// 2022 ciphers map to the 2022 account type, keyed by password only
	modern := userAccount("shadowsocks", map[string]any{"method": "2022-blake3-aes-128-gcm", "password": "a2V5a2V5a2V5a2V5a2V5aw=="})
	require.NotNil(t, modern)
	assert.Contains(t, modern.Type, "shadowsocks_2022.Account")

	assert.Nil(t, userAccount("wireguard", map[string]any{}))
}
