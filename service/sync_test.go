package service

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"xui-manager/database"
	"xui-manager/database/model"
	"xui-manager/util/common"
	"xui-manager/xray"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setup() {
	dbPath := "test.db"
	os.Remove(dbPath)
	database.InitDB(dbPath)
}

func teardown() {
	db, _ := database.GetDB().DB()
	db.Close()
	os.Remove("test.db")
}

func createInbound(t *testing.T, protocol model.Protocol, settings string) *model.Inbound {
	t.Helper()
	inbound := &model.Inbound{
		UserId:   1,
		Remark:   "test-inbound",
		Enable:   true,
		Port:     10000 + len(settings),
		Protocol: protocol,
		Settings: settings,
		Tag:      "inbound-" + string(protocol) + "-" + time.Now().Format("150405.000000000"),
	}
	require.NoError(t, database.GetDB().Create(inbound).Error)
	return inbound
}

func createRecord(t *testing.T, inboundId int, email string, rec xray.ClientTraffic) *xray.ClientTraffic {
	t.Helper()
	rec.InboundId = inboundId
	rec.Email = email
	require.NoError(t, database.GetDB().Create(&rec).Error)
	return &rec
}

func loadSettings(t *testing.T, inboundId int) (string, []model.Client) {
	t.Helper()
	inbound := &model.Inbound{}
	require.NoError(t, database.GetDB().First(inbound, inboundId).Error)
	var doc struct {
		Clients []model.Client `json:"clients"`
	}
	require.NoError(t, json.Unmarshal([]byte(inbound.Settings), &doc))
	return inbound.Settings, doc.Clients
}

func TestSyncProjectsLifecycleFields(t *testing.T) {
	setup()
	defer teardown()

	inbound := createInbound(t, model.VLESS, `{
  "clients": [
    {
      "id": "b831381d-6324-4d53-ad4f-8cda48b30811",
      "flow": "xtls-rprx-vision",
      "email": "alice",
      "enable": true,
      "expiryTime": 0,
      "totalGB": 0,
      "reset": 0
    }
  ],
  "decryption": "none"
}`)
	rec := createRecord(t, inbound.Id, "alice", xray.ClientTraffic{
		Enable:     false,
		ExpiryTime: 1700000000000,
		Total:      1073741824,
		Reset:      30,
	})

	syncService := SyncService{}
	result, err := syncService.Sync([]int{rec.Id})
	require.NoError(t, err)
	assert.NoError(t, result.Err(rec.Id))
	assert.Equal(t, 1, result.Synced)
	assert.Equal(t, []int{inbound.Id}, result.RewrittenInbounds)

	raw, clients := loadSettings(t, inbound.Id)
	require.Len(t, clients, 1)
	assert.False(t, clients[0].Enable)
	assert.Equal(t, int64(1700000000000), clients[0].ExpiryTime)
	assert.Equal(t, int64(1073741824), clients[0].TotalGB)
	assert.Equal(t, 30, clients[0].Reset)
	// credentials untouched
	assert.Equal(t, "b831381d-6324-4d53-ad4f-8cda48b30811", clients[0].ID)
	assert.Equal(t, "xtls-rprx-vision", clients[0].Flow)
	// sibling document fields survive the rewrite
	assert.Contains(t, raw, `"decryption"`)
}

func TestSyncPreservesUnknownEntryFields(t *testing.T) {
	setup()
	defer teardown()

	inbound := createInbound(t, model.VMESS, `{"clients":[{"id":"uuid-1","email":"bob","enable":true,"expiryTime":0,"totalGB":0,"reset":0,"tgId":"@bob","subId":"abc123"}]}`)
	rec := createRecord(t, inbound.Id, "bob", xray.ClientTraffic{Enable: false})

	syncService := SyncService{}
	result, err := syncService.Sync([]int{rec.Id})
	require.NoError(t, err)
	require.NoError(t, result.Err(rec.Id))

	raw, _ := loadSettings(t, inbound.Id)
	assert.Contains(t, raw, `"tgId"`)
	assert.Contains(t, raw, `"subId"`)
	assert.Contains(t, raw, `"abc123"`)
}

func TestSyncIdempotent(t *testing.T) {
	setup()
	defer teardown()

	inbound := createInbound(t, model.VMESS, `{"clients":[{"id":"uuid-1","email":"carol","enable":true,"expiryTime":0,"totalGB":0,"reset":0}]}`)
	rec := createRecord(t, inbound.Id, "carol", xray.ClientTraffic{Enable: false, Total: 42})

	syncService := SyncService{}
	result, err := syncService.Sync([]int{rec.Id})
	require.NoError(t, err)
	require.NoError(t, result.Err(rec.Id))
	first, _ := loadSettings(t, inbound.Id)

	// a second pass over a consistent pair must not move a byte
	result, err = syncService.Sync([]int{rec.Id})
	require.NoError(t, err)
	require.NoError(t, result.Err(rec.Id))
	assert.Empty(t, result.RewrittenInbounds)
	second, _ := loadSettings(t, inbound.Id)
	assert.Equal(t, first, second)
}

func TestSyncMatchesByEmailWhenIdMissing(t *testing.T) {
	setup()
	defer teardown()

	inbound := createInbound(t, model.VLESS, `{"clients":[{"id":"some-uuid","email":"Dave","enable":true,"expiryTime":0,"totalGB":0,"reset":0}]}`)
	rec := createRecord(t, inbound.Id, "dave", xray.ClientTraffic{Enable: false})

	syncService := SyncService{}
	result, err := syncService.Sync([]int{rec.Id})
	require.NoError(t, err)
	require.NoError(t, result.Err(rec.Id))

	_, clients := loadSettings(t, inbound.Id)
	require.Len(t, clients, 1)
	assert.False(t, clients[0].Enable)
	assert.Equal(t, "some-uuid", clients[0].ID)
}

func TestSyncAmbiguousMatch(t *testing.T) {
	setup()
	defer teardown()

	inbound := createInbound(t, model.VLESS, `{"clients":[{"id":"uuid-1","email":"eve","enable":true},{"id":"uuid-2","email":"eve","enable":true}]}`)
	rec := createRecord(t, inbound.Id, "eve", xray.ClientTraffic{Enable: false})

	syncService := SyncService{}
	result, err := syncService.Sync([]int{rec.Id})
	require.NoError(t, err)
	require.ErrorIs(t, result.Err(rec.Id), common.ErrAmbiguousMatch)

	// neither candidate entry was touched
	_, clients := loadSettings(t, inbound.Id)
	require.Len(t, clients, 2)
	assert.True(t, clients[0].Enable)
	assert.True(t, clients[1].Enable)
}

func TestSyncCorruptSettings(t *testing.T) {
	setup()
	defer teardown()

	inbound := createInbound(t, model.VLESS, `{"clients": not json`)
	rec := createRecord(t, inbound.Id, "frank", xray.ClientTraffic{Enable: true})

	syncService := SyncService{}
	result, err := syncService.Sync([]int{rec.Id})
	require.NoError(t, err)
	require.ErrorIs(t, result.Err(rec.Id), common.ErrConfigCorrupt)
}

func TestSyncNullClientsTreatedAsEmpty(t *testing.T) {
	setup()
	defer teardown()

	inbound := createInbound(t, model.VMESS, `{"clients": null}`)
	rec := createRecord(t, inbound.Id, "grace", xray.ClientTraffic{Enable: true})

	syncService := SyncService{}
	result, err := syncService.Sync([]int{rec.Id})
	require.NoError(t, err)
	require.NoError(t, result.Err(rec.Id))
	assert.Equal(t, 1, result.Inserted)

	_, clients := loadSettings(t, inbound.Id)
	require.Len(t, clients, 1)
	assert.Equal(t, "grace", clients[0].Email)
	assert.NotEmpty(t, clients[0].ID)
}

func TestSyncInsertsVlessEntry(t *testing.T) {
	setup()
	defer teardown()

	inbound := createInbound(t, model.VLESS, `{"clients":[]}`)
	rec := createRecord(t, inbound.Id, "henry", xray.ClientTraffic{
		Enable: true,
		Total:  107374182400,
	})

	syncService := SyncService{}
	result, err := syncService.Sync([]int{rec.Id})
	require.NoError(t, err)
	require.NoError(t, result.Err(rec.Id))
	assert.Equal(t, 1, result.Inserted)

	_, clients := loadSettings(t, inbound.Id)
	require.Len(t, clients, 1)
	assert.NotEmpty(t, clients[0].ID)
	assert.Equal(t, "xtls-rprx-vision", clients[0].Flow)
	assert.Equal(t, int64(107374182400), clients[0].TotalGB)
	assert.True(t, clients[0].Enable)
	assert.NotZero(t, clients[0].CreatedAt)
}

func TestSyncInsertsShadowsocksEntry(t *testing.T) {
	setup()
	defer teardown()

	inbound := createInbound(t, model.Shadowsocks, `{"clients":[],"method":"chacha20-ietf-poly1305"}`)
	rec := createRecord(t, inbound.Id, "iris", xray.ClientTraffic{Enable: true})

	syncService := SyncService{}
	result, err := syncService.Sync([]int{rec.Id})
	require.NoError(t, err)
	require.NoError(t, result.Err(rec.Id))

	// shadowsocks entries carry the numeric row id, not a uuid
	inbound2 := &model.Inbound{}
	require.NoError(t, database.GetDB().First(inbound2, inbound.Id).Error)
	var doc struct {
		Clients []map[string]any `json:"clients"`
	}
	require.NoError(t, json.Unmarshal([]byte(inbound2.Settings), &doc))
	require.Len(t, doc.Clients, 1)
	assert.Equal(t, float64(rec.Id), doc.Clients[0]["id"])
	assert.Equal(t, "chacha20-ietf-poly1305", doc.Clients[0]["method"])
	assert.NotEmpty(t, doc.Clients[0]["password"])
}

func TestSyncRemovesOrphans(t *testing.T) {
	setup()
	defer teardown()

	inbound := createInbound(t, model.Shadowsocks, `{"clients":[{"id":42,"email":"gone","method":"chacha20-ietf-poly1305","password":"pw","enable":true},{"id":7,"email":"stays","method":"chacha20-ietf-poly1305","password":"pw2","enable":true}]}`)
	createRecord(t, inbound.Id, "stays", xray.ClientTraffic{Id: 7, Enable: true})

	// id 42 has no record row: the entry must go
	syncService := SyncService{}
	result, err := syncService.Sync([]int{42})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Removed)

	_, clients := loadSettings(t, inbound.Id)
	require.Len(t, clients, 1)
	assert.Equal(t, "stays", clients[0].Email)
}

func TestRemoveEntryByCapturedIdentity(t *testing.T) {
	setup()
	defer teardown()

	inbound := createInbound(t, model.VLESS, `{"clients":[{"id":"uuid-keyed","email":"judy","enable":true},{"id":"other","email":"kept","enable":true}]}`)
	rec := createRecord(t, inbound.Id, "judy", xray.ClientTraffic{Enable: true})

	syncService := SyncService{}
	err := database.GetDB().Transaction(func(tx *gorm.DB) error {
		return syncService.RemoveEntry(tx, inbound.Id, rec.Id, rec.Email)
	})
	require.NoError(t, err)

	_, clients := loadSettings(t, inbound.Id)
	require.Len(t, clients, 1)
	assert.Equal(t, "kept", clients[0].Email)
}
