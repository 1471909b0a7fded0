// Package service provides the business logic of xui-manager: the
// synchronization engine keeping the client_traffics table and the per-inbound
// config documents consistent, the bulk provisioning queue, and the
// single-client lifecycle operations layered on both.
package service

import (
	"strconv"
	"strings"
	"sync"

	"xui-manager/database"
	"xui-manager/database/model"
	"xui-manager/util/common"

	"github.com/goccy/go-json"
	"gorm.io/gorm"
)

// InboundService provides access to inbounds and their settings documents.
// Every settings rewrite must happen under the owning inbound's mutex since
// the document is read-modify-written as a whole.
type InboundService struct{}

// inboundUpdateMutexes provides per-inbound mutexes serializing settings rewrites
var inboundUpdateMutexes = make(map[int]*sync.Mutex)
var inboundMutexLock sync.Mutex

// LockInbound returns the mutex serializing settings writes for one inbound.
func LockInbound(inboundId int) *sync.Mutex {
	inboundMutexLock.Lock()
	defer inboundMutexLock.Unlock()

	if mutex, exists := inboundUpdateMutexes[inboundId]; exists {
		return mutex
	}

	mutex := &sync.Mutex{}
	inboundUpdateMutexes[inboundId] = mutex
	return mutex
}

func (s *InboundService) GetInbound(id int) (*model.Inbound, error) {
	db := database.GetDB()
	inbound := &model.Inbound{}
	err := db.Model(model.Inbound{}).First(inbound, id).Error
	if err != nil {
		return nil, err
	}
	return inbound, nil
}

func (s *InboundService) GetInboundTx(tx *gorm.DB, id int) (*model.Inbound, error) {
	inbound := &model.Inbound{}
	err := tx.Model(model.Inbound{}).First(inbound, id).Error
	if err != nil {
		return nil, err
	}
	return inbound, nil
}

// GetInbounds retrieves all inbounds with their client rows preloaded.
func (s *InboundService) GetInbounds() ([]*model.Inbound, error) {
	db := database.GetDB()
	var inbounds []*model.Inbound
	err := db.Model(model.Inbound{}).Preload("ClientStats").Find(&inbounds).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, err
	}
	return inbounds, nil
}

// GetClients returns the typed view of the entries embedded in an inbound's
// settings document. Entries whose id is numeric (shadowsocks) are converted.
func (s *InboundService) GetClients(inbound *model.Inbound) ([]model.Client, error) {
	_, entries, err := parseSettings(inbound.Id, inbound.Settings)
	if err != nil {
		return nil, err
	}
	clients := make([]model.Client, 0, len(entries))
	for _, e := range entries {
		entry, ok := e.(map[string]any)
		if !ok {
			continue
		}
		clients = append(clients, clientFromEntry(entry))
	}
	return clients, nil
}

// parseSettings decodes an inbound's settings column. A document that is not a
// JSON object or lacks the clients array is reported as corrupt; a null
// clients value is treated as an empty array, matching the runtime's own
// tolerance on freshly created inbounds.
func parseSettings(inboundId int, raw string) (map[string]any, []any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil, common.NewConfigCorruptError("inbound", inboundId, "has empty settings")
	}
	var doc map[string]any
	decoder := json.NewDecoder(strings.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&doc); err != nil {
		return nil, nil, common.NewConfigCorruptError("inbound", inboundId, "settings are not valid JSON:", err)
	}
	clientsAny, ok := doc["clients"]
	if !ok {
		return nil, nil, common.NewConfigCorruptError("inbound", inboundId, "settings have no clients array")
	}
	if clientsAny == nil {
		return doc, []any{}, nil
	}
	entries, ok := clientsAny.([]any)
	if !ok {
		return nil, nil, common.NewConfigCorruptError("inbound", inboundId, "settings clients is not an array")
	}
	return doc, entries, nil
}

// marshalSettings re-encodes a settings document the way the panel writes it.
func marshalSettings(doc map[string]any, entries []any) (string, error) {
	doc["clients"] = entries
	bs, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	return string(bs), nil
}

// saveSettings persists a rewritten settings document for one inbound. Only
// the settings column is touched so concurrent counter updates on the inbound
// row survive.
func (s *InboundService) saveSettings(tx *gorm.DB, inboundId int, settings string) error {
	return tx.Model(model.Inbound{}).Where("id = ?", inboundId).Update("settings", settings).Error
}

func clientFromEntry(entry map[string]any) model.Client {
	var c model.Client
	if v, ok := entry["id"]; ok {
		switch id := v.(type) {
		case string:
			c.ID = id
		case json.Number:
			c.ID = id.String()
		case float64:
			c.ID = strconv.FormatInt(int64(id), 10)
		}
	}
	c.Email, _ = entry["email"].(string)
	c.Security, _ = entry["security"].(string)
	c.Password, _ = entry["password"].(string)
	c.Method, _ = entry["method"].(string)
	c.Flow, _ = entry["flow"].(string)
	if v, ok := asInt64(entry["limitIp"]); ok {
		c.LimitIP = int(v)
	}
	if v, ok := asInt64(entry["totalGB"]); ok {
		c.TotalGB = v
	}
	if v, ok := asInt64(entry["expiryTime"]); ok {
		c.ExpiryTime = v
	}
	if v, ok := entry["enable"].(bool); ok {
		c.Enable = v
	}
	if v, ok := asInt64(entry["reset"]); ok {
		c.Reset = int(v)
	}
	if v, ok := asInt64(entry["created_at"]); ok {
		c.CreatedAt = v
	}
	if v, ok := asInt64(entry["updated_at"]); ok {
		c.UpdatedAt = v
	}
	return c
}

// asInt64 reads a decoded JSON value as an integer. Documents are decoded
// with UseNumber, but float64 is handled for callers passing literal values.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}
