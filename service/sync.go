package service

import (
	"strings"
	"time"

	"xui-manager/database"
	"xui-manager/database/model"
	"xui-manager/logger"
	"xui-manager/util/common"
	"xui-manager/util/crypto"
	"xui-manager/xray"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SyncService projects lifecycle fields from client_traffics rows into the
// matching entries of each inbound's settings document. It is the only writer
// of config documents; usage counters are never touched, credentials are
// written only when a new entry is inserted.
type SyncService struct {
	inboundService InboundService
}

// SyncResult reports the outcome of one Sync call. Errors are per client id;
// a failed id never prevents other ids from being synced.
type SyncResult struct {
	Synced   int
	Inserted int
	Removed  int
	Errors   map[int]error

	// RewrittenInbounds lists inbounds whose document was written. The caller
	// decides whether to signal a runtime reload afterwards.
	RewrittenInbounds []int
}

func (r *SyncResult) Err(id int) error {
	return r.Errors[id]
}

// Sync reconciles the config documents for the given client ids in a single
// transaction, one document write per affected inbound.
func (s *SyncService) Sync(ids []int) (*SyncResult, error) {
	var result *SyncResult
	err := database.GetDB().Transaction(func(tx *gorm.DB) error {
		result = s.SyncTx(tx, ids, nil)
		return nil
	})
	if err != nil {
		return nil, common.NewStoreUnavailableError("sync transaction failed:", err)
	}
	return result, nil
}

// SyncTx is the transactional core of the engine. specs optionally supplies
// per-id credential material for entries inserted on the create path; ids
// without a spec get generated credentials.
func (s *SyncService) SyncTx(tx *gorm.DB, ids []int, specs map[int]*model.ClientTemplate) *SyncResult {
	result := &SyncResult{Errors: make(map[int]error)}
	if len(ids) == 0 {
		return result
	}

	var records []*xray.ClientTraffic
	if err := tx.Model(xray.ClientTraffic{}).Where("id in ?", ids).Find(&records).Error; err != nil {
		storeErr := common.NewStoreUnavailableError("loading client records:", err)
		for _, id := range ids {
			result.Errors[id] = storeErr
		}
		return result
	}

	recordById := make(map[int]*xray.ClientTraffic, len(records))
	byInbound := make(map[int][]*xray.ClientTraffic)
	for _, rec := range records {
		recordById[rec.Id] = rec
		byInbound[rec.InboundId] = append(byInbound[rec.InboundId], rec)
	}

	var missing []int
	for _, id := range ids {
		if _, ok := recordById[id]; !ok {
			missing = append(missing, id)
		}
	}

	for inboundId, recs := range byInbound {
		s.syncInbound(tx, inboundId, recs, specs, result)
	}
	if len(missing) > 0 {
		s.removeOrphans(tx, missing, result)
	}
	return result
}

// syncInbound performs the read-modify-write cycle for one inbound, batching
// all of its affected records into a single document write.
func (s *SyncService) syncInbound(tx *gorm.DB, inboundId int, recs []*xray.ClientTraffic, specs map[int]*model.ClientTemplate, result *SyncResult) {
	mutex := LockInbound(inboundId)
	mutex.Lock()
	defer mutex.Unlock()

	inbound, err := s.inboundService.GetInboundTx(tx, inboundId)
	if err != nil {
		var idErr error
		if database.IsNotFound(err) {
			idErr = common.NewConfigCorruptError("inbound", inboundId, "does not exist")
		} else {
			idErr = common.NewStoreUnavailableError("loading inbound", inboundId, ":", err)
		}
		for _, rec := range recs {
			result.Errors[rec.Id] = idErr
		}
		return
	}

	doc, entries, err := parseSettings(inboundId, inbound.Settings)
	if err != nil {
		for _, rec := range recs {
			result.Errors[rec.Id] = err
		}
		return
	}

	changed := false
	for _, rec := range recs {
		matches := matchEntries(entries, rec)
		switch len(matches) {
		case 0:
			var spec *model.ClientTemplate
			if specs != nil {
				spec = specs[rec.Id]
			}
			entry, err := buildEntry(inbound, rec, spec)
			if err != nil {
				result.Errors[rec.Id] = err
				continue
			}
			entries = append(entries, entry)
			result.Inserted++
			changed = true
		case 1:
			if projectRecord(matches[0], rec) {
				changed = true
			}
			result.Synced++
		default:
			result.Errors[rec.Id] = common.NewAmbiguousMatchError(
				"client", rec.Id, "matches", len(matches), "entries in inbound", inboundId)
		}
	}

	if !changed {
		return
	}

	settings, err := marshalSettings(doc, entries)
	if err != nil {
		encodeErr := common.NewConfigCorruptError("inbound", inboundId, "settings re-encode failed:", err)
		for _, rec := range recs {
			if _, exists := result.Errors[rec.Id]; !exists {
				result.Errors[rec.Id] = encodeErr
			}
		}
		return
	}
	if err := s.inboundService.saveSettings(tx, inboundId, settings); err != nil {
		storeErr := common.NewStoreUnavailableError("writing settings for inbound", inboundId, ":", err)
		for _, rec := range recs {
			if _, exists := result.Errors[rec.Id]; !exists {
				result.Errors[rec.Id] = storeErr
			}
		}
		return
	}
	result.RewrittenInbounds = append(result.RewrittenInbounds, inboundId)
}

// removeOrphans handles the delete path of Sync: ids no longer present in the
// record store. Entries carrying the numeric record id are removed wherever
// they appear. Entries keyed by uuid or email cannot be located from the id
// alone; deletion callers remove those via RemoveEntry before dropping the row.
func (s *SyncService) removeOrphans(tx *gorm.DB, ids []int, result *SyncResult) {
	idSet := make(map[int64]bool, len(ids))
	for _, id := range ids {
		idSet[int64(id)] = true
	}

	var inbounds []*model.Inbound
	if err := tx.Model(model.Inbound{}).Find(&inbounds).Error; err != nil {
		storeErr := common.NewStoreUnavailableError("loading inbounds:", err)
		for _, id := range ids {
			result.Errors[id] = storeErr
		}
		return
	}

	for _, inbound := range inbounds {
		mutex := LockInbound(inbound.Id)
		mutex.Lock()

		doc, entries, err := parseSettings(inbound.Id, inbound.Settings)
		if err != nil {
			logger.Debug("skipping inbound while removing orphans:", err)
			mutex.Unlock()
			continue
		}

		kept := make([]any, 0, len(entries))
		removed := false
		for _, e := range entries {
			entry, ok := e.(map[string]any)
			if ok {
				if n, isNum := asInt64(entry["id"]); isNum && idSet[n] {
					removed = true
					result.Removed++
					continue
				}
			}
			kept = append(kept, e)
		}
		if removed {
			settings, err := marshalSettings(doc, kept)
			if err == nil {
				err = s.inboundService.saveSettings(tx, inbound.Id, settings)
			}
			if err != nil {
				storeErr := common.NewStoreUnavailableError("rewriting inbound", inbound.Id, ":", err)
				for _, id := range ids {
					result.Errors[id] = storeErr
				}
			} else {
				result.RewrittenInbounds = append(result.RewrittenInbounds, inbound.Id)
			}
		}
		mutex.Unlock()
	}
}

// RemoveEntry deletes the config-document entry for a client identified by
// its captured row id and email. Used on the delete path, where the record is
// about to vanish and entry lookup by id alone is not possible for uuid-keyed
// protocols.
func (s *SyncService) RemoveEntry(tx *gorm.DB, inboundId int, clientId int, email string) error {
	mutex := LockInbound(inboundId)
	mutex.Lock()
	defer mutex.Unlock()

	inbound, err := s.inboundService.GetInboundTx(tx, inboundId)
	if err != nil {
		if database.IsNotFound(err) {
			// Inbound already gone, nothing to project into.
			return nil
		}
		return common.NewStoreUnavailableError("loading inbound", inboundId, ":", err)
	}

	doc, entries, err := parseSettings(inboundId, inbound.Settings)
	if err != nil {
		return err
	}

	kept := make([]any, 0, len(entries))
	removed := false
	for _, e := range entries {
		entry, ok := e.(map[string]any)
		if ok && entryIdentityMatches(entry, clientId, email) {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	if !removed {
		return nil
	}

	settings, err := marshalSettings(doc, kept)
	if err != nil {
		return common.NewConfigCorruptError("inbound", inboundId, "settings re-encode failed:", err)
	}
	return s.inboundService.saveSettings(tx, inboundId, settings)
}

// matchEntries finds every entry matching a record via the identity fallback:
// numeric id first, email second. More than one match is ambiguous and the
// caller must not guess.
func matchEntries(entries []any, rec *xray.ClientTraffic) []map[string]any {
	var matches []map[string]any
	for _, e := range entries {
		entry, ok := e.(map[string]any)
		if !ok {
			continue
		}
		if entryIdentityMatches(entry, rec.Id, rec.Email) {
			matches = append(matches, entry)
		}
	}
	return matches
}

func entryIdentityMatches(entry map[string]any, clientId int, email string) bool {
	if n, ok := asInt64(entry["id"]); ok && n == int64(clientId) {
		return true
	}
	if email == "" {
		return false
	}
	entryEmail, _ := entry["email"].(string)
	return entryEmail != "" && strings.EqualFold(entryEmail, email)
}

// projectRecord overwrites the lifecycle fields of an entry with the record's
// values, leaving credentials and every other field alone. Returns whether
// anything actually changed; the updated_at stamp moves only on real change
// so re-running Sync on a consistent id leaves the document byte-identical.
func projectRecord(entry map[string]any, rec *xray.ClientTraffic) bool {
	changed := false
	if v, ok := entry["enable"].(bool); !ok || v != rec.Enable {
		changed = true
	}
	if v, ok := asInt64(entry["expiryTime"]); !ok || v != rec.ExpiryTime {
		changed = true
	}
	if v, ok := asInt64(entry["totalGB"]); !ok || v != rec.Total {
		changed = true
	}
	if v, ok := asInt64(entry["reset"]); !ok || v != int64(rec.Reset) {
		changed = true
	}
	if !changed {
		return false
	}
	entry["enable"] = rec.Enable
	entry["expiryTime"] = rec.ExpiryTime
	entry["totalGB"] = rec.Total
	entry["reset"] = rec.Reset
	entry["updated_at"] = time.Now().UnixMilli()
	return true
}

// buildEntry creates a fresh config-document entry for a record that has no
// counterpart yet (the create path). Credential fields depend on the inbound's
// protocol; a spec may carry caller-supplied credentials and limits.
func buildEntry(inbound *model.Inbound, rec *xray.ClientTraffic, spec *model.ClientTemplate) (map[string]any, error) {
	now := time.Now().UnixMilli()
	entry := map[string]any{
		"email":      rec.Email,
		"enable":     rec.Enable,
		"expiryTime": rec.ExpiryTime,
		"totalGB":    rec.Total,
		"limitIp":    0,
		"reset":      rec.Reset,
		"created_at": now,
		"updated_at": now,
	}
	if spec != nil && spec.LimitIP > 0 {
		entry["limitIp"] = spec.LimitIP
	}

	switch inbound.Protocol {
	case model.Shadowsocks:
		// Shadowsocks entries are keyed by the numeric row id.
		entry["id"] = rec.Id
		method := "chacha20-ietf-poly1305"
		if spec != nil && spec.Method != "" {
			method = spec.Method
		}
		entry["method"] = method
		password := ""
		if spec != nil {
			password = spec.Password
		}
		if password == "" {
			if strings.HasPrefix(method, "2022-") {
				key, err := crypto.ShadowsocksKey(method)
				if err != nil {
					return nil, common.NewStoreUnavailableError("generating shadowsocks key:", err)
				}
				password = key
			} else {
				password = crypto.RandomPassword(16)
			}
		}
		entry["password"] = password
	case model.Trojan:
		password := ""
		if spec != nil {
			password = spec.Password
		}
		if password == "" {
			password = crypto.RandomPassword(16)
		}
		entry["password"] = password
	case model.VLESS:
		entry["id"] = uuid.New().String()
		flow := "xtls-rprx-vision"
		if spec != nil && spec.Flow != "" {
			flow = spec.Flow
		}
		entry["flow"] = flow
	case model.VMESS:
		entry["id"] = uuid.New().String()
	default:
		logger.Warningf("unknown protocol %q on inbound %d, keying client by uuid", inbound.Protocol, inbound.Id)
		entry["id"] = uuid.New().String()
	}
	return entry, nil
}
