package service

import (
	"strconv"
	"strings"
	"time"

	"xui-manager/config"
	"xui-manager/database"
	"xui-manager/database/model"
	"xui-manager/logger"
	"xui-manager/util/common"
	"xui-manager/xray"

	"gorm.io/gorm"
)

// ClientService implements single-client lifecycle operations and the
// administrative queries over the client_traffics table. Every mutation writes
// the record row and the config document in one transaction, so a crash never
// leaves one store updated without the other.
type ClientService struct {
	inboundService InboundService
	syncService    SyncService
	xrayApi        xray.XrayAPI
}

// ClientQuery selects a page of clients, optionally scoped to an inbound and
// filtered by an email substring.
type ClientQuery struct {
	InboundId int
	Search    string
	Limit     int
	Offset    int
}

type ClientPage struct {
	Clients []*xray.ClientTraffic
	Total   int64
}

func (s *ClientService) GetClient(id int) (*xray.ClientTraffic, error) {
	db := database.GetDB()
	client := &xray.ClientTraffic{}
	err := db.Model(xray.ClientTraffic{}).First(client, id).Error
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (s *ClientService) GetClientByEmail(inboundId int, email string) (*xray.ClientTraffic, error) {
	db := database.GetDB()
	client := &xray.ClientTraffic{}
	err := db.Model(xray.ClientTraffic{}).
		Where("inbound_id = ? and LOWER(email) = ?", inboundId, strings.ToLower(email)).
		First(client).Error
	if err != nil {
		return nil, err
	}
	return client, nil
}

// GetClients returns one page of clients plus the unpaginated total.
func (s *ClientService) GetClients(query ClientQuery) (*ClientPage, error) {
	db := database.GetDB().Model(xray.ClientTraffic{})
	if query.InboundId > 0 {
		db = db.Where("inbound_id = ?", query.InboundId)
	}
	if query.Search != "" {
		db = db.Where("email LIKE ?", "%"+query.Search+"%")
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, err
	}

	limit := query.Limit
	if limit <= 0 {
		limit = 100
	}
	var clients []*xray.ClientTraffic
	err := db.Limit(limit).Offset(query.Offset).Find(&clients).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, err
	}
	return &ClientPage{Clients: clients, Total: total}, nil
}

func (s *ClientService) emailExists(tx *gorm.DB, inboundId int, email string) (bool, error) {
	var count int64
	err := tx.Model(xray.ClientTraffic{}).
		Where("inbound_id = ? and LOWER(email) = ?", inboundId, strings.ToLower(email)).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// AddClient creates one client: a client_traffics row plus a config-document
// entry with protocol credentials, committed together. Returns the created
// record and whether the runtime needs a reload to pick it up.
func (s *ClientService) AddClient(inboundId int, email string, tmpl *model.ClientTemplate) (*xray.ClientTraffic, bool, error) {
	if email == "" {
		return nil, false, common.NewValidationError("client email must not be empty")
	}
	if tmpl == nil {
		tmpl = &model.ClientTemplate{}
	}
	if tmpl.Total < 0 || tmpl.ExpiryTime < 0 || tmpl.Reset < 0 {
		return nil, false, common.NewValidationError("negative limits are not allowed for client", email)
	}

	record := &xray.ClientTraffic{
		InboundId:  inboundId,
		Enable:     true,
		Email:      email,
		ExpiryTime: tmpl.ExpiryTime,
		Total:      tmpl.Total,
		Reset:      tmpl.Reset,
	}

	err := database.GetDB().Transaction(func(tx *gorm.DB) error {
		if _, err := s.inboundService.GetInboundTx(tx, inboundId); err != nil {
			if database.IsNotFound(err) {
				return common.NewValidationError("inbound", inboundId, "not found")
			}
			return common.NewStoreUnavailableError("loading inbound", inboundId, ":", err)
		}
		exists, err := s.emailExists(tx, inboundId, email)
		if err != nil {
			return common.NewStoreUnavailableError("checking email:", err)
		}
		if exists {
			return common.NewConflictError("duplicate email:", email)
		}
		if err := tx.Create(record).Error; err != nil {
			return common.NewStoreUnavailableError("creating client record:", err)
		}
		result := s.syncService.SyncTx(tx, []int{record.Id}, map[int]*model.ClientTemplate{record.Id: tmpl})
		if err := result.Err(record.Id); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	needRestart := s.hotApplyAdd(inboundId, record)
	return record, needRestart, nil
}

// DeleteClient removes a client from both stores. The entry is located with
// the identity captured before the row is deleted, since uuid-keyed entries
// cannot be found from the numeric id afterwards.
func (s *ClientService) DeleteClient(id int) (bool, error) {
	record, err := s.GetClient(id)
	if err != nil {
		if database.IsNotFound(err) {
			return false, common.NewValidationError("client", id, "not found")
		}
		return false, common.NewStoreUnavailableError("loading client", id, ":", err)
	}

	err = database.GetDB().Transaction(func(tx *gorm.DB) error {
		if err := s.syncService.RemoveEntry(tx, record.InboundId, record.Id, record.Email); err != nil {
			return err
		}
		return tx.Delete(&xray.ClientTraffic{}, id).Error
	})
	if err != nil {
		return false, err
	}

	needRestart := s.hotApplyRemove(record.InboundId, record.Email)
	return needRestart, nil
}

// SetEnable flips the enable flag in both stores atomically.
func (s *ClientService) SetEnable(id int, enable bool) (bool, error) {
	record, err := s.mutateClient(id, map[string]any{"enable": enable})
	if err != nil {
		return false, err
	}

	var needRestart bool
	if enable {
		needRestart = s.hotApplyAdd(record.InboundId, record)
	} else {
		needRestart = s.hotApplyRemove(record.InboundId, record.Email)
	}
	return needRestart, nil
}

// SetExpiry sets the expiry timestamp (epoch millis, 0 = unlimited).
func (s *ClientService) SetExpiry(id int, expiryTime int64) error {
	if expiryTime < 0 {
		return common.NewValidationError("expiry time must not be negative")
	}
	_, err := s.mutateClient(id, map[string]any{"expiry_time": expiryTime})
	return err
}

// SetTrafficLimit sets the byte cap (0 = unlimited).
func (s *ClientService) SetTrafficLimit(id int, total int64) error {
	if total < 0 {
		return common.NewValidationError("traffic limit must not be negative")
	}
	_, err := s.mutateClient(id, map[string]any{"total": total})
	return err
}

// AddTraffic raises the byte cap without resetting used counters.
func (s *ClientService) AddTraffic(id int, delta int64) error {
	if delta <= 0 {
		return common.NewValidationError("traffic delta must be positive")
	}
	record, err := s.GetClient(id)
	if err != nil {
		if database.IsNotFound(err) {
			return common.NewValidationError("client", id, "not found")
		}
		return common.NewStoreUnavailableError("loading client", id, ":", err)
	}
	_, err = s.mutateClient(id, map[string]any{"total": record.Total + delta})
	return err
}

// ResetTraffic zeroes the usage counters. Counters have no config-document
// counterpart, but the write still goes through sync so a stale document is
// repaired on the way.
func (s *ClientService) ResetTraffic(id int) error {
	_, err := s.mutateClient(id, map[string]any{"up": 0, "down": 0})
	return err
}

// mutateClient applies column updates to one record and syncs its document
// entry in the same transaction. No retry: single-item operations surface
// store errors directly to the caller.
func (s *ClientService) mutateClient(id int, updates map[string]any) (*xray.ClientTraffic, error) {
	var record *xray.ClientTraffic
	err := database.GetDB().Transaction(func(tx *gorm.DB) error {
		result := tx.Model(xray.ClientTraffic{}).Where("id = ?", id).Updates(updates)
		if result.Error != nil {
			return common.NewStoreUnavailableError("updating client", id, ":", result.Error)
		}
		if result.RowsAffected == 0 {
			return common.NewValidationError("client", id, "not found")
		}
		syncResult := s.syncService.SyncTx(tx, []int{id}, nil)
		if err := syncResult.Err(id); err != nil {
			return err
		}
		record = &xray.ClientTraffic{}
		return tx.Model(xray.ClientTraffic{}).First(record, id).Error
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// BulkToggle enables or disables a set of clients, syncing each affected id.
// Ids whose document cannot be synced are rolled back to their previous state
// and reported in the returned error, so the two stores never diverge.
func (s *ClientService) BulkToggle(ids []int, enable bool) (int, error) {
	updated := 0
	var syncErrs []error
	err := database.GetDB().Transaction(func(tx *gorm.DB) error {
		var records []*xray.ClientTraffic
		if err := tx.Model(xray.ClientTraffic{}).Where("id in ?", ids).Find(&records).Error; err != nil {
			return common.NewStoreUnavailableError("loading clients:", err)
		}
		err := tx.Model(xray.ClientTraffic{}).Where("id in ?", ids).Update("enable", enable).Error
		if err != nil {
			return common.NewStoreUnavailableError("toggling clients:", err)
		}
		result := s.syncService.SyncTx(tx, ids, nil)
		for _, record := range records {
			if entryErr := result.Err(record.Id); entryErr != nil {
				err := tx.Model(xray.ClientTraffic{}).Where("id = ?", record.Id).
					Update("enable", record.Enable).Error
				if err != nil {
					return common.NewStoreUnavailableError("reverting client", record.Id, ":", err)
				}
				syncErrs = append(syncErrs, common.NewErrorf("client %d: %v", record.Id, entryErr))
				continue
			}
			updated++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return updated, common.Combine(syncErrs...)
}

// BulkExtendExpiry pushes each client's expiry forward by the given days.
// Expired or unlimited clients restart from now.
func (s *ClientService) BulkExtendExpiry(ids []int, days int) (int, error) {
	if days <= 0 {
		return 0, common.NewValidationError("extension days must be positive")
	}
	millis := int64(days) * 24 * 60 * 60 * 1000
	updated := 0
	var syncErrs []error
	err := database.GetDB().Transaction(func(tx *gorm.DB) error {
		var records []*xray.ClientTraffic
		if err := tx.Model(xray.ClientTraffic{}).Where("id in ?", ids).Find(&records).Error; err != nil {
			return common.NewStoreUnavailableError("loading clients:", err)
		}
		now := time.Now().UnixMilli()
		for _, record := range records {
			newExpiry := record.ExpiryTime + millis
			if record.ExpiryTime == 0 || record.ExpiryTime < now {
				newExpiry = now + millis
			}
			err := tx.Model(xray.ClientTraffic{}).Where("id = ?", record.Id).
				Update("expiry_time", newExpiry).Error
			if err != nil {
				return common.NewStoreUnavailableError("extending client", record.Id, ":", err)
			}
		}
		result := s.syncService.SyncTx(tx, ids, nil)
		for _, record := range records {
			if entryErr := result.Err(record.Id); entryErr != nil {
				err := tx.Model(xray.ClientTraffic{}).Where("id = ?", record.Id).
					Update("expiry_time", record.ExpiryTime).Error
				if err != nil {
					return common.NewStoreUnavailableError("reverting client", record.Id, ":", err)
				}
				syncErrs = append(syncErrs, common.NewErrorf("client %d: %v", record.Id, entryErr))
				continue
			}
			updated++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return updated, common.Combine(syncErrs...)
}

// BulkDelete removes a set of clients. Per-item failures are collected, not
// escalated; the remaining deletions proceed.
func (s *ClientService) BulkDelete(ids []int) (int, []model.JobError) {
	deleted := 0
	var errs []model.JobError
	for _, id := range ids {
		if _, err := s.DeleteClient(id); err != nil {
			errs = append(errs, model.JobError{Item: clientItemName(id), Reason: err.Error()})
			continue
		}
		deleted++
	}
	return deleted, errs
}

// GetExpiredClients returns enabled clients whose expiry has passed.
func (s *ClientService) GetExpiredClients(inboundId int) ([]*xray.ClientTraffic, error) {
	db := database.GetDB().Model(xray.ClientTraffic{}).
		Where("expiry_time > 0 and expiry_time < ?", time.Now().UnixMilli())
	if inboundId > 0 {
		db = db.Where("inbound_id = ?", inboundId)
	}
	var clients []*xray.ClientTraffic
	err := db.Order("expiry_time asc").Find(&clients).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, err
	}
	return clients, nil
}

// GetDisabledClients returns clients with the enable flag off.
func (s *ClientService) GetDisabledClients(inboundId int) ([]*xray.ClientTraffic, error) {
	db := database.GetDB().Model(xray.ClientTraffic{}).Where("enable = ?", false)
	if inboundId > 0 {
		db = db.Where("inbound_id = ?", inboundId)
	}
	var clients []*xray.ClientTraffic
	err := db.Order("email asc").Find(&clients).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, err
	}
	return clients, nil
}

// GetLowTrafficClients returns capped clients with at most threshold bytes left.
func (s *ClientService) GetLowTrafficClients(threshold int64, inboundId int) ([]*xray.ClientTraffic, error) {
	db := database.GetDB().Model(xray.ClientTraffic{}).
		Where("total > 0 and (total - up - down) <= ?", threshold)
	if inboundId > 0 {
		db = db.Where("inbound_id = ?", inboundId)
	}
	var clients []*xray.ClientTraffic
	err := db.Order("(total - up - down) asc").Find(&clients).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, err
	}
	return clients, nil
}

// DisableDepletedClients turns off enabled clients that exhausted their
// traffic cap or expired without a reset period. Returns the disabled ids.
// An id whose document cannot be synced stays enabled and is reported in the
// returned error; the next sweep picks it up again.
func (s *ClientService) DisableDepletedClients() ([]int, error) {
	var ids []int
	var syncErrs []error
	err := database.GetDB().Transaction(func(tx *gorm.DB) error {
		var records []*xray.ClientTraffic
		now := time.Now().UnixMilli()
		err := tx.Model(xray.ClientTraffic{}).
			Where("enable = ?", true).
			Where("(total > 0 and up + down >= total) or (expiry_time > 0 and expiry_time < ? and reset = 0)", now).
			Find(&records).Error
		if err != nil {
			return common.NewStoreUnavailableError("loading depleted clients:", err)
		}
		if len(records) == 0 {
			return nil
		}
		candidates := make([]int, 0, len(records))
		for _, record := range records {
			candidates = append(candidates, record.Id)
		}
		if err := tx.Model(xray.ClientTraffic{}).Where("id in ?", candidates).Update("enable", false).Error; err != nil {
			return common.NewStoreUnavailableError("disabling depleted clients:", err)
		}
		result := s.syncService.SyncTx(tx, candidates, nil)
		for _, record := range records {
			if entryErr := result.Err(record.Id); entryErr != nil {
				err := tx.Model(xray.ClientTraffic{}).Where("id = ?", record.Id).
					Update("enable", true).Error
				if err != nil {
					return common.NewStoreUnavailableError("reverting client", record.Id, ":", err)
				}
				syncErrs = append(syncErrs, common.NewErrorf("client %d: %v", record.Id, entryErr))
				continue
			}
			ids = append(ids, record.Id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, common.Combine(syncErrs...)
}

// RenewResetClients rolls expired clients with a reset period into their next
// period: counters zeroed, expiry moved reset days past now.
func (s *ClientService) RenewResetClients() ([]int, error) {
	var ids []int
	var syncErrs []error
	err := database.GetDB().Transaction(func(tx *gorm.DB) error {
		var records []*xray.ClientTraffic
		now := time.Now().UnixMilli()
		err := tx.Model(xray.ClientTraffic{}).
			Where("expiry_time > 0 and expiry_time < ? and reset > 0", now).
			Find(&records).Error
		if err != nil {
			return common.NewStoreUnavailableError("loading reset clients:", err)
		}
		if len(records) == 0 {
			return nil
		}
		candidates := make([]int, 0, len(records))
		for _, record := range records {
			newExpiry := now + int64(record.Reset)*24*60*60*1000
			err := tx.Model(xray.ClientTraffic{}).Where("id = ?", record.Id).Updates(map[string]any{
				"up":          0,
				"down":        0,
				"expiry_time": newExpiry,
			}).Error
			if err != nil {
				return common.NewStoreUnavailableError("renewing client", record.Id, ":", err)
			}
			candidates = append(candidates, record.Id)
		}
		result := s.syncService.SyncTx(tx, candidates, nil)
		for _, record := range records {
			if entryErr := result.Err(record.Id); entryErr != nil {
				err := tx.Model(xray.ClientTraffic{}).Where("id = ?", record.Id).Updates(map[string]any{
					"up":          record.Up,
					"down":        record.Down,
					"expiry_time": record.ExpiryTime,
				}).Error
				if err != nil {
					return common.NewStoreUnavailableError("reverting client", record.Id, ":", err)
				}
				syncErrs = append(syncErrs, common.NewErrorf("client %d: %v", record.Id, entryErr))
				continue
			}
			ids = append(ids, record.Id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, common.Combine(syncErrs...)
}

// hotApplyAdd pushes a freshly synced client to the running instance over the
// grpc API. Returns true when the runtime still needs a reload.
func (s *ClientService) hotApplyAdd(inboundId int, record *xray.ClientTraffic) bool {
	apiPort := config.GetXrayAPIPort()
	if apiPort == 0 {
		return true
	}
	inbound, err := s.inboundService.GetInbound(inboundId)
	if err != nil {
		return true
	}
	_, entries, err := parseSettings(inboundId, inbound.Settings)
	if err != nil {
		return true
	}
	var entry map[string]any
	for _, e := range entries {
		m, ok := e.(map[string]any)
		if ok && entryIdentityMatches(m, record.Id, record.Email) {
			entry = m
			break
		}
	}
	if entry == nil {
		return true
	}

	if err := s.xrayApi.Init(apiPort); err != nil {
		logger.Debug("xray api unavailable:", err)
		return true
	}
	defer s.xrayApi.Close()
	if err := s.xrayApi.AddUser(string(inbound.Protocol), inbound.Tag, entry); err != nil {
		logger.Debug("unable to add client by api:", err)
		return true
	}
	logger.Debug("client added by api:", record.Email)
	return false
}

func (s *ClientService) hotApplyRemove(inboundId int, email string) bool {
	apiPort := config.GetXrayAPIPort()
	if apiPort == 0 {
		return true
	}
	inbound, err := s.inboundService.GetInbound(inboundId)
	if err != nil {
		return true
	}
	if err := s.xrayApi.Init(apiPort); err != nil {
		logger.Debug("xray api unavailable:", err)
		return true
	}
	defer s.xrayApi.Close()
	if err := s.xrayApi.RemoveUser(inbound.Tag, email); err != nil {
		logger.Debug("unable to remove client by api:", err)
		return true
	}
	logger.Debug("client removed by api:", email)
	return false
}

func clientItemName(id int) string {
	return "client:" + strconv.Itoa(id)
}
