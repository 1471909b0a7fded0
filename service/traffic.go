package service

import (
	"xui-manager/database"
	"xui-manager/database/model"
	"xui-manager/logger"
	"xui-manager/util/common"
	"xui-manager/xray"

	"gorm.io/gorm"
)

// RecordTraffic folds usage deltas reported by the runtime into the record
// store. Inbound counters accumulate on the inbounds row, per-client counters
// on client_traffics by email. Usage never flows into config documents, so no
// document rewrite happens here.
func (s *InboundService) RecordTraffic(traffics []*xray.Traffic, clientTraffics []*xray.ClientTraffic) error {
	if len(traffics) == 0 && len(clientTraffics) == 0 {
		return nil
	}
	err := database.GetDB().Transaction(func(tx *gorm.DB) error {
		for _, t := range traffics {
			if !t.IsInbound || (t.Up == 0 && t.Down == 0) {
				continue
			}
			err := tx.Model(model.Inbound{}).Where("tag = ?", t.Tag).Updates(map[string]any{
				"up":   gorm.Expr("up + ?", t.Up),
				"down": gorm.Expr("down + ?", t.Down),
			}).Error
			if err != nil {
				return err
			}
		}
		// The runtime reports client usage by email alone, with no inbound
		// scope. Emails are only unique per inbound, so a delta whose email
		// maps to more than one row cannot be attributed and is dropped
		// instead of being charged to every match.
		var dupEmails []string
		err := tx.Model(xray.ClientTraffic{}).
			Group("email").Having("count(*) > 1").
			Pluck("email", &dupEmails).Error
		if err != nil {
			return err
		}
		duplicated := make(map[string]bool, len(dupEmails))
		for _, email := range dupEmails {
			duplicated[email] = true
		}
		for _, ct := range clientTraffics {
			if ct.Up == 0 && ct.Down == 0 {
				continue
			}
			if duplicated[ct.Email] {
				logger.Warningf("traffic for %s not recorded: email exists on multiple inbounds", ct.Email)
				continue
			}
			err := tx.Model(xray.ClientTraffic{}).Where("email = ?", ct.Email).Updates(map[string]any{
				"up":   gorm.Expr("up + ?", ct.Up),
				"down": gorm.Expr("down + ?", ct.Down),
			}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return common.NewStoreUnavailableError("recording traffic:", err)
	}
	return nil
}
