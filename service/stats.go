package service

import (
	"sort"
	"time"

	"gorm.io/gorm"

	"xui-manager/database"
	"xui-manager/util/common"
	"xui-manager/xray"
)

type StatsService struct {
	inboundService InboundService
}

// ClientStats aggregates the client base for monitoring output.
type ClientStats struct {
	Total    int64 `json:"total"`
	Active   int64 `json:"active"`
	Disabled int64 `json:"disabled"`
	Expired  int64 `json:"expired"`
	Up       int64 `json:"up"`
	Down     int64 `json:"down"`
}

// InboundStats summarizes one inbound's share of the client base.
type InboundStats struct {
	InboundId int    `json:"inboundId"`
	Tag       string `json:"tag"`
	Remark    string `json:"remark"`
	Clients   int64  `json:"clients"`
	Up        int64  `json:"up"`
	Down      int64  `json:"down"`
}

type trafficSums struct {
	Up   int64
	Down int64
}

func (s *StatsService) GetClientStats() (*ClientStats, error) {
	db := database.GetDB()
	now := time.Now().UnixMilli()
	stats := &ClientStats{}

	if err := db.Model(xray.ClientTraffic{}).Count(&stats.Total).Error; err != nil {
		return nil, common.NewStoreUnavailableError("counting clients:", err)
	}
	err := db.Model(xray.ClientTraffic{}).Where("enable = ?", true).Count(&stats.Active).Error
	if err != nil {
		return nil, common.NewStoreUnavailableError("counting active clients:", err)
	}
	stats.Disabled = stats.Total - stats.Active
	err = db.Model(xray.ClientTraffic{}).
		Where("expiry_time > 0 and expiry_time <= ?", now).
		Count(&stats.Expired).Error
	if err != nil {
		return nil, common.NewStoreUnavailableError("counting expired clients:", err)
	}

	var t trafficSums
	err = db.Model(xray.ClientTraffic{}).
		Select("ifnull(sum(up), 0) as up, ifnull(sum(down), 0) as down").
		Scan(&t).Error
	if err != nil {
		return nil, common.NewStoreUnavailableError("summing traffic:", err)
	}
	stats.Up = t.Up
	stats.Down = t.Down
	return stats, nil
}

// GetInboundStats returns per-inbound client counts and traffic, largest
// client count first.
func (s *StatsService) GetInboundStats() ([]*InboundStats, error) {
	inbounds, err := s.inboundService.GetInbounds()
	if err != nil {
		return nil, err
	}

	db := database.GetDB()
	out := make([]*InboundStats, 0, len(inbounds))
	for _, inbound := range inbounds {
		row := &InboundStats{InboundId: inbound.Id, Tag: inbound.Tag, Remark: inbound.Remark}
		err := db.Model(xray.ClientTraffic{}).
			Where("inbound_id = ?", inbound.Id).
			Count(&row.Clients).Error
		if err != nil && err != gorm.ErrRecordNotFound {
			return nil, common.NewStoreUnavailableError("counting inbound clients:", err)
		}
		var t trafficSums
		err = db.Model(xray.ClientTraffic{}).
			Where("inbound_id = ?", inbound.Id).
			Select("ifnull(sum(up), 0) as up, ifnull(sum(down), 0) as down").
			Scan(&t).Error
		if err != nil {
			return nil, common.NewStoreUnavailableError("summing inbound traffic:", err)
		}
		row.Up = t.Up
		row.Down = t.Down
		out = append(out, row)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Clients > out[j].Clients
	})
	return out, nil
}
