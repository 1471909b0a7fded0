package job

import (
	"xui-manager/database"
	"xui-manager/logger"
	"xui-manager/service"
	"xui-manager/xray"
)

// ConfigSyncJob sweeps the whole client base through the sync engine. Single
// operations keep the stores consistent on their own; the sweep catches
// drift introduced by external edits to the database.
type ConfigSyncJob struct {
	syncService service.SyncService
}

func NewConfigSyncJob() *ConfigSyncJob {
	return new(ConfigSyncJob)
}

func (j *ConfigSyncJob) Run() {
	var ids []int
	err := database.GetDB().Model(xray.ClientTraffic{}).Pluck("id", &ids).Error
	if err != nil {
		logger.Warning("Error loading client ids for sync sweep:", err)
		return
	}
	if len(ids) == 0 {
		return
	}

	result, err := j.syncService.Sync(ids)
	if err != nil {
		logger.Warning("Error in sync sweep:", err)
		return
	}
	if len(result.RewrittenInbounds) > 0 {
		logger.Debugf("sync sweep rewrote %v inbound(s)", len(result.RewrittenInbounds))
	}
	for id, itemErr := range result.Errors {
		logger.Warning("sync sweep: client", id, ":", itemErr)
	}
}
