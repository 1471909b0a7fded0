package job

import (
	"xui-manager/config"
	"xui-manager/logger"
	"xui-manager/service"
	"xui-manager/xray"
)

// XrayTrafficJob polls usage counters from the runtime's stats API and folds
// them into the record store. Runs only when an API port is configured.
type XrayTrafficJob struct {
	inboundService service.InboundService
	xrayApi        xray.XrayAPI
}

func NewXrayTrafficJob() *XrayTrafficJob {
	return new(XrayTrafficJob)
}

func (j *XrayTrafficJob) Run() {
	apiPort := config.GetXrayAPIPort()
	if apiPort == 0 {
		return
	}

	if err := j.xrayApi.Init(apiPort); err != nil {
		logger.Debug("xray api unavailable:", err)
		return
	}
	defer j.xrayApi.Close()

	traffics, clientTraffics, err := j.xrayApi.GetTraffic(true)
	if err != nil {
		logger.Debug("get xray traffic failed:", err)
		return
	}
	if err := j.inboundService.RecordTraffic(traffics, clientTraffics); err != nil {
		logger.Warning("record traffic failed:", err)
	}
}
