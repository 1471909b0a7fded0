package job

import (
	"xui-manager/logger"
	"xui-manager/service"
)

// CheckDepletedClientsJob disables clients that ran out of traffic or time
// and renews the ones carrying an auto-reset period. Both passes keep the
// config documents in step with the records they touch.
type CheckDepletedClientsJob struct {
	clientService service.ClientService
}

func NewCheckDepletedClientsJob() *CheckDepletedClientsJob {
	return new(CheckDepletedClientsJob)
}

func (j *CheckDepletedClientsJob) Run() {
	renewed, err := j.clientService.RenewResetClients()
	if err != nil {
		logger.Warning("Error in renewing reset clients:", err)
	} else if len(renewed) > 0 {
		logger.Debugf("%v clients renewed", len(renewed))
	}

	disabled, err := j.clientService.DisableDepletedClients()
	if err != nil {
		logger.Warning("Error in disabling depleted clients:", err)
	} else if len(disabled) > 0 {
		logger.Debugf("%v clients disabled", len(disabled))
	}
}
