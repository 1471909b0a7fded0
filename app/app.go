// Package app wires the services, the job scheduler and the bulk queue into
// one process lifecycle.
package app

import (
	"context"

	"xui-manager/config"
	"xui-manager/job"
	"xui-manager/logger"
	"xui-manager/service"

	"github.com/robfig/cron/v3"
)

type App struct {
	queueService service.QueueService

	cron *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
}

func NewApp() *App {
	ctx, cancel := context.WithCancel(context.Background())
	return &App{ctx: ctx, cancel: cancel}
}

func (a *App) Start() error {
	// Jobs a previous process left in flight can never make progress again.
	if err := a.queueService.ResumeInterrupted(); err != nil {
		return err
	}

	a.cron = cron.New(cron.WithSeconds())
	a.cron.Start()
	a.startTask()

	logger.Info("app started")
	return nil
}

// startTask schedules the background jobs.
func (a *App) startTask() {
	a.cron.AddJob("@every 1m", job.NewCheckDepletedClientsJob())
	a.cron.AddJob("@every 10m", job.NewConfigSyncJob())
	if config.GetXrayAPIPort() > 0 {
		a.cron.AddJob("@every 10s", job.NewXrayTrafficJob())
	}
}

func (a *App) Stop() error {
	a.cancel()
	if a.cron != nil {
		a.cron.Stop()
	}
	a.queueService.Shutdown()
	logger.Info("app stopped")
	return nil
}

// GetCtx returns the app's context.
func (a *App) GetCtx() context.Context { return a.ctx }

// GetQueue exposes the bulk queue for command surfaces.
func (a *App) GetQueue() *service.QueueService { return &a.queueService }
