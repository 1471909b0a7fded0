package service

import (
	"errors"
	"sync"
	"time"

	"xui-manager/config"
	"xui-manager/database"
	"xui-manager/database/model"
	"xui-manager/logger"
	"xui-manager/util/common"
	"xui-manager/xray"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"gorm.io/gorm"
)

// QueueService owns the lifecycle of bulk provisioning jobs: submission,
// status, cancellation and deletion. Each job targets exactly one inbound;
// multi-inbound submissions fan out so one inbound's failure cannot stall the
// others. Jobs persist in the store, so status survives a restart.
type QueueService struct {
	inboundService InboundService
	clientService  ClientService
	syncService    SyncService
}

// In-flight job state. Flags are memory-only: a crashed process leaves its
// jobs in processing, which ResumeInterrupted settles to failed on startup.
var (
	jobCancelFlags = make(map[string]*atomic.Bool)
	jobFlagsLock   sync.Mutex
	jobWg          sync.WaitGroup
)

const maxJobErrors = 50

func cancelFlag(jobId string) *atomic.Bool {
	jobFlagsLock.Lock()
	defer jobFlagsLock.Unlock()
	flag, ok := jobCancelFlags[jobId]
	if !ok {
		flag = atomic.NewBool(false)
		jobCancelFlags[jobId] = flag
	}
	return flag
}

func dropCancelFlag(jobId string) {
	jobFlagsLock.Lock()
	defer jobFlagsLock.Unlock()
	delete(jobCancelFlags, jobId)
}

// Submit validates a bulk request and enqueues one job per target inbound.
// Returned job ids are in target order. Jobs start processing immediately on
// background goroutines.
func (s *QueueService) Submit(tmpl *model.ClientTemplate, count int, inboundIds []int) ([]string, error) {
	if tmpl == nil {
		return nil, common.NewValidationError("template is required")
	}
	if count <= 0 {
		return nil, common.NewValidationError("count must be positive, got", count)
	}
	if max := config.GetMaxBulkCount(); count > max {
		return nil, common.NewValidationError("count", count, "exceeds the limit of", max)
	}
	if len(inboundIds) == 0 {
		return nil, common.NewValidationError("at least one target inbound is required")
	}
	if tmpl.Total < 0 || tmpl.ExpiryTime < 0 || tmpl.Reset < 0 || tmpl.LimitIP < 0 {
		return nil, common.NewValidationError("negative template limits are not allowed")
	}
	if tmpl.Prefix == "" {
		tmpl.Prefix = "user"
	}
	for _, inboundId := range inboundIds {
		if _, err := s.inboundService.GetInbound(inboundId); err != nil {
			if database.IsNotFound(err) {
				return nil, common.NewValidationError("inbound", inboundId, "not found")
			}
			return nil, common.NewStoreUnavailableError("loading inbound", inboundId, ":", err)
		}
	}

	db := database.GetDB()
	now := time.Now().UnixMilli()
	jobIds := make([]string, 0, len(inboundIds))
	for _, inboundId := range inboundIds {
		job := &model.Job{
			Id:        uuid.New().String(),
			Status:    model.JobPending,
			InboundId: inboundId,
			Template:  *tmpl,
			Progress:  model.JobProgress{Total: count},
			CreatedAt: now,
		}
		if err := db.Create(job).Error; err != nil {
			return jobIds, common.NewStoreUnavailableError("persisting job:", err)
		}
		jobIds = append(jobIds, job.Id)
	}

	for _, jobId := range jobIds {
		jobWg.Add(1)
		go s.processJob(jobId)
	}
	logger.Infof("enqueued %d job(s) for %d clients each", len(jobIds), count)
	return jobIds, nil
}

// Get returns one job with its progress and error list.
func (s *QueueService) Get(jobId string) (*model.Job, error) {
	db := database.GetDB()
	job := &model.Job{}
	err := db.Model(model.Job{}).Where("id = ?", jobId).First(job).Error
	if err != nil {
		if database.IsNotFound(err) {
			return nil, common.NewValidationError("job", jobId, "not found")
		}
		return nil, common.NewStoreUnavailableError("loading job:", err)
	}
	return job, nil
}

// List returns jobs newest first, optionally filtered by status.
func (s *QueueService) List(status model.JobStatus) ([]*model.Job, error) {
	db := database.GetDB().Model(model.Job{})
	if status != "" {
		db = db.Where("status = ?", status)
	}
	var jobs []*model.Job
	err := db.Order("created_at desc").Find(&jobs).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, common.NewStoreUnavailableError("listing jobs:", err)
	}
	return jobs, nil
}

// Cancel stops a job cooperatively. Pending jobs cancel immediately;
// processing jobs stop after the chunk in flight commits. Committed work is
// never rolled back.
func (s *QueueService) Cancel(jobId string) error {
	job, err := s.Get(jobId)
	if err != nil {
		return err
	}
	switch job.Status {
	case model.JobPending:
		return s.cancelPending(job)
	case model.JobProcessing:
		cancelFlag(jobId).Store(true)
		logger.Info("cancellation requested for job", jobId)
		return nil
	default:
		return common.NewValidationError("job", jobId, "is already", string(job.Status))
	}
}

// cancelPending settles a job that has not been claimed yet. The processor
// may win the pending->processing transition in the meantime; the raised flag
// still stops it at the next chunk boundary, so that conflict is a success.
func (s *QueueService) cancelPending(job *model.Job) error {
	cancelFlag(job.Id).Store(true)
	if err := s.transition(job, model.JobPending, model.JobCancelled); err != nil {
		if errors.Is(err, common.ErrConflict) {
			logger.Info("job", job.Id, "claimed before cancel settled, will stop at next chunk")
			return nil
		}
		return err
	}
	return nil
}

// Delete removes a terminal job and its error list from the store.
func (s *QueueService) Delete(jobId string) error {
	job, err := s.Get(jobId)
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		return common.NewValidationError("job", jobId, "is", string(job.Status), "and cannot be deleted")
	}
	if err := database.GetDB().Delete(&model.Job{}, "id = ?", jobId).Error; err != nil {
		return common.NewStoreUnavailableError("deleting job:", err)
	}
	dropCancelFlag(jobId)
	return nil
}

// ResumeInterrupted settles jobs left processing by a previous process. Their
// committed chunks are visible in progress; the remainder was never issued.
func (s *QueueService) ResumeInterrupted() error {
	var jobs []*model.Job
	db := database.GetDB()
	err := db.Model(model.Job{}).Where("status = ?", model.JobProcessing).Find(&jobs).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return common.NewStoreUnavailableError("loading interrupted jobs:", err)
	}
	for _, job := range jobs {
		appendJobError(job, "job", "interrupted by shutdown")
		job.Status = model.JobFailed
		job.CompletedAt = time.Now().UnixMilli()
		if err := s.saveJob(job); err != nil {
			return err
		}
		logger.Warningf("job %s was interrupted, marked failed at %d/%d",
			job.Id, job.Progress.Completed, job.Progress.Total)
	}
	return nil
}

// Shutdown requests cancellation of every in-flight job and waits for the
// processors to finish their current chunk.
func (s *QueueService) Shutdown() {
	jobFlagsLock.Lock()
	for _, flag := range jobCancelFlags {
		flag.Store(true)
	}
	jobFlagsLock.Unlock()
	jobWg.Wait()
}

// transition moves a job between states with an optimistic status guard, so
// two processors can never both claim the same job.
func (s *QueueService) transition(job *model.Job, from, to model.JobStatus) error {
	updates := map[string]any{"status": to}
	now := time.Now().UnixMilli()
	switch to {
	case model.JobProcessing:
		updates["started_at"] = now
	case model.JobCompleted, model.JobFailed, model.JobCancelled:
		updates["completed_at"] = now
	}
	result := database.GetDB().Model(model.Job{}).
		Where("id = ? and status = ?", job.Id, from).
		Updates(updates)
	if result.Error != nil {
		return common.NewStoreUnavailableError("updating job status:", result.Error)
	}
	if result.RowsAffected == 0 {
		return common.NewConflictError("job", job.Id, "is no longer", string(from))
	}
	job.Status = to
	switch to {
	case model.JobProcessing:
		job.StartedAt = now
	case model.JobCompleted, model.JobFailed, model.JobCancelled:
		job.CompletedAt = now
	}
	return nil
}

func (s *QueueService) saveJob(job *model.Job) error {
	if err := database.GetDB().Save(job).Error; err != nil {
		return common.NewStoreUnavailableError("persisting job:", err)
	}
	return nil
}

// hotReloadInbound reapplies a whole inbound to the running instance, the
// cheaper path after a bulk change than pushing clients one by one. Returns
// whether the runtime still needs a full restart.
func (s *QueueService) hotReloadInbound(inboundId int) bool {
	apiPort := config.GetXrayAPIPort()
	if apiPort == 0 {
		return true
	}
	inbound, err := s.inboundService.GetInbound(inboundId)
	if err != nil {
		return true
	}
	cfg, err := json.Marshal(inbound.GenXrayInboundConfig())
	if err != nil {
		logger.Debug("building inbound config failed:", err)
		return true
	}

	var api xray.XrayAPI
	if err := api.Init(apiPort); err != nil {
		logger.Debug("xray api unavailable:", err)
		return true
	}
	defer api.Close()
	if err := api.DelInbound(inbound.Tag); err != nil {
		logger.Debug("removing inbound by api:", err)
	}
	if err := api.AddInbound(cfg); err != nil {
		logger.Debug("re-adding inbound by api:", err)
		return true
	}
	logger.Debug("inbound reloaded by api:", inbound.Tag)
	return false
}

// appendJobError records a per-item failure, keeping only the most recent
// maxJobErrors entries.
func appendJobError(job *model.Job, item, reason string) {
	job.Errors = append(job.Errors, model.JobError{Item: item, Reason: reason})
	if len(job.Errors) > maxJobErrors {
		job.Errors = job.Errors[len(job.Errors)-maxJobErrors:]
	}
}
