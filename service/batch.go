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

// A transient sqlite write conflict gets this many attempts per chunk before
// the job fails with the remaining items reported.
const chunkRetries = 3

var chunkBackoff = []time.Duration{
	50 * time.Millisecond,
	100 * time.Millisecond,
	200 * time.Millisecond,
}

// processJob drives one bulk job from pending to a terminal state. Each chunk
// commits in its own transaction, so progress moves in visible steps and
// cancellation never rolls back finished work.
func (s *QueueService) processJob(jobId string) {
	defer jobWg.Done()
	defer func() {
		common.Recover("job " + jobId)
		dropCancelFlag(jobId)
	}()

	job, err := s.Get(jobId)
	if err != nil {
		logger.Warning("job vanished before processing:", err)
		return
	}
	if cancelFlag(jobId).Load() {
		// Cancelled before processing started. Cancel may have settled the
		// status already; a conflict here just means it won the race.
		if err := s.transition(job, model.JobPending, model.JobCancelled); err != nil {
			logger.Debug("job", jobId, "already settled:", err)
		}
		return
	}
	if err := s.transition(job, model.JobPending, model.JobProcessing); err != nil {
		logger.Debug("job", jobId, "not claimed:", err)
		return
	}

	if err := s.runBatches(job); err != nil {
		remaining := job.Progress.Total - job.Progress.Completed - len(job.Errors)
		appendJobError(job, "remaining:"+strconv.Itoa(remaining), err.Error())
		s.finishJob(job, model.JobFailed)
		return
	}
	if cancelFlag(jobId).Load() && job.Progress.Completed < job.Progress.Total {
		s.finishJob(job, model.JobCancelled)
		return
	}
	s.finishJob(job, model.JobCompleted)
}

// runBatches generates and inserts the job's clients in chunks. Per-item
// problems land in the job's error list; only a store-level failure aborts
// the job and surfaces as the returned error.
func (s *QueueService) runBatches(job *model.Job) error {
	if _, err := s.inboundService.GetInbound(job.InboundId); err != nil {
		if database.IsNotFound(err) {
			return common.NewErrorf("target inbound %d not found", job.InboundId)
		}
		return err
	}

	usedEmails, err := s.existingEmails(job.InboundId)
	if err != nil {
		return err
	}

	chunkSize := config.GetBatchSize()
	tmpl := job.Template
	index := 0
	for job.Progress.Completed+len(job.Errors) < job.Progress.Total {
		if cancelFlag(job.Id).Load() {
			logger.Infof("job %s cancelled at %d/%d", job.Id, job.Progress.Completed, job.Progress.Total)
			return nil
		}

		remaining := job.Progress.Total - job.Progress.Completed - len(job.Errors)
		n := chunkSize
		if remaining < n {
			n = remaining
		}

		var emails []string
		for len(emails) < n && index < job.Progress.Total {
			index++
			email := tmpl.Prefix + strconv.Itoa(index)
			if usedEmails[strings.ToLower(email)] {
				appendJobError(job, email, "duplicate email")
				continue
			}
			emails = append(emails, email)
		}
		if len(emails) == 0 {
			break
		}

		inserted, err := s.insertChunk(job, emails)
		if err != nil {
			return err
		}
		for _, email := range emails {
			usedEmails[strings.ToLower(email)] = true
		}
		job.Progress.Completed += inserted

		if err := s.saveJob(job); err != nil {
			return err
		}
		logger.Debugf("job %s progressed to %d/%d", job.Id, job.Progress.Completed, job.Progress.Total)
	}
	return s.saveJob(job)
}

// insertChunk writes one chunk of client records plus their config entries in
// a single transaction, retrying transient sqlite lock conflicts with
// backoff. Records whose entry cannot be built are rolled out of the chunk
// and reported on the job instead.
func (s *QueueService) insertChunk(job *model.Job, emails []string) (int, error) {
	tmpl := job.Template
	var lastErr error
	for attempt := 0; attempt < chunkRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(chunkBackoff[attempt-1])
		}

		inserted := 0
		var itemErrors []model.JobError
		err := database.GetDB().Transaction(func(tx *gorm.DB) error {
			records := make([]*xray.ClientTraffic, 0, len(emails))
			for _, email := range emails {
				records = append(records, &xray.ClientTraffic{
					InboundId:  job.InboundId,
					Enable:     true,
					Email:      email,
					ExpiryTime: tmpl.ExpiryTime,
					Total:      tmpl.Total,
					Reset:      tmpl.Reset,
				})
			}
			if err := tx.Create(&records).Error; err != nil {
				return err
			}

			ids := make([]int, 0, len(records))
			specs := make(map[int]*model.ClientTemplate, len(records))
			recordById := make(map[int]*xray.ClientTraffic, len(records))
			for _, rec := range records {
				ids = append(ids, rec.Id)
				specs[rec.Id] = &tmpl
				recordById[rec.Id] = rec
			}

			result := s.syncService.SyncTx(tx, ids, specs)
			for _, id := range ids {
				if entryErr := result.Err(id); entryErr != nil {
					if common.IsStoreUnavailable(entryErr) {
						return entryErr
					}
					itemErrors = append(itemErrors, model.JobError{
						Item:   recordById[id].Email,
						Reason: entryErr.Error(),
					})
					if err := tx.Delete(&xray.ClientTraffic{}, "id = ?", id).Error; err != nil {
						return err
					}
					continue
				}
				inserted++
			}
			return nil
		})
		if err == nil {
			for _, itemErr := range itemErrors {
				appendJobError(job, itemErr.Item, itemErr.Reason)
			}
			return inserted, nil
		}
		lastErr = err
		if !isLockedError(err) {
			break
		}
		logger.Debugf("job %s chunk attempt %d hit a lock, retrying: %v", job.Id, attempt+1, err)
	}
	return 0, common.NewStoreUnavailableError("inserting chunk:", lastErr)
}

func (s *QueueService) finishJob(job *model.Job, status model.JobStatus) {
	if err := s.transition(job, model.JobProcessing, status); err != nil {
		logger.Warning("finishing job", job.Id, ":", err)
		return
	}
	if err := s.saveJob(job); err != nil {
		logger.Warning("persisting finished job", job.Id, ":", err)
		return
	}
	logger.Infof("job %s finished as %s with %d/%d clients, %d error(s)",
		job.Id, string(status), job.Progress.Completed, job.Progress.Total, len(job.Errors))

	if job.Progress.Completed > 0 && s.hotReloadInbound(job.InboundId) {
		logger.Info("restart xray to apply job", job.Id)
	}
}

// existingEmails loads the inbound's current email set once, so chunk
// generation can skip collisions without a per-item query.
func (s *QueueService) existingEmails(inboundId int) (map[string]bool, error) {
	var emails []string
	err := database.GetDB().Model(xray.ClientTraffic{}).
		Where("inbound_id = ?", inboundId).
		Pluck("email", &emails).Error
	if err != nil {
		return nil, common.NewStoreUnavailableError("loading existing emails:", err)
	}
	set := make(map[string]bool, len(emails))
	for _, email := range emails {
		set[strings.ToLower(email)] = true
	}
	return set, nil
}

func isLockedError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "database is locked")
}
