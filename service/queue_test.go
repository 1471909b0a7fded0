package service

import (
	"testing"
	"time"

	"xui-manager/config"
	"xui-manager/database"
	"xui-manager/database/model"
	"xui-manager/util/common"
	"xui-manager/xray"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitTerminal(t *testing.T, queue *QueueService, jobId string) *model.Job {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		job, err := queue.Get(jobId)
		require.NoError(t, err)
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("job did not finish in time:", jobId)
	return nil
}

func TestSubmitValidation(t *testing.T) {
	setup()
	defer teardown()

	inbound := createInbound(t, model.VLESS, `{"clients":[]}`)
	queue := QueueService{}
	tmpl := &model.ClientTemplate{}

	_, err := queue.Submit(nil, 10, []int{inbound.Id})
	assert.ErrorIs(t, err, common.ErrValidation)

	_, err = queue.Submit(tmpl, 0, []int{inbound.Id})
	assert.ErrorIs(t, err, common.ErrValidation)

	_, err = queue.Submit(tmpl, config.GetMaxBulkCount()+1, []int{inbound.Id})
	assert.ErrorIs(t, err, common.ErrValidation)

	_, err = queue.Submit(tmpl, 10, nil)
	assert.ErrorIs(t, err, common.ErrValidation)

	_, err = queue.Submit(tmpl, 10, []int{9999})
	assert.ErrorIs(t, err, common.ErrValidation)

	_, err = queue.Submit(&model.ClientTemplate{Total: -1}, 10, []int{inbound.Id})
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestBulkProvisioning(t *testing.T) {
	setup()
	defer teardown()

	inbound := createInbound(t, model.VLESS, `{"clients":[{"id":"keep-uuid-1","email":"keep1","enable":true,"expiryTime":0,"totalGB":0,"reset":0},{"id":"keep-uuid-2","email":"keep2","enable":true,"expiryTime":0,"totalGB":0,"reset":0}]}`)
	createRecord(t, inbound.Id, "keep1", xray.ClientTraffic{Enable: true})
	createRecord(t, inbound.Id, "keep2", xray.ClientTraffic{Enable: true})

	queue := QueueService{}
	jobIds, err := queue.Submit(&model.ClientTemplate{
		Prefix: "user",
		Total:  107374182400,
	}, 250, []int{inbound.Id})
	require.NoError(t, err)
	require.Len(t, jobIds, 1)

	job := waitTerminal(t, &queue, jobIds[0])
	assert.Equal(t, model.JobCompleted, job.Status)
	assert.Equal(t, 250, job.Progress.Completed)
	assert.Equal(t, 250, job.Progress.Total)
	assert.Empty(t, job.Errors)
	assert.NotZero(t, job.StartedAt)
	assert.NotZero(t, job.CompletedAt)

	var count int64
	database.GetDB().Model(xray.ClientTraffic{}).Where("inbound_id = ?", inbound.Id).Count(&count)
	assert.Equal(t, int64(252), count)

	_, clients := loadSettings(t, inbound.Id)
	require.Len(t, clients, 252)
	byEmail := make(map[string]model.Client, len(clients))
	for _, c := range clients {
		byEmail[c.Email] = c
	}
	for _, email := range []string{"user1", "user125", "user250"} {
		c, ok := byEmail[email]
		require.True(t, ok, "missing entry for %s", email)
		assert.Equal(t, int64(107374182400), c.TotalGB)
		assert.Zero(t, c.ExpiryTime)
		assert.True(t, c.Enable)
		assert.NotEmpty(t, c.ID)
	}
	// pre-existing clients keep their credentials
	assert.Equal(t, "keep-uuid-1", byEmail["keep1"].ID)
	assert.Equal(t, "keep-uuid-2", byEmail["keep2"].ID)
}

func TestBulkPartialFailure(t *testing.T) {
	setup()
	defer teardown()

	inbound := createInbound(t, model.VLESS, `{"clients":[]}`)
	// user3 is already taken; the job must skip it and finish the rest
	createRecord(t, inbound.Id, "user3", xray.ClientTraffic{Enable: true})

	queue := QueueService{}
	jobIds, err := queue.Submit(&model.ClientTemplate{Prefix: "user"}, 5, []int{inbound.Id})
	require.NoError(t, err)

	job := waitTerminal(t, &queue, jobIds[0])
	assert.Equal(t, model.JobCompleted, job.Status)
	assert.Equal(t, 4, job.Progress.Completed)
	require.Len(t, job.Errors, 1)
	assert.Equal(t, "user3", job.Errors[0].Item)

	var count int64
	database.GetDB().Model(xray.ClientTraffic{}).Where("inbound_id = ?", inbound.Id).Count(&count)
	assert.Equal(t, int64(5), count)
}

func TestBulkMultipleInbounds(t *testing.T) {
	setup()
	defer teardown()

	first := createInbound(t, model.VLESS, `{"clients":[]}`)
	second := createInbound(t, model.VMESS, `{"clients":[]}`)

	queue := QueueService{}
	jobIds, err := queue.Submit(&model.ClientTemplate{Prefix: "m"}, 10, []int{first.Id, second.Id})
	require.NoError(t, err)
	require.Len(t, jobIds, 2)

	for _, jobId := range jobIds {
		job := waitTerminal(t, &queue, jobId)
		assert.Equal(t, model.JobCompleted, job.Status)
		assert.Equal(t, 10, job.Progress.Completed)
	}

	// same emails on both inbounds is fine, uniqueness is per inbound
	for _, inboundId := range []int{first.Id, second.Id} {
		var count int64
		database.GetDB().Model(xray.ClientTraffic{}).Where("inbound_id = ?", inboundId).Count(&count)
		assert.Equal(t, int64(10), count)
	}
}

func TestCancelPendingJob(t *testing.T) {
	setup()
	defer teardown()

	inbound := createInbound(t, model.VLESS, `{"clients":[]}`)
	job := &model.Job{
		Id:        uuid.New().String(),
		Status:    model.JobPending,
		InboundId: inbound.Id,
		Progress:  model.JobProgress{Total: 100},
		CreatedAt: time.Now().UnixMilli(),
	}
	require.NoError(t, database.GetDB().Create(job).Error)

	queue := QueueService{}
	require.NoError(t, queue.Cancel(job.Id))

	stored, err := queue.Get(job.Id)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, stored.Status)
	assert.NotZero(t, stored.CompletedAt)

	// cancelling again is an error, the job is terminal
	assert.ErrorIs(t, queue.Cancel(job.Id), common.ErrValidation)
}

func TestCancelStopsBetweenChunks(t *testing.T) {
	setup()
	defer teardown()

	inbound := createInbound(t, model.VLESS, `{"clients":[]}`)
	// a job with one committed chunk whose cancel flag is already raised:
	// the processor must settle it as cancelled without issuing more work
	job := &model.Job{
		Id:        uuid.New().String(),
		Status:    model.JobPending,
		InboundId: inbound.Id,
		Template:  model.ClientTemplate{Prefix: "user"},
		Progress:  model.JobProgress{Completed: 100, Total: 250},
		CreatedAt: time.Now().UnixMilli(),
	}
	require.NoError(t, database.GetDB().Create(job).Error)
	cancelFlag(job.Id).Store(true)

	queue := QueueService{}
	jobWg.Add(1)
	queue.processJob(job.Id)

	stored, err := queue.Get(job.Id)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, stored.Status)
	assert.Equal(t, 100, stored.Progress.Completed)

	var count int64
	database.GetDB().Model(xray.ClientTraffic{}).Where("inbound_id = ?", inbound.Id).Count(&count)
	assert.Zero(t, count)
}

func TestResumeInterrupted(t *testing.T) {
	setup()
	defer teardown()

	inbound := createInbound(t, model.VLESS, `{"clients":[]}`)
	job := &model.Job{
		Id:        uuid.New().String(),
		Status:    model.JobProcessing,
		InboundId: inbound.Id,
		Progress:  model.JobProgress{Completed: 120, Total: 300},
		CreatedAt: time.Now().UnixMilli(),
		StartedAt: time.Now().UnixMilli(),
	}
	require.NoError(t, database.GetDB().Create(job).Error)

	queue := QueueService{}
	require.NoError(t, queue.ResumeInterrupted())

	stored, err := queue.Get(job.Id)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, stored.Status)
	assert.Equal(t, 120, stored.Progress.Completed)
	require.NotEmpty(t, stored.Errors)
	assert.Contains(t, stored.Errors[len(stored.Errors)-1].Reason, "interrupted")
}

func TestDeleteJobGuards(t *testing.T) {
	setup()
	defer teardown()

	inbound := createInbound(t, model.VLESS, `{"clients":[]}`)
	queue := QueueService{}

	running := &model.Job{
		Id:        uuid.New().String(),
		Status:    model.JobProcessing,
		InboundId: inbound.Id,
		CreatedAt: time.Now().UnixMilli(),
	}
	require.NoError(t, database.GetDB().Create(running).Error)
	assert.ErrorIs(t, queue.Delete(running.Id), common.ErrValidation)

	done := &model.Job{
		Id:        uuid.New().String(),
		Status:    model.JobCompleted,
		InboundId: inbound.Id,
		CreatedAt: time.Now().UnixMilli(),
	}
	require.NoError(t, database.GetDB().Create(done).Error)
	require.NoError(t, queue.Delete(done.Id))
	_, err := queue.Get(done.Id)
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestListJobsNewestFirstWithFilter(t *testing.T) {
	setup()
	defer teardown()

	inbound := createInbound(t, model.VLESS, `{"clients":[]}`)
	now := time.Now().UnixMilli()
	older := &model.Job{Id: uuid.New().String(), Status: model.JobCompleted, InboundId: inbound.Id, CreatedAt: now - 1000}
	newer := &model.Job{Id: uuid.New().String(), Status: model.JobFailed, InboundId: inbound.Id, CreatedAt: now}
	require.NoError(t, database.GetDB().Create(older).Error)
	require.NoError(t, database.GetDB().Create(newer).Error)

	queue := QueueService{}
	jobs, err := queue.List("")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, newer.Id, jobs[0].Id)

	jobs, err = queue.List(model.JobCompleted)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, older.Id, jobs[0].Id)
}

func TestFailedJobRecordsOneError(t *testing.T) {
	setup()
	defer teardown()

	// inbound deleted after submission: the processor fails the job with a
	// single error entry naming the unprocessed remainder
	job := &model.Job{
		Id:        uuid.New().String(),
		Status:    model.JobPending,
		InboundId: 9999,
		Template:  model.ClientTemplate{Prefix: "user"},
		Progress:  model.JobProgress{Total: 5},
		CreatedAt: time.Now().UnixMilli(),
	}
	require.NoError(t, database.GetDB().Create(job).Error)

	queue := QueueService{}
	jobWg.Add(1)
	queue.processJob(job.Id)

	stored, err := queue.Get(job.Id)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, stored.Status)
	require.Len(t, stored.Errors, 1)
	assert.Equal(t, "remaining:5", stored.Errors[0].Item)
	assert.Contains(t, stored.Errors[0].Reason, "not found")
}

func TestCancelPendingClaimedByProcessor(t *testing.T) {
	setup()
	defer teardown()

	inbound := createInbound(t, model.VLESS, `{"clients":[]}`)
	job := &model.Job{
		Id:        uuid.New().String(),
		Status:    model.JobPending,
		InboundId: inbound.Id,
		Progress:  model.JobProgress{Total: 100},
		CreatedAt: time.Now().UnixMilli(),
	}
	require.NoError(t, database.GetDB().Create(job).Error)

	queue := QueueService{}

	// the processor claims the job after Cancel loaded it as pending; the
	// stale copy exercises the losing side of the status race
	claimed, err := queue.Get(job.Id)
	require.NoError(t, err)
	require.NoError(t, queue.transition(claimed, model.JobPending, model.JobProcessing))

	stale := &model.Job{Id: job.Id, Status: model.JobPending, InboundId: inbound.Id}
	require.NoError(t, queue.cancelPending(stale))
	assert.True(t, cancelFlag(job.Id).Load())

	stored, err := queue.Get(job.Id)
	require.NoError(t, err)
	assert.Equal(t, model.JobProcessing, stored.Status)
	dropCancelFlag(job.Id)
}
