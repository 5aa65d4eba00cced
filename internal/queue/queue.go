// Package queue implements the Job Queue (C5): a thin, transactional API
// over the durable store's queue table, guaranteeing exactly-one-claim
// semantics for Start and honest pagination totals for List.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"melodee/audiotag/internal/models"
	"melodee/audiotag/internal/store"
)

type Queue struct {
	st *store.Store
}

func New(st *store.Store) *Queue { return &Queue{st: st} }

// Add inserts a new pending job. The same path may be enqueued more than
// once; each call creates a distinct job.
func (q *Queue) Add(path string, force bool) (int64, error) {
	job := models.Job{
		Path:      path,
		Status:    models.JobPending,
		Force:     force,
		CreatedAt: models.NowMs(),
	}
	if err := q.st.DB().Create(&job).Error; err != nil {
		return 0, fmt.Errorf("adding job: %w", err)
	}
	return job.ID, nil
}

// Get returns the job, or (nil, nil) if it does not exist.
func (q *Queue) Get(id int64) (*models.Job, error) {
	var job models.Job
	err := q.st.DB().First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting job %d: %w", id, err)
	}
	return &job, nil
}

// List returns a page of jobs (optionally filtered by status) plus the
// total count over the same filter, computed by a separate COUNT so
// pagination never lies.
func (q *Queue) List(limit, offset int, status *models.JobStatus) ([]models.Job, int64, error) {
	if status != nil {
		switch *status {
		case models.JobPending, models.JobRunning, models.JobDone, models.JobError:
		default:
			return nil, 0, fmt.Errorf("%w: unknown status %q", store.ErrInvalidArgument, *status)
		}
	}

	tx := q.st.DB().Model(&models.Job{})
	if status != nil {
		tx = tx.Where("status = ?", *status)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting jobs: %w", err)
	}

	var jobs []models.Job
	if err := tx.Order("id asc").Limit(limit).Offset(offset).Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("listing jobs: %w", err)
	}
	return jobs, total, nil
}

// Depth returns the count of pending+running jobs.
func (q *Queue) Depth() (int64, error) {
	var n int64
	err := q.st.DB().Model(&models.Job{}).
		Where("status IN ?", []models.JobStatus{models.JobPending, models.JobRunning}).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("computing queue depth: %w", err)
	}
	return n, nil
}

// Start is the claim primitive: it transitions exactly one pending job to
// running and returns it. The row-level conditional update
// (`status = 'pending'` in the WHERE clause, checked via RowsAffected)
// guarantees at most one caller wins the claim even under concurrent
// polling from multiple worker loops.
func (q *Queue) Start(id int64) (*models.Job, error) {
	now := models.NowMs()
	res := q.st.DB().Model(&models.Job{}).
		Where("id = ? AND status = ?", id, models.JobPending).
		Updates(map[string]interface{}{
			"status":        models.JobRunning,
			"started_at_ms": now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("starting job %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: job %d is not pending", store.ErrConflict, id)
	}
	return q.Get(id)
}

// ClaimNext atomically claims the oldest pending job, or returns (nil, nil)
// if the queue is empty. This is the primitive C6's poll loop calls.
func (q *Queue) ClaimNext() (*models.Job, error) {
	var candidate models.Job
	err := q.st.DB().Where("status = ?", models.JobPending).Order("id asc").First(&candidate).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding next pending job: %w", err)
	}

	job, err := q.Start(candidate.ID)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Another worker won the race between our SELECT and our UPDATE;
			// try again with the next oldest pending job.
			return q.ClaimNext()
		}
		return nil, err
	}
	return job, nil
}

// MarkDone transitions a running job to done, recording an optional result blob.
func (q *Queue) MarkDone(id int64, result interface{}) error {
	resultsJSON := ""
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshaling result for job %d: %w", id, err)
		}
		resultsJSON = string(b)
	}

	now := models.NowMs()
	res := q.st.DB().Model(&models.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        models.JobDone,
			"finished_at_ms": now,
			"results_json":  resultsJSON,
		})
	if res.Error != nil {
		return fmt.Errorf("marking job %d done: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: job %d", store.ErrNotFound, id)
	}
	return nil
}

// MarkError transitions a running job to error with the given message.
func (q *Queue) MarkError(id int64, message string) error {
	now := models.NowMs()
	res := q.st.DB().Model(&models.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":         models.JobError,
			"finished_at_ms": now,
			"error_message":  message,
		})
	if res.Error != nil {
		return fmt.Errorf("marking job %d error: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: job %d", store.ErrNotFound, id)
	}
	return nil
}

var terminalStatuses = map[models.JobStatus]bool{
	models.JobDone:  true,
	models.JobError: true,
}

// Flush deletes jobs in the given status set (done and error by default;
// pending is also accepted). Running jobs can never be flushed; unknown
// status names are rejected outright.
func (q *Queue) Flush(statuses []models.JobStatus) (int64, error) {
	if len(statuses) == 0 {
		statuses = []models.JobStatus{models.JobDone, models.JobError}
	}
	for _, s := range statuses {
		if s == models.JobRunning {
			return 0, fmt.Errorf("%w: cannot flush running jobs", store.ErrInvalidArgument)
		}
		if !terminalStatuses[s] && s != models.JobPending {
			return 0, fmt.Errorf("%w: unknown status %q", store.ErrInvalidArgument, s)
		}
	}

	return q.st.CountAndDelete(&models.Job{}, "status IN ?", statuses)
}

// ResetRunningToPending recovers crash-orphaned jobs on startup (or admin
// request): every row stuck in running goes back to pending.
func (q *Queue) ResetRunningToPending() (int64, error) {
	return q.st.CountAndUpdate(&models.Job{},
		map[string]interface{}{
			"status":         models.JobPending,
			"started_at_ms":  nil,
			"error_message":  "",
		},
		"status = ?", models.JobRunning,
	)
}

// ResetErrors transitions every errored job back to pending for a retry.
func (q *Queue) ResetErrors() (int64, error) {
	return q.st.CountAndUpdate(&models.Job{},
		map[string]interface{}{
			"status":        models.JobPending,
			"started_at_ms": nil,
			"finished_at_ms": nil,
			"error_message": "",
		},
		"status = ?", models.JobError,
	)
}

// CleanupOld deletes terminal jobs whose finished_at is older than the threshold.
func (q *Queue) CleanupOld(olderThanMs int64) (int64, error) {
	return q.st.CountAndDelete(&models.Job{},
		"status IN ? AND finished_at_ms < ?",
		[]models.JobStatus{models.JobDone, models.JobError}, olderThanMs,
	)
}

// RunningCount reports how many job rows currently claim status=running,
// the store-side half of the dual-condition idle wait (§4.8).
func (q *Queue) RunningCount() (int64, error) {
	var n int64
	err := q.st.DB().Model(&models.Job{}).Where("status = ?", models.JobRunning).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("counting running jobs: %w", err)
	}
	return n, nil
}
