package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/suPer8Hu/storyteller/internal/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Queue is the durable story job table. Claims use a compare-and-swap
// update, so any number of workers may poll it concurrently.
type Queue struct {
	db         *gorm.DB
	staleAfter time.Duration
	heartbeat  time.Duration
	log        *zap.Logger
	now        func() time.Time
}

func NewQueue(db *gorm.DB, cfg Config, log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	hb := cfg.HeartbeatInterval
	if hb <= 0 {
		hb = DefaultHeartbeatInterval
	}
	return &Queue{
		db:         db,
		staleAfter: StaleThreshold(cfg.StaleAfter, cfg.AudioTimeout),
		heartbeat:  hb,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (q *Queue) StaleAfter() time.Duration { return q.staleAfter }

func (q *Queue) Enqueue(ctx context.Context, storyID, userID string) (*Job, error) {
	now := q.now()
	j := &Job{
		ID:        common.NewULID(),
		StoryID:   storyID,
		UserID:    userID,
		Status:    JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.db.WithContext(ctx).Create(j).Error; err != nil {
		return nil, err
	}
	return j, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := q.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// ClaimNext takes the oldest pending job, or failing that the
// longest-silent stale processing job. It returns nil when nothing is
// claimable or another worker won the race.
func (q *Queue) ClaimNext(ctx context.Context, onlyStoryID string) (*Job, error) {
	cand, err := q.oldest(ctx, onlyStoryID, JobPending, "created_at ASC", time.Time{})
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	if cand == nil {
		cutoff := q.now().Add(-q.staleAfter)
		cand, err = q.oldest(ctx, onlyStoryID, JobProcessing, "updated_at ASC", cutoff)
		if err != nil {
			return nil, fmt.Errorf("list stale jobs: %w", err)
		}
	}
	if cand == nil {
		return nil, nil
	}
	return q.claim(ctx, cand)
}

func (q *Queue) oldest(ctx context.Context, onlyStoryID string, status JobStatus, order string, staleBefore time.Time) (*Job, error) {
	tx := q.db.WithContext(ctx).Where("status = ?", status)
	if onlyStoryID != "" {
		tx = tx.Where("story_id = ?", onlyStoryID)
	}
	if !staleBefore.IsZero() {
		tx = tx.Where("updated_at < ?", staleBefore)
	}
	var j Job
	err := tx.Order(order).First(&j).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// claim moves the observed candidate to processing. The update matches on
// the observed status and attempts, so of several workers holding the same
// snapshot exactly one affects a row.
func (q *Queue) claim(ctx context.Context, cand *Job) (*Job, error) {
	now := q.now()
	var lastError *string
	if cand.Status == JobProcessing {
		msg := fmt.Sprintf("retrying stale job (%s)", now.Format(time.RFC3339))
		lastError = &msg
	}

	res := q.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ? AND attempts = ?", cand.ID, cand.Status, cand.Attempts).
		Updates(map[string]any{
			"status":     JobProcessing,
			"attempts":   cand.Attempts + 1,
			"updated_at": now,
			"last_error": lastError,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("claim job %s: %w", cand.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	source := "pending"
	if cand.Status == JobProcessing {
		source = "stale"
		q.log.Warn("reclaiming stale job", zap.String("job_id", cand.ID), zap.Time("last_seen", cand.UpdatedAt))
	}
	jobClaims.WithLabelValues(source).Inc()

	claimed := *cand
	claimed.Status = JobProcessing
	claimed.Attempts = cand.Attempts + 1
	claimed.UpdatedAt = now
	claimed.LastError = lastError
	return &claimed, nil
}

// Heartbeat refreshes a processing job's timestamp. It is a no-op once the
// job has left processing.
func (q *Queue) Heartbeat(ctx context.Context, jobID string) error {
	return q.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", jobID, JobProcessing).
		Update("updated_at", q.now()).Error
}

// StartHeartbeat refreshes the job every heartbeat interval until the
// returned stop func is called. No heartbeat is written after stop returns.
func (q *Queue) StartHeartbeat(ctx context.Context, jobID string) (stop func()) {
	hctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(q.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-ticker.C:
				if err := q.Heartbeat(hctx, jobID); err != nil && hctx.Err() == nil {
					q.log.Warn("job heartbeat failed", zap.String("job_id", jobID), zap.Error(err))
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
}

func (q *Queue) MarkCompleted(ctx context.Context, jobID string) error {
	return q.setStatus(ctx, jobID, JobCompleted, nil)
}

func (q *Queue) MarkFailed(ctx context.Context, jobID, msg string) error {
	return q.setStatus(ctx, jobID, JobError, &msg)
}

// MarkPending requeues the job, e.g. while an external task is still running.
func (q *Queue) MarkPending(ctx context.Context, jobID, reason string) error {
	var r *string
	if reason != "" {
		r = &reason
	}
	return q.setStatus(ctx, jobID, JobPending, r)
}

func (q *Queue) setStatus(ctx context.Context, jobID string, status JobStatus, lastError *string) error {
	err := q.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"status":     status,
			"updated_at": q.now(),
			"last_error": lastError,
		}).Error
	if err != nil {
		return fmt.Errorf("set job %s %s: %w", jobID, status, err)
	}
	return nil
}

// OldestOpenForUser returns the user's oldest pending job, else the
// processing job that has been silent longest, else nil.
func (q *Queue) OldestOpenForUser(ctx context.Context, userID string) (*Job, error) {
	for _, s := range []struct {
		status JobStatus
		order  string
	}{
		{JobPending, "created_at ASC"},
		{JobProcessing, "updated_at ASC"},
	} {
		var j Job
		err := q.db.WithContext(ctx).
			Where("user_id = ? AND status = ?", userID, s.status).
			Order(s.order).
			First(&j).Error
		if err == nil {
			return &j, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return nil, nil
}
