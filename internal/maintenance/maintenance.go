// Package maintenance schedules the engine's periodic housekeeping —
// predictor-cache idle eviction and old-job cleanup — on top of
// github.com/hibiken/asynq, the same scheduler/server pairing the teacher
// repo uses for its staging cron (src/worker/main.go).
package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"melodee/audiotag/internal/logging"
	"melodee/audiotag/internal/predictorcache"
	"melodee/audiotag/internal/queue"
	"melodee/audiotag/internal/scanner"
	"melodee/audiotag/internal/store"
)

const (
	TypePredictorSweep = "maintenance:predictor_sweep"
	TypeJobCleanup      = "maintenance:job_cleanup"
	TypeTagCleanup      = "maintenance:tag_cleanup"
)

// Scheduler periodically enqueues the engine's maintenance tasks onto Redis
// via asynq; a paired asynq.Server (started alongside) executes them.
type Scheduler struct {
	redisOpt asynq.RedisClientOpt
	sched    *asynq.Scheduler
	srv      *asynq.Server
	log      *logging.Logger
}

// Config carries the cadences for each maintenance task; a zero Duration
// disables that task.
type Config struct {
	RedisAddr            string
	PredictorSweepEvery  time.Duration
	JobCleanupEvery       time.Duration
	JobCleanupMaxAge      time.Duration
	TagCleanupEvery       time.Duration
}

// New wires a scheduler and a single-queue server against cache (may be
// nil if this process never loads predictors), q, and the store's tag
// cleanup.
func New(cfg Config, cache *predictorcache.Cache, q *queue.Queue, st *store.Store) *Scheduler {
	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr}

	sched := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{LogLevel: asynq.WarnLevel})
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Queues:      map[string]int{"maintenance": 1},
		Concurrency: 1,
	})

	s := &Scheduler{redisOpt: redisOpt, sched: sched, srv: srv, log: logging.Global()}

	if cfg.PredictorSweepEvery > 0 && cache != nil {
		registerEvery(sched, cfg.PredictorSweepEvery, TypePredictorSweep, nil, s.log)
	}
	if cfg.JobCleanupEvery > 0 {
		payload, _ := json.Marshal(map[string]int64{"max_age_ms": cfg.JobCleanupMaxAge.Milliseconds()})
		registerEvery(sched, cfg.JobCleanupEvery, TypeJobCleanup, payload, s.log)
	}
	if cfg.TagCleanupEvery > 0 {
		registerEvery(sched, cfg.TagCleanupEvery, TypeTagCleanup, nil, s.log)
	}

	return s
}

// registerEvery registers a task on a fixed-interval "@every" cron spec,
// matching the teacher's entry-ID naming convention for idempotent re-registration.
func registerEvery(sched *asynq.Scheduler, every time.Duration, taskType string, payload []byte, log *logging.Logger) {
	spec := fmt.Sprintf("@every %s", every.String())
	task := asynq.NewTask(taskType, payload)
	if _, err := sched.Register(spec, task, asynq.Queue("maintenance"), asynq.TaskID(taskType+"-periodic")); err != nil {
		log.Warn().Err(err).Str("task_type", taskType).Msg("failed to register maintenance task")
	}
}

// Mux builds the asynq.ServeMux the server runs, binding each task type to
// its handler closure over cache/q/st.
func Mux(cache *predictorcache.Cache, q *queue.Queue, st *store.Store, log *logging.Logger) *asynq.ServeMux {
	mux := asynq.NewServeMux()

	mux.HandleFunc(TypePredictorSweep, func(ctx context.Context, t *asynq.Task) error {
		if cache == nil {
			return nil
		}
		if cache.CheckAndEvictIfIdle() {
			log.Info().Msg("predictor cache evicted after idle timeout")
		}
		return nil
	})

	mux.HandleFunc(TypeJobCleanup, func(ctx context.Context, t *asynq.Task) error {
		var payload struct {
			MaxAgeMs int64 `json:"max_age_ms"`
		}
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("decoding job cleanup payload: %w", err)
		}
		threshold := time.Now().Add(-time.Duration(payload.MaxAgeMs) * time.Millisecond).UnixMilli()
		n, err := q.CleanupOld(threshold)
		if err != nil {
			return fmt.Errorf("cleaning up old jobs: %w", err)
		}
		log.Info().Int64("removed", n).Msg("cleaned up old terminal jobs")
		return nil
	})

	mux.HandleFunc(TypeTagCleanup, func(ctx context.Context, t *asynq.Task) error {
		n, err := scanner.CleanupOrphanedTags(st.DB())
		if err != nil {
			return fmt.Errorf("cleaning up orphaned tags: %w", err)
		}
		log.Info().Int64("removed", n).Msg("cleaned up orphaned tag definitions")
		return nil
	})

	return mux
}

// Start launches the scheduler and server goroutines. Callers should defer Stop.
func (s *Scheduler) Start(mux *asynq.ServeMux) error {
	if err := s.sched.Start(); err != nil {
		return fmt.Errorf("starting maintenance scheduler: %w", err)
	}
	go func() {
		if err := s.srv.Run(mux); err != nil {
			s.log.Error().Err(err).Msg("maintenance server stopped")
		}
	}()
	return nil
}

// Stop shuts both the scheduler and server down.
func (s *Scheduler) Stop() {
	s.sched.Shutdown()
	s.srv.Shutdown()
}
