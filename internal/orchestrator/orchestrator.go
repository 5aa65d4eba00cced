// Package orchestrator implements the Orchestration Facade (C8): it starts
// and stops every other subsystem as one unit and exposes the operations
// outer adapters (CLI, HTTP, admin tooling — all out of scope here) call.
package orchestrator

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"melodee/audiotag/internal/broker"
	"melodee/audiotag/internal/config"
	"melodee/audiotag/internal/logging"
	"melodee/audiotag/internal/models"
	"melodee/audiotag/internal/predictorcache"
	"melodee/audiotag/internal/queue"
	"melodee/audiotag/internal/scanner"
	"melodee/audiotag/internal/store"
	"melodee/audiotag/internal/tagging"
	"melodee/audiotag/internal/workerloop"
	"melodee/audiotag/internal/workerpool"
)

var (
	ErrNotFound        = errors.New("orchestrator: not found")
	ErrInvalidArgument = errors.New("orchestrator: invalid argument")
)

// Orchestrator wires C1-C7 together and is the single entrypoint cmd/engine
// (or any future outer adapter) calls into.
type Orchestrator struct {
	cfg   *config.EngineConfig
	log   *logging.Logger
	st    *store.Store
	q     *queue.Queue
	b     *broker.Broker
	coord *workerpool.Coordinator
	pool  *workerloop.Pool
	scan  *scanner.Scanner
}

// New wires every component but does not start anything yet.
func New(cfg *config.EngineConfig, st *store.Store, spawn workerpool.Spawner, extractor tagging.Extractor, chromaprint scanner.ChromaprintFunc) *Orchestrator {
	b := broker.New()
	q := queue.New(st)

	coord := workerpool.New(cfg.Worker.Count, spawn, cfg.Worker.JobTimeout, brokerHealthAdapter{b})

	pool := workerloop.NewPool(cfg.Worker.Count, q, st, coord, b,
		cfg.Worker.PollInterval, cfg.Worker.IdleWaitTimeout, cfg.Worker.IdleWaitInterval)

	tagCfg := tagging.Config{
		Namespace:            cfg.Tagging.Namespace,
		VersionTagKey:        cfg.Tagging.VersionTagKey,
		TaggerVersion:        cfg.Tagging.TaggerVersion,
		MP4FreeformBlocklist: cfg.Tagging.MP4FreeformBlocklist,
	}
	sc := scanner.New(st, cfg.Scanner.AudioExtensions, extractor, tagCfg, cfg.Tagging.TaggerVersion, chromaprint, b)

	return &Orchestrator{
		cfg: cfg, log: logging.Global(), st: st, q: q, b: b,
		coord: coord, pool: pool, scan: sc,
	}
}

// Queue exposes the underlying Job Queue to sibling processes (the
// maintenance scheduler) that need it without duplicating its wiring.
func (o *Orchestrator) Queue() *queue.Queue { return o.q }

// brokerHealthAdapter adapts *broker.Broker to workerpool.Publisher without
// workerpool importing broker directly (keeping C4 decoupled from C3's
// concrete type, per spec §4.4's "optional reference" wording).
type brokerHealthAdapter struct{ b *broker.Broker }

func (a brokerHealthAdapter) UpdateHealth(status, lastError string) { a.b.UpdateHealth(status, lastError) }

// Start brings the engine up in the order spec §4.8 mandates: store is
// assumed already open by the caller; from here it's crash recovery,
// predictor warmup (optional, child-process-local in production), broker,
// pool, then N worker loops.
func (o *Orchestrator) Start(ctx context.Context) error {
	if _, err := o.q.ResetRunningToPending(); err != nil {
		return fmt.Errorf("resetting orphaned running jobs: %w", err)
	}

	o.coord.Start()
	o.pool.Start(ctx)

	if _, _, err := o.st.GetMeta(models.MetaWorkerEnabled); err != nil {
		return fmt.Errorf("reading worker_enabled flag: %w", err)
	}

	o.log.Info().Int("workers", o.cfg.Worker.Count).Msg("engine started")
	return nil
}

// Stop shuts the engine down in reverse order: pause intake, wait for
// in-flight work to drain (bounded), join worker loops, stop the pool.
// Broker subscribers are not dropped: their event channels stay open. The
// store itself is closed by the caller.
func (o *Orchestrator) Stop() {
	_ = o.st.SetMeta(models.MetaWorkerEnabled, "false")
	o.pool.WaitUntilIdle(o.cfg.Worker.DrainTimeout)
	o.pool.StopAll(10 * time.Second)
	o.coord.Stop()
	o.log.Info().Msg("engine stopped")
}

// EnqueueResult mirrors the facade operation's return shape.
type EnqueueResult struct {
	JobIDs      []int64
	FilesQueued int
	QueueDepth  int64
}

// Enqueue submits paths for tagging, expanding directories to audio files
// when recursive is true and rejecting anything that doesn't look like an
// audio file otherwise.
func (o *Orchestrator) Enqueue(paths []string, force, recursive bool) (EnqueueResult, error) {
	var resolved []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return EnqueueResult{}, fmt.Errorf("%w: stat %s: %v", ErrInvalidArgument, p, err)
		}
		if info.IsDir() {
			if !recursive {
				return EnqueueResult{}, fmt.Errorf("%w: %s is a directory (recursive=false)", ErrInvalidArgument, p)
			}
			found, err := walkAudioFiles(p, o.cfg.Scanner.AudioExtensions)
			if err != nil {
				return EnqueueResult{}, fmt.Errorf("expanding directory %s: %w", p, err)
			}
			resolved = append(resolved, found...)
			continue
		}
		if !hasAudioExt(p, o.cfg.Scanner.AudioExtensions) {
			return EnqueueResult{}, fmt.Errorf("%w: %s is not a recognized audio file", ErrInvalidArgument, p)
		}
		resolved = append(resolved, p)
	}

	ids := make([]int64, 0, len(resolved))
	for _, p := range resolved {
		id, err := o.q.Add(p, force)
		if err != nil {
			return EnqueueResult{}, err
		}
		ids = append(ids, id)
		o.b.UpdateJobState(id, string(models.JobPending), p)
	}

	depth, err := o.q.Depth()
	if err != nil {
		return EnqueueResult{}, err
	}
	return EnqueueResult{JobIDs: ids, FilesQueued: len(ids), QueueDepth: depth}, nil
}

func walkAudioFiles(root string, extensions []string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if hasAudioExt(path, extensions) {
			out = append(out, path)
		}
		return nil
	})
	return out, err
}

func hasAudioExt(path string, extensions []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// StatusResult is GetStatus's return shape.
type StatusResult struct {
	Pending   int64
	Running   int64
	Completed int64
	Errors    int64
}

func (o *Orchestrator) GetStatus() (StatusResult, error) {
	c, err := o.st.QueueStats()
	if err != nil {
		return StatusResult{}, err
	}
	return StatusResult{Pending: c.Pending, Running: c.Running, Completed: c.Completed, Errors: c.Errors}, nil
}

// RemoveFilter selects which jobs RemoveJobs targets.
type RemoveFilter struct {
	ID     *int64
	Status *models.JobStatus
	All    bool
}

// RemoveJobs deletes jobs matching the filter. Running jobs are never
// removed by this path; callers must Pause first if they truly need to
// clear in-flight work.
func (o *Orchestrator) RemoveJobs(f RemoveFilter) (int64, error) {
	switch {
	case f.ID != nil:
		job, err := o.q.Get(*f.ID)
		if err != nil {
			return 0, err
		}
		if job == nil {
			return 0, fmt.Errorf("%w: job %d", ErrNotFound, *f.ID)
		}
		if job.Status == models.JobRunning {
			return 0, fmt.Errorf("%w: job %d is running", ErrInvalidArgument, *f.ID)
		}
		n, err := o.st.CountAndDelete(&models.Job{}, "id = ?", *f.ID)
		if err == nil && n > 0 {
			o.b.RemoveJob(*f.ID)
		}
		return n, err
	case f.Status != nil:
		if *f.Status == models.JobRunning {
			return 0, fmt.Errorf("%w: cannot remove running jobs", ErrInvalidArgument)
		}
		return o.q.Flush([]models.JobStatus{*f.Status})
	case f.All:
		return o.q.Flush([]models.JobStatus{models.JobDone, models.JobError, models.JobPending})
	default:
		return 0, fmt.Errorf("%w: must specify id, status, or all", ErrInvalidArgument)
	}
}

// ResetFilter selects which jobs ResetJobs targets back to pending.
type ResetFilter struct {
	Stuck  bool // running -> pending
	Errors bool // error -> pending
}

func (o *Orchestrator) ResetJobs(f ResetFilter) (int64, error) {
	var total int64
	if f.Stuck {
		n, err := o.q.ResetRunningToPending()
		if err != nil {
			return total, err
		}
		total += n
	}
	if f.Errors {
		n, err := o.q.ResetErrors()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// CleanupOld deletes terminal jobs older than maxAge.
func (o *Orchestrator) CleanupOld(maxAge time.Duration) (int64, error) {
	threshold := time.Now().Add(-maxAge).UnixMilli()
	return o.q.CleanupOld(threshold)
}

// Subscribe delegates to the State Broker.
func (o *Orchestrator) Subscribe(patterns []string) broker.Subscription {
	return o.b.Subscribe(patterns)
}

func (o *Orchestrator) Unsubscribe(clientID string) {
	o.b.Unsubscribe(clientID)
}

// StartScan runs a full scan of libraryID, or of every known library when
// libraryID is nil.
func (o *Orchestrator) StartScan(libraryID *int32) (map[int32]scanner.Result, error) {
	var libs []models.Library
	q := o.st.DB()
	if libraryID != nil {
		q = q.Where("id = ?", *libraryID)
	}
	if err := q.Find(&libs).Error; err != nil {
		return nil, fmt.Errorf("listing libraries for scan: %w", err)
	}
	if len(libs) == 0 {
		return nil, fmt.Errorf("%w: no matching library", ErrNotFound)
	}

	results := make(map[int32]scanner.Result, len(libs))
	for _, lib := range libs {
		res, err := o.scan.Scan(lib.ID, nil, true)
		if err != nil {
			return results, fmt.Errorf("scanning library %d: %w", lib.ID, err)
		}
		results[lib.ID] = res
	}
	return results, nil
}

// Pause disables worker intake and waits for in-flight jobs to drain.
func (o *Orchestrator) Pause() (bool, error) {
	return o.pool.Disable()
}

// Resume re-enables worker intake.
func (o *Orchestrator) Resume() error {
	return o.pool.Enable()
}

// SetAdminPassword stores a salted SHA-256 hash of password, matching
// spec §6's literal "admin_password_hash" algorithm choice.
func (o *Orchestrator) SetAdminPassword(password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	return o.st.SetMeta(models.MetaAdminPasswordHash, hash)
}

// VerifyAdminPassword checks password against the stored hash.
func (o *Orchestrator) VerifyAdminPassword(password string) (bool, error) {
	stored, ok, err := o.st.GetMeta(models.MetaAdminPasswordHash)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return VerifyPassword(password, stored)
}

// RotateInternalKey regenerates the internal coordination key used for
// emergency CLI recovery (spec §4.8/§9 admin operations).
func (o *Orchestrator) RotateInternalKey() (string, error) {
	key, err := randomHex(32)
	if err != nil {
		return "", err
	}
	if err := o.st.SetMeta(models.MetaInternalKey, key); err != nil {
		return "", err
	}
	return key, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating random key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashPassword computes a salted SHA-256 hash in "salt:hexdigest" form.
func HashPassword(password string) (string, error) {
	salt, err := randomHex(16)
	if err != nil {
		return "", err
	}
	return salt + ":" + hashWithSalt(password, salt), nil
}

// VerifyPassword checks password against a "salt:hexdigest" stored hash.
func VerifyPassword(password, stored string) (bool, error) {
	parts := strings.SplitN(stored, ":", 2)
	if len(parts) != 2 {
		return false, fmt.Errorf("malformed stored password hash")
	}
	salt, digest := parts[0], parts[1]
	return hashWithSalt(password, salt) == digest, nil
}

func hashWithSalt(password, salt string) string {
	sum := sha256.Sum256([]byte(salt + password))
	return hex.EncodeToString(sum[:])
}

// PredictorIdleSweep runs one idle-eviction check on a process-local
// predictor cache (spec §4.2/§5: the cache is never shared across
// processes). Nothing in this repository calls it; the bundled tagworker
// holds no predictor cache.
func PredictorIdleSweep(cache *predictorcache.Cache) bool {
	return cache.CheckAndEvictIfIdle()
}
