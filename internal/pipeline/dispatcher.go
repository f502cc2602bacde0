package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/eventphoto/photo-pipeline/internal/metrics"
	"github.com/eventphoto/photo-pipeline/internal/model"
	taskrepo "github.com/eventphoto/photo-pipeline/internal/repository/task"
)

// Processor derives one artifact kind from an image's original bytes and
// writes back the fields that kind owns.
type Processor interface {
	Kind() model.TaskKind
	Process(ctx context.Context, t model.ProcessingTask) error
}

// taskStore is the processing record store as the dispatcher sees it.
type taskStore interface {
	Upsert(ctx context.Context, imageID uuid.UUID, kind model.TaskKind, force bool) (model.ProcessingTask, error)
	ClaimNext(ctx context.Context) (model.ProcessingTask, error)
	MarkSucceeded(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error
	Reschedule(ctx context.Context, id uuid.UUID, lastError string, runAt time.Time) error
	ReclaimStale(ctx context.Context, age time.Duration) (int64, error)
}

// stateTransitionTimeout bounds the post-execution status write. It runs on a
// context detached from shutdown so a claimed row always leaves running.
const stateTransitionTimeout = 10 * time.Second

// stateContext derives a bounded context for a task status write that
// survives cancellation of ctx.
func stateContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), stateTransitionTimeout)
}

// Config bounds the worker pool and the retry policy.
type Config struct {
	Workers         int
	PollInterval    time.Duration
	TaskTimeout     time.Duration
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	ReclaimInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5 * time.Minute
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = 30 * time.Second
	}
	return c
}

// Dispatcher accepts task-enqueue requests and runs a fixed pool of workers
// that claim pending tasks, execute the matching processor under a wall-clock
// budget, and apply a uniform retry policy on transient failures.
type Dispatcher struct {
	store      taskStore
	processors map[model.TaskKind]Processor
	cfg        Config
}

// New creates a Dispatcher over the given store and processors.
func New(store taskStore, processors []Processor, cfg Config) *Dispatcher {
	byKind := make(map[model.TaskKind]Processor, len(processors))
	for _, p := range processors {
		byKind[p.Kind()] = p
	}

	return &Dispatcher{
		store:      store,
		processors: byKind,
		cfg:        cfg.withDefaults(),
	}
}

// Enqueue inserts or resets the task for (imageID, kind) to pending.
// Re-enqueuing an already succeeded task without force returns
// taskrepo.ErrAlreadySucceeded; a currently running task is returned
// untouched so the worker executing it stays the only runner.
func (d *Dispatcher) Enqueue(ctx context.Context, imageID uuid.UUID, kind model.TaskKind, force bool) (model.ProcessingTask, error) {
	t, err := d.store.Upsert(ctx, imageID, kind, force)
	if err != nil {
		return model.ProcessingTask{}, err
	}

	zlog.Logger.Info().
		Str("image_id", imageID.String()).
		Str("kind", string(kind)).
		Msg("task enqueued")

	return t, nil
}

// EnqueuePipeline enqueues all four task kinds for a newly uploaded image and
// returns immediately. Kinds that already succeeded are skipped silently, so
// the call is safe to repeat.
func (d *Dispatcher) EnqueuePipeline(ctx context.Context, imageID uuid.UUID) error {
	for _, kind := range model.AllTaskKinds {
		if _, err := d.Enqueue(ctx, imageID, kind, false); err != nil {
			if errors.Is(err, taskrepo.ErrAlreadySucceeded) {
				continue
			}

			return fmt.Errorf("enqueue pipeline: %w", err)
		}
	}

	return nil
}

// Run starts the worker pool and the stale-task reclaimer, blocking the
// started goroutines until ctx is canceled. The WaitGroup is released once
// every goroutine has drained.
func (d *Dispatcher) Run(ctx context.Context, wg *sync.WaitGroup) {
	zlog.Logger.Info().Int("workers", d.cfg.Workers).Msg("starting dispatcher")

	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go d.worker(ctx, i, wg)
	}

	wg.Add(1)
	go d.reclaimer(ctx, wg)
}

// reclaimer periodically requeues running tasks whose last update is well
// past the task timeout. Such rows belong to a worker that died mid-task
// (crash, power loss); without this they would stay running forever, since
// ClaimNext only selects pending rows.
func (d *Dispatcher) reclaimer(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(d.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n, err := d.store.ReclaimStale(ctx, 2*d.cfg.TaskTimeout)
		if err != nil {
			if ctx.Err() == nil {
				zlog.Logger.Err(err).Msg("failed to reclaim stale tasks")
			}
			continue
		}

		if n > 0 {
			zlog.Logger.Warn().Int64("tasks", n).Msg("requeued stale running tasks")
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context, n int, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		if ctx.Err() != nil {
			zlog.Logger.Info().Int("worker", n).Msg("shutdown signal received, stopping worker")
			return
		}

		t, err := d.store.ClaimNext(ctx)
		if err != nil {
			if !errors.Is(err, taskrepo.ErrNoTask) && ctx.Err() == nil {
				zlog.Logger.Err(err).Int("worker", n).Msg("failed to claim task")
			}

			select {
			case <-ctx.Done():
			case <-time.After(d.cfg.PollInterval):
			}
			continue
		}

		d.runTask(ctx, t)
	}
}

// runTask executes one claimed task and transitions it to its next state.
func (d *Dispatcher) runTask(ctx context.Context, t model.ProcessingTask) {
	log := zlog.Logger.With().
		Str("task_id", t.ID.String()).
		Str("image_id", t.ImageID.String()).
		Str("kind", string(t.Kind)).
		Int("attempt", t.AttemptCount).
		Logger()

	proc, ok := d.processors[t.Kind]
	if !ok {
		log.Error().Msg("no processor registered for task kind")
		failCtx, cancelFail := stateContext(ctx)
		d.markFailed(failCtx, t, fmt.Errorf("no processor registered for kind %s", t.Kind))
		cancelFail()
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, d.cfg.TaskTimeout)
	start := time.Now()
	err := proc.Process(taskCtx, t)
	cancel()

	metrics.TaskDuration.WithLabelValues(string(t.Kind)).Observe(time.Since(start).Seconds())

	// Status writes run detached from ctx: shutdown cancels Process, and the
	// resulting transient error must still reach Reschedule or the row stays
	// running forever.
	stateCtx, cancelState := stateContext(ctx)
	defer cancelState()

	if err == nil {
		if err := d.store.MarkSucceeded(stateCtx, t.ID); err != nil {
			log.Err(err).Msg("failed to mark task succeeded")
			return
		}

		metrics.TasksSucceeded.WithLabelValues(string(t.Kind)).Inc()
		log.Info().Msg("task succeeded")
		return
	}

	if IsPermanent(err) {
		log.Err(err).Msg("task failed permanently")
		d.markFailed(stateCtx, t, err)
		return
	}

	// Transient failure: retry while the attempt budget allows it.
	if t.AttemptCount >= d.cfg.MaxAttempts {
		log.Err(err).Msg("task failed, attempt budget exhausted")
		d.markFailed(stateCtx, t, err)
		return
	}

	delay := d.backoff(t.AttemptCount)
	if err := d.store.Reschedule(stateCtx, t.ID, err.Error(), time.Now().Add(delay)); err != nil {
		log.Err(err).Msg("failed to reschedule task")
		return
	}

	metrics.TasksRetried.WithLabelValues(string(t.Kind)).Inc()
	log.Warn().Dur("delay", delay).Msg("task failed transiently, re-enqueued")
}

func (d *Dispatcher) markFailed(ctx context.Context, t model.ProcessingTask, cause error) {
	if err := d.store.MarkFailed(ctx, t.ID, cause.Error()); err != nil {
		zlog.Logger.Err(err).Str("task_id", t.ID.String()).Msg("failed to mark task failed")
		return
	}

	metrics.TasksFailed.WithLabelValues(string(t.Kind)).Inc()
}

// backoff returns the exponential re-enqueue delay for a failed attempt:
// base doubled per attempt, capped.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := d.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.cfg.BackoffCap {
			return d.cfg.BackoffCap
		}
	}

	if delay > d.cfg.BackoffCap {
		delay = d.cfg.BackoffCap
	}

	return delay
}
