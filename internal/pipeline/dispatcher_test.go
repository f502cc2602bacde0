package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/zlog"

	"github.com/eventphoto/photo-pipeline/internal/model"
	taskrepo "github.com/eventphoto/photo-pipeline/internal/repository/task"
)

func TestMain(m *testing.M) {
	zlog.Init()
	os.Exit(m.Run())
}

// memTaskStore mirrors the SQL repository's semantics in memory: unique
// (image, kind) rows, conditional reset on upsert, claim increments the
// attempt counter.
type memTaskStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*model.ProcessingTask
}

func newMemTaskStore() *memTaskStore {
	return &memTaskStore{tasks: map[uuid.UUID]*model.ProcessingTask{}}
}

func (s *memTaskStore) Upsert(_ context.Context, imageID uuid.UUID, kind model.TaskKind, force bool) (model.ProcessingTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tasks {
		if t.ImageID != imageID || t.Kind != kind {
			continue
		}

		if t.Status == model.StatusSucceeded && !force {
			return model.ProcessingTask{}, taskrepo.ErrAlreadySucceeded
		}
		if t.Status == model.StatusRunning && !force {
			return *t, nil
		}

		t.Status = model.StatusPending
		t.AttemptCount = 0
		t.LastError = ""
		t.RunAt = time.Now()
		t.UpdatedAt = time.Now()
		return *t, nil
	}

	t := &model.ProcessingTask{
		ID:        uuid.New(),
		ImageID:   imageID,
		Kind:      kind,
		Status:    model.StatusPending,
		RunAt:     time.Now(),
		UpdatedAt: time.Now(),
	}
	s.tasks[t.ID] = t

	return *t, nil
}

func (s *memTaskStore) ClaimNext(_ context.Context) (model.ProcessingTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var next *model.ProcessingTask
	for _, t := range s.tasks {
		if t.Status != model.StatusPending || t.RunAt.After(now) {
			continue
		}
		if next == nil || t.RunAt.Before(next.RunAt) {
			next = t
		}
	}

	if next == nil {
		return model.ProcessingTask{}, taskrepo.ErrNoTask
	}

	next.Status = model.StatusRunning
	next.AttemptCount++
	next.UpdatedAt = now
	return *next, nil
}

func (s *memTaskStore) ReclaimStale(_ context.Context, age time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-age)
	var n int64
	for _, t := range s.tasks {
		if t.Status == model.StatusRunning && t.UpdatedAt.Before(cutoff) {
			t.Status = model.StatusPending
			t.RunAt = time.Now()
			t.UpdatedAt = time.Now()
			n++
		}
	}

	return n, nil
}

func (s *memTaskStore) MarkSucceeded(_ context.Context, id uuid.UUID) error {
	return s.set(id, model.StatusSucceeded, "")
}

func (s *memTaskStore) MarkFailed(_ context.Context, id uuid.UUID, lastError string) error {
	return s.set(id, model.StatusFailed, lastError)
}

func (s *memTaskStore) Reschedule(_ context.Context, id uuid.UUID, lastError string, runAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return errors.New("task not found")
	}

	t.Status = model.StatusPending
	t.LastError = lastError
	t.RunAt = runAt
	t.UpdatedAt = time.Now()
	return nil
}

func (s *memTaskStore) set(id uuid.UUID, status model.TaskStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return errors.New("task not found")
	}

	t.Status = status
	t.LastError = lastError
	t.UpdatedAt = time.Now()
	return nil
}

// backdate rewinds a task's last update, simulating a row left behind by a
// worker that stopped reporting.
func (s *memTaskStore) backdate(id uuid.UUID, age time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tasks[id]; ok {
		t.UpdatedAt = time.Now().Add(-age)
	}
}

func (s *memTaskStore) get(imageID uuid.UUID, kind model.TaskKind) (model.ProcessingTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tasks {
		if t.ImageID == imageID && t.Kind == kind {
			return *t, true
		}
	}

	return model.ProcessingTask{}, false
}

func (s *memTaskStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.tasks)
}

// funcProcessor adapts a function to the Processor interface.
type funcProcessor struct {
	kind model.TaskKind
	fn   func(ctx context.Context, t model.ProcessingTask) error
}

func (p *funcProcessor) Kind() model.TaskKind { return p.kind }

func (p *funcProcessor) Process(ctx context.Context, t model.ProcessingTask) error {
	return p.fn(ctx, t)
}

// testConfig keeps delays tiny so retries resolve within the test run. The
// reclaim interval is long so reclaiming only happens when a test asks for it.
func testConfig() Config {
	return Config{
		Workers:         1,
		PollInterval:    time.Millisecond,
		TaskTimeout:     time.Second,
		MaxAttempts:     3,
		BackoffBase:     time.Millisecond,
		BackoffCap:      10 * time.Millisecond,
		ReclaimInterval: time.Hour,
	}
}

// runDispatcher starts d and returns a stop func that blocks until the
// workers drain.
func runDispatcher(d *Dispatcher) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	d.Run(ctx, &wg)

	return func() {
		cancel()
		wg.Wait()
	}
}

func TestEnqueuePipelineFansOutAllKinds(t *testing.T) {
	store := newMemTaskStore()
	d := New(store, nil, testConfig())
	imageID := uuid.New()

	require.NoError(t, d.EnqueuePipeline(context.Background(), imageID))
	assert.Equal(t, len(model.AllTaskKinds), store.count())

	for _, kind := range model.AllTaskKinds {
		task, ok := store.get(imageID, kind)
		require.True(t, ok, "missing task for kind %s", kind)
		assert.Equal(t, model.StatusPending, task.Status)
		assert.Equal(t, 0, task.AttemptCount)
	}
}

func TestEnqueueIsIdempotent(t *testing.T) {
	store := newMemTaskStore()
	d := New(store, nil, testConfig())
	imageID := uuid.New()

	first, err := d.Enqueue(context.Background(), imageID, model.TaskThumbnail, false)
	require.NoError(t, err)

	second, err := d.Enqueue(context.Background(), imageID, model.TaskThumbnail, false)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "re-enqueue must reuse the existing row")
	assert.Equal(t, 1, store.count())
}

func TestEnqueueSucceededTask(t *testing.T) {
	store := newMemTaskStore()
	d := New(store, nil, testConfig())
	imageID := uuid.New()

	task, err := d.Enqueue(context.Background(), imageID, model.TaskThumbnail, false)
	require.NoError(t, err)
	require.NoError(t, store.MarkSucceeded(context.Background(), task.ID))

	// Without force the succeeded row is left untouched.
	_, err = d.Enqueue(context.Background(), imageID, model.TaskThumbnail, false)
	assert.ErrorIs(t, err, taskrepo.ErrAlreadySucceeded)

	// Force resets it for reprocessing.
	reset, err := d.Enqueue(context.Background(), imageID, model.TaskThumbnail, true)
	require.NoError(t, err)
	assert.Equal(t, task.ID, reset.ID)
	assert.Equal(t, model.StatusPending, reset.Status)
	assert.Equal(t, 0, reset.AttemptCount)
}

func TestEnqueuePipelineSkipsSucceeded(t *testing.T) {
	store := newMemTaskStore()
	d := New(store, nil, testConfig())
	imageID := uuid.New()

	require.NoError(t, d.EnqueuePipeline(context.Background(), imageID))

	done, ok := store.get(imageID, model.TaskMetadata)
	require.True(t, ok)
	require.NoError(t, store.MarkSucceeded(context.Background(), done.ID))

	// Replays (e.g. a redelivered upload event) must not disturb finished work.
	require.NoError(t, d.EnqueuePipeline(context.Background(), imageID))

	task, ok := store.get(imageID, model.TaskMetadata)
	require.True(t, ok)
	assert.Equal(t, model.StatusSucceeded, task.Status)
	assert.Equal(t, len(model.AllTaskKinds), store.count())
}

func TestDispatcherRunsTaskToSuccess(t *testing.T) {
	store := newMemTaskStore()
	imageID := uuid.New()

	proc := &funcProcessor{kind: model.TaskThumbnail, fn: func(context.Context, model.ProcessingTask) error {
		return nil
	}}

	d := New(store, []Processor{proc}, testConfig())
	_, err := d.Enqueue(context.Background(), imageID, model.TaskThumbnail, false)
	require.NoError(t, err)

	stop := runDispatcher(d)
	defer stop()

	require.Eventually(t, func() bool {
		task, ok := store.get(imageID, model.TaskThumbnail)
		return ok && task.Status == model.StatusSucceeded
	}, 2*time.Second, time.Millisecond)

	task, _ := store.get(imageID, model.TaskThumbnail)
	assert.Equal(t, 1, task.AttemptCount)
	assert.Empty(t, task.LastError)
}

func TestDispatcherRetriesTransientFailures(t *testing.T) {
	store := newMemTaskStore()
	imageID := uuid.New()

	var mu sync.Mutex
	calls := 0
	proc := &funcProcessor{kind: model.TaskAutotag, fn: func(context.Context, model.ProcessingTask) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return errors.New("backend unavailable")
		}
		return nil
	}}

	d := New(store, []Processor{proc}, testConfig())
	_, err := d.Enqueue(context.Background(), imageID, model.TaskAutotag, false)
	require.NoError(t, err)

	stop := runDispatcher(d)
	defer stop()

	require.Eventually(t, func() bool {
		task, ok := store.get(imageID, model.TaskAutotag)
		return ok && task.Status == model.StatusSucceeded
	}, 2*time.Second, time.Millisecond)

	task, _ := store.get(imageID, model.TaskAutotag)
	assert.Equal(t, 3, task.AttemptCount, "two transient failures then success")
}

func TestDispatcherExhaustsAttemptBudget(t *testing.T) {
	store := newMemTaskStore()
	imageID := uuid.New()

	proc := &funcProcessor{kind: model.TaskMetadata, fn: func(context.Context, model.ProcessingTask) error {
		return errors.New("storage timeout")
	}}

	d := New(store, []Processor{proc}, testConfig())
	_, err := d.Enqueue(context.Background(), imageID, model.TaskMetadata, false)
	require.NoError(t, err)

	stop := runDispatcher(d)
	defer stop()

	require.Eventually(t, func() bool {
		task, ok := store.get(imageID, model.TaskMetadata)
		return ok && task.Status == model.StatusFailed
	}, 2*time.Second, time.Millisecond)

	task, _ := store.get(imageID, model.TaskMetadata)
	assert.Equal(t, 3, task.AttemptCount)
	assert.Contains(t, task.LastError, "storage timeout")
}

func TestDispatcherFailsPermanentErrorsImmediately(t *testing.T) {
	store := newMemTaskStore()
	imageID := uuid.New()

	proc := &funcProcessor{kind: model.TaskThumbnail, fn: func(context.Context, model.ProcessingTask) error {
		return Permanent(errors.New("image: unknown format"))
	}}

	d := New(store, []Processor{proc}, testConfig())
	_, err := d.Enqueue(context.Background(), imageID, model.TaskThumbnail, false)
	require.NoError(t, err)

	stop := runDispatcher(d)
	defer stop()

	require.Eventually(t, func() bool {
		task, ok := store.get(imageID, model.TaskThumbnail)
		return ok && task.Status == model.StatusFailed
	}, 2*time.Second, time.Millisecond)

	task, _ := store.get(imageID, model.TaskThumbnail)
	assert.Equal(t, 1, task.AttemptCount, "permanent failures must not retry")
	assert.Contains(t, task.LastError, "unknown format")
}

func TestDispatcherFailsUnknownKind(t *testing.T) {
	store := newMemTaskStore()
	imageID := uuid.New()

	// No processor registered at all.
	d := New(store, nil, testConfig())
	_, err := d.Enqueue(context.Background(), imageID, model.TaskWatermark, false)
	require.NoError(t, err)

	stop := runDispatcher(d)
	defer stop()

	require.Eventually(t, func() bool {
		task, ok := store.get(imageID, model.TaskWatermark)
		return ok && task.Status == model.StatusFailed
	}, 2*time.Second, time.Millisecond)

	task, _ := store.get(imageID, model.TaskWatermark)
	assert.Contains(t, task.LastError, "no processor registered")
}

// ctxBoundStore fails status writes once the given context is canceled, the
// way a real database round trip would.
type ctxBoundStore struct {
	*memTaskStore
}

func (s *ctxBoundStore) MarkSucceeded(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.memTaskStore.MarkSucceeded(ctx, id)
}

func (s *ctxBoundStore) MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.memTaskStore.MarkFailed(ctx, id, lastError)
}

func (s *ctxBoundStore) Reschedule(ctx context.Context, id uuid.UUID, lastError string, runAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.memTaskStore.Reschedule(ctx, id, lastError, runAt)
}

func TestShutdownDoesNotOrphanRunningTask(t *testing.T) {
	store := &ctxBoundStore{memTaskStore: newMemTaskStore()}
	imageID := uuid.New()

	started := make(chan struct{})
	proc := &funcProcessor{kind: model.TaskThumbnail, fn: func(ctx context.Context, _ model.ProcessingTask) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}

	d := New(store, []Processor{proc}, testConfig())
	_, err := d.Enqueue(context.Background(), imageID, model.TaskThumbnail, false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	d.Run(ctx, &wg)

	// Cancel mid-task and let the pool drain.
	<-started
	cancel()
	wg.Wait()

	task, ok := store.get(imageID, model.TaskThumbnail)
	require.True(t, ok)
	assert.NotEqual(t, model.StatusRunning, task.Status, "claimed row must not be orphaned by shutdown")
	assert.Equal(t, model.StatusPending, task.Status, "cancellation is transient, so the task is rescheduled")
	assert.Equal(t, 1, task.AttemptCount)
}

func TestReclaimerRequeuesAbandonedTask(t *testing.T) {
	store := newMemTaskStore()
	imageID := uuid.New()

	proc := &funcProcessor{kind: model.TaskMetadata, fn: func(context.Context, model.ProcessingTask) error {
		return nil
	}}

	cfg := testConfig()
	cfg.ReclaimInterval = time.Millisecond
	cfg.TaskTimeout = 5 * time.Millisecond

	d := New(store, []Processor{proc}, cfg)
	task, err := d.Enqueue(context.Background(), imageID, model.TaskMetadata, false)
	require.NoError(t, err)

	// A worker claimed the task and then died without finishing it.
	_, err = store.ClaimNext(context.Background())
	require.NoError(t, err)
	store.backdate(task.ID, time.Hour)

	stop := runDispatcher(d)
	defer stop()

	require.Eventually(t, func() bool {
		got, ok := store.get(imageID, model.TaskMetadata)
		return ok && got.Status == model.StatusSucceeded
	}, 2*time.Second, time.Millisecond)

	got, _ := store.get(imageID, model.TaskMetadata)
	assert.Equal(t, 2, got.AttemptCount, "the lost claim stays counted")
}

func TestEnqueueLeavesRunningTaskAlone(t *testing.T) {
	store := newMemTaskStore()
	d := New(store, nil, testConfig())
	imageID := uuid.New()

	first, err := d.Enqueue(context.Background(), imageID, model.TaskWatermark, false)
	require.NoError(t, err)

	claimed, err := store.ClaimNext(context.Background())
	require.NoError(t, err)
	require.Equal(t, first.ID, claimed.ID)

	// A redelivered upload event re-enqueues while the task is executing;
	// the in-flight attempt must keep the row.
	again, err := d.Enqueue(context.Background(), imageID, model.TaskWatermark, false)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	task, ok := store.get(imageID, model.TaskWatermark)
	require.True(t, ok)
	assert.Equal(t, model.StatusRunning, task.Status, "running task must not be reset to pending")
	assert.Equal(t, 1, task.AttemptCount)
}

func TestBackoffSchedule(t *testing.T) {
	d := New(nil, nil, Config{
		BackoffBase: 5 * time.Second,
		BackoffCap:  5 * time.Minute,
	})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 5 * time.Second},
		{attempt: 1, want: 5 * time.Second},
		{attempt: 2, want: 10 * time.Second},
		{attempt: 3, want: 20 * time.Second},
		{attempt: 4, want: 40 * time.Second},
		{attempt: 10, want: 5 * time.Minute},
		{attempt: 100, want: 5 * time.Minute},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, d.backoff(tc.attempt), fmt.Sprintf("attempt %d", tc.attempt))
	}
}
