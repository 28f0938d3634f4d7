package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/victorrobotxt/Dali/models"
	"github.com/victorrobotxt/Dali/services"
	"github.com/victorrobotxt/Dali/shared"
)

type memoryQueue struct {
	mu       sync.Mutex
	items    chan int64
	enqueued []int64
	failFor  map[int64]bool
}

func newMemoryQueue() *memoryQueue {
	return &memoryQueue{items: make(chan int64, 64), failFor: map[int64]bool{}}
}

func (q *memoryQueue) Enqueue(ctx context.Context, listingID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failFor[listingID] {
		return errors.New("queue unavailable")
	}
	q.enqueued = append(q.enqueued, listingID)
	q.items <- listingID
	return nil
}

func (q *memoryQueue) Dequeue(ctx context.Context) (*models.QueueMessage, error) {
	select {
	case id := <-q.items:
		return &models.QueueMessage{ListingID: id}, nil
	case <-time.After(20 * time.Millisecond):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *memoryQueue) Ping(ctx context.Context) error { return nil }
func (q *memoryQueue) Close() error                   { return nil }

func (q *memoryQueue) enqueuedIDs() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]int64(nil), q.enqueued...)
}

type recordingRunner struct {
	mu   sync.Mutex
	ran  []int64
	errs map[int64]error
	done chan int64
}

func (r *recordingRunner) RunAudit(ctx context.Context, listingID int64) (string, error) {
	r.mu.Lock()
	r.ran = append(r.ran, listingID)
	err := r.errs[listingID]
	r.mu.Unlock()
	if r.done != nil {
		r.done <- listingID
	}
	if err != nil {
		return "", err
	}
	return "completed: VERIFIED (score 0)", nil
}

// sweepStore only implements what the sweep touches
type sweepStore struct {
	services.AuditStore
	stale    []int64
	listErr  error
	statuses map[int64]models.AuditStatus
}

func (s *sweepStore) ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]int64, error) {
	return s.stale, s.listErr
}

func (s *sweepStore) SetAuditStatus(ctx context.Context, id int64, status models.AuditStatus, lastError *string) error {
	s.statuses[id] = status
	return nil
}

func TestAuditWorkerJob_RunRequeuesCancelled(t *testing.T) {
	queue := newMemoryQueue()
	runner := &recordingRunner{errs: map[int64]error{
		7: fmt.Errorf("listing 7: %w", shared.ErrRunCancelled),
		8: fmt.Errorf("listing 8: %w", shared.ErrListingNotFound),
		9: errors.New("rejected"),
	}}
	job := NewAuditWorkerJob(queue, runner, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	job.Run(ctx, 7)
	job.Run(context.Background(), 8)
	job.Run(context.Background(), 9)
	job.Run(context.Background(), 10)

	assert.Equal(t, []int64{7}, queue.enqueuedIDs())
	assert.Equal(t, []int64{7, 8, 9, 10}, runner.ran)
}

func TestAuditWorkerJob_ConsumesQueue(t *testing.T) {
	queue := newMemoryQueue()
	runner := &recordingRunner{done: make(chan int64, 8)}
	job := NewAuditWorkerJob(queue, runner, 2)

	job.Start(context.Background())
	for _, id := range []int64{1, 2, 3} {
		require.NoError(t, queue.Enqueue(context.Background(), id))
	}

	seen := map[int64]bool{}
	for len(seen) < 3 {
		select {
		case id := <-runner.done:
			seen[id] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of 3 tasks consumed", len(seen))
		}
	}

	assert.True(t, job.Stop(2*time.Second))
}

func TestNewAuditWorkerJob_AtLeastOneWorker(t *testing.T) {
	assert.Equal(t, 1, NewAuditWorkerJob(newMemoryQueue(), &recordingRunner{}, 0).Workers)
}

func TestStaleRunSweepJob_Run(t *testing.T) {
	queue := newMemoryQueue()
	queue.failFor[3] = true
	store := &sweepStore{stale: []int64{1, 2, 3}, statuses: map[int64]models.AuditStatus{}}
	job := NewStaleRunSweepJob(store, queue, shared.QueueConfig{StaleAfter: 30 * time.Minute})

	requeued := job.Run(context.Background())

	assert.Equal(t, 2, requeued)
	assert.Equal(t, []int64{1, 2}, queue.enqueuedIDs())
	assert.Equal(t, models.AuditStatusPending, store.statuses[1])
	assert.Equal(t, 30*time.Minute, job.StaleAfter)
}

func TestStaleRunSweepJob_ListFailure(t *testing.T) {
	store := &sweepStore{listErr: errors.New("db down"), statuses: map[int64]models.AuditStatus{}}
	job := NewStaleRunSweepJob(store, newMemoryQueue(), shared.QueueConfig{})

	assert.Equal(t, 0, job.Run(context.Background()))
}
