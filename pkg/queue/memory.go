package queue

import (
	"context"
	"sync"
	"time"

	"github.com/crewhq/crewd/pkg/fault"
	"github.com/crewhq/crewd/pkg/models"
)

type memJob struct {
	job     models.Job
	readyAt time.Time

	claimed  bool
	leaseEnd time.Time
	workerID string
}

// MemoryQueue is an in-process Queue for tests and local runs.
type MemoryQueue struct {
	mu   sync.Mutex
	jobs map[string]*memJob
	now  func() time.Time
}

var _ Queue = (*MemoryQueue)(nil)

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{jobs: make(map[string]*memJob), now: time.Now}
}

// WithClock overrides the time source for tests.
func (q *MemoryQueue) WithClock(now func() time.Time) *MemoryQueue {
	q.now = now
	return q
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job *models.Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.jobs[job.ID]; ok {
		return fault.New(fault.Conflict, "job %s already enqueued", job.ID)
	}
	j := *job
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = q.now()
	}
	q.jobs[j.ID] = &memJob{job: j, readyAt: q.now().Add(delay)}
	return nil
}

func (q *MemoryQueue) Claim(ctx context.Context, workerID string, leaseTTL time.Duration) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()

	// Recover lapsed leases before claiming.
	for _, mj := range q.jobs {
		if mj.claimed && now.After(mj.leaseEnd) {
			mj.claimed = false
			mj.readyAt = now
		}
	}

	var pick *memJob
	for _, mj := range q.jobs {
		if mj.claimed || mj.readyAt.After(now) {
			continue
		}
		if pick == nil || mj.readyAt.Before(pick.readyAt) ||
			(mj.readyAt.Equal(pick.readyAt) && mj.job.EnqueuedAt.Before(pick.job.EnqueuedAt)) {
			pick = mj
		}
	}
	if pick == nil {
		return nil, nil
	}
	pick.claimed = true
	pick.workerID = workerID
	pick.leaseEnd = now.Add(leaseTTL)
	j := pick.job
	return &j, nil
}

func (q *MemoryQueue) ExtendLease(ctx context.Context, jobID string, leaseTTL time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	mj, ok := q.jobs[jobID]
	if !ok || !mj.claimed {
		return fault.New(fault.NotFound, "job %s is not claimed", jobID)
	}
	mj.leaseEnd = q.now().Add(leaseTTL)
	return nil
}

func (q *MemoryQueue) Ack(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.jobs[jobID]; !ok {
		return fault.New(fault.NotFound, "job %s not found", jobID)
	}
	delete(q.jobs, jobID)
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, jobID string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	mj, ok := q.jobs[jobID]
	if !ok {
		return fault.New(fault.NotFound, "job %s not found", jobID)
	}
	mj.claimed = false
	mj.job.Attempt++
	mj.readyAt = q.now().Add(delay)
	return nil
}

func (q *MemoryQueue) Depth(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs), nil
}

func (q *MemoryQueue) Close() error { return nil }
