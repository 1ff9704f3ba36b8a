package limiter

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/crewhq/crewd/pkg/fault"
)

// BucketSet keeps one token bucket per model id. Each model call consumes
// one token; refill is continuous at the configured rate.
type BucketSet struct {
	capacity int
	refill   rate.Limit

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewBucketSet creates a bucket set where every model bucket holds capacity
// tokens and refills at refillPerSec tokens per second.
func NewBucketSet(capacity int, refillPerSec float64) *BucketSet {
	if capacity < 1 {
		capacity = 1
	}
	return &BucketSet{
		capacity: capacity,
		refill:   rate.Limit(refillPerSec),
		buckets:  make(map[string]*rate.Limiter),
	}
}

func (bs *BucketSet) bucket(modelID string) *rate.Limiter {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b, ok := bs.buckets[modelID]
	if !ok {
		b = rate.NewLimiter(bs.refill, bs.capacity)
		bs.buckets[modelID] = b
	}
	return b
}

// Take consumes one token from the model's bucket. When the bucket is
// empty it does not wait; it returns Throttled carrying the delay until a
// token becomes available.
func (bs *BucketSet) Take(modelID string) error {
	b := bs.bucket(modelID)
	res := b.Reserve()
	if !res.OK() {
		return fault.Throttle(time.Second, "model %s bucket unavailable", modelID)
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return fault.Throttle(delay, "model %s rate limited", modelID)
	}
	return nil
}
