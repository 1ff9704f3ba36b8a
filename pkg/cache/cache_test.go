package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewhq/crewd/pkg/fault"
)

func testConfig(ttl time.Duration) Config {
	return Config{
		TTLs:       map[Purpose]time.Duration{PurposeModel: ttl, PurposePage: ttl},
		DefaultTTL: ttl,
		MaxEntries: 128,
	}
}

func TestGetPut(t *testing.T) {
	c := New(testConfig(time.Minute))

	_, ok := c.Get(PurposeModel, "k1")
	assert.False(t, ok)

	c.Put(PurposeModel, "k1", []byte("v1"))
	v, ok := c.Get(PurposeModel, "k1")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), v)

	// Partitions are independent.
	_, ok = c.Get(PurposePage, "k1")
	assert.False(t, ok)
}

func TestExpiry(t *testing.T) {
	c := New(testConfig(30 * time.Millisecond))
	c.Put(PurposeModel, "short", []byte("v"))

	_, ok := c.Get(PurposeModel, "short")
	assert.True(t, ok)

	time.Sleep(80 * time.Millisecond)
	_, ok = c.Get(PurposeModel, "short")
	assert.False(t, ok)
}

func TestGetOrProduceCoalesces(t *testing.T) {
	c := New(testConfig(time.Minute))

	var calls atomic.Int32
	release := make(chan struct{})
	producer := func(context.Context) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte("produced"), nil
	}

	const waiters = 8
	var wg sync.WaitGroup
	results := make([][]byte, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrProduce(context.Background(), PurposeModel, "same-key", producer)
			require.NoError(t, err)
			results[i] = v
		}(i)
	}

	// Let all goroutines reach the flight before releasing the producer.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "exactly one producer call expected")
	for _, v := range results {
		assert.Equal(t, []byte("produced"), v)
	}
}

func TestGetOrProduceHitSkipsProducer(t *testing.T) {
	c := New(testConfig(time.Minute))
	c.Put(PurposeModel, "hot", []byte("cached"))

	v, err := c.GetOrProduce(context.Background(), PurposeModel, "hot", func(context.Context) ([]byte, error) {
		t.Fatal("producer must not run on a hit")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("cached"), v)
}

func TestGetOrProduceWaiterCancellation(t *testing.T) {
	c := New(testConfig(time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.GetOrProduce(ctx, PurposeModel, "slow", func(context.Context) ([]byte, error) {
		time.Sleep(200 * time.Millisecond)
		return []byte("late"), nil
	})
	require.Error(t, err)
	assert.Equal(t, fault.Timeout, fault.KindOf(err))
}

func TestGetOrProduceWaiterAbandonmentKeepsCause(t *testing.T) {
	c := New(testConfig(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := c.GetOrProduce(ctx, PurposeModel, "slow", func(context.Context) ([]byte, error) {
		time.Sleep(200 * time.Millisecond)
		return []byte("late"), nil
	})
	require.Error(t, err)
	assert.Equal(t, fault.Cancelled, fault.KindOf(err),
		"a cancelled waiter is cancelled, not timed out")
}

func TestInvalidatePrefix(t *testing.T) {
	c := New(testConfig(time.Minute))
	c.Put(PurposePage, "example.com/a", []byte("1"))
	c.Put(PurposePage, "example.com/b", []byte("2"))
	c.Put(PurposePage, "other.org/a", []byte("3"))

	removed := c.InvalidatePrefix(PurposePage, "example.com/")
	assert.Equal(t, 2, removed)

	_, ok := c.Get(PurposePage, "example.com/a")
	assert.False(t, ok)
	_, ok = c.Get(PurposePage, "other.org/a")
	assert.True(t, ok)
}

func TestFingerprintDeterminism(t *testing.T) {
	a := Fingerprint(PurposeModel, "engineer", map[string]any{"x": 1, "y": "z"}, "m1")
	b := Fingerprint(PurposeModel, "engineer", map[string]any{"y": "z", "x": 1}, "m1")
	assert.Equal(t, a, b, "key order must not affect the fingerprint")

	assert.NotEqual(t, a, Fingerprint(PurposeModel, "assistant", map[string]any{"x": 1, "y": "z"}, "m1"))
	assert.NotEqual(t, a, Fingerprint(PurposeModel, "engineer", map[string]any{"x": 2, "y": "z"}, "m1"))
	assert.NotEqual(t, a, Fingerprint(PurposeModel, "engineer", map[string]any{"x": 1, "y": "z"}, "m2"))
	assert.NotEqual(t, a, Fingerprint(PurposeResearch, "engineer", map[string]any{"x": 1, "y": "z"}, "m1"))
}
