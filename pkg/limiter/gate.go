package limiter

import (
	"context"
	"sync"

	"github.com/crewhq/crewd/pkg/fault"
)

// Gate is a fixed-capacity concurrency gate. Callers block in Acquire until
// a slot frees or their context ends.
type Gate struct {
	slots chan struct{}
}

// NewGate creates a gate admitting at most capacity concurrent holders.
func NewGate(capacity int) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	return &Gate{slots: make(chan struct{}, capacity)}
}

// Acquire takes a slot, waiting until one frees. Returns Throttled when the
// context ends first.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.slots <- struct{}{}:
		return nil
	default:
	}
	select {
	case g.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fault.Wrap(fault.Throttled, ctx.Err(), "concurrency gate full")
	}
}

// Release frees a slot taken by Acquire.
func (g *Gate) Release() {
	select {
	case <-g.slots:
	default:
	}
}

// InUse reports the number of held slots.
func (g *Gate) InUse() int { return len(g.slots) }

// KeyedGate maintains an independent gate per key (requester id, domain).
// Idle per-key state is dropped when the last holder releases.
type KeyedGate struct {
	capacity int
	mu       sync.Mutex
	gates    map[string]*keyedSlot
}

type keyedSlot struct {
	gate *Gate
	refs int
}

// NewKeyedGate creates a keyed gate with the given per-key capacity.
func NewKeyedGate(capacity int) *KeyedGate {
	return &KeyedGate{capacity: capacity, gates: make(map[string]*keyedSlot)}
}

// Acquire takes a slot on the key's gate. The returned release function
// must be called exactly once.
func (kg *KeyedGate) Acquire(ctx context.Context, key string) (func(), error) {
	kg.mu.Lock()
	slot, ok := kg.gates[key]
	if !ok {
		slot = &keyedSlot{gate: NewGate(kg.capacity)}
		kg.gates[key] = slot
	}
	slot.refs++
	kg.mu.Unlock()

	if err := slot.gate.Acquire(ctx); err != nil {
		kg.drop(key, slot)
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			slot.gate.Release()
			kg.drop(key, slot)
		})
	}, nil
}

func (kg *KeyedGate) drop(key string, slot *keyedSlot) {
	kg.mu.Lock()
	defer kg.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(kg.gates, key)
	}
}
