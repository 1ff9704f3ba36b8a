// Package limiter enforces the engine's admission controls: a global cap
// on concurrent model calls, a per-requester cap, a per-model token
// bucket, one concurrent fetch per web domain, and the domain backoff
// table consulted before every fetch.
package limiter

import (
	"context"

	"github.com/crewhq/crewd/pkg/config"
)

// Limiter bundles the admission controls a model call or web fetch must
// pass through.
type Limiter struct {
	global    *Gate
	requester *KeyedGate
	buckets   *BucketSet
	fetchers  *KeyedGate
	backoff   *BackoffTable
}

// New builds a limiter from config.
func New(cfg config.LimiterConfig) *Limiter {
	return &Limiter{
		global:    NewGate(cfg.GlobalConcurrency),
		requester: NewKeyedGate(cfg.RequesterConcurrency),
		buckets:   NewBucketSet(cfg.BucketCapacity, cfg.BucketRefillPerSec),
		fetchers:  NewKeyedGate(1),
		backoff:   NewBackoffTable(),
	}
}

// AcquireModelCall passes a model call through the global gate, the
// requester gate, and the model's token bucket, in that order. On success
// the returned release function must be called when the call finishes; on
// failure nothing is held.
func (l *Limiter) AcquireModelCall(ctx context.Context, requesterID, modelID string) (func(), error) {
	if err := l.global.Acquire(ctx); err != nil {
		return nil, err
	}
	releaseReq, err := l.requester.Acquire(ctx, requesterID)
	if err != nil {
		l.global.Release()
		return nil, err
	}
	if err := l.buckets.Take(modelID); err != nil {
		releaseReq()
		l.global.Release()
		return nil, err
	}
	return func() {
		releaseReq()
		l.global.Release()
	}, nil
}

// AcquireFetch admits at most one concurrent fetch per domain and applies
// the backoff table. Release must be called when the fetch finishes.
func (l *Limiter) AcquireFetch(ctx context.Context, domain string) (func(), error) {
	if err := l.backoff.Allow(domain); err != nil {
		return nil, err
	}
	release, err := l.fetchers.Acquire(ctx, domain)
	if err != nil {
		return nil, err
	}
	// Re-check after waiting: another fetcher may have tripped the block.
	if err := l.backoff.Allow(domain); err != nil {
		release()
		return nil, err
	}
	return release, nil
}

// ReportFetch feeds a fetch outcome back into the backoff table.
func (l *Limiter) ReportFetch(domain string, ok bool) {
	if ok {
		l.backoff.OnSuccess(domain)
	} else {
		l.backoff.OnFailure(domain)
	}
}

// BlockRobots marks the domain disallowed by robots.txt.
func (l *Limiter) BlockRobots(domain string) { l.backoff.BlockRobots(domain) }

// Backoff exposes the domain table, mainly for tests.
func (l *Limiter) Backoff() *BackoffTable { return l.backoff }
