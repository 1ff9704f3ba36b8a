package limiter

import (
	"sync"
	"time"

	"github.com/crewhq/crewd/pkg/fault"
)

const (
	backoffInitial = 60 * time.Second
	backoffCap     = 3600 * time.Second
	robotsBlockTTL = 24 * time.Hour
)

type domainState struct {
	failures  int
	blockedTo time.Time
	reason    string
}

// BackoffTable tracks per-domain fetch health. Failed fetches push the
// domain's next allowed fetch out exponentially (60s doubling, capped at
// one hour); a success clears the penalty. A robots.txt disallow is a hard
// block for 24 hours regardless of prior state.
type BackoffTable struct {
	now func() time.Time

	mu      sync.Mutex
	domains map[string]*domainState
}

func NewBackoffTable() *BackoffTable {
	return &BackoffTable{now: time.Now, domains: make(map[string]*domainState)}
}

// WithClock overrides the time source for tests.
func (bt *BackoffTable) WithClock(now func() time.Time) *BackoffTable {
	bt.now = now
	return bt
}

// Allow reports whether the domain may be fetched now. When blocked it
// returns a Throttled fault carrying the remaining wait.
func (bt *BackoffTable) Allow(domain string) error {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	st, ok := bt.domains[domain]
	if !ok {
		return nil
	}
	remaining := st.blockedTo.Sub(bt.now())
	if remaining <= 0 {
		return nil
	}
	reason := st.reason
	if reason == "" {
		reason = "backing off"
	}
	return fault.Throttle(remaining, "domain %s blocked: %s", domain, reason)
}

// OnFailure records a failed fetch and extends the domain's block.
func (bt *BackoffTable) OnFailure(domain string) {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	st, ok := bt.domains[domain]
	if !ok {
		st = &domainState{}
		bt.domains[domain] = st
	}
	shift := st.failures
	if shift > 6 {
		shift = 6
	}
	delay := backoffInitial << shift
	if delay > backoffCap {
		delay = backoffCap
	}
	st.failures++
	st.reason = "repeated fetch failures"
	until := bt.now().Add(delay)
	if until.After(st.blockedTo) {
		st.blockedTo = until
	}
}

// OnSuccess clears any failure penalty for the domain. A robots block is
// not cleared by success.
func (bt *BackoffTable) OnSuccess(domain string) {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	st, ok := bt.domains[domain]
	if !ok {
		return
	}
	if st.reason == robotsReason {
		st.failures = 0
		return
	}
	delete(bt.domains, domain)
}

const robotsReason = "robots.txt disallow"

// BlockRobots marks the domain disallowed by robots.txt for 24 hours.
func (bt *BackoffTable) BlockRobots(domain string) {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	st, ok := bt.domains[domain]
	if !ok {
		st = &domainState{}
		bt.domains[domain] = st
	}
	st.reason = robotsReason
	until := bt.now().Add(robotsBlockTTL)
	if until.After(st.blockedTo) {
		st.blockedTo = until
	}
}
