// Package check implements the check-side cache/aggregator: a keyed
// CheckResponse cache that serves stale-while-refresh answers and
// aggregates the quota operations of calls made against a cached,
// passing response, until a flush interval elapses or the entry is
// evicted.
package check

import (
	"sync"
	"time"

	"github.com/go-kit/log"

	"github.com/servicecontrol/client/cache"
	"github.com/servicecontrol/client/opaggregator"
	"github.com/servicecontrol/client/reentry"
	"github.com/servicecontrol/client/scerr"
	"github.com/servicecontrol/client/sctypes"
	"github.com/servicecontrol/client/signature"
)

// Options configures a check Aggregator. NumEntries ≤ 0 disables
// caching entirely.
type Options struct {
	NumEntries    int
	FlushInterval time.Duration
	Expiration    time.Duration
}

// NewOptions builds Options, forcing Expiration to be at least
// FlushInterval plus one millisecond so the stale-while-refresh
// window and the hard expiry never coincide.
func NewOptions(numEntries int, flushInterval, expiration time.Duration) Options {
	min := flushInterval + time.Millisecond
	if expiration < min {
		expiration = min
	}
	return Options{NumEntries: numEntries, FlushInterval: flushInterval, Expiration: expiration}
}

type cacheElem struct {
	response      *sctypes.CheckResponse
	lastCheckTime time.Time
	quotaScale    int64
	isFlushing    bool
	agg           *opaggregator.Aggregator
}

// Aggregator is the check-side cache described by §4.F. A single
// mutex serializes every Check, CacheResponse, Flush, and FlushAll
// call against it, exactly as it serializes the underlying cache's
// lookups, mutations, and evictions.
type Aggregator struct {
	serviceName string
	opts        Options
	kinds       sctypes.MetricKindMap
	log         log.Logger

	mu      sync.Mutex
	cache   *cache.Cache[string, *cacheElem]
	pending *reentry.Buffer[*sctypes.CheckRequest]

	cbMu sync.Mutex
	cb   func(*sctypes.CheckRequest)
}

// New constructs a check Aggregator for serviceName.
func New(serviceName string, opts Options, kinds sctypes.MetricKindMap, logger log.Logger) *Aggregator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	a := &Aggregator{serviceName: serviceName, opts: opts, kinds: kinds, log: logger}
	a.cache = cache.New[string, *cacheElem](opts.NumEntries, cache.IdleTimeout, opts.Expiration, a.onEvict)
	return a
}

// SetFlushCallback installs the function invoked for every check
// request produced by an eviction. Passing nil detaches it; calls
// made while detached are silently dropped.
func (a *Aggregator) SetFlushCallback(cb func(*sctypes.CheckRequest)) {
	a.cbMu.Lock()
	defer a.cbMu.Unlock()
	a.cb = cb
}

func (a *Aggregator) callback() func(*sctypes.CheckRequest) {
	a.cbMu.Lock()
	defer a.cbMu.Unlock()
	return a.cb
}

func (a *Aggregator) deliver(req *sctypes.CheckRequest) {
	if cb := a.callback(); cb != nil {
		cb(req)
	}
}

// onEvict is the cache's delete callback: it runs while the cache's
// lock (nested under a.mu) is held, so it only ever enqueues into the
// currently installed re-entry buffer.
func (a *Aggregator) onEvict(_ string, elem *cacheElem) {
	if elem.agg == nil {
		return // no pending check request accumulated on this entry
	}
	req := &sctypes.CheckRequest{ServiceName: a.serviceName, Operation: elem.agg.ToOperation()}
	if a.pending != nil {
		a.pending.Add(req)
	}
}

func validateCheckRequest(serviceName string, req *sctypes.CheckRequest) error {
	if req == nil || req.Operation == nil {
		return scerr.New(scerr.InvalidArgument, "check request must carry an operation")
	}
	if req.ServiceName != serviceName {
		return scerr.New(scerr.InvalidArgument, "service name mismatch")
	}
	return nil
}

// Check implements the stale-while-refresh state machine of §4.F.
// A nil response with a scerr.NotFound error means: dispatch this
// request to the transport yourself, then call CacheResponse with
// the result.
func (a *Aggregator) Check(req *sctypes.CheckRequest) (*sctypes.CheckResponse, error) {
	if err := validateCheckRequest(a.serviceName, req); err != nil {
		return nil, err
	}
	if !a.cache.Enabled() || req.Operation.Importance != sctypes.Low {
		return nil, scerr.New(scerr.NotFound, "caching disabled or high-importance operation")
	}
	sig := signature.CheckRequest(req).String()

	a.mu.Lock()
	buf := reentry.NewBuffer[*sctypes.CheckRequest](nil)
	a.pending = buf

	var resp *sctypes.CheckResponse
	var outcome error
	now := time.Now()

	a.cache.Mutate(sig, func(cu *cache.Cursor[*cacheElem]) {
		elem, ok := cu.Get()
		if !ok {
			outcome = scerr.New(scerr.NotFound, "cache miss")
			return
		}
		if !elem.response.Passed() {
			if now.Sub(elem.lastCheckTime) >= a.opts.FlushInterval {
				elem.lastCheckTime = now
				cu.Set(elem)
				outcome = scerr.New(scerr.NotFound, "cached error response refresh due")
				return
			}
			resp = elem.response
			cu.Set(elem)
			return
		}
		if elem.agg == nil {
			elem.agg = opaggregator.New(req.Operation, a.kinds, a.log)
		} else {
			elem.agg.MergeOperation(req.Operation)
		}
		if now.Sub(elem.lastCheckTime) >= a.opts.FlushInterval {
			elem.isFlushing = true
			elem.lastCheckTime = now
			cu.Set(elem)
			outcome = scerr.New(scerr.NotFound, "cached pass response refresh due")
			return
		}
		resp = elem.response
		cu.Set(elem)
	})

	a.pending = nil
	a.mu.Unlock()
	buf.Drain(a.deliver)

	if outcome != nil {
		return nil, outcome
	}
	return resp, nil
}

// CacheResponse records resp as the latest known answer for req's
// operation, clearing any in-flight refresh marker.
func (a *Aggregator) CacheResponse(req *sctypes.CheckRequest, resp *sctypes.CheckResponse) error {
	if err := validateCheckRequest(a.serviceName, req); err != nil {
		return err
	}
	if !a.cache.Enabled() {
		return nil
	}
	sig := signature.CheckRequest(req).String()
	now := time.Now()

	a.mu.Lock()
	a.cache.Mutate(sig, func(cu *cache.Cursor[*cacheElem]) {
		elem, ok := cu.Get()
		if !ok {
			elem = &cacheElem{}
		}
		elem.response = resp
		elem.lastCheckTime = now
		elem.isFlushing = false
		cu.Set(elem)
	})
	a.mu.Unlock()
	return nil
}

// Flush evicts every entry idle for at least Expiration, delivering a
// final check request for each one that had a pending aggregator.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	buf := reentry.NewBuffer[*sctypes.CheckRequest](nil)
	a.pending = buf
	a.cache.RemoveExpiredEntries()
	a.pending = nil
	a.mu.Unlock()
	buf.Drain(a.deliver)
}

// FlushAll evicts every entry unconditionally.
func (a *Aggregator) FlushAll() {
	a.mu.Lock()
	buf := reentry.NewBuffer[*sctypes.CheckRequest](nil)
	a.pending = buf
	a.cache.RemoveAll()
	a.pending = nil
	a.mu.Unlock()
	buf.Drain(a.deliver)
}

// NextFlushInterval reports how soon the façade should schedule its
// next Flush call, or -1 if caching is disabled and no sweep is ever
// needed.
func (a *Aggregator) NextFlushInterval() time.Duration {
	if !a.cache.Enabled() {
		return -1
	}
	return a.opts.Expiration
}
