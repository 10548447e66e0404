// Package report implements the report-side aggregator: a keyed,
// age-evicted cache of in-flight operation accumulators that merges
// many small Report calls into fewer, larger ReportRequests.
package report

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

// MaxOperationsPerRequest bounds how many operations a single flushed
// ReportRequest may carry, protecting the remote service's request
// size limit.
const MaxOperationsPerRequest = 100

// Options configures a report Aggregator. NumEntries ≤ 0 disables
// caching entirely.
type Options struct {
	NumEntries    int
	FlushInterval time.Duration
}

func NewOptions(numEntries int, flushInterval time.Duration) Options {
	return Options{NumEntries: numEntries, FlushInterval: flushInterval}
}

// Aggregator is the report-side cache described by §4.G.
type Aggregator struct {
	serviceName     string
	serviceConfigID string
	opts            Options
	kinds           sctypes.MetricKindMap
	log             log.Logger

	mu      sync.Mutex
	cache   *cache.Cache[string, *opaggregator.Aggregator]
	pending *reentry.Buffer[*sctypes.ReportRequest]

	cbMu sync.Mutex
	cb   func(*sctypes.ReportRequest)
}

func New(serviceName, serviceConfigID string, opts Options, kinds sctypes.MetricKindMap, logger log.Logger) *Aggregator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	a := &Aggregator{serviceName: serviceName, serviceConfigID: serviceConfigID, opts: opts, kinds: kinds, log: logger}
	a.cache = cache.New[string, *opaggregator.Aggregator](opts.NumEntries, cache.AgeBased, opts.FlushInterval, a.onEvict)
	return a
}

func (a *Aggregator) SetFlushCallback(cb func(*sctypes.ReportRequest)) {
	a.cbMu.Lock()
	defer a.cbMu.Unlock()
	a.cb = cb
}

func (a *Aggregator) callback() func(*sctypes.ReportRequest) {
	a.cbMu.Lock()
	defer a.cbMu.Unlock()
	return a.cb
}

func (a *Aggregator) deliver(req *sctypes.ReportRequest) {
	if cb := a.callback(); cb != nil {
		cb(req)
	}
}

// mergeReportRequests implements §4.G's batching policy: merge tail
// and newItem if they share a service name and the combined operation
// count does not exceed MaxOperationsPerRequest.
func mergeReportRequests(newItem, tail *sctypes.ReportRequest) (*sctypes.ReportRequest, bool) {
	if newItem.ServiceName != tail.ServiceName {
		return nil, false
	}
	if len(tail.Operations)+len(newItem.Operations) > MaxOperationsPerRequest {
		return nil, false
	}
	tail.Operations = append(tail.Operations, newItem.Operations...)
	return tail, true
}

func (a *Aggregator) onEvict(_ string, agg *opaggregator.Aggregator) {
	req := &sctypes.ReportRequest{
		ServiceName:     a.serviceName,
		ServiceConfigID: a.serviceConfigID,
		Operations:      []*sctypes.Operation{agg.ToOperation()},
	}
	if a.pending != nil {
		a.pending.Add(req)
	}
}

func validateReportRequest(serviceName string, req *sctypes.ReportRequest) error {
	if req == nil {
		return scerr.New(scerr.InvalidArgument, "report request must not be nil")
	}
	if req.ServiceName != serviceName {
		return scerr.New(scerr.InvalidArgument, "service name mismatch")
	}
	return nil
}

func hasHighImportance(req *sctypes.ReportRequest) bool {
	for _, op := range req.Operations {
		if op.Importance != sctypes.Low {
			return true
		}
	}
	return false
}

// Report merges every operation in req into its per-signature
// accumulator. Returns scerr.NotFound if caching is disabled or any
// operation is not Low importance: the caller must dispatch req to
// the transport itself in that case.
func (a *Aggregator) Report(req *sctypes.ReportRequest) error {
	if err := validateReportRequest(a.serviceName, req); err != nil {
		return err
	}
	if !a.cache.Enabled() || hasHighImportance(req) {
		return scerr.New(scerr.NotFound, "caching disabled or high-importance operation present")
	}

	a.mu.Lock()
	buf := reentry.NewBuffer(mergeReportRequests)
	a.pending = buf

	for _, op := range req.Operations {
		sig := signature.Operation(op).String()
		a.cache.Mutate(sig, func(cu *cache.Cursor[*opaggregator.Aggregator]) {
			agg, ok := cu.Get()
			if !ok {
				cu.Set(opaggregator.New(op, a.kinds, a.log))
				return
			}
			agg.MergeOperation(op)
			cu.Set(agg)
		})
	}

	a.pending = nil
	a.mu.Unlock()
	buf.Drain(a.deliver)
	return nil
}

// Flush evicts every entry whose age has reached FlushInterval,
// delivering one ReportRequest per evicted entry (coalesced up to
// MaxOperationsPerRequest operations).
func (a *Aggregator) Flush() {
	a.mu.Lock()
	buf := reentry.NewBuffer(mergeReportRequests)
	a.pending = buf
	a.cache.RemoveExpiredEntries()
	a.pending = nil
	a.mu.Unlock()
	buf.Drain(a.deliver)
}

// FlushAll evicts every entry unconditionally.
func (a *Aggregator) FlushAll() {
	a.mu.Lock()
	buf := reentry.NewBuffer(mergeReportRequests)
	a.pending = buf
	a.cache.RemoveAll()
	a.pending = nil
	a.mu.Unlock()
	buf.Drain(a.deliver)
}

// NextFlushInterval reports how soon the façade should schedule its
// next Flush call, or -1 if caching is disabled.
func (a *Aggregator) NextFlushInterval() time.Duration {
	if !a.cache.Enabled() {
		return -1
	}
	return a.opts.FlushInterval
}
