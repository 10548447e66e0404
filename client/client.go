// Package client is the library's external façade (§4.I): it wires a
// check.Aggregator and a report.Aggregator to caller-supplied transport
// functions, runs their periodic flush sweeps on a shared timer, and
// exposes both async (callback) and sync (blocking) Check/Report calls.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/servicecontrol/client/check"
	"github.com/servicecontrol/client/mailbox"
	"github.com/servicecontrol/client/report"
	"github.com/servicecontrol/client/scerr"
	"github.com/servicecontrol/client/sctypes"
	"github.com/servicecontrol/client/stats"
)

// DoneFunc reports the outcome of a dispatched Check or Report call.
// It may be invoked on any goroutine, including synchronously within
// the call that triggered it.
type DoneFunc func(err error)

// CheckTransportFunc sends req upstream and, once a response (or
// failure) is available, fills resp and calls done. It must not retain
// resp beyond the call to done.
type CheckTransportFunc func(req *sctypes.CheckRequest, resp *sctypes.CheckResponse, done DoneFunc)

// ReportTransportFunc sends req upstream and calls done once complete.
type ReportTransportFunc func(req *sctypes.ReportRequest, done DoneFunc)

// Options configures a Client.
type Options struct {
	Check  check.Options
	Report report.Options

	// MetricKinds resolves metric names to their aggregation kind; nil
	// treats every metric as Delta.
	MetricKinds sctypes.MetricKindMap

	CheckTransport  CheckTransportFunc
	ReportTransport ReportTransportFunc

	// PeriodicTimer overrides how the background flush sweep is
	// scheduled. Defaults to a time.Ticker-backed implementation.
	PeriodicTimer PeriodicTimerFunc

	Logger log.Logger
}

// Client is the service control client façade described by §4.I.
type Client struct {
	serviceName     string
	serviceConfigID string

	checkAgg  *check.Aggregator
	reportAgg *report.Aggregator

	checkTransport  CheckTransportFunc
	reportTransport ReportTransportFunc

	stats *stats.Counters
	log   log.Logger

	timerFactory PeriodicTimerFunc
	timerMu      sync.Mutex
	timer        PeriodicTimer
}

// Create builds a Client for serviceName/serviceConfigID and starts its
// background flush timer, if either aggregator needs periodic sweeping.
func Create(serviceName, serviceConfigID string, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	logger = log.With(logger, "component", "servicecontrol.client", "service", serviceName)

	timerFactory := opts.PeriodicTimer
	if timerFactory == nil {
		timerFactory = newTickerTimer
	}

	c := &Client{
		serviceName:     serviceName,
		serviceConfigID: serviceConfigID,
		checkAgg:        check.New(serviceName, opts.Check, opts.MetricKinds, logger),
		reportAgg:       report.New(serviceName, serviceConfigID, opts.Report, opts.MetricKinds, logger),
		checkTransport:  opts.CheckTransport,
		reportTransport: opts.ReportTransport,
		stats:           stats.New(),
		log:             logger,
		timerFactory:    timerFactory,
	}
	c.checkAgg.SetFlushCallback(c.checkFlushCallback)
	c.reportAgg.SetFlushCallback(c.reportFlushCallback)
	c.rescheduleTimer()
	return c, nil
}

func (c *Client) nextFlushInterval() time.Duration {
	return minPositive(c.checkAgg.NextFlushInterval(), c.reportAgg.NextFlushInterval())
}

func (c *Client) rescheduleTimer() {
	next := c.nextFlushInterval()
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if next > 0 {
		c.timer = c.timerFactory(next, c.onTick)
	}
}

func (c *Client) onTick() {
	c.checkAgg.Flush()
	c.reportAgg.Flush()
}

// checkFlushCallback is installed as the check aggregator's flush
// callback: it fires for every CheckRequest an eviction produces,
// independent of any caller-issued Check call.
func (c *Client) checkFlushCallback(req *sctypes.CheckRequest) {
	if c.checkTransport == nil {
		return
	}
	c.stats.SendChecksByFlush.Inc()
	c.stats.SendChecksInFlight.Inc()
	c.checkTransport(req, &sctypes.CheckResponse{}, func(err error) {
		c.stats.SendChecksInFlight.Dec()
		if err != nil {
			level.Warn(c.log).Log("msg", "flush-triggered check failed", "err", err)
		}
	})
}

func (c *Client) reportFlushCallback(req *sctypes.ReportRequest) {
	if c.reportTransport == nil {
		return
	}
	c.stats.SendReportsByFlush.Inc()
	c.stats.SendReportsInFlight.Inc()
	c.reportTransport(req, func(err error) {
		c.stats.SendReportsInFlight.Dec()
		if err != nil {
			level.Warn(c.log).Log("msg", "flush-triggered report failed", "err", err)
		}
	})
}

// CheckAsync evaluates req against the check cache, calling done with
// the outcome. If the cache cannot answer (a miss, a stale-while-
// refresh window, or caching being disabled) it dispatches req to the
// Client's configured CheckTransport and caches a successful response
// before invoking done. done may run synchronously on the calling
// goroutine or later on whatever goroutine the transport completes on.
func (c *Client) CheckAsync(req *sctypes.CheckRequest, done func(*sctypes.CheckResponse, error)) {
	c.CheckAsyncWithTransport(req, c.checkTransport, done)
}

// CheckAsyncWithTransport behaves like CheckAsync but, when the cache
// can't answer req itself, dispatches through transport instead of the
// Client's configured CheckTransport. A nil transport falls back to
// the Client's configured one.
func (c *Client) CheckAsyncWithTransport(req *sctypes.CheckRequest, transport CheckTransportFunc, done func(*sctypes.CheckResponse, error)) {
	c.stats.TotalCalledChecks.Inc()

	resp, err := c.checkAgg.Check(req)
	if err == nil {
		done(resp, nil)
		return
	}
	if scerr.CodeOf(err) != scerr.NotFound {
		done(nil, err)
		return
	}
	if transport == nil {
		transport = c.checkTransport
	}
	if transport == nil {
		done(nil, scerr.New(scerr.Internal, "no check transport configured"))
		return
	}

	out := &sctypes.CheckResponse{}
	c.stats.SendChecksInFlight.Inc()
	transport(req, out, func(transportErr error) {
		c.stats.SendChecksInFlight.Dec()
		if transportErr != nil {
			done(nil, transportErr)
			return
		}
		if cacheErr := c.checkAgg.CacheResponse(req, out); cacheErr != nil {
			level.Warn(c.log).Log("msg", "failed to cache check response", "err", cacheErr)
		}
		done(out, nil)
	})
}

// Check is the synchronous form of CheckAsync.
func (c *Client) Check(ctx context.Context, req *sctypes.CheckRequest) (*sctypes.CheckResponse, error) {
	return c.CheckWithTransport(ctx, req, c.checkTransport)
}

// CheckWithTransport is the synchronous form of CheckAsyncWithTransport.
func (c *Client) CheckWithTransport(ctx context.Context, req *sctypes.CheckRequest, transport CheckTransportFunc) (*sctypes.CheckResponse, error) {
	fut := mailbox.NewFuture[*sctypes.CheckResponse]()
	c.CheckAsyncWithTransport(req, transport, func(resp *sctypes.CheckResponse, err error) { fut.Resolve(resp, err) })
	return fut.Wait(ctx)
}

// ReportAsync merges req into the report aggregator, calling done once
// it is either safely buffered or, if the aggregator can't buffer it,
// once the Client's configured ReportTransport has sent it directly.
func (c *Client) ReportAsync(req *sctypes.ReportRequest, done func(error)) {
	c.ReportAsyncWithTransport(req, c.reportTransport, done)
}

// ReportAsyncWithTransport behaves like ReportAsync but, when the
// aggregator can't buffer req itself, dispatches through transport
// instead of the Client's configured ReportTransport. A nil transport
// falls back to the Client's configured one.
func (c *Client) ReportAsyncWithTransport(req *sctypes.ReportRequest, transport ReportTransportFunc, done func(error)) {
	c.stats.TotalCalledReports.Inc()
	if req != nil {
		c.stats.SendReportOperations.Add(int64(len(req.Operations)))
	}

	err := c.reportAgg.Report(req)
	if err == nil {
		done(nil)
		return
	}
	if scerr.CodeOf(err) != scerr.NotFound {
		done(err)
		return
	}
	if transport == nil {
		transport = c.reportTransport
	}
	if transport == nil {
		done(scerr.New(scerr.Internal, "no report transport configured"))
		return
	}

	c.stats.SendReportsInFlight.Inc()
	transport(req, func(transportErr error) {
		c.stats.SendReportsInFlight.Dec()
		done(transportErr)
	})
}

// Report is the synchronous form of ReportAsync.
func (c *Client) Report(ctx context.Context, req *sctypes.ReportRequest) error {
	return c.ReportWithTransport(ctx, req, c.reportTransport)
}

// ReportWithTransport is the synchronous form of ReportAsyncWithTransport.
func (c *Client) ReportWithTransport(ctx context.Context, req *sctypes.ReportRequest, transport ReportTransportFunc) error {
	fut := mailbox.NewFuture[struct{}]()
	c.ReportAsyncWithTransport(req, transport, func(err error) { fut.Resolve(struct{}{}, err) })
	_, err := fut.Wait(ctx)
	return err
}

// GetStatistics returns a snapshot of the façade's call counters.
func (c *Client) GetStatistics() stats.Snapshot {
	return c.stats.Snapshot()
}

// Close detaches both flush callbacks, flushes every outstanding cache
// entry, and stops the background timer, in that order: once detached,
// entries evicted by the FlushAll calls below are dropped silently
// rather than dispatched, since nothing is left to dispatch them to.
func (c *Client) Close() {
	c.checkAgg.SetFlushCallback(nil)
	c.reportAgg.SetFlushCallback(nil)
	c.checkAgg.FlushAll()
	c.reportAgg.FlushAll()

	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
