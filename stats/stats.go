// Package stats holds the client façade's lock-free call counters.
package stats

import "go.uber.org/atomic"

// Counters tracks the seven statistics the façade exposes through
// GetStatistics.
type Counters struct {
	TotalCalledChecks    atomic.Int64
	SendChecksByFlush    atomic.Int64
	SendChecksInFlight   atomic.Int64
	TotalCalledReports   atomic.Int64
	SendReportsByFlush   atomic.Int64
	SendReportsInFlight  atomic.Int64
	SendReportOperations atomic.Int64
}

func New() *Counters {
	return &Counters{}
}

// Snapshot is a point-in-time copy of Counters suitable for returning
// to a caller without exposing the atomics themselves.
type Snapshot struct {
	TotalCalledChecks    int64
	SendChecksByFlush    int64
	SendChecksInFlight   int64
	TotalCalledReports   int64
	SendReportsByFlush   int64
	SendReportsInFlight  int64
	SendReportOperations int64
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		TotalCalledChecks:    c.TotalCalledChecks.Load(),
		SendChecksByFlush:    c.SendChecksByFlush.Load(),
		SendChecksInFlight:   c.SendChecksInFlight.Load(),
		TotalCalledReports:   c.TotalCalledReports.Load(),
		SendReportsByFlush:   c.SendReportsByFlush.Load(),
		SendReportsInFlight:  c.SendReportsInFlight.Load(),
		SendReportOperations: c.SendReportOperations.Load(),
	}
}
