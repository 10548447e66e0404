// Package opaggregator implements the merge engine that combines two
// Operations sharing the same signature into one: scalar time ranges,
// log entries, and, per metric, metric values combined according to
// their MetricKind.
package opaggregator

import (
	"errors"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/servicecontrol/client/distribution"
	"github.com/servicecontrol/client/money"
	"github.com/servicecontrol/client/scerr"
	"github.com/servicecontrol/client/sctypes"
	"github.com/servicecontrol/client/signature"
)

var errMismatchedValueCase = errors.New("metric values have mismatched value types")

// Aggregator accumulates a running merged Operation. It is not safe
// for concurrent use; callers serialize access (the check and report
// caches do this by holding their own lock around every call).
type Aggregator struct {
	consumerID    string
	operationName string
	labels        map[string]string
	importance    sctypes.Importance

	startTime time.Time
	endTime   time.Time
	logEntries []sctypes.LogEntry

	kinds sctypes.MetricKindMap
	log   log.Logger

	metricOrder []string
	metrics     map[string]*metricGroup
}

type metricGroup struct {
	order  []signature.Signature
	values map[signature.Signature]*sctypes.MetricValue
}

// New seeds an Aggregator from an initial Operation. kinds is shared
// by reference and must not be mutated afterward.
func New(op *sctypes.Operation, kinds sctypes.MetricKindMap, logger log.Logger) *Aggregator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	a := &Aggregator{
		consumerID:    op.ConsumerID,
		operationName: op.OperationName,
		labels:        copyLabels(op.Labels),
		importance:    op.Importance,
		startTime:     op.StartTime,
		endTime:       op.EndTime,
		kinds:         kinds,
		log:           logger,
		metrics:       make(map[string]*metricGroup),
	}
	a.logEntries = append(a.logEntries, op.LogEntries...)
	for _, set := range op.MetricValueSets {
		for i := range set.MetricValues {
			a.insert(set.MetricName, &set.MetricValues[i])
		}
	}
	return a
}

func copyLabels(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (a *Aggregator) insert(metricName string, mv *sctypes.MetricValue) {
	g, ok := a.metrics[metricName]
	if !ok {
		g = &metricGroup{values: make(map[signature.Signature]*sctypes.MetricValue)}
		a.metrics[metricName] = g
		a.metricOrder = append(a.metricOrder, metricName)
	}
	sig := signature.MetricValue(mv)
	if _, exists := g.values[sig]; !exists {
		g.order = append(g.order, sig)
	}
	v := *mv
	g.values[sig] = &v
}

// MergeOperation merges op into the running aggregate. op must carry
// the same signature as the seed operation; the caller is responsible
// for having looked the aggregator up by that signature.
func (a *Aggregator) MergeOperation(op *sctypes.Operation) {
	a.startTime = earlier(a.startTime, op.StartTime)
	a.endTime = later(a.endTime, op.EndTime)
	a.logEntries = append(a.logEntries, op.LogEntries...)

	for _, set := range op.MetricValueSets {
		kind := a.kinds.KindOf(set.MetricName)
		g, ok := a.metrics[set.MetricName]
		if !ok {
			g = &metricGroup{values: make(map[signature.Signature]*sctypes.MetricValue)}
			a.metrics[set.MetricName] = g
			a.metricOrder = append(a.metricOrder, set.MetricName)
		}
		for i := range set.MetricValues {
			incoming := &set.MetricValues[i]
			sig := signature.MetricValue(incoming)
			existing, ok := g.values[sig]
			if !ok {
				g.order = append(g.order, sig)
				v := *incoming
				g.values[sig] = &v
				continue
			}
			merged, err := mergeMetricValue(kind, existing, incoming)
			if err != nil {
				level.Warn(a.log).Log("msg", "refusing to merge incompatible metric values", "metric", set.MetricName, "err", err)
				continue
			}
			g.values[sig] = merged
		}
	}
}

func earlier(a, b time.Time) time.Time {
	if a.IsZero() {
		return b
	}
	if b.IsZero() {
		return a
	}
	if b.Before(a) {
		return b
	}
	return a
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// ToOperation flattens the running aggregate back into an Operation,
// preserving metric and log-entry insertion order.
func (a *Aggregator) ToOperation() *sctypes.Operation {
	op := &sctypes.Operation{
		ConsumerID:    a.consumerID,
		OperationName: a.operationName,
		Labels:        copyLabels(a.labels),
		StartTime:     a.startTime,
		EndTime:       a.endTime,
		Importance:    a.importance,
		LogEntries:    append([]sctypes.LogEntry(nil), a.logEntries...),
	}
	for _, name := range a.metricOrder {
		g := a.metrics[name]
		set := sctypes.MetricValueSet{MetricName: name}
		for _, sig := range g.order {
			set.MetricValues = append(set.MetricValues, *g.values[sig])
		}
		op.MetricValueSets = append(op.MetricValueSets, set)
	}
	return op
}

// mergeMetricValue dispatches by kind. For Cumulative and Gauge
// metrics the sample with the newer EndTime wins outright. For Delta
// metrics the time window is unioned and the values are summed; an
// incompatible value-case pair (e.g. int64 vs money) is refused.
func mergeMetricValue(kind sctypes.MetricKind, existing, incoming *sctypes.MetricValue) (*sctypes.MetricValue, error) {
	switch kind {
	case sctypes.Cumulative, sctypes.Gauge:
		if incoming.EndTime.After(existing.EndTime) {
			v := *incoming
			return &v, nil
		}
		v := *existing
		return &v, nil
	default:
		return mergeDelta(existing, incoming)
	}
}

func mergeDelta(existing, incoming *sctypes.MetricValue) (*sctypes.MetricValue, error) {
	merged := *existing
	merged.StartTime = earlier(existing.StartTime, incoming.StartTime)
	merged.EndTime = later(existing.EndTime, incoming.EndTime)

	switch {
	case existing.Value.Int64Value != nil && incoming.Value.Int64Value != nil:
		sum := *existing.Value.Int64Value + *incoming.Value.Int64Value
		merged.Value = sctypes.MetricValueOneOf{Int64Value: &sum}
	case existing.Value.DoubleValue != nil && incoming.Value.DoubleValue != nil:
		sum := *existing.Value.DoubleValue + *incoming.Value.DoubleValue
		merged.Value = sctypes.MetricValueOneOf{DoubleValue: &sum}
	case existing.Value.MoneyValue != nil && incoming.Value.MoneyValue != nil:
		sum, err := money.Add(*existing.Value.MoneyValue, *incoming.Value.MoneyValue)
		if err != nil && scerr.CodeOf(err) == scerr.InvalidArgument {
			return nil, err
		}
		// scerr.OutOfRange still carries a saturated sum; use it.
		merged.Value = sctypes.MetricValueOneOf{MoneyValue: &sum}
	case existing.Value.DistributionValue != nil && incoming.Value.DistributionValue != nil:
		to := *existing.Value.DistributionValue
		to.BucketCounts = append([]int64(nil), existing.Value.DistributionValue.BucketCounts...)
		if err := distribution.Merge(&to, incoming.Value.DistributionValue); err != nil {
			return nil, err
		}
		merged.Value = sctypes.MetricValueOneOf{DistributionValue: &to}
	default:
		return nil, errMismatchedValueCase
	}
	return &merged, nil
}
