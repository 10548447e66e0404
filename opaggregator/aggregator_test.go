package opaggregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/servicecontrol/client/sctypes"
)

func int64MV(labels map[string]string, v int64) sctypes.MetricValue {
	vv := v
	return sctypes.MetricValue{Labels: labels, Value: sctypes.MetricValueOneOf{Int64Value: &vv}}
}

func baseOp(quota int64) *sctypes.Operation {
	return &sctypes.Operation{
		ConsumerID:    "project:1",
		OperationName: "read",
		StartTime:     time.Unix(100, 0),
		EndTime:       time.Unix(100, 0),
		MetricValueSets: []sctypes.MetricValueSet{
			{MetricName: "quota", MetricValues: []sctypes.MetricValue{int64MV(nil, quota)}},
		},
	}
}

func TestMergeOperation_DeltaSumsValues(t *testing.T) {
	agg := New(baseOp(1), nil, nil)
	agg.MergeOperation(baseOp(2))
	agg.MergeOperation(baseOp(3))

	out := agg.ToOperation()
	require.Len(t, out.MetricValueSets, 1)
	require.Len(t, out.MetricValueSets[0].MetricValues, 1)
	require.Equal(t, int64(6), *out.MetricValueSets[0].MetricValues[0].Value.Int64Value)
}

func TestMergeOperation_PreservesScalarFields(t *testing.T) {
	op := baseOp(1)
	op.Labels = map[string]string{"a": "1"}
	agg := New(op, nil, nil)
	out := agg.ToOperation()
	require.Equal(t, op.ConsumerID, out.ConsumerID)
	require.Equal(t, op.OperationName, out.OperationName)
	require.Equal(t, op.Labels, out.Labels)
}

func TestMergeOperation_UnionsTimeRange(t *testing.T) {
	op1 := baseOp(1)
	op1.StartTime, op1.EndTime = time.Unix(100, 0), time.Unix(100, 0)
	op2 := baseOp(1)
	op2.StartTime, op2.EndTime = time.Unix(50, 0), time.Unix(200, 0)

	agg := New(op1, nil, nil)
	agg.MergeOperation(op2)
	out := agg.ToOperation()
	require.True(t, out.StartTime.Equal(time.Unix(50, 0)))
	require.True(t, out.EndTime.Equal(time.Unix(200, 0)))
}

func TestMergeOperation_CumulativeNewerWins(t *testing.T) {
	mkKind := sctypes.MetricKindMap{"quota": sctypes.Cumulative}
	older := baseOp(5)
	older.MetricValueSets[0].MetricValues[0].EndTime = time.Unix(1, 0)
	newer := baseOp(9)
	newer.MetricValueSets[0].MetricValues[0].EndTime = time.Unix(2, 0)

	agg := New(older, mkKind, nil)
	agg.MergeOperation(newer)
	out := agg.ToOperation()
	require.Equal(t, int64(9), *out.MetricValueSets[0].MetricValues[0].Value.Int64Value)
}

func TestMergeOperation_LogEntriesAppendInOrder(t *testing.T) {
	op1 := baseOp(1)
	op1.LogEntries = []sctypes.LogEntry{{Name: "first"}}
	op2 := baseOp(1)
	op2.LogEntries = []sctypes.LogEntry{{Name: "second"}}

	agg := New(op1, nil, nil)
	agg.MergeOperation(op2)
	out := agg.ToOperation()
	require.Len(t, out.LogEntries, 2)
	require.Equal(t, "first", out.LogEntries[0].Name)
	require.Equal(t, "second", out.LogEntries[1].Name)
}
