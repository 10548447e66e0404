package report

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/servicecontrol/client/sctypes"
)

func op(consumer string, quota int64) *sctypes.Operation {
	v := quota
	return &sctypes.Operation{
		ConsumerID:    consumer,
		OperationName: "write",
		Importance:    sctypes.Low,
		MetricValueSets: []sctypes.MetricValueSet{
			{MetricName: "quota", MetricValues: []sctypes.MetricValue{
				{Value: sctypes.MetricValueOneOf{Int64Value: &v}},
			}},
		},
	}
}

type collector struct {
	mu  sync.Mutex
	got []*sctypes.ReportRequest
}

func (c *collector) handle(r *sctypes.ReportRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, r)
}

func (c *collector) all() []*sctypes.ReportRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*sctypes.ReportRequest(nil), c.got...)
}

func TestReport_CapacityEvictionFlushesImmediately(t *testing.T) {
	a := New("svc", "cfg", NewOptions(1, time.Second), nil, nil)
	col := &collector{}
	a.SetFlushCallback(col.handle)

	require.NoError(t, a.Report(&sctypes.ReportRequest{ServiceName: "svc", Operations: []*sctypes.Operation{op("c1", 1)}}))
	require.NoError(t, a.Report(&sctypes.ReportRequest{ServiceName: "svc", Operations: []*sctypes.Operation{op("c2", 1)}}))

	require.Len(t, col.all(), 1, "inserting a second key should evict the first immediately")

	a.FlushAll()
	got := col.all()
	require.Len(t, got, 2)
}

func TestReport_AgeBasedEviction(t *testing.T) {
	a := New("svc", "cfg", NewOptions(4, 100*time.Millisecond), nil, nil)
	col := &collector{}
	a.SetFlushCallback(col.handle)

	require.NoError(t, a.Report(&sctypes.ReportRequest{ServiceName: "svc", Operations: []*sctypes.Operation{op("c1", 1)}}))
	a.Flush()
	require.Empty(t, col.all())

	time.Sleep(150 * time.Millisecond)
	a.Flush()
	require.Len(t, col.all(), 1)
}

func TestReport_MergesSameSignature(t *testing.T) {
	a := New("svc", "cfg", NewOptions(4, time.Second), nil, nil)
	col := &collector{}
	a.SetFlushCallback(col.handle)

	require.NoError(t, a.Report(&sctypes.ReportRequest{ServiceName: "svc", Operations: []*sctypes.Operation{op("c1", 1)}}))
	require.NoError(t, a.Report(&sctypes.ReportRequest{ServiceName: "svc", Operations: []*sctypes.Operation{op("c1", 2)}}))

	a.FlushAll()
	got := col.all()
	require.Len(t, got, 1)
	require.Len(t, got[0].Operations, 1)
	mvs := got[0].Operations[0].MetricValueSets
	require.Equal(t, int64(3), *mvs[0].MetricValues[0].Value.Int64Value)
}

func TestReport_BatchCapRespected(t *testing.T) {
	a := New("svc", "cfg", NewOptions(200, time.Second), nil, nil)
	col := &collector{}
	a.SetFlushCallback(col.handle)

	for i := 0; i < MaxOperationsPerRequest+5; i++ {
		c := string(rune('a' + (i % 26)))
		require.NoError(t, a.Report(&sctypes.ReportRequest{
			ServiceName: "svc",
			Operations:  []*sctypes.Operation{op(c+string(rune(i)), 1)},
		}))
	}
	a.FlushAll()
	for _, req := range col.all() {
		require.LessOrEqual(t, len(req.Operations), MaxOperationsPerRequest)
	}
}

func TestReport_HighImportanceIsNotFound(t *testing.T) {
	a := New("svc", "cfg", NewOptions(4, time.Second), nil, nil)
	o := op("c1", 1)
	o.Importance = sctypes.High
	err := a.Report(&sctypes.ReportRequest{ServiceName: "svc", Operations: []*sctypes.Operation{o}})
	require.Error(t, err)
}
