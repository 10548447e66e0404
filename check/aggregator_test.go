package check

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/servicecontrol/client/scerr"
	"github.com/servicecontrol/client/sctypes"
)

func quotaOp(quota int64) *sctypes.Operation {
	v := quota
	return &sctypes.Operation{
		ConsumerID:    "project:1",
		OperationName: "read",
		Importance:    sctypes.Low,
		MetricValueSets: []sctypes.MetricValueSet{
			{MetricName: "quota", MetricValues: []sctypes.MetricValue{
				{Value: sctypes.MetricValueOneOf{Int64Value: &v}},
			}},
		},
	}
}

func TestCheck_CachedPassServedWithoutRefresh(t *testing.T) {
	a := New("svc", NewOptions(1, 100*time.Millisecond, 200*time.Millisecond), nil, nil)
	req := &sctypes.CheckRequest{ServiceName: "svc", Operation: quotaOp(1)}

	_, err := a.Check(req)
	require.Equal(t, scerr.NotFound, scerr.CodeOf(err))

	require.NoError(t, a.CacheResponse(req, &sctypes.CheckResponse{}))

	for i := 0; i < 3; i++ {
		resp, err := a.Check(req)
		require.NoError(t, err)
		require.True(t, resp.Passed())
	}
}

func TestCheck_RefreshAfterFlushInterval(t *testing.T) {
	a := New("svc", NewOptions(1, 20*time.Millisecond, 500*time.Millisecond), nil, nil)
	req := &sctypes.CheckRequest{ServiceName: "svc", Operation: quotaOp(1)}

	_, _ = a.Check(req)
	require.NoError(t, a.CacheResponse(req, &sctypes.CheckResponse{}))
	_, err := a.Check(req)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	_, err = a.Check(req)
	require.Equal(t, scerr.NotFound, scerr.CodeOf(err), "stale entry should signal a refresh")
}

func TestCheck_CachedErrorServedWithoutAggregation(t *testing.T) {
	a := New("svc", NewOptions(1, 200*time.Millisecond, 500*time.Millisecond), nil, nil)
	req := &sctypes.CheckRequest{ServiceName: "svc", Operation: quotaOp(1)}

	_, _ = a.Check(req)
	errResp := &sctypes.CheckResponse{CheckErrors: []sctypes.CheckError{{Code: "PERMISSION_DENIED"}}}
	require.NoError(t, a.CacheResponse(req, errResp))

	resp, err := a.Check(req)
	require.NoError(t, err)
	require.False(t, resp.Passed())

	var flushed []*sctypes.CheckRequest
	a.SetFlushCallback(func(r *sctypes.CheckRequest) { flushed = append(flushed, r) })
	a.FlushAll()
	require.Empty(t, flushed, "cached error entries carry no pending aggregator to flush")
}

func TestCheck_FlushAllEmitsAggregatedQuota(t *testing.T) {
	a := New("svc", NewOptions(1, 10*time.Second, 20*time.Second), nil, nil)
	req := &sctypes.CheckRequest{ServiceName: "svc", Operation: quotaOp(1)}

	_, _ = a.Check(req)
	require.NoError(t, a.CacheResponse(req, &sctypes.CheckResponse{}))

	for i := 0; i < 3; i++ {
		_, err := a.Check(req)
		require.NoError(t, err)
	}

	var mu sync.Mutex
	var flushed []*sctypes.CheckRequest
	a.SetFlushCallback(func(r *sctypes.CheckRequest) {
		mu.Lock()
		defer mu.Unlock()
		flushed = append(flushed, r)
	})
	a.FlushAll()

	require.Len(t, flushed, 1)
	mvs := flushed[0].Operation.MetricValueSets
	require.Len(t, mvs, 1)
	require.Equal(t, int64(3), *mvs[0].MetricValues[0].Value.Int64Value)
}

func TestCheck_HighImportanceAlwaysNotFound(t *testing.T) {
	a := New("svc", NewOptions(1, time.Second, 2*time.Second), nil, nil)
	op := quotaOp(1)
	op.Importance = sctypes.High
	_, err := a.Check(&sctypes.CheckRequest{ServiceName: "svc", Operation: op})
	require.Equal(t, scerr.NotFound, scerr.CodeOf(err))
}

func TestCheck_ServiceNameMismatchIsInvalidArgument(t *testing.T) {
	a := New("svc", NewOptions(1, time.Second, 2*time.Second), nil, nil)
	_, err := a.Check(&sctypes.CheckRequest{ServiceName: "other", Operation: quotaOp(1)})
	require.Equal(t, scerr.InvalidArgument, scerr.CodeOf(err))
}

// a flush callback that calls back into the same aggregator (e.g. to
// re-cache a freshly fetched response) must not deadlock on the
// aggregator's own mutex, and the re-cached response must be visible
// to the very next Check.
func TestCheck_FlushCallbackReentersCacheResponseWithoutDeadlock(t *testing.T) {
	a := New("svc", NewOptions(1, 10*time.Second, 20*time.Second), nil, nil)
	req := &sctypes.CheckRequest{ServiceName: "svc", Operation: quotaOp(1)}

	_, err := a.Check(req)
	require.Equal(t, scerr.NotFound, scerr.CodeOf(err))
	require.NoError(t, a.CacheResponse(req, &sctypes.CheckResponse{}))

	// A cached pass response only accumulates a pending aggregator (and
	// therefore only produces a flush request) once a later Check call
	// merges an operation into it.
	_, err = a.Check(req)
	require.NoError(t, err)

	refreshed := &sctypes.CheckResponse{QuotaScale: 9}
	a.SetFlushCallback(func(r *sctypes.CheckRequest) {
		require.NoError(t, a.CacheResponse(r, refreshed))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.FlushAll()
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("FlushAll deadlocked on a re-entrant CacheResponse call from its own flush callback")
	}

	resp, err := a.Check(req)
	require.NoError(t, err, "the re-cached response from the re-entrant callback must be visible")
	require.Equal(t, int64(9), resp.QuotaScale)
}

// requests that share consumer/operation/labels but carry different
// metric-value-sets must key separate cache entries: caching a response
// for one must not make the other appear cached too.
func TestCheck_DistinctMetricValueSetsDoNotCollide(t *testing.T) {
	a := New("svc", NewOptions(10, time.Minute, time.Hour), nil, nil)
	reqQuotaA := &sctypes.CheckRequest{ServiceName: "svc", Operation: quotaOp(1)}

	writes := int64(5)
	opWrites := &sctypes.Operation{
		ConsumerID:    "project:1",
		OperationName: "read",
		Importance:    sctypes.Low,
		MetricValueSets: []sctypes.MetricValueSet{
			{MetricName: "writes", MetricValues: []sctypes.MetricValue{
				{Value: sctypes.MetricValueOneOf{Int64Value: &writes}},
			}},
		},
	}
	reqWrites := &sctypes.CheckRequest{ServiceName: "svc", Operation: opWrites}

	_, err := a.Check(reqQuotaA)
	require.Equal(t, scerr.NotFound, scerr.CodeOf(err))
	require.NoError(t, a.CacheResponse(reqQuotaA, &sctypes.CheckResponse{}))

	// A cached response for the "quota" request must not answer for the
	// still-uncached "writes" request.
	_, err = a.Check(reqWrites)
	require.Equal(t, scerr.NotFound, scerr.CodeOf(err), "distinct metric-value-sets must not share a cache entry")
}
