package httptransport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/require"

	"github.com/servicecontrol/client/scerr"
	"github.com/servicecontrol/client/sctypes"
)

func TestCheck_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "snappy", r.Header.Get("Content-Encoding"))
		resp, _ := json.Marshal(&sctypes.CheckResponse{})
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(snappy.Encode(nil, resp))
	}))
	defer srv.Close()

	tr, err := New(Config{CheckURL: srv.URL, Timeout: time.Second}, nil)
	require.NoError(t, err)

	resp, err := tr.Check(context.Background(), &sctypes.CheckRequest{ServiceName: "svc", Operation: &sctypes.Operation{}})
	require.NoError(t, err)
	require.True(t, resp.Passed())
}

func TestCheck_RetriesOn5xxThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		resp, _ := json.Marshal(&sctypes.CheckResponse{})
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(snappy.Encode(nil, resp))
	}))
	defer srv.Close()

	tr, err := New(Config{CheckURL: srv.URL, Timeout: time.Second, RetryBackoff: time.Millisecond, MaxRetryAttempts: 3}, nil)
	require.NoError(t, err)

	_, err = tr.Check(context.Background(), &sctypes.CheckRequest{ServiceName: "svc", Operation: &sctypes.Operation{}})
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
}

func TestCheck_BadRequestIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	tr, err := New(Config{CheckURL: srv.URL, Timeout: time.Second, RetryBackoff: time.Millisecond, MaxRetryAttempts: 3}, nil)
	require.NoError(t, err)

	_, err = tr.Check(context.Background(), &sctypes.CheckRequest{ServiceName: "svc", Operation: &sctypes.Operation{}})
	require.Error(t, err)
	require.Equal(t, scerr.InvalidArgument, scerr.CodeOf(err))
	require.Equal(t, int32(1), calls.Load())
}

func TestReport_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr, err := New(Config{ReportURL: srv.URL, Timeout: time.Second}, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Report(context.Background(), &sctypes.ReportRequest{ServiceName: "svc"}))
}
