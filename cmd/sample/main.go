// Command sample demonstrates wiring the service control client
// façade to the sample HTTP transport and issuing a synchronous check
// call and an asynchronous report call.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/servicecontrol/client/check"
	"github.com/servicecontrol/client/client"
	"github.com/servicecontrol/client/report"
	"github.com/servicecontrol/client/sctypes"
	"github.com/servicecontrol/client/transport/httptransport"
)

func main() {
	var (
		serviceName     = flag.String("service-name", "example.appspot.com", "service name to check and report against")
		serviceConfigID = flag.String("service-config-id", "2016-08-25r1", "service config version id")
		checkURL        = flag.String("check-url", "https://servicecontrol.googleapis.com/v1/services:check", "check endpoint")
		reportURL       = flag.String("report-url", "https://servicecontrol.googleapis.com/v1/services:report", "report endpoint")
		bearerToken     = flag.String("bearer-token", "", "bearer token for the sample transport")
		consumerID      = flag.String("consumer-id", "project:example-consumer", "consumer identifier to check and report")
	)
	flag.Parse()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	tr, err := httptransport.New(httptransport.Config{
		CheckURL:         *checkURL,
		ReportURL:        *reportURL,
		UserAgent:        "servicecontrol-client-sample/1.0",
		Timeout:          5 * time.Second,
		RetryBackoff:     200 * time.Millisecond,
		MaxRetryAttempts: 3,
		BearerToken:      *bearerToken,
	}, logger)
	if err != nil {
		level.Error(logger).Log("msg", "failed to build transport", "err", err)
		os.Exit(1)
	}

	// tr.Check/tr.Report block and return their result; the façade wants
	// a fire-and-forget call that fills its own response pointer and
	// reports completion through a done callback, so bridge the two here.
	checkTransport := func(req *sctypes.CheckRequest, resp *sctypes.CheckResponse, done client.DoneFunc) {
		got, err := tr.Check(context.Background(), req)
		if err != nil {
			done(err)
			return
		}
		*resp = *got
		done(nil)
	}
	reportTransport := func(req *sctypes.ReportRequest, done client.DoneFunc) {
		done(tr.Report(context.Background(), req))
	}

	c, err := client.Create(*serviceName, *serviceConfigID, client.Options{
		Check:           check.NewOptions(10000, 500*time.Millisecond, time.Minute),
		Report:          report.NewOptions(10000, time.Second),
		MetricKinds:     sctypes.MetricKindMap{"serviceruntime.googleapis.com/api/producer/request_count": sctypes.Delta},
		CheckTransport:  checkTransport,
		ReportTransport: reportTransport,
		Logger:          logger,
	})
	if err != nil {
		level.Error(logger).Log("msg", "failed to create client", "err", err)
		os.Exit(1)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	checkReq := &sctypes.CheckRequest{
		ServiceName:     *serviceName,
		ServiceConfigID: *serviceConfigID,
		Operation: &sctypes.Operation{
			OperationID:   "sample-check-1",
			OperationName: "sample.googleapis.com/echo",
			ConsumerID:    *consumerID,
			StartTime:     time.Now(),
			EndTime:       time.Now(),
			Importance:    sctypes.Low,
		},
	}

	resp, err := c.Check(ctx, checkReq)
	if err != nil {
		level.Error(logger).Log("msg", "check failed", "err", err)
	} else if !resp.Passed() {
		level.Warn(logger).Log("msg", "check did not pass", "errors", len(resp.CheckErrors))
	} else {
		level.Info(logger).Log("msg", "check passed", "quota_scale", resp.QuotaScale)
	}

	reportReq := &sctypes.ReportRequest{
		ServiceName:     *serviceName,
		ServiceConfigID: *serviceConfigID,
		Operations: []*sctypes.Operation{{
			OperationID:   "sample-report-1",
			OperationName: "sample.googleapis.com/echo",
			ConsumerID:    *consumerID,
			StartTime:     time.Now(),
			EndTime:       time.Now(),
			Importance:    sctypes.Low,
			MetricValueSets: []sctypes.MetricValueSet{{
				MetricName: "serviceruntime.googleapis.com/api/producer/request_count",
				MetricValues: []sctypes.MetricValue{{
					StartTime: time.Now(),
					EndTime:   time.Now(),
					Value:     sctypes.MetricValueOneOf{Int64Value: int64Ptr(1)},
				}},
			}},
		}},
	}

	c.ReportAsync(reportReq, func(err error) {
		if err != nil {
			level.Error(logger).Log("msg", "report failed", "err", err)
			return
		}
		level.Info(logger).Log("msg", "report accepted")
	})

	snap := c.GetStatistics()
	level.Info(logger).Log("msg", "final statistics",
		"total_checks", snap.TotalCalledChecks,
		"total_reports", snap.TotalCalledReports,
		"sent_report_operations", snap.SendReportOperations,
	)
}

func int64Ptr(v int64) *int64 { return &v }
