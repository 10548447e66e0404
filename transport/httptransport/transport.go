// Package httptransport is the sample HTTP transport: its blocking
// Check and Report calls post JSON, snappy-compressed request bodies
// to a Service Control-compatible HTTP endpoint, retrying recoverable
// failures with backoff.
package httptransport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/prometheus/common/config"

	"github.com/servicecontrol/client/scerr"
	"github.com/servicecontrol/client/sctypes"
)

// BasicAuth holds HTTP basic-auth credentials.
type BasicAuth struct {
	Username string
	Password string
}

// Config holds everything needed to build a Transport.
type Config struct {
	CheckURL         string
	ReportURL        string
	UserAgent        string
	Timeout          time.Duration
	RetryBackoff     time.Duration
	MaxRetryAttempts uint
	BasicAuth        *BasicAuth
	BearerToken      string

	TLSCert            string
	TLSKey             string
	TLSCACert          string
	InsecureSkipVerify bool
}

func (c Config) toHTTPClientConfig() config.HTTPClientConfig {
	cfg := config.HTTPClientConfig{
		TLSConfig: config.TLSConfig{
			CertFile:           c.TLSCert,
			KeyFile:            c.TLSKey,
			CAFile:             c.TLSCACert,
			InsecureSkipVerify: c.InsecureSkipVerify,
		},
	}
	if c.BasicAuth != nil {
		cfg.BasicAuth = &config.BasicAuth{
			Username: c.BasicAuth.Username,
			Password: config.Secret(c.BasicAuth.Password),
		}
	} else if c.BearerToken != "" {
		cfg.BearerToken = config.Secret(c.BearerToken)
	}
	return cfg
}

// Transport is the sample HTTP transport. Its Check and Report methods
// block until the call completes; they do not have the done-callback
// shape of client.CheckTransportFunc/ReportTransportFunc.
type Transport struct {
	client *http.Client
	cfg    Config
	log    log.Logger
}

func New(cfg Config, logger log.Logger) (*Transport, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	client, err := config.NewClientFromConfig(cfg.toHTTPClientConfig(), "servicecontrol")
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP client: %w", err)
	}
	return &Transport{client: client, cfg: cfg, log: log.With(logger, "component", "httptransport")}, nil
}

// Check sends req to CheckURL and decodes the response.
func (t *Transport) Check(ctx context.Context, req *sctypes.CheckRequest) (*sctypes.CheckResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, scerr.Wrap(scerr.InvalidArgument, "failed to marshal check request", err)
	}
	var resp sctypes.CheckResponse
	if err := t.trySend(ctx, t.cfg.CheckURL, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Report sends req to ReportURL.
func (t *Transport) Report(ctx context.Context, req *sctypes.ReportRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return scerr.Wrap(scerr.InvalidArgument, "failed to marshal report request", err)
	}
	return t.trySend(ctx, t.cfg.ReportURL, body, nil)
}

type sendResult struct {
	err              error
	successful       bool
	recoverableError bool
	retryAfter       time.Duration
}

// trySend is the retry loop; out, if non-nil, receives the decoded
// response body on success.
func (t *Transport) trySend(ctx context.Context, url string, body []byte, out any) error {
	compressed := snappy.Encode(nil, body)
	attempts := 0
	for {
		result := t.send(ctx, url, compressed, out)
		if result.successful {
			return nil
		}
		if !result.recoverableError {
			return result.err
		}
		attempts++
		if t.cfg.MaxRetryAttempts > 0 && attempts > int(t.cfg.MaxRetryAttempts) {
			level.Debug(t.log).Log("msg", "max retry attempts reached", "attempts", attempts)
			return result.err
		}
		select {
		case <-ctx.Done():
			return scerr.Wrap(scerr.DeadlineExceeded, "context done while retrying", ctx.Err())
		case <-time.After(result.retryAfter):
		}
	}
}

func (t *Transport) send(ctx context.Context, url string, compressed []byte, out any) sendResult {
	result := sendResult{}
	httpReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(compressed))
	if err != nil {
		result.err = scerr.Wrap(scerr.Internal, "failed to build request", err)
		return result
	}
	httpReq.Header.Set("Content-Encoding", "snappy")
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", t.cfg.UserAgent)
	httpReq.Header.Set("X-Request-Id", uuid.NewString())

	reqCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	resp, err := t.client.Do(httpReq.WithContext(reqCtx))
	if err != nil {
		result.err = scerr.Wrap(scerr.Unavailable, "request failed", err)
		result.recoverableError = true
		result.retryAfter = t.cfg.RetryBackoff
		return result
	}
	defer resp.Body.Close()

	return t.classify(resp, out, result)
}

// classify maps an HTTP response onto a sendResult. Each status case
// is handled independently: there is deliberately no fallthrough
// between 4xx and 5xx cases.
func (t *Transport) classify(resp *http.Response, out any, result sendResult) sendResult {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted:
		if out != nil {
			decompressed, err := snappy.Decode(nil, readAll(resp.Body))
			if err != nil {
				result.err = scerr.Wrap(scerr.Internal, "failed to decompress response", err)
				return result
			}
			if err := json.Unmarshal(decompressed, out); err != nil {
				result.err = scerr.Wrap(scerr.Internal, "failed to decode response", err)
				return result
			}
		}
		result.successful = true
		return result
	case http.StatusBadRequest:
		result.err = scerr.New(scerr.InvalidArgument, responseSnippet(resp))
		return result
	case http.StatusForbidden:
		result.err = scerr.New(scerr.PermissionDenied, responseSnippet(resp))
		return result
	case http.StatusNotFound:
		result.err = scerr.New(scerr.InvalidArgument, "unknown service or service config")
		return result
	case http.StatusRequestTimeout:
		result.err = scerr.New(scerr.DeadlineExceeded, responseSnippet(resp))
		result.recoverableError = true
		result.retryAfter = t.cfg.RetryBackoff
		return result
	case http.StatusTooManyRequests:
		result.err = scerr.New(scerr.Unavailable, "rate limited")
		result.recoverableError = true
		result.retryAfter = retryAfterDuration(t.cfg.RetryBackoff, resp.Header.Get("Retry-After"))
		return result
	}
	if resp.StatusCode/100 == 5 {
		result.err = scerr.New(scerr.Unavailable, responseSnippet(resp))
		result.recoverableError = true
		result.retryAfter = retryAfterDuration(t.cfg.RetryBackoff, resp.Header.Get("Retry-After"))
		return result
	}
	result.err = scerr.New(scerr.Internal, fmt.Sprintf("unexpected status %s: %s", resp.Status, responseSnippet(resp)))
	return result
}

func responseSnippet(resp *http.Response) string {
	scanner := bufio.NewScanner(io.LimitReader(resp.Body, 1000))
	if scanner.Scan() {
		return scanner.Text()
	}
	return resp.Status
}

func readAll(r io.Reader) []byte {
	b, _ := io.ReadAll(r)
	return b
}

func retryAfterDuration(defaultDuration time.Duration, header string) time.Duration {
	if header == "" {
		return defaultDuration
	}
	if t, err := http.ParseTime(header); err == nil {
		return time.Until(t)
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return defaultDuration
}
