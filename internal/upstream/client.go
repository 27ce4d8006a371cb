package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/spec-kit/ticket-gateway/internal/config"
	"github.com/spec-kit/ticket-gateway/internal/domain"
	"github.com/spec-kit/ticket-gateway/internal/observability"
	apperrors "github.com/spec-kit/ticket-gateway/pkg/util/errorutil"
)

// maxResponseSize bounds how much of an upstream body is read.
const maxResponseSize = 4 << 20

// TokenSource hands out bearer tokens and accepts reports of rejected ones.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate(token string)
}

// Request is one logical call against the ticketing API.
type Request struct {
	// Op labels the call in logs and metrics, e.g. "call.submit".
	Op     string
	Method string
	// Path is relative to the API root.
	Path string
	JSON any
	// File, when set, is streamed as a multipart form under FileField.
	File      *domain.FileHandle
	FileField string
	// RetryTransient allows retries on 429, 5xx and network failures. Leave
	// it false for requests that are not safe to repeat.
	RetryTransient bool
}

// Response is a successful upstream answer.
type Response struct {
	Status   int
	Body     []byte
	Attempts int
}

// DecodeJSON unmarshals the response body into v.
func (r *Response) DecodeJSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode upstream response: %w", err)
	}
	return nil
}

// Options configures a Client.
type Options struct {
	BaseURL       string
	Timeout       time.Duration
	Retry         RetryPolicy
	RatePerSecond float64
	HTTPClient    *http.Client
	Logger        *zap.Logger
	Metrics       *observability.Metrics
}

// OptionsFromConfig maps service configuration onto Options.
func OptionsFromConfig(cfg config.UpstreamConfig) Options {
	return Options{
		BaseURL: cfg.APIURL(),
		Timeout: cfg.Timeout(),
		Retry: RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   time.Duration(cfg.BackoffBaseMS) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.BackoffMaxMS) * time.Millisecond,
		},
		RatePerSecond: cfg.RatePerSecond,
	}
}

// Client performs authenticated calls against the ticketing API.
type Client struct {
	baseURL string
	timeout time.Duration
	retry   RetryPolicy
	limiter *rate.Limiter
	http    *http.Client
	tokens  TokenSource
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewClient builds a client that authenticates through tokens.
func NewClient(opts Options, tokens TokenSource) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		timeout: opts.Timeout,
		retry:   opts.Retry,
		limiter: rate.NewLimiter(limit, 1),
		http:    httpClient,
		tokens:  tokens,
		logger:  logger,
		metrics: opts.Metrics,
	}
}

// Do sends req. A 401 invalidates the token and repeats the request once
// with a fresh one; a second 401 is an auth error. Transient failures are
// retried with backoff when req.RetryTransient is set. Other non-2xx answers
// fail at once.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	logger := c.logger.With(zap.String("op", req.Op), zap.String("method", req.Method), zap.String("path", req.Path))

	authRetried := false
	transientFailures := 0
	attempts := 0
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, apperrors.NewNetworkError(err, errors.Is(err, context.DeadlineExceeded))
		}
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}

		attempts++
		status, body, err := c.send(ctx, req, token)
		c.metrics.RecordUpstream(req.Op, status)

		if err != nil {
			if apperrors.IsCode(err, apperrors.CodeAttachment) {
				return nil, err
			}
			netErr := classifyTransport(err)
			transientFailures++
			if ctx.Err() != nil || !req.RetryTransient || transientFailures >= c.retry.attempts() {
				logger.Warn("upstream call failed", zap.Int("attempt", attempts), zap.Error(err))
				return nil, netErr
			}
			if waitErr := c.wait(ctx, logger, transientFailures, "network error", err); waitErr != nil {
				return nil, netErr
			}
			continue
		}

		switch {
		case status >= 200 && status <= 299:
			logger.Debug("upstream call succeeded", zap.Int("status", status), zap.Int("attempt", attempts))
			return &Response{Status: status, Body: body, Attempts: attempts}, nil
		case status == http.StatusUnauthorized:
			if authRetried {
				logger.Warn("upstream rejected refreshed token", zap.Int("attempt", attempts))
				return nil, apperrors.NewAuthError("upstream rejected refreshed token", apperrors.NewUpstreamError(status, string(body)))
			}
			authRetried = true
			logger.Info("upstream rejected token, refreshing")
			c.tokens.Invalidate(token)
			continue
		case RetryableStatus(status):
			transientFailures++
			upErr := apperrors.NewUpstreamError(status, string(body))
			if !req.RetryTransient || transientFailures >= c.retry.attempts() {
				logger.Warn("upstream call failed", zap.Int("status", status), zap.Int("attempt", attempts))
				return nil, upErr
			}
			if waitErr := c.wait(ctx, logger, transientFailures, "transient status", upErr); waitErr != nil {
				return nil, upErr
			}
		default:
			logger.Warn("upstream call rejected", zap.Int("status", status), zap.Int("attempt", attempts))
			return nil, apperrors.NewUpstreamError(status, string(body))
		}
	}
}

func (c *Client) wait(ctx context.Context, logger *zap.Logger, failures int, reason string, cause error) error {
	delay := c.retry.Backoff(failures)
	logger.Info("retrying upstream call",
		zap.String("reason", reason),
		zap.Int("failures", failures),
		zap.Duration("backoff", delay),
		zap.Error(cause))
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// send performs a single HTTP exchange bounded by the client timeout.
func (c *Client) send(ctx context.Context, req Request, token string) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, contentType, err := c.body(req)
	if err != nil {
		return 0, nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+"/"+strings.TrimLeft(req.Path, "/"), body)
	if err != nil {
		if body != nil {
			_ = body.Close()
		}
		return 0, nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/json")
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}

// body builds a fresh request body for each attempt.
func (c *Client) body(req Request) (io.ReadCloser, string, error) {
	switch {
	case req.File != nil:
		return multipartBody(req.File, req.FileField)
	case req.JSON != nil:
		data, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, "", fmt.Errorf("encode request body: %w", err)
		}
		return io.NopCloser(bytes.NewReader(data)), "application/json", nil
	default:
		return nil, "", nil
	}
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// multipartBody streams a staged file without loading it into memory.
func multipartBody(file *domain.FileHandle, field string) (io.ReadCloser, string, error) {
	if field == "" {
		field = "file"
	}
	f, err := os.Open(file.Path)
	if err != nil {
		return nil, "", apperrors.NewAttachmentError(err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		defer f.Close()
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
			quoteEscaper.Replace(field), quoteEscaper.Replace(file.FileName)))
		contentType := file.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		header.Set("Content-Type", contentType)

		part, err := mw.CreatePart(header)
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()
	return pr, mw.FormDataContentType(), nil
}

func classifyTransport(err error) error {
	timeout := errors.Is(err, context.DeadlineExceeded)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		timeout = true
	}
	return apperrors.NewNetworkError(err, timeout)
}
