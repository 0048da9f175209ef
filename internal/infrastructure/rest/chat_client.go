// Package rest talks to the chat backend that owns workspaces, channels and
// message history.
package rest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"chathub/internal/core/domain"
	"chathub/pkg/circuitbreaker"
	"chathub/pkg/codec"
	"chathub/pkg/config"
	apperrors "chathub/pkg/errors"
	"chathub/pkg/retry"
	"chathub/pkg/validation"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

type Config struct {
	BaseURL        string
	Timeout        time.Duration
	RetryAttempts  int
	BreakerFailure int
	BreakerTimeout time.Duration
	// Token returns the bearer token sent with every request. Optional.
	Token func() string
}

func ConfigFrom(cfg *config.Config) Config {
	return Config{
		BaseURL:        cfg.ChatAPI.BaseURL,
		Timeout:        cfg.ChatAPI.Timeout,
		RetryAttempts:  cfg.ChatAPI.RetryAttempts,
		BreakerFailure: cfg.ChatAPI.BreakerFailure,
		BreakerTimeout: cfg.ChatAPI.BreakerTimeout,
	}
}

// StatusError is a non-2xx response from the chat backend.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Temporary reports whether repeating the request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Status >= 500 || e.Status == fasthttp.StatusTooManyRequests
}

type ChatClient struct {
	baseURL string
	timeout time.Duration
	token   func() string
	http    *fasthttp.Client
	breaker *circuitbreaker.CircuitBreaker
	retry   retry.Config
	logger  *zap.SugaredLogger
}

func NewChatClient(cfg Config, logger *zap.SugaredLogger) (*ChatClient, error) {
	if err := validation.ValidateURL(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("chat api url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	breakerCfg := circuitbreaker.DefaultConfig()
	breakerCfg.Name = "chat-api"
	if cfg.BreakerFailure > 0 {
		breakerCfg.FailureThreshold = cfg.BreakerFailure
	}
	if cfg.BreakerTimeout > 0 {
		breakerCfg.Timeout = cfg.BreakerTimeout
	}
	breakerCfg.IsFailure = isTransient

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.RetryAttempts
	retryCfg.Enabled = cfg.RetryAttempts > 0
	retryCfg.NonRetryableErrors = []error{circuitbreaker.ErrOpen}
	retryCfg.ShouldRetry = isTransient

	c := &ChatClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.Timeout,
		token:   cfg.Token,
		http: &fasthttp.Client{
			Name:                "chathub",
			ReadTimeout:         cfg.Timeout,
			WriteTimeout:        cfg.Timeout,
			MaxIdleConnDuration: time.Minute,
		},
		breaker: circuitbreaker.New(breakerCfg),
		retry:   retryCfg,
		logger:  logger,
	}
	c.breaker.OnStateChange(func(name string, from, to circuitbreaker.State) {
		logger.Warnw("Circuit breaker state changed", "breaker", name, "from", from, "to", to)
	})
	return c, nil
}

func (c *ChatClient) ListWorkspaces(ctx context.Context) ([]domain.Workspace, error) {
	var out []domain.Workspace
	err := c.call(ctx, fasthttp.MethodGet, "/api/workspaces", nil, &out)
	return out, err
}

func (c *ChatClient) ListChannels(ctx context.Context, workspaceID domain.WorkspaceID) ([]domain.Channel, error) {
	var out []domain.Channel
	path := "/api/workspaces/" + url.PathEscape(string(workspaceID)) + "/channels"
	err := c.call(ctx, fasthttp.MethodGet, path, nil, &out)
	return out, err
}

func (c *ChatClient) ListMessages(ctx context.Context, channelID domain.ChannelID) ([]domain.Message, error) {
	var out []domain.Message
	path := "/api/channels/" + url.PathEscape(string(channelID)) + "/messages"
	err := c.call(ctx, fasthttp.MethodGet, path, nil, &out)
	return out, err
}

type postMessageRequest struct {
	Body            string `json:"body"`
	ClientMessageID string `json:"clientMessageId"`
}

// PostMessage is retried like the reads. The backend deduplicates on the
// client message id, so a repeated POST does not create a second message.
func (c *ChatClient) PostMessage(ctx context.Context, channelID domain.ChannelID, body, clientMessageID string) (*domain.Message, error) {
	var out domain.Message
	path := "/api/channels/" + url.PathEscape(string(channelID)) + "/messages"
	req := postMessageRequest{Body: body, ClientMessageID: clientMessageID}
	if err := c.call(ctx, fasthttp.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	if out.ClientMessageID == "" {
		out.ClientMessageID = clientMessageID
	}
	return &out, nil
}

// call runs one logical request through the retry loop and the breaker and
// maps failures to application errors.
func (c *ChatClient) call(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = codec.Marshal(in); err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
	}

	body, err := retry.RetryWithResult(ctx, c.retry, func() ([]byte, error) {
		return circuitbreaker.ExecuteWithResult(ctx, c.breaker, func() ([]byte, error) {
			return c.do(ctx, method, path, payload)
		})
	})
	if err != nil {
		c.logger.Warnw("Chat API request failed", "method", method, "path", path, "error", err)
		return toAppError(err)
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := codec.Unmarshal(body, out); err != nil {
		return apperrors.NewBadGatewayError("malformed chat api response", err)
	}
	return nil
}

type result struct {
	status int
	body   []byte
	err    error
}

// do performs a single request. The fasthttp request and response are owned
// by the worker goroutine so cancelling ctx never releases them mid-flight.
func (c *ChatClient) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	req := fasthttp.AcquireRequest()
	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set(fasthttp.HeaderAccept, "application/json")
	if c.token != nil {
		if token := c.token(); token != "" {
			req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+token)
		}
	}
	if payload != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(payload)
	}

	done := make(chan result, 1)
	go func() {
		resp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)

		err := c.http.DoDeadline(req, resp, deadline)
		done <- result{
			status: resp.StatusCode(),
			body:   append([]byte(nil), resp.Body()...),
			err:    err,
		}
	}()

	var res result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-done:
	}

	if res.err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, res.err)
	}
	if res.status < 200 || res.status >= 300 {
		return nil, &StatusError{Method: method, Path: path, Status: res.status, Body: truncate(string(res.body), 256)}
	}
	return res.body, nil
}

// isTransient separates backend or network trouble from caller mistakes.
// 4xx responses neither trip the breaker nor get retried.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	return true
}

func toAppError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return apperrors.NewServiceUnavailableError("chat api unavailable").WithCause(err)
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.Status == fasthttp.StatusNotFound:
			return apperrors.NewNotFoundError("chat resource").WithCause(err)
		case statusErr.Status == fasthttp.StatusUnauthorized:
			return apperrors.NewUnauthorizedError("chat api rejected credentials").WithCause(err)
		case statusErr.Status == fasthttp.StatusForbidden:
			return apperrors.NewForbiddenError("chat api denied access").WithCause(err)
		case statusErr.Status == fasthttp.StatusConflict:
			return apperrors.NewConflictError("chat api reported a conflict").WithCause(err)
		case statusErr.Status == fasthttp.StatusTooManyRequests:
			return apperrors.NewRateLimitError().WithCause(err)
		case statusErr.Status < 500:
			return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "chat api rejected request", statusErr.Status)
		}
	}
	return apperrors.NewBadGatewayError("chat api request failed", err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
