// Package supabase реализует контракт gateway поверх HTTP API Supabase:
// PostgREST для строк, Storage для объектов и GoTrue для аутентификации.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ButyrinIA/blogclient/internal/gateway"
	"github.com/ButyrinIA/blogclient/internal/logger"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Config - параметры подключения к проекту Supabase.
type Config struct {
	URL     string
	AnonKey string
	Timeout time.Duration
	// RequestsPerSecond ограничивает исходящие запросы; 0 - без ограничения.
	RequestsPerSecond float64
	MaxRetries        int
	HTTPClient        *http.Client
}

// Client - клиент проекта Supabase. Строки, объекты и аутентификация
// разделяют один токен сессии.
type Client struct {
	config Config
	log    zerolog.Logger

	restURL    string
	authURL    string
	storageURL string

	http    *http.Client
	limiter *rate.Limiter

	auth *authService
}

var retryableStatusCodes = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// New создает клиент проекта. Сессии еще нет: запросы идут с анонимным ключом.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("project URL is required")
	}
	if cfg.AnonKey == "" {
		return nil, fmt.Errorf("anon key is required")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must not be negative, got %d", cfg.MaxRetries)
	}

	baseURL := strings.TrimRight(cfg.URL, "/")
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid project URL: %w", err)
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	c := &Client{
		config:     cfg,
		log:        logger.Component("supabase"),
		restURL:    baseURL + "/rest/v1",
		authURL:    baseURL + "/auth/v1",
		storageURL: baseURL + "/storage/v1",
		http:       httpClient,
		limiter:    rate.NewLimiter(limit, 1),
	}
	c.auth = newAuthService(c)
	return c, nil
}

// Gateway возвращает строки, объекты и аутентификацию одного клиента.
func (c *Client) Gateway() gateway.Gateway {
	return gateway.Gateway{Rows: &rowsClient{client: c}, Objects: &storageClient{client: c}, Auth: c.auth}
}

// Close останавливает фоновое обновление сессии.
func (c *Client) Close() error {
	c.auth.stopRefresh()
	return nil
}

type response struct {
	body       []byte
	header     http.Header
	statusCode int
}

// request выполняет запрос с ключом проекта и токеном текущей сессии.
// Идемпотентные запросы повторяются при сетевых ошибках и кодах 429/5xx.
func (c *Client) request(ctx context.Context, method, rawURL string, body []byte, headers map[string]string, idempotent bool) (*response, error) {
	var resp *response

	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		for k, v := range c.buildHeaders(headers) {
			req.Header.Set(k, v)
		}

		httpResp, err := c.http.Do(req)
		if err != nil {
			if !idempotent {
				return backoff.Permanent(fmt.Errorf("request failed: %w", err))
			}
			return fmt.Errorf("request failed: %w", err)
		}
		defer httpResp.Body.Close()

		data, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("read response: %w", err))
		}
		resp = &response{body: data, header: httpResp.Header, statusCode: httpResp.StatusCode}

		if idempotent && retryableStatusCodes[httpResp.StatusCode] {
			return fmt.Errorf("retryable status %d", httpResp.StatusCode)
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 2 * time.Second

	notify := func(err error, wait time.Duration) {
		c.log.Warn().Err(err).Str("method", method).Dur("wait", wait).Msg("Повтор запроса к Supabase")
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.config.MaxRetries)), ctx), notify)
	if err != nil && resp == nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) buildHeaders(extra map[string]string) map[string]string {
	headers := map[string]string{
		"apikey":        c.config.AnonKey,
		"Authorization": "Bearer " + c.bearer(),
		"Content-Type":  "application/json",
		"Accept":        "application/json",
	}
	for k, v := range extra {
		headers[k] = v
	}
	return headers
}

func (c *Client) bearer() string {
	if token := c.auth.accessToken(); token != "" {
		return token
	}
	return c.config.AnonKey
}

// parseError разбирает ответ об ошибке PostgREST, Storage или GoTrue.
func parseError(kind gateway.Kind, body []byte, statusCode int) error {
	var errResp struct {
		Code             json.RawMessage `json:"code"`
		ErrorCode        string          `json:"error_code"`
		Message          string          `json:"message"`
		Msg              string          `json:"msg"`
		Error            string          `json:"error"`
		ErrorDescription string          `json:"error_description"`
	}

	gerr := &gateway.Error{Kind: kind, StatusCode: statusCode}
	if err := json.Unmarshal(body, &errResp); err != nil {
		gerr.Code = "unknown"
		gerr.Message = string(body)
	} else {
		gerr.Code = errResp.ErrorCode
		if gerr.Code == "" {
			gerr.Code = strings.Trim(string(errResp.Code), `"`)
		}
		gerr.Message = firstNonEmpty(errResp.Message, errResp.Msg, errResp.ErrorDescription, errResp.Error)
	}
	if gerr.Message == "" {
		gerr.Message = http.StatusText(statusCode)
	}

	switch statusCode {
	case http.StatusNotFound:
		gerr.Err = gateway.ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		gerr.Err = gateway.ErrUnauthorized
	case http.StatusConflict:
		gerr.Err = gateway.ErrConflict
	}
	return gerr
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func decode(kind gateway.Kind, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return gateway.Errorf(kind, err, "unmarshal response: %v", err)
	}
	return nil
}

// transportError помечает видом ошибки сетевые сбои и отмену контекста.
func transportError(kind gateway.Kind, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return gateway.Errorf(kind, err, "request canceled: %v", err)
	}
	return gateway.AsKind(kind, err)
}
