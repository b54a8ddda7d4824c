package origin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/philpoore/contentstack-express/internal/content"
)

const (
	DefaultBaseURL     = "https://api.contentstack.io"
	DefaultVersion     = "v3"
	DefaultMaxAttempts = 5
	ClientVersion      = "1.0.0"
)

type Options struct {
	BaseURL     string
	Version     string
	APIKey      string
	AccessToken string
	Environment string
	HTTPClient  *http.Client
	UserAgent   string
	MaxAttempts int
	// RetryBase and RetryUnit shape the backoff: RetryBase^attempt * RetryUnit.
	RetryBase          float64
	RetryUnit          time.Duration
	MaxDelay           time.Duration
	DownloadRetryDelay time.Duration
	Logger             *zap.Logger
}

type Client struct {
	baseURL            string
	version            string
	apiKey             string
	accessToken        string
	environment        string
	httpClient         *http.Client
	userAgent          string
	maxAttempts        int
	retryBase          float64
	retryUnit          time.Duration
	maxDelay           time.Duration
	downloadRetryDelay time.Duration
	logger             *zap.Logger
}

type Request struct {
	Method  string
	URL     string
	Query   url.Values
	Body    any
	Headers http.Header
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r Response) JSON() (map[string]any, error) {
	var out map[string]any
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return map[string]any{}, nil
	}
	if err := json.Unmarshal(r.Body, &out); err != nil {
		return nil, content.Wrap(content.KindValidation, "decode origin response", err)
	}
	return out, nil
}

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	version := strings.Trim(strings.TrimSpace(opts.Version), "/")
	if version == "" {
		version = DefaultVersion
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	retryBase := opts.RetryBase
	if retryBase <= 1 {
		retryBase = math.Sqrt2
	}
	retryUnit := opts.RetryUnit
	if retryUnit <= 0 {
		retryUnit = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	downloadRetryDelay := opts.DownloadRetryDelay
	if downloadRetryDelay <= 0 {
		downloadRetryDelay = time.Second
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "contentsync/" + ClientVersion
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:            baseURL,
		version:            version,
		apiKey:             opts.APIKey,
		accessToken:        opts.AccessToken,
		environment:        opts.Environment,
		httpClient:         httpClient,
		userAgent:          userAgent,
		maxAttempts:        maxAttempts,
		retryBase:          retryBase,
		retryUnit:          retryUnit,
		maxDelay:           maxDelay,
		downloadRetryDelay: downloadRetryDelay,
		logger:             logger,
	}
}

func (c *Client) Environment() string {
	return c.environment
}

func (c *Client) endpoint(segments ...string) string {
	escaped := make([]string, 0, len(segments))
	for _, s := range segments {
		escaped = append(escaped, url.PathEscape(s))
	}
	return c.baseURL + "/" + c.version + "/" + strings.Join(escaped, "/")
}

// Call sends req, retrying 429 and 5xx responses (and transport failures) until the
// attempt ceiling is reached. Other non-2xx/3xx statuses fail immediately with the raw
// response body as the message.
func (c *Client) Call(ctx context.Context, req Request) (Response, error) {
	if c == nil {
		return Response{}, fmt.Errorf("origin client is nil")
	}
	if strings.TrimSpace(req.URL) == "" {
		return Response{}, content.E(content.KindValidation, "origin call", "request url is required")
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	target := req.URL
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + req.Query.Encode()
	}
	var bodyBytes []byte
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return Response{}, content.Wrap(content.KindValidation, "origin call", err)
		}
		bodyBytes = encoded
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return Response{}, content.Wrap(content.KindValidation, "origin call", err)
		}
		c.applyHeaders(httpReq, req.Headers, bodyBytes != nil)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return Response{}, ctx.Err()
			}
			lastErr = content.Wrap(content.KindTransientOrigin, "origin call", err)
			if attempt >= c.maxAttempts {
				return Response{}, c.exhausted(method, target, lastErr)
			}
			if waitErr := sleepContext(ctx, c.retryDelay(attempt, "")); waitErr != nil {
				return Response{}, waitErr
			}
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return Response{}, content.Wrap(content.KindTransientOrigin, "origin call", readErr)
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 399 {
			return Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: respBody}, nil
		}
		message := strings.TrimSpace(string(respBody))
		if isRetryable(resp.StatusCode) {
			lastErr = &content.Error{
				Kind:    content.KindTransientOrigin,
				Op:      "origin call",
				Message: fmt.Sprintf("status=%d body=%s", resp.StatusCode, message),
			}
			if attempt >= c.maxAttempts {
				return Response{}, c.exhausted(method, target, lastErr)
			}
			delay := c.retryDelay(attempt, resp.Header.Get("Retry-After"))
			c.logger.Debug("retrying origin call",
				zap.String("method", method),
				zap.String("url", target),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
			)
			if waitErr := sleepContext(ctx, delay); waitErr != nil {
				return Response{}, waitErr
			}
			continue
		}
		kind := content.KindValidation
		if resp.StatusCode == http.StatusNotFound {
			kind = content.KindNotFound
		}
		return Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: respBody}, content.E(kind, "origin call", message)
	}
}

func (c *Client) applyHeaders(req *http.Request, extra http.Header, hasBody bool) {
	for key, values := range extra {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if req.Header.Get("api_key") == "" && c.apiKey != "" {
		req.Header.Set("api_key", c.apiKey)
	}
	if req.Header.Get("access_token") == "" && c.accessToken != "" {
		req.Header.Set("access_token", c.accessToken)
	}
	if req.Header.Get("X-User-Agent") == "" {
		req.Header.Set("X-User-Agent", c.userAgent)
	}
	if hasBody && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
}

func (c *Client) exhausted(method, target string, cause error) error {
	c.logger.Warn("origin call gave up",
		zap.String("method", method),
		zap.String("url", target),
		zap.Int("attempts", c.maxAttempts),
		zap.Error(cause),
	)
	return &content.Error{Kind: content.KindRetryExhausted, Op: "origin call", Err: cause}
}

func isRetryable(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := time.Duration(math.Pow(c.retryBase, float64(attempt)) * float64(c.retryUnit))
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
