// Package fetch implements the paginated, authenticated source API client.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/ajitpratap0/graphsync/internal/metrics"
	"github.com/ajitpratap0/graphsync/internal/models"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultMinInterval = 150 * time.Millisecond
)

// Resource maps a logical resource name onto an endpoint and its paging.
type Resource struct {
	Name       string     `yaml:"name" json:"name"`
	Path       string     `yaml:"path" json:"path"`
	Pagination Pagination `yaml:"pagination" json:"pagination"`
	// SinceParam is the query parameter carrying the incremental lower bound.
	SinceParam string `yaml:"since_param" json:"since_param,omitempty"`
	// SinceFormat is a Go time layout; RFC 3339 when empty.
	SinceFormat string            `yaml:"since_format" json:"since_format,omitempty"`
	Query       map[string]string `yaml:"query" json:"query,omitempty"`
}

// Params narrows one FetchAll call.
type Params struct {
	Since *time.Time
	Query url.Values
	// Limit stops iteration after this many records; zero means no limit.
	Limit int
}

// Options configures a Client.
type Options struct {
	BaseURL     string
	UserAgent   string
	Auth        Authenticator
	Retry       RetryPolicy
	MinInterval time.Duration
	Timeout     time.Duration
	Breaker     *BreakerSettings
	HTTPClient  *http.Client
}

// Client fetches records from a paginated REST API.
type Client struct {
	baseURL   string
	userAgent string
	auth      Authenticator
	retry     RetryPolicy
	timeout   time.Duration
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker[[]byte]
	http      *http.Client
	logger    *slog.Logger
	now       func() time.Time
}

// NewClient creates a new source API client.
func NewClient(opts Options, logger *slog.Logger) *Client {
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MinInterval < 0 {
		opts.MinInterval = defaultMinInterval
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	limit := rate.Inf
	if opts.MinInterval > 0 {
		limit = rate.Every(opts.MinInterval)
	}
	c := &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		userAgent: opts.UserAgent,
		auth:      opts.Auth,
		retry:     opts.Retry,
		timeout:   opts.Timeout,
		limiter:   rate.NewLimiter(limit, 1),
		http:      opts.HTTPClient,
		logger:    logger,
		now:       time.Now,
	}
	if opts.Breaker != nil {
		c.breaker = newBreaker(*opts.Breaker, logger)
	}
	return c
}

// Authenticate obtains credentials without fetching anything.
func (c *Client) Authenticate(ctx context.Context) error {
	if c.auth == nil {
		return nil
	}
	return c.auth.Authenticate(ctx)
}

// FetchAll returns a lazy sequence of every record of res. Each call starts
// from the first page; breaking out of the range stops further requests.
// An error is yielded at most once and ends the sequence.
func (c *Client) FetchAll(ctx context.Context, res Resource, params Params) iter.Seq2[models.Record, error] {
	return func(yield func(models.Record, error) bool) {
		state := newPageState(res.Pagination)
		emitted := 0
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			u, err := c.pageURL(res, params, state)
			if err != nil {
				yield(nil, err)
				return
			}
			body, header, err := c.get(ctx, res.Name, u)
			if err != nil {
				yield(nil, err)
				return
			}
			doc, err := decode(body)
			if err != nil {
				yield(nil, fmt.Errorf("decoding %s page: %w", res.Name, err))
				return
			}
			items, err := extractItems(doc, state.p.ItemsPath)
			if err != nil {
				yield(nil, fmt.Errorf("reading %s page: %w", res.Name, err))
				return
			}
			for _, item := range items {
				rec, ok := item.(map[string]any)
				if !ok {
					c.logger.Warn("skipping non-object item", "resource", res.Name, "type", fmt.Sprintf("%T", item))
					continue
				}
				if !yield(models.Record(rec), nil) {
					return
				}
				emitted++
				if params.Limit > 0 && emitted >= params.Limit {
					return
				}
			}
			c.logger.Debug("fetched page", "resource", res.Name, "count", len(items))
			if !state.advance(len(items), doc, header) {
				return
			}
		}
	}
}

func (c *Client) pageURL(res Resource, params Params, state *pageState) (string, error) {
	u, err := url.Parse(c.baseURL + "/" + strings.TrimLeft(res.Path, "/"))
	if err != nil {
		return "", fmt.Errorf("building URL for %s: %w", res.Name, err)
	}
	q := u.Query()
	for k, v := range res.Query {
		q.Set(k, v)
	}
	for k, vs := range params.Query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if params.Since != nil && res.SinceParam != "" {
		layout := res.SinceFormat
		if layout == "" {
			layout = time.RFC3339
		}
		q.Set(res.SinceParam, params.Since.UTC().Format(layout))
	}
	state.apply(q)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// get performs one logical GET, through the circuit breaker when enabled.
func (c *Client) get(ctx context.Context, resource, rawURL string) ([]byte, http.Header, error) {
	if c.breaker == nil {
		return c.getWithRetry(ctx, resource, rawURL)
	}
	var header http.Header
	body, err := c.breaker.Execute(func() ([]byte, error) {
		b, h, err := c.getWithRetry(ctx, resource, rawURL)
		header = h
		return b, err
	})
	if breakerRejected(err) {
		return nil, nil, &RequestExhaustedError{Attempts: 0, Err: err}
	}
	return body, header, err
}

// getWithRetry retries 429, 5xx, network errors and timeouts with doubling
// backoff. A 401 re-authenticates once before being reported.
func (c *Client) getWithRetry(ctx context.Context, resource, rawURL string) ([]byte, http.Header, error) {
	var lastErr error
	reauthed := false
	attempt := 0
	for attempt < c.retry.MaxAttempts {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, nil, err
		}

		body, header, status, err := c.do(ctx, resource, rawURL)
		switch {
		case err != nil:
			var authErr *AuthenticationError
			if errors.As(err, &authErr) {
				return nil, nil, err
			}
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			if !transient(err) {
				return nil, nil, err
			}
			lastErr = err
		case status >= 200 && status < 300:
			return body, header, nil
		case status == http.StatusUnauthorized:
			if reauthed || c.auth == nil {
				return nil, nil, &AuthenticationError{Status: status, Body: string(body)}
			}
			c.logger.Info("credentials rejected, re-authenticating", "resource", resource)
			c.auth.Invalidate()
			reauthed = true
			attempt--
			continue
		case retryableStatus(status):
			lastErr = &RequestError{Status: status, Body: string(body), URL: rawURL}
		default:
			return nil, nil, &RequestError{Status: status, Body: string(body), URL: rawURL}
		}

		if attempt >= c.retry.MaxAttempts {
			break
		}
		delay := c.retry.Delay(attempt)
		if header != nil {
			if d, ok := retryAfter(header, c.now()); ok {
				delay = d
				if c.retry.MaxDelay > 0 && delay > c.retry.MaxDelay {
					delay = c.retry.MaxDelay
				}
			}
		}
		metrics.APIRetries.WithLabelValues(resource).Inc()
		c.logger.Warn("retrying request", "resource", resource, "attempt", attempt, "delay", delay, "error", lastErr)
		if err := sleep(ctx, delay); err != nil {
			return nil, nil, err
		}
	}
	return nil, nil, &RequestExhaustedError{Attempts: attempt, Err: lastErr}
}

// do sends a single request under the per-call timeout and reads the body.
func (c *Client) do(ctx context.Context, resource, rawURL string) ([]byte, http.Header, int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.auth != nil {
		if err := c.auth.Apply(ctx, req); err != nil {
			return nil, nil, 0, err
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.APIRequestDuration.WithLabelValues(resource).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.APIRequests.WithLabelValues(resource, "error").Inc()
		return nil, nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	metrics.APIRequests.WithLabelValues(resource, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return []byte(readBodyForError(resp.Body)), resp.Header, resp.StatusCode, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("reading response: %w", err)
	}
	return body, resp.Header, resp.StatusCode, nil
}

// transient reports whether err is a network failure or per-call timeout,
// or a retryable status from an authenticator's token endpoint.
func transient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Retryable()
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// decode parses a JSON body keeping integer precision.
func decode(body []byte) (any, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	dec := gojson.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return normalize(doc), nil
}

// normalize replaces json.Number with int64 or float64 throughout v.
func normalize(v any) any {
	switch t := v.(type) {
	case gojson.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case map[string]any:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = normalize(val)
		}
		return t
	default:
		return v
	}
}
