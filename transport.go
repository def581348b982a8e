package mediawiki

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const libraryToken = "mediawiki-go/1.0"

// Client is the C3 Transport Client: it holds the HTTP connection
// pool, cookie jar, user agent, and timeout configuration, and runs
// the retry loop described in spec §4.3. One Client can back many
// Sites.
type Client struct {
	http       *http.Client
	userAgent  string
	timeout    time.Duration
	retryDelay time.Duration
	maxRetries int
	maxLag     int
	logger     *slog.Logger
	parser     Parser
	metrics    *Metrics

	limiters *rateLimiterSet
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request HTTP budget. Default 10s.
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

// WithRetryDelay sets the baseline back-off between retries, clamped
// by any server-suggested Retry-After. Default 10s.
func WithRetryDelay(d time.Duration) Option { return func(c *Client) { c.retryDelay = d } }

// WithMaxRetries sets the upper bound on retries per invocation. 0
// disables retrying. Default 3.
func WithMaxRetries(n int) Option { return func(c *Client) { c.maxRetries = n } }

// WithUserAgent prepends a caller-supplied token to the User-Agent
// header; the library's own token is always appended.
func WithUserAgent(ua string) Option { return func(c *Client) { c.userAgent = ua } }

// WithCookieJar installs a caller-supplied cookie jar, e.g. to
// persist session cookies across process restarts.
func WithCookieJar(jar http.CookieJar) Option {
	return func(c *Client) { c.http.Jar = jar }
}

// WithHTTPClient overrides the underlying *http.Client. Its Jar is
// preserved if already set, otherwise a fresh in-memory jar is
// attached.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc.Jar == nil {
			jar, _ := cookiejar.New(nil)
			hc.Jar = jar
		}
		c.http = hc
	}
}

// WithLogger installs a structured log sink. Default: a JSON handler
// over os.Stderr at slog.LevelInfo.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// WithMetrics registers Prometheus counters/histogram for request and
// retry volume. See metrics.go.
func WithMetrics(m *Metrics) Option { return func(c *Client) { c.metrics = m } }

// WithRateLimit installs a per-endpoint-host rate limiter. Default:
// unlimited.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(c *Client) { c.limiters = newRateLimiterSet(r, burst) }
}

// WithMaxLag injects `maxlag=<n>` on every request, asking the server
// to reject with a retriable error when database replication lag
// exceeds n seconds. 0 (default) disables it.
func WithMaxLag(seconds int) Option { return func(c *Client) { c.maxLag = seconds } }

// MaxLag returns the configured maxlag threshold in seconds, or 0 if
// WithMaxLag was never set.
func (c *Client) MaxLag() int { return c.maxLag }

// NewClient constructs a Transport Client with the given options
// applied over teacher-style defaults: a fresh cookie jar, a 10s
// timeout, 3 retries, and a JSON slog handler on stderr.
func NewClient(opts ...Option) *Client {
	jar, _ := cookiejar.New(nil)
	c := &Client{
		http:       &http.Client{Jar: jar},
		userAgent:  "",
		timeout:    10 * time.Second,
		retryDelay: 10 * time.Second,
		maxRetries: 3,
		logger:     slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})),
		parser:     &JSONParser{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) fullUserAgent() string {
	if c.userAgent == "" {
		return libraryToken
	}
	return c.userAgent + " " + libraryToken
}

// Invoke runs the retry loop of spec §4.3: build the HTTP request from
// msg, send with a per-request timeout, retry on timeout / network
// error / HTTP 5xx / a parser-requested retry, up to maxRetries times,
// honoring a server-suggested delay. Cancellation propagates
// immediately as a CancelledError.
func (c *Client) Invoke(ctx context.Context, endpoint string, msg Wire, parser Parser) (any, error) {
	if parser == nil {
		parser = c.parser
	}
	requestID := uuid.NewString()
	logger := c.logger.With("request_id", requestID, "trace_id", msg.TraceID())

	retries := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, &CancelledError{Err: err}
		}

		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		value, err := c.attempt(reqCtx, endpoint, msg, parser, logger)
		cancel()
		if c.metrics != nil {
			c.metrics.ObserveRequest()
		}
		if err == nil {
			return value, nil
		}
		if ctx.Err() != nil {
			return nil, &CancelledError{Err: ctx.Err()}
		}

		retryable, delay := c.classifyForRetry(err)
		if !retryable {
			return nil, err
		}
		if retries >= c.maxRetries {
			return nil, err
		}
		if !msg.Retriable() {
			return nil, err
		}
		wait := c.retryDelay
		if delay > 0 && delay < wait {
			wait = delay
		}
		logger.Debug("mediawiki retrying request", "attempt", retries+1, "delay", wait, "reason", err)
		if c.metrics != nil {
			c.metrics.ObserveRetry(retryReason(err))
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &CancelledError{Err: ctx.Err()}
		case <-timer.C:
		}
		retries++
	}
}

func (c *Client) attempt(ctx context.Context, endpoint string, msg Wire, parser Parser, logger *slog.Logger) (any, error) {
	if c.limiters != nil {
		if err := c.limiters.wait(ctx, endpoint); err != nil {
			return nil, &CancelledError{Err: err}
		}
	}

	url := endpoint
	if q := msg.HTTPQuery(); q != "" {
		url += "?" + q
	}

	contentType, body, err := msg.HTTPBody()
	if err != nil {
		return nil, &InvalidResponseError{Reason: "build request body", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, msg.HTTPMethod(), url, body)
	if err != nil {
		return nil, &NetworkError{Op: "build request", Err: err}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("User-Agent", c.fullUserAgent())
	req.Header.Set("Accept-Encoding", "gzip, deflate")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &TimeoutError{Op: "http do"}
		}
		return nil, &NetworkError{Op: "http do", Err: err}
	}
	defer resp.Body.Close()

	pc := &ParsingContext{Context: ctx, Logger: logger}
	value, perr := parser.Parse(pc, resp)
	if pc.NeedsRetry && perr != nil {
		return nil, &retriableError{err: perr, delay: pc.RetryAfter}
	}
	return value, perr
}

// retriableError wraps an error the parser flagged via
// pc.NeedsRetry, carrying any server-suggested delay.
type retriableError struct {
	err   error
	delay time.Duration
}

func (e *retriableError) Error() string { return e.err.Error() }
func (e *retriableError) Unwrap() error  { return e.err }

func (c *Client) classifyForRetry(err error) (bool, time.Duration) {
	if re, ok := err.(*retriableError); ok {
		return true, re.delay
	}
	switch err.(type) {
	case *TimeoutError, *NetworkError:
		return true, 0
	case *HTTPStatusError:
		return false, 0
	}
	return false, 0
}

func retryReason(err error) string {
	switch err.(type) {
	case *TimeoutError:
		return "timeout"
	case *NetworkError:
		return "network"
	case *retriableError:
		return "parser"
	default:
		return fmt.Sprintf("%T", err)
	}
}

// rateLimiterSet lazily keys a rate.Limiter by endpoint host,
// following broskees-mediawiki-mcp's per-wiki-domain limiter idiom.
type rateLimiterSet struct {
	limit rate.Limit
	burst int

	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

func newRateLimiterSet(r rate.Limit, burst int) *rateLimiterSet {
	return &rateLimiterSet{limit: r, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (s *rateLimiterSet) wait(ctx context.Context, endpoint string) error {
	s.mu.RLock()
	l, ok := s.limiters[endpoint]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		if l, ok = s.limiters[endpoint]; !ok {
			l = rate.NewLimiter(s.limit, s.burst)
			s.limiters[endpoint] = l
		}
		s.mu.Unlock()
	}
	return l.Wait(ctx)
}
