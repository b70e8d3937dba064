package blynk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const (
	DefaultServer        = "https://dashboard.windmillair.com"
	DefaultTimeout       = 30 * time.Second
	DefaultMaxAttempts   = 3
	DefaultRetryInterval = 1 * time.Second

	readEndpoint  = "external/api/get"
	writeEndpoint = "external/api/update"
)

// Pin names a virtual read/write slot on the device, e.g. "V0".
type Pin string

// Config identifies one device on the service.
type Config struct {
	Server string
	Token  string

	Timeout       time.Duration
	MaxAttempts   int
	RetryInterval time.Duration
}

type Option func(*Client)

func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithHTTPClient replaces the lazily created pool. Close still releases
// its idle connections.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.newHTTP = func(time.Duration) *http.Client { return hc }
	}
}

// WithTimer overrides how the pause between attempts is scheduled.
func WithTimer(newTimer func() backoff.Timer) Option {
	return func(c *Client) { c.newTimer = newTimer }
}

// Client reads and writes pins through the service's external HTTP API.
// It is safe for concurrent use.
type Client struct {
	server string
	token  string
	cfg    Config

	log      zerolog.Logger
	metrics  *Metrics
	newHTTP  func(timeout time.Duration) *http.Client
	newTimer func() backoff.Timer

	mu   sync.Mutex
	http *http.Client
	// gen counts Close calls; a request started before a Close stops retrying.
	gen uint64
}

func New(cfg Config, opts ...Option) *Client {
	if cfg.Server == "" {
		cfg.Server = DefaultServer
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}

	c := &Client{
		server:  strings.TrimRight(cfg.Server, "/"),
		token:   cfg.Token,
		cfg:     cfg,
		log:     zerolog.Nop(),
		newHTTP: newPool,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newPool(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: http.DefaultTransport.(*http.Transport).Clone(),
	}
}

// Get reads a pin and decodes its value.
func (c *Client) Get(ctx context.Context, pin Pin) (Value, error) {
	query := "token=" + url.QueryEscape(c.token) + "&" + url.QueryEscape(string(pin))
	text, err := c.do(ctx, "get", pin, c.server+"/"+readEndpoint+"?"+query)
	if err != nil {
		return Value{}, err
	}
	v := Decode(text)
	c.log.Debug().Str("pin", string(pin)).Str("raw", text).Bool("int", v.IsInt()).Msg("pin value received")
	return v, nil
}

// Set writes a pin and returns the service's confirmation text as is.
func (c *Client) Set(ctx context.Context, pin Pin, value string) (string, error) {
	query := "token=" + url.QueryEscape(c.token) + "&" + url.QueryEscape(string(pin)) + "=" + url.QueryEscape(value)
	text, err := c.do(ctx, "update", pin, c.server+"/"+writeEndpoint+"?"+query)
	if err != nil {
		return "", err
	}
	c.log.Debug().Str("pin", string(pin)).Str("value", value).Str("response", text).Msg("pin value written")
	return text, nil
}

// Close releases pooled connections. It is safe to call more than once and
// before any request. A request in flight fails with ErrClosed instead of
// retrying; a later request opens a fresh pool.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	if c.http != nil {
		c.http.CloseIdleConnections()
		c.http = nil
	}
	return nil
}

func (c *Client) session() (*http.Client, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.http == nil {
		c.http = c.newHTTP(c.cfg.Timeout)
	}
	return c.http, c.gen
}

func (c *Client) closedSince(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen != gen
}

func (c *Client) do(ctx context.Context, op string, pin Pin, rawURL string) (string, error) {
	start := time.Now()
	attempts := 0
	hc, gen := c.session()

	attempt := func() (string, error) {
		if c.closedSince(gen) {
			return "", backoff.Permanent(&Error{Kind: KindClosed})
		}
		attempts++
		c.metrics.observeAttempt(op)
		text, err := c.roundTrip(ctx, hc, rawURL)
		if err == nil {
			return text, nil
		}
		var classified *Error
		if errors.As(err, &classified) {
			return "", backoff.Permanent(err)
		}
		return "", err
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn().Err(err).Str("pin", string(pin)).Int("attempt", attempts).Dur("wait", wait).Msg("request attempt failed")
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.RetryInterval), uint64(c.cfg.MaxAttempts-1)),
		ctx,
	)
	var timer backoff.Timer
	if c.newTimer != nil {
		timer = c.newTimer()
	}

	text, err := backoff.RetryNotifyWithTimerAndData(attempt, policy, notify, timer)
	err = classify(ctx, op, pin, attempts, err)
	c.metrics.observeRequest(op, err, time.Since(start))
	if err != nil {
		return "", err
	}
	return text, nil
}

func classify(ctx context.Context, op string, pin Pin, attempts int, err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		classified.Op = op
		classified.Pin = pin
		classified.Attempts = attempts
		return classified
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("blynk: %s %s: %w", op, pin, ctxErr)
	}
	return &Error{Kind: KindRetryExhausted, Op: op, Pin: pin, Attempts: attempts, Err: err}
}

func (c *Client) roundTrip(ctx context.Context, hc *http.Client, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", &Error{Kind: KindMalformedRequest, Err: fmt.Errorf("build request: %w", err)}
	}

	resp, err := hc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	c.log.Debug().Str("path", req.URL.Path).Int("status", resp.StatusCode).Msg("response received")

	switch resp.StatusCode {
	case http.StatusOK:
		return strings.TrimSpace(string(body)), nil
	case http.StatusUnauthorized:
		return "", &Error{Kind: KindAuthentication, Status: resp.StatusCode}
	case http.StatusBadRequest:
		return "", &Error{Kind: KindMalformedRequest, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	default:
		return "", &Error{Kind: KindRemote, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
}
