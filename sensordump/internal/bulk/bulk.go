// Package bulk talks to an Elasticsearch-compatible backend: a reachability
// probe, a one-time geo_point mapping push and _bulk uploads of queued
// documents.
package bulk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/hazyhaar/sensordump/safeio"
	"github.com/hazyhaar/sensordump/sensordump/internal/queue"
	"github.com/hazyhaar/sensordump/sensordump/internal/settings"
)

// ErrNoHost is returned by PushMapping and Upload before a successful
// CheckHost.
var ErrNoHost = errors.New("bulk: no reachable host")

// StatusError is a non-accepted HTTP response.
type StatusError struct {
	Method string
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bulk: %s: bad response code %d: %s", e.Method, e.Code, e.Status)
}

// MappingState tracks whether the mapping push was attempted.
type MappingState int

const (
	MappingNotSent MappingState = iota
	MappingSent
)

func (s MappingState) String() string {
	if s == MappingSent {
		return "sent"
	}
	return "not_sent"
}

// Options configures a Client.
type Options struct {
	// DialTimeout bounds connection setup. Default: 2s.
	DialTimeout time.Duration
	// ReadTimeout bounds the wait for response headers. Default: 2s.
	ReadTimeout time.Duration
	// RequestTimeout bounds a whole request including the body. Default: 30s.
	RequestTimeout time.Duration
	// Transport overrides the HTTP round tripper (tests).
	Transport http.RoundTripper
	Logger    *slog.Logger
	Now       func() time.Time
}

func (o *Options) defaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 2 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 2 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// target is what a successful CheckHost resolved.
type target struct {
	baseURL    string
	mappingURL string
	bulkURL    string
	index      string
	typ        string
	username   string
	password   string
	compress   bool
}

// Client is the transport to one backend. The mapping is pushed at most once
// per Client.
type Client struct {
	http   *http.Client
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	target  *target
	mapping MappingState
}

// New builds a Client.
func New(opts Options) *Client {
	opts.defaults()
	rt := opts.Transport
	if rt == nil {
		dialer := &net.Dialer{Timeout: opts.DialTimeout}
		rt = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   opts.DialTimeout,
			ResponseHeaderTimeout: opts.ReadTimeout,
			MaxIdleConns:          4,
			IdleConnTimeout:       90 * time.Second,
		}
	}
	return &Client{
		http:   &http.Client{Transport: rt, Timeout: opts.RequestTimeout},
		logger: opts.Logger,
		now:    opts.Now,
	}
}

// Mapping returns the mapping push state.
func (c *Client) Mapping() MappingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mapping
}

// CheckHost probes scheme://host:port with a GET. On a 2xx answer it caches
// the mapping and bulk URLs and the index and type names from s.
func (c *Client) CheckHost(ctx context.Context, s settings.Settings) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("bulk: check host: %w", err)
	}
	t := &target{
		baseURL:  s.BaseURL(),
		index:    s.IndexName(c.now()),
		typ:      s.Type,
		compress: s.Compress,
	}
	if s.HasCredentials() {
		t.username, t.password = s.Username, s.Password
	}
	t.mappingURL = t.baseURL + "/" + t.index
	t.bulkURL = t.baseURL + "/_bulk"

	_, err := c.do(ctx, t, http.MethodGet, t.baseURL, nil)
	c.mu.Lock()
	if err != nil {
		c.target = nil
	} else {
		c.target = t
	}
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("bulk: check host: %w", err)
	}
	return nil
}

// PushMapping PUTs the geo_point mapping for location and start_location.
// It runs at most once per Client: the state flips to MappingSent before the
// request whatever its outcome. A 400 answer means the index already exists
// and counts as success.
func (c *Client) PushMapping(ctx context.Context) error {
	c.mu.Lock()
	t := c.target
	if t == nil {
		c.mu.Unlock()
		return ErrNoHost
	}
	if c.mapping == MappingSent {
		c.mu.Unlock()
		return nil
	}
	c.mapping = MappingSent
	c.mu.Unlock()

	_, err := c.do(ctx, t, http.MethodPut, t.mappingURL, MappingBody(t.typ))
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusBadRequest {
		c.logger.Debug("bulk: mapping already present", "index", t.index)
		return nil
	}
	if err != nil {
		c.logger.Warn("bulk: mapping push failed", "index", t.index, "error", err)
		return fmt.Errorf("bulk: push mapping: %w", err)
	}
	c.logger.Info("bulk: mapping pushed", "index", t.index, "type", t.typ)
	return nil
}

// Upload sends b as one _bulk request. The mapping is pushed first if it was
// never attempted; a mapping failure does not block the upload.
func (c *Client) Upload(ctx context.Context, b *queue.Batch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bulk: upload panic: %v", r)
		}
	}()

	c.mu.Lock()
	t := c.target
	state := c.mapping
	c.mu.Unlock()
	if t == nil {
		return ErrNoHost
	}
	if b.Len() == 0 {
		return nil
	}
	if state == MappingNotSent {
		_ = c.PushMapping(ctx)
	}

	body, err := c.do(ctx, t, http.MethodPost, t.bulkURL, Render(t.index, t.typ, b.Records))
	if err != nil {
		return fmt.Errorf("bulk: upload: %w", err)
	}

	var summary struct {
		Errors bool `json:"errors"`
	}
	if json.Unmarshal(body, &summary) == nil && summary.Errors {
		c.logger.Warn("bulk: backend reported item errors",
			"first_id", b.FirstID, "last_id", b.LastID, "rows", b.Len())
	}
	return nil
}

// do issues one request. The response body is returned for 2xx answers;
// anything else becomes a *StatusError.
func (c *Client) do(ctx context.Context, t *target, method, url string, body []byte) ([]byte, error) {
	var rd io.Reader
	gzipped := false
	if body != nil {
		if t.compress {
			z, err := gzipBytes(body)
			if err != nil {
				return nil, err
			}
			body, gzipped = z, true
		}
		rd = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		if gzipped {
			req.Header.Set("Content-Encoding", "gzip")
		}
	}
	if t.username != "" {
		req.SetBasicAuth(t.username, t.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := safeio.LimitedReadAll(resp.Body, safeio.MaxResponseBody)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Method: method, Code: resp.StatusCode, Status: http.StatusText(resp.StatusCode)}
		level := slog.LevelWarn
		if method == http.MethodPut && resp.StatusCode == http.StatusBadRequest {
			level = slog.LevelDebug
		}
		c.logger.Log(ctx, level, "bulk: bad response code",
			"code", se.Code, "message", se.Status, "method", method, "url", url)
		return nil, se
	}
	return data, nil
}

func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return buf.Bytes(), nil
}
