package connpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"camrelay/internal/logging"
	"camrelay/internal/services"
)

const maxResponseBytes = 8 << 20

// Options configures a Pool.
type Options struct {
	MaxConnsPerHost int
	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration
	RequestTimeout  time.Duration
	// StreamMaxAge and CleanupInterval drive the background sweep started by
	// Start. Zero disables the sweep.
	StreamMaxAge    time.Duration
	CleanupInterval time.Duration
}

// Timeouts bounds a single streaming read: Connect covers dialing and the
// response headers, Read covers each chunk.
type Timeouts struct {
	Connect time.Duration
	Read    time.Duration
}

// Response is the fully-read result of a non-streaming request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the status code is 2xx.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Stats is a point-in-time copy of pool counters.
type Stats struct {
	RequestsMade      int64 `json:"requests_made"`
	StreamsOpened     int64 `json:"streams_opened"`
	StreamsClosed     int64 `json:"streams_closed"`
	ConnectionsClosed int64 `json:"connections_closed"`
	Errors            int64 `json:"errors"`
	ActiveSessions    int   `json:"active_sessions"`
	ActiveStreams     int   `json:"active_streams"`
}

// StreamInfo describes an open stream handle.
type StreamInfo struct {
	ID       string    `json:"id"`
	URL      string    `json:"url"`
	OpenedAt time.Time `json:"opened_at"`
}

type session struct {
	host      string
	client    *http.Client
	transport *http.Transport
	created   time.Time
	lastUsed  time.Time
}

// Pool owns one HTTP session per destination host and tracks open streams by id.
type Pool struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	streams  map[string]*streamHandle
	stats    Stats
	closed   bool

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New constructs an empty pool. Zero options fall back to 10 connections per
// host, a 5s connect timeout, a 10s read timeout, and a 30s request timeout.
func New(opts Options, logger *slog.Logger) *Pool {
	if opts.MaxConnsPerHost <= 0 {
		opts.MaxConnsPerHost = 10
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	return &Pool{
		opts:     opts,
		logger:   logging.NewComponentLogger(logger, "connpool"),
		sessions: make(map[string]*session),
		streams:  make(map[string]*streamHandle),
	}
}

// Name identifies the pool in lifecycle reports.
func (p *Pool) Name() string { return "connpool" }

// Start launches the stale-stream sweep when configured.
func (p *Pool) Start(context.Context) error {
	if p.opts.CleanupInterval <= 0 || p.opts.StreamMaxAge <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sweepStop != nil {
		return nil
	}
	p.sweepStop = make(chan struct{})
	p.sweepDone = make(chan struct{})
	go p.sweep(p.sweepStop, p.sweepDone)
	return nil
}

// Stop halts the sweep and shuts the pool down. Streams and sessions are
// closed even when ctx ends before the sweep exits.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	stop, done := p.sweepStop, p.sweepDone
	p.sweepStop, p.sweepDone = nil, nil
	p.mu.Unlock()
	var err error
	if stop != nil {
		close(stop)
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	p.Shutdown()
	return err
}

func (p *Pool) sweep(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n := p.CleanupOlderThan(p.opts.StreamMaxAge); n > 0 {
				logging.WarnWithContext(p.logger, "closed stale streams", "stream_cleanup",
					logging.Int("closed", n),
					logging.Duration("max_age", p.opts.StreamMaxAge),
					logging.String(logging.FieldErrorHint, "a producer kept a stream open past stream_max_age"),
					logging.String(logging.FieldImpact, "the affected camera reconnects"),
				)
			}
		}
	}
}

// AcquireSession returns the shared client for host, creating it on first use.
// host may be a bare "scheme://host:port" or any URL on that host.
func (p *Pool) AcquireSession(host string) (*http.Client, error) {
	key, err := hostKey(host)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, err := p.sessionLocked(key)
	if err != nil {
		return nil, err
	}
	return sess.client, nil
}

func (p *Pool) sessionLocked(key string) (*session, error) {
	if p.closed {
		return nil, services.Wrap(services.ErrConnection, "connpool", "acquire", "pool is shut down", nil)
	}
	if sess, ok := p.sessions[key]; ok {
		sess.lastUsed = time.Now()
		return sess, nil
	}
	dialer := &net.Dialer{Timeout: p.opts.ConnectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxConnsPerHost:       p.opts.MaxConnsPerHost,
		MaxIdleConnsPerHost:   p.opts.MaxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   p.opts.ConnectTimeout,
		ExpectContinueTimeout: time.Second,
	}
	now := time.Now()
	sess := &session{
		host:      key,
		client:    &http.Client{Transport: transport},
		transport: transport,
		created:   now,
		lastUsed:  now,
	}
	p.sessions[key] = sess
	p.logger.Debug("session created", logging.String("host", key), logging.Int("max_conns", p.opts.MaxConnsPerHost))
	return sess, nil
}

// Get performs a single non-streaming GET, reading and closing the body. A
// non-2xx status is returned as a Response, not an error.
func (p *Pool) Get(ctx context.Context, rawURL string, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = p.opts.RequestTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "connpool", "get", "build request", err)
	}
	resp, err := p.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		p.countError()
		return nil, services.Wrap(classify(err), "connpool", "get", rawURL, err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// Do sends req through the session for its host. The caller owns the response body.
func (p *Pool) Do(req *http.Request) (*http.Response, error) {
	key, err := hostKey(req.URL.String())
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	sess, err := p.sessionLocked(key)
	if err == nil {
		p.stats.RequestsMade++
	}
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	resp, err := sess.client.Do(req)
	if err != nil {
		p.countError()
		return nil, services.Wrap(classify(err), "connpool", req.Method, req.URL.Redacted(), err)
	}
	return resp, nil
}

// CloseStream closes and forgets the stream registered under id. It reports
// whether this call performed the close; unknown ids are a no-op.
func (p *Pool) CloseStream(id string) bool {
	p.mu.Lock()
	handle, ok := p.streams[id]
	if ok {
		delete(p.streams, id)
		p.stats.StreamsClosed++
		p.stats.ConnectionsClosed++
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	handle.release()
	p.logger.Debug("stream closed", logging.String(logging.FieldStreamID, id))
	return true
}

// CleanupOlderThan closes every stream opened more than maxAge ago and returns
// how many were closed.
func (p *Pool) CleanupOlderThan(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	p.mu.Lock()
	var stale []string
	for id, h := range p.streams {
		if h.opened.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	p.mu.Unlock()

	closed := 0
	for _, id := range stale {
		if p.CloseStream(id) {
			closed++
		}
	}
	return closed
}

// Shutdown closes all streams, then all sessions. Later acquisitions fail.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	ids := make([]string, 0, len(p.streams))
	for id := range p.streams {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.CloseStream(id)
	}

	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[string]*session)
	p.stats.ConnectionsClosed += int64(len(sessions))
	p.mu.Unlock()

	for _, sess := range sessions {
		sess.transport.CloseIdleConnections()
	}
	p.logger.Info("connection pool shut down",
		logging.Int("streams_closed", len(ids)),
		logging.Int("sessions_closed", len(sessions)),
	)
}

// Stats returns a copy of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.stats
	out.ActiveSessions = len(p.sessions)
	out.ActiveStreams = len(p.streams)
	return out
}

// Streams lists open stream handles ordered by open time.
func (p *Pool) Streams() []StreamInfo {
	p.mu.Lock()
	out := make([]StreamInfo, 0, len(p.streams))
	for _, h := range p.streams {
		out = append(out, StreamInfo{ID: h.id, URL: h.url, OpenedAt: h.opened})
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

func (p *Pool) countError() {
	p.mu.Lock()
	p.stats.Errors++
	p.mu.Unlock()
}

func classify(err error) error {
	if marker := services.ClassifyNetwork(err); marker != nil && !errors.Is(marker, context.Canceled) {
		return marker
	}
	return services.ErrConnection
}

func hostKey(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, "connpool", "parse url", raw, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", services.Wrap(services.ErrValidation, "connpool", "parse url", fmt.Sprintf("%q has no scheme or host", raw), nil)
	}
	return parsed.Scheme + "://" + parsed.Host, nil
}
