package connpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"camrelay/internal/logging"
	"camrelay/internal/services"
)

const defaultChunkSize = 32 << 10

type streamHandle struct {
	id     string
	url    string
	opened time.Time
	cancel context.CancelFunc

	mu       sync.Mutex
	body     io.ReadCloser
	released bool
}

func (h *streamHandle) attach(body io.ReadCloser) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return false
	}
	h.body = body
	return true
}

func (h *streamHandle) release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	body := h.body
	h.mu.Unlock()

	h.cancel()
	if body != nil {
		_ = body.Close()
	}
}

// Stream is a registered streaming read. It is single-consumer: Read and Next
// must not be called concurrently, while Close may be called from any goroutine.
type Stream struct {
	pool        *Pool
	handle      *streamHandle
	readTimeout time.Duration
	header      http.Header
	watchdog    *time.Timer
	timedOut    atomic.Bool
	buf         []byte
}

// OpenStream issues a GET to rawURL and registers the response under id. Ids
// must be unique among open streams; reuse fails with ErrDuplicateStream.
func (p *Pool) OpenStream(ctx context.Context, id, rawURL string, timeouts Timeouts) (*Stream, error) {
	if id == "" {
		return nil, services.Wrap(services.ErrValidation, "connpool", "open stream", "stream id is required", nil)
	}
	if timeouts.Connect <= 0 {
		timeouts.Connect = p.opts.ConnectTimeout
	}
	if timeouts.Read <= 0 {
		timeouts.Read = p.opts.ReadTimeout
	}

	streamCtx, cancel := context.WithCancel(ctx)
	handle := &streamHandle{id: id, url: rawURL, opened: time.Now(), cancel: cancel}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		return nil, services.Wrap(services.ErrConnection, "connpool", "open stream", "pool is shut down", nil)
	}
	if _, exists := p.streams[id]; exists {
		p.mu.Unlock()
		cancel()
		return nil, services.Wrap(services.ErrDuplicateStream, "connpool", "open stream", fmt.Sprintf("stream %q is already open", id), nil)
	}
	p.streams[id] = handle
	p.mu.Unlock()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		p.dropHandle(id, handle)
		return nil, services.Wrap(services.ErrValidation, "connpool", "open stream", "build request", err)
	}

	var headerTimedOut atomic.Bool
	headerTimer := time.AfterFunc(timeouts.Connect+timeouts.Read, func() {
		headerTimedOut.Store(true)
		cancel()
	})
	resp, err := p.Do(req)
	headerTimer.Stop()
	if err != nil {
		p.dropHandle(id, handle)
		if headerTimedOut.Load() {
			return nil, services.Wrap(services.ErrTimeout, "connpool", "open stream", rawURL, err)
		}
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		p.dropHandle(id, handle)
		p.countError()
		return nil, services.Wrap(services.ErrConnection, "connpool", "open stream", fmt.Sprintf("%s returned %s", rawURL, resp.Status), nil)
	}
	if !handle.attach(resp.Body) {
		_ = resp.Body.Close()
		return nil, services.Wrap(services.ErrConnection, "connpool", "open stream", "stream closed while opening", nil)
	}

	p.mu.Lock()
	p.stats.StreamsOpened++
	p.mu.Unlock()
	p.logger.Debug("stream opened", logging.String(logging.FieldStreamID, id), logging.String("url", rawURL))

	s := &Stream{pool: p, handle: handle, readTimeout: timeouts.Read, header: resp.Header}
	s.watchdog = time.AfterFunc(time.Hour, func() {
		s.timedOut.Store(true)
		handle.release()
	})
	s.watchdog.Stop()
	return s, nil
}

// dropHandle removes a handle that never finished opening. It does not count
// as a closed stream.
func (p *Pool) dropHandle(id string, handle *streamHandle) {
	p.mu.Lock()
	if p.streams[id] == handle {
		delete(p.streams, id)
	}
	p.mu.Unlock()
	handle.release()
}

// ID returns the registration id.
func (s *Stream) ID() string { return s.handle.id }

// URL returns the target URL.
func (s *Stream) URL() string { return s.handle.url }

// Header returns the response headers of the stream.
func (s *Stream) Header() http.Header { return s.header }

// Read reads from the response body, failing with ErrTimeout when no bytes
// arrive within the read timeout.
func (s *Stream) Read(p []byte) (int, error) {
	s.handle.mu.Lock()
	body, released := s.handle.body, s.handle.released
	s.handle.mu.Unlock()
	if released || body == nil {
		if s.timedOut.Load() {
			return 0, services.Wrap(services.ErrTimeout, "connpool", "read", s.handle.url, nil)
		}
		return 0, io.ErrClosedPipe
	}

	s.watchdog.Reset(s.readTimeout)
	n, err := body.Read(p)
	s.watchdog.Stop()
	if err == nil || errors.Is(err, io.EOF) {
		return n, err
	}
	if s.timedOut.Load() {
		return n, services.Wrap(services.ErrTimeout, "connpool", "read", s.handle.url, err)
	}
	return n, services.Wrap(classify(err), "connpool", "read", s.handle.url, err)
}

// Next returns the next chunk of the stream, or io.EOF once the source ends.
// The returned slice is only valid until the next call.
func (s *Stream) Next() ([]byte, error) {
	if s.buf == nil {
		s.buf = make([]byte, defaultChunkSize)
	}
	for {
		n, err := s.Read(s.buf)
		if n > 0 {
			return s.buf[:n], nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// Close closes the stream through the pool. It is safe to call repeatedly.
func (s *Stream) Close() error {
	s.watchdog.Stop()
	s.pool.CloseStream(s.handle.id)
	return nil
}
