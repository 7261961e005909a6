package connpool_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"camrelay/internal/connpool"
	"camrelay/internal/logging"
	"camrelay/internal/services"
)

func newPool(t *testing.T, opts connpool.Options) *connpool.Pool {
	t.Helper()
	pool := connpool.New(opts, logging.NewNop())
	t.Cleanup(pool.Shutdown)
	return pool
}

func TestGetReusesSessionPerHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	pool := newPool(t, connpool.Options{})
	for i := 0; i < 100; i++ {
		resp, err := pool.Get(context.Background(), srv.URL+"/health", time.Second)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if !resp.OK() || string(resp.Body) != "ok" {
			t.Fatalf("unexpected response %d %q", resp.StatusCode, resp.Body)
		}
	}
	stats := pool.Stats()
	if stats.ActiveSessions != 1 {
		t.Fatalf("expected 1 session, got %d", stats.ActiveSessions)
	}
	if stats.RequestsMade != 100 {
		t.Fatalf("expected 100 requests, got %d", stats.RequestsMade)
	}
}

func TestAcquireSessionSharesClient(t *testing.T) {
	pool := newPool(t, connpool.Options{})
	a, err := pool.AcquireSession("http://cam-a:8080/video_feed")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	b, err := pool.AcquireSession("http://cam-a:8080")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if a != b {
		t.Fatal("expected the same client for the same host")
	}
	c, err := pool.AcquireSession("http://cam-b:8080")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if c == a {
		t.Fatal("expected a distinct client per host")
	}
	if _, err := pool.AcquireSession("not a url"); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := pool.Stats().ActiveSessions; got != 2 {
		t.Fatalf("expected 2 sessions, got %d", got)
	}
}

func TestAcquireSessionConcurrentCreatesOne(t *testing.T) {
	pool := newPool(t, connpool.Options{})
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := pool.AcquireSession("http://shared:9000"); err != nil {
				t.Errorf("acquire: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := pool.Stats().ActiveSessions; got != 1 {
		t.Fatalf("expected 1 session, got %d", got)
	}
}

func TestGetClassifiesFailures(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	pool := newPool(t, connpool.Options{})
	_, err := pool.Get(context.Background(), slow.URL, 50*time.Millisecond)
	if !errors.Is(err, services.ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}

	closed := httptest.NewServer(http.NotFoundHandler())
	addr := closed.URL
	closed.Close()
	_, err = pool.Get(context.Background(), addr, time.Second)
	if !errors.Is(err, services.ErrConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if pool.Stats().Errors != 2 {
		t.Fatalf("expected 2 errors, got %d", pool.Stats().Errors)
	}
}

func streamingServer(t *testing.T, chunks []string, hold bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, chunk := range chunks {
			_, _ = io.WriteString(w, chunk)
			flusher.Flush()
		}
		if hold {
			<-r.Context().Done()
		}
	}))
	// Registered before the pool so held streams are closed first.
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenStreamReadsChunksUntilEOF(t *testing.T) {
	srv := streamingServer(t, []string{"alpha", "beta"}, false)

	pool := newPool(t, connpool.Options{})
	stream, err := pool.OpenStream(context.Background(), "cam-1", srv.URL, connpool.Timeouts{Read: time.Second})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Close()

	var got strings.Builder
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		got.Write(chunk)
	}
	if got.String() != "alphabeta" {
		t.Fatalf("unexpected payload %q", got.String())
	}
}

func TestOpenStreamRejectsDuplicateID(t *testing.T) {
	srv := streamingServer(t, []string{"x"}, true)

	pool := newPool(t, connpool.Options{})
	first, err := pool.OpenStream(context.Background(), "dup", srv.URL, connpool.Timeouts{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer first.Close()

	_, err = pool.OpenStream(context.Background(), "dup", srv.URL, connpool.Timeouts{})
	if !errors.Is(err, services.ErrDuplicateStream) {
		t.Fatalf("expected duplicate stream error, got %v", err)
	}
	if got := pool.Stats().ActiveStreams; got != 1 {
		t.Fatalf("expected the original stream to stay registered, got %d", got)
	}

	first.Close()
	again, err := pool.OpenStream(context.Background(), "dup", srv.URL, connpool.Timeouts{})
	if err != nil {
		t.Fatalf("expected id reuse after close to succeed: %v", err)
	}
	again.Close()
}

func TestCloseStreamIsIdempotent(t *testing.T) {
	srv := streamingServer(t, []string{"x"}, true)

	pool := newPool(t, connpool.Options{})
	if _, err := pool.OpenStream(context.Background(), "a", srv.URL, connpool.Timeouts{}); err != nil {
		t.Fatalf("open a: %v", err)
	}
	if _, err := pool.OpenStream(context.Background(), "b", srv.URL, connpool.Timeouts{}); err != nil {
		t.Fatalf("open b: %v", err)
	}
	if got := pool.Stats().ActiveStreams; got != 2 {
		t.Fatalf("expected 2 active streams, got %d", got)
	}

	if !pool.CloseStream("a") {
		t.Fatal("expected first close to report true")
	}
	if got := pool.Stats().ActiveStreams; got != 1 {
		t.Fatalf("expected active streams to drop by one, got %d", got)
	}
	if pool.CloseStream("a") {
		t.Fatal("expected second close to be a no-op")
	}
	if pool.CloseStream("never-opened") {
		t.Fatal("expected unknown id to be a no-op")
	}
	stats := pool.Stats()
	if stats.ActiveStreams != 1 || stats.StreamsClosed != 1 {
		t.Fatalf("unexpected stats after repeated close: %+v", stats)
	}
}

func TestStreamReadTimeout(t *testing.T) {
	srv := streamingServer(t, []string{"first"}, true)

	pool := newPool(t, connpool.Options{})
	stream, err := pool.OpenStream(context.Background(), "slow", srv.URL, connpool.Timeouts{Read: 80 * time.Millisecond})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Close()

	if _, err := stream.Next(); err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	start := time.Now()
	_, err = stream.Next()
	if !errors.Is(err, services.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("read timeout took too long: %v", elapsed)
	}
}

func TestCloseStreamUnblocksReader(t *testing.T) {
	srv := streamingServer(t, nil, true)

	pool := newPool(t, connpool.Options{})
	stream, err := pool.OpenStream(context.Background(), "blocked", srv.URL, connpool.Timeouts{Read: 5 * time.Second})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := stream.Next()
		done <- err
	}()
	time.Sleep(30 * time.Millisecond)
	pool.CloseStream("blocked")

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not unblock after close")
	}
}

func TestOpenStreamRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "camera offline", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	pool := newPool(t, connpool.Options{})
	_, err := pool.OpenStream(context.Background(), "bad", srv.URL, connpool.Timeouts{})
	if !errors.Is(err, services.ErrConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if got := pool.Stats().ActiveStreams; got != 0 {
		t.Fatalf("expected failed open to leave no handle, got %d", got)
	}
}

func TestCleanupOlderThanClosesStaleStreams(t *testing.T) {
	srv := streamingServer(t, []string{"x"}, true)

	pool := newPool(t, connpool.Options{})
	if _, err := pool.OpenStream(context.Background(), "old", srv.URL, connpool.Timeouts{}); err != nil {
		t.Fatalf("open: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := pool.OpenStream(context.Background(), "new", srv.URL, connpool.Timeouts{}); err != nil {
		t.Fatalf("open: %v", err)
	}

	if n := pool.CleanupOlderThan(25 * time.Millisecond); n != 1 {
		t.Fatalf("expected 1 stale stream closed, got %d", n)
	}
	streams := pool.Streams()
	if len(streams) != 1 || streams[0].ID != "new" {
		t.Fatalf("unexpected remaining streams: %+v", streams)
	}
}

func TestShutdownClosesStreamsThenSessions(t *testing.T) {
	srv := streamingServer(t, []string{"x"}, true)

	pool := connpool.New(connpool.Options{}, logging.NewNop())
	for _, id := range []string{"a", "b", "c"} {
		if _, err := pool.OpenStream(context.Background(), id, srv.URL, connpool.Timeouts{}); err != nil {
			t.Fatalf("open %s: %v", id, err)
		}
	}
	pool.Shutdown()

	stats := pool.Stats()
	if stats.ActiveStreams != 0 || stats.ActiveSessions != 0 {
		t.Fatalf("expected empty pool after shutdown, got %+v", stats)
	}
	if stats.StreamsClosed != 3 {
		t.Fatalf("expected 3 streams closed, got %d", stats.StreamsClosed)
	}
	if _, err := pool.Get(context.Background(), srv.URL, time.Second); !errors.Is(err, services.ErrConnection) {
		t.Fatalf("expected requests after shutdown to fail, got %v", err)
	}
}

func TestStopEndsSweep(t *testing.T) {
	pool := connpool.New(connpool.Options{StreamMaxAge: time.Minute, CleanupInterval: 10 * time.Millisecond}, logging.NewNop())
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
