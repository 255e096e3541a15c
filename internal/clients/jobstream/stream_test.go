package jobstream

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yungbote/officebridge-backend/internal/platform/logger"
)

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

type staticTokens struct{ token string }

func (s staticTokens) Token(_ context.Context) (string, error) { return s.token, nil }

func sseResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStreamDeliversEventsAndCloses(t *testing.T) {
	body := strings.Join([]string{
		"id: 1",
		`data: {"status":"Running"}`,
		"",
		"id: 2",
		`data: {"status":"Completed"}`,
		"",
		"",
	}, "\n")

	client := &http.Client{
		Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
			if got := req.Header.Get("Accept"); got != "text/event-stream" {
				t.Errorf("accept=%q", got)
			}
			if got := req.Header.Get("Authorization"); got != "Bearer tok" {
				t.Errorf("authorization=%q", got)
			}
			return sseResponse(body), nil
		}),
	}

	var mu sync.Mutex
	var events []Event
	var opened, closed bool

	s, err := New(Options{
		URL:        "http://svc/jobs/j1/stream",
		Tokens:     staticTokens{"tok"},
		Log:        logger.NewNop(),
		HTTPClient: client,
		Callbacks: Callbacks{
			OnOpen: func() { mu.Lock(); opened = true; mu.Unlock() },
			OnEvent: func(ev Event) {
				mu.Lock()
				events = append(events, ev)
				mu.Unlock()
			},
			OnError: func(err error) { t.Errorf("unexpected OnError: %v", err) },
			OnClose: func() { mu.Lock(); closed = true; mu.Unlock() },
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.Connect(context.Background())

	waitFor(t, "close", func() bool { mu.Lock(); defer mu.Unlock(); return closed })

	mu.Lock()
	defer mu.Unlock()
	if !opened {
		t.Fatalf("OnOpen never fired")
	}
	if len(events) != 2 {
		t.Fatalf("events=%d", len(events))
	}
	if events[1].ID != "2" {
		t.Fatalf("cursor=%q", events[1].ID)
	}
	if s.LastEventID() != "2" {
		t.Fatalf("LastEventID=%q", s.LastEventID())
	}
}

func TestStreamResumeSendsLastEventID(t *testing.T) {
	var gotCursor string
	var mu sync.Mutex
	closed := false

	client := &http.Client{
		Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
			gotCursor = req.Header.Get("Last-Event-ID")
			return sseResponse("data: x\n\n"), nil
		}),
	}

	s, err := New(Options{
		URL:         "http://svc/jobs/j1/stream",
		Tokens:      staticTokens{"tok"},
		Log:         logger.NewNop(),
		LastEventID: "17",
		HTTPClient:  client,
		Callbacks: Callbacks{
			OnClose: func() { mu.Lock(); closed = true; mu.Unlock() },
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Connect(context.Background())
	waitFor(t, "close", func() bool { mu.Lock(); defer mu.Unlock(); return closed })

	if gotCursor != "17" {
		t.Fatalf("Last-Event-ID=%q", gotCursor)
	}
}

func TestStreamRejectedStatusFiresOnError(t *testing.T) {
	client := &http.Client{
		Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusForbidden,
				Body:       io.NopCloser(strings.NewReader("nope")),
			}, nil
		}),
	}

	var mu sync.Mutex
	var gotErr error
	s, err := New(Options{
		URL:        "http://svc/jobs/j1/stream",
		Tokens:     staticTokens{"tok"},
		Log:        logger.NewNop(),
		HTTPClient: client,
		Callbacks: Callbacks{
			OnError: func(err error) { mu.Lock(); gotErr = err; mu.Unlock() },
			OnClose: func() { t.Errorf("OnClose fired for rejected stream") },
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Connect(context.Background())
	waitFor(t, "error", func() bool { mu.Lock(); defer mu.Unlock(); return gotErr != nil })

	mu.Lock()
	defer mu.Unlock()
	if !strings.Contains(gotErr.Error(), "status=403") {
		t.Fatalf("err=%v", gotErr)
	}
}

// ctxBody blocks reads until the request context ends, the way a live network
// body does.
type ctxBody struct{ ctx context.Context }

func (b ctxBody) Read(_ []byte) (int, error) {
	<-b.ctx.Done()
	return 0, b.ctx.Err()
}
func (b ctxBody) Close() error { return nil }

func TestStreamConnectTimeout(t *testing.T) {
	client := &http.Client{
		Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       ctxBody{ctx: req.Context()},
			}, nil
		}),
	}

	var mu sync.Mutex
	var gotErr error
	s, err := New(Options{
		URL:            "http://svc/jobs/j1/stream",
		Tokens:         staticTokens{"tok"},
		Log:            logger.NewNop(),
		ConnectTimeout: 30 * time.Millisecond,
		HTTPClient:     client,
		Callbacks: Callbacks{
			OnError: func(err error) { mu.Lock(); gotErr = err; mu.Unlock() },
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Connect(context.Background())
	waitFor(t, "timeout error", func() bool { mu.Lock(); defer mu.Unlock(); return gotErr != nil })

	mu.Lock()
	defer mu.Unlock()
	if gotErr != ErrConnectTimeout {
		t.Fatalf("err=%v, want ErrConnectTimeout", gotErr)
	}
}

func TestStreamCloseResolvesThroughOnClose(t *testing.T) {
	client := &http.Client{
		Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       ctxBody{ctx: req.Context()},
			}, nil
		}),
	}

	var mu sync.Mutex
	closes := 0
	s, err := New(Options{
		URL:        "http://svc/jobs/j1/stream",
		Tokens:     staticTokens{"tok"},
		Log:        logger.NewNop(),
		HTTPClient: client,
		Callbacks: Callbacks{
			OnError: func(err error) { t.Errorf("OnError on explicit close: %v", err) },
			OnClose: func() { mu.Lock(); closes++; mu.Unlock() },
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Connect(context.Background())
	time.Sleep(20 * time.Millisecond)

	s.Close()
	s.Close() // idempotent
	waitFor(t, "close callback", func() bool { mu.Lock(); defer mu.Unlock(); return closes > 0 })

	mu.Lock()
	defer mu.Unlock()
	if closes != 1 {
		t.Fatalf("closes=%d", closes)
	}
}

func TestStreamCloseBeforeConnect(t *testing.T) {
	var mu sync.Mutex
	closes := 0
	s, err := New(Options{
		URL:    "http://svc/jobs/j1/stream",
		Tokens: staticTokens{"tok"},
		Log:    logger.NewNop(),
		Callbacks: Callbacks{
			OnClose: func() { mu.Lock(); closes++; mu.Unlock() },
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.Close()
	s.Close()
	// Connect after close is a no-op.
	s.Connect(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if closes != 1 {
		t.Fatalf("closes=%d", closes)
	}
}
