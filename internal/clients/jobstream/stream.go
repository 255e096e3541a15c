// Package jobstream opens the save service's job event stream and decodes it
// incrementally. The stream is a best-effort enhancement over polling: it
// carries the same job status, just sooner. System EventSource cannot attach a
// bearer token, so the stream is read off a plain chunked response body.
package jobstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/yungbote/officebridge-backend/internal/platform/logger"
)

const defaultConnectTimeout = 30 * time.Second

// ErrConnectTimeout is delivered through OnError when no event arrived within
// the configured connect timeout.
var ErrConnectTimeout = errors.New("jobstream: no event within connect timeout")

type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

type Callbacks struct {
	// OnOpen fires once response headers are in.
	OnOpen func()
	// OnEvent fires per fully parsed event.
	OnEvent func(Event)
	// OnError fires on transport failure, including connect timeout. Explicit
	// Close never routes here.
	OnError func(error)
	// OnClose fires on graceful end of stream or explicit Close.
	OnClose func()
}

type Options struct {
	URL    string
	Tokens TokenProvider
	Log    *logger.Logger

	// LastEventID resumes the stream from a previous cursor.
	LastEventID    string
	ConnectTimeout time.Duration

	Callbacks Callbacks

	// HTTPClient overrides the default transport. Intended for tests.
	HTTPClient *http.Client
}

type Stream struct {
	url            string
	tokens         TokenProvider
	log            *logger.Logger
	connectTimeout time.Duration
	cb             Callbacks
	httpClient     *http.Client

	mu          sync.Mutex
	closed      bool
	started     bool
	cancel      context.CancelFunc
	lastEventID string
	timedOut    bool

	// finished gates the terminal callback: exactly one of OnError/OnClose
	// fires per stream, no matter how many paths race to it.
	finished sync.Once
}

func New(opts Options) (*Stream, error) {
	u := strings.TrimSpace(opts.URL)
	if u == "" {
		return nil, errors.New("jobstream: url required")
	}
	if opts.Tokens == nil {
		return nil, errors.New("jobstream: token provider required")
	}
	if opts.Log == nil {
		return nil, errors.New("jobstream: logger required")
	}

	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	return &Stream{
		url:            u,
		tokens:         opts.Tokens,
		log:            opts.Log.With("component", "JobStream"),
		connectTimeout: timeout,
		cb:             opts.Callbacks,
		httpClient:     hc,
		lastEventID:    strings.TrimSpace(opts.LastEventID),
	}, nil
}

// LastEventID returns the most recent event cursor, usable to resume after a
// reconnect.
func (s *Stream) LastEventID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventID
}

// Connect starts the read loop in its own goroutine. Calling it on a closed
// stream is a no-op.
func (s *Stream) Connect(ctx context.Context) {
	s.mu.Lock()
	if s.closed || s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx2, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(ctx2)
}

// Close tears the stream down. Idempotent, safe before Connect, and resolves
// through OnClose rather than OnError.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancel
	started := s.started
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !started {
		// No read loop exists to deliver the callback.
		s.finishClose()
	}
}

func (s *Stream) run(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		s.finishError(err)
		return
	}

	token, err := s.tokens.Token(ctx)
	if err != nil {
		s.finishError(fmt.Errorf("jobstream: acquire token: %w", err))
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	if cursor := s.LastEventID(); cursor != "" {
		req.Header.Set("Last-Event-ID", cursor)
	}

	// The timer spans connection setup and the wait for the first event; a
	// server that accepts the socket but never emits is the same failure as one
	// that never answers.
	timer := time.AfterFunc(s.connectTimeout, func() {
		s.mu.Lock()
		s.timedOut = true
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
	defer timer.Stop()

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.finishAbort(err)
		return
	}
	if resp.Body == nil {
		s.finishError(errors.New("jobstream: stream response has no body"))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		s.finishError(fmt.Errorf("jobstream: stream rejected: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(raw))))
		return
	}

	if s.cb.OnOpen != nil {
		s.cb.OnOpen()
	}

	var gotEvent bool

	emit := func(ev Event) {
		if !gotEvent {
			gotEvent = true
			timer.Stop()
		}
		if ev.ID != "" {
			s.mu.Lock()
			s.lastEventID = ev.ID
			s.mu.Unlock()
		}
		if s.cb.OnEvent != nil {
			s.cb.OnEvent(ev)
		}
	}

	var p parser
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			p.feed(buf[:n], emit)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.finish(emit)
				s.finishClose()
				return
			}
			s.finishAbort(err)
			return
		}
	}
}

// finishAbort resolves a failed read or connect: an explicit Close lands on
// OnClose, a connect timeout on OnError with the timeout error, anything else
// on OnError as-is.
func (s *Stream) finishAbort(err error) {
	s.mu.Lock()
	closed := s.closed
	timedOut := s.timedOut
	s.mu.Unlock()

	switch {
	case closed:
		s.finishClose()
	case timedOut:
		s.finishError(ErrConnectTimeout)
	default:
		s.finishError(err)
	}
}

func (s *Stream) finishError(err error) {
	s.finished.Do(func() {
		s.log.Debug("stream ended with error", "error", err)
		if s.cb.OnError != nil {
			s.cb.OnError(err)
		}
	})
}

func (s *Stream) finishClose() {
	s.finished.Do(func() {
		if s.cb.OnClose != nil {
			s.cb.OnClose()
		}
	})
}
