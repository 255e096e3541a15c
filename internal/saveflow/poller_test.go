package saveflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/yungbote/officebridge-backend/internal/clients/saveapi"
	"github.com/yungbote/officebridge-backend/internal/domain"
	"github.com/yungbote/officebridge-backend/internal/platform/logger"
)

// fetchScript serves canned results per call, repeating the last entry.
type fetchScript struct {
	mu      sync.Mutex
	calls   int
	results []func() (*saveapi.JobStatusPayload, error)
}

func (f *fetchScript) JobStatus(_ context.Context, _ string) (*saveapi.JobStatusPayload, error) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	fn := f.results[idx]
	f.mu.Unlock()
	return fn()
}

func (f *fetchScript) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestPoller(t *testing.T, fetcher StatusFetcher) *Poller {
	t.Helper()
	p, err := NewPoller(PollerOptions{
		Fetcher:  fetcher,
		Log:      logger.NewNop(),
		Interval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	return p
}

func TestPollerStopsOnTerminalSuccess(t *testing.T) {
	fetcher := &fetchScript{results: []func() (*saveapi.JobStatusPayload, error){
		func() (*saveapi.JobStatusPayload, error) {
			return &saveapi.JobStatusPayload{JobID: "j1", Status: "Running", CurrentPhase: "upload"}, nil
		},
		func() (*saveapi.JobStatusPayload, error) {
			return &saveapi.JobStatusPayload{
				JobID:  "j1",
				Status: "Completed",
				Result: &saveapi.ResultArtifact{DocumentID: "d1", WebURL: "https://x/d1"},
			}, nil
		},
	}}

	var statuses []domain.JobStatus
	var terminal *domain.JobStatus
	done := make(chan struct{})

	p := newTestPoller(t, fetcher)
	go p.Run(context.Background(), "j1", domain.ProcessingOptions{}, PollCallbacks{
		OnStatus: func(js domain.JobStatus) { statuses = append(statuses, js) },
		OnTerminal: func(js domain.JobStatus) {
			terminal = &js
			close(done)
		},
		OnUnavailable: func(err error) { t.Errorf("unexpected OnUnavailable: %v", err) },
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("poller never reached terminal")
	}

	if len(statuses) != 1 {
		t.Fatalf("statuses=%d", len(statuses))
	}
	if terminal.State != domain.JobCompleted || terminal.Result == nil || terminal.Result.ID != "d1" {
		t.Fatalf("terminal=%+v", terminal)
	}

	calls := fetcher.callCount()
	time.Sleep(50 * time.Millisecond)
	if fetcher.callCount() != calls {
		t.Fatalf("poller kept polling after terminal")
	}
}

func TestPollerGivesUpAfterThreeConsecutiveFailures(t *testing.T) {
	fetcher := &fetchScript{results: []func() (*saveapi.JobStatusPayload, error){
		func() (*saveapi.JobStatusPayload, error) { return nil, errors.New("boom") },
	}}

	var gotErr error
	done := make(chan struct{})

	p := newTestPoller(t, fetcher)
	go p.Run(context.Background(), "j1", domain.ProcessingOptions{}, PollCallbacks{
		OnTerminal: func(js domain.JobStatus) { t.Errorf("unexpected terminal: %+v", js) },
		OnUnavailable: func(err error) {
			gotErr = err
			close(done)
		},
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("poller never gave up")
	}
	if gotErr == nil {
		t.Fatalf("expected error")
	}

	if calls := fetcher.callCount(); calls != 3 {
		t.Fatalf("calls=%d, want exactly 3", calls)
	}
	time.Sleep(50 * time.Millisecond)
	if fetcher.callCount() != 3 {
		t.Fatalf("poller kept polling after giving up")
	}
}

func TestPollerFailureCounterResetsOnSuccess(t *testing.T) {
	fail := func() (*saveapi.JobStatusPayload, error) { return nil, errors.New("blip") }
	ok := func() (*saveapi.JobStatusPayload, error) {
		return &saveapi.JobStatusPayload{JobID: "j1", Status: "Running"}, nil
	}
	terminal := func() (*saveapi.JobStatusPayload, error) {
		return &saveapi.JobStatusPayload{
			JobID:  "j1",
			Status: "Completed",
			Result: &saveapi.ResultArtifact{DocumentID: "d1"},
		}, nil
	}

	// Two failures, a success, two more failures: never three in a row.
	fetcher := &fetchScript{results: []func() (*saveapi.JobStatusPayload, error){
		fail, fail, ok, fail, fail, terminal,
	}}

	done := make(chan struct{})
	p := newTestPoller(t, fetcher)
	go p.Run(context.Background(), "j1", domain.ProcessingOptions{}, PollCallbacks{
		OnTerminal:    func(domain.JobStatus) { close(done) },
		OnUnavailable: func(err error) { t.Errorf("gave up despite counter reset: %v", err) },
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("poller never completed")
	}
}

func TestPollerStopsOnContextCancel(t *testing.T) {
	fetcher := &fetchScript{results: []func() (*saveapi.JobStatusPayload, error){
		func() (*saveapi.JobStatusPayload, error) {
			return &saveapi.JobStatusPayload{JobID: "j1", Status: "Running"}, nil
		},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	p := newTestPoller(t, fetcher)
	go func() {
		p.Run(ctx, "j1", domain.ProcessingOptions{}, PollCallbacks{})
		close(stopped)
	}()

	time.Sleep(35 * time.Millisecond)
	cancel()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatalf("poller did not stop on cancel")
	}
}

func TestMapStatusStageProjection(t *testing.T) {
	at := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	opts := domain.ProcessingOptions{IndexContent: true}

	js := MapStatus(&saveapi.JobStatusPayload{
		JobID:        "j1",
		Status:       "Running",
		CurrentPhase: "indexing",
		CompletedPhases: []saveapi.PhaseRecord{
			{Name: "upload", CompletedAt: &at},
			{Name: "conversion"},
		},
	}, opts)

	want := []struct {
		name  domain.StageName
		state domain.StageState
	}{
		{domain.StageUpload, domain.StageCompleted},
		{domain.StageConversion, domain.StageCompleted},
		{domain.StageIndexing, domain.StageRunning},
		{domain.StageFinalize, domain.StagePending},
	}
	if len(js.Stages) != len(want) {
		t.Fatalf("stages=%d, want %d", len(js.Stages), len(want))
	}
	for i, w := range want {
		if js.Stages[i].Name != w.name || js.Stages[i].State != w.state {
			t.Fatalf("stage[%d]=%+v, want %s/%s", i, js.Stages[i], w.name, w.state)
		}
	}
	if js.Stages[0].CompletedAt == nil || !js.Stages[0].CompletedAt.Equal(at) {
		t.Fatalf("upload timestamp=%v", js.Stages[0].CompletedAt)
	}
}

func TestMapStatusTerminalSkipsRemaining(t *testing.T) {
	js := MapStatus(&saveapi.JobStatusPayload{
		JobID:        "j1",
		Status:       "Failed",
		CurrentPhase: "conversion",
		CompletedPhases: []saveapi.PhaseRecord{
			{Name: "upload"},
		},
		Error: &saveapi.ServerError{Code: "PROCESSING_FAILED", Message: "bad file"},
	}, domain.ProcessingOptions{})

	if js.State != domain.JobFailed {
		t.Fatalf("state=%s", js.State)
	}
	byName := map[domain.StageName]domain.StageState{}
	for _, st := range js.Stages {
		byName[st.Name] = st.State
	}
	if byName[domain.StageUpload] != domain.StageCompleted {
		t.Fatalf("upload=%s", byName[domain.StageUpload])
	}
	if byName[domain.StageConversion] != domain.StageFailed {
		t.Fatalf("conversion=%s", byName[domain.StageConversion])
	}
	if byName[domain.StageFinalize] != domain.StageSkipped {
		t.Fatalf("finalize=%s", byName[domain.StageFinalize])
	}
	if js.Failure == nil || js.Failure.Code != "PROCESSING_FAILED" {
		t.Fatalf("failure=%+v", js.Failure)
	}
}
