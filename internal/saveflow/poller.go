package saveflow

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/yungbote/officebridge-backend/internal/clients/saveapi"
	"github.com/yungbote/officebridge-backend/internal/domain"
	"github.com/yungbote/officebridge-backend/internal/platform/logger"
)

const (
	defaultPollInterval    = 2 * time.Second
	defaultPollMaxFailures = 3
)

// StatusFetcher is the slice of the save API the poller needs.
type StatusFetcher interface {
	JobStatus(ctx context.Context, jobID string) (*saveapi.JobStatusPayload, error)
}

// MapStatus projects the server's phase payload onto the fixed stage order:
// phases in the completed set are Completed with their timestamp, the current
// phase is Running (Failed when the job failed on it), and the rest are
// Pending while the job is live, Skipped once it is terminal.
func MapStatus(p *saveapi.JobStatusPayload, opts domain.ProcessingOptions) domain.JobStatus {
	state := domain.JobState(strings.TrimSpace(p.Status))
	if state == "" {
		state = domain.JobQueued
	}

	completed := make(map[domain.StageName]*time.Time, len(p.CompletedPhases))
	for _, ph := range p.CompletedPhases {
		completed[domain.StageName(strings.TrimSpace(ph.Name))] = ph.CompletedAt
	}
	current := domain.StageName(strings.TrimSpace(p.CurrentPhase))

	order := domain.StageOrder(opts)
	stages := make([]domain.Stage, 0, len(order))
	for _, name := range order {
		st := domain.Stage{Name: name, State: domain.StagePending}
		switch {
		case hasStage(completed, name):
			st.State = domain.StageCompleted
			st.CompletedAt = completed[name]
		case name == current && state == domain.JobFailed:
			st.State = domain.StageFailed
		case name == current && !state.Terminal():
			st.State = domain.StageRunning
		case state.Terminal():
			st.State = domain.StageSkipped
		}
		stages = append(stages, st)
	}

	out := domain.JobStatus{
		JobID:  strings.TrimSpace(p.JobID),
		State:  state,
		Stages: stages,
	}
	if p.Result != nil && strings.TrimSpace(p.Result.DocumentID) != "" {
		out.Result = &domain.DocumentRef{ID: p.Result.DocumentID, WebURL: p.Result.WebURL}
	}
	if p.Error != nil {
		out.Failure = &domain.JobFailure{Code: p.Error.Code, Message: firstNonEmpty(p.Error.Detail, p.Error.Message)}
	}
	return out
}

func hasStage(m map[domain.StageName]*time.Time, name domain.StageName) bool {
	_, ok := m[name]
	return ok
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

type PollerOptions struct {
	Fetcher StatusFetcher
	Log     *logger.Logger

	Interval time.Duration
	// MaxFailures is the consecutive-failure budget before the poller gives up.
	MaxFailures int
}

type PollCallbacks struct {
	// OnStatus fires on every successful non-terminal tick.
	OnStatus func(domain.JobStatus)
	// OnTerminal fires once, with the terminal status, and ends the poll.
	OnTerminal func(domain.JobStatus)
	// OnUnavailable fires once the failure budget is spent. The job may well
	// still be running server-side; the client just stops asking.
	OnUnavailable func(error)
}

type Poller struct {
	fetcher     StatusFetcher
	log         *logger.Logger
	interval    time.Duration
	maxFailures int
}

func NewPoller(opts PollerOptions) (*Poller, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("saveflow: poller fetcher required")
	}
	if opts.Log == nil {
		return nil, errors.New("saveflow: poller logger required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	maxFailures := opts.MaxFailures
	if maxFailures <= 0 {
		maxFailures = defaultPollMaxFailures
	}
	return &Poller{
		fetcher:     opts.Fetcher,
		log:         opts.Log.With("component", "JobPoller"),
		interval:    interval,
		maxFailures: maxFailures,
	}, nil
}

// Run polls until a terminal status, the failure budget, or ctx cancellation.
// It blocks; callers own the goroutine.
func (p *Poller) Run(ctx context.Context, jobID string, opts domain.ProcessingOptions, cb PollCallbacks) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		payload, err := p.fetcher.JobStatus(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			p.log.Warn("job status poll failed", "job_id", jobID, "failures", failures, "error", err)
			if failures >= p.maxFailures {
				if cb.OnUnavailable != nil {
					cb.OnUnavailable(err)
				}
				return
			}
			continue
		}

		failures = 0
		js := MapStatus(payload, opts)
		if js.State.Terminal() {
			if cb.OnTerminal != nil {
				cb.OnTerminal(js)
			}
			return
		}
		if cb.OnStatus != nil {
			cb.OnStatus(js)
		}
	}
}
