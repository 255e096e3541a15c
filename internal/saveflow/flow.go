// Package saveflow is the save-to-repository orchestration core: it submits a
// save request under a deterministic idempotency key, tracks the resulting
// server job over polling (primary) and the event stream (best effort), and
// resolves the attempt into complete, duplicate, or error.
package saveflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/yungbote/officebridge-backend/internal/clients/jobstream"
	"github.com/yungbote/officebridge-backend/internal/clients/saveapi"
	"github.com/yungbote/officebridge-backend/internal/domain"
	"github.com/yungbote/officebridge-backend/internal/platform/logger"
)

// SaveContext captures what the host had selected when the save was started.
// It is retained verbatim so Retry can replay the same attempt.
type SaveContext struct {
	Source          domain.SourceKind
	ItemID          string
	IncludeBody     bool
	AttachmentIDs   []string
	DocumentLocator string
	Metadata        map[string]string
}

// SaveService is the slice of the save API the flow consumes.
type SaveService interface {
	Submit(ctx context.Context, req domain.SaveRequest, idempotencyKey string) (*saveapi.SubmitResponse, error)
	JobStatus(ctx context.Context, jobID string) (*saveapi.JobStatusPayload, error)
	AbsoluteURL(ref string) string
}

// StreamHandle is what the flow needs from a job event stream.
type StreamHandle interface {
	Connect(ctx context.Context)
	Close()
	LastEventID() string
}

type StreamFactory func(opts jobstream.Options) (StreamHandle, error)

type FlowCallbacks struct {
	OnStateChange func(domain.FlowState)
	// OnStatus fires on each non-terminal job status update, whichever tracker
	// produced it.
	OnStatus func(domain.JobStatus)
	// OnComplete fires once with the stored document reference.
	OnComplete func(domain.DocumentRef)
	// OnDuplicate fires when the service reports the content already exists.
	OnDuplicate func(domain.DocumentRef)
	OnError     func(domain.ErrorMessage)
}

type FlowOptions struct {
	API    SaveService
	Tokens jobstream.TokenProvider
	Log    *logger.Logger

	PollInterval         time.Duration
	PollMaxFailures      int
	StreamConnectTimeout time.Duration

	// NewStream overrides stream construction. Intended for tests.
	NewStream StreamFactory

	Callbacks FlowCallbacks
}

// Flow is the save-flow state machine. All state lives behind one mutex; the
// terminal transition is a check-and-set on the current state plus a
// per-attempt generation, so whichever tracker reports first wins exactly once
// and a superseded attempt's callbacks are dropped.
type Flow struct {
	api                  SaveService
	tokens               jobstream.TokenProvider
	log                  *logger.Logger
	poller               *Poller
	streamConnectTimeout time.Duration
	newStream            StreamFactory
	cb                   FlowCallbacks

	mu          sync.Mutex
	state       domain.FlowState
	procOpts    domain.ProcessingOptions
	association *domain.AssociationRef
	lastContext *SaveContext
	jobStatus   *domain.JobStatus
	errMsg      *domain.ErrorMessage
	duplicateOf *domain.DocumentRef
	result      *domain.DocumentRef

	gen           int
	cancel        context.CancelFunc
	stream        StreamHandle
	streamRetried bool
}

func NewFlow(opts FlowOptions) (*Flow, error) {
	if opts.API == nil {
		return nil, errors.New("saveflow: save service required")
	}
	if opts.Tokens == nil {
		return nil, errors.New("saveflow: token provider required")
	}
	if opts.Log == nil {
		return nil, errors.New("saveflow: logger required")
	}

	poller, err := NewPoller(PollerOptions{
		Fetcher:     opts.API,
		Log:         opts.Log,
		Interval:    opts.PollInterval,
		MaxFailures: opts.PollMaxFailures,
	})
	if err != nil {
		return nil, err
	}

	factory := opts.NewStream
	if factory == nil {
		factory = func(o jobstream.Options) (StreamHandle, error) { return jobstream.New(o) }
	}

	return &Flow{
		api:                  opts.API,
		tokens:               opts.Tokens,
		log:                  opts.Log.With("component", "SaveFlow"),
		poller:               poller,
		streamConnectTimeout: opts.StreamConnectTimeout,
		newStream:            factory,
		cb:                   opts.Callbacks,
		state:                domain.FlowIdle,
	}, nil
}

// ---------------- Read side ----------------

func (f *Flow) State() domain.FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Flow) Status() (domain.JobStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.jobStatus == nil {
		return domain.JobStatus{}, false
	}
	return *f.jobStatus, true
}

func (f *Flow) LastError() (domain.ErrorMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errMsg == nil {
		return domain.ErrorMessage{}, false
	}
	return *f.errMsg, true
}

func (f *Flow) DuplicateOf() (domain.DocumentRef, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.duplicateOf == nil {
		return domain.DocumentRef{}, false
	}
	return *f.duplicateOf, true
}

func (f *Flow) Result() (domain.DocumentRef, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.result == nil {
		return domain.DocumentRef{}, false
	}
	return *f.result, true
}

func (f *Flow) ProcessingOptions() domain.ProcessingOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procOpts
}

func (f *Flow) Association() *domain.AssociationRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.association == nil {
		return nil
	}
	cp := *f.association
	return &cp
}

// ---------------- Pre-submission mutation ----------------

// Select moves an idle flow into selection.
func (f *Flow) Select() {
	f.mu.Lock()
	if f.state != domain.FlowIdle {
		f.mu.Unlock()
		return
	}
	notify := f.setStateLocked(domain.FlowSelecting)
	f.mu.Unlock()
	fire(notify)
}

// DismissError acknowledges a surfaced error and returns to selection.
func (f *Flow) DismissError() {
	f.mu.Lock()
	if f.state != domain.FlowError {
		f.mu.Unlock()
		return
	}
	f.errMsg = nil
	notify := f.setStateLocked(domain.FlowSelecting)
	f.mu.Unlock()
	fire(notify)
}

// SetProcessingOptions updates the three toggles. Frozen once uploading begins.
func (f *Flow) SetProcessingOptions(opts domain.ProcessingOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.mutableLocked() {
		return fmt.Errorf("saveflow: processing options are frozen in state %s", f.state)
	}
	f.procOpts = opts
	return nil
}

// SetAssociation updates the target record. A nil association is legal: saves
// without an association are currently accepted unconditionally; whether that
// is intended product behavior is unconfirmed, so the behavior is preserved
// as-is.
func (f *Flow) SetAssociation(a *domain.AssociationRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.mutableLocked() {
		return fmt.Errorf("saveflow: association is frozen in state %s", f.state)
	}
	if a == nil {
		f.association = nil
		return nil
	}
	cp := *a
	f.association = &cp
	return nil
}

func (f *Flow) mutableLocked() bool {
	return f.state == domain.FlowIdle || f.state == domain.FlowSelecting
}

// ---------------- Save attempt ----------------

// StartSave begins a new save attempt. Any prior attempt's tracking (in-flight
// submit, poll loop, stream) is cancelled first; at most one attempt is ever
// active. Outcomes are delivered through the callbacks and the flow state; the
// returned error additionally mirrors a submit-phase failure for callers that
// want it inline.
func (f *Flow) StartSave(ctx context.Context, sc SaveContext) error {
	f.mu.Lock()
	f.teardownLocked()
	f.gen++
	gen := f.gen

	scCopy := sc
	f.lastContext = &scCopy
	f.errMsg = nil
	f.duplicateOf = nil
	f.result = nil
	f.jobStatus = nil
	f.streamRetried = false

	req := f.buildRequestLocked(sc)
	procOpts := f.procOpts

	attemptCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	notify := f.setStateLocked(domain.FlowUploading)
	f.mu.Unlock()
	fire(notify)

	key := DeriveKey(req)
	resp, err := f.api.Submit(attemptCtx, req, key)

	f.mu.Lock()
	if gen != f.gen {
		f.mu.Unlock()
		return nil
	}
	if err != nil {
		if attemptCtx.Err() != nil {
			// Cancelled by Reset or a newer StartSave; never user-visible.
			f.mu.Unlock()
			return nil
		}
		msg := Classify(err)
		f.errMsg = &msg
		f.cancel = nil
		cancel()
		notify := f.setStateLocked(domain.FlowError)
		f.mu.Unlock()
		fire(notify)
		if f.cb.OnError != nil {
			f.cb.OnError(msg)
		}
		return fmt.Errorf("saveflow: submit: %w", err)
	}

	if resp.Duplicate {
		ref := domain.DocumentRef{ID: resp.DocumentID}
		f.duplicateOf = &ref
		f.cancel = nil
		cancel()
		notify := f.setStateLocked(domain.FlowDuplicate)
		f.mu.Unlock()
		fire(notify)
		f.log.Info("save deduplicated", "document_id", ref.ID)
		if f.cb.OnDuplicate != nil {
			f.cb.OnDuplicate(ref)
		}
		return nil
	}

	js := initialStatus(resp.JobID, resp.Status, procOpts)
	f.jobStatus = &js
	streamURL := f.api.AbsoluteURL(resp.StreamURL)
	notify = f.setStateLocked(domain.FlowProcessing)
	f.mu.Unlock()
	fire(notify)

	f.log.Debug("save accepted, tracking job", "job_id", resp.JobID)
	f.startTracking(attemptCtx, gen, resp.JobID, streamURL, procOpts)
	return nil
}

// Retry replays the last captured save context. Only valid after an error.
func (f *Flow) Retry(ctx context.Context) error {
	f.mu.Lock()
	if f.state != domain.FlowError {
		f.mu.Unlock()
		return fmt.Errorf("saveflow: retry is only valid after an error (state=%s)", f.state)
	}
	if f.lastContext == nil {
		f.mu.Unlock()
		return errors.New("saveflow: no captured save context to retry")
	}
	sc := *f.lastContext
	f.mu.Unlock()
	return f.StartSave(ctx, sc)
}

// Reset cancels any active tracking and returns the flow to idle, clearing all
// derived state. Selections (association, processing options) survive.
func (f *Flow) Reset() {
	f.mu.Lock()
	f.teardownLocked()
	f.gen++
	f.jobStatus = nil
	f.errMsg = nil
	f.duplicateOf = nil
	f.result = nil
	f.lastContext = nil
	notify := f.setStateLocked(domain.FlowIdle)
	f.mu.Unlock()
	fire(notify)
}

// ---------------- Tracking ----------------

func (f *Flow) startTracking(ctx context.Context, gen int, jobID string, streamURL string, opts domain.ProcessingOptions) {
	// Polling is the primary tracker: always runs, always sufficient.
	go f.poller.Run(ctx, jobID, opts, PollCallbacks{
		OnStatus:      func(js domain.JobStatus) { f.applyProgress(gen, js) },
		OnTerminal:    func(js domain.JobStatus) { f.applyTerminal(gen, js) },
		OnUnavailable: func(err error) { f.applyUnavailable(gen, err) },
	})

	// The stream is an enhancement: faster updates when it works, silence when
	// it does not.
	if streamURL == "" {
		return
	}
	f.connectStream(ctx, gen, jobID, streamURL, opts, "")
}

func (f *Flow) connectStream(ctx context.Context, gen int, jobID string, streamURL string, opts domain.ProcessingOptions, cursor string) {
	stream, err := f.newStream(jobstream.Options{
		URL:            streamURL,
		Tokens:         f.tokens,
		Log:            f.log,
		LastEventID:    cursor,
		ConnectTimeout: f.streamConnectTimeout,
		Callbacks: jobstream.Callbacks{
			OnEvent: func(ev jobstream.Event) { f.onStreamEvent(gen, opts, ev) },
			OnError: func(err error) {
				f.log.Debug("job stream interrupted, relying on polling", "job_id", jobID, "error", err)
				f.retryStream(ctx, gen, jobID, streamURL, opts)
			},
		},
	})
	if err != nil {
		f.log.Debug("job stream setup failed, relying on polling", "job_id", jobID, "error", err)
		return
	}

	f.mu.Lock()
	if gen != f.gen {
		f.mu.Unlock()
		stream.Close()
		return
	}
	f.stream = stream
	f.mu.Unlock()
	stream.Connect(ctx)
}

// retryStream reconnects the stream once per attempt, resuming from the last
// event cursor. Further failures leave polling on its own.
func (f *Flow) retryStream(ctx context.Context, gen int, jobID string, streamURL string, opts domain.ProcessingOptions) {
	f.mu.Lock()
	if gen != f.gen || f.state != domain.FlowProcessing || f.streamRetried {
		f.mu.Unlock()
		return
	}
	f.streamRetried = true
	cursor := ""
	if f.stream != nil {
		cursor = f.stream.LastEventID()
		f.stream = nil
	}
	f.mu.Unlock()
	f.connectStream(ctx, gen, jobID, streamURL, opts, cursor)
}

func (f *Flow) onStreamEvent(gen int, opts domain.ProcessingOptions, ev jobstream.Event) {
	var payload saveapi.JobStatusPayload
	if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
		return
	}
	if strings.TrimSpace(payload.Status) == "" {
		return
	}
	js := MapStatus(&payload, opts)
	if js.State.Terminal() {
		f.applyTerminal(gen, js)
		return
	}
	f.applyProgress(gen, js)
}

func (f *Flow) applyProgress(gen int, js domain.JobStatus) {
	f.mu.Lock()
	if gen != f.gen || f.state != domain.FlowProcessing {
		f.mu.Unlock()
		return
	}
	if f.jobStatus != nil && f.jobStatus.State.Terminal() {
		f.mu.Unlock()
		return
	}
	cp := js
	f.jobStatus = &cp
	f.mu.Unlock()
	if f.cb.OnStatus != nil {
		f.cb.OnStatus(js)
	}
}

// applyTerminal is the one-shot latch: the first terminal report for the
// current attempt wins, the other tracker is torn down, and later reports fall
// through the state check.
func (f *Flow) applyTerminal(gen int, js domain.JobStatus) {
	f.mu.Lock()
	if gen != f.gen || f.state != domain.FlowProcessing {
		f.mu.Unlock()
		return
	}
	cp := js
	f.jobStatus = &cp
	f.teardownLocked()

	if js.State == domain.JobCompleted && js.Result != nil {
		ref := *js.Result
		f.result = &ref
		notify := f.setStateLocked(domain.FlowComplete)
		f.mu.Unlock()
		fire(notify)
		f.log.Info("save completed", "job_id", js.JobID, "document_id", ref.ID)
		if f.cb.OnComplete != nil {
			f.cb.OnComplete(ref)
		}
		return
	}

	msg := ClassifyJobFailure(js)
	if js.State == domain.JobCompleted {
		msg = domain.ErrorMessage{
			Title:       "Save failed",
			Message:     "The save job finished without a document reference.",
			Severity:    domain.SeverityError,
			Recoverable: true,
		}
	}
	f.errMsg = &msg
	notify := f.setStateLocked(domain.FlowError)
	f.mu.Unlock()
	fire(notify)
	f.log.Warn("save job ended without success", "job_id", js.JobID, "job_state", string(js.State))
	if f.cb.OnError != nil {
		f.cb.OnError(msg)
	}
}

func (f *Flow) applyUnavailable(gen int, err error) {
	f.mu.Lock()
	if gen != f.gen || f.state != domain.FlowProcessing {
		f.mu.Unlock()
		return
	}
	f.teardownLocked()
	msg := UnavailableMessage()
	f.errMsg = &msg
	notify := f.setStateLocked(domain.FlowError)
	f.mu.Unlock()
	fire(notify)
	f.log.Warn("job status unavailable, giving up", "error", err)
	if f.cb.OnError != nil {
		f.cb.OnError(msg)
	}
}

// ---------------- Internals ----------------

func (f *Flow) teardownLocked() {
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	if f.stream != nil {
		f.stream.Close()
		f.stream = nil
	}
}

func (f *Flow) setStateLocked(s domain.FlowState) func() {
	if f.state == s {
		return nil
	}
	f.state = s
	cb := f.cb.OnStateChange
	if cb == nil {
		return nil
	}
	return func() { cb(s) }
}

func fire(fn func()) {
	if fn != nil {
		fn()
	}
}

func (f *Flow) buildRequestLocked(sc SaveContext) domain.SaveRequest {
	var assoc *domain.AssociationRef
	if f.association != nil {
		cp := *f.association
		assoc = &cp
	}
	ids := make([]string, len(sc.AttachmentIDs))
	copy(ids, sc.AttachmentIDs)
	return domain.SaveRequest{
		Source:      sc.Source,
		Association: assoc,
		Content: domain.ContentDescriptor{
			ItemID:          sc.ItemID,
			IncludeBody:     sc.IncludeBody,
			AttachmentIDs:   ids,
			DocumentLocator: sc.DocumentLocator,
		},
		Options:  f.procOpts,
		Metadata: sc.Metadata,
	}
}

func initialStatus(jobID string, rawState string, opts domain.ProcessingOptions) domain.JobStatus {
	state := domain.JobState(strings.TrimSpace(rawState))
	if state == "" {
		state = domain.JobQueued
	}
	order := domain.StageOrder(opts)
	stages := make([]domain.Stage, 0, len(order))
	for _, name := range order {
		stages = append(stages, domain.Stage{Name: name, State: domain.StagePending})
	}
	return domain.JobStatus{JobID: strings.TrimSpace(jobID), State: state, Stages: stages}
}
