package domain

import "time"

// SourceKind tags what a save request was captured from.
type SourceKind string

const (
	SourceOutlookEmail    SourceKind = "OutlookEmail"
	SourceEmailAttachment SourceKind = "EmailAttachment"
	SourceDocument        SourceKind = "Document"
)

// AssociationRef points a saved document at a record (entity type + id).
// Association is optional on a SaveRequest; a request without one is valid.
// DisplayName is presentation-only and never enters the idempotency key.
type AssociationRef struct {
	EntityType  string `json:"entityType"`
	EntityID    string `json:"entityId"`
	DisplayName string `json:"displayName,omitempty"`
}

type ContentDescriptor struct {
	ItemID          string   `json:"itemId,omitempty"`
	IncludeBody     bool     `json:"includeBody"`
	AttachmentIDs   []string `json:"attachmentIds,omitempty"`
	DocumentLocator string   `json:"documentLocator,omitempty"`
}

// ProcessingOptions are the three independent post-upload toggles. They decide
// which optional stages the server runs, see StageOrder.
type ProcessingOptions struct {
	ProfileSummary bool `json:"profileSummary"`
	IndexContent   bool `json:"indexContent"`
	DeepAnalysis   bool `json:"deepAnalysis"`
}

// SaveRequest describes one save attempt. Treated as immutable once submitted.
type SaveRequest struct {
	Source      SourceKind        `json:"source"`
	Association *AssociationRef   `json:"association,omitempty"`
	Content     ContentDescriptor `json:"content"`
	Options     ProcessingOptions `json:"options"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ---------------- Job status ----------------

type JobState string

const (
	JobQueued         JobState = "Queued"
	JobRunning        JobState = "Running"
	JobCompleted      JobState = "Completed"
	JobFailed         JobState = "Failed"
	JobPartialSuccess JobState = "PartialSuccess"
	JobCancelled      JobState = "Cancelled"
)

func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobPartialSuccess, JobCancelled:
		return true
	default:
		return false
	}
}

type StageState string

const (
	StagePending   StageState = "Pending"
	StageRunning   StageState = "Running"
	StageCompleted StageState = "Completed"
	StageFailed    StageState = "Failed"
	StageSkipped   StageState = "Skipped"
)

type StageName string

const (
	StageUpload         StageName = "upload"
	StageConversion     StageName = "conversion"
	StageProfileSummary StageName = "profile_summary"
	StageIndexing       StageName = "indexing"
	StageDeepAnalysis   StageName = "deep_analysis"
	StageFinalize       StageName = "finalize"
)

// StageOrder is the single source of truth for the order server phases are
// presented in. The three fixed stages always appear; the optional ones appear
// only when the matching processing option was requested.
func StageOrder(opts ProcessingOptions) []StageName {
	out := []StageName{StageUpload, StageConversion}
	if opts.ProfileSummary {
		out = append(out, StageProfileSummary)
	}
	if opts.IndexContent {
		out = append(out, StageIndexing)
	}
	if opts.DeepAnalysis {
		out = append(out, StageDeepAnalysis)
	}
	return append(out, StageFinalize)
}

type Stage struct {
	Name        StageName  `json:"name"`
	State       StageState `json:"state"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// DocumentRef identifies a stored document and where to open it.
type DocumentRef struct {
	ID     string `json:"id"`
	WebURL string `json:"webUrl"`
}

// JobFailure carries the server's failure record for a terminally failed job.
type JobFailure struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// JobStatus is the client-side mirror of one server job. Writers replace the
// whole value in one step; once State is terminal the value is never touched
// again.
type JobStatus struct {
	JobID   string       `json:"jobId"`
	State   JobState     `json:"state"`
	Stages  []Stage      `json:"stages"`
	Result  *DocumentRef `json:"result,omitempty"`
	Failure *JobFailure  `json:"failure,omitempty"`
}

// ---------------- Flow ----------------

type FlowState string

const (
	FlowIdle       FlowState = "idle"
	FlowSelecting  FlowState = "selecting"
	FlowUploading  FlowState = "uploading"
	FlowProcessing FlowState = "processing"
	FlowComplete   FlowState = "complete"
	FlowDuplicate  FlowState = "duplicate"
	FlowError      FlowState = "error"
)

// Terminal reports whether the flow will not move again without an explicit
// Retry or Reset.
func (s FlowState) Terminal() bool {
	switch s {
	case FlowComplete, FlowDuplicate, FlowError:
		return true
	default:
		return false
	}
}

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// ErrorMessage is the display-ready form of any failure. It never carries the
// underlying error value; the classifier is the boundary.
type ErrorMessage struct {
	Title           string   `json:"title"`
	Message         string   `json:"message"`
	Severity        Severity `json:"severity"`
	Recoverable     bool     `json:"recoverable"`
	SuggestedAction string   `json:"suggestedAction,omitempty"`
}
