package saveflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/yungbote/officebridge-backend/internal/clients/saveapi"
	"github.com/yungbote/officebridge-backend/internal/domain"
)

// codeEntry is one row of the server error code table.
type codeEntry struct {
	Title           string
	Message         string
	Severity        domain.Severity
	Recoverable     bool
	SuggestedAction string
}

var codeTable = map[string]codeEntry{
	"VALIDATION_FAILED": {
		Title:       "Request not accepted",
		Message:     "The save request was rejected by the service.",
		Severity:    domain.SeverityError,
		Recoverable: false,
	},
	"ITEM_NOT_FOUND": {
		Title:           "Item not found",
		Message:         "The selected item no longer exists or is not visible to the service.",
		Severity:        domain.SeverityError,
		Recoverable:     false,
		SuggestedAction: "Reopen the item and try again.",
	},
	"ASSOCIATION_NOT_FOUND": {
		Title:           "Record not found",
		Message:         "The record this document was being attached to no longer exists.",
		Severity:        domain.SeverityError,
		Recoverable:     false,
		SuggestedAction: "Pick a different record.",
	},
	"ACCESS_DENIED": {
		Title:           "No permission",
		Message:         "You do not have permission to save to this location.",
		Severity:        domain.SeverityError,
		Recoverable:     false,
		SuggestedAction: "Ask your administrator for access.",
	},
	"ATTACHMENT_TOO_LARGE": {
		Title:           "Attachment too large",
		Message:         "One of the selected attachments exceeds the size limit.",
		Severity:        domain.SeverityError,
		Recoverable:     false,
		SuggestedAction: "Deselect the large attachment and retry.",
	},
	"QUOTA_EXCEEDED": {
		Title:           "Storage full",
		Message:         "The repository has run out of storage.",
		Severity:        domain.SeverityError,
		Recoverable:     false,
		SuggestedAction: "Free up space in the repository, then retry.",
	},
	"RATE_LIMITED": {
		Title:           "Too many requests",
		Message:         "The service is throttling requests.",
		Severity:        domain.SeverityWarning,
		Recoverable:     true,
		SuggestedAction: "Wait a moment and retry.",
	},
	"PROCESSING_FAILED": {
		Title:           "Processing failed",
		Message:         "The document was uploaded but could not be processed.",
		Severity:        domain.SeverityError,
		Recoverable:     true,
		SuggestedAction: "Retry the save.",
	},
	"SERVICE_UNAVAILABLE": {
		Title:           "Service unavailable",
		Message:         "The save service is temporarily unavailable.",
		Severity:        domain.SeverityError,
		Recoverable:     true,
		SuggestedAction: "Retry in a few minutes.",
	},
}

// Classify turns any failure into a display-ready ErrorMessage. Structured
// server errors with a recognized code use the code table, preferring the
// server's own detail text; unrecognized codes fall back to a generic message
// that is recoverable only for 5xx. Anything else is treated as a local fault
// and always marked recoverable. The input error never travels past here.
func Classify(err error) domain.ErrorMessage {
	var herr *saveapi.HTTPError
	if errors.As(err, &herr) {
		return classifyHTTP(herr)
	}

	msg := "An unexpected error occurred."
	if err != nil {
		if s := strings.TrimSpace(err.Error()); s != "" {
			msg = s
		}
	}
	return domain.ErrorMessage{
		Title:       "Something went wrong",
		Message:     msg,
		Severity:    domain.SeverityError,
		Recoverable: true,
	}
}

func classifyHTTP(herr *saveapi.HTTPError) domain.ErrorMessage {
	if herr.Server != nil {
		code := strings.ToUpper(strings.TrimSpace(herr.Server.Code))
		if entry, ok := codeTable[code]; ok {
			out := domain.ErrorMessage{
				Title:           entry.Title,
				Message:         entry.Message,
				Severity:        entry.Severity,
				Recoverable:     entry.Recoverable,
				SuggestedAction: entry.SuggestedAction,
			}
			if detail := strings.TrimSpace(herr.Server.Detail); detail != "" {
				out.Message = detail
			} else if m := strings.TrimSpace(herr.Server.Message); m != "" {
				out.Message = m
			}
			return out
		}
	}

	return domain.ErrorMessage{
		Title:       "Save failed",
		Message:     genericStatusMessage(herr.StatusCode),
		Severity:    domain.SeverityError,
		Recoverable: herr.StatusCode >= 500,
	}
}

func genericStatusMessage(status int) string {
	switch {
	case status == 404:
		return "The requested resource was not found."
	case status == 403:
		return "Access to the save service was denied."
	case status >= 500:
		return "The save service reported an internal error."
	default:
		return fmt.Sprintf("The save service rejected the request (status %d).", status)
	}
}

// ClassifyJobFailure maps a terminal job status (and the server's failure
// record when present) into an ErrorMessage.
func ClassifyJobFailure(js domain.JobStatus) domain.ErrorMessage {
	if js.Failure != nil {
		code := strings.ToUpper(strings.TrimSpace(js.Failure.Code))
		if entry, ok := codeTable[code]; ok {
			out := domain.ErrorMessage{
				Title:           entry.Title,
				Message:         entry.Message,
				Severity:        entry.Severity,
				Recoverable:     entry.Recoverable,
				SuggestedAction: entry.SuggestedAction,
			}
			if m := strings.TrimSpace(js.Failure.Message); m != "" {
				out.Message = m
			}
			return out
		}
		if m := strings.TrimSpace(js.Failure.Message); m != "" {
			return domain.ErrorMessage{
				Title:       "Save failed",
				Message:     m,
				Severity:    domain.SeverityError,
				Recoverable: true,
			}
		}
	}

	switch js.State {
	case domain.JobCancelled:
		return domain.ErrorMessage{
			Title:       "Save cancelled",
			Message:     "The save was cancelled before it finished.",
			Severity:    domain.SeverityWarning,
			Recoverable: true,
		}
	case domain.JobPartialSuccess:
		return domain.ErrorMessage{
			Title:           "Partially saved",
			Message:         "Some parts of the save did not complete.",
			Severity:        domain.SeverityWarning,
			Recoverable:     true,
			SuggestedAction: "Retry to save the remaining parts.",
		}
	default:
		return domain.ErrorMessage{
			Title:       "Save failed",
			Message:     "The save job did not complete.",
			Severity:    domain.SeverityError,
			Recoverable: true,
		}
	}
}

// UnavailableMessage covers the poller giving up after its retry budget: the
// job may still be running server-side, the client just cannot see it.
func UnavailableMessage() domain.ErrorMessage {
	return domain.ErrorMessage{
		Title:           "Status unavailable",
		Message:         "The save is still being processed, but its status could not be retrieved.",
		Severity:        domain.SeverityWarning,
		Recoverable:     true,
		SuggestedAction: "Retry to check again.",
	}
}
