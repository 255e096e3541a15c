package saveapi

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ServerError is the structured error payload the save service returns on
// failures. Code drives client-side classification.
type ServerError struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	Detail        string `json:"detail,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

type HTTPError struct {
	StatusCode int
	Body       string
	// Server is non-nil when the response body parsed as a structured error.
	Server *ServerError
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "save api error"
	}
	if e.Server != nil && e.Server.Code != "" {
		return fmt.Sprintf("save api error: status=%d code=%s", e.StatusCode, e.Server.Code)
	}
	if e.Body == "" {
		return fmt.Sprintf("save api error: status=%d", e.StatusCode)
	}
	return fmt.Sprintf("save api error: status=%d body=%s", e.StatusCode, e.Body)
}

func parseHTTPError(status int, raw []byte) *HTTPError {
	herr := &HTTPError{StatusCode: status, Body: string(raw)}

	var wrapped struct {
		Error *ServerError `json:"error"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Error != nil && strings.TrimSpace(wrapped.Error.Code) != "" {
		herr.Server = wrapped.Error
		return herr
	}

	var flat ServerError
	if err := json.Unmarshal(raw, &flat); err == nil && strings.TrimSpace(flat.Code) != "" {
		herr.Server = &flat
	}
	return herr
}
