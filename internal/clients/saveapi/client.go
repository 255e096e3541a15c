// Package saveapi is the HTTP client for the office save service: submission
// of save requests and job status reads. The event-stream side lives in
// clients/jobstream.
package saveapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/yungbote/officebridge-backend/internal/domain"
	"github.com/yungbote/officebridge-backend/internal/platform/logger"
)

const (
	savePath = "/office/save"
	jobsPath = "/office/jobs/"
)

// TokenProvider yields a bearer access token for each request. Acquisition
// mechanics (MSAL, cached exchange) are the caller's concern.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

type Options struct {
	BaseURL string
	Tokens  TokenProvider
	Log     *logger.Logger

	Timeout time.Duration

	// HTTPClient overrides the default transport. Intended for tests.
	HTTPClient *http.Client
}

type Client struct {
	baseURL string
	tokens  TokenProvider
	log     *logger.Logger

	timeout time.Duration

	httpClient *http.Client
}

func New(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("saveapi: base url required")
	}
	if opts.Tokens == nil {
		return nil, errors.New("saveapi: token provider required")
	}
	if opts.Log == nil {
		return nil, errors.New("saveapi: logger required")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	return &Client{
		baseURL:    baseURL,
		tokens:     opts.Tokens,
		log:        opts.Log.With("component", "SaveAPIClient"),
		timeout:    timeout,
		httpClient: hc,
	}, nil
}

// SubmitResponse is the save service's acknowledgment of one submission.
type SubmitResponse struct {
	JobID         string `json:"jobId"`
	DocumentID    string `json:"documentId,omitempty"`
	StatusURL     string `json:"statusUrl"`
	StreamURL     string `json:"streamUrl"`
	Status        string `json:"status"`
	Duplicate     bool   `json:"duplicate"`
	Message       string `json:"message,omitempty"`
	CorrelationID string `json:"correlationId"`
}

// Submit posts one save request. The idempotency key travels as a header so
// retried submissions with identical content are deduplicated server-side.
func (c *Client) Submit(ctx context.Context, req domain.SaveRequest, idempotencyKey string) (*SubmitResponse, error) {
	if strings.TrimSpace(idempotencyKey) == "" {
		return nil, errors.New("saveapi: idempotency key required")
	}

	correlationID := uuid.NewString()
	headers := map[string]string{
		"X-Idempotency-Key": idempotencyKey,
		"X-Correlation-ID":  correlationID,
	}

	var resp SubmitResponse
	if err := c.doJSON(ctx, http.MethodPost, savePath, headers, req, &resp); err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.JobID) == "" && !resp.Duplicate {
		return nil, errors.New("saveapi: submit response missing jobId")
	}

	c.log.Debug("save submitted",
		"job_id", resp.JobID,
		"duplicate", resp.Duplicate,
		"correlation_id", correlationID,
	)
	return &resp, nil
}

// PhaseRecord is one entry of the server's completed-phases set.
type PhaseRecord struct {
	Name        string     `json:"name"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

type ResultArtifact struct {
	DocumentID string `json:"documentId"`
	WebURL     string `json:"webUrl"`
}

// JobStatusPayload is the server's own wire shape for job status. Mapping onto
// the fixed stage order happens in the poller, not here.
type JobStatusPayload struct {
	JobID           string          `json:"jobId"`
	Status          string          `json:"status"`
	CurrentPhase    string          `json:"currentPhase,omitempty"`
	CompletedPhases []PhaseRecord   `json:"completedPhases,omitempty"`
	Result          *ResultArtifact `json:"result,omitempty"`
	Error           *ServerError    `json:"error,omitempty"`
}

func (c *Client) JobStatus(ctx context.Context, jobID string) (*JobStatusPayload, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, errors.New("saveapi: jobID required")
	}

	var resp JobStatusPayload
	if err := c.doJSON(ctx, http.MethodGet, jobsPath+url.PathEscape(jobID), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AbsoluteURL resolves a possibly relative service URL (statusUrl, streamUrl)
// against the client's base.
func (c *Client) AbsoluteURL(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if u.IsAbs() {
		return ref
	}
	return c.baseURL + "/" + strings.TrimLeft(ref, "/")
}

// ---------------- HTTP helpers ----------------

func (c *Client) setHeaders(ctx context.Context, req *http.Request, extra map[string]string) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("saveapi: acquire token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))

	for k, v := range extra {
		req.Header.Set(k, v)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method string, path string, headers map[string]string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	ctx2, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx2, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	if err := c.setHeaders(ctx2, req, headers); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseHTTPError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
