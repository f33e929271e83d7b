// Package idgen mints durable component identifiers through the external
// identifier service and caches them for the length of a build.
package idgen

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"releasegen/internal/errors"
)

// ── Identifier service client ──────────────────────────────
// Thin JSON client; retries and session handling live in Cache.

// ErrUnauthorized means the session token was rejected.
var ErrUnauthorized = stderrors.New("identifier service: unauthorized")

// JobStatus is the state of a bulk job.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED_WITH_SUCCESS"
	JobFailed    JobStatus = "FAILED"
)

// Job is a bulk job as reported by the service.
type Job struct {
	ID     int64     `json:"id"`
	Status JobStatus `json:"status"`
	Log    string    `json:"log,omitempty"`
}

// JobRecord is one identifier produced by a bulk job.
type JobRecord struct {
	SCTID    string `json:"sctid,omitempty"`
	SchemeID string `json:"schemeId,omitempty"`
	SystemID string `json:"systemId"`
}

// GenerateRequest mints one identifier.
type GenerateRequest struct {
	Namespace   int    `json:"namespace"`
	PartitionID string `json:"partitionId"`
	SystemID    string `json:"systemId"`
	Software    string `json:"software"`
	Comment     string `json:"comment,omitempty"`
}

// BulkGenerateRequest mints identifiers for many system ids in one job.
type BulkGenerateRequest struct {
	Namespace   int      `json:"namespace"`
	PartitionID string   `json:"partitionId"`
	SystemIDs   []string `json:"systemIds"`
	Quantity    int      `json:"quantity"`
	Software    string   `json:"software"`
	Comment     string   `json:"comment,omitempty"`
}

// SchemeBulkGenerateRequest mints legacy scheme ids in one job.
type SchemeBulkGenerateRequest struct {
	SystemIDs []string `json:"systemIds"`
	Quantity  int      `json:"quantity"`
	Software  string   `json:"software"`
	Comment   string   `json:"comment,omitempty"`
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("identifier service: http %d: %s", e.Code, e.Body)
}

// Client talks to the identifier service.
type Client struct {
	BaseURL  string
	HTTP     *http.Client
	Software string
}

// NewClient returns a client for the service at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		HTTP:     &http.Client{Timeout: 30 * time.Second},
		Software: "releasegen",
	}
}

// Login exchanges credentials for a session token.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "/login", "", body, &resp); err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	if resp.Token == "" {
		return "", fmt.Errorf("login: empty token")
	}
	return resp.Token, nil
}

// Logout ends the session.
func (c *Client) Logout(ctx context.Context, token string) error {
	if err := c.do(ctx, http.MethodPost, "/logout", "", map[string]string{"token": token}, nil); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// Authenticate reports whether token is still valid.
func (c *Client) Authenticate(ctx context.Context, token string) (bool, error) {
	err := c.do(ctx, http.MethodPost, "/authenticate", "", map[string]string{"token": token}, nil)
	if stderrors.Is(err, ErrUnauthorized) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("authenticate: %w", err)
	}
	return true, nil
}

// Generate mints a single identifier.
func (c *Client) Generate(ctx context.Context, token string, req GenerateRequest) (string, error) {
	if req.Software == "" {
		req.Software = c.Software
	}
	var resp struct {
		SCTID string `json:"sctid"`
	}
	if err := c.do(ctx, http.MethodPost, "/sct/generate", token, req, &resp); err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	return resp.SCTID, nil
}

// BulkGenerate submits a bulk identifier job.
func (c *Client) BulkGenerate(ctx context.Context, token string, req BulkGenerateRequest) (int64, error) {
	if req.Software == "" {
		req.Software = c.Software
	}
	var job Job
	if err := c.do(ctx, http.MethodPost, "/sct/bulk/generate", token, req, &job); err != nil {
		return 0, fmt.Errorf("bulk generate: %w", err)
	}
	return job.ID, nil
}

// SchemeBulkGenerate submits a bulk job for a legacy identifier scheme.
func (c *Client) SchemeBulkGenerate(ctx context.Context, token, scheme string, req SchemeBulkGenerateRequest) (int64, error) {
	if req.Software == "" {
		req.Software = c.Software
	}
	var job Job
	if err := c.do(ctx, http.MethodPost, "/scheme/"+url.PathEscape(scheme)+"/bulk/generate", token, req, &job); err != nil {
		return 0, fmt.Errorf("bulk generate %s: %w", scheme, err)
	}
	return job.ID, nil
}

// JobStatus fetches the current state of a bulk job.
func (c *Client) JobStatus(ctx context.Context, token string, id int64) (*Job, error) {
	var job Job
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/bulk/jobs/%d", id), token, nil, &job); err != nil {
		return nil, fmt.Errorf("job %d status: %w", id, err)
	}
	return &job, nil
}

// JobRecords fetches the identifiers produced by a completed job.
func (c *Client) JobRecords(ctx context.Context, token string, id int64) ([]JobRecord, error) {
	var records []JobRecord
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/bulk/jobs/%d/records", id), token, nil, &records); err != nil {
		return nil, fmt.Errorf("job %d records: %w", id, err)
	}
	return records, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	u := c.BaseURL + path
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		statusErr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return errors.Retryable("identifier service", "", statusErr)
		}
		return statusErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
