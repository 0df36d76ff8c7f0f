// Package bylawscansdk is a minimal client for the bylawscan HTTP API,
// including the polling policy consumers use to follow a job to completion.
package bylawscansdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal bylawscan HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	// PollInterval is the fixed delay between job status re-fetches.
	PollInterval time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:      baseURL,
		Timeout:      30 * time.Second,
		PollInterval: 2 * time.Second,
	}
}

// Job mirrors the API job model.
type Job struct {
	ID                  string     `json:"id"`
	Operation           string     `json:"operation"`
	TargetOrganizations []string   `json:"target_organizations"`
	Priority            string     `json:"priority"`
	Options             JobOptions `json:"options"`
	Status              string     `json:"status"`
	TotalOperations     int        `json:"total_operations"`
	CompletedOperations int        `json:"completed_operations"`
	ErrorMessage        *string    `json:"error_message,omitempty"`
	CreatedAt           string     `json:"created_at"`
	StartedAt           *string    `json:"started_at,omitempty"`
	CompletedAt         *string    `json:"completed_at,omitempty"`
}

// Terminal reports whether the job status is final.
func (j Job) Terminal() bool {
	switch j.Status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

type JobOptions struct {
	SkipExisting    bool `json:"skip_existing"`
	RetryFailed     bool `json:"retry_failed"`
	ValidateResults bool `json:"validate_results"`
	BatchSize       int  `json:"batch_size"`
}

type StageCount struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Progress mirrors the API progress snapshot.
type Progress struct {
	JobID                     string     `json:"job_id"`
	StartTime                 string     `json:"start_time"`
	TotalOperations           int        `json:"total_operations"`
	CompletedOperations       int        `json:"completed_operations"`
	Downloads                 StageCount `json:"downloads"`
	Extractions               StageCount `json:"extractions"`
	Analyses                  StageCount `json:"analyses"`
	UpdatedAt                 string     `json:"updated_at"`
	EstimatedSecondsRemaining *float64   `json:"estimated_seconds_remaining,omitempty"`
}

type Organization struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	State     string `json:"state,omitempty"`
	Website   string `json:"website,omitempty"`
	CreatedAt string `json:"created_at"`
}

type Document struct {
	ID                  string   `json:"id"`
	OrgID               string   `json:"org_id"`
	Title               string   `json:"title"`
	SourceURL           string   `json:"source_url"`
	DownloadStatus      string   `json:"download_status"`
	ExtractionStatus    string   `json:"extraction_status"`
	AnalysisStatus      string   `json:"analysis_status"`
	IsRelevant          *bool    `json:"is_relevant,omitempty"`
	RelevanceConfidence *float64 `json:"relevance_confidence,omitempty"`
	CreatedAt           string   `json:"created_at"`
}

// JobPage is one page of job history.
type JobPage struct {
	Jobs    []Job `json:"jobs"`
	Total   int   `json:"total"`
	HasMore bool  `json:"has_more"`
}

// StartJobRequest are the start-job parameters.
type StartJobRequest struct {
	Operation           string      `json:"operation"`
	TargetOrganizations []string    `json:"target_organizations"`
	Priority            string      `json:"priority,omitempty"`
	Options             *JobOptions `json:"options,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateOrganization registers a municipality.
func (c *Client) CreateOrganization(ctx context.Context, name, state, website string) (Organization, error) {
	body := map[string]any{"name": name}
	if state != "" {
		body["state"] = state
	}
	if website != "" {
		body["website"] = website
	}
	var resp Organization
	err := c.do(ctx, http.MethodPost, "v0/organizations", body, &resp)
	return resp, err
}

// IngestDocument registers a discovered document.
func (c *Client) IngestDocument(ctx context.Context, orgID, title, sourceURL, contentType string) (Document, error) {
	body := map[string]any{
		"org_id":     orgID,
		"title":      title,
		"source_url": sourceURL,
	}
	if contentType != "" {
		body["content_type"] = contentType
	}
	var resp Document
	err := c.do(ctx, http.MethodPost, "v0/documents", body, &resp)
	return resp, err
}

// StartJob starts a bulk job.
func (c *Client) StartJob(ctx context.Context, req StartJobRequest) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, "v0/jobs", req, &resp)
	return resp, err
}

// GetJob returns the current job snapshot.
func (c *Client) GetJob(ctx context.Context, jobID string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, "v0/jobs/"+url.PathEscape(jobID), nil, &resp)
	return resp, err
}

// GetProgress returns the job's progress snapshot.
func (c *Client) GetProgress(ctx context.Context, jobID string) (Progress, error) {
	var resp Progress
	err := c.do(ctx, http.MethodGet, "v0/jobs/"+url.PathEscape(jobID)+"/progress", nil, &resp)
	return resp, err
}

// CancelJob requests cooperative cancellation.
func (c *Client) CancelJob(ctx context.Context, jobID string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPatch, "v0/jobs/"+url.PathEscape(jobID), map[string]any{"status": "cancelled"}, &resp)
	return resp, err
}

// DeleteJob removes a terminal job.
func (c *Client) DeleteJob(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodDelete, "v0/jobs/"+url.PathEscape(jobID), nil, nil)
}

// ListJobs returns one page of job history.
func (c *Client) ListJobs(ctx context.Context, status, operation string, limit, offset int) (JobPage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if operation != "" {
		q.Set("operation", operation)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if offset > 0 {
		q.Set("offset", fmt.Sprint(offset))
	}
	endpoint := "v0/jobs"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp JobPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// PollJob re-fetches the job at the client's fixed interval until it reaches
// a terminal state or the context ends. onUpdate, when non-nil, observes
// each fetched snapshot.
func (c *Client) PollJob(ctx context.Context, jobID string, onUpdate func(Job, Progress)) (Job, error) {
	interval := c.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := c.GetJob(ctx, jobID)
		if err != nil {
			return Job{}, err
		}
		if onUpdate != nil {
			progress, err := c.GetProgress(ctx, jobID)
			if err != nil {
				return Job{}, err
			}
			onUpdate(job, progress)
		}
		if job.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
