package server

import (
	"bylawscan/internal/domain"
)

// Request payloads

type CreateOrganizationRequest struct {
	Name    string  `json:"name"`
	State   *string `json:"state,omitempty"`
	Website *string `json:"website,omitempty"`
}

type IngestDocumentRequest struct {
	OrgID       string  `json:"org_id"`
	Title       string  `json:"title"`
	SourceURL   string  `json:"source_url"`
	ContentType *string `json:"content_type,omitempty"`
}

type StartJobRequest struct {
	Operation           string             `json:"operation" enum:"download_all,extract_all,analyze_all,full_pipeline,organization_batch"`
	TargetOrganizations []string           `json:"target_organizations"`
	Priority            *string            `json:"priority,omitempty" enum:"low,normal,high,urgent"`
	Options             *JobOptionsRequest `json:"options,omitempty"`
}

type JobOptionsRequest struct {
	SkipExisting    *bool `json:"skip_existing,omitempty"`
	RetryFailed     *bool `json:"retry_failed,omitempty"`
	ValidateResults *bool `json:"validate_results,omitempty"`
	BatchSize       *int  `json:"batch_size,omitempty" minimum:"1"`
}

type UpdateJobRequest struct {
	Status string `json:"status" enum:"cancelled"`
}

type ScoreRequest struct {
	Text string `json:"text"`
}

// Responses

type JobListResponse struct {
	Jobs    []domain.Job `json:"jobs"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
}

type DocumentListResponse struct {
	Documents []domain.Document `json:"documents"`
}

type OrganizationListResponse struct {
	Organizations []domain.Organization `json:"organizations"`
}

type EventListResponse struct {
	Events []domain.Event `json:"events"`
}

type HealthResponse struct {
	Status string `json:"status" example:"ok"`
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
