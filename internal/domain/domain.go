package domain

// Stage is one phase a document passes through.
type Stage string

const (
	StageDownload   Stage = "download"
	StageExtraction Stage = "extraction"
	StageAnalysis   Stage = "analysis"
)

// AllStages in pipeline order.
func AllStages() []Stage {
	return []Stage{StageDownload, StageExtraction, StageAnalysis}
}

// StageStatus is the per-stage document status.
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageProcessing StageStatus = "processing"
	StageCompleted  StageStatus = "completed"
	StageFailed     StageStatus = "failed"
)

// Operation names the unit of work a job performs.
type Operation string

const (
	OpDownloadAll  Operation = "download_all"
	OpExtractAll   Operation = "extract_all"
	OpAnalyzeAll   Operation = "analyze_all"
	OpFullPipeline Operation = "full_pipeline"
	OpOrgBatch     Operation = "organization_batch"
)

// Stages returns the pipeline stages the operation touches, in run order.
func (op Operation) Stages() []Stage {
	switch op {
	case OpDownloadAll:
		return []Stage{StageDownload}
	case OpExtractAll:
		return []Stage{StageExtraction}
	case OpAnalyzeAll:
		return []Stage{StageAnalysis}
	case OpFullPipeline, OpOrgBatch:
		return AllStages()
	}
	return nil
}

func (op Operation) Valid() bool {
	return len(op.Stages()) > 0
}

// JobStatus is the job lifecycle state.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final; terminal jobs are never resurrected.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Priority is an advisory ordering hint for jobs.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// TargetAll is the sentinel meaning "every organization".
const TargetAll = "all"

type Organization struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	State     string `json:"state,omitempty"`
	Website   string `json:"website,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Document is a municipal regulatory document moving through the pipeline.
// Stage statuses are independent; a later stage only starts once the
// preceding stage has completed.
type Document struct {
	ID          string `json:"id"`
	OrgID       string `json:"org_id"`
	Title       string `json:"title"`
	SourceURL   string `json:"source_url"`
	ContentType string `json:"content_type,omitempty"`

	RawBody       []byte  `json:"-"`
	ExtractedText *string `json:"extracted_text,omitempty"`

	DownloadStatus        StageStatus `json:"download_status" enum:"pending,processing,completed,failed"`
	DownloadError         *string     `json:"download_error,omitempty"`
	DownloadCompletedAt   *string     `json:"download_completed_at,omitempty" format:"date-time"`
	ExtractionStatus      StageStatus `json:"extraction_status" enum:"pending,processing,completed,failed"`
	ExtractionError       *string     `json:"extraction_error,omitempty"`
	ExtractionCompletedAt *string     `json:"extraction_completed_at,omitempty" format:"date-time"`
	AnalysisStatus        StageStatus `json:"analysis_status" enum:"pending,processing,completed,failed"`
	AnalysisError         *string     `json:"analysis_error,omitempty"`
	AnalysisCompletedAt   *string     `json:"analysis_completed_at,omitempty" format:"date-time"`

	IsRelevant          *bool    `json:"is_relevant,omitempty"`
	RelevanceConfidence *float64 `json:"relevance_confidence,omitempty"`
	AnalysisExplanation *string  `json:"analysis_explanation,omitempty"`

	CreatedAt string `json:"created_at" format:"date-time"`
}

// StatusFor returns the document's status for the given stage.
func (d Document) StatusFor(stage Stage) StageStatus {
	switch stage {
	case StageDownload:
		return d.DownloadStatus
	case StageExtraction:
		return d.ExtractionStatus
	case StageAnalysis:
		return d.AnalysisStatus
	}
	return ""
}

// PhraseMatch records one lexicon phrase's contribution to a relevance score.
type PhraseMatch struct {
	Phrase string  `json:"phrase"`
	Count  int     `json:"count"`
	Weight float64 `json:"weight"`
	Score  float64 `json:"score"`
}

// Analysis is the output of scoring a document's extracted text.
type Analysis struct {
	IsRelevant bool          `json:"is_relevant"`
	Confidence float64       `json:"confidence"`
	Matches    []PhraseMatch `json:"matches"`
}

// JobOptions tune how a job selects and processes documents.
type JobOptions struct {
	SkipExisting    bool `json:"skip_existing"`
	RetryFailed     bool `json:"retry_failed"`
	ValidateResults bool `json:"validate_results"`
	BatchSize       int  `json:"batch_size" minimum:"1"`
}

// Job is one trackable unit of bulk orchestration.
type Job struct {
	ID        string    `json:"id"`
	Operation Operation `json:"operation" enum:"download_all,extract_all,analyze_all,full_pipeline,organization_batch"`
	// TargetOrgs is the explicit organization id set, or the single
	// element "all".
	TargetOrgs []string   `json:"target_organizations"`
	Priority   Priority   `json:"priority" enum:"low,normal,high,urgent"`
	Options    JobOptions `json:"options"`
	Status     JobStatus  `json:"status" enum:"queued,running,completed,failed,cancelled"`

	CancelRequested     bool    `json:"cancel_requested,omitempty"`
	TotalOperations     int     `json:"total_operations"`
	CompletedOperations int     `json:"completed_operations"`
	ErrorMessage        *string `json:"error_message,omitempty"`

	CreatedAt   string  `json:"created_at" format:"date-time"`
	StartedAt   *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

// TargetsAll reports whether the job targets every organization.
func (j Job) TargetsAll() bool {
	return len(j.TargetOrgs) == 1 && j.TargetOrgs[0] == TargetAll
}

// StageCount tallies attempts for one stage.
type StageCount struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// ProgressSnapshot is the durable, incrementally updated progress record a
// poller reads.
type ProgressSnapshot struct {
	JobID               string     `json:"job_id"`
	StartTime           string     `json:"start_time" format:"date-time"`
	TotalOperations     int        `json:"total_operations"`
	CompletedOperations int        `json:"completed_operations"`
	Downloads           StageCount `json:"downloads"`
	Extractions         StageCount `json:"extractions"`
	Analyses            StageCount `json:"analyses"`
	UpdatedAt           string     `json:"updated_at" format:"date-time"`

	// Derived on read; absent until at least one operation completed.
	EstimatedSecondsRemaining *float64 `json:"estimated_seconds_remaining,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
