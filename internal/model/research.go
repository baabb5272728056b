package model

import "time"

// ResearchRequest represents the request to start a research job
type ResearchRequest struct {
	Subject    string `json:"subject" validate:"required,max=200"`
	SubjectURL string `json:"subjectUrl,omitempty" validate:"omitempty,max=2048"`
	Industry   string `json:"category,omitempty" validate:"omitempty,max=200"`
	Location   string `json:"location,omitempty" validate:"omitempty,max=200"`
}

// ResearchStartResponse is returned when a job has been accepted
type ResearchStartResponse struct {
	JobID           string `json:"jobId"`
	Status          string `json:"status"`
	Message         string `json:"message"`
	ProgressChannel string `json:"progressChannel"`
}

// JobStatusResponse is the public view of a job
type JobStatusResponse struct {
	JobID       string      `json:"jobId"`
	Subject     string      `json:"subject"`
	Status      JobStatus   `json:"status"`
	Result      *string     `json:"result,omitempty"`
	ReportURL   string      `json:"reportUrl,omitempty"`
	References  []Reference `json:"references,omitempty"`
	Error       *string     `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	LastUpdate  time.Time   `json:"lastUpdate"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
}

// ReportResponse wraps a finished report
type ReportResponse struct {
	Report string `json:"report"`
}

// NewJobStatusResponse builds the public view of job
func NewJobStatusResponse(job *Job) *JobStatusResponse {
	resp := &JobStatusResponse{
		JobID:       job.ID,
		Subject:     job.Subject,
		Status:      job.Status,
		ReportURL:   job.ReportURL,
		References:  job.References,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		LastUpdate:  job.LastUpdate,
		CompletedAt: job.CompletedAt,
	}
	if job.Status == JobStatusCompleted && job.Report != "" {
		report := job.Report
		resp.Result = &report
	}
	return resp
}
