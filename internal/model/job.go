package model

import "time"

// JobStatus is the lifecycle state of a research job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

func (s JobStatus) rank() int {
	switch s {
	case JobStatusPending:
		return 0
	case JobStatusProcessing:
		return 1
	case JobStatusCompleted, JobStatusFailed:
		return 2
	default:
		return -1
	}
}

// IsTerminal reports whether no further transitions are possible
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransitionTo reports whether moving from s to next keeps the lifecycle
// moving forward. processing -> processing is allowed so that progress
// updates can refresh LastUpdate.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s.rank() < 0 || next.rank() < 0 || s.IsTerminal() {
		return false
	}
	if s == next {
		return s == JobStatusProcessing
	}
	return next.rank() > s.rank()
}

// Job represents a research job tracked by the job store
type Job struct {
	ID          string      `json:"id"`
	Subject     string      `json:"subject"`
	SubjectURL  string      `json:"subjectUrl,omitempty"`
	Industry    string      `json:"category,omitempty"`
	Location    string      `json:"location,omitempty"`
	Status      JobStatus   `json:"status"`
	Report      string      `json:"result,omitempty"`
	References  []Reference `json:"references,omitempty"`
	ReportURL   string      `json:"reportUrl,omitempty"`
	Error       *string     `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	LastUpdate  time.Time   `json:"lastUpdate"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
}

// Inputs returns the request that created the job
func (j *Job) Inputs() ResearchRequest {
	return ResearchRequest{
		Subject:    j.Subject,
		SubjectURL: j.SubjectURL,
		Industry:   j.Industry,
		Location:   j.Location,
	}
}

// Clone returns a deep copy safe to hand out to readers
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.References != nil {
		cp.References = append([]Reference(nil), j.References...)
	}
	if j.Error != nil {
		msg := *j.Error
		cp.Error = &msg
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// StoredReport is a finalized report as kept by the persistence layer
type StoredReport struct {
	JobID      string      `json:"jobId"`
	Content    string      `json:"report"`
	References []Reference `json:"references,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// ResearchJobPayload is the task payload handed to the worker
type ResearchJobPayload struct {
	JobID   string          `json:"jobId"`
	Request ResearchRequest `json:"request"`
}
