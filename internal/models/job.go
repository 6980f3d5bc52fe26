package models

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a generation job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"

	// StatusNotFound is synthetic: it is never stored, only emitted on the
	// stream for a job id the store no longer knows about.
	StatusNotFound Status = "not_found"
)

// Terminal reports whether the status will never change again.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// DocumentProgress tracks how many documents of the bundle have been produced.
type DocumentProgress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// JobError is the structured terminal error carried by a failed job.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JobResult is the terminal payload of a successful job. ArtifactLink is nil
// when link creation failed or was skipped; the job is still a success.
type JobResult struct {
	ArtifactLink  *string `json:"artifactLink"`
	DocumentCount int     `json:"documentCount"`
}

// Job is one background execution of the generation pipeline for a single
// case submission.
type Job struct {
	JobID    string           `json:"jobId"`
	CaseID   string           `json:"caseId"`
	Status   Status           `json:"status"`
	Phase    string           `json:"phase,omitempty"`
	Progress int              `json:"progress"`
	Docs     DocumentProgress `json:"documentProgress"`
	Error    *JobError        `json:"error,omitempty"`
	Result   *JobResult       `json:"result,omitempty"`
	Attempts int              `json:"attempts"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Payload is the original submission, retained so an explicit retry can
	// reissue the pipeline call without the client resending it.
	Payload json.RawMessage `json:"-"`
}

// Update is a partial progress mutation applied to a non-terminal job.
// Nil fields are left untouched.
type Update struct {
	Status   *Status
	Phase    *string
	Progress *int
	Docs     *DocumentProgress
	Attempts *int
}

// Outcome is the terminal transition applied by MarkTerminal. Exactly one of
// Err or Result is set, matching the status.
type Outcome struct {
	Status Status
	Err    *JobError
	Result *JobResult
}

// Clone returns a deep copy safe to hand to subscribers while the store
// keeps mutating its own record.
func (j *Job) Clone() *Job {
	c := *j
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
		if j.Result.ArtifactLink != nil {
			link := *j.Result.ArtifactLink
			c.Result.ArtifactLink = &link
		}
	}
	return &c
}
