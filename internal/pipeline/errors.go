package pipeline

import "fmt"

// Error codes surfaced to clients in the job's terminal error field.
const (
	CodeValidationFailed    = "VALIDATION_FAILED"
	CodePipelineUnavailable = "PIPELINE_UNAVAILABLE"
	CodePipelineFailed      = "PIPELINE_EXECUTION_FAILED"
	CodePipelineTimeout     = "PIPELINE_TIMEOUT"
	CodeJobCancelled        = "JOB_CANCELLED"
)

// Error is a classified failure of the generation pipeline. Transient errors
// are retried with backoff; everything else fails the job on first sight.
type Error struct {
	Code      string
	Message   string
	Transient bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func transientErr(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Transient: true}
}

func permanentErr(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
