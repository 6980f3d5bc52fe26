package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/docforge/docforge/internal/httpx"
	"github.com/docforge/docforge/internal/models"
	"github.com/docforge/docforge/internal/store"
)

// Submission is the case payload accepted by POST /jobs.
type Submission struct {
	CaseID          string   `json:"caseId" validate:"required,min=1,max=128"`
	DocumentTypes   []string `json:"documentTypes" validate:"required,min=1,dive,required"`
	NotifyRecipient string   `json:"notifyRecipient" validate:"omitempty,email"`
}

// pipelinePayload is what gets submitted to the generation service: the
// case's document list with any configured profile options merged in.
type pipelinePayload struct {
	CaseID          string             `json:"caseId"`
	Documents       []pipelineDocument `json:"documents"`
	NotifyRecipient string             `json:"notifyRecipient,omitempty"`
}

type pipelineDocument struct {
	Type    string         `json:"type"`
	Options map[string]any `json:"options,omitempty"`
}

type jobAccepted struct {
	JobID  string `json:"jobId"`
	CaseID string `json:"caseId"`
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var sub Submission
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&sub); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid_json", Message: err.Error()})
		return
	}

	if err := s.validate.Struct(sub); err != nil {
		var verrs validator.ValidationErrors
		msg := "invalid submission"
		if errors.As(err, &verrs) && len(verrs) > 0 {
			msg = verrs[0].Error()
		}
		writeJSON(w, http.StatusBadRequest, apiError{Error: "validation_failed", Message: msg})
		return
	}

	payload := pipelinePayload{
		CaseID:          sub.CaseID,
		NotifyRecipient: sub.NotifyRecipient,
	}
	for _, docType := range sub.DocumentTypes {
		payload.Documents = append(payload.Documents, pipelineDocument{
			Type:    docType,
			Options: s.profiles.Options(docType),
		})
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, apiError{Error: "internal"})
		return
	}

	job, err := s.store.Create(r.Context(), sub.CaseID, raw)
	if err != nil {
		if errors.Is(err, store.ErrCaseActive) {
			writeJSON(w, http.StatusConflict, apiError{Error: "case_active", Message: err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, apiError{Error: "internal"})
		return
	}

	zerolog.Ctx(r.Context()).Info().
		Str("job_id", job.JobID).
		Str("case_id", job.CaseID).
		Str("client_ip", httpx.ClientIPFromContext(r.Context())).
		Int("document_types", len(sub.DocumentTypes)).
		Msg("Accepted generation job")

	s.invoker.Invoke(job)

	writeJSON(w, http.StatusAccepted, jobAccepted{JobID: job.JobID, CaseID: job.CaseID})
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, ok := s.store.Get(r.Context(), jobID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": string(models.StatusNotFound)})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// retryJob creates a fresh invocation for a failed job, reusing the stored
// payload. Terminal records are immutable, so the retry runs under a new
// job id.
func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	prev, ok := s.store.Get(r.Context(), jobID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": string(models.StatusNotFound)})
		return
	}
	if prev.Status != models.StatusFailed {
		writeJSON(w, http.StatusConflict, apiError{
			Error:   "not_retryable",
			Message: "only failed jobs can be retried",
		})
		return
	}

	job, err := s.store.Create(r.Context(), prev.CaseID, prev.Payload)
	if err != nil {
		if errors.Is(err, store.ErrCaseActive) {
			writeJSON(w, http.StatusConflict, apiError{Error: "case_active", Message: err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, apiError{Error: "internal"})
		return
	}

	zerolog.Ctx(r.Context()).Info().
		Str("job_id", job.JobID).
		Str("case_id", job.CaseID).
		Str("retry_of", prev.JobID).
		Msg("Retrying failed job")

	s.invoker.Invoke(job)

	writeJSON(w, http.StatusAccepted, jobAccepted{JobID: job.JobID, CaseID: job.CaseID})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, ok := s.store.Get(r.Context(), jobID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": string(models.StatusNotFound)})
		return
	}
	if job.Status.Terminal() {
		writeJSON(w, http.StatusConflict, apiError{Error: "already_terminal"})
		return
	}

	s.invoker.Cancel(jobID)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
