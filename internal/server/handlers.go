// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/loomhq/loom/internal/orchestrator/engine"
	"github.com/loomhq/loom/internal/orchestrator/models"
	"github.com/loomhq/loom/internal/orchestrator/oerr"

	"github.com/go-chi/chi/v5"
)

// WorkflowService is the engine surface the HTTP handlers need. Satisfied by
// *engine.Engine.
type WorkflowService interface {
	CreateWorkflow(ctx context.Context, req engine.CreateRequest) (*models.Workflow, error)
	StartWorkflow(ctx context.Context, workflowID string) error
	PauseWorkflow(ctx context.Context, workflowID string) error
	ResumeWorkflow(ctx context.Context, workflowID, message string) error
	CancelWorkflow(ctx context.Context, workflowID string) error
	RetryStep(ctx context.Context, workflowID, stepID string, freshStart bool) error
	SkipStep(ctx context.Context, workflowID, stepID, reason string) error
	GetWorkflow(ctx context.Context, workflowID string) (*models.Workflow, error)
	ListWorkflows(ctx context.Context, opts engine.ListOptions) ([]*models.Workflow, error)
	GetReadySteps(ctx context.Context, workflowID string) ([]*models.WorkflowStep, error)
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	workflows WorkflowService
}

// NewHandlers creates the handler set.
func NewHandlers(workflows WorkflowService) *Handlers {
	return &Handlers{workflows: workflows}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		getLog().Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, oerr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, oerr.ErrInvalidState):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// --- workflow handlers ---

// createWorkflowRequest is the JSON body for workflow creation.
type createWorkflowRequest struct {
	Title      string                   `json:"title"`
	Source     models.WorkflowSource    `json:"source"`
	BaseBranch string                   `json:"base_branch,omitempty"`
	Config     models.WorkflowRunConfig `json:"config"`
}

// CreateWorkflow handles POST /api/v1/workflows
func (h *Handlers) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var body createWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON body"})
		return
	}
	body.Title = strings.TrimSpace(body.Title)
	if body.Title == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "title is required"})
		return
	}
	if body.Source.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "source.type is required"})
		return
	}

	workflow, err := h.workflows.CreateWorkflow(r.Context(), engine.CreateRequest{
		Title:      body.Title,
		Source:     body.Source,
		BaseBranch: body.BaseBranch,
		Config:     body.Config,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, workflow)
}

// ListWorkflows handles GET /api/v1/workflows
func (h *Handlers) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	const maxLimit = 500
	opts := engine.ListOptions{Status: models.WorkflowStatus(r.URL.Query().Get("status"))}
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			opts.Limit = parsed
			if opts.Limit > maxLimit {
				opts.Limit = maxLimit
			}
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed > 0 {
			opts.Offset = parsed
		}
	}

	workflows, err := h.workflows.ListWorkflows(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	if workflows == nil {
		workflows = []*models.Workflow{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workflows": workflows})
}

// GetWorkflow handles GET /api/v1/workflows/{id}
func (h *Handlers) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	workflow, err := h.workflows.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workflow)
}

// StartWorkflow handles POST /api/v1/workflows/{id}/start
func (h *Handlers) StartWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := h.workflows.StartWorkflow(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

// PauseWorkflow handles POST /api/v1/workflows/{id}/pause
func (h *Handlers) PauseWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := h.workflows.PauseWorkflow(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "pausing"})
}

// resumeWorkflowRequest is the JSON body for workflow resumption.
type resumeWorkflowRequest struct {
	Message string `json:"message,omitempty"`
}

// ResumeWorkflow handles POST /api/v1/workflows/{id}/resume
func (h *Handlers) ResumeWorkflow(w http.ResponseWriter, r *http.Request) {
	var body resumeWorkflowRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON body"})
			return
		}
	}

	if err := h.workflows.ResumeWorkflow(r.Context(), chi.URLParam(r, "id"), body.Message); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// CancelWorkflow handles POST /api/v1/workflows/{id}/cancel
func (h *Handlers) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := h.workflows.CancelWorkflow(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// --- step handlers ---

// retryStepRequest is the JSON body for step retry.
type retryStepRequest struct {
	FreshStart bool `json:"fresh_start,omitempty"`
}

// RetryStep handles POST /api/v1/workflows/{id}/steps/{stepId}/retry
func (h *Handlers) RetryStep(w http.ResponseWriter, r *http.Request) {
	var body retryStepRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON body"})
			return
		}
	}

	err := h.workflows.RetryStep(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "stepId"), body.FreshStart)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "retrying"})
}

// skipStepRequest is the JSON body for step skip.
type skipStepRequest struct {
	Reason string `json:"reason,omitempty"`
}

// SkipStep handles POST /api/v1/workflows/{id}/steps/{stepId}/skip
func (h *Handlers) SkipStep(w http.ResponseWriter, r *http.Request) {
	var body skipStepRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON body"})
			return
		}
	}

	err := h.workflows.SkipStep(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "stepId"), body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "skipped"})
}

// GetReadySteps handles GET /api/v1/workflows/{id}/steps/ready
func (h *Handlers) GetReadySteps(w http.ResponseWriter, r *http.Request) {
	steps, err := h.workflows.GetReadySteps(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if steps == nil {
		steps = []*models.WorkflowStep{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"steps": steps})
}
