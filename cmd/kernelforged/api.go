package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kernelforge/kernelforge/admission"
	"github.com/kernelforge/kernelforge/approval"
	"github.com/kernelforge/kernelforge/deployment"
	"github.com/kernelforge/kernelforge/idempotency"
	"github.com/kernelforge/kernelforge/middleware"
	"github.com/kernelforge/kernelforge/orchestrator"
	"github.com/kernelforge/kernelforge/store"
	"github.com/kernelforge/kernelforge/streaming"
)

// API exposes the deployment platform over HTTP.
type API struct {
	store        store.Store
	orchestrator *orchestrator.Orchestrator
	controller   *admission.Controller
	approvals    *approval.MemoryService
	keeper       *idempotency.Keeper
	hub          *streaming.Hub

	upgrader websocket.Upgrader
}

func NewAPI(s store.Store, o *orchestrator.Orchestrator, c *admission.Controller, a *approval.MemoryService, hub *streaming.Hub) *API {
	return &API{
		store:        s,
		orchestrator: o,
		controller:   c,
		approvals:    a,
		keeper:       idempotency.NewKeeper(s),
		hub:          hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// submitRequest is the POST /api/deployments body.
type submitRequest struct {
	Module          deployment.ModuleDescriptor `json:"module"`
	Payload         []byte                      `json:"payload"`
	Target          string                      `json:"target"`
	Requester       string                      `json:"requester"`
	RequireApproval bool                        `json:"require_approval"`
	Priority        int                         `json:"priority"`
	Metadata        map[string]string           `json:"metadata,omitempty"`
}

type submitResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
	Replayed    bool   `json:"replayed,omitempty"`
}

// handleSubmit admits a deployment request. A retried call carrying the
// same Idempotency-Key returns the original execution id.
func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	tenantID, err := middleware.GetTenantFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var body submitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	target, err := deployment.ParseEnvironment(body.Target)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	executionID := uuid.NewString()
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		claimed, fresh, err := a.keeper.Claim(r.Context(), tenantID+":"+key, executionID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "idempotency check failed: "+err.Error())
			return
		}
		if !fresh {
			writeJSON(w, http.StatusOK, submitResponse{
				ExecutionID: claimed,
				Status:      "accepted",
				Replayed:    true,
			})
			return
		}
	}

	req := &deployment.Request{
		ExecutionID:     executionID,
		Module:          body.Module,
		Payload:         body.Payload,
		Target:          target,
		Requester:       body.Requester,
		TenantID:        tenantID,
		RequireApproval: body.RequireApproval,
		Metadata:        body.Metadata,
		CreatedAt:       time.Now().UTC(),
	}

	if _, err := a.controller.Submit(req, body.Priority); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{ExecutionID: executionID, Status: "accepted"})
}

// handleDeployments routes /api/deployments and /api/deployments/{id}[/...].
func (a *API) handleDeployments(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/deployments"), "/")

	switch {
	case rest == "" && r.Method == http.MethodPost:
		a.handleSubmit(w, r)
	case rest == "" && r.Method == http.MethodGet:
		a.handleList(w, r)
	case strings.HasSuffix(rest, "/audit") && r.Method == http.MethodGet:
		a.handleAudit(w, r, strings.TrimSuffix(rest, "/audit"))
	case strings.HasSuffix(rest, "/rollback") && r.Method == http.MethodPost:
		a.handleRollback(w, r, strings.TrimSuffix(rest, "/rollback"))
	case rest != "" && r.Method == http.MethodGet:
		a.handleGet(w, r, rest)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	tenantID, err := middleware.GetTenantFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	states, err := a.store.ListExecutionStates(r.Context(), tenantID, 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, states)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request, executionID string) {
	tenantID, err := middleware.GetTenantFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	state, err := a.store.GetExecutionState(r.Context(), tenantID, executionID)
	if err == nil {
		writeJSON(w, http.StatusOK, state)
		return
	}
	if err != store.ErrNotFound {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeError(w, http.StatusNotFound, "execution "+executionID+" not found")
}

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request, executionID string) {
	events, err := a.store.ListAuditEvents(r.Context(), executionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (a *API) handleRollback(w http.ResponseWriter, r *http.Request, executionID string) {
	tenantID, err := middleware.GetTenantFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	state, err := a.store.GetExecutionState(r.Context(), tenantID, executionID)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "execution "+executionID+" not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := a.orchestrator.RollbackDeployment(r.Context(), state.Request); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"execution_id": executionID,
		"status":       "rolled_back",
	})
}

// handleClusterHealth reports each environment's cluster snapshot.
func (a *API) handleClusterHealth(w http.ResponseWriter, r *http.Request) {
	out := make([]*deployment.ClusterHealth, 0, len(deployment.Environments))
	for _, env := range deployment.Environments {
		h, err := a.orchestrator.GetClusterHealth(r.Context(), env)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		out = append(out, h)
	}
	writeJSON(w, http.StatusOK, out)
}

type approvalResponse struct {
	Approved  bool   `json:"approved"`
	Responder string `json:"responder"`
	Reason    string `json:"reason,omitempty"`
}

// handleApproval records a responder's decision for a pending approval.
func (a *API) handleApproval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	approvalID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/approvals"), "/")
	if approvalID == "" {
		writeError(w, http.StatusBadRequest, "approval id required")
		return
	}

	var body approvalResponse
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := a.approvals.Respond(approvalID, body.Approved, body.Responder, body.Reason); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a.approvals.Get(approvalID))
}

// handleStream upgrades to a websocket delivering deployment events. The
// optional execution_id query parameter filters to one execution.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[api] websocket upgrade: %v", err)
		return
	}
	a.hub.Register(conn, r.URL.Query().Get("execution_id"))

	// Read pump: drain control frames and unregister on close.
	go func() {
		defer a.hub.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// handleStatus reports admission-control health.
func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"queue_depth":   a.controller.QueueDepth(),
		"circuit_state": a.controller.BreakerState(),
	})
}
