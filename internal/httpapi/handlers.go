package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/sagacore/internal/diagram"
	"github.com/rendis/sagacore/internal/saga"
	"github.com/rendis/sagacore/internal/store"
	"github.com/rendis/sagacore/pkg/schema"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":      "ok",
		"definitions": s.deps.Orchestrator.Registry().Count(),
		"pool":        s.deps.Orchestrator.PoolMetrics(),
	}
	writeJSON(w, http.StatusOK, body)
}

// --- Definitions ---

func (s *Server) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Orchestrator.Registry().List())
}

func (s *Server) handleDiagram(w http.ResponseWriter, r *http.Request) {
	def, err := s.deps.Orchestrator.Registry().Get(chi.URLParam(r, "name"))
	if err != nil {
		writeSagaError(w, err)
		return
	}
	s.renderDiagram(w, r, def, nil)
}

func (s *Server) handleInstanceDiagram(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Orchestrator.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeSagaError(w, err)
		return
	}
	def, err := s.deps.Orchestrator.Registry().Get(st.Instance.SagaName)
	if err != nil {
		writeSagaError(w, err)
		return
	}
	s.renderDiagram(w, r, def, st.Instance)
}

// renderDiagram writes def in the format named by ?format (mermaid, ascii
// or png). Mermaid is the default.
func (s *Server) renderDiagram(w http.ResponseWriter, r *http.Request, def *saga.Definition, inst *store.SagaInstance) {
	model, err := diagram.Build(def, inst)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	switch format := r.URL.Query().Get("format"); format {
	case "", "mermaid":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(diagram.RenderMermaid(model)))
	case "ascii":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(diagram.RenderASCII(model)))
	case "png":
		png, err := diagram.RenderImage(r.Context(), model)
		if err != nil {
			s.deps.Logger.Error("diagram render failed", "saga", def.Name, "error", err)
			writeError(w, http.StatusInternalServerError, "render failed")
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(png)
	default:
		writeError(w, http.StatusBadRequest, "unknown format "+format)
	}
}

// --- Instances ---

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Orchestrator.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeSagaError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	filter := store.InstanceFilter{
		TenantID: chi.URLParam(r, "tenantID"),
		SagaName: r.URL.Query().Get("saga"),
		Limit:    queryInt(r, "limit", 50),
	}
	for _, v := range splitList(r.URL.Query().Get("status")) {
		filter.Statuses = append(filter.Statuses, schema.SagaStatus(v))
	}
	instances, err := s.deps.Orchestrator.ListInstances(r.Context(), filter)
	if err != nil {
		writeSagaError(w, err)
		return
	}
	if instances == nil {
		instances = []*store.SagaInstance{}
	}
	writeJSON(w, http.StatusOK, instances)
}

// --- Approvals ---

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	if s.deps.Gates == nil {
		writeError(w, http.StatusServiceUnavailable, "approvals are not enabled")
		return
	}
	filter := store.GateFilter{
		TenantID:   chi.URLParam(r, "tenantID"),
		InstanceID: r.URL.Query().Get("instance"),
		Limit:      queryInt(r, "limit", 50),
	}
	statuses := splitList(r.URL.Query().Get("status"))
	if len(statuses) == 0 {
		statuses = []string{string(schema.GateStatusPending), string(schema.GateStatusEscalated)}
	}
	for _, v := range statuses {
		filter.Statuses = append(filter.Statuses, schema.GateStatus(v))
	}
	gates, err := s.deps.Gates.ListGates(r.Context(), filter)
	if err != nil {
		writeSagaError(w, err)
		return
	}
	if gates == nil {
		gates = []*store.ApprovalGate{}
	}
	writeJSON(w, http.StatusOK, gates)
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	if s.deps.Gates == nil {
		writeError(w, http.StatusServiceUnavailable, "approvals are not enabled")
		return
	}
	gate, err := s.deps.Gates.GetGate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeSagaError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gate)
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	if s.deps.Gates == nil {
		writeError(w, http.StatusServiceUnavailable, "approvals are not enabled")
		return
	}
	var body map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if s.deps.Validator != nil {
		if err := s.deps.Validator.ValidateDecision(body); err != nil {
			writeSagaError(w, err)
			return
		}
	}
	decision, _ := body["decision"].(string)
	decidedBy, _ := body["decided_by"].(string)
	note, _ := body["note"].(string)

	gate, err := s.deps.Gates.Decide(r.Context(), chi.URLParam(r, "id"), schema.Decision(decision), decidedBy, note)
	if err != nil {
		writeSagaError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gate)
}

func (s *Server) handlePutChain(w http.ResponseWriter, r *http.Request) {
	if s.deps.Gates == nil {
		writeError(w, http.StatusServiceUnavailable, "approvals are not enabled")
		return
	}
	var chain store.EscalationChain
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&chain); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	chain.TenantID = chi.URLParam(r, "tenantID")
	chain.SagaName = chi.URLParam(r, "saga")
	if err := s.deps.Gates.PutEscalationChain(r.Context(), &chain); err != nil {
		writeSagaError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

// --- Events ---

type publishRequest struct {
	Type          string         `json:"type"`
	Payload       map[string]any `json:"payload"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
}

func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus is not enabled")
		return
	}
	var req publishRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	meta := schema.EventMetadata{
		Source:        "http",
		CorrelationID: req.CorrelationID,
		UserID:        req.UserID,
	}
	ev, err := s.deps.Bus.Publish(r.Context(), req.Type, chi.URLParam(r, "tenantID"), req.Payload, meta)
	if err != nil {
		writeSagaError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ev)
}

// --- Jobs ---

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler is not enabled")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Scheduler.Jobs())
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler is not enabled")
		return
	}
	name := chi.URLParam(r, "name")
	if err := s.deps.Scheduler.RunNow(r.Context(), name); err != nil {
		writeSagaError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job": name, "status": "ok"})
}

// splitList splits a comma-separated query value, dropping empties.
func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
