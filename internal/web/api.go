package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mtzanidakis/saat/internal/broker"
	"github.com/mtzanidakis/saat/internal/scheduler"
	"github.com/mtzanidakis/saat/internal/store"
)

const (
	defaultRunsLimit = 50
	maxRunsLimit     = 500
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Agents
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("POST /api/agents/{name}/validate", s.validateAgent)

	// Pipelines
	mux.HandleFunc("GET /api/pipelines", s.listPipelines)
	mux.HandleFunc("GET /api/pipelines/{name}", s.getPipeline)
	mux.HandleFunc("POST /api/pipelines/{name}/run", s.runPipeline)

	// Run history
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.getRun)
	mux.HandleFunc("DELETE /api/runs/{id}", s.deleteRun)

	// Shared state
	mux.HandleFunc("GET /api/memory", s.getMemory)
	mux.HandleFunc("DELETE /api/memory", s.clearMemory)
	mux.HandleFunc("DELETE /api/memory/{key}", s.deleteMemoryKey)
	mux.HandleFunc("GET /api/context", s.getContext)
	mux.HandleFunc("DELETE /api/context", s.clearContext)
	mux.HandleFunc("PUT /api/context/metadata/{key}", s.putContextMetadata)
	mux.HandleFunc("DELETE /api/context/metadata/{key}", s.deleteContextMetadata)

	// Schedules
	mux.HandleFunc("GET /api/schedules", s.listSchedules)
	mux.HandleFunc("POST /api/schedules/{name}/run", s.triggerSchedule)

	// Secrets
	mux.HandleFunc("GET /api/secrets", s.listSecrets)
	mux.HandleFunc("PUT /api/secrets/{name}", s.putSecret)
	mux.HandleFunc("DELETE /api/secrets/{name}", s.deleteSecret)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.broker.Agents()
	out := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		entry := map[string]any{
			"name":         a.Name(),
			"version":      a.Version(),
			"capabilities": nonNil(a.Capabilities()),
		}
		if s.registry != nil {
			if def, ok := s.registry.Definition(a.Name()); ok {
				kind := def.Kind
				if kind == "" {
					kind = "static"
				}
				entry["kind"] = kind
				entry["description"] = def.Description
			}
		}
		out = append(out, entry)
	}
	jsonResponse(w, out)
}

func (s *Server) validateAgent(w http.ResponseWriter, r *http.Request) {
	var input map[string]any
	if err := decodeOptional(r, &input); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if input == nil {
		input = map[string]any{}
	}

	res, err := s.broker.Validate(r.PathValue("name"), input)
	if errors.Is(err, broker.ErrAgentNotFound) {
		jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, res)
}

func (s *Server) listPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines := s.broker.Pipelines()
	out := make([]map[string]any, 0, len(pipelines))
	for _, p := range pipelines {
		out = append(out, map[string]any{
			"name":    p.Name,
			"version": p.Version,
			"steps":   p.StepNames(),
			"agents":  p.Agents(),
		})
	}
	jsonResponse(w, out)
}

func (s *Server) getPipeline(w http.ResponseWriter, r *http.Request) {
	p, ok := s.broker.Pipeline(r.PathValue("name"))
	if !ok {
		jsonError(w, "pipeline not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, p)
}

func (s *Server) runPipeline(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Params map[string]any `json:"params"`
	}
	if err := decodeOptional(r, &body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.broker.ExecutePipeline(r.Context(), r.PathValue("name"), body.Params)
	if errors.Is(err, broker.ErrPipelineNotFound) {
		jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, res)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			jsonError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxRunsLimit)
	}

	runs, err := s.store.ListRuns(r.URL.Query().Get("pipeline"), limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	jsonResponse(w, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, run)
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.store.GetRun(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	if err := s.store.DeleteRun(id); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) getMemory(w http.ResponseWriter, r *http.Request) {
	mem := s.broker.Memory()
	entries := mem.Snapshot()
	if name := r.URL.Query().Get("agent"); name != "" {
		entries = mem.Relevant(name)
	}
	jsonResponse(w, map[string]any{
		"size":     mem.Size(),
		"max_size": mem.MaxSize(),
		"policy":   mem.Policy(),
		"entries":  entries,
	})
}

func (s *Server) clearMemory(w http.ResponseWriter, r *http.Request) {
	s.broker.Memory().Clear()
	jsonResponse(w, map[string]string{"status": "cleared"})
}

func (s *Server) deleteMemoryKey(w http.ResponseWriter, r *http.Request) {
	if !s.broker.Memory().Delete(r.PathValue("key")) {
		jsonError(w, "key not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) getContext(w http.ResponseWriter, r *http.Request) {
	ctx := s.broker.Context()
	if name := r.URL.Query().Get("agent"); name != "" {
		jsonResponse(w, ctx.Relevant(name))
		return
	}
	jsonResponse(w, ctx.Snapshot())
}

func (s *Server) clearContext(w http.ResponseWriter, r *http.Request) {
	s.broker.Context().Clear()
	jsonResponse(w, map[string]string{"status": "cleared"})
}

// putContextMetadata sets one metadata entry. Keys prefixed with an agent
// name are only projected to that agent; "global" reaches every agent.
func (s *Server) putContextMetadata(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value any `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Value == nil {
		jsonError(w, "value is required", http.StatusBadRequest)
		return
	}
	s.broker.Context().SetMetadata(r.PathValue("key"), body.Value)
	jsonResponse(w, map[string]string{"status": "saved"})
}

func (s *Server) deleteContextMetadata(w http.ResponseWriter, r *http.Request) {
	if !s.broker.Context().DeleteMetadata(r.PathValue("key")) {
		jsonError(w, "key not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListSchedules()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(schedules))
	for _, sch := range schedules {
		out = append(out, map[string]any{
			"id":          sch.ID,
			"name":        sch.Name,
			"pipeline":    sch.Pipeline,
			"cron":        sch.Cron,
			"description": scheduler.Describe(sch.Cron),
			"status":      sch.Status,
			"next_run_at": sch.NextRunAt,
			"last_run_at": sch.LastRunAt,
			"last_status": sch.LastStatus,
			"last_error":  sch.LastError,
			"last_run_id": sch.LastRunID,
		})
	}
	jsonResponse(w, out)
}

func (s *Server) triggerSchedule(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		jsonError(w, "scheduler not available", http.StatusServiceUnavailable)
		return
	}
	name := r.PathValue("name")
	sch, err := s.store.GetScheduleByName(name)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sch == nil {
		jsonError(w, "schedule not found", http.StatusNotFound)
		return
	}

	res, err := s.scheduler.Trigger(r.Context(), name)
	if errors.Is(err, broker.ErrPipelineNotFound) {
		jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, res)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	total, failed, err := s.store.CountRuns()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	mem := s.broker.Memory()
	jsonResponse(w, map[string]any{
		"status":            "ok",
		"version":           s.version,
		"uptime":            formatUptime(time.Since(s.startedAt)),
		"agents":            len(s.broker.Agents()),
		"pipelines":         len(s.broker.Pipelines()),
		"runs_total":        total,
		"runs_failed":       failed,
		"memory_size":       mem.Size(),
		"memory_max_size":   mem.MaxSize(),
		"websocket_clients": s.hub.Count(),
	})
}

// decodeOptional decodes a JSON body into v; an empty body leaves v as is.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
