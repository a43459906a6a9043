package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sipwise/ngcp-taskagent/internal/scheduler"
	"github.com/sipwise/ngcp-taskagent/internal/store"
	"github.com/sipwise/ngcp-taskagent/internal/taskagent"
)

const defaultListLimit = 50

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Invocations
	mux.HandleFunc("POST /api/invocations", s.createInvocation)
	mux.HandleFunc("GET /api/invocations", s.listInvocations)
	mux.HandleFunc("GET /api/invocations/{id}", s.getInvocation)

	// Schedules
	mux.HandleFunc("GET /api/schedules", s.listSchedules)
	mux.HandleFunc("POST /api/schedules", s.createSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.deleteSchedule)

	mux.HandleFunc("GET /api/status", s.getStatus)
}

type invocationRequest struct {
	Task            string          `json:"task"`
	Source          string          `json:"src"`
	Destination     string          `json:"dst"`
	FeedbackChannel string          `json:"feedback_channel"`
	Options         map[string]any  `json:"options"`
	Data            json.RawMessage `json:"data"`
	ErrorPolicy     string          `json:"error_policy"`
	MaxTimeoutMs    int64           `json:"max_timeout_ms"`
}

func (s *Server) createInvocation(w http.ResponseWriter, r *http.Request) {
	var body invocationRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var opts []taskagent.InvokeOption
	if body.ErrorPolicy != "" {
		policy, err := taskagent.ParseErrorPolicy(body.ErrorPolicy)
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		opts = append(opts, taskagent.WithErrorPolicy(policy))
	}
	if body.MaxTimeoutMs > 0 {
		opts = append(opts, taskagent.WithMaxTimeout(time.Duration(body.MaxTimeoutMs)*time.Millisecond))
	}

	req := taskagent.Request{
		Task:            body.Task,
		Source:          body.Source,
		Destination:     body.Destination,
		FeedbackChannel: body.FeedbackChannel,
		Options:         body.Options,
	}
	if len(body.Data) > 0 {
		req.Data = body.Data
	}

	res, err := s.invoker.Invoke(r.Context(), req, opts...)
	if res != nil {
		// Cancellation and late unsubscribe failures still carry a result.
		jsonResponse(w, res)
		return
	}
	switch {
	case err == nil:
		jsonError(w, "invocation produced no result", http.StatusInternalServerError)
	case errors.Is(err, taskagent.ErrConfiguration):
		jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, taskagent.ErrTransport):
		jsonError(w, err.Error(), http.StatusBadGateway)
	default:
		jsonError(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) listInvocations(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			jsonError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	invs, err := s.store.ListInvocations(r.URL.Query().Get("task"), limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if invs == nil {
		invs = []store.Invocation{}
	}
	jsonResponse(w, invs)
}

func (s *Server) getInvocation(w http.ResponseWriter, r *http.Request) {
	inv, err := s.store.GetInvocation(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if inv == nil {
		jsonError(w, "invocation not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, inv)
}

func scheduleToAPI(sc store.Schedule) map[string]any {
	return map[string]any{
		"id":           sc.ID,
		"name":         sc.Name,
		"schedule":     sc.Spec,
		"description":  scheduler.Describe(sc.Spec),
		"task":         sc.Task,
		"dst":          sc.Destination,
		"options":      sc.Options,
		"data":         sc.Data,
		"status":       sc.Status,
		"next_run_at":  sc.NextRunAt,
		"last_run_at":  sc.LastRunAt,
		"last_outcome": sc.LastOutcome,
		"last_error":   sc.LastError,
		"created_at":   sc.CreatedAt,
	}
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListSchedules()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(schedules))
	for _, sc := range schedules {
		out = append(out, scheduleToAPI(sc))
	}
	jsonResponse(w, out)
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		jsonError(w, "scheduler is disabled", http.StatusServiceUnavailable)
		return
	}

	var body struct {
		Name        string          `json:"name"`
		Schedule    string          `json:"schedule"`
		Task        string          `json:"task"`
		Destination string          `json:"dst"`
		Options     map[string]any  `json:"options"`
		Data        json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Schedule == "" || body.Task == "" {
		jsonError(w, "schedule and task are required", http.StatusBadRequest)
		return
	}

	sc := &store.Schedule{
		Name:        body.Name,
		Spec:        body.Schedule,
		Task:        body.Task,
		Destination: body.Destination,
		Options:     body.Options,
		Data:        body.Data,
	}
	if err := s.scheduler.Add(sc); err != nil {
		jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(scheduleToAPI(*sc))
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.store.DeleteSchedule(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !deleted {
		jsonError(w, "schedule not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountInvocationsByOutcome()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	schedules, _ := s.store.ListSchedules()

	active := 0
	for _, sc := range schedules {
		if sc.Status == store.ScheduleActive {
			active++
		}
	}

	jsonResponse(w, map[string]any{
		"status":            "ok",
		"version":           s.version,
		"uptime":            formatUptime(time.Since(s.startedAt)),
		"invocations":       counts,
		"schedules":         len(schedules),
		"active_schedules":  active,
		"websocket_clients": s.hub.Clients(),
	})
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
