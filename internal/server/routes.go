package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lazypower/companion/internal/config"
	"github.com/lazypower/companion/internal/consolidation"
	"github.com/lazypower/companion/internal/scheduler"
	"github.com/lazypower/companion/internal/store"
	"github.com/lazypower/companion/internal/threads"
)

const (
	defaultActivationLimit = 20
	defaultConceptTop      = 10
)

func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"threads": s.engine.Registry.Health()})
}

// handleGetContext assembles context. level defaults to standard.
func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	level := threads.Standard
	if l := r.URL.Query().Get("level"); l != "" {
		parsed, err := threads.ParseLevel(l)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		level = parsed
	}

	out, err := s.engine.Assembler.Assemble(r.Context(), level, r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListTempFacts(w http.ResponseWriter, r *http.Request) {
	groups, err := s.engine.Inbox.Grouped(r.Context())
	if err != nil {
		s.log.Error("list temp facts", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleSubmitTempFact(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text    string `json:"text"`
		Source  string `json:"source"`
		HintKey string `json:"hint_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	tf, err := s.engine.Inbox.Submit(r.Context(), req.Text, req.Source, req.HintKey)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tf)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	tf, err := s.engine.Pipeline.Approve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tf)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}

	tf, err := s.engine.Pipeline.Reject(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tf)
}

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dry_run"))
	rep, err := s.engine.Consolidate(r.Context(), dryRun)
	if err != nil {
		s.log.Error("consolidate", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleConcepts(w http.ResponseWriter, r *http.Request) {
	top := intParam(r, "top", defaultConceptTop)
	writeJSON(w, http.StatusOK, s.engine.Links.Stats(top))
}

func (s *Server) handleActivation(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "q parameter required")
		return
	}
	hops := intParam(r, "hops", 0)
	limit := intParam(r, "limit", defaultActivationLimit)

	ranked := s.engine.Links.Activate(q, hops)
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query":       q,
		"hops":        hops,
		"activations": ranked,
	})
}

// handleAppendEvent records an episodic event on the log thread.
func (s *Server) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text   string   `json:"text"`
		Weight *float64 `json:"weight"`
		Source string   `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text required")
		return
	}
	weight := 0.5
	if req.Weight != nil {
		weight = *req.Weight
	}

	t, ok := s.engine.Registry.Get(config.ThreadLog)
	lt, isLog := t.(*threads.Log)
	if !ok || !isLog {
		writeError(w, http.StatusServiceUnavailable, "log thread not registered")
		return
	}
	f, err := lt.Append(r.Context(), req.Text, weight, req.Source)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"key": f.Key, "text": f.Standard})
}

func (s *Server) handleFireReflex(w http.ResponseWriter, r *http.Request) {
	t, ok := s.engine.Registry.Get(config.ThreadReflex)
	rt, isReflex := t.(*threads.Reflex)
	if !ok || !isReflex {
		writeError(w, http.StatusServiceUnavailable, "reflex thread not registered")
		return
	}
	f, err := rt.Fire(r.Context(), chi.URLParam(r, "trigger"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trigger": f.Key, "response": f.Standard})
}

// handleRunTask runs a scheduler task out of band.
func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	err := s.engine.Scheduler.Trigger(r.Context(), name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownTask):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, scheduler.ErrRunning):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "task": name})
}

// writeStoreError maps domain errors to status codes.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, consolidation.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrIllegalTransition), errors.Is(err, store.ErrStaleStatus):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrWeightRange):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func intParam(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
