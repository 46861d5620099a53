package daemon

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/theirongolddev/cdispatch/internal/apperr"
	"github.com/theirongolddev/cdispatch/internal/model"
	"github.com/theirongolddev/cdispatch/internal/router"
)

// RunRequest is the body of POST /v1/run.
type RunRequest struct {
	Task        string            `json:"task"`
	Provider    string            `json:"provider,omitempty"`
	Mode        model.Mode        `json:"mode,omitempty"`
	Workspace   string            `json:"workspace"`
	TimeoutSecs int               `json:"timeout_secs,omitempty"`
	Model       string            `json:"model,omitempty"`
	ExtraArgs   []string          `json:"extra_args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
}

// SessionDetail is served at /v1/sessions/{id}.
type SessionDetail struct {
	Session       model.Session        `json:"session"`
	Stats         *model.SessionStats  `json:"stats,omitempty"`
	QualityChecks []model.QualityCheck `json:"quality_checks,omitempty"`
	Active        bool                 `json:"active"`
}

type sendRequest struct {
	Input string `json:"input"`
}

type terminateRequest struct {
	Force bool `json:"force"`
}

type api struct {
	svc    *Service
	router *router.Router
}

func (a *api) handleStatus(w http.ResponseWriter, _ *http.Request) {
	sup := a.router.Supervisor()
	st := Status{
		Addr:           a.svc.cfg.Addr,
		ActiveSessions: sup.ActiveSessions(),
		Capacity:       sup.Limit(),
	}
	a.svc.mu.RLock()
	st.StartedAt = a.svc.startedAt
	st.EventCount = len(a.svc.events)
	st.SubscriberCount = len(a.svc.subs)
	a.svc.mu.RUnlock()
	writeJSON(w, http.StatusOK, st)
}

func (a *api) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.router.Providers(r.Context()))
}

func (a *api) handleStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.AggregateFilter{
		WorkspacePath: q.Get("workspace"),
		Provider:      q.Get("provider"),
	}
	if days, err := strconv.Atoi(q.Get("days")); err == nil && days > 0 {
		f.FromDate = time.Now().AddDate(0, 0, -days)
	}
	stats, err := a.svc.store.GetAggregatedStats(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *api) handleSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.SessionFilter{
		WorkspacePath: q.Get("workspace"),
		Status:        model.Status(q.Get("status")),
		Provider:      q.Get("provider"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, apperr.InvalidInput("limit must be a non-negative integer"))
			return
		}
		f.Limit = n
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, apperr.InvalidInput("unknown status " + string(f.Status)))
		return
	}

	sessions, err := a.svc.store.ListSessions(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (a *api) handleSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	sess, ok, err := a.svc.store.GetSession(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, apperr.SessionNotFound(id))
		return
	}

	detail := SessionDetail{Session: sess, Active: a.router.Supervisor().IsActive(id)}
	if stats, found, err := a.svc.store.GetSessionStats(ctx, id); err != nil {
		writeError(w, err)
		return
	} else if found {
		detail.Stats = &stats
	}
	checks, err := a.svc.store.GetQualityChecks(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	detail.QualityChecks = checks
	writeJSON(w, http.StatusOK, detail)
}

func (a *api) handleLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	if _, ok, err := a.svc.store.GetSession(ctx, id); err != nil {
		writeError(w, err)
		return
	} else if !ok {
		writeError(w, apperr.SessionNotFound(id))
		return
	}
	logs, err := a.svc.store.GetSessionLogs(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if logs == nil {
		logs = []model.SessionLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (a *api) handleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Task == "" {
		writeError(w, apperr.InvalidInput("task must not be empty"))
		return
	}
	if req.Mode != "" && req.Mode != model.ModeTask && req.Mode != model.ModeChat {
		writeError(w, apperr.InvalidInput("mode must be task or chat"))
		return
	}

	res, err := a.router.Run(r.Context(), req.Task, router.RunOptions{
		Provider:  req.Provider,
		Mode:      req.Mode,
		Workspace: req.Workspace,
		Timeout:   time.Duration(req.TimeoutSecs) * time.Second,
		Model:     req.Model,
		ExtraArgs: req.ExtraArgs,
		Env:       req.Env,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := a.router.SendToSession(r.Context(), r.PathValue("id"), req.Input); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleTerminate(w http.ResponseWriter, r *http.Request) {
	var req terminateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := a.router.TerminateSession(r.Context(), r.PathValue("id"), req.Force); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *api) handleResume(w http.ResponseWriter, r *http.Request) {
	res, err := a.router.ResumeSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := a.router.PauseSession(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleUnpause(w http.ResponseWriter, r *http.Request) {
	if err := a.router.UnpauseSession(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleWait(w http.ResponseWriter, r *http.Request) {
	var timeout time.Duration
	if raw := r.URL.Query().Get("timeout_secs"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs < 0 {
			writeError(w, apperr.InvalidInput("timeout_secs must be a non-negative integer"))
			return
		}
		timeout = time.Duration(secs) * time.Second
	}
	res, err := a.router.WaitForSession(r.Context(), r.PathValue("id"), timeout)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// decodeBody reads a JSON body. An empty body leaves v at its zero value.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return apperr.InvalidInput("invalid request body: " + err.Error())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var e *apperr.Error
	if !errors.As(err, &e) {
		e = apperr.Wrap(err, "", err.Error())
	}
	writeJSON(w, httpStatus(e.Code), map[string]any{"error": e})
}

func httpStatus(code apperr.Code) int {
	switch code {
	case apperr.CodeInvalidInput:
		return http.StatusBadRequest
	case apperr.CodeSessionNotFound, apperr.CodeProviderNotFound:
		return http.StatusNotFound
	case apperr.CodeSessionNotActive, apperr.CodeNoNativeSession, apperr.CodeResumeUnsupported:
		return http.StatusConflict
	case apperr.CodeCapacityExceeded, apperr.CodeRateLimited:
		return http.StatusTooManyRequests
	case apperr.CodeNoProvider, apperr.CodeExhausted, apperr.CodeProviderUnavailable:
		return http.StatusServiceUnavailable
	case apperr.CodeTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
