package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/izzyreal/buildmaster/internal/protocol"
	"github.com/izzyreal/buildmaster/internal/server/httpx"
	"github.com/izzyreal/buildmaster/internal/store"
	"github.com/izzyreal/buildmaster/internal/version"
)

const apiVersion = 1

func buildRouter(m *Master, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// Health/info
	r.Get("/healthz", m.healthzHandler)
	r.Get("/api/v1/server-info", m.serverInfoHandler)
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	// Builders and builds
	r.Get("/api/v1/builders", m.listBuildersHandler)
	r.Post("/api/v1/builders/{builder}/force", m.forceBuildHandler)
	r.Get("/api/v1/builders/{builder}/builds", m.listBuildsHandler)
	r.Get("/api/v1/builders/{builder}/builds/{number}", m.getBuildHandler)
	r.Post("/api/v1/builders/{builder}/builds/{number}/stop", m.stopBuildHandler)
	r.Get("/api/v1/builders/{builder}/builds/{number}/steps/{step}/logs/{log}", m.stepLogHandler)
	r.Get("/api/v1/builds", m.listBuildsHandler)

	// Changes
	r.Post("/api/v1/changes", m.changesHandler)

	// Workers and locks
	r.Get("/api/v1/workers", m.listWorkersHandler)
	r.Get("/api/v1/locks", m.listLocksHandler)

	return r
}

func (m *Master) healthzHandler(w http.ResponseWriter, r *http.Request) {
	if err := m.store.Ping(r.Context()); err != nil {
		httpx.WriteError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (m *Master) serverInfoHandler(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, protocol.ServerInfo{
		Name:       m.name(),
		APIVersion: apiVersion,
		Version:    version.Current(),
	})
}

func (m *Master) listBuildersHandler(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"builders": m.Builders()})
}

func (m *Master) forceBuildHandler(w http.ResponseWriter, r *http.Request) {
	var in protocol.ForceBuildRequest
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := m.ForceBuild(chi.URLParam(r, "builder"), in)
	if err != nil {
		writeMasterError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, protocol.ForceBuildResponse{RequestID: req.ID, Builder: req.Builder})
}

func (m *Master) listBuildsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httpx.WriteError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, 1000)
	}
	builds, err := m.Builds(chi.URLParam(r, "builder"), limit)
	if err != nil {
		writeMasterError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"builds": builds})
}

func buildNumberParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	n, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || n <= 0 {
		httpx.WriteError(w, http.StatusBadRequest, "build number must be a positive integer")
		return 0, false
	}
	return n, true
}

func (m *Master) getBuildHandler(w http.ResponseWriter, r *http.Request) {
	number, ok := buildNumberParam(w, r)
	if !ok {
		return
	}
	v, err := m.Build(chi.URLParam(r, "builder"), number)
	if err != nil {
		writeMasterError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, v)
}

func (m *Master) stopBuildHandler(w http.ResponseWriter, r *http.Request) {
	number, ok := buildNumberParam(w, r)
	if !ok {
		return
	}
	var in protocol.StopBuildRequest
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := m.StopBuild(chi.URLParam(r, "builder"), number, in.Reason); err != nil {
		writeMasterError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]bool{"stopping": true})
}

func (m *Master) stepLogHandler(w http.ResponseWriter, r *http.Request) {
	number, ok := buildNumberParam(w, r)
	if !ok {
		return
	}
	text, err := m.StepLog(chi.URLParam(r, "builder"), number, chi.URLParam(r, "step"), chi.URLParam(r, "log"))
	if err != nil {
		writeMasterError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}

func (m *Master) changesHandler(w http.ResponseWriter, r *http.Request) {
	var ch protocol.Change
	if err := httpx.DecodeJSON(r, &ch); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(ch.Branch) == "" && len(ch.Files) == 0 && ch.Revision == "" {
		httpx.WriteError(w, http.StatusBadRequest, "change needs a branch, revision or files")
		return
	}
	ids, err := m.SubmitChange(ch)
	if err != nil {
		writeMasterError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, protocol.ChangeResponse{RequestIDs: ids})
}

func (m *Master) listWorkersHandler(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"workers": m.Workers()})
}

func (m *Master) listLocksHandler(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"locks": m.Locks()})
}

func writeMasterError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errUnknownBuilder), errors.Is(err, store.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, errBuildNotRunning):
		httpx.WriteError(w, http.StatusConflict, err.Error())
	default:
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
