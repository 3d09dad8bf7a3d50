// Package api exposes the job controller over HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/nadmax/telemetryd/internal/controller"
	"github.com/nadmax/telemetryd/internal/httputil"
	"github.com/nadmax/telemetryd/internal/middleware"
	"github.com/nadmax/telemetryd/internal/task"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

// JobService is implemented by controller.Controller.
type JobService interface {
	CreateJob(ctx context.Context, storageID string, caps controller.Capabilities) (*task.Task, error)
	DeleteJob(ctx context.Context, storageID string) error
	ListJobs(ctx context.Context, storageID string) (*controller.Jobs, error)
}

type API struct {
	jobs    JobService
	mux     *http.ServeMux
	handler http.Handler
	log     zerolog.Logger
}

func NewAPI(jobs JobService, log zerolog.Logger) *API {
	api := &API{
		jobs: jobs,
		mux:  http.NewServeMux(),
		log:  log,
	}

	api.setupRoutes()
	api.handler = middleware.MetricsMiddleware(api.mux)
	return api
}

func (a *API) setupRoutes() {
	a.mux.HandleFunc("POST /api/storages/{id}/jobs", a.createJob)
	a.mux.HandleFunc("DELETE /api/storages/{id}/jobs", a.deleteJob)
	a.mux.HandleFunc("GET /api/storages/{id}/jobs", a.listJobs)
	a.mux.HandleFunc("GET /healthz", a.health)
	a.mux.Handle("GET /metrics", promhttp.Handler())
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.handler.ServeHTTP(w, r)
}

func (a *API) createJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		httputil.WriteJSONError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	defer func() {
		if err := r.Body.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close request body")
		}
	}()

	var caps controller.Capabilities
	if err := sonic.Unmarshal(body, &caps); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	t, err := a.jobs.CreateJob(r.Context(), r.PathValue("id"), caps)
	if err != nil {
		a.writeError(w, err)
		return
	}

	httputil.WriteJSON(w, t, http.StatusCreated)
}

func (a *API) deleteJob(w http.ResponseWriter, r *http.Request) {
	if err := a.jobs.DeleteJob(r.Context(), r.PathValue("id")); err != nil {
		a.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := a.jobs.ListJobs(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}

	httputil.WriteJSON(w, jobs, http.StatusOK)
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, controller.ErrEmptyResourceMetrics), errors.Is(err, controller.ErrStorageIDRequired):
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, controller.ErrJobExists):
		httputil.WriteJSONError(w, err.Error(), http.StatusConflict)
	default:
		a.log.Error().Err(err).Msg("request failed")
		httputil.WriteJSONError(w, "Internal server error", http.StatusInternalServerError)
	}
}
