// Package server exposes the task runner over HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"annbench/api/benchapi"
	"annbench/internal/runner"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"
)

type Handler struct {
	runner  *runner.Runner
	factory *runner.Factory
}

type okResponse struct {
	Status string `json:"status"`
}

var ok = okResponse{Status: "ok"}

func NewHandler(r *runner.Runner, f *runner.Factory) *Handler {
	if f == nil {
		f = &runner.Factory{}
	}
	return &Handler{runner: r, factory: f}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", routeListHandler(r))
	r.Get("/status", statusHandler(func(ctx context.Context) (benchapi.APIWorkerStatus, error) {
		return h.runner.Status(ctx), nil
	}))
	r.Get("/healthz", statusHandler(func(ctx context.Context) (benchapi.StatusCode, error) {
		return h.runner.Healthcheck(ctx)
	}))

	work := chi.NewRouter()
	work.Post("/stop", statusHandler(func(ctx context.Context) (okResponse, error) {
		return ok, h.runner.CancelActive(ctx)
	}))
	work.Post("/run", requHandler(func(ctx context.Context, cfg benchapi.BenchmarkConfig) (okResponse, error) {
		task, err := h.factory.Run(cfg)
		if err != nil {
			return ok, err
		}
		return ok, h.runner.Submit(ctx, task)
	}))
	work.Post("/baseline", statusHandler(func(ctx context.Context) (okResponse, error) {
		task, err := h.factory.Baseline()
		if err != nil {
			return ok, err
		}
		return ok, h.runner.Submit(ctx, task)
	}))
	work.Get("/", routeListHandler(work))
	r.Mount("/work", work)
}

func routeListHandler(router chi.Routes) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type routePath struct {
			Method string `json:"method"`
			Path   string `json:"path"`
		}

		var routes []routePath
		err := chi.Walk(router, func(method, route string, handler http.Handler, middlewares ...func(http.Handler) http.Handler) error {
			routes = append(routes, routePath{Method: method, Path: route})
			return nil
		})

		type response struct {
			Routes []routePath `json:"routes"`
		}
		writeResponse(w, response{Routes: routes}, err)
	}
}

func statusHandler[O any](fn func(context.Context) (O, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		resp, err := fn(r.Context())
		writeResponse(w, resp, err)
	}
}

func requHandler[I any, O any](fn func(ctx context.Context, w I) (O, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		var requ I

		if r.ContentLength != 0 {
			if r.Header.Get("Content-Type") != "application/json" {
				writeError(w, benchapi.ErrorBadRequest(fmt.Errorf("invalid content type: %s", r.Header.Get("Content-Type"))))
				return
			}

			if err := json.NewDecoder(r.Body).Decode(&requ); err != nil {
				writeError(w, benchapi.ErrorBadRequest(fmt.Errorf("failed to decode request: %w", err)))
				return
			}
		}

		resp, err := fn(r.Context(), requ)
		writeResponse(w, resp, err)
	}
}

func writeResponse[T any](w http.ResponseWriter, resp T, err error) {
	if err != nil {
		writeError(w, err)
		return
	}

	enc, err := json.Marshal(resp)
	if err != nil {
		writeError(w, fmt.Errorf("failed to marshal response: %w", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(enc)
}

func writeError(w http.ResponseWriter, err error) {
	log.WithError(err).Warn("request failed")

	enc, _ := json.Marshal(map[string]string{"error": getDisplayError(err).Error()})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(getErrorStatusCode(err))
	w.Write(enc)
}
