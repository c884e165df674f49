package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agrisubsidy/harvest-cli/internal/config"
	"github.com/agrisubsidy/harvest-cli/internal/harvest"
	"github.com/agrisubsidy/harvest-cli/internal/pipeline"
	"github.com/agrisubsidy/harvest-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the trigger and read API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initService(ctx, config.ScopeServe)
		if err != nil {
			return err
		}
		defer env.Close()

		h := buildRouter(env.Service, env.Store, cfg.Server.AllowedOrigins)
		return startServer(ctx, h, resolvePort(servePort, cfg.Server.Port))
	},
}

func resolvePort(flag, configured int) int {
	if flag != 0 {
		return flag
	}
	return configured
}

// startServer serves h until ctx is cancelled, then shuts down gracefully.
func startServer(ctx context.Context, h http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server listen")
	}
	return nil
}

var validate = validator.New()

// harvestBody is the harvest trigger payload.
type harvestBody struct {
	Action      string   `json:"action" validate:"omitempty,oneof=scrape"`
	SourceSites []string `json:"sourceSites" validate:"omitempty,dive,required"`
	MaxPages    int      `json:"maxPages" validate:"min=0,max=1000"`
	RunID       string   `json:"runId" validate:"omitempty,max=100"`
}

// prefillBody is the apply-to-profile payload.
type prefillBody struct {
	Form      map[string]any `json:"form"`
	Overwrite bool           `json:"overwrite"`
}

type api struct {
	svc   *pipeline.Service
	store store.Store
}

// buildRouter mounts the trigger and read endpoints.
func buildRouter(svc *pipeline.Service, st store.Store, allowedOrigins []string) http.Handler {
	a := &api{svc: svc, store: st}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/harvest", a.handleHarvest)
		r.Get("/runs/{id}", a.handleGetRun)
		r.Post("/extract", a.handleExtract)
		r.Get("/documents/{id}/attempts/latest", a.handleLatest)
		r.Get("/documents/{id}/attempts", a.handleHistory)
		r.Post("/documents/{id}/prefill", a.handlePrefill)
		r.Get("/attempts/{id}/export", a.handleExport)
		r.Get("/stats", a.handleStats)
	})
	return r
}

func (a *api) handleHarvest(w http.ResponseWriter, r *http.Request) {
	var body harvestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(body); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.svc.Harvest(r.Context(), harvest.Request{
		Action:      body.Action,
		SourceSites: body.SourceSites,
		MaxPages:    body.MaxPages,
		RunID:       body.RunID,
	})
	if err != nil {
		if eris.Is(err, harvest.ErrUnknownSite) {
			errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		zap.L().Error("serve: harvest failed", zap.Error(err))
		jsonResponse(w, http.StatusInternalServerError, &harvest.Result{Success: false, Error: err.Error()})
		return
	}
	jsonResponse(w, http.StatusOK, res)
}

func (a *api) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		storeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, run)
}

func (a *api) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req pipeline.ExtractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := a.svc.Extract(r.Context(), req)
	if err != nil {
		zap.L().Error("serve: extract failed", zap.String("document_id", req.DocumentID), zap.Error(err))
		jsonResponse(w, http.StatusInternalServerError, &pipeline.ExtractResponse{Success: false, Error: err.Error()})
		return
	}
	jsonResponse(w, extractStatus(resp), resp)
}

// extractStatus maps an extraction outcome to an HTTP status. A timed-out
// async job may still finish, so it is reported as accepted.
func extractStatus(resp *pipeline.ExtractResponse) int {
	switch {
	case resp.Success:
		return http.StatusOK
	case resp.Timeout:
		return http.StatusAccepted
	default:
		return http.StatusUnprocessableEntity
	}
}

func (a *api) handleLatest(w http.ResponseWriter, r *http.Request) {
	att, err := a.svc.Tracker().Latest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		storeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, att)
}

func (a *api) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			errorResponse(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	attempts, err := a.svc.Tracker().History(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		storeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, attempts)
}

func (a *api) handleExport(w http.ResponseWriter, r *http.Request) {
	e, err := a.svc.Tracker().Export(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		storeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, e)
}

func (a *api) handleStats(w http.ResponseWriter, r *http.Request) {
	s, err := a.svc.Tracker().Stats(r.Context(), r.URL.Query()["document"]...)
	if err != nil {
		storeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, s)
}

func (a *api) handlePrefill(w http.ResponseWriter, r *http.Request) {
	var body prefillBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := a.svc.Prefill(r.Context(), chi.URLParam(r, "id"), body.Form, body.Overwrite)
	if err != nil {
		if eris.Is(err, pipeline.ErrNotExtracted) {
			errorResponse(w, http.StatusConflict, err.Error())
			return
		}
		storeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, res)
}

// storeError maps store.ErrNotFound to 404 and anything else to 500.
func storeError(w http.ResponseWriter, err error) {
	if eris.Is(err, store.ErrNotFound) {
		errorResponse(w, http.StatusNotFound, "not found")
		return
	}
	zap.L().Error("serve: request failed", zap.Error(err))
	errorResponse(w, http.StatusInternalServerError, "internal error")
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Warn("serve: encode response", zap.Error(err))
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
