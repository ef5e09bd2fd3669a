package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"memoryd/internal/config"
	"memoryd/internal/feedback"
	"memoryd/internal/logging"
	"memoryd/internal/ranker"
	"memoryd/internal/service"
	"memoryd/internal/types"
)

var listenAddr string

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:7600", "address to listen on")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the memory daemon with its HTTP API and background learning",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(true)
		if err != nil {
			return err
		}
		defer a.close()

		watcher, err := config.NewWatcher(a.cfg.DataDir, func(cfg *config.Config) {
			logger.Info("config reloaded")
			if err := logging.ReloadConfig(); err != nil {
				logger.Warn("logging reload failed", zap.Error(err))
			}
			a.scheduler.Reload(cfg.Scheduler)
		})
		if err != nil {
			return err
		}
		if err := watcher.Start(); err != nil {
			return err
		}
		defer watcher.Stop()

		srv := &http.Server{
			Addr:         listenAddr,
			Handler:      newHandler(a.service),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			logger.Info("memoryd listening", zap.String("addr", listenAddr))
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shortTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

// handler is the JSON transport over the service. It holds no state of its
// own; every route delegates to one service operation.
type handler struct {
	svc *service.Service
}

func newHandler(svc *service.Service) http.Handler {
	h := &handler{svc: svc}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/principals/{principal}/memories", h.createMemory)
	mux.HandleFunc("GET /v1/principals/{principal}/memories/{id}", h.getMemory)
	mux.HandleFunc("PATCH /v1/principals/{principal}/memories/{id}", h.updateMemory)
	mux.HandleFunc("DELETE /v1/principals/{principal}/memories/{id}", h.deleteMemory)
	mux.HandleFunc("POST /v1/principals/{principal}/memories/{id}/feedback", h.applyFeedback)
	mux.HandleFunc("POST /v1/principals/{principal}/search", h.search)
	mux.HandleFunc("POST /v1/principals/{principal}/predict", h.predict)
	mux.HandleFunc("POST /v1/principals/{principal}/analyze", h.analyze)
	mux.HandleFunc("POST /v1/principals/{principal}/autosave", h.autoSave)
	mux.HandleFunc("POST /v1/principals/{principal}/reembed", h.reembed)
	mux.HandleFunc("GET /v1/principals/{principal}/maintenance", h.maintenance)
	mux.HandleFunc("GET /v1/principals/{principal}/metrics", h.metrics)
	mux.HandleFunc("POST /v1/validate", h.validate)
	mux.HandleFunc("GET /v1/stats", h.stats)
	return mux
}

func (h *handler) createMemory(w http.ResponseWriter, r *http.Request) {
	var req service.CreateRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := h.svc.CreateMemory(r.Context(), r.PathValue("principal"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *handler) getMemory(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.GetMemory(r.Context(), r.PathValue("principal"), r.PathValue("id"), r.URL.Query().Get("context"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handler) updateMemory(w http.ResponseWriter, r *http.Request) {
	var patch service.UpdatePatch
	if !decode(w, r, &patch) {
		return
	}
	m, err := h.svc.UpdateMemory(r.Context(), r.PathValue("principal"), r.PathValue("id"), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *handler) deleteMemory(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteMemory(r.Context(), r.PathValue("principal"), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type searchRequest struct {
	Query            string   `json:"query"`
	K                int      `json:"k,omitempty"`
	ProjectID        string   `json:"project_id,omitempty"`
	Tags             []string `json:"tags,omitempty"`
	WeightByUsage    *bool    `json:"weight_by_usage,omitempty"`
	DecayOldMemories *bool    `json:"decay_old_memories,omitempty"`
	AdaptiveWeights  *bool    `json:"adaptive_weights,omitempty"`
	LearningMode     bool     `json:"learning_mode,omitempty"`
	MinHelpfulness   *float64 `json:"min_helpfulness,omitempty"`
}

type searchResponse struct {
	Results  []ranker.Result `json:"results"`
	Degraded bool            `json:"degraded"`
}

func (h *handler) search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !decode(w, r, &req) {
		return
	}
	opts := ranker.Options{
		K:                req.K,
		ProjectID:        req.ProjectID,
		Tags:             req.Tags,
		MinHelpfulness:   req.MinHelpfulness,
		LearningMode:     req.LearningMode,
		WeightByUsage:    boolOr(req.WeightByUsage, true),
		DecayOldMemories: boolOr(req.DecayOldMemories, true),
		AdaptiveWeights:  boolOr(req.AdaptiveWeights, true),
	}
	results, degraded, err := h.svc.Search(r.Context(), r.PathValue("principal"), req.Query, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	if results == nil {
		results = []ranker.Result{}
	}
	writeJSON(w, http.StatusOK, searchResponse{Results: results, Degraded: degraded})
}

type feedbackRequest struct {
	Helpful      bool     `json:"helpful"`
	Satisfaction *float64 `json:"satisfaction,omitempty"`
	Context      string   `json:"context,omitempty"`
}

func (h *handler) applyFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if !decode(w, r, &req) {
		return
	}
	sig := feedback.Signal{Helpful: req.Helpful, Satisfaction: req.Satisfaction, Context: req.Context}
	score, err := h.svc.ApplyFeedback(r.Context(), r.PathValue("principal"), r.PathValue("id"), sig)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"helpfulness_score": score})
}

type predictRequest struct {
	RecentIDs []string `json:"recent_ids,omitempty"`
	Context   string   `json:"context,omitempty"`
	K         int      `json:"k,omitempty"`
}

func (h *handler) predict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if !decode(w, r, &req) {
		return
	}
	preds, err := h.svc.Predict(r.Context(), r.PathValue("principal"), req.RecentIDs, req.Context, req.K)
	if err != nil {
		writeError(w, err)
		return
	}
	if preds == nil {
		preds = []types.Prediction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"predictions": preds})
}

func (h *handler) analyze(w http.ResponseWriter, r *http.Request) {
	autoApply := r.URL.Query().Get("auto_apply") == "true"
	result, err := h.svc.Analyze(r.Context(), r.PathValue("principal"), autoApply)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type autoSaveRequest struct {
	Text    string `json:"text"`
	Context string `json:"context,omitempty"`
}

func (h *handler) autoSave(w http.ResponseWriter, r *http.Request) {
	var req autoSaveRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := h.svc.AutoSave(r.Context(), r.PathValue("principal"), req.Text, req.Context)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) reembed(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.ReembedAll(r.Context(), r.PathValue("principal"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"embedded": n})
}

func (h *handler) maintenance(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.MaintenanceReport(r.Context(), r.PathValue("principal"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handler) metrics(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	report, err := h.svc.LearningMetrics(r.Context(), r.PathValue("principal"), days)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type validateRequest struct {
	AgentIdentity string `json:"agent_identity"`
	ResponseText  string `json:"response_text"`
}

func (h *handler) validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, h.svc.ValidateIdentity(req.AgentIdentity, req.ResponseText))
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case types.IsNotFound(err):
		status = http.StatusNotFound
	case types.IsInvalidInput(err):
		status = http.StatusBadRequest
	case types.IsConflict(err):
		status = http.StatusConflict
	case types.IsDegraded(err):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
