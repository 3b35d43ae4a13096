// Package server exposes prediction, stored runs and metrics over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tsawler/imgtrain/errdefs"
	"github.com/tsawler/imgtrain/inference"
	"github.com/tsawler/imgtrain/logging"
	"github.com/tsawler/imgtrain/runstore"
	"github.com/tsawler/imgtrain/training"
)

// PredictionResponse is the body of a successful /predict/image call.
type PredictionResponse struct {
	Class       string             `json:"class"`
	Confidence  float64            `json:"confidence"`
	Predictions map[string]float64 `json:"predictions"`
	Sentence    string             `json:"sentence"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Config wires the server's collaborators. Predictor and Store may be nil;
// their routes then answer 503.
type Config struct {
	Predictor      *inference.Predictor
	Store          runstore.Store
	Report         training.ReportOptions
	MaxUploadBytes int64

	// Registry backs /metrics and receives the server's own collectors.
	// nil uses a private registry.
	Registry *prometheus.Registry
	Logger   *slog.Logger
}

// Server serves the imgtrain HTTP API.
type Server struct {
	predictor   *inference.Predictor
	store       runstore.Store
	report      training.ReportOptions
	maxUpload   int64
	registry    *prometheus.Registry
	logger      *slog.Logger
	predictions *prometheus.CounterVec
}

// New builds a server from cfg.
func New(cfg Config) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	if cfg.Report.WidthInches <= 0 || cfg.Report.HeightInches <= 0 {
		cfg.Report = training.DefaultReportOptions()
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}

	predictions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imgtrain",
		Name:      "predictions_total",
		Help:      "Images classified over HTTP, by predicted class.",
	}, []string{"class"})
	if err := cfg.Registry.Register(predictions); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			predictions = already.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	return &Server{
		predictor:   cfg.Predictor,
		store:       cfg.Store,
		report:      cfg.Report,
		maxUpload:   cfg.MaxUploadBytes,
		registry:    cfg.Registry,
		logger:      logging.OrNop(cfg.Logger),
		predictions: predictions,
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.Health)
	r.Post("/predict/image", s.PredictFromImage)
	r.Get("/runs", s.ListRuns)
	r.Get("/runs/{id}", s.GetRun)
	r.Get("/runs/{id}/report.png", s.GetRunReport)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))

	return r
}

// Run serves on addr until ctx is done, then shuts down gracefully within
// shutdownTimeout.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("graceful shutdown did not complete", "timeout", shutdownTimeout, "error", err)
			return srv.Close()
		}
		return nil
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// Health reports liveness.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// PredictFromImage classifies the multipart "image" upload.
func (s *Server) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	if s.predictor == nil {
		writeError(w, http.StatusServiceUnavailable, "no model loaded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		writeError(w, http.StatusBadRequest, "failed to parse form")
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no image file provided, use 'image' as the form field name")
		return
	}
	defer file.Close()

	s.logger.Debug("received file", "name", header.Filename, "size", header.Size)

	result, err := s.predictor.PredictReader(file)
	if err != nil {
		if errors.Is(err, errdefs.ErrData) {
			writeError(w, http.StatusBadRequest, "invalid image")
			return
		}
		if inference.IsLabelNotFound(err) {
			s.logger.Warn("predicted class has no label", "error", err)
			writeError(w, http.StatusUnprocessableEntity, "predicted class has no configured label")
			return
		}
		s.logger.Error("prediction failed", "error", err)
		writeError(w, http.StatusInternalServerError, "prediction failed")
		return
	}

	labels := s.predictor.Labels()
	resp := PredictionResponse{
		Class:       result.Label,
		Confidence:  result.Probabilities[result.Index],
		Predictions: make(map[string]float64, len(result.Probabilities)),
		Sentence:    result.Sentence(),
	}
	for i, p := range result.Probabilities {
		name, err := labels.Name(i)
		if err != nil {
			continue
		}
		resp.Predictions[name] = p
	}

	s.predictions.WithLabelValues(result.Label).Inc()
	writeJSON(w, http.StatusOK, resp)
}

// ListRuns returns stored runs, newest first.
func (s *Server) ListRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "no run store configured")
		return
	}
	runs, err := s.store.List(r.Context())
	if err != nil {
		s.logger.Error("list runs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetRun returns one run.
func (s *Server) GetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GetRunReport renders the run's training curves as a PNG.
func (s *Server) GetRunReport(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}

	png, err := training.PlotTrainingCurves(run.History, training.EpochsRange(run.History.Epochs()), s.report)
	if err != nil {
		s.logger.Error("report failed", "run", run.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to render report")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	http.ServeContent(w, r, "report.png", run.CreatedAt, png)
}

func (s *Server) loadRun(w http.ResponseWriter, r *http.Request) (*runstore.Run, bool) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "no run store configured")
		return nil, false
	}
	run, err := s.store.Load(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, runstore.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("load run failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return nil, false
	}
	if run.History == nil {
		run.History = training.NewHistory()
	}
	return run, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
