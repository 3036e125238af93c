// Package api exposes the orchestrator over HTTP. Routing is chi; all
// responses are JSON except package downloads and the Prometheus scrape.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/postqode/orchestrator/pkg/deploy"
	"github.com/postqode/orchestrator/pkg/domain/errors"
	"github.com/postqode/orchestrator/pkg/health"
	"github.com/postqode/orchestrator/pkg/packages"
	"github.com/postqode/orchestrator/pkg/pipeline"
	"github.com/postqode/orchestrator/pkg/store"
)

// Deps carries everything the server needs. Docker and Edge are the two
// deployers with endpoints of their own (runtime introspection, device
// registry); either may be nil and the endpoints degrade to 503.
type Deps struct {
	DB       *store.Bolt
	Packages *packages.Store
	Pipeline *pipeline.Pipeline
	Health   *health.Intake
	Factory  *deploy.Factory
	Docker   *deploy.DockerDeployer
	Edge     *deploy.EdgeDeployer
	Metrics  *prometheus.Registry
	Logger   zerolog.Logger
}

// Server is the HTTP front of the orchestrator.
type Server struct {
	db       *store.Bolt
	packages *packages.Store
	pipeline *pipeline.Pipeline
	health   *health.Intake
	factory  *deploy.Factory
	docker   *deploy.DockerDeployer
	edge     *deploy.EdgeDeployer
	metrics  *prometheus.Registry
	logger   zerolog.Logger
}

// NewServer creates the server. It does not start listening; see Serve.
func NewServer(deps Deps) *Server {
	return &Server{
		db:       deps.DB,
		packages: deps.Packages,
		pipeline: deps.Pipeline,
		health:   deps.Health,
		factory:  deps.Factory,
		docker:   deps.Docker,
		edge:     deps.Edge,
		metrics:  deps.Metrics,
		logger:   deps.Logger.With().Str("component", "api").Logger(),
	}
}

// Router assembles the chi router with the full route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.Timeout(15 * time.Minute))

	r.Get("/health", s.handleLiveness)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/agents", func(r chi.Router) {
			r.Get("/", s.handleListAgents)
			r.Post("/", s.handleCreateAgent)
			r.Route("/{agentID}", func(r chi.Router) {
				r.Get("/", s.handleGetAgent)
				r.Post("/upload", s.handleUploadPackage)
				r.Post("/validate-package", s.handleValidatePackage)
				r.Get("/versions", s.handleListVersions)
				r.Get("/download", s.handleDownloadLatest)
				r.Get("/env-requirements", s.handleEnvRequirements)
			})
		})

		r.Route("/packages/{agentID}/{version}", func(r chi.Router) {
			r.Get("/download", s.handleDownloadVersion)
			r.Delete("/", s.handleDeletePackage)
		})

		r.Route("/platforms", func(r chi.Router) {
			r.Get("/", s.handleListPlatforms)
			r.Get("/edge/devices", s.handleEdgeDevices)
			r.Get("/{platform}/schema", s.handlePlatformSchema)
			r.Post("/{platform}/validate", s.handlePlatformValidate)
		})

		r.Route("/deploy", func(r chi.Router) {
			r.Post("/", s.handleDeploy)
			r.Post("/{deploymentID}/start", s.handleStart)
			r.Post("/{deploymentID}/stop", s.handleStop)
			r.Post("/{deploymentID}/restart", s.handleRestart)
			r.Post("/{deploymentID}/reconfigure", s.handleReconfigure)
		})

		r.Route("/deployments", func(r chi.Router) {
			r.Get("/", s.handleListDeployments)
			r.Get("/stats/summary", s.handleStats)
			r.Route("/{deploymentID}", func(r chi.Router) {
				r.Get("/", s.handleGetDeployment)
				r.Delete("/", s.handleDeleteDeployment)
				r.Get("/logs", s.handleLogs)
				r.Get("/status", s.handleStatus)
				r.Get("/access", s.handleAccess)
				r.Post("/health", s.handleHealthPing)
			})
		})

		r.Route("/runtime", func(r chi.Router) {
			r.Get("/status", s.handleRuntimeStatus)
			r.Get("/containers", s.handleRuntimeContainers)
		})
	})

	return r
}

// Serve runs the HTTP server until ctx is cancelled, then drains for up to
// ten seconds.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestLogger emits one structured line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// callerID identifies the requesting user. Identity arrives from the
// gateway in front of this service; there is no verification here.
func callerID(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	return r.URL.Query().Get("user_id")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New(errors.CodeInvalidParameter, "api", "invalid JSON body", err)
	}
	return nil
}

// writeError renders a structured error with the HTTP status its code maps
// to.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	message := err.Error()
	if e, ok := err.(*errors.Error); ok {
		message = e.Message
	}
	s.writeJSON(w, statusFor(code), map[string]interface{}{
		"error": map[string]string{
			"code":    string(code),
			"message": message,
		},
	})
}

func statusFor(code errors.Code) int {
	switch code {
	case errors.CodeNotFound, errors.CodePlatformUnknown:
		return http.StatusNotFound
	case errors.CodeInvalidParameter, errors.CodePackageInvalid:
		return http.StatusBadRequest
	case errors.CodeLicenseRequired:
		return http.StatusForbidden
	case errors.CodeAlreadyExists, errors.CodeConflict, errors.CodeInvalidState:
		return http.StatusConflict
	case errors.CodePrerequisiteMissing, errors.CodeTargetUnreachable:
		return http.StatusServiceUnavailable
	case errors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
