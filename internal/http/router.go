package httpx

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/glimpse/internal/domain"
	"github.com/splax/glimpse/internal/service/sandbox"
	"github.com/splax/glimpse/internal/ws"
)

// Router wires HTTP endpoints to the sandbox service.
type Router struct {
	mux        *http.ServeMux
	logger     *slog.Logger
	sandbox    *sandbox.Service
	hub        *ws.Hub
	upgrader   websocket.Upgrader
	limiter    RateLimiter
	adminToken string
	dbHealth   func(context.Context) error
	maxUpload  int64
	preview    *previewProxy

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitUpload    = 10
	rateLimitWrite     = 60
	rateLimitRead      = 120
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
	uploadBodySlack    = 1 << 20
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, svc *sandbox.Service, hub *ws.Hub, limiter RateLimiter, adminToken string, maxUpload int64, previewPrefix string, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		sandbox: svc,
		hub:     hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:    limiter,
		adminToken: strings.TrimSpace(adminToken),
		dbHealth:   dbHealth,
		maxUpload:  maxUpload,
		preview:    newPreviewProxy(svc, logger, previewPrefix),
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("healthz", r.handleHealthz))
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc("/projects", r.audit("projects", r.handleProjects))
	r.mux.HandleFunc("/projects/", r.audit("project", r.handleProjectSubroutes))
	r.mux.HandleFunc("/sweep", r.audit("sweep", r.handleSweep))
	r.mux.HandleFunc("/ws/logs", r.audit("ws_logs", r.withRateLimit("ws_logs", rateLimitWebsocket, rateWindowRealtime, r.handleLogsWS)))
	r.mux.HandleFunc(r.preview.prefix+"/", r.preview.handle)
}

// handleProjects serves the collection: POST uploads a new project archive,
// GET lists summaries.
func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		r.withRateLimit("project_upload", rateLimitUpload, rateWindowDefault, r.handleUpload)(w, req)
	case http.MethodGet:
		r.withRateLimit("project_list", rateLimitRead, rateWindowDefault, r.handleList)(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleUpload(w http.ResponseWriter, req *http.Request) {
	name, payload, err := r.readArchive(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	summary, err := r.sandbox.Create(req.Context(), name, payload)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if summary.Status == domain.StatusBuilding {
		status = http.StatusAccepted
	}
	writeJSON(w, status, summary)
}

// readArchive pulls the zip payload out of the request: multipart form with
// an "archive" file part, or a raw body for clients that stream the zip
// directly. The request body is capped just above the archive limit so the
// extractor reports oversize uploads consistently.
func (r *Router) readArchive(req *http.Request) (string, []byte, error) {
	req.Body = http.MaxBytesReader(nil, req.Body, r.maxUpload+uploadBodySlack)

	contentType := req.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := req.ParseMultipartForm(r.maxUpload + uploadBodySlack); err != nil {
			return "", nil, errors.New("could not parse multipart form")
		}
		name := strings.TrimSpace(req.FormValue("name"))
		file, header, err := req.FormFile("archive")
		if err != nil {
			return "", nil, errors.New("archive file part is required")
		}
		defer file.Close()
		payload, err := io.ReadAll(file)
		if err != nil {
			return "", nil, errors.New("could not read archive part")
		}
		if name == "" && header.Filename != "" {
			name = strings.TrimSuffix(header.Filename, ".zip")
		}
		return name, payload, nil
	}

	payload, err := io.ReadAll(req.Body)
	if err != nil {
		return "", nil, errors.New("could not read request body")
	}
	return strings.TrimSpace(req.URL.Query().Get("name")), payload, nil
}

func (r *Router) handleList(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.sandbox.List(req.Context()))
}

func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/projects/")
	parts := strings.Split(trimmed, "/")
	projectID := parts[0]
	if projectID == "" {
		r.notFound(w)
		return
	}
	if len(parts) == 1 {
		r.withRateLimit("project", rateLimitWrite, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleProject(w, req, projectID)
		})(w, req)
		return
	}
	if len(parts) == 2 {
		switch parts[1] {
		case "start":
			r.withRateLimit("project_start", rateLimitWrite, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
				r.handleStart(w, req, projectID)
			})(w, req)
			return
		case "stop":
			r.withRateLimit("project_stop", rateLimitWrite, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
				r.handleStop(w, req, projectID)
			})(w, req)
			return
		case "logs":
			r.withRateLimit("project_logs", rateLimitRead, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
				r.handleProjectLogs(w, req, projectID)
			})(w, req)
			return
		}
	}
	r.notFound(w)
}

func (r *Router) handleProject(w http.ResponseWriter, req *http.Request, projectID string) {
	switch req.Method {
	case http.MethodGet:
		summary, err := r.sandbox.Get(req.Context(), projectID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	case http.MethodDelete:
		if err := r.sandbox.Delete(req.Context(), projectID); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleStart(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	summary, err := r.sandbox.Start(req.Context(), projectID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (r *Router) handleStop(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	summary, err := r.sandbox.Stop(req.Context(), projectID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (r *Router) handleProjectLogs(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	tail, buildErr, err := r.sandbox.BuildLog(req.Context(), projectID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	events, err := r.sandbox.Events(req.Context(), projectID, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"buildLog":   tail,
		"buildError": buildErr,
		"events":     events,
	})
}

// handleSweep triggers an immediate expiration pass; reserved for operators.
func (r *Router) handleSweep(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyAdminToken(w, req) {
		return
	}
	reclaimed := r.sandbox.Sweep(req.Context())
	writeJSON(w, http.StatusOK, map[string]int{"reclaimed": reclaimed})
}

func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	projectID := req.URL.Query().Get("project")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project query parameter required")
		return
	}
	if _, err := r.sandbox.Get(req.Context(), projectID); err != nil {
		writeServiceError(w, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(projectID, client)
	go func() {
		defer func() {
			r.hub.Unregister(projectID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	stats := r.sandbox.Snapshot()
	components["sandbox"] = map[string]any{
		"status":    "up",
		"projects":  stats.Projects,
		"running":   stats.Running,
		"building":  stats.Building,
		"instances": stats.Instances,
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
		r.recordRequestMetrics(req.Method, route, status, duration)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

// verifyAdminToken guards operator endpoints with the configured secret.
func (r *Router) verifyAdminToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.adminToken
	if expected == "" {
		r.logger.Error("admin token not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "admin authentication misconfigured")
		return false
	}
	token := strings.TrimSpace(req.Header.Get("X-Admin-Token"))
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("admin token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid admin token")
		return false
	}
	return true
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
