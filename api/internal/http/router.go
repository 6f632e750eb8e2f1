package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
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

	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/domain"
	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/service/auth"
	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/service/dashboard"
	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/service/lifecycle"
	"github.com/ThLemay/Nut-WebAPP-V3/api/internal/ws"
	"github.com/ThLemay/Nut-WebAPP-V3/pkg/qr"
)

// HealthCheck probes one dependency.
type HealthCheck func(context.Context) error

// Router wires HTTP endpoints to services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	auth      auth.Service
	lifecycle lifecycle.Service
	dashboard dashboard.Service
	hub       *ws.Hub
	upgrader  websocket.Upgrader
	limiter   RateLimiter
	health    map[string]HealthCheck
	heartbeat time.Duration

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	streams            prometheus.Gauge
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitSignup    = 5
	rateLimitLogin     = 12
	rateLimitUserWrite = 60
	rateLimitUserRead  = 120
	rateLimitScan      = 240
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
	defaultHeartbeat   = 25 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, authSvc auth.Service, lifecycleSvc lifecycle.Service, dashboardSvc dashboard.Service, hub *ws.Hub, limiter RateLimiter, health map[string]HealthCheck, heartbeat time.Duration) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		auth:      authSvc,
		lifecycle: lifecycleSvc,
		dashboard: dashboardSvc,
		hub:       hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:   limiter,
		health:    health,
		heartbeat: heartbeat,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.heartbeat <= 0 {
		r.heartbeat = defaultHeartbeat
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
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/auth/signup", r.audit(r.withRateLimit("/auth/signup", rateLimitSignup, rateWindowDefault, rateLimitKeyIP, r.handleSignup)))
	r.mux.HandleFunc("/auth/login", r.audit(r.withRateLimit("/auth/login", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleLogin)))
	r.mux.HandleFunc("/auth/refresh", r.audit(r.withRateLimit("/auth/refresh", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleRefresh)))
	r.mux.HandleFunc("/auth/logout", r.audit(r.handlerAuthRate("/auth/logout", rateLimitUserWrite, rateWindowDefault, r.handleLogout)))
	r.mux.HandleFunc("/me", r.audit(r.handlerAuthRate("/me", rateLimitUserRead, rateWindowDefault, r.handleMe)))
	r.mux.HandleFunc("/me/qr", r.audit(r.handlerRoleRate("/me/qr", domain.RoleClient, rateLimitUserRead, rateWindowDefault, r.handleMyQR)))
	r.mux.HandleFunc("/dashboard", r.audit(r.handlerAuthRate("/dashboard", rateLimitUserRead, rateWindowDefault, r.handleDashboard)))
	r.mux.HandleFunc("/profiles/", r.audit(r.handlerRoleRate("/profiles/{id}", domain.RoleEntreprise, rateLimitScan, rateWindowDefault, r.handleProfile)))
	r.mux.HandleFunc("/containers", r.audit(r.handlerRoleRate("/containers", domain.RoleEntreprise, rateLimitScan, rateWindowDefault, r.handleHeldContainers)))
	r.mux.HandleFunc("/containers/", r.audit(r.handlerRoleRate("/containers/{id}", domain.RoleEntreprise, rateLimitScan, rateWindowDefault, r.handleContainer)))
	r.mux.HandleFunc("/operations/consigne", r.audit(r.handlerRoleRate("/operations/consigne", domain.RoleEntreprise, rateLimitScan, rateWindowDefault, r.handleConsigne)))
	r.mux.HandleFunc("/operations/deconsigne", r.audit(r.handlerRoleRate("/operations/deconsigne", domain.RoleEntreprise, rateLimitScan, rateWindowDefault, r.handleDeconsigne)))
	r.mux.HandleFunc("/ws/changes", r.audit(r.requireStreamAuth(r.withRateLimit("/ws/changes", rateLimitWebsocket, rateWindowRealtime, r.rateLimitKeyUser, r.handleChangesWS))))
	r.mux.HandleFunc("/events", r.audit(r.requireStreamAuth(r.withRateLimit("/events", rateLimitWebsocket, rateWindowRealtime, r.rateLimitKeyUser, r.handleChangesSSE))))
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func newTokenResponse(pair auth.TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    int64(pair.ExpiresIn.Seconds()),
	}
}

func (r *Router) handleSignup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email               string `json:"email"`
		Password            string `json:"password"`
		Name                string `json:"name"`
		Role                string `json:"role"`
		CompanyName         string `json:"company_name"`
		PointsPerDeconsigne *int   `json:"points_per_deconsigne"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	session, tokens, err := r.auth.Signup(req.Context(), auth.SignupInput{
		Email:               payload.Email,
		Password:            payload.Password,
		Name:                payload.Name,
		Role:                payload.Role,
		CompanyName:         payload.CompanyName,
		PointsPerDeconsigne: payload.PointsPerDeconsigne,
	})
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"session": session,
		"tokens":  newTokenResponse(tokens),
	})
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	session, tokens, err := r.auth.Login(req.Context(), payload.Email, payload.Password)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session": session,
		"tokens":  newTokenResponse(tokens),
	})
}

func (r *Router) handleRefresh(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	tokens, err := r.auth.Refresh(req.Context(), payload.RefreshToken)
	if err != nil {
		r.logger.Warn("token refresh failed", "error", err)
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": newTokenResponse(tokens)})
}

func (r *Router) handleLogout(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	token, _ := bearerToken(req.Header.Get("Authorization"))
	if err := r.auth.Logout(req.Context(), token); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "signed_out"})
}

func (r *Router) handleMe(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	session, ok := r.session(w, req)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (r *Router) handleMyQR(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	session, ok := r.session(w, req)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"payload": qr.Encode(qr.TypeClient, session.Profile.ID),
	})
}

func (r *Router) handleDashboard(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	session, ok := r.session(w, req)
	if !ok {
		return
	}
	// Reload the profile so the NutCoins balance reflects operations made
	// since the token was authorized.
	fresh, err := r.auth.Session(req.Context(), session.Profile.ID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	if fresh.Profile.IsOperator() {
		if fresh.Company == nil {
			r.writeServiceError(w, req, lifecycle.ErrCompanyNotFound)
			return
		}
		view, err := r.dashboard.Company(req.Context(), *fresh.Company)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}
	view, err := r.dashboard.Client(req.Context(), *fresh.Profile)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (r *Router) handleProfile(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(req.URL.Path, "/profiles/")
	if id == "" || strings.Contains(id, "/") {
		r.notFound(w)
		return
	}
	profile, err := r.lifecycle.Client(req.Context(), id)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (r *Router) handleContainer(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(req.URL.Path, "/containers/")
	if id == "" || strings.Contains(id, "/") {
		r.notFound(w)
		return
	}
	container, err := r.lifecycle.Container(req.Context(), id)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, container)
}

func (r *Router) handleHeldContainers(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	session, ok := r.session(w, req)
	if !ok {
		return
	}
	clientID := strings.TrimSpace(req.URL.Query().Get("client_id"))
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "client_id query parameter required")
		return
	}
	held, err := r.lifecycle.HeldBy(req.Context(), session.CompanyID(), clientID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"containers": held})
}

type operationPayload struct {
	ClientID    string `json:"client_id"`
	ContainerID string `json:"container_id"`
}

func (r *Router) decodeOperation(w http.ResponseWriter, req *http.Request) (lifecycle.Request, bool) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return lifecycle.Request{}, false
	}
	session, ok := r.session(w, req)
	if !ok {
		return lifecycle.Request{}, false
	}
	var payload operationPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return lifecycle.Request{}, false
	}
	return lifecycle.Request{
		CompanyID:   session.CompanyID(),
		ClientID:    payload.ClientID,
		ContainerID: payload.ContainerID,
	}, true
}

func (r *Router) handleConsigne(w http.ResponseWriter, req *http.Request) {
	op, ok := r.decodeOperation(w, req)
	if !ok {
		return
	}
	res, err := r.lifecycle.Consigne(req.Context(), op)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (r *Router) handleDeconsigne(w http.ResponseWriter, req *http.Request) {
	op, ok := r.decodeOperation(w, req)
	if !ok {
		return
	}
	res, err := r.lifecycle.Deconsigne(req.Context(), op)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// streamTopic is the realtime topic of the caller: its company for
// operators, its own profile for clients.
func streamTopic(session *auth.Session) string {
	if session.Profile.IsOperator() && session.CompanyID() != "" {
		return domain.CompanyTopic(session.CompanyID())
	}
	return domain.ClientTopic(session.Profile.ID)
}

func (r *Router) handleChangesWS(w http.ResponseWriter, req *http.Request) {
	session, ok := r.session(w, req)
	if !ok {
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	topic := streamTopic(session)
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(topic, client)
	r.trackStream(1)

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(r.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := client.Ping(); err != nil {
					return
				}
			}
		}
	}()
	go func() {
		defer func() {
			close(done)
			r.hub.Unregister(topic, client)
			client.Close()
			r.trackStream(-1)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleChangesSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	session, ok := r.session(w, req)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	topic := streamTopic(session)
	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(topic, client)
	r.trackStream(1)
	defer func() {
		r.hub.Unregister(topic, client)
		client.Close()
		r.trackStream(-1)
	}()

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) session(w http.ResponseWriter, req *http.Request) (*auth.Session, bool) {
	session, ok := sessionFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return nil, false
	}
	return session, true
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	for name, check := range r.health {
		if check == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
			continue
		}
		components[name] = map[string]any{"status": "up"}
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

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, routeLabel(req.URL.Path), status, duration)

		actor := "anonymous"
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
		if session, ok := sessionFromContext(ctx); ok {
			actor = session.Profile.Role
			fields = append(fields, "user_id", session.Profile.ID)
			if companyID := session.CompanyID(); companyID != "" {
				fields = append(fields, "company_id", companyID)
			}
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
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

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
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

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
