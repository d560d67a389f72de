package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/tidwall/gjson"

	"github.com/c360/qollective/envelope"
	"github.com/c360/qollective/errors"
	"github.com/c360/qollective/metric"
	"github.com/c360/qollective/pkg/tlsutil"
)

const limiterIdle = 10 * time.Minute

// EnvelopeHandler serves POST /envelope. The returned value becomes the reply payload.
type EnvelopeHandler func(ctx context.Context, req envelope.Raw) (any, error)

// EnvelopeRequester forwards an envelope to a bus subject. *bus.Client satisfies it.
type EnvelopeRequester interface {
	RequestEnvelope(ctx context.Context, subject string, env envelope.Raw) (envelope.Raw, error)
}

type requestIDKey struct{}

// RequestIDFromContext returns the request id assigned by the server middleware.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithEnvelopeHandler mounts POST /envelope.
func WithEnvelopeHandler(h EnvelopeHandler) ServerOption {
	return func(s *Server) { s.envelopes = h }
}

// WithDispatcher mounts POST /rpc.
func WithDispatcher(d *Dispatcher) ServerOption {
	return func(s *Server) { s.dispatcher = d }
}

// WithBridge serves the configured route mappings by forwarding to the bus.
func WithBridge(r EnvelopeRequester) ServerOption {
	return func(s *Server) { s.bridge = r }
}

// WithMetricsRegistry mounts GET /metrics and records traffic on the core metrics.
func WithMetricsRegistry(reg *metric.MetricsRegistry) ServerOption {
	return func(s *Server) { s.registry = reg }
}

// WithPayloadSchema validates the payload of every POST /envelope request.
func WithPayloadSchema(v *envelope.SchemaValidator) ServerOption {
	return func(s *Server) { s.schema = v }
}

// WithHealthCheck makes GET /healthz answer 503 while check fails.
func WithHealthCheck(check func(ctx context.Context) error) ServerOption {
	return func(s *Server) { s.health = check }
}

// WithServerLogger sets the logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Server is the HTTP side of the runtime: envelope endpoint, JSON-RPC endpoint, bus bridge
// routes, health and metrics.
type Server struct {
	cfg        ServerConfig
	envelopes  EnvelopeHandler
	dispatcher *Dispatcher
	bridge     EnvelopeRequester
	registry   *metric.MetricsRegistry
	metrics    *metric.Metrics
	schema     *envelope.SchemaValidator
	health     func(ctx context.Context) error
	limiter    *tenantLimiter
	logger     *slog.Logger
	router     chi.Router

	mu       sync.Mutex
	listener net.Listener
}

// NewServer validates cfg and builds the router.
func NewServer(cfg ServerConfig, opts ...ServerOption) (*Server, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if len(cfg.Routes) > 0 && s.bridge == nil {
		return nil, errors.New(errors.KindConfig, "httpx.NewServer", "routes configured without a bus bridge")
	}
	if s.registry != nil {
		s.metrics = s.registry.CoreMetrics()
	}
	if cfg.RateLimit.Enabled {
		s.limiter = newTenantLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the root handler, for embedding or httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	if s.cfg.EnableCORS {
		r.Use(s.cors)
	}

	r.Get("/healthz", s.handleHealth)
	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics", s.registry.Handler())
	}

	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.middleware)
		}
		if s.envelopes != nil {
			r.Post("/envelope", s.handleEnvelope)
		}
		if s.dispatcher != nil {
			r.Post("/rpc", s.handleRPC)
		}
		for _, route := range s.cfg.Routes {
			r.Method(route.Method, route.Path, s.bridgeRoute(route))
		}
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	const op = "httpx.Server.Run"
	tlsConfig, err := tlsutil.ServerConfig(s.cfg.TLS)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return &errors.Error{Kind: errors.KindTransport, Op: op, Message: "listen " + s.cfg.Addr, Err: err}
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.router,
		TLSConfig:         tlsConfig,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       2 * s.cfg.ReadTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tlsConfig != nil {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		errCh <- err
	}()
	s.logger.Info("http server started", "addr", ln.Addr().String(), "tls", tlsConfig != nil)

	var prune <-chan time.Time
	if s.limiter != nil {
		ticker := time.NewTicker(limiterIdle)
		defer ticker.Stop()
		prune = ticker.C
	}

	for {
		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return &errors.Error{Kind: errors.KindTransport, Op: op, Err: err}
		case <-prune:
			if n := s.limiter.prune(limiterIdle); n > 0 {
				s.logger.Debug("pruned idle rate limiters", "count", n)
			}
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return &errors.Error{Kind: errors.KindTimeout, Op: op, Message: "graceful shutdown", Err: err}
			}
			s.logger.Info("http server stopped")
			return nil
		}
	}
}

// Addr returns the bound address once Run has started listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleEnvelope(w http.ResponseWriter, r *http.Request) {
	requestID := RequestIDFromContext(r.Context())
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	s.metrics.RecordReceived(transportLabel, "envelope")

	req, err := envelope.Decode[json.RawMessage](body)
	if err == nil && s.schema != nil {
		err = s.schema.ValidateJSON(req.Payload)
	}
	if req.Meta.RequestID == "" {
		req.Meta.RequestID = requestID
	}
	if req.Meta.Tenant == "" {
		req.Meta.Tenant = r.Header.Get(HeaderTenant)
	}
	if err != nil {
		s.writeEnvelopeError(w, req, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	result, err := s.envelopes(ctx, req)
	if err != nil {
		if ctxErr := errors.FromContext(ctx, "httpx.Server.envelope"); ctxErr != nil && errors.KindOf(err) == errors.KindUnknown {
			err = ctxErr
		}
		s.writeEnvelopeError(w, req, err)
		return
	}
	reply, err := envelope.ReplyRaw(req, result)
	if err != nil {
		s.writeEnvelopeError(w, req, err)
		return
	}
	reply.Meta.RequestID = req.Meta.RequestID
	s.writeEnvelope(w, http.StatusOK, reply)
}

func (s *Server) writeEnvelopeError(w http.ResponseWriter, req envelope.Raw, err error) {
	kind := errors.KindOf(err)
	s.metrics.RecordError(transportLabel, kind.String())
	s.logger.Debug("envelope request failed", "request_id", req.Meta.RequestID, "kind", kind.String(), "error", err)
	reply := envelope.ErrorReply(req, err)
	reply.Meta.RequestID = req.Meta.RequestID
	s.writeEnvelope(w, statusForKind(kind), reply)
}

func (s *Server) writeEnvelope(w http.ResponseWriter, status int, env envelope.Raw) {
	data, err := envelope.Encode(env)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
	s.metrics.RecordSent(transportLabel, "envelope")
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	s.metrics.RecordReceived(transportLabel, "raw")
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	resp := s.dispatcher.Handle(ctx, body)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
	s.metrics.RecordSent(transportLabel, "raw")
}

// bridgeRoute forwards the request to route.Subject. A body that is already an envelope is
// sent as is and answered with the reply envelope; any other body becomes the payload of a
// fresh envelope and is answered with the reply payload. Path parameters are added to the
// meta context as "path.<name>".
func (s *Server) bridgeRoute(route RouteMapping) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := RequestIDFromContext(r.Context())
		body, ok := s.readBody(w, r)
		if !ok {
			return
		}

		var env envelope.Raw
		wrapped := gjson.ValidBytes(body) && gjson.GetBytes(body, "meta").IsObject() && gjson.GetBytes(body, "payload").Exists()
		if wrapped {
			decoded, err := envelope.Decode[json.RawMessage](body)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid request")
				return
			}
			env = decoded
		} else {
			if len(body) == 0 {
				body = []byte("null")
			}
			if !json.Valid(body) {
				writeError(w, http.StatusBadRequest, "request body is not JSON")
				return
			}
			env = envelope.Raw{Meta: envelope.NewMeta(), Payload: body}
			env.Meta.Tenant = r.Header.Get(HeaderTenant)
		}
		if env.Meta.RequestID == "" {
			env.Meta.RequestID = requestID
		}
		if rctx := chi.RouteContext(r.Context()); rctx != nil && len(rctx.URLParams.Keys) > 0 {
			if env.Meta.Context == nil {
				env.Meta.Context = make(map[string]any)
			}
			for i, key := range rctx.URLParams.Keys {
				env.Meta.Context["path."+key] = rctx.URLParams.Values[i]
			}
		}

		ctx, cancel := context.WithTimeout(r.Context(), route.Timeout)
		defer cancel()
		reply, err := s.bridge.RequestEnvelope(ctx, route.Subject, env)
		if err != nil {
			kind := errors.KindOf(err)
			s.metrics.RecordError(transportLabel, kind.String())
			s.logger.Warn("bridge request failed", "path", route.Path, "subject", route.Subject,
				"request_id", env.Meta.RequestID, "error", err)
			writeError(w, statusForKind(kind), sanitizeError(kind))
			return
		}

		status := http.StatusOK
		if reply.HasError() {
			status = statusForKind(reply.Error.Kind())
		}
		if wrapped {
			s.writeEnvelope(w, status, reply)
			return
		}
		if reply.HasError() {
			writeError(w, status, reply.Error.Message)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(reply.Payload)
	}
}

// readBody reads at most MaxRequestSize bytes and answers 413 beyond that.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxRequestSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	if int64(len(body)) > s.cfg.MaxRequestSize {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("request body exceeds maximum size of %d bytes", s.cfg.MaxRequestSize))
		return nil, false
	}
	return body, true
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := slices.Contains(s.cfg.CORSOrigins, "*") || (origin != "" && slices.Contains(s.cfg.CORSOrigins, origin))
		if allowed {
			if origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Tenant-ID")
			w.Header().Set("Access-Control-Max-Age", "3600")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.metrics.RecordRequestDuration(transportLabel, time.Since(start))
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", RequestIDFromContext(r.Context()),
			"remote_addr", r.RemoteAddr)
	})
}

// requestIDMiddleware keeps a valid incoming X-Request-ID or assigns a new one.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" || len(id) > 128 || !isPrintable(id) {
			id = envelope.NewRequestID()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func isPrintable(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x21 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

// statusForKind maps an error kind onto the HTTP status returned to callers.
func statusForKind(kind errors.Kind) int {
	switch kind {
	case errors.KindValidation, errors.KindDeserialization, errors.KindProtocol:
		return http.StatusBadRequest
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindTimeout:
		return http.StatusGatewayTimeout
	case errors.KindCapacity:
		return http.StatusTooManyRequests
	case errors.KindTransport, errors.KindNoResponders, errors.KindConnectionClosed, errors.KindCancelled:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// sanitizeError returns a message that does not expose subjects or internal detail.
func sanitizeError(kind errors.Kind) string {
	switch kind.Class() {
	case errors.ErrorInvalid:
		if kind == errors.KindNotFound {
			return "resource not found"
		}
		if kind == errors.KindUnknown || kind == errors.KindSerialization {
			return "internal server error"
		}
		return "invalid request"
	case errors.ErrorTransient:
		if kind == errors.KindTimeout {
			return "request timeout"
		}
		return "service temporarily unavailable"
	}
	return "internal server error"
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message, "status": status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
