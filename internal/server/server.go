package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/christopherjohns/zonechat/internal/metrics"
	"github.com/christopherjohns/zonechat/internal/ratelimit"
	"github.com/christopherjohns/zonechat/internal/ws"
	"github.com/christopherjohns/zonechat/internal/zone"
)

// Server is the main HTTP server for ZoneChat.
type Server struct {
	addr     string
	mux      *http.ServeMux
	httpSrv  *http.Server
	resolver *zone.Resolver
	hub      *ws.Hub
	limiter  ratelimit.Limiter
	metrics  *metrics.Collector
	origins  []string
	wsOpts   []ws.HandlerOption
}

// Option configures a Server.
type Option func(*Server)

// WithLimiter throttles resolve queries per client IP.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(s *Server) {
		s.limiter = l
	}
}

// WithMetrics records resolve metrics and serves /metrics from c.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) {
		s.metrics = c
	}
}

// WithAllowedOrigins sets the CORS and websocket origin allow list.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		s.origins = origins
	}
}

// WithHandlerOptions passes options through to the websocket handler.
func WithHandlerOptions(opts ...ws.HandlerOption) Option {
	return func(s *Server) {
		s.wsOpts = append(s.wsOpts, opts...)
	}
}

// New creates a new Server listening on addr.
func New(addr string, resolver *zone.Resolver, hub *ws.Hub, opts ...Option) *Server {
	s := &Server{
		addr:     addr,
		mux:      http.NewServeMux(),
		resolver: resolver,
		hub:      hub,
		origins:  []string{"*"},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the mux wrapped in CORS and access logging.
func (s *Server) Handler() http.Handler {
	c := cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	})
	return accessLog(c(s.mux))
}

// Run starts the HTTP server. It returns nil once Shutdown is called.
func (s *Server) Run() error {
	zap.L().Info("server: listening", zap.String("addr", s.addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server: listen")
	}
	return nil
}

// Shutdown closes every websocket with StatusGoingAway, then stops the
// listener and waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.ConnMgr().Shutdown()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return eris.Wrap(err, "server: shutdown")
	}
	return nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/rooms", s.handleListRooms)
	s.mux.HandleFunc("GET /api/zones", s.handleListZones)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/connections", s.handleConnections)
	s.mux.HandleFunc("GET /locations", s.handleResolve)
	s.mux.Handle("GET /metrics", s.metrics.Handler())

	wsOpts := append([]ws.HandlerOption{ws.WithOriginPatterns(s.origins)}, s.wsOpts...)
	s.mux.Handle("/ws", ws.NewHandler(s.hub, wsOpts...))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Registry().List())
}

func (s *Server) handleListZones(w http.ResponseWriter, r *http.Request) {
	zones := s.resolver.Zones().Zones()
	if zones == nil {
		zones = []*zone.Zone{}
	}
	writeJSON(w, http.StatusOK, zones)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.ConnMgr().Stats())
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.ConnMgr().Clients())
}

// handleResolve answers GET /locations?lon=&lat=[&accuracy=].
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow(r.Context(), clientIP(r)) {
		s.metrics.Resolved("rate_limited", 0)
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	p, err := parsePoint(r)
	if err != nil {
		s.metrics.Resolved("invalid", 0)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	start := time.Now()
	res, err := s.resolver.Resolve(p)
	if err != nil {
		s.metrics.Resolved("error", time.Since(start))
		if errors.Is(err, zone.ErrNoZonesLoaded) {
			zap.L().Error("server: resolve without zones", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		zap.L().Error("server: resolve failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	result := "nearest"
	if res.Inside {
		result = "inside"
	}
	s.metrics.Resolved(result, time.Since(start))
	writeJSON(w, http.StatusOK, res)
}

func parsePoint(r *http.Request) (zone.Point, error) {
	q := r.URL.Query()
	lonStr, latStr := q.Get("lon"), q.Get("lat")
	if lonStr == "" || latStr == "" {
		return zone.Point{}, eris.Wrap(zone.ErrInvalidInput, "lon and lat are required")
	}
	lon, err := strconv.ParseFloat(lonStr, 64)
	if err != nil {
		return zone.Point{}, eris.Wrapf(zone.ErrInvalidInput, "lon %q is not a number", lonStr)
	}
	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		return zone.Point{}, eris.Wrapf(zone.ErrInvalidInput, "lat %q is not a number", latStr)
	}
	p, err := zone.NewPoint(lon, lat)
	if err != nil {
		return zone.Point{}, err
	}
	if accStr := q.Get("accuracy"); accStr != "" {
		acc, err := strconv.ParseFloat(accStr, 64)
		if err != nil || acc < 0 {
			return zone.Point{}, eris.Wrapf(zone.ErrInvalidInput, "accuracy %q must be a non-negative number", accStr)
		}
		p.Accuracy = acc
	}
	return p, nil
}

// clientIP keys rate limiting on the remote host.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("server: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusWriter captures the status code and byte count of a response.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Hijack lets the websocket upgrade take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, eris.New("server: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		zap.L().Debug("http access",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Int("bytes", sw.bytes),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote", r.RemoteAddr),
		)
	})
}
