package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"cosmossdk.io/log"

	"github.com/openalpha/simexchange/api/middleware"
	apitypes "github.com/openalpha/simexchange/api/types"
	"github.com/openalpha/simexchange/api/websocket"
	"github.com/openalpha/simexchange/exchange/core"
	extypes "github.com/openalpha/simexchange/exchange/types"
	"github.com/openalpha/simexchange/metrics"
)

// Server is the REST edge over the exchange facade.
type Server struct {
	logger     log.Logger
	ex         *core.Exchange
	hub        *websocket.Hub
	config     *Config
	limiter    *middleware.RateLimiter
	httpServer *http.Server
}

// Config contains server configuration.
type Config struct {
	Host             string
	Port             int
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	RecvWindow       int64 // default ms window for timestamped requests
	DisableRateLimit bool  // for tests
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		RecvWindow:   5000,
	}
}

// NewServer creates the REST server. hub may be nil when the WS surface is
// not wanted (tests).
func NewServer(logger log.Logger, ex *core.Exchange, hub *websocket.Hub, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	return &Server{
		logger:  logger.With("module", "api"),
		ex:      ex,
		hub:     hub,
		config:  config,
		limiter: middleware.NewRateLimiter(nil),
	}
}

// Handler builds the routed and middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Market data (public)
	mux.HandleFunc("/api/v3/ping", s.instrument(s.handlePing))
	mux.HandleFunc("/api/v3/time", s.instrument(s.handleTime))
	mux.HandleFunc("/api/v3/exchangeInfo", s.instrument(s.handleExchangeInfo))
	mux.HandleFunc("/api/v3/depth", s.instrument(s.handleDepth))
	mux.HandleFunc("/api/v3/klines", s.instrument(s.handleKlines))

	// Trading and account (signed)
	mux.HandleFunc("/api/v3/order", s.instrument(s.handleOrder))
	mux.HandleFunc("/api/v3/order/test", s.instrument(s.handleOrderTest))
	mux.HandleFunc("/api/v3/account", s.instrument(s.handleAccount))
	mux.HandleFunc("/api/v3/openOrders", s.instrument(s.handleOpenOrders))
	mux.HandleFunc("/api/v3/myTrades", s.instrument(s.handleMyTrades))

	if s.hub != nil {
		mux.HandleFunc("/ws", s.hub.ServeWS)
	}
	mux.Handle("/metrics", metrics.Handler())

	var handler http.Handler = mux
	if !s.config.DisableRateLimit {
		handler = middleware.RateLimit(s.limiter)(handler)
	}
	return corsMiddleware(handler)
}

// Start blocks serving HTTP until shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.logger.Info("REST server starting", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.limiter.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// ============================================================================
// Envelope and middleware helpers
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeAPIError(w http.ResponseWriter, status, code int, msg string) {
	writeJSON(w, status, &apitypes.Error{Code: code, Msg: msg})
}

// writeExchangeError maps a facade error onto the stable wire codes.
func writeExchangeError(w http.ResponseWriter, err error) {
	switch {
	case extypes.ErrAuth.Is(err):
		writeAPIError(w, http.StatusUnauthorized, apitypes.CodeRejectedAPIKey, err.Error())
	case extypes.ErrTimestampSkew.Is(err):
		writeAPIError(w, http.StatusBadRequest, apitypes.CodeTimestampSkew, err.Error())
	case extypes.ErrSymbolNotFound.Is(err):
		writeAPIError(w, http.StatusBadRequest, apitypes.CodeInvalidSymbol, err.Error())
	case extypes.ErrOrderNotFound.Is(err):
		writeAPIError(w, http.StatusBadRequest, apitypes.CodeOrderNotFound, err.Error())
	case extypes.ErrCancelRejected.Is(err):
		writeAPIError(w, http.StatusBadRequest, apitypes.CodeCancelRejected, err.Error())
	default:
		// Validation, insufficient funds and engine rejections all surface
		// as new-order-rejected.
		writeAPIError(w, http.StatusBadRequest, apitypes.CodeNewOrderRejected, err.Error())
	}
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument records request count and latency for one route.
func (s *Server) instrument(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		metrics.Default().RecordAPIRequest(r.Method, r.URL.Path,
			strconv.Itoa(rec.status), timer.ElapsedMs())
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-KEY")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ============================================================================
// Auth and timestamp checks
// ============================================================================

// authenticate resolves the X-API-KEY header. On failure the error response
// has been written and ok is false.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := r.Header.Get("X-API-KEY")
	if key == "" {
		writeAPIError(w, http.StatusUnauthorized, apitypes.CodeMissingAPIKey, "API-key required for this endpoint.")
		return "", false
	}
	userID, ok := s.ex.Authenticate(key)
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, apitypes.CodeRejectedAPIKey, "Invalid API-key.")
		return "", false
	}
	return userID, true
}

// checkTimestamp enforces the recvWindow skew bound. On failure the error
// response has been written and ok is false.
func (s *Server) checkTimestamp(w http.ResponseWriter, timestamp, recvWindow int64) bool {
	if timestamp == 0 {
		writeAPIError(w, http.StatusBadRequest, apitypes.CodeMandatoryParam, "Mandatory parameter 'timestamp' was not sent.")
		return false
	}
	if recvWindow <= 0 {
		recvWindow = s.config.RecvWindow
	}
	skew := s.ex.ServerTime() - timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > recvWindow {
		writeAPIError(w, http.StatusBadRequest, apitypes.CodeTimestampSkew,
			"Timestamp for this request is outside of the recvWindow.")
		return false
	}
	return true
}

// queryTimestamp reads timestamp/recvWindow from the query of a signed GET.
func queryTimestamp(r *http.Request) (timestamp, recvWindow int64) {
	timestamp, _ = strconv.ParseInt(r.URL.Query().Get("timestamp"), 10, 64)
	recvWindow, _ = strconv.ParseInt(r.URL.Query().Get("recvWindow"), 10, 64)
	return timestamp, recvWindow
}
