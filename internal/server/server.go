// Package server is the reference host layer for the guest pool: a small
// JSON API over HTTP that binds a cookie session to each visitor, a
// websocket status feed, and the janitor that schedules pool maintenance.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/guestpool/internal/config"
	"github.com/koltyakov/guestpool/internal/pool"
	"github.com/koltyakov/guestpool/internal/store/sqlite"
)

// Pool groups the allocation strategy with the maintenance passes the
// janitor runs. Initializer and Sweeper are nil in degraded mode.
type Pool struct {
	Strategy    pool.Strategy
	Initializer *pool.Initializer
	Sweeper     *pool.Sweeper
}

type Server struct {
	cfg   config.ServerConfig
	store *sqlite.Store
	pool  Pool
	log   *slog.Logger
	now   func() time.Time

	watchInterval time.Duration
}

type errorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
}

const (
	errCodePoolExhausted = "pool_exhausted"
	errCodeUsernameTaken = "username_taken"
	errCodeInvalidInput  = "invalid_input"
	errCodeNoLease       = "no_lease"
)

const (
	maxClaimBodyBytes      = 8 * 1024
	poolExhaustedRetrySecs = "30"
	defaultWatchInterval   = 2 * time.Second
	sessionCleanupInterval = 10 * time.Minute
	sessionPurgeBatch      = 500
	serverShutdownTimeout  = 5 * time.Second
	maintenanceTimeout     = 2 * time.Minute
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func New(cfg config.ServerConfig, store *sqlite.Store, p Pool, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:           cfg,
		store:         store,
		pool:          p,
		log:           logger,
		now:           time.Now,
		watchInterval: defaultWatchInterval,
	}
}

// Handler returns the HTTP routes served by Run.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/guest/session", s.handleAllocate)
	mux.HandleFunc("DELETE /v1/guest/session", s.handleDeallocate)
	mux.HandleFunc("POST /v1/guest/claim", s.handleClaim)
	mux.HandleFunc("GET /v1/pool/status", s.handleStatus)
	mux.HandleFunc("GET /v1/pool/watch", s.handleWatch)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n"))
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return err
	}
	return nil
}
