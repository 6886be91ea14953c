// Package api exposes the ledger over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"BatchSettle/internal/ledger"
	"BatchSettle/internal/metrics"
	"BatchSettle/internal/model"
	"BatchSettle/internal/recorder"
)

type Config struct {
	// OperatorToken authenticates operator requests as OperatorID.
	OperatorToken  string
	OperatorID     string
	// AccountTokens maps each depositor account to its bearer token.
	AccountTokens  map[string]string
	JWTSecret      []byte
	SessionTTL     time.Duration
	SecureCookie   bool
	IdempotencyTTL time.Duration
}

// StakeReader reports staked balances.
type StakeReader interface {
	StakeOf(ctx context.Context, asset, account string) (model.Amount, error)
}

type Controller struct {
	Ledger   *ledger.Ledger
	Recorder recorder.Recorder
	Metrics  *metrics.Metrics
	// Stakes serves the stake query when set.
	Stakes   StakeReader

	cfg    Config
	idem   *idempotencyCache
	logger *zap.Logger
}

// NewController returns a new controller. rec and m may be nil.
func NewController(l *ledger.Ledger, rec recorder.Recorder, m *metrics.Metrics, cfg Config, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rec == nil {
		rec = recorder.NewNoopRecorder()
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 8 * time.Hour
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	return &Controller{
		Ledger:   l,
		Recorder: rec,
		Metrics:  m,
		cfg:      cfg,
		idem:     newIdempotencyCache(cfg.IdempotencyTTL),
		logger:   logger,
	}
}

// NewRouter returns the router with every API route registered.
func (c *Controller) NewRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(c.withRequestID)

	r.HandleFunc("/api/health", c.HandleHealth).Methods(http.MethodGet)
	if c.Metrics != nil {
		r.Handle("/metrics", c.Metrics.Handler()).Methods(http.MethodGet)
	}
	r.HandleFunc("/api/auth/session", c.HandleSession).Methods(http.MethodPost)

	// queries
	r.HandleFunc("/api/params", c.HandleParams).Methods(http.MethodGet)
	r.HandleFunc("/api/events", c.HandleEvents).Methods(http.MethodGet)
	r.HandleFunc("/api/batches/current/{kind}", c.HandleCurrentBatch).Methods(http.MethodGet)
	r.HandleFunc("/api/batches/current/{kind}/eligibility", c.HandleEligibility).Methods(http.MethodGet)
	r.HandleFunc("/api/batches/{id}", c.HandleBatch).Methods(http.MethodGet)
	r.HandleFunc("/api/accounts/{account}/batches", c.HandleAccountBatches).Methods(http.MethodGet)
	r.HandleFunc("/api/accounts/{account}/shares/{id}", c.HandleAccountShare).Methods(http.MethodGet)
	r.HandleFunc("/api/accounts/{account}/stake", c.HandleStake).Methods(http.MethodGet)

	// depositor operations
	account := func(h http.HandlerFunc) http.Handler { return c.RequireCaller(c.idempotent(h)) }
	r.Handle("/api/deposit", account(c.HandleDeposit)).Methods(http.MethodPost)
	r.Handle("/api/withdraw", account(c.HandleWithdraw)).Methods(http.MethodPost)
	r.Handle("/api/claim", account(c.HandleClaim)).Methods(http.MethodPost)
	r.Handle("/api/claim-and-stake", account(c.HandleClaimAndStake)).Methods(http.MethodPost)
	r.Handle("/api/hotswap", account(c.HandleHotSwap)).Methods(http.MethodPost)

	// operator operations
	r.Handle("/api/process/{kind}", c.RequireOperator(http.HandlerFunc(c.HandleProcess))).Methods(http.MethodPost)
	r.Handle("/api/pause", c.RequireOperator(http.HandlerFunc(c.HandlePause))).Methods(http.MethodPost)
	r.Handle("/api/unpause", c.RequireOperator(http.HandlerFunc(c.HandleUnpause))).Methods(http.MethodPost)
	r.Handle("/api/params/cooldown", c.RequireOperator(http.HandlerFunc(c.HandleSetCooldown))).Methods(http.MethodPut)
	r.Handle("/api/params/threshold/{kind}", c.RequireOperator(http.HandlerFunc(c.HandleSetThreshold))).Methods(http.MethodPut)

	return r
}

// withRequestID tags each request with an id, echoed in X-Request-ID.
func (c *Controller) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		start := time.Now()
		next.ServeHTTP(w, r)
		c.logger.Debug("http request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("latency", time.Since(start)))
	})
}

func (c *Controller) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "paused": c.Ledger.Paused()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
