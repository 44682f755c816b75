// Package handlers serves the challenge HTTP API: read endpoints over the
// mirrored store, authenticated usage submission and admin operations.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/doomscroll/backend/api/handlers/dberror"
	"github.com/doomscroll/backend/indexer/pkg/resolver"
	"github.com/doomscroll/backend/indexer/pkg/store"
	"github.com/doomscroll/backend/indexer/pkg/usage"
	"github.com/doomscroll/backend/utils/pkg/retry"
)

// Syncer re-syncs a challenge from the ledger on demand.
type Syncer interface {
	SyncByID(ctx context.Context, id int64) (*store.Challenge, error)
	SyncByCreator(ctx context.Context, creator solana.PublicKey, sequenceID uint64) (*store.Challenge, error)
}

// ChallengeCounter reads the program's global challenge counter.
type ChallengeCounter interface {
	FetchChallengeCount(ctx context.Context) (uint64, error)
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Store    *store.Store
	Usage    *usage.Ledger
	Resolver *resolver.Resolver
	Syncer   Syncer
	Counter  ChallengeCounter

	// AdminKey enables the admin routes. Empty disables them.
	AdminKey string

	// AuthSkew is the accepted distance between the signed timestamp and
	// the server clock.
	AuthSkew time.Duration

	QueryLimiter  *RateLimiter
	ReportLimiter *RateLimiter
	Retry         retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Usage == nil {
		return errors.New("usage ledger is required")
	}
	if cfg.Resolver == nil {
		return errors.New("resolver is required")
	}
	if cfg.AdminKey != "" && (cfg.Syncer == nil || cfg.Counter == nil) {
		return errors.New("syncer and counter are required when admin routes are enabled")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.AuthSkew <= 0 {
		cfg.AuthSkew = 5 * time.Minute
	}
	if cfg.QueryLimiter == nil {
		// 100 requests per 15 minutes.
		cfg.QueryLimiter = NewRateLimiter(rate.Every(9*time.Second), 100)
	}
	if cfg.ReportLimiter == nil {
		// 20 reports per 15 minutes.
		cfg.ReportLimiter = NewRateLimiter(rate.Every(45*time.Second), 20)
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = dberror.DefaultRetryConfig()
	}
	return nil
}

type API struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*API, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &API{log: cfg.Logger, cfg: cfg}, nil
}

// Routes mounts the wallet auth helpers under /auth and the API under /api.
func (a *API) Routes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Use(RateLimitMiddleware(a.cfg.QueryLimiter))
		r.Get("/challenge", a.GetAuthChallenge)
		r.Post("/verify", a.PostAuthVerify)
	})

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(RateLimitMiddleware(a.cfg.QueryLimiter))
			r.Get("/challenges", a.ListChallenges)
			r.Get("/challenges/{id}", a.GetChallenge)
			r.Get("/challenges/{id}/participants", a.ListParticipants)
			r.Get("/challenges/{id}/leaderboard", a.GetLeaderboard)
			r.Get("/users/{wallet}/challenges", a.GetUserChallenges)
			r.Get("/users/{wallet}/challenges/{id}/usage", a.GetUserUsage)
		})

		r.Route("/user", func(r chi.Router) {
			r.Use(RateLimitMiddleware(a.cfg.QueryLimiter), a.WalletAuth)
			r.Post("/check", a.PostUserCheck)
			r.Post("/signup", a.PostSignup)
			r.Get("/{wallet}", a.GetUser)
		})

		r.With(RateLimitMiddleware(a.cfg.ReportLimiter), a.WalletAuth).
			Post("/usage/report", a.PostUsageReport)

		if a.cfg.AdminKey != "" {
			r.Route("/admin", func(r chi.Router) {
				r.Use(a.AdminAuth)
				r.Post("/challenges/{id}/sync", a.SyncChallenge)
				r.Get("/ledger/count", a.GetLedgerCount)
			})
		}
	})
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Field   string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// writeStoreError maps a failed store or ledger call to a response. Unknown
// errors are logged and reported with a generic message.
func (a *API) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Challenge not found")
	case errors.Is(err, context.Canceled):
		// Client went away.
	case dberror.IsTransient(err):
		a.log.Warn("api: transient database error", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", dberror.UserMessage(err))
	default:
		a.log.Error("api: request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", dberror.UserMessage(err))
	}
}

func parseID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}

func parseWallet(r *http.Request) (string, bool) {
	wallet := chi.URLParam(r, "wallet")
	if _, err := solana.PublicKeyFromBase58(wallet); err != nil {
		return "", false
	}
	return wallet, true
}

// read runs a store read with retries for transient failures.
func read[T any](ctx context.Context, a *API, fn func() (T, error)) (T, error) {
	return dberror.Retry(ctx, a.cfg.Retry, fn)
}
