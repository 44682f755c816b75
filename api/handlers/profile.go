package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/doomscroll/backend/api/metrics"
	"github.com/doomscroll/backend/indexer/pkg/store"
)

const maxProfileBody = 4 << 10

var validate = newValidator()

// newValidator reports field errors by their json names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// AuthChallengeResponse is the message a wallet signs for the given timestamp.
type AuthChallengeResponse struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// AuthVerifyRequest carries a signed challenge. Message is plain text and
// Signature is base64.
type AuthVerifyRequest struct {
	Wallet    string `json:"wallet" validate:"required"`
	Signature string `json:"signature" validate:"required"`
	Message   string `json:"message" validate:"required"`
	Timestamp int64  `json:"timestamp" validate:"required"`
}

type AuthVerifyResponse struct {
	Success       bool   `json:"success"`
	Wallet        string `json:"wallet"`
	Authenticated bool   `json:"authenticated"`
}

type UserCheckRequest struct {
	Wallet string `json:"wallet" validate:"required"`
}

type UserCheckResponse struct {
	Exists bool          `json:"exists"`
	User   *UserResponse `json:"user,omitempty"`
}

type SignupRequest struct {
	Wallet          string `json:"wallet" validate:"required,min=32,max=44"`
	Name            string `json:"name" validate:"required,min=2,max=100"`
	Email           string `json:"email" validate:"required,email,max=254"`
	DoomscrollLimit *int32 `json:"doomscroll_limit" validate:"required,min=30,max=300"`
}

type UserResponse struct {
	Wallet          string    `json:"wallet"`
	Name            string    `json:"name"`
	Email           string    `json:"email"`
	DoomscrollLimit int32     `json:"doomscroll_limit"`
	CreatedAt       time.Time `json:"created_at"`
}

type UserEnvelope struct {
	User UserResponse `json:"user"`
}

func toUserResponse(u *store.User) UserResponse {
	return UserResponse{
		Wallet:          u.Wallet,
		Name:            u.Name,
		Email:           u.Email,
		DoomscrollLimit: u.DoomscrollLimit,
		CreatedAt:       u.CreatedAt,
	}
}

// GetAuthChallenge returns the message the wallet in ?wallet= signs to
// authenticate at the current time.
func (a *API) GetAuthChallenge(w http.ResponseWriter, r *http.Request) {
	wallet := r.URL.Query().Get("wallet")
	if wallet == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation", Field: "wallet", Message: "is required"})
		return
	}
	ts := a.cfg.Clock.Now().UnixMilli()
	writeJSON(w, http.StatusOK, AuthChallengeResponse{
		Message:   BuildAuthMessage(wallet, ts),
		Timestamp: ts,
	})
}

// PostAuthVerify checks a signed challenge without performing any action, so
// clients can confirm their signing setup.
func (a *API) PostAuthVerify(w http.ResponseWriter, r *http.Request) {
	var req AuthVerifyRequest
	if !a.decodeBody(w, r, &req) {
		return
	}
	ts := strconv.FormatInt(req.Timestamp, 10)
	if reason, err := verifySignedMessage(req.Wallet, req.Signature, req.Message, ts, a.cfg.Clock.Now(), a.cfg.AuthSkew); err != nil {
		metrics.RecordAuthFailure("verify", reason)
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, AuthVerifyResponse{Success: true, Wallet: req.Wallet, Authenticated: true})
}

// PostUserCheck reports whether the authenticated wallet has a profile.
func (a *API) PostUserCheck(w http.ResponseWriter, r *http.Request) {
	var req UserCheckRequest
	if !a.decodeBody(w, r, &req) {
		return
	}
	if !a.sameWallet(w, r, req.Wallet) {
		return
	}

	u, err := read(r.Context(), a, func() (*store.User, error) {
		return a.cfg.Store.GetUser(r.Context(), req.Wallet)
	})
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusOK, UserCheckResponse{Exists: false})
		return
	}
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	resp := toUserResponse(u)
	writeJSON(w, http.StatusOK, UserCheckResponse{Exists: true, User: &resp})
}

// PostSignup creates the profile of the authenticated wallet.
func (a *API) PostSignup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if !a.decodeBody(w, r, &req) {
		return
	}
	if !a.sameWallet(w, r, req.Wallet) {
		return
	}

	u, err := a.cfg.Store.CreateUser(r.Context(), store.User{
		Wallet:          req.Wallet,
		Name:            strings.TrimSpace(req.Name),
		Email:           strings.ToLower(strings.TrimSpace(req.Email)),
		DoomscrollLimit: *req.DoomscrollLimit,
	})
	switch {
	case errors.Is(err, store.ErrUserExists):
		writeError(w, http.StatusConflict, "user_exists", "User already exists")
		return
	case errors.Is(err, store.ErrEmailInUse):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "email_in_use", Field: "email", Message: "Email already in use"})
		return
	case err != nil:
		a.writeStoreError(w, r, err)
		return
	}
	a.log.Info("api: user signed up", "wallet", u.Wallet)
	writeJSON(w, http.StatusCreated, UserEnvelope{User: toUserResponse(u)})
}

// GetUser returns the authenticated wallet's profile.
func (a *API) GetUser(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "wallet")
	if !a.sameWallet(w, r, wallet) {
		return
	}
	u, err := read(r.Context(), a, func() (*store.User, error) {
		return a.cfg.Store.GetUser(r.Context(), wallet)
	})
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "User not found")
		return
	}
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, UserEnvelope{User: toUserResponse(u)})
}

// sameWallet rejects requests for a wallet other than the authenticated one.
func (a *API) sameWallet(w http.ResponseWriter, r *http.Request, wallet string) bool {
	authed, ok := WalletFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "wallet authentication required")
		return false
	}
	if authed != wallet {
		writeError(w, http.StatusForbidden, "forbidden", "Wallet mismatch")
		return false
	}
	return true
}

// decodeBody decodes a JSON body into v and validates its tags. It writes the
// 400 response and returns false on failure.
func (a *API) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxProfileBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return false
	}
	if err := validate.Struct(v); err != nil {
		var fields validator.ValidationErrors
		if errors.As(err, &fields) && len(fields) > 0 {
			fe := fields[0]
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation", Field: fe.Field(), Message: validationMessage(fe)})
			return false
		}
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return false
	}
	return true
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	default:
		return "is invalid"
	}
}
