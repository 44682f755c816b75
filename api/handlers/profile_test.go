package handlers_test

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/doomscroll/backend/api/handlers"
)

func postJSON(t *testing.T, path string, body any) *http.Request {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func signupBody(wallet string) map[string]any {
	return map[string]any{
		"wallet":           wallet,
		"name":             "Ada",
		"email":            "Ada@Example.com",
		"doomscroll_limit": 90,
	}
}

func TestAPI_AuthChallenge(t *testing.T) {
	t.Parallel()
	e := newAPIEnv(t)
	wallet := e.user.PublicKey().String()

	rec := e.get(t, "/auth/challenge?wallet="+wallet)
	require.Equal(t, http.StatusOK, rec.Code)
	c := decode[handlers.AuthChallengeResponse](t, rec)
	require.Equal(t, e.clock.Now().UnixMilli(), c.Timestamp)
	require.Equal(t, handlers.BuildAuthMessage(wallet, c.Timestamp), c.Message)

	rec = e.get(t, "/auth/challenge")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "wallet", decode[handlers.ErrorResponse](t, rec).Field)
}

func TestAPI_AuthVerify(t *testing.T) {
	t.Parallel()
	e := newAPIEnv(t)
	wallet := e.user.PublicKey().String()

	signedBody := func(key solana.PrivateKey, ts int64) map[string]any {
		msg := handlers.BuildAuthMessage(key.PublicKey().String(), ts)
		sig, err := key.Sign([]byte(msg))
		require.NoError(t, err)
		return map[string]any{
			"wallet":    key.PublicKey().String(),
			"signature": base64.StdEncoding.EncodeToString(sig[:]),
			"message":   msg,
			"timestamp": ts,
		}
	}
	now := e.clock.Now()

	t.Run("valid signature", func(t *testing.T) {
		rec := e.do(t, postJSON(t, "/auth/verify", signedBody(e.user, now.UnixMilli())))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		resp := decode[handlers.AuthVerifyResponse](t, rec)
		require.True(t, resp.Authenticated)
		require.Equal(t, wallet, resp.Wallet)
	})

	t.Run("failures", func(t *testing.T) {
		stale := signedBody(e.user, now.Add(-10*time.Minute).UnixMilli())

		forged := signedBody(e.user, now.UnixMilli())
		forged["wallet"] = solana.NewWallet().PublicKey().String()

		missing := signedBody(e.user, now.UnixMilli())
		delete(missing, "signature")

		tests := []struct {
			name string
			body map[string]any
			want int
		}{
			{"stale timestamp", stale, http.StatusUnauthorized},
			{"message names another wallet", forged, http.StatusUnauthorized},
			{"missing signature", missing, http.StatusBadRequest},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rec := e.do(t, postJSON(t, "/auth/verify", tt.body))
				require.Equal(t, tt.want, rec.Code, rec.Body.String())
			})
		}
	})
}

func TestAPI_UserProfile(t *testing.T) {
	t.Parallel()
	e := newAPIEnv(t)
	wallet := e.user.PublicKey().String()

	t.Run("requires wallet auth", func(t *testing.T) {
		rec := e.do(t, postJSON(t, "/api/user/check", map[string]any{"wallet": wallet}))
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.Equal(t, http.StatusUnauthorized, e.get(t, "/api/user/"+wallet).Code)
	})

	t.Run("check before signup", func(t *testing.T) {
		rec := e.do(t, e.signed(t, e.user, http.MethodPost, "/api/user/check", map[string]any{"wallet": wallet}))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		resp := decode[handlers.UserCheckResponse](t, rec)
		require.False(t, resp.Exists)
		require.Nil(t, resp.User)

		rec = e.do(t, e.signed(t, e.user, http.MethodGet, "/api/user/"+wallet, nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
		require.Equal(t, "User not found", decode[handlers.ErrorResponse](t, rec).Message)
	})

	t.Run("signup validation", func(t *testing.T) {
		tests := []struct {
			name  string
			edit  func(map[string]any)
			field string
		}{
			{"short name", func(b map[string]any) { b["name"] = "A" }, "name"},
			{"bad email", func(b map[string]any) { b["email"] = "not-an-email" }, "email"},
			{"limit below range", func(b map[string]any) { b["doomscroll_limit"] = 29 }, "doomscroll_limit"},
			{"limit above range", func(b map[string]any) { b["doomscroll_limit"] = 301 }, "doomscroll_limit"},
			{"missing limit", func(b map[string]any) { delete(b, "doomscroll_limit") }, "doomscroll_limit"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				body := signupBody(wallet)
				tt.edit(body)
				rec := e.do(t, e.signed(t, e.user, http.MethodPost, "/api/user/signup", body))
				require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
				require.Equal(t, tt.field, decode[handlers.ErrorResponse](t, rec).Field)
			})
		}
	})

	t.Run("signup for another wallet is forbidden", func(t *testing.T) {
		other := solana.NewWallet().PublicKey().String()
		rec := e.do(t, e.signed(t, e.user, http.MethodPost, "/api/user/signup", signupBody(other)))
		require.Equal(t, http.StatusForbidden, rec.Code)

		rec = e.do(t, e.signed(t, e.user, http.MethodGet, "/api/user/"+other, nil))
		require.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("signup then read back", func(t *testing.T) {
		rec := e.do(t, e.signed(t, e.user, http.MethodPost, "/api/user/signup", signupBody(wallet)))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		created := decode[handlers.UserEnvelope](t, rec).User
		require.Equal(t, "ada@example.com", created.Email)
		require.Equal(t, int32(90), created.DoomscrollLimit)

		rec = e.do(t, e.signed(t, e.user, http.MethodGet, "/api/user/"+wallet, nil))
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, created, decode[handlers.UserEnvelope](t, rec).User)

		rec = e.do(t, e.signed(t, e.user, http.MethodPost, "/api/user/check", map[string]any{"wallet": wallet}))
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[handlers.UserCheckResponse](t, rec)
		require.True(t, resp.Exists)
		require.Equal(t, "Ada", resp.User.Name)
	})

	t.Run("conflicts", func(t *testing.T) {
		rec := e.do(t, e.signed(t, e.user, http.MethodPost, "/api/user/signup", signupBody(wallet)))
		require.Equal(t, http.StatusConflict, rec.Code)
		require.Equal(t, "user_exists", decode[handlers.ErrorResponse](t, rec).Error)

		other := solana.NewWallet().PrivateKey
		body := signupBody(other.PublicKey().String())
		body["email"] = strings.ToUpper("ada@example.com")
		rec = e.do(t, e.signed(t, other, http.MethodPost, "/api/user/signup", body))
		require.Equal(t, http.StatusConflict, rec.Code)
		require.Equal(t, "email_in_use", decode[handlers.ErrorResponse](t, rec).Error)
	})
}
