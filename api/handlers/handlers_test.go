package handlers_test

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/doomscroll/backend/api/handlers"
	"github.com/doomscroll/backend/indexer/pkg/ledger/ledgertest"
	"github.com/doomscroll/backend/indexer/pkg/ledger/program"
	"github.com/doomscroll/backend/indexer/pkg/mirror"
	"github.com/doomscroll/backend/indexer/pkg/resolver"
	"github.com/doomscroll/backend/indexer/pkg/store"
	"github.com/doomscroll/backend/indexer/pkg/store/storetest"
	"github.com/doomscroll/backend/indexer/pkg/usage"
	doomtesting "github.com/doomscroll/backend/utils/pkg/testing"
)

const (
	adminKey  = "test-admin-key"
	startUnix = 1_700_000_000
	endUnix   = startUnix + 7*24*3600
)

type apiEnv struct {
	router http.Handler
	ledger *ledgertest.Ledger
	store  *store.Store
	mirror *mirror.View
	clock  *clockwork.FakeClock

	addr solana.PublicKey
	id   int64
	user solana.PrivateKey
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	ctx := t.Context()
	log := doomtesting.NewLogger()

	s := storetest.New(t, sharedDB)
	ledger := ledgertest.New()
	clock := clockwork.NewFakeClockAt(time.Unix(startUnix, 0).Add(time.Hour))

	m, err := mirror.NewView(mirror.ViewConfig{
		Logger:           log,
		Clock:            clock,
		Ledger:           ledger,
		Store:            s,
		RefreshInterval:  time.Minute,
		DisableDiscovery: true,
	})
	require.NoError(t, err)

	u, err := usage.New(usage.Config{Logger: log, Clock: clock, Store: s})
	require.NoError(t, err)
	r, err := resolver.New(resolver.Config{Logger: log, Store: s})
	require.NoError(t, err)

	queryLimiter := handlers.NewRateLimiter(rate.Inf, 1)
	reportLimiter := handlers.NewRateLimiter(rate.Inf, 1)
	t.Cleanup(queryLimiter.Close)
	t.Cleanup(reportLimiter.Close)

	api, err := handlers.New(handlers.Config{
		Logger:        log,
		Clock:         clock,
		Store:         s,
		Usage:         u,
		Resolver:      r,
		Syncer:        m,
		Counter:       ledger,
		AdminKey:      adminKey,
		QueryLimiter:  queryLimiter,
		ReportLimiter: reportLimiter,
	})
	require.NoError(t, err)
	router := chi.NewRouter()
	api.Routes(router)

	addr, seq := ledger.AddChallenge(program.Challenge{
		EntryFee:      100,
		DoomThreshold: 60,
		StartTime:     startUnix,
		EndTime:       endUnix,
		Status:        program.StatusActive,
	})
	user := solana.NewWallet().PrivateKey
	ledger.AddParticipantFor(addr, user.PublicKey(), 100, false)
	ledger.AddParticipant(addr, 100, false)
	_, err = m.Sync(ctx, addr, seq)
	require.NoError(t, err)

	return &apiEnv{
		router: router,
		ledger: ledger,
		store:  s,
		mirror: m,
		clock:  clock,
		addr:   addr,
		id:     int64(seq),
		user:   user,
	}
}

func (e *apiEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *apiEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, httptest.NewRequest(http.MethodGet, path, nil))
}

// signedReport builds an authenticated report request signed by key at the
// env clock's current time.
func (e *apiEnv) signedReport(t *testing.T, key solana.PrivateKey, body any) *http.Request {
	t.Helper()
	return e.signed(t, key, http.MethodPost, "/api/usage/report", body)
}

// signed builds a request carrying wallet auth headers for key. A nil body
// sends no payload.
func (e *apiEnv) signed(t *testing.T, key solana.PrivateKey, method, path string, body any) *http.Request {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}

	wallet := key.PublicKey().String()
	ts := e.clock.Now().UnixMilli()
	msg := handlers.BuildAuthMessage(wallet, ts)
	sig, err := key.Sign([]byte(msg))
	require.NoError(t, err)

	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(handlers.HeaderWallet, wallet)
	req.Header.Set(handlers.HeaderSignature, base64.StdEncoding.EncodeToString(sig[:]))
	req.Header.Set(handlers.HeaderMessage, base64.StdEncoding.EncodeToString([]byte(msg)))
	req.Header.Set(handlers.HeaderTimestamp, strconv.FormatInt(ts, 10))
	return req
}

func (e *apiEnv) reportBody(minutes int64) map[string]any {
	return map[string]any{
		"challenge_id": e.id,
		"minutes":      minutes,
		"timestamp":    e.clock.Now().UnixMilli(),
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func TestAPI_Config_Validate(t *testing.T) {
	t.Parallel()

	_, err := handlers.New(handlers.Config{})
	require.EqualError(t, err, "logger is required")
}

func TestAPI_Challenges(t *testing.T) {
	t.Parallel()
	e := newAPIEnv(t)

	t.Run("list", func(t *testing.T) {
		rec := e.get(t, "/api/challenges")
		require.Equal(t, http.StatusOK, rec.Code)
		page := decode[handlers.PaginatedResponse[handlers.ChallengeResponse]](t, rec)
		require.Equal(t, 1, page.Total)
		require.Len(t, page.Items, 1)
		require.Equal(t, "active", page.Items[0].Status)
		require.Equal(t, int64(200), page.Items[0].TotalPool)
		require.Equal(t, int32(2), page.Items[0].ParticipantCount)
	})

	t.Run("list filtered by status", func(t *testing.T) {
		rec := e.get(t, "/api/challenges?status=ended")
		require.Equal(t, http.StatusOK, rec.Code)
		page := decode[handlers.PaginatedResponse[handlers.ChallengeResponse]](t, rec)
		require.Zero(t, page.Total)
		require.Empty(t, page.Items)
	})

	t.Run("bad query parameters", func(t *testing.T) {
		require.Equal(t, http.StatusBadRequest, e.get(t, "/api/challenges?status=open").Code)
		require.Equal(t, http.StatusBadRequest, e.get(t, "/api/challenges?limit=abc").Code)
		require.Equal(t, http.StatusBadRequest, e.get(t, "/api/challenges?offset=-1").Code)
	})

	t.Run("detail", func(t *testing.T) {
		rec := e.get(t, fmt.Sprintf("/api/challenges/%d", e.id))
		require.Equal(t, http.StatusOK, rec.Code)
		c := decode[handlers.ChallengeResponse](t, rec)
		require.Equal(t, e.addr.String(), c.Address)
		require.Equal(t, int64(60), c.ThresholdMinutes)
		require.True(t, time.Unix(endUnix, 0).Equal(c.EndTime))
		require.Nil(t, c.DistributionTx)
	})

	t.Run("detail not found", func(t *testing.T) {
		require.Equal(t, http.StatusNotFound, e.get(t, "/api/challenges/999").Code)
		require.Equal(t, http.StatusBadRequest, e.get(t, "/api/challenges/abc").Code)
	})

	t.Run("participants", func(t *testing.T) {
		rec := e.get(t, fmt.Sprintf("/api/challenges/%d/participants", e.id))
		require.Equal(t, http.StatusOK, rec.Code)
		ps := decode[[]handlers.ParticipantResponse](t, rec)
		require.Len(t, ps, 2)
		require.Equal(t, http.StatusNotFound, e.get(t, "/api/challenges/999/participants").Code)
	})
}

func TestAPI_UsageReport(t *testing.T) {
	t.Parallel()

	t.Run("accepts signed report and aggregates", func(t *testing.T) {
		t.Parallel()
		e := newAPIEnv(t)

		rec := e.do(t, e.signedReport(t, e.user, e.reportBody(25)))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		resp := decode[handlers.UsageReportResponse](t, rec)
		require.Equal(t, int32(25), resp.Report.Minutes)
		require.Equal(t, int64(25), resp.TotalMinutes)

		body := e.reportBody(10)
		body["breakdown"] = map[string]int64{"tiktok": 10}
		rec = e.do(t, e.signedReport(t, e.user, body))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		require.Equal(t, int64(35), decode[handlers.UsageReportResponse](t, rec).TotalMinutes)

		wallet := e.user.PublicKey().String()
		rec = e.get(t, fmt.Sprintf("/api/users/%s/challenges/%d/usage", wallet, e.id))
		require.Equal(t, http.StatusOK, rec.Code)
		u := decode[handlers.UserUsageResponse](t, rec)
		require.Equal(t, int64(35), u.TotalMinutes)
		require.Len(t, u.Reports, 2)

		rec = e.get(t, fmt.Sprintf("/api/users/%s/challenges", wallet))
		require.Equal(t, http.StatusOK, rec.Code)
		cs := decode[[]handlers.UserChallengeResponse](t, rec)
		require.Len(t, cs, 1)
		require.Equal(t, int64(35), cs[0].TotalMinutes)
		require.True(t, cs[0].UnderLimit)

		rec = e.get(t, fmt.Sprintf("/api/challenges/%d/leaderboard", e.id))
		require.Equal(t, http.StatusOK, rec.Code)
		lb := decode[handlers.LeaderboardResponse](t, rec)
		require.Len(t, lb.Standings, 2)
		require.Equal(t, wallet, lb.Standings[0].Wallet)
		require.Equal(t, 1, lb.Standings[0].Rank)
		require.True(t, lb.Standings[0].Qualifies)
		require.False(t, lb.Standings[1].Qualifies, "participants without reports do not qualify")
	})

	t.Run("authentication failures", func(t *testing.T) {
		t.Parallel()
		e := newAPIEnv(t)

		tests := []struct {
			name   string
			mutate func(r *http.Request)
		}{
			{"missing headers", func(r *http.Request) { r.Header.Del(handlers.HeaderSignature) }},
			{"bad message encoding", func(r *http.Request) { r.Header.Set(handlers.HeaderMessage, "%%%") }},
			{"stale timestamp", func(r *http.Request) {
				r.Header.Set(handlers.HeaderTimestamp, strconv.FormatInt(e.clock.Now().Add(-5*time.Minute).UnixMilli(), 10))
			}},
			{"wrong wallet", func(r *http.Request) {
				r.Header.Set(handlers.HeaderWallet, solana.NewWallet().PublicKey().String())
			}},
			{"bad signature", func(r *http.Request) {
				other := solana.NewWallet().PrivateKey
				sig, _ := other.Sign([]byte("something else"))
				r.Header.Set(handlers.HeaderSignature, base64.StdEncoding.EncodeToString(sig[:]))
			}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				req := e.signedReport(t, e.user, e.reportBody(5))
				tt.mutate(req)
				rec := e.do(t, req)
				require.Equal(t, http.StatusUnauthorized, rec.Code, rec.Body.String())
			})
		}

		total, err := e.store.SumUsage(t.Context(), e.user.PublicKey().String(), e.id)
		require.NoError(t, err)
		require.Zero(t, total)
	})

	t.Run("error mapping", func(t *testing.T) {
		t.Parallel()
		e := newAPIEnv(t)

		rec := e.do(t, e.signedReport(t, e.user, e.reportBody(-1)))
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Equal(t, "minutes", decode[handlers.ErrorResponse](t, rec).Field)

		rec = e.do(t, e.signedReport(t, e.user, map[string]any{"challenge_id": e.id, "timestamp": e.clock.Now().UnixMilli()}))
		require.Equal(t, http.StatusBadRequest, rec.Code)

		rec = e.do(t, e.signedReport(t, e.user, map[string]any{"challenge_id": e.id, "minutes": 1, "extra": true}))
		require.Equal(t, http.StatusBadRequest, rec.Code)

		rec = e.do(t, e.signedReport(t, solana.NewWallet().PrivateKey, e.reportBody(5)))
		require.Equal(t, http.StatusNotFound, rec.Code)

		unknown := e.reportBody(5)
		unknown["challenge_id"] = e.id + 1000
		rec = e.do(t, e.signedReport(t, e.user, unknown))
		require.Equal(t, http.StatusNotFound, rec.Code)
		require.Equal(t, "participant_not_found", decode[handlers.ErrorResponse](t, rec).Error)

		body := e.reportBody(5)
		body["timestamp"] = time.Unix(startUnix, 0).Add(-time.Minute).UnixMilli()
		rec = e.do(t, e.signedReport(t, e.user, body))
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

		require.NoError(t, e.store.TransitionStatus(t.Context(), e.id, store.StatusActive, store.StatusEnded))
		rec = e.do(t, e.signedReport(t, e.user, e.reportBody(5)))
		require.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestAPI_Users_InvalidWallet(t *testing.T) {
	t.Parallel()
	e := newAPIEnv(t)

	require.Equal(t, http.StatusBadRequest, e.get(t, "/api/users/not-a-wallet/challenges").Code)

	rec := e.get(t, fmt.Sprintf("/api/users/%s/challenges", solana.NewWallet().PublicKey()))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, decode[[]handlers.UserChallengeResponse](t, rec))
}

func TestAPI_Admin(t *testing.T) {
	t.Parallel()
	e := newAPIEnv(t)

	adminReq := func(method, path, key string) *http.Request {
		req := httptest.NewRequest(method, path, nil)
		if key != "" {
			req.Header.Set(handlers.HeaderAdminKey, key)
		}
		return req
	}
	syncPath := fmt.Sprintf("/api/admin/challenges/%d/sync", e.id)

	require.Equal(t, http.StatusUnauthorized, e.do(t, adminReq(http.MethodPost, syncPath, "")).Code)
	require.Equal(t, http.StatusForbidden, e.do(t, adminReq(http.MethodPost, syncPath, "wrong")).Code)

	t.Run("sync picks up ledger status", func(t *testing.T) {
		e.ledger.SetStatus(e.addr, program.StatusEnded)
		rec := e.do(t, adminReq(http.MethodPost, syncPath, adminKey))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.Equal(t, "ended", decode[handlers.SyncResponse](t, rec).Challenge.Status)

		c, err := e.store.GetChallenge(t.Context(), e.id)
		require.NoError(t, err)
		require.Equal(t, store.StatusEnded, c.Status)
	})

	t.Run("sync unknown challenge", func(t *testing.T) {
		rec := e.do(t, adminReq(http.MethodPost, "/api/admin/challenges/42/sync", adminKey))
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("sync unmirrored challenge by creator", func(t *testing.T) {
		creator := solana.NewWallet().PublicKey()
		_, seq := e.ledger.AddChallenge(program.Challenge{
			Creator:       creator,
			EntryFee:      50,
			DoomThreshold: 30,
			StartTime:     startUnix,
			EndTime:       endUnix,
		})
		path := fmt.Sprintf("/api/admin/challenges/%d/sync?creator=%s", seq, creator)
		rec := e.do(t, adminReq(http.MethodPost, path, adminKey))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		require.Equal(t, int64(seq), decode[handlers.SyncResponse](t, rec).Challenge.ID)
	})

	t.Run("ledger count", func(t *testing.T) {
		rec := e.do(t, adminReq(http.MethodGet, "/api/admin/ledger/count", adminKey))
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[handlers.LedgerCountResponse](t, rec)
		require.Equal(t, uint64(2), resp.ChallengeCount)
		require.Equal(t, resp.ChallengeCount, resp.NextChallengeID)
	})
}
