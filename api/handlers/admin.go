package handlers

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/gagliardetto/solana-go"

	"github.com/doomscroll/backend/api/metrics"
	"github.com/doomscroll/backend/indexer/pkg/ledger/gateway"
	"github.com/doomscroll/backend/indexer/pkg/store"
)

const HeaderAdminKey = "X-Admin-Key"

// AdminAuth requires the configured admin key: 401 when missing, 403 when
// wrong.
func (a *API) AdminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderAdminKey)
		if key == "" {
			metrics.RecordAuthFailure("admin", "missing")
			writeError(w, http.StatusUnauthorized, "unauthorized", "Please provide x-admin-key header")
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(a.cfg.AdminKey)) != 1 {
			metrics.RecordAuthFailure("admin", "invalid")
			writeError(w, http.StatusForbidden, "forbidden", "Invalid admin key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type SyncResponse struct {
	Challenge ChallengeResponse `json:"challenge"`
}

type LedgerCountResponse struct {
	ChallengeCount  uint64 `json:"challenge_count"`
	NextChallengeID uint64 `json:"next_challenge_id"`
}

// SyncChallenge re-syncs a challenge and its participants from the ledger.
// A challenge that is not mirrored yet needs its creator in the creator query
// parameter to derive the address.
func (a *API) SyncChallenge(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id", "Invalid challenge ID")
		return
	}

	ctx := r.Context()
	var (
		c   *store.Challenge
		err error
	)
	if creator := r.URL.Query().Get("creator"); creator != "" {
		pk, perr := solana.PublicKeyFromBase58(creator)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "invalid_creator", "Invalid creator address")
			return
		}
		c, err = a.cfg.Syncer.SyncByCreator(ctx, pk, uint64(id))
	} else {
		c, err = a.cfg.Syncer.SyncByID(ctx, id)
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Challenge not found in database. Creator info needed.")
		return
	case errors.Is(err, gateway.ErrTransient):
		a.log.Warn("api: ledger unavailable during sync", "challenge_id", id, "error", err)
		writeError(w, http.StatusBadGateway, "ledger_unavailable", "Ledger temporarily unavailable")
		return
	case err != nil:
		a.writeStoreError(w, r, err)
		return
	case c == nil:
		writeError(w, http.StatusNotFound, "not_found", "Challenge not found on ledger")
		return
	}

	a.log.Info("api: challenge synced by admin", "challenge_id", id, "status", c.Status.String())
	writeJSON(w, http.StatusOK, SyncResponse{Challenge: toChallengeResponse(*c)})
}

func (a *API) GetLedgerCount(w http.ResponseWriter, r *http.Request) {
	count, err := a.cfg.Counter.FetchChallengeCount(r.Context())
	if err != nil {
		a.log.Warn("api: failed to fetch challenge count", "error", err)
		writeError(w, http.StatusBadGateway, "ledger_unavailable", "Failed to fetch challenge count")
		return
	}
	writeJSON(w, http.StatusOK, LedgerCountResponse{ChallengeCount: count, NextChallengeID: count})
}
