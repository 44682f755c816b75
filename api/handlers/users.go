package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/doomscroll/backend/indexer/pkg/store"
)

type UserChallengeResponse struct {
	Challenge    ChallengeResponse `json:"challenge"`
	Deposited    int64             `json:"deposited"`
	Disqualified bool              `json:"disqualified"`
	TotalMinutes int64             `json:"total_minutes"`
	ReportCount  int64             `json:"report_count"`
	UnderLimit   bool              `json:"under_limit"`
}

type ReportResponse struct {
	ID         uuid.UUID        `json:"id"`
	Minutes    int32            `json:"minutes"`
	Breakdown  map[string]int32 `json:"breakdown,omitempty"`
	ReportedAt time.Time        `json:"reported_at"`
	CreatedAt  time.Time        `json:"created_at"`
}

type UserUsageResponse struct {
	Wallet           string           `json:"wallet"`
	ChallengeID      int64            `json:"challenge_id"`
	ThresholdMinutes int64            `json:"threshold_minutes"`
	TotalMinutes     int64            `json:"total_minutes"`
	Reports          []ReportResponse `json:"reports"`
}

func toReportResponse(r store.UsageReport) ReportResponse {
	return ReportResponse{
		ID:         r.ID,
		Minutes:    r.Minutes,
		Breakdown:  r.Breakdown,
		ReportedAt: r.ReportedAt.UTC(),
		CreatedAt:  r.CreatedAt.UTC(),
	}
}

// GetUserChallenges lists every challenge the wallet joined with its usage
// so far.
func (a *API) GetUserChallenges(w http.ResponseWriter, r *http.Request) {
	wallet, ok := parseWallet(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_wallet", "Invalid wallet address")
		return
	}

	rows, err := read(r.Context(), a, func() ([]store.ChallengeUsage, error) {
		return a.cfg.Usage.AllChallengesFor(r.Context(), wallet)
	})
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}

	out := make([]UserChallengeResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, UserChallengeResponse{
			Challenge:    toChallengeResponse(row.Challenge),
			Deposited:    row.Deposited,
			Disqualified: row.Disqualified,
			TotalMinutes: row.TotalMinutes,
			ReportCount:  row.ReportCount,
			UnderLimit:   row.TotalMinutes < row.Challenge.ThresholdMinutes,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) GetUserUsage(w http.ResponseWriter, r *http.Request) {
	wallet, ok := parseWallet(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_wallet", "Invalid wallet address")
		return
	}
	id, ok := parseID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id", "Invalid challenge ID")
		return
	}

	ctx := r.Context()
	c, err := a.cfg.Store.GetChallenge(ctx, id)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}

	type result struct {
		reports []store.UsageReport
		total   int64
	}
	res, err := read(ctx, a, func() (result, error) {
		reports, total, err := a.cfg.Usage.Reports(ctx, wallet, id)
		return result{reports, total}, err
	})
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}

	resp := UserUsageResponse{
		Wallet:           wallet,
		ChallengeID:      id,
		ThresholdMinutes: c.ThresholdMinutes,
		TotalMinutes:     res.total,
		Reports:          make([]ReportResponse, 0, len(res.reports)),
	}
	for _, rep := range res.reports {
		resp.Reports = append(resp.Reports, toReportResponse(rep))
	}
	writeJSON(w, http.StatusOK, resp)
}
