package handlers

import (
	"net/http"
	"time"

	"github.com/doomscroll/backend/indexer/pkg/resolver"
	"github.com/doomscroll/backend/indexer/pkg/store"
)

type ChallengeResponse struct {
	ID               int64      `json:"id"`
	Address          string     `json:"address"`
	Creator          string     `json:"creator"`
	Verifier         string     `json:"verifier"`
	EntryFee         int64      `json:"entry_fee"`
	ThresholdMinutes int64      `json:"threshold_minutes"`
	StartTime        time.Time  `json:"start_time"`
	EndTime          time.Time  `json:"end_time"`
	Status           string     `json:"status"`
	ParticipantCount int32      `json:"participant_count"`
	TotalPool        int64      `json:"total_pool"`
	DistributionTx   *string    `json:"distribution_tx,omitempty"`
	DistributedAt    *time.Time `json:"distributed_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func toChallengeResponse(c store.Challenge) ChallengeResponse {
	resp := ChallengeResponse{
		ID:               c.ID,
		Address:          c.Address,
		Creator:          c.Creator,
		Verifier:         c.Verifier,
		EntryFee:         c.EntryFee,
		ThresholdMinutes: c.ThresholdMinutes,
		StartTime:        c.StartTime.UTC(),
		EndTime:          c.EndTime.UTC(),
		Status:           c.Status.String(),
		ParticipantCount: c.ParticipantCount,
		TotalPool:        c.TotalPool,
		DistributionTx:   c.DistributionTx,
		UpdatedAt:        c.UpdatedAt.UTC(),
	}
	if c.DistributedAt != nil {
		t := c.DistributedAt.UTC()
		resp.DistributedAt = &t
	}
	return resp
}

type ParticipantResponse struct {
	Wallet       string    `json:"wallet"`
	Address      string    `json:"address"`
	Deposited    int64     `json:"deposited"`
	JoinedAt     time.Time `json:"joined_at"`
	Disqualified bool      `json:"disqualified"`
}

type StandingResponse struct {
	Rank         int    `json:"rank"`
	Wallet       string `json:"wallet"`
	TotalMinutes int64  `json:"total_minutes"`
	ReportCount  int64  `json:"report_count"`
	Disqualified bool   `json:"disqualified"`
	Qualifies    bool   `json:"qualifies"`
}

type LeaderboardResponse struct {
	ChallengeID      int64              `json:"challenge_id"`
	ThresholdMinutes int64              `json:"threshold_minutes"`
	Status           string             `json:"status"`
	Standings        []StandingResponse `json:"standings"`
}

// ListChallenges returns a page of challenges, newest first. An optional
// status query parameter filters by lifecycle status.
func (a *API) ListChallenges(w http.ResponseWriter, r *http.Request) {
	page, err := ParsePagination(r, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_pagination", err.Error())
		return
	}

	params := store.ListChallengesParams{Limit: page.Limit, Offset: page.Offset}
	if s := r.URL.Query().Get("status"); s != "" {
		status, err := store.ParseStatus(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_status", err.Error())
			return
		}
		params.Status = &status
	}

	type result struct {
		items []store.Challenge
		total int
	}
	res, err := read(r.Context(), a, func() (result, error) {
		items, total, err := a.cfg.Store.ListChallenges(r.Context(), params)
		return result{items, total}, err
	})
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}

	items := make([]ChallengeResponse, 0, len(res.items))
	for _, c := range res.items {
		items = append(items, toChallengeResponse(c))
	}
	writeJSON(w, http.StatusOK, PaginatedResponse[ChallengeResponse]{
		Items:  items,
		Total:  res.total,
		Limit:  page.Limit,
		Offset: page.Offset,
	})
}

func (a *API) GetChallenge(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id", "Invalid challenge ID")
		return
	}

	c, err := read(r.Context(), a, func() (*store.Challenge, error) {
		return a.cfg.Store.GetChallenge(r.Context(), id)
	})
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toChallengeResponse(*c))
}

func (a *API) ListParticipants(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id", "Invalid challenge ID")
		return
	}

	ctx := r.Context()
	if _, err := a.cfg.Store.GetChallenge(ctx, id); err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	participants, err := read(ctx, a, func() ([]store.Participant, error) {
		return a.cfg.Store.ListParticipants(ctx, id)
	})
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}

	out := make([]ParticipantResponse, 0, len(participants))
	for _, p := range participants {
		out = append(out, ParticipantResponse{
			Wallet:       p.Wallet,
			Address:      p.Address,
			Deposited:    p.Deposited,
			JoinedAt:     p.JoinedAt.UTC(),
			Disqualified: p.Disqualified,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetLeaderboard ranks participants by ascending usage. It reflects the last
// mirrored status and is informational; winners are decided at distribution.
func (a *API) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
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
	standings, err := read(ctx, a, func() ([]resolver.Standing, error) {
		return a.cfg.Resolver.Leaderboard(ctx, id)
	})
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}

	resp := LeaderboardResponse{
		ChallengeID:      c.ID,
		ThresholdMinutes: c.ThresholdMinutes,
		Status:           c.Status.String(),
		Standings:        make([]StandingResponse, 0, len(standings)),
	}
	for i, s := range standings {
		resp.Standings = append(resp.Standings, StandingResponse{
			Rank:         i + 1,
			Wallet:       s.Wallet,
			TotalMinutes: s.TotalMinutes,
			ReportCount:  s.ReportCount,
			Disqualified: s.Disqualified,
			Qualifies:    s.Qualifies,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
