package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/doomscroll/backend/indexer/pkg/usage"
)

// UsageReportRequest is the body of POST /api/usage/report. Timestamp is the
// client's report time in unix milliseconds.
type UsageReportRequest struct {
	ChallengeID *int64           `json:"challenge_id"`
	Minutes     *int64           `json:"minutes"`
	Breakdown   map[string]int64 `json:"breakdown,omitempty"`
	Timestamp   int64            `json:"timestamp"`
}

type UsageReportResponse struct {
	Report       ReportResponse `json:"report"`
	TotalMinutes int64          `json:"total_minutes"`
}

const maxReportBody = 16 << 10

// PostUsageReport records a usage report for the authenticated wallet.
func (a *API) PostUsageReport(w http.ResponseWriter, r *http.Request) {
	wallet, ok := WalletFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "wallet authentication required")
		return
	}

	var req UsageReportRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxReportBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}
	if req.ChallengeID == nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation", Field: "challenge_id", Message: "is required"})
		return
	}
	if req.Minutes == nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation", Field: "minutes", Message: "is required"})
		return
	}

	var reportedAt time.Time
	if req.Timestamp > 0 {
		reportedAt = time.UnixMilli(req.Timestamp).UTC()
	}

	ctx := r.Context()
	report, err := a.cfg.Usage.Submit(ctx, usage.Submission{
		Wallet:      wallet,
		ChallengeID: *req.ChallengeID,
		Minutes:     *req.Minutes,
		Breakdown:   req.Breakdown,
		ReportedAt:  reportedAt,
	})
	if err != nil {
		a.writeSubmitError(w, r, err)
		return
	}

	total, err := a.cfg.Usage.Aggregate(ctx, wallet, *req.ChallengeID)
	if err != nil {
		// The report is stored; only the convenience total is missing.
		a.log.Warn("api: failed to aggregate usage after report", "wallet", wallet, "error", err)
		total = -1
	}

	writeJSON(w, http.StatusCreated, UsageReportResponse{
		Report:       toReportResponse(*report),
		TotalMinutes: total,
	})
}

func (a *API) writeSubmitError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *usage.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation", Field: verr.Field, Message: verr.Reason})
	case errors.Is(err, usage.ErrParticipantNotFound):
		writeError(w, http.StatusNotFound, "participant_not_found", err.Error())
	case errors.Is(err, usage.ErrChallengeNotActive):
		writeError(w, http.StatusConflict, "challenge_not_active", err.Error())
	case errors.Is(err, usage.ErrOutOfWindow):
		writeError(w, http.StatusUnprocessableEntity, "out_of_window", err.Error())
	default:
		a.writeStoreError(w, r, err)
	}
}
