package api

import (
	"errors"
	"net/http"

	"BatchSettle/internal/ledger"
)

type errorBody struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Detail any    `json:"detail,omitempty"`
}

type tooEarlyDetail struct {
	Batch            string `json:"batch"`
	RemainingSeconds int64  `json:"remaining_seconds"`
	ThresholdGap     string `json:"threshold_gap"`
}

var statusByKind = map[string]int{
	"paused":              http.StatusConflict,
	"already_processed":   http.StatusConflict,
	"not_yet_claimable":   http.StatusConflict,
	"empty_batch":         http.StatusConflict,
	"unauthorized":        http.StatusForbidden,
	"too_early":           http.StatusTooEarly,
	"batch_not_found":     http.StatusNotFound,
	"transfer_failed":     http.StatusBadGateway,
	"conversion_failed":   http.StatusBadGateway,
	"insufficient_shares": http.StatusBadRequest,
	"insufficient_funds":  http.StatusBadRequest,
	"no_claim":            http.StatusBadRequest,
	"wrong_batch_kind":    http.StatusBadRequest,
	"length_mismatch":     http.StatusBadRequest,
	"zero_amount":         http.StatusBadRequest,
	"invalid_kind":        http.StatusBadRequest,
	"invalid_param":       http.StatusBadRequest,
	"overflow":            http.StatusBadRequest,
	"staking_unavailable": http.StatusNotImplemented,
}

// statusFor maps a ledger error to its HTTP status.
func statusFor(err error) int {
	if s, ok := statusByKind[ledger.ErrorKind(err)]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error(), Kind: ledger.ErrorKind(err)}
	var early *ledger.TooEarlyError
	if errors.As(err, &early) {
		body.Detail = tooEarlyDetail{
			Batch:            early.Batch.String(),
			RemainingSeconds: int64(early.Remaining.Seconds()),
			ThresholdGap:     early.ThresholdGap.String(),
		}
	}
	writeJSON(w, statusFor(err), body)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Kind: "bad_request"})
}
