package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/DouglasBagambe/warlnest-starknet/fault"
)

type errorPayload struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// statusFor maps a fault kind to an HTTP status. Uncertain outcomes map to
// 504 so clients know to re-read rather than blindly resubmit.
func statusFor(err error) int {
	if errors.Is(err, ErrIdempotencyMismatch) || errors.Is(err, ErrRequestInFlight) {
		return http.StatusConflict
	}
	if fault.IsUncertain(err) {
		return http.StatusGatewayTimeout
	}
	switch fault.KindOf(err) {
	case fault.KindValidation, fault.KindInvalidRating, fault.KindEncoding, fault.KindOverflow:
		return http.StatusBadRequest
	case fault.KindPrecondition, fault.KindNotTokenized:
		return http.StatusConflict
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindSubmission:
		return http.StatusBadGateway
	case fault.KindFinality:
		return http.StatusGatewayTimeout
	case fault.KindRead:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) []byte {
	status := statusFor(err)
	kind := string(fault.KindOf(err))
	if kind == "" {
		kind = "internal"
	}
	if errors.Is(err, ErrIdempotencyMismatch) {
		kind = "idempotency_mismatch"
	}
	if errors.Is(err, ErrRequestInFlight) {
		kind = "request_in_flight"
	}
	payload, _ := json.Marshal(errorPayload{Error: errorBody{Kind: kind, Message: err.Error()}})
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusGatewayTimeout {
		w.Header().Set("Retry-After", "5")
	}
	w.WriteHeader(status)
	_, _ = w.Write(payload)
	return payload
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		return writeError(w, err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
	return payload
}
