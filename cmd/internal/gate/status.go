package gate

import (
	"net/http"
	"strconv"
	"time"

	"claimgate/cmd/internal/authz"
)

// StatusFor maps an outcome code to its HTTP status.
func StatusFor(code authz.Code) int {
	switch {
	case code.IsMinTime():
		return http.StatusTooManyRequests
	case code.IsRequestShape():
		return http.StatusBadRequest
	default:
		return http.StatusForbidden
	}
}

// writeRefusal writes a refused authorization. Min-time refusals carry
// Retry-After and remaining_seconds.
func writeRefusal(w http.ResponseWriter, code authz.Code, remaining time.Duration) {
	status := StatusFor(code)
	body := refusalResponse{OK: false, Error: apiError{Code: string(code), Message: refusalMessage(code)}}
	if code.IsMinTime() {
		secs := authz.RemainingSeconds(remaining)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		body.RemainingSeconds = &secs
	}
	writeJSON(w, status, body)
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if secs := authz.RemainingSeconds(retryAfter); secs > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
}

func refusalMessage(code authz.Code) string {
	switch {
	case code.IsMinTime():
		return "minimum time has not elapsed"
	case code.IsRequestShape():
		return "invalid request"
	default:
		return "not authorized"
	}
}
