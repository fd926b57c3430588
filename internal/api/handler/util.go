package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/tasktrust/escrow-ledger/internal/api/middleware"
	"github.com/tasktrust/escrow-ledger/internal/api/problem"
	"github.com/tasktrust/escrow-ledger/internal/escrow"
)

// RespondJSON writes a JSON response.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// RespondError writes an error response.
func RespondError(w http.ResponseWriter, r *http.Request, status int, problemType, message string) {
	if problemType != "" && problemType != "about:blank" && !strings.HasPrefix(problemType, "http") {
		problemType = problem.Type(problemType)
	}
	problem.Write(w, r, status, problemType, http.StatusText(status), message)
}

func requestActor(r *http.Request) (uuid.UUID, error) {
	accountID := middleware.AccountIDFromContext(r.Context())
	if accountID == "" {
		return uuid.Nil, errors.New("missing account in auth context")
	}
	actor, err := uuid.Parse(accountID)
	if err != nil {
		return uuid.Nil, errors.New("invalid account_id in auth context")
	}
	return actor, nil
}

// respondEscrowError maps the typed escrow error kinds to HTTP status
// codes. Operational incidents surface as a generic retryable failure —
// their detail lives in the logs, not the response.
func respondEscrowError(w http.ResponseWriter, r *http.Request, err error) {
	var e *escrow.Error
	if !errors.As(err, &e) {
		RespondError(w, r, http.StatusInternalServerError, "internal-server-error", "unexpected error")
		return
	}
	if !e.Expected() {
		RespondError(w, r, http.StatusServiceUnavailable, "escrow/retryable-failure",
			"operation could not be completed, retry with the same idempotency key")
		return
	}
	switch e.Kind {
	case escrow.KindValidation:
		RespondError(w, r, http.StatusBadRequest, "escrow/validation", e.Message)
	case escrow.KindNotFound:
		RespondError(w, r, http.StatusNotFound, "escrow/not-found", e.Message)
	case escrow.KindForbidden:
		RespondError(w, r, http.StatusForbidden, "escrow/forbidden", e.Message)
	case escrow.KindInvalidState:
		RespondError(w, r, http.StatusConflict, "escrow/invalid-state", e.Message)
	case escrow.KindInsufficientFunds:
		RespondError(w, r, http.StatusPaymentRequired, "escrow/insufficient-funds", e.Message)
	default:
		RespondError(w, r, http.StatusInternalServerError, "internal-server-error", "unexpected error")
	}
}
