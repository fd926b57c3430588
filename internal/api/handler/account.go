package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tasktrust/escrow-ledger/internal/ledger"
)

// AccountHandler reads the wallet ledger adapter's view of an account.
// The wallet system itself is external; this is a convenience read only.
type AccountHandler struct {
	ledger ledger.Ledger
}

func NewAccountHandler(lg ledger.Ledger) *AccountHandler {
	return &AccountHandler{ledger: lg}
}

func (h *AccountHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	actor, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/invalid-context", err.Error())
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "account/validation", "invalid account id")
		return
	}
	if id != actor {
		RespondError(w, r, http.StatusForbidden, "account/forbidden", "may only read your own balance")
		return
	}

	info, err := h.ledger.Lookup(r.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			RespondError(w, r, http.StatusNotFound, "account/not-found", "account not found")
			return
		}
		RespondError(w, r, http.StatusServiceUnavailable, "account/retryable-failure", "ledger unavailable")
		return
	}
	RespondJSON(w, http.StatusOK, info)
}
