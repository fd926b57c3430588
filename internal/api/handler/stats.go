package handler

import (
	"net/http"

	"github.com/tasktrust/escrow-ledger/internal/escrow"
)

// StatsHandler exposes the public aggregate counters.
type StatsHandler struct {
	svc *escrow.Service
}

func NewStatsHandler(svc *escrow.Service) *StatsHandler {
	return &StatsHandler{svc: svc}
}

func (h *StatsHandler) Get(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.PublicStats(r.Context())
	if err != nil {
		respondEscrowError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, stats)
}
