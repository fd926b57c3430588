package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tasktrust/escrow-ledger/internal/escrow"
	"github.com/tasktrust/escrow-ledger/internal/models"
)

// EscrowHandler renders the escrow core's operations over HTTP. It is a
// thin shim: all validation and invariants live in the service.
type EscrowHandler struct {
	svc *escrow.Service
}

func NewEscrowHandler(svc *escrow.Service) *EscrowHandler {
	return &EscrowHandler{svc: svc}
}

type createEscrowRequest struct {
	Counterparty string `json:"counterparty"`
	AmountMicros int64  `json:"amount_micros"`
	Description  string `json:"description"`
	TimeoutHours int    `json:"timeout_hours"`
	ReferralCode string `json:"referral_code,omitempty"`
}

func (h *EscrowHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/invalid-context", err.Error())
		return
	}

	var req createEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "invalid request body")
		return
	}
	counterparty, err := uuid.Parse(req.Counterparty)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "escrow/validation", "invalid counterparty")
		return
	}

	e, err := h.svc.Create(r.Context(), escrow.CreateRequest{
		Creator:      actor,
		Counterparty: counterparty,
		AmountMicros: req.AmountMicros,
		Description:  req.Description,
		TimeoutHours: req.TimeoutHours,
		ReferralCode: req.ReferralCode,
	})
	if err != nil {
		respondEscrowError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusCreated, e)
}

func (h *EscrowHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "escrow/validation", "invalid escrow id")
		return
	}
	e, err := h.svc.Get(r.Context(), id)
	if err != nil {
		respondEscrowError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, e)
}

func (h *EscrowHandler) Events(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "escrow/validation", "invalid escrow id")
		return
	}
	events, err := h.svc.Events(r.Context(), id)
	if err != nil {
		respondEscrowError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, events)
}

func (h *EscrowHandler) MarkComplete(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.MarkComplete)
}

func (h *EscrowHandler) Release(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Release)
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

func (h *EscrowHandler) Dispute(w http.ResponseWriter, r *http.Request) {
	actor, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/invalid-context", err.Error())
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "escrow/validation", "invalid escrow id")
		return
	}
	var req disputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "invalid request body")
		return
	}

	e, err := h.svc.Dispute(r.Context(), id, actor, req.Reason)
	if err != nil {
		respondEscrowError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, e)
}

// transition factors the shared id/actor plumbing for the two
// body-less transition endpoints.
func (h *EscrowHandler) transition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id, actor uuid.UUID) (*models.Escrow, error)) {
	actor, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/invalid-context", err.Error())
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "escrow/validation", "invalid escrow id")
		return
	}

	e, err := op(r.Context(), id, actor)
	if err != nil {
		respondEscrowError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, e)
}
