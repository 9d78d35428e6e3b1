package payback

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/paybackrewards/payback-api/internal/middleware"
	"github.com/paybackrewards/payback-api/internal/pkg/response"
	"github.com/paybackrewards/payback-api/internal/pkg/validator"
)

// Handler handles payback HTTP requests
type Handler struct {
	engine *Engine
}

// NewHandler creates payback handler
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// GetTransaction handles GET /transactions/{id}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	t, err := h.engine.Repo.GetByID(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if t == nil {
		h.handleError(w, r, newError(ErrNotFound, "transaction not found"))
		return
	}

	response.OK(w, TransactionResponseFromEntity(t))
}

// Retry handles POST /transactions/{id}/retry
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var req RetryRequest
	if r.ContentLength != 0 {
		if err := response.DecodeJSON(r.Body, &req); err != nil {
			response.BadRequest(w, "Invalid JSON body")
			return
		}
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	successor, err := h.engine.Retries.RescheduleFailedTransaction(r.Context(), id, RetryOptions{
		RetryForced:         req.RetryForced,
		ForcedRetryInterval: time.Duration(req.RetryAfterMinutes) * time.Minute,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	response.Created(w, TransactionResponseFromEntity(successor))
}

// Refund handles POST /transactions/{id}/refund
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	t, err := h.engine.Repo.GetByID(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if t == nil {
		h.handleError(w, r, newError(ErrNotFound, "transaction not found"))
		return
	}

	c, err := h.engine.Customers.GetByID(r.Context(), t.MandateID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	outcome, err := h.engine.Refunds.ProcessRefund(r.Context(), t, c)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	response.OK(w, RefundResponseFromOutcome(outcome))
}

// Trigger handles POST /transactions/{id}/trigger
func (h *Handler) Trigger(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	startedAt, err := h.engine.Outbound.Trigger(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	t, err := h.engine.Repo.GetByID(r.Context(), id)
	if err != nil || t == nil {
		h.handleError(w, r, errors.Join(ErrInternal, err))
		return
	}

	response.OK(w, &TriggerResponse{
		RequestInitiatedAt: startedAt,
		Transaction:        TransactionResponseFromEntity(t),
	})
}

// BookCategory handles POST /inquiry-categories/{id}/book
func (h *Handler) BookCategory(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	t, err := h.engine.Rewards.BookInquiryCategory(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	response.Created(w, TransactionResponseFromEntity(t))
}

// BookBonus handles POST /inquiry-categories/{id}/bonus
func (h *Handler) BookBonus(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	t, err := h.engine.Rewards.BookPromotionBonus(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	response.Created(w, TransactionResponseFromEntity(t))
}

// CancelCategory handles POST /inquiry-categories/{id}/cancel
func (h *Handler) CancelCategory(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	if err := h.engine.Rewards.HandleInquiryCategoryCancelled(r.Context(), id); err != nil {
		h.handleError(w, r, err)
		return
	}

	response.OK(w, map[string]string{"status": "reversed"})
}

// SanityCheck handles POST /customers/{id}/sanity-check
func (h *Handler) SanityCheck(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	c, err := h.engine.Customers.GetByID(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if c == nil {
		h.handleError(w, r, newError(ErrNotFound, "customer not found"))
		return
	}

	result, err := h.engine.Auditor.CheckCustomer(r.Context(), c)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	response.OK(w, result)
}

// UpdatePaybackNumber handles PUT /customers/{id}/payback-number
func (h *Handler) UpdatePaybackNumber(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var req PaybackNumberRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	if err := h.engine.Rewards.UpdatePaybackNumber(r.Context(), id, req.PaybackNumber); err != nil {
		h.handleError(w, r, err)
		return
	}

	response.OK(w, map[string]string{"status": "updated"})
}

// BookNotRewarded handles POST /customers/{id}/book-not-rewarded
func (h *Handler) BookNotRewarded(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	booked, err := h.engine.Rewards.BookNotRewarded(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	response.OK(w, transactionResponses(booked))
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "Invalid ID")
		return uuid.Nil, false
	}
	middleware.Annotate(r.Context(), "transaction_id", id.String())
	return id, true
}

var errorStatuses = []struct {
	kind   error
	status int
	code   string
}{
	{ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{ErrNotAllowed, http.StatusForbidden, "NOT_ALLOWED"},
	{ErrFeatureDisabled, http.StatusForbidden, "FEATURE_DISABLED"},
	{ErrDuplicate, http.StatusConflict, "DUPLICATE"},
	{ErrMaximumReached, http.StatusConflict, "MAXIMUM_REACHED"},
	{ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION"},
	{ErrWrongResponseCode, http.StatusUnprocessableEntity, "WRONG_RESPONSE_CODE"},
	{ErrRetryCountExceeded, http.StatusUnprocessableEntity, "RETRY_COUNT_EXCEEDED"},
	{ErrPaybackNumberRequired, http.StatusUnprocessableEntity, "PAYBACK_NUMBER_REQUIRED"},
	{ErrNotBookTransaction, http.StatusUnprocessableEntity, "NOT_BOOK_TRANSACTION"},
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	for _, e := range errorStatuses {
		if errors.Is(err, e.kind) {
			response.ErrorWithMessages(w, e.status, e.code, Messages(err))
			return
		}
	}

	log.Error().Err(err).Str("path", r.URL.Path).Msg("Payback request failed")
	response.InternalError(w)
}
