package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/pesaloop/pesaloop-backend/internal/auth"
	"github.com/pesaloop/pesaloop-backend/internal/domain"
	"github.com/pesaloop/pesaloop-backend/internal/logging"
	"github.com/pesaloop/pesaloop-backend/internal/service/topup"
)

type topupService interface {
	InitiateTopUp(ctx context.Context, p topup.InitiateParams) (*domain.TransactionRecord, error)
	HandleSTKCallback(ctx context.Context, token string, callback *topup.STKCallback) (*domain.TransactionRecord, error)
	HandleC2BConfirmation(ctx context.Context, c *topup.C2BConfirmation) (*domain.TransactionRecord, error)
	TopUpByReference(ctx context.Context, ref string) (*domain.TransactionRecord, error)
}

type TopUpHandler struct {
	topups topupService
}

func NewTopUpHandler(topups topupService) *TopUpHandler {
	return &TopUpHandler{topups: topups}
}

type initiateTopUpRequest struct {
	PhoneNumber string `json:"phone_number"`
	Amount      string `json:"amount"`
}

func (r initiateTopUpRequest) Validate() []FieldError {
	var errs []FieldError

	if r.PhoneNumber == "" {
		errs = append(errs, FieldError{Field: "phone_number", Message: "required"})
	}

	if amount, err := decimal.NewFromString(r.Amount); err != nil {
		errs = append(errs, FieldError{Field: "amount", Message: "must be a decimal number"})
	} else if !amount.IsPositive() {
		errs = append(errs, FieldError{Field: "amount", Message: "must be greater than 0"})
	}

	return errs
}

func (h *TopUpHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	var req initiateTopUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	amount, _ := decimal.NewFromString(req.Amount)
	record, err := h.topups.InitiateTopUp(r.Context(), topup.InitiateParams{
		UserID:      userID,
		PhoneNumber: req.PhoneNumber,
		Amount:      amount,
	})
	if err != nil {
		log.Warn("top-up initiation failed", "error", err)
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusAccepted, toTransactionDTO(record))
}

func (h *TopUpHandler) Status(w http.ResponseWriter, r *http.Request) {
	record, err := h.topups.TopUpByReference(r.Context(), chi.URLParam(r, "reference"))
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, toTransactionDTO(record))
}

// STKCallback receives the provider's asynchronous charge result. The
// provider expects a ResultCode envelope, not our API envelope, and a
// 200 even for callbacks we reject, so it stops redelivering them.
func (h *TopUpHandler) STKCallback(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	var callback topup.STKCallback
	if err := json.NewDecoder(r.Body).Decode(&callback); err != nil {
		respondProviderAck(w, 1, "invalid payload")
		return
	}

	_, err := h.topups.HandleSTKCallback(r.Context(), r.URL.Query().Get("token"), &callback)
	if err != nil {
		log.Warn("stk callback rejected", "error", err)
		if errors.Is(err, domain.ErrAlreadyProcessed) {
			respondProviderAck(w, 0, "already processed")
			return
		}
		respondProviderAck(w, 1, "rejected")
		return
	}
	respondProviderAck(w, 0, "accepted")
}

func (h *TopUpHandler) C2BConfirmation(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	var confirmation topup.C2BConfirmation
	if err := json.NewDecoder(r.Body).Decode(&confirmation); err != nil {
		respondProviderAck(w, 1, "invalid payload")
		return
	}

	_, err := h.topups.HandleC2BConfirmation(r.Context(), &confirmation)
	if err != nil {
		log.Warn("c2b confirmation rejected", "trans_id", confirmation.TransID, "error", err)
		if errors.Is(err, domain.ErrAlreadyProcessed) {
			respondProviderAck(w, 0, "already processed")
			return
		}
		respondProviderAck(w, 1, "rejected")
		return
	}
	respondProviderAck(w, 0, "accepted")
}

func respondProviderAck(w http.ResponseWriter, resultCode int, desc string) {
	RespondJSON(w, http.StatusOK, map[string]any{
		"ResultCode": resultCode,
		"ResultDesc": desc,
	})
}
