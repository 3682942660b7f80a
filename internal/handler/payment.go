package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pesaloop/pesaloop-backend/internal/auth"
	"github.com/pesaloop/pesaloop-backend/internal/domain"
	"github.com/pesaloop/pesaloop-backend/internal/logging"
	"github.com/pesaloop/pesaloop-backend/internal/service/payment"
)

type paymentService interface {
	SendMoney(ctx context.Context, p payment.SendParams) (*domain.TransactionRecord, error)
	CreateRequest(ctx context.Context, p payment.RequestParams) (*domain.RequestedTransaction, error)
	ResolveRequest(ctx context.Context, actorID, requestID uuid.UUID, action domain.RequestAction) (*domain.RequestedTransaction, *domain.TransactionRecord, error)
	Requests(ctx context.Context, userID uuid.UUID, limit int) ([]domain.RequestedTransaction, error)
}

type PaymentHandler struct {
	payments paymentService
}

func NewPaymentHandler(payments paymentService) *PaymentHandler {
	return &PaymentHandler{payments: payments}
}

type sendMoneyRequest struct {
	RecipientID string `json:"recipient_id"`
	Currency    string `json:"currency"`
	Amount      string `json:"amount"`
	Reason      string `json:"reason"`
}

func (r sendMoneyRequest) Validate() []FieldError {
	var errs []FieldError

	if _, err := uuid.Parse(r.RecipientID); err != nil {
		errs = append(errs, FieldError{Field: "recipient_id", Message: "must be a valid UUID"})
	}

	if r.Currency == "" {
		errs = append(errs, FieldError{Field: "currency", Message: "required"})
	} else if !domain.Currency(r.Currency).IsValid() {
		errs = append(errs, FieldError{Field: "currency", Message: "unsupported currency"})
	}

	if amount, err := decimal.NewFromString(r.Amount); err != nil {
		errs = append(errs, FieldError{Field: "amount", Message: "must be a decimal number"})
	} else if !amount.IsPositive() {
		errs = append(errs, FieldError{Field: "amount", Message: "must be greater than 0"})
	}

	return errs
}

func (h *PaymentHandler) Send(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	var req sendMoneyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	recipientID, _ := uuid.Parse(req.RecipientID)
	amount, _ := decimal.NewFromString(req.Amount)

	record, err := h.payments.SendMoney(r.Context(), payment.SendParams{
		SenderID:    userID,
		RecipientID: recipientID,
		Currency:    domain.Currency(req.Currency),
		Amount:      amount,
		Reason:      req.Reason,
	})
	if err != nil {
		log.Warn("transfer failed", "error", err)
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusCreated, toTransactionDTO(record))
}

type createRequestRequest struct {
	RequesteeID string `json:"requestee_id"`
	Currency    string `json:"currency"`
	Amount      string `json:"amount"`
	Reason      string `json:"reason"`
}

func (r createRequestRequest) Validate() []FieldError {
	var errs []FieldError

	if _, err := uuid.Parse(r.RequesteeID); err != nil {
		errs = append(errs, FieldError{Field: "requestee_id", Message: "must be a valid UUID"})
	}

	if r.Currency == "" {
		errs = append(errs, FieldError{Field: "currency", Message: "required"})
	} else if !domain.Currency(r.Currency).IsValid() {
		errs = append(errs, FieldError{Field: "currency", Message: "unsupported currency"})
	}

	if amount, err := decimal.NewFromString(r.Amount); err != nil {
		errs = append(errs, FieldError{Field: "amount", Message: "must be a decimal number"})
	} else if !amount.IsPositive() {
		errs = append(errs, FieldError{Field: "amount", Message: "must be greater than 0"})
	}

	return errs
}

type requestDTO struct {
	ID          uuid.UUID  `json:"id"`
	Reference   string     `json:"reference"`
	RequesterID uuid.UUID  `json:"requester_id"`
	RequesteeID uuid.UUID  `json:"requestee_id"`
	Amount      string     `json:"amount"`
	Currency    string     `json:"currency"`
	Status      string     `json:"status"`
	Action      *string    `json:"action,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

func toRequestDTO(req *domain.RequestedTransaction) requestDTO {
	dto := requestDTO{
		ID:          req.ID,
		Reference:   req.ReferenceID,
		RequesterID: req.RequestingUser,
		RequesteeID: req.RequestedUser,
		Amount:      req.Amount.StringFixed(2),
		Currency:    string(req.Currency),
		Status:      string(req.Status),
		Reason:      req.Reason,
		CreatedAt:   req.CreatedAt,
		ResolvedAt:  req.ResolvedAt,
	}
	if req.Action != nil {
		action := string(*req.Action)
		dto.Action = &action
	}
	return dto
}

func (h *PaymentHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	var req createRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	requesteeID, _ := uuid.Parse(req.RequesteeID)
	amount, _ := decimal.NewFromString(req.Amount)

	created, err := h.payments.CreateRequest(r.Context(), payment.RequestParams{
		RequesterID: userID,
		RequesteeID: requesteeID,
		Currency:    domain.Currency(req.Currency),
		Amount:      amount,
		Reason:      req.Reason,
	})
	if err != nil {
		log.Warn("payment request creation failed", "error", err)
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusCreated, toRequestDTO(created))
}

type resolveRequestRequest struct {
	Action string `json:"action"`
}

func (h *PaymentHandler) ResolveRequest(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	requestID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondAppError(w, ErrResourceNotFound, nil)
		return
	}

	var req resolveRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	action := domain.RequestAction(req.Action)
	switch action {
	case domain.RequestActionApprove, domain.RequestActionCancel, domain.RequestActionDecline:
	default:
		RespondValidationError(w, []FieldError{{Field: "action", Message: "must be APPROVE, CANCEL, or DECLINE"}})
		return
	}

	resolved, record, err := h.payments.ResolveRequest(r.Context(), userID, requestID, action)
	if err != nil {
		log.Warn("payment request resolution failed", "request_id", requestID, "error", err)
		RespondDomainError(w, err)
		return
	}

	response := map[string]any{"request": toRequestDTO(resolved)}
	if record != nil {
		response["transaction"] = toTransactionDTO(record)
	}
	RespondSuccess(w, http.StatusOK, response)
}

func (h *PaymentHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	requests, err := h.payments.Requests(r.Context(), userID, queryLimit(r))
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	dtos := make([]requestDTO, 0, len(requests))
	for i := range requests {
		dtos = append(dtos, toRequestDTO(&requests[i]))
	}
	RespondSuccess(w, http.StatusOK, dtos)
}
