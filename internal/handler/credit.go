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
)

type creditService interface {
	RequestLoan(ctx context.Context, borrowerID uuid.UUID, currency domain.Currency, amount decimal.Decimal) (*domain.Loan, error)
	ApproveLoan(ctx context.Context, approverID, loanID uuid.UUID) (*domain.Loan, error)
	RejectLoan(ctx context.Context, reviewerID, loanID uuid.UUID) (*domain.Loan, error)
	DisburseLoan(ctx context.Context, loanID uuid.UUID) (*domain.Loan, error)
	RepayLoan(ctx context.Context, borrowerID, loanID uuid.UUID, amount decimal.Decimal) (*domain.Loan, error)
	OutstandingLoans(ctx context.Context, borrowerID uuid.UUID) ([]domain.Loan, error)
}

type CreditHandler struct {
	credit creditService
}

func NewCreditHandler(credit creditService) *CreditHandler {
	return &CreditHandler{credit: credit}
}

type loanDTO struct {
	ID           uuid.UUID  `json:"id"`
	Reference    string     `json:"reference"`
	BorrowerID   uuid.UUID  `json:"borrower_id"`
	Amount       string     `json:"amount"`
	Currency     string     `json:"currency"`
	AmountRepaid string     `json:"amount_repaid"`
	Status       string     `json:"status"`
	DisbursedAt  *time.Time `json:"disbursed_at,omitempty"`
	DueDate      *time.Time `json:"due_date,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func toLoanDTO(l *domain.Loan) loanDTO {
	return loanDTO{
		ID:           l.ID,
		Reference:    l.ReferenceID,
		BorrowerID:   l.BorrowerID,
		Amount:       l.Amount.StringFixed(2),
		Currency:     string(l.Currency),
		AmountRepaid: l.AmountRepaid.StringFixed(2),
		Status:       string(l.Status),
		DisbursedAt:  l.DisbursedAt,
		DueDate:      l.DueDate,
		CreatedAt:    l.CreatedAt,
	}
}

type loanRequest struct {
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
}

func (r loanRequest) Validate() []FieldError {
	var errs []FieldError

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

func (h *CreditHandler) Request(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	var req loanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	amount, _ := decimal.NewFromString(req.Amount)
	loan, err := h.credit.RequestLoan(r.Context(), userID, domain.Currency(req.Currency), amount)
	if err != nil {
		log.Warn("loan request failed", "error", err)
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusCreated, toLoanDTO(loan))
}

func (h *CreditHandler) loanID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondAppError(w, ErrResourceNotFound, nil)
		return uuid.Nil, false
	}
	return id, true
}

func (h *CreditHandler) Approve(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}
	loanID, ok := h.loanID(w, r)
	if !ok {
		return
	}

	loan, err := h.credit.ApproveLoan(r.Context(), userID, loanID)
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, toLoanDTO(loan))
}

func (h *CreditHandler) Reject(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}
	loanID, ok := h.loanID(w, r)
	if !ok {
		return
	}

	loan, err := h.credit.RejectLoan(r.Context(), userID, loanID)
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, toLoanDTO(loan))
}

func (h *CreditHandler) Disburse(w http.ResponseWriter, r *http.Request) {
	loanID, ok := h.loanID(w, r)
	if !ok {
		return
	}

	loan, err := h.credit.DisburseLoan(r.Context(), loanID)
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, toLoanDTO(loan))
}

type repayRequest struct {
	Amount string `json:"amount"`
}

func (h *CreditHandler) Repay(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}
	loanID, ok := h.loanID(w, r)
	if !ok {
		return
	}

	var req repayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		RespondValidationError(w, []FieldError{{Field: "amount", Message: "must be a positive decimal number"}})
		return
	}

	loan, err := h.credit.RepayLoan(r.Context(), userID, loanID, amount)
	if err != nil {
		log.Warn("loan repayment failed", "loan_id", loanID, "error", err)
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, toLoanDTO(loan))
}

func (h *CreditHandler) Outstanding(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	loans, err := h.credit.OutstandingLoans(r.Context(), userID)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	dtos := make([]loanDTO, 0, len(loans))
	for i := range loans {
		dtos = append(dtos, toLoanDTO(&loans[i]))
	}
	RespondSuccess(w, http.StatusOK, dtos)
}
