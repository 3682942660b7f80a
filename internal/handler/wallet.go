package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pesaloop/pesaloop-backend/internal/auth"
	"github.com/pesaloop/pesaloop-backend/internal/domain"
	"github.com/pesaloop/pesaloop-backend/internal/logging"
)

type walletService interface {
	Wallet(ctx context.Context, id uuid.UUID) (*domain.Wallet, error)
	WalletsForUser(ctx context.Context, ownerID uuid.UUID) ([]domain.Wallet, error)
	SetDefaultWallet(ctx context.Context, ownerID, walletID uuid.UUID) (*domain.Wallet, error)
	Reconcile(ctx context.Context, walletID uuid.UUID) (bool, error)
}

type transactionLister interface {
	ListByWallet(ctx context.Context, walletID uuid.UUID, limit int) ([]domain.TransactionRecord, error)
}

type auditLister interface {
	ListByWallet(ctx context.Context, walletID uuid.UUID, limit int) ([]domain.WalletAuditEntry, error)
}

type WalletHandler struct {
	wallets      walletService
	transactions transactionLister
	audit        auditLister
}

func NewWalletHandler(wallets walletService, transactions transactionLister, audit auditLister) *WalletHandler {
	return &WalletHandler{wallets: wallets, transactions: transactions, audit: audit}
}

type walletDTO struct {
	ID          uuid.UUID `json:"id"`
	Currency    string    `json:"currency"`
	Balance     string    `json:"balance"`
	IsDefault   bool      `json:"is_default"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
}

func toWalletDTO(w *domain.Wallet) walletDTO {
	return walletDTO{
		ID:          w.ID,
		Currency:    string(w.Currency),
		Balance:     w.Balance.StringFixed(2),
		IsDefault:   w.IsDefault,
		IsActive:    w.IsActive,
		CreatedAt:   w.CreatedAt,
		LastUpdated: w.LastUpdated,
	}
}

type transactionDTO struct {
	ID          uuid.UUID  `json:"id"`
	Reference   string     `json:"reference"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	Amount      string     `json:"amount"`
	Currency    string     `json:"currency"`
	Charge      string     `json:"charge"`
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func toTransactionDTO(t *domain.TransactionRecord) transactionDTO {
	return transactionDTO{
		ID:          t.ID,
		Reference:   t.ReferenceID,
		Type:        string(t.Type),
		Status:      string(t.Status),
		Amount:      t.Amount.StringFixed(2),
		Currency:    string(t.Currency),
		Charge:      t.Charge.StringFixed(2),
		Reason:      t.Reason,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
	}
}

func (h *WalletHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	wallets, err := h.wallets.WalletsForUser(r.Context(), userID)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	dtos := make([]walletDTO, 0, len(wallets))
	for i := range wallets {
		dtos = append(dtos, toWalletDTO(&wallets[i]))
	}
	RespondSuccess(w, http.StatusOK, dtos)
}

// ownedWallet loads the wallet and hides its existence from
// non-owners.
func (h *WalletHandler) ownedWallet(w http.ResponseWriter, r *http.Request) (*domain.Wallet, bool) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return nil, false
	}

	walletID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondAppError(w, ErrResourceNotFound, nil)
		return nil, false
	}

	wallet, err := h.wallets.Wallet(r.Context(), walletID)
	if err != nil {
		RespondDomainError(w, err)
		return nil, false
	}
	if wallet.OwnerID != userID {
		RespondAppError(w, ErrResourceNotFound, nil)
		return nil, false
	}
	return wallet, true
}

func (h *WalletHandler) Get(w http.ResponseWriter, r *http.Request) {
	wallet, ok := h.ownedWallet(w, r)
	if !ok {
		return
	}
	RespondSuccess(w, http.StatusOK, toWalletDTO(wallet))
}

func (h *WalletHandler) SetDefault(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	walletID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondAppError(w, ErrResourceNotFound, nil)
		return
	}

	wallet, err := h.wallets.SetDefaultWallet(r.Context(), userID, walletID)
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, toWalletDTO(wallet))
}

func (h *WalletHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	wallet, ok := h.ownedWallet(w, r)
	if !ok {
		return
	}

	records, err := h.transactions.ListByWallet(r.Context(), wallet.ID, queryLimit(r))
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	dtos := make([]transactionDTO, 0, len(records))
	for i := range records {
		dtos = append(dtos, toTransactionDTO(&records[i]))
	}
	RespondSuccess(w, http.StatusOK, dtos)
}

type auditEntryDTO struct {
	EntryType string    `json:"entry_type"`
	Amount    string    `json:"amount"`
	Reference string    `json:"reference"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *WalletHandler) Statement(w http.ResponseWriter, r *http.Request) {
	wallet, ok := h.ownedWallet(w, r)
	if !ok {
		return
	}

	entries, err := h.audit.ListByWallet(r.Context(), wallet.ID, queryLimit(r))
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	dtos := make([]auditEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, auditEntryDTO{
			EntryType: string(e.EntryType),
			Amount:    e.Amount.StringFixed(2),
			Reference: e.Reference,
			Note:      e.Note,
			CreatedAt: e.CreatedAt,
		})
	}
	RespondSuccess(w, http.StatusOK, dtos)
}

// Reconcile is an operator endpoint: it cross-checks the audit trail
// against the stored balance without changing either.
func (h *WalletHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	walletID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondAppError(w, ErrResourceNotFound, nil)
		return
	}

	consistent, err := h.wallets.Reconcile(r.Context(), walletID)
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	if !consistent {
		logging.FromContext(r.Context()).Warn("wallet reconciliation mismatch", "wallet_id", walletID)
	}
	RespondSuccess(w, http.StatusOK, map[string]any{
		"wallet_id":  walletID,
		"consistent": consistent,
	})
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 || limit > 200 {
		return 50
	}
	return limit
}
