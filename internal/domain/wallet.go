package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// IdleDeactivationAfter is how long a zero-balance, non-default wallet
// may sit untouched before a write marks it inactive.
const IdleDeactivationAfter = 5 * 24 * time.Hour

type Wallet struct {
	ID          uuid.UUID
	OwnerID     uuid.UUID
	Currency    Currency
	Balance     decimal.Decimal
	IsDefault   bool
	IsActive    bool
	CreatedAt   time.Time
	LastUpdated time.Time
}

func NewWallet(ownerID uuid.UUID, currency Currency, isDefault bool, now time.Time) *Wallet {
	return &Wallet{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		Currency:    currency,
		Balance:     decimal.Zero,
		IsDefault:   isDefault,
		IsActive:    true,
		CreatedAt:   now,
		LastUpdated: now,
	}
}

// ApplyActivityRules evaluates the lazy idle-deactivation rule on save:
// a zero-balance, non-default wallet untouched for the idle window goes
// inactive; any positive balance reactivates immediately.
func (w *Wallet) ApplyActivityRules(now time.Time) {
	if w.Balance.IsZero() && !w.IsDefault && now.Sub(w.LastUpdated) > IdleDeactivationAfter {
		w.IsActive = false
	}
	if w.Balance.IsPositive() {
		w.IsActive = true
	}
}

// AuditEntryType distinguishes the two sides of a balance mutation in
// the append-only audit trail. The trail is a derived cross-check view;
// the stored balance is the source of truth.
type AuditEntryType string

const (
	AuditDebit  AuditEntryType = "DEBIT"
	AuditCredit AuditEntryType = "CREDIT"
)

type WalletAuditEntry struct {
	ID        uuid.UUID
	WalletID  uuid.UUID
	EntryType AuditEntryType
	Amount    decimal.Decimal
	Reference string
	Note      string
	CreatedAt time.Time
}
