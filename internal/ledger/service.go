// Package ledger owns wallet balances. All balance mutations run under
// a database transaction with wallet rows locked in canonical UUID
// order, so concurrent transfers touching the same wallets serialize
// instead of deadlocking.
package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pesaloop/pesaloop-backend/internal/domain"
	"github.com/pesaloop/pesaloop-backend/internal/logging"
	"github.com/pesaloop/pesaloop-backend/internal/repository"
)

type WalletStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Wallet, error)
	GetByOwnerAndCurrency(ctx context.Context, ownerID uuid.UUID, currency domain.Currency) (*domain.Wallet, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.Wallet, error)
	Create(ctx context.Context, tx repository.Tx, wallet *domain.Wallet) error
	GetByOwnerAndCurrencyTx(ctx context.Context, tx repository.Tx, ownerID uuid.UUID, currency domain.Currency) (*domain.Wallet, error)
	GetForUpdate(ctx context.Context, tx repository.Tx, id uuid.UUID) (*domain.Wallet, error)
	GetByOwnerAndCurrencyForUpdate(ctx context.Context, tx repository.Tx, ownerID uuid.UUID, currency domain.Currency) (*domain.Wallet, error)
	UpdateBalance(ctx context.Context, tx repository.Tx, wallet *domain.Wallet) error
	SetDefault(ctx context.Context, tx repository.Tx, ownerID uuid.UUID, currency domain.Currency, walletID uuid.UUID) error
}

type TransactionStore interface {
	Create(ctx context.Context, tx repository.Tx, record *domain.TransactionRecord) error
}

type AuditStore interface {
	Insert(ctx context.Context, tx repository.Tx, entry *domain.WalletAuditEntry) error
	NetMovement(ctx context.Context, walletID uuid.UUID) (decimal.Decimal, error)
}

type Service struct {
	db           repository.Database
	wallets      WalletStore
	transactions TransactionStore
	audit        AuditStore

	// platformOwnerID owns the per-currency fee revenue wallets.
	platformOwnerID uuid.UUID
	now             func() time.Time
}

func NewService(db repository.Database, wallets WalletStore, transactions TransactionStore, audit AuditStore, platformOwnerID uuid.UUID) *Service {
	return &Service{
		db:              db,
		wallets:         wallets,
		transactions:    transactions,
		audit:           audit,
		platformOwnerID: platformOwnerID,
		now:             time.Now,
	}
}

// WithTx runs fn inside a transaction, retrying the whole unit on
// conflict. fn must be safe to re-run from scratch.
func (s *Service) WithTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx)
		if err != nil {
			return fmt.Errorf("WithTx: %w", err)
		}

		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("WithTx: commit: %w", err)
		}
		return nil
	})
}

// Wallet returns a wallet by id, applying the lazy idle-deactivation
// policy on the way out.
func (s *Service) Wallet(ctx context.Context, id uuid.UUID) (*domain.Wallet, error) {
	wallet, err := s.wallets.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.applyIdlePolicy(ctx, wallet)
	return wallet, nil
}

// WalletForCurrency returns the owner's wallet for the currency,
// preferring the default, without creating one.
func (s *Service) WalletForCurrency(ctx context.Context, ownerID uuid.UUID, currency domain.Currency) (*domain.Wallet, error) {
	wallet, err := s.wallets.GetByOwnerAndCurrency(ctx, ownerID, currency)
	if err != nil {
		return nil, err
	}
	s.applyIdlePolicy(ctx, wallet)
	return wallet, nil
}

// WalletForCurrencyInTx resolves the owner's wallet for the currency
// under the caller's transaction without locking it. The row lock is
// taken by whichever mutation follows (Credit, Debit, TransferInTx),
// which acquire locks in canonical order; locking here would pin an
// arbitrary acquisition order onto the transaction.
func (s *Service) WalletForCurrencyInTx(ctx context.Context, tx repository.Tx, ownerID uuid.UUID, currency domain.Currency) (*domain.Wallet, error) {
	return s.wallets.GetByOwnerAndCurrencyTx(ctx, tx, ownerID, currency)
}

// WalletsForUser lists all of a user's wallets.
func (s *Service) WalletsForUser(ctx context.Context, ownerID uuid.UUID) ([]domain.Wallet, error) {
	wallets, err := s.wallets.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	for i := range wallets {
		s.applyIdlePolicy(ctx, &wallets[i])
	}
	return wallets, nil
}

// applyIdlePolicy evaluates the activity rules at read time and
// persists a flip. There is no background sweep; idle wallets go
// inactive the next time something looks at them.
func (s *Service) applyIdlePolicy(ctx context.Context, wallet *domain.Wallet) {
	wasActive := wallet.IsActive
	wallet.ApplyActivityRules(s.now())
	if wallet.IsActive == wasActive {
		return
	}

	err := s.WithTx(ctx, func(tx repository.Tx) error {
		locked, err := s.wallets.GetForUpdate(ctx, tx, wallet.ID)
		if err != nil {
			return err
		}
		locked.ApplyActivityRules(s.now())
		return s.wallets.UpdateBalance(ctx, tx, locked)
	})
	if err != nil {
		logging.FromContext(ctx).Warn("idle policy update failed", "wallet_id", wallet.ID, "error", err)
	}
}

// GetOrCreateWallet returns the owner's wallet for the currency,
// creating it if absent. A freshly created wallet becomes the default
// for its (owner, currency) pair.
func (s *Service) GetOrCreateWallet(ctx context.Context, ownerID uuid.UUID, currency domain.Currency) (*domain.Wallet, bool, error) {
	if !currency.IsValid() {
		return nil, false, fmt.Errorf("GetOrCreateWallet: %s: %w", currency, domain.ErrUnsupportedCurrency)
	}

	wallet, err := s.wallets.GetByOwnerAndCurrency(ctx, ownerID, currency)
	if err == nil {
		return wallet, false, nil
	}
	if !errors.Is(err, domain.ErrWalletNotFound) {
		return nil, false, fmt.Errorf("GetOrCreateWallet: %w", err)
	}

	var created *domain.Wallet
	err = s.WithTx(ctx, func(tx repository.Tx) error {
		existing, err := s.wallets.GetByOwnerAndCurrencyForUpdate(ctx, tx, ownerID, currency)
		if err == nil {
			created = existing
			return nil
		}
		if !errors.Is(err, domain.ErrWalletNotFound) {
			return err
		}

		wallet := domain.NewWallet(ownerID, currency, true, s.now())
		if err := s.wallets.Create(ctx, tx, wallet); err != nil {
			return err
		}
		created = wallet
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("GetOrCreateWallet: %w", err)
	}

	logging.FromContext(ctx).Info("wallet created",
		"wallet_id", created.ID, "owner_id", ownerID, "currency", currency)
	return created, true, nil
}

// GetOrCreateWalletInTx is GetOrCreateWallet under the caller's
// transaction. An existing wallet is read without locking; the
// subsequent mutation locks it in canonical order.
func (s *Service) GetOrCreateWalletInTx(ctx context.Context, tx repository.Tx, ownerID uuid.UUID, currency domain.Currency) (*domain.Wallet, bool, error) {
	if !currency.IsValid() {
		return nil, false, fmt.Errorf("GetOrCreateWalletInTx: %s: %w", currency, domain.ErrUnsupportedCurrency)
	}

	wallet, err := s.wallets.GetByOwnerAndCurrencyTx(ctx, tx, ownerID, currency)
	if err == nil {
		return wallet, false, nil
	}
	if !errors.Is(err, domain.ErrWalletNotFound) {
		return nil, false, fmt.Errorf("GetOrCreateWalletInTx: %w", err)
	}

	wallet = domain.NewWallet(ownerID, currency, true, s.now())
	if err := s.wallets.Create(ctx, tx, wallet); err != nil {
		return nil, false, fmt.Errorf("GetOrCreateWalletInTx: %w", err)
	}
	return wallet, true, nil
}

// SetDefaultWallet makes the wallet the owner's default for its
// currency; the previous default is cleared in the same transaction.
func (s *Service) SetDefaultWallet(ctx context.Context, ownerID, walletID uuid.UUID) (*domain.Wallet, error) {
	wallet, err := s.wallets.GetByID(ctx, walletID)
	if err != nil {
		return nil, fmt.Errorf("SetDefaultWallet: %w", err)
	}
	if wallet.OwnerID != ownerID {
		return nil, fmt.Errorf("SetDefaultWallet: %w", domain.ErrWalletNotFound)
	}

	err = s.WithTx(ctx, func(tx repository.Tx) error {
		return s.wallets.SetDefault(ctx, tx, ownerID, wallet.Currency, walletID)
	})
	if err != nil {
		return nil, fmt.Errorf("SetDefaultWallet: %w", err)
	}

	wallet.IsDefault = true
	wallet.IsActive = true
	return wallet, nil
}

// Credit locks the wallet under the caller's transaction and adds
// amount to its balance.
func (s *Service) Credit(ctx context.Context, tx repository.Tx, walletID uuid.UUID, amount decimal.Decimal, reference, note string) (*domain.Wallet, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("Credit: %w", domain.ErrInvalidAmount)
	}

	wallet, err := s.wallets.GetForUpdate(ctx, tx, walletID)
	if err != nil {
		return nil, fmt.Errorf("Credit: %w", err)
	}
	if err := s.creditLocked(ctx, tx, wallet, amount, reference, note); err != nil {
		return nil, fmt.Errorf("Credit: %w", err)
	}
	return wallet, nil
}

// Debit locks the wallet under the caller's transaction and subtracts
// amount. The wallet must be active and sufficiently funded.
func (s *Service) Debit(ctx context.Context, tx repository.Tx, walletID uuid.UUID, amount decimal.Decimal, reference, note string) (*domain.Wallet, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("Debit: %w", domain.ErrInvalidAmount)
	}

	wallet, err := s.wallets.GetForUpdate(ctx, tx, walletID)
	if err != nil {
		return nil, fmt.Errorf("Debit: %w", err)
	}
	if err := s.debitLocked(ctx, tx, wallet, amount, reference, note); err != nil {
		return nil, fmt.Errorf("Debit: %w", err)
	}
	return wallet, nil
}

type TransferParams struct {
	SenderWalletID   uuid.UUID
	ReceiverWalletID uuid.UUID
	Amount           decimal.Decimal
	Fee              decimal.Decimal
	Type             domain.TransactionType
	Reference        string
	RequestID        *uuid.UUID
	Provider         string
	Reason           string
	Metadata         []byte
}

// Transfer atomically moves Amount from sender to receiver and Fee from
// sender to the platform's fee revenue wallet, recording a SUCCESS
// transaction. The whole unit retries on conflict.
func (s *Service) Transfer(ctx context.Context, p TransferParams) (*domain.TransactionRecord, error) {
	var record *domain.TransactionRecord
	err := s.WithTx(ctx, func(tx repository.Tx) error {
		var err error
		record, err = s.TransferInTx(ctx, tx, p)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("Transfer: %w", err)
	}

	logging.FromContext(ctx).Info("transfer completed",
		"reference", p.Reference, "amount", p.Amount, "fee", p.Fee,
		"sender_wallet", p.SenderWalletID, "receiver_wallet", p.ReceiverWalletID)
	return record, nil
}

// TransferInTx performs a transfer under the caller's transaction, for
// operations that must atomically couple the transfer with other writes
// (resolving a payment request, disbursing a loan). User wallets are
// locked in canonical UUID order; the platform fee wallet is always
// locked last, which keeps the global lock order consistent.
func (s *Service) TransferInTx(ctx context.Context, tx repository.Tx, p TransferParams) (*domain.TransactionRecord, error) {
	if !p.Amount.IsPositive() {
		return nil, fmt.Errorf("TransferInTx: %w", domain.ErrInvalidAmount)
	}
	if p.Fee.IsNegative() {
		return nil, fmt.Errorf("TransferInTx: %w", domain.ErrInvalidAmount)
	}
	if p.SenderWalletID == p.ReceiverWalletID {
		return nil, fmt.Errorf("TransferInTx: %w", domain.ErrSelfTransfer)
	}

	locked, err := s.lockWallets(ctx, tx, []uuid.UUID{p.SenderWalletID, p.ReceiverWalletID})
	if err != nil {
		return nil, fmt.Errorf("TransferInTx: %w", err)
	}
	sender := locked[p.SenderWalletID]
	receiver := locked[p.ReceiverWalletID]

	if !sender.IsActive {
		return nil, fmt.Errorf("TransferInTx: sender: %w", domain.ErrWalletInactive)
	}
	if sender.Currency != receiver.Currency {
		return nil, fmt.Errorf("TransferInTx: %s -> %s: %w", sender.Currency, receiver.Currency, domain.ErrUnsupportedCurrency)
	}

	total := p.Amount.Add(p.Fee)
	if sender.Balance.LessThan(total) {
		return nil, fmt.Errorf("TransferInTx: %w", domain.ErrInsufficientFunds)
	}

	var feeWallet *domain.Wallet
	if p.Fee.IsPositive() {
		feeWallet, err = s.feeWalletForUpdate(ctx, tx, sender.Currency)
		if err != nil {
			return nil, fmt.Errorf("TransferInTx: fee wallet: %w", err)
		}
	}

	if err := s.debitLocked(ctx, tx, sender, total, p.Reference, p.Reason); err != nil {
		return nil, fmt.Errorf("TransferInTx: %w", err)
	}
	if err := s.creditLocked(ctx, tx, receiver, p.Amount, p.Reference, p.Reason); err != nil {
		return nil, fmt.Errorf("TransferInTx: %w", err)
	}
	if feeWallet != nil {
		if err := s.creditLocked(ctx, tx, feeWallet, p.Fee, p.Reference, "transaction fee"); err != nil {
			return nil, fmt.Errorf("TransferInTx: %w", err)
		}
	}

	now := s.now()
	record := &domain.TransactionRecord{
		ID:               uuid.New(),
		ReferenceID:      p.Reference,
		Type:             p.Type,
		Amount:           p.Amount,
		Currency:         sender.Currency,
		Charge:           p.Fee,
		Status:           domain.TransactionSuccess,
		SenderWalletID:   sender.ID,
		ReceiverWalletID: receiver.ID,
		RequestID:        p.RequestID,
		Provider:         p.Provider,
		Reason:           p.Reason,
		Metadata:         p.Metadata,
		CreatedAt:        now,
		CompletedAt:      &now,
	}
	if err := s.transactions.Create(ctx, tx, record); err != nil {
		return nil, fmt.Errorf("TransferInTx: %w", err)
	}
	return record, nil
}

// CollectFee credits the platform's fee revenue wallet for the given
// currency under the caller's transaction, creating the wallet on first
// use. A zero fee is a no-op.
func (s *Service) CollectFee(ctx context.Context, tx repository.Tx, currency domain.Currency, fee decimal.Decimal, reference, note string) error {
	if !fee.IsPositive() {
		return nil
	}
	wallet, err := s.feeWalletForUpdate(ctx, tx, currency)
	if err != nil {
		return fmt.Errorf("CollectFee: %w", err)
	}
	if err := s.creditLocked(ctx, tx, wallet, fee, reference, note); err != nil {
		return fmt.Errorf("CollectFee: %w", err)
	}
	return nil
}

func (s *Service) feeWalletForUpdate(ctx context.Context, tx repository.Tx, currency domain.Currency) (*domain.Wallet, error) {
	wallet, err := s.wallets.GetByOwnerAndCurrencyForUpdate(ctx, tx, s.platformOwnerID, currency)
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, domain.ErrWalletNotFound) {
		return nil, err
	}

	wallet = domain.NewWallet(s.platformOwnerID, currency, true, s.now())
	if err := s.wallets.Create(ctx, tx, wallet); err != nil {
		return nil, err
	}
	return wallet, nil
}

// Reconcile compares the audit trail's net movement against the stored
// balance. A false return means the derived view disagrees and the
// wallet needs investigation; the stored balance stays authoritative.
func (s *Service) Reconcile(ctx context.Context, walletID uuid.UUID) (bool, error) {
	wallet, err := s.wallets.GetByID(ctx, walletID)
	if err != nil {
		return false, fmt.Errorf("Reconcile: %w", err)
	}
	net, err := s.audit.NetMovement(ctx, walletID)
	if err != nil {
		return false, fmt.Errorf("Reconcile: %w", err)
	}
	return wallet.Balance.Equal(net), nil
}

func (s *Service) lockWallets(ctx context.Context, tx repository.Tx, ids []uuid.UUID) (map[uuid.UUID]*domain.Wallet, error) {
	ordered := make([]uuid.UUID, 0, len(ids))
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ordered = append(ordered, id)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return bytes.Compare(ordered[i][:], ordered[j][:]) < 0
	})

	locked := make(map[uuid.UUID]*domain.Wallet, len(ordered))
	for _, id := range ordered {
		wallet, err := s.wallets.GetForUpdate(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		locked[id] = wallet
	}
	return locked, nil
}

func (s *Service) creditLocked(ctx context.Context, tx repository.Tx, wallet *domain.Wallet, amount decimal.Decimal, reference, note string) error {
	wallet.Balance = wallet.Balance.Add(amount)
	wallet.LastUpdated = s.now()
	wallet.ApplyActivityRules(wallet.LastUpdated)

	if err := s.wallets.UpdateBalance(ctx, tx, wallet); err != nil {
		return err
	}
	return s.audit.Insert(ctx, tx, &domain.WalletAuditEntry{
		ID:        uuid.New(),
		WalletID:  wallet.ID,
		EntryType: domain.AuditCredit,
		Amount:    amount,
		Reference: reference,
		Note:      note,
		CreatedAt: wallet.LastUpdated,
	})
}

func (s *Service) debitLocked(ctx context.Context, tx repository.Tx, wallet *domain.Wallet, amount decimal.Decimal, reference, note string) error {
	if !wallet.IsActive {
		return domain.ErrWalletInactive
	}
	if wallet.Balance.LessThan(amount) {
		return domain.ErrInsufficientFunds
	}

	wallet.Balance = wallet.Balance.Sub(amount)
	wallet.LastUpdated = s.now()
	wallet.ApplyActivityRules(wallet.LastUpdated)

	if err := s.wallets.UpdateBalance(ctx, tx, wallet); err != nil {
		return err
	}
	return s.audit.Insert(ctx, tx, &domain.WalletAuditEntry{
		ID:        uuid.New(),
		WalletID:  wallet.ID,
		EntryType: domain.AuditDebit,
		Amount:    amount,
		Reference: reference,
		Note:      note,
		CreatedAt: wallet.LastUpdated,
	})
}
