package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pesaloop/pesaloop-backend/internal/domain"
	"github.com/pesaloop/pesaloop-backend/internal/repository"
)

type MemWalletStore struct {
	mu      sync.RWMutex
	wallets map[uuid.UUID]domain.Wallet
}

func NewMemWalletStore() *MemWalletStore {
	return &MemWalletStore{wallets: make(map[uuid.UUID]domain.Wallet)}
}

func (s *MemWalletStore) snapshot() func() {
	s.mu.RLock()
	saved := make(map[uuid.UUID]domain.Wallet, len(s.wallets))
	for id, w := range s.wallets {
		saved[id] = w
	}
	s.mu.RUnlock()

	return func() {
		s.mu.Lock()
		s.wallets = saved
		s.mu.Unlock()
	}
}

// Seed inserts a wallet directly, bypassing transaction bookkeeping.
func (s *MemWalletStore) Seed(wallet domain.Wallet) {
	s.mu.Lock()
	s.wallets[wallet.ID] = wallet
	s.mu.Unlock()
}

func (s *MemWalletStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[id]
	if !ok {
		return nil, domain.ErrWalletNotFound
	}
	return &w, nil
}

func (s *MemWalletStore) GetByOwnerAndCurrency(_ context.Context, ownerID uuid.UUID, currency domain.Currency) (*domain.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findByOwnerAndCurrency(ownerID, currency)
}

func (s *MemWalletStore) findByOwnerAndCurrency(ownerID uuid.UUID, currency domain.Currency) (*domain.Wallet, error) {
	var candidates []domain.Wallet
	for _, w := range s.wallets {
		if w.OwnerID == ownerID && w.Currency == currency {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		return nil, domain.ErrWalletNotFound
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].IsDefault != candidates[j].IsDefault {
			return candidates[i].IsDefault
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return &candidates[0], nil
}

func (s *MemWalletStore) ListByOwner(_ context.Context, ownerID uuid.UUID) ([]domain.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var wallets []domain.Wallet
	for _, w := range s.wallets {
		if w.OwnerID == ownerID {
			wallets = append(wallets, w)
		}
	}
	sort.Slice(wallets, func(i, j int) bool {
		return wallets[i].CreatedAt.Before(wallets[j].CreatedAt)
	})
	return wallets, nil
}

func (s *MemWalletStore) Create(_ context.Context, _ repository.Tx, wallet *domain.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[wallet.ID] = *wallet
	return nil
}

func (s *MemWalletStore) GetForUpdate(ctx context.Context, _ repository.Tx, id uuid.UUID) (*domain.Wallet, error) {
	return s.GetByID(ctx, id)
}

func (s *MemWalletStore) GetByOwnerAndCurrencyTx(_ context.Context, _ repository.Tx, ownerID uuid.UUID, currency domain.Currency) (*domain.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findByOwnerAndCurrency(ownerID, currency)
}

func (s *MemWalletStore) GetByOwnerAndCurrencyForUpdate(_ context.Context, _ repository.Tx, ownerID uuid.UUID, currency domain.Currency) (*domain.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findByOwnerAndCurrency(ownerID, currency)
}

func (s *MemWalletStore) UpdateBalance(_ context.Context, _ repository.Tx, wallet *domain.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.wallets[wallet.ID]; !ok {
		return domain.ErrWalletNotFound
	}
	s.wallets[wallet.ID] = *wallet
	return nil
}

func (s *MemWalletStore) SetDefault(_ context.Context, _ repository.Tx, ownerID uuid.UUID, currency domain.Currency, walletID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.wallets[walletID]
	if !ok {
		return domain.ErrWalletNotFound
	}
	for id, w := range s.wallets {
		if w.OwnerID == ownerID && w.Currency == currency && id != walletID {
			w.IsDefault = false
			s.wallets[id] = w
		}
	}
	target.IsDefault = true
	target.IsActive = true
	s.wallets[walletID] = target
	return nil
}

type MemTransactionStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]domain.TransactionRecord
}

func NewMemTransactionStore() *MemTransactionStore {
	return &MemTransactionStore{records: make(map[uuid.UUID]domain.TransactionRecord)}
}

func (s *MemTransactionStore) snapshot() func() {
	s.mu.RLock()
	saved := make(map[uuid.UUID]domain.TransactionRecord, len(s.records))
	for id, r := range s.records {
		saved[id] = r
	}
	s.mu.RUnlock()

	return func() {
		s.mu.Lock()
		s.records = saved
		s.mu.Unlock()
	}
}

func (s *MemTransactionStore) Create(_ context.Context, _ repository.Tx, record *domain.TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ID] = *record
	return nil
}

func (s *MemTransactionStore) GetByReference(_ context.Context, reference string) (*domain.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.records {
		if r.ReferenceID == reference {
			record := r
			return &record, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *MemTransactionStore) GetByProviderRef(_ context.Context, provider, providerRef string) (*domain.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.records {
		if r.Provider == provider && r.ProviderRef == providerRef && providerRef != "" {
			record := r
			return &record, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *MemTransactionStore) GetForUpdate(ctx context.Context, _ repository.Tx, reference string) (*domain.TransactionRecord, error) {
	return s.GetByReference(ctx, reference)
}

func (s *MemTransactionStore) UpdateMetadata(_ context.Context, _ repository.Tx, record *domain.TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.records[record.ID]
	if !ok {
		return domain.ErrNotFound
	}
	stored.Metadata = record.Metadata
	s.records[record.ID] = stored
	return nil
}

func (s *MemTransactionStore) UpdateStatus(_ context.Context, _ repository.Tx, record *domain.TransactionRecord, next domain.TransactionStatus, completedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.records[record.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if !stored.Status.CanTransitionTo(next) {
		return domain.ErrInvalidTransition
	}

	stored.Status = next
	stored.CompletedAt = completedAt
	if record.ProviderRef != "" {
		stored.ProviderRef = record.ProviderRef
	}
	s.records[record.ID] = stored

	record.Status = next
	record.CompletedAt = completedAt
	return nil
}

func (s *MemTransactionStore) All() []domain.TransactionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]domain.TransactionRecord, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, r)
	}
	return records
}

type MemAuditStore struct {
	mu      sync.RWMutex
	entries []domain.WalletAuditEntry
}

func NewMemAuditStore() *MemAuditStore {
	return &MemAuditStore{}
}

func (s *MemAuditStore) snapshot() func() {
	s.mu.RLock()
	saved := len(s.entries)
	s.mu.RUnlock()

	return func() {
		s.mu.Lock()
		if len(s.entries) > saved {
			s.entries = s.entries[:saved]
		}
		s.mu.Unlock()
	}
}

func (s *MemAuditStore) Insert(_ context.Context, _ repository.Tx, entry *domain.WalletAuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, *entry)
	return nil
}

func (s *MemAuditStore) NetMovement(_ context.Context, walletID uuid.UUID) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	net := decimal.Zero
	for _, entry := range s.entries {
		if entry.WalletID != walletID {
			continue
		}
		if entry.EntryType == domain.AuditCredit {
			net = net.Add(entry.Amount)
		} else {
			net = net.Sub(entry.Amount)
		}
	}
	return net, nil
}

func (s *MemAuditStore) Entries() []domain.WalletAuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.WalletAuditEntry(nil), s.entries...)
}

type MemRequestStore struct {
	mu       sync.RWMutex
	requests map[uuid.UUID]domain.RequestedTransaction
}

func NewMemRequestStore() *MemRequestStore {
	return &MemRequestStore{requests: make(map[uuid.UUID]domain.RequestedTransaction)}
}

func (s *MemRequestStore) snapshot() func() {
	s.mu.RLock()
	saved := make(map[uuid.UUID]domain.RequestedTransaction, len(s.requests))
	for id, r := range s.requests {
		saved[id] = r
	}
	s.mu.RUnlock()

	return func() {
		s.mu.Lock()
		s.requests = saved
		s.mu.Unlock()
	}
}

func (s *MemRequestStore) Create(_ context.Context, request *domain.RequestedTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[request.ID] = *request
	return nil
}

func (s *MemRequestStore) GetByReference(_ context.Context, reference string) (*domain.RequestedTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.requests {
		if r.ReferenceID == reference {
			request := r
			return &request, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *MemRequestStore) GetForUpdate(_ context.Context, _ repository.Tx, id uuid.UUID) (*domain.RequestedTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.requests[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &r, nil
}

func (s *MemRequestStore) Resolve(_ context.Context, _ repository.Tx, request *domain.RequestedTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.requests[request.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if stored.Status != domain.RequestPending {
		return domain.ErrAlreadyProcessed
	}
	s.requests[request.ID] = *request
	return nil
}

func (s *MemRequestStore) ListForUser(_ context.Context, userID uuid.UUID, _ int) ([]domain.RequestedTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var requests []domain.RequestedTransaction
	for _, r := range s.requests {
		if r.RequestingUser == userID || r.RequestedUser == userID {
			requests = append(requests, r)
		}
	}
	return requests, nil
}

type MemLoanStore struct {
	mu    sync.RWMutex
	loans map[uuid.UUID]domain.Loan
}

func NewMemLoanStore() *MemLoanStore {
	return &MemLoanStore{loans: make(map[uuid.UUID]domain.Loan)}
}

func (s *MemLoanStore) snapshot() func() {
	s.mu.RLock()
	saved := make(map[uuid.UUID]domain.Loan, len(s.loans))
	for id, l := range s.loans {
		saved[id] = l
	}
	s.mu.RUnlock()

	return func() {
		s.mu.Lock()
		s.loans = saved
		s.mu.Unlock()
	}
}

func (s *MemLoanStore) Create(_ context.Context, loan *domain.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loans[loan.ID] = *loan
	return nil
}

func (s *MemLoanStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.loans[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &l, nil
}

func (s *MemLoanStore) GetForUpdate(ctx context.Context, _ repository.Tx, id uuid.UUID) (*domain.Loan, error) {
	return s.GetByID(ctx, id)
}

func (s *MemLoanStore) Update(_ context.Context, _ repository.Tx, loan *domain.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.loans[loan.ID]; !ok {
		return domain.ErrNotFound
	}
	s.loans[loan.ID] = *loan
	return nil
}

func (s *MemLoanStore) OutstandingByBorrower(_ context.Context, borrowerID uuid.UUID) ([]domain.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var loans []domain.Loan
	for _, l := range s.loans {
		if l.BorrowerID == borrowerID && l.Status != domain.LoanRepaid && l.Status != domain.LoanRejected {
			loans = append(loans, l)
		}
	}
	return loans, nil
}

type MemExchangeStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]domain.CurrencyExchangeRecord
}

func NewMemExchangeStore() *MemExchangeStore {
	return &MemExchangeStore{records: make(map[uuid.UUID]domain.CurrencyExchangeRecord)}
}

func (s *MemExchangeStore) snapshot() func() {
	s.mu.RLock()
	saved := make(map[uuid.UUID]domain.CurrencyExchangeRecord, len(s.records))
	for id, r := range s.records {
		saved[id] = r
	}
	s.mu.RUnlock()

	return func() {
		s.mu.Lock()
		s.records = saved
		s.mu.Unlock()
	}
}

func (s *MemExchangeStore) Create(_ context.Context, _ repository.Tx, record *domain.CurrencyExchangeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ID] = *record
	return nil
}

func (s *MemExchangeStore) UpdateStatus(_ context.Context, _ repository.Tx, id uuid.UUID, status domain.ExchangeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.Status = status
	s.records[id] = r
	return nil
}

func (s *MemExchangeStore) ListByUser(_ context.Context, userID uuid.UUID, limit int) ([]domain.CurrencyExchangeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []domain.CurrencyExchangeRecord
	for _, r := range s.records {
		if r.UserID == userID {
			records = append(records, r)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.After(records[j].CreatedAt) })
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *MemExchangeStore) GetByReference(_ context.Context, reference string) (*domain.CurrencyExchangeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.records {
		if r.ReferenceID == reference {
			record := r
			return &record, nil
		}
	}
	return nil, domain.ErrNotFound
}

type MemUserStore struct {
	mu    sync.RWMutex
	users map[uuid.UUID]domain.User
}

func NewMemUserStore() *MemUserStore {
	return &MemUserStore{users: make(map[uuid.UUID]domain.User)}
}

func (s *MemUserStore) snapshot() func() {
	return func() {}
}

func (s *MemUserStore) Seed(user domain.User) {
	s.mu.Lock()
	s.users[user.ID] = user
	s.mu.Unlock()
}

func (s *MemUserStore) GetByID(_ context.Context, id uuid.UUID) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &u, nil
}

func (s *MemUserStore) GetByPhone(_ context.Context, phone string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.PhoneNumber == phone {
			user := u
			return &user, nil
		}
	}
	return nil, domain.ErrNotFound
}
