package payment

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/pesaloop/pesaloop-backend/internal/config"
	"github.com/pesaloop/pesaloop-backend/internal/domain"
	"github.com/pesaloop/pesaloop-backend/internal/fees"
	"github.com/pesaloop/pesaloop-backend/internal/ledger"
	"github.com/pesaloop/pesaloop-backend/internal/reference"
	"github.com/pesaloop/pesaloop-backend/internal/testutil"
)

type paymentFixture struct {
	svc        *Service
	users      *testutil.MemUserStore
	wallets    *testutil.MemWalletStore
	requests   *testutil.MemRequestStore
	txs        *testutil.MemTransactionStore
	ledger     *ledger.Service
	dispatcher *testutil.FakeDispatcher
}

func newPaymentFixture(t *testing.T) *paymentFixture {
	t.Helper()

	users := testutil.NewMemUserStore()
	wallets := testutil.NewMemWalletStore()
	txs := testutil.NewMemTransactionStore()
	audit := testutil.NewMemAuditStore()
	requests := testutil.NewMemRequestStore()
	db := testutil.NewMemDB(wallets, txs, audit, requests)

	ledgerSvc := ledger.NewService(db, wallets, txs, audit, SystemUserID)
	dispatcher := testutil.NewFakeDispatcher()

	cfg := &config.Config{
		FeeRatePct:              0.015,
		FeeCap:                  500,
		FeeFlatThreshold:        100000,
		UnverifiedTransferLimit: 150.00,
	}

	svc := NewService(
		users,
		requests,
		ledgerSvc,
		fees.NewCalculator(cfg.FeeConfig()),
		reference.New(testutil.NewFakeSequencer()),
		dispatcher,
		cfg,
	)

	return &paymentFixture{
		svc:        svc,
		users:      users,
		wallets:    wallets,
		requests:   requests,
		txs:        txs,
		ledger:     ledgerSvc,
		dispatcher: dispatcher,
	}
}

func (f *paymentFixture) seedUser(t *testing.T, verified bool) *domain.User {
	t.Helper()

	user := domain.User{
		ID:          uuid.New(),
		Email:       uuid.NewString() + "@example.com",
		PhoneNumber: "2547" + uuid.NewString()[:8],
		IsVerified:  verified,
		CreatedAt:   time.Now(),
	}
	f.users.Seed(user)
	return &user
}

func (f *paymentFixture) seedWallet(t *testing.T, ownerID uuid.UUID, currency domain.Currency, balance string) *domain.Wallet {
	t.Helper()

	amount, err := decimal.NewFromString(balance)
	require.NoError(t, err)

	wallet := domain.NewWallet(ownerID, currency, true, time.Now())
	wallet.Balance = amount
	f.wallets.Seed(*wallet)
	return wallet
}
