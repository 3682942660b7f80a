package payment

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesaloop/pesaloop-backend/internal/config"
	"github.com/pesaloop/pesaloop-backend/internal/domain"
	"github.com/pesaloop/pesaloop-backend/internal/fees"
	"github.com/pesaloop/pesaloop-backend/internal/ledger"
	"github.com/pesaloop/pesaloop-backend/internal/notify"
	"github.com/pesaloop/pesaloop-backend/internal/reference"
	"github.com/pesaloop/pesaloop-backend/internal/repository"
	"github.com/pesaloop/pesaloop-backend/internal/testutil"
)

func TestCreateRequest(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	requester := f.seedUser(t, true)
	requestee := f.seedUser(t, true)

	request, err := f.svc.CreateRequest(ctx, RequestParams{
		RequesterID: requester.ID,
		RequesteeID: requestee.ID,
		Currency:    domain.CurrencyKES,
		Amount:      decimal.NewFromInt(200),
		Reason:      "rent split",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.RequestPending, request.Status)
	assert.True(t, strings.HasPrefix(request.ReferenceID, "REQ"))
	assert.Equal(t, requester.ID, request.RequestingUser)
	assert.Equal(t, requestee.ID, request.RequestedUser)
	assert.Nil(t, request.Action)

	events := f.dispatcher.EventsOfType(notify.EventRequestCreated)
	require.Len(t, events, 1)
	assert.Equal(t, requestee.ID, events[0].UserID)
}

func TestCreateRequestValidation(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	requester := f.seedUser(t, true)
	requestee := f.seedUser(t, true)

	_, err := f.svc.CreateRequest(ctx, RequestParams{
		RequesterID: requester.ID,
		RequesteeID: requester.ID,
		Currency:    domain.CurrencyKES,
		Amount:      decimal.NewFromInt(10),
	})
	require.ErrorIs(t, err, domain.ErrSelfTransfer)

	_, err = f.svc.CreateRequest(ctx, RequestParams{
		RequesterID: requester.ID,
		RequesteeID: uuid.New(),
		Currency:    domain.CurrencyKES,
		Amount:      decimal.NewFromInt(10),
	})
	require.ErrorIs(t, err, domain.ErrRecipientNotFound)

	_, err = f.svc.CreateRequest(ctx, RequestParams{
		RequesterID: requester.ID,
		RequesteeID: requestee.ID,
		Currency:    domain.CurrencyKES,
		Amount:      decimal.NewFromInt(-5),
	})
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestApproveRequestMovesFunds(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	requester := f.seedUser(t, true)
	requestee := f.seedUser(t, true)
	payerWallet := f.seedWallet(t, requestee.ID, domain.CurrencyKES, "500")

	request, err := f.svc.CreateRequest(ctx, RequestParams{
		RequesterID: requester.ID,
		RequesteeID: requestee.ID,
		Currency:    domain.CurrencyKES,
		Amount:      decimal.NewFromInt(200),
	})
	require.NoError(t, err)

	resolved, record, err := f.svc.ResolveRequest(ctx, requestee.ID, request.ID, domain.RequestActionApprove)
	require.NoError(t, err)

	assert.Equal(t, domain.RequestSuccess, resolved.Status)
	require.NotNil(t, resolved.Action)
	assert.Equal(t, domain.RequestActionApprove, *resolved.Action)
	assert.NotNil(t, resolved.ResolvedAt)

	require.NotNil(t, record)
	assert.Equal(t, domain.TransactionInternalRequest, record.Type)
	assert.Equal(t, domain.TransactionSuccess, record.Status)
	require.NotNil(t, record.RequestID)
	assert.Equal(t, request.ID, *record.RequestID)
	// Fee on 200 along the decay curve is 2.99; the payer covers it.
	assert.True(t, record.Charge.Equal(decimal.NewFromFloat(2.99)), "charge %s", record.Charge)

	payer, err := f.wallets.GetByID(ctx, payerWallet.ID)
	require.NoError(t, err)
	assert.True(t, payer.Balance.Equal(decimal.NewFromFloat(297.01)), "payer %s", payer.Balance)

	payee, err := f.wallets.GetByOwnerAndCurrency(ctx, requester.ID, domain.CurrencyKES)
	require.NoError(t, err)
	assert.True(t, payee.Balance.Equal(decimal.NewFromInt(200)))

	assert.Len(t, f.dispatcher.EventsOfType(notify.EventRequestResolved), 2)
}

func TestResolveRequestAuthority(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	requester := f.seedUser(t, true)
	requestee := f.seedUser(t, true)
	f.seedWallet(t, requestee.ID, domain.CurrencyKES, "500")

	tests := []struct {
		name   string
		actor  func(r *domain.RequestedTransaction) uuid.UUID
		action domain.RequestAction
		err    error
	}{
		{
			name:   "requester cannot approve",
			actor:  func(r *domain.RequestedTransaction) uuid.UUID { return r.RequestingUser },
			action: domain.RequestActionApprove,
			err:    domain.ErrPermissionDenied,
		},
		{
			name:   "requester cannot decline",
			actor:  func(r *domain.RequestedTransaction) uuid.UUID { return r.RequestingUser },
			action: domain.RequestActionDecline,
			err:    domain.ErrPermissionDenied,
		},
		{
			name:   "requestee cannot cancel",
			actor:  func(r *domain.RequestedTransaction) uuid.UUID { return r.RequestedUser },
			action: domain.RequestActionCancel,
			err:    domain.ErrPermissionDenied,
		},
		{
			name:   "stranger cannot resolve",
			actor:  func(r *domain.RequestedTransaction) uuid.UUID { return uuid.New() },
			action: domain.RequestActionApprove,
			err:    domain.ErrPermissionDenied,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			request, err := f.svc.CreateRequest(ctx, RequestParams{
				RequesterID: requester.ID,
				RequesteeID: requestee.ID,
				Currency:    domain.CurrencyKES,
				Amount:      decimal.NewFromInt(50),
			})
			require.NoError(t, err)

			_, _, err = f.svc.ResolveRequest(ctx, tt.actor(request), request.ID, tt.action)
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestCancelAndDeclineRequest(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	requester := f.seedUser(t, true)
	requestee := f.seedUser(t, true)
	f.seedWallet(t, requestee.ID, domain.CurrencyKES, "500")

	cancel, err := f.svc.CreateRequest(ctx, RequestParams{
		RequesterID: requester.ID,
		RequesteeID: requestee.ID,
		Currency:    domain.CurrencyKES,
		Amount:      decimal.NewFromInt(100),
	})
	require.NoError(t, err)

	resolved, record, err := f.svc.ResolveRequest(ctx, requester.ID, cancel.ID, domain.RequestActionCancel)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestCancelled, resolved.Status)
	assert.Nil(t, record)

	decline, err := f.svc.CreateRequest(ctx, RequestParams{
		RequesterID: requester.ID,
		RequesteeID: requestee.ID,
		Currency:    domain.CurrencyKES,
		Amount:      decimal.NewFromInt(100),
	})
	require.NoError(t, err)

	resolved, record, err = f.svc.ResolveRequest(ctx, requestee.ID, decline.ID, domain.RequestActionDecline)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestDeclined, resolved.Status)
	assert.Nil(t, record)

	// No money moved either way.
	assert.Empty(t, f.txs.All())
}

func TestResolveRequestTerminalIsPermanent(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	requester := f.seedUser(t, true)
	requestee := f.seedUser(t, true)
	f.seedWallet(t, requestee.ID, domain.CurrencyKES, "500")

	request, err := f.svc.CreateRequest(ctx, RequestParams{
		RequesterID: requester.ID,
		RequesteeID: requestee.ID,
		Currency:    domain.CurrencyKES,
		Amount:      decimal.NewFromInt(100),
	})
	require.NoError(t, err)

	_, _, err = f.svc.ResolveRequest(ctx, requestee.ID, request.ID, domain.RequestActionDecline)
	require.NoError(t, err)

	for _, action := range []domain.RequestAction{
		domain.RequestActionApprove,
		domain.RequestActionCancel,
		domain.RequestActionDecline,
	} {
		_, _, err = f.svc.ResolveRequest(ctx, requestee.ID, request.ID, action)
		require.ErrorIs(t, err, domain.ErrAlreadyProcessed)
	}
}

func TestApproveRequestInsufficientFunds(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	requester := f.seedUser(t, true)
	requestee := f.seedUser(t, true)
	f.seedWallet(t, requestee.ID, domain.CurrencyKES, "100")

	request, err := f.svc.CreateRequest(ctx, RequestParams{
		RequesterID: requester.ID,
		RequesteeID: requestee.ID,
		Currency:    domain.CurrencyKES,
		Amount:      decimal.NewFromInt(100),
	})
	require.NoError(t, err)

	// 100 plus its fee exceeds the balance; the request stays pending.
	_, _, err = f.svc.ResolveRequest(ctx, requestee.ID, request.ID, domain.RequestActionApprove)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	stored, err := f.requests.GetByReference(ctx, request.ReferenceID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestPending, stored.Status)
	assert.Empty(t, f.txs.All())
}

func TestApproveRequestUnverifiedPayerLimit(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	requester := f.seedUser(t, true)
	requestee := f.seedUser(t, false)
	f.seedWallet(t, requestee.ID, domain.CurrencyKES, "1000")

	request, err := f.svc.CreateRequest(ctx, RequestParams{
		RequesterID: requester.ID,
		RequesteeID: requestee.ID,
		Currency:    domain.CurrencyKES,
		Amount:      decimal.NewFromInt(500),
	})
	require.NoError(t, err)

	_, _, err = f.svc.ResolveRequest(ctx, requestee.ID, request.ID, domain.RequestActionApprove)
	require.ErrorIs(t, err, domain.ErrLimitExceeded)
}

func TestRequestsListsBothDirections(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	alice := f.seedUser(t, true)
	bob := f.seedUser(t, true)
	carol := f.seedUser(t, true)

	_, err := f.svc.CreateRequest(ctx, RequestParams{
		RequesterID: alice.ID,
		RequesteeID: bob.ID,
		Currency:    domain.CurrencyKES,
		Amount:      decimal.NewFromInt(10),
	})
	require.NoError(t, err)

	_, err = f.svc.CreateRequest(ctx, RequestParams{
		RequesterID: carol.ID,
		RequesteeID: alice.ID,
		Currency:    domain.CurrencyKES,
		Amount:      decimal.NewFromInt(20),
	})
	require.NoError(t, err)

	list, err := f.svc.Requests(ctx, alice.ID, 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = f.svc.Requests(ctx, carol.ID, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

// lockOrderWalletStore records the order in which wallet rows are
// locked during settlement.
type lockOrderWalletStore struct {
	*testutil.MemWalletStore
	mu         sync.Mutex
	rowLocks   []uuid.UUID
	ownerLocks []uuid.UUID
}

func (s *lockOrderWalletStore) GetForUpdate(ctx context.Context, tx repository.Tx, id uuid.UUID) (*domain.Wallet, error) {
	s.mu.Lock()
	s.rowLocks = append(s.rowLocks, id)
	s.mu.Unlock()
	return s.MemWalletStore.GetForUpdate(ctx, tx, id)
}

func (s *lockOrderWalletStore) GetByOwnerAndCurrencyForUpdate(ctx context.Context, tx repository.Tx, ownerID uuid.UUID, currency domain.Currency) (*domain.Wallet, error) {
	s.mu.Lock()
	s.ownerLocks = append(s.ownerLocks, ownerID)
	s.mu.Unlock()
	return s.MemWalletStore.GetByOwnerAndCurrencyForUpdate(ctx, tx, ownerID, currency)
}

func TestApproveRequestLocksWalletsInCanonicalOrder(t *testing.T) {
	wallets := &lockOrderWalletStore{MemWalletStore: testutil.NewMemWalletStore()}
	users := testutil.NewMemUserStore()
	txs := testutil.NewMemTransactionStore()
	audit := testutil.NewMemAuditStore()
	requests := testutil.NewMemRequestStore()
	db := testutil.NewMemDB(wallets.MemWalletStore, txs, audit, requests)

	cfg := &config.Config{
		FeeRatePct:              0.015,
		FeeCap:                  500,
		FeeFlatThreshold:        100000,
		UnverifiedTransferLimit: 150.00,
	}
	svc := NewService(
		users,
		requests,
		ledger.NewService(db, wallets, txs, audit, SystemUserID),
		fees.NewCalculator(cfg.FeeConfig()),
		reference.New(testutil.NewFakeSequencer()),
		testutil.NewFakeDispatcher(),
		cfg,
	)
	ctx := context.Background()

	requester := domain.User{ID: uuid.New(), Email: "requester@example.com", IsVerified: true, CreatedAt: time.Now()}
	payer := domain.User{ID: uuid.New(), Email: "payer@example.com", IsVerified: true, CreatedAt: time.Now()}
	users.Seed(requester)
	users.Seed(payer)

	// The payer's wallet gets the higher ID so payer-first locking
	// would be the wrong order.
	requesterWallet := domain.NewWallet(requester.ID, domain.CurrencyKES, true, time.Now())
	requesterWallet.ID = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	wallets.Seed(*requesterWallet)

	payerWallet := domain.NewWallet(payer.ID, domain.CurrencyKES, true, time.Now())
	payerWallet.ID = uuid.MustParse("eeeeeeee-eeee-eeee-eeee-eeeeeeeeeeee")
	payerWallet.Balance = decimal.NewFromInt(500)
	wallets.Seed(*payerWallet)

	request, err := svc.CreateRequest(ctx, RequestParams{
		RequesterID: requester.ID,
		RequesteeID: payer.ID,
		Currency:    domain.CurrencyKES,
		Amount:      decimal.NewFromInt(200),
	})
	require.NoError(t, err)

	wallets.mu.Lock()
	wallets.rowLocks = nil
	wallets.ownerLocks = nil
	wallets.mu.Unlock()

	_, record, err := svc.ResolveRequest(ctx, payer.ID, request.ID, domain.RequestActionApprove)
	require.NoError(t, err)
	require.NotNil(t, record)

	// Row locks ascend by wallet ID regardless of who pays whom; the
	// platform fee wallet is the only owner-keyed lock and comes after.
	require.Equal(t, []uuid.UUID{requesterWallet.ID, payerWallet.ID}, wallets.rowLocks)
	require.Equal(t, []uuid.UUID{SystemUserID}, wallets.ownerLocks)
}
