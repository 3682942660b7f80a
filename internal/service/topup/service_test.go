package topup

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesaloop/pesaloop-backend/internal/config"
	"github.com/pesaloop/pesaloop-backend/internal/domain"
	"github.com/pesaloop/pesaloop-backend/internal/ledger"
	"github.com/pesaloop/pesaloop-backend/internal/notify"
	"github.com/pesaloop/pesaloop-backend/internal/reference"
	"github.com/pesaloop/pesaloop-backend/internal/testutil"
)

type fakeGateway struct {
	requests []STKRequest
	err      error
}

func (g *fakeGateway) InitiateSTKPush(_ context.Context, r STKRequest) (*STKResponse, error) {
	g.requests = append(g.requests, r)
	if g.err != nil {
		return nil, g.err
	}
	return &STKResponse{
		MerchantRequestID: "merchant-1",
		CheckoutRequestID: "checkout-1",
		ResponseCode:      "0",
	}, nil
}

// lastToken pulls the callback token out of the URL handed to the
// provider, the same way the provider would echo it back.
func (g *fakeGateway) lastToken(t *testing.T) string {
	t.Helper()

	require.NotEmpty(t, g.requests)
	url := g.requests[len(g.requests)-1].CallbackURL
	_, token, found := strings.Cut(url, "?token=")
	require.True(t, found, "callback url %q carries no token", url)
	return token
}

type topupFixture struct {
	svc        *Service
	users      *testutil.MemUserStore
	wallets    *testutil.MemWalletStore
	txs        *testutil.MemTransactionStore
	gateway    *fakeGateway
	dispatcher *testutil.FakeDispatcher
}

func newTopupFixture(t *testing.T) *topupFixture {
	t.Helper()

	users := testutil.NewMemUserStore()
	wallets := testutil.NewMemWalletStore()
	txs := testutil.NewMemTransactionStore()
	audit := testutil.NewMemAuditStore()
	db := testutil.NewMemDB(wallets, txs, audit)

	ledgerSvc := ledger.NewService(db, wallets, txs, audit, uuid.New())
	gateway := &fakeGateway{}
	dispatcher := testutil.NewFakeDispatcher()

	cfg := &config.Config{
		JWTSecret:        "test-secret",
		MpesaCallbackURL: "https://api.example.test/v1/topups/mpesa/callback",
	}
	svc := NewService(users, txs, ledgerSvc, gateway, reference.New(testutil.NewFakeSequencer()), dispatcher, cfg)

	return &topupFixture{
		svc:        svc,
		users:      users,
		wallets:    wallets,
		txs:        txs,
		gateway:    gateway,
		dispatcher: dispatcher,
	}
}

func (f *topupFixture) seedUser(t *testing.T, phone string) *domain.User {
	t.Helper()

	user := domain.User{ID: uuid.New(), PhoneNumber: phone, IsVerified: true, CreatedAt: time.Now()}
	f.users.Seed(user)
	return &user
}

func stkCallback(t *testing.T, resultCode int, metadata map[string]any) *STKCallback {
	t.Helper()

	var items []map[string]any
	for name, value := range metadata {
		items = append(items, map[string]any{"Name": name, "Value": value})
	}
	payload := map[string]any{
		"Body": map[string]any{
			"stkCallback": map[string]any{
				"MerchantRequestID": "merchant-1",
				"CheckoutRequestID": "checkout-1",
				"ResultCode":        resultCode,
				"ResultDesc":        "test",
				"CallbackMetadata":  map[string]any{"Item": items},
			},
		},
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	var callback STKCallback
	require.NoError(t, json.Unmarshal(raw, &callback))
	return &callback
}

func TestInitiateTopUp(t *testing.T) {
	f := newTopupFixture(t)
	ctx := context.Background()

	user := f.seedUser(t, "254712345678")

	record, err := f.svc.InitiateTopUp(ctx, InitiateParams{
		UserID:      user.ID,
		PhoneNumber: user.PhoneNumber,
		Amount:      decimal.NewFromInt(500),
	})
	require.NoError(t, err)

	assert.Equal(t, domain.TransactionPending, record.Status)
	assert.Equal(t, domain.TransactionTopUp, record.Type)
	assert.Equal(t, ProviderMpesa, record.Provider)
	assert.True(t, strings.HasPrefix(record.ReferenceID, "MPE"))

	require.Len(t, f.gateway.requests, 1)
	assert.Equal(t, user.PhoneNumber, f.gateway.requests[0].PhoneNumber)
	assert.Equal(t, record.ReferenceID, f.gateway.requests[0].Reference)

	// The token in the callback URL decodes back to this transaction.
	ref, err := parseCallbackToken("test-secret", f.gateway.lastToken(t))
	require.NoError(t, err)
	assert.Equal(t, record.ReferenceID, ref)

	// Nothing is credited until the callback lands.
	wallet, err := f.wallets.GetByOwnerAndCurrency(ctx, user.ID, domain.CurrencyKES)
	require.NoError(t, err)
	assert.True(t, wallet.Balance.IsZero())

	// The gateway's request identifiers are persisted, not just echoed
	// back to the caller.
	stored, err := f.txs.GetByReference(ctx, record.ReferenceID)
	require.NoError(t, err)
	var metadata map[string]string
	require.NoError(t, json.Unmarshal(stored.Metadata, &metadata))
	assert.Equal(t, "merchant-1", metadata["merchant_request_id"])
	assert.Equal(t, "checkout-1", metadata["checkout_request_id"])

	assert.Len(t, f.dispatcher.EventsOfType(notify.EventWalletCreated), 1)
}

func TestInitiateTopUpGatewayFailure(t *testing.T) {
	f := newTopupFixture(t)
	ctx := context.Background()

	user := f.seedUser(t, "254712345678")
	f.gateway.err = errors.New("provider unreachable")

	_, err := f.svc.InitiateTopUp(ctx, InitiateParams{
		UserID:      user.ID,
		PhoneNumber: user.PhoneNumber,
		Amount:      decimal.NewFromInt(500),
	})
	require.Error(t, err)

	records := f.txs.All()
	require.Len(t, records, 1)
	assert.Equal(t, domain.TransactionFailed, records[0].Status)
}

func TestInitiateTopUpValidation(t *testing.T) {
	f := newTopupFixture(t)
	ctx := context.Background()

	user := f.seedUser(t, "254712345678")

	_, err := f.svc.InitiateTopUp(ctx, InitiateParams{
		UserID:      user.ID,
		PhoneNumber: user.PhoneNumber,
		Amount:      decimal.Zero,
	})
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = f.svc.InitiateTopUp(ctx, InitiateParams{
		UserID: user.ID,
		Amount: decimal.NewFromInt(10),
	})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = f.svc.InitiateTopUp(ctx, InitiateParams{
		UserID:      uuid.New(),
		PhoneNumber: "254700000000",
		Amount:      decimal.NewFromInt(10),
	})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHandleSTKCallbackSuccess(t *testing.T) {
	f := newTopupFixture(t)
	ctx := context.Background()

	user := f.seedUser(t, "254712345678")
	record, err := f.svc.InitiateTopUp(ctx, InitiateParams{
		UserID:      user.ID,
		PhoneNumber: user.PhoneNumber,
		Amount:      decimal.NewFromInt(500),
	})
	require.NoError(t, err)

	token := f.gateway.lastToken(t)
	callback := stkCallback(t, stkResultSuccess, map[string]any{
		"Amount":             500.0,
		"MpesaReceiptNumber": "QK12XY89AB",
		"PhoneNumber":        user.PhoneNumber,
	})

	settled, err := f.svc.HandleSTKCallback(ctx, token, callback)
	require.NoError(t, err)
	require.NotNil(t, settled)
	assert.Equal(t, "QK12XY89AB", settled.ProviderRef)

	wallet, err := f.wallets.GetByOwnerAndCurrency(ctx, user.ID, domain.CurrencyKES)
	require.NoError(t, err)
	assert.True(t, wallet.Balance.Equal(decimal.NewFromInt(500)), "balance %s", wallet.Balance)

	stored, err := f.txs.GetByReference(ctx, record.ReferenceID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionSuccess, stored.Status)
	assert.NotNil(t, stored.CompletedAt)

	assert.Len(t, f.dispatcher.EventsOfType(notify.EventTopUpCompleted), 1)

	// Redelivery of the same callback settles nothing twice.
	_, err = f.svc.HandleSTKCallback(ctx, token, callback)
	require.ErrorIs(t, err, domain.ErrAlreadyProcessed)

	wallet, err = f.wallets.GetByOwnerAndCurrency(ctx, user.ID, domain.CurrencyKES)
	require.NoError(t, err)
	assert.True(t, wallet.Balance.Equal(decimal.NewFromInt(500)))
}

func TestHandleSTKCallbackBadToken(t *testing.T) {
	f := newTopupFixture(t)

	callback := stkCallback(t, stkResultSuccess, map[string]any{
		"Amount":             100.0,
		"MpesaReceiptNumber": "QK12XY89AB",
	})
	_, err := f.svc.HandleSTKCallback(context.Background(), "not-a-token", callback)
	require.ErrorIs(t, err, domain.ErrPermissionDenied)
}

func TestHandleSTKCallbackCancelled(t *testing.T) {
	f := newTopupFixture(t)
	ctx := context.Background()

	user := f.seedUser(t, "254712345678")
	record, err := f.svc.InitiateTopUp(ctx, InitiateParams{
		UserID:      user.ID,
		PhoneNumber: user.PhoneNumber,
		Amount:      decimal.NewFromInt(500),
	})
	require.NoError(t, err)

	settled, err := f.svc.HandleSTKCallback(ctx, f.gateway.lastToken(t), stkCallback(t, stkResultCancelled, nil))
	require.NoError(t, err)
	assert.Nil(t, settled)

	stored, err := f.txs.GetByReference(ctx, record.ReferenceID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionCancelled, stored.Status)

	wallet, err := f.wallets.GetByOwnerAndCurrency(ctx, user.ID, domain.CurrencyKES)
	require.NoError(t, err)
	assert.True(t, wallet.Balance.IsZero())
	assert.Empty(t, f.dispatcher.EventsOfType(notify.EventTopUpCompleted))
}

func TestHandleSTKCallbackProviderFailure(t *testing.T) {
	f := newTopupFixture(t)
	ctx := context.Background()

	user := f.seedUser(t, "254712345678")
	record, err := f.svc.InitiateTopUp(ctx, InitiateParams{
		UserID:      user.ID,
		PhoneNumber: user.PhoneNumber,
		Amount:      decimal.NewFromInt(500),
	})
	require.NoError(t, err)

	settled, err := f.svc.HandleSTKCallback(ctx, f.gateway.lastToken(t), stkCallback(t, 2001, nil))
	require.NoError(t, err)
	assert.Nil(t, settled)

	stored, err := f.txs.GetByReference(ctx, record.ReferenceID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionFailed, stored.Status)
}

func TestHandleC2BConfirmation(t *testing.T) {
	f := newTopupFixture(t)
	ctx := context.Background()

	user := f.seedUser(t, "254712345678")

	confirmation := &C2BConfirmation{
		TransactionType: "Pay Bill",
		TransID:         "QK99AA11BB",
		TransAmount:     "250.00",
		BillRefNumber:   user.PhoneNumber,
		MSISDN:          user.PhoneNumber,
	}

	record, err := f.svc.HandleC2BConfirmation(ctx, confirmation)
	require.NoError(t, err)

	assert.Equal(t, domain.TransactionPaybillTopUp, record.Type)
	assert.Equal(t, domain.TransactionSuccess, record.Status)
	assert.Equal(t, "QK99AA11BB", record.ProviderRef)

	wallet, err := f.wallets.GetByOwnerAndCurrency(ctx, user.ID, domain.CurrencyKES)
	require.NoError(t, err)
	assert.True(t, wallet.Balance.Equal(decimal.NewFromFloat(250.00)))

	assert.Len(t, f.dispatcher.EventsOfType(notify.EventWalletCreated), 1)
	assert.Len(t, f.dispatcher.EventsOfType(notify.EventTopUpCompleted), 1)

	// The provider redelivers confirmations; the TransID dedupes them.
	_, err = f.svc.HandleC2BConfirmation(ctx, confirmation)
	require.ErrorIs(t, err, domain.ErrAlreadyProcessed)

	wallet, err = f.wallets.GetByOwnerAndCurrency(ctx, user.ID, domain.CurrencyKES)
	require.NoError(t, err)
	assert.True(t, wallet.Balance.Equal(decimal.NewFromFloat(250.00)))
}

func TestHandleC2BConfirmationUnknownAccount(t *testing.T) {
	f := newTopupFixture(t)

	_, err := f.svc.HandleC2BConfirmation(context.Background(), &C2BConfirmation{
		TransID:       "QK99AA11CC",
		TransAmount:   "100.00",
		BillRefNumber: "254799999999",
		MSISDN:        "254799999999",
	})
	require.ErrorIs(t, err, domain.ErrRecipientNotFound)
}
