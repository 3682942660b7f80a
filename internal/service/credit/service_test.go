package credit

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesaloop/pesaloop-backend/internal/domain"
	"github.com/pesaloop/pesaloop-backend/internal/ledger"
	"github.com/pesaloop/pesaloop-backend/internal/notify"
	"github.com/pesaloop/pesaloop-backend/internal/reference"
	"github.com/pesaloop/pesaloop-backend/internal/testutil"
)

type creditFixture struct {
	svc        *Service
	users      *testutil.MemUserStore
	wallets    *testutil.MemWalletStore
	loans      *testutil.MemLoanStore
	txs        *testutil.MemTransactionStore
	dispatcher *testutil.FakeDispatcher
}

func newCreditFixture(t *testing.T) *creditFixture {
	t.Helper()

	users := testutil.NewMemUserStore()
	wallets := testutil.NewMemWalletStore()
	txs := testutil.NewMemTransactionStore()
	audit := testutil.NewMemAuditStore()
	loans := testutil.NewMemLoanStore()
	db := testutil.NewMemDB(wallets, txs, audit, loans)

	ledgerSvc := ledger.NewService(db, wallets, txs, audit, uuid.New())
	dispatcher := testutil.NewFakeDispatcher()
	svc := NewService(users, loans, txs, ledgerSvc, reference.New(testutil.NewFakeSequencer()), dispatcher)

	return &creditFixture{
		svc:        svc,
		users:      users,
		wallets:    wallets,
		loans:      loans,
		txs:        txs,
		dispatcher: dispatcher,
	}
}

func (f *creditFixture) seedUser(t *testing.T, verified bool) *domain.User {
	t.Helper()

	user := domain.User{ID: uuid.New(), IsVerified: verified, CreatedAt: time.Now()}
	f.users.Seed(user)
	return &user
}

// requestAndApprove walks a fresh loan to the approved state.
func (f *creditFixture) requestAndApprove(t *testing.T, borrowerID uuid.UUID, amount int64) *domain.Loan {
	t.Helper()
	ctx := context.Background()

	loan, err := f.svc.RequestLoan(ctx, borrowerID, domain.CurrencyKES, decimal.NewFromInt(amount))
	require.NoError(t, err)

	approver := f.seedUser(t, true)
	approved, err := f.svc.ApproveLoan(ctx, approver.ID, loan.ID)
	require.NoError(t, err)
	return approved
}

func TestRequestLoan(t *testing.T) {
	f := newCreditFixture(t)
	ctx := context.Background()

	borrower := f.seedUser(t, true)
	loan, err := f.svc.RequestLoan(ctx, borrower.ID, domain.CurrencyKES, decimal.NewFromInt(5000))
	require.NoError(t, err)

	assert.Equal(t, domain.LoanPending, loan.Status)
	assert.True(t, strings.HasPrefix(loan.ReferenceID, "LON"))
	assert.True(t, loan.AmountRepaid.IsZero())
	assert.Nil(t, loan.DueDate)
}

func TestRequestLoanQualification(t *testing.T) {
	f := newCreditFixture(t)
	ctx := context.Background()

	unverified := f.seedUser(t, false)
	_, err := f.svc.RequestLoan(ctx, unverified.ID, domain.CurrencyKES, decimal.NewFromInt(1000))
	require.ErrorIs(t, err, domain.ErrLoanNotQualified)

	// A second loan is refused while one is open, in any pre-closed state.
	borrower := f.seedUser(t, true)
	_, err = f.svc.RequestLoan(ctx, borrower.ID, domain.CurrencyKES, decimal.NewFromInt(1000))
	require.NoError(t, err)

	_, err = f.svc.RequestLoan(ctx, borrower.ID, domain.CurrencyKES, decimal.NewFromInt(2000))
	require.ErrorIs(t, err, domain.ErrLoanNotQualified)
}

func TestRequestLoanAfterRepayment(t *testing.T) {
	f := newCreditFixture(t)
	ctx := context.Background()

	borrower := f.seedUser(t, true)
	loan := f.requestAndApprove(t, borrower.ID, 1000)

	_, err := f.svc.DisburseLoan(ctx, loan.ID)
	require.NoError(t, err)
	_, err = f.svc.RepayLoan(ctx, borrower.ID, loan.ID, decimal.NewFromInt(1000))
	require.NoError(t, err)

	// A repaid loan no longer blocks new credit.
	_, err = f.svc.RequestLoan(ctx, borrower.ID, domain.CurrencyKES, decimal.NewFromInt(2000))
	require.NoError(t, err)
}

func TestApproveLoan(t *testing.T) {
	f := newCreditFixture(t)
	ctx := context.Background()

	borrower := f.seedUser(t, true)
	approver := f.seedUser(t, true)

	loan, err := f.svc.RequestLoan(ctx, borrower.ID, domain.CurrencyKES, decimal.NewFromInt(5000))
	require.NoError(t, err)

	// Borrowers cannot sign off on their own credit.
	_, err = f.svc.ApproveLoan(ctx, borrower.ID, loan.ID)
	require.ErrorIs(t, err, domain.ErrPermissionDenied)

	approved, err := f.svc.ApproveLoan(ctx, approver.ID, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LoanApproved, approved.Status)
	require.NotNil(t, approved.ApprovedBy)
	assert.Equal(t, approver.ID, *approved.ApprovedBy)
	assert.NotNil(t, approved.ApprovedAt)

	// Already reviewed.
	_, err = f.svc.ApproveLoan(ctx, approver.ID, loan.ID)
	require.ErrorIs(t, err, domain.ErrAlreadyProcessed)
	_, err = f.svc.RejectLoan(ctx, approver.ID, loan.ID)
	require.ErrorIs(t, err, domain.ErrAlreadyProcessed)
}

func TestRejectLoan(t *testing.T) {
	f := newCreditFixture(t)
	ctx := context.Background()

	borrower := f.seedUser(t, true)
	reviewer := f.seedUser(t, true)

	loan, err := f.svc.RequestLoan(ctx, borrower.ID, domain.CurrencyKES, decimal.NewFromInt(5000))
	require.NoError(t, err)

	rejected, err := f.svc.RejectLoan(ctx, reviewer.ID, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LoanRejected, rejected.Status)

	// Rejected loans cannot be disbursed.
	_, err = f.svc.DisburseLoan(ctx, loan.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	// And they free the borrower to apply again.
	_, err = f.svc.RequestLoan(ctx, borrower.ID, domain.CurrencyKES, decimal.NewFromInt(1000))
	require.NoError(t, err)
}

func TestDisburseLoan(t *testing.T) {
	f := newCreditFixture(t)
	ctx := context.Background()

	borrower := f.seedUser(t, true)
	loan := f.requestAndApprove(t, borrower.ID, 5000)

	before := time.Now()
	disbursed, err := f.svc.DisburseLoan(ctx, loan.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.LoanDisbursed, disbursed.Status)
	require.NotNil(t, disbursed.DisbursedAt)
	require.NotNil(t, disbursed.DueDate)
	assert.WithinDuration(t, before.AddDate(0, 0, domain.LoanTermDays), *disbursed.DueDate, time.Minute)

	wallet, err := f.wallets.GetByOwnerAndCurrency(ctx, borrower.ID, domain.CurrencyKES)
	require.NoError(t, err)
	assert.True(t, wallet.Balance.Equal(decimal.NewFromInt(5000)), "balance %s", wallet.Balance)

	records := f.txs.All()
	require.Len(t, records, 1)
	assert.Equal(t, domain.TransactionLoanDisbursement, records[0].Type)

	assert.Len(t, f.dispatcher.EventsOfType(notify.EventWalletCreated), 1)
	assert.Len(t, f.dispatcher.EventsOfType(notify.EventLoanDisbursed), 1)

	// Double disbursement is refused and credits nothing.
	_, err = f.svc.DisburseLoan(ctx, loan.ID)
	require.ErrorIs(t, err, domain.ErrAlreadyProcessed)

	wallet, err = f.wallets.GetByOwnerAndCurrency(ctx, borrower.ID, domain.CurrencyKES)
	require.NoError(t, err)
	assert.True(t, wallet.Balance.Equal(decimal.NewFromInt(5000)))
}

func TestDisbursePendingLoan(t *testing.T) {
	f := newCreditFixture(t)
	ctx := context.Background()

	borrower := f.seedUser(t, true)
	loan, err := f.svc.RequestLoan(ctx, borrower.ID, domain.CurrencyKES, decimal.NewFromInt(5000))
	require.NoError(t, err)

	_, err = f.svc.DisburseLoan(ctx, loan.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestRepayLoanInInstallments(t *testing.T) {
	f := newCreditFixture(t)
	ctx := context.Background()

	borrower := f.seedUser(t, true)
	loan := f.requestAndApprove(t, borrower.ID, 1000)
	_, err := f.svc.DisburseLoan(ctx, loan.ID)
	require.NoError(t, err)

	partial, err := f.svc.RepayLoan(ctx, borrower.ID, loan.ID, decimal.NewFromInt(400))
	require.NoError(t, err)
	assert.Equal(t, domain.LoanDisbursed, partial.Status)
	assert.True(t, partial.AmountRepaid.Equal(decimal.NewFromInt(400)))

	closed, err := f.svc.RepayLoan(ctx, borrower.ID, loan.ID, decimal.NewFromInt(600))
	require.NoError(t, err)
	assert.Equal(t, domain.LoanRepaid, closed.Status)
	assert.True(t, closed.AmountRepaid.Equal(decimal.NewFromInt(1000)))

	wallet, err := f.wallets.GetByOwnerAndCurrency(ctx, borrower.ID, domain.CurrencyKES)
	require.NoError(t, err)
	assert.True(t, wallet.Balance.IsZero(), "balance %s", wallet.Balance)

	// Fully repaid loans take no further payments.
	_, err = f.svc.RepayLoan(ctx, borrower.ID, loan.ID, decimal.NewFromInt(100))
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestRepayLoanClampsOverpayment(t *testing.T) {
	f := newCreditFixture(t)
	ctx := context.Background()

	borrower := f.seedUser(t, true)
	loan := f.requestAndApprove(t, borrower.ID, 1000)
	_, err := f.svc.DisburseLoan(ctx, loan.ID)
	require.NoError(t, err)

	closed, err := f.svc.RepayLoan(ctx, borrower.ID, loan.ID, decimal.NewFromInt(5000))
	require.NoError(t, err)
	assert.Equal(t, domain.LoanRepaid, closed.Status)
	assert.True(t, closed.AmountRepaid.Equal(decimal.NewFromInt(1000)))

	// Only the owed 1000 left the wallet.
	wallet, err := f.wallets.GetByOwnerAndCurrency(ctx, borrower.ID, domain.CurrencyKES)
	require.NoError(t, err)
	assert.True(t, wallet.Balance.IsZero(), "balance %s", wallet.Balance)
}

func TestRepayLoanWrongBorrower(t *testing.T) {
	f := newCreditFixture(t)
	ctx := context.Background()

	borrower := f.seedUser(t, true)
	stranger := f.seedUser(t, true)
	loan := f.requestAndApprove(t, borrower.ID, 1000)
	_, err := f.svc.DisburseLoan(ctx, loan.ID)
	require.NoError(t, err)

	_, err = f.svc.RepayLoan(ctx, stranger.ID, loan.ID, decimal.NewFromInt(100))
	require.ErrorIs(t, err, domain.ErrPermissionDenied)
}

func TestRepayLoanInsufficientFunds(t *testing.T) {
	f := newCreditFixture(t)
	ctx := context.Background()

	borrower := f.seedUser(t, true)
	loan := f.requestAndApprove(t, borrower.ID, 1000)
	_, err := f.svc.DisburseLoan(ctx, loan.ID)
	require.NoError(t, err)

	// Spend the disbursed funds elsewhere, then try to repay.
	wallet, err := f.wallets.GetByOwnerAndCurrency(ctx, borrower.ID, domain.CurrencyKES)
	require.NoError(t, err)
	wallet.Balance = decimal.NewFromInt(50)
	f.wallets.Seed(*wallet)

	_, err = f.svc.RepayLoan(ctx, borrower.ID, loan.ID, decimal.NewFromInt(1000))
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	stored, err := f.svc.Loan(ctx, loan.ID)
	require.NoError(t, err)
	assert.True(t, stored.AmountRepaid.IsZero())
	assert.Equal(t, domain.LoanDisbursed, stored.Status)
}
