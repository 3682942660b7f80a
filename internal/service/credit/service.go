// Package credit manages the loan lifecycle: request, approval,
// disbursement into the borrower's wallet, and repayment.
package credit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pesaloop/pesaloop-backend/internal/domain"
	"github.com/pesaloop/pesaloop-backend/internal/ledger"
	"github.com/pesaloop/pesaloop-backend/internal/logging"
	"github.com/pesaloop/pesaloop-backend/internal/notify"
	"github.com/pesaloop/pesaloop-backend/internal/reference"
	"github.com/pesaloop/pesaloop-backend/internal/repository"
)

type userStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
}

type loanStore interface {
	Create(ctx context.Context, loan *domain.Loan) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Loan, error)
	GetForUpdate(ctx context.Context, tx repository.Tx, id uuid.UUID) (*domain.Loan, error)
	Update(ctx context.Context, tx repository.Tx, loan *domain.Loan) error
	OutstandingByBorrower(ctx context.Context, borrowerID uuid.UUID) ([]domain.Loan, error)
}

type transactionStore interface {
	Create(ctx context.Context, tx repository.Tx, record *domain.TransactionRecord) error
}

type Service struct {
	users        userStore
	loans        loanStore
	transactions transactionStore
	ledger       *ledger.Service
	refs         *reference.Generator
	dispatcher   notify.Dispatcher
	now          func() time.Time
}

func NewService(users userStore, loans loanStore, transactions transactionStore, ledgerSvc *ledger.Service, refs *reference.Generator, dispatcher notify.Dispatcher) *Service {
	return &Service{
		users:        users,
		loans:        loans,
		transactions: transactions,
		ledger:       ledgerSvc,
		refs:         refs,
		dispatcher:   dispatcher,
		now:          time.Now,
	}
}

// RequestLoan opens a pending loan application. Only verified users
// with no outstanding loans qualify.
func (s *Service) RequestLoan(ctx context.Context, borrowerID uuid.UUID, currency domain.Currency, amount decimal.Decimal) (*domain.Loan, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("RequestLoan: %w", domain.ErrInvalidAmount)
	}
	if !currency.IsValid() {
		return nil, fmt.Errorf("RequestLoan: %s: %w", currency, domain.ErrUnsupportedCurrency)
	}

	borrower, err := s.users.GetByID(ctx, borrowerID)
	if err != nil {
		return nil, fmt.Errorf("RequestLoan: borrower: %w", err)
	}
	if !borrower.IsVerified {
		return nil, fmt.Errorf("RequestLoan: unverified borrower: %w", domain.ErrLoanNotQualified)
	}

	outstanding, err := s.loans.OutstandingByBorrower(ctx, borrowerID)
	if err != nil {
		return nil, fmt.Errorf("RequestLoan: %w", err)
	}
	if len(outstanding) > 0 {
		return nil, fmt.Errorf("RequestLoan: outstanding loan exists: %w", domain.ErrLoanNotQualified)
	}

	ref, err := s.refs.Generate(ctx, reference.EntityLoan)
	if err != nil {
		return nil, fmt.Errorf("RequestLoan: %w", err)
	}

	loan := &domain.Loan{
		ID:           uuid.New(),
		ReferenceID:  ref,
		BorrowerID:   borrowerID,
		Amount:       amount,
		Currency:     currency,
		AmountRepaid: decimal.Zero,
		Status:       domain.LoanPending,
		CreatedAt:    s.now(),
	}
	if err := s.loans.Create(ctx, loan); err != nil {
		return nil, fmt.Errorf("RequestLoan: %w", err)
	}

	logging.FromContext(ctx).Info("loan requested",
		"reference", ref, "borrower_id", borrowerID, "amount", amount, "currency", currency)
	return loan, nil
}

// ApproveLoan moves a pending application to approved. Borrowers
// cannot approve their own loans.
func (s *Service) ApproveLoan(ctx context.Context, approverID, loanID uuid.UUID) (*domain.Loan, error) {
	loan, err := s.reviewLoan(ctx, approverID, loanID, domain.LoanApproved)
	if err != nil {
		return nil, fmt.Errorf("ApproveLoan: %w", err)
	}
	return loan, nil
}

// RejectLoan closes a pending application without disbursing.
func (s *Service) RejectLoan(ctx context.Context, reviewerID, loanID uuid.UUID) (*domain.Loan, error) {
	loan, err := s.reviewLoan(ctx, reviewerID, loanID, domain.LoanRejected)
	if err != nil {
		return nil, fmt.Errorf("RejectLoan: %w", err)
	}
	return loan, nil
}

func (s *Service) reviewLoan(ctx context.Context, reviewerID, loanID uuid.UUID, verdict domain.LoanStatus) (*domain.Loan, error) {
	var reviewed *domain.Loan
	err := s.ledger.WithTx(ctx, func(tx repository.Tx) error {
		loan, err := s.loans.GetForUpdate(ctx, tx, loanID)
		if err != nil {
			return err
		}
		if loan.Status != domain.LoanPending {
			return domain.ErrAlreadyProcessed
		}
		if loan.BorrowerID == reviewerID {
			return fmt.Errorf("borrowers cannot review their own loans: %w", domain.ErrPermissionDenied)
		}

		now := s.now()
		loan.Status = verdict
		loan.ApprovedBy = &reviewerID
		loan.ApprovedAt = &now

		if err := s.loans.Update(ctx, tx, loan); err != nil {
			return err
		}
		reviewed = loan
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reviewed, nil
}

// DisburseLoan credits an approved loan into the borrower's wallet and
// starts the repayment clock.
func (s *Service) DisburseLoan(ctx context.Context, loanID uuid.UUID) (*domain.Loan, error) {
	var (
		disbursed *domain.Loan
		created   bool
		ref       string
	)
	err := s.ledger.WithTx(ctx, func(tx repository.Tx) error {
		loan, err := s.loans.GetForUpdate(ctx, tx, loanID)
		if err != nil {
			return err
		}
		if loan.Status != domain.LoanApproved {
			if loan.Status == domain.LoanDisbursed {
				return domain.ErrAlreadyProcessed
			}
			return fmt.Errorf("loan is %s: %w", loan.Status, domain.ErrInvalidTransition)
		}
		ref = loan.ReferenceID

		wallet, walletCreated, err := s.ledger.GetOrCreateWalletInTx(ctx, tx, loan.BorrowerID, loan.Currency)
		if err != nil {
			return err
		}
		created = walletCreated

		if _, err := s.ledger.Credit(ctx, tx, wallet.ID, loan.Amount, ref, "loan disbursement"); err != nil {
			return err
		}

		now := s.now()
		due := now.AddDate(0, 0, domain.LoanTermDays)
		loan.Status = domain.LoanDisbursed
		loan.DisbursedAt = &now
		loan.DueDate = &due

		record := &domain.TransactionRecord{
			ID:               uuid.New(),
			ReferenceID:      ref,
			Type:             domain.TransactionLoanDisbursement,
			Amount:           loan.Amount,
			Currency:         loan.Currency,
			Charge:           decimal.Zero,
			Status:           domain.TransactionSuccess,
			SenderWalletID:   wallet.ID,
			ReceiverWalletID: wallet.ID,
			Reason:           "loan disbursement",
			CreatedAt:        now,
			CompletedAt:      &now,
		}
		if err := s.transactions.Create(ctx, tx, record); err != nil {
			return err
		}
		if err := s.loans.Update(ctx, tx, loan); err != nil {
			return err
		}
		disbursed = loan
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("DisburseLoan: %w", err)
	}

	if created {
		s.dispatcher.Dispatch(ctx, notify.Event{
			Type:      notify.EventWalletCreated,
			UserID:    disbursed.BorrowerID,
			Reference: ref,
			Payload:   map[string]any{"currency": string(disbursed.Currency)},
		})
	}
	s.dispatcher.Dispatch(ctx, notify.Event{
		Type:      notify.EventLoanDisbursed,
		UserID:    disbursed.BorrowerID,
		Reference: ref,
		Payload: map[string]any{
			"amount":   disbursed.Amount.String(),
			"currency": string(disbursed.Currency),
			"due_date": disbursed.DueDate.Format(time.RFC3339),
		},
	})
	return disbursed, nil
}

// RepayLoan debits the borrower's wallet against the loan. Paying more
// than is owed repays exactly the outstanding amount; reaching zero
// owed closes the loan.
func (s *Service) RepayLoan(ctx context.Context, borrowerID, loanID uuid.UUID, amount decimal.Decimal) (*domain.Loan, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("RepayLoan: %w", domain.ErrInvalidAmount)
	}

	ref, err := s.refs.Generate(ctx, reference.EntityRepayment)
	if err != nil {
		return nil, fmt.Errorf("RepayLoan: %w", err)
	}

	var repaid *domain.Loan
	err = s.ledger.WithTx(ctx, func(tx repository.Tx) error {
		loan, err := s.loans.GetForUpdate(ctx, tx, loanID)
		if err != nil {
			return err
		}
		if loan.BorrowerID != borrowerID {
			return fmt.Errorf("loan belongs to another borrower: %w", domain.ErrPermissionDenied)
		}
		if loan.Status != domain.LoanDisbursed {
			return fmt.Errorf("loan is %s: %w", loan.Status, domain.ErrInvalidTransition)
		}

		outstanding := loan.Amount.Sub(loan.AmountRepaid)
		payment := amount
		if payment.GreaterThan(outstanding) {
			payment = outstanding
		}

		wallet, err := s.ledger.WalletForCurrencyInTx(ctx, tx, borrowerID, loan.Currency)
		if err != nil {
			return err
		}
		if _, err := s.ledger.Debit(ctx, tx, wallet.ID, payment, ref, "loan repayment"); err != nil {
			return err
		}

		now := s.now()
		record := &domain.TransactionRecord{
			ID:               uuid.New(),
			ReferenceID:      ref,
			Type:             domain.TransactionLoanRepayment,
			Amount:           payment,
			Currency:         loan.Currency,
			Charge:           decimal.Zero,
			Status:           domain.TransactionSuccess,
			SenderWalletID:   wallet.ID,
			ReceiverWalletID: wallet.ID,
			Reason:           "loan repayment",
			CreatedAt:        now,
			CompletedAt:      &now,
		}
		if err := s.transactions.Create(ctx, tx, record); err != nil {
			return err
		}

		loan.AmountRepaid = loan.AmountRepaid.Add(payment)
		if loan.AmountRepaid.GreaterThanOrEqual(loan.Amount) {
			loan.Status = domain.LoanRepaid
		}
		if err := s.loans.Update(ctx, tx, loan); err != nil {
			return err
		}
		repaid = loan
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("RepayLoan: %w", err)
	}

	logging.FromContext(ctx).Info("loan repayment recorded",
		"reference", ref, "loan", repaid.ReferenceID, "repaid", repaid.AmountRepaid, "status", repaid.Status)
	return repaid, nil
}

func (s *Service) Loan(ctx context.Context, id uuid.UUID) (*domain.Loan, error) {
	loan, err := s.loans.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("Loan: %w", err)
	}
	return loan, nil
}

// OutstandingLoans lists the borrower's loans that are not yet closed.
func (s *Service) OutstandingLoans(ctx context.Context, borrowerID uuid.UUID) ([]domain.Loan, error) {
	loans, err := s.loans.OutstandingByBorrower(ctx, borrowerID)
	if err != nil {
		return nil, fmt.Errorf("OutstandingLoans: %w", err)
	}
	return loans, nil
}
