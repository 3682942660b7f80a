package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/pesaloop/pesaloop-backend/internal/domain"
)

const loanColumns = `id, reference_id, borrower_id, amount, currency, amount_repaid,
	status, approved_by, approved_at, disbursed_at, due_date, created_at`

type LoanRepository struct {
	db *sql.DB
}

func NewLoanRepository(db *sql.DB) *LoanRepository {
	return &LoanRepository{db: db}
}

func (r *LoanRepository) Create(ctx context.Context, loan *domain.Loan) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO loans (
			id, reference_id, borrower_id, amount, currency, amount_repaid,
			status, approved_by, approved_at, disbursed_at, due_date, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		loan.ID, loan.ReferenceID, loan.BorrowerID, loan.Amount, loan.Currency,
		loan.AmountRepaid, loan.Status, loan.ApprovedBy, loan.ApprovedAt,
		loan.DisbursedAt, loan.DueDate, loan.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *LoanRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Loan, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE id = $1`, id,
	)
	loan, err := scanLoan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return loan, nil
}

func (r *LoanRepository) GetForUpdate(ctx context.Context, tx Tx, id uuid.UUID) (*domain.Loan, error) {
	stx, err := sqlTx(tx)
	if err != nil {
		return nil, fmt.Errorf("GetForUpdate: %w", err)
	}

	row := stx.QueryRowContext(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE id = $1 FOR UPDATE`, id,
	)
	loan, err := scanLoan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetForUpdate: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetForUpdate: %w", translate(err))
	}
	return loan, nil
}

func (r *LoanRepository) Update(ctx context.Context, tx Tx, loan *domain.Loan) error {
	stx, err := sqlTx(tx)
	if err != nil {
		return fmt.Errorf("Update: %w", err)
	}

	res, err := stx.ExecContext(ctx,
		`UPDATE loans SET amount_repaid = $1, status = $2, approved_by = $3,
			approved_at = $4, disbursed_at = $5, due_date = $6
		WHERE id = $7`,
		loan.AmountRepaid, loan.Status, loan.ApprovedBy,
		loan.ApprovedAt, loan.DisbursedAt, loan.DueDate, loan.ID,
	)
	if err != nil {
		return fmt.Errorf("Update: %w", translate(err))
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("Update: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("Update: %w", domain.ErrNotFound)
	}
	return nil
}

// OutstandingByBorrower returns the borrower's loans that are not yet
// repaid or rejected. Used to enforce one active loan at a time.
func (r *LoanRepository) OutstandingByBorrower(ctx context.Context, borrowerID uuid.UUID) ([]domain.Loan, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+loanColumns+` FROM loans
		WHERE borrower_id = $1 AND status NOT IN ($2, $3)
		ORDER BY created_at DESC`,
		borrowerID, domain.LoanRepaid, domain.LoanRejected,
	)
	if err != nil {
		return nil, fmt.Errorf("OutstandingByBorrower: %w", err)
	}
	defer rows.Close()

	var loans []domain.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("OutstandingByBorrower: scan: %w", err)
		}
		loans = append(loans, *loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("OutstandingByBorrower: rows: %w", err)
	}
	return loans, nil
}

func scanLoan(s scanner) (*domain.Loan, error) {
	var loan domain.Loan
	err := s.Scan(
		&loan.ID, &loan.ReferenceID, &loan.BorrowerID, &loan.Amount, &loan.Currency,
		&loan.AmountRepaid, &loan.Status, &loan.ApprovedBy, &loan.ApprovedAt,
		&loan.DisbursedAt, &loan.DueDate, &loan.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &loan, nil
}
