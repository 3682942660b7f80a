package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type LoanStatus string

const (
	LoanPending   LoanStatus = "PENDING"
	LoanApproved  LoanStatus = "APPROVED"
	LoanDisbursed LoanStatus = "DISBURSED"
	LoanRepaid    LoanStatus = "REPAID"
	LoanRejected  LoanStatus = "REJECTED"
)

// LoanTermDays is the repayment window granted at disbursement.
const LoanTermDays = 30

type Loan struct {
	ID             uuid.UUID
	ReferenceID    string
	BorrowerID     uuid.UUID
	Amount         decimal.Decimal
	Currency       Currency
	AmountRepaid   decimal.Decimal
	Status         LoanStatus
	ApprovedBy     *uuid.UUID
	ApprovedAt     *time.Time
	DisbursedAt    *time.Time
	DueDate        *time.Time
	CreatedAt      time.Time
}
