package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionInternalTransfer TransactionType = "INTERNAL_TRANSFER"
	TransactionInternalRequest  TransactionType = "INTERNAL_REQUEST"
	TransactionCurrencyExchange TransactionType = "CURRENCY_EXCHANGE"
	TransactionTopUp            TransactionType = "TOPUP"
	TransactionPaybillTopUp     TransactionType = "PAYBILL_TOPUP"
	TransactionLoanDisbursement TransactionType = "LOAN_DISBURSEMENT"
	TransactionLoanRepayment    TransactionType = "LOAN_REPAYMENT"
)

type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "PENDING"
	TransactionSuccess   TransactionStatus = "SUCCESS"
	TransactionFailed    TransactionStatus = "FAILED"
	TransactionCancelled TransactionStatus = "CANCELLED"
	TransactionReversed  TransactionStatus = "REVERSED"
	TransactionFlagged   TransactionStatus = "FLAGGED"
)

// transitions is one-directional: once a record leaves PENDING it never
// returns, and terminal states admit no successor except the
// SUCCESS -> REVERSED correction path.
var transactionTransitions = map[TransactionStatus][]TransactionStatus{
	TransactionPending: {TransactionSuccess, TransactionFailed, TransactionCancelled, TransactionFlagged},
	TransactionFlagged: {TransactionSuccess, TransactionFailed},
	TransactionSuccess: {TransactionReversed},
}

func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	for _, allowed := range transactionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case TransactionFailed, TransactionCancelled, TransactionReversed:
		return true
	}
	return false
}

// TransactionRecord is immutable once created except for status and the
// terminal timestamp.
type TransactionRecord struct {
	ID               uuid.UUID
	ReferenceID      string
	Type             TransactionType
	Amount           decimal.Decimal
	Currency         Currency
	Charge           decimal.Decimal
	Status           TransactionStatus
	SenderWalletID   uuid.UUID
	ReceiverWalletID uuid.UUID
	RequestID        *uuid.UUID
	Provider         string
	ProviderRef      string
	Reason           string
	Metadata         json.RawMessage
	CreatedAt        time.Time
	CompletedAt      *time.Time
}
