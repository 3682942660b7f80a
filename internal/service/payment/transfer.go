package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pesaloop/pesaloop-backend/internal/domain"
	"github.com/pesaloop/pesaloop-backend/internal/ledger"
	"github.com/pesaloop/pesaloop-backend/internal/notify"
	"github.com/pesaloop/pesaloop-backend/internal/reference"
)

type SendParams struct {
	SenderID    uuid.UUID
	RecipientID uuid.UUID
	Currency    domain.Currency
	Amount      decimal.Decimal
	Reason      string
}

// SendMoney moves funds from the sender's wallet to the recipient's
// wallet in the given currency, charging the sender the transaction
// fee. The recipient's wallet is created on first receipt.
func (s *Service) SendMoney(ctx context.Context, p SendParams) (*domain.TransactionRecord, error) {
	if !p.Amount.IsPositive() {
		return nil, fmt.Errorf("SendMoney: %w", domain.ErrInvalidAmount)
	}
	if !p.Currency.IsValid() {
		return nil, fmt.Errorf("SendMoney: %s: %w", p.Currency, domain.ErrUnsupportedCurrency)
	}
	if p.SenderID == p.RecipientID {
		return nil, fmt.Errorf("SendMoney: %w", domain.ErrSelfTransfer)
	}

	sender, err := s.users.GetByID(ctx, p.SenderID)
	if err != nil {
		return nil, fmt.Errorf("SendMoney: sender: %w", err)
	}
	if _, err := s.users.GetByID(ctx, p.RecipientID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("SendMoney: %w", domain.ErrRecipientNotFound)
		}
		return nil, fmt.Errorf("SendMoney: recipient: %w", err)
	}

	if !sender.IsVerified && p.Amount.GreaterThan(s.unverifiedLimit) {
		return nil, fmt.Errorf("SendMoney: unverified accounts may send at most %s: %w",
			s.unverifiedLimit, domain.ErrLimitExceeded)
	}

	senderWallet, err := s.ledger.WalletForCurrency(ctx, p.SenderID, p.Currency)
	if err != nil {
		return nil, fmt.Errorf("SendMoney: %w", err)
	}

	fee, err := s.fees.Fee(p.Amount)
	if err != nil {
		return nil, fmt.Errorf("SendMoney: %w", err)
	}

	recipientWallet, created, err := s.ledger.GetOrCreateWallet(ctx, p.RecipientID, p.Currency)
	if err != nil {
		return nil, fmt.Errorf("SendMoney: %w", err)
	}

	ref, err := s.refs.Generate(ctx, reference.EntityTransaction)
	if err != nil {
		return nil, fmt.Errorf("SendMoney: %w", err)
	}

	record, err := s.ledger.Transfer(ctx, ledger.TransferParams{
		SenderWalletID:   senderWallet.ID,
		ReceiverWalletID: recipientWallet.ID,
		Amount:           p.Amount,
		Fee:              fee,
		Type:             domain.TransactionInternalTransfer,
		Reference:        ref,
		Reason:           p.Reason,
	})
	if err != nil {
		return nil, fmt.Errorf("SendMoney: %w", err)
	}

	if created {
		s.dispatcher.Dispatch(ctx, notify.Event{
			Type:      notify.EventWalletCreated,
			UserID:    p.RecipientID,
			Reference: ref,
			Payload:   map[string]any{"currency": string(p.Currency)},
		})
	}
	for _, userID := range []uuid.UUID{p.SenderID, p.RecipientID} {
		s.dispatcher.Dispatch(ctx, notify.Event{
			Type:      notify.EventTransferCompleted,
			UserID:    userID,
			Reference: ref,
			Payload: map[string]any{
				"amount":   p.Amount.String(),
				"currency": string(p.Currency),
			},
		})
	}
	return record, nil
}
