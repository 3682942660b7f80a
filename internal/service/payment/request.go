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
	"github.com/pesaloop/pesaloop-backend/internal/repository"
)

type RequestParams struct {
	RequesterID uuid.UUID
	RequesteeID uuid.UUID
	Currency    domain.Currency
	Amount      decimal.Decimal
	Reason      string
}

// CreateRequest records a pending ask: the requester wants the
// requestee to pay them Amount in Currency.
func (s *Service) CreateRequest(ctx context.Context, p RequestParams) (*domain.RequestedTransaction, error) {
	if !p.Amount.IsPositive() {
		return nil, fmt.Errorf("CreateRequest: %w", domain.ErrInvalidAmount)
	}
	if !p.Currency.IsValid() {
		return nil, fmt.Errorf("CreateRequest: %s: %w", p.Currency, domain.ErrUnsupportedCurrency)
	}
	if p.RequesterID == p.RequesteeID {
		return nil, fmt.Errorf("CreateRequest: %w", domain.ErrSelfTransfer)
	}
	if _, err := s.users.GetByID(ctx, p.RequesteeID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("CreateRequest: %w", domain.ErrRecipientNotFound)
		}
		return nil, fmt.Errorf("CreateRequest: requestee: %w", err)
	}

	ref, err := s.refs.Generate(ctx, reference.EntityPaymentRequest)
	if err != nil {
		return nil, fmt.Errorf("CreateRequest: %w", err)
	}

	request := &domain.RequestedTransaction{
		ID:             uuid.New(),
		ReferenceID:    ref,
		RequestingUser: p.RequesterID,
		RequestedUser:  p.RequesteeID,
		Amount:         p.Amount,
		Currency:       p.Currency,
		Status:         domain.RequestPending,
		Reason:         p.Reason,
		CreatedAt:      s.now(),
	}
	if err := s.requests.Create(ctx, request); err != nil {
		return nil, fmt.Errorf("CreateRequest: %w", err)
	}

	s.dispatcher.Dispatch(ctx, notify.Event{
		Type:      notify.EventRequestCreated,
		UserID:    p.RequesteeID,
		Reference: ref,
		Payload: map[string]any{
			"amount":   p.Amount.String(),
			"currency": string(p.Currency),
		},
	})
	return request, nil
}

// ResolveRequest settles a pending request. The requester may cancel;
// the requestee may approve or decline. Approval transfers the amount
// from the requestee to the requester, with the requestee paying the
// fee, atomically with the status flip. Terminal requests stay
// terminal: a second resolution fails with ErrAlreadyProcessed.
func (s *Service) ResolveRequest(ctx context.Context, actorID, requestID uuid.UUID, action domain.RequestAction) (*domain.RequestedTransaction, *domain.TransactionRecord, error) {
	var (
		resolved *domain.RequestedTransaction
		record   *domain.TransactionRecord
	)

	// Generated up front so the transactional closure is re-runnable.
	transferRef, err := s.refs.Generate(ctx, reference.EntityTransaction)
	if err != nil {
		return nil, nil, fmt.Errorf("ResolveRequest: %w", err)
	}

	err = s.ledger.WithTx(ctx, func(tx repository.Tx) error {
		request, err := s.requests.GetForUpdate(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if request.Status.IsTerminal() {
			return domain.ErrAlreadyProcessed
		}

		switch action {
		case domain.RequestActionCancel:
			if actorID != request.RequestingUser {
				return fmt.Errorf("only the requester may cancel: %w", domain.ErrPermissionDenied)
			}
			request.Status = domain.RequestCancelled

		case domain.RequestActionDecline:
			if actorID != request.RequestedUser {
				return fmt.Errorf("only the requestee may decline: %w", domain.ErrPermissionDenied)
			}
			request.Status = domain.RequestDeclined

		case domain.RequestActionApprove:
			if actorID != request.RequestedUser {
				return fmt.Errorf("only the requestee may approve: %w", domain.ErrPermissionDenied)
			}
			record, err = s.settleRequest(ctx, tx, request, transferRef)
			if err != nil {
				return err
			}
			request.Status = domain.RequestSuccess

		default:
			return fmt.Errorf("action %q: %w", action, domain.ErrInvalidRequest)
		}

		a := action
		now := s.now()
		request.Action = &a
		request.ResolvedAt = &now

		if err := s.requests.Resolve(ctx, tx, request); err != nil {
			return err
		}
		resolved = request
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("ResolveRequest: %w", err)
	}

	for _, userID := range []uuid.UUID{resolved.RequestingUser, resolved.RequestedUser} {
		s.dispatcher.Dispatch(ctx, notify.Event{
			Type:      notify.EventRequestResolved,
			UserID:    userID,
			Reference: resolved.ReferenceID,
			Payload: map[string]any{
				"status": string(resolved.Status),
				"action": string(action),
			},
		})
	}
	return resolved, record, nil
}

func (s *Service) settleRequest(ctx context.Context, tx repository.Tx, request *domain.RequestedTransaction, transferRef string) (*domain.TransactionRecord, error) {
	payer, err := s.users.GetByID(ctx, request.RequestedUser)
	if err != nil {
		return nil, err
	}
	if !payer.IsVerified && request.Amount.GreaterThan(s.unverifiedLimit) {
		return nil, fmt.Errorf("unverified accounts may send at most %s: %w",
			s.unverifiedLimit, domain.ErrLimitExceeded)
	}

	payerWallet, err := s.ledger.WalletForCurrencyInTx(ctx, tx, request.RequestedUser, request.Currency)
	if err != nil {
		return nil, err
	}
	payeeWallet, _, err := s.ledger.GetOrCreateWalletInTx(ctx, tx, request.RequestingUser, request.Currency)
	if err != nil {
		return nil, err
	}

	fee, err := s.fees.Fee(request.Amount)
	if err != nil {
		return nil, err
	}

	return s.ledger.TransferInTx(ctx, tx, ledger.TransferParams{
		SenderWalletID:   payerWallet.ID,
		ReceiverWalletID: payeeWallet.ID,
		Amount:           request.Amount,
		Fee:              fee,
		Type:             domain.TransactionInternalRequest,
		Reference:        transferRef,
		RequestID:        &request.ID,
		Reason:           request.Reason,
	})
}

// Requests lists requests where the user is either party.
func (s *Service) Requests(ctx context.Context, userID uuid.UUID, limit int) ([]domain.RequestedTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	requests, err := s.requests.ListForUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("Requests: %w", err)
	}
	return requests, nil
}
