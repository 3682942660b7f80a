// Package topup funds wallets from mobile money. STK push charges are
// initiated against the provider and settled asynchronously through
// signed callbacks; paybill deposits arrive unsolicited and are
// credited on confirmation.
package topup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pesaloop/pesaloop-backend/internal/config"
	"github.com/pesaloop/pesaloop-backend/internal/domain"
	"github.com/pesaloop/pesaloop-backend/internal/ledger"
	"github.com/pesaloop/pesaloop-backend/internal/logging"
	"github.com/pesaloop/pesaloop-backend/internal/notify"
	"github.com/pesaloop/pesaloop-backend/internal/reference"
	"github.com/pesaloop/pesaloop-backend/internal/repository"
)

const (
	ProviderMpesa = "MPESA"

	stkResultSuccess   = 0
	stkResultCancelled = 1032

	callbackTokenTTL = 15 * time.Minute
)

type userStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
	GetByPhone(ctx context.Context, phone string) (*domain.User, error)
}

type transactionStore interface {
	Create(ctx context.Context, tx repository.Tx, record *domain.TransactionRecord) error
	GetByReference(ctx context.Context, reference string) (*domain.TransactionRecord, error)
	GetForUpdate(ctx context.Context, tx repository.Tx, reference string) (*domain.TransactionRecord, error)
	GetByProviderRef(ctx context.Context, provider, providerRef string) (*domain.TransactionRecord, error)
	UpdateStatus(ctx context.Context, tx repository.Tx, record *domain.TransactionRecord, next domain.TransactionStatus, completedAt *time.Time) error
	UpdateMetadata(ctx context.Context, tx repository.Tx, record *domain.TransactionRecord) error
}

type Service struct {
	users        userStore
	transactions transactionStore
	ledger       *ledger.Service
	gateway      Gateway
	refs         *reference.Generator
	dispatcher   notify.Dispatcher
	jwtSecret    string
	callbackURL  string
	now          func() time.Time
}

func NewService(users userStore, transactions transactionStore, ledgerSvc *ledger.Service, gateway Gateway, refs *reference.Generator, dispatcher notify.Dispatcher, cfg *config.Config) *Service {
	return &Service{
		users:        users,
		transactions: transactions,
		ledger:       ledgerSvc,
		gateway:      gateway,
		refs:         refs,
		dispatcher:   dispatcher,
		jwtSecret:    cfg.JWTSecret,
		callbackURL:  cfg.MpesaCallbackURL,
		now:          time.Now,
	}
}

type InitiateParams struct {
	UserID      uuid.UUID
	PhoneNumber string
	Amount      decimal.Decimal
}

// InitiateTopUp records a pending top-up and asks the provider to
// prompt the user's phone for payment. The wallet is credited only
// when the signed callback confirms the charge.
func (s *Service) InitiateTopUp(ctx context.Context, p InitiateParams) (*domain.TransactionRecord, error) {
	if !p.Amount.IsPositive() {
		return nil, fmt.Errorf("InitiateTopUp: %w", domain.ErrInvalidAmount)
	}
	if p.PhoneNumber == "" {
		return nil, fmt.Errorf("InitiateTopUp: phone number required: %w", domain.ErrInvalidRequest)
	}
	if _, err := s.users.GetByID(ctx, p.UserID); err != nil {
		return nil, fmt.Errorf("InitiateTopUp: user: %w", err)
	}

	// Mobile money settles in shillings.
	wallet, created, err := s.ledger.GetOrCreateWallet(ctx, p.UserID, domain.CurrencyKES)
	if err != nil {
		return nil, fmt.Errorf("InitiateTopUp: %w", err)
	}

	ref, err := s.refs.Generate(ctx, reference.EntityMpesa)
	if err != nil {
		return nil, fmt.Errorf("InitiateTopUp: %w", err)
	}

	token, err := newCallbackToken(s.jwtSecret, ref, callbackTokenTTL, s.now())
	if err != nil {
		return nil, fmt.Errorf("InitiateTopUp: %w", err)
	}

	record := &domain.TransactionRecord{
		ID:               uuid.New(),
		ReferenceID:      ref,
		Type:             domain.TransactionTopUp,
		Amount:           p.Amount,
		Currency:         domain.CurrencyKES,
		Charge:           decimal.Zero,
		Status:           domain.TransactionPending,
		SenderWalletID:   wallet.ID,
		ReceiverWalletID: wallet.ID,
		Provider:         ProviderMpesa,
		Reason:           "mpesa top-up",
		CreatedAt:        s.now(),
	}
	err = s.ledger.WithTx(ctx, func(tx repository.Tx) error {
		return s.transactions.Create(ctx, tx, record)
	})
	if err != nil {
		return nil, fmt.Errorf("InitiateTopUp: %w", err)
	}

	stk, err := s.gateway.InitiateSTKPush(ctx, STKRequest{
		PhoneNumber: p.PhoneNumber,
		Amount:      p.Amount,
		Reference:   ref,
		Description: "Wallet top up",
		CallbackURL: s.callbackURL + "?token=" + token,
	})
	if err != nil {
		s.failTopUp(ctx, record)
		return nil, fmt.Errorf("InitiateTopUp: %w", err)
	}

	metadata, _ := json.Marshal(map[string]string{
		"merchant_request_id": stk.MerchantRequestID,
		"checkout_request_id": stk.CheckoutRequestID,
	})
	record.Metadata = metadata
	err = s.ledger.WithTx(ctx, func(tx repository.Tx) error {
		return s.transactions.UpdateMetadata(ctx, tx, record)
	})
	if err != nil {
		logging.FromContext(ctx).Warn("failed to persist gateway metadata",
			"reference", ref, "error", err)
	}

	if created {
		s.dispatcher.Dispatch(ctx, notify.Event{
			Type:      notify.EventWalletCreated,
			UserID:    p.UserID,
			Reference: ref,
			Payload:   map[string]any{"currency": string(domain.CurrencyKES)},
		})
	}

	logging.FromContext(ctx).Info("stk push initiated",
		"reference", ref, "user_id", p.UserID, "amount", p.Amount)
	return record, nil
}

func (s *Service) failTopUp(ctx context.Context, record *domain.TransactionRecord) {
	err := s.ledger.WithTx(ctx, func(tx repository.Tx) error {
		now := s.now()
		return s.transactions.UpdateStatus(ctx, tx, record, domain.TransactionFailed, &now)
	})
	if err != nil {
		logging.FromContext(ctx).Error("failed to mark top-up failed",
			"reference", record.ReferenceID, "error", err)
	}
}

// STKCallback is the provider's asynchronous result for an STK push.
type STKCallback struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string `json:"Name"`
					Value any    `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

func (c *STKCallback) metadataValue(name string) (any, bool) {
	for _, item := range c.Body.StkCallback.CallbackMetadata.Item {
		if item.Name == name {
			return item.Value, true
		}
	}
	return nil, false
}

func (c *STKCallback) receiptNumber() string {
	v, ok := c.metadataValue("MpesaReceiptNumber")
	if !ok {
		return ""
	}
	receipt, _ := v.(string)
	return receipt
}

func (c *STKCallback) amount() (decimal.Decimal, error) {
	v, ok := c.metadataValue("Amount")
	if !ok {
		return decimal.Zero, fmt.Errorf("callback carries no amount")
	}
	switch value := v.(type) {
	case float64:
		return decimal.NewFromFloat(value), nil
	case string:
		return decimal.NewFromString(value)
	}
	return decimal.Zero, fmt.Errorf("callback amount has unexpected type %T", v)
}

// HandleSTKCallback settles a pending top-up from the provider's
// callback. The token must decode to the transaction the callback
// claims to settle. Settled transactions are never re-credited; a
// duplicate receipt or a non-pending record fails with
// ErrAlreadyProcessed.
func (s *Service) HandleSTKCallback(ctx context.Context, token string, callback *STKCallback) (*domain.TransactionRecord, error) {
	ref, err := parseCallbackToken(s.jwtSecret, token)
	if err != nil {
		return nil, fmt.Errorf("HandleSTKCallback: %w", err)
	}

	var (
		settled  *domain.TransactionRecord
		credited decimal.Decimal
		userID   uuid.UUID
	)
	err = s.ledger.WithTx(ctx, func(tx repository.Tx) error {
		record, err := s.transactions.GetForUpdate(ctx, tx, ref)
		if err != nil {
			return err
		}
		if record.Status != domain.TransactionPending {
			return domain.ErrAlreadyProcessed
		}

		now := s.now()
		switch callback.Body.StkCallback.ResultCode {
		case stkResultSuccess:
			receipt := callback.receiptNumber()
			if receipt == "" {
				return fmt.Errorf("success callback carries no receipt: %w", domain.ErrInvalidRequest)
			}
			if _, err := s.transactions.GetByProviderRef(ctx, ProviderMpesa, receipt); err == nil {
				return domain.ErrAlreadyProcessed
			} else if !errors.Is(err, domain.ErrNotFound) {
				return err
			}

			amount, err := callback.amount()
			if err != nil {
				return fmt.Errorf("%v: %w", err, domain.ErrInvalidRequest)
			}

			wallet, err := s.ledger.Credit(ctx, tx, record.ReceiverWalletID, amount, ref, "mpesa top-up")
			if err != nil {
				return err
			}
			userID = wallet.OwnerID

			record.ProviderRef = receipt
			if err := s.transactions.UpdateStatus(ctx, tx, record, domain.TransactionSuccess, &now); err != nil {
				return err
			}
			credited = amount
			settled = record

		case stkResultCancelled:
			return s.transactions.UpdateStatus(ctx, tx, record, domain.TransactionCancelled, &now)

		default:
			return s.transactions.UpdateStatus(ctx, tx, record, domain.TransactionFailed, &now)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("HandleSTKCallback: %w", err)
	}

	if settled != nil {
		s.dispatcher.Dispatch(ctx, notify.Event{
			Type:      notify.EventTopUpCompleted,
			UserID:    userID,
			Reference: ref,
			Payload: map[string]any{
				"amount":   credited.String(),
				"currency": string(domain.CurrencyKES),
				"receipt":  settled.ProviderRef,
			},
		})
	}

	logging.FromContext(ctx).Info("stk callback processed",
		"reference", ref, "result_code", callback.Body.StkCallback.ResultCode)
	return settled, nil
}

// C2BConfirmation is an unsolicited paybill deposit notification.
type C2BConfirmation struct {
	TransactionType   string `json:"TransactionType"`
	TransID           string `json:"TransID"`
	TransTime         string `json:"TransTime"`
	TransAmount       string `json:"TransAmount"`
	BusinessShortCode string `json:"BusinessShortCode"`
	BillRefNumber     string `json:"BillRefNumber"`
	MSISDN            string `json:"MSISDN"`
	FirstName         string `json:"FirstName"`
}

// HandleC2BConfirmation credits a wallet for a deposit made directly
// to the paybill. The account number names the recipient's phone;
// the provider transaction ID deduplicates redelivered confirmations.
func (s *Service) HandleC2BConfirmation(ctx context.Context, c *C2BConfirmation) (*domain.TransactionRecord, error) {
	if c.TransID == "" {
		return nil, fmt.Errorf("HandleC2BConfirmation: %w", domain.ErrInvalidRequest)
	}
	if _, err := s.transactions.GetByProviderRef(ctx, ProviderMpesa, c.TransID); err == nil {
		return nil, fmt.Errorf("HandleC2BConfirmation: %w", domain.ErrAlreadyProcessed)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("HandleC2BConfirmation: %w", err)
	}

	amount, err := decimal.NewFromString(c.TransAmount)
	if err != nil || !amount.IsPositive() {
		return nil, fmt.Errorf("HandleC2BConfirmation: amount %q: %w", c.TransAmount, domain.ErrInvalidAmount)
	}

	user, err := s.users.GetByPhone(ctx, c.BillRefNumber)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("HandleC2BConfirmation: %w", err)
		}
		user, err = s.users.GetByPhone(ctx, c.MSISDN)
		if err != nil {
			return nil, fmt.Errorf("HandleC2BConfirmation: no account for %q: %w", c.BillRefNumber, domain.ErrRecipientNotFound)
		}
	}

	ref, err := s.refs.Generate(ctx, reference.EntityMpesa)
	if err != nil {
		return nil, fmt.Errorf("HandleC2BConfirmation: %w", err)
	}

	var (
		record  *domain.TransactionRecord
		created bool
	)
	err = s.ledger.WithTx(ctx, func(tx repository.Tx) error {
		wallet, walletCreated, err := s.ledger.GetOrCreateWalletInTx(ctx, tx, user.ID, domain.CurrencyKES)
		if err != nil {
			return err
		}
		created = walletCreated

		if _, err := s.ledger.Credit(ctx, tx, wallet.ID, amount, ref, "paybill top-up"); err != nil {
			return err
		}

		now := s.now()
		record = &domain.TransactionRecord{
			ID:               uuid.New(),
			ReferenceID:      ref,
			Type:             domain.TransactionPaybillTopUp,
			Amount:           amount,
			Currency:         domain.CurrencyKES,
			Charge:           decimal.Zero,
			Status:           domain.TransactionSuccess,
			SenderWalletID:   wallet.ID,
			ReceiverWalletID: wallet.ID,
			Provider:         ProviderMpesa,
			ProviderRef:      c.TransID,
			Reason:           "paybill top-up",
			CreatedAt:        now,
			CompletedAt:      &now,
		}
		return s.transactions.Create(ctx, tx, record)
	})
	if err != nil {
		return nil, fmt.Errorf("HandleC2BConfirmation: %w", err)
	}

	if created {
		s.dispatcher.Dispatch(ctx, notify.Event{
			Type:      notify.EventWalletCreated,
			UserID:    user.ID,
			Reference: ref,
			Payload:   map[string]any{"currency": string(domain.CurrencyKES)},
		})
	}
	s.dispatcher.Dispatch(ctx, notify.Event{
		Type:      notify.EventTopUpCompleted,
		UserID:    user.ID,
		Reference: ref,
		Payload: map[string]any{
			"amount":   amount.String(),
			"currency": string(domain.CurrencyKES),
			"receipt":  c.TransID,
		},
	})
	return record, nil
}

// TopUpByReference reports the current state of a top-up, for clients
// polling while the STK prompt is outstanding.
func (s *Service) TopUpByReference(ctx context.Context, ref string) (*domain.TransactionRecord, error) {
	record, err := s.transactions.GetByReference(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("TopUpByReference: %w", err)
	}
	return record, nil
}
