// Package payment orchestrates peer-to-peer money movement: direct
// transfers and the payment request lifecycle.
package payment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pesaloop/pesaloop-backend/internal/config"
	"github.com/pesaloop/pesaloop-backend/internal/domain"
	"github.com/pesaloop/pesaloop-backend/internal/fees"
	"github.com/pesaloop/pesaloop-backend/internal/ledger"
	"github.com/pesaloop/pesaloop-backend/internal/notify"
	"github.com/pesaloop/pesaloop-backend/internal/reference"
	"github.com/pesaloop/pesaloop-backend/internal/repository"
)

// SystemUserID owns the platform's fee revenue wallets.
var SystemUserID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

type userStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
}

type requestStore interface {
	Create(ctx context.Context, request *domain.RequestedTransaction) error
	GetForUpdate(ctx context.Context, tx repository.Tx, id uuid.UUID) (*domain.RequestedTransaction, error)
	Resolve(ctx context.Context, tx repository.Tx, request *domain.RequestedTransaction) error
	ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.RequestedTransaction, error)
}

type Service struct {
	users      userStore
	requests   requestStore
	ledger     *ledger.Service
	fees       *fees.Calculator
	refs       *reference.Generator
	dispatcher notify.Dispatcher

	unverifiedLimit decimal.Decimal
	now             func() time.Time
}

func NewService(
	users userStore,
	requests requestStore,
	ledgerSvc *ledger.Service,
	feeCalc *fees.Calculator,
	refs *reference.Generator,
	dispatcher notify.Dispatcher,
	cfg *config.Config,
) *Service {
	return &Service{
		users:           users,
		requests:        requests,
		ledger:          ledgerSvc,
		fees:            feeCalc,
		refs:            refs,
		dispatcher:      dispatcher,
		unverifiedLimit: decimal.NewFromFloat(cfg.UnverifiedTransferLimit),
		now:             time.Now,
	}
}
