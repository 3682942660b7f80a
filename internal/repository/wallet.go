package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pesaloop/pesaloop-backend/internal/domain"
	"github.com/pesaloop/pesaloop-backend/internal/vault"
)

const walletColumns = `id, owner_id, currency, balance, is_default, is_active,
	created_at, last_updated`

// WalletRepository stores wallets with the balance column sealed at
// rest.
type WalletRepository struct {
	db     *sql.DB
	cipher *vault.Cipher
}

func NewWalletRepository(db *sql.DB, cipher *vault.Cipher) *WalletRepository {
	return &WalletRepository{db: db, cipher: cipher}
}

func (r *WalletRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Wallet, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id,
	)
	w, err := r.scan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByID: %w", domain.ErrWalletNotFound)
		}
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return w, nil
}

func (r *WalletRepository) GetByOwnerAndCurrency(ctx context.Context, ownerID uuid.UUID, currency domain.Currency) (*domain.Wallet, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets
		WHERE owner_id = $1 AND currency = $2
		ORDER BY is_default DESC, created_at LIMIT 1`,
		ownerID, currency,
	)
	w, err := r.scan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByOwnerAndCurrency: %w", domain.ErrWalletNotFound)
		}
		return nil, fmt.Errorf("GetByOwnerAndCurrency: %w", err)
	}
	return w, nil
}

func (r *WalletRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.Wallet, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE owner_id = $1 ORDER BY created_at`, ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("ListByOwner: %w", err)
	}
	defer rows.Close()

	var wallets []domain.Wallet
	for rows.Next() {
		w, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("ListByOwner: scan: %w", err)
		}
		wallets = append(wallets, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListByOwner: rows: %w", err)
	}
	return wallets, nil
}

func (r *WalletRepository) Create(ctx context.Context, tx Tx, wallet *domain.Wallet) error {
	stx, err := sqlTx(tx)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}

	sealed, err := r.cipher.Seal(wallet.Balance.String())
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}

	_, err = stx.ExecContext(ctx,
		`INSERT INTO wallets (
			id, owner_id, currency, balance, is_default, is_active,
			created_at, last_updated
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		wallet.ID, wallet.OwnerID, wallet.Currency, sealed.Bytes(),
		wallet.IsDefault, wallet.IsActive, wallet.CreatedAt, wallet.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", translate(err))
	}
	return nil
}

func (r *WalletRepository) GetForUpdate(ctx context.Context, tx Tx, id uuid.UUID) (*domain.Wallet, error) {
	stx, err := sqlTx(tx)
	if err != nil {
		return nil, fmt.Errorf("GetForUpdate: %w", err)
	}

	row := stx.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, id,
	)
	w, err := r.scan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetForUpdate: %w", domain.ErrWalletNotFound)
		}
		return nil, fmt.Errorf("GetForUpdate: %w", translate(err))
	}
	return w, nil
}

// GetByOwnerAndCurrencyTx reads the owner's wallet inside the caller's
// transaction without locking the row, for callers that only need to
// resolve the wallet ID before taking ordered locks.
func (r *WalletRepository) GetByOwnerAndCurrencyTx(ctx context.Context, tx Tx, ownerID uuid.UUID, currency domain.Currency) (*domain.Wallet, error) {
	stx, err := sqlTx(tx)
	if err != nil {
		return nil, fmt.Errorf("GetByOwnerAndCurrencyTx: %w", err)
	}

	row := stx.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets
		WHERE owner_id = $1 AND currency = $2
		ORDER BY is_default DESC, created_at LIMIT 1`,
		ownerID, currency,
	)
	w, err := r.scan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByOwnerAndCurrencyTx: %w", domain.ErrWalletNotFound)
		}
		return nil, fmt.Errorf("GetByOwnerAndCurrencyTx: %w", translate(err))
	}
	return w, nil
}

func (r *WalletRepository) GetByOwnerAndCurrencyForUpdate(ctx context.Context, tx Tx, ownerID uuid.UUID, currency domain.Currency) (*domain.Wallet, error) {
	stx, err := sqlTx(tx)
	if err != nil {
		return nil, fmt.Errorf("GetByOwnerAndCurrencyForUpdate: %w", err)
	}

	row := stx.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets
		WHERE owner_id = $1 AND currency = $2
		ORDER BY is_default DESC, created_at LIMIT 1 FOR UPDATE`,
		ownerID, currency,
	)
	w, err := r.scan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByOwnerAndCurrencyForUpdate: %w", domain.ErrWalletNotFound)
		}
		return nil, fmt.Errorf("GetByOwnerAndCurrencyForUpdate: %w", translate(err))
	}
	return w, nil
}

// UpdateBalance persists the balance and the activity flags evaluated
// by the caller. Must run under the transaction that locked the row.
func (r *WalletRepository) UpdateBalance(ctx context.Context, tx Tx, wallet *domain.Wallet) error {
	stx, err := sqlTx(tx)
	if err != nil {
		return fmt.Errorf("UpdateBalance: %w", err)
	}

	sealed, err := r.cipher.Seal(wallet.Balance.String())
	if err != nil {
		return fmt.Errorf("UpdateBalance: %w", err)
	}

	res, err := stx.ExecContext(ctx,
		`UPDATE wallets SET balance = $1, is_active = $2, last_updated = $3 WHERE id = $4`,
		sealed.Bytes(), wallet.IsActive, wallet.LastUpdated, wallet.ID,
	)
	if err != nil {
		return fmt.Errorf("UpdateBalance: %w", translate(err))
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("UpdateBalance: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("UpdateBalance: %w", domain.ErrWalletNotFound)
	}
	return nil
}

// SetDefault makes the wallet the owner's default for its currency,
// clearing any previous default in the same transaction.
func (r *WalletRepository) SetDefault(ctx context.Context, tx Tx, ownerID uuid.UUID, currency domain.Currency, walletID uuid.UUID) error {
	stx, err := sqlTx(tx)
	if err != nil {
		return fmt.Errorf("SetDefault: %w", err)
	}

	_, err = stx.ExecContext(ctx,
		`UPDATE wallets SET is_default = FALSE
		WHERE owner_id = $1 AND currency = $2 AND id <> $3`,
		ownerID, currency, walletID,
	)
	if err != nil {
		return fmt.Errorf("SetDefault: clear: %w", translate(err))
	}

	res, err := stx.ExecContext(ctx,
		`UPDATE wallets SET is_default = TRUE, is_active = TRUE
		WHERE owner_id = $1 AND currency = $2 AND id = $3`,
		ownerID, currency, walletID,
	)
	if err != nil {
		return fmt.Errorf("SetDefault: %w", translate(err))
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("SetDefault: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("SetDefault: %w", domain.ErrWalletNotFound)
	}
	return nil
}

func (r *WalletRepository) scan(s scanner) (*domain.Wallet, error) {
	var (
		w      domain.Wallet
		sealed []byte
	)
	err := s.Scan(
		&w.ID, &w.OwnerID, &w.Currency, &sealed,
		&w.IsDefault, &w.IsActive, &w.CreatedAt, &w.LastUpdated,
	)
	if err != nil {
		return nil, err
	}

	plain, err := r.cipher.Reveal(vault.FromBytes(sealed))
	if err != nil {
		return nil, fmt.Errorf("scan: balance: %w", err)
	}
	w.Balance, err = decimal.NewFromString(plain)
	if err != nil {
		return nil, fmt.Errorf("scan: balance: %w", err)
	}
	return &w, nil
}
