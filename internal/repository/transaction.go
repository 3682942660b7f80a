package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pesaloop/pesaloop-backend/internal/domain"
	"github.com/pesaloop/pesaloop-backend/internal/vault"
)

const transactionColumns = `id, reference_id, type, amount, currency, charge, status,
	sender_wallet_id, receiver_wallet_id, request_id, provider, provider_ref,
	reason, metadata, created_at, completed_at`

// TransactionRepository stores transaction records with amount and
// charge sealed at rest.
type TransactionRepository struct {
	db     *sql.DB
	cipher *vault.Cipher
}

func NewTransactionRepository(db *sql.DB, cipher *vault.Cipher) *TransactionRepository {
	return &TransactionRepository{db: db, cipher: cipher}
}

func (r *TransactionRepository) Create(ctx context.Context, tx Tx, record *domain.TransactionRecord) error {
	stx, err := sqlTx(tx)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}

	amount, err := r.cipher.Seal(record.Amount.String())
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	charge, err := r.cipher.Seal(record.Charge.String())
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}

	_, err = stx.ExecContext(ctx,
		`INSERT INTO transactions (
			id, reference_id, type, amount, currency, charge, status,
			sender_wallet_id, receiver_wallet_id, request_id, provider, provider_ref,
			reason, metadata, created_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		record.ID, record.ReferenceID, record.Type, amount.Bytes(), record.Currency,
		charge.Bytes(), record.Status, record.SenderWalletID, record.ReceiverWalletID,
		record.RequestID, nullString(record.Provider), nullString(record.ProviderRef),
		record.Reason, nullJSON(record.Metadata), record.CreatedAt, record.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", translate(err))
	}
	return nil
}

// UpdateMetadata persists provider-supplied metadata captured after the
// record was created, such as gateway request identifiers.
func (r *TransactionRepository) UpdateMetadata(ctx context.Context, tx Tx, record *domain.TransactionRecord) error {
	stx, err := sqlTx(tx)
	if err != nil {
		return fmt.Errorf("UpdateMetadata: %w", err)
	}

	res, err := stx.ExecContext(ctx,
		`UPDATE transactions SET metadata = $1 WHERE id = $2`,
		nullJSON(record.Metadata), record.ID,
	)
	if err != nil {
		return fmt.Errorf("UpdateMetadata: %w", translate(err))
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("UpdateMetadata: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("UpdateMetadata: %w", domain.ErrNotFound)
	}
	return nil
}

func (r *TransactionRepository) GetByReference(ctx context.Context, reference string) (*domain.TransactionRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE reference_id = $1`, reference,
	)
	record, err := r.scan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByReference: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByReference: %w", err)
	}
	return record, nil
}

// GetByProviderRef looks a record up by the external provider's receipt
// number. Used to deduplicate provider callbacks.
func (r *TransactionRepository) GetByProviderRef(ctx context.Context, provider, providerRef string) (*domain.TransactionRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		WHERE provider = $1 AND provider_ref = $2`,
		provider, providerRef,
	)
	record, err := r.scan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByProviderRef: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByProviderRef: %w", err)
	}
	return record, nil
}

func (r *TransactionRepository) GetForUpdate(ctx context.Context, tx Tx, reference string) (*domain.TransactionRecord, error) {
	stx, err := sqlTx(tx)
	if err != nil {
		return nil, fmt.Errorf("GetForUpdate: %w", err)
	}

	row := stx.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE reference_id = $1 FOR UPDATE`,
		reference,
	)
	record, err := r.scan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetForUpdate: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetForUpdate: %w", translate(err))
	}
	return record, nil
}

// UpdateStatus enforces the transition table at the persistence edge.
func (r *TransactionRepository) UpdateStatus(ctx context.Context, tx Tx, record *domain.TransactionRecord, next domain.TransactionStatus, completedAt *time.Time) error {
	stx, err := sqlTx(tx)
	if err != nil {
		return fmt.Errorf("UpdateStatus: %w", err)
	}

	if !record.Status.CanTransitionTo(next) {
		return fmt.Errorf("UpdateStatus: %s -> %s: %w", record.Status, next, domain.ErrInvalidTransition)
	}

	res, err := stx.ExecContext(ctx,
		`UPDATE transactions SET status = $1, completed_at = $2, provider_ref = COALESCE(NULLIF($3, ''), provider_ref)
		WHERE id = $4 AND status = $5`,
		next, completedAt, record.ProviderRef, record.ID, record.Status,
	)
	if err != nil {
		return fmt.Errorf("UpdateStatus: %w", translate(err))
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("UpdateStatus: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("UpdateStatus: %w", domain.ErrConflict)
	}

	record.Status = next
	record.CompletedAt = completedAt
	return nil
}

func (r *TransactionRepository) ListByWallet(ctx context.Context, walletID uuid.UUID, limit int) ([]domain.TransactionRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		WHERE sender_wallet_id = $1 OR receiver_wallet_id = $1
		ORDER BY created_at DESC LIMIT $2`,
		walletID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ListByWallet: %w", err)
	}
	defer rows.Close()

	var records []domain.TransactionRecord
	for rows.Next() {
		record, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("ListByWallet: scan: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListByWallet: rows: %w", err)
	}
	return records, nil
}

func (r *TransactionRepository) scan(s scanner) (*domain.TransactionRecord, error) {
	var (
		record          domain.TransactionRecord
		amount, charge  []byte
		provider        sql.NullString
		providerRef     sql.NullString
		metadata        []byte
	)
	err := s.Scan(
		&record.ID, &record.ReferenceID, &record.Type, &amount, &record.Currency,
		&charge, &record.Status, &record.SenderWalletID, &record.ReceiverWalletID,
		&record.RequestID, &provider, &providerRef, &record.Reason, &metadata,
		&record.CreatedAt, &record.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	record.Provider = provider.String
	record.ProviderRef = providerRef.String
	record.Metadata = metadata

	if record.Amount, err = r.reveal(amount); err != nil {
		return nil, fmt.Errorf("scan: amount: %w", err)
	}
	if record.Charge, err = r.reveal(charge); err != nil {
		return nil, fmt.Errorf("scan: charge: %w", err)
	}
	return &record, nil
}

func (r *TransactionRepository) reveal(sealed []byte) (decimal.Decimal, error) {
	plain, err := r.cipher.Reveal(vault.FromBytes(sealed))
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(plain)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
