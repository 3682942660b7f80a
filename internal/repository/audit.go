package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pesaloop/pesaloop-backend/internal/domain"
)

// AuditRepository appends to the wallet audit trail. Entries are a
// derived cross-check view; the stored wallet balance is authoritative.
type AuditRepository struct {
	db *sql.DB
}

func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Insert(ctx context.Context, tx Tx, entry *domain.WalletAuditEntry) error {
	stx, err := sqlTx(tx)
	if err != nil {
		return fmt.Errorf("Insert: %w", err)
	}

	_, err = stx.ExecContext(ctx,
		`INSERT INTO wallet_audit_entries (id, wallet_id, entry_type, amount, reference, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.WalletID, entry.EntryType, entry.Amount,
		entry.Reference, entry.Note, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("Insert: %w", translate(err))
	}
	return nil
}

// NetMovement sums credits minus debits for a wallet. Reconciliation
// compares this against the stored balance.
func (r *AuditRepository) NetMovement(ctx context.Context, walletID uuid.UUID) (decimal.Decimal, error) {
	var net decimal.Decimal
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(CASE WHEN entry_type = $1 THEN amount ELSE -amount END), 0)
		FROM wallet_audit_entries WHERE wallet_id = $2`,
		domain.AuditCredit, walletID,
	).Scan(&net)
	if err != nil {
		return decimal.Zero, fmt.Errorf("NetMovement: %w", err)
	}
	return net, nil
}

func (r *AuditRepository) ListByWallet(ctx context.Context, walletID uuid.UUID, limit int) ([]domain.WalletAuditEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, wallet_id, entry_type, amount, reference, note, created_at
		FROM wallet_audit_entries WHERE wallet_id = $1
		ORDER BY created_at DESC LIMIT $2`,
		walletID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ListByWallet: %w", err)
	}
	defer rows.Close()

	var entries []domain.WalletAuditEntry
	for rows.Next() {
		var entry domain.WalletAuditEntry
		err := rows.Scan(
			&entry.ID, &entry.WalletID, &entry.EntryType, &entry.Amount,
			&entry.Reference, &entry.Note, &entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("ListByWallet: scan: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListByWallet: rows: %w", err)
	}
	return entries, nil
}
