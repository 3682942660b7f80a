package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pesaloop/pesaloop-backend/internal/domain"
)

const exchangeColumns = `id, reference_id, user_id, source_currency, target_currency,
	source_amount, base_rate, platform_rate, charged_fee, converted_amount,
	status, provider, created_at`

type ExchangeRepository struct {
	db *sql.DB
}

func NewExchangeRepository(db *sql.DB) *ExchangeRepository {
	return &ExchangeRepository{db: db}
}

func (r *ExchangeRepository) Create(ctx context.Context, tx Tx, record *domain.CurrencyExchangeRecord) error {
	stx, err := sqlTx(tx)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}

	_, err = stx.ExecContext(ctx,
		`INSERT INTO currency_exchange_records (
			id, reference_id, user_id, source_currency, target_currency,
			source_amount, base_rate, platform_rate, charged_fee, converted_amount,
			status, provider, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		record.ID, record.ReferenceID, record.UserID, record.SourceCurrency,
		record.TargetCurrency, record.SourceAmount, record.BaseRate, record.PlatformRate,
		record.ChargedFee, record.ConvertedAmount, record.Status,
		nullString(record.Provider), record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", translate(err))
	}
	return nil
}

func (r *ExchangeRepository) UpdateStatus(ctx context.Context, tx Tx, id uuid.UUID, status domain.ExchangeStatus) error {
	stx, err := sqlTx(tx)
	if err != nil {
		return fmt.Errorf("UpdateStatus: %w", err)
	}

	res, err := stx.ExecContext(ctx,
		`UPDATE currency_exchange_records SET status = $1 WHERE id = $2`,
		status, id,
	)
	if err != nil {
		return fmt.Errorf("UpdateStatus: %w", translate(err))
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("UpdateStatus: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("UpdateStatus: %w", domain.ErrNotFound)
	}
	return nil
}

func (r *ExchangeRepository) GetByReference(ctx context.Context, reference string) (*domain.CurrencyExchangeRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+exchangeColumns+` FROM currency_exchange_records WHERE reference_id = $1`,
		reference,
	)
	record, err := scanExchange(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByReference: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByReference: %w", err)
	}
	return record, nil
}

func (r *ExchangeRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.CurrencyExchangeRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+exchangeColumns+` FROM currency_exchange_records
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ListByUser: %w", err)
	}
	defer rows.Close()

	var records []domain.CurrencyExchangeRecord
	for rows.Next() {
		record, err := scanExchange(rows)
		if err != nil {
			return nil, fmt.Errorf("ListByUser: scan: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListByUser: rows: %w", err)
	}
	return records, nil
}

func scanExchange(s scanner) (*domain.CurrencyExchangeRecord, error) {
	var (
		record   domain.CurrencyExchangeRecord
		provider sql.NullString
	)
	err := s.Scan(
		&record.ID, &record.ReferenceID, &record.UserID, &record.SourceCurrency,
		&record.TargetCurrency, &record.SourceAmount, &record.BaseRate,
		&record.PlatformRate, &record.ChargedFee, &record.ConvertedAmount,
		&record.Status, &provider, &record.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	record.Provider = provider.String
	return &record, nil
}

// SnapshotRepository persists rate snapshots as JSON documents.
type SnapshotRepository struct {
	db *sql.DB
}

func NewSnapshotRepository(db *sql.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

func (r *SnapshotRepository) SaveSnapshot(ctx context.Context, snapshot *domain.RateSnapshot) error {
	if snapshot.ID == uuid.Nil {
		snapshot.ID = uuid.New()
	}

	rates, err := json.Marshal(snapshot.Rates)
	if err != nil {
		return fmt.Errorf("SaveSnapshot: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO rate_snapshots (id, rates, fetched_at) VALUES ($1, $2, $3)`,
		snapshot.ID, rates, snapshot.FetchedAt,
	)
	if err != nil {
		return fmt.Errorf("SaveSnapshot: %w", err)
	}
	return nil
}

func (r *SnapshotRepository) LatestSnapshot(ctx context.Context) (*domain.RateSnapshot, error) {
	var (
		snapshot domain.RateSnapshot
		rates    []byte
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, rates, fetched_at FROM rate_snapshots ORDER BY fetched_at DESC LIMIT 1`,
	).Scan(&snapshot.ID, &rates, &snapshot.FetchedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("LatestSnapshot: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("LatestSnapshot: %w", err)
	}

	raw := make(map[domain.Currency]string)
	if err := json.Unmarshal(rates, &raw); err != nil {
		return nil, fmt.Errorf("LatestSnapshot: %w", err)
	}
	snapshot.Rates = make(map[domain.Currency]decimal.Decimal, len(raw))
	for currency, value := range raw {
		rate, err := decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("LatestSnapshot: rate %s: %w", currency, err)
		}
		snapshot.Rates[currency] = rate
	}
	return &snapshot, nil
}
