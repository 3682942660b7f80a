package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/pesaloop/pesaloop-backend/internal/domain"
)

const requestColumns = `id, reference_id, requesting_user, requested_user, amount,
	currency, status, action, reason, created_at, resolved_at`

type RequestRepository struct {
	db *sql.DB
}

func NewRequestRepository(db *sql.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

func (r *RequestRepository) Create(ctx context.Context, request *domain.RequestedTransaction) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO requested_transactions (
			id, reference_id, requesting_user, requested_user, amount,
			currency, status, action, reason, created_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		request.ID, request.ReferenceID, request.RequestingUser, request.RequestedUser,
		request.Amount, request.Currency, request.Status, request.Action,
		request.Reason, request.CreatedAt, request.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *RequestRepository) GetByReference(ctx context.Context, reference string) (*domain.RequestedTransaction, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM requested_transactions WHERE reference_id = $1`,
		reference,
	)
	request, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByReference: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByReference: %w", err)
	}
	return request, nil
}

// GetForUpdate locks the request row so concurrent resolutions
// serialize; the first wins and the rest observe a terminal status.
func (r *RequestRepository) GetForUpdate(ctx context.Context, tx Tx, id uuid.UUID) (*domain.RequestedTransaction, error) {
	stx, err := sqlTx(tx)
	if err != nil {
		return nil, fmt.Errorf("GetForUpdate: %w", err)
	}

	row := stx.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM requested_transactions WHERE id = $1 FOR UPDATE`, id,
	)
	request, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetForUpdate: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetForUpdate: %w", translate(err))
	}
	return request, nil
}

// Resolve writes the terminal status, action, and resolution time.
func (r *RequestRepository) Resolve(ctx context.Context, tx Tx, request *domain.RequestedTransaction) error {
	stx, err := sqlTx(tx)
	if err != nil {
		return fmt.Errorf("Resolve: %w", err)
	}

	res, err := stx.ExecContext(ctx,
		`UPDATE requested_transactions
		SET status = $1, action = $2, resolved_at = $3
		WHERE id = $4 AND status = $5`,
		request.Status, request.Action, request.ResolvedAt,
		request.ID, domain.RequestPending,
	)
	if err != nil {
		return fmt.Errorf("Resolve: %w", translate(err))
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("Resolve: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("Resolve: %w", domain.ErrAlreadyProcessed)
	}
	return nil
}

func (r *RequestRepository) ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.RequestedTransaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM requested_transactions
		WHERE requesting_user = $1 OR requested_user = $1
		ORDER BY created_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ListForUser: %w", err)
	}
	defer rows.Close()

	var requests []domain.RequestedTransaction
	for rows.Next() {
		request, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("ListForUser: scan: %w", err)
		}
		requests = append(requests, *request)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListForUser: rows: %w", err)
	}
	return requests, nil
}

func scanRequest(s scanner) (*domain.RequestedTransaction, error) {
	var (
		request domain.RequestedTransaction
		action  sql.NullString
	)
	err := s.Scan(
		&request.ID, &request.ReferenceID, &request.RequestingUser, &request.RequestedUser,
		&request.Amount, &request.Currency, &request.Status, &action,
		&request.Reason, &request.CreatedAt, &request.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	if action.Valid {
		a := domain.RequestAction(action.String)
		request.Action = &a
	}
	return &request, nil
}
