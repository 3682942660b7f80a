package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInvalidAmount       = errors.New("amount must be greater than zero")
	ErrUnsupportedCurrency = errors.New("unsupported currency")
	ErrRateUnavailable     = errors.New("exchange rates unavailable")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrAlreadyProcessed    = errors.New("already processed")
	ErrConflict            = errors.New("concurrent modification, please retry")
	ErrInvalidReference    = errors.New("invalid reference")
	ErrSelfTransfer        = errors.New("cannot transfer to yourself")
	ErrLimitExceeded       = errors.New("transfer limit exceeded")
	ErrRecipientNotFound   = errors.New("recipient not found")
	ErrWalletInactive      = errors.New("wallet is inactive")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrLoanNotQualified    = errors.New("user is not qualified for loans")
)
