package handler

import "net/http"

type AppError struct {
	Status  int
	Code    string
	Message string
}

func (e *AppError) Error() string { return e.Message }

var (
	ErrMissingToken     = &AppError{http.StatusUnauthorized, "MISSING_TOKEN", "Authorization header required"}
	ErrInvalidToken     = &AppError{http.StatusUnauthorized, "INVALID_TOKEN", "Token is invalid or expired"}
	ErrInvalidRequest   = &AppError{http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body"}
	ErrValidationFailed = &AppError{http.StatusBadRequest, "VALIDATION_FAILED", "Validation failed"}
	ErrResourceNotFound = &AppError{http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found"}
	ErrForbidden        = &AppError{http.StatusForbidden, "FORBIDDEN", "You do not have permission to perform this action"}
	ErrInternalError    = &AppError{http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred"}

	ErrInsufficientFunds  = &AppError{http.StatusUnprocessableEntity, "INSUFFICIENT_FUNDS", "Insufficient funds"}
	ErrSelfTransfer       = &AppError{http.StatusUnprocessableEntity, "SELF_TRANSFER_NOT_ALLOWED", "Cannot transfer to yourself"}
	ErrLimitExceeded      = &AppError{http.StatusUnprocessableEntity, "TRANSACTION_LIMIT_EXCEEDED", "Transaction limit exceeded"}
	ErrRecipientNotFound  = &AppError{http.StatusUnprocessableEntity, "RECIPIENT_NOT_FOUND", "Recipient not found"}
	ErrWalletNotFound     = &AppError{http.StatusUnprocessableEntity, "WALLET_NOT_FOUND", "Wallet not found"}
	ErrWalletInactive     = &AppError{http.StatusUnprocessableEntity, "WALLET_INACTIVE", "Wallet is inactive"}
	ErrInvalidCurrency    = &AppError{http.StatusBadRequest, "INVALID_CURRENCY", "Unsupported currency"}
	ErrInvalidAmount      = &AppError{http.StatusBadRequest, "INVALID_AMOUNT", "Amount must be greater than zero"}
	ErrInvalidReference   = &AppError{http.StatusBadRequest, "INVALID_REFERENCE", "Reference is malformed or unknown"}
	ErrAlreadyProcessed   = &AppError{http.StatusConflict, "ALREADY_PROCESSED", "This operation has already been processed"}
	ErrConcurrentConflict = &AppError{http.StatusConflict, "CONCURRENT_CONFLICT", "Resource was modified concurrently, please retry"}
	ErrInvalidTransition  = &AppError{http.StatusConflict, "INVALID_TRANSITION", "Requested state change is not allowed"}
	ErrRatesUnavailable   = &AppError{http.StatusServiceUnavailable, "RATES_UNAVAILABLE", "Exchange rates are temporarily unavailable"}
	ErrLoanNotQualified   = &AppError{http.StatusUnprocessableEntity, "LOAN_NOT_QUALIFIED", "You do not qualify for a loan at this time"}
)
