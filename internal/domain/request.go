package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type RequestStatus string

const (
	RequestPending   RequestStatus = "PENDING"
	RequestSuccess   RequestStatus = "SUCCESS"
	RequestCancelled RequestStatus = "CANCELLED"
	RequestDeclined  RequestStatus = "DECLINED"
)

func (s RequestStatus) IsTerminal() bool {
	return s == RequestSuccess || s == RequestCancelled || s == RequestDeclined
}

type RequestAction string

const (
	RequestActionApprove RequestAction = "APPROVE"
	RequestActionCancel  RequestAction = "CANCEL"
	RequestActionDecline RequestAction = "DECLINE"
)

// RequestedTransaction is a pending ask for money: the requesting user
// asks the requested user to pay them Amount in Currency. Terminal
// states are permanent.
type RequestedTransaction struct {
	ID              uuid.UUID
	ReferenceID     string
	RequestingUser  uuid.UUID
	RequestedUser   uuid.UUID
	Amount          decimal.Decimal
	Currency        Currency
	Status          RequestStatus
	Action          *RequestAction
	Reason          string
	CreatedAt       time.Time
	ResolvedAt      *time.Time
}
