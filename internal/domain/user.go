package domain

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID               uuid.UUID
	Email            string
	PhoneNumber      string
	FirstName        string
	LastName         string
	IsVerified       bool
	IsSuperuser      bool
	StrongAuthActive bool
	CreatedAt        time.Time
}
