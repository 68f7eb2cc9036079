package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Account is a local user able to host events and federate.
type Account struct {
	Id            uuid.UUID
	Username      string
	DisplayName   string
	Summary       string
	AvatarURL     string
	CreatedAt     time.Time
	WebPublicKey  string
	WebPrivateKey string
}

func (acc *Account) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tUsername: %s \n\tCreatedAt: %s)", acc.Id, acc.Username, acc.CreatedAt)
}
