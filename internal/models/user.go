package models

import (
	"time"

	"github.com/google/uuid"
)

// User is a platform user. This pipeline only reads users: the merge worker needs
// the session host's email and name for the completion notification.
type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
