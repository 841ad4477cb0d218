package model

import "time"

// RefTypeContract marks notifications that point at a contract.
const RefTypeContract = "contract"

// Notification is an inbox entry delivered to a user.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	RefType   string    `json:"ref_type"`
	RefID     string    `json:"ref_id"`
	CreatedAt time.Time `json:"created_at"`
	Read      bool      `json:"read"`
}
