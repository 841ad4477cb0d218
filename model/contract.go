package model

import (
	"time"
)

// Status is the single-character lifecycle code persisted for a contract.
type Status string

// Contract status codes
const (
	StatusPending   Status = "P"
	StatusFinalized Status = "F"
	StatusRejected  Status = "R"
)

// Terminal reports whether no further signing or rejection may happen.
func (s Status) Terminal() bool {
	return s == StatusFinalized || s == StatusRejected
}

// Label returns the human-readable name used in API responses.
func (s Status) Label() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFinalized:
		return "finalized"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Valid reports whether s is one of the known status codes.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusFinalized, StatusRejected:
		return true
	}
	return false
}

// Contract represents a document circulating for signatures
type Contract struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	DocumentURL string    `json:"document_url"`
	Status      Status    `json:"status"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// Signer is one entry of the ordered signer list submitted at creation.
type Signer struct {
	UserID string `json:"user_id"`
	Order  int    `json:"order"`
}

// SignerAssignment is the per-contract row tracking one participant's turn.
type SignerAssignment struct {
	ContractID       string     `json:"contract_id"`
	UserID           string     `json:"user_id"`
	Order            int        `json:"order"`
	Signed           bool       `json:"signed"`
	SignedAt         *time.Time `json:"signed_at,omitempty"`
	Rejected         bool       `json:"rejected"`
	RejectionComment string     `json:"rejection_comment,omitempty"`
}

// Settled reports whether the assignment no longer blocks later signers.
func (a SignerAssignment) Settled() bool {
	return a.Signed && !a.Rejected
}

// Open reports whether the assignment is still waiting for its holder to act.
func (a SignerAssignment) Open() bool {
	return !a.Signed && !a.Rejected
}

// RejectionRecord is an append-only log entry written on every rejection.
type RejectionRecord struct {
	ID         int64     `json:"id"`
	ContractID string    `json:"contract_id"`
	UserID     string    `json:"user_id"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

// ContractHistory is the read projection of a contract with its signing trail.
type ContractHistory struct {
	Contract      Contract           `json:"contract"`
	Signers       []SignerAssignment `json:"signers"`
	Rejections    []RejectionRecord  `json:"rejections"`
	CurrentSigner string             `json:"current_signer,omitempty"`
}
