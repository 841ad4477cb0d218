package service

import (
	"context"
	"time"

	"github.com/jsusurcia/pryGobierno-sub000/model"
)

// Repository persists the Contract/SignerAssignment/RejectionRecord aggregate.
// Mutations after creation go through the Commit* methods, which are
// compare-and-set: they succeed only when the rows still hold the state the
// caller read, and return ErrConflict otherwise.
type Repository interface {
	CreateContract(ctx context.Context, c model.Contract, signers []model.SignerAssignment) error
	GetContract(ctx context.Context, id string) (model.Contract, error)
	ListSigners(ctx context.Context, contractID string) ([]model.SignerAssignment, error)
	ListRejections(ctx context.Context, contractID string) ([]model.RejectionRecord, error)
	ListContracts(ctx context.Context, filter ContractFilter) ([]model.Contract, error)

	CommitSignature(ctx context.Context, c SignatureCommit) error
	CommitRejection(ctx context.Context, c RejectionCommit) error

	SaveNotification(ctx context.Context, n model.Notification) error
	ListNotifications(ctx context.Context, userID string) ([]model.Notification, error)

	Close() error
}

// SignatureCommit replaces the document URL and marks one assignment signed.
// ExpectedURL is the URL the new document was derived from.
type SignatureCommit struct {
	ContractID  string
	UserID      string
	ExpectedURL string
	DocumentURL string
	SignedAt    time.Time
	Finalize    bool
}

// RejectionCommit moves a contract to Rejected and appends a rejection record.
type RejectionCommit struct {
	ContractID string
	UserID     string
	Reason     string
	RejectedAt time.Time
}

// ContractFilter narrows ListContracts. An empty filter lists every contract.
// Only one field is expected to be set.
type ContractFilter struct {
	CreatedBy string
	SignedBy  string
	// AwaitingUser selects pending contracts where it is this user's turn.
	AwaitingUser string
}
