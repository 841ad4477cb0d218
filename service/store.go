package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/jsusurcia/pryGobierno-sub000/model"
)

type contractRecord struct {
	contract   model.Contract
	signers    []model.SignerAssignment
	rejections []model.RejectionRecord
}

// MemoryStore is an in-memory Repository used for development and tests.
// All state is lost on restart.
type MemoryStore struct {
	mu            sync.RWMutex
	contracts     map[string]*contractRecord
	notifications map[string][]model.Notification
	nextReject    int64
}

func NewMemoryStore() *MemoryStore {
	slog.Info("contract store initialized", "driver", "memory")
	return &MemoryStore{
		contracts:     make(map[string]*contractRecord),
		notifications: make(map[string][]model.Notification),
	}
}

func (s *MemoryStore) CreateContract(_ context.Context, c model.Contract, signers []model.SignerAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.contracts[c.ID]; exists {
		return ErrConflict
	}
	users := make(map[string]bool, len(signers))
	orders := make(map[int]bool, len(signers))
	for _, a := range signers {
		if users[a.UserID] || orders[a.Order] {
			return fmt.Errorf("duplicate signer %s at order %d", a.UserID, a.Order)
		}
		users[a.UserID] = true
		orders[a.Order] = true
	}
	rec := &contractRecord{contract: c, signers: make([]model.SignerAssignment, len(signers))}
	copy(rec.signers, signers)
	model.SortByOrder(rec.signers)
	s.contracts[c.ID] = rec
	return nil
}

func (s *MemoryStore) GetContract(_ context.Context, id string) (model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.contracts[id]
	if !ok {
		return model.Contract{}, ErrNotFound
	}
	return rec.contract, nil
}

func (s *MemoryStore) ListSigners(_ context.Context, contractID string) ([]model.SignerAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.contracts[contractID]
	if !ok {
		return nil, ErrNotFound
	}
	return copySigners(rec.signers), nil
}

func (s *MemoryStore) ListRejections(_ context.Context, contractID string) ([]model.RejectionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.contracts[contractID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]model.RejectionRecord, len(rec.rejections))
	copy(out, rec.rejections)
	return out, nil
}

func (s *MemoryStore) ListContracts(_ context.Context, filter ContractFilter) ([]model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Contract
	for _, rec := range s.contracts {
		if matchesFilter(rec, filter) {
			result = append(result, rec.contract)
		}
	}
	// newest first, like the SQL drivers
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func matchesFilter(rec *contractRecord, f ContractFilter) bool {
	switch {
	case f.CreatedBy != "":
		return rec.contract.CreatedBy == f.CreatedBy
	case f.SignedBy != "":
		for _, a := range rec.signers {
			if a.UserID == f.SignedBy && a.Signed {
				return true
			}
		}
		return false
	case f.AwaitingUser != "":
		if rec.contract.Status != model.StatusPending {
			return false
		}
		current, ok := model.CurrentTurn(rec.signers)
		return ok && current.UserID == f.AwaitingUser
	default:
		return true
	}
}

func (s *MemoryStore) CommitSignature(_ context.Context, c SignatureCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.contracts[c.ContractID]
	if !ok {
		return ErrNotFound
	}
	if rec.contract.Status != model.StatusPending || rec.contract.DocumentURL != c.ExpectedURL {
		return ErrConflict
	}
	idx := indexOfSigner(rec.signers, c.UserID)
	if idx < 0 {
		return ErrNotFound
	}
	a := &rec.signers[idx]
	if !a.Open() || !model.MayAct(rec.signers, a.Order) {
		return ErrConflict
	}

	signedAt := c.SignedAt
	a.Signed = true
	a.SignedAt = &signedAt
	rec.contract.DocumentURL = c.DocumentURL
	if c.Finalize {
		rec.contract.Status = model.StatusFinalized
	}
	return nil
}

func (s *MemoryStore) CommitRejection(_ context.Context, c RejectionCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.contracts[c.ContractID]
	if !ok {
		return ErrNotFound
	}
	if rec.contract.Status != model.StatusPending {
		return ErrConflict
	}
	idx := indexOfSigner(rec.signers, c.UserID)
	if idx < 0 {
		return ErrNotFound
	}
	a := &rec.signers[idx]
	if !a.Open() || !model.MayAct(rec.signers, a.Order) {
		return ErrConflict
	}

	a.Rejected = true
	a.RejectionComment = c.Reason
	rec.contract.Status = model.StatusRejected
	s.nextReject++
	rec.rejections = append(rec.rejections, model.RejectionRecord{
		ID:         s.nextReject,
		ContractID: c.ContractID,
		UserID:     c.UserID,
		Reason:     c.Reason,
		CreatedAt:  c.RejectedAt,
	})
	return nil
}

func (s *MemoryStore) SaveNotification(_ context.Context, n model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[n.UserID] = append(s.notifications[n.UserID], n)
	return nil
}

func (s *MemoryStore) ListNotifications(_ context.Context, userID string) ([]model.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.notifications[userID]
	out := make([]model.Notification, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		out = append(out, list[i])
	}
	return out, nil
}

// Count returns the number of contracts in the store
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contracts)
}

func (s *MemoryStore) Close() error { return nil }

func indexOfSigner(signers []model.SignerAssignment, userID string) int {
	for i := range signers {
		if signers[i].UserID == userID {
			return i
		}
	}
	return -1
}

func copySigners(in []model.SignerAssignment) []model.SignerAssignment {
	out := make([]model.SignerAssignment, len(in))
	for i, a := range in {
		if a.SignedAt != nil {
			t := *a.SignedAt
			a.SignedAt = &t
		}
		out[i] = a
	}
	return out
}
