package memory

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"sort"
	"sync"

	"github.com/code-payments/escrow-server/pkg/ledger"
)

type store struct {
	mu       sync.RWMutex
	accounts map[string]*ledger.Account
	slot     uint64
}

func New() ledger.Store {
	return &store{
		accounts: make(map[string]*ledger.Account),
	}
}

func (s *store) reset() {
	s.mu.Lock()
	s.accounts = make(map[string]*ledger.Account)
	s.slot = 0
	s.mu.Unlock()
}

// Get implements ledger.Store.Get
func (s *store) Get(_ context.Context, address ed25519.PublicKey) (*ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.accounts[string(address)]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return item.Clone(), nil
}

// GetMany implements ledger.Store.GetMany
func (s *store) GetMany(_ context.Context, addresses ...ed25519.PublicKey) ([]*ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]*ledger.Account, len(addresses))
	for i, address := range addresses {
		if item, ok := s.accounts[string(address)]; ok {
			res[i] = item.Clone()
		}
	}
	return res, nil
}

// GetAllByOwner implements ledger.Store.GetAllByOwner
func (s *store) GetAllByOwner(_ context.Context, owner ed25519.PublicKey) ([]*ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []*ledger.Account
	for _, item := range s.accounts {
		if bytes.Equal(item.Owner, owner) {
			res = append(res, item.Clone())
		}
	}

	if len(res) == 0 {
		return nil, ledger.ErrAccountNotFound
	}

	sort.Slice(res, func(i, j int) bool {
		return bytes.Compare(res[i].Address, res[j].Address) < 0
	})
	return res, nil
}

// GetLatestSlot implements ledger.Store.GetLatestSlot
func (s *store) GetLatestSlot(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.slot, nil
}

// Commit implements ledger.Store.Commit
func (s *store) Commit(_ context.Context, changes *ledger.ChangeSet) error {
	if err := changes.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, account := range changes.Upserts {
		cloned := account.Clone()
		cloned.Slot = changes.Slot
		s.accounts[string(account.Address)] = cloned
	}
	for _, address := range changes.Deletes {
		delete(s.accounts, string(address))
	}

	if changes.Slot > s.slot {
		s.slot = changes.Slot
	}

	return nil
}
