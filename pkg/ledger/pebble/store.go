package pebble

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/code-payments/escrow-server/pkg/ledger"
)

// Store is a ledger.Store on a local pebble database. Every commit is a single
// synced batch, which also maintains a secondary owner index.
type Store struct {
	log *logrus.Entry
	db  *pebble.DB

	// Serializes commits, since index maintenance reads the previous owner.
	commitMu sync.Mutex
}

// Open opens, or creates, a pebble ledger in dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open pebble ledger at %s", dir)
	}

	return &Store{
		log: logrus.StandardLogger().WithFields(logrus.Fields{
			"type": "ledger/pebble",
			"dir":  dir,
		}),
		db: db,
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) get(address ed25519.PublicKey) (*ledger.Account, error) {
	val, closer, err := s.db.Get(accountKey(address))
	if err == pebble.ErrNotFound {
		return nil, ledger.ErrAccountNotFound
	} else if err != nil {
		return nil, err
	}
	defer closer.Close()

	return decodeAccount(address, val)
}

// Get implements ledger.Store.Get
func (s *Store) Get(_ context.Context, address ed25519.PublicKey) (*ledger.Account, error) {
	return s.get(address)
}

// GetMany implements ledger.Store.GetMany
func (s *Store) GetMany(_ context.Context, addresses ...ed25519.PublicKey) ([]*ledger.Account, error) {
	res := make([]*ledger.Account, len(addresses))
	for i, address := range addresses {
		account, err := s.get(address)
		if err == ledger.ErrAccountNotFound {
			continue
		} else if err != nil {
			return nil, err
		}
		res[i] = account
	}
	return res, nil
}

// GetAllByOwner implements ledger.Store.GetAllByOwner
func (s *Store) GetAllByOwner(_ context.Context, owner ed25519.PublicKey) ([]*ledger.Account, error) {
	lower, upper := ownerIndexBounds(owner)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var res []*ledger.Account
	for iter.First(); iter.Valid(); iter.Next() {
		address := ed25519.PublicKey(append([]byte{}, iter.Key()[len(lower):]...))

		account, err := s.get(address)
		if err == ledger.ErrAccountNotFound {
			s.log.WithField("address", address).Warn("dangling owner index entry")
			continue
		} else if err != nil {
			return nil, err
		}
		res = append(res, account)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	if len(res) == 0 {
		return nil, ledger.ErrAccountNotFound
	}
	return res, nil
}

// GetLatestSlot implements ledger.Store.GetLatestSlot
func (s *Store) GetLatestSlot(_ context.Context) (uint64, error) {
	val, closer, err := s.db.Get(slotKey)
	if err == pebble.ErrNotFound {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	defer closer.Close()

	return binary.BigEndian.Uint64(val), nil
}

// Commit implements ledger.Store.Commit
func (s *Store) Commit(ctx context.Context, changes *ledger.ChangeSet) error {
	if err := changes.Validate(); err != nil {
		return err
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, account := range changes.Upserts {
		if err := s.dropOwnerIndex(batch, account.Address); err != nil {
			return err
		}

		if err := batch.Set(accountKey(account.Address), encodeAccount(account, changes.Slot), nil); err != nil {
			return err
		}
		if err := batch.Set(ownerIndexKey(account.Owner, account.Address), nil, nil); err != nil {
			return err
		}
	}

	for _, address := range changes.Deletes {
		if err := s.dropOwnerIndex(batch, address); err != nil {
			return err
		}
		if err := batch.Delete(accountKey(address), nil); err != nil {
			return err
		}
	}

	latest, err := s.GetLatestSlot(ctx)
	if err != nil {
		return err
	}
	if changes.Slot > latest {
		var encoded [8]byte
		binary.BigEndian.PutUint64(encoded[:], changes.Slot)
		if err := batch.Set(slotKey, encoded[:], nil); err != nil {
			return err
		}
	}

	return batch.Commit(pebble.Sync)
}

func (s *Store) dropOwnerIndex(batch *pebble.Batch, address ed25519.PublicKey) error {
	previous, err := s.get(address)
	if err == ledger.ErrAccountNotFound {
		return nil
	} else if err != nil {
		return err
	}

	return batch.Delete(ownerIndexKey(previous.Owner, address), nil)
}
