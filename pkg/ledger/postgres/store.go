package postgres

import (
	"context"
	"crypto/ed25519"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/code-payments/escrow-server/pkg/ledger"
)

type store struct {
	db *sqlx.DB
}

// New returns a postgres backed ledger.Store. Lamports are stored as
// NUMERIC(20, 0) so the full uint64 range survives.
func New(db *sql.DB) ledger.Store {
	return &store{
		db: sqlx.NewDb(db, "pgx"),
	}
}

// Get implements ledger.Store.Get
func (s *store) Get(ctx context.Context, address ed25519.PublicKey) (*ledger.Account, error) {
	model, err := dbGet(ctx, s.db, address)
	if err != nil {
		return nil, err
	}
	return fromAccountModel(model)
}

// GetMany implements ledger.Store.GetMany
func (s *store) GetMany(ctx context.Context, addresses ...ed25519.PublicKey) ([]*ledger.Account, error) {
	models, err := dbGetMany(ctx, s.db, addresses)
	if err != nil {
		return nil, err
	}

	byAddress := make(map[string]*ledger.Account, len(models))
	for _, model := range models {
		account, err := fromAccountModel(model)
		if err != nil {
			return nil, err
		}
		byAddress[string(account.Address)] = account
	}

	res := make([]*ledger.Account, len(addresses))
	for i, address := range addresses {
		if account, ok := byAddress[string(address)]; ok {
			res[i] = account.Clone()
		}
	}
	return res, nil
}

// GetAllByOwner implements ledger.Store.GetAllByOwner
func (s *store) GetAllByOwner(ctx context.Context, owner ed25519.PublicKey) ([]*ledger.Account, error) {
	models, err := dbGetAllByOwner(ctx, s.db, owner)
	if err != nil {
		return nil, err
	}

	res := make([]*ledger.Account, len(models))
	for i, model := range models {
		res[i], err = fromAccountModel(model)
		if err != nil {
			return nil, err
		}
	}

	sortByAddress(res)
	return res, nil
}

// GetLatestSlot implements ledger.Store.GetLatestSlot
func (s *store) GetLatestSlot(ctx context.Context) (uint64, error) {
	return dbGetLatestSlot(ctx, s.db)
}

// Commit implements ledger.Store.Commit
func (s *store) Commit(ctx context.Context, changes *ledger.ChangeSet) error {
	if err := changes.Validate(); err != nil {
		return err
	}
	return dbCommit(ctx, s.db, changes)
}
