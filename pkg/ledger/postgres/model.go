package postgres

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"database/sql"
	"sort"
	"strconv"

	"github.com/jmoiron/sqlx"
	"github.com/mr-tron/base58"
	"github.com/pkg/errors"

	"github.com/code-payments/escrow-server/pkg/ledger"

	pgutil "github.com/code-payments/escrow-server/pkg/database/postgres"
)

const (
	accountTableName = "escrow__core_ledgeraccount"
	slotTableName    = "escrow__core_ledgerslot"

	slotRowID = 1

	allAccountFields = `address, owner, lamports::text AS lamports, data, executable, slot`
)

type accountModel struct {
	Address    string `db:"address"`
	Owner      string `db:"owner"`
	Lamports   string `db:"lamports"`
	Data       []byte `db:"data"`
	Executable bool   `db:"executable"`
	Slot       int64  `db:"slot"`
}

func toAccountModel(obj *ledger.Account, slot uint64) (*accountModel, error) {
	if err := obj.Validate(); err != nil {
		return nil, err
	}

	data := obj.Data
	if data == nil {
		data = []byte{}
	}

	return &accountModel{
		Address:    base58.Encode(obj.Address),
		Owner:      base58.Encode(obj.Owner),
		Lamports:   strconv.FormatUint(obj.Lamports, 10),
		Data:       data,
		Executable: obj.Executable,
		Slot:       int64(slot),
	}, nil
}

func fromAccountModel(obj *accountModel) (*ledger.Account, error) {
	address, err := base58.Decode(obj.Address)
	if err != nil {
		return nil, errors.Wrap(err, "invalid address")
	}

	owner, err := base58.Decode(obj.Owner)
	if err != nil {
		return nil, errors.Wrap(err, "invalid owner")
	}

	lamports, err := strconv.ParseUint(obj.Lamports, 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "invalid lamports")
	}

	return &ledger.Account{
		Address:    address,
		Owner:      owner,
		Lamports:   lamports,
		Data:       obj.Data,
		Executable: obj.Executable,
		Slot:       uint64(obj.Slot),
	}, nil
}

func (m *accountModel) dbUpsert(ctx context.Context, tx *sqlx.Tx) error {
	query := `INSERT INTO ` + accountTableName + `
		(address, owner, lamports, data, executable, slot)
		VALUES ($1, $2, $3::numeric, $4, $5, $6)
		ON CONFLICT (address)
		DO UPDATE
			SET owner = $2, lamports = $3::numeric, data = $4, executable = $5, slot = $6
			WHERE ` + accountTableName + `.address = $1`

	_, err := tx.ExecContext(
		ctx,
		query,
		m.Address,
		m.Owner,
		m.Lamports,
		m.Data,
		m.Executable,
		m.Slot,
	)
	return err
}

func dbDelete(ctx context.Context, tx *sqlx.Tx, address string) error {
	query := `DELETE FROM ` + accountTableName + ` WHERE address = $1`
	_, err := tx.ExecContext(ctx, query, address)
	return err
}

func dbAdvanceSlot(ctx context.Context, tx *sqlx.Tx, slot uint64) error {
	query := `INSERT INTO ` + slotTableName + `
		(id, slot)
		VALUES ($1, $2)
		ON CONFLICT (id)
		DO UPDATE
			SET slot = GREATEST(` + slotTableName + `.slot, EXCLUDED.slot)`

	_, err := tx.ExecContext(ctx, query, slotRowID, int64(slot))
	return err
}

func dbCommit(ctx context.Context, db *sqlx.DB, changes *ledger.ChangeSet) error {
	models := make([]*accountModel, len(changes.Upserts))
	for i, account := range changes.Upserts {
		model, err := toAccountModel(account, changes.Slot)
		if err != nil {
			return err
		}
		models[i] = model
	}

	return pgutil.ExecuteRetryable(ctx, func() error {
		return pgutil.ExecuteInTx(ctx, db, sql.LevelRepeatableRead, func(tx *sqlx.Tx) error {
			for _, model := range models {
				if err := model.dbUpsert(ctx, tx); err != nil {
					return errors.Wrapf(err, "failed to upsert %s", model.Address)
				}
			}

			for _, address := range changes.Deletes {
				if err := dbDelete(ctx, tx, base58.Encode(address)); err != nil {
					return errors.Wrapf(err, "failed to delete %s", base58.Encode(address))
				}
			}

			return dbAdvanceSlot(ctx, tx, changes.Slot)
		})
	})
}

func dbGet(ctx context.Context, db *sqlx.DB, address ed25519.PublicKey) (*accountModel, error) {
	res := &accountModel{}

	query := `SELECT ` + allAccountFields + `
		FROM ` + accountTableName + `
		WHERE address = $1
	`

	err := db.GetContext(ctx, res, query, base58.Encode(address))
	if err != nil {
		return nil, pgutil.CheckNoRows(err, ledger.ErrAccountNotFound)
	}
	return res, nil
}

func dbGetMany(ctx context.Context, db *sqlx.DB, addresses []ed25519.PublicKey) ([]*accountModel, error) {
	if len(addresses) == 0 {
		return nil, nil
	}

	encoded := make([]string, len(addresses))
	for i, address := range addresses {
		encoded[i] = base58.Encode(address)
	}

	query, args, err := sqlx.In(`SELECT `+allAccountFields+`
		FROM `+accountTableName+`
		WHERE address IN (?)
	`, encoded)
	if err != nil {
		return nil, err
	}

	res := []*accountModel{}
	err = db.SelectContext(ctx, &res, db.Rebind(query), args...)
	if err != nil && !pgutil.IsNoRows(err) {
		return nil, err
	}
	return res, nil
}

func dbGetAllByOwner(ctx context.Context, db *sqlx.DB, owner ed25519.PublicKey) ([]*accountModel, error) {
	res := []*accountModel{}

	query := `SELECT ` + allAccountFields + `
		FROM ` + accountTableName + `
		WHERE owner = $1
	`

	err := db.SelectContext(ctx, &res, query, base58.Encode(owner))
	if err != nil {
		return nil, pgutil.CheckNoRows(err, ledger.ErrAccountNotFound)
	}

	if len(res) == 0 {
		return nil, ledger.ErrAccountNotFound
	}
	return res, nil
}

func dbGetLatestSlot(ctx context.Context, db *sqlx.DB) (uint64, error) {
	var res int64

	query := `SELECT slot FROM ` + slotTableName + ` WHERE id = $1`
	err := db.GetContext(ctx, &res, query, slotRowID)
	if pgutil.IsNoRows(err) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}

	return uint64(res), nil
}

// Addresses are stored base58 encoded, so ordering is applied after decoding.
func sortByAddress(accounts []*ledger.Account) {
	sort.Slice(accounts, func(i, j int) bool {
		return bytes.Compare(accounts[i].Address, accounts[j].Address) < 0
	})
}
