package bank

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/code-payments/escrow-server/pkg/events"
	"github.com/code-payments/escrow-server/pkg/ledger"
	"github.com/code-payments/escrow-server/pkg/lock"
	"github.com/code-payments/escrow-server/pkg/lock/local"
	"github.com/code-payments/escrow-server/pkg/metrics"
	"github.com/code-payments/escrow-server/pkg/retry"
	"github.com/code-payments/escrow-server/pkg/retry/backoff"
	"github.com/code-payments/escrow-server/pkg/solana"
	"github.com/code-payments/escrow-server/pkg/solana/system"
)

const (
	metricsStructName = "bank.Bank"

	processTransactionEventName = "BankTransactionProcessed"
)

var (
	ErrFaucetDisabled  = errors.New("faucet is disabled")
	ErrAirdropTooLarge = errors.New("airdrop exceeds the maximum amount")
)

// Bank executes transactions against a ledger store.
type Bank struct {
	log  *logrus.Entry
	conf *conf

	store     ledger.Store
	locker    lock.AccountLocker
	publisher events.Publisher
	programs  map[string]Program
	faucet    ed25519.PrivateKey
	rent      system.Rent

	blockhashes *blockhashQueue
	statuses    *statusCache

	inflightMu sync.Mutex
	inflight   map[solana.Signature]struct{}

	// Serializes slot assignment. Execution itself runs under account locks.
	commitMu sync.Mutex
}

type Option func(*Bank)

// WithProgram registers a builtin program at id.
func WithProgram(id ed25519.PublicKey, program Program) Option {
	return func(b *Bank) {
		b.programs[string(id)] = program
	}
}

func WithLocker(locker lock.AccountLocker) Option {
	return func(b *Bank) {
		b.locker = locker
	}
}

func WithPublisher(publisher events.Publisher) Option {
	return func(b *Bank) {
		b.publisher = publisher
	}
}

// WithFaucet enables RequestAirdrop, funded from key.
func WithFaucet(key ed25519.PrivateKey) Option {
	return func(b *Bank) {
		b.faucet = key
	}
}

func WithRent(rent system.Rent) Option {
	return func(b *Bank) {
		b.rent = rent
	}
}

func New(ctx context.Context, store ledger.Store, configProvider ConfigProvider, opts ...Option) (*Bank, error) {
	b := &Bank{
		log:       logrus.StandardLogger().WithField("type", "bank/bank"),
		conf:      configProvider(),
		store:     store,
		locker:    local.NewAccountLocker(local.DefaultStripes),
		publisher: events.NewNoopPublisher(),
		programs:  make(map[string]Program),
		rent:      system.DefaultRent(),
		inflight:  make(map[solana.Signature]struct{}),
	}

	for _, o := range opts {
		o(b)
	}

	slot, err := store.GetLatestSlot(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "error getting latest slot")
	}

	b.blockhashes = newBlockhashQueue(seedBlockhash(slot), int(b.conf.maxBlockhashAge.Get(ctx)))
	b.statuses = newStatusCache(int(b.conf.statusCacheSize.Get(ctx)))

	return b, nil
}

// Genesis creates the rent sysvar, an executable account for every registered
// program, and the faucet. Accounts that already exist are left untouched.
func (b *Bank) Genesis(ctx context.Context) error {
	log := b.log.WithField("method", "Genesis")

	genesis := []*ledger.Account{
		{
			Address:  system.RentSysVar,
			Owner:    system.SysvarOwner,
			Lamports: b.rent.MinimumBalance(system.RentSize),
			Data:     b.rent.Marshal(),
		},
	}

	for id := range b.programs {
		genesis = append(genesis, &ledger.Account{
			Address:    ed25519.PublicKey(id),
			Owner:      system.NativeLoader,
			Lamports:   1,
			Executable: true,
		})
	}

	if b.faucet != nil {
		genesis = append(genesis, &ledger.Account{
			Address:  b.faucet.Public().(ed25519.PublicKey),
			Owner:    system.SystemAccount,
			Lamports: b.conf.faucetLamports.Get(ctx),
		})
	}

	b.commitMu.Lock()
	defer b.commitMu.Unlock()

	addresses := make([]ed25519.PublicKey, len(genesis))
	for i, account := range genesis {
		addresses[i] = account.Address
	}

	existing, err := b.store.GetMany(ctx, addresses...)
	if err != nil {
		return errors.Wrap(err, "error loading genesis accounts")
	}

	latest, err := b.store.GetLatestSlot(ctx)
	if err != nil {
		return errors.Wrap(err, "error getting latest slot")
	}

	changes := &ledger.ChangeSet{Slot: latest + 1}
	for i, account := range genesis {
		if existing[i] != nil {
			continue
		}
		changes.Upserts = append(changes.Upserts, account)
	}

	if changes.IsEmpty() {
		log.Debug("genesis accounts already exist")
		return nil
	}

	if err := b.store.Commit(ctx, changes); err != nil {
		return errors.Wrap(err, "error committing genesis accounts")
	}

	log.WithFields(logrus.Fields{
		"slot":     changes.Slot,
		"accounts": len(changes.Upserts),
	}).Info("created genesis accounts")

	return nil
}

// ProcessTransaction executes a transaction and commits its effects. Every
// failure is returned as a *solana.TransactionError.
func (b *Bank) ProcessTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	start := time.Now()
	sig := tx.Signature()

	segment := metrics.StartSegment(ctx, metricsStructName+" ProcessTransaction", map[string]interface{}{
		"signature": sig.String(),
	})
	err := b.processTransaction(ctx, tx)
	segment.End(err)

	result := "success"
	if err != nil {
		result = string(solana.AsTransactionError(err).ErrorKey())
	}

	metrics.RecordDuration(ctx, "Bank.ProcessTransaction.duration", time.Since(start))
	metrics.RecordEvent(ctx, processTransactionEventName, map[string]interface{}{
		"signature": sig.String(),
		"result":    result,
	})

	if err != nil {
		return sig, solana.AsTransactionError(err)
	}
	return sig, nil
}

func (b *Bank) processTransaction(ctx context.Context, tx *solana.Transaction) error {
	sig := tx.Signature()
	log := b.log.WithFields(logrus.Fields{
		"method":    "ProcessTransaction",
		"signature": sig.String(),
	})

	if err := tx.Sanitize(); err != nil {
		return err
	}

	if err := tx.VerifySignatures(); err != nil {
		return err
	}

	// The in-flight mark is taken before the status lookup so that a
	// duplicate racing a commit always observes one or the other.
	if !b.markInflight(sig) {
		return solana.TransactionErrorDuplicateSignature
	}
	defer b.clearInflight(sig)
	if _, ok := b.statuses.get(sig); ok {
		return solana.TransactionErrorDuplicateSignature
	}

	if !b.blockhashes.contains(tx.Message.RecentBlockhash) {
		return solana.TransactionErrorBlockhashNotFound
	}

	msg := tx.Message

	var writable, readonly [][]byte
	for i, key := range msg.Accounts {
		if msg.IsWritable(i) {
			writable = append(writable, key)
		} else {
			readonly = append(readonly, key)
		}
	}

	release, err := b.locker.Lock(ctx, writable, readonly)
	if errors.Is(err, lock.ErrLocked) {
		return solana.TransactionErrorAccountInUse
	} else if err != nil {
		log.WithError(err).Warn("failure locking accounts")
		return errors.Wrap(err, "error locking accounts")
	}
	defer release()

	loaded, err := b.store.GetMany(ctx, msg.Accounts...)
	if err != nil {
		log.WithError(err).Warn("failure loading accounts")
		return errors.Wrap(err, "error loading accounts")
	}

	working := make(map[string]*Account, len(msg.Accounts))
	for i, key := range msg.Accounts {
		if loaded[i] == nil {
			working[string(key)] = &Account{Owner: append(ed25519.PublicKey(nil), system.SystemAccount...)}
			continue
		}
		working[string(key)] = fromLedger(loaded[i].Clone())
	}

	txCtx := &transactionContext{
		signature: sig,
		accounts:  working,
	}

	execErr := b.execute(ctx, txCtx, msg, loaded)
	if execErr != nil {
		var txErr *solana.TransactionError
		if !errors.As(execErr, &txErr) || txErr.InstructionError() == nil {
			return execErr
		}

		slot, err := b.store.GetLatestSlot(ctx)
		if err != nil {
			log.WithError(err).Warn("failure getting latest slot")
		}
		b.recordStatus(log, sig, &SignatureStatus{Slot: slot, Err: txErr})

		log.WithError(execErr).WithField("logs", txCtx.logs).Debug("transaction failed")
		return execErr
	}

	slot, err := b.commit(ctx, txCtx, msg, loaded)
	if err != nil {
		log.WithError(err).Warn("failure committing transaction")
		return errors.Wrap(err, "error committing transaction")
	}

	b.blockhashes.advance(sig)
	b.recordStatus(log, sig, &SignatureStatus{Slot: slot})

	log.WithFields(logrus.Fields{
		"slot": slot,
		"logs": txCtx.logs,
	}).Debug("transaction committed")

	b.publish(ctx, log, txCtx, slot)
	return nil
}

func (b *Bank) execute(ctx context.Context, txCtx *transactionContext, msg solana.Message, loaded []*ledger.Account) error {
	ictx := &InvokeContext{
		ctx:      ctx,
		programs: b.programs,
		tx:       txCtx,
	}

	for i, compiled := range msg.Instructions {
		programIndex := int(compiled.ProgramIndex)
		programID := msg.Accounts[programIndex]

		if loaded[programIndex] == nil {
			return solana.TransactionErrorProgramAccountNotFound
		}
		if !loaded[programIndex].Executable {
			return solana.TransactionErrorInvalidProgramForExecution
		}

		accounts := make([]*AccountInfo, len(compiled.Accounts))
		for j, index := range compiled.Accounts {
			key := msg.Accounts[index]
			accounts[j] = &AccountInfo{
				Key:        key,
				IsSigner:   msg.IsSigner(int(index)),
				IsWritable: msg.IsWritable(int(index)),
				Account:    txCtx.accounts[string(key)],
			}
		}

		if err := ictx.process(programID, accounts, compiled.Data); err != nil {
			return solana.TransactionErrorFromInstructionError(solana.NewInstructionError(i, err))
		}
	}

	return nil
}

// commit writes every changed writable account at the next slot. Accounts
// left without lamports are deleted.
func (b *Bank) commit(ctx context.Context, txCtx *transactionContext, msg solana.Message, loaded []*ledger.Account) (uint64, error) {
	b.commitMu.Lock()
	defer b.commitMu.Unlock()

	latest, err := b.store.GetLatestSlot(ctx)
	if err != nil {
		return 0, err
	}

	changes := &ledger.ChangeSet{Slot: latest + 1}
	for i, key := range msg.Accounts {
		if !msg.IsWritable(i) {
			continue
		}

		account := txCtx.accounts[string(key)]
		if account.Lamports == 0 {
			if loaded[i] != nil {
				changes.Deletes = append(changes.Deletes, key)
			}
			continue
		}

		if loaded[i] != nil && fromLedger(loaded[i]).equal(account) {
			continue
		}

		changes.Upserts = append(changes.Upserts, account.toLedger(key))
	}

	if changes.IsEmpty() {
		return latest, nil
	}

	if err := b.store.Commit(ctx, changes); err != nil {
		return 0, err
	}

	return changes.Slot, nil
}

func (b *Bank) recordStatus(log *logrus.Entry, sig solana.Signature, status *SignatureStatus) {
	if err := b.statuses.put(sig, status); err != nil {
		log.WithError(err).Warn("failure recording signature status")
	}
}

func (b *Bank) publish(ctx context.Context, log *logrus.Entry, txCtx *transactionContext, slot uint64) {
	if len(txCtx.events) == 0 {
		return
	}

	now := time.Now().UTC()
	for _, e := range txCtx.events {
		e.ID = uuid.New()
		e.Slot = slot
		e.Signature = txCtx.signature.String()
		e.Timestamp = now
	}

	if err := b.publisher.Publish(ctx, txCtx.events...); err != nil {
		log.WithError(err).Warn("failure publishing events")
	}
}

func (b *Bank) markInflight(sig solana.Signature) bool {
	b.inflightMu.Lock()
	defer b.inflightMu.Unlock()

	if _, ok := b.inflight[sig]; ok {
		return false
	}
	b.inflight[sig] = struct{}{}
	return true
}

func (b *Bank) clearInflight(sig solana.Signature) {
	b.inflightMu.Lock()
	delete(b.inflight, sig)
	b.inflightMu.Unlock()
}

// RequestAirdrop transfers lamports from the faucet to an address.
func (b *Bank) RequestAirdrop(ctx context.Context, to ed25519.PublicKey, lamports uint64) (solana.Signature, error) {
	if b.faucet == nil {
		return solana.Signature{}, ErrFaucetDisabled
	}
	if lamports > b.conf.maxAirdropLamports.Get(ctx) {
		return solana.Signature{}, ErrAirdropTooLarge
	}

	faucet := b.faucet.Public().(ed25519.PublicKey)

	var sig solana.Signature
	_, err := retry.Retry(
		func() error {
			tx := solana.NewTransaction(faucet, system.Transfer(faucet, to, lamports))
			tx.SetBlockhash(b.blockhashes.latest())
			if err := tx.Sign(b.faucet); err != nil {
				return err
			}

			var err error
			sig, err = b.ProcessTransaction(ctx, &tx)
			return err
		},
		retry.Limit(5),
		retry.Context(ctx),
		retry.RetriableFunc(func(err error) bool {
			return solana.AsTransactionError(err).ErrorKey() == solana.TransactionErrorAccountInUse
		}),
		retry.Backoff(backoff.Linear(10*time.Millisecond), 100*time.Millisecond),
	)
	if err != nil {
		b.log.WithFields(logrus.Fields{
			"method":   "RequestAirdrop",
			"to":       base58.Encode(to),
			"lamports": lamports,
		}).WithError(err).Debug("airdrop failed")
	}
	return sig, err
}

// GetAccount returns the committed state of an address.
//
// Returns ledger.ErrAccountNotFound if the account doesn't exist.
func (b *Bank) GetAccount(ctx context.Context, address ed25519.PublicKey) (*ledger.Account, error) {
	return b.store.Get(ctx, address)
}

// GetBalance returns the lamports held by an address, zero if it doesn't
// exist.
func (b *Bank) GetBalance(ctx context.Context, address ed25519.PublicKey) (uint64, error) {
	account, err := b.store.Get(ctx, address)
	if err == ledger.ErrAccountNotFound {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return account.Lamports, nil
}

func (b *Bank) Slot(ctx context.Context) (uint64, error) {
	return b.store.GetLatestSlot(ctx)
}

// LatestBlockhash returns the newest blockhash and the last slot at which it
// is expected to still be accepted.
func (b *Bank) LatestBlockhash(ctx context.Context) (solana.Blockhash, uint64, error) {
	slot, err := b.store.GetLatestSlot(ctx)
	if err != nil {
		return solana.Blockhash{}, 0, err
	}
	return b.blockhashes.latest(), slot + b.conf.maxBlockhashAge.Get(ctx), nil
}

// GetSignatureStatuses returns the status of each signature, nil for
// signatures this node has not executed.
func (b *Bank) GetSignatureStatuses(sigs []solana.Signature) []*SignatureStatus {
	statuses := make([]*SignatureStatus, len(sigs))
	for i, sig := range sigs {
		if status, ok := b.statuses.get(sig); ok {
			statuses[i] = status
		}
	}
	return statuses
}

// Rent returns the rent parameters written to the rent sysvar.
func (b *Bank) Rent() system.Rent {
	return b.rent
}

// MinimumBalance is the lamports an account with dataLen bytes needs to be
// rent exempt.
func (b *Bank) MinimumBalance(dataLen uint64) uint64 {
	return b.rent.MinimumBalance(dataLen)
}
