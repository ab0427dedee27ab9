package escrow

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/escrow-server/pkg/bank"
	"github.com/code-payments/escrow-server/pkg/bank/systemprogram"
	"github.com/code-payments/escrow-server/pkg/bank/tokenprogram"
	memory_events "github.com/code-payments/escrow-server/pkg/events/memory"
	"github.com/code-payments/escrow-server/pkg/ledger"
	memory_ledger "github.com/code-payments/escrow-server/pkg/ledger/memory"
	"github.com/code-payments/escrow-server/pkg/solana"
	escrowprogram "github.com/code-payments/escrow-server/pkg/solana/escrow"
	"github.com/code-payments/escrow-server/pkg/solana/system"
	"github.com/code-payments/escrow-server/pkg/solana/token"
	"github.com/code-payments/escrow-server/pkg/testutil"
)

const testAirdrop = 1_000_000_000

type testEnv struct {
	t   *testing.T
	ctx context.Context

	store     ledger.Store
	bank      *bank.Bank
	publisher *memory_events.Publisher

	authority ed25519.PublicKey

	payer         ed25519.PrivateKey
	mintAuthority ed25519.PrivateKey
	mintA         ed25519.PublicKey
	mintB         ed25519.PublicKey
}

// trade is an open escrow: the initializer deposited Deposit of mint A and
// expects Expected of mint B.
type trade struct {
	initializer ed25519.PrivateKey
	deposit     ed25519.PublicKey // initializer's mint A account
	receive     ed25519.PublicKey // initializer's mint B account
	custody     ed25519.PublicKey
	entry       ed25519.PublicKey

	Deposit  uint64
	Expected uint64
}

type taker struct {
	key       ed25519.PrivateKey
	sending   ed25519.PublicKey // mint B
	receiving ed25519.PublicKey // mint A
}

func setup(t *testing.T, opts ...Option) *testEnv {
	ctx := context.Background()

	processor, err := New(escrowprogram.PROGRAM_ID, opts...)
	require.NoError(t, err)
	authority, _ := processor.Authority()

	env := &testEnv{
		t:             t,
		ctx:           ctx,
		store:         memory_ledger.New(),
		publisher:     memory_events.NewPublisher(),
		authority:     authority,
		payer:         newKey(t),
		mintAuthority: newKey(t),
	}

	faucet := newKey(t)
	env.bank, err = bank.New(
		ctx,
		env.store,
		bank.WithEnvConfigs(),
		systemprogram.Register(),
		tokenprogram.Register(),
		bank.WithProgram(escrowprogram.PROGRAM_ID, processor),
		bank.WithFaucet(faucet),
		bank.WithPublisher(env.publisher),
	)
	require.NoError(t, err)
	require.NoError(t, env.bank.Genesis(ctx))

	env.airdrop(public(env.payer))
	env.airdrop(public(env.mintAuthority))

	env.mintA = env.createMint()
	env.mintB = env.createMint()

	return env
}

func newKey(t *testing.T) ed25519.PrivateKey {
	return testutil.GenerateKeypair(t)
}

func public(key ed25519.PrivateKey) ed25519.PublicKey {
	return testutil.Public(key)
}

func (e *testEnv) airdrop(to ed25519.PublicKey) {
	_, err := e.bank.RequestAirdrop(e.ctx, to, testAirdrop)
	require.NoError(e.t, err)
}

// submit signs and processes a transaction paid for by the first signer.
func (e *testEnv) submit(signers []ed25519.PrivateKey, instructions ...solana.Instruction) error {
	blockhash, _, err := e.bank.LatestBlockhash(e.ctx)
	require.NoError(e.t, err)

	tx := solana.NewTransaction(public(signers[0]), instructions...)
	tx.SetBlockhash(blockhash)
	require.NoError(e.t, tx.Sign(signers...))

	_, err = e.bank.ProcessTransaction(e.ctx, &tx)
	return err
}

func (e *testEnv) mustSubmit(signers []ed25519.PrivateKey, instructions ...solana.Instruction) {
	require.NoError(e.t, e.submit(signers, instructions...))
}

func (e *testEnv) createMint() ed25519.PublicKey {
	mint := newKey(e.t)
	e.mustSubmit(
		[]ed25519.PrivateKey{e.payer, mint},
		system.CreateAccount(public(e.payer), public(mint), token.ProgramKey, e.bank.MinimumBalance(token.MintSize), token.MintSize),
		token.InitializeMint(public(mint), public(e.mintAuthority), nil, 0),
	)
	return public(mint)
}

func (e *testEnv) createTokenAccountInstructions(account ed25519.PrivateKey, mint, owner ed25519.PublicKey) []solana.Instruction {
	return []solana.Instruction{
		system.CreateAccount(public(e.payer), public(account), token.ProgramKey, e.bank.MinimumBalance(token.AccountSize), token.AccountSize),
		token.InitializeAccount(public(account), mint, owner),
	}
}

func (e *testEnv) createTokenAccount(mint, owner ed25519.PublicKey, balance uint64) ed25519.PublicKey {
	account := newKey(e.t)

	instructions := e.createTokenAccountInstructions(account, mint, owner)
	signers := []ed25519.PrivateKey{e.payer, account}
	if balance > 0 {
		instructions = append(instructions, token.MintTo(mint, public(account), public(e.mintAuthority), balance))
		signers = append(signers, e.mintAuthority)
	}

	e.mustSubmit(signers, instructions...)
	return public(account)
}

// openTrade opens a trade in a single transaction: the custody account is
// created, funded from the initializer's deposit account and handed to the
// program together with a fresh ledger entry.
func (e *testEnv) openTrade(deposit, expected uint64) *trade {
	tr, signers, instructions := e.newTrade(deposit, expected)
	e.mustSubmit(signers, instructions...)
	return tr
}

// newTrade funds a new initializer and returns the transaction that would
// open its trade, with InitEscrow as the last instruction.
func (e *testEnv) newTrade(deposit, expected uint64) (*trade, []ed25519.PrivateKey, []solana.Instruction) {
	tr := &trade{
		initializer: newKey(e.t),
		Deposit:     deposit,
		Expected:    expected,
	}
	e.airdrop(public(tr.initializer))

	tr.deposit = e.createTokenAccount(e.mintA, public(tr.initializer), deposit)
	tr.receive = e.createTokenAccount(e.mintB, public(tr.initializer), 0)

	custody := newKey(e.t)
	entry := newKey(e.t)
	tr.custody = public(custody)
	tr.entry = public(entry)

	instructions := e.createTokenAccountInstructions(custody, e.mintA, public(tr.initializer))
	instructions = append(instructions,
		token.Transfer(tr.deposit, tr.custody, public(tr.initializer), deposit),
		system.CreateAccount(public(tr.initializer), tr.entry, escrowprogram.PROGRAM_ID, e.bank.MinimumBalance(escrowprogram.EscrowAccountSize), escrowprogram.EscrowAccountSize),
		e.initEscrowInstruction(tr),
	)

	return tr, []ed25519.PrivateKey{tr.initializer, e.payer, custody, entry}, instructions
}

func (e *testEnv) initEscrowInstruction(tr *trade) solana.Instruction {
	return escrowprogram.NewInitEscrowInstruction(
		&escrowprogram.InitEscrowInstructionAccounts{
			Initializer:               public(tr.initializer),
			TempTokenAccount:          tr.custody,
			InitializerTokenToReceive: tr.receive,
			EscrowAccount:             tr.entry,
		},
		&escrowprogram.InitEscrowInstructionArgs{Amount: tr.Expected},
	)
}

func (e *testEnv) newTaker(balance uint64) *taker {
	tk := &taker{key: newKey(e.t)}
	e.airdrop(public(tk.key))
	tk.sending = e.createTokenAccount(e.mintB, public(tk.key), balance)
	tk.receiving = e.createTokenAccount(e.mintA, public(tk.key), 0)
	return tk
}

func (e *testEnv) exchangeAccounts(tr *trade, tk *taker) *escrowprogram.ExchangeInstructionAccounts {
	return &escrowprogram.ExchangeInstructionAccounts{
		Taker:                     public(tk.key),
		TakerSendingToken:         tk.sending,
		TakerReceivingToken:       tk.receiving,
		TempTokenAccount:          tr.custody,
		Initializer:               public(tr.initializer),
		InitializerTokenToReceive: tr.receive,
		EscrowAccount:             tr.entry,
		Authority:                 e.authority,
	}
}

func (e *testEnv) exchange(tk *taker, accounts *escrowprogram.ExchangeInstructionAccounts, amount uint64) error {
	return e.submit(
		[]ed25519.PrivateKey{tk.key},
		escrowprogram.NewExchangeInstruction(accounts, &escrowprogram.ExchangeInstructionArgs{Amount: amount}),
	)
}

func (e *testEnv) account(address ed25519.PublicKey) *ledger.Account {
	account, err := e.store.Get(e.ctx, address)
	require.NoError(e.t, err)
	return account
}

func (e *testEnv) requireNotFound(address ed25519.PublicKey) {
	_, err := e.store.Get(e.ctx, address)
	require.Equal(e.t, ledger.ErrAccountNotFound, err)
}

func (e *testEnv) tokenAccount(address ed25519.PublicKey) *token.Account {
	var account token.Account
	require.True(e.t, account.Unmarshal(e.account(address).Data))
	return &account
}

func (e *testEnv) tokenBalance(address ed25519.PublicKey) uint64 {
	return e.tokenAccount(address).Amount
}

func (e *testEnv) entry(address ed25519.PublicKey) *escrowprogram.EscrowAccount {
	var entry escrowprogram.EscrowAccount
	require.NoError(e.t, entry.Unmarshal(e.account(address).Data))
	return &entry
}

// seed writes accounts directly to the ledger, bypassing every program.
func (e *testEnv) seed(accounts ...*ledger.Account) {
	slot, err := e.store.GetLatestSlot(e.ctx)
	require.NoError(e.t, err)
	require.NoError(e.t, e.store.Commit(e.ctx, &ledger.ChangeSet{Slot: slot + 1, Upserts: accounts}))
}

// snapshot captures the state of addresses so a failed transaction can be
// shown to have changed nothing.
func (e *testEnv) snapshot(addresses ...ed25519.PublicKey) []*ledger.Account {
	accounts, err := e.store.GetMany(e.ctx, addresses...)
	require.NoError(e.t, err)
	return accounts
}

func (e *testEnv) requireUnchanged(before []*ledger.Account, addresses ...ed25519.PublicKey) {
	after := e.snapshot(addresses...)
	require.Len(e.t, after, len(before))
	for i := range before {
		if before[i] == nil {
			assert.Nil(e.t, after[i])
			continue
		}
		require.NotNil(e.t, after[i])
		assert.True(e.t, before[i].Equal(after[i]), "account %d changed: %s -> %s", i, before[i], after[i])
		assert.Equal(e.t, before[i].Slot, after[i].Slot)
	}
}

func requireInstructionError(t *testing.T, err error, index int, expected error) {
	require.Error(t, err)

	txErr, ok := err.(*solana.TransactionError)
	require.True(t, ok, "unexpected error type %T", err)
	require.NotNil(t, txErr.InstructionError(), "unexpected transaction error %s", txErr.ErrorKey())
	assert.Equal(t, index, txErr.InstructionError().Index)
	assert.Equal(t, expected, txErr.InstructionError().Err)
}
