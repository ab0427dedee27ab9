package bank

import (
	"context"
	"crypto/ed25519"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/escrow-server/pkg/events"
	memory_events "github.com/code-payments/escrow-server/pkg/events/memory"
	"github.com/code-payments/escrow-server/pkg/ledger"
	memory_ledger "github.com/code-payments/escrow-server/pkg/ledger/memory"
	"github.com/code-payments/escrow-server/pkg/lock"
	"github.com/code-payments/escrow-server/pkg/solana"
	"github.com/code-payments/escrow-server/pkg/solana/system"
	"github.com/code-payments/escrow-server/pkg/testutil"
)

type testEnv struct {
	t     *testing.T
	ctx   context.Context
	store ledger.Store
	bank  *Bank
	payer ed25519.PrivateKey
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	ctx := context.Background()
	store := memory_ledger.New()

	b, err := New(ctx, store, withManualTestOverrides(&testOverrides{
		statusCacheSize:    1000,
		maxBlockhashAge:    150,
		faucetLamports:     1_000_000,
		maxAirdropLamports: 1_000,
	}), opts...)
	require.NoError(t, err)
	require.NoError(t, b.Genesis(ctx))

	return &testEnv{
		t:     t,
		ctx:   ctx,
		store: store,
		bank:  b,
		payer: newKey(t),
	}
}

func newKey(t *testing.T) ed25519.PrivateKey {
	return testutil.GenerateKeypair(t)
}

func public(key ed25519.PrivateKey) ed25519.PublicKey {
	return testutil.Public(key)
}

func testKey(b byte) ed25519.PublicKey {
	key := make(ed25519.PublicKey, ed25519.PublicKeySize)
	for i := range key {
		key[i] = b
	}
	return key
}

func (e *testEnv) seed(accounts ...*ledger.Account) {
	slot, err := e.store.GetLatestSlot(e.ctx)
	require.NoError(e.t, err)
	require.NoError(e.t, e.store.Commit(e.ctx, &ledger.ChangeSet{Slot: slot + 1, Upserts: accounts}))
}

func (e *testEnv) get(address ed25519.PublicKey) *ledger.Account {
	account, err := e.store.Get(e.ctx, address)
	require.NoError(e.t, err)
	return account
}

func (e *testEnv) newTransaction(signers []ed25519.PrivateKey, instructions ...solana.Instruction) *solana.Transaction {
	tx := solana.NewTransaction(public(signers[0]), instructions...)
	tx.SetBlockhash(e.bank.blockhashes.latest())
	require.NoError(e.t, tx.Sign(signers...))
	return &tx
}

func (e *testEnv) submit(instructions ...solana.Instruction) error {
	_, err := e.bank.ProcessTransaction(e.ctx, e.newTransaction([]ed25519.PrivateKey{e.payer}, instructions...))
	return err
}

func requireTransactionError(t *testing.T, err error, expected solana.TransactionErrorKey) {
	require.Error(t, err)
	txErr, ok := err.(*solana.TransactionError)
	require.True(t, ok, "unexpected error type %T", err)
	assert.Equal(t, expected, txErr.ErrorKey())
}

func requireInstructionError(t *testing.T, err error, index int, expected error) {
	require.Error(t, err)
	txErr, ok := err.(*solana.TransactionError)
	require.True(t, ok, "unexpected error type %T", err)
	require.NotNil(t, txErr.InstructionError(), "unexpected transaction error %s", txErr.ErrorKey())
	assert.Equal(t, index, txErr.InstructionError().Index)
	assert.Equal(t, expected, txErr.InstructionError().Err)
}

var (
	programA = testKey(0xa1)
	programB = testKey(0xb2)

	accountX = testKey(0x10)
	accountY = testKey(0x20)
)

// moveProgram moves data[0] lamports from accounts[0] to accounts[1].
var moveProgram = ProgramFunc(func(ictx *InvokeContext, _ ed25519.PublicKey, accounts []*AccountInfo, data []byte) error {
	amount := uint64(data[0])
	if accounts[0].Lamports < amount {
		return solana.InstructionErrorInsufficientFunds
	}
	accounts[0].Lamports -= amount
	accounts[1].Lamports += amount
	return nil
})

func TestProcessTransaction_Commit(t *testing.T) {
	publisher := memory_events.NewPublisher()
	env := newTestEnv(t,
		WithProgram(programA, ProgramFunc(func(ictx *InvokeContext, programID ed25519.PublicKey, accounts []*AccountInfo, data []byte) error {
			ictx.Log("moving %d", data[0])
			ictx.Emit(&events.Event{Type: events.TypeEscrowSettled, Amount: uint64(data[0])})
			return moveProgram(ictx, programID, accounts, data)
		})),
		WithPublisher(publisher),
	)
	env.seed(&ledger.Account{Address: accountX, Owner: programA, Lamports: 100})

	slotBefore, err := env.bank.Slot(env.ctx)
	require.NoError(t, err)
	blockhashBefore, _, err := env.bank.LatestBlockhash(env.ctx)
	require.NoError(t, err)

	tx := env.newTransaction(
		[]ed25519.PrivateKey{env.payer},
		solana.NewInstruction(programA, []byte{40}, solana.NewAccountMeta(accountX, false), solana.NewAccountMeta(accountY, false)),
	)
	sig, err := env.bank.ProcessTransaction(env.ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, tx.Signature(), sig)

	x := env.get(accountX)
	assert.EqualValues(t, 60, x.Lamports)
	assert.Equal(t, slotBefore+1, x.Slot)

	y := env.get(accountY)
	assert.EqualValues(t, 40, y.Lamports)
	assert.EqualValues(t, system.SystemAccount, y.Owner)

	slotAfter, err := env.bank.Slot(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, slotBefore+1, slotAfter)

	blockhashAfter, _, err := env.bank.LatestBlockhash(env.ctx)
	require.NoError(t, err)
	assert.NotEqual(t, blockhashBefore, blockhashAfter)
	assert.True(t, env.bank.blockhashes.contains(blockhashBefore))

	statuses := env.bank.GetSignatureStatuses([]solana.Signature{sig, {}})
	require.Len(t, statuses, 2)
	require.NotNil(t, statuses[0])
	assert.Equal(t, slotAfter, statuses[0].Slot)
	assert.Nil(t, statuses[0].Err)
	assert.Nil(t, statuses[1])

	published := publisher.Events()
	require.Len(t, published, 1)
	assert.Equal(t, slotAfter, published[0].Slot)
	assert.Equal(t, sig.String(), published[0].Signature)
	assert.EqualValues(t, 40, published[0].Amount)
	assert.False(t, published[0].Timestamp.IsZero())
}

func TestProcessTransaction_ZeroLamportAccountsAreDeleted(t *testing.T) {
	env := newTestEnv(t, WithProgram(programA, moveProgram))
	env.seed(&ledger.Account{Address: accountX, Owner: programA, Lamports: 5, Data: []byte{1}})

	require.NoError(t, env.submit(solana.NewInstruction(programA, []byte{5}, solana.NewAccountMeta(accountX, false), solana.NewAccountMeta(accountY, false))))

	_, err := env.store.Get(env.ctx, accountX)
	assert.Equal(t, ledger.ErrAccountNotFound, err)
	assert.EqualValues(t, 5, env.get(accountY).Lamports)
}

func TestProcessTransaction_FailureDiscardsChanges(t *testing.T) {
	publisher := memory_events.NewPublisher()
	env := newTestEnv(t,
		WithProgram(programA, moveProgram),
		WithProgram(programB, ProgramFunc(func(ictx *InvokeContext, _ ed25519.PublicKey, accounts []*AccountInfo, data []byte) error {
			ictx.Emit(&events.Event{Type: events.TypeEscrowCancelled})
			accounts[0].Data[0] = 9
			return solana.CustomError(42)
		})),
		WithPublisher(publisher),
	)
	env.seed(
		&ledger.Account{Address: accountX, Owner: programA, Lamports: 100},
		&ledger.Account{Address: accountY, Owner: programB, Lamports: 1, Data: []byte{1}},
	)
	xBefore, yBefore := env.get(accountX), env.get(accountY)

	tx := env.newTransaction(
		[]ed25519.PrivateKey{env.payer},
		solana.NewInstruction(programA, []byte{40}, solana.NewAccountMeta(accountX, false), solana.NewAccountMeta(accountY, false)),
		solana.NewInstruction(programB, nil, solana.NewAccountMeta(accountY, false)),
	)
	sig, err := env.bank.ProcessTransaction(env.ctx, tx)
	requireInstructionError(t, err, 1, solana.CustomError(42))

	assert.True(t, xBefore.Equal(env.get(accountX)))
	assert.True(t, yBefore.Equal(env.get(accountY)))
	assert.Empty(t, publisher.Events())

	statuses := env.bank.GetSignatureStatuses([]solana.Signature{sig})
	require.NotNil(t, statuses[0])
	require.NotNil(t, statuses[0].Err)
	assert.Equal(t, 1, statuses[0].Err.InstructionError().Index)

	_, err = env.bank.ProcessTransaction(env.ctx, tx)
	requireTransactionError(t, err, solana.TransactionErrorDuplicateSignature)
}

func TestProcessTransaction_Rejections(t *testing.T) {
	env := newTestEnv(t, WithProgram(programA, moveProgram))
	env.seed(
		&ledger.Account{Address: accountX, Owner: programA, Lamports: 100},
		&ledger.Account{Address: accountY, Owner: programA, Lamports: 1},
	)

	instruction := func(amount byte) solana.Instruction {
		return solana.NewInstruction(programA, []byte{amount}, solana.NewAccountMeta(accountX, false), solana.NewAccountMeta(accountY, false))
	}

	t.Run("duplicate signature", func(t *testing.T) {
		tx := env.newTransaction([]ed25519.PrivateKey{env.payer}, instruction(1))
		_, err := env.bank.ProcessTransaction(env.ctx, tx)
		require.NoError(t, err)

		_, err = env.bank.ProcessTransaction(env.ctx, tx)
		requireTransactionError(t, err, solana.TransactionErrorDuplicateSignature)
	})

	t.Run("unknown blockhash", func(t *testing.T) {
		tx := solana.NewTransaction(public(env.payer), instruction(2))
		tx.SetBlockhash(solana.Blockhash{1, 2, 3})
		require.NoError(t, tx.Sign(env.payer))

		_, err := env.bank.ProcessTransaction(env.ctx, &tx)
		requireTransactionError(t, err, solana.TransactionErrorBlockhashNotFound)
	})

	t.Run("bad signature", func(t *testing.T) {
		tx := env.newTransaction([]ed25519.PrivateKey{env.payer}, instruction(3))
		tx.Signatures[0][0] ^= 0xff

		_, err := env.bank.ProcessTransaction(env.ctx, tx)
		requireTransactionError(t, err, solana.TransactionErrorSignatureFailure)
	})

	t.Run("missing signature", func(t *testing.T) {
		tx := env.newTransaction([]ed25519.PrivateKey{env.payer}, instruction(4))
		tx.Signatures = nil

		_, err := env.bank.ProcessTransaction(env.ctx, tx)
		requireTransactionError(t, err, solana.TransactionErrorSanitizeFailure)
	})

	t.Run("program account missing", func(t *testing.T) {
		err := env.submit(solana.NewInstruction(testKey(0xee), nil, solana.NewAccountMeta(accountX, false)))
		requireTransactionError(t, err, solana.TransactionErrorProgramAccountNotFound)
	})

	t.Run("program account not executable", func(t *testing.T) {
		err := env.submit(solana.NewInstruction(accountY, nil, solana.NewAccountMeta(accountX, false)))
		requireTransactionError(t, err, solana.TransactionErrorInvalidProgramForExecution)
	})

	t.Run("account in use", func(t *testing.T) {
		blocked := newTestEnv(t, WithProgram(programA, moveProgram), WithLocker(lockedLocker{}))
		err := blocked.submit(instruction(5))
		requireTransactionError(t, err, solana.TransactionErrorAccountInUse)
	})

	assert.EqualValues(t, 99, env.get(accountX).Lamports)
}

type lockedLocker struct{}

func (lockedLocker) Lock(_ context.Context, _, _ [][]byte) (func(), error) {
	return nil, lock.ErrLocked
}

func TestProcessTransaction_ConflictingTransactions(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	var once sync.Once
	env := newTestEnv(t, WithProgram(programA, ProgramFunc(func(ictx *InvokeContext, programID ed25519.PublicKey, accounts []*AccountInfo, data []byte) error {
		if data[0] == 1 {
			once.Do(func() { close(entered) })
			<-release
		}
		return moveProgram(ictx, programID, accounts, data)
	})))
	env.seed(&ledger.Account{Address: accountX, Owner: programA, Lamports: 100})

	slow := solana.NewInstruction(programA, []byte{1}, solana.NewAccountMeta(accountX, false), solana.NewAccountMeta(accountY, false))
	fast := solana.NewInstruction(programA, []byte{2}, solana.NewAccountMeta(accountX, false), solana.NewAccountMeta(accountY, false))
	other := solana.NewInstruction(programA, []byte{3}, solana.NewAccountMeta(accountY, false), solana.NewAccountMeta(testKey(0x30), false))

	done := make(chan error, 1)
	go func() {
		done <- env.submit(slow)
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("slow transaction never started")
	}

	requireTransactionError(t, env.submit(fast), solana.TransactionErrorAccountInUse)
	requireTransactionError(t, env.submit(other), solana.TransactionErrorAccountInUse)

	close(release)
	require.NoError(t, <-done)

	require.NoError(t, env.submit(fast))
	assert.EqualValues(t, 97, env.get(accountX).Lamports)
}

func TestProcessTransaction_DuplicateSubmissions(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	var once sync.Once
	env := newTestEnv(t, WithProgram(programA, ProgramFunc(func(ictx *InvokeContext, programID ed25519.PublicKey, accounts []*AccountInfo, data []byte) error {
		once.Do(func() { close(entered) })
		<-release
		return moveProgram(ictx, programID, accounts, data)
	})))
	env.seed(&ledger.Account{Address: accountX, Owner: programA, Lamports: 100})

	tx := env.newTransaction(
		[]ed25519.PrivateKey{env.payer},
		solana.NewInstruction(programA, []byte{5}, solana.NewAccountMeta(accountX, false), solana.NewAccountMeta(accountY, false)),
	)

	first := make(chan error, 1)
	go func() {
		_, err := env.bank.ProcessTransaction(env.ctx, tx)
		first <- err
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("transaction never started")
	}

	// Copies submitted while the original executes are rejected.
	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			copied := *tx
			_, errs[i] = env.bank.ProcessTransaction(env.ctx, &copied)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		requireTransactionError(t, err, solana.TransactionErrorDuplicateSignature)
	}

	close(release)
	require.NoError(t, <-first)

	// As are copies submitted after it committed.
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			copied := *tx
			_, errs[i] = env.bank.ProcessTransaction(env.ctx, &copied)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		requireTransactionError(t, err, solana.TransactionErrorDuplicateSignature)
	}

	assert.EqualValues(t, 95, env.get(accountX).Lamports)
	assert.EqualValues(t, 5, env.get(accountY).Lamports)
}

func TestVerify_AccountRules(t *testing.T) {
	for _, tc := range []struct {
		name     string
		owner    ed25519.PublicKey
		readonly bool
		mutate   func(accounts []*AccountInfo)
		expected error
	}{
		{
			name:     "debit account owned by another program",
			owner:    programB,
			mutate:   func(a []*AccountInfo) { a[0].Lamports--; a[1].Lamports++ },
			expected: solana.InstructionErrorExternalAccountLamportSpend,
		},
		{
			name:     "modify data of another program",
			owner:    programB,
			mutate:   func(a []*AccountInfo) { a[0].Data[0] = 7 },
			expected: solana.InstructionErrorExternalAccountDataModified,
		},
		{
			name:     "resize data of another program",
			owner:    programB,
			mutate:   func(a []*AccountInfo) { a[0].Data = append(a[0].Data, 0) },
			expected: solana.InstructionErrorAccountDataSizeChanged,
		},
		{
			name:     "credit readonly account",
			owner:    programA,
			readonly: true,
			mutate:   func(a []*AccountInfo) { a[1].Lamports--; a[0].Lamports++ },
			expected: solana.InstructionErrorReadonlyLamportChange,
		},
		{
			name:     "modify readonly data",
			owner:    programA,
			readonly: true,
			mutate:   func(a []*AccountInfo) { a[0].Data[0] = 7 },
			expected: solana.InstructionErrorReadonlyDataModified,
		},
		{
			name:     "create lamports",
			owner:    programA,
			mutate:   func(a []*AccountInfo) { a[0].Lamports++ },
			expected: solana.InstructionErrorUnbalancedInstruction,
		},
		{
			name:     "toggle executable",
			owner:    programA,
			mutate:   func(a []*AccountInfo) { a[0].Executable = true },
			expected: solana.InstructionErrorExecutableModified,
		},
		{
			name:     "reassign account owned by another program",
			owner:    programB,
			mutate:   func(a []*AccountInfo) { a[0].Owner = programA },
			expected: solana.InstructionErrorModifiedProgramID,
		},
		{
			name:     "reassign account holding data",
			owner:    programA,
			mutate:   func(a []*AccountInfo) { a[0].Owner = programB },
			expected: solana.InstructionErrorModifiedProgramID,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t,
				WithProgram(programA, ProgramFunc(func(_ *InvokeContext, _ ed25519.PublicKey, accounts []*AccountInfo, _ []byte) error {
					tc.mutate(accounts)
					return nil
				})),
				WithProgram(programB, moveProgram),
			)
			env.seed(
				&ledger.Account{Address: accountX, Owner: tc.owner, Lamports: 10, Data: []byte{1}},
				&ledger.Account{Address: accountY, Owner: programA, Lamports: 10},
			)

			meta := solana.NewAccountMeta(accountX, false)
			if tc.readonly {
				meta = solana.NewReadonlyAccountMeta(accountX, false)
			}

			err := env.submit(solana.NewInstruction(programA, nil, meta, solana.NewAccountMeta(accountY, false)))
			requireInstructionError(t, err, 0, tc.expected)
		})
	}
}

func TestVerify_OwnerMayReassignZeroedAccount(t *testing.T) {
	env := newTestEnv(t, WithProgram(programA, ProgramFunc(func(_ *InvokeContext, _ ed25519.PublicKey, accounts []*AccountInfo, _ []byte) error {
		for i := range accounts[0].Data {
			accounts[0].Data[i] = 0
		}
		accounts[0].Owner = programB
		return nil
	})))
	env.seed(&ledger.Account{Address: accountX, Owner: programA, Lamports: 10, Data: []byte{1, 2}})

	require.NoError(t, env.submit(solana.NewInstruction(programA, nil, solana.NewAccountMeta(accountX, false))))
	assert.EqualValues(t, programB, env.get(accountX).Owner)
}

// invokeProgram adapts a test body into a Program that ignores its
// instruction data.
func invokeProgram(build func(ictx *InvokeContext, accounts []*AccountInfo) error) Program {
	return ProgramFunc(func(ictx *InvokeContext, _ ed25519.PublicKey, accounts []*AccountInfo, _ []byte) error {
		return build(ictx, accounts)
	})
}

func forward(program ed25519.PublicKey, data []byte, accounts []*AccountInfo) solana.Instruction {
	var metas []solana.AccountMeta
	for _, a := range accounts {
		metas = append(metas, solana.AccountMeta{PublicKey: a.Key, IsSigner: a.IsSigner, IsWritable: a.IsWritable})
	}
	return solana.NewInstruction(program, data, metas...)
}

func TestInvoke_Privileges(t *testing.T) {
	pda, bump, err := solana.FindProgramAddressAndBump(programA, []byte("vault"))
	require.NoError(t, err)
	_, otherBump, err := solana.FindProgramAddressAndBump(programA, []byte("other"))
	require.NoError(t, err)

	// programB moves one lamport from accounts[0] to accounts[1] and requires
	// accounts[0] to have signed.
	signedMove := ProgramFunc(func(ictx *InvokeContext, programID ed25519.PublicKey, accounts []*AccountInfo, _ []byte) error {
		if !accounts[0].IsSigner {
			return solana.InstructionErrorMissingRequiredSignature
		}
		return moveProgram(ictx, programID, accounts, []byte{1})
	})

	for _, tc := range []struct {
		name     string
		caller   func(ictx *InvokeContext, accounts []*AccountInfo) error
		expected error
	}{
		{
			name: "signed by derived address",
			caller: func(ictx *InvokeContext, accounts []*AccountInfo) error {
				ix := forward(programB, nil, accounts[1:])
				ix.Accounts[0].IsSigner = true
				return ictx.InvokeSigned(ix, [][]byte{[]byte("vault"), {bump}})
			},
		},
		{
			name: "signer escalation",
			caller: func(ictx *InvokeContext, accounts []*AccountInfo) error {
				ix := forward(programB, nil, accounts[1:])
				ix.Accounts[0].IsSigner = true
				return ictx.Invoke(ix)
			},
			expected: solana.InstructionErrorPrivilegeEscalation,
		},
		{
			name: "writable escalation",
			caller: func(ictx *InvokeContext, accounts []*AccountInfo) error {
				ix := forward(programB, nil, accounts[1:])
				ix.Accounts[0].IsSigner = true
				ix.Accounts = append(ix.Accounts, solana.NewAccountMeta(accounts[0].Key, false))
				return ictx.InvokeSigned(ix, [][]byte{[]byte("vault"), {bump}})
			},
			expected: solana.InstructionErrorPrivilegeEscalation,
		},
		{
			name: "seeds of another address",
			caller: func(ictx *InvokeContext, accounts []*AccountInfo) error {
				ix := forward(programB, nil, accounts[1:])
				ix.Accounts[0].IsSigner = true
				return ictx.InvokeSigned(ix, [][]byte{[]byte("other"), {otherBump}})
			},
			expected: solana.InstructionErrorPrivilegeEscalation,
		},
		{
			name: "invalid seeds",
			caller: func(ictx *InvokeContext, accounts []*AccountInfo) error {
				ix := forward(programB, nil, accounts[1:])
				seeds := make([][]byte, solana.MaxSeeds+1)
				return ictx.InvokeSigned(ix, seeds)
			},
			expected: solana.InstructionErrorInvalidSeeds,
		},
		{
			name: "account missing from caller",
			caller: func(ictx *InvokeContext, accounts []*AccountInfo) error {
				ix := forward(programB, nil, accounts[1:])
				ix.Accounts = append(ix.Accounts, solana.NewReadonlyAccountMeta(testKey(0x77), false))
				return ictx.Invoke(ix)
			},
			expected: solana.InstructionErrorMissingAccount,
		},
		{
			name: "program missing from caller",
			caller: func(ictx *InvokeContext, accounts []*AccountInfo) error {
				return ictx.Invoke(forward(testKey(0x78), nil, accounts[1:]))
			},
			expected: solana.InstructionErrorMissingAccount,
		},
		{
			name: "program not executable",
			caller: func(ictx *InvokeContext, accounts []*AccountInfo) error {
				return ictx.Invoke(forward(accountY, nil, accounts[1:]))
			},
			expected: solana.InstructionErrorAccountNotExecutable,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t,
				WithProgram(programA, invokeProgram(tc.caller)),
				WithProgram(programB, signedMove),
			)
			env.seed(&ledger.Account{Address: pda, Owner: programB, Lamports: 10})

			err := env.submit(solana.NewInstruction(
				programA,
				nil,
				solana.NewReadonlyAccountMeta(programB, false),
				solana.NewAccountMeta(pda, false),
				solana.NewAccountMeta(accountY, false),
			))

			if tc.expected == nil {
				require.NoError(t, err)
				assert.EqualValues(t, 9, env.get(pda).Lamports)
				assert.EqualValues(t, 1, env.get(accountY).Lamports)
				return
			}

			requireInstructionError(t, err, 0, tc.expected)
			assert.EqualValues(t, 10, env.get(pda).Lamports)
		})
	}
}

func TestInvoke_CallerChangesVerifiedBeforeCall(t *testing.T) {
	env := newTestEnv(t,
		WithProgram(programA, invokeProgram(func(ictx *InvokeContext, accounts []*AccountInfo) error {
			// accounts[1] belongs to programB, so programA may not debit it.
			accounts[1].Lamports--
			accounts[2].Lamports++
			return ictx.Invoke(forward(programB, []byte{0}, accounts[1:]))
		})),
		WithProgram(programB, moveProgram),
	)
	env.seed(&ledger.Account{Address: accountX, Owner: programB, Lamports: 10})

	err := env.submit(solana.NewInstruction(
		programA,
		nil,
		solana.NewReadonlyAccountMeta(programB, false),
		solana.NewAccountMeta(accountX, false),
		solana.NewAccountMeta(accountY, false),
	))
	requireInstructionError(t, err, 0, solana.InstructionErrorExternalAccountLamportSpend)
}

func TestInvoke_CallDepth(t *testing.T) {
	programs := []ed25519.PublicKey{testKey(0xc1), testKey(0xc2), testKey(0xc3), testKey(0xc4), testKey(0xc5)}

	// Program i calls program i+1 until the last program in the chain named
	// by the instruction data.
	chain := func(index int) Program {
		return ProgramFunc(func(ictx *InvokeContext, _ ed25519.PublicKey, accounts []*AccountInfo, data []byte) error {
			if index == int(data[0]) {
				return nil
			}
			return ictx.Invoke(forward(programs[index+1], data, accounts))
		})
	}

	var opts []Option
	for i, program := range programs {
		opts = append(opts, WithProgram(program, chain(i)))
	}
	env := newTestEnv(t, opts...)

	var metas []solana.AccountMeta
	for _, program := range programs {
		metas = append(metas, solana.NewReadonlyAccountMeta(program, false))
	}

	require.NoError(t, env.submit(solana.NewInstruction(programs[0], []byte{byte(MaxInvokeDepth - 1)}, metas...)))

	err := env.submit(solana.NewInstruction(programs[0], []byte{byte(MaxInvokeDepth)}, metas...))
	requireInstructionError(t, err, 0, solana.InstructionErrorCallDepth)
}

func TestInvoke_Reentrancy(t *testing.T) {
	callBack := ProgramFunc(func(ictx *InvokeContext, _ ed25519.PublicKey, accounts []*AccountInfo, data []byte) error {
		return ictx.Invoke(forward(programA, []byte{1}, accounts))
	})

	// programA calls data[0] levels into itself, or calls programB when data[0]
	// is zero.
	self := ProgramFunc(func(ictx *InvokeContext, _ ed25519.PublicKey, accounts []*AccountInfo, data []byte) error {
		switch data[0] {
		case 0:
			return ictx.Invoke(forward(programB, nil, accounts))
		case 1:
			return nil
		default:
			return ictx.Invoke(forward(programA, []byte{data[0] - 1}, accounts))
		}
	})

	env := newTestEnv(t, WithProgram(programA, self), WithProgram(programB, callBack))

	metas := []solana.AccountMeta{
		solana.NewReadonlyAccountMeta(programA, false),
		solana.NewReadonlyAccountMeta(programB, false),
	}

	// Direct recursion is allowed at any depth.
	for _, depth := range []byte{1, 2, 3, MaxInvokeDepth} {
		require.NoError(t, env.submit(solana.NewInstruction(programA, []byte{depth}, metas...)), "depth %d", depth)
	}

	// programA -> programB -> programA is not.
	err := env.submit(solana.NewInstruction(programA, []byte{0}, metas...))
	requireInstructionError(t, err, 0, solana.InstructionErrorReentrancyNotAllowed)
}

func TestGenesis_Idempotent(t *testing.T) {
	faucet := newKey(t)
	env := newTestEnv(t, WithProgram(programA, moveProgram), WithFaucet(faucet))

	program := env.get(programA)
	assert.True(t, program.Executable)
	assert.EqualValues(t, system.NativeLoader, program.Owner)

	var rent system.Rent
	require.NoError(t, rent.Unmarshal(env.get(system.RentSysVar).Data))
	assert.Equal(t, system.DefaultRent(), rent)

	assert.EqualValues(t, 1_000_000, env.get(public(faucet)).Lamports)

	slot, err := env.bank.Slot(env.ctx)
	require.NoError(t, err)

	require.NoError(t, env.bank.Genesis(env.ctx))

	after, err := env.bank.Slot(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, slot, after)
}

func TestRequestAirdrop(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.bank.RequestAirdrop(env.ctx, accountX, 1)
	assert.Equal(t, ErrFaucetDisabled, err)

	faucet := newKey(t)
	env = newTestEnv(t, WithFaucet(faucet), WithProgram(system.ProgramKey[:], ProgramFunc(func(_ *InvokeContext, _ ed25519.PublicKey, accounts []*AccountInfo, data []byte) error {
		args, err := system.DecodeTransferArgs(data)
		if err != nil {
			return solana.InstructionErrorInvalidInstructionData
		}
		accounts[0].Lamports -= args.Lamports
		accounts[1].Lamports += args.Lamports
		return nil
	})))

	_, err = env.bank.RequestAirdrop(env.ctx, accountX, 1_001)
	assert.Equal(t, ErrAirdropTooLarge, err)

	sig, err := env.bank.RequestAirdrop(env.ctx, accountX, 1_000)
	require.NoError(t, err)

	balance, err := env.bank.GetBalance(env.ctx, accountX)
	require.NoError(t, err)
	assert.EqualValues(t, 1_000, balance)
	assert.EqualValues(t, 999_000, env.get(public(faucet)).Lamports)

	statuses := env.bank.GetSignatureStatuses([]solana.Signature{sig})
	require.NotNil(t, statuses[0])
	assert.Nil(t, statuses[0].Err)

	balance, err = env.bank.GetBalance(env.ctx, accountY)
	require.NoError(t, err)
	assert.Zero(t, balance)
}
