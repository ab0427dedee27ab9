package tests

import (
	"context"
	"crypto/ed25519"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/escrow-server/pkg/ledger"
)

func RunTests(t *testing.T, s ledger.Store, teardown func()) {
	for _, tf := range []func(t *testing.T, s ledger.Store){
		testRoundTrip,
		testUpdate,
		testDelete,
		testGetMany,
		testGetAllByOwner,
		testLatestSlot,
		testInvalidChangeSet,
		testLargeValues,
		testIsolation,
	} {
		tf(t, s)
		teardown()
	}
}

func testRoundTrip(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	address := testKey(1)
	_, err := s.Get(ctx, address)
	assert.Equal(t, ledger.ErrAccountNotFound, err)

	expected := &ledger.Account{
		Address:  address,
		Owner:    testKey(2),
		Lamports: 1_000,
		Data:     []byte{1, 2, 3},
	}
	require.NoError(t, s.Commit(ctx, &ledger.ChangeSet{
		Slot:    5,
		Upserts: []*ledger.Account{expected},
	}))

	actual, err := s.Get(ctx, address)
	require.NoError(t, err)
	assert.True(t, expected.Equal(actual))
	assert.EqualValues(t, 5, actual.Slot)
}

func testUpdate(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	account := &ledger.Account{
		Address:  testKey(1),
		Owner:    testKey(2),
		Lamports: 10,
		Data:     make([]byte, 8),
	}
	require.NoError(t, s.Commit(ctx, &ledger.ChangeSet{Slot: 1, Upserts: []*ledger.Account{account}}))

	account.Owner = testKey(3)
	account.Lamports = 20
	account.Data = []byte{9}
	account.Executable = true
	require.NoError(t, s.Commit(ctx, &ledger.ChangeSet{Slot: 2, Upserts: []*ledger.Account{account}}))

	actual, err := s.Get(ctx, account.Address)
	require.NoError(t, err)
	assert.True(t, account.Equal(actual))
	assert.EqualValues(t, 2, actual.Slot)

	_, err = s.GetAllByOwner(ctx, testKey(2))
	assert.Equal(t, ledger.ErrAccountNotFound, err)

	owned, err := s.GetAllByOwner(ctx, testKey(3))
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.EqualValues(t, account.Address, owned[0].Address)
}

func testDelete(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	owner := testKey(9)
	accounts := []*ledger.Account{
		{Address: testKey(1), Owner: owner, Lamports: 1},
		{Address: testKey(2), Owner: owner, Lamports: 2},
	}
	require.NoError(t, s.Commit(ctx, &ledger.ChangeSet{Slot: 1, Upserts: accounts}))

	accounts[1].Lamports = 3
	require.NoError(t, s.Commit(ctx, &ledger.ChangeSet{
		Slot:    2,
		Upserts: []*ledger.Account{accounts[1]},
		Deletes: []ed25519.PublicKey{accounts[0].Address},
	}))

	_, err := s.Get(ctx, accounts[0].Address)
	assert.Equal(t, ledger.ErrAccountNotFound, err)

	owned, err := s.GetAllByOwner(ctx, owner)
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.EqualValues(t, 3, owned[0].Lamports)

	// Deleting an absent account is a no-op.
	require.NoError(t, s.Commit(ctx, &ledger.ChangeSet{
		Slot:    3,
		Deletes: []ed25519.PublicKey{testKey(42)},
	}))
}

func testGetMany(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	require.NoError(t, s.Commit(ctx, &ledger.ChangeSet{
		Slot: 1,
		Upserts: []*ledger.Account{
			{Address: testKey(1), Owner: testKey(0), Lamports: 1},
			{Address: testKey(3), Owner: testKey(0), Lamports: 3},
		},
	}))

	actual, err := s.GetMany(ctx, testKey(3), testKey(2), testKey(1))
	require.NoError(t, err)
	require.Len(t, actual, 3)
	require.NotNil(t, actual[0])
	assert.EqualValues(t, 3, actual[0].Lamports)
	assert.Nil(t, actual[1])
	require.NotNil(t, actual[2])
	assert.EqualValues(t, 1, actual[2].Lamports)

	actual, err = s.GetMany(ctx)
	require.NoError(t, err)
	assert.Empty(t, actual)
}

func testGetAllByOwner(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	owner := testKey(100)
	_, err := s.GetAllByOwner(ctx, owner)
	assert.Equal(t, ledger.ErrAccountNotFound, err)

	var upserts []*ledger.Account
	for _, b := range []byte{7, 3, 5} {
		upserts = append(upserts, &ledger.Account{Address: testKey(b), Owner: owner, Lamports: uint64(b)})
	}
	upserts = append(upserts, &ledger.Account{Address: testKey(4), Owner: testKey(101), Lamports: 4})
	require.NoError(t, s.Commit(ctx, &ledger.ChangeSet{Slot: 1, Upserts: upserts}))

	owned, err := s.GetAllByOwner(ctx, owner)
	require.NoError(t, err)
	require.Len(t, owned, 3)
	for i, expected := range []uint64{3, 5, 7} {
		assert.Equal(t, expected, owned[i].Lamports)
		assert.EqualValues(t, owner, owned[i].Owner)
	}
}

func testLatestSlot(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	slot, err := s.GetLatestSlot(ctx)
	require.NoError(t, err)
	assert.Zero(t, slot)

	account := &ledger.Account{Address: testKey(1), Owner: testKey(2), Lamports: 1}
	require.NoError(t, s.Commit(ctx, &ledger.ChangeSet{Slot: 10, Upserts: []*ledger.Account{account}}))

	slot, err = s.GetLatestSlot(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 10, slot)

	// Slots never move backwards, even when a lower slot is committed.
	require.NoError(t, s.Commit(ctx, &ledger.ChangeSet{Slot: 7, Deletes: []ed25519.PublicKey{account.Address}}))

	slot, err = s.GetLatestSlot(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 10, slot)
}

func testInvalidChangeSet(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	valid := &ledger.Account{Address: testKey(1), Owner: testKey(2), Lamports: 1}

	for _, changes := range []*ledger.ChangeSet{
		{Slot: 0, Upserts: []*ledger.Account{valid}},
		{Slot: 1, Upserts: []*ledger.Account{valid, {Address: testKey(3), Owner: []byte{1}}}},
		{Slot: 1, Upserts: []*ledger.Account{valid, valid}},
		{Slot: 1, Upserts: []*ledger.Account{valid}, Deletes: []ed25519.PublicKey{valid.Address}},
		{Slot: 1, Upserts: []*ledger.Account{valid}, Deletes: []ed25519.PublicKey{{1, 2}}},
	} {
		assert.Error(t, s.Commit(ctx, changes))
	}

	// None of the rejected change sets were partially applied.
	_, err := s.Get(ctx, valid.Address)
	assert.Equal(t, ledger.ErrAccountNotFound, err)

	slot, err := s.GetLatestSlot(ctx)
	require.NoError(t, err)
	assert.Zero(t, slot)
}

func testLargeValues(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	expected := &ledger.Account{
		Address:    testKey(1),
		Owner:      testKey(2),
		Lamports:   math.MaxUint64,
		Data:       make([]byte, 10*1024),
		Executable: true,
	}
	for i := range expected.Data {
		expected.Data[i] = byte(i)
	}
	require.NoError(t, s.Commit(ctx, &ledger.ChangeSet{Slot: 1, Upserts: []*ledger.Account{expected}}))

	actual, err := s.Get(ctx, expected.Address)
	require.NoError(t, err)
	assert.True(t, expected.Equal(actual))
}

func testIsolation(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	account := &ledger.Account{Address: testKey(1), Owner: testKey(2), Lamports: 1, Data: []byte{1}}
	require.NoError(t, s.Commit(ctx, &ledger.ChangeSet{Slot: 1, Upserts: []*ledger.Account{account}}))

	account.Data[0] = 2
	account.Lamports = 2

	actual, err := s.Get(ctx, account.Address)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, actual.Data)
	assert.EqualValues(t, 1, actual.Lamports)

	actual.Data[0] = 3

	again, err := s.Get(ctx, account.Address)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, again.Data)
}

func testKey(b byte) ed25519.PublicKey {
	key := make([]byte, ed25519.PublicKeySize)
	key[0] = b
	key[31] = b
	return key
}
