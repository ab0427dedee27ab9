package pebble

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/escrow-server/pkg/ledger"
	"github.com/code-payments/escrow-server/pkg/ledger/tests"
)

func TestLedgerPebbleStore(t *testing.T) {
	testStore, err := Open(t.TempDir())
	require.NoError(t, err)
	defer testStore.Close()

	teardown := func() {
		require.NoError(t, testStore.db.DeleteRange([]byte{0x00}, []byte{0xff}, nil))
	}
	tests.RunTests(t, testStore, teardown)
}

func TestLedgerPebbleStore_Reopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)

	account := &ledger.Account{
		Address:  make([]byte, 32),
		Owner:    make([]byte, 32),
		Lamports: 42,
		Data:     []byte{1, 2},
	}
	account.Owner[0] = 1
	require.NoError(t, s.Commit(ctx, &ledger.ChangeSet{Slot: 3, Upserts: []*ledger.Account{account}}))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	actual, err := s.Get(ctx, account.Address)
	require.NoError(t, err)
	assert.True(t, account.Equal(actual))

	slot, err := s.GetLatestSlot(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, slot)
}

func TestOwnerIndexBounds(t *testing.T) {
	owner := make([]byte, 32)
	for i := range owner {
		owner[i] = 0xff
	}
	owner[10] = 0x01

	lower, upper := ownerIndexBounds(owner)
	assert.Equal(t, append([]byte("o/"), owner...), lower)
	assert.Len(t, upper, 2+11)
	assert.EqualValues(t, 0x02, upper[len(upper)-1])

	for i := range owner {
		owner[i] = 0xff
	}
	_, upper = ownerIndexBounds(owner)
	assert.Equal(t, []byte("o0"), upper)
}
