package nodetest

import (
	"context"
	"testing"

	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellar/starlight-channels/errors"
	"github.com/stellar/starlight-channels/node"
	"github.com/stellar/starlight-channels/txbuild"
)

const networkID = "ae_test"

func prepareAndSign(t *testing.T, l *Ledger, tx txbuild.Payable, signers ...*keypair.Full) []byte {
	t.Helper()
	require.NoError(t, txbuild.Prepare(context.Background(), tx, txbuild.NonceOptions{Node: l}))
	b, err := txbuild.Encode(tx)
	require.NoError(t, err)
	for _, kp := range signers {
		b, err = txbuild.Sign(networkID, kp, b)
		require.NoError(t, err)
	}
	return b
}

func TestLedger_spend(t *testing.T) {
	ctx := context.Background()
	l := New(Config{NetworkID: networkID})
	alice := keypair.MustRandom()
	bob := keypair.MustRandom()
	l.Fund(alice.Address(), 1_000_000_000_000)

	tx := &txbuild.SpendTx{SenderID: alice.Address(), RecipientID: bob.Address(), Amount: 100}
	signed := prepareAndSign(t, l, tx, alice)
	assert.Equal(t, uint64(1), tx.Nonce)

	hash, err := node.SendTransaction(ctx, l, signed, node.WaitOptions{})
	require.NoError(t, err)
	assert.Equal(t, txbuild.Hash(signed), hash.Hash)
	assert.Equal(t, uint64(2), hash.BlockHeight)

	assert.Equal(t, int64(100), l.Balance(bob.Address()))
	assert.Equal(t, int64(1_000_000_000_000-100)-tx.Fee, l.Balance(alice.Address()))

	n, err := l.AccountNextNonce(ctx, alice.Address(), txbuild.NonceMax)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	// Replaying the same transaction is rejected.
	_, err = l.PostTransaction(ctx, signed)
	assert.True(t, errors.Is(err, errors.ErrNetwork))
}

func TestLedger_rejections(t *testing.T) {
	ctx := context.Background()
	l := New(Config{NetworkID: networkID})
	alice := keypair.MustRandom()
	bob := keypair.MustRandom()
	l.Fund(alice.Address(), 1_000_000_000_000)

	t.Run("unsigned", func(t *testing.T) {
		tx := &txbuild.SpendTx{SenderID: alice.Address(), RecipientID: bob.Address(), Amount: 1}
		signed := prepareAndSign(t, l, tx, bob)
		_, err := l.PostTransaction(ctx, signed)
		assert.ErrorContains(t, err, "missing signature")
	})

	t.Run("nonce", func(t *testing.T) {
		tx := &txbuild.SpendTx{SenderID: alice.Address(), RecipientID: bob.Address(), Amount: 1, Nonce: 5}
		signed := prepareAndSign(t, l, tx, alice)
		_, err := l.PostTransaction(ctx, signed)
		assert.ErrorContains(t, err, "invalid nonce, got: 5 want: 1")
	})

	t.Run("fee", func(t *testing.T) {
		tx := &txbuild.SpendTx{SenderID: alice.Address(), RecipientID: bob.Address(), Amount: 1, Fee: 1}
		signed := prepareAndSign(t, l, tx, alice)
		_, err := l.PostTransaction(ctx, signed)
		assert.ErrorContains(t, err, "fee too low")
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := l.PostTransaction(ctx, []byte{1, 2, 3})
		assert.True(t, errors.Is(err, errors.ErrNetwork))
	})

	t.Run("offChainNotPostable", func(t *testing.T) {
		b, err := txbuild.Encode(&txbuild.ChannelOffChainTx{ChannelID: "ch_1"})
		require.NoError(t, err)
		_, err = l.PostTransaction(ctx, b)
		assert.ErrorContains(t, err, "cannot be posted")
	})

	assert.Equal(t, uint64(1), l.Height())
}

func TestLedger_createStateHash(t *testing.T) {
	ctx := context.Background()
	l := New(Config{NetworkID: networkID})
	alice := keypair.MustRandom()
	bob := keypair.MustRandom()
	l.Fund(alice.Address(), 1_000_000_000_000)
	l.Fund(bob.Address(), 1_000_000_000_000)

	hash, err := txbuild.StateHash(map[string]int64{alice.Address(): 5, bob.Address(): 6})
	require.NoError(t, err)
	tx := &txbuild.ChannelCreateTx{
		InitiatorID:     alice.Address(),
		InitiatorAmount: 5,
		ResponderID:     bob.Address(),
		ResponderAmount: 7,
		StateHash:       hash,
	}
	signed := prepareAndSign(t, l, tx, alice, bob)
	_, err = l.PostTransaction(ctx, signed)
	assert.ErrorContains(t, err, "state hash does not match amounts")

	tx.ResponderAmount = 6
	tx.Fee = 0
	signed = prepareAndSign(t, l, tx, alice, bob)
	_, err = l.PostTransaction(ctx, signed)
	require.NoError(t, err)

	ch, ok := l.Channel(txbuild.ChannelID(alice.Address(), tx.Nonce))
	require.True(t, ok)
	assert.Equal(t, int64(11), ch.Amount)
	assert.Equal(t, uint64(1), ch.Round)
	assert.Equal(t, int64(1_000_000_000_000-6), l.Balance(bob.Address()))
}

func TestLedger_oracleResponse(t *testing.T) {
	ctx := context.Background()
	l := New(Config{NetworkID: networkID})
	oracle := keypair.MustRandom()
	l.Fund(oracle.Address(), 1_000_000_000_000)

	id := l.PostQuery("ak_sender", oracle.Address(), []byte("weather?"), 10)
	qs, err := l.OracleQueries(ctx, oracle.Address(), node.QueriesOpen)
	require.NoError(t, err)
	require.Len(t, qs, 1)
	qs, err = l.OracleQueries(ctx, oracle.Address(), node.QueriesClosed)
	require.NoError(t, err)
	assert.Empty(t, qs)

	tx := &txbuild.OracleResponseTx{OracleID: oracle.Address(), QueryID: id, Response: []byte("sunny")}
	_, err = l.PostTransaction(ctx, prepareAndSign(t, l, tx, oracle))
	require.NoError(t, err)

	q, ok := l.Query(id)
	require.True(t, ok)
	assert.Equal(t, []byte("sunny"), q.Response)
	qs, err = l.OracleQueries(ctx, oracle.Address(), "")
	require.NoError(t, err)
	assert.Empty(t, qs)
	for _, filter := range []node.QueryFilter{node.QueriesClosed, node.QueriesAll} {
		qs, err = l.OracleQueries(ctx, oracle.Address(), filter)
		require.NoError(t, err)
		require.Len(t, qs, 1, filter)
		assert.Equal(t, id, qs[0].ID)
	}
	_, err = l.OracleQueries(ctx, oracle.Address(), "expired")
	assert.ErrorIs(t, err, errors.ErrValidation)

	tx = &txbuild.OracleResponseTx{OracleID: oracle.Address(), QueryID: id, Response: []byte("rainy")}
	_, err = l.PostTransaction(ctx, prepareAndSign(t, l, tx, oracle))
	assert.ErrorContains(t, err, "already answered")
}

func TestLedger_nameUpdate(t *testing.T) {
	ctx := context.Background()
	l := New(Config{NetworkID: networkID})
	alice := keypair.MustRandom()
	bob := keypair.MustRandom()
	l.Fund(alice.Address(), 1_000_000_000_000)
	l.Fund(bob.Address(), 1_000_000_000_000)

	_, err := l.NameEntry(ctx, "alice.chain")
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	tx := &txbuild.NameUpdateTx{
		AccountID: alice.Address(),
		NameID:    "alice.chain",
		Pointers:  []txbuild.Pointer{{Key: "account_pubkey", ID: alice.Address()}},
	}
	_, err = l.PostTransaction(ctx, prepareAndSign(t, l, tx, alice))
	require.NoError(t, err)

	e, err := l.NameEntry(ctx, "alice.chain")
	require.NoError(t, err)
	assert.Equal(t, alice.Address(), e.OwnerID)
	assert.Equal(t, tx.Pointers, e.Pointers)

	tx = &txbuild.NameUpdateTx{AccountID: bob.Address(), NameID: "alice.chain"}
	_, err = l.PostTransaction(ctx, prepareAndSign(t, l, tx, bob))
	assert.ErrorContains(t, err, "is owned by")
}

func TestLedger_info(t *testing.T) {
	l := New(Config{NetworkID: networkID})
	l.Advance(4)
	info, err := l.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, networkID, info.NetworkID)
	assert.Equal(t, uint64(5), info.Height)
	assert.NotZero(t, info.MicroBlockCycle)
}
