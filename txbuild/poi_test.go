package txbuild

import (
	"strings"
	"testing"

	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellar/starlight-channels/errors"
)

func TestPoi_hashIndependentOfOrder(t *testing.T) {
	p1 := Poi{Accounts: []PoiAccount{{"a", 1}, {"b", 2}}}
	p2 := Poi{Accounts: []PoiAccount{{"b", 2}, {"a", 1}}}
	h1, err := p1.Hash()
	require.NoError(t, err)
	h2, err := p2.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	h3, err := StateHash(map[string]int64{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, h1, h3)

	h4, err := StateHash(map[string]int64{"a": 2, "b": 1})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h4)
}

func TestPoi_duplicateAccounts(t *testing.T) {
	p := Poi{Accounts: []PoiAccount{{"a", 1}, {"a", 2}}}
	_, err := p.Hash()
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestPoi_balances(t *testing.T) {
	p := NewPoi(map[string]int64{"b": 2, "a": 1})
	assert.Equal(t, []PoiAccount{{"a", 1}, {"b", 2}}, p.Accounts)
	assert.Equal(t, int64(3), p.Total())
	b, ok := p.Balance("b")
	assert.True(t, ok)
	assert.Equal(t, int64(2), b)
	_, ok = p.Balance("c")
	assert.False(t, ok)
}

func TestChannelID(t *testing.T) {
	id := ChannelID("ak_1", 1)
	assert.True(t, strings.HasPrefix(id, "ch_"))
	assert.Equal(t, id, ChannelID("ak_1", 1))
	assert.NotEqual(t, id, ChannelID("ak_1", 2))
	assert.NotEqual(t, id, ChannelID("ak_2", 1))
}

func TestValidatePointers(t *testing.T) {
	addr := keypair.MustRandom().Address()

	require.NoError(t, ValidatePointers([]Pointer{{Key: "account_pubkey", ID: addr}}))

	err := ValidatePointers([]Pointer{{Key: "account_pubkey", ID: "ak_invalid"}})
	assert.True(t, errors.Is(err, errors.ErrValidation))

	err = ValidatePointers([]Pointer{{Key: "k", ID: addr}, {Key: "k", ID: addr}})
	assert.True(t, errors.Is(err, errors.ErrValidation))

	pointers := make([]Pointer, MaxPointers+1)
	for i := range pointers {
		pointers[i] = Pointer{Key: strings.Repeat("k", i+1), ID: addr}
	}
	err = ValidatePointers(pointers)
	assert.True(t, errors.Is(err, errors.ErrValidation))
	require.NoError(t, ValidatePointers(pointers[:MaxPointers]))
}

func TestNameUpdateTx_Validate(t *testing.T) {
	addr := keypair.MustRandom().Address()
	tx := &NameUpdateTx{NameID: "alice.chain", Pointers: []Pointer{{Key: "account_pubkey", ID: addr}}}
	require.NoError(t, tx.Validate())

	tx.NameID = "alice"
	assert.True(t, errors.Is(tx.Validate(), errors.ErrValidation))
	tx.NameID = ".chain"
	assert.True(t, errors.Is(tx.Validate(), errors.ErrValidation))
}
