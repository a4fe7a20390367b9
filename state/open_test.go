package state

import (
	"testing"

	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellar/starlight-channels/errors"
	"github.com/stellar/starlight-channels/txbuild"
)

func TestOpen(t *testing.T) {
	p := openChannels(t)

	for _, c := range []*Channel{p.initiator, p.responder} {
		assert.True(t, c.Open())
		assert.Equal(t, uint64(1), c.Round())
		assert.Equal(t, txbuild.ChannelID(p.initiatorKey.Address(), 1), c.ID())
		assert.Equal(t, Balances{Initiator: 1000, Responder: 500}, c.Latest().Balances)
		_, pending := c.Pending()
		assert.False(t, pending)
	}
	assert.Equal(t, p.initiatorKey.Address(), p.initiator.LocalID())
	assert.Equal(t, p.responderKey.Address(), p.initiator.RemoteID())
	assert.Equal(t, p.initiator.Latest(), p.responder.Latest())
	assert.NotZero(t, p.initiator.Params().Fee)
}

func TestProposeOpen_validation(t *testing.T) {
	p := participants{initiatorKey: keypair.MustRandom(), responderKey: keypair.MustRandom()}

	c := NewChannel(Config{NetworkID: networkID, Role: RoleResponder})
	_, err := c.ProposeOpen(testParams(p))
	assert.True(t, errors.Is(err, errors.ErrInvalidState))

	c = NewChannel(Config{NetworkID: networkID, Role: RoleInitiator})
	params := testParams(p)
	params.Nonce = 0
	_, err = c.ProposeOpen(params)
	assert.True(t, errors.Is(err, errors.ErrConfiguration))

	params = testParams(p)
	params.InitiatorAmount = -1
	_, err = c.ProposeOpen(params)
	assert.True(t, errors.Is(err, errors.ErrValidation))

	params = testParams(p)
	params.ChannelReserve = 600
	_, err = c.ProposeOpen(params)
	assert.True(t, errors.Is(err, errors.ErrValidation))

	params = testParams(p)
	params.ResponderID = "ak_invalid"
	_, err = c.ProposeOpen(params)
	assert.True(t, errors.Is(err, errors.ErrValidation))

	_, err = c.ProposeOpen(testParams(p))
	require.NoError(t, err)
	_, err = c.ProposeOpen(testParams(p))
	assert.True(t, errors.Is(err, errors.ErrInvalidState))
}

func TestValidateOpen_rejectsDifferentParams(t *testing.T) {
	p := participants{
		initiatorKey: keypair.MustRandom(),
		responderKey: keypair.MustRandom(),
		initiator:    NewChannel(Config{NetworkID: networkID, Role: RoleInitiator}),
		responder:    NewChannel(Config{NetworkID: networkID, Role: RoleResponder}),
	}
	open, err := p.initiator.ProposeOpen(testParams(p))
	require.NoError(t, err)
	signed := sign(t, p.initiatorKey, open.Tx)

	params := p.initiator.Params()
	params.ResponderAmount = 501
	_, err = p.responder.ValidateOpen(params, signed)
	assert.True(t, errors.Is(err, errors.ErrValidation))

	// Not signed by the initiator.
	other := sign(t, p.responderKey, open.Tx)
	_, err = p.responder.ValidateOpen(p.initiator.Params(), other)
	assert.True(t, errors.Is(err, errors.ErrValidation))

	params = p.initiator.Params()
	params.Fee = 1
	_, err = p.responder.ValidateOpen(params, signed)
	assert.True(t, errors.Is(err, errors.ErrValidation))

	_, err = p.responder.ValidateOpen(p.initiator.Params(), signed)
	require.NoError(t, err)
}

func TestConfirmOpen_requiresBothSignatures(t *testing.T) {
	p := participants{
		initiatorKey: keypair.MustRandom(),
		responderKey: keypair.MustRandom(),
		initiator:    NewChannel(Config{NetworkID: networkID, Role: RoleInitiator}),
	}
	_, err := p.initiator.ConfirmOpen(nil)
	assert.True(t, errors.Is(err, errors.ErrInvalidState))

	open, err := p.initiator.ProposeOpen(testParams(p))
	require.NoError(t, err)
	signed := sign(t, p.initiatorKey, open.Tx)
	_, err = p.initiator.ConfirmOpen(signed)
	assert.True(t, errors.Is(err, errors.ErrValidation))
	assert.False(t, p.initiator.Open())
}
