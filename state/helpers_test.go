package state

import (
	"testing"

	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/require"

	"github.com/stellar/starlight-channels/txbuild"
)

const networkID = "ae_test"

type participants struct {
	initiatorKey *keypair.Full
	responderKey *keypair.Full
	initiator    *Channel
	responder    *Channel
}

func sign(t *testing.T, kp *keypair.Full, tx []byte) []byte {
	t.Helper()
	signed, err := txbuild.Sign(networkID, kp, tx)
	require.NoError(t, err)
	return signed
}

func testParams(p participants) Params {
	return Params{
		InitiatorID:     p.initiatorKey.Address(),
		ResponderID:     p.responderKey.Address(),
		InitiatorAmount: 1000,
		ResponderAmount: 500,
		LockPeriod:      10,
		Nonce:           1,
	}
}

// openChannels returns two channels that have completed the open.
func openChannels(t *testing.T) participants {
	t.Helper()
	return openChannelsWithAmounts(t, 1000, 500)
}

func openChannelsWithAmounts(t *testing.T, initiatorAmount, responderAmount int64) participants {
	t.Helper()
	p := participants{
		initiatorKey: keypair.MustRandom(),
		responderKey: keypair.MustRandom(),
		initiator:    NewChannel(Config{NetworkID: networkID, Role: RoleInitiator}),
		responder:    NewChannel(Config{NetworkID: networkID, Role: RoleResponder}),
	}

	params := testParams(p)
	params.InitiatorAmount = initiatorAmount
	params.ResponderAmount = responderAmount
	open, err := p.initiator.ProposeOpen(params)
	require.NoError(t, err)
	signed := sign(t, p.initiatorKey, open.Tx)

	_, err = p.responder.ValidateOpen(p.initiator.Params(), signed)
	require.NoError(t, err)
	signed = sign(t, p.responderKey, signed)

	_, err = p.responder.ConfirmOpen(signed)
	require.NoError(t, err)
	_, err = p.initiator.ConfirmOpen(signed)
	require.NoError(t, err)
	p.responder.SetFsmID("ba_fsm")
	p.initiator.SetFsmID("ba_fsm")
	return p
}

// update negotiates a transfer proposed by proposer and returns the
// co-signed tx.
func (p participants) update(t *testing.T, proposer Role, fromID, toID string, amount int64) []byte {
	t.Helper()
	local, remote := p.initiator, p.responder
	localKey, remoteKey := p.initiatorKey, p.responderKey
	if proposer == RoleResponder {
		local, remote = remote, local
		localKey, remoteKey = remoteKey, localKey
	}
	prop, err := local.ProposeUpdate(fromID, toID, amount)
	require.NoError(t, err)
	signed := sign(t, localKey, prop.Tx)

	require.NoError(t, remote.ValidateProposal(prop, signed))
	signed = sign(t, remoteKey, signed)
	_, err = remote.FinalizeUpdate(prop, signed)
	require.NoError(t, err)
	_, err = local.FinalizeUpdate(prop, signed)
	require.NoError(t, err)
	return signed
}
