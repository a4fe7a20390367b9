package state

import (
	"github.com/stellar/starlight-channels/errors"
	"github.com/stellar/starlight-channels/txbuild"
)

// The high level steps for opening a channel are as follows:
// 1. Initiator calls ProposeOpen and signs the returned create tx.
// 2. Responder calls ValidateOpen with the initiator's signed tx, co-signs.
// 3. Both call ConfirmOpen with the co-signed tx.

func validateParams(p Params) error {
	if err := txbuild.ValidateAddress(p.InitiatorID); err != nil {
		return err
	}
	if err := txbuild.ValidateAddress(p.ResponderID); err != nil {
		return err
	}
	if p.InitiatorID == p.ResponderID {
		return errors.Kind(errors.ErrValidation, "initiator and responder must be different")
	}
	if p.InitiatorAmount < 0 || p.ResponderAmount < 0 {
		return errors.Kind(errors.ErrValidation, "channel amounts must not be negative")
	}
	if p.ChannelReserve < 0 {
		return errors.Kind(errors.ErrValidation, "channel reserve must not be negative")
	}
	if p.InitiatorAmount < p.ChannelReserve || p.ResponderAmount < p.ChannelReserve {
		return errors.Kind(errors.ErrValidation, "channel amounts must be at least the channel reserve %d", p.ChannelReserve)
	}
	if p.Nonce == 0 {
		return errors.Kind(errors.ErrConfiguration, "nonce of the create tx must be prepared")
	}
	return nil
}

func createTx(p Params) (*txbuild.ChannelCreateTx, error) {
	stateHash, err := txbuild.StateHash(map[string]int64{
		p.InitiatorID: p.InitiatorAmount,
		p.ResponderID: p.ResponderAmount,
	})
	if err != nil {
		return nil, err
	}
	return &txbuild.ChannelCreateTx{
		InitiatorID:     p.InitiatorID,
		InitiatorAmount: p.InitiatorAmount,
		ResponderID:     p.ResponderID,
		ResponderAmount: p.ResponderAmount,
		ChannelReserve:  p.ChannelReserve,
		LockPeriod:      p.LockPeriod,
		TTL:             p.TTL,
		Fee:             p.Fee,
		StateHash:       stateHash,
		Nonce:           p.Nonce,
	}, nil
}

func (c *Channel) checkUnopened() error {
	if c.id != "" || !c.latest.IsEmpty() {
		return errors.Kind(errors.ErrInvalidState, "channel %s already exists", c.id)
	}
	return nil
}

// ProposeOpen proposes the open of the channel, it is called by the
// initiator. The returned proposal's Tx is the create transaction to sign.
func (c *Channel) ProposeOpen(p Params) (Proposal, error) {
	if c.role != RoleInitiator {
		return Proposal{}, errors.Kind(errors.ErrInvalidState, "only the initiator proposes the open")
	}
	if err := c.checkUnopened(); err != nil {
		return Proposal{}, err
	}
	if err := validateParams(p); err != nil {
		return Proposal{}, err
	}
	tx, err := createTx(p)
	if err != nil {
		return Proposal{}, err
	}
	if p.Fee == 0 {
		p.Fee, err = txbuild.Fee(tx)
		if err != nil {
			return Proposal{}, err
		}
		tx.Fee = p.Fee
	}
	b, err := txbuild.Encode(tx)
	if err != nil {
		return Proposal{}, err
	}
	c.params = p
	c.id = txbuild.ChannelID(p.InitiatorID, p.Nonce)
	proposal := Proposal{
		Kind:     KindOpen,
		Round:    1,
		FromID:   p.InitiatorID,
		Balances: Balances{Initiator: p.InitiatorAmount, Responder: p.ResponderAmount},
		Tx:       b,
	}
	c.pending = &proposal
	return proposal, nil
}

// ValidateOpen validates the open proposed by the initiator with the
// initiator's signed create transaction, it is called by the responder. If
// valid the returned proposal is pending and the transaction can be
// co-signed.
func (c *Channel) ValidateOpen(p Params, signedTx []byte) (Proposal, error) {
	if c.role != RoleResponder {
		return Proposal{}, errors.Kind(errors.ErrInvalidState, "only the responder validates the open")
	}
	if err := c.checkUnopened(); err != nil {
		return Proposal{}, err
	}
	if err := validateParams(p); err != nil {
		return Proposal{}, err
	}
	tx, err := createTx(p)
	if err != nil {
		return Proposal{}, err
	}
	minFee, err := txbuild.Fee(tx)
	if err != nil {
		return Proposal{}, err
	}
	if p.Fee < minFee {
		return Proposal{}, errors.Kind(errors.ErrValidation, "create fee %d is below the minimum %d", p.Fee, minFee)
	}
	b, err := txbuild.Encode(tx)
	if err != nil {
		return Proposal{}, err
	}
	if err := c.verifySignatures(signedTx, b, p.InitiatorID); err != nil {
		return Proposal{}, err
	}
	c.params = p
	c.id = txbuild.ChannelID(p.InitiatorID, p.Nonce)
	proposal := Proposal{
		Kind:     KindOpen,
		Round:    1,
		FromID:   p.InitiatorID,
		Balances: Balances{Initiator: p.InitiatorAmount, Responder: p.ResponderAmount},
		Tx:       b,
	}
	c.pending = &proposal
	return proposal, nil
}

// ConfirmOpen confirms the open with the co-signed create transaction. It is
// called by both participants.
func (c *Channel) ConfirmOpen(signedTx []byte) (SignedState, error) {
	if c.pending == nil || c.pending.Kind != KindOpen {
		return SignedState{}, errors.Kind(errors.ErrInvalidState, "no open in progress")
	}
	if err := c.verifySignatures(signedTx, c.pending.Tx, c.params.InitiatorID, c.params.ResponderID); err != nil {
		return SignedState{}, err
	}
	c.latest = SignedState{
		Round:    1,
		Balances: c.pending.Balances,
		SignedTx: signedTx,
	}
	c.pending = nil
	return c.latest, nil
}
