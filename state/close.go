package state

import (
	"bytes"

	"github.com/stellar/starlight-channels/errors"
	"github.com/stellar/starlight-channels/txbuild"
)

func (c *Channel) closeMutualTx(fromID string, nonce uint64, fee int64) (*txbuild.ChannelCloseMutualTx, Balances, error) {
	b := c.latest.Balances
	switch fromID {
	case c.params.InitiatorID:
		b.Initiator -= fee
	case c.params.ResponderID:
		b.Responder -= fee
	default:
		return nil, Balances{}, errors.Kind(errors.ErrValidation, "%s is not a participant of channel %s", fromID, c.id)
	}
	if b.Initiator < 0 || b.Responder < 0 {
		return nil, Balances{}, errors.Kind(errors.ErrValidation, "balance of %s does not cover the close fee %d", fromID, fee)
	}
	return &txbuild.ChannelCloseMutualTx{
		ChannelID:            c.id,
		FromID:               fromID,
		InitiatorAmountFinal: b.Initiator,
		ResponderAmountFinal: b.Responder,
		TTL:                  c.params.TTL,
		Fee:                  fee,
		Nonce:                nonce,
	}, b, nil
}

// ProposeShutdown proposes a mutual close of the channel at the latest
// balances. The fee of the close is paid from the balance of fromID, who
// submits the close transaction using the nonce.
func (c *Channel) ProposeShutdown(fromID string, nonce uint64) (Proposal, error) {
	if err := c.checkOpen(); err != nil {
		return Proposal{}, err
	}
	if c.pending != nil {
		return Proposal{}, errors.Kind(errors.ErrStateConflict, "%s of round %d in progress", c.pending.Kind, c.pending.Round)
	}
	if nonce == 0 {
		return Proposal{}, errors.Kind(errors.ErrConfiguration, "nonce of the close tx must be prepared")
	}
	tx, _, err := c.closeMutualTx(fromID, nonce, 0)
	if err != nil {
		return Proposal{}, err
	}
	fee, err := txbuild.Fee(tx)
	if err != nil {
		return Proposal{}, err
	}
	tx, b, err := c.closeMutualTx(fromID, nonce, fee)
	if err != nil {
		return Proposal{}, err
	}
	encoded, err := txbuild.Encode(tx)
	if err != nil {
		return Proposal{}, err
	}
	p := Proposal{
		Kind:     KindShutdown,
		Round:    c.latest.Round,
		FromID:   fromID,
		Balances: b,
		Nonce:    nonce,
		Fee:      fee,
		Tx:       encoded,
	}
	c.pending = &p
	return p, nil
}

// ValidateShutdown validates a mutual close proposed by the other
// participant with the proposer's signed tx.
func (c *Channel) ValidateShutdown(p Proposal, signedTx []byte) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if p.Kind != KindShutdown {
		return errors.Kind(errors.ErrValidation, "proposal is a %s not a shutdown", p.Kind)
	}
	if p.Round != c.latest.Round {
		return errors.Kind(errors.ErrValidation, "shutdown of round %d, latest round is %d", p.Round, c.latest.Round)
	}
	if p.FromID != c.RemoteID() {
		return errors.Kind(errors.ErrValidation, "shutdown must be paid by the proposer %s", c.RemoteID())
	}
	tx, b, err := c.closeMutualTx(p.FromID, p.Nonce, p.Fee)
	if err != nil {
		return err
	}
	minFee, err := txbuild.Fee(tx)
	if err != nil {
		return err
	}
	if p.Fee < minFee {
		return errors.Kind(errors.ErrValidation, "close fee %d is below the minimum %d", p.Fee, minFee)
	}
	if b != p.Balances {
		return errors.Kind(errors.ErrValidation, "proposed close balances do not match the latest state")
	}
	encoded, err := txbuild.Encode(tx)
	if err != nil {
		return err
	}
	if !bytes.Equal(encoded, p.Tx) {
		return errors.Kind(errors.ErrValidation, "proposed close tx does not match the latest state")
	}
	return c.verifySignatures(signedTx, encoded, p.FromID)
}

// FinalizeShutdown closes the channel with the co-signed close transaction.
func (c *Channel) FinalizeShutdown(p Proposal, signedTx []byte) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if p.Kind != KindShutdown {
		return errors.Kind(errors.ErrValidation, "proposal is a %s not a shutdown", p.Kind)
	}
	if err := c.verifySignatures(signedTx, p.Tx, c.params.InitiatorID, c.params.ResponderID); err != nil {
		return err
	}
	c.closed = true
	c.closeTx = signedTx
	c.pending = nil
	return nil
}
