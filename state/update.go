package state

import (
	"bytes"
	"fmt"

	"github.com/stellar/starlight-channels/errors"
	"github.com/stellar/starlight-channels/txbuild"
)

// The high level steps for updating a channel are as follows, where the
// returned proposal flows to the next step:
// 1. Proposer calls ProposeUpdate and signs the proposal's Tx.
// 2. Peer calls ValidateProposal with the proposer's signed tx, co-signs.
// 3. Peer calls FinalizeUpdate with the co-signed tx.
// 4. Proposer calls FinalizeUpdate with the co-signed tx.

// ProposalKind is the kind of operation proposed.
type ProposalKind string

const (
	KindOpen     ProposalKind = "open"
	KindUpdate   ProposalKind = "update"
	KindShutdown ProposalKind = "shutdown"
)

// Proposal is a proposed next state of a channel and the transaction that
// commits to it.
type Proposal struct {
	Kind ProposalKind
	// Round is the round of the proposed state. A shutdown does not advance
	// the round.
	Round    uint64
	FromID   string
	ToID     string
	Amount   int64
	Balances Balances
	// Nonce and Fee are of the mutual close transaction of a shutdown.
	Nonce uint64
	Fee   int64
	// Tx is the encoded unsigned transaction.
	Tx []byte
}

func (c *Channel) checkOpen() error {
	if c.latest.IsEmpty() {
		return errors.Kind(errors.ErrInvalidState, "channel is not open")
	}
	if c.closed {
		return errors.Kind(errors.ErrInvalidState, "channel %s is closed", c.id)
	}
	return nil
}

// transfer returns the balances after the amount is transferred.
func (c *Channel) transfer(fromID, toID string, amount int64) (Balances, error) {
	if amount <= 0 {
		return Balances{}, errors.Kind(errors.ErrValidation, "amount must be greater than 0")
	}
	b := c.latest.Balances
	switch {
	case fromID == c.params.InitiatorID && toID == c.params.ResponderID:
		if b.Initiator-amount < c.params.ChannelReserve {
			return Balances{}, errors.Kind(errors.ErrValidation, "insufficient balance of %s, got: %d want: %d", fromID, b.Initiator, amount+c.params.ChannelReserve)
		}
		b.Initiator -= amount
		b.Responder += amount
	case fromID == c.params.ResponderID && toID == c.params.InitiatorID:
		if b.Responder-amount < c.params.ChannelReserve {
			return Balances{}, errors.Kind(errors.ErrValidation, "insufficient balance of %s, got: %d want: %d", fromID, b.Responder, amount+c.params.ChannelReserve)
		}
		b.Responder -= amount
		b.Initiator += amount
	default:
		return Balances{}, errors.Kind(errors.ErrValidation, "update from %s to %s is not between the participants", fromID, toID)
	}
	return b, nil
}

func (c *Channel) offChainTx(round uint64, b Balances) ([]byte, error) {
	stateHash, err := txbuild.StateHash(c.balanceMap(b))
	if err != nil {
		return nil, err
	}
	return txbuild.Encode(&txbuild.ChannelOffChainTx{
		ChannelID: c.id,
		Round:     round,
		StateHash: stateHash,
	})
}

// ProposeUpdate proposes the transfer of amount between the participants at
// the next round. Only one proposal can be in progress at a time.
func (c *Channel) ProposeUpdate(fromID, toID string, amount int64) (Proposal, error) {
	if err := c.checkOpen(); err != nil {
		return Proposal{}, err
	}
	if c.pending != nil {
		return Proposal{}, errors.Kind(errors.ErrStateConflict, "%s of round %d in progress", c.pending.Kind, c.pending.Round)
	}
	b, err := c.transfer(fromID, toID, amount)
	if err != nil {
		return Proposal{}, err
	}
	round := c.latest.Round + 1
	tx, err := c.offChainTx(round, b)
	if err != nil {
		return Proposal{}, err
	}
	p := Proposal{
		Kind:     KindUpdate,
		Round:    round,
		FromID:   fromID,
		ToID:     toID,
		Amount:   amount,
		Balances: b,
		Tx:       tx,
	}
	c.pending = &p
	return p, nil
}

// ValidateProposal validates an update proposed by the other participant
// with the proposer's signed tx. The transaction is rebuilt from the
// proposal and must be identical to the transaction signed.
func (c *Channel) ValidateProposal(p Proposal, signedTx []byte) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if p.Kind != KindUpdate {
		return errors.Kind(errors.ErrValidation, "proposal is a %s not an update", p.Kind)
	}
	if p.Round != c.latest.Round+1 {
		return errors.Kind(errors.ErrValidation, "invalid round, got: %d want: %d", p.Round, c.latest.Round+1)
	}
	b, err := c.transfer(p.FromID, p.ToID, p.Amount)
	if err != nil {
		return err
	}
	if b != p.Balances {
		return errors.Kind(errors.ErrValidation, "proposed balances do not match the transfer")
	}
	tx, err := c.offChainTx(p.Round, b)
	if err != nil {
		return err
	}
	if !bytes.Equal(tx, p.Tx) {
		return errors.Kind(errors.ErrValidation, "proposed tx does not match the transfer")
	}
	return c.verifySignatures(signedTx, tx, c.RemoteID())
}

// FinalizeUpdate applies the co-signed update. The round of the proposal
// must follow the latest round, and the transaction must carry the
// signatures of both participants. A proposal in progress for the same or
// an earlier round is cleared.
func (c *Channel) FinalizeUpdate(p Proposal, signedTx []byte) (SignedState, error) {
	if err := c.checkOpen(); err != nil {
		return SignedState{}, err
	}
	if p.Kind != KindUpdate {
		return SignedState{}, errors.Kind(errors.ErrValidation, "proposal is a %s not an update", p.Kind)
	}
	if p.Round != c.latest.Round+1 {
		return SignedState{}, errors.Kind(errors.ErrValidation, "invalid round, got: %d want: %d", p.Round, c.latest.Round+1)
	}
	if err := c.verifySignatures(signedTx, p.Tx, c.params.InitiatorID, c.params.ResponderID); err != nil {
		return SignedState{}, err
	}
	c.latest = SignedState{Round: p.Round, Balances: p.Balances, SignedTx: signedTx}
	if c.pending != nil && c.pending.Round <= p.Round {
		c.pending = nil
	}
	return c.latest, nil
}

// ApplyBackchannel applies a state co-signed without negotiation. The state
// must be of the round following the latest round.
func (c *Channel) ApplyBackchannel(s SignedState) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if s.Round != c.latest.Round+1 {
		return errors.Kind(errors.ErrValidation, "invalid backchannel round, got: %d want: %d", s.Round, c.latest.Round+1)
	}
	return c.AdoptState(s)
}

// AdoptState replaces the latest state with a state co-signed by both
// participants, such as the state reported by the other participant when
// reestablishing a connection. The state is verified against the channel's
// parameters. The caller decides whether the state's round supersedes the
// latest round.
func (c *Channel) AdoptState(s SignedState) error {
	if c.id == "" {
		return errors.Kind(errors.ErrInvalidState, "channel is not open")
	}
	if s.Balances.Initiator < 0 || s.Balances.Responder < 0 {
		return errors.Kind(errors.ErrValidation, "state balances must not be negative")
	}
	if s.Balances.Total() != c.params.InitiatorAmount+c.params.ResponderAmount {
		return errors.Kind(errors.ErrValidation, "state balances total %d, want: %d", s.Balances.Total(), c.params.InitiatorAmount+c.params.ResponderAmount)
	}
	signed, inner, err := txbuild.DecodeInner(s.SignedTx)
	if err != nil {
		return fmt.Errorf("decoding state tx: %w", err)
	}
	var (
		round     uint64
		stateHash []byte
	)
	switch tx := inner.(type) {
	case *txbuild.ChannelOffChainTx:
		if tx.ChannelID != c.id {
			return errors.Kind(errors.ErrValidation, "state is of channel %s", tx.ChannelID)
		}
		round, stateHash = tx.Round, tx.StateHash
	case *txbuild.ChannelCreateTx:
		if txbuild.ChannelID(tx.InitiatorID, tx.Nonce) != c.id {
			return errors.Kind(errors.ErrValidation, "state creates another channel")
		}
		round, stateHash = 1, tx.StateHash
	default:
		return errors.Kind(errors.ErrValidation, "state tx is a %v", inner.Tag())
	}
	if round != s.Round {
		return errors.Kind(errors.ErrValidation, "state round %d does not match tx round %d", s.Round, round)
	}
	expected, err := txbuild.StateHash(c.balanceMap(s.Balances))
	if err != nil {
		return err
	}
	if !bytes.Equal(expected, stateHash) {
		return errors.Kind(errors.ErrValidation, "state hash does not match balances")
	}
	if err := c.verifySignatures(s.SignedTx, signed.EncodedTx, c.params.InitiatorID, c.params.ResponderID); err != nil {
		return err
	}
	c.latest = s
	if c.pending != nil && c.pending.Round <= s.Round {
		c.pending = nil
	}
	return nil
}
