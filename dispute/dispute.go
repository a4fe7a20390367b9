// Package dispute publishes channel states to the ledger when the other
// participant of a channel stops cooperating: a close solo publishes a
// state, a slash publishes a later state over it, and a settle pays out the
// published state once its lock period has expired.
package dispute

import (
	"bytes"
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/stellar/starlight-channels/errors"
	"github.com/stellar/starlight-channels/node"
	"github.com/stellar/starlight-channels/state"
	"github.com/stellar/starlight-channels/txbuild"
)

// State is a co-signed state of a channel as it is published to the ledger.
type State struct {
	ChannelID   string
	InitiatorID string
	ResponderID string
	Round       uint64
	// Poi is the proof of inclusion of both participants at Round.
	Poi txbuild.Poi
	// Payload is the signed transaction of the state, co-signed by both
	// participants.
	Payload []byte
}

// FromSnapshot returns the latest state of the channel of the snapshot.
func FromSnapshot(s state.Snapshot) (State, error) {
	ch := state.NewChannelFromSnapshot(state.Config{}, s)
	poi, err := ch.Poi()
	if err != nil {
		return State{}, fmt.Errorf("getting poi of channel %s: %w", s.ID, err)
	}
	return State{
		ChannelID:   s.ID,
		InitiatorID: s.Params.InitiatorID,
		ResponderID: s.Params.ResponderID,
		Round:       s.Latest.Round,
		Poi:         poi,
		Payload:     s.Latest.SignedTx,
	}, nil
}

// Result is a dispute transaction that has been mined.
type Result struct {
	TxHash      string
	BlockHeight uint64
	// Fee is the fee paid by the submitter.
	Fee int64
}

// Config contains the information that can be supplied to configure the
// Resolver at construction.
type Config struct {
	NetworkID string
	Node      node.Client
	// FromID is the participant that submits, signs and pays for the
	// dispute transactions.
	FromID string
	Sign   txbuild.SignFunc
	// TTL of the dispute transactions, zero for none.
	TTL  uint64
	Wait node.WaitOptions
	// Logger defaults to logrus.StandardLogger.
	Logger logrus.FieldLogger
}

// Resolver builds, signs and submits the dispute transactions of a
// participant. A Resolver holds no state and is safe to use from multiple
// goroutines, though transactions submitted concurrently compete for the
// same nonce.
type Resolver struct {
	networkID string
	node      node.Client
	fromID    string
	sign      txbuild.SignFunc
	ttl       uint64
	wait      node.WaitOptions
	logger    logrus.FieldLogger
}

func New(c Config) *Resolver {
	r := &Resolver{
		networkID: c.NetworkID,
		node:      c.Node,
		fromID:    c.FromID,
		sign:      c.Sign,
		ttl:       c.TTL,
		wait:      c.Wait,
		logger:    c.Logger,
	}
	if r.logger == nil {
		r.logger = logrus.StandardLogger()
	}
	r.logger = r.logger.WithField("from", r.fromID)
	return r
}

// Verify checks that the state is co-signed by both participants, that its
// poi matches the state hash committed in the payload, and that the round of
// the state is the round of the payload.
func (r *Resolver) Verify(s State) error {
	signed, inner, err := txbuild.DecodeInner(s.Payload)
	if err != nil {
		return errors.Kind(errors.ErrValidation, "decoding payload: %v", err)
	}
	var (
		round     uint64
		stateHash []byte
	)
	switch tx := inner.(type) {
	case *txbuild.ChannelOffChainTx:
		if tx.ChannelID != s.ChannelID {
			return errors.Kind(errors.ErrValidation, "payload is of channel %s, want %s", tx.ChannelID, s.ChannelID)
		}
		round, stateHash = tx.Round, tx.StateHash
	case *txbuild.ChannelCreateTx:
		if txbuild.ChannelID(tx.InitiatorID, tx.Nonce) != s.ChannelID {
			return errors.Kind(errors.ErrValidation, "payload creates another channel than %s", s.ChannelID)
		}
		round, stateHash = 1, tx.StateHash
	default:
		return errors.Kind(errors.ErrValidation, "payload is a %v, not a channel state", inner.Tag())
	}
	if round != s.Round {
		return errors.Kind(errors.ErrValidation, "payload is of round %d, want %d", round, s.Round)
	}
	poiHash, err := s.Poi.Hash()
	if err != nil {
		return err
	}
	if !bytes.Equal(poiHash, stateHash) {
		return errors.Kind(errors.ErrValidation, "poi does not match the state hash of round %d", s.Round)
	}
	for _, id := range []string{s.InitiatorID, s.ResponderID} {
		if _, ok := s.Poi.Balance(id); !ok {
			return errors.Kind(errors.ErrValidation, "poi of round %d is missing %s", s.Round, id)
		}
		ok, err := signed.SignedBy(r.networkID, id)
		if err != nil {
			return errors.Kind(errors.ErrValidation, "verifying signature of %s: %v", id, err)
		}
		if !ok {
			return errors.Kind(errors.ErrValidation, "state of round %d is not signed by %s", s.Round, id)
		}
	}
	return nil
}

// Latest returns the candidate of the highest round among the candidates
// that are co-signed by both participants. It returns an error wrapping
// errors.ErrNotFound if no candidate is.
func (r *Resolver) Latest(candidates ...State) (State, error) {
	var (
		latest State
		found  bool
	)
	for _, c := range candidates {
		if err := r.Verify(c); err != nil {
			r.logger.WithError(err).WithField("round", c.Round).Debug("ignoring candidate state")
			continue
		}
		if !found || c.Round > latest.Round {
			latest, found = c, true
		}
	}
	if !found {
		return State{}, errors.Kind(errors.ErrNotFound, "no co-signed state among %d candidates", len(candidates))
	}
	return latest, nil
}

// CloseSolo publishes the state and starts the lock period of the channel,
// during which the other participant can slash with a later state.
func (r *Resolver) CloseSolo(ctx context.Context, s State) (Result, error) {
	if err := r.Verify(s); err != nil {
		return Result{}, fmt.Errorf("close solo of %s: %w", s.ChannelID, err)
	}
	return r.submit(ctx, &txbuild.ChannelCloseSoloTx{
		ChannelID: s.ChannelID,
		FromID:    r.fromID,
		Payload:   s.Payload,
		Poi:       s.Poi,
		TTL:       r.ttl,
	})
}

// Slash publishes a state of a later round than the state published by a
// close solo or a previous slash, and restarts the lock period. The ledger
// refuses a slash that is not of a strictly higher round.
func (r *Resolver) Slash(ctx context.Context, s State) (Result, error) {
	if err := r.Verify(s); err != nil {
		return Result{}, fmt.Errorf("slash of %s: %w", s.ChannelID, err)
	}
	return r.submit(ctx, &txbuild.ChannelSlashTx{
		ChannelID: s.ChannelID,
		FromID:    r.fromID,
		Payload:   s.Payload,
		Poi:       s.Poi,
		TTL:       r.ttl,
	})
}

// Settle pays out the channel after the lock period has expired. The final
// amounts must be the balances of the state published last.
func (r *Resolver) Settle(ctx context.Context, channelID string, initiatorAmountFinal, responderAmountFinal int64) (Result, error) {
	if initiatorAmountFinal < 0 || responderAmountFinal < 0 {
		return Result{}, errors.Kind(errors.ErrValidation, "settle amounts must not be negative")
	}
	return r.submit(ctx, &txbuild.ChannelSettleTx{
		ChannelID:            channelID,
		FromID:               r.fromID,
		InitiatorAmountFinal: initiatorAmountFinal,
		ResponderAmountFinal: responderAmountFinal,
		TTL:                  r.ttl,
	})
}

// SettleState settles the channel with the balances of the state.
func (r *Resolver) SettleState(ctx context.Context, s State) (Result, error) {
	initiatorAmount, ok := s.Poi.Balance(s.InitiatorID)
	if !ok {
		return Result{}, errors.Kind(errors.ErrValidation, "poi is missing %s", s.InitiatorID)
	}
	responderAmount, ok := s.Poi.Balance(s.ResponderID)
	if !ok {
		return Result{}, errors.Kind(errors.ErrValidation, "poi is missing %s", s.ResponderID)
	}
	return r.Settle(ctx, s.ChannelID, initiatorAmount, responderAmount)
}

func (r *Resolver) submit(ctx context.Context, tx txbuild.Payable) (Result, error) {
	log := r.logger.WithField("type", tx.Tag())
	err := txbuild.Prepare(ctx, tx, txbuild.NonceOptions{Node: r.node})
	if err != nil {
		return Result{}, fmt.Errorf("preparing %v: %w", tx.Tag(), err)
	}
	b, err := txbuild.Encode(tx)
	if err != nil {
		return Result{}, err
	}
	signed, err := txbuild.AppendSignature(b, r.sign)
	if err != nil {
		return Result{}, fmt.Errorf("signing %v: %w", tx.Tag(), err)
	}
	mined, err := node.SendTransaction(ctx, r.node, signed, r.wait)
	if err != nil {
		log.WithError(err).Warn("dispute tx not mined")
		return Result{}, fmt.Errorf("submitting %v: %w", tx.Tag(), err)
	}
	_, fee := txbuild.PaymentOf(tx)
	log.WithFields(logrus.Fields{"tx": mined.Hash, "height": mined.BlockHeight, "fee": fee}).Info("dispute tx mined")
	return Result{TxHash: mined.Hash, BlockHeight: mined.BlockHeight, Fee: fee}, nil
}
