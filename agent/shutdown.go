package agent

import (
	"bytes"
	"context"
	"fmt"

	"github.com/stellar/starlight-channels/errors"
	"github.com/stellar/starlight-channels/msg"
	"github.com/stellar/starlight-channels/node"
	"github.com/stellar/starlight-channels/state"
	"github.com/stellar/starlight-channels/txbuild"
)

// ShutdownResult is the outcome of a mutual close.
type ShutdownResult struct {
	Accepted bool
	// SignedTx is the co-signed mutual close transaction.
	SignedTx []byte
	// TxHash is the hash of the close transaction when it was submitted.
	TxHash string
	Reason string
}

// Shutdown closes the channel mutually at the latest balances. The local
// participant pays the fee of the close from its balance and submits the
// close using the nonce. When nonce is zero it is prepared with the node.
// The close is signed with signLocal, or the Config's SignFunc when
// signLocal is nil.
//
// If the other participant refuses the close, does not answer in time, or
// is not connected, the close is not accepted and the channel stays open.
func (a *Agent) Shutdown(ctx context.Context, nonce uint64, signLocal txbuild.SignFunc) (ShutdownResult, error) {
	var result ShutdownResult
	h := a.negotiations.Enqueue(ctx, func(ctx context.Context) error {
		var err error
		result, err = a.shutdown(ctx, nonce, signLocal)
		return err
	})
	<-h.Done()
	err := h.Err()
	if err != nil && ctx.Err() != nil && err == ctx.Err() {
		return ShutdownResult{Reason: err.Error()}, nil
	}
	return result, err
}

func (a *Agent) shutdown(ctx context.Context, nonce uint64, signLocal txbuild.SignFunc) (ShutdownResult, error) {
	if signLocal == nil {
		signLocal = a.signer(TagShutdownSign)
	}

	a.mu.Lock()
	if err := a.checkNegotiable(); err != nil {
		a.mu.Unlock()
		return ShutdownResult{}, err
	}
	localID := a.channel.LocalID()
	a.mu.Unlock()

	nonce, err := txbuild.PrepareNonce(ctx, nonce, localID, txbuild.NonceOptions{Node: a.node})
	if err != nil {
		return ShutdownResult{}, fmt.Errorf("preparing nonce of close tx: %w", err)
	}

	a.mu.Lock()
	if err := a.checkNegotiable(); err != nil {
		a.mu.Unlock()
		return ShutdownResult{}, err
	}
	sess := a.session
	if sess == nil {
		a.mu.Unlock()
		return ShutdownResult{Reason: "no peer connected"}, nil
	}
	prop, err := a.channel.ProposeShutdown(localID, nonce)
	if err != nil {
		a.mu.Unlock()
		return ShutdownResult{}, fmt.Errorf("proposing shutdown: %w", err)
	}
	signed, err := txbuild.AppendSignature(prop.Tx, signLocal)
	if err != nil {
		a.channel.CancelProposal()
		a.mu.Unlock()
		return ShutdownResult{}, fmt.Errorf("signing close tx: %w", err)
	}
	w := newWaiter(prop)
	a.waiter = w
	a.setStatus(StatusClosing)
	sent := sess.send(ctx, msg.Message{
		Type:            msg.TypeShutdownRequest,
		Role:            a.role,
		ShutdownRequest: &msg.Update{Proposal: prop, SignedTx: signed},
	})
	log := a.log().WithField("fee", prop.Fee)
	a.mu.Unlock()
	log.Info("shutdown proposed")

	o, err := a.await(ctx, sess, w, sent)
	if err != nil {
		return ShutdownResult{}, err
	}
	if o.reject != nil {
		log.WithField("reason", o.reject.Reason).Info("shutdown not accepted")
		return ShutdownResult{Reason: o.reject.Reason}, nil
	}
	result := ShutdownResult{Accepted: true, SignedTx: o.signedTx}
	log.Info("channel closed")

	if a.node != nil {
		tx, err := node.SendTransaction(ctx, a.node, o.signedTx, a.wait)
		if err != nil {
			return result, fmt.Errorf("submitting close tx: %w", err)
		}
		result.TxHash = tx.Hash
		log.WithField("tx", tx.Hash).Info("close tx mined")
	}
	return result, nil
}

func (a *Agent) handleShutdownRequest(sess *session, m msg.Message) error {
	u := m.ShutdownRequest
	if u == nil {
		return errors.Kind(errors.ErrValidation, "shutdown request without close")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	round := u.Proposal.Round
	if a.channel == nil || !a.channel.Open() {
		a.reject(sess, msg.TypeShutdownReject, round, msg.RejectInvalid, "channel is not open")
		return errors.Kind(errors.ErrInvalidState, "channel is not open")
	}
	if !a.yield(sess, msg.TypeShutdownReject, round) {
		return nil
	}
	defer a.settleStatus()

	if err := a.channel.ValidateShutdown(u.Proposal, u.SignedTx); err != nil {
		a.reject(sess, msg.TypeShutdownReject, round, msg.RejectInvalid, err.Error())
		return fmt.Errorf("validating shutdown: %w", err)
	}
	signed, err := txbuild.AppendSignature(u.SignedTx, a.signer(TagShutdownSignAck))
	if err != nil {
		a.reject(sess, msg.TypeShutdownReject, round, msg.RejectSigner, err.Error())
		return fmt.Errorf("signing close tx: %w", err)
	}
	if err := a.channel.FinalizeShutdown(u.Proposal, signed); err != nil {
		a.reject(sess, msg.TypeShutdownReject, round, msg.RejectInvalid, err.Error())
		return fmt.Errorf("closing: %w", err)
	}
	a.persist()
	sess.send(context.Background(), msg.Message{
		Type:             msg.TypeShutdownResponse,
		Role:             a.role,
		ShutdownResponse: &msg.Update{Proposal: u.Proposal, SignedTx: signed},
	})
	a.log().Info("channel closed")
	return nil
}

func (a *Agent) handleShutdownResponse(sess *session, m msg.Message) error {
	u := m.ShutdownResponse
	if u == nil {
		return errors.Kind(errors.ErrValidation, "shutdown response without close")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.channel == nil {
		return errors.Kind(errors.ErrInvalidState, "no channel")
	}
	defer a.settleStatus()

	w := a.waiter
	if w == nil || w.proposal.Kind != state.KindShutdown || !bytes.Equal(w.proposal.Tx, u.Proposal.Tx) {
		// The response arrived after the shutdown was abandoned. The other
		// participant has closed so the channel is closed too.
		if err := a.channel.FinalizeShutdown(u.Proposal, u.SignedTx); err != nil {
			return fmt.Errorf("applying late shutdown response: %w", err)
		}
		a.persist()
		a.settleAbandoned()
		a.log().Info("late shutdown response applied")
		return nil
	}
	if err := a.channel.FinalizeShutdown(w.proposal, u.SignedTx); err != nil {
		a.channel.CancelProposal()
		a.resolve(outcome{reject: &msg.Reject{Round: w.proposal.Round, Code: msg.RejectInvalid, Reason: err.Error()}})
		return fmt.Errorf("closing: %w", err)
	}
	a.persist()
	a.resolve(outcome{signedTx: u.SignedTx})
	return nil
}

func (a *Agent) handleShutdownReject(sess *session, m msg.Message) error {
	r := m.Reject
	if r == nil {
		return errors.Kind(errors.ErrValidation, "shutdown reject without reason")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	w := a.waiter
	if w == nil || w.proposal.Kind != state.KindShutdown || w.proposal.Round != r.Round {
		if p := a.abandoned; p != nil && p.Kind == state.KindShutdown && p.Round == r.Round {
			a.abandoned = nil
			a.log().WithField("reason", r.Reason).Info("abandoned shutdown refused")
		}
		return nil
	}
	if a.channel.IsPending(w.proposal) {
		a.channel.CancelProposal()
	}
	a.resolve(outcome{reject: r})
	a.settleStatus()
	return nil
}
