package agent

import (
	"bytes"
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/stellar/starlight-channels/errors"
	"github.com/stellar/starlight-channels/msg"
	"github.com/stellar/starlight-channels/state"
	"github.com/stellar/starlight-channels/txbuild"
)

// UpdateResult is the outcome of an update.
type UpdateResult struct {
	Accepted bool
	// Round is the round of the update when accepted, and the unchanged
	// round of the channel when not.
	Round    uint64
	FromID   string
	ToID     string
	Amount   int64
	SignedTx []byte
	// Reason is why the update was not accepted.
	Reason string
}

// checkNegotiable checks that a negotiation can be started. It must be
// called with mu locked.
func (a *Agent) checkNegotiable() error {
	if a.channel == nil || !a.channel.Open() {
		return errors.Kind(errors.ErrInvalidState, "channel is not open")
	}
	switch a.status {
	case StatusOpen, StatusDisconnected:
		return nil
	}
	return errors.Kind(errors.ErrInvalidState, "channel is %s", a.status)
}

// Update transfers amount from fromID to toID, one of the participants to
// the other. The update is signed with signLocal, or the Config's SignFunc
// when signLocal is nil.
//
// If signLocal returns a transaction signed by both participants the
// update is applied without negotiation and the other participant is sent
// the co-signed state. Otherwise the update is proposed to the other
// participant, who co-signs or refuses it. An update refused, not answered
// in time, conflicting with an update of the other participant, or
// attempted while disconnected is not accepted, and the round is
// unchanged.
//
// An update not answered in time, or abandoned because ctx was done, may
// still have been co-signed by the other participant. When its
// co-signature arrives later the update is applied and reported to the
// Config's OnUpdate, so a caller should not retry an update that was not
// accepted for those reasons without checking.
//
// Updates started locally are negotiated one at a time in the order they
// are called.
func (a *Agent) Update(ctx context.Context, fromID, toID string, amount int64, signLocal txbuild.SignFunc) (UpdateResult, error) {
	var result UpdateResult
	h := a.negotiations.Enqueue(ctx, func(ctx context.Context) error {
		var err error
		result, err = a.update(ctx, fromID, toID, amount, signLocal)
		return err
	})
	<-h.Done()
	err := h.Err()
	if err != nil && ctx.Err() != nil && err == ctx.Err() {
		return UpdateResult{Round: a.Round(), FromID: fromID, ToID: toID, Amount: amount, Reason: err.Error()}, nil
	}
	return result, err
}

func (a *Agent) update(ctx context.Context, fromID, toID string, amount int64, signLocal txbuild.SignFunc) (UpdateResult, error) {
	if signLocal == nil {
		signLocal = a.signer(TagUpdate)
	}

	a.mu.Lock()
	if err := a.checkNegotiable(); err != nil {
		a.mu.Unlock()
		return UpdateResult{}, err
	}
	result := UpdateResult{Round: a.channel.Round(), FromID: fromID, ToID: toID, Amount: amount}
	log := a.log().WithFields(logrus.Fields{"from": fromID, "to": toID, "amount": amount})

	prop, err := a.channel.ProposeUpdate(fromID, toID, amount)
	if err != nil {
		a.mu.Unlock()
		return result, fmt.Errorf("proposing update: %w", err)
	}
	signed, err := txbuild.AppendSignature(prop.Tx, signLocal)
	if err != nil {
		a.channel.CancelProposal()
		a.mu.Unlock()
		return result, fmt.Errorf("signing update: %w", err)
	}

	if a.channel.CoSigned(signed) {
		s, err := a.channel.FinalizeUpdate(prop, signed)
		if err != nil {
			a.channel.CancelProposal()
			a.mu.Unlock()
			return result, fmt.Errorf("applying co-signed update: %w", err)
		}
		a.persist()
		a.settleAbandoned()
		if a.session != nil {
			a.session.send(context.Background(), msg.Message{Type: msg.TypeBackchannel, Role: a.role, Backchannel: &s})
		}
		a.mu.Unlock()
		log.WithField("round", s.Round).Info("co-signed update applied")
		return accepted(result, s), nil
	}

	sess := a.session
	if sess == nil {
		a.channel.CancelProposal()
		a.mu.Unlock()
		result.Reason = "no peer connected"
		return result, nil
	}
	w := newWaiter(prop)
	a.waiter = w
	a.setStatus(StatusUpdating)
	sent := sess.send(ctx, msg.Message{
		Type:          msg.TypeUpdateRequest,
		Role:          a.role,
		UpdateRequest: &msg.Update{Proposal: prop, SignedTx: signed},
	})
	a.mu.Unlock()
	log.WithField("round", prop.Round).Info("update proposed")

	o, err := a.await(ctx, sess, w, sent)
	if err != nil {
		return result, err
	}
	if o.reject != nil {
		log.WithField("reason", o.reject.Reason).Info("update not accepted")
		result.Reason = o.reject.Reason
		return result, nil
	}
	log.WithField("round", o.state.Round).Info("update accepted")
	return accepted(result, o.state), nil
}

// resultOf returns the result of an update proposal applied as s.
func resultOf(p state.Proposal, s state.SignedState) UpdateResult {
	return accepted(UpdateResult{FromID: p.FromID, ToID: p.ToID, Amount: p.Amount}, s)
}

func accepted(r UpdateResult, s state.SignedState) UpdateResult {
	r.Accepted = true
	r.Round = s.Round
	r.SignedTx = s.SignedTx
	r.Reason = ""
	return r
}

// yield resolves a conflict between a proposal of the other participant
// and the proposal in progress. The initiator's proposal wins: the
// initiator refuses, the responder abandons its own proposal. The
// initiator also refuses while a proposal it abandoned after sending it
// has not been superseded, as the responder may have co-signed it. It reports
// whether the other participant's proposal should be processed. It must be
// called with mu locked.
func (a *Agent) yield(sess *session, rejectType msg.Type, round uint64) bool {
	if a.role == state.RoleInitiator && a.abandoned != nil {
		a.reject(sess, rejectType, round, msg.RejectConflict, fmt.Sprintf("abandoned %s of round %d may still be co-signed", a.abandoned.Kind, a.abandoned.Round))
		return false
	}
	pending, ok := a.channel.Pending()
	if !ok {
		return true
	}
	if a.role == state.RoleInitiator {
		a.reject(sess, rejectType, round, msg.RejectConflict, fmt.Sprintf("%s of round %d in progress", pending.Kind, pending.Round))
		return false
	}
	a.channel.CancelProposal()
	if a.waiter != nil && a.waiter.proposal.Round == pending.Round && a.waiter.proposal.Kind == pending.Kind {
		a.resolve(outcome{reject: &msg.Reject{
			Round:  pending.Round,
			Code:   msg.RejectConflict,
			Reason: "the initiator proposed concurrently",
		}})
	}
	a.log().WithField("round", pending.Round).Info("abandoned proposal in favor of the initiator's")
	return true
}

func (a *Agent) handleUpdateRequest(sess *session, m msg.Message) error {
	u := m.UpdateRequest
	if u == nil {
		return errors.Kind(errors.ErrValidation, "update request without update")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	round := u.Proposal.Round
	if a.channel == nil || !a.channel.Open() {
		a.reject(sess, msg.TypeUpdateReject, round, msg.RejectInvalid, "channel is not open")
		return errors.Kind(errors.ErrInvalidState, "channel is not open")
	}
	if !a.yield(sess, msg.TypeUpdateReject, round) {
		return nil
	}
	defer a.settleStatus()

	if err := a.channel.ValidateProposal(u.Proposal, u.SignedTx); err != nil {
		a.reject(sess, msg.TypeUpdateReject, round, msg.RejectInvalid, err.Error())
		return fmt.Errorf("validating update: %w", err)
	}
	signed, err := txbuild.AppendSignature(u.SignedTx, a.signer(TagUpdateAck))
	if err != nil {
		a.reject(sess, msg.TypeUpdateReject, round, msg.RejectSigner, err.Error())
		return fmt.Errorf("signing update: %w", err)
	}
	s, err := a.channel.FinalizeUpdate(u.Proposal, signed)
	if err != nil {
		a.reject(sess, msg.TypeUpdateReject, round, msg.RejectInvalid, err.Error())
		return fmt.Errorf("applying update: %w", err)
	}
	a.persist()
	sess.send(context.Background(), msg.Message{
		Type:           msg.TypeUpdateResponse,
		Role:           a.role,
		UpdateResponse: &msg.Update{Proposal: u.Proposal, SignedTx: signed},
	})
	a.log().WithFields(logrus.Fields{"from": u.Proposal.FromID, "amount": u.Proposal.Amount}).Info("update co-signed")
	a.notifyUpdate(resultOf(u.Proposal, s))
	a.supersede(s.Round)
	return nil
}

func (a *Agent) handleUpdateResponse(sess *session, m msg.Message) error {
	u := m.UpdateResponse
	if u == nil {
		return errors.Kind(errors.ErrValidation, "update response without update")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.channel == nil {
		return errors.Kind(errors.ErrInvalidState, "no channel")
	}

	w := a.waiter
	if w != nil && w.proposal.Kind == state.KindUpdate && bytes.Equal(w.proposal.Tx, u.Proposal.Tx) {
		s, err := a.channel.FinalizeUpdate(w.proposal, u.SignedTx)
		if err != nil {
			a.channel.CancelProposal()
			a.resolve(outcome{reject: &msg.Reject{Round: w.proposal.Round, Code: msg.RejectInvalid, Reason: err.Error()}})
			a.settleStatus()
			return fmt.Errorf("applying co-signed update: %w", err)
		}
		a.persist()
		a.settleAbandoned()
		a.resolve(outcome{state: s})
		a.settleStatus()
		return nil
	}

	// The response arrived after the proposal was abandoned. The other
	// participant holds the co-signed state so it is applied, and reported
	// as the caller of Update was told it was not accepted.
	s := state.SignedState{Round: u.Proposal.Round, Balances: u.Proposal.Balances, SignedTx: u.SignedTx}
	if s.Round <= a.channel.Round() {
		return nil
	}
	if err := a.channel.ApplyBackchannel(s); err != nil {
		return fmt.Errorf("applying late update response: %w", err)
	}
	a.persist()
	a.log().Info("late update response applied")
	a.notifyUpdate(resultOf(u.Proposal, s))
	a.supersede(s.Round)
	return nil
}

func (a *Agent) handleUpdateReject(sess *session, m msg.Message) error {
	r := m.Reject
	if r == nil {
		return errors.Kind(errors.ErrValidation, "update reject without reason")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	w := a.waiter
	if w == nil || w.proposal.Kind != state.KindUpdate || w.proposal.Round != r.Round {
		if p := a.abandoned; p != nil && p.Kind == state.KindUpdate && p.Round == r.Round {
			a.abandoned = nil
			a.log().WithField("reason", r.Reason).Info("abandoned update refused")
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

func (a *Agent) handleBackchannel(sess *session, m msg.Message) error {
	s := m.Backchannel
	if s == nil {
		return errors.Kind(errors.ErrValidation, "backchannel without state")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.channel == nil {
		return errors.Kind(errors.ErrInvalidState, "no channel")
	}
	if s.Round <= a.channel.Round() {
		return nil
	}
	if err := a.channel.ApplyBackchannel(*s); err != nil {
		return fmt.Errorf("applying backchannel state: %w", err)
	}
	a.persist()
	a.log().Info("backchannel state applied")
	a.notifyUpdate(UpdateResult{Accepted: true, Round: s.Round, SignedTx: s.SignedTx})
	a.supersede(s.Round)
	return nil
}
