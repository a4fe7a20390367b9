package agent

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/stellar/starlight-channels/errors"
	"github.com/stellar/starlight-channels/msg"
	"github.com/stellar/starlight-channels/node"
	"github.com/stellar/starlight-channels/state"
	"github.com/stellar/starlight-channels/txbuild"
)

// open runs the open handshake over conn and starts receiving.
func (a *Agent) open(ctx context.Context, conn io.ReadWriteCloser) error {
	sess := newSession(conn)
	stop := context.AfterFunc(ctx, sess.close)
	defer stop()

	var err error
	if a.role == state.RoleInitiator {
		err = a.openAsInitiator(ctx, sess)
	} else {
		err = a.openAsResponder(sess)
	}
	if err != nil {
		sess.close()
		if ctx.Err() != nil {
			return errors.Kind(errors.ErrNetwork, "opening channel: %v", ctx.Err())
		}
		return fmt.Errorf("opening channel: %w", err)
	}
	a.start(sess)
	return nil
}

func (a *Agent) openAsInitiator(ctx context.Context, sess *session) error {
	params := a.params
	nonce, err := txbuild.PrepareNonce(ctx, params.Nonce, params.InitiatorID, txbuild.NonceOptions{Node: a.node})
	if err != nil {
		return fmt.Errorf("preparing nonce of create tx: %w", err)
	}
	params.Nonce = nonce

	ch := state.NewChannel(state.Config{NetworkID: a.networkID, Role: a.role})
	open, err := ch.ProposeOpen(params)
	if err != nil {
		return fmt.Errorf("proposing open: %w", err)
	}
	signed, err := txbuild.AppendSignature(open.Tx, a.signer(TagInitiatorSign))
	if err != nil {
		return fmt.Errorf("signing create tx: %w", err)
	}
	err = sess.write(msg.Message{
		Type:        msg.TypeOpenRequest,
		Role:        a.role,
		OpenRequest: &msg.OpenRequest{Params: ch.Params(), SignedTx: signed},
	})
	if err != nil {
		return err
	}

	m, err := a.read(sess, msg.TypeOpenResponse, msg.TypeOpenReject)
	if err != nil {
		return err
	}
	if m.Type == msg.TypeOpenReject {
		reason := ""
		if m.Reject != nil {
			reason = m.Reject.Reason
		}
		return errors.Kind(errors.ErrValidation, "open rejected: %s", reason)
	}
	resp := m.OpenResponse
	if resp == nil || resp.FsmID == "" {
		return errors.Kind(errors.ErrValidation, "open response without fsm id")
	}
	s, err := ch.ConfirmOpen(resp.SignedTx)
	if err != nil {
		return fmt.Errorf("confirming open: %w", err)
	}
	ch.SetFsmID(resp.FsmID)

	a.mu.Lock()
	a.channel = ch
	a.persist()
	a.log().Info("open authorized")
	a.mu.Unlock()

	if a.node != nil {
		tx, err := node.SendTransaction(ctx, a.node, s.SignedTx, a.wait)
		if err != nil {
			return fmt.Errorf("submitting create tx: %w", err)
		}
		a.logger.WithField("tx", tx.Hash).Info("create tx mined")
	}
	return nil
}

func (a *Agent) openAsResponder(sess *session) error {
	m, err := a.read(sess, msg.TypeOpenRequest)
	if err != nil {
		return err
	}
	req := m.OpenRequest
	if req == nil {
		return errors.Kind(errors.ErrValidation, "open request without params")
	}
	rejectOpen := func(err error) error {
		werr := sess.write(msg.Message{
			Type:   msg.TypeOpenReject,
			Role:   a.role,
			Reject: &msg.Reject{Round: 1, Code: msg.RejectInvalid, Reason: err.Error()},
		})
		if werr != nil {
			a.logger.WithError(werr).Warn("sending open reject")
		}
		return err
	}

	if err := matchParams(a.params, req.Params); err != nil {
		return rejectOpen(err)
	}
	ch := state.NewChannel(state.Config{NetworkID: a.networkID, Role: a.role})
	if _, err := ch.ValidateOpen(req.Params, req.SignedTx); err != nil {
		return rejectOpen(fmt.Errorf("validating open: %w", err))
	}
	signed, err := txbuild.AppendSignature(req.SignedTx, a.signer(TagResponderSign))
	if err != nil {
		return rejectOpen(fmt.Errorf("signing create tx: %w", err))
	}
	if _, err := ch.ConfirmOpen(signed); err != nil {
		return rejectOpen(fmt.Errorf("confirming open: %w", err))
	}
	ch.SetFsmID("ba_" + uuid.NewString())

	err = sess.write(msg.Message{
		Type:         msg.TypeOpenResponse,
		Role:         a.role,
		OpenResponse: &msg.OpenResponse{FsmID: ch.FsmID(), SignedTx: signed},
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.channel = ch
	a.persist()
	a.log().Info("open authorized")
	a.mu.Unlock()
	return nil
}

// matchParams checks that the proposed parameters match the fields of want
// that are set.
func matchParams(want, got state.Params) error {
	mismatch := func(field string, want, got interface{}) error {
		return errors.Kind(errors.ErrValidation, "proposed %s does not match, got: %v want: %v", field, got, want)
	}
	switch {
	case want.InitiatorID != "" && got.InitiatorID != want.InitiatorID:
		return mismatch("initiator", want.InitiatorID, got.InitiatorID)
	case want.ResponderID != "" && got.ResponderID != want.ResponderID:
		return mismatch("responder", want.ResponderID, got.ResponderID)
	case want.InitiatorAmount != 0 && got.InitiatorAmount != want.InitiatorAmount:
		return mismatch("initiator amount", want.InitiatorAmount, got.InitiatorAmount)
	case want.ResponderAmount != 0 && got.ResponderAmount != want.ResponderAmount:
		return mismatch("responder amount", want.ResponderAmount, got.ResponderAmount)
	case want.ChannelReserve != 0 && got.ChannelReserve != want.ChannelReserve:
		return mismatch("channel reserve", want.ChannelReserve, got.ChannelReserve)
	case want.LockPeriod != 0 && got.LockPeriod != want.LockPeriod:
		return mismatch("lock period", want.LockPeriod, got.LockPeriod)
	}
	return nil
}
