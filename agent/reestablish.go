package agent

import (
	"context"
	"fmt"
	"io"

	"github.com/stellar/starlight-channels/errors"
	"github.com/stellar/starlight-channels/msg"
	"github.com/stellar/starlight-channels/state"
	"github.com/stellar/starlight-channels/txbuild"
)

// The reestablish handshake resumes a channel session:
// 1. Initiator sends the channel id, fsm id and its latest state.
// 2. Responder checks the ids, adopts the initiator's state if it is of a
//    later round, and acknowledges with its latest state.
// 3. Initiator checks the ids and adopts the responder's state if it is of
//    a later round.
// Both participants hold the state of the highest round either held.

// Reconnect resumes the channel session over conn. The initiator sends the
// reestablish request, the responder waits for it. The agent takes
// ownership of conn and closes it if the handshake fails.
func (a *Agent) Reconnect(ctx context.Context, conn io.ReadWriteCloser) error {
	a.mu.Lock()
	if a.status == StatusClosed {
		a.mu.Unlock()
		conn.Close()
		return errors.Kind(errors.ErrInvalidState, "channel is closed")
	}
	if a.session != nil {
		a.mu.Unlock()
		conn.Close()
		return errors.Kind(errors.ErrInvalidState, "already connected")
	}
	channelID, fsmID := a.existingChannelID, a.existingFsmID
	if a.channel != nil {
		channelID, fsmID = a.channel.ID(), a.channel.FsmID()
	}
	a.setStatus(StatusConnecting)
	a.mu.Unlock()

	sess := newSession(conn)
	stop := context.AfterFunc(ctx, sess.close)
	defer stop()

	var err error
	if a.role == state.RoleInitiator {
		err = a.reestablishAsInitiator(sess, channelID, fsmID)
	} else {
		err = a.reestablishAsResponder(sess)
	}
	if err != nil {
		sess.close()
		a.mu.Lock()
		a.setStatus(StatusDisconnected)
		a.mu.Unlock()
		if ctx.Err() != nil {
			return errors.Kind(errors.ErrNetwork, "reestablishing channel %s: %v", channelID, ctx.Err())
		}
		return fmt.Errorf("reestablishing channel %s: %w", channelID, err)
	}
	a.start(sess)
	return nil
}

func (a *Agent) reestablishAsInitiator(sess *session, channelID, fsmID string) error {
	req := msg.Reestablish{ChannelID: channelID, FsmID: fsmID}
	a.mu.Lock()
	if a.channel != nil {
		req.Params = a.channel.Params()
		req.Latest = a.channel.Latest()
	}
	a.mu.Unlock()

	err := sess.write(msg.Message{Type: msg.TypeReestablishRequest, Role: a.role, ReestablishRequest: &req})
	if err != nil {
		return err
	}
	m, err := a.read(sess, msg.TypeReestablishAck, msg.TypeReestablishReject)
	if err != nil {
		return err
	}
	if m.Type == msg.TypeReestablishReject {
		if m.Reject == nil {
			return errors.Kind(errors.ErrValidation, "reestablish rejected")
		}
		if m.Reject.Code == msg.RejectNotFound {
			return errors.Kind(errors.ErrNotFound, "reestablish rejected: %s", m.Reject.Reason)
		}
		return errors.Kind(errors.ErrValidation, "reestablish rejected: %s", m.Reject.Reason)
	}
	ack := m.ReestablishAck
	if ack == nil {
		return errors.Kind(errors.ErrValidation, "reestablish ack without state")
	}
	if ack.ChannelID != channelID || ack.FsmID != fsmID {
		return errors.Kind(errors.ErrValidation, "peer confirmed channel %s fsm %s, want channel %s fsm %s", ack.ChannelID, ack.FsmID, channelID, fsmID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.channel == nil {
		ch, err := a.channelFromAck(ack)
		if err != nil {
			return err
		}
		a.channel = ch
	} else if ack.Latest.Round > a.channel.Round() {
		if err := a.channel.AdoptState(ack.Latest); err != nil {
			return fmt.Errorf("adopting state of round %d: %w", ack.Latest.Round, err)
		}
	}
	// The responder reported every state it co-signed.
	a.abandoned = nil
	a.persist()
	a.log().Info("reestablished")
	return nil
}

// channelFromAck builds the channel being resumed from the responder's
// acknowledgement, when the initiator holds no state of the channel.
func (a *Agent) channelFromAck(ack *msg.Reestablish) (*state.Channel, error) {
	p := ack.Params
	if txbuild.ChannelID(p.InitiatorID, p.Nonce) != ack.ChannelID {
		return nil, errors.Kind(errors.ErrValidation, "params of the peer are not of channel %s", ack.ChannelID)
	}
	if err := matchParams(a.params, p); err != nil {
		return nil, err
	}
	ch := state.NewChannelFromSnapshot(state.Config{NetworkID: a.networkID}, state.Snapshot{
		Role:   a.role,
		Params: p,
		ID:     ack.ChannelID,
		FsmID:  ack.FsmID,
	})
	if err := ch.AdoptState(ack.Latest); err != nil {
		return nil, fmt.Errorf("adopting state of round %d: %w", ack.Latest.Round, err)
	}
	return ch, nil
}

func (a *Agent) reestablishAsResponder(sess *session) error {
	m, err := a.read(sess, msg.TypeReestablishRequest)
	if err != nil {
		return err
	}
	req := m.ReestablishRequest
	if req == nil {
		return errors.Kind(errors.ErrValidation, "reestablish request without ids")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	rejectWith := func(code msg.RejectCode, err error) error {
		werr := sess.write(msg.Message{
			Type:   msg.TypeReestablishReject,
			Role:   a.role,
			Reject: &msg.Reject{Round: req.Latest.Round, Code: code, Reason: err.Error()},
		})
		if werr != nil {
			a.logger.WithError(werr).Warn("sending reestablish reject")
		}
		return err
	}
	if a.channel == nil || req.ChannelID != a.channel.ID() || req.FsmID != a.channel.FsmID() {
		return rejectWith(msg.RejectNotFound, errors.Kind(errors.ErrNotFound, "channel %s with fsm %s", req.ChannelID, req.FsmID))
	}
	if a.channel.Closed() {
		return rejectWith(msg.RejectInvalid, errors.Kind(errors.ErrInvalidState, "channel %s is closed", req.ChannelID))
	}
	if req.Latest.Round > a.channel.Round() {
		if err := a.channel.AdoptState(req.Latest); err != nil {
			return rejectWith(msg.RejectInvalid, fmt.Errorf("adopting state of round %d: %w", req.Latest.Round, err))
		}
	}
	err = sess.write(msg.Message{
		Type: msg.TypeReestablishAck,
		Role: a.role,
		ReestablishAck: &msg.Reestablish{
			ChannelID: a.channel.ID(),
			FsmID:     a.channel.FsmID(),
			Params:    a.channel.Params(),
			Latest:    a.channel.Latest(),
		},
	})
	if err != nil {
		return err
	}
	a.persist()
	a.log().Info("reestablished")
	return nil
}
