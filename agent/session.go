package agent

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stellar/starlight-channels/errors"
	"github.com/stellar/starlight-channels/msg"
	"github.com/stellar/starlight-channels/state"
	"github.com/stellar/starlight-channels/taskqueue"
)

// session is a connection to the other participant. Messages are written
// through the out queue so that a handler replying to a message never
// blocks on a participant that is itself writing.
type session struct {
	conn io.ReadWriteCloser
	enc  *msg.Encoder
	dec  *msg.Decoder
	out  *taskqueue.Queue
	// done is closed when the connection is closed.
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(conn io.ReadWriteCloser) *session {
	return &session{
		conn: conn,
		enc:  msg.NewEncoder(conn),
		dec:  msg.NewDecoder(conn),
		out:  taskqueue.New(),
		done: make(chan struct{}),
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.conn.Close()
		close(s.done)
	})
}

func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// write writes the message immediately. It is only used before the receive
// loop has started.
func (s *session) write(m msg.Message) error {
	if err := s.enc.Encode(m); err != nil {
		return errors.Kind(errors.ErrNetwork, "sending %v: %v", m.Type, err)
	}
	return nil
}

// send queues the message to be written.
func (s *session) send(ctx context.Context, m msg.Message) *taskqueue.Handle {
	return s.out.Enqueue(ctx, func(ctx context.Context) error {
		if s.closed() {
			return errors.Kind(errors.ErrNetwork, "sending %v: connection closed", m.Type)
		}
		return s.write(m)
	})
}

// read reads the next message, which must be from the other participant and
// of one of the types.
func (a *Agent) read(sess *session, types ...msg.Type) (msg.Message, error) {
	m := msg.Message{}
	if err := sess.dec.Decode(&m); err != nil {
		return m, errors.Kind(errors.ErrNetwork, "reading message: %v", err)
	}
	if m.Role != a.role.Other() {
		return m, errors.Kind(errors.ErrValidation, "message from %s, want from %s", m.Role, a.role.Other())
	}
	for _, t := range types {
		if m.Type == t {
			return m, nil
		}
	}
	if m.Type == msg.TypeError && m.Error != nil {
		return m, errors.Kind(errors.ErrValidation, "peer failed handling %v: %s", m.Error.Type, m.Error.Reason)
	}
	return m, errors.Kind(errors.ErrValidation, "unexpected message %v", m.Type)
}

// start makes sess the connection of the agent and starts receiving.
func (a *Agent) start(sess *session) {
	a.mu.Lock()
	a.session = sess
	a.settleStatus()
	a.log().Info("connected")
	a.mu.Unlock()
	go a.receiveLoop(sess)
}

func (a *Agent) receiveLoop(sess *session) {
	for {
		m := msg.Message{}
		err := sess.dec.Decode(&m)
		if err != nil {
			if err != io.EOF && !sess.closed() {
				a.logger.WithError(err).Warn("error receiving, stopping receiving")
			}
			break
		}
		err = a.handle(sess, m)
		if err != nil {
			a.logger.WithError(err).WithField("type", m.Type).Warn("error handling message")
		}
	}
	a.endSession(sess)
}

// endSession releases sess after the connection has been lost.
func (a *Agent) endSession(sess *session) {
	sess.close()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != sess {
		return
	}
	a.session = nil
	if a.status != StatusClosed {
		a.setStatus(StatusDisconnected)
	}
	a.log().Info("disconnected")
}

func (a *Agent) handle(sess *session, m msg.Message) error {
	a.logger.WithField("type", m.Type).Debug("handling message")
	if m.Role != a.role.Other() {
		return fmt.Errorf("handling message %v: message from %s", m.Type, m.Role)
	}
	handler := handlerMap[m.Type]
	if handler == nil {
		err := fmt.Errorf("handling message %v: unrecognized message type", m.Type)
		sess.send(context.Background(), msg.Message{
			Type:  msg.TypeError,
			Role:  a.role,
			Error: &msg.Error{Type: m.Type, Reason: "unrecognized message type"},
		})
		return err
	}
	err := handler(a, sess, m)
	if err != nil {
		return fmt.Errorf("handling message %v: %w", m.Type, err)
	}
	return nil
}

var handlerMap = map[msg.Type]func(*Agent, *session, msg.Message) error{
	msg.TypeUpdateRequest:    (*Agent).handleUpdateRequest,
	msg.TypeUpdateResponse:   (*Agent).handleUpdateResponse,
	msg.TypeUpdateReject:     (*Agent).handleUpdateReject,
	msg.TypeBackchannel:      (*Agent).handleBackchannel,
	msg.TypeShutdownRequest:  (*Agent).handleShutdownRequest,
	msg.TypeShutdownResponse: (*Agent).handleShutdownResponse,
	msg.TypeShutdownReject:   (*Agent).handleShutdownReject,
	msg.TypeError:            (*Agent).handleError,
}

func (a *Agent) handleError(sess *session, m msg.Message) error {
	if m.Error == nil {
		return errors.Kind(errors.ErrValidation, "error message without error")
	}
	a.logger.WithFields(logrus.Fields{"type": m.Error.Type, "reason": m.Error.Reason}).Warn("peer failed handling message")
	return nil
}

// reject queues a refusal of a request. It is the reply of a handler that
// refuses a proposal of the other participant.
func (a *Agent) reject(sess *session, t msg.Type, round uint64, code msg.RejectCode, reason string) {
	a.log().WithFields(logrus.Fields{"code": code, "reason": reason}).Info("rejecting proposal")
	sess.send(context.Background(), msg.Message{
		Type:   t,
		Role:   a.role,
		Reject: &msg.Reject{Round: round, Code: code, Reason: reason},
	})
}

// waiter is a negotiation started locally that is waiting for the other
// participant.
type waiter struct {
	proposal state.Proposal
	// result receives the one outcome of the negotiation.
	result chan outcome
}

type outcome struct {
	state    state.SignedState
	signedTx []byte
	reject   *msg.Reject
}

func newWaiter(p state.Proposal) *waiter {
	return &waiter{proposal: p, result: make(chan outcome, 1)}
}

// resolve completes the negotiation in progress with the outcome. It must
// be called with mu locked.
func (a *Agent) resolve(o outcome) {
	w := a.waiter
	if w == nil {
		return
	}
	a.waiter = nil
	w.result <- o
}

// supersede refuses the negotiation in progress when a state of its round
// or a later round has been applied. It must be called with mu locked.
func (a *Agent) supersede(round uint64) {
	a.settleAbandoned()
	if a.waiter == nil || a.waiter.proposal.Round > round {
		return
	}
	a.resolve(outcome{reject: &msg.Reject{
		Round:  a.waiter.proposal.Round,
		Code:   msg.RejectConflict,
		Reason: fmt.Sprintf("superseded by round %d", round),
	}})
	a.settleStatus()
}

// await waits for the outcome of the negotiation of w. The negotiation is
// abandoned if the other participant does not respond within the timeout
// or ctx is done, and its outcome is a refusal.
func (a *Agent) await(ctx context.Context, sess *session, w *waiter, sent *taskqueue.Handle) (outcome, error) {
	timer := time.NewTimer(a.timeout)
	defer timer.Stop()
	sentDone := sent.Done()
	for {
		select {
		case o := <-w.result:
			return o, nil
		case <-sentDone:
			sentDone = nil
			if err := sent.Err(); err != nil {
				if ctx.Err() != nil {
					return a.abandon(w, sent, ctx.Err().Error()), nil
				}
				if o, ok := a.abandonWithError(w, sent); ok {
					return o, nil
				}
				return outcome{}, err
			}
		case <-timer.C:
			return a.abandon(w, sent, "timed out waiting for the peer"), nil
		case <-ctx.Done():
			return a.abandon(w, sent, ctx.Err().Error()), nil
		case <-sess.done:
			if o, ok := a.abandonWithError(w, sent); ok {
				return o, nil
			}
			return outcome{}, errors.Kind(errors.ErrNetwork, "connection closed during negotiation")
		}
	}
}

// abandon stops waiting for w. If w was resolved concurrently its outcome is
// returned, otherwise a refusal with the reason.
func (a *Agent) abandon(w *waiter, sent *taskqueue.Handle, reason string) outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.waiter != w {
		return <-w.result
	}
	a.waiter = nil
	if a.channel.IsPending(w.proposal) {
		a.channel.CancelProposal()
	}
	a.keepAbandoned(w, sent)
	a.settleStatus()
	return outcome{reject: &msg.Reject{Round: w.proposal.Round, Reason: reason}}
}

// abandonWithError stops waiting for w after the connection failed. It
// returns the outcome of w if w was resolved concurrently.
func (a *Agent) abandonWithError(w *waiter, sent *taskqueue.Handle) (outcome, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.waiter != w {
		return <-w.result, true
	}
	a.waiter = nil
	if a.channel.IsPending(w.proposal) {
		a.channel.CancelProposal()
	}
	a.keepAbandoned(w, sent)
	a.settleStatus()
	return outcome{}, false
}

// keepAbandoned records the proposal of w when it is the initiator's and
// its request may have reached the responder. It must be called with mu
// locked.
func (a *Agent) keepAbandoned(w *waiter, sent *taskqueue.Handle) {
	if a.role != state.RoleInitiator || sent.Err() != nil {
		return
	}
	p := w.proposal
	a.abandoned = &p
	a.log().WithFields(logrus.Fields{"kind": p.Kind, "abandoned_round": p.Round}).Info("proposal abandoned after it was sent")
}

// settleAbandoned forgets the abandoned proposal once the channel has moved
// past its round or closed. A shutdown does not advance the round, so it is
// only passed by a later round. It must be called with mu locked.
func (a *Agent) settleAbandoned() {
	p := a.abandoned
	if p == nil || a.channel == nil {
		return
	}
	round := a.channel.Round()
	if a.channel.Closed() || round > p.Round || (p.Kind == state.KindUpdate && round == p.Round) {
		a.abandoned = nil
	}
}
