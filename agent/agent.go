// Package agent coordinates a channel with the other participant over a
// network connection: the open and reestablish handshakes, the negotiation
// of updates, and the mutual close.
package agent

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stellar/go/keypair"

	"github.com/stellar/starlight-channels/errors"
	"github.com/stellar/starlight-channels/node"
	"github.com/stellar/starlight-channels/state"
	"github.com/stellar/starlight-channels/store"
	"github.com/stellar/starlight-channels/taskqueue"
	"github.com/stellar/starlight-channels/txbuild"
)

// Status is the status of the connection of an agent.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusOpen         Status = "open"
	StatusUpdating     Status = "updating"
	StatusClosing      Status = "closing"
	StatusClosed       Status = "closed"
	StatusDisconnected Status = "disconnected"
)

// Tags passed to the SignFunc of the Config identifying the transaction to
// sign.
const (
	TagInitiatorSign   = "initiator_sign"
	TagResponderSign   = "responder_sign"
	TagUpdate          = "update"
	TagUpdateAck       = "update_ack"
	TagShutdownSign    = "shutdown_sign"
	TagShutdownSignAck = "shutdown_sign_ack"
)

const DefaultTimeout = 30 * time.Second

// SignFunc signs an encoded transaction on behalf of the local participant
// and returns the encoded signed transaction. The tag identifies the step of
// the protocol the transaction is signed for. A SignFunc is called while the
// agent is locked and must not call the agent.
type SignFunc func(tag string, tx []byte) ([]byte, error)

// KeypairSigner returns a SignFunc that signs every transaction with the
// key.
func KeypairSigner(networkID string, kp *keypair.Full) SignFunc {
	sign := txbuild.KeypairSigner(networkID, kp)
	return func(_ string, tx []byte) ([]byte, error) {
		return sign(tx)
	}
}

// Config contains the information that can be supplied to configure the
// Agent.
type Config struct {
	NetworkID string
	Role      state.Role

	// Host and Port are the address the initiator connects to and the
	// responder listens on when connecting with ConnectTCP and ServeTCP.
	Host string
	Port int

	Sign SignFunc

	// Params are the parameters of the channel. The initiator proposes them
	// at open. The responder accepts an open only if the proposed parameters
	// match the fields of Params that are set.
	Params state.Params

	// ExistingChannelID and ExistingFsmID resume a channel session instead
	// of opening a new channel.
	ExistingChannelID string
	ExistingFsmID     string

	// Timeout is how long a negotiation waits for the other participant.
	// Defaults to DefaultTimeout.
	Timeout time.Duration

	// Node, when set, is used to prepare nonces and to submit the create
	// and mutual close transactions.
	Node node.Client
	Wait node.WaitOptions

	// Store, when set, is given a snapshot of the channel whenever its state
	// changes, and is used to load the channel when resuming a session.
	Store store.Store

	// OnStatusChange is called with each new status in the order the status
	// changes.
	OnStatusChange func(Status)

	// OnUpdate is called with each update applied that no call to Update
	// returned as accepted: an update of the other participant co-signed
	// locally, a co-signed state received from the other participant, and
	// an update of the local participant whose co-signature arrived after
	// Update gave up waiting for it. FromID, ToID and Amount are empty for a
	// co-signed state received from the other participant. Calls are made
	// in order, interleaved with OnStatusChange in the order the events
	// occurred.
	OnUpdate func(UpdateResult)

	Logger logrus.FieldLogger
}

// Agent coordinates a channel over a connection to the other participant.
//
// All functions of the Agent are safe to call from multiple goroutines.
type Agent struct {
	networkID         string
	role              state.Role
	host              string
	port              int
	sign              SignFunc
	params            state.Params
	existingChannelID string
	existingFsmID     string
	timeout           time.Duration
	node              node.Client
	wait              node.WaitOptions
	store             store.Store
	onStatusChange    func(Status)
	onUpdate          func(UpdateResult)
	logger            logrus.FieldLogger

	// negotiations serializes the updates and shutdowns started locally.
	negotiations *taskqueue.Queue
	// notifications delivers status changes and updates to onStatusChange
	// and onUpdate in order.
	notifications *taskqueue.Queue

	// mu is a lock for the mutable fields of this type. It should be locked
	// when reading or writing any of the mutable fields. The mutable fields
	// are listed below.
	mu sync.Mutex

	status        Status
	statusChanged chan struct{}
	channel       *state.Channel
	session       *session
	waiter        *waiter
	// abandoned is a proposal of the initiator that was sent and then
	// abandoned. The responder may still co-sign it, so requests of the
	// responder are refused until a state that supersedes it is applied.
	abandoned *state.Proposal
}

func newAgent(c Config) *Agent {
	a := &Agent{
		networkID:         c.NetworkID,
		role:              c.Role,
		host:              c.Host,
		port:              c.Port,
		sign:              c.Sign,
		params:            c.Params,
		existingChannelID: c.ExistingChannelID,
		existingFsmID:     c.ExistingFsmID,
		timeout:           c.Timeout,
		node:              c.Node,
		wait:              c.Wait,
		store:             c.Store,
		onStatusChange:    c.OnStatusChange,
		onUpdate:          c.OnUpdate,
		logger:            c.Logger,
		negotiations:      taskqueue.New(),
		notifications:     taskqueue.New(),
		status:            StatusConnecting,
		statusChanged:     make(chan struct{}),
	}
	if a.timeout <= 0 {
		a.timeout = DefaultTimeout
	}
	if a.logger == nil {
		a.logger = logrus.StandardLogger()
	}
	a.logger = a.logger.WithField("role", c.Role)
	return a
}

func validateConfig(c Config) error {
	if c.Role != state.RoleInitiator && c.Role != state.RoleResponder {
		return errors.Kind(errors.ErrConfiguration, "role must be %s or %s", state.RoleInitiator, state.RoleResponder)
	}
	if c.Sign == nil {
		return errors.Kind(errors.ErrConfiguration, "sign must be provided")
	}
	if (c.ExistingChannelID == "") != (c.ExistingFsmID == "") {
		return errors.Kind(errors.ErrConfiguration, "existing channel id and fsm id must be provided together")
	}
	return nil
}

// Initialize opens a channel with the other participant over conn, or when
// the Config has an existing channel id and fsm id, resumes the channel
// session. The agent takes ownership of conn and closes it if the
// handshake fails.
func Initialize(ctx context.Context, conn io.ReadWriteCloser, c Config) (*Agent, error) {
	if err := validateConfig(c); err != nil {
		conn.Close()
		return nil, err
	}
	a := newAgent(c)
	if c.ExistingChannelID != "" {
		if err := a.restore(); err != nil {
			conn.Close()
			return nil, err
		}
		if err := a.Reconnect(ctx, conn); err != nil {
			return nil, err
		}
		return a, nil
	}
	if err := a.open(ctx, conn); err != nil {
		return nil, err
	}
	return a, nil
}

// restore loads the channel being resumed from the store. The initiator may
// resume without a stored channel, taking the channel from the responder.
func (a *Agent) restore() error {
	if a.store == nil {
		if a.role == state.RoleResponder {
			return errors.Kind(errors.ErrConfiguration, "a store is required to resume channel %s as the responder", a.existingChannelID)
		}
		return nil
	}
	s, err := a.store.Load(a.existingChannelID)
	if errors.Is(err, errors.ErrNotFound) && a.role == state.RoleInitiator {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "loading channel %s", a.existingChannelID)
	}
	if s.FsmID != a.existingFsmID {
		return errors.Kind(errors.ErrNotFound, "channel %s has fsm %s, not %s", s.ID, s.FsmID, a.existingFsmID)
	}
	if s.Closed {
		return errors.Kind(errors.ErrInvalidState, "channel %s is closed", s.ID)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.channel = state.NewChannelFromSnapshot(state.Config{NetworkID: a.networkID, Role: a.role}, s)
	return nil
}

// setStatus must be called with mu locked.
func (a *Agent) setStatus(s Status) {
	if a.status == s {
		return
	}
	a.logger.WithFields(logrus.Fields{"from": a.status, "to": s}).Debug("status changed")
	a.status = s
	close(a.statusChanged)
	a.statusChanged = make(chan struct{})
	if a.onStatusChange != nil {
		a.notifications.Enqueue(context.Background(), func(context.Context) error {
			a.onStatusChange(s)
			return nil
		})
	}
}

// notifyUpdate must be called with mu locked.
func (a *Agent) notifyUpdate(r UpdateResult) {
	if a.onUpdate == nil {
		return
	}
	a.notifications.Enqueue(context.Background(), func(context.Context) error {
		a.onUpdate(r)
		return nil
	})
}

// settleStatus sets the status that follows the end of a negotiation. It
// must be called with mu locked.
func (a *Agent) settleStatus() {
	switch {
	case a.channel != nil && a.channel.Closed():
		a.setStatus(StatusClosed)
	case a.session == nil:
		a.setStatus(StatusDisconnected)
	default:
		a.setStatus(StatusOpen)
	}
}

// persist saves a snapshot of the channel to the store. It must be called
// with mu locked.
func (a *Agent) persist() {
	if a.store == nil || a.channel == nil {
		return
	}
	err := a.store.Save(a.channel.Snapshot())
	if err != nil {
		a.logger.WithError(err).WithField("channel", a.channel.ID()).Error("saving channel")
	}
}

func (a *Agent) log() logrus.FieldLogger {
	if a.channel == nil {
		return a.logger
	}
	return a.logger.WithFields(logrus.Fields{
		"channel": a.channel.ID(),
		"fsm":     a.channel.FsmID(),
		"round":   a.channel.Round(),
	})
}

// signer returns a txbuild.SignFunc that signs with the Config's SignFunc
// using the tag.
func (a *Agent) signer(tag string) txbuild.SignFunc {
	return func(tx []byte) ([]byte, error) {
		return a.sign(tag, tx)
	}
}

// Disconnect releases the connection to the other participant. The channel
// is kept and can be resumed with Reconnect. Disconnect can be called more
// than once.
func (a *Agent) Disconnect() {
	a.mu.Lock()
	sess := a.session
	a.session = nil
	if a.status != StatusClosed {
		a.setStatus(StatusDisconnected)
	}
	a.mu.Unlock()
	if sess != nil {
		sess.close()
	}
}

func (a *Agent) Role() state.Role {
	return a.role
}

func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// WaitForStatus waits until the status is one of the statuses and returns
// it, or returns the error of ctx if ctx is done first.
func (a *Agent) WaitForStatus(ctx context.Context, statuses ...Status) (Status, error) {
	for {
		a.mu.Lock()
		s := a.status
		changed := a.statusChanged
		a.mu.Unlock()
		for _, want := range statuses {
			if s == want {
				return s, nil
			}
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return s, ctx.Err()
		}
	}
}

// ID returns the id of the channel, empty until the channel is open.
func (a *Agent) ID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.channel == nil {
		return ""
	}
	return a.channel.ID()
}

// FsmID returns the id of the channel session.
func (a *Agent) FsmID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.channel == nil {
		return ""
	}
	return a.channel.FsmID()
}

// Round returns the round of the latest co-signed state.
func (a *Agent) Round() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.channel == nil {
		return 0
	}
	return a.channel.Round()
}

// State returns the latest co-signed state.
func (a *Agent) State() state.SignedState {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.channel == nil {
		return state.SignedState{}
	}
	return a.channel.Latest()
}

// Balances returns the balances of the latest co-signed state indexed by
// address.
func (a *Agent) Balances() map[string]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.channel == nil {
		return nil
	}
	return a.channel.Balances()
}

// Poi returns the proof of inclusion of the accounts at the latest round.
func (a *Agent) Poi(accounts ...string) (txbuild.Poi, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.channel == nil {
		return txbuild.Poi{}, errors.Kind(errors.ErrInvalidState, "no channel")
	}
	return a.channel.Poi(accounts...)
}

// Snapshot returns a snapshot of the channel.
func (a *Agent) Snapshot() (state.Snapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.channel == nil {
		return state.Snapshot{}, false
	}
	return a.channel.Snapshot(), true
}
