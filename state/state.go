package state

import (
	"github.com/google/go-cmp/cmp"

	"github.com/stellar/starlight-channels/errors"
	"github.com/stellar/starlight-channels/txbuild"
)

// Role is the role of a participant of a channel.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// Other returns the role of the other participant.
func (r Role) Other() Role {
	if r == RoleInitiator {
		return RoleResponder
	}
	return RoleInitiator
}

// Params are the parameters of a channel agreed at open.
type Params struct {
	InitiatorID     string
	ResponderID     string
	InitiatorAmount int64
	ResponderAmount int64
	ChannelReserve  int64
	LockPeriod      uint64
	TTL             uint64
	// Nonce is the nonce of the create transaction, and with the initiator
	// determines the channel id.
	Nonce uint64
	// Fee is the fee of the create transaction. It is calculated at
	// proposal when zero.
	Fee int64
}

// Balances are the balances of the participants at a round.
type Balances struct {
	Initiator int64
	Responder int64
}

// Total returns the sum of the balances.
func (b Balances) Total() int64 {
	return b.Initiator + b.Responder
}

// SignedState is a co-signed state of a channel.
type SignedState struct {
	Round    uint64
	Balances Balances
	// SignedTx is the encoded signed transaction of the state. It is the
	// signed create transaction at round 1, and a signed off-chain
	// transaction at later rounds.
	SignedTx []byte
}

// IsEmpty reports whether the state is unset.
func (s SignedState) IsEmpty() bool {
	return s.Round == 0 && len(s.SignedTx) == 0
}

// Config contains the information that can be supplied to configure the
// Channel at construction.
type Config struct {
	NetworkID string
	Role      Role
}

// Channel is the state of a channel as held by one participant.
type Channel struct {
	networkID string
	role      Role

	params Params
	id     string
	fsmID  string

	// latest is replaced, never mutated.
	latest  SignedState
	pending *Proposal

	closed  bool
	closeTx []byte
}

// NewChannel returns a channel that is not yet open.
func NewChannel(c Config) *Channel {
	return &Channel{
		networkID: c.NetworkID,
		role:      c.Role,
	}
}

func (c *Channel) Role() Role {
	return c.role
}

func (c *Channel) NetworkID() string {
	return c.networkID
}

// ID returns the id of the channel, empty until an open is proposed or
// validated.
func (c *Channel) ID() string {
	return c.id
}

// FsmID returns the id of the channel session assigned by the responder.
func (c *Channel) FsmID() string {
	return c.fsmID
}

// SetFsmID sets the id of the channel session.
func (c *Channel) SetFsmID(id string) {
	c.fsmID = id
}

func (c *Channel) Params() Params {
	return c.params
}

// Open reports whether the channel has a co-signed state.
func (c *Channel) Open() bool {
	return !c.latest.IsEmpty() && !c.closed
}

// Closed reports whether the channel has been closed mutually.
func (c *Channel) Closed() bool {
	return c.closed
}

// CloseTx returns the co-signed mutual close transaction.
func (c *Channel) CloseTx() []byte {
	return c.closeTx
}

// Round returns the round of the latest co-signed state, zero before open.
func (c *Channel) Round() uint64 {
	return c.latest.Round
}

// Latest returns the latest co-signed state.
func (c *Channel) Latest() SignedState {
	return c.latest
}

// Pending returns the proposal in progress, if any.
func (c *Channel) Pending() (Proposal, bool) {
	if c.pending == nil {
		return Proposal{}, false
	}
	return *c.pending, true
}

// IsPending reports whether p is the proposal in progress.
func (c *Channel) IsPending(p Proposal) bool {
	return c.pending != nil && cmp.Equal(*c.pending, p)
}

// CancelProposal abandons the proposal in progress.
func (c *Channel) CancelProposal() {
	c.pending = nil
}

// LocalID returns the address of the participant holding the channel.
func (c *Channel) LocalID() string {
	return c.participantID(c.role)
}

// RemoteID returns the address of the other participant.
func (c *Channel) RemoteID() string {
	return c.participantID(c.role.Other())
}

func (c *Channel) participantID(r Role) string {
	if r == RoleInitiator {
		return c.params.InitiatorID
	}
	return c.params.ResponderID
}

// Balances returns the balances of the latest co-signed state indexed by
// address.
func (c *Channel) Balances() map[string]int64 {
	return c.balanceMap(c.latest.Balances)
}

func (c *Channel) balanceMap(b Balances) map[string]int64 {
	return map[string]int64{
		c.params.InitiatorID: b.Initiator,
		c.params.ResponderID: b.Responder,
	}
}

// Poi returns the proof of inclusion of the accounts at the latest round. The
// poi always contains the complete state tree. Requesting an account that is
// not a participant is an error.
func (c *Channel) Poi(accounts ...string) (txbuild.Poi, error) {
	if c.latest.IsEmpty() {
		return txbuild.Poi{}, errors.Kind(errors.ErrInvalidState, "channel is not open")
	}
	for _, a := range accounts {
		if a != c.params.InitiatorID && a != c.params.ResponderID {
			return txbuild.Poi{}, errors.Kind(errors.ErrValidation, "account %s is not a participant of channel %s", a, c.id)
		}
	}
	return txbuild.NewPoi(c.Balances()), nil
}

// Snapshot is a snapshot of a Channel's internal state. If a Snapshot is
// combined with a Channel's initialization config they can be used to
// create a new Channel that has the same state.
type Snapshot struct {
	Role    Role
	Params  Params
	ID      string
	FsmID   string
	Latest  SignedState
	Closed  bool
	CloseTx []byte
}

// Snapshot returns a snapshot of the channel. A proposal in progress is not
// included.
func (c *Channel) Snapshot() Snapshot {
	return Snapshot{
		Role:    c.role,
		Params:  c.params,
		ID:      c.id,
		FsmID:   c.fsmID,
		Latest:  c.latest,
		Closed:  c.closed,
		CloseTx: c.closeTx,
	}
}

// NewChannelFromSnapshot creates a channel with the state of the snapshot.
// The role of the snapshot takes precedence over the role of the config.
func NewChannelFromSnapshot(c Config, s Snapshot) *Channel {
	channel := NewChannel(c)
	if s.Role != "" {
		channel.role = s.Role
	}
	channel.params = s.Params
	channel.id = s.ID
	channel.fsmID = s.FsmID
	channel.latest = s.Latest
	channel.closed = s.Closed
	channel.closeTx = s.CloseTx
	return channel
}
