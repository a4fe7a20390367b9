// Package msg contains the messages exchanged by the participants of a
// channel and the encoding used to exchange them.
package msg

import (
	"encoding/gob"
	"fmt"
	"io"

	"github.com/stellar/starlight-channels/state"
)

type Type int

const (
	TypeOpenRequest  Type = 10
	TypeOpenResponse Type = 11
	TypeOpenReject   Type = 12

	TypeReestablishRequest Type = 20
	TypeReestablishAck     Type = 21
	TypeReestablishReject  Type = 22

	TypeUpdateRequest  Type = 30
	TypeUpdateResponse Type = 31
	TypeUpdateReject   Type = 32

	TypeBackchannel Type = 40

	TypeShutdownRequest  Type = 50
	TypeShutdownResponse Type = 51
	TypeShutdownReject   Type = 52

	TypeError Type = 90
)

var typeNames = map[Type]string{
	TypeOpenRequest:        "open_request",
	TypeOpenResponse:       "open_response",
	TypeOpenReject:         "open_reject",
	TypeReestablishRequest: "reestablish_request",
	TypeReestablishAck:     "reestablish_ack",
	TypeReestablishReject:  "reestablish_reject",
	TypeUpdateRequest:      "update_request",
	TypeUpdateResponse:     "update_response",
	TypeUpdateReject:       "update_reject",
	TypeBackchannel:        "backchannel",
	TypeShutdownRequest:    "shutdown_request",
	TypeShutdownResponse:   "shutdown_response",
	TypeShutdownReject:     "shutdown_reject",
	TypeError:              "error",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// Message is the envelope of every message. Type determines which of the
// payload fields is set. Role is the role of the sender.
type Message struct {
	Type Type
	Role state.Role

	OpenRequest  *OpenRequest
	OpenResponse *OpenResponse

	ReestablishRequest *Reestablish
	ReestablishAck     *Reestablish

	UpdateRequest  *Update
	UpdateResponse *Update

	Backchannel *state.SignedState

	ShutdownRequest  *Update
	ShutdownResponse *Update

	Reject *Reject
	Error  *Error
}

// OpenRequest is sent by the initiator to propose the open of a channel.
// SignedTx is the create transaction signed by the initiator.
type OpenRequest struct {
	Params   state.Params
	SignedTx []byte
}

// OpenResponse is sent by the responder with the co-signed create
// transaction and the id of the channel session.
type OpenResponse struct {
	FsmID    string
	SignedTx []byte
}

// Reestablish is sent by the initiator to resume a channel session, and by
// the responder to acknowledge it. Latest is the latest state the sender
// holds.
type Reestablish struct {
	ChannelID string
	FsmID     string
	Params    state.Params
	Latest    state.SignedState
}

// Update carries a proposal and its signed transaction. In a request the
// transaction is signed by the proposer, in a response it is co-signed.
type Update struct {
	Proposal state.Proposal
	SignedTx []byte
}

// RejectCode is the reason a request was refused.
type RejectCode int

const (
	RejectInvalid  RejectCode = 1
	RejectConflict RejectCode = 2
	RejectNotFound RejectCode = 3
	RejectSigner   RejectCode = 4
)

func (c RejectCode) String() string {
	switch c {
	case RejectInvalid:
		return "invalid"
	case RejectConflict:
		return "conflict"
	case RejectNotFound:
		return "not found"
	case RejectSigner:
		return "signer"
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Reject refuses a request. Round is the round of the refused proposal.
type Reject struct {
	Round  uint64
	Code   RejectCode
	Reason string
}

// Error reports a message the sender could not handle.
type Error struct {
	Type   Type
	Reason string
}

type Encoder = gob.Encoder

func NewEncoder(w io.Writer) *Encoder {
	return gob.NewEncoder(w)
}

type Decoder = gob.Decoder

func NewDecoder(r io.Reader) *Decoder {
	return gob.NewDecoder(r)
}
