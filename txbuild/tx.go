// Package txbuild contains the transactions understood by the network, their
// canonical encoding, and the helpers for signing, pricing and preparing them
// for submission.
package txbuild

import "fmt"

// Tag identifies the type of an encoded transaction.
type Tag uint32

const (
	TagSignedTx           Tag = 11
	TagSpend              Tag = 12
	TagOracleResponse     Tag = 24
	TagNameUpdate         Tag = 34
	TagChannelCreate      Tag = 50
	TagChannelCloseMutual Tag = 53
	TagChannelCloseSolo   Tag = 54
	TagChannelSlash       Tag = 55
	TagChannelSettle      Tag = 56
	TagChannelOffChain    Tag = 57
)

var tagNames = map[Tag]string{
	TagSignedTx:           "signed_tx",
	TagSpend:              "spend_tx",
	TagOracleResponse:     "oracle_response_tx",
	TagNameUpdate:         "name_update_tx",
	TagChannelCreate:      "channel_create_tx",
	TagChannelCloseMutual: "channel_close_mutual_tx",
	TagChannelCloseSolo:   "channel_close_solo_tx",
	TagChannelSlash:       "channel_slash_tx",
	TagChannelSettle:      "channel_settle_tx",
	TagChannelOffChain:    "channel_offchain_tx",
}

func (t Tag) String() string {
	if s, ok := tagNames[t]; ok {
		return s
	}
	return fmt.Sprintf("tag(%d)", uint32(t))
}

// Tx is a transaction that can be encoded.
type Tx interface {
	Tag() Tag
}

// Payable is a transaction submitted to the network by a sender that pays a
// fee and consumes a nonce of the sender's account.
type Payable interface {
	Tx
	Sender() string
	payment() (nonce *uint64, fee *int64)
}

// SignedTx is an encoded transaction and the signatures of the parties that
// authorized it.
type SignedTx struct {
	Signatures [][]byte
	EncodedTx  []byte
}

func (SignedTx) Tag() Tag { return TagSignedTx }

type SpendTx struct {
	SenderID    string
	RecipientID string
	Amount      int64
	Fee         int64
	TTL         uint64
	Nonce       uint64
	Payload     []byte
}

func (SpendTx) Tag() Tag          { return TagSpend }
func (tx *SpendTx) Sender() string { return tx.SenderID }
func (tx *SpendTx) payment() (*uint64, *int64) {
	return &tx.Nonce, &tx.Fee
}

// ChannelCreateTx opens a channel by locking an amount from each
// participant. StateHash commits to the opening balances.
type ChannelCreateTx struct {
	InitiatorID     string
	InitiatorAmount int64
	ResponderID     string
	ResponderAmount int64
	ChannelReserve  int64
	LockPeriod      uint64
	TTL             uint64
	Fee             int64
	StateHash       []byte
	Nonce           uint64
}

func (ChannelCreateTx) Tag() Tag          { return TagChannelCreate }
func (tx *ChannelCreateTx) Sender() string { return tx.InitiatorID }
func (tx *ChannelCreateTx) payment() (*uint64, *int64) {
	return &tx.Nonce, &tx.Fee
}

// ChannelOffChainTx is a co-signed channel state that is never submitted
// by itself. It is the payload of a close solo or slash.
type ChannelOffChainTx struct {
	ChannelID string
	Round     uint64
	StateHash []byte
}

func (ChannelOffChainTx) Tag() Tag { return TagChannelOffChain }

type ChannelCloseMutualTx struct {
	ChannelID            string
	FromID               string
	InitiatorAmountFinal int64
	ResponderAmountFinal int64
	TTL                  uint64
	Fee                  int64
	Nonce                uint64
}

func (ChannelCloseMutualTx) Tag() Tag          { return TagChannelCloseMutual }
func (tx *ChannelCloseMutualTx) Sender() string { return tx.FromID }
func (tx *ChannelCloseMutualTx) payment() (*uint64, *int64) {
	return &tx.Nonce, &tx.Fee
}

type ChannelCloseSoloTx struct {
	ChannelID string
	FromID    string
	Payload   []byte
	Poi       Poi
	TTL       uint64
	Fee       int64
	Nonce     uint64
}

func (ChannelCloseSoloTx) Tag() Tag          { return TagChannelCloseSolo }
func (tx *ChannelCloseSoloTx) Sender() string { return tx.FromID }
func (tx *ChannelCloseSoloTx) payment() (*uint64, *int64) {
	return &tx.Nonce, &tx.Fee
}

type ChannelSlashTx struct {
	ChannelID string
	FromID    string
	Payload   []byte
	Poi       Poi
	TTL       uint64
	Fee       int64
	Nonce     uint64
}

func (ChannelSlashTx) Tag() Tag          { return TagChannelSlash }
func (tx *ChannelSlashTx) Sender() string { return tx.FromID }
func (tx *ChannelSlashTx) payment() (*uint64, *int64) {
	return &tx.Nonce, &tx.Fee
}

type ChannelSettleTx struct {
	ChannelID            string
	FromID               string
	InitiatorAmountFinal int64
	ResponderAmountFinal int64
	TTL                  uint64
	Fee                  int64
	Nonce                uint64
}

func (ChannelSettleTx) Tag() Tag          { return TagChannelSettle }
func (tx *ChannelSettleTx) Sender() string { return tx.FromID }
func (tx *ChannelSettleTx) payment() (*uint64, *int64) {
	return &tx.Nonce, &tx.Fee
}

type OracleResponseTx struct {
	OracleID    string
	Nonce       uint64
	QueryID     string
	Response    []byte
	ResponseTTL uint64
	Fee         int64
	TTL         uint64
}

func (OracleResponseTx) Tag() Tag          { return TagOracleResponse }
func (tx *OracleResponseTx) Sender() string { return tx.OracleID }
func (tx *OracleResponseTx) payment() (*uint64, *int64) {
	return &tx.Nonce, &tx.Fee
}

// Pointer maps a key of a name to an address.
type Pointer struct {
	Key string
	ID  string
}

type NameUpdateTx struct {
	AccountID string
	Nonce     uint64
	NameID    string
	NameTTL   uint64
	Pointers  []Pointer
	ClientTTL uint64
	Fee       int64
	TTL       uint64
}

func (NameUpdateTx) Tag() Tag          { return TagNameUpdate }
func (tx *NameUpdateTx) Sender() string { return tx.AccountID }
func (tx *NameUpdateTx) payment() (*uint64, *int64) {
	return &tx.Nonce, &tx.Fee
}
