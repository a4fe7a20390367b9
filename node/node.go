// Package node contains the interface of a network node used by the SDK, a
// client for the node's REST API, and helpers for submitting transactions.
package node

import (
	"context"
	"time"

	"github.com/stellar/starlight-channels/errors"
	"github.com/stellar/starlight-channels/txbuild"
)

// Account is an account of the ledger.
type Account struct {
	ID      string `json:"id"`
	Balance int64  `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

// OracleQuery is a query posted to an oracle.
type OracleQuery struct {
	ID          string `json:"id"`
	SenderID    string `json:"sender_id"`
	OracleID    string `json:"oracle_id"`
	Query       []byte `json:"query"`
	Response    []byte `json:"response,omitempty"`
	ResponseTTL uint64 `json:"response_ttl"`
}

// ItemID returns the id of the query.
func (q OracleQuery) ItemID() string {
	return q.ID
}

// Answered reports whether the oracle has responded to the query.
func (q OracleQuery) Answered() bool {
	return len(q.Response) > 0
}

// NameEntry is a claimed name and its pointers.
type NameEntry struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	OwnerID  string            `json:"owner_id"`
	Pointers []txbuild.Pointer `json:"pointers"`
	TTL      uint64            `json:"ttl"`
}

// Info describes the node and the network it is a member of.
type Info struct {
	NetworkID       string        `json:"network_id"`
	ProtocolVersion uint32        `json:"protocol_version"`
	MicroBlockCycle time.Duration `json:"micro_block_cycle"`
	Height          uint64        `json:"height"`
}

// Transaction is a transaction known to the node. A transaction with a
// block height of zero is pending.
type Transaction struct {
	Hash        string `json:"hash"`
	BlockHeight uint64 `json:"block_height"`
	Tx          []byte `json:"tx"`
}

// Mined reports whether the transaction is included in a block.
func (t Transaction) Mined() bool {
	return t.BlockHeight > 0
}

// QueryFilter selects the queries of an oracle listed by a node.
type QueryFilter string

const (
	// QueriesOpen are the queries not responded to. It is the filter used
	// when none is given.
	QueriesOpen QueryFilter = "open"
	// QueriesClosed are the queries responded to.
	QueriesClosed QueryFilter = "closed"
	QueriesAll    QueryFilter = "all"
)

// Client is a node of the network.
//
// Errors returned by a Client wrap errors.ErrNotFound when the entity
// queried does not exist, and errors.ErrNetwork when the node could not be
// reached or rejected the request.
type Client interface {
	AccountNextNonce(ctx context.Context, accountID string, strategy txbuild.NonceStrategy) (uint64, error)
	Account(ctx context.Context, accountID string) (Account, error)
	OracleQueries(ctx context.Context, oracleID string, filter QueryFilter) ([]OracleQuery, error)
	NameEntry(ctx context.Context, name string) (NameEntry, error)
	Info(ctx context.Context) (Info, error)
	PostTransaction(ctx context.Context, signedTx []byte) (hash string, err error)
	Transaction(ctx context.Context, hash string) (Transaction, error)
}

// Rejected returns the error of a transaction the node refused to accept.
func Rejected(reason string) error {
	return errors.Kind(errors.ErrNetwork, "transaction rejected: %s", reason)
}

// WaitOptions configure SendTransaction.
type WaitOptions struct {
	// PollInterval is the time between checks for the transaction being
	// mined. Defaults to one second.
	PollInterval time.Duration
}

// SendTransaction posts the signed transaction to the node and waits until
// it is mined or ctx is done.
func SendTransaction(ctx context.Context, c Client, signedTx []byte, opts WaitOptions) (Transaction, error) {
	hash, err := c.PostTransaction(ctx, signedTx)
	if err != nil {
		return Transaction{}, errors.Wrapf(err, "posting transaction")
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		tx, err := c.Transaction(ctx, hash)
		if err != nil && !errors.Is(err, errors.ErrNotFound) {
			return Transaction{}, errors.Wrapf(err, "getting transaction %s", hash)
		}
		if err == nil && tx.Mined() {
			return tx, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return Transaction{}, errors.Wrap(errors.ErrNetwork, "waiting for "+hash+" to be mined: "+ctx.Err().Error())
		}
	}
}
