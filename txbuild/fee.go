package txbuild

import (
	"context"
	"fmt"

	"github.com/stellar/starlight-channels/errors"
)

const (
	// BaseGas is the gas charged for every transaction.
	BaseGas = 15000
	// GasPerByte is the gas charged for each byte of the encoded transaction.
	GasPerByte = 20
	// MinGasPrice is the minimum price of a unit of gas.
	MinGasPrice = 1000000
)

// Fee returns the minimum fee of a transaction. The size of the encoded
// transaction does not depend on the value of its fee so the fee can be
// calculated before it is set.
func Fee(tx Tx) (int64, error) {
	b, err := Encode(tx)
	if err != nil {
		return 0, fmt.Errorf("calculating fee: %w", err)
	}
	return (BaseGas + GasPerByte*int64(len(b))) * MinGasPrice, nil
}

// NonceStrategy selects how the next nonce of an account is chosen.
type NonceStrategy string

const (
	// NonceContinuity returns the nonce following the highest nonce without
	// a gap in the account's pending transactions.
	NonceContinuity NonceStrategy = "continuity"
	// NonceMax returns the nonce following the highest nonce of the
	// account's pending transactions.
	NonceMax NonceStrategy = "max"
)

// NonceCollector gets the next nonce of an account.
type NonceCollector interface {
	AccountNextNonce(ctx context.Context, accountID string, strategy NonceStrategy) (uint64, error)
}

// NonceOptions are the options for preparing a nonce.
type NonceOptions struct {
	// Node is used to get the next nonce when no nonce is provided.
	Node NonceCollector
	// Strategy defaults to NonceMax.
	Strategy NonceStrategy
}

// PrepareNonce returns nonce if it is non-zero. Otherwise it gets the next
// nonce of the account from the node. An account unknown to the node has
// not used any nonce yet and its next nonce is 1.
func PrepareNonce(ctx context.Context, nonce uint64, accountID string, opts NonceOptions) (uint64, error) {
	if nonce != 0 {
		return nonce, nil
	}
	if opts.Node == nil {
		return 0, errors.Kind(errors.ErrConfiguration, "node or nonce must be provided for %s", accountID)
	}
	if accountID == "" {
		return 0, errors.Kind(errors.ErrConfiguration, "account must be provided to prepare a nonce")
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = NonceMax
	}
	next, err := opts.Node.AccountNextNonce(ctx, accountID, strategy)
	if errors.Is(err, errors.ErrNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("getting next nonce of %s: %w", accountID, err)
	}
	return next, nil
}

// PaymentOf returns the nonce and fee of tx.
func PaymentOf(tx Payable) (nonce uint64, fee int64) {
	n, f := tx.payment()
	return *n, *f
}

// Prepare sets the nonce and fee of tx when they are not already set.
func Prepare(ctx context.Context, tx Payable, opts NonceOptions) error {
	nonce, fee := tx.payment()
	n, err := PrepareNonce(ctx, *nonce, tx.Sender(), opts)
	if err != nil {
		return err
	}
	*nonce = n
	if *fee == 0 {
		f, err := Fee(tx)
		if err != nil {
			return err
		}
		*fee = f
	}
	return nil
}
