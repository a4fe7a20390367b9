package txbuild

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/stellar/go/strkey"
	"golang.org/x/crypto/blake2b"

	"github.com/stellar/starlight-channels/errors"
)

// PoiAccount is an account of a channel state tree and its balance.
type PoiAccount struct {
	Address string
	Balance int64
}

// Poi is a proof of inclusion of the accounts of a channel at a round. A
// poi always contains the complete state tree of the channel so its hash
// can be compared to the state hash committed in a channel transaction.
type Poi struct {
	Accounts []PoiAccount
}

// NewPoi returns the poi of the balances, sorted by address.
func NewPoi(balances map[string]int64) Poi {
	accounts := make([]PoiAccount, 0, len(balances))
	for address, balance := range balances {
		accounts = append(accounts, PoiAccount{Address: address, Balance: balance})
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].Address < accounts[j].Address
	})
	return Poi{Accounts: accounts}
}

// Hash returns the state hash of the poi's tree.
func (p Poi) Hash() ([]byte, error) {
	sorted := NewPoi(p.Balances())
	if len(sorted.Accounts) != len(p.Accounts) {
		return nil, errors.Kind(errors.ErrValidation, "poi contains duplicate accounts")
	}
	b, err := marshal(sorted)
	if err != nil {
		return nil, fmt.Errorf("hashing poi: %w", err)
	}
	h := blake2b.Sum256(b)
	return h[:], nil
}

// Balances returns the balances of the poi indexed by address.
func (p Poi) Balances() map[string]int64 {
	m := make(map[string]int64, len(p.Accounts))
	for _, a := range p.Accounts {
		m[a.Address] = a.Balance
	}
	return m
}

// Balance returns the balance of address in the poi.
func (p Poi) Balance(address string) (int64, bool) {
	for _, a := range p.Accounts {
		if a.Address == address {
			return a.Balance, true
		}
	}
	return 0, false
}

// Total returns the sum of balances of the poi.
func (p Poi) Total() int64 {
	total := int64(0)
	for _, a := range p.Accounts {
		total += a.Balance
	}
	return total
}

// StateHash returns the state hash committing to the balances.
func StateHash(balances map[string]int64) ([]byte, error) {
	return NewPoi(balances).Hash()
}

// ChannelID returns the id of the channel created by the initiator with the
// nonce of the create transaction.
func ChannelID(initiatorID string, nonce uint64) string {
	b := make([]byte, len(initiatorID)+8)
	copy(b, initiatorID)
	binary.BigEndian.PutUint64(b[len(initiatorID):], nonce)
	h := blake2b.Sum256(b)
	return "ch_" + hex.EncodeToString(h[:])
}

// ValidateAddress returns an error if address is not an account address.
func ValidateAddress(address string) error {
	if !strkey.IsValidEd25519PublicKey(address) {
		return errors.Kind(errors.ErrValidation, "invalid address %q", address)
	}
	return nil
}
