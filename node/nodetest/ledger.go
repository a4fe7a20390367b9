// Package nodetest contains an in-memory ledger implementing node.Client
// for tests. It enforces the ledger's rules for spends, channels, oracles
// and names, and mines every accepted transaction in its own block.
package nodetest

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stellar/starlight-channels/errors"
	"github.com/stellar/starlight-channels/node"
	"github.com/stellar/starlight-channels/txbuild"
)

// Config configures a Ledger.
type Config struct {
	NetworkID string
	// MicroBlockCycle is reported by Info. Defaults to 3s.
	MicroBlockCycle time.Duration
	// Logger defaults to logrus.StandardLogger.
	Logger logrus.FieldLogger
}

// Channel is a channel as recorded by the ledger.
type Channel struct {
	ID          string
	InitiatorID string
	ResponderID string
	Amount      int64
	LockPeriod  uint64

	// Round, StateHash and Poi are of the last state published by a close
	// solo or slash, or of the create.
	Round     uint64
	StateHash []byte
	Poi       *txbuild.Poi

	// ClosesAt is the height from which the channel can be settled. Zero
	// while no close solo has been published.
	ClosesAt uint64
	Closed   bool
}

// Ledger is an in-memory ledger.
//
// All functions of the Ledger are safe to call from multiple goroutines.
type Ledger struct {
	networkID       string
	microBlockCycle time.Duration
	logger          logrus.FieldLogger

	// mu is a lock for the mutable fields of this type.
	mu sync.Mutex

	height   uint64
	accounts map[string]*node.Account
	channels map[string]*Channel
	txs      map[string]node.Transaction
	queries  []*node.OracleQuery
	names    map[string]node.NameEntry
}

var _ node.Client = (*Ledger)(nil)

// New returns an empty ledger at height 1.
func New(c Config) *Ledger {
	l := &Ledger{
		networkID:       c.NetworkID,
		microBlockCycle: c.MicroBlockCycle,
		logger:          c.Logger,
		height:          1,
		accounts:        map[string]*node.Account{},
		channels:        map[string]*Channel{},
		txs:             map[string]node.Transaction{},
		names:           map[string]node.NameEntry{},
	}
	if l.microBlockCycle == 0 {
		l.microBlockCycle = 3 * time.Second
	}
	if l.logger == nil {
		l.logger = logrus.StandardLogger()
	}
	return l
}

// Fund credits amount to the account, creating it if needed.
func (l *Ledger) Fund(accountID string, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.account(accountID).Balance += amount
}

// Balance returns the balance of the account, zero if it does not exist.
func (l *Ledger) Balance(accountID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.accounts[accountID]; ok {
		return a.Balance
	}
	return 0
}

// Height returns the height of the last block.
func (l *Ledger) Height() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.height
}

// Advance mines n empty blocks.
func (l *Ledger) Advance(n uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.height += n
}

// Channel returns a copy of the channel.
func (l *Ledger) Channel(id string) (Channel, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.channels[id]
	if !ok {
		return Channel{}, false
	}
	c := *ch
	if ch.Poi != nil {
		poi := txbuild.Poi{Accounts: append([]txbuild.PoiAccount(nil), ch.Poi.Accounts...)}
		c.Poi = &poi
	}
	return c, true
}

// PostQuery posts a query to the oracle and returns its id.
func (l *Ledger) PostQuery(senderID, oracleID string, query []byte, responseTTL uint64) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	q := &node.OracleQuery{
		ID:          fmt.Sprintf("oq_%d", len(l.queries)+1),
		SenderID:    senderID,
		OracleID:    oracleID,
		Query:       query,
		ResponseTTL: responseTTL,
	}
	l.queries = append(l.queries, q)
	return q.ID
}

// Query returns the query with the id.
func (l *Ledger) Query(id string) (node.OracleQuery, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, q := range l.queries {
		if q.ID == id {
			return *q, true
		}
	}
	return node.OracleQuery{}, false
}

func (l *Ledger) account(id string) *node.Account {
	a, ok := l.accounts[id]
	if !ok {
		a = &node.Account{ID: id}
		l.accounts[id] = a
	}
	return a
}

func (l *Ledger) AccountNextNonce(ctx context.Context, accountID string, strategy txbuild.NonceStrategy) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[accountID]
	if !ok {
		return 0, errors.Kind(errors.ErrNotFound, "account %s", accountID)
	}
	return a.Nonce + 1, nil
}

func (l *Ledger) Account(ctx context.Context, accountID string) (node.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[accountID]
	if !ok {
		return node.Account{}, errors.Kind(errors.ErrNotFound, "account %s", accountID)
	}
	return *a, nil
}

func (l *Ledger) OracleQueries(ctx context.Context, oracleID string, filter node.QueryFilter) ([]node.OracleQuery, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []node.OracleQuery{}
	for _, q := range l.queries {
		if q.OracleID != oracleID {
			continue
		}
		switch filter {
		case node.QueriesAll:
		case node.QueriesClosed:
			if !q.Answered() {
				continue
			}
		case node.QueriesOpen, "":
			if q.Answered() {
				continue
			}
		default:
			return nil, errors.Kind(errors.ErrValidation, "unknown query filter %q", filter)
		}
		out = append(out, *q)
	}
	return out, nil
}

func (l *Ledger) NameEntry(ctx context.Context, name string) (node.NameEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.names[name]
	if !ok {
		return node.NameEntry{}, errors.Kind(errors.ErrNotFound, "name %s", name)
	}
	return e, nil
}

func (l *Ledger) Info(ctx context.Context) (node.Info, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return node.Info{
		NetworkID:       l.networkID,
		ProtocolVersion: 6,
		MicroBlockCycle: l.microBlockCycle,
		Height:          l.height,
	}, nil
}

func (l *Ledger) Transaction(ctx context.Context, hash string) (node.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.txs[hash]
	if !ok {
		return node.Transaction{}, errors.Kind(errors.ErrNotFound, "transaction %s", hash)
	}
	return tx, nil
}

// PostTransaction applies the transaction and mines it in a new block, or
// rejects it leaving the ledger unchanged.
func (l *Ledger) PostTransaction(ctx context.Context, signedTx []byte) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	hash := txbuild.Hash(signedTx)
	log := l.logger.WithField("tx", hash)

	s, inner, err := txbuild.DecodeInner(signedTx)
	if err != nil {
		log.WithError(err).Info("rejected malformed transaction")
		return "", node.Rejected(err.Error())
	}
	if _, ok := l.txs[hash]; ok {
		return "", node.Rejected("duplicate transaction")
	}

	err = l.apply(s, inner)
	if err != nil {
		log.WithError(err).WithField("type", inner.Tag()).Info("rejected transaction")
		return "", node.Rejected(err.Error())
	}
	l.height++
	l.txs[hash] = node.Transaction{Hash: hash, BlockHeight: l.height, Tx: signedTx}
	log.WithFields(logrus.Fields{"type": inner.Tag(), "height": l.height}).Debug("mined transaction")
	return hash, nil
}

func (l *Ledger) apply(s *txbuild.SignedTx, inner txbuild.Tx) error {
	p, ok := inner.(txbuild.Payable)
	if !ok {
		return fmt.Errorf("%v cannot be posted", inner.Tag())
	}
	if err := l.requireSigned(s, p.Sender()); err != nil {
		return err
	}

	nonce, fee := txbuild.PaymentOf(p)

	sender, ok := l.accounts[p.Sender()]
	if !ok {
		return fmt.Errorf("unknown sender %s", p.Sender())
	}
	if nonce != sender.Nonce+1 {
		return fmt.Errorf("invalid nonce, got: %d want: %d", nonce, sender.Nonce+1)
	}
	minFee, err := txbuild.Fee(inner)
	if err != nil {
		return err
	}
	if fee < minFee {
		return fmt.Errorf("fee too low, got: %d want at least: %d", fee, minFee)
	}
	// The fee of a mutual close is paid from the channel.
	if _, mutual := inner.(*txbuild.ChannelCloseMutualTx); !mutual && sender.Balance < fee {
		return fmt.Errorf("insufficient balance for fee")
	}

	switch tx := inner.(type) {
	case *txbuild.SpendTx:
		err = l.applySpend(tx)
	case *txbuild.ChannelCreateTx:
		err = l.applyCreate(s, tx)
	case *txbuild.ChannelCloseMutualTx:
		err = l.applyCloseMutual(s, tx)
	case *txbuild.ChannelCloseSoloTx:
		err = l.applyCloseSolo(tx.ChannelID, tx.FromID, tx.Payload, tx.Poi, false)
	case *txbuild.ChannelSlashTx:
		err = l.applyCloseSolo(tx.ChannelID, tx.FromID, tx.Payload, tx.Poi, true)
	case *txbuild.ChannelSettleTx:
		err = l.applySettle(tx)
	case *txbuild.OracleResponseTx:
		err = l.applyOracleResponse(tx)
	case *txbuild.NameUpdateTx:
		err = l.applyNameUpdate(tx)
	}
	if err != nil {
		return err
	}
	sender.Balance -= fee
	sender.Nonce = nonce
	return nil
}

func (l *Ledger) requireSigned(s *txbuild.SignedTx, addresses ...string) error {
	for _, address := range addresses {
		ok, err := s.SignedBy(l.networkID, address)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("missing signature of %s", address)
		}
	}
	return nil
}

func (l *Ledger) applySpend(tx *txbuild.SpendTx) error {
	if tx.Amount < 0 {
		return fmt.Errorf("negative amount")
	}
	sender := l.accounts[tx.SenderID]
	if sender.Balance < tx.Amount+tx.Fee {
		return fmt.Errorf("insufficient balance")
	}
	sender.Balance -= tx.Amount
	l.account(tx.RecipientID).Balance += tx.Amount
	return nil
}

func (l *Ledger) applyCreate(s *txbuild.SignedTx, tx *txbuild.ChannelCreateTx) error {
	if err := l.requireSigned(s, tx.ResponderID); err != nil {
		return err
	}
	if tx.InitiatorAmount < 0 || tx.ResponderAmount < 0 {
		return fmt.Errorf("negative amount")
	}
	id := txbuild.ChannelID(tx.InitiatorID, tx.Nonce)
	if _, ok := l.channels[id]; ok {
		return fmt.Errorf("channel %s exists", id)
	}
	initiator := l.accounts[tx.InitiatorID]
	responder, ok := l.accounts[tx.ResponderID]
	if !ok {
		return fmt.Errorf("unknown responder %s", tx.ResponderID)
	}
	if initiator.Balance < tx.InitiatorAmount+tx.Fee {
		return fmt.Errorf("insufficient balance of initiator")
	}
	if responder.Balance < tx.ResponderAmount {
		return fmt.Errorf("insufficient balance of responder")
	}
	poi := txbuild.NewPoi(map[string]int64{tx.InitiatorID: tx.InitiatorAmount, tx.ResponderID: tx.ResponderAmount})
	hash, err := poi.Hash()
	if err != nil {
		return err
	}
	if !bytes.Equal(hash, tx.StateHash) {
		return fmt.Errorf("state hash does not match amounts")
	}
	initiator.Balance -= tx.InitiatorAmount
	responder.Balance -= tx.ResponderAmount
	l.channels[id] = &Channel{
		ID:          id,
		InitiatorID: tx.InitiatorID,
		ResponderID: tx.ResponderID,
		Amount:      tx.InitiatorAmount + tx.ResponderAmount,
		LockPeriod:  tx.LockPeriod,
		Round:       1,
		StateHash:   hash,
	}
	return nil
}

func (l *Ledger) openChannel(id, fromID string) (*Channel, error) {
	ch, ok := l.channels[id]
	if !ok {
		return nil, fmt.Errorf("unknown channel %s", id)
	}
	if ch.Closed {
		return nil, fmt.Errorf("channel %s is closed", id)
	}
	if fromID != ch.InitiatorID && fromID != ch.ResponderID {
		return nil, fmt.Errorf("%s is not a participant of channel %s", fromID, id)
	}
	return ch, nil
}

func (l *Ledger) applyCloseMutual(s *txbuild.SignedTx, tx *txbuild.ChannelCloseMutualTx) error {
	ch, err := l.openChannel(tx.ChannelID, tx.FromID)
	if err != nil {
		return err
	}
	if ch.ClosesAt != 0 {
		return fmt.Errorf("channel %s is solo closing", ch.ID)
	}
	if err := l.requireSigned(s, ch.InitiatorID, ch.ResponderID); err != nil {
		return err
	}
	if tx.InitiatorAmountFinal < 0 || tx.ResponderAmountFinal < 0 {
		return fmt.Errorf("negative amount")
	}
	if tx.InitiatorAmountFinal+tx.ResponderAmountFinal+tx.Fee != ch.Amount {
		return fmt.Errorf("amounts and fee do not equal channel amount, got: %d want: %d",
			tx.InitiatorAmountFinal+tx.ResponderAmountFinal+tx.Fee, ch.Amount)
	}
	// The fee is paid from the channel so it is credited to the sender who
	// is charged for it by apply.
	l.accounts[tx.FromID].Balance += tx.Fee
	l.account(ch.InitiatorID).Balance += tx.InitiatorAmountFinal
	l.account(ch.ResponderID).Balance += tx.ResponderAmountFinal
	ch.Closed = true
	return nil
}

// payloadState returns the round and state hash of a co-signed channel
// state.
func (l *Ledger) payloadState(ch *Channel, payload []byte) (uint64, []byte, error) {
	s, inner, err := txbuild.DecodeInner(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("decoding payload: %w", err)
	}
	if err := l.requireSigned(s, ch.InitiatorID, ch.ResponderID); err != nil {
		return 0, nil, fmt.Errorf("payload: %w", err)
	}
	switch tx := inner.(type) {
	case *txbuild.ChannelOffChainTx:
		if tx.ChannelID != ch.ID {
			return 0, nil, fmt.Errorf("payload is of channel %s", tx.ChannelID)
		}
		return tx.Round, tx.StateHash, nil
	case *txbuild.ChannelCreateTx:
		if txbuild.ChannelID(tx.InitiatorID, tx.Nonce) != ch.ID {
			return 0, nil, fmt.Errorf("payload creates another channel")
		}
		return 1, tx.StateHash, nil
	}
	return 0, nil, fmt.Errorf("payload %v is not a channel state", inner.Tag())
}

func (l *Ledger) applyCloseSolo(channelID, fromID string, payload []byte, poi txbuild.Poi, slash bool) error {
	ch, err := l.openChannel(channelID, fromID)
	if err != nil {
		return err
	}
	if slash && ch.ClosesAt == 0 {
		return fmt.Errorf("channel %s is not solo closing", ch.ID)
	}
	if !slash && ch.ClosesAt != 0 {
		return fmt.Errorf("channel %s is already solo closing", ch.ID)
	}
	round, stateHash, err := l.payloadState(ch, payload)
	if err != nil {
		return err
	}
	if slash && round <= ch.Round {
		return fmt.Errorf("slash round %d is not higher than published round %d", round, ch.Round)
	}
	if !slash && round < ch.Round {
		return fmt.Errorf("round %d is older than round %d", round, ch.Round)
	}
	poiHash, err := poi.Hash()
	if err != nil {
		return err
	}
	if !bytes.Equal(poiHash, stateHash) {
		return fmt.Errorf("poi hash does not match payload state hash")
	}
	if len(poi.Accounts) != 2 {
		return fmt.Errorf("poi must contain both participants")
	}
	for _, id := range []string{ch.InitiatorID, ch.ResponderID} {
		b, ok := poi.Balance(id)
		if !ok {
			return fmt.Errorf("poi is missing %s", id)
		}
		if b < 0 {
			return fmt.Errorf("poi balance of %s is negative", id)
		}
	}
	if poi.Total() != ch.Amount {
		return fmt.Errorf("poi total %d does not equal channel amount %d", poi.Total(), ch.Amount)
	}
	ch.Round = round
	ch.StateHash = stateHash
	ch.Poi = &poi
	ch.ClosesAt = l.height + 1 + ch.LockPeriod
	return nil
}

func (l *Ledger) applySettle(tx *txbuild.ChannelSettleTx) error {
	ch, err := l.openChannel(tx.ChannelID, tx.FromID)
	if err != nil {
		return err
	}
	if ch.ClosesAt == 0 {
		return fmt.Errorf("channel %s is not solo closing", ch.ID)
	}
	if l.height+1 < ch.ClosesAt {
		return fmt.Errorf("channel %s is locked until height %d", ch.ID, ch.ClosesAt)
	}
	initiatorAmount, _ := ch.Poi.Balance(ch.InitiatorID)
	responderAmount, _ := ch.Poi.Balance(ch.ResponderID)
	if tx.InitiatorAmountFinal != initiatorAmount || tx.ResponderAmountFinal != responderAmount {
		return fmt.Errorf("settle amounts do not match round %d, got: %d/%d want: %d/%d",
			ch.Round, tx.InitiatorAmountFinal, tx.ResponderAmountFinal, initiatorAmount, responderAmount)
	}
	l.account(ch.InitiatorID).Balance += initiatorAmount
	l.account(ch.ResponderID).Balance += responderAmount
	ch.Closed = true
	return nil
}

func (l *Ledger) applyOracleResponse(tx *txbuild.OracleResponseTx) error {
	for _, q := range l.queries {
		if q.ID != tx.QueryID {
			continue
		}
		if q.OracleID != tx.OracleID {
			return fmt.Errorf("query %s is not for oracle %s", q.ID, tx.OracleID)
		}
		if q.Answered() {
			return fmt.Errorf("query %s already answered", q.ID)
		}
		q.Response = tx.Response
		return nil
	}
	return fmt.Errorf("unknown query %s", tx.QueryID)
}

func (l *Ledger) applyNameUpdate(tx *txbuild.NameUpdateTx) error {
	if err := tx.Validate(); err != nil {
		return err
	}
	e, ok := l.names[tx.NameID]
	if ok && e.OwnerID != tx.AccountID {
		return fmt.Errorf("name %s is owned by %s", tx.NameID, e.OwnerID)
	}
	pointers := append([]txbuild.Pointer(nil), tx.Pointers...)
	sort.Slice(pointers, func(i, j int) bool { return pointers[i].Key < pointers[j].Key })
	l.names[tx.NameID] = node.NameEntry{
		ID:       "nm_" + tx.NameID,
		Name:     tx.NameID,
		OwnerID:  tx.AccountID,
		Pointers: pointers,
		TTL:      l.height + 1 + tx.NameTTL,
	}
	return nil
}
