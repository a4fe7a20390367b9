// Package oracle contains an oracle operator that polls the queries posted to
// an oracle and responds to them.
package oracle

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/stellar/starlight-channels/errors"
	"github.com/stellar/starlight-channels/node"
	"github.com/stellar/starlight-channels/poller"
	"github.com/stellar/starlight-channels/taskqueue"
	"github.com/stellar/starlight-channels/txbuild"
)

// Config contains the information that can be supplied to configure the
// Oracle at construction.
type Config struct {
	NetworkID string
	// OracleID is the address of the oracle, which signs and pays for the
	// responses.
	OracleID string
	Node     node.Client
	Sign     txbuild.SignFunc
	// ResponseTTL is the ttl of responses. Defaults to 10 blocks.
	ResponseTTL uint64
	// Wait configures waiting for responses to be mined.
	Wait node.WaitOptions
	// Logger defaults to logrus.StandardLogger.
	Logger logrus.FieldLogger
}

// Oracle responds to the queries of an oracle.
type Oracle struct {
	networkID   string
	oracleID    string
	node        node.Client
	sign        txbuild.SignFunc
	responseTTL uint64
	wait        node.WaitOptions
	logger      logrus.FieldLogger

	// mu is a lock for the mutable fields of this type.
	mu sync.Mutex

	handling bool
}

// New returns an oracle operator with the given config.
func New(c Config) *Oracle {
	o := &Oracle{
		networkID:   c.NetworkID,
		oracleID:    c.OracleID,
		node:        c.Node,
		sign:        c.Sign,
		responseTTL: c.ResponseTTL,
		wait:        c.Wait,
		logger:      c.Logger,
	}
	if o.responseTTL == 0 {
		o.responseTTL = 10
	}
	if o.logger == nil {
		o.logger = logrus.StandardLogger()
	}
	o.logger = o.logger.WithField("oracle", o.oracleID)
	return o
}

type queryFetcher struct {
	o      *Oracle
	filter node.QueryFilter
}

func (f queryFetcher) Fetch(ctx context.Context) ([]poller.Item, error) {
	qs, err := f.o.node.OracleQueries(ctx, f.o.oracleID, f.filter)
	if err != nil {
		return nil, err
	}
	items := make([]poller.Item, 0, len(qs))
	for _, q := range qs {
		items = append(items, q)
	}
	return items, nil
}

// PollOptions configure PollQueries.
type PollOptions struct {
	poller.Options
	// IncludeResponded also passes the queries the oracle has responded to.
	IncludeResponded bool
}

// PollQueries starts polling the queries of the oracle and calls onQuery once
// for each query not seen before. Only the queries not responded to are
// polled unless opts.IncludeResponded is set. When opts.Interval is zero it
// is derived from the micro block cycle reported by the node.
func (o *Oracle) PollQueries(ctx context.Context, onQuery func(context.Context, node.OracleQuery), opts PollOptions) *poller.Poller {
	if opts.Interval == 0 && opts.BlockInterval == 0 {
		info, err := o.node.Info(ctx)
		if err == nil {
			opts.BlockInterval = info.MicroBlockCycle
		} else {
			o.logger.WithError(err).Warn("getting micro block cycle, using default")
		}
	}
	if opts.Logger == nil {
		opts.Logger = o.logger
	}
	filter := node.QueriesOpen
	if opts.IncludeResponded {
		filter = node.QueriesAll
	}
	return poller.Start(ctx, queryFetcher{o: o, filter: filter}, func(ctx context.Context, i poller.Item) {
		onQuery(ctx, i.(node.OracleQuery))
	}, opts.Options)
}

// RespondOptions are options of a response.
type RespondOptions struct {
	// Nonce is prepared using the node when zero.
	Nonce uint64
	// ResponseTTL overrides the configured ttl of the response when set.
	ResponseTTL uint64
}

// RespondToQuery builds, signs and submits the response to the query and
// waits for it to be mined.
func (o *Oracle) RespondToQuery(ctx context.Context, queryID string, response []byte, opts RespondOptions) (node.Transaction, error) {
	ttl := opts.ResponseTTL
	if ttl == 0 {
		ttl = o.responseTTL
	}
	tx := &txbuild.OracleResponseTx{
		OracleID:    o.oracleID,
		Nonce:       opts.Nonce,
		QueryID:     queryID,
		Response:    response,
		ResponseTTL: ttl,
	}
	err := txbuild.Prepare(ctx, tx, txbuild.NonceOptions{Node: o.node})
	if err != nil {
		return node.Transaction{}, fmt.Errorf("preparing response to %s: %w", queryID, err)
	}
	b, err := txbuild.Encode(tx)
	if err != nil {
		return node.Transaction{}, err
	}
	signed, err := txbuild.AppendSignature(b, o.sign)
	if err != nil {
		return node.Transaction{}, fmt.Errorf("signing response to %s: %w", queryID, err)
	}
	mined, err := node.SendTransaction(ctx, o.node, signed, o.wait)
	if err != nil {
		return node.Transaction{}, fmt.Errorf("submitting response to %s: %w", queryID, err)
	}
	o.logger.WithFields(logrus.Fields{"query": queryID, "tx": mined.Hash}).Info("responded to query")
	return mined, nil
}

// ResponseFunc computes the response to a query.
type ResponseFunc func(ctx context.Context, q node.OracleQuery) ([]byte, error)

// HandleQueries polls the queries of the oracle and responds to each new
// query with the response computed by getResponse. Responses are computed
// concurrently and submitted one at a time in the order they were computed.
//
// Only one handler can run at a time, a second call while one is running
// returns an error wrapping errors.ErrStateConflict. The returned function
// stops polling, waits for responses in progress to be submitted, and
// allows a new handler to be started.
func (o *Oracle) HandleQueries(ctx context.Context, getResponse ResponseFunc, opts poller.Options) (stop func(), err error) {
	o.mu.Lock()
	if o.handling {
		o.mu.Unlock()
		return nil, errors.Kind(errors.ErrStateConflict, "oracle %s is already handling queries", o.oracleID)
	}
	o.handling = true
	o.mu.Unlock()

	queue := taskqueue.New()
	wg := sync.WaitGroup{}
	p := o.PollQueries(ctx, func(ctx context.Context, q node.OracleQuery) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log := o.logger.WithField("query", q.ID)
			response, err := getResponse(ctx, q)
			if err != nil {
				log.WithError(err).Warn("computing response")
				return
			}
			queue.Enqueue(ctx, func(ctx context.Context) error {
				_, err := o.RespondToQuery(ctx, q.ID, response, RespondOptions{})
				if err != nil {
					log.WithError(err).Warn("responding")
				}
				return err
			})
		}()
	}, PollOptions{Options: opts})

	once := sync.Once{}
	stop = func() {
		once.Do(func() {
			p.Stop()
			p.Wait()
			wg.Wait()
			_ = queue.Drain(context.Background())
			o.mu.Lock()
			o.handling = false
			o.mu.Unlock()
		})
	}
	return stop, nil
}
