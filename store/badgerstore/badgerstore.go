// Package badgerstore is a store of channel snapshots backed by badger.
package badgerstore

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold/v4"

	"github.com/stellar/starlight-channels/errors"
	"github.com/stellar/starlight-channels/state"
	"github.com/stellar/starlight-channels/store"
)

// Config contains the information that can be supplied to configure the
// Store at construction.
type Config struct {
	// Dir is the directory of the database. When empty the database is held
	// in memory.
	Dir    string
	Logger logrus.FieldLogger
}

// Store is a store.Store backed by a badger database.
type Store struct {
	db *badgerhold.Store
	// mu serializes writes.
	mu sync.Mutex
}

var _ store.Store = (*Store)(nil)

// channelRecord is the stored form of a snapshot. Closed is duplicated out
// of the snapshot so that it can be queried.
type channelRecord struct {
	ID       string
	Closed   bool
	Snapshot state.Snapshot
}

func Open(c Config) (*Store, error) {
	logger := c.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	opts := badger.DefaultOptions(c.Dir)
	opts.Logger = logger.WithField("component", "badger")
	if c.Dir == "" {
		opts.InMemory = true
	}
	db, err := badgerhold.Open(badgerhold.Options{
		Encoder:          badgerhold.DefaultEncode,
		Decoder:          badgerhold.DefaultDecode,
		SequenceBandwith: 100,
		Options:          opts,
	})
	if err != nil {
		return nil, fmt.Errorf("opening channel store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Save(snapshot state.Snapshot) error {
	if snapshot.ID == "" {
		return errors.Kind(errors.ErrValidation, "snapshot has no channel id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := channelRecord{ID: snapshot.ID, Closed: snapshot.Closed, Snapshot: snapshot}
	if err := s.db.Upsert(snapshot.ID, &r); err != nil {
		return fmt.Errorf("saving channel %s: %w", snapshot.ID, err)
	}
	return nil
}

func (s *Store) Load(channelID string) (state.Snapshot, error) {
	r := channelRecord{}
	err := s.db.Get(channelID, &r)
	if err == badgerhold.ErrNotFound {
		return state.Snapshot{}, errors.Kind(errors.ErrNotFound, "channel %s", channelID)
	}
	if err != nil {
		return state.Snapshot{}, fmt.Errorf("loading channel %s: %w", channelID, err)
	}
	return r.Snapshot, nil
}

func (s *Store) OpenChannels() ([]string, error) {
	records := []channelRecord{}
	err := s.db.Find(&records, badgerhold.Where("Closed").Eq(false))
	if err != nil {
		return nil, fmt.Errorf("finding open channels: %w", err)
	}
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	sort.Strings(ids)
	return ids, nil
}
