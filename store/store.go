// Package store persists snapshots of channels so that a channel can be
// resumed after the process holding it restarts.
package store

import (
	"sort"
	"sync"

	"github.com/stellar/starlight-channels/errors"
	"github.com/stellar/starlight-channels/state"
)

// Store saves and loads channel snapshots by channel id.
//
// Load returns an error wrapping errors.ErrNotFound when no snapshot of the
// channel has been saved.
type Store interface {
	Save(s state.Snapshot) error
	Load(channelID string) (state.Snapshot, error)
	// OpenChannels returns the ids of the channels that are not closed.
	OpenChannels() ([]string, error)
}

// Memory is a Store that holds snapshots in memory.
type Memory struct {
	// mu is a lock for the mutable fields of this type.
	mu sync.Mutex

	snapshots map[string]state.Snapshot
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{snapshots: map[string]state.Snapshot{}}
}

func (m *Memory) Save(s state.Snapshot) error {
	if s.ID == "" {
		return errors.Kind(errors.ErrValidation, "snapshot has no channel id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[s.ID] = s
	return nil
}

func (m *Memory) Load(channelID string) (state.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[channelID]
	if !ok {
		return state.Snapshot{}, errors.Kind(errors.ErrNotFound, "channel %s", channelID)
	}
	return s, nil
}

func (m *Memory) OpenChannels() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := []string{}
	for id, s := range m.snapshots {
		if !s.Closed {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
