package slot

import (
	"sync"

	"github.com/blocksense-network/blocksense-sub000/internal/feeds"
)

// Published records the last value actually dispatched for a feed, used
// both by the skip-publish criteria (spec §4.2 step 6) and by the admin
// GET /get_last_published_value_and_time handler (spec §6).
type Published struct {
	Value       feeds.Value
	TimestampMS int64
}

// PublishedStore is the process-wide table of each feed's last published
// value, many-reader-one-writer.
type PublishedStore struct {
	mu   sync.RWMutex
	byID map[feeds.ID]Published
}

func NewPublishedStore() *PublishedStore {
	return &PublishedStore{byID: make(map[feeds.ID]Published)}
}

func (s *PublishedStore) Set(id feeds.ID, p Published) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[id] = p
}

func (s *PublishedStore) Get(id feeds.ID) (Published, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	return p, ok
}
