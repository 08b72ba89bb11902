package slot

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/blocksense-network/blocksense-sub000/internal/feeds"
	"github.com/blocksense-network/blocksense-sub000/internal/history"
)

// Manager is the feed-slots manager: it starts one Processor goroutine per
// registered feed and tears it down on deletion, acting on the commands
// forwarded by the block creator (spec §4.3 step 5).
type Manager struct {
	mu      sync.Mutex
	cancels map[feeds.ID]context.CancelFunc

	Tables       *feeds.Tables
	Histories    *history.Histories
	Published    *PublishedStore
	NumReporters NumReportersFunc
	Out          chan<- feeds.VotedFeedUpdate
	Logger       zerolog.Logger
}

// NewManager builds an empty feed-slots manager.
func NewManager(tables *feeds.Tables, histories *history.Histories, published *PublishedStore, numReporters NumReportersFunc, out chan<- feeds.VotedFeedUpdate, logger zerolog.Logger) *Manager {
	return &Manager{
		cancels:      make(map[feeds.ID]context.CancelFunc),
		Tables:       tables,
		Histories:    histories,
		Published:    published,
		NumReporters: numReporters,
		Out:          out,
		Logger:       logger,
	}
}

// StartFeed launches a new Processor goroutine for f, replacing any
// existing one for the same id.
func (m *Manager) StartFeed(ctx context.Context, f *feeds.Feed) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cancel, ok := m.cancels[f.ID]; ok {
		cancel()
	}

	childCtx, cancel := context.WithCancel(ctx)
	m.cancels[f.ID] = cancel

	proc := &Processor{
		Feed:         f,
		Table:        m.Tables.For(f.ID),
		History:      m.Histories.For(f.ID),
		Published:    m.Published,
		NumReporters: m.NumReporters,
		Out:          m.Out,
		Logger:       logComponent(m.Logger, f),
	}

	go proc.Run(childCtx)
}

// StopFeed cancels a feed's processor goroutine, called on feed deletion.
func (m *Manager) StopFeed(id feeds.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.cancels[id]; ok {
		cancel()
		delete(m.cancels, id)
	}
}

func logComponent(base zerolog.Logger, f *feeds.Feed) zerolog.Logger {
	return base.With().Str("feed_id", f.ID.String()).Str("feed_name", f.Name).Logger()
}
