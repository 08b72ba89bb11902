// Package chain implements the per-network provider state and the
// per-network send loop: serializing updates, resolving nonce and gas,
// submitting and retrying transactions, and recording local chain state.
package chain

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/blocksense-network/blocksense-sub000/internal/feeds"
)

// Network names a single target blockchain (e.g. "ETH1", "ETH2").
type Network string

// ContractVersion selects the calldata encoding a provider's contract
// understands. Per spec §9, this is immutable per provider after startup.
type ContractVersion uint8

const (
	ContractVersionLegacy ContractVersion = 1
	ContractVersionADFS   ContractVersion = 2
)

// ChainFamily distinguishes chains that expose extra RPC methods, such as
// the Taraxa DAG-inclusion endpoints used by the reorg tracker.
type ChainFamily uint8

const (
	ChainFamilyStandard ChainFamily = iota
	ChainFamilyTaraxa
)

// Status is the operator-visible state of a provider, surfaced by the
// admin GET /list_provider_status endpoint (spec §6).
type Status uint8

const (
	StatusActive Status = iota
	StatusDisabled
	StatusLastUpdateSucceeded
	StatusLastUpdateFailed
)

func (s Status) String() string {
	switch s {
	case StatusDisabled:
		return "Disabled"
	case StatusLastUpdateSucceeded:
		return "LastUpdateSucceeded"
	case StatusLastUpdateFailed:
		return "LastUpdateFailed"
	default:
		return "Active"
	}
}

// Config is a single network's static provider configuration.
type Config struct {
	Network               Network
	RPCURL                string
	ContractAddress       common.Address
	SafeAddress           *common.Address // nil disables the two-round consensus path
	AccessControlAddress  common.Address
	ContractVersion       ContractVersion
	Family                ChainFamily
	AllowFeeds            map[feeds.ID]bool // nil/empty means all feeds allowed
	PublishCriteria       map[feeds.ID]feeds.PublishCriteria
	TransactionRetryTimeout      int64 // ms
	TransactionRetriesCountLimit int
	RetryFeeIncrementFraction    float64
	Concurrency                  int
}

// Allows reports whether a feed is permitted to publish to this network.
func (c *Config) Allows(id feeds.ID) bool {
	if len(c.AllowFeeds) == 0 {
		return true
	}
	return c.AllowFeeds[id]
}

// State is a provider's full mutable runtime state (spec §3 ProviderState).
type State struct {
	mu sync.Mutex

	Config Config
	Client EVMClient
	Signer Signer

	Status    Status
	InFlight  int
	LocalRoot [32]byte
	RingBufferIndex      map[feeds.ID]uint64
	NonFinalizedUpdates  map[uint64][]feeds.VotedFeedUpdate // keyed by sequencer block height
	ObservedBlockHashes  map[uint64][32]byte                // keyed by chain height
	ReorgCount           uint64
}

// NewState constructs a provider's runtime state with empty maps.
func NewState(cfg Config, client EVMClient, signer Signer) *State {
	return &State{
		Config:              cfg,
		Client:              client,
		Signer:              signer,
		Status:              StatusActive,
		RingBufferIndex:     make(map[feeds.ID]uint64),
		NonFinalizedUpdates: make(map[uint64][]feeds.VotedFeedUpdate),
		ObservedBlockHashes: make(map[uint64][32]byte),
	}
}

// Lock/Unlock expose the provider lock directly: held only across short RPC
// calls plus local-state updates, never across a full retry loop (spec §5).
func (s *State) Lock()   { s.mu.Lock() }
func (s *State) Unlock() { s.mu.Unlock() }

// NextRingIndex returns and then advances a feed's ring-buffer write
// position, wrapping modulo MAX_HISTORY_ELEMENTS_PER_FEED.
const MaxHistoryElementsPerFeed = 8192

func (s *State) NextRingIndex(id feeds.ID) uint64 {
	cur := s.RingBufferIndex[id]
	s.RingBufferIndex[id] = (cur + 1) % MaxHistoryElementsPerFeed
	return cur
}

// Disable marks the provider disabled, called by the admin POST
// /disable_provider/{net} endpoint.
func (s *State) Disable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = StatusDisabled
}

// Enable restores a disabled provider to Active.
func (s *State) Enable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status == StatusDisabled {
		s.Status = StatusActive
	}
}

func (s *State) IsDisabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Status == StatusDisabled
}
