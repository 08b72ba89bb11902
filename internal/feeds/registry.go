package feeds

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Registry is the process-scoped, many-reader-one-writer table of active
// feeds. Writes only happen via registration/deletion commands flowing out
// of the block creator (new feeds take effect once their registration
// block is built) or at startup.
type Registry struct {
	mu    sync.RWMutex
	feeds map[ID]*Feed
}

// NewRegistry returns an empty feed registry.
func NewRegistry() *Registry {
	return &Registry{feeds: make(map[ID]*Feed)}
}

// Register adds or replaces a feed's metadata.
func (r *Registry) Register(f *Feed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feeds[f.ID] = f
}

// Delete removes a feed. Reports in flight for the feed are left to expire
// naturally at the next slot rollover; the slot processor task for the feed
// is torn down by the caller (feed-slots manager), not by the registry.
func (r *Registry) Delete(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.feeds, id)
}

// Get returns a feed's metadata, or false if unregistered.
func (r *Registry) Get(id ID) (*Feed, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.feeds[id]
	return f, ok
}

// List returns a snapshot of all registered feeds.
func (r *Registry) List() []*Feed {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Feed, 0, len(r.feeds))
	for _, f := range r.feeds {
		out = append(out, f)
	}
	return out
}

// Reporter is a known vote signer: its id maps to the public key used to
// verify the signature over feed_id‖timestamp‖value_bytes.
type Reporter struct {
	ID        uint64
	Name      string
	PublicKey []byte // uncompressed secp256k1 public key, 65 bytes
}

// ReportersRegistry is the many-reader-one-writer table of known reporters.
type ReportersRegistry struct {
	mu        sync.RWMutex
	reporters map[uint64]*Reporter
}

func NewReportersRegistry() *ReportersRegistry {
	return &ReportersRegistry{reporters: make(map[uint64]*Reporter)}
}

func (r *ReportersRegistry) Add(rep *Reporter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reporters[rep.ID] = rep
}

func (r *ReportersRegistry) Get(id uint64) (*Reporter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rep, ok := r.reporters[id]
	return rep, ok
}

func (r *ReportersRegistry) MustGet(id uint64) (*Reporter, error) {
	rep, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("unknown reporter %d", id)
	}
	return rep, nil
}

// Count returns the number of known reporters, used to compute quorum
// thresholds.
func (r *ReportersRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.reporters)
}

// Address derives the reporter's Ethereum address from its uncompressed
// secp256k1 public key, the identity the Safe consensus bridge verifies
// signatures against.
func (rep *Reporter) Address() (common.Address, error) {
	pub, err := crypto.UnmarshalPubkey(rep.PublicKey)
	if err != nil {
		return common.Address{}, fmt.Errorf("reporter %d has an invalid public key: %w", rep.ID, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// ByAddress scans the registry for a reporter whose derived address
// matches addr. The reporter set is small (tens, not millions), so a
// linear scan keyed by the rarer lookup direction is simpler than
// maintaining a second index that must stay in sync with Add/Delete.
func (r *ReportersRegistry) ByAddress(addr common.Address) (*Reporter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rep := range r.reporters {
		a, err := rep.Address()
		if err != nil {
			continue
		}
		if a == addr {
			return rep, true
		}
	}
	return nil, false
}
