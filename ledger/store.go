// Package ledger holds authoritative per-channel state and serializes all
// mutations through a per-channel compare-and-swap keyed by the expected
// sequence number. It is the single place where concurrent updates against
// one channel are decided: exactly one wins, every other racer gets a
// sequence conflict.
package ledger

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	cheddr "github.com/cheddr-labs/cheddr-go"
	"github.com/cheddr-labs/cheddr-go/channel"
)

// Persister saves accepted channel states to durable storage. Persist errors
// abort the update before the in-memory state advances.
type Persister interface {
	SaveChannel(ctx context.Context, state *channel.State) error
}

// Store is the in-memory channel ledger.
type Store struct {
	mu        sync.RWMutex
	channels  map[common.Hash]*channelEntry
	byOwner   map[common.Address][]common.Hash
	persister Persister
	now       func() time.Time
}

// channelEntry pairs a channel state with its own lock so contention stays
// scoped to one channel at a time.
type channelEntry struct {
	mu    sync.Mutex
	state *channel.State
}

// Option configures a Store.
type Option func(*Store)

// WithPersister attaches durable storage for accepted states.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

// WithClock overrides the expiry clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty ledger.
func NewStore(opts ...Option) *Store {
	s := &Store{
		channels: make(map[common.Hash]*channelEntry),
		byOwner:  make(map[common.Address][]common.Hash),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Restore loads previously persisted states, e.g. at boot. Owner ordering
// follows the given slice order.
func (s *Store) Restore(states []*channel.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, state := range states {
		if _, exists := s.channels[state.ID]; exists {
			continue
		}
		s.channels[state.ID] = &channelEntry{state: state.Clone()}
		s.byOwner[state.Owner] = append(s.byOwner[state.Owner], state.ID)
	}
}

// Get returns a copy of the channel state, or a not-found error.
func (s *Store) Get(ctx context.Context, id common.Hash) (*channel.State, error) {
	entry, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.state.Clone(), nil
}

// ListByOwner returns the owner's channel ids, most recently seeded last.
func (s *Store) ListByOwner(ctx context.Context, owner common.Address) []common.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]common.Hash, len(s.byOwner[owner]))
	copy(ids, s.byOwner[owner])
	return ids
}

// Seed records a channel observed open on-chain. Seeding is idempotent: an
// identical re-seed returns the recorded state unchanged, while a re-seed
// disagreeing on any immutable field is a conflict.
func (s *Store) Seed(ctx context.Context, id common.Hash, owner common.Address, balance *big.Int, expiry uint64) (*channel.State, error) {
	if balance == nil || balance.Sign() < 0 {
		return nil, cheddr.Errorf(cheddr.ErrCodeValidation, "invalid channel balance")
	}

	s.mu.Lock()
	if existing, ok := s.channels[id]; ok {
		s.mu.Unlock()
		existing.mu.Lock()
		defer existing.mu.Unlock()
		state := existing.state
		if state.Owner != owner || state.Balance.Cmp(balance) != 0 || state.Expiry != expiry {
			return nil, cheddr.Errorf(cheddr.ErrCodeConflict,
				"channel %s already seeded with different parameters", id.Hex())
		}
		return state.Clone(), nil
	}

	state := &channel.State{
		ID:         id,
		Owner:      owner,
		Balance:    new(big.Int).Set(balance),
		Expiry:     expiry,
		Sequence:   0,
		Recipients: nil,
	}
	s.channels[id] = &channelEntry{state: state}
	s.byOwner[owner] = append(s.byOwner[owner], id)
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.SaveChannel(ctx, state); err != nil {
			return nil, cheddr.Errorf(cheddr.ErrCodeUnavailable, "failed to persist channel: %v", err)
		}
	}
	return state.Clone(), nil
}

// ApplyUpdate is the single mutating operation: it advances the channel to
// expectedSequence and replaces the recipient snapshot, but only if the
// recorded sequence is exactly expectedSequence-1, the channel has not
// expired, and the new totals fit the deposit.
//
// A resubmission of the already-recorded update (same sequence, signature,
// and timestamp) returns the current state without re-applying anything.
func (s *Store) ApplyUpdate(ctx context.Context, id common.Hash, expectedSequence uint64, newRecipients []channel.Recipient, signature string, timestamp uint64) (*channel.State, error) {
	entry, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	state := entry.state

	if expectedSequence == state.Sequence {
		if signature == state.UserSignature && timestamp == state.SignatureTimestamp {
			return state.Clone(), nil
		}
		return nil, cheddr.Errorf(cheddr.ErrCodeSequenceConflict,
			"sequence %d already processed", expectedSequence)
	}
	if expectedSequence != state.Sequence+1 {
		return nil, cheddr.Errorf(cheddr.ErrCodeSequenceConflict,
			"invalid sequence number: got %d, current %d", expectedSequence, state.Sequence)
	}
	if uint64(s.now().Unix()) >= state.Expiry {
		return nil, cheddr.Errorf(cheddr.ErrCodeExpired, "channel %s has expired", id.Hex())
	}
	if channel.TotalOwed(newRecipients).Cmp(state.Balance) > 0 {
		return nil, cheddr.Errorf(cheddr.ErrCodeBalanceExceeded, "exceeds channel capacity")
	}

	next := state.Clone()
	next.Sequence = expectedSequence
	next.Recipients = channel.CloneRecipients(newRecipients)
	next.UserSignature = signature
	next.SignatureTimestamp = timestamp

	if s.persister != nil {
		if err := s.persister.SaveChannel(ctx, next); err != nil {
			return nil, cheddr.Errorf(cheddr.ErrCodeUnavailable, "failed to persist update: %v", err)
		}
	}
	entry.state = next
	return next.Clone(), nil
}

// SetSequencerSignature records the sequencer countersignature on the current
// state. Called under the same accept path that produced the state.
func (s *Store) SetSequencerSignature(ctx context.Context, id common.Hash, sequence uint64, signature string) (*channel.State, error) {
	entry, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.state.Sequence != sequence {
		return nil, cheddr.Errorf(cheddr.ErrCodeSequenceConflict,
			"state advanced past sequence %d", sequence)
	}
	next := entry.state.Clone()
	next.SequencerSignature = signature
	if s.persister != nil {
		if err := s.persister.SaveChannel(ctx, next); err != nil {
			return nil, cheddr.Errorf(cheddr.ErrCodeUnavailable, "failed to persist countersignature: %v", err)
		}
	}
	entry.state = next
	return next.Clone(), nil
}

func (s *Store) lookup(id common.Hash) (*channelEntry, error) {
	s.mu.RLock()
	entry, ok := s.channels[id]
	s.mu.RUnlock()
	if !ok {
		return nil, cheddr.Errorf(cheddr.ErrCodeNotFound, "channel not found")
	}
	return entry, nil
}
