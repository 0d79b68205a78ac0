package ledger

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cheddr "github.com/cheddr-labs/cheddr-go"
	"github.com/cheddr-labs/cheddr-go/channel"
)

var (
	testID    = common.HexToHash("0x1100000000000000000000000000000000000000000000000000000000000011")
	testOwner = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	receiver  = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
)

func fixedClock() func() time.Time {
	return func() time.Time { return time.Unix(1700000000, 0) }
}

func seedTestChannel(t *testing.T, store *Store, balance int64) {
	t.Helper()
	_, err := store.Seed(context.Background(), testID, testOwner, big.NewInt(balance), 2000000000)
	require.NoError(t, err)
}

func TestSeedAndGet(t *testing.T) {
	store := NewStore(WithClock(fixedClock()))
	seedTestChannel(t, store, 1000000)

	state, err := store.Get(context.Background(), testID)
	require.NoError(t, err)
	assert.Equal(t, testOwner, state.Owner)
	assert.Equal(t, uint64(0), state.Sequence)
	assert.Empty(t, state.Recipients)
}

func TestSeedIdempotent(t *testing.T) {
	store := NewStore(WithClock(fixedClock()))
	seedTestChannel(t, store, 1000000)

	state, err := store.Seed(context.Background(), testID, testOwner, big.NewInt(1000000), 2000000000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), state.Sequence)
}

func TestSeedConflictOnMismatch(t *testing.T) {
	store := NewStore(WithClock(fixedClock()))
	seedTestChannel(t, store, 1000000)

	_, err := store.Seed(context.Background(), testID, testOwner, big.NewInt(999), 2000000000)
	require.Error(t, err)
	assert.True(t, cheddr.IsCode(err, cheddr.ErrCodeConflict))
}

func TestGetUnknownChannel(t *testing.T) {
	store := NewStore()
	_, err := store.Get(context.Background(), testID)
	require.Error(t, err)
	assert.True(t, cheddr.IsCode(err, cheddr.ErrCodeNotFound))
}

func TestApplyUpdateAdvancesSequence(t *testing.T) {
	store := NewStore(WithClock(fixedClock()))
	seedTestChannel(t, store, 1000000)

	recipients := []channel.Recipient{{Address: receiver, Amount: big.NewInt(100)}}
	state, err := store.ApplyUpdate(context.Background(), testID, 1, recipients, "0xsig1", 1700000001)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), state.Sequence)

	recipients = []channel.Recipient{{Address: receiver, Amount: big.NewInt(200)}}
	state, err = store.ApplyUpdate(context.Background(), testID, 2, recipients, "0xsig2", 1700000002)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), state.Sequence)
	assert.Equal(t, int64(200), state.Recipients[0].Amount.Int64())
}

func TestApplyUpdateRejectsGap(t *testing.T) {
	store := NewStore(WithClock(fixedClock()))
	seedTestChannel(t, store, 1000000)

	recipients := []channel.Recipient{{Address: receiver, Amount: big.NewInt(100)}}
	_, err := store.ApplyUpdate(context.Background(), testID, 5, recipients, "0xsig", 1700000001)
	require.Error(t, err)
	assert.True(t, cheddr.IsCode(err, cheddr.ErrCodeSequenceConflict))
}

func TestApplyUpdateReplayReturnsCurrentState(t *testing.T) {
	store := NewStore(WithClock(fixedClock()))
	seedTestChannel(t, store, 1000000)

	recipients := []channel.Recipient{{Address: receiver, Amount: big.NewInt(100)}}
	_, err := store.ApplyUpdate(context.Background(), testID, 1, recipients, "0xsig1", 1700000001)
	require.NoError(t, err)

	// Same sequence, signature and timestamp: idempotent resubmission.
	state, err := store.ApplyUpdate(context.Background(), testID, 1, recipients, "0xsig1", 1700000001)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), state.Sequence)
	assert.Equal(t, int64(100), state.Recipients[0].Amount.Int64())

	// Same sequence, different signature: somebody lost the race.
	_, err = store.ApplyUpdate(context.Background(), testID, 1, recipients, "0xother", 1700000001)
	require.Error(t, err)
	assert.True(t, cheddr.IsCode(err, cheddr.ErrCodeSequenceConflict))
}

func TestApplyUpdateBalanceExceeded(t *testing.T) {
	store := NewStore(WithClock(fixedClock()))
	seedTestChannel(t, store, 10)

	recipients := []channel.Recipient{{Address: receiver, Amount: big.NewInt(15)}}
	_, err := store.ApplyUpdate(context.Background(), testID, 1, recipients, "0xsig", 1700000001)
	require.Error(t, err)
	assert.True(t, cheddr.IsCode(err, cheddr.ErrCodeBalanceExceeded))

	// The failed update must not advance anything.
	state, err := store.Get(context.Background(), testID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), state.Sequence)
	assert.Empty(t, state.Recipients)
}

func TestApplyUpdateExactBalanceAllowed(t *testing.T) {
	store := NewStore(WithClock(fixedClock()))
	seedTestChannel(t, store, 10)

	recipients := []channel.Recipient{{Address: receiver, Amount: big.NewInt(10)}}
	state, err := store.ApplyUpdate(context.Background(), testID, 1, recipients, "0xsig", 1700000001)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), state.Sequence)
}

func TestApplyUpdateExpiredChannel(t *testing.T) {
	store := NewStore(WithClock(func() time.Time { return time.Unix(2000000001, 0) }))
	seedTestChannel(t, store, 1000000)

	recipients := []channel.Recipient{{Address: receiver, Amount: big.NewInt(100)}}
	_, err := store.ApplyUpdate(context.Background(), testID, 1, recipients, "0xsig", 1700000001)
	require.Error(t, err)
	assert.True(t, cheddr.IsCode(err, cheddr.ErrCodeExpired))
}

func TestApplyUpdateConcurrentRace(t *testing.T) {
	store := NewStore(WithClock(fixedClock()))
	seedTestChannel(t, store, 1000000)

	const racers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recipients := []channel.Recipient{{Address: receiver, Amount: big.NewInt(int64(100 + i))}}
			_, err := store.ApplyUpdate(context.Background(), testID, 1, recipients,
				"0xsig"+string(rune('a'+i)), 1700000001)
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, winners)

	state, err := store.Get(context.Background(), testID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), state.Sequence)
}

func TestListByOwnerOrder(t *testing.T) {
	store := NewStore(WithClock(fixedClock()))
	second := common.HexToHash("0x2200000000000000000000000000000000000000000000000000000000000022")

	seedTestChannel(t, store, 1000000)
	_, err := store.Seed(context.Background(), second, testOwner, big.NewInt(500), 2000000000)
	require.NoError(t, err)

	ids := store.ListByOwner(context.Background(), testOwner)
	require.Len(t, ids, 2)
	assert.Equal(t, testID, ids[0])
	assert.Equal(t, second, ids[1])
}

func TestSetSequencerSignature(t *testing.T) {
	store := NewStore(WithClock(fixedClock()))
	seedTestChannel(t, store, 1000000)

	recipients := []channel.Recipient{{Address: receiver, Amount: big.NewInt(100)}}
	_, err := store.ApplyUpdate(context.Background(), testID, 1, recipients, "0xsig", 1700000001)
	require.NoError(t, err)

	state, err := store.SetSequencerSignature(context.Background(), testID, 1, "0xcountersig")
	require.NoError(t, err)
	assert.Equal(t, "0xcountersig", state.SequencerSignature)

	// Stale sequence is refused.
	_, err = store.SetSequencerSignature(context.Background(), testID, 0, "0xstale")
	require.Error(t, err)
}

type recordingPersister struct {
	mu    sync.Mutex
	saves []uint64
	fail  bool
}

func (p *recordingPersister) SaveChannel(ctx context.Context, state *channel.State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return assert.AnError
	}
	p.saves = append(p.saves, state.Sequence)
	return nil
}

func TestPersistFailureAbortsUpdate(t *testing.T) {
	persister := &recordingPersister{}
	store := NewStore(WithClock(fixedClock()), WithPersister(persister))
	seedTestChannel(t, store, 1000000)

	persister.fail = true
	recipients := []channel.Recipient{{Address: receiver, Amount: big.NewInt(100)}}
	_, err := store.ApplyUpdate(context.Background(), testID, 1, recipients, "0xsig", 1700000001)
	require.Error(t, err)

	state, err := store.Get(context.Background(), testID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), state.Sequence)
}

func TestRestorePreservesOwnerOrder(t *testing.T) {
	store := NewStore(WithClock(fixedClock()))
	// Seeded order deliberately disagrees with channel-id order: the later
	// channel has the smaller id. ListByOwner must still report the most
	// recently opened channel last after a restore.
	older := common.HexToHash("0x9900000000000000000000000000000000000000000000000000000000000099")
	newer := common.HexToHash("0x1100000000000000000000000000000000000000000000000000000000000011")

	store.Restore([]*channel.State{
		{ID: older, Owner: testOwner, Balance: big.NewInt(1000), Expiry: 2000000000},
		{ID: newer, Owner: testOwner, Balance: big.NewInt(2000), Expiry: 2000000000},
	})

	ids := store.ListByOwner(context.Background(), testOwner)
	require.Len(t, ids, 2)
	assert.Equal(t, older, ids[0])
	assert.Equal(t, newer, ids[1])
}

func TestRestore(t *testing.T) {
	store := NewStore(WithClock(fixedClock()))
	store.Restore([]*channel.State{
		{
			ID:       testID,
			Owner:    testOwner,
			Balance:  big.NewInt(1000000),
			Expiry:   2000000000,
			Sequence: 4,
			Recipients: []channel.Recipient{
				{Address: receiver, Amount: big.NewInt(300)},
			},
		},
	})

	state, err := store.Get(context.Background(), testID)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), state.Sequence)

	recipients := []channel.Recipient{{Address: receiver, Amount: big.NewInt(400)}}
	next, err := store.ApplyUpdate(context.Background(), testID, 5, recipients, "0xsig", 1700000001)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), next.Sequence)
}
