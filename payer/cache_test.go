package payer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ownerA = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	ownerB = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
	chanA  = "0x1100000000000000000000000000000000000000000000000000000000000011"
	chanB  = "0x2200000000000000000000000000000000000000000000000000000000000022"
)

func TestCachePutGet(t *testing.T) {
	cache := NewChannelCache(filepath.Join(t.TempDir(), "channels.json"))

	assert.Empty(t, cache.Get(ownerA))
	require.NoError(t, cache.Put(ownerA, chanA))
	assert.Equal(t, chanA, cache.Get(ownerA))

	require.NoError(t, cache.Put(ownerA, chanB))
	assert.Equal(t, chanB, cache.Get(ownerA))
}

func TestCacheSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channels.json")

	first := NewChannelCache(path)
	require.NoError(t, first.Put(ownerA, chanA))
	require.NoError(t, first.Put(ownerB, chanB))

	second := NewChannelCache(path)
	assert.Equal(t, chanA, second.Get(ownerA))
	assert.Equal(t, chanB, second.Get(ownerB))
}

func TestCacheInvalidate(t *testing.T) {
	cache := NewChannelCache(filepath.Join(t.TempDir(), "channels.json"))

	require.NoError(t, cache.Put(ownerA, chanA))
	require.NoError(t, cache.Put(ownerB, chanB))
	require.NoError(t, cache.Invalidate(ownerA))

	assert.Empty(t, cache.Get(ownerA))
	assert.Equal(t, chanB, cache.Get(ownerB))

	// Invalidating an absent entry is a no-op.
	require.NoError(t, cache.Invalidate(ownerA))
}

func TestCacheToleratesCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channels.json")
	cache := NewChannelCache(path)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	assert.Empty(t, cache.Get(ownerA))
	require.NoError(t, cache.Put(ownerA, chanA))
	assert.Equal(t, chanA, cache.Get(ownerA))
}
