package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinRandomLandsInExactlyOnePartition(t *testing.T) {
	rs, _ := newTestRedis(t)
	pool := &PoolService{Redis: rs, Partitions: 3}
	ctx := context.Background()

	partition, err := pool.JoinRandom(ctx, "u1")
	require.NoError(t, err)
	assert.Contains(t, pool.PartitionKeys(), partition)

	found := 0
	for _, p := range pool.PartitionKeys() {
		members, err := pool.Members(ctx, p)
		require.NoError(t, err)
		for _, m := range members {
			if m == "u1" {
				found++
			}
		}
	}
	assert.Equal(t, 1, found)
}

func TestRemoveEverywhere(t *testing.T) {
	rs, _ := newTestRedis(t)
	pool := &PoolService{Redis: rs, Partitions: 3}
	ctx := context.Background()

	// Force the entry into every partition to prove the scrub covers all.
	for _, p := range pool.PartitionKeys() {
		require.NoError(t, pool.Join(ctx, p, "u1"))
	}
	require.NoError(t, pool.RemoveEverywhere(ctx, "u1"))

	sizes, err := pool.Sizes(ctx)
	require.NoError(t, err)
	for p, n := range sizes {
		assert.Zero(t, n, "partition %s not scrubbed", p)
	}
}

func TestPopRandomConsumesEntry(t *testing.T) {
	rs, _ := newTestRedis(t)
	pool := &PoolService{Redis: rs, Partitions: 1}
	ctx := context.Background()

	partition := pool.PartitionKeys()[0]
	require.NoError(t, pool.Join(ctx, partition, "u1"))

	id, err := pool.PopRandom(ctx, partition)
	require.NoError(t, err)
	assert.Equal(t, "u1", id)

	n, err := pool.Size(ctx, partition)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Popping an empty partition is a normal miss.
	id, err = pool.PopRandom(ctx, partition)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestShuffledPartitionsCoverAll(t *testing.T) {
	pool := &PoolService{Partitions: 5}
	assert.ElementsMatch(t, pool.PartitionKeys(), pool.ShuffledPartitions())
}
