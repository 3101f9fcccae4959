package services

import (
	"context"
	"math/rand"

	"animochat_server/models"
)

// PoolService is the partitioned waiting pool. An identity seeking a match
// sits in exactly one partition, chosen at random; multiple partitions exist
// only to spread contention across sets.
type PoolService struct {
	Redis      *RedisService
	Partitions int
}

// PartitionKeys returns all partition set keys in stable order.
func (s *PoolService) PartitionKeys() []string {
	keys := make([]string, s.Partitions)
	for i := range keys {
		keys[i] = models.PoolPartitionKey(i)
	}
	return keys
}

// RandomPartition picks one partition uniformly.
func (s *PoolService) RandomPartition() string {
	return models.PoolPartitionKey(rand.Intn(s.Partitions))
}

// ShuffledPartitions returns all partition keys in random visiting order.
func (s *PoolService) ShuffledPartitions() []string {
	keys := s.PartitionKeys()
	rand.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	return keys
}

// Join adds id to one partition.
func (s *PoolService) Join(ctx context.Context, partition, id string) error {
	return s.Redis.AddToSet(ctx, partition, id)
}

// JoinRandom enqueues id into a random partition and reports which one.
func (s *PoolService) JoinRandom(ctx context.Context, id string) (string, error) {
	partition := s.RandomPartition()
	if err := s.Join(ctx, partition, id); err != nil {
		return "", err
	}
	return partition, nil
}

// Leave removes id from one partition. Removing a non-member is a no-op.
func (s *PoolService) Leave(ctx context.Context, partition, id string) error {
	return s.Redis.RemoveFromSet(ctx, partition, id)
}

// RemoveEverywhere scrubs id from every partition, keeping repeated searches
// idempotent.
func (s *PoolService) RemoveEverywhere(ctx context.Context, id string) error {
	for _, partition := range s.PartitionKeys() {
		if err := s.Leave(ctx, partition, id); err != nil {
			return err
		}
	}
	return nil
}

// PopRandom destructively draws a candidate from a partition; "" when empty.
func (s *PoolService) PopRandom(ctx context.Context, partition string) (string, error) {
	return s.Redis.PopRandomFromSet(ctx, partition)
}

// Members lists a partition without consuming it (reaper sweep).
func (s *PoolService) Members(ctx context.Context, partition string) ([]string, error) {
	return s.Redis.SetMembers(ctx, partition)
}

// Size returns one partition's cardinality.
func (s *PoolService) Size(ctx context.Context, partition string) (int, error) {
	return s.Redis.SetCardinality(ctx, partition)
}

// Sizes returns every partition's cardinality, keyed by partition name.
func (s *PoolService) Sizes(ctx context.Context) (map[string]int, error) {
	sizes := make(map[string]int, s.Partitions)
	for _, partition := range s.PartitionKeys() {
		n, err := s.Size(ctx, partition)
		if err != nil {
			return nil, err
		}
		sizes[partition] = n
	}
	return sizes, nil
}
