package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis_db "github.com/coilworks/relay/internal/redis-db"

	"github.com/coilworks/relay/config"
	"github.com/coilworks/relay/model"

	"github.com/go-redis/cache/v9"
)

// Cache stores outgoing payment snapshots for the scheduler's ready-queue
// path: payment bodies keyed by payment id, read back on the next tick so
// the row body does not have to be re-read from storage.
type Cache interface {
	SetPayment(ctx context.Context, payment *model.OutgoingPayment, ttl time.Duration) error
	GetPayment(ctx context.Context, paymentID string) (*model.OutgoingPayment, error)
	EvictPayment(ctx context.Context, paymentID string) error
}

func NewCache() (Cache, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	ca, err := newSnapshotCache([]string{fmt.Sprintf("redis://%s", cfg.Redis.Dns)})
	if err != nil {
		return nil, err
	}
	return ca, nil
}

const cacheSize = 128000

func snapshotKey(paymentID string) string {
	return "relay:payment:snapshot:" + paymentID
}

// SnapshotCache backs the payment snapshots with redis plus a TinyLFU local
// tier, so hot snapshots never leave the process.
type SnapshotCache struct {
	cache *cache.Cache
}

func newSnapshotCache(addresses []string) (*SnapshotCache, error) {
	client, err := redis_db.NewRedisClient(addresses)
	if err != nil {
		return nil, err
	}

	c := cache.New(&cache.Options{
		Redis:      client.Client(),
		LocalCache: cache.NewTinyLFU(cacheSize, 1*time.Minute),
	})

	return &SnapshotCache{cache: c}, nil
}

func (s *SnapshotCache) SetPayment(ctx context.Context, payment *model.OutgoingPayment, ttl time.Duration) error {
	return s.cache.Set(&cache.Item{
		Ctx:   ctx,
		Key:   snapshotKey(payment.PaymentID),
		Value: payment,
		TTL:   ttl,
	})
}

// GetPayment returns the cached snapshot, or (nil, nil) on a miss.
func (s *SnapshotCache) GetPayment(ctx context.Context, paymentID string) (*model.OutgoingPayment, error) {
	payment := &model.OutgoingPayment{}
	err := s.cache.Get(ctx, snapshotKey(paymentID), payment)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return payment, nil
}

func (s *SnapshotCache) EvictPayment(ctx context.Context, paymentID string) error {
	return s.cache.Delete(ctx, snapshotKey(paymentID))
}
