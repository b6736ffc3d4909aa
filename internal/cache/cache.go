package cache

import (
	"context"
	"time"
)

// StockCache holds per-product stock snapshots keyed by warehouse code. It is
// read-through only: every stock mutation invalidates the product's entry.
type StockCache interface {
	Get(ctx context.Context, productID string) (map[string]int, bool, error)
	Set(ctx context.Context, productID string, levels map[string]int, ttl time.Duration) error
	Invalidate(ctx context.Context, productID string) error
}

type NoopStockCache struct{}

func (NoopStockCache) Get(_ context.Context, _ string) (map[string]int, bool, error) {
	return nil, false, nil
}

func (NoopStockCache) Set(_ context.Context, _ string, _ map[string]int, _ time.Duration) error {
	return nil
}

func (NoopStockCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
