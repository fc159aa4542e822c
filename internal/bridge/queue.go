package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const scanQueueKey = "bridge:scans"

// SaleIntent is one scanned item waiting for the till to pick it up. Intents
// are delivered at least once; the event ID lets the till drop duplicates.
type SaleIntent struct {
	ID     string    `json:"id"`
	SKU    string    `json:"sku"`
	Name   string    `json:"name"`
	Price  float64   `json:"price"`
	Qty    float64   `json:"qty"`
	Device string    `json:"device"`
	At     time.Time `json:"at"`
}

// ScanQueue is a Redis-backed FIFO of sale intents.
type ScanQueue struct {
	rdb *redis.Client
}

// NewScanQueue constructs ScanQueue.
func NewScanQueue(rdb *redis.Client) *ScanQueue {
	return &ScanQueue{rdb: rdb}
}

// Push appends an intent and returns it with its event ID stamped.
func (q *ScanQueue) Push(ctx context.Context, intent SaleIntent) (SaleIntent, error) {
	intent.ID = uuid.NewString()
	intent.At = time.Now().UTC()
	payload, err := json.Marshal(intent)
	if err != nil {
		return SaleIntent{}, err
	}
	if err := q.rdb.LPush(ctx, scanQueueKey, payload).Err(); err != nil {
		return SaleIntent{}, fmt.Errorf("bridge: push scan: %w", err)
	}
	return intent, nil
}

// Drain pops up to limit intents in arrival order. Consumers that crash
// mid-batch simply see the remainder on the next call.
func (q *ScanQueue) Drain(ctx context.Context, limit int) ([]SaleIntent, error) {
	if limit <= 0 {
		limit = 50
	}
	out := []SaleIntent{}
	for len(out) < limit {
		raw, err := q.rdb.RPop(ctx, scanQueueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return out, fmt.Errorf("bridge: drain scans: %w", err)
		}
		var intent SaleIntent
		if err := json.Unmarshal([]byte(raw), &intent); err != nil {
			// Skip the poisoned entry rather than wedging the queue.
			continue
		}
		out = append(out, intent)
	}
	return out, nil
}

// Pending reports the queue depth.
func (q *ScanQueue) Pending(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, scanQueueKey).Result()
}
