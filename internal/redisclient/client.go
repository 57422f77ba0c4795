package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// SetOrderStatus caches an order's status for the read path. Terminal
// statuses get a long TTL; PENDING a short one so reads re-check the
// ledger and the gateway.
func (c *Client) SetOrderStatus(ctx context.Context, orderNo, status string, ttl time.Duration) error {
	return c.rdb.Set(ctx, orderStatusKey(orderNo), status, ttl).Err()
}

// GetOrderStatus returns the cached status, or "" on a miss.
func (c *Client) GetOrderStatus(ctx context.Context, orderNo string) (string, error) {
	status, err := c.rdb.Get(ctx, orderStatusKey(orderNo)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return status, nil
}

// InvalidateOrderStatus drops the cached status after a transition.
func (c *Client) InvalidateOrderStatus(ctx context.Context, orderNo string) error {
	return c.rdb.Del(ctx, orderStatusKey(orderNo)).Err()
}

// MarkNotifySeen records a (merchant order, transaction) notification
// pair with a TTL. Purely a fast path; the settlement transaction is the
// authoritative idempotency guard.
func (c *Client) MarkNotifySeen(ctx context.Context, outTradeNo, transactionID string, ttl time.Duration) error {
	return c.rdb.Set(ctx, notifyKey(outTradeNo, transactionID), "1", ttl).Err()
}

// NotifySeen checks the notification fast path.
func (c *Client) NotifySeen(ctx context.Context, outTradeNo, transactionID string) (bool, error) {
	result, err := c.rdb.Exists(ctx, notifyKey(outTradeNo, transactionID)).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

// AcquireLock acquires a distributed lock (expiry sweep leadership)
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:%s", lockKey)).Err()
}

func orderStatusKey(orderNo string) string {
	return fmt.Sprintf("order:status:%s", orderNo)
}

func notifyKey(outTradeNo, transactionID string) string {
	return fmt.Sprintf("notify:%s:%s", outTradeNo, transactionID)
}
