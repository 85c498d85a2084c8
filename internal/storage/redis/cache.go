package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gomodule/redigo/redis"
	jsoniter "github.com/json-iterator/go"

	"liquiditySync/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	pricePrefix = "price:"
	statePrefix = "state:"
)

// Cache is the optional distributed cache shared between syncer instances.
type Cache struct {
	rp  *redis.Pool
	ttl time.Duration
}

// NewCache dials lazily through a redigo pool.
func NewCache(redisURL string, ttl time.Duration) (*Cache, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	rp := &redis.Pool{
		Dial: func() (redis.Conn, error) {
			return redis.DialURL(redisURL)
		},
		MaxIdle:     8,
		IdleTimeout: 5 * time.Minute,
	}
	return &Cache{rp: rp, ttl: ttl}, nil
}

func (c *Cache) Close() error {
	return c.rp.Close()
}

// Ping checks connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	conn, err := c.rp.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("get redis conn: %w", err)
	}
	defer conn.Close()
	_, err = conn.Do("PING")
	return err
}

func priceKey(token common.Address) string {
	return pricePrefix + strings.ToLower(token.Hex())
}

func stateKey(pool common.Address) string {
	return statePrefix + strings.ToLower(pool.Hex())
}

// GetPrices returns the cached price records that exist for tokens.
func (c *Cache) GetPrices(ctx context.Context, tokens []common.Address) (map[common.Address]model.PriceRecord, error) {
	if len(tokens) == 0 {
		return map[common.Address]model.PriceRecord{}, nil
	}
	replies, err := c.mget(ctx, tokens, priceKey)
	if err != nil {
		return nil, err
	}
	return decodePrices(tokens, replies), nil
}

// SetPrices stores price records with the cache TTL.
func (c *Cache) SetPrices(ctx context.Context, prices map[common.Address]model.PriceRecord) error {
	if len(prices) == 0 {
		return nil
	}
	values := make(map[string][]byte, len(prices))
	for token, record := range prices {
		b, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal price record: %w", err)
		}
		values[priceKey(token)] = b
	}
	return c.setEx(ctx, values)
}

// GetStates returns cached state records for pools.
func (c *Cache) GetStates(ctx context.Context, pools []common.Address) (map[common.Address]model.StateRecord, error) {
	if len(pools) == 0 {
		return map[common.Address]model.StateRecord{}, nil
	}
	replies, err := c.mget(ctx, pools, stateKey)
	if err != nil {
		return nil, err
	}
	return decodeStates(pools, replies)
}

// SetStates stores state records with the cache TTL.
func (c *Cache) SetStates(ctx context.Context, records map[common.Address]model.StateRecord) error {
	if len(records) == 0 {
		return nil
	}
	values := make(map[string][]byte, len(records))
	for pool, record := range records {
		b, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal state record: %w", err)
		}
		values[stateKey(pool)] = b
	}
	return c.setEx(ctx, values)
}

func (c *Cache) mget(ctx context.Context, addrs []common.Address, key func(common.Address) string) ([][]byte, error) {
	conn, err := c.rp.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("get redis conn: %w", err)
	}
	defer conn.Close()

	args := make([]interface{}, len(addrs))
	for i, addr := range addrs {
		args[i] = key(addr)
	}
	replies, err := redis.ByteSlices(conn.Do("MGET", args...))
	if err != nil {
		if errors.Is(err, redis.ErrNil) {
			return make([][]byte, len(addrs)), nil
		}
		return nil, fmt.Errorf("mget: %w", err)
	}
	return replies, nil
}

func (c *Cache) setEx(ctx context.Context, values map[string][]byte) error {
	conn, err := c.rp.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("get redis conn: %w", err)
	}
	defer conn.Close()

	seconds := int64(c.ttl / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	for key, value := range values {
		if err := conn.Send("SET", key, value, "EX", seconds); err != nil {
			return fmt.Errorf("queue set: %w", err)
		}
	}
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	for range values {
		if _, err := conn.Receive(); err != nil {
			return fmt.Errorf("set: %w", err)
		}
	}
	return nil
}

// decodePrices skips entries that are missing, unreadable, non-positive or
// carry no observation time.
func decodePrices(tokens []common.Address, replies [][]byte) map[common.Address]model.PriceRecord {
	out := make(map[common.Address]model.PriceRecord, len(tokens))
	for i, token := range tokens {
		if i >= len(replies) || replies[i] == nil {
			continue
		}
		var record model.PriceRecord
		if err := json.Unmarshal(replies[i], &record); err != nil {
			continue
		}
		if record.USD <= 0 || record.ObservedAt.IsZero() {
			continue
		}
		out[token] = record
	}
	return out
}

func decodeStates(pools []common.Address, replies [][]byte) (map[common.Address]model.StateRecord, error) {
	out := make(map[common.Address]model.StateRecord, len(pools))
	for i, pool := range pools {
		if i >= len(replies) || replies[i] == nil {
			continue
		}
		var record model.StateRecord
		if err := json.Unmarshal(replies[i], &record); err != nil {
			return nil, fmt.Errorf("unmarshal state record %s: %w", pool.Hex(), err)
		}
		out[pool] = record
	}
	return out, nil
}
