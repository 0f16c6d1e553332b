// Package kv is the shared key-value client used by every component that
// needs leases, ignore marks, snapshots, or pending-change queues. It
// wraps go-redis the way infrastructures/cache wraps it in the rest of
// this codebase: a thin, JSON-aware convenience layer (including the list
// primitives the queue package uses) plus access to the raw client for
// the lock package's Lua release script.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"cellsync/internal/applog"
)

// ErrKeyNotFound is returned by Fetch/FetchString when the key is absent.
var ErrKeyNotFound = errors.New("kv: key not found")

// Options configures the underlying redis client.
type Options struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	UseSentinel      bool
	SentinelAddrs    []string
	MasterName       string
	SentinelPassword string
}

func (o *Options) normalize() {
	if o.PoolSize == 0 {
		o.PoolSize = 10
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = 3 * time.Second
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 3 * time.Second
	}
}

// Client is a connected KV client.
type Client struct {
	rdb *redis.Client
}

// New dials Redis (standalone or sentinel) and verifies connectivity with
// a short retry loop before returning.
func New(ctx context.Context, opts Options) (*Client, error) {
	opts.normalize()

	var rdb *redis.Client
	if opts.UseSentinel {
		if len(opts.SentinelAddrs) == 0 {
			return nil, errors.New("kv: sentinel mode enabled but no sentinel addrs given")
		}
		if opts.MasterName == "" {
			return nil, errors.New("kv: sentinel mode enabled but no master name given")
		}
		rdb = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:       opts.MasterName,
			SentinelAddrs:    opts.SentinelAddrs,
			SentinelPassword: opts.SentinelPassword,
			Username:         opts.Username,
			Password:         opts.Password,
			DB:               opts.DB,
			PoolSize:         opts.PoolSize,
			MinIdleConns:     opts.MinIdleConns,
			DialTimeout:      opts.DialTimeout,
			ReadTimeout:      opts.ReadTimeout,
			WriteTimeout:     opts.WriteTimeout,
			MaxRetries:       opts.MaxRetries,
		})
	} else {
		rdb = redis.NewClient(&redis.Options{
			Addr:         opts.Addr,
			Username:     opts.Username,
			Password:     opts.Password,
			DB:           opts.DB,
			PoolSize:     opts.PoolSize,
			MinIdleConns: opts.MinIdleConns,
			MaxRetries:   opts.MaxRetries,
			DialTimeout:  opts.DialTimeout,
			ReadTimeout:  opts.ReadTimeout,
			WriteTimeout: opts.WriteTimeout,
		})
	}

	if err := pingWithRetry(ctx, rdb, 3); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("kv: connect failed: %w", err)
	}

	applog.Infof("kv client connected: %s", opts.Addr)
	return &Client{rdb: rdb}, nil
}

// NewFromClient wraps an already-constructed redis.Client; used by tests
// against miniredis.
func NewFromClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

func pingWithRetry(ctx context.Context, rdb *redis.Client, maxRetries int) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := rdb.Ping(ctx).Err(); err != nil {
			lastErr = err
			if !IsRetryable(err) || attempt == maxRetries-1 {
				return err
			}
			time.Sleep(50 * time.Millisecond)
			continue
		}
		return nil
	}
	return lastErr
}

// IsRetryable reports whether err looks like a transient network condition
// worth retrying, rather than a logic error.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Raw exposes the underlying redis client for components (lock) that
// need Lua scripts this wrapper doesn't surface.
func (c *Client) Raw() *redis.Client {
	return c.rdb
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping is a cheap liveness probe of the KV server.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Store JSON-encodes val and sets it at key with the given TTL (0 = no
// expiry).
func (c *Client) Store(ctx context.Context, key string, val any, ttl time.Duration) error {
	data, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("kv: marshal failed for key %s: %w", key, err)
	}
	return c.StoreString(ctx, key, string(data), ttl)
}

// StoreString sets a raw string value at key with the given TTL.
func (c *Client) StoreString(ctx context.Context, key, val string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, val, ttl).Err(); err != nil {
		return fmt.Errorf("kv: store failed for key %s: %w", key, err)
	}
	return nil
}

// Fetch JSON-decodes the value at key into dest.
func (c *Client) Fetch(ctx context.Context, key string, dest any) error {
	s, err := c.FetchString(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(s), dest); err != nil {
		return fmt.Errorf("kv: unmarshal failed for key %s: %w", key, err)
	}
	return nil
}

// FetchString returns the raw string value at key.
func (c *Client) FetchString(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("%w: %s", ErrKeyNotFound, key)
		}
		return "", fmt.Errorf("kv: fetch failed for key %s: %w", key, err)
	}
	return val, nil
}

// Delete removes key; deleting an absent key is not an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kv: delete failed for key %s: %w", key, err)
	}
	return nil
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) bool {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		applog.Errorf("kv: exists check failed for %s: %v", key, err)
		return false
	}
	return n > 0
}

// SetNX sets key to val with ttl only if key is absent; returns whether the
// set happened. Used directly by callers that need a plain compare; the
// Lock Service uses this too but layers its own retry policy on top.
func (c *Client) SetNX(ctx context.Context, key, val string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, val, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv: setnx failed for key %s: %w", key, err)
	}
	return ok, nil
}

// RPush appends a JSON-encoded value to the tail of a list.
func (c *Client) RPush(ctx context.Context, key string, val any) error {
	data, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("kv: marshal failed for list %s: %w", key, err)
	}
	return c.rdb.RPush(ctx, key, data).Err()
}

// LPush prepends a JSON-encoded value to the head of a list; used to
// requeue a failed replay at the front so ordering is preserved.
func (c *Client) LPush(ctx context.Context, key string, val any) error {
	data, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("kv: marshal failed for list %s: %w", key, err)
	}
	return c.rdb.LPush(ctx, key, data).Err()
}

// LPop pops and JSON-decodes the head of a list into dest. Returns
// ErrKeyNotFound if the list is empty.
func (c *Client) LPop(ctx context.Context, key string, dest any) error {
	s, err := c.rdb.LPop(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
		}
		return fmt.Errorf("kv: lpop failed for list %s: %w", key, err)
	}
	return json.Unmarshal([]byte(s), dest)
}

// LLen returns the current length of a list.
func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kv: llen failed for list %s: %w", key, err)
	}
	return n, nil
}
