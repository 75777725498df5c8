package core

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisTimeout = 2 * time.Second

type RedisOptions struct {
	Host     string
	Port     int
	DB       int
	Password string
	// Timeout bounds dialing, each read/write and the liveness ping.
	Timeout time.Duration
}

func (o RedisOptions) withDefaults() RedisOptions {
	out := o
	if out.Host == "" {
		out.Host = "localhost"
	}
	if out.Port <= 0 {
		out.Port = 6379
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultRedisTimeout
	}
	return out
}

func (o RedisOptions) clientOptions() *redis.Options {
	return &redis.Options{
		Addr:         net.JoinHostPort(o.Host, strconv.Itoa(o.Port)),
		DB:           o.DB,
		Password:     o.Password,
		DialTimeout:  o.Timeout,
		ReadTimeout:  o.Timeout,
		WriteTimeout: o.Timeout,
		PoolTimeout:  o.Timeout,
		MaxRetries:   -1,
	}
}

// RedisConn owns the one client a process shares. Every Client call checks
// the current client with PING and rebuilds it when the ping fails.
type RedisConn struct {
	opts    *redis.Options
	timeout time.Duration

	mu     sync.Mutex
	client *redis.Client
}

func NewRedisConn(o RedisOptions) *RedisConn {
	o = o.withDefaults()
	return &RedisConn{opts: o.clientOptions(), timeout: o.Timeout}
}

// NewRedisConnFromClient adopts an existing client; reconnects reuse its options.
func NewRedisConnFromClient(client *redis.Client) *RedisConn {
	timeout := client.Options().DialTimeout
	if timeout <= 0 {
		timeout = DefaultRedisTimeout
	}
	return &RedisConn{opts: client.Options(), timeout: timeout, client: client}
}

func (c *RedisConn) Client(ctx context.Context) (*redis.Client, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	if client != nil {
		if err := c.ping(ctx, client); err == nil {
			return client, nil
		}
		c.drop(client)
	}

	fresh := redis.NewClient(c.opts)
	if err := c.ping(ctx, fresh); err != nil {
		_ = fresh.Close()
		return nil, fmt.Errorf("redis connect %s: %w", c.opts.Addr, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		// another caller reconnected first
		_ = fresh.Close()
		return c.client, nil
	}
	c.client = fresh
	return fresh, nil
}

func (c *RedisConn) Addr() string { return c.opts.Addr }

func (c *RedisConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

func (c *RedisConn) ping(ctx context.Context, client *redis.Client) error {
	pctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return client.Ping(pctx).Err()
}

func (c *RedisConn) drop(client *redis.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == client {
		_ = c.client.Close()
		c.client = nil
	}
}
