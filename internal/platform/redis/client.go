// Package redis owns the shared connection the stream transport multiplexes
// its frame and control topics over.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"invigil/internal/platform/config"
)

// Client is the process-wide redis connection used for pub/sub and health
// reporting.
type Client struct {
	*redis.Client
}

// New dials redis from the transport configuration and verifies the
// connection. A blank URL means no redis is configured and yields a nil
// client, letting the caller fall back to the in-process transport.
func New(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{Client: client}, nil
}

// Health reports whether the connection still answers.
func (c *Client) Health(ctx context.Context) error {
	return c.Ping(ctx).Err()
}
