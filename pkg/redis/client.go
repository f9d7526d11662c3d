package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Client wraps the go-redis client used as the job broker connection.
type Client struct {
	*redis.Client
	logger *zap.Logger
}

// NewClient creates a broker client and verifies connectivity. If url is set it is
// parsed as a redis:// / rediss:// connection string; otherwise addr/password/db
// are used directly.
func NewClient(ctx context.Context, url, addr, password string, db int, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var opts *redis.Options
	if url != "" {
		parsed, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("parse broker url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	logger.Info("broker connected", zap.String("addr", opts.Addr))
	return &Client{Client: rdb, logger: logger}, nil
}
