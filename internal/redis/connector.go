package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/unitbridge/unitbridge/internal/logger"
)

// ConnectOptions defines how to reach the optional snapshot sink.
type ConnectOptions struct {
	Addr        string        // ex: "localhost:6379"
	User        string        // optional
	Password    string        // optional
	DB          int           // redis DB number
	DialTimeout time.Duration // per-dial timeout
	PingTimeout time.Duration // timeout for the initial ping
}

// New creates a redis client and verifies it with one ping. The sink is an
// optional extra, so unlike the bus connection there is no retry loop here;
// the caller decides whether an unreachable sink is tolerable.
func New(ctx context.Context, opts ConnectOptions, log logger.Logger) (*redis.Client, error) {
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Username:    opts.User,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis unavailable at %s: %w", opts.Addr, err)
	}

	log.Info("connected to redis", logger.String("addr", opts.Addr))
	return client, nil
}
