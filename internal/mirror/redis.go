package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/windsim/simrunner/internal/model"

	goredis "github.com/redis/go-redis/v9"
)

// Redis publishes every event on the channel <prefix>:<job id>.
type Redis struct {
	rdb    *goredis.Client
	prefix string
}

// NewRedis connects to cfg.URL and fails when the server does not answer
// a ping.
func NewRedis(ctx context.Context, cfg model.RedisMirror) (*Redis, error) {
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing mirror.redis.url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	rdb := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{rdb: rdb, prefix: cfg.Prefix}, nil
}

func (r *Redis) Name() string { return "redis" }

// Channel returns the channel events of jobID are published on.
func (r *Redis) Channel(jobID string) string {
	return Channel(r.prefix, jobID)
}

func Channel(prefix, jobID string) string {
	return prefix + ":" + jobID
}

func (r *Redis) Publish(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	pipe := r.rdb.Pipeline()
	for _, ev := range events {
		raw, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("serialize event: %w", err)
		}
		pipe.Publish(ctx, r.Channel(ev.JobID), raw)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
