package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

// Deduper records which event ids were already handed to the publisher.
type Deduper interface {
	// Claim reports whether the caller is the first to claim id.
	Claim(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) error
}

type RedisDeduper struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, prefix string, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, prefix: prefix, ttl: ttl}
}

func (d *RedisDeduper) Claim(ctx context.Context, id string) (bool, error) {
	return d.client.SetNX(ctx, d.prefix+id, time.Now().UTC().Format(time.RFC3339Nano), d.ttl).Result()
}

func (d *RedisDeduper) Release(ctx context.Context, id string) error {
	return d.client.Del(ctx, d.prefix+id).Err()
}

// OpenRedis connects and pings the server.
func OpenRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Dispatcher publishes each committed transition once. A nil Deduper turns
// off duplicate suppression.
type Dispatcher struct {
	pub    Publisher
	dedupe Deduper
	log    *slog.Logger
}

func NewDispatcher(pub Publisher, dedupe Deduper, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{pub: pub, dedupe: dedupe, log: log}
}

func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	if d == nil || d.pub == nil {
		return nil
	}
	log := d.log.With(slog.String("event_id", ev.ID), slog.String("type", ev.Type))

	claimed := false
	if d.dedupe != nil {
		ok, err := d.dedupe.Claim(ctx, ev.ID)
		switch {
		case err != nil:
			// Publishing without a claim risks a duplicate, never a loss.
			log.Warn("dedupe claim failed", slog.Any("err", err))
		case !ok:
			log.Debug("event already dispatched")
			return nil
		default:
			claimed = true
		}
	}

	if err := d.pub.Publish(ctx, ev); err != nil {
		if claimed {
			if rerr := d.dedupe.Release(context.WithoutCancel(ctx), ev.ID); rerr != nil {
				log.Warn("dedupe release failed", slog.Any("err", rerr))
			}
		}
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// DispatchAsync publishes in the background and only logs failures. The
// transition is already committed at this point.
func (d *Dispatcher) DispatchAsync(ctx context.Context, ev Event) {
	if d == nil || d.pub == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := d.Dispatch(ctx, ev); err != nil {
			d.log.Error("dispatch failed", slog.String("event_id", ev.ID), slog.Any("err", err))
		}
	}()
}
