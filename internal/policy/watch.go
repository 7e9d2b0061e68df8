package policy

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	versionKey  = "policy:version"
	bumpChannel = "policy.bump"
)

// Watcher propagates grant mutations across processes. A mutation bumps the
// Redis version key and publishes it; every subscribed process reloads its
// snapshot. A nil Watcher (no Redis) degrades to local-only reloads.
type Watcher struct {
	client *redis.Client
	engine *Engine
	logger *slog.Logger
}

// NewWatcher constructs a watcher for the engine.
func NewWatcher(client *redis.Client, engine *Engine, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{client: client, engine: engine, logger: logger}
}

// Bump increments the shared policy version and notifies subscribers.
func (w *Watcher) Bump(ctx context.Context) error {
	if w == nil || w.client == nil {
		return nil
	}
	ver, err := w.client.Incr(ctx, versionKey).Result()
	if err != nil {
		return err
	}
	return w.client.Publish(ctx, bumpChannel, strconv.FormatInt(ver, 10)).Err()
}

// Listen subscribes to bump notifications and reloads the snapshot on each
// one. It returns after starting the subscriber goroutine; the goroutine
// exits with the context.
func (w *Watcher) Listen(ctx context.Context) error {
	if w == nil || w.client == nil {
		return nil
	}
	pubsub := w.client.Subscribe(ctx, bumpChannel)
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := w.engine.Reload(ctx); err != nil {
					w.logger.Error("policy reload failed", slog.String("version", msg.Payload), slog.Any("error", err))
					continue
				}
				w.logger.Info("policy snapshot reloaded", slog.String("version", msg.Payload))
			}
		}
	}()
	return nil
}
