/*
Package notify delivers lending notifications.

IMPLEMENTATIONS:
  RedisBus:    PUBLISH each event as JSON on a channel; consumers push it on
  LogNotifier: structured log line per event
  Fanout:      sends to several notifiers, collecting errors

Delivery is at least once from the engine's side; consumers deduplicate.
*/
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/warp/loan-ledger/lending"
	"go.uber.org/zap"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "loanledger:notifications"

// Publisher is the part of a redis client the bus needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisBus publishes notifications to a Redis channel.
type RedisBus struct {
	client  Publisher
	channel string
	log     *zap.Logger
}

var _ lending.Notifier = (*RedisBus)(nil)

func NewRedisBus(client Publisher, channel string, log *zap.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisBus{client: client, channel: channel, log: log}
}

func (b *RedisBus) Channel() string { return b.channel }

// Notify publishes n. A zero receiver count is not an error: nobody is
// subscribed yet.
func (b *RedisBus) Notify(ctx context.Context, n lending.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	receivers, err := b.client.Publish(ctx, b.channel, string(payload)).Result()
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	b.log.Debug("notification published",
		zap.String("channel", b.channel),
		zap.String("recipient", string(n.RecipientID)),
		zap.Int64("receivers", receivers))
	return nil
}

// Connect opens a redis client and pings it.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}
