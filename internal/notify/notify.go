// Package notify publishes worker lifecycle events for external
// consumers (capacity dashboards, autoscaler feedback loops) without
// coupling the provisioner or scanner to who's listening.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is one worker lifecycle transition.
type Event struct {
	WorkerPoolID string    `json:"workerPoolId"`
	WorkerID     string    `json:"workerId"`
	State        string    `json:"state"`
	Reason       string    `json:"reason,omitempty"`
	At           time.Time `json:"at"`
}

// Notifier publishes worker lifecycle events.
type Notifier interface {
	Publish(ctx context.Context, event Event) error
}

// RedisNotifier publishes events to a Redis pub/sub channel, mirroring
// the escalation engine's ack/escalated channel convention.
type RedisNotifier struct {
	rdb     *redis.Client
	channel string
}

// NewRedisNotifier creates a Notifier that publishes to the given
// channel.
func NewRedisNotifier(rdb *redis.Client, channel string) *RedisNotifier {
	if channel == "" {
		channel = "vmfleet:worker:events"
	}
	return &RedisNotifier{rdb: rdb, channel: channel}
}

// Publish implements Notifier.
func (n *RedisNotifier) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling worker event: %w", err)
	}
	if err := n.rdb.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing worker event: %w", err)
	}
	return nil
}
