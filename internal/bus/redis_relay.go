package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultChannelPrefix = "dispatch:"

type envelope struct {
	Node    string          `json:"node"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RedisRelay mirrors bus traffic onto Redis pub/sub channels named
// "dispatch:<topic>" and delivers messages other publishers put there to
// local subscribers. It does not share matching state: one dispatch instance
// owns offers, acceptances and driver reservations, so an accept must reach
// the instance that made the offer.
type RedisRelay struct {
	local  *Bus
	client *redis.Client
	prefix string
	node   string
	logger *slog.Logger
}

func NewRedisRelay(local *Bus, client *redis.Client, logger *slog.Logger) *RedisRelay {
	return &RedisRelay{
		local:  local,
		client: client,
		prefix: defaultChannelPrefix,
		node:   uuid.NewString(),
		logger: logger.With("component", "bus_relay"),
	}
}

// Publish delivers locally first, then forwards to the other nodes. A Redis
// failure is reported as ErrUnavailable together with the local count.
func (r *RedisRelay) Publish(ctx context.Context, topic string, msg Message) (int, error) {
	n, _ := r.local.Publish(ctx, topic, msg)
	b, err := json.Marshal(envelope{Node: r.node, Type: msg.Type, Payload: msg.Payload})
	if err != nil {
		return n, fmt.Errorf("encode relay envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.prefix+topic, b).Err(); err != nil {
		return n, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

// Run consumes relayed messages until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	ps := r.client.PSubscribe(ctx, r.prefix+"*")
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	r.logger.Info("relay subscribed", "pattern", r.prefix+"*", "node", r.node)
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			r.deliver(ctx, m.Channel, m.Payload)
		}
	}
}

// deliver republishes a relayed message on the local bus, skipping the
// node's own publishes. It reports whether the message was delivered.
func (r *RedisRelay) deliver(ctx context.Context, channel, payload string) bool {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Warn("invalid relay message", "channel", channel, "error", err)
		return false
	}
	if env.Node == r.node || !strings.HasPrefix(channel, r.prefix) {
		return false
	}
	_, _ = r.local.Publish(ctx, strings.TrimPrefix(channel, r.prefix), Message{Type: env.Type, Payload: env.Payload})
	return true
}
