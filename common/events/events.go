// Package events fans completion notifications out over Redis pub/sub.
// Delivery is best effort: an event published while nobody is subscribed is gone.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lyzr/mediacache/common/apperr"
	"github.com/lyzr/mediacache/common/logger"
	mcredis "github.com/lyzr/mediacache/common/redis"
)

// Type names the kind of event
type Type string

const (
	TypeConnected          Type = "connected"
	TypeOCRComplete        Type = "ocr_complete"
	TypeCacheAssetComplete Type = "cache_asset_complete"
)

// Logical channels browsers subscribe to
const (
	ChannelOCR         = "ocr"
	ChannelCacheAssets = "cache-assets"
)

// Event is the JSON body of one pub/sub message
type Event struct {
	Type      Type      `json:"type"`
	EntityID  string    `json:"entityId,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Emitter is what producers depend on
type Emitter interface {
	Publish(ctx context.Context, channel string, ev Event) error
}

// Publisher shares one Redis connection pool across every publish call in the process
type Publisher struct {
	client *mcredis.Client
	prefix string
	log    *logger.Logger
}

// NewPublisher creates a publisher; prefix namespaces the Redis channels
func NewPublisher(client *mcredis.Client, prefix string, log *logger.Logger) *Publisher {
	return &Publisher{client: client, prefix: prefix, log: log}
}

// Publish sends ev on channel. Zero receivers is not an error.
func (p *Publisher) Publish(ctx context.Context, channel string, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	receivers, err := p.client.PublishEvent(ctx, redisChannel(p.prefix, channel), body)
	if err != nil {
		return err
	}
	p.log.Debug("event published", "channel", channel, "type", ev.Type, "entity_id", ev.EntityID, "receivers", receivers)
	return nil
}

// Subscriber opens one dedicated pub/sub connection per subscription
type Subscriber struct {
	client *mcredis.Client
	prefix string
	log    *logger.Logger
}

// NewSubscriber creates a subscriber
func NewSubscriber(client *mcredis.Client, prefix string, log *logger.Logger) *Subscriber {
	return &Subscriber{client: client, prefix: prefix, log: log}
}

// Subscribe confirms the subscription before returning, so events published afterwards are delivered
func (s *Subscriber) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	if err := ValidateChannel(channel); err != nil {
		return nil, err
	}

	ps, err := s.client.Subscribe(ctx, redisChannel(s.prefix, channel))
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		ps:       ps,
		messages: make(chan []byte, 64),
		done:     make(chan struct{}),
	}
	go sub.forward(s.log.With("channel", channel))
	return sub, nil
}

// Subscription is one live pub/sub connection. Close it exactly when the consumer goes away.
type Subscription struct {
	ps       *redis.PubSub
	messages chan []byte
	done     chan struct{}
	once     sync.Once
}

// Messages yields raw payloads verbatim; it is closed after Close
func (s *Subscription) Messages() <-chan []byte {
	return s.messages
}

// Close unsubscribes and releases the connection
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (s *Subscription) forward(log *logger.Logger) {
	defer close(s.messages)
	in := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.messages <- []byte(msg.Payload):
			case <-s.done:
				return
			default:
				log.Warn("subscriber too slow, dropping event", "size", len(msg.Payload))
			}
		}
	}
}

// ValidateChannel restricts channel names to something safe to embed in a Redis channel
func ValidateChannel(channel string) error {
	if channel == "" || len(channel) > 64 {
		return apperr.Validation("channel", "invalid channel %q", channel)
	}
	for _, r := range channel {
		ok := r == '-' || r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			return apperr.Validation("channel", "invalid channel %q", channel)
		}
	}
	return nil
}

func redisChannel(prefix, channel string) string {
	if prefix == "" {
		return channel
	}
	return strings.TrimSuffix(prefix, ":") + ":" + channel
}
