// Package broker bridges chat traffic onto NATS JetStream, the durable
// message bus between the chat write path and any consumer. Messages are
// published with file-backed persistence and consumed through durable
// consumers with explicit acknowledgment, giving at-least-once delivery: a
// handler failure leaves the message unacknowledged for redelivery.
//
// The bridge connects lazily. Publish and Consume establish the connection
// on first use and retry it on the next call after a failure, so a broker
// outage degrades durability without blocking the caller's own delivery path.
package broker

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// StreamName is the JetStream stream holding all classroom topics.
	StreamName = "CLASSCHAT"

	// TopicPrefix is the fixed prefix of every classroom topic.
	TopicPrefix = "chat."

	// MessageMaxAge bounds how long the stream retains messages.
	MessageMaxAge = 7 * 24 * time.Hour
)

// Config holds broker connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "classchat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// Bridge wraps a NATS JetStream connection with the publish/consume
// lifecycle used by the gateway and the audit consumer. All methods are safe
// for concurrent use from multiple rooms' handlers.
type Bridge struct {
	config Config

	mu          sync.Mutex
	nc          *nats.Conn
	js          nats.JetStreamContext
	subs        map[string]*nats.Subscription
	streamReady bool
}

// New creates a Bridge without touching the network. The first Publish,
// Consume, or explicit Connect establishes the connection.
func New(config Config) *Bridge {
	return &Bridge{
		config: config,
		subs:   make(map[string]*nats.Subscription),
	}
}

// Topic derives the durable topic name for a classroom. Characters that are
// not token-safe in broker subjects are replaced.
func Topic(classroomName string) string {
	return TopicPrefix + sanitizeToken(classroomName)
}

// TopicAll matches every classroom topic, for consumers that audit the whole
// bus rather than a single room.
func TopicAll() string {
	return TopicPrefix + ">"
}

// sanitizeToken maps a classroom name onto a single broker subject token.
func sanitizeToken(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

// Connect establishes the broker connection. It is idempotent: when already
// connected it is a no-op.
func (b *Bridge) Connect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectLocked()
}

func (b *Bridge) connectLocked() error {
	if b.nc != nil && !b.nc.IsClosed() {
		return nil
	}

	opts := []nats.Option{
		nats.Name(b.config.Name),
		nats.ReconnectWait(b.config.ReconnectWait),
		nats.MaxReconnects(b.config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[broker] disconnected: %v", err)
			} else {
				log.Printf("[broker] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[broker] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[broker] connection closed")
		}),
	}

	nc, err := nats.Connect(b.config.URL, opts...)
	if err != nil {
		return fmt.Errorf("broker: connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return fmt.Errorf("broker: jetstream: %w", err)
	}

	b.nc = nc
	b.js = js
	b.streamReady = false
	log.Printf("[broker] connected to %s", nc.ConnectedUrl())
	return nil
}

// ensureStreamLocked makes sure the durable stream behind every classroom
// topic exists. Creating an already-existing stream is avoided by checking
// first; both paths leave the stream usable.
func (b *Bridge) ensureStreamLocked() error {
	if b.streamReady {
		return nil
	}

	_, err := b.js.StreamInfo(StreamName)
	if err == nil {
		b.streamReady = true
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("broker: stream info: %w", err)
	}

	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{TopicAll()},
		Storage:  nats.FileStorage, // survives broker restart
		MaxAge:   MessageMaxAge,
	})
	if err != nil {
		return fmt.Errorf("broker: add stream: %w", err)
	}

	b.streamReady = true
	return nil
}

// Publish enqueues payload on the given topic with persistence enabled.
// Delivery is at-least-once: a crash between enqueue and acknowledgment may
// redeliver to consumers.
func (b *Bridge) Publish(topic string, payload []byte) error {
	b.mu.Lock()
	if err := b.connectLocked(); err != nil {
		b.mu.Unlock()
		return err
	}
	if err := b.ensureStreamLocked(); err != nil {
		b.mu.Unlock()
		return err
	}
	js := b.js
	b.mu.Unlock()

	if _, err := js.Publish(topic, payload); err != nil {
		return fmt.Errorf("broker: publish %s: %w", topic, err)
	}
	return nil
}

// Consume registers handler as a durable consumer of topic. The handler
// result drives acknowledgment: nil acks and removes the message, an error
// leaves it unacknowledged for redelivery. Registering the same
// (topic, durable) pair twice is a no-op.
func (b *Bridge) Consume(topic, durable string, handler func(payload []byte) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.connectLocked(); err != nil {
		return err
	}
	if err := b.ensureStreamLocked(); err != nil {
		return err
	}

	durable = sanitizeToken(durable)
	key := durable + ":" + topic
	if _, ok := b.subs[key]; ok {
		return nil
	}

	sub, err := b.js.Subscribe(topic, func(msg *nats.Msg) {
		if err := handler(msg.Data); err != nil {
			log.Printf("[broker] handler %s: %v (left for redelivery)", msg.Subject, err)
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}, nats.Durable(durable), nats.ManualAck())
	if err != nil {
		return fmt.Errorf("broker: subscribe %s: %w", topic, err)
	}

	b.subs[key] = sub
	return nil
}

// Disconnect drains all subscriptions and releases the connection. It is
// safe to call when already disconnected; a later Publish or Consume
// reconnects lazily.
func (b *Bridge) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.nc == nil {
		return
	}

	for key, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[broker] drain %s: %v", key, err)
		}
	}
	b.subs = make(map[string]*nats.Subscription)

	if err := b.nc.Drain(); err != nil {
		log.Printf("[broker] connection drain: %v", err)
	}

	b.nc = nil
	b.js = nil
	b.streamReady = false
	log.Printf("[broker] bridge closed")
}
