package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/warp/repair-engine/engine"
)

// =============================================================================
// AMQP PUBLISHER - RabbitMQ sink
// =============================================================================

// DefaultQueue is used when no queue name is configured.
const DefaultQueue = "repair.notifications"

// channel is the part of *amqp.Channel the publisher uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// AMQPPublisher publishes each delivery as a persistent JSON message on a
// durable queue through the default exchange. The channel is opened lazily
// and reopened after a failed publish.
type AMQPPublisher struct {
	Queue  string
	Logger *zap.Logger
	Clock  engine.Clock

	connect func() (channel, error)

	mu sync.Mutex
	ch channel
}

// NewAMQPPublisher dials url and declares queue. The connection is verified
// up front so misconfiguration shows at startup.
func NewAMQPPublisher(url, queue string, logger *zap.Logger) (*AMQPPublisher, error) {
	if queue == "" {
		queue = DefaultQueue
	}
	p := &AMQPPublisher{
		Queue:  queue,
		Logger: logger,
		Clock:  engine.SystemClock{},
	}
	p.connect = func() (channel, error) { return dialQueue(url, queue) }

	ch, err := p.connect()
	if err != nil {
		return nil, err
	}
	p.ch = ch
	return p, nil
}

// connChannel closes its connection together with the channel.
type connChannel struct {
	*amqp.Channel
	conn *amqp.Connection
}

func (c connChannel) Close() error {
	_ = c.Channel.Close()
	return c.conn.Close()
}

func dialQueue(url, queue string) (channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	// Durable so messages survive broker restarts.
	if _, err := ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // args
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq: declare %s: %w", queue, err)
	}
	return connChannel{Channel: ch, conn: conn}, nil
}

func (p *AMQPPublisher) Notify(ctx context.Context, to engine.Audience, ev engine.Event) error {
	now := p.Clock.Now()
	body, err := json.Marshal(NewMessage(to, ev, now))
	if err != nil {
		return fmt.Errorf("rabbitmq: marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil || p.ch.IsClosed() {
		ch, err := p.connect()
		if err != nil {
			return err
		}
		p.ch = ch
	}

	err = p.ch.PublishWithContext(ctx,
		"",      // default exchange
		p.Queue, // routing key = queue name
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    now,
			Type:         string(ev.Kind),
			Body:         body,
		},
	)
	if err != nil {
		_ = p.ch.Close()
		p.ch = nil
		return fmt.Errorf("rabbitmq: publish %s: %w", ev.Kind, err)
	}
	return nil
}

// Close releases the channel and its connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	return err
}

// PublishTimeout bounds a single publish when the caller's context has no
// deadline.
const PublishTimeout = 5 * time.Second

// WithTimeout wraps a Notifier so every call gets at most d.
func WithTimeout(n engine.Notifier, d time.Duration) engine.Notifier {
	return engine.NotifierFunc(func(ctx context.Context, to engine.Audience, ev engine.Event) error {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return n.Notify(ctx, to, ev)
	})
}
