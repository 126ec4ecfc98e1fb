package messaging

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/creditline/creditline-backend/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const amqpDialTimeout = 10 * time.Second

// amqpChannel is the subset of *amqp.Channel the publisher needs
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQPublisher publishes ledger events to a durable topic exchange using
// the event type as routing key
type RabbitMQPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  amqpChannel
	reopen   func() (amqpChannel, error)
	exchange string
	logger   zerolog.Logger
}

// NewRabbitMQPublisher dials the broker and declares the exchange
func NewRabbitMQPublisher(amqpURL, exchange string, logger zerolog.Logger) (*RabbitMQPublisher, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	// Bounded dial so startup does not hang
	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(amqpDialTimeout)})
	if err != nil {
		return nil, err
	}

	reopen := func() (amqpChannel, error) { return conn.Channel() }
	ch, err := reopen()
	if err != nil {
		conn.Close()
		return nil, err
	}

	p := newRabbitMQPublisher(ch, reopen, exchange, logger)
	p.conn = conn
	if err := p.declare(); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func newRabbitMQPublisher(ch amqpChannel, reopen func() (amqpChannel, error), exchange string, logger zerolog.Logger) *RabbitMQPublisher {
	return &RabbitMQPublisher{
		channel:  ch,
		reopen:   reopen,
		exchange: exchange,
		logger:   logger.With().Str("component", "rabbitmq_publisher").Logger(),
	}
}

func (p *RabbitMQPublisher) declare() error {
	return p.channel.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil)
}

// Publish implements domain.EventPublisher. A failed publish reopens the
// channel once and retries.
func (p *RabbitMQPublisher) Publish(ctx context.Context, event domain.LedgerEvent) error {
	body, err := encodeEvent(event)
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Type:         string(event.Type),
		Timestamp:    event.OccurredAt,
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx, p.exchange, string(event.Type), false, false, msg)
	if err == nil {
		return nil
	}

	p.logger.Warn().Err(err).Str("event_id", event.ID).Msg("Publish failed; reopening channel")
	if p.reopen == nil {
		return err
	}
	ch, chErr := p.reopen()
	if chErr != nil {
		return errors.Join(err, chErr)
	}
	_ = p.channel.Close()
	p.channel = ch
	if err := p.declare(); err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx, p.exchange, string(event.Type), false, false, msg)
}

// Close closes the channel and connection
func (p *RabbitMQPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

// sanitizeAMQPURL strips quotes and stray characters that env files tend to add
func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}
