package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	exchangeType    = "topic"
	contentTypeJSON = "application/json"
)

// publisher is the part of an AMQP channel the notifier uses.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQ publishes notifications to a topic exchange. The routing key is
// "test.<stage>.<passed|failed>".
type RabbitMQ struct {
	conn     *amqp.Connection
	exchange string
	logger   *slog.Logger

	mu      sync.Mutex
	channel publisher
	open    func() (publisher, error)
}

// NewRabbitMQ connects to url and declares exchange.
func NewRabbitMQ(url, exchange string, logger *slog.Logger) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	logger.Info("RabbitMQ connection established", "exchange", exchange)

	closeChan := make(chan *amqp.Error, 1)
	conn.NotifyClose(closeChan)
	go func() {
		if amqpErr := <-closeChan; amqpErr != nil {
			logger.Error("RabbitMQ connection closed unexpectedly", "error", amqpErr.Error())
		}
	}()

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, exchangeType, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	r := &RabbitMQ{conn: conn, exchange: exchange, logger: logger, channel: ch}
	r.open = func() (publisher, error) { return conn.Channel() }
	return r, nil
}

// Notify publishes n as a persistent JSON message.
func (r *RabbitMQ) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         body,
		Headers: amqp.Table{
			"test_id": strconv.FormatInt(n.TestID, 10),
		},
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.channel == nil {
		ch, err := r.open()
		if err != nil {
			return fmt.Errorf("failed to reopen channel: %w", err)
		}
		r.channel = ch
	}

	if err := r.channel.PublishWithContext(ctx, r.exchange, RoutingKey(n), false, false, msg); err != nil {
		// A failed publish closes the channel; open a fresh one next time.
		r.channel.Close()
		r.channel = nil
		return fmt.Errorf("failed to publish notification for test %d: %w", n.TestID, err)
	}
	return nil
}

// Close closes the channel and connection.
func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channel != nil {
		r.channel.Close()
		r.channel = nil
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

// RoutingKey returns the routing key for n.
func RoutingKey(n Notification) string {
	stage := n.Stage
	if stage == "" {
		stage = "ab"
	}
	outcome := "failed"
	if n.Success {
		outcome = "passed"
	}
	return "test." + stage + "." + outcome
}
