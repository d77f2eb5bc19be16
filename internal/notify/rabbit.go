// internal/notify/rabbit.go
package notify

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// RabbitClient publishes ingestion events to a durable topic exchange.
type RabbitClient struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

// NewRabbitClient dials the broker and declares the topic exchange.
func NewRabbitClient(url, exchange string) (*RabbitClient, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, eris.Wrap(err, "notify: connect to RabbitMQ")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, eris.Wrap(err, "notify: create channel")
	}
	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false,
		false,
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, eris.Wrapf(err, "notify: declare exchange %s", exchange)
	}

	return &RabbitClient{conn: conn, channel: ch, exchange: exchange}, nil
}

// GetConnection exposes the broker connection for consumers that need their
// own channel.
func (r *RabbitClient) GetConnection() *amqp.Connection {
	return r.conn
}

// Exchange returns the declared exchange name.
func (r *RabbitClient) Exchange() string {
	return r.exchange
}

// PublishInbound fans one event out to the administrators channel and, when
// the message has an assigned booker, to that booker's channel. Both
// publishes are attempted even if the first fails; the first failure is
// returned for the caller's accounting.
func (r *RabbitClient) PublishInbound(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "notify: publish inbound")
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "notify: marshal event")
	}

	keys := []string{AdminRoutingKey}
	if ev.AssignedTo != "" {
		keys = append(keys, UserRoutingKey(ev.AssignedTo))
	}

	var firstErr error
	for _, key := range keys {
		err := r.channel.Publish(
			r.exchange,
			key,
			false,
			false,
			amqp.Publishing{
				ContentType: "application/json",
				Body:        body,
			},
		)
		if err != nil {
			zap.L().Error("event publish failed",
				zap.String("routing_key", key),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = eris.Wrapf(err, "notify: publish to %s", key)
			}
		}
	}
	return firstErr
}

// Close cleans up connection and channel
func (r *RabbitClient) Close() error {
	if err := r.channel.Close(); err != nil {
		return err
	}
	return r.conn.Close()
}
