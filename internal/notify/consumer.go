// internal/notify/consumer.go
package notify

import (
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// EventHandlerFunc receives each decoded event.
type EventHandlerFunc func(ev Event)

// Consumer tails ingestion events from an ephemeral queue bound to the topic
// exchange. Each Consumer owns its channel and queue; the queue disappears
// with the connection.
type Consumer struct {
	channel     *amqp.Channel
	queueName   string
	bindingKey  string
	consumerTag string
	handler     EventHandlerFunc
	stopChan    chan struct{}
	doneChan    chan struct{}
}

// StartConsumer binds a server-named exclusive queue to the exchange with the
// given binding key and starts delivering events to handler.
func StartConsumer(conn *amqp.Connection, exchange, bindingKey string, handler EventHandlerFunc) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, eris.Wrap(err, "notify: open consumer channel")
	}

	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // non-durable
		true,  // auto-delete
		true,  // exclusive
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, eris.Wrap(err, "notify: declare event queue")
	}
	if err := ch.QueueBind(q.Name, bindingKey, exchange, false, nil); err != nil {
		ch.Close()
		return nil, eris.Wrapf(err, "notify: bind %s to %s", q.Name, bindingKey)
	}

	consumerTag := "smsgate-" + q.Name
	msgs, err := ch.Consume(
		q.Name,
		consumerTag,
		false, // manual ack
		true,  // exclusive
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, eris.Wrap(err, "notify: start consuming")
	}

	c := &Consumer{
		channel:     ch,
		queueName:   q.Name,
		bindingKey:  bindingKey,
		consumerTag: consumerTag,
		handler:     handler,
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
	}
	go c.consumeLoop(msgs)

	zap.L().Info("listening for ingestion events",
		zap.String("queue", q.Name),
		zap.String("binding_key", bindingKey),
	)
	return c, nil
}

// consumeLoop processes deliveries until stopChan is closed.
func (c *Consumer) consumeLoop(msgs <-chan amqp.Delivery) {
	defer close(c.doneChan)

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				zap.L().Info("event delivery channel closed", zap.String("queue", c.queueName))
				return
			}
			var ev Event
			if err := json.Unmarshal(msg.Body, &ev); err != nil {
				zap.L().Warn("discarding undecodable event", zap.Error(err))
				_ = msg.Nack(false, false)
				continue
			}
			c.handler(ev)
			_ = msg.Ack(false)

		case <-c.stopChan:
			_ = c.channel.Cancel(c.consumerTag, false)
			return
		}
	}
}

// Stop signals the consumer to stop and waits for cleanup.
func (c *Consumer) Stop() {
	close(c.stopChan)
	<-c.doneChan
	_ = c.channel.Close()
	zap.L().Info("stopped event consumer", zap.String("queue", c.queueName))
}
