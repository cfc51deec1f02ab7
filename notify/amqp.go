// Package notify publishes "work available" events over RabbitMQ so an
// idle worker can react to a new queue item immediately instead of
// waiting out its PollBackoff. Generalized from the teacher's
// queue.RabbitMQService (queue/rabbit.go) — same connection/channel
// lifecycle and durable-queue declaration, narrowed from a general
// message publisher down to the one event shape this pipeline emits, and
// paired with a Subscribe side the teacher's fire-and-forget publisher
// never needed.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"

	"github.com/evalgo/docforge/queue"
)

// WorkAvailable is the event body published on a successful AddDocument.
type WorkAvailable struct {
	RunID string `json:"run_id"`
	DocID string `json:"doc_id"`
}

// AMQPNotifier implements queue.Notifier over a durable RabbitMQ queue.
type AMQPNotifier struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
}

// NewAMQPNotifier dials url and declares queueName as a durable queue.
// Connection and channel are held open for the notifier's lifetime; call
// Close when the owning process shuts down.
func NewAMQPNotifier(url, queueName string) (*AMQPNotifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to amqp broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declaring amqp queue %q: %w", queueName, err)
	}
	return &AMQPNotifier{conn: conn, channel: ch, queue: queueName}, nil
}

// Notify publishes one WorkAvailable event to the default exchange,
// routed to n.queue.
func (n *AMQPNotifier) Notify(ctx context.Context, runID, docID string) error {
	body, err := json.Marshal(WorkAvailable{RunID: runID, DocID: docID})
	if err != nil {
		return fmt.Errorf("marshaling work-available event: %w", err)
	}
	return n.channel.Publish("", n.queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

// Subscribe starts consuming work-available events and returns a channel
// of decoded payloads; malformed deliveries are acked and dropped rather
// than blocking the stream. The returned channel closes when the
// underlying amqp delivery channel closes (connection loss or Close).
func (n *AMQPNotifier) Subscribe() (<-chan WorkAvailable, error) {
	deliveries, err := n.channel.Consume(n.queue, "", true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consuming amqp queue %q: %w", n.queue, err)
	}
	out := make(chan WorkAvailable)
	go func() {
		defer close(out)
		for d := range deliveries {
			var ev WorkAvailable
			if err := json.Unmarshal(d.Body, &ev); err != nil {
				continue
			}
			out <- ev
		}
	}()
	return out, nil
}

// Close releases the channel and connection.
func (n *AMQPNotifier) Close() error {
	if n.channel != nil {
		n.channel.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}

var _ queue.Notifier = (*AMQPNotifier)(nil)
