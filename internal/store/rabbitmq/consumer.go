package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
)

type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queues Queues
}

// NewConsumer connects and declares the queues; prefetch bounds unacked deliveries.
func NewConsumer(url, queue string, prefetch int) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	q := QueuesFor(queue)
	if err := Declare(ch, q); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Consumer{conn: conn, ch: ch, queues: q}, nil
}

func (c *Consumer) Deliveries() (<-chan amqp.Delivery, error) {
	return c.ch.Consume(c.queues.Main, "", false, false, false, false, nil)
}

// Jobs wraps Deliveries until ctx is done or the channel closes.
func (c *Consumer) Jobs(ctx context.Context) (<-chan Delivery, error) {
	raw, err := c.Deliveries()
	if err != nil {
		return nil, err
	}
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-raw:
				if !ok {
					return
				}
				select {
				case out <- Delivery{d: d}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Delivery wraps an amqp delivery carrying a JobMessage.
type Delivery struct {
	d amqp.Delivery
}

func WrapDelivery(d amqp.Delivery) Delivery { return Delivery{d: d} }

func (d Delivery) JobID() (string, error) {
	var m JobMessage
	if err := json.Unmarshal(d.d.Body, &m); err != nil {
		return "", err
	}
	if m.JobID == "" {
		return "", errors.New("job_id missing")
	}
	return m.JobID, nil
}

// Attempt is the number of earlier failed attempts, 0 for a fresh job.
func (d Delivery) Attempt() int {
	switch v := d.d.Headers[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func (d Delivery) Ack() error { return d.d.Ack(false) }

// Reject sends the delivery to the dead-letter queue.
func (d Delivery) Reject() error { return d.d.Nack(false, false) }
