package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// Queues names the three queues behind one job queue:
// main dead-letters into dlq, retry dead-letters back into main after its TTL.
type Queues struct {
	Main  string
	Retry string
	DLQ   string
}

func QueuesFor(queue string) Queues {
	return Queues{Main: queue, Retry: queue + ".retry", DLQ: queue + ".dlq"}
}

// Declare creates the queues. Publisher and consumer both call it so the
// arguments always match.
func Declare(ch *amqp.Channel, q Queues) error {
	// DLQ
	if _, err := ch.QueueDeclare(
		q.DLQ,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		nil,
	); err != nil {
		return err
	}

	// Retry queue: message TTL -> dead-letter back to main queue
	if _, err := ch.QueueDeclare(
		q.Retry,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": q.Main,
		},
	); err != nil {
		return err
	}

	// Main queue: dead-letter to DLQ on reject/nack(requeue=false)
	_, err := ch.QueueDeclare(
		q.Main,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": q.DLQ,
		},
	)
	return err
}
