// Package bus is the message bus of the shortener: topics split into keyed
// partitions, consumer groups with manual acknowledgement, and a dead-letter
// side channel. The Redis Streams adapter backs all of it.
package bus

import (
	"context"
)

// Message is one delivered record.
type Message struct {
	Topic   string
	Stream  string // partition stream the record was read from
	ID      string
	Key     string
	Payload []byte
}

// Publisher sends a payload; records sharing a key keep their order.
type Publisher interface {
	Send(ctx context.Context, topic, key string, payload []byte) error
}

// Subscriber reads batches for a consumer group. Records stay pending until
// acknowledged and are redelivered otherwise.
type Subscriber interface {
	Fetch(ctx context.Context, topic, group, consumer string, count int) ([]Message, error)
	Ack(ctx context.Context, group string, msgs ...Message) error
}
