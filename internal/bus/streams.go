package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
)

const (
	fieldKey     = "key"
	fieldPayload = "payload"
)

// StreamsConfig tunes the Redis Streams adapter.
type StreamsConfig struct {
	Prefix     string
	Partitions int
	// Block is how long Fetch waits for new records; zero or less returns at once.
	Block time.Duration
	// ClaimIdle is how long a delivered but unacknowledged record waits before
	// another consumer of the group takes it over.
	ClaimIdle time.Duration
	MaxLen    int64
}

// Streams implements Publisher and Subscriber on Redis Streams. A topic is
// stored as Partitions streams and a key always maps to the same one.
type Streams struct {
	client redis.UniversalClient
	cfg    StreamsConfig
	groups sync.Map // stream|group -> struct{}
}

func NewStreams(client redis.UniversalClient, cfg StreamsConfig) *Streams {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = time.Minute
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 1_000_000
	}
	return &Streams{client: client, cfg: cfg}
}

// Partition returns the stream that carries key on topic.
func (s *Streams) Partition(topic, key string) string {
	p := xxhash.Sum64String(key) % uint64(s.cfg.Partitions)
	return fmt.Sprintf("%s%s:%d", s.cfg.Prefix, topic, p)
}

func (s *Streams) partitions(topic string) []string {
	out := make([]string, s.cfg.Partitions)
	for p := range out {
		out[p] = fmt.Sprintf("%s%s:%d", s.cfg.Prefix, topic, p)
	}
	return out
}

func (s *Streams) Send(ctx context.Context, topic, key string, payload []byte) error {
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.Partition(topic, key),
		MaxLen: s.cfg.MaxLen,
		Approx: true,
		Values: map[string]interface{}{fieldKey: key, fieldPayload: payload},
	}).Err()
}

func (s *Streams) ensureGroup(ctx context.Context, stream, group string) error {
	id := stream + "|" + group
	if _, ok := s.groups.Load(id); ok {
		return nil
	}
	err := s.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	s.groups.Store(id, struct{}{})
	return nil
}

// Fetch returns up to count records: first records abandoned by other
// consumers for longer than ClaimIdle, then new ones.
func (s *Streams) Fetch(ctx context.Context, topic, group, consumer string, count int) ([]Message, error) {
	streams := s.partitions(topic)
	for _, stream := range streams {
		if err := s.ensureGroup(ctx, stream, group); err != nil {
			return nil, err
		}
	}

	var out []Message
	for _, stream := range streams {
		if len(out) >= count {
			return out, nil
		}
		claimed, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    group,
			MinIdle:  s.cfg.ClaimIdle,
			Start:    "0-0",
			Count:    int64(count - len(out)),
			Consumer: consumer,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("autoclaim %s: %w", stream, err)
		}
		out = append(out, toMessages(topic, stream, claimed)...)
	}
	if len(out) >= count {
		return out, nil
	}

	args := make([]string, 0, 2*len(streams))
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}
	block := time.Duration(-1)
	if s.cfg.Block > 0 {
		block = s.cfg.Block
	}
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  args,
		Count:    int64(count - len(out)),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("read group %s on %s: %w", group, topic, err)
	}
	for _, st := range res {
		out = append(out, toMessages(topic, st.Stream, st.Messages)...)
	}
	return out, nil
}

func toMessages(topic, stream string, xs []redis.XMessage) []Message {
	out := make([]Message, 0, len(xs))
	for _, x := range xs {
		m := Message{Topic: topic, Stream: stream, ID: x.ID}
		if v, ok := x.Values[fieldKey].(string); ok {
			m.Key = v
		}
		if v, ok := x.Values[fieldPayload].(string); ok {
			m.Payload = []byte(v)
		}
		out = append(out, m)
	}
	return out
}

func (s *Streams) Ack(ctx context.Context, group string, msgs ...Message) error {
	byStream := make(map[string][]string)
	for _, m := range msgs {
		byStream[m.Stream] = append(byStream[m.Stream], m.ID)
	}
	for stream, ids := range byStream {
		if err := s.client.XAck(ctx, stream, group, ids...).Err(); err != nil {
			return fmt.Errorf("ack %s: %w", stream, err)
		}
	}
	return nil
}
