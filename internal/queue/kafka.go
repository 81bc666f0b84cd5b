package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig is the queue_dispatcher configuration document (§6).
type KafkaConfig struct {
	BootstrapServers []string
	GroupID          string
	Topic            string
	AutoOffsetReset  string // "earliest" | "latest"
	MaxPollRecords   int
}

// KafkaAdapter implements Adapter over a single kafka.Reader with manual
// offset commits: Receive fetches without committing, Complete commits,
// Abandon is a no-op so the message is redelivered after a rebalance or
// restart — the natural "return to queue" for a commit-log-backed bus.
type KafkaAdapter struct {
	cfg    KafkaConfig
	reader *kafka.Reader
}

func NewKafkaAdapter(cfg KafkaConfig) *KafkaAdapter {
	return &KafkaAdapter{cfg: cfg}
}

func (a *KafkaAdapter) Connect(ctx context.Context) error {
	startOffset := kafka.LastOffset
	if a.cfg.AutoOffsetReset == "earliest" {
		startOffset = kafka.FirstOffset
	}

	a.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:     a.cfg.BootstrapServers,
		GroupID:     a.cfg.GroupID,
		Topic:       a.cfg.Topic,
		StartOffset: startOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return nil
}

func (a *KafkaAdapter) Disconnect(ctx context.Context) error {
	if a.reader == nil {
		return nil
	}
	return a.reader.Close()
}

func (a *KafkaAdapter) Receive(ctx context.Context) (*Message, error) {
	raw, err := a.reader.FetchMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: kafka fetch: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(raw.Value, &env); err != nil {
		// Surface the decode failure with the token still attached so the
		// caller can Abandon a message it cannot parse.
		return &Message{Envelope: Envelope{}, token: raw}, fmt.Errorf("queue: decode envelope: %w", err)
	}

	return &Message{Envelope: env, token: raw}, nil
}

func (a *KafkaAdapter) Complete(ctx context.Context, msg *Message) error {
	raw, ok := msg.token.(kafka.Message)
	if !ok {
		return fmt.Errorf("queue: complete: message has no kafka delivery token")
	}
	if err := a.reader.CommitMessages(ctx, raw); err != nil {
		return fmt.Errorf("queue: kafka commit: %w", err)
	}
	return nil
}

func (a *KafkaAdapter) Abandon(ctx context.Context, msg *Message) error {
	// Deliberately does not commit. This reader's next FetchMessage returns
	// the following offset; the abandoned offset is delivered again only when
	// the group resumes from its last committed offset (restart or
	// rebalance), and not once a later message of the partition is committed.
	return nil
}
