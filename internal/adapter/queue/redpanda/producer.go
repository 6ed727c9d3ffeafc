// Package redpanda publishes generation outcome events to a Redpanda/Kafka
// topic for offline analytics. Publishing is fire-and-forget: the core never
// fails a request over the event stream.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"

	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kotel"

	"github.com/fairyhunter13/ai-chat-gateway/internal/domain"
)

// Producer implements domain.EventPublisher.
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer connects to the brokers and ensures the topic exists.
func NewProducer(brokers []string, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	tracer := kotel.NewTracer()
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(5),
		kgo.WithHooks(kotel.NewKotel(kotel.WithTracer(tracer)).Hooks()...),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("redpanda client: %w", err)
	}
	if err := createTopicIfNotExists(context.Background(), client, topic, 1, 1); err != nil {
		slog.Warn("failed to ensure topic, it may already exist",
			slog.String("topic", topic), slog.Any("error", err))
	}
	return &Producer{client: client, topic: topic}, nil
}

// PublishOutcome produces one event keyed by principal so per-principal
// ordering is preserved on a single partition.
func (p *Producer) PublishOutcome(ctx domain.Context, ev domain.OutcomeEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=outcome.marshal: %w", err)
	}
	rec := &kgo.Record{Topic: p.topic, Key: []byte(ev.PrincipalID), Value: b}
	p.client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
		if err != nil {
			slog.Warn("outcome event produce failed",
				slog.String("principal_id", ev.PrincipalID), slog.Any("error", err))
		}
	})
	return nil
}

// Close flushes and closes the client.
func (p *Producer) Close(ctx context.Context) {
	if err := p.client.Flush(ctx); err != nil {
		slog.Warn("producer flush failed", slog.Any("error", err))
	}
	p.client.Close()
}

// createTopicIfNotExists issues a CreateTopics request and tolerates
// TOPIC_ALREADY_EXISTS.
func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replication int16) error {
	if topic == "" {
		return fmt.Errorf("topic name cannot be empty")
	}
	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000
	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replication
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	createResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", resp)
	}
	for _, t := range createResp.Topics {
		// Error code 36 = TOPIC_ALREADY_EXISTS.
		if t.ErrorCode != 0 && t.ErrorCode != 36 {
			return fmt.Errorf("create topic %q: error code %d", t.Topic, t.ErrorCode)
		}
	}
	return nil
}
