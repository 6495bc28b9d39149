package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// Partitions and ReplicationFactor are used when the topic has to be
	// created. Zero values fall back to 1.
	Partitions        int32
	ReplicationFactor int16
}

// KafkaSink produces events to a Kafka topic, keyed by board so that the
// events of one board stay ordered within a partition.
type KafkaSink struct {
	client *kgo.Client
	topic  string
}

// NewKafkaSink connects to the brokers and makes sure the topic exists.
func NewKafkaSink(ctx context.Context, cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("audit: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("audit: no topic configured")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("audit: create kafka client: %w", err)
	}

	if err := ensureTopic(ctx, kadm.NewClient(client), cfg); err != nil {
		client.Close()
		return nil, err
	}

	return &KafkaSink{client: client, topic: cfg.Topic}, nil
}

func ensureTopic(ctx context.Context, admin *kadm.Client, cfg KafkaConfig) error {
	partitions := cfg.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	replication := cfg.ReplicationFactor
	if replication <= 0 {
		replication = 1
	}

	resp, err := admin.CreateTopics(ctx, partitions, replication, nil, cfg.Topic)
	if err != nil {
		return fmt.Errorf("audit: create topic %s: %w", cfg.Topic, err)
	}
	for _, topicResp := range resp {
		if topicResp.Err != nil && !errors.Is(topicResp.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("audit: create topic %s: %w", topicResp.Topic, topicResp.Err)
		}
	}
	return nil
}

// Publish produces ev and waits for the broker acknowledgement.
func (k *KafkaSink) Publish(ctx context.Context, ev Event) error {
	rec, err := record(k.topic, ev)
	if err != nil {
		return err
	}
	if err := k.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("audit: produce event %s: %w", ev.ID, err)
	}
	return nil
}

// Close releases the client. Publish is synchronous so nothing is buffered.
func (k *KafkaSink) Close() {
	k.client.Close()
}

func record(topic string, ev Event) (*kgo.Record, error) {
	value, err := ev.Encode()
	if err != nil {
		return nil, err
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(ev.Board),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "action", Value: []byte(ev.Action)},
		},
	}, nil
}
