// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("contextengine.events")

// Publisher sends envelopes to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, env Envelope) error
	Close() error
}

// Observer receives transport outcomes, typically for metrics.
type Observer interface {
	ObservePublish(topic string, err error)
	ObserveDuplicate(topic string)
}

type nopObserver struct{}

func (nopObserver) ObservePublish(string, error) {}
func (nopObserver) ObserveDuplicate(string)      {}

// =============================================================================
// Kafka
// =============================================================================

// KafkaConfig configures the sarama producer and consumer group.
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	ClientID string   `yaml:"client_id"`
	GroupID  string   `yaml:"consumer_group"`
}

// KafkaPublisher publishes envelopes with an idempotent sync producer.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	observer Observer
}

// NewProducerConfig returns the producer settings: idempotent, acks from
// all in-sync replicas, key-hash partitioning.
func NewProducerConfig(clientID string) *sarama.Config {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_8_0_0
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 10
	sc.Producer.Retry.Backoff = 100 * time.Millisecond
	sc.Producer.Idempotent = true
	sc.Net.MaxOpenRequests = 1
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	sc.ClientID = strings.TrimSpace(clientID)
	return sc
}

// NewKafkaPublisher dials the brokers.
func NewKafkaPublisher(cfg KafkaConfig, observer Observer) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers is empty")
	}
	p, err := sarama.NewSyncProducer(cfg.Brokers, NewProducerConfig(cfg.ClientID))
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewKafkaPublisherWithProducer(p, observer), nil
}

// NewKafkaPublisherWithProducer wraps an existing producer.
func NewKafkaPublisherWithProducer(p sarama.SyncProducer, observer Observer) *KafkaPublisher {
	if observer == nil {
		observer = nopObserver{}
	}
	return &KafkaPublisher{producer: p, observer: observer}
}

// Publish sends env keyed by key so events of one conversation stay ordered
// on a partition.
func (k *KafkaPublisher) Publish(ctx context.Context, topic, key string, env Envelope) error {
	ctx, span := tracer.Start(ctx, "KafkaPublisher.Publish")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.destination", topic),
		attribute.String("event.name", env.EventName),
	)

	err := k.publish(ctx, topic, key, env)
	k.observer.ObservePublish(topic, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (k *KafkaPublisher) publish(ctx context.Context, topic, key string, env Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if strings.TrimSpace(topic) == "" {
		return errors.New("kafka topic is empty")
	}
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	m := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_name"), Value: []byte(env.EventName)},
			{Key: []byte("tenant_id"), Value: []byte(env.TenantID)},
			{Key: []byte("correlation_id"), Value: []byte(env.CorrelationID)},
		},
	}
	if _, _, err := k.producer.SendMessage(m); err != nil {
		return fmt.Errorf("send to %s: %w", topic, err)
	}
	return nil
}

// Close flushes and closes the producer.
func (k *KafkaPublisher) Close() error {
	if k == nil || k.producer == nil {
		return nil
	}
	return k.producer.Close()
}

// =============================================================================
// In-process publishers
// =============================================================================

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, topic, key string, env Envelope) error { return nil }
func (NopPublisher) Close() error                                                       { return nil }

// Published is one event captured by MemoryPublisher.
type Published struct {
	Topic    string
	Key      string
	Envelope Envelope
}

// MemoryPublisher keeps events in memory. Used when no broker is configured
// and in tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Published
}

func (m *MemoryPublisher) Publish(ctx context.Context, topic, key string, env Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, Published{Topic: topic, Key: key, Envelope: env})
	return nil
}

func (m *MemoryPublisher) Close() error { return nil }

// Events returns a copy of everything published so far.
func (m *MemoryPublisher) Events() []Published {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Published, len(m.events))
	copy(out, m.events)
	return out
}

var (
	_ Publisher = (*KafkaPublisher)(nil)
	_ Publisher = NopPublisher{}
	_ Publisher = (*MemoryPublisher)(nil)
)
