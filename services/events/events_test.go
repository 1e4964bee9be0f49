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
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/ContextEngine/pkg/extensions"
	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type countingObserver struct {
	mu         sync.Mutex
	published  map[string]int
	failed     map[string]int
	duplicates map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{published: map[string]int{}, failed: map[string]int{}, duplicates: map[string]int{}}
}

func (o *countingObserver) ObservePublish(topic string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.failed[topic]++
		return
	}
	o.published[topic]++
}

func (o *countingObserver) ObserveDuplicate(topic string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.duplicates[topic]++
}

func receivedMessage(t *testing.T, messageID string) *sarama.ConsumerMessage {
	t.Helper()
	return receivedMessageFor(t, "acme", messageID)
}

func receivedMessageFor(t *testing.T, tenantID, messageID string) *sarama.ConsumerMessage {
	t.Helper()
	env, err := NewEnvelope(TopicMessageReceived, tenantID, "corr-1", "gateway", MessageReceived{
		ConversationID: "c1",
		MessageID:      messageID,
		Text:           "hello",
		AssistantID:    "support",
	})
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return &sarama.ConsumerMessage{Topic: TopicMessageReceived, Value: raw}
}

// =============================================================================
// Envelope
// =============================================================================

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(TopicMessageGenerated, "acme", "corr", "contextengine", MessageGenerated{
		ConversationID:       "c1",
		MessageID:            "m1",
		TokensUsed:           12,
		HasHistoricalContext: true,
	})
	require.NoError(t, err)
	assert.Equal(t, EnvelopeVersion, env.Version)
	assert.Equal(t, "acme", env.TenantID)
	assert.False(t, env.Timestamp.IsZero())

	var payload MessageGenerated
	require.NoError(t, env.Decode(&payload))
	assert.Equal(t, 12, payload.TokensUsed)
	assert.True(t, payload.HasHistoricalContext)

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	for _, field := range []string{"event_name", "version", "timestamp", "tenant_id", "correlation_id", "source", "data"} {
		assert.Contains(t, string(raw), `"`+field+`"`)
	}
}

func TestEnvelope_DecodeErrors(t *testing.T) {
	var out MessageReceived
	err := Envelope{}.Decode(&out)
	assert.True(t, extensions.IsValidationError(err))

	err = Envelope{EventName: "x", Data: json.RawMessage(`[1,2]`)}.Decode(&out)
	assert.True(t, extensions.IsValidationError(err))

	_, err = NewEnvelope("x", "", "", "", func() {})
	assert.Error(t, err)
}

// =============================================================================
// Publisher
// =============================================================================

func TestKafkaPublisher_Publish(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewProducerConfig("test"))
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(m *sarama.ProducerMessage) error {
		key, _ := m.Key.Encode()
		if string(key) != "c1" {
			return errors.New("wrong key")
		}
		value, _ := m.Value.Encode()
		var env Envelope
		if err := json.Unmarshal(value, &env); err != nil {
			return err
		}
		if env.EventName != TopicMessageGenerated {
			return errors.New("wrong event name")
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	observer := newCountingObserver()
	pub := NewKafkaPublisherWithProducer(producer, observer)
	defer func() { require.NoError(t, pub.Close()) }()

	env, err := NewEnvelope(TopicMessageGenerated, "acme", "corr", "test", MessageGenerated{ConversationID: "c1"})
	require.NoError(t, err)

	require.NoError(t, pub.Publish(context.Background(), TopicMessageGenerated, "c1", env))
	err = pub.Publish(context.Background(), TopicMessageGenerated, "c1", env)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)

	assert.Equal(t, 1, observer.published[TopicMessageGenerated])
	assert.Equal(t, 1, observer.failed[TopicMessageGenerated])
}

func TestKafkaPublisher_RejectsBadInput(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewProducerConfig("test"))
	pub := NewKafkaPublisherWithProducer(producer, nil)

	assert.Error(t, pub.Publish(context.Background(), "  ", "k", Envelope{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, pub.Publish(ctx, "topic", "k", Envelope{}), context.Canceled)

	_, err := NewKafkaPublisher(KafkaConfig{}, nil)
	assert.Error(t, err)
	require.NoError(t, pub.Close())
}

func TestAuditPublisher(t *testing.T) {
	mem := &MemoryPublisher{}
	sink := NewAuditPublisher(mem, "contextengine")
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, sink.Log(context.Background(), extensions.AuditEvent{
		Timestamp: ts,
		TenantID:  "acme",
		Action:    extensions.AuditActionInputCheck,
		Status:    extensions.AuditStatusBlocked,
	}))
	require.NoError(t, sink.Flush(context.Background()))

	events := mem.Events()
	require.Len(t, events, 1)
	assert.Equal(t, TopicGuardrailsAudit, events[0].Topic)
	assert.Equal(t, "acme", events[0].Key)
	assert.Equal(t, ts, events[0].Envelope.Timestamp)

	var decoded extensions.AuditEvent
	require.NoError(t, events[0].Envelope.Decode(&decoded))
	assert.Equal(t, extensions.AuditStatusBlocked, decoded.Status)
}

// =============================================================================
// Deduplication
// =============================================================================

func TestMemoryDeduplicator(t *testing.T) {
	d := NewMemoryDeduplicator(time.Hour)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	ctx := context.Background()

	seen, err := d.Seen(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, _ = d.Seen(ctx, "m1")
	assert.True(t, seen, "second delivery within the window is a duplicate")

	now = now.Add(61 * time.Minute)
	seen, _ = d.Seen(ctx, "m1")
	assert.False(t, seen, "window expired")

	require.NoError(t, d.Release(ctx, "m1"))
	seen, _ = d.Seen(ctx, "m1")
	assert.False(t, seen, "released ids are forgotten")
}

func TestRedisDeduplicator(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	d := NewRedisDeduplicator(rdb, time.Hour)
	ctx := context.Background()

	seen, err := d.Seen(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = d.Seen(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, seen)
	assert.Equal(t, time.Hour, mr.TTL("dedup:message:m1"))

	mr.FastForward(2 * time.Hour)
	seen, err = d.Seen(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, d.Release(ctx, "m1"))
	assert.False(t, mr.Exists("dedup:message:m1"))

	mr.Close()
	_, err = d.Seen(ctx, "m2")
	assert.Error(t, err)
}

// =============================================================================
// Consumer
// =============================================================================

func TestConsumer_Process(t *testing.T) {
	var handled []string
	var failNext bool
	handler := HandlerFunc(func(ctx context.Context, env Envelope) error {
		var msg MessageReceived
		if err := env.Decode(&msg); err != nil {
			return err
		}
		if failNext {
			failNext = false
			return errors.New("downstream unavailable")
		}
		handled = append(handled, msg.MessageID)
		return nil
	})
	observer := newCountingObserver()
	c := NewConsumerWithGroup(nil, nil, handler, NewMemoryDeduplicator(time.Hour), nil, observer)
	ctx := context.Background()

	assert.True(t, c.Process(ctx, receivedMessage(t, "m1")))
	assert.True(t, c.Process(ctx, receivedMessage(t, "m1")), "duplicates are marked and skipped")
	assert.Equal(t, []string{"m1"}, handled)
	assert.Equal(t, 1, observer.duplicates[TopicMessageReceived])

	failNext = true
	assert.False(t, c.Process(ctx, receivedMessage(t, "m2")), "failed messages stay unmarked")
	assert.True(t, c.Process(ctx, receivedMessage(t, "m2")), "redelivery after failure is processed")
	assert.Equal(t, []string{"m1", "m2"}, handled)

	malformed := &sarama.ConsumerMessage{Topic: TopicMessageReceived, Value: []byte("{oops")}
	assert.True(t, c.Process(ctx, malformed), "poison messages are skipped")
}

func TestConsumer_DedupIsScopedByTenant(t *testing.T) {
	var tenants []string
	handler := HandlerFunc(func(ctx context.Context, env Envelope) error {
		tenants = append(tenants, env.TenantID)
		return nil
	})
	observer := newCountingObserver()
	c := NewConsumerWithGroup(nil, nil, handler, NewMemoryDeduplicator(time.Hour), nil, observer)
	ctx := context.Background()

	assert.True(t, c.Process(ctx, receivedMessageFor(t, "acme", "1")))
	assert.True(t, c.Process(ctx, receivedMessageFor(t, "globex", "1")))
	assert.True(t, c.Process(ctx, receivedMessageFor(t, "globex", "1")))

	assert.Equal(t, []string{"acme", "globex"}, tenants)
	assert.Equal(t, 1, observer.duplicates[TopicMessageReceived])
}

func TestConsumer_RedisDedupIsScopedByTenant(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	var tenants []string
	handler := HandlerFunc(func(ctx context.Context, env Envelope) error {
		tenants = append(tenants, env.TenantID)
		return nil
	})
	c := NewConsumerWithGroup(nil, nil, handler, NewRedisDeduplicator(rdb, time.Hour), nil, nil)
	ctx := context.Background()

	assert.True(t, c.Process(ctx, receivedMessageFor(t, "acme", "1")))
	assert.True(t, c.Process(ctx, receivedMessageFor(t, "globex", "1")))
	assert.Equal(t, []string{"acme", "globex"}, tenants)
	assert.True(t, mr.Exists("dedup:message:acme:1"))
	assert.True(t, mr.Exists("dedup:message:globex:1"))
}

// fakeSession records marked offsets. Unused methods panic via the nil
// embedded interface.
type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, metadata string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func TestConsumeClaim_StopsAtFailedOffset(t *testing.T) {
	var handled []string
	handler := HandlerFunc(func(ctx context.Context, env Envelope) error {
		var msg MessageReceived
		require.NoError(t, env.Decode(&msg))
		handled = append(handled, msg.MessageID)
		if msg.MessageID == "m2" {
			return errors.New("downstream unavailable")
		}
		return nil
	})
	c := NewConsumerWithGroup(nil, nil, handler, NewMemoryDeduplicator(time.Hour), nil, nil)
	c.RetryBackoff = 0

	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 3)}
	for i, id := range []string{"m1", "m2", "m3"} {
		m := receivedMessage(t, id)
		m.Offset = int64(10 + i)
		claim.messages <- m
	}
	close(claim.messages)
	sess := &fakeSession{ctx: context.Background()}

	require.NoError(t, (&consumerGroupHandler{c: c}).ConsumeClaim(sess, claim))
	assert.Equal(t, []int64{10}, sess.marked, "nothing past the failed offset is marked")
	assert.Equal(t, []string{"m1", "m2"}, handled)

	// The released id is accepted when the partition is consumed again.
	assert.True(t, c.Process(context.Background(), receivedMessage(t, "m2")))
	assert.Equal(t, []string{"m1", "m2", "m2"}, handled)
}

func TestConsumer_RateLimitHonoursCancellation(t *testing.T) {
	handler := HandlerFunc(func(ctx context.Context, env Envelope) error { return nil })
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	c := NewConsumerWithGroup(nil, nil, handler, nil, limiter, nil)

	assert.True(t, c.Process(context.Background(), receivedMessage(t, "a")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, c.Process(ctx, receivedMessage(t, "b")))
}

func TestNewConsumer_Validation(t *testing.T) {
	h := HandlerFunc(func(ctx context.Context, env Envelope) error { return nil })
	_, err := NewConsumer(ConsumerConfig{}, h, nil, nil)
	assert.Error(t, err)
	_, err = NewConsumer(ConsumerConfig{Kafka: KafkaConfig{Brokers: []string{"b:9092"}}}, h, nil, nil)
	assert.Error(t, err)
	_, err = NewConsumer(ConsumerConfig{Kafka: KafkaConfig{Brokers: []string{"b:9092"}, GroupID: "g"}}, h, nil, nil)
	assert.Error(t, err)

	assert.Error(t, NewConsumerWithGroup(nil, nil, h, nil, nil, nil).Run(context.Background()))
	assert.NoError(t, NewConsumerWithGroup(nil, nil, h, nil, nil, nil).Close())
}
