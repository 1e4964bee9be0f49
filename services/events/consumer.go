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
	"log/slog"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"golang.org/x/time/rate"
)

// Handler processes one decoded envelope. A nil error lets the consumer
// commit the message offset.
type Handler interface {
	Handle(ctx context.Context, env Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env Envelope) error { return f(ctx, env) }

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Kafka  KafkaConfig
	Topics []string
	// RatePerSecond caps handler invocations. Zero means unlimited.
	RatePerSecond float64
	Burst         int
}

// Consumer reads envelopes from a consumer group, drops duplicates by
// tenant and message id and hands the rest to a Handler.
//
// # Description
//
// A message is marked only after the handler succeeds. Malformed and
// duplicate messages are marked and skipped. When the handler fails the
// message id is released from the deduplicator, the offset is left unmarked
// and the claim stops consuming. The session then ends and the next Consume
// resumes the partition from the failed offset after RetryBackoff.
type Consumer struct {
	cg       sarama.ConsumerGroup
	topics   []string
	handler  Handler
	dedup    Deduplicator
	limiter  *rate.Limiter
	observer Observer

	// RetryBackoff is the pause before a failed claim is given back.
	RetryBackoff time.Duration
}

// DefaultRetryBackoff is the pause after a handler failure.
const DefaultRetryBackoff = time.Second

// NewConsumer joins the consumer group.
func NewConsumer(cfg ConsumerConfig, handler Handler, dedup Deduplicator, observer Observer) (*Consumer, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, errors.New("kafka brokers is empty")
	}
	if strings.TrimSpace(cfg.Kafka.GroupID) == "" {
		return nil, errors.New("kafka consumer group id is empty")
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("kafka topics is empty")
	}

	sc := sarama.NewConfig()
	sc.Version = sarama.V2_8_0_0
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	sc.Consumer.Group.Rebalance.Timeout = 30 * time.Second
	sc.Consumer.Group.Session.Timeout = 30 * time.Second
	sc.ClientID = strings.TrimSpace(cfg.Kafka.ClientID)

	cg, err := sarama.NewConsumerGroup(cfg.Kafka.Brokers, strings.TrimSpace(cfg.Kafka.GroupID), sc)
	if err != nil {
		return nil, err
	}
	return NewConsumerWithGroup(cg, cfg.Topics, handler, dedup, newLimiter(cfg.RatePerSecond, cfg.Burst), observer), nil
}

// NewConsumerWithGroup wires a consumer around an existing group. cg may be
// nil when only Process is used.
func NewConsumerWithGroup(cg sarama.ConsumerGroup, topics []string, handler Handler, dedup Deduplicator, limiter *rate.Limiter, observer Observer) *Consumer {
	if dedup == nil {
		dedup = NewMemoryDeduplicator(DefaultDedupWindow)
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	return &Consumer{
		cg:       cg,
		topics:   topics,
		handler:  handler,
		dedup:    dedup,
		limiter:  limiter,
		observer: observer,

		RetryBackoff: DefaultRetryBackoff,
	}
}

func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Run consumes until ctx is cancelled. Returns nil on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	if c.handler == nil {
		return errors.New("handler is nil")
	}
	if c.cg == nil {
		return errors.New("consumer group is nil")
	}
	h := &consumerGroupHandler{c: c}
	slog.Info("Starting event consumer", "topics", c.topics)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := c.cg.Consume(ctx, c.topics, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return err
		}
	}
}

// Close leaves the consumer group.
func (c *Consumer) Close() error {
	if c == nil || c.cg == nil {
		return nil
	}
	return c.cg.Close()
}

type messageRef struct {
	MessageID string `json:"message_id"`
}

// Process handles one message and reports whether its offset may be marked.
func (c *Consumer) Process(ctx context.Context, msg *sarama.ConsumerMessage) bool {
	if err := c.limiter.Wait(ctx); err != nil {
		return false
	}

	var env Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		slog.Warn("Dropping malformed event", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		return true
	}

	var ref messageRef
	_ = json.Unmarshal(env.Data, &ref)
	dedupKey := ""
	if ref.MessageID != "" {
		dedupKey = dedupKeyFor(env.TenantID, ref.MessageID)
		seen, err := c.dedup.Seen(ctx, dedupKey)
		if err != nil {
			slog.Warn("Deduplication unavailable, processing anyway", "message_id", ref.MessageID, "error", err)
		} else if seen {
			slog.Info("Skipping duplicate event", "topic", msg.Topic, "message_id", ref.MessageID)
			c.observer.ObserveDuplicate(msg.Topic)
			return true
		}
	}

	if err := c.handler.Handle(ctx, env); err != nil {
		slog.Error("Event handler failed", "topic", msg.Topic, "event", env.EventName, "error", err)
		if dedupKey != "" {
			if rerr := c.dedup.Release(ctx, dedupKey); rerr != nil {
				slog.Warn("Failed to release message id", "message_id", ref.MessageID, "error", rerr)
			}
		}
		return false
	}
	return true
}

type consumerGroupHandler struct {
	c *Consumer
}

func (consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case m, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !h.c.Process(sess.Context(), m) {
				if sess.Context().Err() != nil {
					return nil
				}
				// Later offsets must not be marked past the failed one.
				slog.Warn("Stopping claim after handler failure",
					"topic", m.Topic, "partition", m.Partition, "offset", m.Offset)
				h.pause(sess.Context())
				return nil
			}
			sess.MarkMessage(m, "")
		case <-sess.Context().Done():
			return nil
		}
	}
}

func (h *consumerGroupHandler) pause(ctx context.Context) {
	if h.c.RetryBackoff <= 0 {
		return
	}
	t := time.NewTimer(h.c.RetryBackoff)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// dedupKeyFor scopes a message id to its tenant.
func dedupKeyFor(tenantID, messageID string) string {
	return tenantID + ":" + messageID
}
