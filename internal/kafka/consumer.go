// Package kafka ingests gameplay events published by game clients' relays.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/kaboom-backend/internal/config"
	"github.com/kaboom-backend/internal/domain"
)

const eventTimeout = 5 * time.Second

// EventRecorder applies gameplay events to active sessions
type EventRecorder interface {
	RecordEvent(ctx context.Context, event domain.SessionEvent) (bool, error)
}

// EventMessage is the wire format of the events topic. Producers key
// messages by session id so a session's events stay in partition order.
type EventMessage struct {
	SessionID string           `json:"session_id"`
	Kind      domain.EventKind `json:"kind"`
	Amount    int64            `json:"amount"`
}

// Consumer feeds events from a Kafka topic into the session tracker
type Consumer struct {
	config        *config.KafkaConfig
	recorder      EventRecorder
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	ready         chan struct{}
}

// NewConsumer creates a consumer group member for the events topic
func NewConsumer(cfg *config.KafkaConfig, recorder EventRecorder, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating consumer group: %w", err)
	}
	return newConsumer(cfg, recorder, group, logger), nil
}

func newConsumer(cfg *config.KafkaConfig, recorder EventRecorder, group sarama.ConsumerGroup, logger *slog.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		config:        cfg,
		recorder:      recorder,
		logger:        logger,
		consumerGroup: group,
		ctx:           ctx,
		cancel:        cancel,
		ready:         make(chan struct{}),
	}
}

// Start joins the group and returns once the first session is set up or ctx ends
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("starting kafka consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.EventsTopic,
		"group_id", c.config.GroupID,
	)

	ready := c.ready
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			handler := &groupHandler{consumer: c, ready: c.ready}
			if err := c.consumerGroup.Consume(c.ctx, []string{c.config.EventsTopic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.Error("consume failed", "error", err)
			}
			if c.ctx.Err() != nil {
				return
			}
			c.ready = make(chan struct{})
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				c.logger.Error("consumer group error", "error", err)
			}
		}
	}()

	select {
	case <-ready:
		c.logger.Info("kafka consumer ready")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for consumer group: %w", ctx.Err())
	}
}

// Stop leaves the group and waits for in-flight messages
func (c *Consumer) Stop() error {
	c.logger.Info("stopping kafka consumer")
	c.cancel()
	c.wg.Wait()
	return c.consumerGroup.Close()
}

// handle applies one message. It reports false only for malformed input;
// the message is committed either way so a poison message cannot stall the partition.
func (c *Consumer) handle(ctx context.Context, msg *sarama.ConsumerMessage) bool {
	var event EventMessage
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		c.logger.Warn("skipping malformed event",
			"error", err,
			"partition", msg.Partition,
			"offset", msg.Offset,
		)
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()

	applied, err := c.recorder.RecordEvent(ctx, domain.SessionEvent{
		SessionID: event.SessionID,
		Kind:      event.Kind,
		Amount:    event.Amount,
	})
	if err != nil {
		c.logger.Warn("skipping invalid event",
			"session_id", event.SessionID,
			"kind", event.Kind,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		return false
	}
	if !applied {
		c.logger.Debug("event for inactive session", "session_id", event.SessionID, "kind", event.Kind)
	}
	return true
}

// groupHandler implements sarama.ConsumerGroupHandler
type groupHandler struct {
	consumer *Consumer
	ready    chan struct{}
	once     sync.Once
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.once.Do(func() { close(h.ready) })
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.consumer.handle(session.Context(), msg)
			session.MarkMessage(msg, "")
		}
	}
}
