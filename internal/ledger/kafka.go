package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/kaboom-backend/internal/clock"
	"github.com/kaboom-backend/internal/config"
	"github.com/kaboom-backend/internal/domain"
	"lukechampine.com/blake3"
)

// Envelope is the message written to the ledger topic
type Envelope struct {
	Kind        domain.SyncKind `json:"kind"`
	Identity    string          `json:"identity"`
	Payload     json.RawMessage `json:"payload"`
	Signature   string          `json:"signature"`
	PublishedAt time.Time       `json:"published_at"`
}

// Sign returns the blake3-256 hex digest of payload
func Sign(payload []byte) string {
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// KafkaClient publishes ledger facts to a Kafka topic consumed by the ledger bridge
type KafkaClient struct {
	producer sarama.SyncProducer
	topic    string
	clock    clock.Clock
	logger   *slog.Logger
}

// NewKafkaProducer creates the sync producer used by KafkaClient
func NewKafkaProducer(cfg *config.KafkaConfig) (sarama.SyncProducer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Idempotent = true
	saramaConfig.Net.MaxOpenRequests = 1
	saramaConfig.Producer.Retry.Max = 3
	saramaConfig.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating ledger producer: %w", err)
	}
	return producer, nil
}

// NewKafkaClient wraps a producer
func NewKafkaClient(producer sarama.SyncProducer, topic string, clk clock.Clock, logger *slog.Logger) *KafkaClient {
	return &KafkaClient{
		producer: producer,
		topic:    topic,
		clock:    clk,
		logger:   logger,
	}
}

// Close closes the producer
func (c *KafkaClient) Close() error {
	return c.producer.Close()
}

// StoreProfile publishes a profile update
func (c *KafkaClient) StoreProfile(ctx context.Context, profile domain.ProfileSnapshot) error {
	return c.publish(ctx, domain.SyncProfileUpdate, profile.Identity, profile)
}

// StoreSession publishes a finished session
func (c *KafkaClient) StoreSession(ctx context.Context, session domain.SessionSnapshot) error {
	return c.publish(ctx, domain.SyncSessionResult, session.Identity, session)
}

// StoreAchievement publishes an unlock
func (c *KafkaClient) StoreAchievement(ctx context.Context, achievement domain.AchievementSnapshot) error {
	return c.publish(ctx, domain.SyncAchievement, achievement.Identity, achievement)
}

// AwardTokens publishes a token award
func (c *KafkaClient) AwardTokens(ctx context.Context, award domain.TokenAward) error {
	return c.publish(ctx, domain.SyncTokenAward, award.Identity, award)
}

func (c *KafkaClient) publish(ctx context.Context, kind domain.SyncKind, identity string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", kind, err)
	}
	data, err := json.Marshal(Envelope{
		Kind:        kind,
		Identity:    identity,
		Payload:     body,
		Signature:   Sign(body),
		PublishedAt: c.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	partition, offset, err := c.producer.SendMessage(&sarama.ProducerMessage{
		Topic: c.topic,
		Key:   sarama.StringEncoder(identity),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return fmt.Errorf("%w: publishing %s: %w", domain.ErrSyncFailure, kind, err)
	}

	c.logger.Debug("published ledger fact",
		"kind", kind,
		"identity", identity,
		"partition", partition,
		"offset", offset,
	)
	return nil
}

var _ Client = (*KafkaClient)(nil)
