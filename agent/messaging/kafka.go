package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig configures the Kafka client.
type KafkaConfig struct {
	Brokers     []string      `yaml:"brokers" json:"brokers"`
	TopicPrefix string        `yaml:"topic_prefix" json:"topic_prefix"`
	GroupID     string        `yaml:"group_id" json:"group_id"`
	BatchTime   time.Duration `yaml:"batch_time" json:"batch_time"`
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaClient implements Client over Kafka topics. Every agent reads with
// its own consumer group so broadcast topics reach all agents. Readers start
// at the latest offset; a message published while a reader is still joining
// its group can be missed.
type KafkaClient struct {
	config  KafkaConfig
	agentID string
	router  *router
	logger  *zap.Logger

	newWriter func() kafkaWriter
	newReader func(topic string) kafkaReader

	mu      sync.Mutex
	writer  kafkaWriter
	readers map[string]kafkaReader
	cancels map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// NewKafkaClient creates a Kafka messaging client.
func NewKafkaClient(config KafkaConfig, agentID string, logger *zap.Logger) *KafkaClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.GroupID == "" {
		config.GroupID = agentID
	}
	if config.BatchTime <= 0 {
		config.BatchTime = 10 * time.Millisecond
	}
	logger = logger.With(zap.String("component", "kafka_messaging"), zap.String("agent_id", agentID))
	c := &KafkaClient{
		config:  config,
		agentID: agentID,
		router:  newRouter(logger),
		logger:  logger,
		readers: make(map[string]kafkaReader),
		cancels: make(map[string]context.CancelFunc),
	}
	c.newWriter = func() kafkaWriter {
		return &kafka.Writer{
			Addr:                   kafka.TCP(config.Brokers...),
			Balancer:               &kafka.Hash{},
			BatchTimeout:           config.BatchTime,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		}
	}
	c.newReader = func(topic string) kafkaReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     config.Brokers,
			Topic:       topic,
			GroupID:     config.GroupID,
			StartOffset: kafka.LastOffset,
			MinBytes:    1,
			MaxBytes:    10e6,
		})
	}
	return c
}

// Connect implements Client.
func (c *KafkaClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.writer != nil {
		return nil
	}
	if len(c.config.Brokers) == 0 {
		return fmt.Errorf("kafka brokers not configured")
	}
	c.writer = c.newWriter()
	c.logger.Info("kafka messaging connected", zap.Strings("brokers", c.config.Brokers))
	return nil
}

// Disconnect implements Client.
func (c *KafkaClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	writer := c.writer
	c.writer = nil
	readers, cancels := c.readers, c.cancels
	c.readers = make(map[string]kafkaReader)
	c.cancels = make(map[string]context.CancelFunc)
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, r := range readers {
		_ = r.Close()
	}
	c.wg.Wait()
	c.router.reset()

	if writer != nil {
		return writer.Close()
	}
	return nil
}

// KafkaTopic maps a slash topic to a legal Kafka topic name.
func (c *KafkaClient) KafkaTopic(topic string) string {
	s := subjectFor(topic)
	if c.config.TopicPrefix != "" {
		s = c.config.TopicPrefix + "." + s
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == '-':
			return r
		}
		return '_'
	}, s)
}

// Subscribe implements Client.
func (c *KafkaClient) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.writer == nil {
		return nil, ErrNotConnected
	}

	id, first := c.router.addTopic(topic, handler)
	if first {
		r := c.newReader(c.KafkaTopic(topic))
		readCtx, cancel := context.WithCancel(context.Background())
		c.readers[topic] = r
		c.cancels[topic] = cancel
		c.wg.Add(1)
		go c.read(readCtx, topic, r)
	}

	var once sync.Once
	return subscriptionFunc(func() error {
		var err error
		once.Do(func() {
			if !c.router.removeTopic(topic, id) {
				return
			}
			c.mu.Lock()
			r, cancel := c.readers[topic], c.cancels[topic]
			delete(c.readers, topic)
			delete(c.cancels, topic)
			c.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			if r != nil {
				err = r.Close()
			}
		})
		return err
	}), nil
}

func (c *KafkaClient) read(ctx context.Context, topic string, r kafkaReader) {
	defer c.wg.Done()

	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Warn("kafka read error", zap.String("topic", topic), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		env, err := DecodeEnvelope(msg.Value)
		if err != nil {
			c.logger.Warn("dropping malformed envelope", zap.String("topic", topic), zap.Error(err))
			continue
		}
		c.router.dispatch(context.Background(), topic, env)
	}
}

// Publish implements Client. Messages are keyed by conversation id so a
// conversation stays on one partition.
func (c *KafkaClient) Publish(ctx context.Context, topic string, env *Envelope) error {
	c.mu.Lock()
	closed, writer := c.closed, c.writer
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if writer == nil {
		return ErrNotConnected
	}

	env.Topic = topic
	if env.SenderID == "" {
		env.SenderID = c.agentID
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Topic: c.KafkaTopic(topic),
		Key:   []byte(env.ConversationID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "performative", Value: []byte(env.Performative)},
			{Key: "sender", Value: []byte(env.SenderID)},
		},
	}
	if err := writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// RegisterConversation implements Client.
func (c *KafkaClient) RegisterConversation(conversationID string, handler Handler) (Subscription, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return c.router.registerConversation(conversationID, handler)
}

var _ Client = (*KafkaClient)(nil)
