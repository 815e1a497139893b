package messaging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Backend names accepted by NewClient.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendNATS   = "nats"
	BackendKafka  = "kafka"
)

// Config selects and configures a messaging backend.
type Config struct {
	Backend string      `yaml:"backend" json:"backend"`
	Redis   RedisConfig `yaml:"redis" json:"redis"`
	NATS    NATSConfig  `yaml:"nats" json:"nats"`
	Kafka   KafkaConfig `yaml:"kafka" json:"kafka"`
}

// DefaultConfig uses the in-process bus.
func DefaultConfig() Config {
	return Config{
		Backend: BackendMemory,
		Redis:   RedisConfig{Addr: "localhost:6379", ChannelPrefix: "holonflow:"},
		NATS:    NATSConfig{URL: "nats://127.0.0.1:4222"},
		Kafka:   KafkaConfig{Brokers: []string{"localhost:9092"}},
	}
}

// NewClient builds the client selected by config.Backend. bus is only used
// by the memory backend; a nil bus gets a private one.
func NewClient(config Config, agentID string, bus *MemoryBus, logger *zap.Logger) (Client, error) {
	switch strings.ToLower(strings.TrimSpace(config.Backend)) {
	case BackendMemory, "":
		if bus == nil {
			bus = NewMemoryBus(logger)
		}
		return bus.Client(agentID), nil
	case BackendRedis:
		return NewRedisClient(config.Redis, agentID, logger), nil
	case BackendNATS:
		return NewNATSClient(config.NATS, agentID, logger), nil
	case BackendKafka:
		return NewKafkaClient(config.Kafka, agentID, logger), nil
	default:
		return nil, fmt.Errorf("unsupported messaging backend %q", config.Backend)
	}
}
