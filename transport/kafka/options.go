package kafka

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/premisehq/saga/transport/codec"
)

// TopicConfig is applied to every topic RegisterEvent creates.
type TopicConfig struct {
	Partitions  int32
	Replication int16

	// Retention maps to retention.ms. Zero keeps the broker default.
	Retention time.Duration
}

// DefaultTopicConfig is one partition, one replica and broker retention.
var DefaultTopicConfig = TopicConfig{Partitions: 1, Replication: 1}

func (c TopicConfig) detail() *sarama.TopicDetail {
	d := &sarama.TopicDetail{
		NumPartitions:     c.Partitions,
		ReplicationFactor: c.Replication,
	}
	if c.Retention > 0 {
		ms := strconv.FormatInt(c.Retention.Milliseconds(), 10)
		d.ConfigEntries = map[string]*string{"retention.ms": &ms}
	}
	return d
}

// Option configures the Kafka transport.
type Option func(*Transport)

// WithCodec sets the envelope codec.
func WithCodec(c codec.Codec) Option {
	return func(t *Transport) {
		if c != nil {
			t.codec = c
		}
	}
}

// WithConsumerGroup sets the base of every consumer group id. Worker pools
// join "<group>-<event>[-<worker group>]".
func WithConsumerGroup(groupID string) Option {
	return func(t *Transport) {
		if groupID != "" {
			t.groupID = groupID
		}
	}
}

// WithTopicConfig sets partitions, replication and retention for created
// topics. Non-positive partition and replica counts keep the defaults.
func WithTopicConfig(c TopicConfig) Option {
	return func(t *Transport) {
		if c.Partitions > 0 {
			t.topics.Partitions = c.Partitions
		}
		if c.Replication > 0 {
			t.topics.Replication = c.Replication
		}
		if c.Retention > 0 {
			t.topics.Retention = c.Retention
		}
	}
}

// WithTopicPrefix namespaces topics, e.g. per environment. Event names that
// already carry the prefix are used as they are.
func WithTopicPrefix(prefix string) Option {
	return func(t *Transport) {
		t.prefix = prefix
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithErrorHandler is called for publish and consumer group errors.
func WithErrorHandler(fn func(error)) Option {
	return func(t *Transport) {
		if fn != nil {
			t.onError = fn
		}
	}
}

func (t *Transport) topicName(name string) string {
	if t.prefix == "" || strings.HasPrefix(name, t.prefix) {
		return name
	}
	return t.prefix + name
}
