package kafka

import (
	"os"
	"strings"
)

const (
	DefaultBroker        = "localhost:19092"
	DefaultDocumentTopic = "hermes.documents"
	DefaultConsumerGroup = "hermes-committer"
)

// Config is the optional kafka block of the committer configuration.
type Config struct {
	Brokers          []string `hcl:"brokers,optional"`
	Topic            string   `hcl:"topic,optional"`
	ConsumerGroup    string   `hcl:"consumer_group,optional"`
	ConsumeFromStart bool     `hcl:"consume_from_start,optional"`
}

// GetBrokers returns the Kafka/Redpanda broker addresses.
// It checks environment variables first, then falls back to config, then default.
func GetBrokers(cfg *Config) []string {
	if brokers := os.Getenv("REDPANDA_BROKERS"); brokers != "" {
		return splitList(brokers)
	}

	if cfg != nil && len(cfg.Brokers) > 0 {
		return cfg.Brokers
	}

	return []string{DefaultBroker}
}

// GetDocumentTopic returns the document event topic name.
// It checks environment variables first, then falls back to config, then default.
func GetDocumentTopic(cfg *Config) string {
	if topic := os.Getenv("DOCUMENT_TOPIC"); topic != "" {
		return topic
	}

	if cfg != nil && cfg.Topic != "" {
		return cfg.Topic
	}

	return DefaultDocumentTopic
}

// GetConsumerGroup returns the consumer group name.
// It checks environment variables first, then falls back to config, then default.
func GetConsumerGroup(cfg *Config) string {
	if group := os.Getenv("CONSUMER_GROUP"); group != "" {
		return group
	}

	if cfg != nil && cfg.ConsumerGroup != "" {
		return cfg.ConsumerGroup
	}

	return DefaultConsumerGroup
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
