// Package consumer feeds the committer from a Kafka/Redpanda topic of
// document events.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/hashicorp-forge/hermes-committer/pkg/committer"
	"github.com/hashicorp-forge/hermes-committer/pkg/fieldmap"
)

// ErrMalformedEvent is returned for records that cannot be decoded into a
// DocumentEvent. Such records are skipped.
var ErrMalformedEvent = errors.New("malformed document event")

const (
	ActionAdd    = "add"
	ActionRemove = "remove"
)

// DocumentEvent is the JSON value of a record on the document topic.
type DocumentEvent struct {
	ID         string              `json:"id"`
	Action     string              `json:"action"`
	Content    string              `json:"content,omitempty"`
	Attributes fieldmap.Attributes `json:"attributes,omitempty"`
}

// Sink receives decoded events. *committer.Committer implements it.
type Sink interface {
	Add(ctx context.Context, id string, content io.Reader, attrs fieldmap.Attributes) error
	Remove(ctx context.Context, id string, attrs fieldmap.Attributes) error
}

// Config holds configuration for the consumer.
type Config struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string

	// ConsumeFromStart reads a new group from the beginning of the topic
	// instead of the end.
	ConsumeFromStart bool

	Sink   Sink
	Logger hclog.Logger
}

// Consumer reads document events and hands them to a Sink. Offsets are
// committed only after the sink has durably queued the operation.
type Consumer struct {
	client *kgo.Client
	sink   Sink
	logger hclog.Logger
	stopCh chan struct{}
}

// New creates a consumer.
func New(cfg Config) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "hermes-committer"
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	offset := kgo.NewOffset().AtEnd()
	if cfg.ConsumeFromStart {
		offset = kgo.NewOffset().AtStart()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(offset),
		kgo.SessionTimeout(10*time.Second),
		kgo.RebalanceTimeout(30*time.Second),
		kgo.DisableAutoCommit(),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.FetchMinBytes(1),
		kgo.FetchMaxBytes(5<<20),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Consumer{
		client: client,
		sink:   cfg.Sink,
		logger: cfg.Logger.Named("consumer"),
		stopCh: make(chan struct{}),
	}, nil
}

// Start polls until ctx is canceled or Stop is called. It returns an error
// when an event could not be queued; the offset of that event is not
// committed, so it is delivered again after a restart.
func (c *Consumer) Start(ctx context.Context) error {
	group, _ := c.client.GroupMetadata()
	c.logger.Info("starting document consumer", "consumer_group", group)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("document consumer stopped by context")
			return ctx.Err()
		case <-c.stopCh:
			c.logger.Info("document consumer stopped")
			return nil
		default:
		}

		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				if errors.Is(fe.Err, context.Canceled) {
					continue
				}
				c.logger.Error("kafka fetch error", "topic", fe.Topic, "partition", fe.Partition, "error", fe.Err)
			}
			continue
		}

		iter := fetches.RecordIter()
		for !iter.Done() {
			record := iter.Next()

			err := c.processRecord(ctx, record)
			if !shouldCommit(err) {
				c.logger.Error("failed to queue document event, stopping",
					"partition", record.Partition,
					"offset", record.Offset,
					"error", err,
				)
				return fmt.Errorf("failed to queue record at offset %d: %w", record.Offset, err)
			}
			if err != nil {
				c.logger.Warn("document event not fully processed",
					"partition", record.Partition,
					"offset", record.Offset,
					"error", err,
				)
			}

			if err := c.client.CommitRecords(ctx, record); err != nil {
				c.logger.Warn("failed to commit Kafka offset",
					"partition", record.Partition,
					"offset", record.Offset,
					"error", err,
				)
			}
		}
	}
}

// Stop gracefully stops the consumer.
func (c *Consumer) Stop() {
	select {
	case <-c.stopCh:
		return
	default:
		close(c.stopCh)
		c.client.Close()
	}
}

func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) error {
	event, err := DecodeEvent(record.Key, record.Value)
	if err != nil {
		return err
	}

	c.logger.Trace("processing document event",
		"partition", record.Partition,
		"offset", record.Offset,
		"id", event.ID,
		"action", event.Action,
	)

	switch event.Action {
	case ActionAdd:
		return c.sink.Add(ctx, event.ID, strings.NewReader(event.Content), event.Attributes)
	default:
		return c.sink.Remove(ctx, event.ID, event.Attributes)
	}
}

// DecodeEvent parses a record value. The record key is used as the
// document id when the event carries none.
func DecodeEvent(key, value []byte) (DocumentEvent, error) {
	var event DocumentEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return event, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if event.ID == "" {
		event.ID = string(key)
	}
	if event.ID == "" {
		return event, fmt.Errorf("%w: missing id", ErrMalformedEvent)
	}
	switch event.Action {
	case ActionAdd, ActionRemove:
	case "delete":
		event.Action = ActionRemove
	default:
		return event, fmt.Errorf("%w: unknown action %q", ErrMalformedEvent, event.Action)
	}
	return event, nil
}

// shouldCommit reports whether the record's offset can be committed. Once
// an operation is queued, a failed auto-flush is retried by the committer
// and does not block the topic, whatever its failure class.
func shouldCommit(err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrMalformedEvent):
		return true
	case errors.Is(err, committer.ErrAutoFlush):
		return true
	default:
		return false
	}
}
