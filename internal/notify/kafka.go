package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rohmanhakim/harvester/internal/work"
)

// BundleEvent is published once per committed bundle.
type BundleEvent struct {
	BundleID      string         `json:"bundleId"`
	RunID         string         `json:"runId,omitempty"`
	StorageKey    string         `json:"storageKey"`
	ResourceCount int            `json:"resourceCount"`
	Bytes         int64          `json:"bytes"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CommittedAt   time.Time      `json:"committedAt"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes a BundleEvent for every bundle it is told about.
// It is a work.BundleListener; publish failures are logged and counted but
// never fail the bundle, which is already durable.
type KafkaNotifier struct {
	writer  messageWriter
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	published atomic.Int64
	failed    atomic.Int64
}

// NewKafkaNotifier creates a notifier for the given broker and topic.
func NewKafkaNotifier(broker, topic string, logger *slog.Logger) *KafkaNotifier {
	return NewKafkaNotifierWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(broker),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: false,
	}, logger)
}

// NewKafkaNotifierWithWriter builds a notifier using a custom writer (tests).
func NewKafkaNotifierWithWriter(writer messageWriter, logger *slog.Logger) *KafkaNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaNotifier{
		writer:  writer,
		timeout: 5 * time.Second,
		logger:  logger,
		now:     time.Now,
	}
}

// OnBundleCommitted publishes commit keyed by bundle id, so events of one
// bundle always land on the same partition. Publishing outlives a cancelled
// run by up to the notifier timeout.
func (n *KafkaNotifier) OnBundleCommitted(ctx context.Context, commit work.BundleCommit) {
	event := BundleEvent{
		BundleID:      commit.ID,
		StorageKey:    commit.StorageKey,
		ResourceCount: commit.ResourceCount,
		Bytes:         commit.Bytes,
		Metadata:      commit.Metadata,
		CommittedAt:   n.now().UTC(),
	}
	if runID, ok := commit.Metadata["run_id"].(string); ok {
		event.RunID = runID
	}

	if err := n.Publish(ctx, event); err != nil {
		n.failed.Add(1)
		n.logger.Warn("bundle event not published",
			slog.String("bundle_id", commit.ID),
			slog.Any("error", err),
		)
		return
	}
	n.published.Add(1)
}

// Publish writes one event.
func (n *KafkaNotifier) Publish(ctx context.Context, event BundleEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(event.BundleID),
		Value: payload,
		Time:  event.CommittedAt,
	}
	return n.writer.WriteMessages(writeCtx, msg)
}

// Stats returns the number of events published and failed so far.
func (n *KafkaNotifier) Stats() (published, failed int64) {
	return n.published.Load(), n.failed.Load()
}

// Close shuts down the underlying writer.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
