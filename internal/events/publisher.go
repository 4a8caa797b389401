// Package events publishes terminal transfer records to Kafka. Publishing
// is fire-and-forget: the forwarding pipeline never blocks or fails on the
// event stream.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/radgate/radgate/internal/config"
	"github.com/radgate/radgate/internal/metrics"
)

// DestinationOutcome is one edge of a finished transfer.
type DestinationOutcome struct {
	Name             string `json:"name"`
	State            string `json:"state"`
	Attempts         int    `json:"attempts"`
	FilesTransferred int    `json:"filesTransferred"`
	Bytes            int64  `json:"bytes,omitempty"`
	Error            string `json:"error,omitempty"`
}

// TransferEvent is the record produced when a transfer reaches a terminal
// state. Keyed by study UID so one study's events land on one partition.
type TransferEvent struct {
	TransferID   string               `json:"transferId"`
	InstanceID   string               `json:"instanceId"`
	Route        string               `json:"route"`
	StudyUID     string               `json:"studyUid"`
	CallingAE    string               `json:"callingAe,omitempty"`
	State        string               `json:"state"`
	FileCount    int                  `json:"fileCount"`
	Bytes        int64                `json:"bytes"`
	StartedAt    time.Time            `json:"startedAt"`
	FinishedAt   time.Time            `json:"finishedAt"`
	DurationMS   int64                `json:"durationMs"`
	Destinations []DestinationOutcome `json:"destinations"`
}

type Publisher struct {
	client     *kgo.Client
	topic      string
	instanceID string
	logger     *zap.Logger
}

// NewPublisher builds a producer from the events config. Returns (nil, nil)
// when events are disabled; callers treat a nil publisher as a no-op.
func NewPublisher(cfg config.EventsConfig, instanceID string, logger *zap.Logger) (*Publisher, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	}
	tlsCfg, err := cfg.TLS.BuildTLSConfig()
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if mech := cfg.BuildSASLMechanism(); mech != nil {
		opts = append(opts, kgo.SASL(mech))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	return &Publisher{
		client:     client,
		topic:      cfg.Topic,
		instanceID: instanceID,
		logger:     logger,
	}, nil
}

// PublishTransfer produces one event asynchronously. A nil publisher is a
// no-op so the pipeline needs no enabled check.
func (p *Publisher) PublishTransfer(ctx context.Context, ev TransferEvent) {
	if p == nil {
		return
	}
	ev.InstanceID = p.instanceID
	value, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("events: marshal transfer event", zap.Error(err))
		metrics.EventsPublishedTotal.WithLabelValues("error").Inc()
		return
	}
	rec := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(ev.StudyUID),
		Value: value,
	}
	p.client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
		if err != nil {
			p.logger.Error("events: produce failed",
				zap.String("study_uid", ev.StudyUID), zap.Error(err))
			metrics.EventsPublishedTotal.WithLabelValues("error").Inc()
			return
		}
		metrics.EventsPublishedTotal.WithLabelValues("ok").Inc()
	})
}

// Close flushes buffered records with a bounded wait.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("events: flush on close", zap.Error(err))
	}
	p.client.Close()
}
