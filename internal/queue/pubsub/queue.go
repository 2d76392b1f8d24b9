// Package pubsub provides the durable job queue backed by Google Cloud
// Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/7and1/thedoorpost/internal/analyzer"
)

// Config identifies the topic and subscription used for job dispatch.
type Config struct {
	ProjectID      string
	TopicID        string
	SubscriptionID string
}

type delivery struct {
	item analyzer.QueueItem
	msg  *pubsub.Message
}

// Queue publishes accepted submissions and consumes them through a pull
// subscription. Messages are acked only after the pipeline finishes;
// nacked messages are redelivered by Pub/Sub.
type Queue struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *zap.Logger

	startOnce  sync.Once
	deliveries chan delivery
	recvCancel context.CancelFunc
}

// New creates the Pub/Sub queue and verifies the topic exists.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(cfg.TopicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("close pubsub client", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("check topic %q: %w", cfg.TopicID, err)
	}
	if !exists {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("close pubsub client", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", cfg.TopicID, cfg.ProjectID)
	}
	return &Queue{
		client:     client,
		topic:      topic,
		sub:        client.Subscription(cfg.SubscriptionID),
		logger:     logger,
		deliveries: make(chan delivery),
	}, nil
}

// Enqueue publishes the item and waits for the server acknowledgement so a
// submission is never accepted without a durable queue entry.
func (q *Queue) Enqueue(ctx context.Context, item analyzer.QueueItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode queue item: %w", err)
	}
	result := q.topic.Publish(ctx, &pubsub.Message{Data: data})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish queue item: %w", err)
	}
	return nil
}

// Dequeue returns the next delivered item. The first call starts the
// background Receive loop.
func (q *Queue) Dequeue(ctx context.Context) (analyzer.QueueItem, analyzer.AckFunc, error) {
	q.startOnce.Do(q.startReceive)
	select {
	case <-ctx.Done():
		return analyzer.QueueItem{}, nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case d := <-q.deliveries:
		ack := func(ok bool) {
			if ok {
				d.msg.Ack()
				return
			}
			d.msg.Nack()
		}
		return d.item, ack, nil
	}
}

func (q *Queue) startReceive() {
	recvCtx, cancel := context.WithCancel(context.Background())
	q.recvCancel = cancel
	go func() {
		err := q.sub.Receive(recvCtx, func(ctx context.Context, msg *pubsub.Message) {
			var item analyzer.QueueItem
			if err := json.Unmarshal(msg.Data, &item); err != nil {
				q.logger.Warn("dropping undecodable queue message", zap.Error(err))
				msg.Ack()
				return
			}
			select {
			case q.deliveries <- delivery{item: item, msg: msg}:
			case <-ctx.Done():
				msg.Nack()
			}
		})
		if err != nil && recvCtx.Err() == nil {
			q.logger.Error("pubsub receive stopped", zap.Error(err))
		}
	}()
}

// Close stops the receive loop and releases the client.
func (q *Queue) Close() error {
	if q.recvCancel != nil {
		q.recvCancel()
	}
	q.topic.Stop()
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
