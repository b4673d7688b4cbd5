package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/sitequest/sitequest/internal/crawler"
)

// PubSub implements crawler.JobQueue on Google Cloud Pub/Sub so accepted
// submissions survive process restarts. It authenticates with Application
// Default Credentials.
type PubSub struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *zap.Logger

	receiveOnce sync.Once
	msgs        chan crawler.Submission
	receiveErr  error
	receiveMu   sync.Mutex
}

// NewPubSub connects to the topic and subscription, verifying both exist.
func NewPubSub(ctx context.Context, projectID, topicID, subscriptionID string, logger *zap.Logger) (*PubSub, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}

	topic := client.Topic(topicID)
	ok, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check topic %q: %w", topicID, err)
	}
	if !ok {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}

	sub := client.Subscription(subscriptionID)
	ok, err = sub.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check subscription %q: %w", subscriptionID, err)
	}
	if !ok {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub subscription %q does not exist in project %q", subscriptionID, projectID)
	}

	return &PubSub{
		client: client,
		topic:  topic,
		sub:    sub,
		logger: logger,
		msgs:   make(chan crawler.Submission),
	}, nil
}

// Enqueue publishes the submission and waits for the server ack so the API
// can refuse the request if intake is down.
func (q *PubSub) Enqueue(ctx context.Context, sub crawler.Submission) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}
	result := q.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"job_id": sub.JobID},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish submission: %w", err)
	}
	return nil
}

// Dequeue returns the next submission. The first call starts the streaming
// receiver; messages that fail to decode are acked and dropped with a
// warning so a poison message cannot wedge intake.
func (q *PubSub) Dequeue(ctx context.Context) (crawler.Submission, error) {
	q.receiveOnce.Do(func() {
		go q.receive(context.Background())
	})
	select {
	case <-ctx.Done():
		return crawler.Submission{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case sub, ok := <-q.msgs:
		if !ok {
			q.receiveMu.Lock()
			err := q.receiveErr
			q.receiveMu.Unlock()
			if err == nil {
				err = fmt.Errorf("pubsub receiver stopped")
			}
			return crawler.Submission{}, err
		}
		return sub, nil
	}
}

func (q *PubSub) receive(ctx context.Context) {
	err := q.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		var sub crawler.Submission
		if err := json.Unmarshal(msg.Data, &sub); err != nil {
			q.logger.Warn("dropping undecodable submission",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			msg.Ack()
			return
		}
		select {
		case q.msgs <- sub:
			msg.Ack()
		case <-ctx.Done():
			msg.Nack()
		}
	})
	q.receiveMu.Lock()
	q.receiveErr = err
	q.receiveMu.Unlock()
	close(q.msgs)
}

// Close stops the publisher and closes the client connection.
func (q *PubSub) Close() error {
	q.topic.Stop()
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
