// Package pubsubtopic wraps the Google Cloud Pub/Sub client into the two
// narrow capabilities this system actually needs: publishing WorkMessages
// in order (C5) and receiving them with manual ack/nack (C6). Keeping the
// interfaces narrow lets both sides be exercised against a fake in tests
// without a live project.
package pubsubtopic

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"

	"github.com/priorauth/browseragent/internal/domain"
)

// Publisher publishes WorkMessages to the work topic, one at a time, in
// the order Publish is called. Publish does not return until the broker
// has acknowledged the message.
type Publisher interface {
	Publish(ctx context.Context, msg domain.WorkMessage) error
}

// IncomingMessage is the decoded envelope handed to a Consumer's handler.
type IncomingMessage struct {
	RequestID string // from the req_id attribute, falling back to the broker message id
	Data      []byte
	Ack       func()
	Nack      func()
}

// Consumer subscribes to the work topic and dispatches each delivery to
// handler. Receive blocks until ctx is cancelled or the subscription
// fails.
type Consumer interface {
	Receive(ctx context.Context, handler func(IncomingMessage)) error
}

// Topic is a Publisher backed by a real pubsub.Topic.
type Topic struct {
	topic *pubsub.Topic
}

// NewTopic wraps an existing, already-configured pubsub.Topic.
func NewTopic(topic *pubsub.Topic) *Topic {
	return &Topic{topic: topic}
}

// Publish marshals msg and publishes it with its routing attributes,
// blocking until the broker acknowledges.
func (t *Topic) Publish(ctx context.Context, msg domain.WorkMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal work message: %w", err)
	}

	result := t.topic.Publish(ctx, &pubsub.Message{
		Data: body,
		Attributes: map[string]string{
			"batch_id":    msg.BatchID,
			"sequence_no": strconv.Itoa(msg.SequenceNo),
			"total_count": strconv.Itoa(msg.TotalCount),
			"vendor":      msg.Vendor,
			"agent_type":  "prior_auth",
			"req_id":      msg.RequestID,
		},
	})

	_, err = result.Get(ctx)
	return err
}

// Subscription is a Consumer backed by a real pubsub.Subscription.
type Subscription struct {
	sub *pubsub.Subscription
}

// NewSubscription wraps an existing, already-configured
// pubsub.Subscription (flow control settings, including outstanding
// message/byte caps, belong on the Subscription the caller constructs).
func NewSubscription(sub *pubsub.Subscription) *Subscription {
	return &Subscription{sub: sub}
}

// Receive dispatches every delivered message to handler, posted onto the
// client library's own goroutine pool so long-blocking handlers don't
// stall lease extension for other in-flight messages.
func (s *Subscription) Receive(ctx context.Context, handler func(IncomingMessage)) error {
	return s.sub.Receive(ctx, func(_ context.Context, m *pubsub.Message) {
		requestID := m.Attributes["req_id"]
		if requestID == "" {
			requestID = m.ID
		}
		handler(IncomingMessage{
			RequestID: requestID,
			Data:      m.Data,
			Ack:       m.Ack,
			Nack:      m.Nack,
		})
	})
}
