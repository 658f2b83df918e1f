// Package bus carries messages between the workers, the detector, the taps
// and the operator API. Delivery is at-least-once per consumer group with no
// ordering guarantee across topics.
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Topics consumed and published by the workers.
const (
	TopicUpdate               = "update"
	TopicWithdraw             = "withdraw"
	TopicHijackUpdate         = "hijack-update"
	TopicHandledUpdate        = "handled-update"
	TopicDBClock              = "db-clock"
	TopicConfigNotify         = "config-notify"
	TopicConfigRequest        = "config-request"
	TopicHijackOutdate        = "hijack-outdate"
	TopicHijackResolve        = "hijack-resolve"
	TopicHijackIgnore         = "hijack-ignore"
	TopicHijackDelete         = "hijack-delete"
	TopicHijackSeen           = "hijack-seen"
	TopicHijackComment        = "hijack-comment"
	TopicHijackMultipleAction = "hijack-multiple-action"
	TopicMitigationStart      = "mitigation-start"
	TopicMitigationRequest    = "mitigate"
	TopicHijackOngoingRequest = "hijack-ongoing-request"
	TopicHijackOngoing        = "hijack-ongoing"
	TopicHijackRekey          = "hijack-rekey"
)

// Message priorities. Higher is delivered first within a read batch.
const (
	PriorityLow    = 1
	PriorityNormal = 2
	PriorityHigh   = 4
)

// Message is one delivery.
type Message struct {
	ID            string
	Topic         string
	Body          json.RawMessage
	ReplyTo       string
	CorrelationID string
	Priority      int
}

// Decode unmarshals the body into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("decode %s message: %w", m.Topic, err)
	}
	return nil
}

// Subscription selects a topic. Shared subscriptions split messages across
// the processes of a service; broadcast subscriptions deliver every message
// to every process.
type Subscription struct {
	Topic     string
	Broadcast bool
}

// Handler processes one message. Handlers are invoked sequentially.
type Handler func(ctx context.Context, msg Message)

// Bus is implemented by Redis and Memory.
type Bus interface {
	// Publish appends msg to its topic.
	Publish(ctx context.Context, msg Message) error
	// Consume calls h for every message of subs until ctx is done.
	Consume(ctx context.Context, subs []Subscription, h Handler) error
	// ReplyTopic is the topic replies to this process arrive on.
	ReplyTopic() string
}

// Publish encodes v as JSON and publishes it to topic.
func Publish(ctx context.Context, b Bus, topic string, v any, priority int) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", topic, err)
	}
	return b.Publish(ctx, Message{Topic: topic, Body: body, Priority: priority})
}

// Request publishes v to topic asking for a reply on b.ReplyTopic(). It
// returns the correlation id the reply will carry.
func Request(ctx context.Context, b Bus, topic string, v any) (string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode %s request: %w", topic, err)
	}
	id := uuid.NewString()
	err = b.Publish(ctx, Message{
		Topic:         topic,
		Body:          body,
		ReplyTo:       b.ReplyTopic(),
		CorrelationID: id,
		Priority:      PriorityHigh,
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Reply answers req. Requests without a reply topic are ignored.
func Reply(ctx context.Context, b Bus, req Message, v any) error {
	if req.ReplyTo == "" {
		return nil
	}
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	return b.Publish(ctx, Message{
		Topic:         req.ReplyTo,
		Body:          body,
		CorrelationID: req.CorrelationID,
		Priority:      PriorityHigh,
	})
}

func replyTopic(service, instance string) string {
	return "reply." + service + "." + instance
}

// startsAtNewest reports whether a new consumer group on sub skips the
// existing backlog. Broadcast groups are created per process start, so they
// only see messages published afterwards; reply topics and shared groups
// start from the beginning.
func startsAtNewest(sub Subscription, reply string) bool {
	return sub.Broadcast && sub.Topic != reply
}
