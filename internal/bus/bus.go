// Package bus binds the topic conventions of spec §6 to Redis: PUBLISH
// for request/response/status/discovery fan-out, and a consumer-group
// stream per workflow name for at-least-once submit intake, grounded on
// the teacher's common/redis/client.go helper surface.
package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Bus publishes and subscribes to the namespaced topics of spec §6.
type Bus struct {
	rdb       *redis.Client
	namespace string // topic prefix "N"
}

// New wraps an existing redis client with the executor's topic naming.
func New(rdb *redis.Client, namespace string) *Bus {
	if namespace == "" {
		namespace = "N"
	}
	return &Bus{rdb: rdb, namespace: namespace}
}

func (b *Bus) topic(parts ...string) string {
	return b.namespace + "/" + strings.Join(parts, "/")
}

// RequestTopic is where a submit for agent/workflow name is published.
func (b *Bus) RequestTopic(name string) string {
	return b.topic("agent", "request", name)
}

// ResponseTopic is where responses to subTaskID arrive for workflowName.
func (b *Bus) ResponseTopic(workflowName, subTaskID string) string {
	return b.topic("agent", "response", workflowName, subTaskID)
}

// ResponsePattern subscribes to every sub-task response for workflowName.
func (b *Bus) ResponsePattern(workflowName string) string {
	return b.topic("agent", "response", workflowName, "*")
}

// StatusTopic is where progress updates for subTaskID arrive.
func (b *Bus) StatusTopic(workflowName, subTaskID string) string {
	return b.topic("agent", "status", workflowName, subTaskID)
}

// DiscoveryTopic carries agent-card announcements.
func (b *Bus) DiscoveryTopic() string {
	return b.topic("agent", "discovery")
}

// ClientResponseTopic is the fallback terminal-response topic when no
// replyTo was supplied on the inbound submit.
func (b *Bus) ClientResponseTopic(clientID string) string {
	return b.topic("client", "response", clientID)
}

// EventsTopic is the side-channel progress-event topic for an execution.
func (b *Bus) EventsTopic(executionID string) string {
	return b.topic("events", executionID)
}

// Publish publishes payload (already-encoded bytes) to topic.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("bus publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe pattern-subscribes to topic and returns the raw pubsub handle;
// callers read Channel() and must Close() when done.
func (b *Bus) Subscribe(ctx context.Context, pattern string) *redis.PubSub {
	return b.rdb.PSubscribe(ctx, pattern)
}

// EnsureGroup creates stream's consumer group if it does not already
// exist, mirroring the teacher's CreateStreamGroup idempotent-create.
func (b *Bus) EnsureGroup(ctx context.Context, stream, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create stream group %s/%s: %w", stream, group, err)
	}
	return nil
}

// SubmitStream is the at-least-once intake stream for workflow submits.
func (b *Bus) SubmitStream(workflowName string) string {
	return "wf.submit." + workflowName
}

// PublishSubmit appends a submit envelope to the workflow's intake
// stream.
func (b *Bus) PublishSubmit(ctx context.Context, workflowName string, values map[string]any) (string, error) {
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.SubmitStream(workflowName),
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publish submit for %s: %w", workflowName, err)
	}
	return id, nil
}

// ReadSubmits reads pending submits for consumer within group, blocking
// up to block for at least one message.
func (b *Bus) ReadSubmits(ctx context.Context, workflowName, group, consumer string, count int64, block time.Duration) ([]redis.XStream, error) {
	res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{b.SubmitStream(workflowName), ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("read submits for %s: %w", workflowName, err)
	}
	return res, nil
}

// AckSubmit acknowledges a processed submit message.
func (b *Bus) AckSubmit(ctx context.Context, workflowName, group, messageID string) error {
	if err := b.rdb.XAck(ctx, b.SubmitStream(workflowName), group, messageID).Err(); err != nil {
		return fmt.Errorf("ack submit %s: %w", messageID, err)
	}
	return nil
}
