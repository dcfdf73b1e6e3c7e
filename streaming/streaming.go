// Package streaming pushes deployment progress to subscribers: a Publisher
// carries events to an external bus, the Hub fans them out to live
// websocket clients, and Notifier is the pipeline-facing adapter over both.
package streaming

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
)

// Event is one streamed deployment event.
type Event struct {
	ID          string    `json:"id"`
	Topic       string    `json:"topic"`
	ExecutionID string    `json:"execution_id"`
	Payload     []byte    `json:"payload"`
	Timestamp   time.Time `json:"timestamp"`
	Source      string    `json:"source"`
}

// Publisher delivers events to an external consumer.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Topics for deployment events.
const (
	TopicStatus   = "deployments.status"
	TopicProgress = "deployments.progress"
)

// NewEvent builds an event with a fresh id and marshalled payload.
func NewEvent(topic, executionID string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:          uuid.NewString(),
		Topic:       topic,
		ExecutionID: executionID,
		Payload:     data,
		Timestamp:   time.Now().UTC(),
		Source:      "kernelforge",
	}, nil
}

// LogPublisher writes events to the process log. It stands in for a real
// message bus in single-process deployments and tests.
type LogPublisher struct {
	logger *log.Logger
}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{logger: log.Default()}
}

func (p *LogPublisher) Publish(ctx context.Context, event Event) error {
	p.logger.Printf("[streaming] %s %s: %s", event.Topic, event.ExecutionID, event.Payload)
	return nil
}

func (p *LogPublisher) Close() error {
	p.logger.Println("[streaming] log publisher closed")
	return nil
}
