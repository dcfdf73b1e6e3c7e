package streaming

import (
	"context"
	"log"

	"github.com/kernelforge/kernelforge/deployment"
	"github.com/kernelforge/kernelforge/observability"
)

// Notifier adapts the publisher and hub to the pipeline's notification
// seam. All delivery is best-effort: a failed publish is counted and
// logged, never surfaced to the pipeline.
type Notifier struct {
	publisher Publisher
	hub       *Hub
}

// NewNotifier builds a notifier. Either collaborator may be nil.
func NewNotifier(publisher Publisher, hub *Hub) *Notifier {
	return &Notifier{publisher: publisher, hub: hub}
}

func (n *Notifier) NotifyStatusChanged(ctx context.Context, executionID string, state *deployment.ExecutionState) {
	event, err := NewEvent(TopicStatus, executionID, state)
	if err != nil {
		observability.NotifyFailures.WithLabelValues("status").Inc()
		log.Printf("[notifier] encode status for %s: %v", executionID, err)
		return
	}
	n.send(ctx, event, "status")
}

type progressPayload struct {
	Stage   string `json:"stage"`
	Percent int    `json:"percent"`
}

func (n *Notifier) NotifyProgress(ctx context.Context, executionID string, stageName string, percent int) {
	event, err := NewEvent(TopicProgress, executionID, progressPayload{Stage: stageName, Percent: percent})
	if err != nil {
		observability.NotifyFailures.WithLabelValues("progress").Inc()
		return
	}
	n.send(ctx, event, "progress")
}

func (n *Notifier) send(ctx context.Context, event Event, kind string) {
	if n.publisher != nil {
		if err := n.publisher.Publish(ctx, event); err != nil {
			observability.NotifyFailures.WithLabelValues(kind).Inc()
			log.Printf("[notifier] publish %s event %s: %v", kind, event.ID, err)
		}
	}
	if n.hub != nil {
		n.hub.Broadcast(event)
	}
}
