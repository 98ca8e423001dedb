// Package approval connects the temporary access broker to the external approval workflow
// over the message broker.
package approval

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/pkg/logger"
	"github.com/jwalitptl/access-api/pkg/messaging"
)

// Envelope is what the workflow receives on the request channel.
type Envelope struct {
	WorkflowID string                `json:"workflow_id"`
	Request    model.ApprovalRequest `json:"request"`
}

// Submitter publishes approval requests. The workflow id is assigned here and echoed back
// by the workflow in its decision.
type Submitter struct {
	publisher messaging.Publisher
	channel   string
}

func NewSubmitter(publisher messaging.Publisher, channel string) *Submitter {
	return &Submitter{publisher: publisher, channel: channel}
}

func (s *Submitter) SubmitApprovalRequest(ctx context.Context, req model.ApprovalRequest) (string, error) {
	workflowID := uuid.NewString()
	if err := s.publisher.Publish(ctx, s.channel, Envelope{WorkflowID: workflowID, Request: req}); err != nil {
		return "", fmt.Errorf("failed to publish approval request: %w", err)
	}
	return workflowID, nil
}

// DecisionHandler consumes one workflow verdict.
type DecisionHandler func(ctx context.Context, decision model.ApprovalDecision) error

// Listener feeds decisions from the decision channel into a handler.
type Listener struct {
	broker  messaging.Broker
	channel string
	handle  DecisionHandler
	logger  *logger.Logger
}

func NewListener(broker messaging.Broker, channel string, handle DecisionHandler, log *logger.Logger) *Listener {
	return &Listener{broker: broker, channel: channel, handle: handle, logger: log.With("approval-listener")}
}

// Run blocks until ctx is done or the subscription closes.
func (l *Listener) Run(ctx context.Context) error {
	messages, err := l.broker.Subscribe(ctx, l.channel)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", l.channel, err)
	}
	l.logger.Info("listening for approval decisions", "channel", l.channel)

	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-messages:
			if !ok {
				return nil
			}
			var decision model.ApprovalDecision
			if err := json.Unmarshal(payload, &decision); err != nil {
				l.logger.Error(err, "discarding malformed approval decision")
				continue
			}
			if err := l.handle(ctx, decision); err != nil {
				l.logger.Error(err, "failed to apply approval decision", "workflow_id", decision.WorkflowID)
			}
		}
	}
}
