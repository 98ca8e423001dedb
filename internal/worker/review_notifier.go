package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/pkg/logger"
	"github.com/jwalitptl/access-api/pkg/messaging"
	"github.com/jwalitptl/access-api/pkg/notify"
)

// ReviewNotifier mails compliance reviewers for every break-glass override that needs review.
type ReviewNotifier struct {
	broker     messaging.Broker
	sender     notify.Sender
	recipients []string
	logger     *logger.Logger
}

func NewReviewNotifier(broker messaging.Broker, sender notify.Sender, recipients []string, log *logger.Logger) *ReviewNotifier {
	return &ReviewNotifier{
		broker:     broker,
		sender:     sender,
		recipients: recipients,
		logger:     log.With("review-notifier"),
	}
}

// Run blocks until ctx is done or the subscription closes.
func (n *ReviewNotifier) Run(ctx context.Context) error {
	messages, err := n.broker.Subscribe(ctx, model.EventBreakGlassReview)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", model.EventBreakGlassReview, err)
	}
	if len(n.recipients) == 0 {
		n.logger.Warn("no break-glass review recipients configured, notices will only be logged")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-messages:
			if !ok {
				return nil
			}
			var notice model.BreakGlassReviewNotice
			if err := json.Unmarshal(payload, &notice); err != nil {
				n.logger.Error(err, "discarding malformed review notice")
				continue
			}
			if err := n.Notify(ctx, notice); err != nil {
				n.logger.Error(err, "failed to send review notice", "audit_id", notice.AuditID.String())
			}
		}
	}
}

// Notify sends one notice. The message names the entry to review, never clinical content.
func (n *ReviewNotifier) Notify(ctx context.Context, notice model.BreakGlassReviewNotice) error {
	n.logger.Info("break-glass review requested",
		"audit_id", notice.AuditID.String(),
		"actor_id", notice.ActorID,
		"site_context", notice.SiteContext)
	if len(n.recipients) == 0 {
		return nil
	}
	return n.sender.Send(ctx, notify.Message{
		To:      n.recipients,
		Subject: fmt.Sprintf("Break-glass review required: %s", notice.AuditID),
		Body:    reviewBody(notice),
	})
}

func reviewBody(notice model.BreakGlassReviewNotice) string {
	var b strings.Builder
	fmt.Fprintf(&b, "An emergency override was granted and needs review.\n\n")
	fmt.Fprintf(&b, "Audit entry:  %s\n", notice.AuditID)
	fmt.Fprintf(&b, "Grant:        %s\n", notice.GrantID)
	fmt.Fprintf(&b, "Clinician:    %s\n", notice.ActorID)
	fmt.Fprintf(&b, "Patient:      %s\n", notice.PatientID)
	fmt.Fprintf(&b, "Site:         %s\n", notice.SiteContext)
	fmt.Fprintf(&b, "Access level: %s\n", notice.AccessLevel)
	fmt.Fprintf(&b, "Granted:      %s\n", notice.GrantedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Expires:      %s\n", notice.ExpiresAt.UTC().Format(time.RFC3339))
	return b.String()
}
