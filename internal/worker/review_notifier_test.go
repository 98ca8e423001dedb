package worker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/pkg/logger"
	"github.com/jwalitptl/access-api/pkg/messaging"
	"github.com/jwalitptl/access-api/pkg/notify"
)

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, msg notify.Message) error {
	return m.Called(ctx, msg).Error(0)
}

func testNotice() model.BreakGlassReviewNotice {
	granted := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	return model.BreakGlassReviewNotice{
		AuditID:     uuid.New(),
		GrantID:     uuid.New(),
		ActorID:     "dr-lee",
		PatientID:   "patient-9",
		SiteContext: "site-2",
		AccessLevel: model.AccessLevelReadOnly,
		GrantedAt:   granted,
		ExpiresAt:   granted.Add(24 * time.Hour),
	}
}

func TestReviewNotifier_Notify(t *testing.T) {
	sender := new(mockSender)
	notice := testNotice()
	sender.On("Send", mock.Anything, mock.MatchedBy(func(msg notify.Message) bool {
		return assert.ObjectsAreEqual([]string{"compliance@example.org"}, msg.To) &&
			strings.Contains(msg.Subject, notice.AuditID.String()) &&
			strings.Contains(msg.Body, "dr-lee")
	})).Return(nil).Once()

	n := NewReviewNotifier(messaging.NewMemoryBroker(), sender, []string{"compliance@example.org"}, logger.Nop())
	require.NoError(t, n.Notify(context.Background(), notice))
	sender.AssertExpectations(t)
}

func TestReviewNotifier_NoRecipientsOnlyLogs(t *testing.T) {
	sender := new(mockSender)
	n := NewReviewNotifier(messaging.NewMemoryBroker(), sender, nil, logger.Nop())
	require.NoError(t, n.Notify(context.Background(), testNotice()))
	sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestReviewNotifier_RunDeliversPublishedNotices(t *testing.T) {
	broker := messaging.NewMemoryBroker()
	sent := make(chan notify.Message, 16)
	sender := new(mockSender)
	sender.On("Send", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		sent <- args.Get(1).(notify.Message)
	}).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := NewReviewNotifier(broker, sender, []string{"compliance@example.org"}, logger.Nop())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	notice := testNotice()
	require.Eventually(t, func() bool {
		_ = broker.Publish(ctx, model.EventBreakGlassReview, notice)
		select {
		case msg := <-sent:
			return assert.Contains(t, msg.Subject, notice.AuditID.String())
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 50*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
