package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"comm-server/internal/observability"
	"comm-server/internal/telemetry"
)

// PublisherMock stands in for the broker behind audit and domain events.
type PublisherMock struct {
	mock.Mock
}

var (
	_ telemetry.Publisher     = (*PublisherMock)(nil)
	_ observability.Publisher = (*PublisherMock)(nil)
)

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any) error {
	args := m.Called(ctx, routingKey, event)
	return args.Error(0)
}

// ExpectAudit expects one audit envelope for action on routingKey.
func (m *PublisherMock) ExpectAudit(routingKey, action string) *mock.Call {
	return m.On("Publish", mock.Anything, routingKey, mock.MatchedBy(func(e telemetry.AuditEnvelope) bool {
		return e.Payload.Action == action
	})).Return(nil).Once()
}
