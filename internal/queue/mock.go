package queue

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/JakeFAU/news-parser/internal/crawler"
)

// MockPublisher is a testify mock of crawler.Publisher.
type MockPublisher struct {
	mock.Mock
}

// Publish is the mock implementation of the Publish method.
func (m *MockPublisher) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	args := m.Called(ctx, topic, payload)
	return args.String(0), args.Error(1)
}

// MockBroker is a testify mock of Broker.
type MockBroker struct {
	MockPublisher
}

// OpenConsumer is the mock implementation of the OpenConsumer method.
func (m *MockBroker) OpenConsumer(ctx context.Context) (crawler.Consumer, error) {
	args := m.Called(ctx)
	consumer, _ := args.Get(0).(crawler.Consumer)
	return consumer, args.Error(1)
}

// Close is the mock implementation of the Close method.
func (m *MockBroker) Close() error {
	args := m.Called()
	return args.Error(0)
}
