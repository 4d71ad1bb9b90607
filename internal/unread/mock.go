package unread

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockCounterStore struct {
	mock.Mock
}

func (m *MockCounterStore) Incr(ctx context.Context, accountId int, conversationId string) (int64, error) {
	args := m.Called(ctx, accountId, conversationId)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockCounterStore) Reset(ctx context.Context, accountId int, conversationId string) error {
	args := m.Called(ctx, accountId, conversationId)
	return args.Error(0)
}

func (m *MockCounterStore) Get(ctx context.Context, accountId int, conversationId string) (int64, error) {
	args := m.Called(ctx, accountId, conversationId)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockCounterStore) GetAll(ctx context.Context, accountId int) (map[string]int64, error) {
	args := m.Called(ctx, accountId)
	return args.Get(0).(map[string]int64), args.Error(1)
}
