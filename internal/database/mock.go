package database

import (
	"time"

	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRepository) CreateAccount(params CreateAccountParams) (Account, error) {
	args := m.Called(params)
	return args.Get(0).(Account), args.Error(1)
}
func (m *MockChatRepository) UpdateAccount(params UpdateAccountParams) (Account, error) {
	args := m.Called(params)
	return args.Get(0).(Account), args.Error(1)
}
func (m *MockChatRepository) GetAccountById(accountId int) (Account, error) {
	args := m.Called(accountId)
	return args.Get(0).(Account), args.Error(1)
}
func (m *MockChatRepository) GetAccountByEmail(email string) (Account, error) {
	args := m.Called(email)
	return args.Get(0).(Account), args.Error(1)
}
func (m *MockChatRepository) UpdateLastSeen(accountId int, lastSeen time.Time) error {
	args := m.Called(accountId, lastSeen)
	return args.Error(0)
}
func (m *MockChatRepository) ContactIds(accountId int) ([]int, error) {
	args := m.Called(accountId)
	return args.Get(0).([]int), args.Error(1)
}
func (m *MockChatRepository) CreateConversation(params CreateConversationParams) (Conversation, error) {
	args := m.Called(params)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockChatRepository) GetConversationByExternalId(externalId string) (Conversation, error) {
	args := m.Called(externalId)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockChatRepository) GetConversationWithParticipants(conversationId int) (*Conversation, error) {
	args := m.Called(conversationId)
	if conv, ok := args.Get(0).(*Conversation); ok {
		return conv, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) ListConversations(accountId int) ([]Conversation, error) {
	args := m.Called(accountId)
	return args.Get(0).([]Conversation), args.Error(1)
}
func (m *MockChatRepository) SoftDeleteConversation(conversationId int) error {
	args := m.Called(conversationId)
	return args.Error(0)
}
func (m *MockChatRepository) UpdateConversationInfo(conversationId int, name, description string) error {
	args := m.Called(conversationId, name, description)
	return args.Error(0)
}
func (m *MockChatRepository) UpdateConversationAvatar(conversationId int, avatarUrl string) error {
	args := m.Called(conversationId, avatarUrl)
	return args.Error(0)
}
func (m *MockChatRepository) AddParticipant(conversationId, accountId int, role string) (Participant, error) {
	args := m.Called(conversationId, accountId, role)
	return args.Get(0).(Participant), args.Error(1)
}
func (m *MockChatRepository) RemoveParticipant(conversationId, accountId int) error {
	args := m.Called(conversationId, accountId)
	return args.Error(0)
}
func (m *MockChatRepository) GetParticipant(conversationId, accountId int) (Participant, error) {
	args := m.Called(conversationId, accountId)
	return args.Get(0).(Participant), args.Error(1)
}
func (m *MockChatRepository) SetParticipantRole(conversationId, accountId int, role string) error {
	args := m.Called(conversationId, accountId, role)
	return args.Error(0)
}
func (m *MockChatRepository) ToggleParticipantMuted(conversationId, accountId int) (bool, error) {
	args := m.Called(conversationId, accountId)
	return args.Bool(0), args.Error(1)
}
func (m *MockChatRepository) UpdateLastReadSeqId(conversationId, accountId, seqId int) error {
	args := m.Called(conversationId, accountId, seqId)
	return args.Error(0)
}
func (m *MockChatRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	args := m.Called(params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) GetMessageByExternalId(externalId string) (Message, error) {
	args := m.Called(externalId)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) GetMessages(conversationId, since, before, limit int) ([]Message, error) {
	args := m.Called(conversationId, since, before, limit)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockChatRepository) GetMediaMessages(conversationId int, contentType string, limit int) ([]Message, error) {
	args := m.Called(conversationId, contentType, limit)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockChatRepository) GetPinnedMessages(conversationId int) ([]Message, error) {
	args := m.Called(conversationId)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockChatRepository) EditMessage(messageId int, newContent string) error {
	args := m.Called(messageId, newContent)
	return args.Error(0)
}
func (m *MockChatRepository) GetEditHistory(messageId int) ([]EditRecord, error) {
	args := m.Called(messageId)
	return args.Get(0).([]EditRecord), args.Error(1)
}
func (m *MockChatRepository) SoftDeleteMessage(messageId int) error {
	args := m.Called(messageId)
	return args.Error(0)
}
func (m *MockChatRepository) ToggleReaction(messageId, accountId int, emoji string) (bool, error) {
	args := m.Called(messageId, accountId, emoji)
	return args.Bool(0), args.Error(1)
}
func (m *MockChatRepository) GetReactionsForMessages(messageIds []int) (map[int][]Reaction, error) {
	args := m.Called(messageIds)
	return args.Get(0).(map[int][]Reaction), args.Error(1)
}
func (m *MockChatRepository) SetMessagePinned(messageId int, pinned bool) error {
	args := m.Called(messageId, pinned)
	return args.Error(0)
}
func (m *MockChatRepository) CreateDeliveryRecords(messageId int, accountIds []int) error {
	args := m.Called(messageId, accountIds)
	return args.Error(0)
}
func (m *MockChatRepository) AdvanceDeliveryState(messageId, accountId int, state string) (bool, error) {
	args := m.Called(messageId, accountId, state)
	return args.Bool(0), args.Error(1)
}
func (m *MockChatRepository) DeliveryRollup(messageId int) (string, error) {
	args := m.Called(messageId)
	return args.String(0), args.Error(1)
}
func (m *MockChatRepository) GetDeliveryRollups(messageIds []int) (map[int]string, error) {
	args := m.Called(messageIds)
	return args.Get(0).(map[int]string), args.Error(1)
}
