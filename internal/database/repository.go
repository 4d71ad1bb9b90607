package database

import "time"

type ChatRepository interface {
	Ping() error

	CreateAccount(params CreateAccountParams) (Account, error)
	UpdateAccount(params UpdateAccountParams) (Account, error)
	GetAccountById(accountId int) (Account, error)
	GetAccountByEmail(email string) (Account, error)
	UpdateLastSeen(accountId int, lastSeen time.Time) error
	// ContactIds returns the ids of every account sharing at least one
	// live conversation with the given account.
	ContactIds(accountId int) ([]int, error)

	CreateConversation(params CreateConversationParams) (Conversation, error)
	GetConversationByExternalId(externalId string) (Conversation, error)
	GetConversationWithParticipants(conversationId int) (*Conversation, error)
	ListConversations(accountId int) ([]Conversation, error)
	SoftDeleteConversation(conversationId int) error
	UpdateConversationInfo(conversationId int, name, description string) error
	UpdateConversationAvatar(conversationId int, avatarUrl string) error

	AddParticipant(conversationId, accountId int, role string) (Participant, error)
	RemoveParticipant(conversationId, accountId int) error
	GetParticipant(conversationId, accountId int) (Participant, error)
	SetParticipantRole(conversationId, accountId int, role string) error
	// ToggleParticipantMuted flips the per-user mute flag and returns
	// the resulting state.
	ToggleParticipantMuted(conversationId, accountId int) (bool, error)
	UpdateLastReadSeqId(conversationId, accountId, seqId int) error

	CreateMessage(params CreateMessageParams) (Message, error)
	GetMessageByExternalId(externalId string) (Message, error)
	// GetMessages returns a page of messages ordered by seq_id
	// descending. since and before are exclusive seq_id cursors.
	GetMessages(conversationId, since, before, limit int) ([]Message, error)
	GetMediaMessages(conversationId int, contentType string, limit int) ([]Message, error)
	GetPinnedMessages(conversationId int) ([]Message, error)
	EditMessage(messageId int, newContent string) error
	GetEditHistory(messageId int) ([]EditRecord, error)
	SoftDeleteMessage(messageId int) error
	// ToggleReaction removes the (account, emoji) reaction if present,
	// adds it otherwise, evaluated against committed state. Returns
	// true when the reaction was added.
	ToggleReaction(messageId, accountId int, emoji string) (bool, error)
	GetReactionsForMessages(messageIds []int) (map[int][]Reaction, error)
	SetMessagePinned(messageId int, pinned bool) error

	CreateDeliveryRecords(messageId int, accountIds []int) error
	// AdvanceDeliveryState moves a recipient's record forward, never
	// backward, creating the record when none exists yet (a participant
	// added after the message was sent). Returns true when the state
	// actually changed.
	AdvanceDeliveryState(messageId, accountId int, state string) (bool, error)
	// DeliveryRollup computes the sender-visible status: the weakest
	// state across all recipients.
	DeliveryRollup(messageId int) (string, error)
	GetDeliveryRollups(messageIds []int) (map[int]string, error)
}
