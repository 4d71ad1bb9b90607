package database

import "time"

type Account struct {
	Id           int
	Username     string
	EmailAddress string
	PasswordHash string
	LastSeen     time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Conversation struct {
	Id           int
	ExternalId   string
	IsGroup      bool
	Name         string
	Description  string
	AvatarUrl    string
	SeqId        int
	IsDeleted    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Participants []Participant
}

type Participant struct {
	Id             int
	ConversationId int
	AccountId      int
	Username       string
	Role           string
	Muted          bool
	LastReadSeqId  int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Message struct {
	Id             int
	ExternalId     string
	ConversationId int
	SenderId       int
	SeqId          int
	ContentType    string
	Content        string
	MediaUrl       string
	MediaName      string
	MediaSize      int64
	MediaMime      string
	// ReplyToId is the internal id of the quoted message, zero when the
	// message is not a reply. ReplyToExternalId is carried alongside so
	// callers never need a second lookup.
	ReplyToId         int
	ReplyToExternalId string
	IsForwarded       bool
	IsEdited          bool
	IsDeleted         bool
	IsPinned          bool
	DeletedAt         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type Reaction struct {
	Id        int
	MessageId int
	AccountId int
	Emoji     string
	CreatedAt time.Time
}

// DeliveryRecord tracks one recipient's delivery state for one message.
type DeliveryRecord struct {
	Id        int
	MessageId int
	AccountId int
	State     string
	UpdatedAt time.Time
}

// EditRecord is one superseded version of an edited message.
type EditRecord struct {
	Id        int
	MessageId int
	Content   string
	CreatedAt time.Time
}

type CreateAccountParams struct {
	Username     string
	EmailAddress string
	PasswordHash string
}

type UpdateAccountParams struct {
	AccountId    int
	Username     string
	PasswordHash string
}

type CreateConversationParams struct {
	ExternalId  string
	IsGroup     bool
	Name        string
	Description string
	CreatorId   int
	// ParticipantIds excludes the creator, who is always added as admin.
	ParticipantIds []int
}

type CreateMessageParams struct {
	ExternalId     string
	ConversationId int
	SenderId       int
	ContentType    string
	Content        string
	MediaUrl       string
	MediaName      string
	MediaSize      int64
	MediaMime      string
	ReplyToId      int
	IsForwarded    bool
	CreatedAt      time.Time
}
