package types

import (
	"time"
)

// Content types a message may carry.
const (
	ContentTypeText  = "text"
	ContentTypeImage = "image"
	ContentTypeVideo = "video"
	ContentTypeFile  = "file"
)

// Per-recipient delivery states. A recipient's state is monotonic:
// it only ever moves right in this list.
const (
	DeliverySent      = "sent"
	DeliveryDelivered = "delivered"
	DeliveryRead      = "read"
)

// Participant roles within a group conversation.
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

// Presence statuses.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

type User struct {
	Id           int       `json:"id"`
	Username     string    `json:"username"`
	EmailAddress string    `json:"email_address,omitempty"`
	Password     string    `json:"-"`
	Status       string    `json:"status,omitempty"`
	LastSeen     time.Time `json:"last_seen,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

type Participant struct {
	User
	Role  string `json:"role"`
	Muted bool   `json:"muted"`
}

type Conversation struct {
	Id           int           `json:"id"`
	ExternalId   string        `json:"external_id"`
	IsGroup      bool          `json:"is_group"`
	Name         string        `json:"name,omitempty"`
	Description  string        `json:"description,omitempty"`
	AvatarUrl    string        `json:"avatar_url,omitempty"`
	SeqId        int           `json:"seq_id"`
	IsDeleted    bool          `json:"is_deleted,omitempty"`
	Participants []Participant `json:"participants,omitempty"`
	Pinned       []Message     `json:"pinned_messages,omitempty"`
	Unread       int64         `json:"unread,omitempty"`
	CreatedAt    time.Time     `json:"created_at,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at,omitempty"`
}

// Media describes an uploaded attachment. Upload itself is out of
// scope; only the resulting descriptor travels through the protocol.
type Media struct {
	Url  string `json:"url"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
	Mime string `json:"mime,omitempty"`
}

type Reaction struct {
	UserId int    `json:"user_id"`
	Emoji  string `json:"emoji"`
}

type EditRecord struct {
	Content  string    `json:"content"`
	EditedAt time.Time `json:"edited_at"`
}

type Message struct {
	Id             int          `json:"id"`
	ExternalId     string       `json:"external_id"`
	ConversationId string       `json:"conversation_id"`
	SenderId       int          `json:"sender_id"`
	SeqId          int          `json:"seq_id"`
	ContentType    string       `json:"content_type"`
	Content        string       `json:"content"`
	Media          *Media       `json:"media,omitempty"`
	ReplyTo        string       `json:"reply_to,omitempty"`
	IsForwarded    bool         `json:"is_forwarded,omitempty"`
	IsEdited       bool         `json:"is_edited,omitempty"`
	IsDeleted      bool         `json:"is_deleted,omitempty"`
	IsPinned       bool         `json:"is_pinned,omitempty"`
	DeletedAt      *time.Time   `json:"deleted_at,omitempty"`
	EditHistory    []EditRecord `json:"edit_history,omitempty"`
	Reactions      []Reaction   `json:"reactions,omitempty"`
	DeliveryStatus string       `json:"delivery_status,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
}

// DeliveryRank orders delivery states for monotonicity checks and for
// computing the sender-visible rollup (the minimum across recipients).
func DeliveryRank(state string) int {
	switch state {
	case DeliverySent:
		return 1
	case DeliveryDelivered:
		return 2
	case DeliveryRead:
		return 3
	default:
		return 0
	}
}

// ValidContentType reports whether ct is one of the supported message
// content types.
func ValidContentType(ct string) bool {
	switch ct {
	case ContentTypeText, ContentTypeImage, ContentTypeVideo, ContentTypeFile:
		return true
	}
	return false
}
