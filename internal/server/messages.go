package server

import (
	"net/http"
	"time"

	"chatwire/internal/types"
)

type BaseMessage struct {
	// Id correlates a command with its acknowledgement. Assigned by the
	// issuing client, echoed back verbatim.
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is the tagged union of every command a session may
// issue. Exactly one command field is set; the JSON keys are the wire
// command names. Frames with no recognized command are rejected.
type ClientMessage struct {
	BaseMessage
	Join         *JoinConversation   `json:"joinConversation,omitempty"`
	Leave        *LeaveConversation  `json:"leaveConversation,omitempty"`
	Publish      *SendMessage        `json:"sendMessage,omitempty"`
	Typing       *Typing             `json:"typing,omitempty"`
	Read         *MarkAsRead         `json:"markAsRead,omitempty"`
	React        *AddReaction        `json:"addReaction,omitempty"`
	Edit         *EditMessage        `json:"editMessage,omitempty"`
	Delete       *DeleteMessage      `json:"deleteMessage,omitempty"`
	Forward      *ForwardMessage     `json:"forwardMessage,omitempty"`
	Pin          *PinMessage         `json:"pinnedMessage,omitempty"`
	AddMembers   *AddMembers         `json:"addnewmember,omitempty"`
	RemoveMember *RemoveMember       `json:"removeMember,omitempty"`
	MakeAdmin    *MakeAdmin          `json:"makememberadmin,omitempty"`
	Mute         *MuteConversation   `json:"muteConversation,omitempty"`
	LeaveConv    *LeaveGroup         `json:"leavetheconversation,omitempty"`
	DeleteConv   *DeleteConversation `json:"deletetheConversation,omitempty"`
	Avatar       *EditProfilePicture `json:"EditTheProfilePicture,omitempty"`
	Info         *EditGroupInfo      `json:"EditGroupInfo,omitempty"`

	// forward delivery into a target conversation, set internally by
	// the router while fanning out a forwardMessage command
	forwardIn *forwardDelivery

	UserId   int     `json:"-"`
	Username string  `json:"-"`
	client   *Client `json:"-"`
}

type JoinConversation struct {
	ConversationId string `json:"conversationId"`
}

type LeaveConversation struct {
	ConversationId string `json:"conversationId"`
}

type SendMessage struct {
	ConversationId string `json:"conversationId"`
	Content        string `json:"content"`
	ContentType    string `json:"contentType,omitempty"`
	MediaUrl       string `json:"mediaUrl,omitempty"`
	MediaName      string `json:"mediaName,omitempty"`
	MediaSize      int64  `json:"mediaSize,omitempty"`
	MediaType      string `json:"mediaType,omitempty"`
	ReplyTo        string `json:"replyTo,omitempty"`
}

type Typing struct {
	ConversationId string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

type MarkAsRead struct {
	MessageId      string `json:"messageId"`
	ConversationId string `json:"conversationId"`
}

type AddReaction struct {
	MessageId string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

type EditMessage struct {
	MessageId      string `json:"messageId"`
	ConversationId string `json:"conversationId"`
	NewContent     string `json:"newContent"`
}

type DeleteMessage struct {
	MessageId      string `json:"messageId"`
	ConversationId string `json:"conversationId"`
}

type ForwardMessage struct {
	MessageId             string   `json:"messageId"`
	TargetConversationIds []string `json:"targetConversationIds"`
}

type PinMessage struct {
	MessageId      string `json:"messageId"`
	ConversationId string `json:"conversationId"`
}

type AddMembers struct {
	ConversationId string `json:"conversationId"`
	NewUserIds     []int  `json:"newuserIds"`
}

type RemoveMember struct {
	ConversationId string `json:"conversationId"`
	MemberId       int    `json:"memberId"`
}

type MakeAdmin struct {
	ConversationId string `json:"conversationId"`
	MemberId       int    `json:"memberId"`
}

type MuteConversation struct {
	ConversationId string `json:"conversationId"`
}

type LeaveGroup struct {
	ConversationId string `json:"conversationId"`
}

type DeleteConversation struct {
	ConversationId string `json:"conversationId"`
}

type EditProfilePicture struct {
	ConversationId string `json:"conversationId"`
	UploadedPhoto  string `json:"uploadedphoto"`
}

type EditGroupInfo struct {
	ConversationId string    `json:"conversationId"`
	Data           GroupInfo `json:"data"`
}

type GroupInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// hasCommand reports whether the frame carries a recognized command.
func (m *ClientMessage) hasCommand() bool {
	return m.Join != nil || m.Leave != nil || m.Publish != nil || m.Typing != nil ||
		m.Read != nil || m.React != nil || m.Edit != nil || m.Delete != nil ||
		m.Forward != nil || m.Pin != nil || m.AddMembers != nil || m.RemoveMember != nil ||
		m.MakeAdmin != nil || m.Mute != nil || m.LeaveConv != nil || m.DeleteConv != nil ||
		m.Avatar != nil || m.Info != nil
}

// conversationId returns the conversation the command addresses, or ""
// for commands resolved by message lookup (reactions, forwards).
func (m *ClientMessage) conversationId() string {
	switch {
	case m.Join != nil:
		return m.Join.ConversationId
	case m.Leave != nil:
		return m.Leave.ConversationId
	case m.Publish != nil:
		return m.Publish.ConversationId
	case m.Typing != nil:
		return m.Typing.ConversationId
	case m.Read != nil:
		return m.Read.ConversationId
	case m.Edit != nil:
		return m.Edit.ConversationId
	case m.Delete != nil:
		return m.Delete.ConversationId
	case m.Pin != nil:
		return m.Pin.ConversationId
	case m.AddMembers != nil:
		return m.AddMembers.ConversationId
	case m.RemoveMember != nil:
		return m.RemoveMember.ConversationId
	case m.MakeAdmin != nil:
		return m.MakeAdmin.ConversationId
	case m.Mute != nil:
		return m.Mute.ConversationId
	case m.LeaveConv != nil:
		return m.LeaveConv.ConversationId
	case m.DeleteConv != nil:
		return m.DeleteConv.ConversationId
	case m.Avatar != nil:
		return m.Avatar.ConversationId
	case m.Info != nil:
		return m.Info.ConversationId
	}
	return ""
}

// ServerMessage is the tagged union of every event the server emits.
// The JSON keys are the wire event names.
type ServerMessage struct {
	BaseMessage
	Response                *Response             `json:"response,omitempty"`
	NewMessage              *types.Message        `json:"newMessage,omitempty"`
	UserTyping              *UserTyping           `json:"userTyping,omitempty"`
	MessageRead             *MessageRead          `json:"messageRead,omitempty"`
	UserStatus              *UserStatus           `json:"userStatus,omitempty"`
	MessageNotification     *MessageNotification  `json:"messageNotification,omitempty"`
	SendMessageNotification *types.Message        `json:"sendmessageNotification,omitempty"`
	MarkNotificationRead    *MarkNotificationRead `json:"markNotificationread,omitempty"`
	MessageReaction         *MessageReaction      `json:"messageReaction,omitempty"`
	MessageDeleted          *types.Message        `json:"messageDeleted,omitempty"`
	MessageForwarded        *MessageForwarded     `json:"messageForwarded,omitempty"`
	MessageEdited           *types.Message        `json:"messageEdited,omitempty"`
	MessagePinned           *MessagePin           `json:"messagePinned,omitempty"`
	MessageUnpinned         *MessagePin           `json:"messageUnpinned,omitempty"`
	Muted                   *MuteChange           `json:"muted,omitempty"`
	Unmuted                 *MuteChange           `json:"unmuted,omitempty"`
	MemberRemoved           *MemberChange         `json:"memberremovedFromConversation,omitempty"`
	MemberAdded             *MembersAdded         `json:"newmemberaddedtoconversation,omitempty"`
	MemberToAdmin           *MemberChange         `json:"membertoadmin,omitempty"`
	ConversationLeft        *MemberChange         `json:"conversationleaved,omitempty"`
	ConversationDeleted     *ConversationDeleted  `json:"deletedtheconversation,omitempty"`
	AvatarUpdated           *AvatarUpdated        `json:"updatedProfilePicture,omitempty"`
	InfoUpdated             *InfoUpdated          `json:"updatedGroupInfo,omitempty"`
	Error                   *ErrorEvent           `json:"error,omitempty"`

	// UserId routes the event to every session in that user's room.
	UserId     int     `json:"-"`
	SkipClient *Client `json:"-"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Data         any    `json:"data,omitempty"`
}

type UserTyping struct {
	ConversationId string    `json:"conversationId"`
	UserId         int       `json:"userId"`
	Username       string    `json:"username"`
	IsTyping       bool      `json:"isTyping"`
	// ExpiresAt lets receivers treat a stale signal as false without an
	// explicit stop event.
	ExpiresAt time.Time `json:"expiresAt"`
}

type MessageRead struct {
	MessageId      string `json:"messageId"`
	ConversationId string `json:"conversationId"`
	ReaderId       int    `json:"readerId"`
	DeliveryStatus string `json:"deliveryStatus"`
}

type UserStatus struct {
	UserId   int        `json:"userId"`
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// MessageNotification carries an unread delta, never an absolute
// count: deltas commute with a concurrent read-reset.
type MessageNotification struct {
	ConversationId string         `json:"conversationId"`
	SeqId          int            `json:"seqId"`
	UnreadDelta    int            `json:"unreadDelta"`
	Message        *types.Message `json:"message,omitempty"`
}

// MarkNotificationRead resets the badge with an absolute value so it
// always wins over in-flight deltas.
type MarkNotificationRead struct {
	ConversationId string `json:"conversationId"`
	Unread         int64  `json:"unread"`
}

type MessageReaction struct {
	MessageId      string `json:"messageId"`
	ConversationId string `json:"conversationId"`
	UserId         int    `json:"userId"`
	Emoji          string `json:"emoji"`
	Added          bool   `json:"added"`
}

type MessageForwarded struct {
	MessageId string `json:"messageId"`
	Requested int    `json:"requested"`
	Count     int    `json:"count"`
}

type MessagePin struct {
	MessageId      string `json:"messageId"`
	ConversationId string `json:"conversationId"`
	UserId         int    `json:"userId"`
}

type MuteChange struct {
	ConversationId string `json:"conversationId"`
}

type MemberChange struct {
	ConversationId string `json:"conversationId"`
	MemberId       int    `json:"memberId"`
	ActorId        int    `json:"actorId,omitempty"`
}

type MembersAdded struct {
	ConversationId string              `json:"conversationId"`
	Members        []types.Participant `json:"members"`
	ActorId        int                 `json:"actorId"`
}

type ConversationDeleted struct {
	ConversationId string `json:"conversationId"`
}

type AvatarUpdated struct {
	ConversationId string `json:"conversationId"`
	AvatarUrl      string `json:"avatarUrl"`
}

type InfoUpdated struct {
	ConversationId string `json:"conversationId"`
	Name           string `json:"name"`
	Description    string `json:"description"`
}

// Error codes, one per failure class in the protocol's taxonomy.
const (
	CodeForbidden        = "forbidden"
	CodeNotFound         = "not_found"
	CodeInvalidReference = "invalid_reference"
	CodeValidation       = "validation_error"
	CodeTransport        = "transport_error"
	CodeInternal         = "internal_error"
	CodeUnavailable      = "service_unavailable"
)

type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NoErrOK(id int, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func errEvent(id int, code, message string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Error: &ErrorEvent{
			Code:    code,
			Message: message,
		},
	}
}

func ErrForbidden(id int, message string) *ServerMessage {
	return errEvent(id, CodeForbidden, message)
}

func ErrNotFound(id int, message string) *ServerMessage {
	return errEvent(id, CodeNotFound, message)
}

func ErrInvalidReference(id int, message string) *ServerMessage {
	return errEvent(id, CodeInvalidReference, message)
}

func ErrValidation(id int, message string) *ServerMessage {
	return errEvent(id, CodeValidation, message)
}

func ErrInternal(id int) *ServerMessage {
	return errEvent(id, CodeInternal, "internal server error")
}

func ErrUnavailable(id int) *ServerMessage {
	return errEvent(id, CodeUnavailable, "service unavailable")
}

func ErrInvalidCommand(id int) *ServerMessage {
	return errEvent(id, CodeValidation, "invalid message format")
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
