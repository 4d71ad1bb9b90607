package server

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatwire/internal/types"
)

func TestNoErrOK(t *testing.T) {
	result := NoErrOK(1, map[string]any{
		"testkey": "testvalue",
	})

	assert.NotNil(t, result, "expected result to be non-nil")
	require.NotNil(t, result.Response, "expected response to be non-nil")
	assert.Equal(t, 1, result.Id, "expected Id to match")
	assert.WithinDuration(t, Now(), result.Timestamp, time.Second, "expected Timestamp to be within 1 second")
	assert.Equal(t, http.StatusOK, result.Response.ResponseCode, "expected ResponseCode to match")
	assert.Equal(t, map[string]any{"testkey": "testvalue"}, result.Response.Data, "expected Data to match")
}

func TestErrorConstructors(t *testing.T) {
	tcases := []struct {
		name string
		msg  *ServerMessage
		code string
	}{
		{name: "forbidden", msg: ErrForbidden(1, "not a participant"), code: CodeForbidden},
		{name: "not found", msg: ErrNotFound(1, "message not found"), code: CodeNotFound},
		{name: "invalid reference", msg: ErrInvalidReference(1, "bad reply"), code: CodeInvalidReference},
		{name: "validation", msg: ErrValidation(1, "empty message"), code: CodeValidation},
		{name: "internal", msg: ErrInternal(1), code: CodeInternal},
		{name: "unavailable", msg: ErrUnavailable(1), code: CodeUnavailable},
		{name: "invalid command", msg: ErrInvalidCommand(1), code: CodeValidation},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			require.NotNil(t, tc.msg.Error, "expected error payload to be non-nil")
			assert.Equal(t, 1, tc.msg.Id, "expected command id to be echoed")
			assert.Equal(t, tc.code, tc.msg.Error.Code, "expected error code to match")
			assert.NotEmpty(t, tc.msg.Error.Message, "expected error message to be set")
		})
	}
}

func Test_hasCommand(t *testing.T) {
	assert.False(t, (&ClientMessage{}).hasCommand(), "expected empty frame to have no command")
	assert.True(t, (&ClientMessage{Join: &JoinConversation{ConversationId: "c1"}}).hasCommand(),
		"expected join frame to have a command")
	assert.True(t, (&ClientMessage{Forward: &ForwardMessage{MessageId: "m1"}}).hasCommand(),
		"expected forward frame to have a command")
}

func Test_conversationId(t *testing.T) {
	tcases := []struct {
		name     string
		msg      *ClientMessage
		expected string
	}{
		{name: "sendMessage", msg: &ClientMessage{Publish: &SendMessage{ConversationId: "c1"}}, expected: "c1"},
		{name: "typing", msg: &ClientMessage{Typing: &Typing{ConversationId: "c2"}}, expected: "c2"},
		{name: "markAsRead", msg: &ClientMessage{Read: &MarkAsRead{ConversationId: "c3"}}, expected: "c3"},
		{name: "muteConversation", msg: &ClientMessage{Mute: &MuteConversation{ConversationId: "c4"}}, expected: "c4"},
		{name: "addReaction has none", msg: &ClientMessage{React: &AddReaction{MessageId: "m1"}}, expected: ""},
		{name: "forwardMessage has none", msg: &ClientMessage{Forward: &ForwardMessage{MessageId: "m1"}}, expected: ""},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.msg.conversationId(), "expected conversation id to match")
		})
	}
}

func TestClientMessageUnmarshal(t *testing.T) {
	raw := `{
		"id": 3,
		"sendMessage": {
			"conversationId": "conv-1",
			"content": "hello",
			"replyTo": "msg-9"
		}
	}`

	var msg ClientMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &msg), "expected frame to parse")
	require.NotNil(t, msg.Publish, "expected sendMessage command to be set")
	assert.Equal(t, 3, msg.Id, "expected command id to be parsed")
	assert.Equal(t, "conv-1", msg.Publish.ConversationId, "expected conversation id to be parsed")
	assert.Equal(t, "hello", msg.Publish.Content, "expected content to be parsed")
	assert.Equal(t, "msg-9", msg.Publish.ReplyTo, "expected reply reference to be parsed")
	assert.Nil(t, msg.Typing, "expected other commands to be unset")
}

func TestServerMessageEventNames(t *testing.T) {
	tcases := []struct {
		name     string
		msg      *ServerMessage
		eventKey string
	}{
		{
			name:     "newMessage",
			msg:      &ServerMessage{NewMessage: &types.Message{ExternalId: "m1"}},
			eventKey: `"newMessage"`,
		},
		{
			name:     "userTyping",
			msg:      &ServerMessage{UserTyping: &UserTyping{ConversationId: "c1"}},
			eventKey: `"userTyping"`,
		},
		{
			name:     "messageRead",
			msg:      &ServerMessage{MessageRead: &MessageRead{MessageId: "m1"}},
			eventKey: `"messageRead"`,
		},
		{
			name:     "messageNotification",
			msg:      &ServerMessage{MessageNotification: &MessageNotification{ConversationId: "c1"}},
			eventKey: `"messageNotification"`,
		},
		{
			name:     "markNotificationread",
			msg:      &ServerMessage{MarkNotificationRead: &MarkNotificationRead{ConversationId: "c1"}},
			eventKey: `"markNotificationread"`,
		},
		{
			name:     "memberremovedFromConversation",
			msg:      &ServerMessage{MemberRemoved: &MemberChange{ConversationId: "c1", MemberId: 2}},
			eventKey: `"memberremovedFromConversation"`,
		},
		{
			name:     "newmemberaddedtoconversation",
			msg:      &ServerMessage{MemberAdded: &MembersAdded{ConversationId: "c1"}},
			eventKey: `"newmemberaddedtoconversation"`,
		},
		{
			name:     "conversationleaved",
			msg:      &ServerMessage{ConversationLeft: &MemberChange{ConversationId: "c1", MemberId: 2}},
			eventKey: `"conversationleaved"`,
		},
		{
			name:     "deletedtheconversation",
			msg:      &ServerMessage{ConversationDeleted: &ConversationDeleted{ConversationId: "c1"}},
			eventKey: `"deletedtheconversation"`,
		},
		{
			name:     "updatedProfilePicture",
			msg:      &ServerMessage{AvatarUpdated: &AvatarUpdated{ConversationId: "c1"}},
			eventKey: `"updatedProfilePicture"`,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			bytes, err := json.Marshal(tc.msg)
			require.NoError(t, err, "expected event to serialize")
			assert.Contains(t, string(bytes), tc.eventKey, "expected wire event name to be present")
		})
	}
}

func TestTypingExpiryWithinTTL(t *testing.T) {
	event := &UserTyping{
		ConversationId: "c1",
		UserId:         1,
		IsTyping:       true,
		ExpiresAt:      Now().Add(TypingTTL),
	}

	assert.WithinDuration(t, time.Now().Add(TypingTTL), event.ExpiresAt, time.Second,
		"expected typing signal to expire after the TTL")
}
