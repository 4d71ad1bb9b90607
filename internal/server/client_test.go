package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatwire/internal/database"
	"chatwire/internal/stats"
	"chatwire/internal/testutil"
	"chatwire/internal/types"
	"chatwire/internal/unread"
)

func Test_queueMessage(t *testing.T) {
	t.Run("successful queue", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		res := c.queueMessage(&ServerMessage{})
		assert.True(t, res, "expected queueMessage to return true when channel is not full")

		select {
		case msg := <-c.send:
			assert.NotNil(t, msg, "expected a message to be sent to the client")
		default:
			t.Error("expected a message to be sent to the client, but none was sent")
		}
	})
	t.Run("channel full", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		c.send <- &ServerMessage{}
		res := c.queueMessage(&ServerMessage{})
		assert.False(t, res, "expected queueMessage to return false when channel is full")
	})
}

func Test_stopClient(t *testing.T) {
	c := &Client{
		stop: make(chan struct{}),
	}

	c.stopClient()

	select {
	case <-c.stop:
	default:
		t.Error("expected stop channel to be closed")
	}

	// a disconnect cleanup racing a server shutdown stops the client
	// twice; the second stop must be a no-op, not a panic
	c.stopClient()
}

func Test_leaveAllRooms(t *testing.T) {
	rooms := []*Room{
		{
			externalId: "conv-1",
			leaveChan:  make(chan *ClientMessage, 1),
		},
		{
			externalId: "conv-2",
			leaveChan:  make(chan *ClientMessage, 1),
		},
	}

	c := &Client{
		user:  types.User{Id: 1, Username: "testuser"},
		rooms: make(map[string]*Room),
	}

	for _, room := range rooms {
		c.addRoom(room)
	}

	c.leaveAllRooms()

	for _, room := range rooms {
		require.Len(t, room.leaveChan, 1, "expected 1 leave message to be sent to conversation %s", room.externalId)

		msg := <-room.leaveChan
		require.NotNil(t, msg.Leave, "expected leave command")
		assert.Equal(t, room.externalId, msg.Leave.ConversationId, "expected leave command for conversation %s", room.externalId)
		assert.Equal(t, c.user.Id, msg.UserId, "expected leave command to carry the user id")
		assert.Equal(t, c, msg.client, "expected leave command to carry the client")
	}
}

func Test_dispatch(t *testing.T) {
	newCS := func(t *testing.T) *ChatServer {
		return newTestChatServer(t, &database.MockChatRepository{}, &unread.MockCounterStore{}, &stats.MockStatsUpdater{})
	}

	t.Run("join goes to the chat server", func(t *testing.T) {
		cs := newCS(t)
		c := newTestClient(t, cs, 1, "testuser")

		msg := &ClientMessage{
			BaseMessage: BaseMessage{Id: 1, Timestamp: Now()},
			Join:        &JoinConversation{ConversationId: "conv-1"},
			UserId:      c.user.Id,
			client:      c,
		}
		c.dispatch(msg)

		select {
		case got := <-cs.joinChan:
			require.NotNil(t, got.Join, "expected join command on join channel")
			assert.Equal(t, "conv-1", got.Join.ConversationId, "expected conversation id to match")
		default:
			t.Error("expected join command to be sent to the chat server")
		}
	})

	t.Run("reaction goes to the route channel", func(t *testing.T) {
		cs := newCS(t)
		c := newTestClient(t, cs, 1, "testuser")

		c.dispatch(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1, Timestamp: Now()},
			React:       &AddReaction{MessageId: "m1", Emoji: "🔥"},
			UserId:      c.user.Id,
			client:      c,
		})

		select {
		case got := <-cs.routeChan:
			assert.NotNil(t, got.React, "expected reaction command on route channel")
		default:
			t.Error("expected reaction command to be routed through the chat server")
		}
	})

	t.Run("publish goes straight to a joined room", func(t *testing.T) {
		cs := newCS(t)
		c := newTestClient(t, cs, 1, "testuser")

		room := &Room{
			externalId:    "conv-1",
			clientMsgChan: make(chan *ClientMessage, 1),
		}
		c.addRoom(room)

		c.dispatch(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1, Timestamp: Now()},
			Publish:     &SendMessage{ConversationId: "conv-1", Content: "hi"},
			UserId:      c.user.Id,
			client:      c,
		})

		require.Len(t, room.clientMsgChan, 1, "expected command queued on the room")
		assert.Len(t, cs.routeChan, 0, "expected no detour through the chat server")
	})

	t.Run("publish to an unjoined conversation is routed", func(t *testing.T) {
		cs := newCS(t)
		c := newTestClient(t, cs, 1, "testuser")

		c.dispatch(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1, Timestamp: Now()},
			Publish:     &SendMessage{ConversationId: "conv-9", Content: "hi"},
			UserId:      c.user.Id,
			client:      c,
		})

		select {
		case got := <-cs.routeChan:
			assert.NotNil(t, got.Publish, "expected publish command on route channel")
		default:
			t.Error("expected publish command to fall back to the chat server")
		}
	})

	t.Run("leave without a joined room acks immediately", func(t *testing.T) {
		cs := newCS(t)
		c := newTestClient(t, cs, 1, "testuser")

		c.dispatch(&ClientMessage{
			BaseMessage: BaseMessage{Id: 3, Timestamp: Now()},
			Leave:       &LeaveConversation{ConversationId: "conv-9"},
			UserId:      c.user.Id,
			client:      c,
		})

		require.Len(t, c.send, 1, "expected an immediate ack")
		msg := <-c.send
		require.NotNil(t, msg.Response, "expected a response payload")
		assert.Equal(t, 200, msg.Response.ResponseCode, "expected leaving an unjoined conversation to be a no-op")
	})

	t.Run("full room channel reports unavailable", func(t *testing.T) {
		cs := newCS(t)
		c := newTestClient(t, cs, 1, "testuser")

		room := &Room{
			externalId:    "conv-1",
			clientMsgChan: make(chan *ClientMessage, 1),
		}
		room.clientMsgChan <- &ClientMessage{}
		c.addRoom(room)

		c.dispatch(&ClientMessage{
			BaseMessage: BaseMessage{Id: 5, Timestamp: Now()},
			Publish:     &SendMessage{ConversationId: "conv-1", Content: "hi"},
			UserId:      c.user.Id,
			client:      c,
		})

		require.Len(t, c.send, 1, "expected an error event")
		msg := <-c.send
		require.NotNil(t, msg.Error, "expected error payload")
		assert.Equal(t, CodeUnavailable, msg.Error.Code, "expected service_unavailable on backpressure")
	})
}

func Test_addRoom_delRoom_getRoom(t *testing.T) {
	c := &Client{
		rooms: make(map[string]*Room),
	}

	room := &Room{
		externalId: "conv-1",
	}

	c.addRoom(room)
	r := c.getRoom(room.externalId)
	require.NotNil(t, r, "expected room to be found after adding")
	assert.Equal(t, room.externalId, r.externalId, "expected room external id to match")

	c.delRoom(r.externalId)
	assert.Nil(t, c.getRoom(r.externalId), "expected room to be removed after deletion")
}
