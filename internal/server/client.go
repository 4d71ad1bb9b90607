package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatwire/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 8192
)

type Client struct {
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *log.Logger
	user       types.User
	send       chan *ServerMessage
	rooms      map[string]*Room
	roomsLock  sync.RWMutex
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	return &Client{
		conn:       conn,
		chatServer: cs,
		log:        l,
		user:       user,
		send:       make(chan *ServerMessage, 256),
		rooms:      make(map[string]*Room),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := json.Marshal(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(ErrInvalidCommand(-1))
			continue
		}

		if !msg.hasCommand() {
			c.queueMessage(ErrInvalidCommand(msg.Id))
			continue
		}

		msg.client = c
		msg.UserId = c.user.Id
		msg.Username = c.user.Username
		msg.Timestamp = Now()

		c.dispatch(&msg)
	}
}

// dispatch routes a command to the goroutine that owns its state. Joins
// always go through the chat server so unloaded conversations get
// hydrated. Commands without a conversation id (reactions, forwards) are
// resolved by the chat server as well. Everything else goes straight to
// the room when this session has joined it, and falls back to the chat
// server otherwise so operations issued from the conversation list still
// work.
func (c *Client) dispatch(msg *ClientMessage) {
	switch {
	case msg.Join != nil:
		c.sendToServer(c.chatServer.joinChan, msg)
	case msg.Leave != nil:
		r := c.getRoom(msg.Leave.ConversationId)
		if r == nil {
			// not joined, nothing to leave
			c.queueMessage(NoErrOK(msg.Id, nil))
			return
		}
		select {
		case r.leaveChan <- msg:
		default:
			c.log.Printf("leaveChan full for conversation %q", r.externalId)
			c.queueMessage(ErrUnavailable(msg.Id))
		}
	case msg.React != nil, msg.Forward != nil:
		c.sendToServer(c.chatServer.routeChan, msg)
	default:
		r := c.getRoom(msg.conversationId())
		if r == nil {
			c.sendToServer(c.chatServer.routeChan, msg)
			return
		}
		select {
		case r.clientMsgChan <- msg:
		default:
			c.log.Printf("clientMsgChan full for conversation %q", r.externalId)
			c.queueMessage(ErrUnavailable(msg.Id))
		}
	}
}

func (c *Client) sendToServer(ch chan *ClientMessage, msg *ClientMessage) {
	select {
	case ch <- msg:
	default:
		c.log.Println("chat server channel full")
		c.queueMessage(ErrUnavailable(msg.Id))
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Println("failed to send message to client, channel is full")
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

// stopClient is safe to call more than once: a disconnect cleanup can
// race a server shutdown, both of which stop the client.
func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Client) cleanup() {
	c.leaveAllRooms()
	c.chatServer.deRegisterChan <- c
	c.stopClient()
}

func (c *Client) leaveAllRooms() {
	c.roomsLock.RLock()
	rooms := make([]*Room, 0, len(c.rooms))
	for _, room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.roomsLock.RUnlock()

	for _, room := range rooms {
		room.leaveChan <- &ClientMessage{
			Leave:  &LeaveConversation{ConversationId: room.externalId},
			UserId: c.user.Id,
			client: c,
		}
	}
}

func (c *Client) delRoom(id string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	delete(c.rooms, id)
}

func (c *Client) addRoom(r *Room) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	c.rooms[r.externalId] = r
}

func (c *Client) getRoom(id string) *Room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	if room, ok := c.rooms[id]; ok {
		return room
	}

	return nil
}
