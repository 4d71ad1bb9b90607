package server

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"chatwire/internal/database"
	"chatwire/internal/stats"
	"chatwire/internal/types"
	"chatwire/internal/unread"
)

type ChatServer struct {
	log            *log.Logger
	db             database.ChatRepository
	counters       unread.CounterStore
	stats          stats.StatsProvider
	clients        map[*Client]struct{}
	userMap        map[int]map[*Client]struct{}
	clientsLock    sync.Mutex
	joinChan       chan *ClientMessage
	routeChan      chan *ClientMessage
	RegisterChan   chan *Client
	deRegisterChan chan *Client
	broadcastChan  chan *ServerMessage
	unloadRoomChan chan string
	rooms          map[string]*Room
	stop           chan struct{}
	done           chan struct{}
}

func NewChatServer(logger *log.Logger, db database.ChatRepository, counters unread.CounterStore, sp stats.StatsProvider) (*ChatServer, error) {
	cs := &ChatServer{
		log:            logger,
		db:             db,
		counters:       counters,
		stats:          sp,
		clients:        make(map[*Client]struct{}),
		userMap:        make(map[int]map[*Client]struct{}),
		joinChan:       make(chan *ClientMessage, 256),
		routeChan:      make(chan *ClientMessage, 256),
		RegisterChan:   make(chan *Client),
		deRegisterChan: make(chan *Client),
		broadcastChan:  make(chan *ServerMessage, 1024),
		unloadRoomChan: make(chan string),
		rooms:          make(map[string]*Room),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}

	sp.RegisterMetric("NumConnectedSessions")
	sp.RegisterMetric("NumActiveConversations")
	sp.RegisterMetric("EventsRouted")
	sp.RegisterMetric("DroppedEvents")

	return cs, nil
}

func (cs *ChatServer) Run() {
	for {
		select {
		case joinMsg := <-cs.joinChan:
			cs.handleJoin(joinMsg)
		case msg := <-cs.routeChan:
			cs.handleRoute(msg)
		case client := <-cs.RegisterChan:
			cs.log.Printf("adding connection from %q", client.user.Username)
			cs.addClient(client)
		case client := <-cs.deRegisterChan:
			cs.log.Printf("removing connection from %q", client.user.Username)
			cs.removeClient(client)
		case msg := <-cs.broadcastChan:
			cs.routeToUser(msg)
		case id := <-cs.unloadRoomChan:
			r, ok := cs.rooms[id]
			if ok {
				cs.unloadRoom(r.externalId)
				r.exit <- exitReq{}
				<-r.done
			}
		case <-cs.stop:
			cs.log.Println("shutting down rooms")
			for _, r := range cs.rooms {
				r.exit <- exitReq{}
				<-r.done
			}

			close(cs.done)
			return
		}
	}
}

func (cs *ChatServer) handleJoin(joinMsg *ClientMessage) {
	room, errMsg := cs.ensureRoom(joinMsg.Join.ConversationId, joinMsg.Id)
	if errMsg != nil {
		joinMsg.client.queueMessage(errMsg)
		return
	}

	select {
	case room.joinChan <- joinMsg:
	default:
		cs.log.Printf("join channel full on conversation %q", room.externalId)
		joinMsg.client.queueMessage(ErrUnavailable(joinMsg.Id))
	}
}

// handleRoute delivers a command to its room when the issuing session
// has not joined it, loading the room first if necessary. Reactions and
// forwards carry a message id instead of a conversation id and are
// resolved by message lookup.
func (cs *ChatServer) handleRoute(msg *ClientMessage) {
	if msg.Forward != nil {
		cs.handleForward(msg)
		return
	}

	convId := msg.conversationId()
	if msg.React != nil {
		m, err := cs.db.GetMessageByExternalId(msg.React.MessageId)
		if err != nil {
			msg.client.queueMessage(ErrNotFound(msg.Id, "message not found"))
			return
		}

		conv, err := cs.db.GetConversationWithParticipants(m.ConversationId)
		if err != nil {
			msg.client.queueMessage(ErrNotFound(msg.Id, "conversation not found"))
			return
		}
		convId = conv.ExternalId
	}

	room, errMsg := cs.ensureRoom(convId, msg.Id)
	if errMsg != nil {
		msg.client.queueMessage(errMsg)
		return
	}

	select {
	case room.clientMsgChan <- msg:
	default:
		cs.log.Printf("clientMsgChan full for conversation %q", room.externalId)
		msg.client.queueMessage(ErrUnavailable(msg.Id))
	}
}

// handleForward fans a source message out to each target conversation.
// Every target room applies it as an independent send, and a shared
// tally reports the partial-success count back to the issuing session
// once the last target finishes.
func (cs *ChatServer) handleForward(msg *ClientMessage) {
	source, err := cs.db.GetMessageByExternalId(msg.Forward.MessageId)
	if err != nil || source.IsDeleted {
		msg.client.queueMessage(ErrNotFound(msg.Id, "message not found"))
		return
	}

	targets := msg.Forward.TargetConversationIds
	if len(targets) == 0 {
		msg.client.queueMessage(ErrValidation(msg.Id, "no target conversations"))
		return
	}

	tally := &forwardTally{
		messageId: source.ExternalId,
		requested: len(targets),
		remaining: int32(len(targets)),
		client:    msg.client,
		commandId: msg.Id,
	}

	for _, target := range targets {
		room, errMsg := cs.ensureRoom(target, msg.Id)
		if errMsg != nil {
			tally.complete(false)
			continue
		}

		fwd := &ClientMessage{
			BaseMessage: msg.BaseMessage,
			forwardIn: &forwardDelivery{
				source: source,
				tally:  tally,
			},
			UserId:   msg.UserId,
			Username: msg.Username,
			client:   msg.client,
		}

		select {
		case room.clientMsgChan <- fwd:
		default:
			cs.log.Printf("clientMsgChan full for conversation %q", room.externalId)
			tally.complete(false)
		}
	}
}

// ensureRoom returns the loaded room for a conversation, hydrating it
// from the database on first use. Soft-deleted conversations are
// indistinguishable from absent ones.
func (cs *ChatServer) ensureRoom(externalId string, cmdId int) (*Room, *ServerMessage) {
	if room, ok := cs.rooms[externalId]; ok {
		return room, nil
	}

	dbConv, err := cs.db.GetConversationByExternalId(externalId)
	if err != nil || dbConv.IsDeleted {
		return nil, ErrNotFound(cmdId, "conversation not found")
	}

	full, err := cs.db.GetConversationWithParticipants(dbConv.Id)
	if err != nil {
		cs.log.Println("GetConversationWithParticipants:", err)
		return nil, ErrInternal(cmdId)
	}

	participants := make(map[int]*types.Participant, len(full.Participants))
	for _, p := range full.Participants {
		participants[p.AccountId] = &types.Participant{
			User: types.User{
				Id:       p.AccountId,
				Username: p.Username,
			},
			Role:  p.Role,
			Muted: p.Muted,
		}
	}

	room := &Room{
		id:            dbConv.Id,
		externalId:    dbConv.ExternalId,
		isGroup:       dbConv.IsGroup,
		name:          dbConv.Name,
		description:   dbConv.Description,
		participants:  participants,
		cs:            cs,
		joinChan:      make(chan *ClientMessage, 256),
		leaveChan:     make(chan *ClientMessage, 256),
		clientMsgChan: make(chan *ClientMessage, 256),
		clients:       make(map[*Client]struct{}),
		userMap:       make(map[int]map[*Client]struct{}),
		log:           cs.log,
		exit:          make(chan exitReq),
		done:          make(chan struct{}),
	}

	cs.rooms[room.externalId] = room
	cs.stats.Incr("NumActiveConversations")

	go room.start()

	return room, nil
}

// routeToUser delivers an event to every connected session of the
// addressed user.
func (cs *ChatServer) routeToUser(msg *ServerMessage) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	for client := range cs.userMap[msg.UserId] {
		if client == msg.SkipClient {
			continue
		}

		if client.queueMessage(msg) {
			cs.stats.Incr("EventsRouted")
		} else {
			cs.stats.Incr("DroppedEvents")
		}
	}
}

func (cs *ChatServer) RegisterClient(c *Client) {
	cs.RegisterChan <- c
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	cs.clients[c] = struct{}{}
	first := cs.userMap[c.user.Id] == nil
	if first {
		cs.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	cs.userMap[c.user.Id][c] = struct{}{}
	cs.clientsLock.Unlock()

	cs.stats.Incr("NumConnectedSessions")

	if first {
		cs.broadcastUserStatus(c.user.Id, types.StatusOnline, nil)
	}
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	delete(cs.clients, c)
	last := false
	if userClients, ok := cs.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(cs.userMap, c.user.Id)
			last = true
		}
	}
	cs.clientsLock.Unlock()

	cs.stats.Decr("NumConnectedSessions")

	if last {
		lastSeen := Now()
		if err := cs.db.UpdateLastSeen(c.user.Id, lastSeen); err != nil {
			cs.log.Println("UpdateLastSeen:", err)
		}
		cs.broadcastUserStatus(c.user.Id, types.StatusOffline, &lastSeen)
	}
}

// broadcastUserStatus notifies every connected contact of the user that
// they went online or offline.
func (cs *ChatServer) broadcastUserStatus(userId int, status string, lastSeen *time.Time) {
	contacts, err := cs.db.ContactIds(userId)
	if err != nil {
		cs.log.Println("ContactIds:", err)
		return
	}

	msg := &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		UserStatus: &UserStatus{
			UserId:   userId,
			Status:   status,
			LastSeen: lastSeen,
		},
	}

	for _, contactId := range contacts {
		m := *msg
		m.UserId = contactId
		cs.routeToUser(&m)
	}
}

func (cs *ChatServer) unloadRoom(externalId string) {
	if _, ok := cs.rooms[externalId]; ok {
		delete(cs.rooms, externalId)
		cs.stats.Decr("NumActiveConversations")
	}
}

// IsUserConnected reports whether the user has at least one live
// session anywhere on the server, not just in a particular room.
func (cs *ChatServer) IsUserConnected(userId int) bool {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	return len(cs.userMap[userId]) > 0
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")

	cs.clientsLock.Lock()
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.Unlock()

	close(cs.stop)

	select {
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type forwardDelivery struct {
	source database.Message
	tally  *forwardTally
}

// forwardTally tracks a multi-target forward. Target rooms run in their
// own goroutines, so completion is counted atomically and the summary
// event fires when the last target reports in.
type forwardTally struct {
	messageId string
	requested int
	remaining int32
	delivered int32
	client    *Client
	commandId int
}

func (t *forwardTally) complete(success bool) {
	if success {
		atomic.AddInt32(&t.delivered, 1)
	}

	if atomic.AddInt32(&t.remaining, -1) == 0 {
		t.client.queueMessage(&ServerMessage{
			BaseMessage: BaseMessage{
				Id:        t.commandId,
				Timestamp: Now(),
			},
			MessageForwarded: &MessageForwarded{
				MessageId: t.messageId,
				Requested: t.requested,
				Count:     int(atomic.LoadInt32(&t.delivered)),
			},
		})
	}
}
