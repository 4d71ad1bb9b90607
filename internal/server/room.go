package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatwire/internal/database"
	"chatwire/internal/types"
)

const idleRoomTimeout = time.Second * 30

// TypingTTL bounds how long a typing signal stays meaningful. The
// server stamps the expiry so receivers never depend on a stop event
// that a crashed sender would not deliver.
const TypingTTL = 3 * time.Second

type exitReq struct {
	done chan bool
}

// Room is the in-memory instance of a loaded conversation. All state
// mutations for the conversation funnel through its goroutine, which
// serializes them and assigns the per-conversation sequence order.
type Room struct {
	id            int
	externalId    string
	isGroup       bool
	name          string
	description   string
	participants  map[int]*types.Participant
	cs            *ChatServer
	joinChan      chan *ClientMessage
	leaveChan     chan *ClientMessage
	clientMsgChan chan *ClientMessage
	clients       map[*Client]struct{}
	userMap       map[int]map[*Client]struct{}
	clientLock    sync.RWMutex
	log           *log.Logger
	// killTimer unloads the room when no session has it open
	killTimer *time.Timer
	exit      chan exitReq
	done      chan struct{}
}

func (r *Room) start() {
	r.log.Printf("starting room %q", r.externalId)
	r.killTimer = time.NewTimer(idleRoomTimeout)

	for {
		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		case leaveMsg := <-r.leaveChan:
			r.handleLeave(leaveMsg)
		case msg := <-r.clientMsgChan:
			r.handleCommand(msg)
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case e := <-r.exit:
			r.handleRoomExit(e)
			return
		}
	}
}

func (r *Room) handleCommand(msg *ClientMessage) {
	switch {
	case msg.Publish != nil:
		r.handlePublish(msg)
	case msg.Typing != nil:
		r.handleTyping(msg)
	case msg.Read != nil:
		r.handleRead(msg)
	case msg.React != nil:
		r.handleReaction(msg)
	case msg.Edit != nil:
		r.handleEdit(msg)
	case msg.Delete != nil:
		r.handleDelete(msg)
	case msg.Pin != nil:
		r.handlePin(msg)
	case msg.Mute != nil:
		r.handleMute(msg)
	case msg.AddMembers != nil:
		r.handleAddMembers(msg)
	case msg.RemoveMember != nil:
		r.handleRemoveMember(msg)
	case msg.MakeAdmin != nil:
		r.handleMakeAdmin(msg)
	case msg.LeaveConv != nil:
		r.handleLeaveConversation(msg)
	case msg.DeleteConv != nil:
		r.handleDeleteConversation(msg)
	case msg.Avatar != nil:
		r.handleAvatar(msg)
	case msg.Info != nil:
		r.handleInfo(msg)
	case msg.forwardIn != nil:
		r.handleForwardIn(msg)
	}
}

// participant returns the cached membership entry for a user, or nil
// when the user does not belong to the conversation.
func (r *Room) participant(userId int) *types.Participant {
	return r.participants[userId]
}

func (r *Room) isAdmin(userId int) bool {
	p := r.participants[userId]
	return p != nil && p.Role == types.RoleAdmin
}

func (r *Room) handleRoomTimeout() {
	r.log.Printf("room %q timed out", r.externalId)
	r.cs.unloadRoomChan <- r.externalId
}

func (r *Room) handleRoomExit(e exitReq) {
	r.log.Printf("room %q is exiting", r.externalId)

	r.clientLock.Lock()
	for c := range r.clients {
		c.delRoom(r.externalId)
	}
	r.clientLock.Unlock()

	if e.done != nil {
		e.done <- true
	}
	close(r.done)
}

func (r *Room) handleJoin(join *ClientMessage) {
	c := join.client

	if r.participant(join.UserId) == nil {
		c.queueMessage(ErrForbidden(join.Id, "not a participant"))
		return
	}

	r.killTimer.Stop()
	r.addClient(c)

	snapshot, err := r.snapshot(join.UserId)
	if err != nil {
		r.log.Println("snapshot:", err)
		c.queueMessage(ErrInternal(join.Id))
		return
	}

	c.queueMessage(NoErrOK(join.Id, snapshot))
}

// snapshot builds the conversation state a client needs on join. Join
// doubles as the freshness fetch: missed events are recovered here, not
// replayed.
func (r *Room) snapshot(userId int) (*types.Conversation, error) {
	dbConv, err := r.cs.db.GetConversationWithParticipants(r.id)
	if err != nil {
		return nil, err
	}

	pinned, err := r.cs.db.GetPinnedMessages(r.id)
	if err != nil {
		return nil, err
	}

	unread, err := r.cs.counters.Get(context.Background(), userId, r.externalId)
	if err != nil {
		r.log.Println("counters.Get:", err)
	}

	conv := &types.Conversation{
		Id:          dbConv.Id,
		ExternalId:  dbConv.ExternalId,
		IsGroup:     dbConv.IsGroup,
		Name:        dbConv.Name,
		Description: dbConv.Description,
		AvatarUrl:   dbConv.AvatarUrl,
		SeqId:       dbConv.SeqId,
		Unread:      unread,
		CreatedAt:   dbConv.CreatedAt,
		UpdatedAt:   dbConv.UpdatedAt,
	}

	for _, p := range dbConv.Participants {
		conv.Participants = append(conv.Participants, types.Participant{
			User: types.User{
				Id:       p.AccountId,
				Username: p.Username,
				Status:   r.userStatus(p.AccountId),
			},
			Role:  p.Role,
			Muted: p.Muted,
		})
	}

	for _, m := range pinned {
		conv.Pinned = append(conv.Pinned, *r.wireMessage(m, ""))
	}

	return conv, nil
}

func (r *Room) userStatus(userId int) string {
	if r.cs.IsUserConnected(userId) {
		return types.StatusOnline
	}
	return types.StatusOffline
}

func (r *Room) handleLeave(leaveMsg *ClientMessage) {
	r.removeClient(leaveMsg.client)

	if leaveMsg.Id != 0 {
		leaveMsg.client.queueMessage(NoErrOK(leaveMsg.Id, nil))
	}
}

func (r *Room) handleTyping(msg *ClientMessage) {
	if r.participant(msg.UserId) == nil {
		msg.client.queueMessage(ErrForbidden(msg.Id, "not a participant"))
		return
	}

	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		UserTyping: &UserTyping{
			ConversationId: r.externalId,
			UserId:         msg.UserId,
			Username:       msg.Username,
			IsTyping:       msg.Typing.IsTyping,
			ExpiresAt:      Now().Add(TypingTTL),
		},
		SkipClient: msg.client,
	})
}

func (r *Room) handlePublish(msg *ClientMessage) {
	if r.participant(msg.UserId) == nil {
		msg.client.queueMessage(ErrForbidden(msg.Id, "not a participant"))
		return
	}

	pub := msg.Publish
	contentType := pub.ContentType
	if contentType == "" {
		contentType = types.ContentTypeText
	}

	if !types.ValidContentType(contentType) {
		msg.client.queueMessage(ErrValidation(msg.Id, "unsupported content type"))
		return
	}
	if pub.Content == "" && pub.MediaUrl == "" {
		msg.client.queueMessage(ErrValidation(msg.Id, "empty message"))
		return
	}
	if contentType != types.ContentTypeText && pub.MediaUrl == "" {
		msg.client.queueMessage(ErrValidation(msg.Id, "missing media descriptor"))
		return
	}

	var replyToId int
	if pub.ReplyTo != "" {
		quoted, err := r.cs.db.GetMessageByExternalId(pub.ReplyTo)
		if err != nil || quoted.ConversationId != r.id {
			msg.client.queueMessage(ErrInvalidReference(msg.Id, "quoted message not in conversation"))
			return
		}
		replyToId = quoted.Id
	}

	saved, err := r.cs.db.CreateMessage(database.CreateMessageParams{
		ExternalId:     uuid.NewString(),
		ConversationId: r.id,
		SenderId:       msg.UserId,
		ContentType:    contentType,
		Content:        pub.Content,
		MediaUrl:       pub.MediaUrl,
		MediaName:      pub.MediaName,
		MediaSize:      pub.MediaSize,
		MediaMime:      pub.MediaType,
		ReplyToId:      replyToId,
		CreatedAt:      msg.Timestamp,
	})
	if err != nil {
		r.log.Println("CreateMessage:", err)
		msg.client.queueMessage(ErrNotFound(msg.Id, "conversation not found"))
		return
	}

	r.deliver(msg, saved)
}

// deliver runs the shared tail of sending: delivery records, the room
// broadcast, and per-user notifications. Forwarded copies reuse it.
func (r *Room) deliver(msg *ClientMessage, saved database.Message) {
	recipients := make([]int, 0, len(r.participants))
	for id := range r.participants {
		if id != saved.SenderId {
			recipients = append(recipients, id)
		}
	}

	if len(recipients) > 0 {
		if err := r.cs.db.CreateDeliveryRecords(saved.Id, recipients); err != nil {
			r.log.Println("CreateDeliveryRecords:", err)
		}
	}

	// a recipient with a live session anywhere counts as delivered
	for _, id := range recipients {
		if r.cs.IsUserConnected(id) {
			if _, err := r.cs.db.AdvanceDeliveryState(saved.Id, id, types.DeliveryDelivered); err != nil {
				r.log.Println("AdvanceDeliveryState:", err)
			}
		}
	}

	rollup, err := r.cs.db.DeliveryRollup(saved.Id)
	if err != nil {
		r.log.Println("DeliveryRollup:", err)
		rollup = types.DeliverySent
	}

	wire := r.wireMessage(saved, rollup)

	// the ack carries the stored message so the sender can reconcile
	// its optimistic overlay entry by command id
	msg.client.queueMessage(NoErrOK(msg.Id, wire))

	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: msg.Timestamp},
		NewMessage:  wire,
		SkipClient:  msg.client,
	})

	// the sender's other sessions refresh their conversation list entry
	r.toUser(saved.SenderId, &ServerMessage{
		BaseMessage:             BaseMessage{Timestamp: msg.Timestamp},
		SendMessageNotification: wire,
		SkipClient:              msg.client,
	})

	for _, id := range recipients {
		if _, err := r.cs.counters.Incr(context.Background(), id, r.externalId); err != nil {
			r.log.Println("counters.Incr:", err)
		}

		// muted participants accrue unread counts without being notified
		if p := r.participants[id]; p != nil && p.Muted {
			continue
		}

		r.toUser(id, &ServerMessage{
			BaseMessage: BaseMessage{Timestamp: msg.Timestamp},
			MessageNotification: &MessageNotification{
				ConversationId: r.externalId,
				SeqId:          saved.SeqId,
				UnreadDelta:    1,
				Message:        wire,
			},
		})
	}
}

func (r *Room) handleRead(msg *ClientMessage) {
	if r.participant(msg.UserId) == nil {
		msg.client.queueMessage(ErrForbidden(msg.Id, "not a participant"))
		return
	}

	m, err := r.cs.db.GetMessageByExternalId(msg.Read.MessageId)
	if err != nil {
		msg.client.queueMessage(ErrNotFound(msg.Id, "message not found"))
		return
	}
	if m.ConversationId != r.id {
		msg.client.queueMessage(ErrInvalidReference(msg.Id, "message not in conversation"))
		return
	}

	advanced, err := r.cs.db.AdvanceDeliveryState(m.Id, msg.UserId, types.DeliveryRead)
	if err != nil {
		r.log.Println("AdvanceDeliveryState:", err)
		msg.client.queueMessage(ErrInternal(msg.Id))
		return
	}

	if err := r.cs.db.UpdateLastReadSeqId(r.id, msg.UserId, m.SeqId); err != nil {
		r.log.Println("UpdateLastReadSeqId:", err)
	}

	if err := r.cs.counters.Reset(context.Background(), msg.UserId, r.externalId); err != nil {
		r.log.Println("counters.Reset:", err)
	}

	msg.client.queueMessage(NoErrOK(msg.Id, nil))

	if advanced {
		rollup, err := r.cs.db.DeliveryRollup(m.Id)
		if err != nil {
			r.log.Println("DeliveryRollup:", err)
			rollup = types.DeliveryDelivered
		}

		r.broadcast(&ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			MessageRead: &MessageRead{
				MessageId:      m.ExternalId,
				ConversationId: r.externalId,
				ReaderId:       msg.UserId,
				DeliveryStatus: rollup,
			},
			SkipClient: msg.client,
		})
	}

	// reset the badge on the reader's other sessions with an absolute
	// value so it wins over any delta still in flight
	r.toUser(msg.UserId, &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		MarkNotificationRead: &MarkNotificationRead{
			ConversationId: r.externalId,
			Unread:         0,
		},
		SkipClient: msg.client,
	})
}

func (r *Room) wireMessage(m database.Message, status string) *types.Message {
	wm := &types.Message{
		Id:             m.Id,
		ExternalId:     m.ExternalId,
		ConversationId: r.externalId,
		SenderId:       m.SenderId,
		SeqId:          m.SeqId,
		ContentType:    m.ContentType,
		Content:        m.Content,
		ReplyTo:        m.ReplyToExternalId,
		IsForwarded:    m.IsForwarded,
		IsEdited:       m.IsEdited,
		IsDeleted:      m.IsDeleted,
		IsPinned:       m.IsPinned,
		DeletedAt:      m.DeletedAt,
		DeliveryStatus: status,
		Timestamp:      m.CreatedAt,
	}

	if m.MediaUrl != "" {
		wm.Media = &types.Media{
			Url:  m.MediaUrl,
			Name: m.MediaName,
			Size: m.MediaSize,
			Mime: m.MediaMime,
		}
	}

	return wm
}

// toUser queues an event to every session of a user connected anywhere
// on the server, not just those joined to this room.
func (r *Room) toUser(userId int, msg *ServerMessage) {
	msg.UserId = userId
	select {
	case r.cs.broadcastChan <- msg:
	default:
		r.log.Println("broadcastChan full, dropping event")
		r.cs.stats.Incr("DroppedEvents")
	}
}

func (r *Room) addClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	r.clients[c] = struct{}{}
	if r.userMap[c.user.Id] == nil {
		r.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	r.userMap[c.user.Id][c] = struct{}{}

	c.addRoom(r)
}

func (r *Room) removeClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; !ok {
		return
	}

	delete(r.clients, c)
	c.delRoom(r.externalId)

	if userClients, ok := r.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(r.userMap, c.user.Id)
		}
	}

	if len(r.clients) == 0 {
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) removeAllClientsForUser(userId int) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if userClients, ok := r.userMap[userId]; ok {
		for client := range userClients {
			delete(r.clients, client)
			client.delRoom(r.externalId)
		}
		delete(r.userMap, userId)
	}

	if len(r.clients) == 0 {
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) broadcast(msg *ServerMessage) {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	for client := range r.clients {
		if client == msg.SkipClient {
			continue
		}

		client.queueMessage(msg)
	}
}
