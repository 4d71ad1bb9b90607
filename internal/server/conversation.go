package server

import (
	"context"

	"github.com/google/uuid"

	"chatwire/internal/database"
	"chatwire/internal/types"
)

// lookupMessage fetches a message by external id and checks it belongs
// to this conversation. Soft-deleted messages are reported as absent
// unless allowDeleted is set.
func (r *Room) lookupMessage(msg *ClientMessage, externalId string, allowDeleted bool) (database.Message, bool) {
	m, err := r.cs.db.GetMessageByExternalId(externalId)
	if err != nil {
		msg.client.queueMessage(ErrNotFound(msg.Id, "message not found"))
		return database.Message{}, false
	}
	if m.ConversationId != r.id {
		msg.client.queueMessage(ErrInvalidReference(msg.Id, "message not in conversation"))
		return database.Message{}, false
	}
	if m.IsDeleted && !allowDeleted {
		msg.client.queueMessage(ErrNotFound(msg.Id, "message not found"))
		return database.Message{}, false
	}

	return m, true
}

func (r *Room) handleReaction(msg *ClientMessage) {
	if r.participant(msg.UserId) == nil {
		msg.client.queueMessage(ErrForbidden(msg.Id, "not a participant"))
		return
	}
	if msg.React.Emoji == "" {
		msg.client.queueMessage(ErrValidation(msg.Id, "missing emoji"))
		return
	}

	m, ok := r.lookupMessage(msg, msg.React.MessageId, false)
	if !ok {
		return
	}

	added, err := r.cs.db.ToggleReaction(m.Id, msg.UserId, msg.React.Emoji)
	if err != nil {
		r.log.Println("ToggleReaction:", err)
		msg.client.queueMessage(ErrInternal(msg.Id))
		return
	}

	msg.client.queueMessage(NoErrOK(msg.Id, nil))

	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		MessageReaction: &MessageReaction{
			MessageId:      m.ExternalId,
			ConversationId: r.externalId,
			UserId:         msg.UserId,
			Emoji:          msg.React.Emoji,
			Added:          added,
		},
	})
}

func (r *Room) handleEdit(msg *ClientMessage) {
	if r.participant(msg.UserId) == nil {
		msg.client.queueMessage(ErrForbidden(msg.Id, "not a participant"))
		return
	}
	if msg.Edit.NewContent == "" {
		msg.client.queueMessage(ErrValidation(msg.Id, "empty content"))
		return
	}

	m, ok := r.lookupMessage(msg, msg.Edit.MessageId, false)
	if !ok {
		return
	}
	if m.SenderId != msg.UserId {
		msg.client.queueMessage(ErrForbidden(msg.Id, "only the sender may edit"))
		return
	}

	if err := r.cs.db.EditMessage(m.Id, msg.Edit.NewContent); err != nil {
		r.log.Println("EditMessage:", err)
		msg.client.queueMessage(ErrInternal(msg.Id))
		return
	}

	m.Content = msg.Edit.NewContent
	m.IsEdited = true
	wire := r.wireMessage(m, "")

	history, err := r.cs.db.GetEditHistory(m.Id)
	if err != nil {
		r.log.Println("GetEditHistory:", err)
	}
	for _, rec := range history {
		wire.EditHistory = append(wire.EditHistory, types.EditRecord{
			Content:  rec.Content,
			EditedAt: rec.CreatedAt,
		})
	}

	msg.client.queueMessage(NoErrOK(msg.Id, wire))

	r.broadcast(&ServerMessage{
		BaseMessage:   BaseMessage{Timestamp: Now()},
		MessageEdited: wire,
		SkipClient:    msg.client,
	})
}

func (r *Room) handleDelete(msg *ClientMessage) {
	if r.participant(msg.UserId) == nil {
		msg.client.queueMessage(ErrForbidden(msg.Id, "not a participant"))
		return
	}

	m, ok := r.lookupMessage(msg, msg.Delete.MessageId, false)
	if !ok {
		return
	}

	// senders delete their own messages; group admins may delete any
	if m.SenderId != msg.UserId && !(r.isGroup && r.isAdmin(msg.UserId)) {
		msg.client.queueMessage(ErrForbidden(msg.Id, "cannot delete this message"))
		return
	}

	if err := r.cs.db.SoftDeleteMessage(m.Id); err != nil {
		r.log.Println("SoftDeleteMessage:", err)
		msg.client.queueMessage(ErrInternal(msg.Id))
		return
	}

	// broadcast the redacted form: the slot survives, the content is gone
	now := Now()
	m.Content = ""
	m.MediaUrl = ""
	m.MediaName = ""
	m.MediaSize = 0
	m.MediaMime = ""
	m.IsDeleted = true
	m.IsPinned = false
	m.DeletedAt = &now
	wire := r.wireMessage(m, "")

	msg.client.queueMessage(NoErrOK(msg.Id, wire))

	r.broadcast(&ServerMessage{
		BaseMessage:    BaseMessage{Timestamp: now},
		MessageDeleted: wire,
		SkipClient:     msg.client,
	})
}

func (r *Room) handlePin(msg *ClientMessage) {
	if r.participant(msg.UserId) == nil {
		msg.client.queueMessage(ErrForbidden(msg.Id, "not a participant"))
		return
	}

	m, ok := r.lookupMessage(msg, msg.Pin.MessageId, false)
	if !ok {
		return
	}

	pinned := !m.IsPinned
	if err := r.cs.db.SetMessagePinned(m.Id, pinned); err != nil {
		r.log.Println("SetMessagePinned:", err)
		msg.client.queueMessage(ErrInternal(msg.Id))
		return
	}

	msg.client.queueMessage(NoErrOK(msg.Id, nil))

	pin := &MessagePin{
		MessageId:      m.ExternalId,
		ConversationId: r.externalId,
		UserId:         msg.UserId,
	}
	event := &ServerMessage{BaseMessage: BaseMessage{Timestamp: Now()}}
	if pinned {
		event.MessagePinned = pin
	} else {
		event.MessageUnpinned = pin
	}
	r.broadcast(event)
}

// handleForwardIn applies one forwarded copy in a target conversation.
// The copy is a fresh send attributed to the forwarder, marked
// forwarded, with no reply linkage into the source conversation.
func (r *Room) handleForwardIn(msg *ClientMessage) {
	tally := msg.forwardIn.tally

	if r.participant(msg.UserId) == nil {
		tally.complete(false)
		return
	}

	source := msg.forwardIn.source
	saved, err := r.cs.db.CreateMessage(database.CreateMessageParams{
		ExternalId:     uuid.NewString(),
		ConversationId: r.id,
		SenderId:       msg.UserId,
		ContentType:    source.ContentType,
		Content:        source.Content,
		MediaUrl:       source.MediaUrl,
		MediaName:      source.MediaName,
		MediaSize:      source.MediaSize,
		MediaMime:      source.MediaMime,
		IsForwarded:    true,
		CreatedAt:      msg.Timestamp,
	})
	if err != nil {
		r.log.Println("CreateMessage:", err)
		tally.complete(false)
		return
	}

	r.deliverForward(msg, saved)
	tally.complete(true)
}

// deliverForward is deliver without the per-command ack, which for a
// forward is the tally's summary event instead.
func (r *Room) deliverForward(msg *ClientMessage, saved database.Message) {
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

	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: msg.Timestamp},
		NewMessage:  wire,
	})

	r.toUser(saved.SenderId, &ServerMessage{
		BaseMessage:             BaseMessage{Timestamp: msg.Timestamp},
		SendMessageNotification: wire,
		SkipClient:              msg.client,
	})

	for _, id := range recipients {
		if _, err := r.cs.counters.Incr(context.Background(), id, r.externalId); err != nil {
			r.log.Println("counters.Incr:", err)
		}

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

func (r *Room) handleMute(msg *ClientMessage) {
	p := r.participant(msg.UserId)
	if p == nil {
		msg.client.queueMessage(ErrForbidden(msg.Id, "not a participant"))
		return
	}

	muted, err := r.cs.db.ToggleParticipantMuted(r.id, msg.UserId)
	if err != nil {
		r.log.Println("ToggleParticipantMuted:", err)
		msg.client.queueMessage(ErrInternal(msg.Id))
		return
	}

	p.Muted = muted
	msg.client.queueMessage(NoErrOK(msg.Id, nil))

	// mute is personal: only the acting user's other sessions hear it
	event := &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		SkipClient:  msg.client,
	}
	change := &MuteChange{ConversationId: r.externalId}
	if muted {
		event.Muted = change
	} else {
		event.Unmuted = change
	}
	r.toUser(msg.UserId, event)
}

func (r *Room) requireGroupAdmin(msg *ClientMessage) bool {
	if r.participant(msg.UserId) == nil {
		msg.client.queueMessage(ErrForbidden(msg.Id, "not a participant"))
		return false
	}
	if !r.isGroup {
		msg.client.queueMessage(ErrValidation(msg.Id, "not a group conversation"))
		return false
	}
	if !r.isAdmin(msg.UserId) {
		msg.client.queueMessage(ErrForbidden(msg.Id, "admin required"))
		return false
	}

	return true
}

func (r *Room) handleAddMembers(msg *ClientMessage) {
	if !r.requireGroupAdmin(msg) {
		return
	}
	if len(msg.AddMembers.NewUserIds) == 0 {
		msg.client.queueMessage(ErrValidation(msg.Id, "no members to add"))
		return
	}

	var added []types.Participant
	for _, userId := range msg.AddMembers.NewUserIds {
		if r.participants[userId] != nil {
			continue
		}

		p, err := r.cs.db.AddParticipant(r.id, userId, types.RoleMember)
		if err != nil {
			r.log.Println("AddParticipant:", err)
			msg.client.queueMessage(ErrInvalidReference(msg.Id, "unknown user"))
			return
		}

		member := types.Participant{
			User: types.User{
				Id:       p.AccountId,
				Username: p.Username,
			},
			Role: p.Role,
		}
		r.participants[userId] = &member
		added = append(added, member)
	}

	msg.client.queueMessage(NoErrOK(msg.Id, added))

	if len(added) == 0 {
		return
	}

	event := &MembersAdded{
		ConversationId: r.externalId,
		Members:        added,
		ActorId:        msg.UserId,
	}

	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		MemberAdded: event,
		SkipClient:  msg.client,
	})

	// new members learn about the conversation on their own sessions
	for _, member := range added {
		r.toUser(member.Id, &ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			MemberAdded: event,
		})
	}
}

func (r *Room) handleRemoveMember(msg *ClientMessage) {
	if !r.requireGroupAdmin(msg) {
		return
	}

	target := msg.RemoveMember.MemberId
	if r.participants[target] == nil {
		msg.client.queueMessage(ErrNotFound(msg.Id, "member not found"))
		return
	}

	if err := r.cs.db.RemoveParticipant(r.id, target); err != nil {
		r.log.Println("RemoveParticipant:", err)
		msg.client.queueMessage(ErrInternal(msg.Id))
		return
	}

	delete(r.participants, target)
	msg.client.queueMessage(NoErrOK(msg.Id, nil))

	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		MemberRemoved: &MemberChange{
			ConversationId: r.externalId,
			MemberId:       target,
			ActorId:        msg.UserId,
		},
		SkipClient: msg.client,
	})

	// the removed member's sessions see themselves leave
	r.toUser(target, &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		ConversationLeft: &MemberChange{
			ConversationId: r.externalId,
			MemberId:       target,
		},
	})

	r.removeAllClientsForUser(target)
	r.deleteIfEmpty()
}

func (r *Room) handleMakeAdmin(msg *ClientMessage) {
	if !r.requireGroupAdmin(msg) {
		return
	}

	target := msg.MakeAdmin.MemberId
	p := r.participants[target]
	if p == nil {
		msg.client.queueMessage(ErrNotFound(msg.Id, "member not found"))
		return
	}

	if err := r.cs.db.SetParticipantRole(r.id, target, types.RoleAdmin); err != nil {
		r.log.Println("SetParticipantRole:", err)
		msg.client.queueMessage(ErrInternal(msg.Id))
		return
	}

	p.Role = types.RoleAdmin
	msg.client.queueMessage(NoErrOK(msg.Id, nil))

	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		MemberToAdmin: &MemberChange{
			ConversationId: r.externalId,
			MemberId:       target,
			ActorId:        msg.UserId,
		},
		SkipClient: msg.client,
	})
}

func (r *Room) handleLeaveConversation(msg *ClientMessage) {
	if r.participant(msg.UserId) == nil {
		msg.client.queueMessage(ErrForbidden(msg.Id, "not a participant"))
		return
	}
	if !r.isGroup {
		msg.client.queueMessage(ErrValidation(msg.Id, "not a group conversation"))
		return
	}

	if err := r.cs.db.RemoveParticipant(r.id, msg.UserId); err != nil {
		r.log.Println("RemoveParticipant:", err)
		msg.client.queueMessage(ErrInternal(msg.Id))
		return
	}

	delete(r.participants, msg.UserId)
	msg.client.queueMessage(NoErrOK(msg.Id, nil))

	left := &MemberChange{
		ConversationId: r.externalId,
		MemberId:       msg.UserId,
	}

	r.broadcast(&ServerMessage{
		BaseMessage:      BaseMessage{Timestamp: Now()},
		ConversationLeft: left,
		SkipClient:       msg.client,
	})

	r.toUser(msg.UserId, &ServerMessage{
		BaseMessage:      BaseMessage{Timestamp: Now()},
		ConversationLeft: left,
		SkipClient:       msg.client,
	})

	r.removeAllClientsForUser(msg.UserId)
	r.deleteIfEmpty()
}

// deleteIfEmpty tombstones the conversation when the last participant
// is gone. Later lookups report it as not found.
func (r *Room) deleteIfEmpty() {
	if len(r.participants) > 0 {
		return
	}

	if err := r.cs.db.SoftDeleteConversation(r.id); err != nil {
		r.log.Println("SoftDeleteConversation:", err)
		return
	}

	r.log.Printf("conversation %q has no participants, deleted", r.externalId)
	go func() { r.cs.unloadRoomChan <- r.externalId }()
}

func (r *Room) handleDeleteConversation(msg *ClientMessage) {
	if r.participant(msg.UserId) == nil {
		msg.client.queueMessage(ErrForbidden(msg.Id, "not a participant"))
		return
	}
	// either side may delete a direct conversation; groups need an admin
	if r.isGroup && !r.isAdmin(msg.UserId) {
		msg.client.queueMessage(ErrForbidden(msg.Id, "admin required"))
		return
	}

	if err := r.cs.db.SoftDeleteConversation(r.id); err != nil {
		r.log.Println("SoftDeleteConversation:", err)
		msg.client.queueMessage(ErrInternal(msg.Id))
		return
	}

	msg.client.queueMessage(NoErrOK(msg.Id, nil))

	deleted := &ConversationDeleted{ConversationId: r.externalId}

	r.broadcast(&ServerMessage{
		BaseMessage:         BaseMessage{Timestamp: Now()},
		ConversationDeleted: deleted,
		SkipClient:          msg.client,
	})

	// participants not currently in the room still need their lists
	// updated
	for id := range r.participants {
		r.toUser(id, &ServerMessage{
			BaseMessage:         BaseMessage{Timestamp: Now()},
			ConversationDeleted: deleted,
			SkipClient:          msg.client,
		})
	}

	go func() { r.cs.unloadRoomChan <- r.externalId }()
}

func (r *Room) handleAvatar(msg *ClientMessage) {
	if !r.requireGroupAdmin(msg) {
		return
	}
	if msg.Avatar.UploadedPhoto == "" {
		msg.client.queueMessage(ErrValidation(msg.Id, "missing photo url"))
		return
	}

	if err := r.cs.db.UpdateConversationAvatar(r.id, msg.Avatar.UploadedPhoto); err != nil {
		r.log.Println("UpdateConversationAvatar:", err)
		msg.client.queueMessage(ErrInternal(msg.Id))
		return
	}

	msg.client.queueMessage(NoErrOK(msg.Id, nil))

	updated := &AvatarUpdated{
		ConversationId: r.externalId,
		AvatarUrl:      msg.Avatar.UploadedPhoto,
	}

	r.broadcast(&ServerMessage{
		BaseMessage:   BaseMessage{Timestamp: Now()},
		AvatarUpdated: updated,
		SkipClient:    msg.client,
	})

	for id := range r.participants {
		r.toUser(id, &ServerMessage{
			BaseMessage:   BaseMessage{Timestamp: Now()},
			AvatarUpdated: updated,
			SkipClient:    msg.client,
		})
	}
}

func (r *Room) handleInfo(msg *ClientMessage) {
	if !r.requireGroupAdmin(msg) {
		return
	}

	name := msg.Info.Data.Name
	description := msg.Info.Data.Description
	if name == "" {
		msg.client.queueMessage(ErrValidation(msg.Id, "missing group name"))
		return
	}

	if err := r.cs.db.UpdateConversationInfo(r.id, name, description); err != nil {
		r.log.Println("UpdateConversationInfo:", err)
		msg.client.queueMessage(ErrInternal(msg.Id))
		return
	}

	r.name = name
	r.description = description
	msg.client.queueMessage(NoErrOK(msg.Id, nil))

	updated := &InfoUpdated{
		ConversationId: r.externalId,
		Name:           name,
		Description:    description,
	}

	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		InfoUpdated: updated,
		SkipClient:  msg.client,
	})

	for id := range r.participants {
		r.toUser(id, &ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			InfoUpdated: updated,
			SkipClient:  msg.client,
		})
	}
}
