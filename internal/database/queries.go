package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"chatwire/internal/types"
)

const selectMessageCols = "m.id, m.external_id, m.conversation_id, m.sender_id, m.seq_id, " +
	"m.content_type, m.content, m.media_url, m.media_name, m.media_size, m.media_mime, " +
	"m.reply_to_id, COALESCE(r.external_id, ''), m.is_forwarded, m.is_edited, m.is_deleted, " +
	"m.is_pinned, m.deleted_at, m.created_at, m.updated_at"

const messageFrom = " FROM messages m LEFT JOIN messages r ON m.reply_to_id = r.id "

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var (
		msg       Message
		replyTo   sql.NullInt64
		deletedAt sql.NullTime
	)

	err := row.Scan(
		&msg.Id,
		&msg.ExternalId,
		&msg.ConversationId,
		&msg.SenderId,
		&msg.SeqId,
		&msg.ContentType,
		&msg.Content,
		&msg.MediaUrl,
		&msg.MediaName,
		&msg.MediaSize,
		&msg.MediaMime,
		&replyTo,
		&msg.ReplyToExternalId,
		&msg.IsForwarded,
		&msg.IsEdited,
		&msg.IsDeleted,
		&msg.IsPinned,
		&deletedAt,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	if err != nil {
		return Message{}, err
	}

	if replyTo.Valid {
		msg.ReplyToId = int(replyTo.Int64)
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		msg.DeletedAt = &t
	}

	return msg, nil
}

func (db *PgChatRepository) CreateAccount(params CreateAccountParams) (Account, error) {
	res := db.conn.QueryRow(
		"INSERT INTO accounts (username, email, password_hash, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $4) RETURNING id, username, email, created_at, updated_at",
		params.Username,
		params.EmailAddress,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var a Account
	err := res.Scan(
		&a.Id,
		&a.Username,
		&a.EmailAddress,
		&a.CreatedAt,
		&a.UpdatedAt,
	)

	return a, err
}

func (db *PgChatRepository) UpdateAccount(params UpdateAccountParams) (Account, error) {
	res := db.conn.QueryRow(
		"UPDATE accounts SET username = $2, password_hash = $3, updated_at = $4 "+
			"WHERE id = $1 RETURNING id, username, email, created_at, updated_at",
		params.AccountId,
		params.Username,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var a Account
	err := res.Scan(
		&a.Id,
		&a.Username,
		&a.EmailAddress,
		&a.CreatedAt,
		&a.UpdatedAt,
	)

	return a, err
}

func (db *PgChatRepository) GetAccountById(accountId int) (Account, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, last_seen, created_at, updated_at FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		accountId,
	)

	var a Account
	err := row.Scan(
		&a.Id,
		&a.Username,
		&a.EmailAddress,
		&a.LastSeen,
		&a.CreatedAt,
		&a.UpdatedAt,
	)

	return a, err
}

func (db *PgChatRepository) GetAccountByEmail(email string) (Account, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, password_hash, last_seen, created_at, updated_at FROM accounts "+
			"WHERE email = $1 LIMIT 1",
		email,
	)

	var a Account
	err := row.Scan(
		&a.Id,
		&a.Username,
		&a.EmailAddress,
		&a.PasswordHash,
		&a.LastSeen,
		&a.CreatedAt,
		&a.UpdatedAt,
	)

	return a, err
}

func (db *PgChatRepository) UpdateLastSeen(accountId int, lastSeen time.Time) error {
	_, err := db.conn.Exec(
		"UPDATE accounts SET last_seen = $2 WHERE id = $1",
		accountId,
		lastSeen.UTC(),
	)

	return err
}

func (db *PgChatRepository) ContactIds(accountId int) ([]int, error) {
	rows, err := db.conn.Query(
		"SELECT DISTINCT p2.account_id FROM participants p1 "+
			"JOIN participants p2 ON p1.conversation_id = p2.conversation_id AND p2.account_id <> p1.account_id "+
			"JOIN conversations c ON c.id = p1.conversation_id AND c.is_deleted = FALSE "+
			"WHERE p1.account_id = $1",
		accountId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err = rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func (db *PgChatRepository) CreateConversation(params CreateConversationParams) (Conversation, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Conversation{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res := tx.QueryRow(
		"INSERT INTO conversations (external_id, is_group, name, description, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $5) "+
			"RETURNING id, external_id, is_group, name, description, seq_id, created_at, updated_at",
		params.ExternalId,
		params.IsGroup,
		params.Name,
		params.Description,
		time.Now().UTC(),
	)

	var conv Conversation
	err = res.Scan(
		&conv.Id,
		&conv.ExternalId,
		&conv.IsGroup,
		&conv.Name,
		&conv.Description,
		&conv.SeqId,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err != nil {
		return Conversation{}, err
	}

	creatorRole := types.RoleMember
	if params.IsGroup {
		creatorRole = types.RoleAdmin
	}

	memberIds := append([]int{params.CreatorId}, params.ParticipantIds...)
	for i, accountId := range memberIds {
		role := types.RoleMember
		if i == 0 {
			role = creatorRole
		}

		_, err = tx.Exec(
			"INSERT INTO participants (conversation_id, account_id, role, created_at, updated_at) "+
				"VALUES ($1, $2, $3, $4, $4)",
			conv.Id,
			accountId,
			role,
			time.Now().UTC(),
		)
		if err != nil {
			return Conversation{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		return Conversation{}, err
	}

	full, err := db.GetConversationWithParticipants(conv.Id)
	if err != nil {
		return Conversation{}, err
	}

	return *full, nil
}

func (db *PgChatRepository) GetConversationByExternalId(externalId string) (Conversation, error) {
	row := db.conn.QueryRow(
		"SELECT id, external_id, is_group, name, description, avatar_url, seq_id, is_deleted, created_at, updated_at "+
			"FROM conversations WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	var conv Conversation
	err := row.Scan(
		&conv.Id,
		&conv.ExternalId,
		&conv.IsGroup,
		&conv.Name,
		&conv.Description,
		&conv.AvatarUrl,
		&conv.SeqId,
		&conv.IsDeleted,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)

	return conv, err
}

func (db *PgChatRepository) GetConversationWithParticipants(conversationId int) (*Conversation, error) {
	query := `
		SELECT
				c.id,
				c.external_id,
				c.is_group,
				c.name,
				c.description,
				c.avatar_url,
				c.seq_id,
				c.is_deleted,
				c.created_at,
				c.updated_at,
				p.id,
				p.account_id,
				a.username,
				p.role,
				p.muted,
				p.last_read_seq_id
		FROM conversations c
		LEFT JOIN participants p ON c.id = p.conversation_id
		LEFT JOIN accounts a ON p.account_id = a.id
		WHERE c.id = $1;
`

	rows, err := db.conn.Query(query, conversationId)
	if err != nil {
		return nil, fmt.Errorf("fetch conversation with participants: %w", err)
	}
	defer rows.Close()

	var conv *Conversation
	for rows.Next() {
		var (
			c             Conversation
			participantId sql.NullInt64
			accountId     sql.NullInt64
			username      sql.NullString
			role          sql.NullString
			muted         sql.NullBool
			lastReadSeq   sql.NullInt64
		)

		err := rows.Scan(
			&c.Id,
			&c.ExternalId,
			&c.IsGroup,
			&c.Name,
			&c.Description,
			&c.AvatarUrl,
			&c.SeqId,
			&c.IsDeleted,
			&c.CreatedAt,
			&c.UpdatedAt,
			&participantId,
			&accountId,
			&username,
			&role,
			&muted,
			&lastReadSeq,
		)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		if conv == nil {
			c.Participants = make([]Participant, 0)
			conv = &c
		}

		if accountId.Valid {
			conv.Participants = append(conv.Participants, Participant{
				Id:             int(participantId.Int64),
				ConversationId: conv.Id,
				AccountId:      int(accountId.Int64),
				Username:       username.String,
				Role:           role.String,
				Muted:          muted.Bool,
				LastReadSeqId:  int(lastReadSeq.Int64),
			})
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if conv == nil {
		return nil, sql.ErrNoRows
	}

	return conv, nil
}

func (db *PgChatRepository) ListConversations(accountId int) ([]Conversation, error) {
	rows, err := db.conn.Query(
		"SELECT c.id, c.external_id, c.is_group, c.name, c.description, c.avatar_url, c.seq_id, c.created_at, c.updated_at "+
			"FROM participants p JOIN conversations c ON c.id = p.conversation_id "+
			"WHERE p.account_id = $1 AND c.is_deleted = FALSE ORDER BY c.updated_at DESC",
		accountId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		err = rows.Scan(
			&c.Id,
			&c.ExternalId,
			&c.IsGroup,
			&c.Name,
			&c.Description,
			&c.AvatarUrl,
			&c.SeqId,
			&c.CreatedAt,
			&c.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}

		convs = append(convs, c)
	}

	return convs, rows.Err()
}

func (db *PgChatRepository) SoftDeleteConversation(conversationId int) error {
	_, err := db.conn.Exec(
		"UPDATE conversations SET is_deleted = TRUE, updated_at = $2 WHERE id = $1 AND is_deleted = FALSE",
		conversationId,
		time.Now().UTC(),
	)

	return err
}

func (db *PgChatRepository) UpdateConversationInfo(conversationId int, name, description string) error {
	_, err := db.conn.Exec(
		"UPDATE conversations SET name = $2, description = $3, updated_at = $4 "+
			"WHERE id = $1 AND is_deleted = FALSE",
		conversationId,
		name,
		description,
		time.Now().UTC(),
	)

	return err
}

func (db *PgChatRepository) UpdateConversationAvatar(conversationId int, avatarUrl string) error {
	_, err := db.conn.Exec(
		"UPDATE conversations SET avatar_url = $2, updated_at = $3 WHERE id = $1 AND is_deleted = FALSE",
		conversationId,
		avatarUrl,
		time.Now().UTC(),
	)

	return err
}

func (db *PgChatRepository) AddParticipant(conversationId, accountId int, role string) (Participant, error) {
	res := db.conn.QueryRow(
		"INSERT INTO participants (conversation_id, account_id, role, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $4) RETURNING id, conversation_id, account_id, role",
		conversationId,
		accountId,
		role,
		time.Now().UTC(),
	)

	var p Participant
	err := res.Scan(
		&p.Id,
		&p.ConversationId,
		&p.AccountId,
		&p.Role,
	)
	if err != nil {
		return Participant{}, err
	}

	row := db.conn.QueryRow("SELECT username FROM accounts WHERE id = $1", accountId)
	if err := row.Scan(&p.Username); err != nil {
		return Participant{}, err
	}

	return p, nil
}

func (db *PgChatRepository) RemoveParticipant(conversationId, accountId int) error {
	res, err := db.conn.Exec(
		"DELETE FROM participants WHERE conversation_id = $1 AND account_id = $2",
		conversationId,
		accountId,
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}

	return nil
}

func (db *PgChatRepository) GetParticipant(conversationId, accountId int) (Participant, error) {
	row := db.conn.QueryRow(
		"SELECT p.id, p.conversation_id, p.account_id, a.username, p.role, p.muted, p.last_read_seq_id "+
			"FROM participants p JOIN accounts a ON p.account_id = a.id "+
			"WHERE p.conversation_id = $1 AND p.account_id = $2 LIMIT 1",
		conversationId,
		accountId,
	)

	var p Participant
	err := row.Scan(
		&p.Id,
		&p.ConversationId,
		&p.AccountId,
		&p.Username,
		&p.Role,
		&p.Muted,
		&p.LastReadSeqId,
	)

	return p, err
}

func (db *PgChatRepository) SetParticipantRole(conversationId, accountId int, role string) error {
	res, err := db.conn.Exec(
		"UPDATE participants SET role = $3, updated_at = $4 WHERE conversation_id = $1 AND account_id = $2",
		conversationId,
		accountId,
		role,
		time.Now().UTC(),
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}

	return nil
}

func (db *PgChatRepository) ToggleParticipantMuted(conversationId, accountId int) (bool, error) {
	res := db.conn.QueryRow(
		"UPDATE participants SET muted = NOT muted, updated_at = $3 "+
			"WHERE conversation_id = $1 AND account_id = $2 RETURNING muted",
		conversationId,
		accountId,
		time.Now().UTC(),
	)

	var muted bool
	err := res.Scan(&muted)

	return muted, err
}

func (db *PgChatRepository) UpdateLastReadSeqId(conversationId, accountId, seqId int) error {
	_, err := db.conn.Exec(
		"UPDATE participants SET last_read_seq_id = GREATEST(last_read_seq_id, $3), updated_at = $4 "+
			"WHERE conversation_id = $1 AND account_id = $2",
		conversationId,
		accountId,
		seqId,
		time.Now().UTC(),
	)

	return err
}

func (db *PgChatRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Message{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	// allocate the next seq id at commit time so concurrent sends to
	// the same conversation never collide
	var seqId int
	err = tx.QueryRow(
		"UPDATE conversations SET seq_id = seq_id + 1, updated_at = $2 "+
			"WHERE id = $1 AND is_deleted = FALSE RETURNING seq_id",
		params.ConversationId,
		time.Now().UTC(),
	).Scan(&seqId)
	if err != nil {
		return Message{}, err
	}

	var replyTo sql.NullInt64
	if params.ReplyToId != 0 {
		replyTo = sql.NullInt64{Int64: int64(params.ReplyToId), Valid: true}
	}

	res := tx.QueryRow(
		"INSERT INTO messages (external_id, conversation_id, sender_id, seq_id, content_type, content, "+
			"media_url, media_name, media_size, media_mime, reply_to_id, is_forwarded, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13) "+
			"RETURNING id, created_at, updated_at",
		params.ExternalId,
		params.ConversationId,
		params.SenderId,
		seqId,
		params.ContentType,
		params.Content,
		params.MediaUrl,
		params.MediaName,
		params.MediaSize,
		params.MediaMime,
		replyTo,
		params.IsForwarded,
		params.CreatedAt.UTC(),
	)

	msg := Message{
		ExternalId:     params.ExternalId,
		ConversationId: params.ConversationId,
		SenderId:       params.SenderId,
		SeqId:          seqId,
		ContentType:    params.ContentType,
		Content:        params.Content,
		MediaUrl:       params.MediaUrl,
		MediaName:      params.MediaName,
		MediaSize:      params.MediaSize,
		MediaMime:      params.MediaMime,
		ReplyToId:      params.ReplyToId,
		IsForwarded:    params.IsForwarded,
	}
	if err = res.Scan(&msg.Id, &msg.CreatedAt, &msg.UpdatedAt); err != nil {
		return Message{}, err
	}

	if params.ReplyToId != 0 {
		err = tx.QueryRow(
			"SELECT external_id FROM messages WHERE id = $1",
			params.ReplyToId,
		).Scan(&msg.ReplyToExternalId)
		if err != nil {
			return Message{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		return Message{}, err
	}

	return msg, nil
}

func (db *PgChatRepository) GetMessageByExternalId(externalId string) (Message, error) {
	row := db.conn.QueryRow(
		"SELECT "+selectMessageCols+messageFrom+"WHERE m.external_id = $1 LIMIT 1",
		externalId,
	)

	return scanMessage(row)
}

// pageBounds converts the exclusive since/before seq_id cursors into
// the inclusive range the query uses. A caller paging forward with
// since=<last seen seq> must not get that message again.
func pageBounds(since, before, limit int) (lower, upper, capped int) {
	lower, upper = 0, 1<<31-1
	if since > 0 {
		lower = since + 1
	}
	if before > 0 {
		upper = before - 1
	}

	capped = limit
	if capped <= 0 {
		capped = 50
	}

	return lower, upper, capped
}

func (db *PgChatRepository) GetMessages(conversationId, since, before, limit int) ([]Message, error) {
	lower, upper, limit := pageBounds(since, before, limit)

	rows, err := db.conn.Query(
		"SELECT "+selectMessageCols+messageFrom+
			"WHERE m.conversation_id = $1 AND m.seq_id BETWEEN $2 AND $3 ORDER BY m.seq_id DESC LIMIT $4",
		conversationId,
		lower,
		upper,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages = make([]Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}

		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (db *PgChatRepository) GetMediaMessages(conversationId int, contentType string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.conn.Query(
		"SELECT "+selectMessageCols+messageFrom+
			"WHERE m.conversation_id = $1 AND m.content_type = $2 AND m.is_deleted = FALSE "+
			"ORDER BY m.seq_id DESC LIMIT $3",
		conversationId,
		contentType,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages = make([]Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}

		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (db *PgChatRepository) GetPinnedMessages(conversationId int) ([]Message, error) {
	rows, err := db.conn.Query(
		"SELECT "+selectMessageCols+messageFrom+
			"WHERE m.conversation_id = $1 AND m.is_pinned = TRUE ORDER BY m.pinned_at ASC",
		conversationId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages = make([]Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}

		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (db *PgChatRepository) EditMessage(messageId int, newContent string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	// archive the superseded content before overwriting it
	_, err = tx.Exec(
		"INSERT INTO message_edits (message_id, content, created_at) "+
			"SELECT id, content, $2 FROM messages WHERE id = $1",
		messageId,
		time.Now().UTC(),
	)
	if err != nil {
		return err
	}

	res, err := tx.Exec(
		"UPDATE messages SET content = $2, is_edited = TRUE, updated_at = $3 "+
			"WHERE id = $1 AND is_deleted = FALSE",
		messageId,
		newContent,
		time.Now().UTC(),
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		err = sql.ErrNoRows
		return err
	}

	return tx.Commit()
}

func (db *PgChatRepository) GetEditHistory(messageId int) ([]EditRecord, error) {
	rows, err := db.conn.Query(
		"SELECT id, message_id, content, created_at FROM message_edits "+
			"WHERE message_id = $1 ORDER BY created_at ASC",
		messageId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edits []EditRecord
	for rows.Next() {
		var e EditRecord
		if err = rows.Scan(&e.Id, &e.MessageId, &e.Content, &e.CreatedAt); err != nil {
			return nil, err
		}

		edits = append(edits, e)
	}

	return edits, rows.Err()
}

func (db *PgChatRepository) SoftDeleteMessage(messageId int) error {
	res, err := db.conn.Exec(
		"UPDATE messages SET is_deleted = TRUE, content = '', media_url = '', media_name = '', "+
			"media_size = 0, media_mime = '', deleted_at = $2, updated_at = $2 "+
			"WHERE id = $1 AND is_deleted = FALSE",
		messageId,
		time.Now().UTC(),
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}

	return nil
}

func (db *PgChatRepository) ToggleReaction(messageId, accountId int, emoji string) (bool, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var id int
	err = tx.QueryRow(
		"DELETE FROM reactions WHERE message_id = $1 AND account_id = $2 AND emoji = $3 RETURNING id",
		messageId,
		accountId,
		emoji,
	).Scan(&id)

	added := false
	if err == sql.ErrNoRows {
		err = nil
		_, err = tx.Exec(
			"INSERT INTO reactions (message_id, account_id, emoji, created_at) VALUES ($1, $2, $3, $4)",
			messageId,
			accountId,
			emoji,
			time.Now().UTC(),
		)
		if err != nil {
			return false, err
		}
		added = true
	} else if err != nil {
		return false, err
	}

	if err = tx.Commit(); err != nil {
		return false, err
	}

	return added, nil
}

func (db *PgChatRepository) GetReactionsForMessages(messageIds []int) (map[int][]Reaction, error) {
	reactions := make(map[int][]Reaction)
	if len(messageIds) == 0 {
		return reactions, nil
	}

	rows, err := db.conn.Query(
		"SELECT id, message_id, account_id, emoji, created_at FROM reactions "+
			"WHERE message_id = ANY($1) ORDER BY created_at ASC",
		pq.Array(messageIds),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var r Reaction
		if err = rows.Scan(&r.Id, &r.MessageId, &r.AccountId, &r.Emoji, &r.CreatedAt); err != nil {
			return nil, err
		}

		reactions[r.MessageId] = append(reactions[r.MessageId], r)
	}

	return reactions, rows.Err()
}

func (db *PgChatRepository) SetMessagePinned(messageId int, pinned bool) error {
	var pinnedAt sql.NullTime
	if pinned {
		pinnedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	}

	res, err := db.conn.Exec(
		"UPDATE messages SET is_pinned = $2, pinned_at = $3, updated_at = $4 "+
			"WHERE id = $1 AND is_deleted = FALSE",
		messageId,
		pinned,
		pinnedAt,
		time.Now().UTC(),
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}

	return nil
}

func (db *PgChatRepository) CreateDeliveryRecords(messageId int, accountIds []int) error {
	if len(accountIds) == 0 {
		return nil
	}

	_, err := db.conn.Exec(
		"INSERT INTO delivery_records (message_id, account_id, state, updated_at) "+
			"SELECT $1, unnest($2::int[]), $3, $4",
		messageId,
		pq.Array(accountIds),
		types.DeliverySent,
		time.Now().UTC(),
	)

	return err
}

const deliveryRankExpr = "CASE %s WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 0 END"

func (db *PgChatRepository) AdvanceDeliveryState(messageId, accountId int, state string) (bool, error) {
	// upsert: a participant added after the message was sent has no
	// record yet, their first read creates one
	res, err := db.conn.Exec(
		"INSERT INTO delivery_records (message_id, account_id, state, updated_at) VALUES ($1, $2, $3, $4) "+
			"ON CONFLICT (message_id, account_id) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at "+
			"WHERE "+fmt.Sprintf(deliveryRankExpr, "delivery_records.state")+" < "+fmt.Sprintf(deliveryRankExpr, "EXCLUDED.state"),
		messageId,
		accountId,
		state,
		time.Now().UTC(),
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

func rollupState(rank int) string {
	switch rank {
	case 1:
		return types.DeliverySent
	case 2:
		return types.DeliveryDelivered
	default:
		return types.DeliveryRead
	}
}

func (db *PgChatRepository) DeliveryRollup(messageId int) (string, error) {
	row := db.conn.QueryRow(
		"SELECT COALESCE(MIN("+fmt.Sprintf(deliveryRankExpr, "state")+"), 3) "+
			"FROM delivery_records WHERE message_id = $1",
		messageId,
	)

	var rank int
	if err := row.Scan(&rank); err != nil {
		return "", err
	}

	return rollupState(rank), nil
}

func (db *PgChatRepository) GetDeliveryRollups(messageIds []int) (map[int]string, error) {
	rollups := make(map[int]string)
	if len(messageIds) == 0 {
		return rollups, nil
	}

	rows, err := db.conn.Query(
		"SELECT message_id, MIN("+fmt.Sprintf(deliveryRankExpr, "state")+") "+
			"FROM delivery_records WHERE message_id = ANY($1) GROUP BY message_id",
		pq.Array(messageIds),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id   int
			rank int
		)
		if err = rows.Scan(&id, &rank); err != nil {
			return nil, err
		}

		rollups[id] = rollupState(rank)
	}

	return rollups, rows.Err()
}
