package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lib/pq"

	"chatwire/internal/database"
	"chatwire/internal/server"
	"chatwire/internal/types"
)

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type UpdateAccountRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CreateConversationRequest struct {
	IsGroup        bool   `json:"is_group"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	ParticipantIds []int  `json:"participant_ids"`
}

func (s *ChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (s *ChatApp) createAccount(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Username == "" || req.Email == "" || req.Password == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	pwdHash, err := hashPassword(req.Password)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	params := database.CreateAccountParams{
		Username:     req.Username,
		EmailAddress: req.Email,
		PasswordHash: pwdHash,
	}

	newUser, err := s.db.CreateAccount(params)
	if err != nil {
		var errResp *ApiError
		if isUniqueViolation(err) {
			errResp = NewConflictError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, types.User{
		Id:           newUser.Id,
		Username:     newUser.Username,
		EmailAddress: newUser.EmailAddress,
		CreatedAt:    newUser.CreatedAt,
		UpdatedAt:    newUser.UpdatedAt,
	})
}

func (s *ChatApp) account(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		userId, ok := UserId(r.Context())
		if !ok {
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		user, err := s.db.GetAccountById(userId)
		if err != nil {
			var errResp *ApiError
			if errors.Is(err, sql.ErrNoRows) {
				errResp = NewNotFoundError()
			} else {
				errResp = NewInternalServerError(err)
			}
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		s.writeJson(w, http.StatusOK, types.User{
			Id:           user.Id,
			Username:     user.Username,
			EmailAddress: user.EmailAddress,
			LastSeen:     user.LastSeen,
			CreatedAt:    user.CreatedAt,
			UpdatedAt:    user.UpdatedAt,
		})
	case http.MethodPut:
		userId, ok := UserId(r.Context())
		if !ok {
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		curUser, err := s.db.GetAccountById(userId)
		if err != nil {
			var errResp *ApiError
			if errors.Is(err, sql.ErrNoRows) {
				errResp = NewNotFoundError()
			} else {
				errResp = NewInternalServerError(err)
			}
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		var updateAccountReq UpdateAccountRequest
		err = json.NewDecoder(r.Body).Decode(&updateAccountReq)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		if updateAccountReq.Username == "" || updateAccountReq.Password == "" {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		pwdHash, err := hashPassword(updateAccountReq.Password)
		if err != nil {
			errResp := NewInternalServerError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		params := database.UpdateAccountParams{
			AccountId:    curUser.Id,
			Username:     updateAccountReq.Username,
			PasswordHash: pwdHash,
		}

		dbUser, err := s.db.UpdateAccount(params)
		if err != nil {
			errResp := NewInternalServerError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		s.writeJson(w, http.StatusOK, types.User{
			Id:           dbUser.Id,
			Username:     dbUser.Username,
			EmailAddress: dbUser.EmailAddress,
			CreatedAt:    dbUser.CreatedAt,
			UpdatedAt:    dbUser.UpdatedAt,
		})
	default:
		errResp := NewMethodNotAllowedError()
		s.writeJson(w, errResp.StatusCode, errResp)
	}
}

func (s *ChatApp) session(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := s.db.GetAccountById(userId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, types.User{
		Id:           user.Id,
		Username:     user.Username,
		EmailAddress: user.EmailAddress,
		LastSeen:     user.LastSeen,
		CreatedAt:    user.CreatedAt,
		UpdatedAt:    user.UpdatedAt,
	})
}

func (s *ChatApp) login(w http.ResponseWriter, r *http.Request) {
	var lr LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&lr); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if lr.Email == "" || lr.Password == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbUser, err := s.db.GetAccountByEmail(lr.Email)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !verifyPassword(dbUser.PasswordHash, lr.Password) {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	token, err := s.createJwtForSession(dbUser.Id, defaultJwtExpiration)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	http.SetCookie(w, createJwtCookie(token, defaultJwtExpiration))

	s.writeJson(w, http.StatusOK, types.User{
		Id:           dbUser.Id,
		Username:     dbUser.Username,
		EmailAddress: dbUser.EmailAddress,
		CreatedAt:    dbUser.CreatedAt,
		UpdatedAt:    dbUser.UpdatedAt,
	})
}

func (s *ChatApp) logout(w http.ResponseWriter, _ *http.Request) {
	// instruct browser to delete cookie by overwriting it with an expired token
	http.SetCookie(w, createJwtCookie("", time.Duration(time.Unix(0, 0).Unix())))
	w.WriteHeader(http.StatusNoContent)
}

func (s *ChatApp) createConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	// a direct conversation has exactly one other participant and no
	// name; groups need a name
	if req.IsGroup && req.Name == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if !req.IsGroup && len(req.ParticipantIds) != 1 {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if slices.Contains(req.ParticipantIds, userId) {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	sid, err := s.generateShortId()
	if err != nil {
		s.log.Print("generateShortId:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	params := database.CreateConversationParams{
		ExternalId:     sid,
		IsGroup:        req.IsGroup,
		Name:           req.Name,
		Description:    req.Description,
		CreatorId:      userId,
		ParticipantIds: req.ParticipantIds,
	}

	newConv, err := s.db.CreateConversation(params)
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	conv := types.Conversation{
		Id:          newConv.Id,
		ExternalId:  newConv.ExternalId,
		IsGroup:     newConv.IsGroup,
		Name:        newConv.Name,
		Description: newConv.Description,
		SeqId:       newConv.SeqId,
		CreatedAt:   newConv.CreatedAt,
		UpdatedAt:   newConv.UpdatedAt,
	}
	for _, p := range newConv.Participants {
		conv.Participants = append(conv.Participants, types.Participant{
			User: types.User{
				Id:       p.AccountId,
				Username: p.Username,
			},
			Role:  p.Role,
			Muted: p.Muted,
		})
	}

	s.writeJson(w, http.StatusCreated, conv)
}

func (s *ChatApp) listConversations(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbConvs, err := s.db.ListConversations(userId)
	if err != nil {
		s.log.Println("list conversations:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	unreadCounts, err := s.counters.GetAll(r.Context(), userId)
	if err != nil {
		s.log.Println("unread counts:", err)
	}

	var convs []types.Conversation
	for _, dbConv := range dbConvs {
		convs = append(convs, types.Conversation{
			Id:          dbConv.Id,
			ExternalId:  dbConv.ExternalId,
			IsGroup:     dbConv.IsGroup,
			Name:        dbConv.Name,
			Description: dbConv.Description,
			AvatarUrl:   dbConv.AvatarUrl,
			SeqId:       dbConv.SeqId,
			Unread:      unreadCounts[dbConv.ExternalId],
			CreatedAt:   dbConv.CreatedAt,
			UpdatedAt:   dbConv.UpdatedAt,
		})
	}

	s.writeJson(w, http.StatusOK, convs)
}

// requireConversation resolves the conversation in the query string and
// checks the caller belongs to it. It writes the error response itself
// on failure.
func (s *ChatApp) requireConversation(w http.ResponseWriter, r *http.Request, queryKey string) (database.Conversation, int, bool) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return database.Conversation{}, 0, false
	}

	externalId := r.URL.Query().Get(queryKey)
	if externalId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return database.Conversation{}, 0, false
	}

	conv, err := s.db.GetConversationByExternalId(externalId)
	if err != nil || conv.IsDeleted {
		var errResp *ApiError
		if conv.IsDeleted || errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return database.Conversation{}, 0, false
	}

	if _, err := s.db.GetParticipant(conv.Id, userId); err != nil {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return database.Conversation{}, 0, false
	}

	return conv, userId, true
}

func (s *ChatApp) getConversation(w http.ResponseWriter, r *http.Request) {
	conv, userId, ok := s.requireConversation(w, r, "id")
	if !ok {
		return
	}

	full, err := s.db.GetConversationWithParticipants(conv.Id)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	pinned, err := s.db.GetPinnedMessages(conv.Id)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	unread, err := s.counters.Get(r.Context(), userId, conv.ExternalId)
	if err != nil {
		s.log.Println("unread count:", err)
	}

	resp := types.Conversation{
		Id:          full.Id,
		ExternalId:  full.ExternalId,
		IsGroup:     full.IsGroup,
		Name:        full.Name,
		Description: full.Description,
		AvatarUrl:   full.AvatarUrl,
		SeqId:       full.SeqId,
		Unread:      unread,
		CreatedAt:   full.CreatedAt,
		UpdatedAt:   full.UpdatedAt,
	}
	for _, p := range full.Participants {
		resp.Participants = append(resp.Participants, types.Participant{
			User: types.User{
				Id:       p.AccountId,
				Username: p.Username,
			},
			Role:  p.Role,
			Muted: p.Muted,
		})
	}
	for _, m := range pinned {
		resp.Pinned = append(resp.Pinned, wireMessage(conv.ExternalId, m, nil, ""))
	}

	s.writeJson(w, http.StatusOK, resp)
}

func (s *ChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	conv, _, ok := s.requireConversation(w, r, "conversation_id")
	if !ok {
		return
	}

	var before, after, limit int
	var err error

	for _, q := range []struct {
		key  string
		dest *int
	}{
		{"before", &before},
		{"after", &after},
		{"limit", &limit},
	} {
		val := r.URL.Query().Get(q.key)
		if val == "" {
			continue
		}
		*q.dest, err = strconv.Atoi(val)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	messages, err := s.db.GetMessages(conv.Id, after, before, limit)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	messageIds := make([]int, len(messages))
	for i, m := range messages {
		messageIds[i] = m.Id
	}

	reactions, err := s.db.GetReactionsForMessages(messageIds)
	if err != nil {
		s.log.Println("reactions:", err)
	}
	rollups, err := s.db.GetDeliveryRollups(messageIds)
	if err != nil {
		s.log.Println("delivery rollups:", err)
	}

	var userMessages []types.Message
	for _, m := range messages {
		userMessages = append(userMessages, wireMessage(conv.ExternalId, m, reactions[m.Id], rollups[m.Id]))
	}

	s.writeJson(w, http.StatusOK, userMessages)
}

func (s *ChatApp) getMediaMessages(w http.ResponseWriter, r *http.Request) {
	conv, _, ok := s.requireConversation(w, r, "conversation_id")
	if !ok {
		return
	}

	contentType := r.URL.Query().Get("type")
	if contentType == "" {
		contentType = types.ContentTypeImage
	}
	if !types.ValidContentType(contentType) || contentType == types.ContentTypeText {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		var err error
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	messages, err := s.db.GetMediaMessages(conv.Id, contentType, limit)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var media []types.Message
	for _, m := range messages {
		media = append(media, wireMessage(conv.ExternalId, m, nil, ""))
	}

	s.writeJson(w, http.StatusOK, media)
}

func (s *ChatApp) getPinnedMessages(w http.ResponseWriter, r *http.Request) {
	conv, _, ok := s.requireConversation(w, r, "conversation_id")
	if !ok {
		return
	}

	messages, err := s.db.GetPinnedMessages(conv.Id)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var pinned []types.Message
	for _, m := range messages {
		pinned = append(pinned, wireMessage(conv.ExternalId, m, nil, ""))
	}

	s.writeJson(w, http.StatusOK, pinned)
}

func wireMessage(conversationId string, m database.Message, reactions []database.Reaction, rollup string) types.Message {
	wm := types.Message{
		Id:             m.Id,
		ExternalId:     m.ExternalId,
		ConversationId: conversationId,
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
		DeliveryStatus: rollup,
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

	for _, reaction := range reactions {
		wm.Reactions = append(wm.Reactions, types.Reaction{
			UserId: reaction.AccountId,
			Emoji:  reaction.Emoji,
		})
	}

	return wm
}

func (s *ChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	id, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := s.db.GetAccountById(id)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(types.User{
		Id:           user.Id,
		Username:     user.Username,
		EmailAddress: user.EmailAddress,
		CreatedAt:    user.CreatedAt,
		UpdatedAt:    user.UpdatedAt,
	}, conn, s.cs, s.log)

	s.cs.RegisterClient(client)
	go client.Write()
	go client.Read()
}
