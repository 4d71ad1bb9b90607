package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatwire/internal/database"
	"chatwire/internal/testutil"
	"chatwire/internal/types"
	"chatwire/internal/unread"
)

func newTestApp(t *testing.T, db database.ChatRepository, counters unread.CounterStore) *ChatApp {
	return &ChatApp{
		log:            testutil.TestLogger(t),
		db:             db,
		counters:       counters,
		signingKey:     []byte("test-signing-key"),
		allowedOrigins: []string{"http://localhost:3000"},
		generateShortId: func() (string, error) {
			return "conv-test", nil
		},
	}
}

func authedRequest(method, target string, body []byte, userId int) *http.Request {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	return req.WithContext(WithUserId(req.Context(), userId))
}

func Test_createAccount(t *testing.T) {
	t.Run("creates an account", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		app := newTestApp(t, db, nil)

		db.On("CreateAccount", mock.MatchedBy(func(p database.CreateAccountParams) bool {
			return p.Username == "alice" && p.EmailAddress == "alice@example.com" &&
				verifyPassword(p.PasswordHash, "hunter2")
		})).Return(database.Account{
			Id:           1,
			Username:     "alice",
			EmailAddress: "alice@example.com",
		}, nil).Once()

		body, _ := json.Marshal(RegisterRequest{
			Email:    "alice@example.com",
			Username: "alice",
			Password: "hunter2",
		})
		rr := httptest.NewRecorder()
		app.createAccount(rr, httptest.NewRequest(http.MethodPost, "/api/auth/register", bytes.NewReader(body)))

		assert.Equal(t, http.StatusCreated, rr.Code, "expected 201")

		var user types.User
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&user), "expected a user payload")
		assert.Equal(t, 1, user.Id, "expected the new account id")
		assert.Equal(t, "alice", user.Username, "expected the username")
	})

	t.Run("missing fields are rejected", func(t *testing.T) {
		app := newTestApp(t, &database.MockChatRepository{}, nil)

		body, _ := json.Marshal(RegisterRequest{Email: "alice@example.com"})
		rr := httptest.NewRecorder()
		app.createAccount(rr, httptest.NewRequest(http.MethodPost, "/api/auth/register", bytes.NewReader(body)))

		assert.Equal(t, http.StatusBadRequest, rr.Code, "expected 400")
	})

	t.Run("duplicate account conflicts", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		app := newTestApp(t, db, nil)

		db.On("CreateAccount", mock.Anything).Return(database.Account{}, &pq.Error{Code: "23505"}).Once()

		body, _ := json.Marshal(RegisterRequest{
			Email:    "alice@example.com",
			Username: "alice",
			Password: "hunter2",
		})
		rr := httptest.NewRecorder()
		app.createAccount(rr, httptest.NewRequest(http.MethodPost, "/api/auth/register", bytes.NewReader(body)))

		assert.Equal(t, http.StatusConflict, rr.Code, "expected 409 on unique violation")
	})
}

func Test_login(t *testing.T) {
	hash, err := hashPassword("hunter2")
	require.NoError(t, err, "expected password to hash")

	t.Run("valid credentials set a session cookie", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		app := newTestApp(t, db, nil)

		db.On("GetAccountByEmail", "alice@example.com").Return(database.Account{
			Id:           1,
			Username:     "alice",
			EmailAddress: "alice@example.com",
			PasswordHash: hash,
		}, nil).Once()

		body, _ := json.Marshal(LoginRequest{Email: "alice@example.com", Password: "hunter2"})
		rr := httptest.NewRecorder()
		app.login(rr, httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body)))

		assert.Equal(t, http.StatusOK, rr.Code, "expected 200")

		cookies := rr.Result().Cookies()
		require.Len(t, cookies, 1, "expected a session cookie")
		assert.Equal(t, tokenCookieKey, cookies[0].Name, "expected the token cookie")

		userId, err := app.extractUserIdFromToken(cookies[0].Value)
		require.NoError(t, err, "expected the cookie to carry a valid token")
		assert.Equal(t, 1, userId, "expected the session bound to the account")
	})

	t.Run("wrong password is unauthorized", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		app := newTestApp(t, db, nil)

		db.On("GetAccountByEmail", "alice@example.com").Return(database.Account{
			Id:           1,
			PasswordHash: hash,
		}, nil).Once()

		body, _ := json.Marshal(LoginRequest{Email: "alice@example.com", Password: "wrong"})
		rr := httptest.NewRecorder()
		app.login(rr, httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body)))

		assert.Equal(t, http.StatusUnauthorized, rr.Code, "expected 401")
		assert.Len(t, rr.Result().Cookies(), 0, "expected no cookie on failure")
	})

	t.Run("unknown account is not found", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		app := newTestApp(t, db, nil)

		db.On("GetAccountByEmail", "nobody@example.com").Return(database.Account{}, sql.ErrNoRows).Once()

		body, _ := json.Marshal(LoginRequest{Email: "nobody@example.com", Password: "hunter2"})
		rr := httptest.NewRecorder()
		app.login(rr, httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body)))

		assert.Equal(t, http.StatusNotFound, rr.Code, "expected 404")
	})
}

func Test_logout(t *testing.T) {
	app := newTestApp(t, nil, nil)

	rr := httptest.NewRecorder()
	app.logout(rr, httptest.NewRequest(http.MethodGet, "/api/auth/logout", nil))

	assert.Equal(t, http.StatusNoContent, rr.Code, "expected 204")

	cookies := rr.Result().Cookies()
	require.Len(t, cookies, 1, "expected the cookie to be overwritten")
	assert.Empty(t, cookies[0].Value, "expected the token to be cleared")
}

func Test_session(t *testing.T) {
	t.Run("returns the current user", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		app := newTestApp(t, db, nil)

		db.On("GetAccountById", 1).Return(database.Account{Id: 1, Username: "alice"}, nil).Once()

		rr := httptest.NewRecorder()
		app.session(rr, authedRequest(http.MethodGet, "/api/auth/session", nil, 1))

		assert.Equal(t, http.StatusOK, rr.Code, "expected 200")

		var user types.User
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&user), "expected a user payload")
		assert.Equal(t, "alice", user.Username, "expected the session user")
	})

	t.Run("no session is unauthorized", func(t *testing.T) {
		app := newTestApp(t, &database.MockChatRepository{}, nil)

		rr := httptest.NewRecorder()
		app.session(rr, httptest.NewRequest(http.MethodGet, "/api/auth/session", nil))

		assert.Equal(t, http.StatusUnauthorized, rr.Code, "expected 401")
	})
}

func Test_account(t *testing.T) {
	t.Run("updates username and password", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		app := newTestApp(t, db, nil)

		db.On("GetAccountById", 1).Return(database.Account{Id: 1, Username: "alice"}, nil).Once()
		db.On("UpdateAccount", mock.MatchedBy(func(p database.UpdateAccountParams) bool {
			return p.AccountId == 1 && p.Username == "alice2" && verifyPassword(p.PasswordHash, "newpass")
		})).Return(database.Account{Id: 1, Username: "alice2"}, nil).Once()

		body, _ := json.Marshal(UpdateAccountRequest{Username: "alice2", Password: "newpass"})
		rr := httptest.NewRecorder()
		app.account(rr, authedRequest(http.MethodPut, "/api/account", body, 1))

		assert.Equal(t, http.StatusOK, rr.Code, "expected 200")

		var user types.User
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&user), "expected a user payload")
		assert.Equal(t, "alice2", user.Username, "expected the updated username")
	})

	t.Run("unsupported method", func(t *testing.T) {
		app := newTestApp(t, &database.MockChatRepository{}, nil)

		rr := httptest.NewRecorder()
		app.account(rr, authedRequest(http.MethodDelete, "/api/account", nil, 1))

		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code, "expected 405")
	})
}

func Test_createConversation(t *testing.T) {
	t.Run("group without a name is rejected", func(t *testing.T) {
		app := newTestApp(t, &database.MockChatRepository{}, nil)

		body, _ := json.Marshal(CreateConversationRequest{IsGroup: true, ParticipantIds: []int{2, 3}})
		rr := httptest.NewRecorder()
		app.createConversation(rr, authedRequest(http.MethodPost, "/api/conversations", body, 1))

		assert.Equal(t, http.StatusBadRequest, rr.Code, "expected 400")
	})

	t.Run("direct conversation needs exactly one other participant", func(t *testing.T) {
		app := newTestApp(t, &database.MockChatRepository{}, nil)

		body, _ := json.Marshal(CreateConversationRequest{ParticipantIds: []int{2, 3}})
		rr := httptest.NewRecorder()
		app.createConversation(rr, authedRequest(http.MethodPost, "/api/conversations", body, 1))

		assert.Equal(t, http.StatusBadRequest, rr.Code, "expected 400")
	})

	t.Run("creator cannot list themselves", func(t *testing.T) {
		app := newTestApp(t, &database.MockChatRepository{}, nil)

		body, _ := json.Marshal(CreateConversationRequest{ParticipantIds: []int{1}})
		rr := httptest.NewRecorder()
		app.createConversation(rr, authedRequest(http.MethodPost, "/api/conversations", body, 1))

		assert.Equal(t, http.StatusBadRequest, rr.Code, "expected 400")
	})

	t.Run("creates a group conversation", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		app := newTestApp(t, db, nil)

		db.On("CreateConversation", mock.MatchedBy(func(p database.CreateConversationParams) bool {
			return p.ExternalId == "conv-test" && p.IsGroup && p.Name == "team" &&
				p.CreatorId == 1 && len(p.ParticipantIds) == 2
		})).Return(database.Conversation{
			Id:         1,
			ExternalId: "conv-test",
			IsGroup:    true,
			Name:       "team",
			Participants: []database.Participant{
				{AccountId: 1, Username: "alice", Role: types.RoleAdmin},
				{AccountId: 2, Username: "bob", Role: types.RoleMember},
				{AccountId: 3, Username: "carol", Role: types.RoleMember},
			},
		}, nil).Once()

		body, _ := json.Marshal(CreateConversationRequest{
			IsGroup:        true,
			Name:           "team",
			ParticipantIds: []int{2, 3},
		})
		rr := httptest.NewRecorder()
		app.createConversation(rr, authedRequest(http.MethodPost, "/api/conversations", body, 1))

		assert.Equal(t, http.StatusCreated, rr.Code, "expected 201")

		var conv types.Conversation
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&conv), "expected a conversation payload")
		assert.Equal(t, "conv-test", conv.ExternalId, "expected the generated id")
		require.Len(t, conv.Participants, 3, "expected the creator plus both participants")
		assert.Equal(t, types.RoleAdmin, conv.Participants[0].Role, "expected the creator as admin")
	})
}

func Test_listConversations(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)
	counters := &unread.MockCounterStore{}
	defer counters.AssertExpectations(t)
	app := newTestApp(t, db, counters)

	db.On("ListConversations", 1).Return([]database.Conversation{
		{Id: 1, ExternalId: "conv-1", Name: "team", IsGroup: true, SeqId: 12},
		{Id: 2, ExternalId: "conv-2"},
	}, nil).Once()
	counters.On("GetAll", mock.Anything, 1).Return(map[string]int64{"conv-1": 4}, nil).Once()

	rr := httptest.NewRecorder()
	app.listConversations(rr, authedRequest(http.MethodGet, "/api/conversations", nil, 1))

	assert.Equal(t, http.StatusOK, rr.Code, "expected 200")

	var convs []types.Conversation
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&convs), "expected a conversation list")
	require.Len(t, convs, 2, "expected both conversations")
	assert.Equal(t, int64(4), convs[0].Unread, "expected the unread count attached")
	assert.Equal(t, int64(0), convs[1].Unread, "expected zero unread when no counter exists")
}

func Test_getConversation(t *testing.T) {
	t.Run("missing id", func(t *testing.T) {
		app := newTestApp(t, &database.MockChatRepository{}, nil)

		rr := httptest.NewRecorder()
		app.getConversation(rr, authedRequest(http.MethodGet, "/api/conversations/info", nil, 1))

		assert.Equal(t, http.StatusBadRequest, rr.Code, "expected 400 without an id")
	})

	t.Run("deleted conversation is not found", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		app := newTestApp(t, db, nil)

		db.On("GetConversationByExternalId", "conv-1").Return(database.Conversation{
			Id: 1, ExternalId: "conv-1", IsDeleted: true,
		}, nil).Once()

		rr := httptest.NewRecorder()
		app.getConversation(rr, authedRequest(http.MethodGet, "/api/conversations/info?id=conv-1", nil, 1))

		assert.Equal(t, http.StatusNotFound, rr.Code, "expected 404 for a tombstoned conversation")
	})

	t.Run("non-participant is forbidden", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		app := newTestApp(t, db, nil)

		db.On("GetConversationByExternalId", "conv-1").Return(database.Conversation{
			Id: 1, ExternalId: "conv-1",
		}, nil).Once()
		db.On("GetParticipant", 1, 9).Return(database.Participant{}, sql.ErrNoRows).Once()

		rr := httptest.NewRecorder()
		app.getConversation(rr, authedRequest(http.MethodGet, "/api/conversations/info?id=conv-1", nil, 9))

		assert.Equal(t, http.StatusForbidden, rr.Code, "expected 403")
	})

	t.Run("returns participants, pinned and unread", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		counters := &unread.MockCounterStore{}
		defer counters.AssertExpectations(t)
		app := newTestApp(t, db, counters)

		db.On("GetConversationByExternalId", "conv-1").Return(database.Conversation{
			Id: 1, ExternalId: "conv-1", IsGroup: true,
		}, nil).Once()
		db.On("GetParticipant", 1, 1).Return(database.Participant{AccountId: 1}, nil).Once()
		db.On("GetConversationWithParticipants", 1).Return(&database.Conversation{
			Id: 1, ExternalId: "conv-1", IsGroup: true, Name: "team", SeqId: 12,
			Participants: []database.Participant{
				{AccountId: 1, Username: "alice", Role: types.RoleAdmin},
				{AccountId: 2, Username: "bob", Role: types.RoleMember, Muted: true},
			},
		}, nil).Once()
		db.On("GetPinnedMessages", 1).Return([]database.Message{
			{Id: 10, ExternalId: "m-10", SeqId: 4, Content: "pinned", IsPinned: true},
		}, nil).Once()
		counters.On("Get", mock.Anything, 1, "conv-1").Return(int64(2), nil).Once()

		rr := httptest.NewRecorder()
		app.getConversation(rr, authedRequest(http.MethodGet, "/api/conversations/info?id=conv-1", nil, 1))

		assert.Equal(t, http.StatusOK, rr.Code, "expected 200")

		var conv types.Conversation
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&conv), "expected a conversation payload")
		assert.Equal(t, int64(2), conv.Unread, "expected the unread count")
		require.Len(t, conv.Participants, 2, "expected the participants")
		assert.True(t, conv.Participants[1].Muted, "expected the mute flag carried through")
		require.Len(t, conv.Pinned, 1, "expected the pinned messages")
		assert.Equal(t, "m-10", conv.Pinned[0].ExternalId, "expected the pinned message id")
	})
}

func Test_getMessages(t *testing.T) {
	t.Run("bad paging parameter", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		app := newTestApp(t, db, nil)

		db.On("GetConversationByExternalId", "conv-1").Return(database.Conversation{
			Id: 1, ExternalId: "conv-1",
		}, nil).Once()
		db.On("GetParticipant", 1, 1).Return(database.Participant{AccountId: 1}, nil).Once()

		rr := httptest.NewRecorder()
		app.getMessages(rr, authedRequest(http.MethodGet, "/api/messages?conversation_id=conv-1&limit=abc", nil, 1))

		assert.Equal(t, http.StatusBadRequest, rr.Code, "expected 400 for a non-numeric limit")
	})

	t.Run("returns messages with reactions and rollups", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		app := newTestApp(t, db, nil)

		db.On("GetConversationByExternalId", "conv-1").Return(database.Conversation{
			Id: 1, ExternalId: "conv-1",
		}, nil).Once()
		db.On("GetParticipant", 1, 1).Return(database.Participant{AccountId: 1}, nil).Once()
		db.On("GetMessages", 1, 0, 40, 20).Return([]database.Message{
			{Id: 10, ExternalId: "m-10", SenderId: 1, SeqId: 38, Content: "hi"},
			{Id: 11, ExternalId: "m-11", SenderId: 2, SeqId: 39, Content: "hello", ReplyToExternalId: "m-10"},
		}, nil).Once()
		db.On("GetReactionsForMessages", []int{10, 11}).Return(map[int][]database.Reaction{
			10: {{MessageId: 10, AccountId: 2, Emoji: "👍"}},
		}, nil).Once()
		db.On("GetDeliveryRollups", []int{10, 11}).Return(map[int]string{
			10: types.DeliveryRead,
			11: types.DeliveryDelivered,
		}, nil).Once()

		rr := httptest.NewRecorder()
		app.getMessages(rr, authedRequest(http.MethodGet,
			"/api/messages?conversation_id=conv-1&before=40&limit=20", nil, 1))

		assert.Equal(t, http.StatusOK, rr.Code, "expected 200")

		var messages []types.Message
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&messages), "expected a message list")
		require.Len(t, messages, 2, "expected both messages")
		require.Len(t, messages[0].Reactions, 1, "expected the reaction attached")
		assert.Equal(t, "👍", messages[0].Reactions[0].Emoji, "expected the emoji")
		assert.Equal(t, types.DeliveryRead, messages[0].DeliveryStatus, "expected the rollup attached")
		assert.Equal(t, "m-10", messages[1].ReplyTo, "expected the reply reference carried through")
	})
}

func Test_getMediaMessages(t *testing.T) {
	t.Run("text is not a media type", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		app := newTestApp(t, db, nil)

		db.On("GetConversationByExternalId", "conv-1").Return(database.Conversation{
			Id: 1, ExternalId: "conv-1",
		}, nil).Once()
		db.On("GetParticipant", 1, 1).Return(database.Participant{AccountId: 1}, nil).Once()

		rr := httptest.NewRecorder()
		app.getMediaMessages(rr, authedRequest(http.MethodGet,
			"/api/messages/media?conversation_id=conv-1&type=text", nil, 1))

		assert.Equal(t, http.StatusBadRequest, rr.Code, "expected 400")
	})

	t.Run("defaults to images", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		app := newTestApp(t, db, nil)

		db.On("GetConversationByExternalId", "conv-1").Return(database.Conversation{
			Id: 1, ExternalId: "conv-1",
		}, nil).Once()
		db.On("GetParticipant", 1, 1).Return(database.Participant{AccountId: 1}, nil).Once()
		db.On("GetMediaMessages", 1, types.ContentTypeImage, 0).Return([]database.Message{
			{Id: 10, ExternalId: "m-10", ContentType: types.ContentTypeImage,
				MediaUrl: "https://cdn/x.png", MediaMime: "image/png"},
		}, nil).Once()

		rr := httptest.NewRecorder()
		app.getMediaMessages(rr, authedRequest(http.MethodGet,
			"/api/messages/media?conversation_id=conv-1", nil, 1))

		assert.Equal(t, http.StatusOK, rr.Code, "expected 200")

		var media []types.Message
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&media), "expected a media list")
		require.Len(t, media, 1, "expected the media message")
		require.NotNil(t, media[0].Media, "expected the media descriptor")
		assert.Equal(t, "https://cdn/x.png", media[0].Media.Url, "expected the media url")
	})
}

func Test_getPinnedMessages(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)
	app := newTestApp(t, db, nil)

	db.On("GetConversationByExternalId", "conv-1").Return(database.Conversation{
		Id: 1, ExternalId: "conv-1",
	}, nil).Once()
	db.On("GetParticipant", 1, 1).Return(database.Participant{AccountId: 1}, nil).Once()
	db.On("GetPinnedMessages", 1).Return([]database.Message{
		{Id: 10, ExternalId: "m-10", Content: "pinned", IsPinned: true},
	}, nil).Once()

	rr := httptest.NewRecorder()
	app.getPinnedMessages(rr, authedRequest(http.MethodGet,
		"/api/messages/pinned?conversation_id=conv-1", nil, 1))

	assert.Equal(t, http.StatusOK, rr.Code, "expected 200")

	var pinned []types.Message
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&pinned), "expected a pinned list")
	require.Len(t, pinned, 1, "expected the pinned message")
	assert.True(t, pinned[0].IsPinned, "expected the pin flag")
}

func Test_serveWs_requiresSession(t *testing.T) {
	app := newTestApp(t, &database.MockChatRepository{}, nil)

	rr := httptest.NewRecorder()
	app.serveWs(rr, httptest.NewRequest(http.MethodGet, "/ws", nil))

	assert.Equal(t, http.StatusUnauthorized, rr.Code, "expected 401 without a session")
}
