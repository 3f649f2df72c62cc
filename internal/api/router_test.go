package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ageniuscoder/palchat/backend/internal/auth"
	"github.com/ageniuscoder/palchat/backend/internal/chat"
	"github.com/ageniuscoder/palchat/backend/internal/logger"
	"github.com/ageniuscoder/palchat/backend/internal/presence"
	"github.com/ageniuscoder/palchat/backend/internal/secure"
	"github.com/ageniuscoder/palchat/backend/internal/storage/sqlite"
	"github.com/ageniuscoder/palchat/backend/internal/store"
)

const secret = "api-test-secret"

type env struct {
	t       *testing.T
	srv     *httptest.Server
	hub     *chat.Hub
	st      *store.Store
	a, b, c store.User
	conv    store.Conversation
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	keys, err := secure.NewKeyring("")
	require.NoError(t, err)
	st := store.New(db.Db, store.SQLite, keys, nil)
	tracker := presence.New(st, nil, presence.DefaultWindow)
	verifier := auth.JWTVerifier{Secret: secret, Users: st}
	metrics := chat.NewMetrics()
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(metrics))
	hub := chat.NewHub(st, tracker, verifier, metrics, logger.Discard(), chat.Options{})

	srv := httptest.NewServer(NewRouter(Deps{
		Store: st, Presence: tracker, Hub: hub, Verifier: verifier, DB: db, Gatherer: reg, Log: logger.Discard(),
	}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, hub.Close(ctx))
		srv.Close()
		db.Close()
	})

	e := &env{t: t, srv: srv, hub: hub, st: st}
	ctx := context.Background()
	e.a, err = st.CreateUser(ctx, "alice@example.com", "Alice", "Acme")
	require.NoError(t, err)
	e.b, err = st.CreateUser(ctx, "bob@example.com", "Bob", "")
	require.NoError(t, err)
	e.c, err = st.CreateUser(ctx, "carol@example.com", "Carol", "")
	require.NoError(t, err)
	e.conv, err = st.CreateConversation(ctx, e.a.ID, "", false, []int64{e.b.ID})
	require.NoError(t, err)
	return e
}

func (e *env) token(u store.User) string {
	tok, err := auth.NewToken(secret, u.ID, 60)
	require.NoError(e.t, err)
	return tok
}

func (e *env) do(method, path string, u *store.User, body any) (int, map[string]any) {
	e.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(e.t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(e.t, err)
	req.Header.Set("Content-Type", "application/json")
	if u != nil {
		req.Header.Set("Authorization", "Bearer "+e.token(*u))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (e *env) dial(u store.User) *websocket.Conn {
	e.t.Helper()
	before := len(e.hub.Registry().MembersOf(e.conv.ID))
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws/chat/" + e.conv.ID
	hdr := http.Header{"Authorization": {"Bearer " + e.token(u)}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, hdr)
	require.NoError(e.t, err)
	resp.Body.Close()
	e.t.Cleanup(func() { conn.Close() })
	require.Eventually(e.t, func() bool {
		return len(e.hub.Registry().MembersOf(e.conv.ID)) == before+1
	}, 3*time.Second, 5*time.Millisecond)
	return conn
}

func waitFor(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		var ev map[string]any
		require.NoError(t, conn.ReadJSON(&ev))
		if ev["type"] == typ {
			return ev
		}
	}
}

func userID(ev map[string]any) int64 {
	u, _ := ev["user"].(map[string]any)
	id, _ := u["id"].(float64)
	return int64(id)
}

func TestRESTRequiresToken(t *testing.T) {
	e := newEnv(t)
	code, _ := e.do(http.MethodGet, "/api/me", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body := e.do(http.MethodGet, "/api/me", &e.a, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Acme", body["display_name"])
}

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t)
	code, body := e.do(http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	resp, err := http.Get(e.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRESTMutationsReachWebsocketPeers(t *testing.T) {
	e := newEnv(t)
	b := e.dial(e.b)

	code, body := e.do(http.MethodPost, "/api/messages", &e.a, map[string]any{
		"conversation_id": e.conv.ID, "content": "over rest",
	})
	require.Equal(t, http.StatusCreated, code, body)
	msgID, _ := body["message_id"].(string)
	require.NotEmpty(t, msgID)

	ev := waitFor(t, b, chat.EventMessageCreated)
	assert.Equal(t, "over rest", ev["message"].(map[string]any)["content"])

	code, body = e.do(http.MethodPost, "/api/messages/"+msgID+"/react", &e.a, map[string]any{"reaction": "like"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "added", body["action"])

	ev = waitFor(t, b, chat.EventReactionChanged)
	assert.Equal(t, msgID, ev["message_id"])
	assert.Equal(t, "like", ev["reaction"])
	assert.Equal(t, e.a.ID, userID(ev))

	code, _ = e.do(http.MethodPost, "/api/conversations/"+e.conv.ID+"/typing", &e.a, map[string]any{"is_typing": true})
	require.Equal(t, http.StatusOK, code)
	ev = waitFor(t, b, chat.EventTypingChanged)
	assert.Equal(t, true, ev["is_typing"])

	code, _ = e.do(http.MethodPost, "/api/status", &e.a, map[string]any{"status": "busy"})
	require.Equal(t, http.StatusOK, code)
	ev = waitFor(t, b, chat.EventPresenceChanged)
	assert.Equal(t, "busy", ev["status"])
	assert.Equal(t, e.a.ID, userID(ev))
}

func TestRESTSoftDeleteAndListing(t *testing.T) {
	e := newEnv(t)
	code, body := e.do(http.MethodPost, "/api/messages", &e.a, map[string]any{
		"conversation_id": e.conv.ID, "content": "hello bob",
	})
	require.Equal(t, http.StatusCreated, code, body)
	msgID := body["message_id"].(string)

	code, body = e.do(http.MethodGet, "/api/conversations", &e.b, nil)
	require.Equal(t, http.StatusOK, code)
	convs := body["conversations"].([]any)
	require.Len(t, convs, 1)
	assert.Equal(t, float64(1), convs[0].(map[string]any)["unread_count"])

	code, _ = e.do(http.MethodPost, "/api/conversations/"+e.conv.ID+"/mark-read", &e.b, nil)
	require.Equal(t, http.StatusOK, code)
	_, body = e.do(http.MethodGet, "/api/conversations/"+e.conv.ID, &e.b, nil)
	assert.Equal(t, float64(0), body["unread_count"])

	code, _ = e.do(http.MethodDelete, "/api/messages/"+msgID, &e.b, nil)
	require.Equal(t, http.StatusOK, code)

	_, body = e.do(http.MethodGet, "/api/conversations/"+e.conv.ID+"/messages", &e.b, nil)
	assert.Empty(t, body["messages"])
	_, body = e.do(http.MethodGet, "/api/conversations/"+e.conv.ID+"/messages", &e.a, nil)
	assert.Len(t, body["messages"], 1)

	code, _ = e.do(http.MethodPost, "/api/messages/"+msgID+"/restore", &e.b, nil)
	require.Equal(t, http.StatusOK, code)
	_, body = e.do(http.MethodGet, "/api/conversations/"+e.conv.ID+"/messages", &e.b, nil)
	assert.Len(t, body["messages"], 1)

	code, _ = e.do(http.MethodPost, "/api/messages/"+msgID+"/restore", &e.b, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRESTAccessErrors(t *testing.T) {
	e := newEnv(t)

	code, _ := e.do(http.MethodGet, "/api/conversations/"+e.conv.ID+"/messages", &e.c, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = e.do(http.MethodGet, "/api/conversations/no-such-id", &e.a, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = e.do(http.MethodPost, "/api/messages", &e.a, map[string]any{"conversation_id": e.conv.ID})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(http.MethodPost, "/api/messages/whatever/react", &e.a, map[string]any{"reaction": "meh"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRESTConversationLifecycle(t *testing.T) {
	e := newEnv(t)

	code, body := e.do(http.MethodGet, "/api/conversations/with-user/"+itoa(e.b.ID), &e.a, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["created"])

	code, body = e.do(http.MethodPost, "/api/conversations/private", &e.a, map[string]any{"other_user_id": e.c.ID})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, true, body["created"])

	code, _ = e.do(http.MethodPost, "/api/conversations/group", &e.a, map[string]any{
		"name": "team", "member_ids": []int64{e.b.ID, e.c.ID},
	})
	require.Equal(t, http.StatusCreated, code)

	code, _ = e.do(http.MethodDelete, "/api/conversations/"+e.conv.ID, &e.a, nil)
	require.Equal(t, http.StatusOK, code)
	_, body = e.do(http.MethodGet, "/api/conversations", &e.a, nil)
	assert.Len(t, body["conversations"], 2)

	code, _ = e.do(http.MethodGet, "/api/conversations/"+e.conv.ID, &e.a, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = e.do(http.MethodPost, "/api/conversations/"+e.conv.ID+"/restore", &e.a, nil)
	require.Equal(t, http.StatusOK, code)
	_, body = e.do(http.MethodGet, "/api/conversations", &e.a, nil)
	assert.Len(t, body["conversations"], 3)
}

func TestLastSeenAndSearch(t *testing.T) {
	e := newEnv(t)
	e.dial(e.b)

	var body map[string]any
	require.Eventually(t, func() bool {
		var code int
		code, body = e.do(http.MethodGet, "/api/users/"+itoa(e.b.ID)+"/last-seen", &e.a, nil)
		return code == http.StatusOK && body["status"] == "online"
	}, 3*time.Second, 10*time.Millisecond)
	assert.NotNil(t, body["last_seen"])

	code, _ := e.do(http.MethodGet, "/api/users/999/last-seen", &e.a, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = e.do(http.MethodGet, "/api/users/search?q=carol", &e.a, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["users"], 1)
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }

func TestLastSeenHidesTypingFromOutsiders(t *testing.T) {
	e := newEnv(t)
	code, _ := e.do(http.MethodPost, "/api/conversations/"+e.conv.ID+"/typing", &e.a, map[string]any{"is_typing": true})
	require.Equal(t, http.StatusOK, code)

	code, body := e.do(http.MethodGet, "/api/users/"+itoa(e.a.ID)+"/last-seen", &e.b, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, e.conv.ID, body["typing_in"])

	code, body = e.do(http.MethodGet, "/api/users/"+itoa(e.a.ID)+"/last-seen", &e.c, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Nil(t, body["typing_in"])
}
