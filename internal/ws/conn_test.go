package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/auth"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/config"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/feed"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/service"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "ws-test-secret"

type liveEnv struct {
	srv    *httptest.Server
	deps   Deps
	chatID uint
}

func newLiveEnv(t *testing.T) *liveEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	gdb := testutil.SQLite(t)
	testutil.Users(t, gdb, 1, 2, 3)

	f := feed.NewLocal(64)
	t.Cleanup(func() { _ = f.Close() })
	cfg := config.Default().Messaging
	msgs := service.NewMessageService(gdb, f, nil, cfg)
	chats := service.NewChatService(gdb, f)
	deps := Deps{
		Hub:      NewHub(f, msgs),
		Users:    service.NewUserService(gdb),
		Chats:    chats,
		Messages: msgs,
		Typing:   service.NewTypingService(gdb, f, cfg),
		Secret:   testSecret,
	}
	chatID, _, err := chats.GetOrCreateDirectChat(context.Background(), 1, 2)
	require.NoError(t, err)

	engine := gin.New()
	engine.GET("/ws", Serve(deps))
	engine.GET("/ws/directory", ServeDirectory(deps, f))
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)
	return &liveEnv{srv: srv, deps: deps, chatID: chatID}
}

func (e *liveEnv) dial(t *testing.T, path string, userID uint, query string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	token, err := auth.GenerateAccessToken(userID, "u"+strconv.Itoa(int(userID)), testSecret, 5)
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + path + "?token=" + token + query
	return websocket.DefaultDialer.Dial(url, nil)
}

func (e *liveEnv) chatQuery() string {
	return "&chat_id=" + strconv.FormatUint(uint64(e.chatID), 10)
}

type frame struct {
	Type    string                `json:"type"`
	Message *service.MessageDTO   `json:"message"`
	Typing  *service.TypingDTO    `json:"typing"`
	Error   string                `json:"error"`
	Code    string                `json:"code"`
	Chats   []service.ChatSummary `json:"chats"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestServe_MessageReachesBothParticipants(t *testing.T) {
	env := newLiveEnv(t)

	alice, _, err := env.dial(t, "/ws", 1, env.chatQuery())
	require.NoError(t, err)
	defer alice.Close()
	bob, _, err := env.dial(t, "/ws", 2, env.chatQuery())
	require.NoError(t, err)
	defer bob.Close()

	require.Eventually(t, func() bool { return env.deps.Hub.Online(env.chatID) == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, alice.WriteJSON(InboundMessage{Type: InMessage, Body: "  hello bob  "}))

	got := readFrame(t, bob)
	assert.Equal(t, service.EventMessage, got.Type)
	require.NotNil(t, got.Message)
	assert.Equal(t, "hello bob", got.Message.Body)
	assert.Equal(t, "u1", got.Message.Sender)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		seen[readFrame(t, alice).Type] = true
	}
	assert.True(t, seen[ReplySent], "sender gets a sent reply")
	assert.True(t, seen[service.EventMessage], "sender gets the event too")
}

func TestServe_SubscribedWhenHandshakeCompletes(t *testing.T) {
	env := newLiveEnv(t)

	bob, _, err := env.dial(t, "/ws", 2, env.chatQuery())
	require.NoError(t, err)
	defer bob.Close()
	assert.Equal(t, 1, env.deps.Hub.Online(env.chatID))

	// Published right after the dial returns, with no wait for the server side.
	_, err = env.deps.Messages.Publish(context.Background(), env.chatID, 1, "right away")
	require.NoError(t, err)

	got := readFrame(t, bob)
	assert.Equal(t, service.EventMessage, got.Type)
	require.NotNil(t, got.Message)
	assert.Equal(t, "right away", got.Message.Body)
}

func TestServe_TypingAndErrors(t *testing.T) {
	env := newLiveEnv(t)

	alice, _, err := env.dial(t, "/ws", 1, env.chatQuery())
	require.NoError(t, err)
	defer alice.Close()
	bob, _, err := env.dial(t, "/ws", 2, env.chatQuery())
	require.NoError(t, err)
	defer bob.Close()
	require.Eventually(t, func() bool { return env.deps.Hub.Online(env.chatID) == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, alice.WriteJSON(InboundMessage{Type: InTyping, IsTyping: true}))
	got := readFrame(t, bob)
	require.Equal(t, service.EventTyping, got.Type)
	require.NotNil(t, got.Typing)
	assert.Equal(t, uint(1), got.Typing.UserID)
	assert.True(t, got.Typing.IsTyping)

	require.NoError(t, alice.WriteJSON(InboundMessage{Type: InMessage, Body: "   "}))
	for {
		f := readFrame(t, alice)
		if f.Type == ReplyError {
			assert.Equal(t, "INVALID_ARGUMENT", f.Code)
			break
		}
	}
}

func TestServe_RejectsOutsiders(t *testing.T) {
	env := newLiveEnv(t)

	_, resp, err := env.dial(t, "/ws", 3, env.chatQuery())
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = env.dial(t, "/ws", 1, "&chat_id=abc")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws" + "?chat_id=1"
	_, resp, err = websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeDirectory_PushesOnNewMessage(t *testing.T) {
	env := newLiveEnv(t)

	conn, _, err := env.dial(t, "/ws/directory", 2, "")
	require.NoError(t, err)
	defer conn.Close()

	initial := readFrame(t, conn)
	require.Equal(t, "chats", initial.Type)
	require.Len(t, initial.Chats, 1)
	assert.Equal(t, int64(0), initial.Chats[0].UnreadCount)

	_, err = env.deps.Messages.Publish(context.Background(), env.chatID, 1, "ping")
	require.NoError(t, err)

	next := readFrame(t, conn)
	require.Equal(t, "chats", next.Type)
	require.Len(t, next.Chats, 1)
	assert.Equal(t, int64(1), next.Chats[0].UnreadCount)
	require.NotNil(t, next.Chats[0].LastMessage)
	assert.Equal(t, "ping", next.Chats[0].LastMessage.Body)
}
