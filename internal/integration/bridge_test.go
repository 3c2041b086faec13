// Package integration runs several bridge processes against shared brokers
// and one database.
package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatbridge/internal/api"
	"chatbridge/internal/auth"
	"chatbridge/internal/database"
	"chatbridge/internal/dispatch"
	"chatbridge/internal/queue"
	"chatbridge/internal/relay"
	"chatbridge/internal/router"
	ws "chatbridge/internal/websocket"
	dbconfig "chatbridge/pkg/database"
	"chatbridge/pkg/types"
)

const (
	chatChannel         = "chat_channel"
	notificationChannel = "push_notifications"
	queueName           = "push_notifications"
)

var secret = []byte("integration-secret")

// process is one bridge instance: its own registry, relay client,
// dispatcher and HTTP server
type process struct {
	registry *ws.Registry
	server   *httptest.Server
}

func startProcess(t *testing.T, redisAddr string, store *database.Manager, q *queue.Memory) *process {
	t.Helper()
	ctx := context.Background()
	logger := zerolog.Nop()

	rel, err := relay.NewRedis(ctx, "redis://"+redisAddr+"/0", logger)
	require.NoError(t, err)

	registry := ws.NewRegistry(logger)
	dispatcher := dispatch.NewService(registry, store, rel, q, dispatch.Options{
		ChatChannel:         chatChannel,
		NotificationChannel: notificationChannel,
		QueueName:           queueName,
	}, nil, logger)
	require.NoError(t, dispatcher.Start(ctx))

	frameRouter := router.NewRouter(rel, chatChannel, router.NewRateLimiter(100, 100), logger)
	gateway := ws.NewHandler(registry, auth.NewHMACVerifier(secret, store), frameRouter, ws.HandlerOptions{
		PingInterval: time.Second,
		WriteTimeout: time.Second,
	}, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway)
	mux.Handle("/api/", api.NewServer(store, store, q, queueName, registry, logger))
	server := httptest.NewServer(mux)

	t.Cleanup(func() {
		server.Close()
		registry.CloseAll(ws.CloseGoingAway, "")
		_ = dispatcher.Stop()
		_ = rel.Close()
	})
	return &process{registry: registry, server: server}
}

func (p *process) connect(t *testing.T, user *types.User) *websocket.Conn {
	t.Helper()
	token, err := auth.NewIssuer(secret, time.Minute).AccessToken(user.Username)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(p.server.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return p.registry.IsConnected(user.ID) }, 2*time.Second, 5*time.Millisecond)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func receive(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

type cluster struct {
	store *database.Manager
	queue *queue.Memory
	a, b  *process
}

func newCluster(t *testing.T) *cluster {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "bridge.db")
	store, err := database.NewManager(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { _ = store.Close() })

	q := queue.NewMemory(zerolog.Nop())
	t.Cleanup(func() { _ = q.Close() })

	return &cluster{
		store: store,
		queue: q,
		a:     startProcess(t, mr.Addr(), store, q),
		b:     startProcess(t, mr.Addr(), store, q),
	}
}

func (c *cluster) user(t *testing.T, name string) *types.User {
	t.Helper()
	u := &types.User{ID: uuid.New(), Username: name, IsActive: true}
	require.NoError(t, c.store.CreateUser(context.Background(), u))
	return u
}

func TestBridge_PrivateChatAcrossProcesses(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()

	user1 := c.user(t, "user1")
	user2 := c.user(t, "user2")
	chat := &types.Chat{ID: uuid.New(), Name: "private", Type: types.ChatTypePrivate}
	require.NoError(t, c.store.CreateChat(ctx, chat, user1.ID, user2.ID))

	conn1 := c.a.connect(t, user1)
	conn2 := c.b.connect(t, user2)

	message := `{"action":"message","chat_id":"` + chat.ID.String() + `","text":"hi"}`
	subscribe := `{"action":"subscribe","chat_ids":["` + chat.ID.String() + `"]}`

	// nobody is subscribed yet
	send(t, conn1, message)
	assert.JSONEq(t, `{"action":"message_response","status":"error","error":"Couldn't send message"}`, receive(t, conn1))

	send(t, conn1, subscribe)
	assert.JSONEq(t, `{"action":"subscribe_response","results":[{"chat_id":"`+chat.ID.String()+`","status":"success"}]}`, receive(t, conn1))
	send(t, conn2, subscribe)
	assert.JSONEq(t, `{"action":"subscribe_response","results":[{"chat_id":"`+chat.ID.String()+`","status":"success"}]}`, receive(t, conn2))

	send(t, conn1, message)
	delivery := `{"from":"user1","message":"hi","chat_id":"` + chat.ID.String() + `"}`
	assert.JSONEq(t, delivery, receive(t, conn2))
	assert.JSONEq(t, delivery, receive(t, conn1))
	assert.JSONEq(t, `{"action":"message_response","status":"success"}`, receive(t, conn1))

	// both processes delivered locally; the message is stored once
	require.Eventually(t, func() bool {
		stored, err := c.store.ChatMessages(ctx, chat.ID, 10)
		return err == nil && len(stored) == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	stored, err := c.store.ChatMessages(ctx, chat.ID, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "hi", stored[0].Content)
	assert.Equal(t, user1.ID, stored[0].UserID)
}

func TestBridge_SubscribeRejectsForeignChat(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()

	user1 := c.user(t, "user1")
	outsider := c.user(t, "outsider")
	mine := &types.Chat{ID: uuid.New(), Name: "mine", Type: types.ChatTypeGroup}
	theirs := &types.Chat{ID: uuid.New(), Name: "theirs", Type: types.ChatTypeGroup}
	require.NoError(t, c.store.CreateChat(ctx, mine, user1.ID))
	require.NoError(t, c.store.CreateChat(ctx, theirs, outsider.ID))

	conn := c.a.connect(t, user1)
	send(t, conn, `{"action":"subscribe","chat_ids":["`+mine.ID.String()+`","`+theirs.ID.String()+`"]}`)
	assert.JSONEq(t, `{"action":"subscribe_response","results":[`+
		`{"chat_id":"`+mine.ID.String()+`","status":"success"},`+
		`{"chat_id":"`+theirs.ID.String()+`","status":"error","error":"no access"}]}`, receive(t, conn))

	require.Eventually(t, func() bool { return c.b.registry.IsSubscribed(user1.ID, mine.ID) }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, c.a.registry.IsSubscribed(user1.ID, theirs.ID))
	assert.False(t, c.b.registry.IsSubscribed(user1.ID, theirs.ID))
}

func TestBridge_UnknownAction(t *testing.T) {
	c := newCluster(t)
	conn := c.a.connect(t, c.user(t, "user1"))

	send(t, conn, `{"action":"bogus"}`)
	assert.JSONEq(t, `{"status":"error","error":"Unknown action: bogus"}`, receive(t, conn))
}

func TestBridge_PushNotificationReachesOtherProcess(t *testing.T) {
	c := newCluster(t)
	target := c.user(t, "target")
	phone := c.b.connect(t, target)

	// the HTTP producer hits process A; the socket lives on process B
	resp, err := http.Post(c.a.server.URL+"/api/push_notification/"+target.ID.String(), "application/json",
		strings.NewReader(`{"message":"You have a new follower"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	assert.JSONEq(t, `{"action":"push_notification","user_id":"`+target.ID.String()+`","message":"You have a new follower"}`, receive(t, phone))
	require.Eventually(t, func() bool { return c.queue.Stats().Acked == 1 }, 2*time.Second, 5*time.Millisecond)

	resp, err = http.Post(c.a.server.URL+"/api/push_notification/"+uuid.NewString(), "application/json",
		strings.NewReader(`{"message":"nobody"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBridge_MalformedQueueCommandAckedOnce(t *testing.T) {
	c := newCluster(t)

	require.NoError(t, c.queue.Publish(context.Background(), queueName, []byte(`{"action":`)))
	require.Eventually(t, func() bool { return c.queue.Stats().Acked == 1 }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	stats := c.queue.Stats()
	assert.Equal(t, int64(1), stats.Acked)
	assert.Zero(t, stats.Requeued)
	assert.Zero(t, stats.Dropped)
}
