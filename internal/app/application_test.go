package app

import (
	"context"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatbridge/internal/auth"
	"chatbridge/internal/config"
	"chatbridge/pkg/types"
)

const testSecret = "app-test-secret"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.Database.Path = filepath.Join(t.TempDir(), "app.db")
	cfg.Auth.Secret = testSecret
	return cfg
}

func startApp(t *testing.T) *Application {
	t.Helper()
	app, err := NewApplication(context.Background(), testConfig(t), zerolog.Nop())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, app.StartWithListener(context.Background(), ln))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Stop(ctx)
	})
	return app
}

func TestNewApplication_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.Secret = ""

	_, err := NewApplication(context.Background(), cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestNewApplication_UnreachableRelay(t *testing.T) {
	cfg := testConfig(t)
	cfg.Relay.Backend = config.RelayRedis
	cfg.Relay.URL = "redis://127.0.0.1:1/0"

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewApplication(ctx, cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay")
}

func TestApplication_ServesEndpoints(t *testing.T) {
	app := startApp(t)
	base := "http://" + app.Addr()

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "chatbridge_registry_connections")

	resp, err = http.Get(base + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestApplication_EndToEndAndShutdown(t *testing.T) {
	app := startApp(t)
	ctx := context.Background()

	user := &types.User{ID: uuid.New(), Username: "alice", IsActive: true}
	require.NoError(t, app.Store().CreateUser(ctx, user))
	chat := &types.Chat{ID: uuid.New(), Name: "notes", Type: types.ChatTypeGroup}
	require.NoError(t, app.Store().CreateChat(ctx, chat, user.ID))

	token, err := auth.NewIssuer([]byte(testSecret), time.Minute).AccessToken(user.Username)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+app.Addr()+"/ws?token="+token, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"subscribe","chat_ids":["`+chat.ID.String()+`"]}`)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"success"`)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"message","chat_id":"`+chat.ID.String()+`","text":"note to self"}`)))
	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"from":"alice","message":"note to self","chat_id":"`+chat.ID.String()+`"}`, string(data))

	resp, err := http.Post("http://"+app.Addr()+"/api/push_notification/"+user.ID.String(), "application/json", strings.NewReader(`{"message":"ding"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	// success response, then the push notification
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)
	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"action":"push_notification"`)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, app.Stop(stopCtx))

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	select {
	case err := <-app.Failures():
		t.Fatalf("unexpected failure: %v", err)
	default:
	}
}
