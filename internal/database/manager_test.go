package database

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbconfig "chatbridge/pkg/database"
	"chatbridge/pkg/interfaces"
	"chatbridge/pkg/types"
)

func setupTestDB(t *testing.T) *Manager {
	t.Helper()

	config := dbconfig.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "test.db")

	manager, err := NewManager(config, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, manager.Migrate())
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func createUser(t *testing.T, m *Manager, username string) *types.User {
	t.Helper()
	user := &types.User{ID: uuid.New(), Username: username, IsActive: true}
	require.NoError(t, m.CreateUser(context.Background(), user))
	return user
}

func createChat(t *testing.T, m *Manager, members ...uuid.UUID) *types.Chat {
	t.Helper()
	chat := &types.Chat{ID: uuid.New(), Name: "chat", Type: types.ChatTypeGroup}
	require.NoError(t, m.CreateChat(context.Background(), chat, members...))
	return chat
}

func TestManager_GetUser(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	alice := createUser(t, m, "alice")

	got, err := m.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, alice, got)

	byName, err := m.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, byName.ID)

	_, err = m.GetUser(ctx, uuid.New())
	assert.ErrorIs(t, err, interfaces.ErrUserNotFound)

	_, err = m.GetUserByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, interfaces.ErrUserNotFound)
}

func TestManager_CreateUser_Duplicate(t *testing.T) {
	m := setupTestDB(t)
	createUser(t, m, "alice")

	err := m.CreateUser(context.Background(), &types.User{ID: uuid.New(), Username: "alice"})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestManager_InactiveUser(t *testing.T) {
	m := setupTestDB(t)
	user := &types.User{ID: uuid.New(), Username: "dormant", IsActive: false}
	require.NoError(t, m.CreateUser(context.Background(), user))

	got, err := m.GetUser(context.Background(), user.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
}

func TestManager_ChatIDsUserBelongsTo(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	alice := createUser(t, m, "alice")
	bob := createUser(t, m, "bob")

	shared := createChat(t, m, alice.ID, bob.ID)
	bobOnly := createChat(t, m, bob.ID)
	missing := uuid.New()

	member, err := m.ChatIDsUserBelongsTo(ctx, alice.ID, []uuid.UUID{shared.ID, bobOnly.ID, missing})
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]struct{}{shared.ID: {}}, member)

	member, err = m.ChatIDsUserBelongsTo(ctx, bob.ID, []uuid.UUID{shared.ID, bobOnly.ID})
	require.NoError(t, err)
	assert.Len(t, member, 2)

	member, err = m.ChatIDsUserBelongsTo(ctx, alice.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, member)
}

func TestManager_AddChatMember(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	alice := createUser(t, m, "alice")
	chat := createChat(t, m)

	require.NoError(t, m.AddChatMember(ctx, chat.ID, alice.ID, true))
	require.NoError(t, m.AddChatMember(ctx, chat.ID, alice.ID, true))

	member, err := m.ChatIDsUserBelongsTo(ctx, alice.ID, []uuid.UUID{chat.ID})
	require.NoError(t, err)
	assert.Contains(t, member, chat.ID)

	err = m.AddChatMember(ctx, uuid.New(), alice.ID, false)
	assert.ErrorIs(t, err, ErrChatNotFound)
}

func TestManager_PersistMessage(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	alice := createUser(t, m, "alice")
	chat := createChat(t, m, alice.ID)

	id, err := m.PersistMessage(ctx, &types.StoredMessage{ChatID: chat.ID, UserID: alice.ID, Content: "hello"})
	require.NoError(t, err)
	assert.Len(t, id, 26, "generated ids are ULIDs")

	messages, err := m.ChatMessages(ctx, chat.ID, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, id, messages[0].ID)
	assert.Equal(t, "hello", messages[0].Content)
	assert.Equal(t, alice.ID, messages[0].UserID)
	assert.False(t, messages[0].CreatedAt.IsZero())
}

func TestManager_PersistMessage_IdempotentOnID(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	alice := createUser(t, m, "alice")
	chat := createChat(t, m, alice.ID)

	msg := &types.StoredMessage{ID: "01J9ZQ0000000000000000TEST", ChatID: chat.ID, UserID: alice.ID, Content: "once"}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := m.PersistMessage(ctx, msg)
			assert.NoError(t, err)
			assert.Equal(t, msg.ID, id)
		}()
	}
	wg.Wait()

	messages, err := m.ChatMessages(ctx, chat.ID, 10)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestManager_PersistMessage_Invalid(t *testing.T) {
	m := setupTestDB(t)

	_, err := m.PersistMessage(context.Background(), &types.StoredMessage{Content: "orphan"})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	// unknown chat violates the foreign key
	_, err = m.PersistMessage(context.Background(), &types.StoredMessage{ChatID: uuid.New(), UserID: uuid.New(), Content: "x"})
	assert.Error(t, err)
	assert.False(t, interfaces.IsTransient(err))
}

func TestManager_ChatMessages_Order(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	alice := createUser(t, m, "alice")
	chat := createChat(t, m, alice.ID)

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, text := range []string{"first", "second", "third"} {
		_, err := m.PersistMessage(ctx, &types.StoredMessage{
			ChatID: chat.ID, UserID: alice.ID, Content: text, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	messages, err := m.ChatMessages(ctx, chat.ID, 2)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "first", messages[0].Content)
	assert.Equal(t, "second", messages[1].Content)
}

func TestManager_HealthCheckAndClose(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, m.HealthCheck(ctx))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	err := m.CreateUser(ctx, &types.User{ID: uuid.New(), Username: "late"})
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestManager_CanceledContext(t *testing.T) {
	m := setupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.CreateUser(ctx, &types.User{ID: uuid.New(), Username: "never"})
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	busy := classify(sqlite3.Error{Code: sqlite3.ErrBusy}, "write")
	assert.True(t, interfaces.IsTransient(busy))

	locked := classify(sqlite3.Error{Code: sqlite3.ErrLocked}, "write")
	assert.True(t, interfaces.IsTransient(locked))

	unique := classify(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}, "write")
	assert.ErrorIs(t, unique, ErrAlreadyExists)
	assert.False(t, interfaces.IsTransient(unique))

	assert.Nil(t, classify(nil, "noop"))
}
