package database

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	dbconfig "chatbridge/pkg/database"
	"chatbridge/pkg/interfaces"
	"chatbridge/pkg/types"
)

const (
	writeBuffer = 100
	retryDelay  = 100 * time.Millisecond
)

// Manager is the SQLite store for users, chats, memberships and messages.
// Reads run concurrently on the pool; writes are serialized through a
// single writer goroutine.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
	logger       zerolog.Logger
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database and starts the writer goroutine
func NewManager(config *dbconfig.Config, logger zerolog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid database configuration")
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to apply SQLite optimizations")
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, writeBuffer),
		shutdown:     make(chan struct{}),
		logger:       logger.With().Str("component", "database").Logger(),
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// Migrate applies pending migrations and validates the resulting schema
func (m *Manager) Migrate() error {
	if err := dbconfig.NewMigrationManager(m.db).ApplyMigrations(); err != nil {
		return errors.Wrap(err, "migration failed")
	}
	if err := dbconfig.NewSchemaValidator(m.db).Validate(); err != nil {
		return errors.Wrap(err, "schema validation failed")
	}
	return nil
}

// writeLoop runs every write; lock contention is retried once
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil && interfaces.IsTransient(err) {
				m.logger.Warn().Err(err).Dur("retry_in", retryDelay).Msg("database write contended, retrying")
				time.Sleep(retryDelay)
				err = op.operation(m.db)
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Debug().Msg("database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timer := time.NewTimer(m.config.WriteTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return interfaces.Transient(ErrWriteTimeout)
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return interfaces.Transient(ErrWriteTimeout)
	}
}

// GetUser returns interfaces.ErrUserNotFound when no row matches
func (m *Manager) GetUser(ctx context.Context, userID uuid.UUID) (*types.User, error) {
	return m.scanUser(m.db.QueryRowContext(ctx,
		`SELECT id, username, is_active FROM users WHERE id = ?`, userID.String()))
}

// GetUserByUsername returns interfaces.ErrUserNotFound when no row matches
func (m *Manager) GetUserByUsername(ctx context.Context, username string) (*types.User, error) {
	return m.scanUser(m.db.QueryRowContext(ctx,
		`SELECT id, username, is_active FROM users WHERE username = ?`, username))
}

func (m *Manager) scanUser(row *sql.Row) (*types.User, error) {
	var user types.User
	if err := row.Scan(&user.ID, &user.Username, &user.IsActive); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrUserNotFound
		}
		return nil, classify(err, "failed to query user")
	}
	return &user, nil
}

// ChatIDsUserBelongsTo returns the subset of candidates the user is a member of
func (m *Manager) ChatIDsUserBelongsTo(ctx context.Context, userID uuid.UUID, candidates []uuid.UUID) (map[uuid.UUID]struct{}, error) {
	member := make(map[uuid.UUID]struct{})
	if len(candidates) == 0 {
		return member, nil
	}

	args := make([]interface{}, 0, len(candidates)+1)
	args = append(args, userID.String())
	for _, id := range candidates {
		args = append(args, id.String())
	}

	query := `SELECT chat_id FROM chat_users WHERE user_id = ? AND chat_id IN (?` +
		strings.Repeat(", ?", len(candidates)-1) + `)`

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "failed to query chat membership")
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var chatID uuid.UUID
		if err := rows.Scan(&chatID); err != nil {
			return nil, classify(err, "failed to scan chat membership")
		}
		member[chatID] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "failed to iterate chat membership")
	}
	return member, nil
}

// PersistMessage stores a chat message and returns its id. A message id that
// already exists is kept as is, so redelivered envelopes store one row.
func (m *Manager) PersistMessage(ctx context.Context, message *types.StoredMessage) (string, error) {
	if message.ChatID == uuid.Nil || message.UserID == uuid.Nil {
		return "", ErrInvalidMessage
	}

	id := message.ID
	if id == "" {
		id = ulid.Make().String()
	}
	createdAt := message.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	err := m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT OR IGNORE INTO messages (id, chat_id, user_id, content, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, id, message.ChatID.String(), message.UserID.String(), message.Content, createdAt)
		return classify(err, "failed to insert message")
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// ChatMessages returns up to limit messages of a chat, oldest first
func (m *Manager) ChatMessages(ctx context.Context, chatID uuid.UUID, limit int) ([]*types.StoredMessage, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, chat_id, user_id, content, created_at
		FROM messages
		WHERE chat_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, chatID.String(), limit)
	if err != nil {
		return nil, classify(err, "failed to query chat messages")
	}
	defer func() { _ = rows.Close() }()

	var messages []*types.StoredMessage
	for rows.Next() {
		var msg types.StoredMessage
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.UserID, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, classify(err, "failed to scan message row")
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "error iterating message rows")
	}
	return messages, nil
}

// CreateUser inserts a user; a taken id or username yields ErrAlreadyExists
func (m *Manager) CreateUser(ctx context.Context, user *types.User) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO users (id, username, is_active) VALUES (?, ?, ?)`,
			user.ID.String(), user.Username, user.IsActive)
		return classify(err, "failed to insert user")
	})
}

// CreateChat inserts a chat together with its initial members
func (m *Manager) CreateChat(ctx context.Context, chat *types.Chat, memberIDs ...uuid.UUID) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return classify(err, "failed to begin transaction")
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chats (id, name, type) VALUES (?, ?, ?)`,
			chat.ID.String(), chat.Name, chat.Type); err != nil {
			return classify(err, "failed to insert chat")
		}

		for _, userID := range memberIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO chat_users (chat_id, user_id) VALUES (?, ?)`,
				chat.ID.String(), userID.String()); err != nil {
				return classify(err, "failed to insert chat member")
			}
		}

		return classify(tx.Commit(), "failed to commit chat creation")
	})
}

// AddChatMember adds a user to an existing chat; adding twice is a no-op
func (m *Manager) AddChatMember(ctx context.Context, chatID, userID uuid.UUID, isAdmin bool) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chats WHERE id = ?`, chatID.String()).Scan(&exists)
		if err != nil {
			return classify(err, "failed to query chat")
		}
		if exists == 0 {
			return ErrChatNotFound
		}

		_, err = db.ExecContext(ctx,
			`INSERT OR IGNORE INTO chat_users (chat_id, user_id, is_admin) VALUES (?, ?, ?)`,
			chatID.String(), userID.String(), isAdmin)
		return classify(err, "failed to insert chat member")
	})
}

// HealthCheck validates connectivity and that the schema is readable
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return classify(err, "database ping failed")
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		return classify(err, "database read test failed")
	}
	return nil
}

// GetDB returns the underlying connection pool
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close stops the writer and closes the pool. Safe to call twice.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return errors.Wrap(err, "failed to close database")
	}
	return nil
}
