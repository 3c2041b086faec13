package interfaces

import (
	"context"

	"github.com/google/uuid"

	"chatbridge/pkg/types"
)

// UserStore resolves users by id
type UserStore interface {
	// GetUser returns ErrUserNotFound when the user does not exist
	GetUser(ctx context.Context, userID uuid.UUID) (*types.User, error)
}

// UsernameLookup resolves users by their unique username
type UsernameLookup interface {
	GetUserByUsername(ctx context.Context, username string) (*types.User, error)
}

// ChatMembership answers which chats a user belongs to
type ChatMembership interface {
	// ChatIDsUserBelongsTo returns the subset of candidates the user is a member of
	ChatIDsUserBelongsTo(ctx context.Context, userID uuid.UUID, candidates []uuid.UUID) (map[uuid.UUID]struct{}, error)
}

// MessageStore persists chat messages
type MessageStore interface {
	// PersistMessage stores the message and returns its id. Storing the same
	// message id twice keeps a single row.
	PersistMessage(ctx context.Context, message *types.StoredMessage) (string, error)
}

// TokenVerifier turns a bearer token into an active user
type TokenVerifier interface {
	// VerifyToken returns ErrAuthentication for any invalid, expired or
	// inactive credential
	VerifyToken(ctx context.Context, token string) (*types.User, error)
}
