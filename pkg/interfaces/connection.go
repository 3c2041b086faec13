package interfaces

import "github.com/google/uuid"

// Connection represents one client socket owned by this process
type Connection interface {
	// ID uniquely identifies the socket within the process
	ID() string

	// UserID returns the authenticated owner of the socket
	UserID() uuid.UUID

	// WriteJSON sends a JSON frame to the client. Implementations must be
	// safe for concurrent use.
	WriteJSON(v interface{}) error

	// Close releases the socket
	Close() error
}
