package database

import (
	stderrors "errors"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"chatbridge/pkg/interfaces"
)

// Database manager errors
var (
	ErrManagerClosed  = stderrors.New("database manager is closed")
	ErrWriteTimeout   = stderrors.New("write operation timeout")
	ErrAlreadyExists  = stderrors.New("record already exists")
	ErrChatNotFound   = stderrors.New("chat not found")
	ErrInvalidMessage = stderrors.New("message must reference a chat and a user")
)

// classify wraps err with context and marks lock contention as transient
func classify(err error, msg string) error {
	if err == nil {
		return nil
	}

	var sqliteErr sqlite3.Error
	if stderrors.As(err, &sqliteErr) {
		switch {
		case sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked:
			return interfaces.Transient(errors.Wrap(err, msg))
		case sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return errors.Wrap(ErrAlreadyExists, msg)
		}
	}
	return errors.Wrap(err, msg)
}
