package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks a database against the structure the store expects
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

var requiredTables = []string{"users", "chats", "chat_users", "messages", "schema_migrations"}

var requiredIndexes = []string{"idx_chat_users_user", "idx_messages_chat_time"}

var requiredColumns = map[string]map[string]string{
	"users": {
		"id":        "TEXT",
		"username":  "TEXT",
		"is_active": "INTEGER",
	},
	"chats": {
		"id":   "TEXT",
		"name": "TEXT",
		"type": "TEXT",
	},
	"chat_users": {
		"chat_id":  "TEXT",
		"user_id":  "TEXT",
		"is_admin": "INTEGER",
	},
	"messages": {
		"id":         "TEXT",
		"chat_id":    "TEXT",
		"user_id":    "TEXT",
		"content":    "TEXT",
		"created_at": "DATETIME",
	},
}

// Validate runs every structural check
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(); err != nil {
		return err
	}
	return v.ValidateIndexes()
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	for _, table := range requiredTables {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

// ValidateTableStructure verifies column names and declared types
func (v *SchemaValidator) ValidateTableStructure() error {
	for table, columns := range requiredColumns {
		if err := v.validateColumns(table, columns); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}
	return nil
}

// ValidateIndexes verifies that the lookup indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	for _, index := range requiredIndexes {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s: %w", index, err)
		}
		if !exists {
			return fmt.Errorf("required index %s does not exist", index)
		}
	}
	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(tableName string, expected map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]string)
	for rows.Next() {
		var (
			cid          int
			name         string
			dataType     string
			notNull      int
			defaultValue interface{}
			pk           int
		)
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		found[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for column, wantType := range expected {
		gotType, ok := found[column]
		if !ok {
			return fmt.Errorf("column %s not found", column)
		}
		if gotType != wantType {
			return fmt.Errorf("column %s has type %s, expected %s", column, gotType, wantType)
		}
	}
	return nil
}
