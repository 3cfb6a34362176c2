package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/mailsync/internal/model"
)

// SQLiteStore implements the LocalStore interface using a local SQLite
// database, one database file per account.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// Folder returns a handle to the named local folder.
func (s *SQLiteStore) Folder(name string) (LocalFolder, error) {
	if name == "" {
		return nil, fmt.Errorf("empty folder name")
	}
	return &sqliteFolder{store: s, name: name, id: -1}, nil
}

// FolderNames lists all folders present in the cache.
func (s *SQLiteStore) FolderNames(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.SelectContext(ctx, &names, "SELECT name FROM folders ORDER BY name")
	if err != nil {
		return nil, classify(fmt.Errorf("listing folders: %w", err))
	}
	return names, nil
}

// PendingCommands returns the account's pending command log in replay
// order.
func (s *SQLiteStore) PendingCommands(ctx context.Context) ([]PendingCommand, error) {
	var rows []struct {
		ID      int64  `db:"id"`
		Name    string `db:"name"`
		Payload string `db:"payload"`
	}
	err := s.db.SelectContext(ctx, &rows,
		"SELECT id, name, payload FROM pending_commands ORDER BY id ASC")
	if err != nil {
		return nil, classify(fmt.Errorf("reading pending commands: %w", err))
	}

	commands := make([]PendingCommand, 0, len(rows))
	for _, r := range rows {
		commands = append(commands, PendingCommand{
			ID:      r.ID,
			Name:    r.Name,
			Payload: json.RawMessage(r.Payload),
		})
	}
	return commands, nil
}

// AddPendingCommand appends a command to the tail of the log.
func (s *SQLiteStore) AddPendingCommand(ctx context.Context, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling pending command %s: %w", name, err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO pending_commands (name, payload) VALUES (?, ?)", name, string(data))
	if err != nil {
		return classify(fmt.Errorf("appending pending command %s: %w", name, err))
	}
	return nil
}

// RemovePendingCommand deletes one executed (or poisoned) command.
func (s *SQLiteStore) RemovePendingCommand(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM pending_commands WHERE id = ?", id)
	if err != nil {
		return classify(fmt.Errorf("removing pending command %d: %w", id, err))
	}
	return nil
}

// classify maps low-level SQLite errors onto the store error taxonomy so
// callers can distinguish "retry later" from real failures.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return err
}

// messageRow is the messages-table projection of a model.Message.
type messageRow struct {
	ID           int64  `db:"id"`
	FolderID     int64  `db:"folder_id"`
	UID          string `db:"uid"`
	Flags        string `db:"flags"`
	Subject      string `db:"subject"`
	Sender       string `db:"sender"`
	Recipients   string `db:"recipients"`
	MessageID    string `db:"message_id"`
	Date         int64  `db:"date"`
	InternalDate int64  `db:"internal_date"`
	Size         int64  `db:"size"`
	Headers      string `db:"headers"`
	Body         string `db:"body"`
	Parts        string `db:"parts"`
}

func rowFromMessage(folderID int64, m *model.Message) (*messageRow, error) {
	sender, err := json.Marshal(m.From)
	if err != nil {
		return nil, fmt.Errorf("marshaling sender for %s: %w", m.UID, err)
	}
	recipients, err := json.Marshal(m.To)
	if err != nil {
		return nil, fmt.Errorf("marshaling recipients for %s: %w", m.UID, err)
	}
	headers, err := json.Marshal(m.Headers)
	if err != nil {
		return nil, fmt.Errorf("marshaling headers for %s: %w", m.UID, err)
	}
	parts, err := json.Marshal(m.Parts)
	if err != nil {
		return nil, fmt.Errorf("marshaling parts for %s: %w", m.UID, err)
	}

	return &messageRow{
		FolderID:     folderID,
		UID:          m.UID,
		Flags:        m.Flags.String(),
		Subject:      m.Subject,
		Sender:       string(sender),
		Recipients:   string(recipients),
		MessageID:    m.MessageID,
		Date:         timeToMillis(m.Date),
		InternalDate: timeToMillis(m.InternalDate),
		Size:         m.Size,
		Headers:      string(headers),
		Body:         m.Body,
		Parts:        string(parts),
	}, nil
}

func (r *messageRow) message(folder string) (*model.Message, error) {
	m := model.NewMessage(r.UID, folder)
	m.Flags = model.ParseFlagSet(r.Flags)
	m.Subject = r.Subject
	m.MessageID = r.MessageID
	m.Date = millisToTime(r.Date)
	m.InternalDate = millisToTime(r.InternalDate)
	m.Size = r.Size
	m.Body = r.Body

	if err := json.Unmarshal([]byte(r.Sender), &m.From); err != nil {
		return nil, fmt.Errorf("unmarshaling sender for %s: %w", r.UID, err)
	}
	if err := json.Unmarshal([]byte(r.Recipients), &m.To); err != nil {
		return nil, fmt.Errorf("unmarshaling recipients for %s: %w", r.UID, err)
	}
	if err := json.Unmarshal([]byte(r.Headers), &m.Headers); err != nil {
		return nil, fmt.Errorf("unmarshaling headers for %s: %w", r.UID, err)
	}
	if err := json.Unmarshal([]byte(r.Parts), &m.Parts); err != nil {
		return nil, fmt.Errorf("unmarshaling parts for %s: %w", r.UID, err)
	}
	return m, nil
}

func timeToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func millisToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// isNoRows reports whether err is the no-rows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
