package store

import (
	"context"
	"fmt"
	"time"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
)

// sqliteFolder is the LocalFolder implementation backed by SQLiteStore.
// A handle is cheap until opened; Open resolves (or creates) the folder
// row and pins its id.
type sqliteFolder struct {
	store *SQLiteStore
	name  string
	id    int64
	mode  remote.OpenMode
	open  bool
}

func (f *sqliteFolder) Name() string { return f.name }

// Open resolves the folder row. In read-write mode a missing folder is
// created with default settings; in read-only mode it is an error.
func (f *sqliteFolder) Open(ctx context.Context, mode remote.OpenMode) error {
	f.mode = mode

	err := f.store.db.GetContext(ctx, &f.id,
		"SELECT id FROM folders WHERE name = ?", f.name)
	if err == nil {
		f.open = true
		return nil
	}
	if !isNoRows(err) {
		return classify(fmt.Errorf("opening folder %s: %w", f.name, err))
	}
	if mode != remote.OpenReadWrite {
		return fmt.Errorf("opening folder %s: %w", f.name, ErrFolderNotFound)
	}
	if err := f.Create(ctx); err != nil {
		return err
	}
	f.open = true
	return nil
}

func (f *sqliteFolder) Close() {
	f.open = false
	f.id = -1
}

func (f *sqliteFolder) Exists(ctx context.Context) (bool, error) {
	var count int
	err := f.store.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM folders WHERE name = ?", f.name)
	if err != nil {
		return false, classify(fmt.Errorf("checking folder %s: %w", f.name, err))
	}
	return count > 0, nil
}

func (f *sqliteFolder) Create(ctx context.Context) error {
	res, err := f.store.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO folders (name) VALUES (?)", f.name)
	if err != nil {
		return classify(fmt.Errorf("creating folder %s: %w", f.name, err))
	}
	if id, err := res.LastInsertId(); err == nil && id > 0 {
		f.id = id
		return nil
	}
	// Row already existed; resolve its id.
	err = f.store.db.GetContext(ctx, &f.id,
		"SELECT id FROM folders WHERE name = ?", f.name)
	if err != nil {
		return classify(fmt.Errorf("resolving folder %s: %w", f.name, err))
	}
	return nil
}

// requireOpen guards operations that need a resolved folder id.
func (f *sqliteFolder) requireOpen() error {
	if !f.open || f.id < 0 {
		return fmt.Errorf("folder %s is not open", f.name)
	}
	return nil
}

// requireWrite guards mutations.
func (f *sqliteFolder) requireWrite() error {
	if err := f.requireOpen(); err != nil {
		return err
	}
	if f.mode != remote.OpenReadWrite {
		return fmt.Errorf("folder %s is open read-only", f.name)
	}
	return nil
}

func (f *sqliteFolder) MessageCount(ctx context.Context) (int, error) {
	if err := f.requireOpen(); err != nil {
		return 0, err
	}
	var count int
	err := f.store.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM messages WHERE folder_id = ?", f.id)
	if err != nil {
		return 0, classify(fmt.Errorf("counting messages in %s: %w", f.name, err))
	}
	return count, nil
}

func (f *sqliteFolder) UnreadCount(ctx context.Context) (int, error) {
	if err := f.requireOpen(); err != nil {
		return 0, err
	}
	var count int
	err := f.store.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM messages
		 WHERE folder_id = ? AND instr(flags, ?) = 0`, f.id, string(model.FlagSeen))
	if err != nil {
		return 0, classify(fmt.Errorf("counting unread in %s: %w", f.name, err))
	}
	return count, nil
}

func (f *sqliteFolder) Message(ctx context.Context, uid string) (*model.Message, error) {
	if err := f.requireOpen(); err != nil {
		return nil, err
	}
	var row messageRow
	err := f.store.db.GetContext(ctx, &row,
		"SELECT * FROM messages WHERE folder_id = ? AND uid = ?", f.id, uid)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, classify(fmt.Errorf("reading message %s in %s: %w", uid, f.name, err))
	}
	return row.message(f.name)
}

func (f *sqliteFolder) Messages(ctx context.Context) ([]*model.Message, error) {
	if err := f.requireOpen(); err != nil {
		return nil, err
	}
	var rows []messageRow
	err := f.store.db.SelectContext(ctx, &rows,
		"SELECT * FROM messages WHERE folder_id = ? ORDER BY internal_date DESC, id DESC", f.id)
	if err != nil {
		return nil, classify(fmt.Errorf("listing messages in %s: %w", f.name, err))
	}
	msgs := make([]*model.Message, 0, len(rows))
	for i := range rows {
		m, err := rows[i].message(f.name)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (f *sqliteFolder) AllMessagesAndEffectiveDates(ctx context.Context) (map[string]time.Time, error) {
	if err := f.requireOpen(); err != nil {
		return nil, err
	}
	var rows []struct {
		UID          string `db:"uid"`
		Date         int64  `db:"date"`
		InternalDate int64  `db:"internal_date"`
	}
	err := f.store.db.SelectContext(ctx, &rows,
		"SELECT uid, date, internal_date FROM messages WHERE folder_id = ?", f.id)
	if err != nil {
		return nil, classify(fmt.Errorf("listing message dates in %s: %w", f.name, err))
	}
	dates := make(map[string]time.Time, len(rows))
	for _, r := range rows {
		ms := r.InternalDate
		if ms == 0 {
			ms = r.Date
		}
		dates[r.UID] = millisToTime(ms)
	}
	return dates, nil
}

const insertMessageQuery = `
	INSERT OR REPLACE INTO messages (
		folder_id, uid, flags, subject, sender, recipients,
		message_id, date, internal_date, size, headers, body, parts
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (f *sqliteFolder) AppendMessages(ctx context.Context, msgs []*model.Message) error {
	if err := f.requireWrite(); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	tx, err := f.store.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, insertMessageQuery)
	if err != nil {
		return classify(fmt.Errorf("preparing insert statement: %w", err))
	}
	defer stmt.Close()

	for _, m := range msgs {
		if m.UID == "" {
			m.UID = model.NewLocalUID()
		}
		row, err := rowFromMessage(f.id, m)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx,
			row.FolderID, row.UID, row.Flags, row.Subject, row.Sender,
			row.Recipients, row.MessageID, row.Date, row.InternalDate,
			row.Size, row.Headers, row.Body, row.Parts,
		)
		if err != nil {
			return classify(fmt.Errorf("appending message %s to %s: %w", m.UID, f.name, err))
		}
	}
	return classify(tx.Commit())
}

func (f *sqliteFolder) UpdateMessage(ctx context.Context, m *model.Message) error {
	if err := f.requireWrite(); err != nil {
		return err
	}
	row, err := rowFromMessage(f.id, m)
	if err != nil {
		return err
	}
	_, err = f.store.db.ExecContext(ctx, insertMessageQuery,
		row.FolderID, row.UID, row.Flags, row.Subject, row.Sender,
		row.Recipients, row.MessageID, row.Date, row.InternalDate,
		row.Size, row.Headers, row.Body, row.Parts,
	)
	if err != nil {
		return classify(fmt.Errorf("updating message %s in %s: %w", m.UID, f.name, err))
	}
	return nil
}

func (f *sqliteFolder) ChangeUID(ctx context.Context, oldUID, newUID string) error {
	if err := f.requireWrite(); err != nil {
		return err
	}
	_, err := f.store.db.ExecContext(ctx,
		"UPDATE messages SET uid = ? WHERE folder_id = ? AND uid = ?",
		newUID, f.id, oldUID)
	if err != nil {
		return classify(fmt.Errorf("changing uid %s -> %s in %s: %w", oldUID, newUID, f.name, err))
	}
	return nil
}

func (f *sqliteFolder) SetFlags(ctx context.Context, uids []string, flags []model.Flag, value bool) error {
	if err := f.requireWrite(); err != nil {
		return err
	}
	if len(uids) == 0 || len(flags) == 0 {
		return nil
	}

	tx, err := f.store.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Rollback()

	for _, uid := range uids {
		var encoded string
		err := tx.GetContext(ctx, &encoded,
			"SELECT flags FROM messages WHERE folder_id = ? AND uid = ?", f.id, uid)
		if err != nil {
			if isNoRows(err) {
				continue
			}
			return classify(fmt.Errorf("reading flags of %s in %s: %w", uid, f.name, err))
		}
		fs := model.ParseFlagSet(encoded)
		for _, flag := range flags {
			fs.Set(flag, value)
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE messages SET flags = ? WHERE folder_id = ? AND uid = ?",
			fs.String(), f.id, uid)
		if err != nil {
			return classify(fmt.Errorf("writing flags of %s in %s: %w", uid, f.name, err))
		}
	}
	return classify(tx.Commit())
}

func (f *sqliteFolder) SetFlagsForAllMessages(ctx context.Context, flags []model.Flag, value bool) error {
	if err := f.requireWrite(); err != nil {
		return err
	}
	var uids []string
	err := f.store.db.SelectContext(ctx, &uids,
		"SELECT uid FROM messages WHERE folder_id = ?", f.id)
	if err != nil {
		return classify(fmt.Errorf("listing uids in %s: %w", f.name, err))
	}
	return f.SetFlags(ctx, uids, flags, value)
}

func (f *sqliteFolder) DestroyMessages(ctx context.Context, uids []string) error {
	if err := f.requireWrite(); err != nil {
		return err
	}
	if len(uids) == 0 {
		return nil
	}
	tx, err := f.store.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Rollback()

	for _, uid := range uids {
		_, err := tx.ExecContext(ctx,
			"DELETE FROM messages WHERE folder_id = ? AND uid = ?", f.id, uid)
		if err != nil {
			return classify(fmt.Errorf("destroying message %s in %s: %w", uid, f.name, err))
		}
	}
	return classify(tx.Commit())
}

func (f *sqliteFolder) DestroyAllMessages(ctx context.Context) error {
	if err := f.requireWrite(); err != nil {
		return err
	}
	_, err := f.store.db.ExecContext(ctx,
		"DELETE FROM messages WHERE folder_id = ?", f.id)
	if err != nil {
		return classify(fmt.Errorf("clearing folder %s: %w", f.name, err))
	}
	return nil
}

func (f *sqliteFolder) MoveMessages(ctx context.Context, uids []string, dest LocalFolder) (map[string]string, error) {
	if err := f.requireWrite(); err != nil {
		return nil, err
	}
	destFolder, ok := dest.(*sqliteFolder)
	if !ok {
		return nil, fmt.Errorf("moving messages: destination folder is not a local sqlite folder")
	}
	if err := destFolder.requireWrite(); err != nil {
		return nil, err
	}

	uidMap := make(map[string]string, len(uids))
	tx, err := f.store.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, classify(fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Rollback()

	for _, uid := range uids {
		// Moved messages get a fresh local UID in the destination; the
		// server-assigned UID arrives later via the pending command replay.
		newUID := model.NewLocalUID()
		res, err := tx.ExecContext(ctx,
			"UPDATE messages SET folder_id = ?, uid = ? WHERE folder_id = ? AND uid = ?",
			destFolder.id, newUID, f.id, uid)
		if err != nil {
			return nil, classify(fmt.Errorf("moving message %s from %s to %s: %w",
				uid, f.name, destFolder.name, err))
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			uidMap[uid] = newUID
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(err)
	}
	return uidMap, nil
}

func (f *sqliteFolder) MessagesBeyondVisibleLimit(ctx context.Context) ([]*model.Message, error) {
	if err := f.requireOpen(); err != nil {
		return nil, err
	}
	settings, err := f.Settings(ctx)
	if err != nil {
		return nil, err
	}
	if settings.VisibleLimit <= 0 {
		return nil, nil
	}
	var rows []messageRow
	err = f.store.db.SelectContext(ctx, &rows,
		`SELECT * FROM messages WHERE folder_id = ?
		 ORDER BY internal_date DESC, id DESC LIMIT -1 OFFSET ?`,
		f.id, settings.VisibleLimit)
	if err != nil {
		return nil, classify(fmt.Errorf("listing overflow messages in %s: %w", f.name, err))
	}
	msgs := make([]*model.Message, 0, len(rows))
	for i := range rows {
		m, err := rows[i].message(f.name)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (f *sqliteFolder) OldestMessageDate(ctx context.Context) (time.Time, error) {
	if err := f.requireOpen(); err != nil {
		return time.Time{}, err
	}
	var ms int64
	err := f.store.db.GetContext(ctx, &ms,
		"SELECT COALESCE(MIN(internal_date), 0) FROM messages WHERE folder_id = ?", f.id)
	if err != nil {
		return time.Time{}, classify(fmt.Errorf("reading oldest date in %s: %w", f.name, err))
	}
	return millisToTime(ms), nil
}

func (f *sqliteFolder) Settings(ctx context.Context) (model.FolderSettings, error) {
	if err := f.requireOpen(); err != nil {
		return model.FolderSettings{}, err
	}
	var row struct {
		DisplayClass string `db:"display_class"`
		SyncClass    string `db:"sync_class"`
		PushClass    string `db:"push_class"`
		NotifyClass  string `db:"notify_class"`
		VisibleLimit int    `db:"visible_limit"`
	}
	err := f.store.db.GetContext(ctx, &row,
		`SELECT display_class, sync_class, push_class, notify_class, visible_limit
		 FROM folders WHERE id = ?`, f.id)
	if err != nil {
		return model.FolderSettings{}, classify(fmt.Errorf("reading settings of %s: %w", f.name, err))
	}
	return model.FolderSettings{
		DisplayClass: model.FolderClass(row.DisplayClass),
		SyncClass:    model.FolderClass(row.SyncClass),
		PushClass:    model.FolderClass(row.PushClass),
		NotifyClass:  model.FolderClass(row.NotifyClass),
		VisibleLimit: row.VisibleLimit,
	}, nil
}

func (f *sqliteFolder) SetSettings(ctx context.Context, s model.FolderSettings) error {
	if err := f.requireWrite(); err != nil {
		return err
	}
	_, err := f.store.db.ExecContext(ctx,
		`UPDATE folders SET display_class = ?, sync_class = ?, push_class = ?,
		 notify_class = ?, visible_limit = ? WHERE id = ?`,
		string(s.DisplayClass), string(s.SyncClass), string(s.PushClass),
		string(s.NotifyClass), s.VisibleLimit, f.id)
	if err != nil {
		return classify(fmt.Errorf("writing settings of %s: %w", f.name, err))
	}
	return nil
}

func (f *sqliteFolder) Status(ctx context.Context) (string, error) {
	return f.getText(ctx, "status")
}

func (f *sqliteFolder) SetStatus(ctx context.Context, status string) error {
	return f.setColumn(ctx, "status", status)
}

func (f *sqliteFolder) LastChecked(ctx context.Context) (time.Time, error) {
	if err := f.requireOpen(); err != nil {
		return time.Time{}, err
	}
	var ms int64
	err := f.store.db.GetContext(ctx, &ms,
		"SELECT last_checked FROM folders WHERE id = ?", f.id)
	if err != nil {
		return time.Time{}, classify(fmt.Errorf("reading last checked of %s: %w", f.name, err))
	}
	return millisToTime(ms), nil
}

func (f *sqliteFolder) SetLastChecked(ctx context.Context, t time.Time) error {
	return f.setColumn(ctx, "last_checked", timeToMillis(t))
}

func (f *sqliteFolder) SetLastPush(ctx context.Context, t time.Time) error {
	return f.setColumn(ctx, "last_pushed", timeToMillis(t))
}

func (f *sqliteFolder) MoreMessages(ctx context.Context) (model.MoreMessages, error) {
	s, err := f.getText(ctx, "more_messages")
	if err != nil {
		return model.MoreMessagesUnknown, err
	}
	return model.MoreMessages(s), nil
}

func (f *sqliteFolder) SetMoreMessages(ctx context.Context, m model.MoreMessages) error {
	return f.setColumn(ctx, "more_messages", string(m))
}

func (f *sqliteFolder) PushState(ctx context.Context) (string, error) {
	return f.getText(ctx, "push_state")
}

func (f *sqliteFolder) SetPushState(ctx context.Context, state string) error {
	return f.setColumn(ctx, "push_state", state)
}

func (f *sqliteFolder) LastNotifiedUID(ctx context.Context) (int64, error) {
	if err := f.requireOpen(); err != nil {
		return 0, err
	}
	var uid int64
	err := f.store.db.GetContext(ctx, &uid,
		"SELECT last_notified_uid FROM folders WHERE id = ?", f.id)
	if err != nil {
		return 0, classify(fmt.Errorf("reading last notified uid of %s: %w", f.name, err))
	}
	return uid, nil
}

func (f *sqliteFolder) SetLastNotifiedUID(ctx context.Context, uid int64) error {
	return f.setColumn(ctx, "last_notified_uid", uid)
}

// getText reads one text column of the folder row. The column name is
// always a compile-time constant.
func (f *sqliteFolder) getText(ctx context.Context, column string) (string, error) {
	if err := f.requireOpen(); err != nil {
		return "", err
	}
	var value string
	err := f.store.db.GetContext(ctx, &value,
		"SELECT "+column+" FROM folders WHERE id = ?", f.id)
	if err != nil {
		return "", classify(fmt.Errorf("reading %s of %s: %w", column, f.name, err))
	}
	return value, nil
}

func (f *sqliteFolder) setColumn(ctx context.Context, column string, value any) error {
	if err := f.requireWrite(); err != nil {
		return err
	}
	_, err := f.store.db.ExecContext(ctx,
		"UPDATE folders SET "+column+" = ? WHERE id = ?", value, f.id)
	if err != nil {
		return classify(fmt.Errorf("writing %s of %s: %w", column, f.name, err))
	}
	return nil
}
