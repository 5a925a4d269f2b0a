package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite" // registers the sqlite driver

	"github.com/breakwater-travel/intake-cli/internal/model"
)

// sqlRunner is the database/sql surface shared by *sql.DB and *sql.Tx so
// store methods run unchanged inside WithTx.
type sqlRunner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements Store using modernc.org/sqlite. It exists for local
// development and tests; claim atomicity relies on SQLite's single-writer
// transaction model rather than row locks.
type SQLiteStore struct {
	db    sqlRunner
	sqlDB *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Claims depend on serialized writes and the pragmas below are
	// per-connection, so the pool is pinned to a single connection.
	sqlDB.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: sqlDB, sqlDB: sqlDB}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS tasks (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	task_type     TEXT NOT NULL,
	payload       TEXT NOT NULL DEFAULT '{}',
	status        TEXT NOT NULL DEFAULT 'pending',
	attempts      INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL,
	scheduled_for DATETIME NOT NULL,
	claimed_at    DATETIME,
	processed_at  DATETIME,
	last_error    TEXT
);

CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, scheduled_for, id);

CREATE TABLE IF NOT EXISTS inquiries (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	primary_identity TEXT NOT NULL UNIQUE,
	status           TEXT NOT NULL DEFAULT 'new',
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS extracted_data (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	inquiry_id        INTEGER NOT NULL UNIQUE REFERENCES inquiries(id),
	data              TEXT NOT NULL DEFAULT '{}',
	extraction_source TEXT NOT NULL DEFAULT 'none',
	validation_status TEXT NOT NULL DEFAULT 'Incomplete',
	missing_fields    TEXT NOT NULL DEFAULT '',
	updated_by        TEXT,
	updated_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS email_messages (
	id                TEXT PRIMARY KEY,
	inquiry_id        INTEGER REFERENCES inquiries(id),
	sender_identity   TEXT NOT NULL DEFAULT '',
	subject           TEXT NOT NULL DEFAULT '',
	body              TEXT NOT NULL DEFAULT '',
	body_preview      TEXT NOT NULL DEFAULT '',
	intent            TEXT NOT NULL DEFAULT '',
	received_at       DATETIME,
	processing_status TEXT NOT NULL DEFAULT 'pending',
	processing_error  TEXT,
	created_at        DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_email_messages_inquiry ON email_messages(inquiry_id);

CREATE TABLE IF NOT EXISTS chat_messages (
	id                TEXT PRIMARY KEY,
	inquiry_id        INTEGER REFERENCES inquiries(id),
	chat_id           TEXT NOT NULL,
	sender_number     TEXT NOT NULL DEFAULT '',
	from_me           INTEGER NOT NULL DEFAULT 0,
	message_type      TEXT NOT NULL DEFAULT 'chat',
	body              TEXT NOT NULL DEFAULT '',
	media_url         TEXT NOT NULL DEFAULT '',
	media_mime_type   TEXT NOT NULL DEFAULT '',
	media_caption     TEXT NOT NULL DEFAULT '',
	media_filename    TEXT NOT NULL DEFAULT '',
	location          TEXT NOT NULL DEFAULT '',
	sent_at           DATETIME,
	received_at       DATETIME NOT NULL,
	processing_status TEXT NOT NULL DEFAULT 'pending',
	processing_error  TEXT,
	created_at        DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_chat ON chat_messages(chat_id);
CREATE INDEX IF NOT EXISTS idx_chat_messages_inquiry ON chat_messages(inquiry_id);

CREATE TABLE IF NOT EXISTS email_attachments (
	id           TEXT NOT NULL,
	message_id   TEXT NOT NULL REFERENCES email_messages(id),
	name         TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT '',
	size_bytes   INTEGER NOT NULL DEFAULT 0,
	is_inline    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (message_id, id)
);

CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "SELECT 1")
	return eris.Wrap(err, "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	if s.sqlDB != nil {
		return s.sqlDB.Close()
	}
	return nil
}

func (s *SQLiteStore) EnqueueTask(ctx context.Context, taskType model.TaskType, payload json.RawMessage, scheduledFor time.Time) (*model.Task, error) {
	now := time.Now().UTC()
	if scheduledFor.IsZero() {
		scheduledFor = now
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (task_type, payload, status, scheduled_for, created_at) VALUES (?, ?, 'pending', ?, ?)`,
		string(taskType), string(payload), scheduledFor, now)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: enqueue %s", taskType)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: enqueue last insert id")
	}
	return &model.Task{
		ID:           id,
		Type:         taskType,
		Payload:      payload,
		Status:       model.TaskStatusPending,
		CreatedAt:    now,
		ScheduledFor: scheduledFor,
	}, nil
}

func (s *SQLiteStore) ClaimTask(ctx context.Context, now time.Time, staleBefore time.Time) (*model.Task, error) {
	// A single UPDATE is atomic under SQLite's write lock, which stands in
	// for Postgres row locking here.
	row := s.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = 'processing', attempts = attempts + 1, claimed_at = ?
		WHERE id = (
			SELECT id FROM tasks
			WHERE (status = 'pending' AND scheduled_for <= ?)
			   OR (status = 'processing' AND claimed_at < ?)
			ORDER BY scheduled_for, id
			LIMIT 1
		)
		RETURNING id, task_type, payload, status, attempts, created_at, scheduled_for, claimed_at, processed_at, last_error`,
		now, now, staleBefore)
	t, err := scanSQLiteTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: claim task")
	}
	return t, nil
}

func (s *SQLiteStore) MarkTaskSuccess(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = 'success', processed_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark task %d success", id)
	}
	return checkRowsAffected(res, "task", fmt.Sprint(id))
}

func (s *SQLiteStore) MarkTaskRetry(ctx context.Context, id int64, errMsg string, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = 'pending', scheduled_for = ?, last_error = ? WHERE id = ?`, nextRun, truncateError(errMsg), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark task %d retry", id)
	}
	return checkRowsAffected(res, "task", fmt.Sprint(id))
}

func (s *SQLiteStore) MarkTaskFailed(ctx context.Context, id int64, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = 'failed', processed_at = ?, last_error = ? WHERE id = ?`, time.Now().UTC(), truncateError(errMsg), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark task %d failed", id)
	}
	return checkRowsAffected(res, "task", fmt.Sprint(id))
}

func (s *SQLiteStore) RequeueTask(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = 'pending', attempts = 0, scheduled_for = ?, last_error = NULL WHERE id = ? AND status = 'failed'`, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: requeue task %d", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf("sqlite: task %d is not failed", id)
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, task_type, payload, status, attempts, created_at, scheduled_for, claimed_at, processed_at, last_error FROM tasks WHERE id = ?`, id)
	t, err := scanSQLiteTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get task %d", id)
	}
	return t, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]model.Task, error) {
	query := `SELECT id, task_type, payload, status, attempts, created_at, scheduled_for, claimed_at, processed_at, last_error FROM tasks WHERE 1=1`
	args := []any{}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Type != "" {
		query += ` AND task_type = ?`
		args = append(args, string(filter.Type))
	}
	query += ` ORDER BY id DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list tasks")
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan task")
		}
		tasks = append(tasks, *t)
	}
	return tasks, eris.Wrap(rows.Err(), "sqlite: list tasks rows")
}

func (s *SQLiteStore) TaskStats(ctx context.Context, now time.Time) (*TaskStats, error) {
	var stats TaskStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM tasks WHERE status = 'pending'),
			(SELECT COUNT(*) FROM tasks WHERE status = 'processing'),
			(SELECT COUNT(*) FROM tasks WHERE status = 'success'),
			(SELECT COUNT(*) FROM tasks WHERE status = 'failed'),
			(SELECT COUNT(*) FROM tasks WHERE status = 'pending' AND scheduled_for <= ?)`,
		now).Scan(&stats.Pending, &stats.Processing, &stats.Success, &stats.Failed, &stats.DueNow)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: task stats")
	}

	var oldest time.Time
	err = s.db.QueryRowContext(ctx, `SELECT scheduled_for FROM tasks WHERE status = 'pending' ORDER BY scheduled_for LIMIT 1`).Scan(&oldest)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, eris.Wrap(err, "sqlite: oldest pending")
	default:
		stats.OldestPending = &oldest
	}
	return &stats, nil
}

func (s *SQLiteStore) GetInquiry(ctx context.Context, id int64) (*model.Inquiry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, primary_identity, status, created_at, updated_at FROM inquiries WHERE id = ?`, id)
	inq, err := scanSQLiteInquiry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get inquiry %d", id)
	}
	return inq, nil
}

func (s *SQLiteStore) GetInquiryByIdentity(ctx context.Context, identity string, forUpdate bool) (*model.Inquiry, error) {
	// forUpdate is a no-op: SQLite serializes writers globally.
	_ = forUpdate
	row := s.db.QueryRowContext(ctx, `SELECT id, primary_identity, status, created_at, updated_at FROM inquiries WHERE primary_identity = ?`, identity)
	inq, err := scanSQLiteInquiry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get inquiry by identity %s", identity)
	}
	return inq, nil
}

func (s *SQLiteStore) CreateInquiry(ctx context.Context, identity string) (*model.Inquiry, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO inquiries (primary_identity, status, created_at, updated_at) VALUES (?, 'new', ?, ?)
		ON CONFLICT (primary_identity) DO NOTHING`,
		identity, now, now)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: create inquiry %s", identity)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, eris.Wrapf(err, "sqlite: create inquiry %s", identity)
	} else if n == 0 {
		return nil, eris.Wrapf(ErrDuplicate, "sqlite: inquiry %s exists", identity)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: inquiry last insert id")
	}
	return &model.Inquiry{
		ID:              id,
		PrimaryIdentity: identity,
		Status:          model.InquiryStatusNew,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func (s *SQLiteStore) UpdateInquiryStatus(ctx context.Context, id int64, status model.InquiryStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE inquiries SET status = ?, updated_at = ? WHERE id = ?`, string(status), time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update inquiry %d status", id)
	}
	return checkRowsAffected(res, "inquiry", fmt.Sprint(id))
}

func (s *SQLiteStore) ListInquiries(ctx context.Context, filter InquiryFilter) ([]model.Inquiry, error) {
	query := `SELECT id, primary_identity, status, created_at, updated_at FROM inquiries WHERE 1=1`
	args := []any{}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY updated_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list inquiries")
	}
	defer rows.Close()

	var inquiries []model.Inquiry
	for rows.Next() {
		inq, err := scanSQLiteInquiry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan inquiry")
		}
		inquiries = append(inquiries, *inq)
	}
	return inquiries, eris.Wrap(rows.Err(), "sqlite: list inquiries rows")
}

func (s *SQLiteStore) InquiryStatusCounts(ctx context.Context) (map[model.InquiryStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM inquiries GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: inquiry status counts")
	}
	defer rows.Close()

	counts := make(map[model.InquiryStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status count")
		}
		counts[model.InquiryStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: inquiry status counts rows")
}

func (s *SQLiteStore) GetExtractedData(ctx context.Context, inquiryID int64, forUpdate bool) (*model.ExtractedData, error) {
	_ = forUpdate
	var ed model.ExtractedData
	var dataJSON, missing string
	var updatedBy sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, inquiry_id, data, extraction_source, validation_status, missing_fields, updated_by, updated_at FROM extracted_data WHERE inquiry_id = ?`,
		inquiryID).
		Scan(&ed.ID, &ed.InquiryID, &dataJSON, &ed.Source, &ed.ValidationStatus, &missing, &updatedBy, &ed.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get extracted data for inquiry %d", inquiryID)
	}
	if err := json.Unmarshal([]byte(dataJSON), &ed.Data); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal extracted data")
	}
	ed.MissingFields = splitFields(missing)
	ed.UpdatedBy = updatedBy.String
	return &ed, nil
}

func (s *SQLiteStore) UpsertExtractedData(ctx context.Context, data *model.ExtractedData) error {
	dataJSON, err := json.Marshal(data.Data)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal extracted data")
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO extracted_data (inquiry_id, data, extraction_source, validation_status, missing_fields, updated_by, updated_at)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?)
		ON CONFLICT (inquiry_id) DO UPDATE SET
			data = excluded.data,
			extraction_source = excluded.extraction_source,
			validation_status = excluded.validation_status,
			missing_fields = excluded.missing_fields,
			updated_by = COALESCE(excluded.updated_by, extracted_data.updated_by),
			updated_at = excluded.updated_at`,
		data.InquiryID, string(dataJSON), string(data.Source), string(data.ValidationStatus),
		joinFields(data.MissingFields), data.UpdatedBy, now)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert extracted data for inquiry %d", data.InquiryID)
	}
	data.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) UpdateExtractedField(ctx context.Context, inquiryID int64, field, value, updatedBy string) error {
	if field == "" {
		return eris.New("sqlite: field name is required")
	}
	patch, err := json.Marshal(map[string]string{field: value})
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal field patch")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO extracted_data (inquiry_id, data, extraction_source, validation_status, updated_by, updated_at)
		VALUES (?, ?, 'manual', 'Manually Corrected', ?, ?)
		ON CONFLICT (inquiry_id) DO UPDATE SET
			data = json_patch(extracted_data.data, excluded.data),
			validation_status = 'Manually Corrected',
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at`,
		inquiryID, string(patch), updatedBy, time.Now().UTC())
	return eris.Wrapf(err, "sqlite: update field %s for inquiry %d", field, inquiryID)
}

func (s *SQLiteStore) GetEmailMessage(ctx context.Context, id string) (*model.EmailMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, inquiry_id, sender_identity, subject, body, body_preview, intent, received_at, processing_status, processing_error, created_at FROM email_messages WHERE id = ?`, id)
	msg, err := scanSQLiteEmail(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get email message %s", id)
	}
	return msg, nil
}

func (s *SQLiteStore) InsertEmailMessage(ctx context.Context, msg *model.EmailMessage) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO email_messages (id, inquiry_id, sender_identity, subject, body, body_preview, intent, received_at, processing_status, processing_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?)
		ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.InquiryID, msg.SenderIdentity, msg.Subject, msg.Body, msg.BodyPreview,
		string(msg.Intent), msg.ReceivedAt, string(msg.ProcessingState), msg.ProcessingError, now)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert email message %s", msg.ID)
	}
	if n, err := res.RowsAffected(); err != nil {
		return eris.Wrapf(err, "sqlite: insert email message %s", msg.ID)
	} else if n == 0 {
		return eris.Wrapf(ErrDuplicate, "sqlite: email message %s", msg.ID)
	}
	msg.CreatedAt = now
	return nil
}

func (s *SQLiteStore) RecordEmailFailure(ctx context.Context, msg *model.EmailMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_messages (id, sender_identity, subject, body_preview, intent, received_at, processing_status, processing_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'error', ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			processing_status = 'error',
			processing_error = excluded.processing_error
		WHERE email_messages.processing_status <> 'processed'`,
		msg.ID, msg.SenderIdentity, msg.Subject, msg.BodyPreview, string(msg.Intent),
		msg.ReceivedAt, truncateError(msg.ProcessingError), time.Now().UTC())
	return eris.Wrapf(err, "sqlite: record email failure %s", msg.ID)
}

func (s *SQLiteStore) GetChatMessage(ctx context.Context, id string) (*model.ChatMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, inquiry_id, chat_id, sender_number, from_me, message_type, body, media_url, media_mime_type, media_caption, media_filename, location, sent_at, received_at, processing_status, processing_error, created_at FROM chat_messages WHERE id = ?`, id)
	msg, err := scanSQLiteChat(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get chat message %s", id)
	}
	return msg, nil
}

func (s *SQLiteStore) InsertChatMessage(ctx context.Context, msg *model.ChatMessage) error {
	now := time.Now().UTC()
	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = now
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, inquiry_id, chat_id, sender_number, from_me, message_type, body, media_url, media_mime_type, media_caption, media_filename, location, sent_at, received_at, processing_status, processing_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?)
		ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.InquiryID, msg.ChatID, msg.SenderNumber, msg.FromMe, msg.MessageType,
		msg.Body, msg.MediaURL, msg.MediaMimeType, msg.MediaCaption, msg.MediaFilename,
		msg.Location, msg.SentAt, receivedAt, string(msg.ProcessingState), msg.ProcessingError, now)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert chat message %s", msg.ID)
	}
	if n, err := res.RowsAffected(); err != nil {
		return eris.Wrapf(err, "sqlite: insert chat message %s", msg.ID)
	} else if n == 0 {
		return eris.Wrapf(ErrDuplicate, "sqlite: chat message %s", msg.ID)
	}
	msg.CreatedAt = now
	return nil
}

func (s *SQLiteStore) RecordChatFailure(ctx context.Context, msg *model.ChatMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, chat_id, sender_number, message_type, body, received_at, processing_status, processing_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'error', ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			processing_status = 'error',
			processing_error = excluded.processing_error
		WHERE chat_messages.processing_status <> 'processed'`,
		msg.ID, msg.ChatID, msg.SenderNumber, msg.MessageType, msg.Body,
		time.Now().UTC(), truncateError(msg.ProcessingError), time.Now().UTC())
	return eris.Wrapf(err, "sqlite: record chat failure %s", msg.ID)
}

func (s *SQLiteStore) ListEmailMessages(ctx context.Context, inquiryID int64) ([]model.EmailMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, inquiry_id, sender_identity, subject, body, body_preview, intent, received_at, processing_status, processing_error, created_at FROM email_messages WHERE inquiry_id = ? ORDER BY received_at`,
		inquiryID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list email messages for inquiry %d", inquiryID)
	}
	defer rows.Close()

	var msgs []model.EmailMessage
	for rows.Next() {
		msg, err := scanSQLiteEmail(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan email message")
		}
		msgs = append(msgs, *msg)
	}
	return msgs, eris.Wrap(rows.Err(), "sqlite: list email messages rows")
}

func (s *SQLiteStore) ListChatMessages(ctx context.Context, inquiryID int64) ([]model.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, inquiry_id, chat_id, sender_number, from_me, message_type, body, media_url, media_mime_type, media_caption, media_filename, location, sent_at, received_at, processing_status, processing_error, created_at FROM chat_messages WHERE inquiry_id = ? ORDER BY received_at`,
		inquiryID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list chat messages for inquiry %d", inquiryID)
	}
	defer rows.Close()

	var msgs []model.ChatMessage
	for rows.Next() {
		msg, err := scanSQLiteChat(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan chat message")
		}
		msgs = append(msgs, *msg)
	}
	return msgs, eris.Wrap(rows.Err(), "sqlite: list chat messages rows")
}

func (s *SQLiteStore) SaveAttachmentMeta(ctx context.Context, att model.AttachmentMeta) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_attachments (id, message_id, name, content_type, size_bytes, is_inline)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (message_id, id) DO NOTHING`,
		att.ID, att.MessageID, att.Name, att.ContentType, att.SizeBytes, att.IsInline)
	return eris.Wrapf(err, "sqlite: save attachment %s", att.ID)
}

func (s *SQLiteStore) ListAttachmentMeta(ctx context.Context, messageID string) ([]model.AttachmentMeta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, name, content_type, size_bytes, is_inline FROM email_attachments WHERE message_id = ? ORDER BY name`,
		messageID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list attachments for %s", messageID)
	}
	defer rows.Close()

	var atts []model.AttachmentMeta
	for rows.Next() {
		var a model.AttachmentMeta
		if err := rows.Scan(&a.ID, &a.MessageID, &a.Name, &a.ContentType, &a.SizeBytes, &a.IsInline); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan attachment")
		}
		atts = append(atts, a)
	}
	return atts, eris.Wrap(rows.Err(), "sqlite: list attachments rows")
}

func (s *SQLiteStore) MaxEmailReceivedAt(ctx context.Context) (*time.Time, error) {
	var latest time.Time
	err := s.db.QueryRowContext(ctx, `SELECT received_at FROM email_messages WHERE received_at IS NOT NULL ORDER BY received_at DESC LIMIT 1`).Scan(&latest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: max email received_at")
	}
	return &latest, nil
}

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: get setting %s", key)
	}
	return value, nil
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	return eris.Wrapf(err, "sqlite: set setting %s", key)
}

// WithTx runs fn in a transaction. A nested call joins the outer
// transaction instead of opening a new one.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if s.sqlDB == nil {
		return fn(s)
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&SQLiteStore{db: tx}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func scanSQLiteTask(row scanner) (*model.Task, error) {
	var t model.Task
	var payload string
	var claimedAt, processedAt sql.NullTime
	var lastErr sql.NullString
	if err := row.Scan(&t.ID, &t.Type, &payload, &t.Status, &t.Attempts,
		&t.CreatedAt, &t.ScheduledFor, &claimedAt, &processedAt, &lastErr); err != nil {
		return nil, err
	}
	t.Payload = json.RawMessage(payload)
	if claimedAt.Valid {
		t.ClaimedAt = &claimedAt.Time
	}
	if processedAt.Valid {
		t.ProcessedAt = &processedAt.Time
	}
	t.LastError = lastErr.String
	return &t, nil
}

func scanSQLiteInquiry(row scanner) (*model.Inquiry, error) {
	var inq model.Inquiry
	if err := row.Scan(&inq.ID, &inq.PrimaryIdentity, &inq.Status, &inq.CreatedAt, &inq.UpdatedAt); err != nil {
		return nil, err
	}
	return &inq, nil
}

func scanSQLiteEmail(row scanner) (*model.EmailMessage, error) {
	var msg model.EmailMessage
	var inquiryID sql.NullInt64
	var receivedAt sql.NullTime
	var procErr sql.NullString
	if err := row.Scan(&msg.ID, &inquiryID, &msg.SenderIdentity, &msg.Subject, &msg.Body,
		&msg.BodyPreview, &msg.Intent, &receivedAt, &msg.ProcessingState, &procErr, &msg.CreatedAt); err != nil {
		return nil, err
	}
	if inquiryID.Valid {
		msg.InquiryID = &inquiryID.Int64
	}
	if receivedAt.Valid {
		msg.ReceivedAt = receivedAt.Time
	}
	msg.ProcessingError = procErr.String
	return &msg, nil
}

func scanSQLiteChat(row scanner) (*model.ChatMessage, error) {
	var msg model.ChatMessage
	var inquiryID sql.NullInt64
	var sentAt sql.NullTime
	var procErr sql.NullString
	if err := row.Scan(&msg.ID, &inquiryID, &msg.ChatID, &msg.SenderNumber, &msg.FromMe,
		&msg.MessageType, &msg.Body, &msg.MediaURL, &msg.MediaMimeType, &msg.MediaCaption,
		&msg.MediaFilename, &msg.Location, &sentAt, &msg.ReceivedAt, &msg.ProcessingState,
		&procErr, &msg.CreatedAt); err != nil {
		return nil, err
	}
	if inquiryID.Valid {
		msg.InquiryID = &inquiryID.Int64
	}
	if sentAt.Valid {
		msg.SentAt = sentAt.Time
	}
	msg.ProcessingError = procErr.String
	return &msg, nil
}
