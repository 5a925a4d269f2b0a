package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/breakwater-travel/intake-cli/internal/db"
	"github.com/breakwater-travel/intake-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const sqlClaimTask = `
UPDATE tasks
SET status = 'processing', attempts = attempts + 1, claimed_at = $1
WHERE id = (
	SELECT id FROM tasks
	WHERE (status = 'pending' AND scheduled_for <= $1)
	   OR (status = 'processing' AND claimed_at < $2)
	ORDER BY scheduled_for, id
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING id, task_type, payload, status, attempts, created_at, scheduled_for, claimed_at, processed_at, last_error`

const sqlEnqueueTask = `INSERT INTO tasks (task_type, payload, status, scheduled_for, created_at) VALUES ($1, $2, 'pending', $3, $4) RETURNING id`

const taskColumns = `id, task_type, payload, status, attempts, created_at, scheduled_for, claimed_at, processed_at, last_error`

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"claim_task":        sqlClaimTask,
	"enqueue_task":      sqlEnqueueTask,
	"mark_task_success": `UPDATE tasks SET status = 'success', processed_at = $1 WHERE id = $2`,
	"mark_task_retry":   `UPDATE tasks SET status = 'pending', scheduled_for = $1, last_error = $2 WHERE id = $3`,
	"mark_task_failed":  `UPDATE tasks SET status = 'failed', processed_at = $1, last_error = $2 WHERE id = $3`,
	"get_email_message": `SELECT id, inquiry_id, sender_identity, subject, body, body_preview, intent, received_at, processing_status, processing_error, created_at FROM email_messages WHERE id = $1`,
	"get_chat_message":  `SELECT id, inquiry_id, chat_id, sender_number, from_me, message_type, body, media_url, media_mime_type, media_caption, media_filename, location, sent_at, received_at, processing_status, processing_error, created_at FROM chat_messages WHERE id = $1`,
	"get_setting":       `SELECT value FROM settings WHERE key = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need direct
// query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS tasks (
	id            BIGSERIAL PRIMARY KEY,
	task_type     TEXT NOT NULL,
	payload       JSONB NOT NULL DEFAULT '{}',
	status        TEXT NOT NULL DEFAULT 'pending',
	attempts      INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	scheduled_for TIMESTAMPTZ NOT NULL DEFAULT now(),
	claimed_at    TIMESTAMPTZ,
	processed_at  TIMESTAMPTZ,
	last_error    TEXT
);

CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, scheduled_for, id);
CREATE INDEX IF NOT EXISTS idx_tasks_type ON tasks(task_type);

CREATE TABLE IF NOT EXISTS inquiries (
	id               BIGSERIAL PRIMARY KEY,
	primary_identity TEXT NOT NULL UNIQUE,
	status           TEXT NOT NULL DEFAULT 'new',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_inquiries_status ON inquiries(status);

CREATE TABLE IF NOT EXISTS extracted_data (
	id                BIGSERIAL PRIMARY KEY,
	inquiry_id        BIGINT NOT NULL UNIQUE REFERENCES inquiries(id),
	data              JSONB NOT NULL DEFAULT '{}',
	extraction_source TEXT NOT NULL DEFAULT 'none',
	validation_status TEXT NOT NULL DEFAULT 'Incomplete',
	missing_fields    TEXT NOT NULL DEFAULT '',
	updated_by        TEXT,
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS email_messages (
	id                TEXT PRIMARY KEY,
	inquiry_id        BIGINT REFERENCES inquiries(id),
	sender_identity   TEXT NOT NULL DEFAULT '',
	subject           TEXT NOT NULL DEFAULT '',
	body              TEXT NOT NULL DEFAULT '',
	body_preview      TEXT NOT NULL DEFAULT '',
	intent            TEXT NOT NULL DEFAULT '',
	received_at       TIMESTAMPTZ,
	processing_status TEXT NOT NULL DEFAULT 'pending',
	processing_error  TEXT,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_email_messages_inquiry ON email_messages(inquiry_id);
CREATE INDEX IF NOT EXISTS idx_email_messages_received ON email_messages(received_at DESC);

CREATE TABLE IF NOT EXISTS chat_messages (
	id                TEXT PRIMARY KEY,
	inquiry_id        BIGINT REFERENCES inquiries(id),
	chat_id           TEXT NOT NULL,
	sender_number     TEXT NOT NULL DEFAULT '',
	from_me           BOOLEAN NOT NULL DEFAULT false,
	message_type      TEXT NOT NULL DEFAULT 'chat',
	body              TEXT NOT NULL DEFAULT '',
	media_url         TEXT NOT NULL DEFAULT '',
	media_mime_type   TEXT NOT NULL DEFAULT '',
	media_caption     TEXT NOT NULL DEFAULT '',
	media_filename    TEXT NOT NULL DEFAULT '',
	location          TEXT NOT NULL DEFAULT '',
	sent_at           TIMESTAMPTZ,
	received_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	processing_status TEXT NOT NULL DEFAULT 'pending',
	processing_error  TEXT,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_chat ON chat_messages(chat_id);
CREATE INDEX IF NOT EXISTS idx_chat_messages_inquiry ON chat_messages(inquiry_id);

CREATE TABLE IF NOT EXISTS email_attachments (
	id           TEXT NOT NULL,
	message_id   TEXT NOT NULL REFERENCES email_messages(id),
	name         TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT '',
	size_bytes   BIGINT NOT NULL DEFAULT 0,
	is_inline    BOOLEAN NOT NULL DEFAULT false,
	PRIMARY KEY (message_id, id)
);

CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) EnqueueTask(ctx context.Context, taskType model.TaskType, payload json.RawMessage, scheduledFor time.Time) (*model.Task, error) {
	now := time.Now().UTC()
	if scheduledFor.IsZero() {
		scheduledFor = now
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	t := model.Task{
		Type:         taskType,
		Payload:      payload,
		Status:       model.TaskStatusPending,
		CreatedAt:    now,
		ScheduledFor: scheduledFor,
	}
	err := s.pool.QueryRow(ctx, sqlEnqueueTask, string(taskType), []byte(payload), scheduledFor, now).Scan(&t.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: enqueue %s", taskType)
	}
	return &t, nil
}

func (s *PostgresStore) ClaimTask(ctx context.Context, now time.Time, staleBefore time.Time) (*model.Task, error) {
	row := s.pool.QueryRow(ctx, sqlClaimTask, now, staleBefore)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: claim task")
	}
	return t, nil
}

func (s *PostgresStore) MarkTaskSuccess(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE tasks SET status = 'success', processed_at = $1 WHERE id = $2`, time.Now().UTC(), id)
	return eris.Wrapf(err, "postgres: mark task %d success", id)
}

func (s *PostgresStore) MarkTaskRetry(ctx context.Context, id int64, errMsg string, nextRun time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE tasks SET status = 'pending', scheduled_for = $1, last_error = $2 WHERE id = $3`, nextRun, truncateError(errMsg), id)
	return eris.Wrapf(err, "postgres: mark task %d retry", id)
}

func (s *PostgresStore) MarkTaskFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := s.pool.Exec(ctx, `UPDATE tasks SET status = 'failed', processed_at = $1, last_error = $2 WHERE id = $3`, time.Now().UTC(), truncateError(errMsg), id)
	return eris.Wrapf(err, "postgres: mark task %d failed", id)
}

func (s *PostgresStore) RequeueTask(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `UPDATE tasks SET status = 'pending', attempts = 0, scheduled_for = $1, last_error = NULL WHERE id = $2 AND status = 'failed'`, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: requeue task %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: task %d is not failed", id)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get task %d", id)
	}
	return t, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter TaskFilter) ([]model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Type != "" {
		query += fmt.Sprintf(` AND task_type = $%d`, argIdx)
		args = append(args, string(filter.Type))
		argIdx++
	}
	query += ` ORDER BY id DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list tasks")
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan task")
		}
		tasks = append(tasks, *t)
	}
	return tasks, eris.Wrap(rows.Err(), "postgres: list tasks rows")
}

func (s *PostgresStore) TaskStats(ctx context.Context, now time.Time) (*TaskStats, error) {
	var stats TaskStats
	var oldest *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'success'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'pending' AND scheduled_for <= $1),
			MIN(scheduled_for) FILTER (WHERE status = 'pending')
		FROM tasks`, now).
		Scan(&stats.Pending, &stats.Processing, &stats.Success, &stats.Failed, &stats.DueNow, &oldest)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: task stats")
	}
	stats.OldestPending = oldest
	return &stats, nil
}

func (s *PostgresStore) GetInquiry(ctx context.Context, id int64) (*model.Inquiry, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, primary_identity, status, created_at, updated_at FROM inquiries WHERE id = $1`, id)
	inq, err := scanInquiry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get inquiry %d", id)
	}
	return inq, nil
}

func (s *PostgresStore) GetInquiryByIdentity(ctx context.Context, identity string, forUpdate bool) (*model.Inquiry, error) {
	query := `SELECT id, primary_identity, status, created_at, updated_at FROM inquiries WHERE primary_identity = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	row := s.pool.QueryRow(ctx, query, identity)
	inq, err := scanInquiry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get inquiry by identity %s", identity)
	}
	return inq, nil
}

func (s *PostgresStore) CreateInquiry(ctx context.Context, identity string) (*model.Inquiry, error) {
	now := time.Now().UTC()
	inq := model.Inquiry{
		PrimaryIdentity: identity,
		Status:          model.InquiryStatusNew,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	// DO NOTHING keeps a lost insert race from aborting the enclosing
	// transaction; the conflict surfaces as an empty RETURNING set.
	err := s.pool.QueryRow(ctx,
		`INSERT INTO inquiries (primary_identity, status, created_at, updated_at) VALUES ($1, 'new', $2, $2)
		ON CONFLICT (primary_identity) DO NOTHING RETURNING id`,
		identity, now).Scan(&inq.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrDuplicate, "postgres: inquiry %s exists", identity)
		}
		return nil, eris.Wrapf(err, "postgres: create inquiry %s", identity)
	}
	return &inq, nil
}

func (s *PostgresStore) UpdateInquiryStatus(ctx context.Context, id int64, status model.InquiryStatus) error {
	_, err := s.pool.Exec(ctx, `UPDATE inquiries SET status = $1, updated_at = $2 WHERE id = $3`, string(status), time.Now().UTC(), id)
	return eris.Wrapf(err, "postgres: update inquiry %d status", id)
}

func (s *PostgresStore) ListInquiries(ctx context.Context, filter InquiryFilter) ([]model.Inquiry, error) {
	query := `SELECT id, primary_identity, status, created_at, updated_at FROM inquiries WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY updated_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list inquiries")
	}
	defer rows.Close()

	var inquiries []model.Inquiry
	for rows.Next() {
		inq, err := scanInquiry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan inquiry")
		}
		inquiries = append(inquiries, *inq)
	}
	return inquiries, eris.Wrap(rows.Err(), "postgres: list inquiries rows")
}

func (s *PostgresStore) InquiryStatusCounts(ctx context.Context) (map[model.InquiryStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM inquiries GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: inquiry status counts")
	}
	defer rows.Close()

	counts := make(map[model.InquiryStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status count")
		}
		counts[model.InquiryStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: inquiry status counts rows")
}

func (s *PostgresStore) GetExtractedData(ctx context.Context, inquiryID int64, forUpdate bool) (*model.ExtractedData, error) {
	query := `SELECT id, inquiry_id, data, extraction_source, validation_status, missing_fields, updated_by, updated_at FROM extracted_data WHERE inquiry_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var ed model.ExtractedData
	var dataJSON []byte
	var missing string
	var updatedBy *string
	err := s.pool.QueryRow(ctx, query, inquiryID).
		Scan(&ed.ID, &ed.InquiryID, &dataJSON, &ed.Source, &ed.ValidationStatus, &missing, &updatedBy, &ed.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get extracted data for inquiry %d", inquiryID)
	}
	if err := json.Unmarshal(dataJSON, &ed.Data); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal extracted data")
	}
	ed.MissingFields = splitFields(missing)
	if updatedBy != nil {
		ed.UpdatedBy = *updatedBy
	}
	return &ed, nil
}

func (s *PostgresStore) UpsertExtractedData(ctx context.Context, data *model.ExtractedData) error {
	dataJSON, err := json.Marshal(data.Data)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal extracted data")
	}
	now := time.Now().UTC()
	err = s.pool.QueryRow(ctx, `
		INSERT INTO extracted_data (inquiry_id, data, extraction_source, validation_status, missing_fields, updated_by, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
		ON CONFLICT (inquiry_id) DO UPDATE SET
			data = EXCLUDED.data,
			extraction_source = EXCLUDED.extraction_source,
			validation_status = EXCLUDED.validation_status,
			missing_fields = EXCLUDED.missing_fields,
			updated_by = COALESCE(EXCLUDED.updated_by, extracted_data.updated_by),
			updated_at = EXCLUDED.updated_at
		RETURNING id`,
		data.InquiryID, dataJSON, string(data.Source), string(data.ValidationStatus),
		joinFields(data.MissingFields), data.UpdatedBy, now).Scan(&data.ID)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert extracted data for inquiry %d", data.InquiryID)
	}
	data.UpdatedAt = now
	return nil
}

func (s *PostgresStore) UpdateExtractedField(ctx context.Context, inquiryID int64, field, value, updatedBy string) error {
	if field == "" {
		return eris.New("postgres: field name is required")
	}
	patch, err := json.Marshal(map[string]string{field: value})
	if err != nil {
		return eris.Wrap(err, "postgres: marshal field patch")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO extracted_data (inquiry_id, data, extraction_source, validation_status, updated_by, updated_at)
		VALUES ($1, $2, 'manual', 'Manually Corrected', $3, $4)
		ON CONFLICT (inquiry_id) DO UPDATE SET
			data = extracted_data.data || EXCLUDED.data,
			validation_status = 'Manually Corrected',
			updated_by = EXCLUDED.updated_by,
			updated_at = EXCLUDED.updated_at`,
		inquiryID, patch, updatedBy, time.Now().UTC())
	return eris.Wrapf(err, "postgres: update field %s for inquiry %d", field, inquiryID)
}

func (s *PostgresStore) GetEmailMessage(ctx context.Context, id string) (*model.EmailMessage, error) {
	row := s.pool.QueryRow(ctx, preparedStatements["get_email_message"], id)
	msg, err := scanEmailMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get email message %s", id)
	}
	return msg, nil
}

func (s *PostgresStore) InsertEmailMessage(ctx context.Context, msg *model.EmailMessage) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO email_messages (id, inquiry_id, sender_identity, subject, body, body_preview, intent, received_at, processing_status, processing_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11)
		ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.InquiryID, msg.SenderIdentity, msg.Subject, msg.Body, msg.BodyPreview,
		string(msg.Intent), msg.ReceivedAt, string(msg.ProcessingState), msg.ProcessingError, now)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert email message %s", msg.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrDuplicate, "postgres: email message %s", msg.ID)
	}
	msg.CreatedAt = now
	return nil
}

func (s *PostgresStore) RecordEmailFailure(ctx context.Context, msg *model.EmailMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO email_messages (id, sender_identity, subject, body_preview, intent, received_at, processing_status, processing_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'error', $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			processing_status = 'error',
			processing_error = EXCLUDED.processing_error
		WHERE email_messages.processing_status <> 'processed'`,
		msg.ID, msg.SenderIdentity, msg.Subject, msg.BodyPreview, string(msg.Intent),
		msg.ReceivedAt, truncateError(msg.ProcessingError), time.Now().UTC())
	return eris.Wrapf(err, "postgres: record email failure %s", msg.ID)
}

func (s *PostgresStore) GetChatMessage(ctx context.Context, id string) (*model.ChatMessage, error) {
	row := s.pool.QueryRow(ctx, preparedStatements["get_chat_message"], id)
	msg, err := scanChatMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get chat message %s", id)
	}
	return msg, nil
}

func (s *PostgresStore) InsertChatMessage(ctx context.Context, msg *model.ChatMessage) error {
	now := time.Now().UTC()
	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = now
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO chat_messages (id, inquiry_id, chat_id, sender_number, from_me, message_type, body, media_url, media_mime_type, media_caption, media_filename, location, sent_at, received_at, processing_status, processing_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NULLIF($16, ''), $17)
		ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.InquiryID, msg.ChatID, msg.SenderNumber, msg.FromMe, msg.MessageType,
		msg.Body, msg.MediaURL, msg.MediaMimeType, msg.MediaCaption, msg.MediaFilename,
		msg.Location, msg.SentAt, receivedAt, string(msg.ProcessingState), msg.ProcessingError, now)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert chat message %s", msg.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrDuplicate, "postgres: chat message %s", msg.ID)
	}
	msg.CreatedAt = now
	return nil
}

func (s *PostgresStore) RecordChatFailure(ctx context.Context, msg *model.ChatMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_messages (id, chat_id, sender_number, message_type, body, processing_status, processing_error, created_at)
		VALUES ($1, $2, $3, $4, $5, 'error', $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			processing_status = 'error',
			processing_error = EXCLUDED.processing_error
		WHERE chat_messages.processing_status <> 'processed'`,
		msg.ID, msg.ChatID, msg.SenderNumber, msg.MessageType, msg.Body,
		truncateError(msg.ProcessingError), time.Now().UTC())
	return eris.Wrapf(err, "postgres: record chat failure %s", msg.ID)
}

func (s *PostgresStore) ListEmailMessages(ctx context.Context, inquiryID int64) ([]model.EmailMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, inquiry_id, sender_identity, subject, body, body_preview, intent, received_at, processing_status, processing_error, created_at FROM email_messages WHERE inquiry_id = $1 ORDER BY received_at`,
		inquiryID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list email messages for inquiry %d", inquiryID)
	}
	defer rows.Close()

	var msgs []model.EmailMessage
	for rows.Next() {
		msg, err := scanEmailMessage(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan email message")
		}
		msgs = append(msgs, *msg)
	}
	return msgs, eris.Wrap(rows.Err(), "postgres: list email messages rows")
}

func (s *PostgresStore) ListChatMessages(ctx context.Context, inquiryID int64) ([]model.ChatMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, inquiry_id, chat_id, sender_number, from_me, message_type, body, media_url, media_mime_type, media_caption, media_filename, location, sent_at, received_at, processing_status, processing_error, created_at FROM chat_messages WHERE inquiry_id = $1 ORDER BY received_at`,
		inquiryID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list chat messages for inquiry %d", inquiryID)
	}
	defer rows.Close()

	var msgs []model.ChatMessage
	for rows.Next() {
		msg, err := scanChatMessage(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan chat message")
		}
		msgs = append(msgs, *msg)
	}
	return msgs, eris.Wrap(rows.Err(), "postgres: list chat messages rows")
}

func (s *PostgresStore) SaveAttachmentMeta(ctx context.Context, att model.AttachmentMeta) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO email_attachments (id, message_id, name, content_type, size_bytes, is_inline)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (message_id, id) DO NOTHING`,
		att.ID, att.MessageID, att.Name, att.ContentType, att.SizeBytes, att.IsInline)
	return eris.Wrapf(err, "postgres: save attachment %s", att.ID)
}

func (s *PostgresStore) ListAttachmentMeta(ctx context.Context, messageID string) ([]model.AttachmentMeta, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, message_id, name, content_type, size_bytes, is_inline FROM email_attachments WHERE message_id = $1 ORDER BY name`,
		messageID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list attachments for %s", messageID)
	}
	defer rows.Close()

	var atts []model.AttachmentMeta
	for rows.Next() {
		var a model.AttachmentMeta
		if err := rows.Scan(&a.ID, &a.MessageID, &a.Name, &a.ContentType, &a.SizeBytes, &a.IsInline); err != nil {
			return nil, eris.Wrap(err, "postgres: scan attachment")
		}
		atts = append(atts, a)
	}
	return atts, eris.Wrap(rows.Err(), "postgres: list attachments rows")
}

func (s *PostgresStore) MaxEmailReceivedAt(ctx context.Context) (*time.Time, error) {
	var max *time.Time
	err := s.pool.QueryRow(ctx, `SELECT MAX(received_at) FROM email_messages`).Scan(&max)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: max email received_at")
	}
	return max, nil
}

func (s *PostgresStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, preparedStatements["get_setting"], key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", eris.Wrapf(err, "postgres: get setting %s", key)
	}
	return value, nil
}

func (s *PostgresStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value, time.Now().UTC())
	return eris.Wrapf(err, "postgres: set setting %s", key)
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&PostgresStore{pool: txPool{tx}}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit tx")
}

// txPool adapts a pgx transaction to the db.Pool surface so store methods
// run unchanged inside WithTx.
type txPool struct {
	pgx.Tx
}

func (p txPool) Ping(ctx context.Context) error {
	_, err := p.Exec(ctx, "SELECT 1")
	return err
}

// scanner abstracts pgx.Row and pgx.Rows for the shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*model.Task, error) {
	var t model.Task
	var payload []byte
	var lastErr *string
	if err := row.Scan(&t.ID, &t.Type, &payload, &t.Status, &t.Attempts,
		&t.CreatedAt, &t.ScheduledFor, &t.ClaimedAt, &t.ProcessedAt, &lastErr); err != nil {
		return nil, err
	}
	t.Payload = payload
	if lastErr != nil {
		t.LastError = *lastErr
	}
	return &t, nil
}

func scanInquiry(row scanner) (*model.Inquiry, error) {
	var inq model.Inquiry
	if err := row.Scan(&inq.ID, &inq.PrimaryIdentity, &inq.Status, &inq.CreatedAt, &inq.UpdatedAt); err != nil {
		return nil, err
	}
	return &inq, nil
}

func scanEmailMessage(row scanner) (*model.EmailMessage, error) {
	var msg model.EmailMessage
	var receivedAt *time.Time
	var procErr *string
	if err := row.Scan(&msg.ID, &msg.InquiryID, &msg.SenderIdentity, &msg.Subject, &msg.Body,
		&msg.BodyPreview, &msg.Intent, &receivedAt, &msg.ProcessingState, &procErr, &msg.CreatedAt); err != nil {
		return nil, err
	}
	if receivedAt != nil {
		msg.ReceivedAt = *receivedAt
	}
	if procErr != nil {
		msg.ProcessingError = *procErr
	}
	return &msg, nil
}

func scanChatMessage(row scanner) (*model.ChatMessage, error) {
	var msg model.ChatMessage
	var sentAt *time.Time
	var procErr *string
	if err := row.Scan(&msg.ID, &msg.InquiryID, &msg.ChatID, &msg.SenderNumber, &msg.FromMe,
		&msg.MessageType, &msg.Body, &msg.MediaURL, &msg.MediaMimeType, &msg.MediaCaption,
		&msg.MediaFilename, &msg.Location, &sentAt, &msg.ReceivedAt, &msg.ProcessingState,
		&procErr, &msg.CreatedAt); err != nil {
		return nil, err
	}
	if sentAt != nil {
		msg.SentAt = *sentAt
	}
	if procErr != nil {
		msg.ProcessingError = *procErr
	}
	return &msg, nil
}
