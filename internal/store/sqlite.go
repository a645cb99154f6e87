package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/deal-intel/internal/model"
	"github.com/sells-group/deal-intel/internal/outbox"
)

// SQLiteStore implements Store using modernc.org/sqlite. It mirrors the
// Postgres document layout with TEXT JSON columns and json_each for
// membership queries, which keeps single-node deployments dependency-free.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS activities (
	id          TEXT PRIMARY KEY,
	occurred_at DATETIME NOT NULL,
	doc         TEXT NOT NULL,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS contacts (
	id         TEXT PRIMARY KEY,
	doc        TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS deals (
	id         TEXT PRIMARY KEY,
	doc        TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS outbox_tasks (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	deal_id       TEXT NOT NULL,
	crm_id        TEXT NOT NULL,
	payload       TEXT NOT NULL,
	last_error    TEXT NOT NULL DEFAULT '',
	retry_count   INTEGER NOT NULL DEFAULT 0,
	max_retries   INTEGER NOT NULL DEFAULT 5,
	next_retry_at DATETIME NOT NULL,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_activities_occurred_at ON activities(occurred_at);
CREATE INDEX IF NOT EXISTS idx_outbox_next_retry ON outbox_tasks(next_retry_at);
CREATE INDEX IF NOT EXISTS idx_outbox_kind ON outbox_tasks(kind);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveActivity(ctx context.Context, activity *model.Activity) error {
	doc, err := json.Marshal(activity)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal activity")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO activities (id, occurred_at, doc, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET occurred_at = excluded.occurred_at, doc = excluded.doc, updated_at = excluded.updated_at`,
		activity.ID, activity.OccurredAt.UTC(), string(doc), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: save activity %s", activity.ID)
}

// SaveActivities upserts activities in one transaction.
func (s *SQLiteStore) SaveActivities(ctx context.Context, activities []model.Activity) error {
	if len(activities) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin bulk save")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for i := range activities {
		doc, err := json.Marshal(&activities[i])
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal activity %s", activities[i].ID)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO activities (id, occurred_at, doc, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET occurred_at = excluded.occurred_at, doc = excluded.doc, updated_at = excluded.updated_at`,
			activities[i].ID, activities[i].OccurredAt.UTC(), string(doc), now,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: bulk save activity %s", activities[i].ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit bulk save")
}

func (s *SQLiteStore) GetActivity(ctx context.Context, id string) (*model.Activity, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM activities WHERE id = ?`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get activity %s", id)
	}
	var a model.Activity
	if err := json.Unmarshal([]byte(doc), &a); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal activity")
	}
	return &a, nil
}

func (s *SQLiteStore) ListActivities(ctx context.Context, filter ActivityFilter) ([]model.Activity, error) {
	query := `SELECT doc FROM activities WHERE 1=1`
	args := []any{}

	if !filter.Since.IsZero() {
		query += ` AND occurred_at >= ?`
		args = append(args, filter.Since.UTC())
	}
	if filter.Unprocessed {
		query += ` AND (json_extract(doc, '$.processed_for') IS NULL OR json_array_length(json_extract(doc, '$.processed_for')) = 0)`
	}
	query += ` ORDER BY occurred_at ASC`

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
		return nil, eris.Wrap(err, "sqlite: list activities")
	}
	defer rows.Close()

	var out []model.Activity
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan activity")
		}
		var a model.Activity
		if err := json.Unmarshal([]byte(doc), &a); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal activity")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list activities iterate")
}

func (s *SQLiteStore) SaveContact(ctx context.Context, contact *model.Contact) error {
	doc, err := json.Marshal(contact)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal contact")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO contacts (id, doc, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		contact.ID, string(doc), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: save contact %s", contact.ID)
}

func (s *SQLiteStore) GetContact(ctx context.Context, id string) (*model.Contact, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM contacts WHERE id = ?`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get contact %s", id)
	}
	var c model.Contact
	if err := json.Unmarshal([]byte(doc), &c); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal contact")
	}
	return &c, nil
}

func (s *SQLiteStore) GetContacts(ctx context.Context, ids []string) ([]*model.Contact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT doc FROM contacts WHERE id IN (%s)`, placeholders), args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get contacts")
	}
	defer rows.Close()
	return scanSQLiteContacts(rows)
}

func (s *SQLiteStore) ContactsForDeal(ctx context.Context, dealID string) ([]*model.Contact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.doc FROM contacts c
		 WHERE EXISTS (
		   SELECT 1 FROM deals d, json_each(json_extract(d.doc, '$.contact_ids')) j
		   WHERE d.id = ? AND j.value = c.id
		 )`,
		dealID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: contacts for deal %s", dealID)
	}
	defer rows.Close()
	return scanSQLiteContacts(rows)
}

func scanSQLiteContacts(rows *sql.Rows) ([]*model.Contact, error) {
	var out []*model.Contact
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan contact")
		}
		var c model.Contact
		if err := json.Unmarshal([]byte(doc), &c); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal contact")
		}
		out = append(out, &c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: contacts iterate")
}

func (s *SQLiteStore) SaveDeal(ctx context.Context, deal *model.Deal) error {
	doc, err := json.Marshal(deal)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal deal")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO deals (id, doc, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		deal.ID, string(doc), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: save deal %s", deal.ID)
}

func (s *SQLiteStore) GetDeal(ctx context.Context, id string) (*model.Deal, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM deals WHERE id = ?`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get deal %s", id)
	}
	var d model.Deal
	if err := json.Unmarshal([]byte(doc), &d); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal deal")
	}
	return &d, nil
}

func (s *SQLiteStore) DealsForContact(ctx context.Context, contactID string) ([]model.Deal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.doc FROM deals d, json_each(json_extract(d.doc, '$.contact_ids')) j
		 WHERE j.value = ?`,
		contactID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: deals for contact %s", contactID)
	}
	defer rows.Close()

	var out []model.Deal
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan deal")
		}
		var d model.Deal
		if err := json.Unmarshal([]byte(doc), &d); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal deal")
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: deals iterate")
}

func (s *SQLiteStore) CommitIntelligence(ctx context.Context, set CommitSet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: commit begin")
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	for i := range set.Contacts {
		doc, err := json.Marshal(&set.Contacts[i])
		if err != nil {
			return eris.Wrap(err, "sqlite: commit marshal contact")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO contacts (id, doc, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
			set.Contacts[i].ID, string(doc), now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: commit contact %s", set.Contacts[i].ID)
		}
	}

	for i := range set.Deals {
		doc, err := json.Marshal(&set.Deals[i])
		if err != nil {
			return eris.Wrap(err, "sqlite: commit marshal deal")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO deals (id, doc, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
			set.Deals[i].ID, string(doc), now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: commit deal %s", set.Deals[i].ID)
		}
	}

	if len(set.Receipts) > 0 {
		var doc string
		if err := tx.QueryRowContext(ctx,
			`SELECT doc FROM activities WHERE id = ?`, set.ActivityID,
		).Scan(&doc); err != nil {
			return eris.Wrapf(err, "sqlite: commit load activity %s", set.ActivityID)
		}
		var a model.Activity
		if err := json.Unmarshal([]byte(doc), &a); err != nil {
			return eris.Wrap(err, "sqlite: commit unmarshal activity")
		}
		for _, r := range set.Receipts {
			if !a.HasReceipt(r.ContactID, r.DealID) {
				a.ProcessedFor = append(a.ProcessedFor, r)
			}
		}
		updated, err := json.Marshal(&a)
		if err != nil {
			return eris.Wrap(err, "sqlite: commit marshal activity")
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE activities SET doc = ?, updated_at = ? WHERE id = ?`,
			string(updated), now, set.ActivityID,
		); err != nil {
			return eris.Wrapf(err, "sqlite: commit receipts %s", set.ActivityID)
		}
	}

	for _, task := range set.Tasks {
		if err := sqliteInsertTask(ctx, tx, task); err != nil {
			return err
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

type sqliteExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) EnqueueTask(ctx context.Context, task outbox.Task) error {
	return sqliteInsertTask(ctx, s.db, task)
}

func sqliteInsertTask(ctx context.Context, q sqliteExecer, task outbox.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.NextRetryAt.IsZero() {
		task.NextRetryAt = task.CreatedAt
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO outbox_tasks
		 (id, kind, deal_id, crm_id, payload, last_error, retry_count, max_retries, next_retry_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		task.ID, string(task.Kind), task.DealID, task.CRMID, string(task.Payload),
		task.LastError, task.RetryCount, task.MaxRetries, task.NextRetryAt.UTC(), task.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: enqueue task")
}

func (s *SQLiteStore) DequeueTasks(ctx context.Context, filter outbox.Filter) ([]outbox.Task, error) {
	query := `SELECT id, kind, deal_id, crm_id, payload, last_error, retry_count, max_retries, next_retry_at, created_at
	          FROM outbox_tasks
	          WHERE next_retry_at <= datetime('now') AND retry_count < max_retries`
	args := []any{}

	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	query += ` ORDER BY next_retry_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue tasks")
	}
	defer rows.Close()

	var tasks []outbox.Task
	for rows.Next() {
		var t outbox.Task
		var payload string
		if err := rows.Scan(&t.ID, &t.Kind, &t.DealID, &t.CRMID, &payload,
			&t.LastError, &t.RetryCount, &t.MaxRetries, &t.NextRetryAt, &t.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan task")
		}
		t.Payload = json.RawMessage(payload)
		tasks = append(tasks, t)
	}
	return tasks, eris.Wrap(rows.Err(), "sqlite: dequeue tasks iterate")
}

func (s *SQLiteStore) RetryTaskLater(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_tasks
		 SET retry_count = retry_count + 1, next_retry_at = ?, last_error = ?
		 WHERE id = ?`,
		nextRetryAt.UTC(), lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: retry task %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: retry task rows affected")
	}
	if n == 0 {
		return eris.Errorf("task not found: %s", id)
	}
	return nil
}

func (s *SQLiteStore) RemoveTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM outbox_tasks WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove task")
}

func (s *SQLiteStore) CountTasks(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox_tasks`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count tasks")
}
