package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/deal-intel/internal/db"
	"github.com/sells-group/deal-intel/internal/model"
	"github.com/sells-group/deal-intel/internal/outbox"
)

// PostgresStore implements Store using pgxpool. Entities are stored as
// JSONB documents keyed by id; membership queries go through JSONB
// containment on the document.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"get_activity":      `SELECT doc FROM activities WHERE id = $1`,
	"get_contact":       `SELECT doc FROM contacts WHERE id = $1`,
	"get_deal":          `SELECT doc FROM deals WHERE id = $1`,
	"upsert_contact":    `INSERT INTO contacts (id, doc, updated_at) VALUES ($1, $2, $3) ON CONFLICT (id) DO UPDATE SET doc = $2, updated_at = $3`,
	"upsert_deal":       `INSERT INTO deals (id, doc, updated_at) VALUES ($1, $2, $3) ON CONFLICT (id) DO UPDATE SET doc = $2, updated_at = $3`,
	"deals_for_contact": `SELECT doc FROM deals WHERE doc->'contact_ids' @> to_jsonb($1::text)`,
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

// NewPostgresWithPool wraps an existing pool, used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS activities (
	id          TEXT PRIMARY KEY,
	occurred_at TIMESTAMPTZ NOT NULL,
	doc         JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS contacts (
	id         TEXT PRIMARY KEY,
	doc        JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS deals (
	id         TEXT PRIMARY KEY,
	doc        JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS outbox_tasks (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	deal_id       TEXT NOT NULL,
	crm_id        TEXT NOT NULL,
	payload       JSONB NOT NULL,
	last_error    TEXT NOT NULL DEFAULT '',
	retry_count   INTEGER NOT NULL DEFAULT 0,
	max_retries   INTEGER NOT NULL DEFAULT 5,
	next_retry_at TIMESTAMPTZ NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_activities_occurred_at ON activities(occurred_at);
CREATE INDEX IF NOT EXISTS idx_deals_contact_ids ON deals USING gin ((doc->'contact_ids'));
CREATE INDEX IF NOT EXISTS idx_outbox_next_retry ON outbox_tasks(next_retry_at);
CREATE INDEX IF NOT EXISTS idx_outbox_kind ON outbox_tasks(kind);
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

func (s *PostgresStore) SaveActivity(ctx context.Context, activity *model.Activity) error {
	doc, err := json.Marshal(activity)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal activity")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO activities (id, occurred_at, doc, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET occurred_at = $2, doc = $3, updated_at = $4`,
		activity.ID, activity.OccurredAt, doc, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: save activity %s", activity.ID)
}

// SaveActivities bulk-upserts activities through a temp table. Used by
// batch import, where per-row round trips dominate.
func (s *PostgresStore) SaveActivities(ctx context.Context, activities []model.Activity) error {
	if len(activities) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([][]any, 0, len(activities))
	for i := range activities {
		doc, err := json.Marshal(&activities[i])
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal activity %s", activities[i].ID)
		}
		rows = append(rows, []any{activities[i].ID, activities[i].OccurredAt, doc, now})
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "activities",
		Columns:      []string{"id", "occurred_at", "doc", "updated_at"},
		ConflictKeys: []string{"id"},
	}, rows)
	return eris.Wrap(err, "postgres: bulk save activities")
}

func (s *PostgresStore) GetActivity(ctx context.Context, id string) (*model.Activity, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM activities WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get activity %s", id)
	}
	var a model.Activity
	if err := json.Unmarshal(doc, &a); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal activity")
	}
	return &a, nil
}

func (s *PostgresStore) ListActivities(ctx context.Context, filter ActivityFilter) ([]model.Activity, error) {
	query := `SELECT doc FROM activities WHERE true`
	args := []any{}
	argIdx := 1

	if !filter.Since.IsZero() {
		query += fmt.Sprintf(` AND occurred_at >= $%d`, argIdx)
		args = append(args, filter.Since)
		argIdx++
	}
	if filter.Unprocessed {
		query += ` AND (doc->'processed_for' IS NULL OR jsonb_array_length(doc->'processed_for') = 0)`
	}
	query += ` ORDER BY occurred_at ASC`

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
		return nil, eris.Wrap(err, "postgres: list activities")
	}
	defer rows.Close()

	var out []model.Activity
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, eris.Wrap(err, "postgres: scan activity")
		}
		var a model.Activity
		if err := json.Unmarshal(doc, &a); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal activity")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list activities iterate")
}

func (s *PostgresStore) SaveContact(ctx context.Context, contact *model.Contact) error {
	doc, err := json.Marshal(contact)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal contact")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO contacts (id, doc, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET doc = $2, updated_at = $3`,
		contact.ID, doc, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: save contact %s", contact.ID)
}

func (s *PostgresStore) GetContact(ctx context.Context, id string) (*model.Contact, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM contacts WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get contact %s", id)
	}
	var c model.Contact
	if err := json.Unmarshal(doc, &c); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal contact")
	}
	return &c, nil
}

func (s *PostgresStore) GetContacts(ctx context.Context, ids []string) ([]*model.Contact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT doc FROM contacts WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get contacts")
	}
	defer rows.Close()
	return scanContacts(rows)
}

func (s *PostgresStore) ContactsForDeal(ctx context.Context, dealID string) ([]*model.Contact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.doc FROM contacts c
		 WHERE EXISTS (
		   SELECT 1 FROM deals d
		   WHERE d.id = $1 AND d.doc->'contact_ids' @> to_jsonb(c.id)
		 )`,
		dealID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: contacts for deal %s", dealID)
	}
	defer rows.Close()
	return scanContacts(rows)
}

func scanContacts(rows pgx.Rows) ([]*model.Contact, error) {
	var out []*model.Contact
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, eris.Wrap(err, "postgres: scan contact")
		}
		var c model.Contact
		if err := json.Unmarshal(doc, &c); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal contact")
		}
		out = append(out, &c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: contacts iterate")
}

func (s *PostgresStore) SaveDeal(ctx context.Context, deal *model.Deal) error {
	doc, err := json.Marshal(deal)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal deal")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO deals (id, doc, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET doc = $2, updated_at = $3`,
		deal.ID, doc, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: save deal %s", deal.ID)
}

func (s *PostgresStore) GetDeal(ctx context.Context, id string) (*model.Deal, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM deals WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get deal %s", id)
	}
	var d model.Deal
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal deal")
	}
	return &d, nil
}

func (s *PostgresStore) DealsForContact(ctx context.Context, contactID string) ([]model.Deal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM deals WHERE doc->'contact_ids' @> to_jsonb($1::text)`,
		contactID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: deals for contact %s", contactID)
	}
	defer rows.Close()

	var out []model.Deal
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, eris.Wrap(err, "postgres: scan deal")
		}
		var d model.Deal
		if err := json.Unmarshal(doc, &d); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal deal")
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: deals iterate")
}

// CommitIntelligence persists one activity's full output in a single
// transaction: contact documents, every touched deal document, the
// activity's receipts, and the outbox tasks. The activity row is locked
// while its receipt set is rewritten.
func (s *PostgresStore) CommitIntelligence(ctx context.Context, set CommitSet) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: commit begin")
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()

	for i := range set.Contacts {
		doc, err := json.Marshal(&set.Contacts[i])
		if err != nil {
			return eris.Wrap(err, "postgres: commit marshal contact")
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO contacts (id, doc, updated_at) VALUES ($1, $2, $3)
			 ON CONFLICT (id) DO UPDATE SET doc = $2, updated_at = $3`,
			set.Contacts[i].ID, doc, now,
		); err != nil {
			return eris.Wrapf(err, "postgres: commit contact %s", set.Contacts[i].ID)
		}
	}

	for i := range set.Deals {
		doc, err := json.Marshal(&set.Deals[i])
		if err != nil {
			return eris.Wrap(err, "postgres: commit marshal deal")
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO deals (id, doc, updated_at) VALUES ($1, $2, $3)
			 ON CONFLICT (id) DO UPDATE SET doc = $2, updated_at = $3`,
			set.Deals[i].ID, doc, now,
		); err != nil {
			return eris.Wrapf(err, "postgres: commit deal %s", set.Deals[i].ID)
		}
	}

	if len(set.Receipts) > 0 {
		var doc []byte
		if err := tx.QueryRow(ctx,
			`SELECT doc FROM activities WHERE id = $1 FOR UPDATE`,
			set.ActivityID,
		).Scan(&doc); err != nil {
			return eris.Wrapf(err, "postgres: commit lock activity %s", set.ActivityID)
		}
		var a model.Activity
		if err := json.Unmarshal(doc, &a); err != nil {
			return eris.Wrap(err, "postgres: commit unmarshal activity")
		}
		for _, r := range set.Receipts {
			if !a.HasReceipt(r.ContactID, r.DealID) {
				a.ProcessedFor = append(a.ProcessedFor, r)
			}
		}
		updated, err := json.Marshal(&a)
		if err != nil {
			return eris.Wrap(err, "postgres: commit marshal activity")
		}
		if _, err := tx.Exec(ctx,
			`UPDATE activities SET doc = $1, updated_at = $2 WHERE id = $3`,
			updated, now, set.ActivityID,
		); err != nil {
			return eris.Wrapf(err, "postgres: commit receipts %s", set.ActivityID)
		}
	}

	for _, task := range set.Tasks {
		if err := insertTask(ctx, tx, task); err != nil {
			return err
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit")
}

// execer is satisfied by both the pool and an open transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *PostgresStore) EnqueueTask(ctx context.Context, task outbox.Task) error {
	return insertTask(ctx, s.pool, task)
}

func insertTask(ctx context.Context, q execer, task outbox.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.NextRetryAt.IsZero() {
		task.NextRetryAt = task.CreatedAt
	}
	_, err := q.Exec(ctx,
		`INSERT INTO outbox_tasks
		 (id, kind, deal_id, crm_id, payload, last_error, retry_count, max_retries, next_retry_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		task.ID, string(task.Kind), task.DealID, task.CRMID, []byte(task.Payload),
		task.LastError, task.RetryCount, task.MaxRetries, task.NextRetryAt, task.CreatedAt,
	)
	return eris.Wrap(err, "postgres: enqueue task")
}

func (s *PostgresStore) DequeueTasks(ctx context.Context, filter outbox.Filter) ([]outbox.Task, error) {
	query := `SELECT id, kind, deal_id, crm_id, payload, last_error, retry_count, max_retries, next_retry_at, created_at
	          FROM outbox_tasks
	          WHERE next_retry_at <= now() AND retry_count < max_retries`
	args := []any{}
	argIdx := 1

	if filter.Kind != "" {
		query += fmt.Sprintf(` AND kind = $%d`, argIdx)
		args = append(args, string(filter.Kind))
		argIdx++
	}
	query += ` ORDER BY next_retry_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue tasks")
	}
	defer rows.Close()

	var tasks []outbox.Task
	for rows.Next() {
		var t outbox.Task
		var payload []byte
		if err := rows.Scan(&t.ID, &t.Kind, &t.DealID, &t.CRMID, &payload,
			&t.LastError, &t.RetryCount, &t.MaxRetries, &t.NextRetryAt, &t.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan task")
		}
		t.Payload = payload
		tasks = append(tasks, t)
	}
	return tasks, eris.Wrap(rows.Err(), "postgres: dequeue tasks iterate")
}

func (s *PostgresStore) RetryTaskLater(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE outbox_tasks
		 SET retry_count = retry_count + 1, next_retry_at = $1, last_error = $2
		 WHERE id = $3`,
		nextRetryAt, lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: retry task %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("task not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) RemoveTask(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM outbox_tasks WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove task")
}

func (s *PostgresStore) CountTasks(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_tasks`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count tasks")
}
