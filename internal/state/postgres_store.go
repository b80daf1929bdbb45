package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/capitabee/donezo-sub000/db/migrations"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if !hasSQLDriver("pgx") {
		return nil, errors.New("pgx SQL driver is not linked; import github.com/jackc/pgx/v5/stdlib")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	store := &PostgresStore{db: db}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func hasSQLDriver(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

func (p *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return err
	}
	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}
	for _, file := range files {
		applied, err := p.isMigrationApplied(ctx, file)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := p.applyMigration(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) isMigrationApplied(ctx context.Context, version string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) applyMigration(ctx context.Context, file string) error {
	sqlBytes, err := migrations.Files.ReadFile(file)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

func (p *PostgresStore) UpsertUser(ctx context.Context, user UserRecord) error {
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO users (id, email, tier, earnings, completed_tasks, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (id) DO UPDATE SET
		 email=EXCLUDED.email,
		 tier=EXCLUDED.tier,
		 earnings=EXCLUDED.earnings,
		 completed_tasks=EXCLUDED.completed_tasks,
		 updated_at=EXCLUDED.updated_at`,
		user.ID, user.Email, user.Tier, user.Earnings, user.CompletedTasks, user.CreatedAt, user.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetUser(ctx context.Context, userID string) (UserRecord, bool, error) {
	var u UserRecord
	err := p.db.QueryRowContext(ctx,
		`SELECT id, email, tier, earnings, completed_tasks, created_at, updated_at FROM users WHERE id=$1`, userID,
	).Scan(&u.ID, &u.Email, &u.Tier, &u.Earnings, &u.CompletedTasks, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return UserRecord{}, false, nil
	}
	if err != nil {
		return UserRecord{}, false, err
	}
	return u, true, nil
}

func (p *PostgresStore) AdjustUserEarnings(ctx context.Context, userID string, delta decimal.Decimal, completedDelta int) error {
	now := time.Now().UTC()
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO users (id, email, tier, earnings, completed_tasks, created_at, updated_at)
		 VALUES ($1, '', 'Basic', $2, $3, $4, $4)
		 ON CONFLICT (id) DO UPDATE SET
		 earnings = users.earnings + EXCLUDED.earnings,
		 completed_tasks = users.completed_tasks + EXCLUDED.completed_tasks,
		 updated_at = EXCLUDED.updated_at`,
		userID, delta, completedDelta, now,
	)
	return err
}

func (p *PostgresStore) UpsertTaskDefinition(ctx context.Context, def TaskDefinitionRecord) error {
	now := time.Now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO task_definitions (id, platform, category, title, url, payout, duration_minutes, active, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 ON CONFLICT (id) DO UPDATE SET
		 platform=EXCLUDED.platform,
		 category=EXCLUDED.category,
		 title=EXCLUDED.title,
		 url=EXCLUDED.url,
		 payout=EXCLUDED.payout,
		 duration_minutes=EXCLUDED.duration_minutes,
		 active=EXCLUDED.active,
		 updated_at=EXCLUDED.updated_at`,
		def.ID, def.Platform, def.Category, def.Title, def.URL, def.Payout, def.DurationMinutes, def.Active, def.CreatedAt, def.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetTaskDefinition(ctx context.Context, defID string) (TaskDefinitionRecord, bool, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, platform, category, title, url, payout, duration_minutes, active, created_at, updated_at
		 FROM task_definitions WHERE id=$1`, defID,
	)
	d, err := scanTaskDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskDefinitionRecord{}, false, nil
	}
	if err != nil {
		return TaskDefinitionRecord{}, false, err
	}
	return d, true, nil
}

func (p *PostgresStore) ListTaskDefinitions(ctx context.Context, activeOnly bool) ([]TaskDefinitionRecord, error) {
	query := `SELECT id, platform, category, title, url, payout, duration_minutes, active, created_at, updated_at
		 FROM task_definitions`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY id`
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]TaskDefinitionRecord, 0)
	for rows.Next() {
		d, err := scanTaskDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeleteTaskDefinition(ctx context.Context, defID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM task_definitions WHERE id=$1`, defID)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (p *PostgresStore) CountActiveTaskDefinitions(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM task_definitions WHERE active`).Scan(&n)
	return n, err
}

func (p *PostgresStore) UpsertCompletion(ctx context.Context, rec CompletionRecord) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO completions (user_id, task_id, status, started_at, completed_at)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (user_id, task_id) DO UPDATE SET
		 status=EXCLUDED.status,
		 started_at=EXCLUDED.started_at,
		 completed_at=EXCLUDED.completed_at`,
		rec.UserID, rec.TaskID, rec.Status, nullTime(rec.StartedAt), nullTime(rec.CompletedAt),
	)
	return err
}

func (p *PostgresStore) ListCompletionsByUser(ctx context.Context, userID string) ([]CompletionRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT user_id, task_id, status, started_at, completed_at FROM completions WHERE user_id=$1 ORDER BY task_id`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]CompletionRecord, 0)
	for rows.Next() {
		var rec CompletionRecord
		var started, completed sql.NullTime
		if err := rows.Scan(&rec.UserID, &rec.TaskID, &rec.Status, &started, &completed); err != nil {
			return nil, err
		}
		if started.Valid {
			rec.StartedAt = started.Time
		}
		if completed.Valid {
			rec.CompletedAt = completed.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AppendLedgerEntry(ctx context.Context, entry LedgerEntryRecord) (bool, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO ledger_entries (id, user_id, task_id, amount, source, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (user_id, task_id) DO NOTHING`,
		entry.ID, entry.UserID, entry.TaskID, entry.Amount, entry.Source, entry.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (p *PostgresStore) ListLedgerEntriesByUser(ctx context.Context, userID string) ([]LedgerEntryRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, user_id, task_id, amount, source, created_at FROM ledger_entries WHERE user_id=$1 ORDER BY created_at`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]LedgerEntryRecord, 0)
	for rows.Next() {
		var e LedgerEntryRecord
		if err := rows.Scan(&e.ID, &e.UserID, &e.TaskID, &e.Amount, &e.Source, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AppendBroadcast(ctx context.Context, rec BroadcastRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO broadcasts (id, title, body, audience, created_at) VALUES ($1,$2,$3,$4,$5)`,
		rec.ID, rec.Title, rec.Body, rec.Audience, rec.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListBroadcasts(ctx context.Context, limit int) ([]BroadcastRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, title, body, audience, created_at FROM broadcasts ORDER BY created_at DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]BroadcastRecord, 0, limit)
	for rows.Next() {
		var b BroadcastRecord
		if err := rows.Scan(&b.ID, &b.Title, &b.Body, &b.Audience, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpsertAPIKey(ctx context.Context, rec APIKeyRecord) error {
	scopes, err := json.Marshal(rec.Scopes)
	if err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, label, token_hash, scopes_json, created_at)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (id) DO UPDATE SET
		 label=EXCLUDED.label,
		 token_hash=EXCLUDED.token_hash,
		 scopes_json=EXCLUDED.scopes_json`,
		rec.ID, rec.Label, rec.TokenHash, string(scopes), rec.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListAPIKeys(ctx context.Context) ([]APIKeyRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, label, token_hash, scopes_json, created_at FROM api_keys ORDER BY created_at`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]APIKeyRecord, 0)
	for rows.Next() {
		var k APIKeyRecord
		var scopesJSON string
		if err := rows.Scan(&k.ID, &k.Label, &k.TokenHash, &scopesJSON, &k.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(scopesJSON), &k.Scopes); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeleteAPIKey(ctx context.Context, keyID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id=$1`, keyID)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (p *PostgresStore) AppendAuditEvent(ctx context.Context, event AuditEventRecord) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	prevHash := ""
	_ = p.db.QueryRowContext(ctx, `SELECT event_hash FROM audit_events ORDER BY id DESC LIMIT 1`).Scan(&prevHash)
	event.PrevHash = prevHash
	event.EventHash = computeAuditHash(event)
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO audit_events (action, actor, user_id, remote_addr, resource, payload_hash, prev_hash, event_hash, requested, result, details, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		event.Action, event.Actor, event.UserID, event.RemoteAddr, event.Resource, event.PayloadHash, event.PrevHash, event.EventHash, event.Requested, event.Result, event.Details, event.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListAuditEvents(ctx context.Context, query AuditQuery) ([]AuditEventRecord, error) {
	limit := query.Limit
	offset := query.Offset
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	where := []string{"1=1"}
	args := make([]any, 0, 12)
	argi := 1
	add := func(clause string, v any) {
		where = append(where, fmt.Sprintf(clause, argi))
		args = append(args, v)
		argi++
	}
	if query.Action != "" {
		add("action=$%d", query.Action)
	}
	if query.Actor != "" {
		add("actor=$%d", query.Actor)
	}
	if query.UserID != "" {
		add("user_id=$%d", query.UserID)
	}
	if query.Result != "" {
		add("result=$%d", query.Result)
	}
	if !query.From.IsZero() {
		add("created_at >= $%d", query.From)
	}
	if !query.To.IsZero() {
		add("created_at <= $%d", query.To)
	}
	args = append(args, limit, offset)
	sqlQuery := fmt.Sprintf(
		`SELECT id, action, actor, user_id, remote_addr, resource, payload_hash, prev_hash, event_hash, requested, result, details, created_at
		 FROM audit_events
		 WHERE %s
		 ORDER BY created_at DESC, id DESC
		 LIMIT $%d OFFSET $%d`,
		strings.Join(where, " AND "), argi, argi+1,
	)
	rows, err := p.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]AuditEventRecord, 0, limit)
	for rows.Next() {
		var a AuditEventRecord
		if err := rows.Scan(&a.ID, &a.Action, &a.Actor, &a.UserID, &a.RemoteAddr, &a.Resource, &a.PayloadHash, &a.PrevHash, &a.EventHash, &a.Requested, &a.Result, &a.Details, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTaskDefinition(s scanner) (TaskDefinitionRecord, error) {
	var d TaskDefinitionRecord
	if err := s.Scan(&d.ID, &d.Platform, &d.Category, &d.Title, &d.URL, &d.Payout, &d.DurationMinutes, &d.Active, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return TaskDefinitionRecord{}, err
	}
	return d, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
