package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rulefleet/rulefleet/pkg/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS process_parents (
    id                 BIGSERIAL,
    parent_type        TEXT        NOT NULL,
    name               TEXT        NOT NULL,
    enabled            BOOLEAN     NOT NULL DEFAULT TRUE,
    rulebook_name      TEXT        NOT NULL DEFAULT '',
    rulebook           TEXT        NOT NULL DEFAULT '',
    image_url          TEXT        NOT NULL DEFAULT '',
    token_attached     BOOLEAN     NOT NULL DEFAULT FALSE,
    registry_username  TEXT,
    registry_secret    TEXT,
    restart_policy     TEXT        NOT NULL DEFAULT 'on-failure',
    max_restarts       INTEGER     NOT NULL DEFAULT 5,
    restart_count      INTEGER     NOT NULL DEFAULT 0,
    failure_count      INTEGER     NOT NULL DEFAULT 0,
    status             TEXT        NOT NULL DEFAULT 'pending',
    status_message     TEXT        NOT NULL DEFAULT '',
    status_updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    latest_instance_id BIGINT      NOT NULL DEFAULT 0,
    PRIMARY KEY (parent_type, id)
);

CREATE TABLE IF NOT EXISTS process_instances (
    id             BIGSERIAL PRIMARY KEY,
    parent_type    TEXT        NOT NULL,
    parent_id      BIGINT      NOT NULL,
    name           TEXT        NOT NULL,
    status         TEXT        NOT NULL DEFAULT 'starting',
    status_message TEXT        NOT NULL DEFAULT '',
    runtime_handle TEXT        NOT NULL DEFAULT '',
    started_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    ended_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS process_instances_parent_idx
    ON process_instances (parent_type, parent_id);

CREATE TABLE IF NOT EXISTS queue_assignments (
    instance_id BIGINT PRIMARY KEY REFERENCES process_instances (id) ON DELETE CASCADE,
    queue_name  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS queue_assignments_queue_idx
    ON queue_assignments (queue_name);

CREATE TABLE IF NOT EXISTS process_requests (
    id          BIGSERIAL PRIMARY KEY,
    parent_type TEXT        NOT NULL,
    parent_id   BIGINT      NOT NULL,
    verb        TEXT        NOT NULL,
    enqueued_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    process_after TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS process_requests_parent_idx
    ON process_requests (parent_type, parent_id, id);

CREATE TABLE IF NOT EXISTS instance_logs (
    id          BIGSERIAL PRIMARY KEY,
    instance_id BIGINT      NOT NULL REFERENCES process_instances (id) ON DELETE CASCADE,
    line        TEXT        NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS instance_logs_instance_idx
    ON instance_logs (instance_id, id);
`

// PostgresStore is the production Store backed by a pgx connection
// pool. The same pool also serves advisory locks, see PostgresLocker.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to the database, verifies connectivity and
// ensures the schema exists.
func OpenPostgres(ctx context.Context, databaseURL string, maxConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnLifetime = 1 * time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	slog.Info("postgres store ready", "max_conns", cfg.MaxConns)
	return s, nil
}

// NewPostgresStore wraps an existing pool. The caller owns the pool's
// lifecycle and the schema.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool exposes the underlying pool, primarily so a PostgresLocker can
// share connections with the store.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

// Close releases the connection pool.
func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

const parentColumns = `id, parent_type, name, enabled, rulebook_name, rulebook,
	image_url, token_attached, registry_username, registry_secret,
	restart_policy, max_restarts, restart_count, failure_count,
	status, status_message, status_updated_at, latest_instance_id`

func scanParent(row pgx.Row) (core.ProcessParent, error) {
	var p core.ProcessParent
	var regUser, regSecret *string
	var policy string
	err := row.Scan(&p.ID, &p.Type, &p.Name, &p.Enabled, &p.RulebookName,
		&p.Rulebook, &p.ImageURL, &p.TokenAttached, &regUser, &regSecret,
		&policy, &p.MaxRestarts, &p.RestartCount, &p.FailureCount,
		&p.Status, &p.StatusMessage, &p.StatusUpdatedAt, &p.LatestInstanceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.ProcessParent{}, ErrNotFound
	}
	if err != nil {
		return core.ProcessParent{}, err
	}
	p.RestartPolicy = core.RestartPolicy(policy)
	if regUser != nil {
		p.RegistryCredential = &core.Credential{Username: *regUser}
		if regSecret != nil {
			p.RegistryCredential.Secret = *regSecret
		}
	}
	return p, nil
}

func (s *PostgresStore) CreateParent(ctx context.Context, parent *core.ProcessParent) error {
	var regUser, regSecret *string
	if parent.RegistryCredential != nil {
		regUser = &parent.RegistryCredential.Username
		regSecret = &parent.RegistryCredential.Secret
	}
	if parent.StatusUpdatedAt.IsZero() {
		parent.StatusUpdatedAt = time.Now().UTC()
	}
	if parent.ID == 0 {
		return s.pool.QueryRow(ctx, `
			INSERT INTO process_parents (parent_type, name, enabled,
				rulebook_name, rulebook, image_url, token_attached,
				registry_username, registry_secret, restart_policy,
				max_restarts, restart_count, failure_count,
				status, status_message, status_updated_at, latest_instance_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
			RETURNING id`,
			parent.Type, parent.Name, parent.Enabled, parent.RulebookName,
			parent.Rulebook, parent.ImageURL, parent.TokenAttached,
			regUser, regSecret, string(parent.RestartPolicy),
			parent.MaxRestarts, parent.RestartCount, parent.FailureCount,
			parent.Status, parent.StatusMessage, parent.StatusUpdatedAt,
			parent.LatestInstanceID).Scan(&parent.ID)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO process_parents (id, parent_type, name, enabled,
			rulebook_name, rulebook, image_url, token_attached,
			registry_username, registry_secret, restart_policy,
			max_restarts, restart_count, failure_count,
			status, status_message, status_updated_at, latest_instance_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		parent.ID, parent.Type, parent.Name, parent.Enabled,
		parent.RulebookName, parent.Rulebook, parent.ImageURL,
		parent.TokenAttached, regUser, regSecret,
		string(parent.RestartPolicy), parent.MaxRestarts,
		parent.RestartCount, parent.FailureCount, parent.Status,
		parent.StatusMessage, parent.StatusUpdatedAt, parent.LatestInstanceID)
	return err
}

func (s *PostgresStore) GetParent(ctx context.Context, ref core.ParentRef) (core.ProcessParent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+parentColumns+`
		FROM process_parents WHERE parent_type=$1 AND id=$2`, ref.Type, ref.ID)
	return scanParent(row)
}

func (s *PostgresStore) UpdateParent(ctx context.Context, ref core.ParentRef, patch core.ParentPatch) error {
	if patch.IsZero() {
		return nil
	}
	var sets []string
	var args []any
	add := func(col string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	if patch.Status != nil {
		add("status", *patch.Status)
		add("status_updated_at", time.Now().UTC())
	}
	if patch.StatusMessage != nil {
		add("status_message", *patch.StatusMessage)
	}
	if patch.Enabled != nil {
		add("enabled", *patch.Enabled)
	}
	if patch.RestartCount != nil {
		add("restart_count", *patch.RestartCount)
	}
	if patch.FailureCount != nil {
		add("failure_count", *patch.FailureCount)
	}
	if patch.LatestInstanceID != nil {
		add("latest_instance_id", *patch.LatestInstanceID)
	}
	args = append(args, ref.Type, ref.ID)
	query := fmt.Sprintf("UPDATE process_parents SET %s WHERE parent_type=$%d AND id=$%d",
		strings.Join(sets, ", "), len(args)-1, len(args))
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteParent(ctx context.Context, ref core.ParentRef) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Instance rows cascade to queue assignments and logs.
	if _, err := tx.Exec(ctx, `DELETE FROM process_instances
		WHERE parent_type=$1 AND parent_id=$2`, ref.Type, ref.ID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM process_requests
		WHERE parent_type=$1 AND parent_id=$2`, ref.Type, ref.ID); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM process_parents
		WHERE parent_type=$1 AND id=$2`, ref.Type, ref.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListParentsInStatus(ctx context.Context, statuses ...core.ProcessStatus) ([]core.ProcessParent, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	vals := make([]string, len(statuses))
	for i, st := range statuses {
		vals[i] = string(st)
	}
	rows, err := s.pool.Query(ctx, `SELECT `+parentColumns+`
		FROM process_parents WHERE status = ANY($1) ORDER BY id`, vals)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.ProcessParent
	for rows.Next() {
		p, err := scanParent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListParents(ctx context.Context) ([]core.ProcessParent, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+parentColumns+`
		FROM process_parents ORDER BY parent_type, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.ProcessParent
	for rows.Next() {
		p, err := scanParent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const instanceColumns = `id, parent_type, parent_id, name, status,
	status_message, runtime_handle, started_at, updated_at, ended_at`

func scanInstance(row pgx.Row) (core.ProcessInstance, error) {
	var i core.ProcessInstance
	var endedAt *time.Time
	err := row.Scan(&i.ID, &i.ParentType, &i.ParentID, &i.Name, &i.Status,
		&i.StatusMessage, &i.RuntimeHandle, &i.StartedAt, &i.UpdatedAt, &endedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.ProcessInstance{}, ErrNotFound
	}
	if err != nil {
		return core.ProcessInstance{}, err
	}
	if endedAt != nil {
		i.EndedAt = *endedAt
	}
	return i, nil
}

func (s *PostgresStore) CreateInstance(ctx context.Context, instance *core.ProcessInstance) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if instance.StartedAt.IsZero() {
		instance.StartedAt = time.Now().UTC()
	}
	if instance.UpdatedAt.IsZero() {
		instance.UpdatedAt = instance.StartedAt
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO process_instances (parent_type, parent_id, name,
			status, status_message, runtime_handle, started_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id`,
		instance.ParentType, instance.ParentID, instance.Name,
		instance.Status, instance.StatusMessage, instance.RuntimeHandle,
		instance.StartedAt, instance.UpdatedAt).Scan(&instance.ID)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `UPDATE process_parents SET latest_instance_id=$1
		WHERE parent_type=$2 AND id=$3`,
		instance.ID, instance.ParentType, instance.ParentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetInstance(ctx context.Context, id int64) (core.ProcessInstance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+instanceColumns+`
		FROM process_instances WHERE id=$1`, id)
	return scanInstance(row)
}

func (s *PostgresStore) LatestInstance(ctx context.Context, ref core.ParentRef) (core.ProcessInstance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+instanceColumns+`
		FROM process_instances
		WHERE parent_type=$1 AND parent_id=$2
		ORDER BY id DESC LIMIT 1`, ref.Type, ref.ID)
	return scanInstance(row)
}

func (s *PostgresStore) UpdateInstance(ctx context.Context, id int64, patch core.InstancePatch) error {
	if patch.IsZero() {
		return nil
	}
	var sets []string
	var args []any
	add := func(col string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.StatusMessage != nil {
		add("status_message", *patch.StatusMessage)
	}
	if patch.RuntimeHandle != nil {
		add("runtime_handle", *patch.RuntimeHandle)
	}
	if patch.EndedAt != nil {
		add("ended_at", *patch.EndedAt)
	}
	if patch.UpdatedAt != nil {
		add("updated_at", *patch.UpdatedAt)
	} else {
		add("updated_at", time.Now().UTC())
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE process_instances SET %s WHERE id=$%d",
		strings.Join(sets, ", "), len(args))
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListInstances(ctx context.Context, ref core.ParentRef) ([]core.ProcessInstance, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+instanceColumns+`
		FROM process_instances
		WHERE parent_type=$1 AND parent_id=$2 ORDER BY id`, ref.Type, ref.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.ProcessInstance
	for rows.Next() {
		i, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TouchInstance(ctx context.Context, id int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE process_instances SET updated_at=$1 WHERE id=$2`, at, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AppendInstanceLog(ctx context.Context, instanceID int64, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, line := range lines {
		batch.Queue(`INSERT INTO instance_logs (instance_id, line) VALUES ($1,$2)`,
			instanceID, line)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

func (s *PostgresStore) InstanceLogs(ctx context.Context, instanceID int64) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT line FROM instance_logs
		WHERE instance_id = $1 ORDER BY id`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		out = append(out, line)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AssignQueue(ctx context.Context, instanceID int64, queueName string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queue_assignments (instance_id, queue_name)
		VALUES ($1,$2)
		ON CONFLICT (instance_id) DO UPDATE SET queue_name=EXCLUDED.queue_name`,
		instanceID, queueName)
	return err
}

func (s *PostgresStore) InstanceQueue(ctx context.Context, instanceID int64) (string, error) {
	var q string
	err := s.pool.QueryRow(ctx,
		`SELECT queue_name FROM queue_assignments WHERE instance_id=$1`,
		instanceID).Scan(&q)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return q, err
}

func (s *PostgresStore) CountActiveOnQueue(ctx context.Context, queueName string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM queue_assignments a
		JOIN process_instances i ON i.id = a.instance_id
		WHERE a.queue_name=$1 AND i.status IN ('starting','running','stopping')`,
		queueName).Scan(&n)
	return n, err
}

func (s *PostgresStore) PushRequest(ctx context.Context, ref core.ParentRef, verb core.RequestVerb) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO process_requests (parent_type, parent_id, verb)
		VALUES ($1,$2,$3)`, ref.Type, ref.ID, string(verb))
	return err
}

func (s *PostgresStore) PushRequestAfter(ctx context.Context, ref core.ParentRef, verb core.RequestVerb, after time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO process_requests (parent_type, parent_id, verb, process_after)
		VALUES ($1,$2,$3,$4)`, ref.Type, ref.ID, string(verb), after)
	return err
}

func (s *PostgresStore) PendingRequests(ctx context.Context, ref core.ParentRef) ([]core.RequestEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, parent_type, parent_id, verb, enqueued_at, process_after
		FROM process_requests
		WHERE parent_type=$1 AND parent_id=$2 ORDER BY id`, ref.Type, ref.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.RequestEntry
	for rows.Next() {
		var e core.RequestEntry
		if err := rows.Scan(&e.ID, &e.ParentType, &e.ParentID, &e.Verb, &e.EnqueuedAt, &e.ProcessAfter); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteRequest(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM process_requests WHERE id=$1`, id)
	return err
}

func (s *PostgresStore) DeleteRequestsThrough(ctx context.Context, ref core.ParentRef, throughID int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM process_requests
		WHERE parent_type=$1 AND parent_id=$2 AND id<=$3`, ref.Type, ref.ID, throughID)
	return err
}

func (s *PostgresStore) ListParentsWithRequests(ctx context.Context) ([]core.ParentRef, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT parent_type, parent_id
		FROM process_requests ORDER BY parent_type, parent_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.ParentRef
	for rows.Next() {
		var ref core.ParentRef
		if err := rows.Scan(&ref.Type, &ref.ID); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
