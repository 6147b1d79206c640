package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/orgsync/internal/db"
	"github.com/sells-group/orgsync/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	now     func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection.
var preparedStatements = map[string]string{
	"update_run_stage":  `UPDATE runs SET last_stage = $1, updated_at = $2 WHERE id = $3`,
	"load_checkpoint":   `SELECT payload FROM checkpoints WHERE run_id = $1 AND stage = $2`,
	"get_evidence":      `SELECT provider, name, results, fetched_at, expires_at FROM evidence_cache WHERE provider = $1 AND name = $2 AND expires_at > $3`,
	"count_groups":      `SELECT COUNT(*) FROM entity_groups`,
	"get_group_items":   `SELECT org_name, unique_id, dataset, postcode FROM group_items WHERE group_id = $1 ORDER BY seq`,
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
	return newPostgresStore(pool, pool.Close), nil
}

func newPostgresStore(pool db.Pool, closeFn func()) *PostgresStore {
	return &PostgresStore{
		pool:    pool,
		closeFn: closeFn,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS entity_groups (
	seq               BIGSERIAL PRIMARY KEY,
	id                TEXT NOT NULL UNIQUE,
	name              TEXT NOT NULL,
	organisation_type TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS group_items (
	seq       BIGSERIAL PRIMARY KEY,
	group_id  TEXT NOT NULL REFERENCES entity_groups(id),
	dataset   TEXT NOT NULL,
	unique_id TEXT NOT NULL,
	org_name  TEXT NOT NULL,
	postcode  TEXT NOT NULL DEFAULT '',
	UNIQUE (dataset, unique_id)
);

CREATE INDEX IF NOT EXISTS idx_group_items_group_id ON group_items(group_id);
CREATE INDEX IF NOT EXISTS idx_group_items_org_name ON group_items(org_name);

CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'running',
	last_stage TEXT NOT NULL DEFAULT '',
	threshold  DOUBLE PRECISION NOT NULL,
	data_mode  TEXT NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	report     JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);

CREATE TABLE IF NOT EXISTS checkpoints (
	run_id     TEXT NOT NULL REFERENCES runs(id),
	stage      TEXT NOT NULL,
	payload    BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, stage)
);

CREATE TABLE IF NOT EXISTS evidence_cache (
	provider   TEXT NOT NULL,
	name       TEXT NOT NULL,
	results    JSONB NOT NULL,
	fetched_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (provider, name)
);

CREATE INDEX IF NOT EXISTS idx_evidence_cache_expires ON evidence_cache(expires_at);

CREATE TABLE IF NOT EXISTS failures (
	id            BIGSERIAL PRIMARY KEY,
	run_id        TEXT NOT NULL,
	candidate_set JSONB NOT NULL,
	error         TEXT NOT NULL,
	kind          TEXT NOT NULL DEFAULT '',
	attempts      INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	resolved_at   TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_failures_run_id ON failures(run_id);
`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Groups ---

// UpsertGroups applies resolved groups in a single transaction.
func (s *PostgresStore) UpsertGroups(ctx context.Context, groups []model.ResolvedGroup) (*UpsertResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin upsert")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Serialise concurrent upserts so two writers cannot split a bridge.
	if _, err := tx.Exec(ctx, `LOCK TABLE entity_groups IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return nil, eris.Wrap(err, "postgres: lock groups")
	}

	res, err := upsertGroups(ctx, &pgGroupTx{tx: tx}, groups, s.now())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit upsert")
	}
	return res, nil
}

// GetGroup returns one group with its items.
func (s *PostgresStore) GetGroup(ctx context.Context, id string) (*model.EntityGroup, error) {
	return (&pgGroupTx{tx: s.pool}).getGroup(ctx, id)
}

// ListGroups returns groups oldest first, with their items.
func (s *PostgresStore) ListGroups(ctx context.Context, filter GroupFilter) ([]model.EntityGroup, error) {
	inner := `SELECT seq, id, name, organisation_type, created_at, updated_at FROM entity_groups`
	args := []any{}
	argIdx := 1

	if filter.Query != "" {
		inner += fmt.Sprintf(` WHERE name ILIKE $%d OR id IN (SELECT group_id FROM group_items WHERE org_name ILIKE $%d)`, argIdx, argIdx)
		args = append(args, "%"+filter.Query+"%")
		argIdx++
	}
	inner += ` ORDER BY seq`
	if filter.Limit > 0 {
		inner += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, argIdx, argIdx+1)
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT g.seq, g.id, g.name, g.organisation_type, g.created_at, g.updated_at,
		        i.org_name, i.unique_id, i.dataset, i.postcode
		 FROM (`+inner+`) g
		 JOIN group_items i ON i.group_id = g.id
		 ORDER BY g.seq, i.seq`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list groups")
	}
	defer rows.Close()

	var out []model.EntityGroup
	for rows.Next() {
		var g model.EntityGroup
		var it model.Item
		if err := rows.Scan(&g.Seq, &g.ID, &g.Name, &g.OrganisationType, &g.CreatedAt, &g.UpdatedAt,
			&it.OrgName, &it.UniqueID, &it.Dataset, &it.Postcode); err != nil {
			return nil, eris.Wrap(err, "postgres: scan group row")
		}
		if n := len(out); n > 0 && out[n-1].ID == g.ID {
			out[n-1].Items = append(out[n-1].Items, it)
			continue
		}
		g.Items = []model.Item{it}
		out = append(out, g)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list groups iterate")
}

// CountGroups returns the number of persisted groups.
func (s *PostgresStore) CountGroups(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM entity_groups`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count groups")
}

// CheckIntegrity verifies that groups partition their items and that
// every group has at least two items.
func (s *PostgresStore) CheckIntegrity(ctx context.Context) error {
	rows, err := s.pool.Query(ctx,
		`SELECT dataset, unique_id FROM group_items
		 GROUP BY dataset, unique_id HAVING COUNT(DISTINCT group_id) > 1`)
	if err != nil {
		return eris.Wrap(err, "postgres: check shared items")
	}
	var shared []model.ItemRef
	for rows.Next() {
		var ref model.ItemRef
		if err := rows.Scan(&ref.Dataset, &ref.UniqueID); err != nil {
			rows.Close()
			return eris.Wrap(err, "postgres: scan shared item")
		}
		shared = append(shared, ref)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "postgres: check shared items iterate")
	}

	rows, err = s.pool.Query(ctx,
		`SELECT g.id FROM entity_groups g
		 LEFT JOIN group_items i ON i.group_id = g.id
		 GROUP BY g.id HAVING COUNT(i.seq) < 2`)
	if err != nil {
		return eris.Wrap(err, "postgres: check small groups")
	}
	defer rows.Close()
	var small []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return eris.Wrap(err, "postgres: scan small group")
		}
		small = append(small, id)
	}
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "postgres: check small groups iterate")
	}
	return integrityError(shared, small)
}

// --- Runs ---

// CreateRun records a new running run.
func (s *PostgresStore) CreateRun(ctx context.Context, threshold float64, mode model.DataMode) (*model.Run, error) {
	id := uuid.Must(uuid.NewV7()).String()
	now := s.now()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, status, threshold, data_mode, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, string(model.RunStatusRunning), threshold, string(mode), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.Run{
		ID:        id,
		Status:    model.RunStatusRunning,
		Threshold: threshold,
		DataMode:  mode,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// UpdateRunStage records the last completed stage of a run.
func (s *PostgresStore) UpdateRunStage(ctx context.Context, runID string, stage model.Stage) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET last_stage = $1, updated_at = $2 WHERE id = $3`,
		string(stage), s.now(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run stage %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

// UpdateRunStatus sets a run's status and error message.
func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, error = $2, updated_at = $3 WHERE id = $4`,
		string(status), errMsg, s.now(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

// CompleteRun marks a run complete and stores its report.
func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, report *model.RunReport) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal report")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET report = $1, status = $2, error = '', updated_at = $3 WHERE id = $4`,
		reportJSON, string(model.RunStatusComplete), s.now(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

const pgRunColumns = `id, status, last_stage, threshold, data_mode, error, report, created_at, updated_at`

// GetRun returns one run.
func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	r, err := scanPgRun(s.pool.QueryRow(ctx, `SELECT `+pgRunColumns+` FROM runs WHERE id = $1`, runID))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

// LatestRun returns the most recently created run.
func (s *PostgresStore) LatestRun(ctx context.Context) (*model.Run, error) {
	r, err := scanPgRun(s.pool.QueryRow(ctx, `SELECT `+pgRunColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT 1`))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: latest run")
	}
	return r, nil
}

// ListRuns returns runs newest first.
func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + pgRunColumns + ` FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC, id DESC`

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
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func scanPgRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var status, stage, mode string
	var reportJSON []byte

	err := row.Scan(&r.ID, &status, &stage, &r.Threshold, &mode, &r.Error, &reportJSON, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	r.LastStage = model.Stage(stage)
	r.DataMode = model.DataMode(mode)

	if len(reportJSON) > 0 {
		r.Report = &model.RunReport{}
		if err := json.Unmarshal(reportJSON, r.Report); err != nil {
			return nil, eris.Wrap(err, "unmarshal report")
		}
	}
	return &r, nil
}

// --- Checkpoints ---

// SaveCheckpoint stores (or replaces) the output of a stage.
func (s *PostgresStore) SaveCheckpoint(ctx context.Context, runID string, stage model.Stage, payload []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO checkpoints (run_id, stage, payload, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (run_id, stage) DO UPDATE SET payload = EXCLUDED.payload, created_at = EXCLUDED.created_at`,
		runID, string(stage), payload, s.now(),
	)
	return eris.Wrapf(err, "postgres: save checkpoint %s/%s", runID, stage)
}

// LoadCheckpoint returns the stored output of a stage or ErrNotFound.
func (s *PostgresStore) LoadCheckpoint(ctx context.Context, runID string, stage model.Stage) ([]byte, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM checkpoints WHERE run_id = $1 AND stage = $2`,
		runID, string(stage),
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: checkpoint %s/%s", runID, stage)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load checkpoint %s/%s", runID, stage)
	}
	return payload, nil
}

// --- Evidence cache ---

// GetEvidence returns an unexpired cache entry, or nil on a miss.
func (s *PostgresStore) GetEvidence(ctx context.Context, provider, name string) (*model.EvidenceCache, error) {
	var ec model.EvidenceCache
	var resultsJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT provider, name, results, fetched_at, expires_at FROM evidence_cache
		 WHERE provider = $1 AND name = $2 AND expires_at > $3`,
		provider, name, s.now(),
	).Scan(&ec.Provider, &ec.Name, &resultsJSON, &ec.FetchedAt, &ec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get evidence")
	}
	if err := json.Unmarshal(resultsJSON, &ec.Results); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal evidence")
	}
	return &ec, nil
}

// SetEvidence stores a lookup, replacing any previous entry.
func (s *PostgresStore) SetEvidence(ctx context.Context, provider, name string, results []model.Evidence, ttl time.Duration) error {
	if results == nil {
		results = []model.Evidence{}
	}
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal evidence")
	}
	now := s.now()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO evidence_cache (provider, name, results, fetched_at, expires_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (provider, name) DO UPDATE SET
		   results = EXCLUDED.results, fetched_at = EXCLUDED.fetched_at, expires_at = EXCLUDED.expires_at`,
		provider, name, resultsJSON, now, now.Add(ttl),
	)
	return eris.Wrap(err, "postgres: set evidence")
}

// --- Failures ---

// RecordFailures stores refinement failures with a single COPY.
func (s *PostgresStore) RecordFailures(ctx context.Context, failures []model.Failure) error {
	if len(failures) == 0 {
		return nil
	}
	now := s.now()
	rows := make([][]any, 0, len(failures))
	for _, f := range failures {
		setJSON, err := json.Marshal(f.Set)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal candidate set")
		}
		created := f.CreatedAt
		if created.IsZero() {
			created = now
		}
		rows = append(rows, []any{f.RunID, setJSON, f.Error, f.Kind, f.Attempts, created})
	}
	_, err := db.CopyFrom(ctx, s.pool, "failures",
		[]string{"run_id", "candidate_set", "error", "kind", "attempts", "created_at"}, rows)
	return eris.Wrap(err, "postgres: record failures")
}

// ListFailures returns failures oldest first.
func (s *PostgresStore) ListFailures(ctx context.Context, filter FailureFilter) ([]model.Failure, error) {
	query := `SELECT id, run_id, candidate_set, error, kind, attempts, created_at, resolved_at FROM failures WHERE true`
	args := []any{}
	argIdx := 1

	if filter.RunID != "" {
		query += fmt.Sprintf(` AND run_id = $%d`, argIdx)
		args = append(args, filter.RunID)
		argIdx++
	}
	if !filter.IncludeResolved {
		query += ` AND resolved_at IS NULL`
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list failures")
	}
	defer rows.Close()

	var out []model.Failure
	for rows.Next() {
		var f model.Failure
		var setJSON []byte
		if err := rows.Scan(&f.ID, &f.RunID, &setJSON, &f.Error, &f.Kind, &f.Attempts, &f.CreatedAt, &f.ResolvedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan failure")
		}
		if err := json.Unmarshal(setJSON, &f.Set); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal candidate set")
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list failures iterate")
}

// ResolveFailures marks failures as retried successfully.
func (s *PostgresStore) ResolveFailures(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE failures SET resolved_at = $1 WHERE id = ANY($2)`,
		s.now(), ids,
	)
	return eris.Wrap(err, "postgres: resolve failures")
}

// --- upsert transaction ---

// pgQuerier is satisfied by both db.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

type pgGroupTx struct {
	tx pgQuerier
}

func (t *pgGroupTx) matchGroups(ctx context.Context, names []string, refs []model.ItemRef) ([]model.EntityGroup, error) {
	var conds []string
	args := []any{}
	argIdx := 1
	if len(names) > 0 {
		conds = append(conds, fmt.Sprintf(`i.org_name = ANY($%d)`, argIdx))
		args = append(args, names)
		argIdx++
	}
	for _, r := range refs {
		conds = append(conds, fmt.Sprintf(`(i.dataset = $%d AND i.unique_id = $%d)`, argIdx, argIdx+1))
		args = append(args, r.Dataset, r.UniqueID)
		argIdx += 2
	}
	if len(conds) == 0 {
		return nil, nil
	}

	rows, err := t.tx.Query(ctx,
		`SELECT DISTINCT g.seq, g.id, g.name, g.organisation_type, g.created_at, g.updated_at
		 FROM entity_groups g JOIN group_items i ON i.group_id = g.id
		 WHERE `+strings.Join(conds, " OR ")+`
		 ORDER BY g.seq`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: match groups")
	}
	defer rows.Close()

	var out []model.EntityGroup
	for rows.Next() {
		var g model.EntityGroup
		if err := rows.Scan(&g.Seq, &g.ID, &g.Name, &g.OrganisationType, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan matched group")
		}
		out = append(out, g)
	}
	return out, eris.Wrap(rows.Err(), "postgres: match groups iterate")
}

func (t *pgGroupTx) getGroup(ctx context.Context, id string) (*model.EntityGroup, error) {
	var g model.EntityGroup
	err := t.tx.QueryRow(ctx,
		`SELECT seq, id, name, organisation_type, created_at, updated_at FROM entity_groups WHERE id = $1`, id,
	).Scan(&g.Seq, &g.ID, &g.Name, &g.OrganisationType, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: group %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get group %s", id)
	}

	rows, err := t.tx.Query(ctx,
		`SELECT org_name, unique_id, dataset, postcode FROM group_items WHERE group_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get group items %s", id)
	}
	defer rows.Close()
	for rows.Next() {
		var it model.Item
		if err := rows.Scan(&it.OrgName, &it.UniqueID, &it.Dataset, &it.Postcode); err != nil {
			return nil, eris.Wrap(err, "postgres: scan group item")
		}
		g.Items = append(g.Items, it)
	}
	return &g, eris.Wrap(rows.Err(), "postgres: group items iterate")
}

func (t *pgGroupTx) insertGroup(ctx context.Context, g *model.EntityGroup) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO entity_groups (id, name, organisation_type, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING seq`,
		g.ID, g.Name, g.OrganisationType, g.CreatedAt, g.UpdatedAt,
	).Scan(&g.Seq)
	return eris.Wrap(err, "postgres: insert group")
}

func (t *pgGroupTx) updateGroup(ctx context.Context, g *model.EntityGroup) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE entity_groups SET name = $1, organisation_type = $2, updated_at = $3 WHERE id = $4`,
		g.Name, g.OrganisationType, g.UpdatedAt, g.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update group %s", g.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "group %s", g.ID)
	}
	return nil
}

func (t *pgGroupTx) moveItems(ctx context.Context, fromID, toID string) error {
	_, err := t.tx.Exec(ctx, `UPDATE group_items SET group_id = $1 WHERE group_id = $2`, toID, fromID)
	return eris.Wrapf(err, "postgres: move items %s -> %s", fromID, toID)
}

func (t *pgGroupTx) deleteGroup(ctx context.Context, id string) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM entity_groups WHERE id = $1`, id)
	return eris.Wrapf(err, "postgres: delete group %s", id)
}

func (t *pgGroupTx) insertItems(ctx context.Context, groupID string, items []model.Item) error {
	rows := make([][]any, len(items))
	for i, it := range items {
		rows[i] = []any{groupID, it.Dataset, it.UniqueID, it.OrgName, it.Postcode}
	}
	_, err := db.CopyFrom(ctx, t.tx, "group_items",
		[]string{"group_id", "dataset", "unique_id", "org_name", "postcode"}, rows)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return eris.Wrapf(ErrInvariant, "postgres: item already belongs to another group: %s", pgErr.Detail)
	}
	return eris.Wrapf(err, "postgres: insert items into %s", groupID)
}
