package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/orgsync/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer keeps upserts serialised and in-memory databases shared.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS entity_groups (
	seq               INTEGER PRIMARY KEY AUTOINCREMENT,
	id                TEXT NOT NULL UNIQUE,
	name              TEXT NOT NULL,
	organisation_type TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS group_items (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	group_id  TEXT NOT NULL REFERENCES entity_groups(id),
	dataset   TEXT NOT NULL,
	unique_id TEXT NOT NULL,
	org_name  TEXT NOT NULL,
	postcode  TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_group_items_ref ON group_items(dataset, unique_id);
CREATE INDEX IF NOT EXISTS idx_group_items_group_id ON group_items(group_id);
CREATE INDEX IF NOT EXISTS idx_group_items_org_name ON group_items(org_name);

CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'running',
	last_stage TEXT NOT NULL DEFAULT '',
	threshold  REAL NOT NULL,
	data_mode  TEXT NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	report     TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);

CREATE TABLE IF NOT EXISTS checkpoints (
	run_id     TEXT NOT NULL REFERENCES runs(id),
	stage      TEXT NOT NULL,
	payload    BLOB NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (run_id, stage)
);

CREATE TABLE IF NOT EXISTS evidence_cache (
	provider   TEXT NOT NULL,
	name       TEXT NOT NULL,
	results    TEXT NOT NULL,
	fetched_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL,
	PRIMARY KEY (provider, name)
);

CREATE TABLE IF NOT EXISTS failures (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id        TEXT NOT NULL,
	candidate_set TEXT NOT NULL,
	error         TEXT NOT NULL,
	kind          TEXT NOT NULL DEFAULT '',
	attempts      INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL,
	resolved_at   DATETIME
);

CREATE INDEX IF NOT EXISTS idx_failures_run_id ON failures(run_id);
`

// Migrate creates the schema if it does not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Groups ---

// UpsertGroups applies resolved groups in a single transaction.
func (s *SQLiteStore) UpsertGroups(ctx context.Context, groups []model.ResolvedGroup) (*UpsertResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin upsert")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := upsertGroups(ctx, &sqliteGroupTx{tx: tx}, groups, s.now())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit upsert")
	}
	return res, nil
}

// GetGroup returns one group with its items.
func (s *SQLiteStore) GetGroup(ctx context.Context, id string) (*model.EntityGroup, error) {
	return (&sqliteGroupTx{tx: s.db}).getGroup(ctx, id)
}

// ListGroups returns groups oldest first, with their items.
func (s *SQLiteStore) ListGroups(ctx context.Context, filter GroupFilter) ([]model.EntityGroup, error) {
	inner := `SELECT seq, id, name, organisation_type, created_at, updated_at FROM entity_groups`
	var args []any
	if filter.Query != "" {
		like := "%" + strings.ToLower(filter.Query) + "%"
		inner += ` WHERE lower(name) LIKE ? OR id IN (SELECT group_id FROM group_items WHERE org_name LIKE ?)`
		args = append(args, like, like)
	}
	inner += ` ORDER BY seq`
	if filter.Limit > 0 {
		inner += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT g.seq, g.id, g.name, g.organisation_type, g.created_at, g.updated_at,
		        i.org_name, i.unique_id, i.dataset, i.postcode
		 FROM (`+inner+`) g
		 JOIN group_items i ON i.group_id = g.id
		 ORDER BY g.seq, i.seq`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list groups")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.EntityGroup
	for rows.Next() {
		var g model.EntityGroup
		var it model.Item
		if err := rows.Scan(&g.Seq, &g.ID, &g.Name, &g.OrganisationType, &g.CreatedAt, &g.UpdatedAt,
			&it.OrgName, &it.UniqueID, &it.Dataset, &it.Postcode); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan group row")
		}
		if n := len(out); n > 0 && out[n-1].ID == g.ID {
			out[n-1].Items = append(out[n-1].Items, it)
			continue
		}
		g.Items = []model.Item{it}
		out = append(out, g)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list groups iterate")
}

// CountGroups returns the number of persisted groups.
func (s *SQLiteStore) CountGroups(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entity_groups`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count groups")
}

// CheckIntegrity verifies that groups partition their items and that
// every group has at least two items.
func (s *SQLiteStore) CheckIntegrity(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT dataset, unique_id FROM group_items
		 GROUP BY dataset, unique_id HAVING COUNT(DISTINCT group_id) > 1`)
	if err != nil {
		return eris.Wrap(err, "sqlite: check shared items")
	}
	var shared []model.ItemRef
	for rows.Next() {
		var ref model.ItemRef
		if err := rows.Scan(&ref.Dataset, &ref.UniqueID); err != nil {
			rows.Close() //nolint:errcheck
			return eris.Wrap(err, "sqlite: scan shared item")
		}
		shared = append(shared, ref)
	}
	rows.Close() //nolint:errcheck
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "sqlite: check shared items iterate")
	}

	small, err := s.queryStrings(ctx,
		`SELECT g.id FROM entity_groups g
		 LEFT JOIN group_items i ON i.group_id = g.id
		 GROUP BY g.id HAVING COUNT(i.seq) < 2`)
	if err != nil {
		return eris.Wrap(err, "sqlite: check small groups")
	}
	return integrityError(shared, small)
}

func (s *SQLiteStore) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- Runs ---

// CreateRun records a new running run.
func (s *SQLiteStore) CreateRun(ctx context.Context, threshold float64, mode model.DataMode) (*model.Run, error) {
	id := uuid.Must(uuid.NewV7()).String()
	now := s.now()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, threshold, data_mode, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, string(model.RunStatusRunning), threshold, string(mode), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
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
func (s *SQLiteStore) UpdateRunStage(ctx context.Context, runID string, stage model.Stage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET last_stage = ?, updated_at = ? WHERE id = ?`,
		string(stage), s.now(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run stage %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

// UpdateRunStatus sets a run's status and error message.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), errMsg, s.now(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

// CompleteRun marks a run complete and stores its report.
func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, report *model.RunReport) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal report")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET report = ?, status = ?, error = '', updated_at = ? WHERE id = ?`,
		string(reportJSON), string(model.RunStatusComplete), s.now(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

const sqliteRunColumns = `id, status, last_stage, threshold, data_mode, error, report, created_at, updated_at`

// GetRun returns one run.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteRunColumns+` FROM runs WHERE id = ?`, runID)
	return scanRun(row)
}

// LatestRun returns the most recently created run.
func (s *SQLiteStore) LatestRun(ctx context.Context) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteRunColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT 1`)
	return scanRun(row)
}

// ListRuns returns runs newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + sqliteRunColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC`

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
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// --- Checkpoints ---

// SaveCheckpoint stores (or replaces) the output of a stage.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, runID string, stage model.Stage, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (run_id, stage, payload, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (run_id, stage) DO UPDATE SET payload = excluded.payload, created_at = excluded.created_at`,
		runID, string(stage), payload, s.now(),
	)
	return eris.Wrapf(err, "sqlite: save checkpoint %s/%s", runID, stage)
}

// LoadCheckpoint returns the stored output of a stage or ErrNotFound.
func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, runID string, stage model.Stage) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM checkpoints WHERE run_id = ? AND stage = ?`,
		runID, string(stage),
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: checkpoint %s/%s", runID, stage)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load checkpoint %s/%s", runID, stage)
	}
	return payload, nil
}

// --- Evidence cache ---

// GetEvidence returns an unexpired cache entry, or nil on a miss.
func (s *SQLiteStore) GetEvidence(ctx context.Context, provider, name string) (*model.EvidenceCache, error) {
	var ec model.EvidenceCache
	var resultsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT provider, name, results, fetched_at, expires_at FROM evidence_cache
		 WHERE provider = ? AND name = ? AND expires_at > ?`,
		provider, name, s.now(),
	).Scan(&ec.Provider, &ec.Name, &resultsJSON, &ec.FetchedAt, &ec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get evidence")
	}
	if err := json.Unmarshal([]byte(resultsJSON), &ec.Results); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal evidence")
	}
	return &ec, nil
}

// SetEvidence stores a lookup, replacing any previous entry.
func (s *SQLiteStore) SetEvidence(ctx context.Context, provider, name string, results []model.Evidence, ttl time.Duration) error {
	if results == nil {
		results = []model.Evidence{}
	}
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal evidence")
	}
	now := s.now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO evidence_cache (provider, name, results, fetched_at, expires_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (provider, name) DO UPDATE SET
		   results = excluded.results, fetched_at = excluded.fetched_at, expires_at = excluded.expires_at`,
		provider, name, string(resultsJSON), now, now.Add(ttl),
	)
	return eris.Wrap(err, "sqlite: set evidence")
}

// --- Failures ---

// RecordFailures stores refinement failures.
func (s *SQLiteStore) RecordFailures(ctx context.Context, failures []model.Failure) error {
	if len(failures) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin record failures")
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.now()
	for _, f := range failures {
		setJSON, err := json.Marshal(f.Set)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal candidate set")
		}
		created := f.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO failures (run_id, candidate_set, error, kind, attempts, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			f.RunID, string(setJSON), f.Error, f.Kind, f.Attempts, created,
		); err != nil {
			return eris.Wrap(err, "sqlite: insert failure")
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit failures")
}

// ListFailures returns failures oldest first.
func (s *SQLiteStore) ListFailures(ctx context.Context, filter FailureFilter) ([]model.Failure, error) {
	query := `SELECT id, run_id, candidate_set, error, kind, attempts, created_at, resolved_at FROM failures WHERE 1=1`
	var args []any
	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if !filter.IncludeResolved {
		query += ` AND resolved_at IS NULL`
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list failures")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Failure
	for rows.Next() {
		var f model.Failure
		var setJSON string
		var resolved sql.NullTime
		if err := rows.Scan(&f.ID, &f.RunID, &setJSON, &f.Error, &f.Kind, &f.Attempts, &f.CreatedAt, &resolved); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan failure")
		}
		if err := json.Unmarshal([]byte(setJSON), &f.Set); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal candidate set")
		}
		if resolved.Valid {
			t := resolved.Time
			f.ResolvedAt = &t
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list failures iterate")
}

// ResolveFailures marks failures as retried successfully.
func (s *SQLiteStore) ResolveFailures(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{s.now()}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE failures SET resolved_at = ? WHERE id IN (`+placeholders(len(ids))+`)`,
		args...,
	)
	return eris.Wrap(err, "sqlite: resolve failures")
}

// --- upsert transaction ---

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteGroupTx struct {
	tx sqlQuerier
}

func (t *sqliteGroupTx) matchGroups(ctx context.Context, names []string, refs []model.ItemRef) ([]model.EntityGroup, error) {
	var conds []string
	var args []any
	if len(names) > 0 {
		conds = append(conds, `i.org_name IN (`+placeholders(len(names))+`)`)
		for _, n := range names {
			args = append(args, n)
		}
	}
	for _, r := range refs {
		conds = append(conds, `(i.dataset = ? AND i.unique_id = ?)`)
		args = append(args, r.Dataset, r.UniqueID)
	}
	if len(conds) == 0 {
		return nil, nil
	}

	rows, err := t.tx.QueryContext(ctx,
		`SELECT DISTINCT g.seq, g.id, g.name, g.organisation_type, g.created_at, g.updated_at
		 FROM entity_groups g JOIN group_items i ON i.group_id = g.id
		 WHERE `+strings.Join(conds, " OR ")+`
		 ORDER BY g.seq`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: match groups")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.EntityGroup
	for rows.Next() {
		var g model.EntityGroup
		if err := rows.Scan(&g.Seq, &g.ID, &g.Name, &g.OrganisationType, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan matched group")
		}
		out = append(out, g)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: match groups iterate")
}

func (t *sqliteGroupTx) getGroup(ctx context.Context, id string) (*model.EntityGroup, error) {
	var g model.EntityGroup
	err := t.tx.QueryRowContext(ctx,
		`SELECT seq, id, name, organisation_type, created_at, updated_at FROM entity_groups WHERE id = ?`, id,
	).Scan(&g.Seq, &g.ID, &g.Name, &g.OrganisationType, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: group %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get group %s", id)
	}

	rows, err := t.tx.QueryContext(ctx,
		`SELECT org_name, unique_id, dataset, postcode FROM group_items WHERE group_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get group items %s", id)
	}
	defer rows.Close() //nolint:errcheck
	for rows.Next() {
		var it model.Item
		if err := rows.Scan(&it.OrgName, &it.UniqueID, &it.Dataset, &it.Postcode); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan group item")
		}
		g.Items = append(g.Items, it)
	}
	return &g, eris.Wrap(rows.Err(), "sqlite: group items iterate")
}

func (t *sqliteGroupTx) insertGroup(ctx context.Context, g *model.EntityGroup) error {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO entity_groups (id, name, organisation_type, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		g.ID, g.Name, g.OrganisationType, g.CreatedAt, g.UpdatedAt,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert group")
	}
	g.Seq, err = res.LastInsertId()
	return eris.Wrap(err, "sqlite: group seq")
}

func (t *sqliteGroupTx) updateGroup(ctx context.Context, g *model.EntityGroup) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE entity_groups SET name = ?, organisation_type = ?, updated_at = ? WHERE id = ?`,
		g.Name, g.OrganisationType, g.UpdatedAt, g.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update group %s", g.ID)
	}
	return checkRowsAffected(res, "group", g.ID)
}

func (t *sqliteGroupTx) moveItems(ctx context.Context, fromID, toID string) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE group_items SET group_id = ? WHERE group_id = ?`, toID, fromID)
	return eris.Wrapf(err, "sqlite: move items %s -> %s", fromID, toID)
}

func (t *sqliteGroupTx) deleteGroup(ctx context.Context, id string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM entity_groups WHERE id = ?`, id)
	return eris.Wrapf(err, "sqlite: delete group %s", id)
}

func (t *sqliteGroupTx) insertItems(ctx context.Context, groupID string, items []model.Item) error {
	for _, it := range items {
		_, err := t.tx.ExecContext(ctx,
			`INSERT INTO group_items (group_id, dataset, unique_id, org_name, postcode) VALUES (?, ?, ?, ?, ?)`,
			groupID, it.Dataset, it.UniqueID, it.OrgName, it.Postcode,
		)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return eris.Wrapf(ErrInvariant, "sqlite: item %s already belongs to another group", it.Ref())
			}
			return eris.Wrapf(err, "sqlite: insert item %s", it.Ref())
		}
	}
	return nil
}

// --- helpers ---

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var reportJSON sql.NullString

	err := row.Scan(&r.ID, &r.Status, &r.LastStage, &r.Threshold, &r.DataMode, &r.Error, &reportJSON, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "sqlite: run")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	if reportJSON.Valid && reportJSON.String != "" {
		r.Report = &model.RunReport{}
		if err := json.Unmarshal([]byte(reportJSON.String), r.Report); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal report")
		}
	}
	return &r, nil
}
