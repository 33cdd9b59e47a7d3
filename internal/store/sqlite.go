package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/procurewatch/procurewatch/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
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
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS portals (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL UNIQUE,
	base_url            TEXT NOT NULL,
	last_scraped_at     DATETIME,
	last_success_at     DATETIME,
	total_runs          INTEGER NOT NULL DEFAULT 0,
	total_opportunities INTEGER NOT NULL DEFAULT 0,
	created_at          DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at          DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	portal_id     TEXT NOT NULL REFERENCES portals(id),
	status        TEXT NOT NULL DEFAULT 'RUNNING',
	dry_run       INTEGER NOT NULL DEFAULT 0,
	stats         TEXT,
	error_message TEXT,
	started_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	finished_at   DATETIME
);

CREATE TABLE IF NOT EXISTS opportunities (
	id            TEXT PRIMARY KEY,
	portal_id     TEXT NOT NULL REFERENCES portals(id),
	external_id   TEXT NOT NULL,
	title         TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'UNKNOWN',
	fingerprint   TEXT NOT NULL,
	data          TEXT NOT NULL,
	first_seen_at DATETIME NOT NULL,
	last_seen_at  DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL,
	UNIQUE (portal_id, external_id)
);

CREATE TABLE IF NOT EXISTS events (
	id             TEXT PRIMARY KEY,
	opportunity_id TEXT NOT NULL REFERENCES opportunities(id),
	run_id         TEXT,
	type           TEXT NOT NULL,
	summary        TEXT,
	changes        TEXT,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS run_locks (
	lock_name   TEXT PRIMARY KEY,
	holder_id   TEXT NOT NULL,
	acquired_at DATETIME NOT NULL,
	expires_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_portal_id ON runs(portal_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_opportunities_portal_id ON opportunities(portal_id);
CREATE INDEX IF NOT EXISTS idx_opportunities_status ON opportunities(status);
CREATE INDEX IF NOT EXISTS idx_events_opportunity_id ON events(opportunity_id);
CREATE INDEX IF NOT EXISTS idx_run_locks_expires_at ON run_locks(expires_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertPortal(ctx context.Context, portal *model.Portal) (*model.Portal, error) {
	existing, err := s.GetPortal(ctx, portal.Name)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	if existing == nil {
		p := *portal
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		p.CreatedAt = now
		p.UpdatedAt = now
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO portals (id, name, base_url, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			p.ID, p.Name, p.BaseURL, p.CreatedAt, p.UpdatedAt,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: insert portal %s", p.Name)
		}
		return &p, nil
	}

	existing.BaseURL = portal.BaseURL
	existing.UpdatedAt = now
	_, err = s.db.ExecContext(ctx,
		`UPDATE portals SET base_url = ?, updated_at = ? WHERE id = ?`,
		existing.BaseURL, existing.UpdatedAt, existing.ID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: update portal %s", existing.Name)
	}
	return existing, nil
}

func (s *SQLiteStore) GetPortal(ctx context.Context, name string) (*model.Portal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, base_url, last_scraped_at, last_success_at,
		        total_runs, total_opportunities, created_at, updated_at
		 FROM portals WHERE name = ?`,
		name,
	)
	p, err := scanPortal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (s *SQLiteStore) ListPortals(ctx context.Context) ([]model.Portal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, base_url, last_scraped_at, last_success_at,
		        total_runs, total_opportunities, created_at, updated_at
		 FROM portals ORDER BY name`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list portals")
	}
	defer rows.Close()

	var portals []model.Portal
	for rows.Next() {
		p, err := scanPortal(rows)
		if err != nil {
			return nil, err
		}
		portals = append(portals, *p)
	}
	return portals, eris.Wrap(rows.Err(), "sqlite: list portals iterate")
}

func (s *SQLiteStore) UpdatePortalStats(ctx context.Context, portalID string, success bool, newOpportunities int) error {
	now := time.Now().UTC()
	query := `UPDATE portals SET last_scraped_at = ?, total_runs = total_runs + 1,
	          total_opportunities = total_opportunities + ?, updated_at = ? WHERE id = ?`
	args := []any{now, newOpportunities, now, portalID}
	if success {
		query = `UPDATE portals SET last_scraped_at = ?, last_success_at = ?, total_runs = total_runs + 1,
		         total_opportunities = total_opportunities + ?, updated_at = ? WHERE id = ?`
		args = []any{now, now, newOpportunities, now, portalID}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update portal stats %s", portalID)
	}
	return checkRowsAffected(res, "portal", portalID)
}

func (s *SQLiteStore) CreateRun(ctx context.Context, portalID string, dryRun bool) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, portal_id, status, dry_run, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, portalID, string(model.RunStatusRunning), boolToInt(dryRun), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert run for portal %s", portalID)
	}

	return &model.Run{
		ID:        id,
		PortalID:  portalID,
		Status:    model.RunStatusRunning,
		DryRun:    dryRun,
		StartedAt: now,
	}, nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, stats *model.RunStats, errMsg string) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal stats")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, stats = ?, error_message = ?, finished_at = ? WHERE id = ?`,
		string(status), string(statsJSON), errMsg, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, portal_id, status, dry_run, stats, error_message, started_at, finished_at
	          FROM runs WHERE 1=1`
	var args []any

	if filter.PortalID != "" {
		query += ` AND portal_id = ?`
		args = append(args, filter.PortalID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC`

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
	defer rows.Close()

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

func (s *SQLiteStore) GetOpportunity(ctx context.Context, portalID, externalID string) (*model.Opportunity, error) {
	return getOpportunitySQL(ctx, s.db, portalID, externalID)
}

type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getOpportunitySQL(ctx context.Context, q sqlQuerier, portalID, externalID string) (*model.Opportunity, error) {
	row := q.QueryRowContext(ctx,
		`SELECT data FROM opportunities WHERE portal_id = ? AND external_id = ?`,
		portalID, externalID,
	)

	var data string
	err := row.Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get opportunity %s/%s", portalID, externalID)
	}

	var opp model.Opportunity
	if err := json.Unmarshal([]byte(data), &opp); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal opportunity")
	}
	return &opp, nil
}

// UpsertOpportunity reconciles the incoming snapshot against the stored row
// inside a transaction, so concurrent runs over the same portal serialize
// per (portal_id, external_id).
func (s *SQLiteStore) UpsertOpportunity(ctx context.Context, opp *model.Opportunity) (*model.Opportunity, model.EventType, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", eris.Wrap(err, "sqlite: begin upsert")
	}
	defer tx.Rollback()

	existing, err := getOpportunitySQL(ctx, tx, opp.PortalID, opp.ExternalID)
	if err != nil {
		return nil, "", err
	}

	merged, event := mergeOpportunity(existing, opp, time.Now().UTC())
	data, err := json.Marshal(merged)
	if err != nil {
		return nil, "", eris.Wrap(err, "sqlite: marshal opportunity")
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO opportunities
		   (id, portal_id, external_id, title, status, fingerprint, data, first_seen_at, last_seen_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (portal_id, external_id) DO UPDATE SET
		   title = excluded.title, status = excluded.status, fingerprint = excluded.fingerprint,
		   data = excluded.data, last_seen_at = excluded.last_seen_at, updated_at = excluded.updated_at`,
		merged.ID, merged.PortalID, merged.ExternalID, merged.Title, string(merged.Status),
		merged.Fingerprint, string(data), merged.FirstSeenAt, merged.LastSeenAt, merged.UpdatedAt,
	)
	if err != nil {
		return nil, "", eris.Wrapf(err, "sqlite: upsert opportunity %s/%s", opp.PortalID, opp.ExternalID)
	}

	if err := tx.Commit(); err != nil {
		return nil, "", eris.Wrap(err, "sqlite: commit upsert")
	}
	return merged, event, nil
}

func (s *SQLiteStore) ListOpportunities(ctx context.Context, filter OpportunityFilter) ([]model.Opportunity, error) {
	query := `SELECT data FROM opportunities WHERE 1=1`
	var args []any

	if filter.PortalID != "" {
		query += ` AND portal_id = ?`
		args = append(args, filter.PortalID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Search != "" {
		query += ` AND title LIKE ?`
		args = append(args, "%"+filter.Search+"%")
	}
	query += ` ORDER BY last_seen_at DESC`

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
		return nil, eris.Wrap(err, "sqlite: list opportunities")
	}
	defer rows.Close()

	var opps []model.Opportunity
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan opportunity")
		}
		var opp model.Opportunity
		if err := json.Unmarshal([]byte(data), &opp); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal opportunity")
		}
		opps = append(opps, opp)
	}
	return opps, eris.Wrap(rows.Err(), "sqlite: list opportunities iterate")
}

func (s *SQLiteStore) RecordEvent(ctx context.Context, ev *model.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	changesJSON, err := json.Marshal(ev.Changes)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal changes")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (id, opportunity_id, run_id, type, summary, changes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.OpportunityID, ev.RunID, string(ev.Type), ev.Summary, string(changesJSON), ev.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: record event for %s", ev.OpportunityID)
}

func (s *SQLiteStore) ListEvents(ctx context.Context, opportunityID string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, opportunity_id, run_id, type, summary, changes, created_at
		 FROM events WHERE opportunity_id = ? ORDER BY created_at DESC`,
		opportunityID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list events")
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var ev model.Event
		var changesJSON sql.NullString
		if err := rows.Scan(&ev.ID, &ev.OpportunityID, &ev.RunID, &ev.Type, &ev.Summary, &changesJSON, &ev.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		if changesJSON.Valid && changesJSON.String != "" && changesJSON.String != "null" {
			if err := json.Unmarshal([]byte(changesJSON.String), &ev.Changes); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal changes")
			}
		}
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: list events iterate")
}

// AcquireRunLock takes an advisory lock unless another holder owns an
// unexpired one. Re-acquiring by the same holder extends the TTL.
func (s *SQLiteStore) AcquireRunLock(ctx context.Context, lockName, holderID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin lock")
	}
	defer tx.Rollback()

	var holder string
	var expiresAt time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT holder_id, expires_at FROM run_locks WHERE lock_name = ?`, lockName,
	).Scan(&holder, &expiresAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, eris.Wrapf(err, "sqlite: query lock %s", lockName)
	}
	if err == nil && expiresAt.After(now) && holder != holderID {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_locks (lock_name, holder_id, acquired_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (lock_name) DO UPDATE SET
		   holder_id = excluded.holder_id, acquired_at = excluded.acquired_at, expires_at = excluded.expires_at`,
		lockName, holderID, now, now.Add(ttl),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: acquire lock %s", lockName)
	}
	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "sqlite: commit lock")
	}
	return true, nil
}

func (s *SQLiteStore) ReleaseRunLock(ctx context.Context, lockName, holderID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM run_locks WHERE lock_name = ? AND holder_id = ?`,
		lockName, holderID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: release lock %s", lockName)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) CleanupExpiredLocks(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM run_locks WHERE expires_at <= ?`, time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: cleanup locks")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scannable interface {
	Scan(dest ...any) error
}

func scanPortal(row scannable) (*model.Portal, error) {
	var p model.Portal
	var lastScraped, lastSuccess sql.NullTime

	err := row.Scan(&p.ID, &p.Name, &p.BaseURL, &lastScraped, &lastSuccess,
		&p.TotalRuns, &p.TotalOpportunities, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan portal")
	}
	if lastScraped.Valid {
		p.LastScrapedAt = &lastScraped.Time
	}
	if lastSuccess.Valid {
		p.LastSuccessAt = &lastSuccess.Time
	}
	return &p, nil
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var dryRun int
	var statsJSON, errMsg sql.NullString
	var finished sql.NullTime

	err := row.Scan(&r.ID, &r.PortalID, &r.Status, &dryRun, &statsJSON, &errMsg, &r.StartedAt, &finished)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	r.DryRun = dryRun != 0
	if statsJSON.Valid && statsJSON.String != "" && statsJSON.String != "null" {
		if err := json.Unmarshal([]byte(statsJSON.String), &r.Stats); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal stats")
		}
	}
	if errMsg.Valid {
		r.ErrorMessage = errMsg.String
	}
	if finished.Valid {
		r.FinishedAt = &finished.Time
	}
	return &r, nil
}
