package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/procurewatch/procurewatch/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// the hot path of a scrape run.
var preparedStatements = map[string]string{
	"get_opportunity":    `SELECT data FROM opportunities WHERE portal_id = $1 AND external_id = $2`,
	"touch_opportunity":  `UPDATE opportunities SET last_seen_at = $1 WHERE id = $2`,
	"insert_event":       `INSERT INTO events (id, opportunity_id, run_id, type, summary, changes, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
	"get_portal_by_name": `SELECT id, name, base_url, last_scraped_at, last_success_at, total_runs, total_opportunities, created_at, updated_at FROM portals WHERE name = $1`,
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
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS portals (
	id                  TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name                TEXT NOT NULL UNIQUE,
	base_url            TEXT NOT NULL,
	last_scraped_at     TIMESTAMPTZ,
	last_success_at     TIMESTAMPTZ,
	total_runs          INTEGER NOT NULL DEFAULT 0,
	total_opportunities INTEGER NOT NULL DEFAULT 0,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	portal_id     TEXT NOT NULL REFERENCES portals(id),
	status        TEXT NOT NULL DEFAULT 'RUNNING',
	dry_run       BOOLEAN NOT NULL DEFAULT false,
	stats         JSONB,
	error_message TEXT,
	started_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS opportunities (
	id            TEXT PRIMARY KEY,
	portal_id     TEXT NOT NULL REFERENCES portals(id),
	external_id   TEXT NOT NULL,
	title         TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'UNKNOWN',
	fingerprint   TEXT NOT NULL,
	data          JSONB NOT NULL,
	first_seen_at TIMESTAMPTZ NOT NULL,
	last_seen_at  TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	UNIQUE (portal_id, external_id)
);

CREATE TABLE IF NOT EXISTS events (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	opportunity_id TEXT NOT NULL REFERENCES opportunities(id),
	run_id         TEXT,
	type           TEXT NOT NULL,
	summary        TEXT,
	changes        JSONB,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_locks (
	lock_name   TEXT PRIMARY KEY,
	holder_id   TEXT NOT NULL,
	acquired_at TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_portal_id ON runs(portal_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_opportunities_portal_id ON opportunities(portal_id);
CREATE INDEX IF NOT EXISTS idx_opportunities_status ON opportunities(status);
CREATE INDEX IF NOT EXISTS idx_opportunities_closing ON opportunities((data->>'closing_at'));
CREATE INDEX IF NOT EXISTS idx_events_opportunity_id ON events(opportunity_id);
CREATE INDEX IF NOT EXISTS idx_run_locks_expires_at ON run_locks(expires_at);
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
	s.pool.Close()
	return nil
}

func (s *PostgresStore) UpsertPortal(ctx context.Context, portal *model.Portal) (*model.Portal, error) {
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
		_, err := s.pool.Exec(ctx,
			`INSERT INTO portals (id, name, base_url, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
			p.ID, p.Name, p.BaseURL, p.CreatedAt, p.UpdatedAt,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: insert portal %s", p.Name)
		}
		return &p, nil
	}

	existing.BaseURL = portal.BaseURL
	existing.UpdatedAt = now
	_, err = s.pool.Exec(ctx,
		`UPDATE portals SET base_url = $1, updated_at = $2 WHERE id = $3`,
		existing.BaseURL, existing.UpdatedAt, existing.ID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: update portal %s", existing.Name)
	}
	return existing, nil
}

func (s *PostgresStore) GetPortal(ctx context.Context, name string) (*model.Portal, error) {
	var p model.Portal
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, base_url, last_scraped_at, last_success_at,
		        total_runs, total_opportunities, created_at, updated_at
		 FROM portals WHERE name = $1`,
		name,
	).Scan(&p.ID, &p.Name, &p.BaseURL, &p.LastScrapedAt, &p.LastSuccessAt,
		&p.TotalRuns, &p.TotalOpportunities, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get portal %s", name)
	}
	return &p, nil
}

func (s *PostgresStore) ListPortals(ctx context.Context) ([]model.Portal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, base_url, last_scraped_at, last_success_at,
		        total_runs, total_opportunities, created_at, updated_at
		 FROM portals ORDER BY name`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list portals")
	}
	defer rows.Close()

	var portals []model.Portal
	for rows.Next() {
		var p model.Portal
		if err := rows.Scan(&p.ID, &p.Name, &p.BaseURL, &p.LastScrapedAt, &p.LastSuccessAt,
			&p.TotalRuns, &p.TotalOpportunities, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan portal")
		}
		portals = append(portals, p)
	}
	return portals, eris.Wrap(rows.Err(), "postgres: list portals iterate")
}

func (s *PostgresStore) UpdatePortalStats(ctx context.Context, portalID string, success bool, newOpportunities int) error {
	now := time.Now().UTC()
	query := `UPDATE portals SET last_scraped_at = $1, total_runs = total_runs + 1,
	          total_opportunities = total_opportunities + $2, updated_at = $1 WHERE id = $3`
	args := []any{now, newOpportunities, portalID}
	if success {
		query = `UPDATE portals SET last_scraped_at = $1, last_success_at = $1, total_runs = total_runs + 1,
		         total_opportunities = total_opportunities + $2, updated_at = $1 WHERE id = $3`
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update portal stats %s", portalID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("portal not found: %s", portalID)
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, portalID string, dryRun bool) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, portal_id, status, dry_run, started_at) VALUES ($1, $2, $3, $4, $5)`,
		id, portalID, string(model.RunStatusRunning), dryRun, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert run for portal %s", portalID)
	}

	return &model.Run{
		ID:        id,
		PortalID:  portalID,
		Status:    model.RunStatusRunning,
		DryRun:    dryRun,
		StartedAt: now,
	}, nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, stats *model.RunStats, errMsg string) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal stats")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, stats = $2, error_message = $3, finished_at = $4 WHERE id = $5`,
		string(status), statsJSON, errMsg, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, portal_id, status, dry_run, stats, error_message, started_at, finished_at
	          FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.PortalID != "" {
		query += fmt.Sprintf(` AND portal_id = $%d`, argIdx)
		args = append(args, filter.PortalID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY started_at DESC`

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
		var r model.Run
		var statsJSON []byte
		var errMsg *string
		if err := rows.Scan(&r.ID, &r.PortalID, &r.Status, &r.DryRun, &statsJSON, &errMsg, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		if len(statsJSON) > 0 {
			if err := json.Unmarshal(statsJSON, &r.Stats); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal stats")
			}
		}
		if errMsg != nil {
			r.ErrorMessage = *errMsg
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) GetOpportunity(ctx context.Context, portalID, externalID string) (*model.Opportunity, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT data FROM opportunities WHERE portal_id = $1 AND external_id = $2`,
		portalID, externalID,
	)
	return scanOpportunityData(row, portalID, externalID)
}

func scanOpportunityData(row pgx.Row, portalID, externalID string) (*model.Opportunity, error) {
	var data []byte
	err := row.Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get opportunity %s/%s", portalID, externalID)
	}

	var opp model.Opportunity
	if err := json.Unmarshal(data, &opp); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal opportunity")
	}
	return &opp, nil
}

// UpsertOpportunity reconciles the incoming snapshot against the stored row
// inside a transaction with a row lock, so concurrent runs over the same
// portal serialize per (portal_id, external_id).
func (s *PostgresStore) UpsertOpportunity(ctx context.Context, opp *model.Opportunity) (*model.Opportunity, model.EventType, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, "", eris.Wrap(err, "postgres: begin upsert")
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT data FROM opportunities WHERE portal_id = $1 AND external_id = $2 FOR UPDATE`,
		opp.PortalID, opp.ExternalID,
	)
	existing, err := scanOpportunityData(row, opp.PortalID, opp.ExternalID)
	if err != nil {
		return nil, "", err
	}

	merged, event := mergeOpportunity(existing, opp, time.Now().UTC())
	data, err := json.Marshal(merged)
	if err != nil {
		return nil, "", eris.Wrap(err, "postgres: marshal opportunity")
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO opportunities
		   (id, portal_id, external_id, title, status, fingerprint, data, first_seen_at, last_seen_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (portal_id, external_id) DO UPDATE SET
		   title = excluded.title, status = excluded.status, fingerprint = excluded.fingerprint,
		   data = excluded.data, last_seen_at = excluded.last_seen_at, updated_at = excluded.updated_at`,
		merged.ID, merged.PortalID, merged.ExternalID, merged.Title, string(merged.Status),
		merged.Fingerprint, data, merged.FirstSeenAt, merged.LastSeenAt, merged.UpdatedAt,
	)
	if err != nil {
		return nil, "", eris.Wrapf(err, "postgres: upsert opportunity %s/%s", opp.PortalID, opp.ExternalID)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, "", eris.Wrap(err, "postgres: commit upsert")
	}
	return merged, event, nil
}

func (s *PostgresStore) ListOpportunities(ctx context.Context, filter OpportunityFilter) ([]model.Opportunity, error) {
	query := `SELECT data FROM opportunities WHERE true`
	args := []any{}
	argIdx := 1

	if filter.PortalID != "" {
		query += fmt.Sprintf(` AND portal_id = $%d`, argIdx)
		args = append(args, filter.PortalID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Search != "" {
		query += fmt.Sprintf(` AND title ILIKE $%d`, argIdx)
		args = append(args, "%"+filter.Search+"%")
		argIdx++
	}
	query += ` ORDER BY last_seen_at DESC`

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
		return nil, eris.Wrap(err, "postgres: list opportunities")
	}
	defer rows.Close()

	var opps []model.Opportunity
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan opportunity")
		}
		var opp model.Opportunity
		if err := json.Unmarshal(data, &opp); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal opportunity")
		}
		opps = append(opps, opp)
	}
	return opps, eris.Wrap(rows.Err(), "postgres: list opportunities iterate")
}

func (s *PostgresStore) RecordEvent(ctx context.Context, ev *model.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	changesJSON, err := json.Marshal(ev.Changes)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal changes")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO events (id, opportunity_id, run_id, type, summary, changes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.OpportunityID, ev.RunID, string(ev.Type), ev.Summary, changesJSON, ev.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: record event for %s", ev.OpportunityID)
}

func (s *PostgresStore) ListEvents(ctx context.Context, opportunityID string) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, opportunity_id, run_id, type, summary, changes, created_at
		 FROM events WHERE opportunity_id = $1 ORDER BY created_at DESC`,
		opportunityID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list events")
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var ev model.Event
		var changesJSON []byte
		if err := rows.Scan(&ev.ID, &ev.OpportunityID, &ev.RunID, &ev.Type, &ev.Summary, &changesJSON, &ev.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		if len(changesJSON) > 0 {
			if err := json.Unmarshal(changesJSON, &ev.Changes); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal changes")
			}
		}
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "postgres: list events iterate")
}

// AcquireRunLock takes an advisory lock unless another holder owns an
// unexpired one. Re-acquiring by the same holder extends the TTL.
func (s *PostgresStore) AcquireRunLock(ctx context.Context, lockName, holderID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, eris.Wrap(err, "postgres: begin lock")
	}
	defer tx.Rollback(ctx)

	var holder string
	var expiresAt time.Time
	err = tx.QueryRow(ctx,
		`SELECT holder_id, expires_at FROM run_locks WHERE lock_name = $1 FOR UPDATE`, lockName,
	).Scan(&holder, &expiresAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, eris.Wrapf(err, "postgres: query lock %s", lockName)
	}
	if err == nil && expiresAt.After(now) && holder != holderID {
		return false, nil
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO run_locks (lock_name, holder_id, acquired_at, expires_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (lock_name) DO UPDATE SET
		   holder_id = excluded.holder_id, acquired_at = excluded.acquired_at, expires_at = excluded.expires_at`,
		lockName, holderID, now, now.Add(ttl),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: acquire lock %s", lockName)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, eris.Wrap(err, "postgres: commit lock")
	}
	return true, nil
}

func (s *PostgresStore) ReleaseRunLock(ctx context.Context, lockName, holderID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM run_locks WHERE lock_name = $1 AND holder_id = $2`,
		lockName, holderID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: release lock %s", lockName)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) CleanupExpiredLocks(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM run_locks WHERE expires_at <= $1`, time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: cleanup locks")
	}
	return int(tag.RowsAffected()), nil
}
