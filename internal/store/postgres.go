package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/EPguitars/proxycare/internal/model"
)

// PostgresStore is the pgx-backed implementation of Store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pgxpool.Pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

type pgxTx struct {
	tx pgx.Tx
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(ctx, &pgxTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

func txOf(tx Tx) (pgx.Tx, error) {
	wrapped, ok := tx.(*pgxTx)
	if !ok || wrapped == nil || wrapped.tx == nil {
		return nil, errors.New("store: not inside a postgres transaction")
	}
	return wrapped.tx, nil
}

// FetchUnblocked selects up to limit proxies for sourceID that are not
// currently cooling down, highest priority first, locking the rows so a
// concurrent refill cannot select them too.
func (s *PostgresStore) FetchUnblocked(ctx context.Context, tx Tx, sourceID int, limit int) ([]model.ProxyRecord, error) {
	pgtx, err := txOf(tx)
	if err != nil {
		return nil, err
	}

	query := `SELECT id, credential, source_id, priority, usage_interval, provider_id, updated_at
	          FROM proxies
	          WHERE source_id = $1 AND (blocked_until IS NULL OR blocked_until <= NOW())
	          ORDER BY priority DESC, id ASC
	          LIMIT $2
	          FOR UPDATE SKIP LOCKED`

	rows, err := pgtx.Query(ctx, query, sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch unblocked: %w", err)
	}
	defer rows.Close()

	var out []model.ProxyRecord
	for rows.Next() {
		var rec model.ProxyRecord
		if err := rows.Scan(&rec.ID, &rec.Credential, &rec.SourceID, &rec.Priority,
			&rec.UsageIntervalSeconds, &rec.ProviderID, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan unblocked proxy: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch unblocked: %w", err)
	}
	return out, nil
}

// MarkTaken marks ids as cooling down for intervalSeconds, in the same
// transaction as the selecting FetchUnblocked call.
func (s *PostgresStore) MarkTaken(ctx context.Context, tx Tx, ids []int, intervalSeconds int) error {
	if len(ids) == 0 {
		return nil
	}
	pgtx, err := txOf(tx)
	if err != nil {
		return err
	}
	query := `UPDATE proxies
	          SET blocked_until = NOW() + ($2 || ' seconds')::interval, updated_at = NOW()
	          WHERE id = ANY($1)`
	if _, err := pgtx.Exec(ctx, query, ids, intervalSeconds); err != nil {
		return fmt.Errorf("mark taken: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertReport(ctx context.Context, report model.UsageReport) (int64, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM proxies WHERE id = $1)`, report.ProxyID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("check proxy exists: %w", err)
	}
	if !exists {
		return 0, ErrProxyNotFound
	}

	var id int64
	query := `INSERT INTO statistics (proxy_id, status_id, reported_at) VALUES ($1, $2, NOW()) RETURNING id`
	if err := s.pool.QueryRow(ctx, query, report.ProxyID, report.StatusCode).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert report: %w", err)
	}
	return id, nil
}

// UnblockStale clears the cool-down marker on any proxy whose window has
// already elapsed and returns the number of rows cleared.
func (s *PostgresStore) UnblockStale(ctx context.Context) (int, error) {
	res, err := s.pool.Exec(ctx, `UPDATE proxies SET blocked_until = NULL WHERE blocked_until IS NOT NULL AND blocked_until <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("unblock stale: %w", err)
	}
	return int(res.RowsAffected()), nil
}

func (s *PostgresStore) GetSource(ctx context.Context, id int) (model.Source, error) {
	var src model.Source
	err := s.pool.QueryRow(ctx, `SELECT id, name FROM sources WHERE id = $1`, id).Scan(&src.ID, &src.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Source{}, ErrSourceNotFound
		}
		return model.Source{}, fmt.Errorf("get source: %w", err)
	}
	return src, nil
}

func (s *PostgresStore) ListSources(ctx context.Context) ([]model.Source, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name FROM sources ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []model.Source
	for rows.Next() {
		var src model.Source
		if err := rows.Scan(&src.ID, &src.Name); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AllProxies(ctx context.Context) ([]model.ProxyRecord, error) {
	return s.queryProxies(ctx, `SELECT p.id, p.credential, p.source_id, p.priority, p.usage_interval,
	       p.provider_id, pr.name, p.updated_at
	       FROM proxies p LEFT JOIN providers pr ON pr.id = p.provider_id
	       ORDER BY p.id ASC`)
}

func (s *PostgresStore) ProxiesBySource(ctx context.Context, sourceID int) ([]model.ProxyRecord, error) {
	return s.queryProxies(ctx, `SELECT p.id, p.credential, p.source_id, p.priority, p.usage_interval,
	       p.provider_id, pr.name, p.updated_at
	       FROM proxies p LEFT JOIN providers pr ON pr.id = p.provider_id
	       WHERE p.source_id = $1
	       ORDER BY p.id ASC`, sourceID)
}

func (s *PostgresStore) queryProxies(ctx context.Context, query string, args ...any) ([]model.ProxyRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query proxies: %w", err)
	}
	defer rows.Close()

	var out []model.ProxyRecord
	for rows.Next() {
		var rec model.ProxyRecord
		if err := rows.Scan(&rec.ID, &rec.Credential, &rec.SourceID, &rec.Priority,
			&rec.UsageIntervalSeconds, &rec.ProviderID, &rec.ProviderName, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan proxy: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertProxy(ctx context.Context, rec model.ProxyRecord) (model.ProxyRecord, error) {
	interval := rec.EffectiveInterval()
	query := `INSERT INTO proxies (credential, source_id, priority, usage_interval, provider_id, updated_at)
	          VALUES ($1, $2, $3, $4, $5, NOW())
	          RETURNING id, updated_at`
	err := s.pool.QueryRow(ctx, query, rec.Credential, rec.SourceID, rec.Priority, interval, rec.ProviderID).
		Scan(&rec.ID, &rec.UpdatedAt)
	if err != nil {
		return model.ProxyRecord{}, fmt.Errorf("insert proxy: %w", err)
	}
	rec.UsageIntervalSeconds = interval
	return rec, nil
}

// IssueToken persists a minted bearer token. The store offers no lookup or
// revocation of these rows; the broker's own auth check against Config.Auth.Secrets
// never consults this table, it exists for auditability of partner-minted
// tokens, mirroring the original deployment's store_token call.
func (s *PostgresStore) IssueToken(ctx context.Context, token string, userID *int) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO tokens (token, user_id, created_at) VALUES ($1, $2, NOW())`, token, userID)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReportsForProxy(ctx context.Context, proxyID int) ([]model.UsageReport, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, proxy_id, status_id, reported_at FROM statistics WHERE proxy_id = $1 ORDER BY id ASC`, proxyID)
	if err != nil {
		return nil, fmt.Errorf("reports for proxy: %w", err)
	}
	defer rows.Close()

	var out []model.UsageReport
	for rows.Next() {
		var rep model.UsageReport
		if err := rows.Scan(&rep.ID, &rep.ProxyID, &rep.StatusCode, &rep.ReportedAt); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		out = append(out, rep)
	}
	return out, rows.Err()
}
