//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "notiflow/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(id, rev, notification_id, route_id, level, action_type, recipient_ref, address,
		   method, status, attempts, last_attempt, delivered_at, acknowledged_at, acknowledged_by, failure_reason)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id, rev) DO NOTHING`,
		r.ID, r.Revision, r.NotificationID, nullStr(r.RouteID), r.Level, r.ActionType, nullStr(r.RecipientRef),
		nullStr(r.Address), r.Method, r.Status, r.Attempts, r.LastAttempt.UnixMilli(),
		nullTime(r.DeliveredAt), nullTime(r.AcknowledgedAt), nullStr(r.AcknowledgedBy), nullStr(r.FailureReason),
	)
	return err
}

func (s *sqliteStore) LoadDeliveries(ctx context.Context) ([]DeliveryRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.id, d.rev, d.notification_id, d.route_id, d.level, d.action_type, d.recipient_ref, d.address,
		        d.method, d.status, d.attempts, d.last_attempt, d.delivered_at, d.acknowledged_at,
		        d.acknowledged_by, d.failure_reason
		   FROM deliveries d
		   JOIN (SELECT id, MAX(rev) AS rev, MIN(seq) AS first FROM deliveries GROUP BY id) m
		     ON m.id = d.id AND m.rev = d.rev
		  ORDER BY m.first`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeliveryRecord
	for rows.Next() {
		var r DeliveryRecord
		var routeID, ref, addr, by, reason sql.NullString
		var lastAttempt int64
		var deliveredAt, acknowledgedAt sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Revision, &r.NotificationID, &routeID, &r.Level, &r.ActionType, &ref, &addr,
			&r.Method, &r.Status, &r.Attempts, &lastAttempt, &deliveredAt, &acknowledgedAt, &by, &reason); err != nil {
			return nil, err
		}
		r.RouteID = routeID.String
		r.RecipientRef = ref.String
		r.Address = addr.String
		r.AcknowledgedBy = by.String
		r.FailureReason = reason.String
		r.LastAttempt = time.UnixMilli(lastAttempt)
		r.DeliveredAt = timePtr(deliveredAt)
		r.AcknowledgedAt = timePtr(acknowledgedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutEscalation(ctx context.Context, r EscalationRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.ID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO escalations(id, notification_id, route_id, current_level, started_at, last_escalated_at,
		   is_resolved, resolved_at, resolved_by, exhausted, halt_reason, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   current_level=excluded.current_level,
		   last_escalated_at=excluded.last_escalated_at,
		   is_resolved=excluded.is_resolved,
		   resolved_at=excluded.resolved_at,
		   resolved_by=excluded.resolved_by,
		   exhausted=excluded.exhausted,
		   halt_reason=excluded.halt_reason,
		   updated_at=excluded.updated_at`,
		r.ID, r.NotificationID, r.RouteID, r.CurrentLevel, r.StartedAt.UnixMilli(), nullTime(r.LastEscalatedAt),
		boolInt(r.IsResolved), nullTime(r.ResolvedAt), nullStr(r.ResolvedBy), boolInt(r.Exhausted),
		nullStr(r.HaltReason), r.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) LoadEscalations(ctx context.Context) ([]EscalationRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, notification_id, route_id, current_level, started_at, last_escalated_at, is_resolved,
		        resolved_at, resolved_by, exhausted, halt_reason, updated_at
		   FROM escalations ORDER BY started_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EscalationRecord
	for rows.Next() {
		var r EscalationRecord
		var startedAt, updated int64
		var lastEsc, resolvedAt sql.NullInt64
		var resolved, exhausted int
		var by, halt sql.NullString
		if err := rows.Scan(&r.ID, &r.NotificationID, &r.RouteID, &r.CurrentLevel, &startedAt, &lastEsc,
			&resolved, &resolvedAt, &by, &exhausted, &halt, &updated); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(startedAt)
		r.UpdatedAt = time.UnixMilli(updated)
		r.LastEscalatedAt = timePtr(lastEsc)
		r.ResolvedAt = timePtr(resolvedAt)
		r.IsResolved = resolved != 0
		r.Exhausted = exhausted != 0
		r.ResolvedBy = by.String
		r.HaltReason = halt.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Compact(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM deliveries
		  WHERE rev < (SELECT MAX(rev) FROM deliveries d2 WHERE d2.id = deliveries.id)`)
	if err != nil {
		return err
	}
	_, _ = s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
