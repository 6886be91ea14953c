package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"BatchSettle/internal/model"
)

// SQLiteRecorder appends ledger events to a SQLite database.
type SQLiteRecorder struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *zap.Logger
}

// NewSQLiteRecorder opens (or creates) the SQLite database and runs migrations.
func NewSQLiteRecorder(dbPath string, logger *zap.Logger) (*SQLiteRecorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL lets dashboards read while the engine writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	r := &SQLiteRecorder{db: db, logger: logger}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger.Info("sqlite recorder opened", zap.String("path", dbPath))
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			timestamp  INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			kind       TEXT NOT NULL,
			batch      TEXT NOT NULL,
			account    TEXT,
			amount     TEXT NOT NULL,
			shares     TEXT NOT NULL,
			target     TEXT,
			caller     TEXT,
			note       TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_events_batch ON events(batch)`,
	}

	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

func (r *SQLiteRecorder) Record(ctx context.Context, evt model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var target string
	if evt.Target != nil {
		target = evt.Target.String()
	}
	_, err := r.db.ExecContext(ctx, `INSERT OR IGNORE INTO events
		(id, timestamp, event_type, kind, batch, account, amount, shares, target, caller, note)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		evt.ID, evt.Time.UnixNano(), string(evt.Type), evt.Kind.String(), evt.Batch.String(),
		evt.Account, evt.Amount.String(), evt.Shares.String(), target, evt.Caller, evt.Note,
	)
	return err
}

// Emit records evt as a ledger sink. Failures are logged only.
func (r *SQLiteRecorder) Emit(ctx context.Context, evt model.Event) {
	if err := r.Record(ctx, evt); err != nil {
		r.logger.Error("failed to record event",
			zap.String("event_id", evt.ID), zap.String("type", string(evt.Type)), zap.Error(err))
	}
}

func (r *SQLiteRecorder) Recent(ctx context.Context, typ model.EventType, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `SELECT id, timestamp, event_type, kind, batch, account, amount, shares, target, caller, note
		FROM events WHERE (? = '' OR event_type = ?) ORDER BY seq DESC LIMIT ?`,
		string(typ), string(typ), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var evt model.Event
		var ts int64
		var typStr, kind, batch, amount, shares string
		var account, target, caller, note sql.NullString
		if err := rows.Scan(&evt.ID, &ts, &typStr, &kind, &batch, &account, &amount, &shares, &target, &caller, &note); err != nil {
			return nil, err
		}
		evt.Time = time.Unix(0, ts).UTC()
		evt.Type = model.EventType(typStr)
		evt.Account, evt.Caller, evt.Note = account.String, caller.String, note.String
		if err := evt.Kind.UnmarshalText([]byte(kind)); err != nil {
			return nil, err
		}
		if err := evt.Batch.UnmarshalText([]byte(batch)); err != nil {
			return nil, err
		}
		if evt.Amount, err = model.ParseAmount(amount); err != nil {
			return nil, err
		}
		if evt.Shares, err = model.ParseAmount(shares); err != nil {
			return nil, err
		}
		if target.String != "" {
			id, err := model.ParseBatchID(target.String)
			if err != nil {
				return nil, err
			}
			evt.Target = &id
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}
