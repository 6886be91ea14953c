package storage

import (
	"context"
	"database/sql"
	"fmt"
)

const latestVersion = 3

func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at_ns INTEGER NOT NULL
);
`); err != nil {
		return err
	}

	cur, err := currentVersion(ctx, d.DB)
	if err != nil {
		return err
	}
	for v := cur + 1; v <= latestVersion; v++ {
		if err := apply(ctx, d.DB, v); err != nil {
			return err
		}
	}
	return nil
}

func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, err
	}
	if !v.Valid {
		return 0, nil
	}
	return int(v.Int64), nil
}

func apply(ctx context.Context, db *sql.DB, version int) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	switch version {
	case 1:
		if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS engine_state (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  paused INTEGER NOT NULL,
  cooldown_ns INTEGER NOT NULL,
  taken_at_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS kind_state (
  kind TEXT PRIMARY KEY,
  current_seq INTEGER NOT NULL,
  next_seq INTEGER NOT NULL,
  threshold TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS batches (
  kind TEXT NOT NULL,
  seq INTEGER NOT NULL,
  state TEXT NOT NULL,
  supplied_total TEXT NOT NULL,
  claimable_total TEXT NOT NULL,
  unclaimed_shares TEXT NOT NULL,
  created_at_ns INTEGER NOT NULL,
  processed_at_ns INTEGER NOT NULL,
  PRIMARY KEY (kind, seq)
);

CREATE TABLE IF NOT EXISTS account_shares (
  account TEXT NOT NULL,
  kind TEXT NOT NULL,
  seq INTEGER NOT NULL,
  shares TEXT NOT NULL,
  PRIMARY KEY (account, kind, seq)
);
`); err != nil {
			return fmt.Errorf("migration v1 failed: %w", err)
		}
	case 2:
		if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS account_batches (
  account TEXT NOT NULL,
  position INTEGER NOT NULL,
  kind TEXT NOT NULL,
  seq INTEGER NOT NULL,
  PRIMARY KEY (account, position)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_account_batches_batch ON account_batches(account, kind, seq);
`); err != nil {
			return fmt.Errorf("migration v2 failed: %w", err)
		}
	case 3:
		if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS custody_entries (
  book TEXT NOT NULL,
  asset TEXT NOT NULL,
  account TEXT NOT NULL,
  amount TEXT NOT NULL,
  PRIMARY KEY (book, asset, account)
);

CREATE TABLE IF NOT EXISTS custody_state (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  saved INTEGER NOT NULL
);
`); err != nil {
			return fmt.Errorf("migration v3 failed: %w", err)
		}
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at_ns) VALUES(?, strftime('%s','now')*1000000000);`, version); err != nil {
		return err
	}
	return tx.Commit()
}
