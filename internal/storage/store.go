package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"BatchSettle/internal/ledger"
	"BatchSettle/internal/model"
)

// SQLiteStore keeps the latest ledger snapshot in relational tables. Each
// Save replaces the previous state inside a single transaction.
type SQLiteStore struct {
	db   *DB
	opts options
}

func NewSQLiteStore(db *DB, opts ...Option) *SQLiteStore {
	return &SQLiteStore{db: db, opts: buildOptions(opts)}
}

func (s *SQLiteStore) Save(ctx context.Context, snap *ledger.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO engine_state(id, paused, cooldown_ns, taken_at_ns) VALUES(1, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET paused=excluded.paused, cooldown_ns=excluded.cooldown_ns, taken_at_ns=excluded.taken_at_ns;`,
		snap.Paused, int64(snap.Cooldown), toNanos(snap.TakenAt)); err != nil {
		return fmt.Errorf("save engine state: %w", err)
	}

	for _, ks := range snap.Kinds {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO kind_state(kind, current_seq, next_seq, threshold) VALUES(?, ?, ?, ?)
ON CONFLICT(kind) DO UPDATE SET current_seq=excluded.current_seq, next_seq=excluded.next_seq, threshold=excluded.threshold;`,
			ks.Kind.String(), int64(ks.Current.Seq), int64(ks.NextSeq), ks.Threshold.String()); err != nil {
			return fmt.Errorf("save %s state: %w", ks.Kind, err)
		}
	}

	for _, b := range snap.Batches {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO batches(kind, seq, state, supplied_total, claimable_total, unclaimed_shares, created_at_ns, processed_at_ns)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(kind, seq) DO UPDATE SET
  state=excluded.state,
  supplied_total=excluded.supplied_total,
  claimable_total=excluded.claimable_total,
  unclaimed_shares=excluded.unclaimed_shares,
  processed_at_ns=excluded.processed_at_ns;`,
			b.Kind.String(), int64(b.ID.Seq), b.State.String(),
			b.SuppliedTotal.String(), b.ClaimableTotal.String(), b.UnclaimedShares.String(),
			toNanos(b.CreatedAt), toNanos(b.ProcessedAt)); err != nil {
			return fmt.Errorf("save batch %s: %w", b.ID, err)
		}
	}

	// shares disappear once claimed, so the table is rewritten
	if _, err := tx.ExecContext(ctx, `DELETE FROM account_shares;`); err != nil {
		return fmt.Errorf("clear shares: %w", err)
	}
	for _, sh := range snap.Shares {
		if _, err := tx.ExecContext(ctx, `INSERT INTO account_shares(account, kind, seq, shares) VALUES(?, ?, ?, ?);`,
			sh.Account, sh.Batch.Kind.String(), int64(sh.Batch.Seq), sh.Shares.String()); err != nil {
			return fmt.Errorf("save share %s/%s: %w", sh.Account, sh.Batch, err)
		}
	}

	for account, ids := range snap.AccountBatches {
		for pos, id := range ids {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO account_batches(account, position, kind, seq) VALUES(?, ?, ?, ?);`,
				account, pos, id.Kind.String(), int64(id.Seq)); err != nil {
				return fmt.Errorf("save batches of %s: %w", account, err)
			}
		}
	}

	if s.opts.custody != nil {
		if err := saveCustody(ctx, tx, s.opts.custody.Export()); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Load returns (nil, nil) when no snapshot has been saved yet.
func (s *SQLiteStore) Load(ctx context.Context) (*ledger.Snapshot, error) {
	snap := &ledger.Snapshot{AccountBatches: make(map[string][]model.BatchID)}

	var cooldown, takenAt int64
	err := s.db.QueryRowContext(ctx, `SELECT paused, cooldown_ns, taken_at_ns FROM engine_state WHERE id = 1;`).
		Scan(&snap.Paused, &cooldown, &takenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load engine state: %w", err)
	}
	snap.Cooldown = time.Duration(cooldown)
	snap.TakenAt = fromNanos(takenAt)

	if err := s.loadKinds(ctx, snap); err != nil {
		return nil, err
	}
	if err := s.loadBatches(ctx, snap); err != nil {
		return nil, err
	}
	if err := s.loadShares(ctx, snap); err != nil {
		return nil, err
	}
	if err := s.loadAccountBatches(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *SQLiteStore) loadKinds(ctx context.Context, snap *ledger.Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, current_seq, next_seq, threshold FROM kind_state ORDER BY kind;`)
	if err != nil {
		return fmt.Errorf("load kind state: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			kindStr, threshold string
			cur, next          int64
		)
		if err := rows.Scan(&kindStr, &cur, &next, &threshold); err != nil {
			return err
		}
		kind, err := model.ParseBatchKind(kindStr)
		if err != nil {
			return err
		}
		ks := ledger.KindState{Kind: kind, Current: model.BatchID{Kind: kind, Seq: uint64(cur)}, NextSeq: uint64(next)}
		if ks.Threshold, err = model.ParseAmount(threshold); err != nil {
			return err
		}
		snap.Kinds = append(snap.Kinds, ks)
	}
	return rows.Err()
}

func (s *SQLiteStore) loadBatches(ctx context.Context, snap *ledger.Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `
SELECT kind, seq, state, supplied_total, claimable_total, unclaimed_shares, created_at_ns, processed_at_ns
FROM batches ORDER BY kind, seq;`)
	if err != nil {
		return fmt.Errorf("load batches: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			kindStr, state, supplied, claimable, unclaimed string
			seq, created, processed                        int64
		)
		if err := rows.Scan(&kindStr, &seq, &state, &supplied, &claimable, &unclaimed, &created, &processed); err != nil {
			return err
		}
		kind, err := model.ParseBatchKind(kindStr)
		if err != nil {
			return err
		}
		b := model.Batch{
			ID:          model.BatchID{Kind: kind, Seq: uint64(seq)},
			Kind:        kind,
			CreatedAt:   fromNanos(created),
			ProcessedAt: fromNanos(processed),
		}
		if err := b.State.UnmarshalText([]byte(state)); err != nil {
			return err
		}
		if b.SuppliedTotal, err = model.ParseAmount(supplied); err != nil {
			return err
		}
		if b.ClaimableTotal, err = model.ParseAmount(claimable); err != nil {
			return err
		}
		if b.UnclaimedShares, err = model.ParseAmount(unclaimed); err != nil {
			return err
		}
		snap.Batches = append(snap.Batches, b)
	}
	return rows.Err()
}

func (s *SQLiteStore) loadShares(ctx context.Context, snap *ledger.Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `SELECT account, kind, seq, shares FROM account_shares ORDER BY account, kind, seq;`)
	if err != nil {
		return fmt.Errorf("load shares: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			account, kindStr, shares string
			seq                      int64
		)
		if err := rows.Scan(&account, &kindStr, &seq, &shares); err != nil {
			return err
		}
		kind, err := model.ParseBatchKind(kindStr)
		if err != nil {
			return err
		}
		amount, err := model.ParseAmount(shares)
		if err != nil {
			return err
		}
		snap.Shares = append(snap.Shares, model.AccountShare{
			Account: account,
			Batch:   model.BatchID{Kind: kind, Seq: uint64(seq)},
			Shares:  amount,
		})
	}
	return rows.Err()
}

func (s *SQLiteStore) loadAccountBatches(ctx context.Context, snap *ledger.Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `SELECT account, kind, seq FROM account_batches ORDER BY account, position;`)
	if err != nil {
		return fmt.Errorf("load account batches: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			account, kindStr string
			seq              int64
		)
		if err := rows.Scan(&account, &kindStr, &seq); err != nil {
			return err
		}
		kind, err := model.ParseBatchKind(kindStr)
		if err != nil {
			return err
		}
		snap.AccountBatches[account] = append(snap.AccountBatches[account], model.BatchID{Kind: kind, Seq: uint64(seq)})
	}
	return rows.Err()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
