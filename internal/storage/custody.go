package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"BatchSettle/internal/custody"
	"BatchSettle/internal/ledger"
	"BatchSettle/internal/model"
)

// CustodySource supplies the custody state saved next to each snapshot.
// Save runs under the ledger lock, so the export matches the snapshot.
type CustodySource interface {
	Export() custody.State
}

// Durable is a ledger store that also restores custody balances.
type Durable interface {
	ledger.Store
	LoadCustody(ctx context.Context) (*custody.State, error)
}

type Option func(*options)

type options struct {
	custody CustodySource
}

// WithCustody saves src's balances and allowances with every snapshot.
func WithCustody(src CustodySource) Option {
	return func(o *options) { o.custody = src }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

const (
	bookBalance   = "balance"
	bookAllowance = "allowance"
)

func saveCustody(ctx context.Context, tx *sql.Tx, state custody.State) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM custody_entries;`); err != nil {
		return fmt.Errorf("clear custody: %w", err)
	}
	for book, list := range map[string][]custody.Entry{bookBalance: state.Balances, bookAllowance: state.Allowances} {
		for _, e := range list {
			if _, err := tx.ExecContext(ctx, `INSERT INTO custody_entries(book, asset, account, amount) VALUES(?, ?, ?, ?);`,
				book, e.Asset, e.Account, e.Amount.String()); err != nil {
				return fmt.Errorf("save %s %s/%s: %w", book, e.Asset, e.Account, err)
			}
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO custody_state(id, saved) VALUES(1, 1) ON CONFLICT(id) DO NOTHING;`); err != nil {
		return fmt.Errorf("mark custody: %w", err)
	}
	return nil
}

// LoadCustody returns (nil, nil) when custody was never saved.
func (s *SQLiteStore) LoadCustody(ctx context.Context) (*custody.State, error) {
	var saved int
	err := s.db.QueryRowContext(ctx, `SELECT saved FROM custody_state WHERE id = 1;`).Scan(&saved)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load custody marker: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT book, asset, account, amount FROM custody_entries ORDER BY book, asset, account;`)
	if err != nil {
		return nil, fmt.Errorf("load custody: %w", err)
	}
	defer rows.Close()

	state := &custody.State{Balances: []custody.Entry{}, Allowances: []custody.Entry{}}
	for rows.Next() {
		var book, asset, account, amount string
		if err := rows.Scan(&book, &asset, &account, &amount); err != nil {
			return nil, err
		}
		a, err := model.ParseAmount(amount)
		if err != nil {
			return nil, fmt.Errorf("custody %s/%s: %w", asset, account, err)
		}
		e := custody.Entry{Asset: asset, Account: account, Amount: a}
		switch book {
		case bookBalance:
			state.Balances = append(state.Balances, e)
		case bookAllowance:
			state.Allowances = append(state.Allowances, e)
		default:
			return nil, fmt.Errorf("unknown custody book %q", book)
		}
	}
	return state, rows.Err()
}
