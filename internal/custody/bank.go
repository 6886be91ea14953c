// Package custody is an in-process asset ledger implementing the engine's
// value transfer contract: per-asset balances, allowances granted to the
// engine, and the engine's own custody account.
package custody

import (
	"context"
	"errors"
	"fmt"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"BatchSettle/internal/model"
)

// Account is the custody account holding pooled funds.
const Account = "engine"

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
)

type key struct {
	asset   string
	account string
}

// Bank keeps balances and allowances in concurrent maps. Each debit is an
// atomic check-and-update on its key.
type Bank struct {
	balances   *xsync.Map[key, model.Amount]
	allowances *xsync.Map[key, model.Amount]
	logger     *zap.Logger
}

func NewBank(logger *zap.Logger) *Bank {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bank{
		balances:   xsync.NewMap[key, model.Amount](),
		allowances: xsync.NewMap[key, model.Amount](),
		logger:     logger,
	}
}

// Mint creates amount of asset in account. Used for funding accounts and by
// converters settling their output into custody.
func (b *Bank) Mint(asset, account string, amount model.Amount) error {
	return credit(b.balances, key{asset, account}, amount)
}

// Approve sets how much of asset the engine may pull from owner.
func (b *Bank) Approve(asset, owner string, amount model.Amount) {
	k := key{asset, owner}
	if amount.IsZero() {
		b.allowances.Delete(k)
		return
	}
	b.allowances.Store(k, amount)
}

// Pull moves amount from an account into custody, spending allowance.
func (b *Bank) Pull(_ context.Context, asset, from string, amount model.Amount) error {
	k := key{asset, from}
	if !debit(b.allowances, k, amount) {
		return fmt.Errorf("pull %s %s from %s: %w", amount, asset, from, ErrInsufficientAllowance)
	}
	if !debit(b.balances, k, amount) {
		// give the allowance back, nothing moved
		_ = credit(b.allowances, k, amount)
		return fmt.Errorf("pull %s %s from %s: %w", amount, asset, from, ErrInsufficientBalance)
	}
	if err := credit(b.balances, key{asset, Account}, amount); err != nil {
		_ = credit(b.balances, k, amount)
		_ = credit(b.allowances, k, amount)
		return fmt.Errorf("pull %s %s from %s: %w", amount, asset, from, err)
	}
	b.logger.Debug("custody pull", zap.String("asset", asset), zap.String("from", from), zap.Stringer("amount", amount))
	return nil
}

// Push moves amount from custody to an account.
func (b *Bank) Push(_ context.Context, asset, to string, amount model.Amount) error {
	if !debit(b.balances, key{asset, Account}, amount) {
		return fmt.Errorf("push %s %s to %s: custody %w", amount, asset, to, ErrInsufficientBalance)
	}
	if err := credit(b.balances, key{asset, to}, amount); err != nil {
		_ = credit(b.balances, key{asset, Account}, amount)
		return fmt.Errorf("push %s %s to %s: %w", amount, asset, to, err)
	}
	b.logger.Debug("custody push", zap.String("asset", asset), zap.String("to", to), zap.Stringer("amount", amount))
	return nil
}

// Exchange burns sell of sellAsset from custody and mints buy of buyAsset
// into custody.
func (b *Bank) Exchange(_ context.Context, sellAsset string, sell model.Amount, buyAsset string, buy model.Amount) error {
	if !debit(b.balances, key{sellAsset, Account}, sell) {
		return fmt.Errorf("exchange %s %s: custody %w", sell, sellAsset, ErrInsufficientBalance)
	}
	if err := credit(b.balances, key{buyAsset, Account}, buy); err != nil {
		_ = credit(b.balances, key{sellAsset, Account}, sell)
		return fmt.Errorf("exchange into %s %s: %w", buy, buyAsset, err)
	}
	return nil
}

func (b *Bank) BalanceOf(_ context.Context, asset, account string) (model.Amount, error) {
	v, _ := b.balances.Load(key{asset, account})
	return v, nil
}

func (b *Bank) Allowance(_ context.Context, asset, owner string) (model.Amount, error) {
	v, _ := b.allowances.Load(key{asset, owner})
	return v, nil
}

func debit(m *xsync.Map[key, model.Amount], k key, amount model.Amount) bool {
	ok := false
	m.Compute(k, func(old model.Amount, loaded bool) (model.Amount, xsync.ComputeOp) {
		if !loaded || old.Lt(amount) {
			if amount.IsZero() {
				ok = true
			}
			return old, xsync.CancelOp
		}
		next, _ := old.Sub(amount)
		ok = true
		if next.IsZero() {
			return next, xsync.DeleteOp
		}
		return next, xsync.UpdateOp
	})
	return ok
}

func credit(m *xsync.Map[key, model.Amount], k key, amount model.Amount) error {
	var err error
	m.Compute(k, func(old model.Amount, loaded bool) (model.Amount, xsync.ComputeOp) {
		next, overflow := old.Add(amount)
		if overflow {
			err = model.ErrOverflow
			return old, xsync.CancelOp
		}
		if next.IsZero() {
			return next, xsync.CancelOp
		}
		return next, xsync.UpdateOp
	})
	return err
}
