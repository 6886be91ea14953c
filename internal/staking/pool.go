// Package staking locks claimed composite tokens for accounts.
package staking

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"BatchSettle/internal/model"
)

// Custody is the part of the custody bank the pool needs.
type Custody interface {
	Push(ctx context.Context, asset, to string, amount model.Amount) error
	BalanceOf(ctx context.Context, asset, account string) (model.Amount, error)
}

// StakeAccount is the custody account holding account's stake.
func StakeAccount(account string) string { return "stake:" + account }

// Pool keeps each account's stake in its own custody account, so stakes
// persist with the rest of custody.
type Pool struct {
	custody Custody
	logger  *zap.Logger
}

func NewPool(c Custody, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{custody: c, logger: logger}
}

// StakeFor moves amount of asset from engine custody into the account's stake.
func (p *Pool) StakeFor(ctx context.Context, asset, account string, amount model.Amount) error {
	if account == "" {
		return fmt.Errorf("stake %s: account is required", asset)
	}
	if err := p.custody.Push(ctx, asset, StakeAccount(account), amount); err != nil {
		return fmt.Errorf("stake %s %s for %s: %w", amount, asset, account, err)
	}
	p.logger.Info("staked",
		zap.String("account", account),
		zap.String("asset", asset),
		zap.Stringer("amount", amount))
	return nil
}

// StakeOf returns the amount of asset account has staked.
func (p *Pool) StakeOf(ctx context.Context, asset, account string) (model.Amount, error) {
	return p.custody.BalanceOf(ctx, asset, StakeAccount(account))
}
