package ledger

import (
	"context"

	"BatchSettle/internal/model"
)

// ValueTransfer moves assets between accounts and engine custody.
type ValueTransfer interface {
	// Pull moves amount of asset from an account into engine custody.
	Pull(ctx context.Context, asset, from string, amount model.Amount) error
	// Push moves amount of asset from engine custody to an account.
	Push(ctx context.Context, asset, to string, amount model.Amount) error
	BalanceOf(ctx context.Context, asset, account string) (model.Amount, error)
	Allowance(ctx context.Context, asset, owner string) (model.Amount, error)
}

// Converter exchanges the supplied asset of a batch kind for its claimable asset.
type Converter interface {
	Convert(ctx context.Context, kind model.BatchKind, supplied model.Amount) (model.Amount, error)
}

// Staker locks claimed output in staking on behalf of an account. It moves
// the funds out of engine custody itself.
type Staker interface {
	StakeFor(ctx context.Context, asset, account string, amount model.Amount) error
}

// Store persists ledger snapshots. Load returns (nil, nil) when nothing was saved yet.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
}

// EventSink receives events after a mutation has been applied.
// Implementations handle their own failures.
type EventSink interface {
	Emit(ctx context.Context, evt model.Event)
}
