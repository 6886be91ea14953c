package custody

import (
	"fmt"

	"go.uber.org/zap"

	"BatchSettle/internal/ledger"
	"BatchSettle/internal/model"
)

// Holdings returns what custody must hold for the ledger state in snap:
// supplied funds of open batches and unpaid output of claimable ones.
func Holdings(snap *ledger.Snapshot, assets model.Assets) (map[string]model.Amount, error) {
	out := make(map[string]model.Amount, 2)
	for _, b := range snap.Batches {
		asset, amount := assets.Supplied(b.Kind), b.SuppliedTotal
		if b.State == model.Claimable {
			asset, amount = assets.Claimable(b.Kind), b.ClaimableTotal
		}
		sum, overflow := out[asset].Add(amount)
		if overflow {
			return nil, fmt.Errorf("holdings of %s: %w", asset, model.ErrOverflow)
		}
		out[asset] = sum
	}
	return out, nil
}

// Reconcile credits the custody account with the holdings implied by a
// restored snapshot. The bank must not hold custody funds yet.
func (b *Bank) Reconcile(snap *ledger.Snapshot, assets model.Assets) error {
	if snap == nil {
		return nil
	}
	holdings, err := Holdings(snap, assets)
	if err != nil {
		return err
	}
	for asset, amount := range holdings {
		if amount.IsZero() {
			continue
		}
		if err := b.Mint(asset, Account, amount); err != nil {
			return fmt.Errorf("reconcile %s: %w", asset, err)
		}
		b.logger.Info("custody reconciled from snapshot",
			zap.String("asset", asset), zap.Stringer("amount", amount))
	}
	return nil
}
