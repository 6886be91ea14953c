// Package converter provides adapters for the external step that turns a
// batch's supplied asset into its claimable asset.
package converter

import (
	"context"
	"errors"
	"fmt"

	"BatchSettle/internal/model"
)

// Func adapts an ordinary function to the ledger's Converter interface.
type Func func(ctx context.Context, kind model.BatchKind, supplied model.Amount) (model.Amount, error)

func (f Func) Convert(ctx context.Context, kind model.BatchKind, supplied model.Amount) (model.Amount, error) {
	return f(ctx, kind, supplied)
}

// Rate is an exchange rate of Num claimable units per Den supplied units.
type Rate struct {
	Num model.Amount
	Den model.Amount
}

// ParseRate reads "num/den" or a bare integer multiplier.
func ParseRate(s string) (Rate, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			num, err := model.ParseAmount(s[:i])
			if err != nil {
				return Rate{}, err
			}
			den, err := model.ParseAmount(s[i+1:])
			if err != nil {
				return Rate{}, err
			}
			if den.IsZero() {
				return Rate{}, fmt.Errorf("rate %q has zero denominator", s)
			}
			return Rate{Num: num, Den: den}, nil
		}
	}
	num, err := model.ParseAmount(s)
	if err != nil {
		return Rate{}, err
	}
	return Rate{Num: num, Den: model.NewAmount(1)}, nil
}

// Settler moves converted funds inside custody.
type Settler interface {
	Exchange(ctx context.Context, sellAsset string, sell model.Amount, buyAsset string, buy model.Amount) error
}

// Fixed converts at a constant per-kind rate, rounding down. With a Settler
// it also swaps the funds held in custody.
type Fixed struct {
	assets model.Assets
	rates  map[model.BatchKind]Rate
	settle Settler
}

func NewFixed(assets model.Assets, rates map[model.BatchKind]Rate, settle Settler) *Fixed {
	return &Fixed{assets: assets, rates: rates, settle: settle}
}

func (f *Fixed) Convert(ctx context.Context, kind model.BatchKind, supplied model.Amount) (model.Amount, error) {
	rate, ok := f.rates[kind]
	if !ok || rate.Den.IsZero() {
		return model.Amount{}, fmt.Errorf("no rate configured for %s", kind)
	}
	out, err := supplied.MulDiv(rate.Num, rate.Den)
	if err != nil {
		return model.Amount{}, fmt.Errorf("convert %s %s: %w", supplied, kind, err)
	}
	if out.IsZero() {
		return model.Amount{}, errors.New("conversion output rounds to zero")
	}
	if f.settle != nil {
		if err := f.settle.Exchange(ctx, f.assets.Supplied(kind), supplied, f.assets.Claimable(kind), out); err != nil {
			return model.Amount{}, fmt.Errorf("settle %s conversion: %w", kind, err)
		}
	}
	return out, nil
}

// Settled mirrors conversions performed elsewhere in local custody, so the
// claimable output is available to pay claims.
func Settled(inner interface {
	Convert(ctx context.Context, kind model.BatchKind, supplied model.Amount) (model.Amount, error)
}, assets model.Assets, settle Settler) Func {
	return func(ctx context.Context, kind model.BatchKind, supplied model.Amount) (model.Amount, error) {
		out, err := inner.Convert(ctx, kind, supplied)
		if err != nil {
			return model.Amount{}, err
		}
		if err := settle.Exchange(ctx, assets.Supplied(kind), supplied, assets.Claimable(kind), out); err != nil {
			return model.Amount{}, fmt.Errorf("settle %s conversion: %w", kind, err)
		}
		return out, nil
	}
}
