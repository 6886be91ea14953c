package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"BatchSettle/internal/converter"
	"BatchSettle/internal/custody"
	"BatchSettle/internal/ledger"
	"BatchSettle/internal/metrics"
	"BatchSettle/internal/model"
	"BatchSettle/internal/staking"
)

const (
	baseAsset = "3CRV"
	compAsset = "BTR"
	keeper    = "keeper"
)

var assets = model.Assets{Base: baseAsset, Composite: compAsset}

func amt(n uint64) model.Amount { return model.NewAmount(n) }

type fixture struct {
	t       *testing.T
	ctx     context.Context
	ledger  *ledger.Ledger
	bank    *custody.Bank
	now     time.Time
	convert func(kind model.BatchKind, supplied model.Amount) (model.Amount, error)
}

// newFixture builds a ledger with cooldown 1800s and threshold 20000 for both
// kinds. Conversion defaults to 1 claimable unit per 100 supplied units.
func newFixture(t *testing.T, opts ...ledger.Option) *fixture {
	t.Helper()
	f := &fixture{
		t:    t,
		ctx:  context.Background(),
		bank: custody.NewBank(zaptest.NewLogger(t)),
		now:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	f.convert = func(_ model.BatchKind, supplied model.Amount) (model.Amount, error) {
		return supplied.MulDiv(amt(1), amt(100))
	}
	conv := converter.Func(func(ctx context.Context, kind model.BatchKind, supplied model.Amount) (model.Amount, error) {
		out, err := f.convert(kind, supplied)
		if err != nil {
			return model.Amount{}, err
		}
		if err := f.bank.Exchange(ctx, assets.Supplied(kind), supplied, assets.Claimable(kind), out); err != nil {
			return model.Amount{}, err
		}
		return out, nil
	})
	cfg := ledger.Config{
		Cooldown:   1800 * time.Second,
		Thresholds: map[model.BatchKind]model.Amount{model.Mint: amt(20000), model.Redeem: amt(20000)},
		Assets:     assets,
	}
	opts = append([]ledger.Option{
		ledger.WithLogger(zaptest.NewLogger(t)),
		ledger.WithClock(func() time.Time { return f.now }),
	}, opts...)
	l, err := ledger.New(cfg, ledger.NewOperatorSet(keeper), f.bank, conv, opts...)
	require.NoError(t, err)
	f.ledger = l
	return f
}

func (f *fixture) fund(account, asset string, n uint64) {
	require.NoError(f.t, f.bank.Mint(asset, account, amt(n)))
	f.bank.Approve(asset, account, amt(n))
}

func (f *fixture) deposit(kind model.BatchKind, account string, n uint64) model.BatchID {
	f.t.Helper()
	f.fund(account, assets.Supplied(kind), n)
	res, err := f.ledger.Deposit(f.ctx, ledger.DepositRequest{Kind: kind, Account: account, Amount: amt(n)})
	require.NoError(f.t, err)
	return res.Batch
}

func (f *fixture) process(kind model.BatchKind) ledger.ProcessResult {
	f.t.Helper()
	res, err := f.ledger.Process(f.ctx, ledger.ProcessRequest{Kind: kind, Caller: keeper})
	require.NoError(f.t, err)
	return res
}

func (f *fixture) batch(id model.BatchID) model.Batch {
	f.t.Helper()
	b, err := f.ledger.GetBatch(id)
	require.NoError(f.t, err)
	return b
}

func (f *fixture) balance(asset, account string) model.Amount {
	v, err := f.bank.BalanceOf(f.ctx, asset, account)
	require.NoError(f.t, err)
	return v
}

func TestCooldownScenario(t *testing.T) {
	f := newFixture(t)
	f.convert = func(model.BatchKind, model.Amount) (model.Amount, error) { return amt(100), nil }

	id := f.deposit(model.Mint, "A", 10000)
	assert.Equal(t, model.BatchID{Kind: model.Mint, Seq: 0}, id)

	f.now = f.now.Add(1800 * time.Second)
	res := f.process(model.Mint)
	assert.Equal(t, id, res.Batch)
	assert.Equal(t, model.BatchID{Kind: model.Mint, Seq: 1}, res.Next)

	b := f.batch(id)
	assert.Equal(t, model.Claimable, b.State)
	assert.Equal(t, amt(100), b.ClaimableTotal)
	assert.Equal(t, amt(10000), b.UnclaimedShares)

	cur, err := f.ledger.CurrentBatchID(model.Mint)
	require.NoError(t, err)
	assert.Equal(t, res.Next, cur)
	assert.Equal(t, model.Open, f.batch(cur).State)

	claim, err := f.ledger.Claim(f.ctx, ledger.ClaimRequest{Batch: id, Account: "A"})
	require.NoError(t, err)
	assert.Equal(t, amt(100), claim.Payout)
	assert.Equal(t, amt(100), f.balance(compAsset, "A"))

	b = f.batch(id)
	assert.True(t, b.UnclaimedShares.IsZero())
	assert.True(t, b.ClaimableTotal.IsZero())
}

func TestThresholdTriggersEarlyProcessing(t *testing.T) {
	f := newFixture(t)
	f.deposit(model.Mint, "A", 10000)
	f.deposit(model.Mint, "B", 10000)

	f.now = f.now.Add(time.Second)
	res := f.process(model.Mint)
	assert.Equal(t, amt(20000), res.Supplied)
	assert.Equal(t, amt(200), res.Output)
}

func TestProcessTooEarlyReportsGap(t *testing.T) {
	f := newFixture(t)
	f.deposit(model.Mint, "A", 5000)
	f.now = f.now.Add(600 * time.Second)

	_, err := f.ledger.Process(f.ctx, ledger.ProcessRequest{Kind: model.Mint, Caller: keeper})
	require.ErrorIs(t, err, ledger.ErrTooEarly)

	var early *ledger.TooEarlyError
	require.True(t, errors.As(err, &early))
	assert.Equal(t, 1200*time.Second, early.Remaining)
	assert.Equal(t, amt(15000), early.ThresholdGap)

	elig, err := f.ledger.Eligibility(model.Mint, time.Time{})
	require.NoError(t, err)
	assert.False(t, elig.Ready)
	assert.Equal(t, early.Remaining, elig.Remaining)
}

func TestProcessRequiresOperator(t *testing.T) {
	f := newFixture(t)
	f.deposit(model.Mint, "A", 20000)

	_, err := f.ledger.Process(f.ctx, ledger.ProcessRequest{Kind: model.Mint, Caller: "A"})
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
	_, err = f.ledger.Process(f.ctx, ledger.ProcessRequest{Kind: model.Mint})
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
}

func TestProcessEmptyBatch(t *testing.T) {
	f := newFixture(t)
	f.now = f.now.Add(time.Hour)
	_, err := f.ledger.Process(f.ctx, ledger.ProcessRequest{Kind: model.Redeem, Caller: keeper})
	assert.ErrorIs(t, err, ledger.ErrEmptyBatch)
}

func TestConversionFailureLeavesBatchOpen(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("pool drained")
	f.convert = func(model.BatchKind, model.Amount) (model.Amount, error) { return model.Amount{}, boom }

	id := f.deposit(model.Mint, "A", 20000)
	before := f.ledger.Snapshot()

	_, err := f.ledger.Process(f.ctx, ledger.ProcessRequest{Kind: model.Mint, Caller: keeper})
	require.ErrorIs(t, err, ledger.ErrConversionFailed)
	require.ErrorIs(t, err, boom)

	b := f.batch(id)
	assert.Equal(t, model.Open, b.State)
	assert.True(t, b.ClaimableTotal.IsZero())
	cur, _ := f.ledger.CurrentBatchID(model.Mint)
	assert.Equal(t, id, cur)

	after := f.ledger.Snapshot()
	assert.Equal(t, before.Batches, after.Batches)
	assert.Equal(t, before.Kinds, after.Kinds)
}

func TestDepositValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.Deposit(f.ctx, ledger.DepositRequest{Kind: model.Mint, Account: "A"})
	assert.ErrorIs(t, err, ledger.ErrZeroAmount)

	// no allowance granted
	require.NoError(t, f.bank.Mint(baseAsset, "A", amt(50)))
	_, err = f.ledger.Deposit(f.ctx, ledger.DepositRequest{Kind: model.Mint, Account: "A", Amount: amt(50)})
	require.ErrorIs(t, err, ledger.ErrTransferFailed)
	assert.ErrorIs(t, err, custody.ErrInsufficientAllowance)

	id, _ := f.ledger.CurrentBatchID(model.Mint)
	assert.True(t, f.batch(id).SuppliedTotal.IsZero())
	assert.Empty(t, f.ledger.AccountBatches("A"))
}

func TestDepositOnBehalf(t *testing.T) {
	f := newFixture(t)
	f.fund("payer", baseAsset, 300)

	res, err := f.ledger.Deposit(f.ctx, ledger.DepositRequest{Kind: model.Mint, Account: "A", Payer: "payer", Amount: amt(300)})
	require.NoError(t, err)

	share, err := f.ledger.AccountShare("A", res.Batch)
	require.NoError(t, err)
	assert.Equal(t, amt(300), share)
	payerShare, _ := f.ledger.AccountShare("payer", res.Batch)
	assert.True(t, payerShare.IsZero())
	assert.True(t, f.balance(baseAsset, "payer").IsZero())
	assert.Equal(t, amt(300), f.balance(baseAsset, custody.Account))
}

func TestWithdraw(t *testing.T) {
	f := newFixture(t)
	id := f.deposit(model.Mint, "A", 100)
	f.deposit(model.Mint, "B", 50)

	_, err := f.ledger.Withdraw(f.ctx, ledger.WithdrawRequest{Batch: id, Account: "A", Amount: amt(101)})
	assert.ErrorIs(t, err, ledger.ErrInsufficientShares)
	_, err = f.ledger.Withdraw(f.ctx, ledger.WithdrawRequest{Batch: id, Account: "C", Amount: amt(1)})
	assert.ErrorIs(t, err, ledger.ErrInsufficientShares)

	_, err = f.ledger.Withdraw(f.ctx, ledger.WithdrawRequest{Batch: id, Account: "A", Amount: amt(40)})
	require.NoError(t, err)

	b := f.batch(id)
	assert.Equal(t, amt(110), b.SuppliedTotal)
	assert.Equal(t, amt(110), b.UnclaimedShares)
	share, _ := f.ledger.AccountShare("A", id)
	assert.Equal(t, amt(60), share)
	assert.Equal(t, amt(40), f.balance(baseAsset, "A"))
	require.NoError(t, f.ledger.Snapshot().Validate())
}

func TestWithdrawAfterProcessFails(t *testing.T) {
	f := newFixture(t)
	// move the mint sequence to batch 2
	for i := 0; i < 2; i++ {
		f.deposit(model.Mint, "Z", 20000)
		f.process(model.Mint)
	}
	id := f.deposit(model.Mint, "A", 100)
	assert.Equal(t, uint64(2), id.Seq)

	f.now = f.now.Add(1800 * time.Second)
	f.process(model.Mint)

	_, err := f.ledger.Withdraw(f.ctx, ledger.WithdrawRequest{Batch: id, Account: "A", Amount: amt(100)})
	assert.ErrorIs(t, err, ledger.ErrAlreadyProcessed)
}

func TestClaimErrors(t *testing.T) {
	f := newFixture(t)
	id := f.deposit(model.Mint, "A", 20000)

	_, err := f.ledger.Claim(f.ctx, ledger.ClaimRequest{Batch: id, Account: "A"})
	assert.ErrorIs(t, err, ledger.ErrNotYetClaimable)

	f.process(model.Mint)
	_, err = f.ledger.Claim(f.ctx, ledger.ClaimRequest{Batch: id, Account: "B"})
	assert.ErrorIs(t, err, ledger.ErrNoClaim)

	_, err = f.ledger.Claim(f.ctx, ledger.ClaimRequest{Batch: id, Account: "A"})
	require.NoError(t, err)
	_, err = f.ledger.Claim(f.ctx, ledger.ClaimRequest{Batch: id, Account: "A"})
	assert.ErrorIs(t, err, ledger.ErrNoClaim)

	_, err = f.ledger.Claim(f.ctx, ledger.ClaimRequest{Batch: model.BatchID{Kind: model.Mint, Seq: 99}, Account: "A"})
	assert.ErrorIs(t, err, ledger.ErrBatchNotFound)
}

func TestSequentialClaimsKeepRate(t *testing.T) {
	f := newFixture(t)
	f.convert = func(model.BatchKind, model.Amount) (model.Amount, error) { return amt(7), nil }
	id := f.deposit(model.Mint, "A", 3)
	f.deposit(model.Mint, "B", 3)
	f.deposit(model.Mint, "C", 4)
	f.now = f.now.Add(time.Hour)
	f.process(model.Mint)

	// rate 7/10: A gets floor(3*7/10)=2, B floor(3*5/7)=2, C floor(4*3/4)=3
	want := map[string]uint64{"A": 2, "B": 2, "C": 3}
	total := model.Amount{}
	for _, acct := range []string{"A", "B", "C"} {
		before := f.batch(id)
		res, err := f.ledger.Claim(f.ctx, ledger.ClaimRequest{Batch: id, Account: acct})
		require.NoError(t, err)
		assert.Equal(t, amt(want[acct]), res.Payout, acct)
		total, _ = total.Add(res.Payout)

		after := f.batch(id)
		if after.UnclaimedShares.IsZero() {
			continue
		}
		// rate after the claim stays within one unit of the rate before it
		lhs, _ := after.ClaimableTotal.MulDiv(before.UnclaimedShares, amt(1))
		rhs, _ := before.ClaimableTotal.MulDiv(after.UnclaimedShares, amt(1))
		diff, under := lhs.Sub(rhs)
		if under {
			diff, _ = rhs.Sub(lhs)
		}
		assert.False(t, before.UnclaimedShares.Lt(diff), "rate drifted by more than one unit per claim")
	}
	assert.Equal(t, amt(7), total)
	b := f.batch(id)
	assert.True(t, b.ClaimableTotal.IsZero(), "full claims leave no dust")
}

func TestPartialHotSwapCanStrandDust(t *testing.T) {
	f := newFixture(t)
	f.convert = func(model.BatchKind, model.Amount) (model.Amount, error) { return amt(10), nil }
	id := f.deposit(model.Mint, "A", 3)
	f.now = f.now.Add(time.Hour)
	f.process(model.Mint)

	// 9 of 10 burns ceil(9*3/10)=3 shares, every share the account has
	res, err := f.ledger.HotSwap(f.ctx, ledger.HotSwapRequest{
		Batches: []model.BatchID{id}, Amounts: []model.Amount{amt(9)}, FromKind: model.Mint, Account: "A",
	})
	require.NoError(t, err)
	assert.Equal(t, amt(3), res.Burned[0])

	b := f.batch(id)
	assert.True(t, b.UnclaimedShares.IsZero())
	assert.Equal(t, amt(1), b.ClaimableTotal, "one unit stays stranded in the batch")
	_, err = f.ledger.Claim(f.ctx, ledger.ClaimRequest{Batch: id, Account: "A"})
	assert.ErrorIs(t, err, ledger.ErrNoClaim)
}

func TestPauseAsymmetry(t *testing.T) {
	f := newFixture(t)
	processed := f.deposit(model.Mint, "A", 20000)
	f.process(model.Mint)
	pending := f.deposit(model.Mint, "A", 500)

	require.NoError(t, f.ledger.Pause(f.ctx, keeper))
	require.NoError(t, f.ledger.Pause(f.ctx, keeper), "pausing twice is a no-op")
	assert.True(t, f.ledger.Paused())

	f.fund("A", baseAsset, 10)
	_, err := f.ledger.Deposit(f.ctx, ledger.DepositRequest{Kind: model.Mint, Account: "A", Amount: amt(10)})
	assert.ErrorIs(t, err, ledger.ErrPaused)

	f.now = f.now.Add(time.Hour)
	_, err = f.ledger.Process(f.ctx, ledger.ProcessRequest{Kind: model.Mint, Caller: keeper})
	assert.ErrorIs(t, err, ledger.ErrPaused)

	_, err = f.ledger.HotSwap(f.ctx, ledger.HotSwapRequest{
		Batches: []model.BatchID{processed}, Amounts: []model.Amount{amt(1)}, FromKind: model.Mint, Account: "A",
	})
	assert.ErrorIs(t, err, ledger.ErrPaused)

	_, err = f.ledger.Withdraw(f.ctx, ledger.WithdrawRequest{Batch: pending, Account: "A", Amount: amt(500)})
	assert.NoError(t, err)
	_, err = f.ledger.Claim(f.ctx, ledger.ClaimRequest{Batch: processed, Account: "A"})
	assert.NoError(t, err)

	assert.ErrorIs(t, f.ledger.Unpause(f.ctx, "A"), ledger.ErrUnauthorized)
	require.NoError(t, f.ledger.Unpause(f.ctx, keeper))
	f.deposit(model.Mint, "A", 10)
}

func TestHotSwapScenario(t *testing.T) {
	f := newFixture(t)
	f.convert = func(model.BatchKind, model.Amount) (model.Amount, error) { return amt(50), nil }
	id := f.deposit(model.Mint, "A", 10000)
	f.now = f.now.Add(1800 * time.Second)
	f.process(model.Mint)

	owed, err := f.ledger.Entitlement("A", id)
	require.NoError(t, err)
	assert.Equal(t, amt(50), owed)
	custodyBefore := f.balance(compAsset, custody.Account)

	res, err := f.ledger.HotSwap(f.ctx, ledger.HotSwapRequest{
		Batches: []model.BatchID{id}, Amounts: []model.Amount{amt(50)}, FromKind: model.Mint, Account: "A",
	})
	require.NoError(t, err)
	assert.Equal(t, amt(50), res.Amount)

	redeemID, _ := f.ledger.CurrentBatchID(model.Redeem)
	assert.Equal(t, redeemID, res.Target)
	dst := f.batch(redeemID)
	assert.Equal(t, amt(50), dst.SuppliedTotal)
	assert.Equal(t, amt(50), dst.UnclaimedShares)
	share, _ := f.ledger.AccountShare("A", redeemID)
	assert.Equal(t, amt(50), share)

	src := f.batch(id)
	assert.True(t, src.ClaimableTotal.IsZero())
	assert.True(t, src.UnclaimedShares.IsZero())

	// funds never left custody
	assert.True(t, f.balance(compAsset, "A").IsZero())
	assert.Equal(t, custodyBefore, f.balance(compAsset, custody.Account))
	assert.Contains(t, f.ledger.AccountBatches("A"), redeemID)
	require.NoError(t, f.ledger.Snapshot().Validate())
}

func TestHotSwapPartialAndMultiBatch(t *testing.T) {
	f := newFixture(t)
	f.convert = func(model.BatchKind, model.Amount) (model.Amount, error) { return amt(50), nil }
	first := f.deposit(model.Mint, "A", 10000)
	f.now = f.now.Add(time.Hour)
	f.process(model.Mint)
	second := f.deposit(model.Mint, "A", 20000)
	f.process(model.Mint)

	res, err := f.ledger.HotSwap(f.ctx, ledger.HotSwapRequest{
		Batches:  []model.BatchID{first, second},
		Amounts:  []model.Amount{amt(20), amt(50)},
		FromKind: model.Mint,
		Account:  "A",
	})
	require.NoError(t, err)
	assert.Equal(t, amt(70), res.Amount)
	assert.Equal(t, amt(4000), res.Burned[0])
	assert.Equal(t, amt(20000), res.Burned[1])

	share, _ := f.ledger.AccountShare("A", first)
	assert.Equal(t, amt(6000), share)
	owed, _ := f.ledger.Entitlement("A", first)
	assert.Equal(t, amt(30), owed)

	// removed from sources == added to destination
	dst := f.batch(res.Target)
	assert.Equal(t, amt(70), dst.SuppliedTotal)
	assert.Equal(t, amt(30), f.batch(first).ClaimableTotal)
	assert.True(t, f.batch(second).ClaimableTotal.IsZero())
}

func TestHotSwapValidation(t *testing.T) {
	f := newFixture(t)
	f.convert = func(model.BatchKind, model.Amount) (model.Amount, error) { return amt(50), nil }
	claimable := f.deposit(model.Mint, "A", 20000)
	f.process(model.Mint)
	open := f.deposit(model.Mint, "A", 10)

	swap := func(ids []model.BatchID, amounts []model.Amount, kind model.BatchKind) error {
		_, err := f.ledger.HotSwap(f.ctx, ledger.HotSwapRequest{Batches: ids, Amounts: amounts, FromKind: kind, Account: "A"})
		return err
	}

	assert.ErrorIs(t, swap([]model.BatchID{claimable, claimable}, []model.Amount{amt(1)}, model.Mint), ledger.ErrLengthMismatch)
	assert.ErrorIs(t, swap([]model.BatchID{claimable}, []model.Amount{amt(1)}, model.Redeem), ledger.ErrWrongBatchKind)
	assert.ErrorIs(t, swap([]model.BatchID{open}, []model.Amount{amt(1)}, model.Mint), ledger.ErrNotYetClaimable)
	assert.ErrorIs(t, swap([]model.BatchID{claimable}, []model.Amount{amt(51)}, model.Mint), ledger.ErrInsufficientFunds)
	assert.ErrorIs(t, swap([]model.BatchID{claimable}, []model.Amount{amt(0)}, model.Mint), ledger.ErrZeroAmount)

	// the second leg overdraws the same batch, so the first must not apply
	before := f.batch(claimable)
	assert.ErrorIs(t, swap([]model.BatchID{claimable, claimable}, []model.Amount{amt(30), amt(30)}, model.Mint), ledger.ErrInsufficientFunds)
	assert.Equal(t, before, f.batch(claimable))
	redeemID, _ := f.ledger.CurrentBatchID(model.Redeem)
	assert.True(t, f.batch(redeemID).SuppliedTotal.IsZero())
}

func TestRedeemCycle(t *testing.T) {
	f := newFixture(t)
	f.convert = func(kind model.BatchKind, supplied model.Amount) (model.Amount, error) {
		require.Equal(t, model.Redeem, kind)
		return supplied.MulDiv(amt(100), amt(1))
	}
	id := f.deposit(model.Redeem, "A", 2)
	f.now = f.now.Add(time.Hour)
	res := f.process(model.Redeem)
	assert.Equal(t, amt(200), res.Output)

	claim, err := f.ledger.Claim(f.ctx, ledger.ClaimRequest{Batch: id, Account: "A"})
	require.NoError(t, err)
	assert.Equal(t, amt(200), claim.Payout)
	assert.Equal(t, amt(200), f.balance(baseAsset, "A"))
}

func TestParameterChanges(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.ledger.SetCooldown(f.ctx, "A", time.Minute), ledger.ErrUnauthorized)
	assert.ErrorIs(t, f.ledger.SetCooldown(f.ctx, keeper, -time.Minute), ledger.ErrInvalidParam)

	require.NoError(t, f.ledger.SetCooldown(f.ctx, keeper, time.Minute))
	require.NoError(t, f.ledger.SetThreshold(f.ctx, keeper, model.Mint, amt(5)))

	f.deposit(model.Mint, "A", 5)
	elig, err := f.ledger.Eligibility(model.Mint, time.Time{})
	require.NoError(t, err)
	assert.True(t, elig.ThresholdReached)
	assert.False(t, elig.CooldownElapsed)

	p := f.ledger.Params()
	assert.Equal(t, time.Minute, p.Cooldown)
	assert.Equal(t, amt(5), p.Thresholds[model.Mint])
}

func TestSnapshotRestore(t *testing.T) {
	f := newFixture(t)
	id := f.deposit(model.Mint, "A", 20000)
	f.deposit(model.Mint, "B", 300)
	f.process(model.Mint)
	f.deposit(model.Redeem, "C", 7)
	require.NoError(t, f.ledger.Pause(f.ctx, keeper))

	snap := f.ledger.Snapshot()
	require.NoError(t, snap.Validate())

	restored, err := ledger.New(ledger.Config{Assets: assets}, ledger.NewOperatorSet(keeper), f.bank,
		converter.Func(func(context.Context, model.BatchKind, model.Amount) (model.Amount, error) {
			return model.Amount{}, errors.New("unused")
		}),
		ledger.WithSnapshot(snap), ledger.WithClock(func() time.Time { return f.now }))
	require.NoError(t, err)

	assert.True(t, restored.Paused())
	assert.Equal(t, f.ledger.AccountBatches("A"), restored.AccountBatches("A"))
	b, err := restored.GetBatch(id)
	require.NoError(t, err)
	assert.Equal(t, f.batch(id), b)
	cur, _ := restored.CurrentBatchID(model.Mint)
	assert.Equal(t, uint64(1), cur.Seq)
	assert.Equal(t, snap.Shares, restored.Snapshot().Shares)
}

func TestSnapshotValidateRejectsBrokenState(t *testing.T) {
	f := newFixture(t)
	f.deposit(model.Mint, "A", 10)
	snap := f.ledger.Snapshot()
	snap.Shares[0].Shares = amt(11)
	assert.Error(t, snap.Validate())

	snap = f.ledger.Snapshot()
	snap.Batches[0].State = model.Claimable
	assert.Error(t, snap.Validate())
}

func TestConcurrentDepositsAndClaims(t *testing.T) {
	f := newFixture(t)
	const workers = 16
	const rounds = 25

	for i := 0; i < workers; i++ {
		f.fund(accountName(i), baseAsset, rounds*1000)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(acct string) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				res, err := f.ledger.Deposit(f.ctx, ledger.DepositRequest{Kind: model.Mint, Account: acct, Amount: amt(1000)})
				if !assert.NoError(t, err) {
					return
				}
				if r%5 == 4 {
					_, _ = f.ledger.Withdraw(f.ctx, ledger.WithdrawRequest{Batch: res.Batch, Account: acct, Amount: amt(1)})
				}
			}
		}(accountName(i))
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			_, err := f.ledger.Process(f.ctx, ledger.ProcessRequest{Kind: model.Mint, Caller: keeper})
			if err != nil && !errors.Is(err, ledger.ErrTooEarly) && !errors.Is(err, ledger.ErrEmptyBatch) {
				assert.NoError(t, err)
			}
		}
	}()
	wg.Wait()
	require.NoError(t, f.ledger.Snapshot().Validate())

	f.now = f.now.Add(time.Hour)
	_, _ = f.ledger.Process(f.ctx, ledger.ProcessRequest{Kind: model.Mint, Caller: keeper})

	snap := f.ledger.Snapshot()
	for i := 0; i < workers; i++ {
		acct := accountName(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, id := range f.ledger.AccountBatches(acct) {
				_, err := f.ledger.Claim(f.ctx, ledger.ClaimRequest{Batch: id, Account: acct})
				if err != nil && !errors.Is(err, ledger.ErrNoClaim) {
					assert.NoError(t, err)
				}
			}
		}()
	}
	wg.Wait()

	final := f.ledger.Snapshot()
	require.NoError(t, final.Validate())
	for _, b := range final.Batches {
		if b.State == model.Claimable {
			assert.True(t, b.UnclaimedShares.IsZero(), b.ID.String())
			assert.True(t, b.ClaimableTotal.IsZero(), b.ID.String())
		}
	}
	assert.Len(t, final.Batches, len(snap.Batches))
}

func accountName(i int) string {
	return string(rune('a'+i)) + "-depositor"
}

func TestOperationMetrics(t *testing.T) {
	m := metrics.New()
	f := newFixture(t, ledger.WithMetrics(m))

	f.deposit(model.Mint, "alice", 5000)
	_, err := f.ledger.Process(f.ctx, ledger.ProcessRequest{Kind: model.Mint, Caller: keeper})
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OpTotal.WithLabelValues("deposit", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OpTotal.WithLabelValues("process", "too_early")))
	assert.Equal(t, 5000.0, testutil.ToFloat64(m.OpenSupplied.WithLabelValues("mint")))

	f.deposit(model.Mint, "bob", 15000)
	f.process(model.Mint)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchesProcessed.WithLabelValues("mint")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.OpenSupplied.WithLabelValues("mint")))

	require.NoError(t, f.ledger.Pause(f.ctx, keeper))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Paused))
}

type stakerFunc func(ctx context.Context, asset, account string, amount model.Amount) error

func (f stakerFunc) StakeFor(ctx context.Context, asset, account string, amount model.Amount) error {
	return f(ctx, asset, account, amount)
}

func TestClaimPayoutFailureLeavesBatchUntouched(t *testing.T) {
	f := newFixture(t)
	id := f.deposit(model.Mint, "alice", 20000)
	f.process(model.Mint)
	before := f.batch(id)

	// custody can no longer cover the payout
	require.NoError(t, f.bank.Push(f.ctx, compAsset, "elsewhere", amt(200)))

	_, err := f.ledger.Claim(f.ctx, ledger.ClaimRequest{Batch: id, Account: "alice"})
	require.ErrorIs(t, err, ledger.ErrTransferFailed)
	assert.ErrorIs(t, err, custody.ErrInsufficientBalance)

	assert.Equal(t, before, f.batch(id))
	shares, err := f.ledger.AccountShare("alice", id)
	require.NoError(t, err)
	assert.Equal(t, amt(20000), shares)
	assert.True(t, f.balance(compAsset, "alice").IsZero())

	require.NoError(t, f.bank.Mint(compAsset, custody.Account, amt(200)))
	res, err := f.ledger.Claim(f.ctx, ledger.ClaimRequest{Batch: id, Account: "alice"})
	require.NoError(t, err)
	assert.Equal(t, amt(200), res.Payout)
}

func TestWithdrawPayoutFailureLeavesBatchUntouched(t *testing.T) {
	f := newFixture(t)
	id := f.deposit(model.Mint, "alice", 1000)
	before := f.batch(id)

	require.NoError(t, f.bank.Push(f.ctx, baseAsset, "elsewhere", amt(1000)))

	_, err := f.ledger.Withdraw(f.ctx, ledger.WithdrawRequest{Batch: id, Account: "alice", Amount: amt(500)})
	require.ErrorIs(t, err, ledger.ErrTransferFailed)

	after := f.batch(id)
	assert.Equal(t, before, after)
	assert.Equal(t, amt(1000), after.UnclaimedShares)
	shares, err := f.ledger.AccountShare("alice", id)
	require.NoError(t, err)
	assert.Equal(t, amt(1000), shares)
	assert.True(t, f.balance(baseAsset, "alice").IsZero())
}

func TestClaimAndStake(t *testing.T) {
	var pool *staking.Pool
	f := newFixture(t, ledger.WithStaker(stakerFunc(func(ctx context.Context, asset, account string, amount model.Amount) error {
		return pool.StakeFor(ctx, asset, account, amount)
	})))
	pool = staking.NewPool(f.bank, zaptest.NewLogger(t))

	id := f.deposit(model.Mint, "alice", 20000)
	f.process(model.Mint)

	res, err := f.ledger.ClaimAndStake(f.ctx, ledger.ClaimRequest{Batch: id, Account: "alice"})
	require.NoError(t, err)
	assert.Equal(t, amt(200), res.Payout)
	assert.Equal(t, amt(20000), res.Shares)

	staked, err := pool.StakeOf(f.ctx, compAsset, "alice")
	require.NoError(t, err)
	assert.Equal(t, amt(200), staked)
	assert.True(t, f.balance(compAsset, "alice").IsZero())
	b := f.batch(id)
	assert.True(t, b.UnclaimedShares.IsZero())
	assert.True(t, b.ClaimableTotal.IsZero())

	_, err = f.ledger.ClaimAndStake(f.ctx, ledger.ClaimRequest{Batch: id, Account: "alice"})
	assert.ErrorIs(t, err, ledger.ErrNoClaim)

	redeem, err := f.ledger.CurrentBatchID(model.Redeem)
	require.NoError(t, err)
	_, err = f.ledger.ClaimAndStake(f.ctx, ledger.ClaimRequest{Batch: redeem, Account: "alice"})
	assert.ErrorIs(t, err, ledger.ErrWrongBatchKind)
}

func TestClaimAndStakeFailures(t *testing.T) {
	f := newFixture(t)
	id := f.deposit(model.Mint, "alice", 20000)
	f.process(model.Mint)

	_, err := f.ledger.ClaimAndStake(f.ctx, ledger.ClaimRequest{Batch: id, Account: "alice"})
	assert.ErrorIs(t, err, ledger.ErrStakingUnavailable)

	failing := newFixture(t, ledger.WithStaker(stakerFunc(func(context.Context, string, string, model.Amount) error {
		return errors.New("staking contract reverted")
	})))
	id = failing.deposit(model.Mint, "alice", 20000)
	failing.process(model.Mint)
	before := failing.batch(id)

	_, err = failing.ledger.ClaimAndStake(failing.ctx, ledger.ClaimRequest{Batch: id, Account: "alice"})
	assert.ErrorIs(t, err, ledger.ErrTransferFailed)
	assert.Equal(t, before, failing.batch(id))
	shares, err := failing.ledger.AccountShare("alice", id)
	require.NoError(t, err)
	assert.Equal(t, amt(20000), shares)
}
