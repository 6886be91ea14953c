package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"BatchSettle/internal/model"
)

type DepositRequest struct {
	Kind    model.BatchKind
	Account string // credited with the shares
	Payer   string // funds are pulled from here; defaults to Account
	Amount  model.Amount
	Now     time.Time // injected for testability; if zero, the ledger clock is used
}

type DepositResult struct {
	Batch  model.BatchID `json:"batch"`
	Shares model.Amount  `json:"shares"`
}

// Deposit pulls the supplied asset of req.Kind from the payer and credits
// the same number of shares to the account in the current open batch.
func (l *Ledger) Deposit(ctx context.Context, req DepositRequest) (res DepositResult, err error) {
	start := time.Now()
	var events []model.Event
	defer func() {
		l.finish(ctx, OpDeposit, start, err, events,
			zap.Stringer("kind", req.Kind),
			zap.String("account", req.Account),
			zap.String("payer", req.Payer),
			zap.Stringer("amount", req.Amount),
			zap.Stringer("batch", res.Batch))
	}()

	if !req.Kind.Valid() {
		return res, ErrInvalidKind
	}
	if req.Account == "" {
		return res, ErrInvalidParam
	}
	payer := req.Payer
	if payer == "" {
		payer = req.Account
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.guard.Admit(OpDeposit); err != nil {
		return res, err
	}
	if req.Amount.IsZero() {
		return res, ErrZeroAmount
	}
	b := l.batches[l.current[req.Kind]]
	if _, overflow := b.SuppliedTotal.Add(req.Amount); overflow {
		return res, model.ErrOverflow
	}
	if err := l.transfer.Pull(ctx, l.assets.Supplied(req.Kind), payer, req.Amount); err != nil {
		return res, transferFailed(err)
	}

	l.credit(b, req.Account, req.Amount)
	res = DepositResult{Batch: b.ID, Shares: req.Amount}

	evt := l.newEvent(model.EventDeposit, l.now(req.Now), b)
	evt.Account = req.Account
	evt.Amount = req.Amount
	evt.Shares = req.Amount
	if payer != req.Account {
		evt.Caller = payer
	}
	events = append(events, evt)
	l.persist(ctx)
	return res, nil
}

type WithdrawRequest struct {
	Batch   model.BatchID
	Account string
	Amount  model.Amount
	Now     time.Time
}

type WithdrawResult struct {
	Batch  model.BatchID `json:"batch"`
	Amount model.Amount  `json:"amount"`
}

// Withdraw reverses part or all of a deposit into a batch that has not been
// processed yet. It stays available while paused.
func (l *Ledger) Withdraw(ctx context.Context, req WithdrawRequest) (res WithdrawResult, err error) {
	start := time.Now()
	var events []model.Event
	defer func() {
		l.finish(ctx, OpWithdraw, start, err, events,
			zap.Stringer("batch", req.Batch),
			zap.String("account", req.Account),
			zap.Stringer("amount", req.Amount))
	}()

	if req.Amount.IsZero() {
		return res, ErrZeroAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.guard.Admit(OpWithdraw); err != nil {
		return res, err
	}
	b, ok := l.batches[req.Batch]
	if !ok {
		return res, ErrBatchNotFound
	}
	if b.State == model.Claimable {
		return res, ErrAlreadyProcessed
	}
	key := shareKey{account: req.Account, batch: b.ID}
	shares := l.shares[key]
	if shares.Lt(req.Amount) {
		return res, ErrInsufficientShares
	}
	if err := l.transfer.Push(ctx, l.assets.Supplied(b.Kind), req.Account, req.Amount); err != nil {
		return res, transferFailed(err)
	}

	b.SuppliedTotal, _ = b.SuppliedTotal.Sub(req.Amount)
	b.UnclaimedShares, _ = b.UnclaimedShares.Sub(req.Amount)
	remaining, _ := shares.Sub(req.Amount)
	l.setShare(key, remaining)
	res = WithdrawResult{Batch: b.ID, Amount: req.Amount}

	evt := l.newEvent(model.EventWithdrawn, l.now(req.Now), b)
	evt.Account = req.Account
	evt.Amount = req.Amount
	evt.Shares = req.Amount
	events = append(events, evt)
	l.persist(ctx)
	return res, nil
}

type ProcessRequest struct {
	Kind   model.BatchKind
	Caller string
	Now    time.Time
}

type ProcessResult struct {
	Batch    model.BatchID `json:"batch"`
	Supplied model.Amount  `json:"supplied"`
	Output   model.Amount  `json:"output"`
	Next     model.BatchID `json:"next"`
}

// Process converts the current open batch of req.Kind and opens its
// successor. Either the conversion and the transition both happen, or
// nothing changes.
func (l *Ledger) Process(ctx context.Context, req ProcessRequest) (res ProcessResult, err error) {
	start := time.Now()
	var events []model.Event
	defer func() {
		l.finish(ctx, OpProcess, start, err, events,
			zap.Stringer("kind", req.Kind),
			zap.String("caller", req.Caller),
			zap.Stringer("batch", res.Batch),
			zap.Stringer("supplied", res.Supplied),
			zap.Stringer("output", res.Output))
	}()

	if err := l.guard.Authorize(req.Caller); err != nil {
		return res, err
	}
	if !req.Kind.Valid() {
		return res, ErrInvalidKind
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.guard.Admit(OpProcess); err != nil {
		return res, err
	}
	now := l.now(req.Now)
	b := l.batches[l.current[req.Kind]]
	res.Batch = b.ID
	elig := l.eligibility(b, now)
	if !elig.Ready {
		return res, &TooEarlyError{Batch: b.ID, Remaining: elig.Remaining, ThresholdGap: elig.ThresholdGap}
	}
	if b.SuppliedTotal.IsZero() {
		return res, ErrEmptyBatch
	}

	out, err := l.converter.Convert(ctx, b.Kind, b.SuppliedTotal)
	if err != nil {
		return res, conversionFailed(err)
	}

	b.ClaimableTotal = out
	b.State = model.Claimable
	b.ProcessedAt = now
	next := l.openBatch(req.Kind, now)
	res = ProcessResult{Batch: b.ID, Supplied: b.SuppliedTotal, Output: out, Next: next.ID}

	if l.metrics != nil {
		l.metrics.BatchesProcessed.WithLabelValues(req.Kind.String()).Inc()
	}
	evt := l.newEvent(model.EventBatchProcessed, now, b)
	evt.Amount = out
	evt.Shares = b.UnclaimedShares
	evt.Target = &next.ID
	evt.Caller = req.Caller
	events = append(events, evt)
	l.persist(ctx)
	return res, nil
}

type ClaimRequest struct {
	Batch   model.BatchID
	Account string
	Now     time.Time
}

type ClaimResult struct {
	Batch  model.BatchID `json:"batch"`
	Shares model.Amount  `json:"shares"`
	Payout model.Amount  `json:"payout"`
}

// Claim pays the account floor(shares * claimableTotal / unclaimedShares)
// of the batch's claimable asset and removes its shares. Both totals shrink
// together, so the per-share rate seen by later claimants does not drop.
// It stays available while paused.
func (l *Ledger) Claim(ctx context.Context, req ClaimRequest) (ClaimResult, error) {
	return l.claim(ctx, req, OpClaim)
}

// ClaimAndStake claims a processed Mint batch like Claim but hands the
// payout to the staker for the account instead of paying it out.
func (l *Ledger) ClaimAndStake(ctx context.Context, req ClaimRequest) (ClaimResult, error) {
	return l.claim(ctx, req, OpStake)
}

func (l *Ledger) claim(ctx context.Context, req ClaimRequest, op Op) (res ClaimResult, err error) {
	start := time.Now()
	var events []model.Event
	defer func() {
		l.finish(ctx, op, start, err, events,
			zap.Stringer("batch", req.Batch),
			zap.String("account", req.Account),
			zap.Stringer("shares", res.Shares),
			zap.Stringer("payout", res.Payout))
	}()

	stake := op == OpStake
	if stake && l.staker == nil {
		return res, ErrStakingUnavailable
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.guard.Admit(op); err != nil {
		return res, err
	}
	b, ok := l.batches[req.Batch]
	if !ok {
		return res, ErrBatchNotFound
	}
	if stake && b.Kind != model.Mint {
		return res, ErrWrongBatchKind
	}
	if b.State != model.Claimable {
		return res, ErrNotYetClaimable
	}
	key := shareKey{account: req.Account, batch: b.ID}
	shares := l.shares[key]
	if shares.IsZero() {
		return res, ErrNoClaim
	}
	payout, err := entitlement(b, shares)
	if err != nil {
		return res, err
	}
	if !payout.IsZero() {
		asset := l.assets.Claimable(b.Kind)
		if stake {
			err = l.staker.StakeFor(ctx, asset, req.Account, payout)
		} else {
			err = l.transfer.Push(ctx, asset, req.Account, payout)
		}
		if err != nil {
			return res, transferFailed(err)
		}
	}

	b.UnclaimedShares, _ = b.UnclaimedShares.Sub(shares)
	b.ClaimableTotal, _ = b.ClaimableTotal.Sub(payout)
	l.setShare(key, model.Amount{})
	res = ClaimResult{Batch: b.ID, Shares: shares, Payout: payout}

	typ := model.EventClaimed
	if stake {
		typ = model.EventClaimedAndStaked
	}
	evt := l.newEvent(typ, l.now(req.Now), b)
	evt.Account = req.Account
	evt.Amount = payout
	evt.Shares = shares
	events = append(events, evt)
	l.persist(ctx)
	return res, nil
}

// HotSwapRequest moves processed entitlements into the open batch of the
// opposite kind. Amounts are in the claimable asset of the source batches.
type HotSwapRequest struct {
	Batches  []model.BatchID
	Amounts  []model.Amount
	FromKind model.BatchKind
	Account  string
	Now      time.Time
}

type HotSwapResult struct {
	Target model.BatchID  `json:"target"`
	Amount model.Amount   `json:"amount"`
	Burned []model.Amount `json:"burned"`
}

// HotSwap performs a partial claim against every listed batch and deposits
// the sum into the current batch of the opposite kind without moving funds
// out of custody. All batches are validated before anything is applied.
func (l *Ledger) HotSwap(ctx context.Context, req HotSwapRequest) (res HotSwapResult, err error) {
	start := time.Now()
	var events []model.Event
	defer func() {
		l.finish(ctx, OpHotSwap, start, err, events,
			zap.Stringer("from_kind", req.FromKind),
			zap.String("account", req.Account),
			zap.Int("batches", len(req.Batches)),
			zap.Stringer("target", res.Target),
			zap.Stringer("amount", res.Amount))
	}()

	if !req.FromKind.Valid() {
		return res, ErrInvalidKind
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.guard.Admit(OpHotSwap); err != nil {
		return res, err
	}
	if len(req.Batches) != len(req.Amounts) {
		return res, ErrLengthMismatch
	}
	if len(req.Batches) == 0 {
		return res, ErrZeroAmount
	}

	// Stage on copies so a repeated batch id sees its own earlier debit and
	// a failure part way through leaves the ledger untouched.
	staged := make(map[model.BatchID]model.Batch, len(req.Batches))
	stagedShares := make(map[shareKey]model.Amount, len(req.Batches))
	burned := make([]model.Amount, len(req.Batches))
	var total model.Amount
	for i, id := range req.Batches {
		b, ok := staged[id]
		if !ok {
			orig, found := l.batches[id]
			if !found {
				return res, ErrBatchNotFound
			}
			b = *orig
		}
		if b.Kind != req.FromKind {
			return res, ErrWrongBatchKind
		}
		if b.State != model.Claimable {
			return res, ErrNotYetClaimable
		}
		amount := req.Amounts[i]
		if amount.IsZero() {
			return res, ErrZeroAmount
		}
		key := shareKey{account: req.Account, batch: id}
		shares, ok := stagedShares[key]
		if !ok {
			shares = l.shares[key]
		}
		owed, err := entitlement(&b, shares)
		if err != nil {
			return res, err
		}
		if owed.Lt(amount) {
			return res, ErrInsufficientFunds
		}

		burn := shares
		if amount.Cmp(owed) != 0 {
			burn, err = amount.MulDivUp(b.UnclaimedShares, b.ClaimableTotal)
			if err != nil {
				return res, err
			}
		}
		b.ClaimableTotal, _ = b.ClaimableTotal.Sub(amount)
		b.UnclaimedShares, _ = b.UnclaimedShares.Sub(burn)
		shares, _ = shares.Sub(burn)
		staged[id] = b
		stagedShares[key] = shares
		burned[i] = burn

		var overflow bool
		if total, overflow = total.Add(amount); overflow {
			return res, model.ErrOverflow
		}
	}

	dst := l.batches[l.current[req.FromKind.Opposite()]]
	if _, overflow := dst.SuppliedTotal.Add(total); overflow {
		return res, model.ErrOverflow
	}

	for id, b := range staged {
		*l.batches[id] = b
	}
	for key, shares := range stagedShares {
		l.setShare(key, shares)
	}
	l.credit(dst, req.Account, total)
	res = HotSwapResult{Target: dst.ID, Amount: total, Burned: burned}

	now := l.now(req.Now)
	for i, id := range req.Batches {
		evt := l.newEvent(model.EventHotSwapped, now, l.batches[id])
		evt.Account = req.Account
		evt.Amount = req.Amounts[i]
		evt.Shares = burned[i]
		target := dst.ID
		evt.Target = &target
		events = append(events, evt)
	}
	l.persist(ctx)
	return res, nil
}

// Pause blocks deposits, processing and hot-swaps. Withdrawals and claims
// remain available.
func (l *Ledger) Pause(ctx context.Context, caller string) error {
	return l.setPaused(ctx, caller, true)
}

func (l *Ledger) Unpause(ctx context.Context, caller string) error {
	return l.setPaused(ctx, caller, false)
}

func (l *Ledger) setPaused(ctx context.Context, caller string, paused bool) (err error) {
	op, typ := OpUnpause, model.EventUnpaused
	if paused {
		op, typ = OpPause, model.EventPaused
	}
	start := time.Now()
	var events []model.Event
	defer func() {
		l.finish(ctx, op, start, err, events, zap.String("caller", caller))
	}()

	l.mu.Lock()
	defer l.mu.Unlock()

	var changed bool
	if paused {
		changed, err = l.guard.Pause(caller)
	} else {
		changed, err = l.guard.Unpause(caller)
	}
	if err != nil || !changed {
		return err
	}
	evt := l.newEvent(typ, l.clock(), nil)
	evt.Caller = caller
	events = append(events, evt)
	l.persist(ctx)
	return nil
}

// SetCooldown changes the minimum batch age for processing. It applies to
// the current open batches immediately.
func (l *Ledger) SetCooldown(ctx context.Context, caller string, cooldown time.Duration) (err error) {
	start := time.Now()
	var events []model.Event
	defer func() {
		l.finish(ctx, OpSetParam, start, err, events,
			zap.String("caller", caller), zap.Duration("cooldown", cooldown))
	}()

	if err := l.guard.Authorize(caller); err != nil {
		return err
	}
	if cooldown < 0 {
		return ErrInvalidParam
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.cooldown = cooldown
	evt := l.newEvent(model.EventCooldownChanged, l.clock(), nil)
	evt.Caller = caller
	evt.Note = cooldown.String()
	events = append(events, evt)
	l.persist(ctx)
	return nil
}

// SetThreshold changes the supplied total at which a batch of kind becomes
// eligible regardless of its age.
func (l *Ledger) SetThreshold(ctx context.Context, caller string, kind model.BatchKind, threshold model.Amount) (err error) {
	start := time.Now()
	var events []model.Event
	defer func() {
		l.finish(ctx, OpSetParam, start, err, events,
			zap.String("caller", caller), zap.Stringer("kind", kind), zap.Stringer("threshold", threshold))
	}()

	if err := l.guard.Authorize(caller); err != nil {
		return err
	}
	if !kind.Valid() {
		return ErrInvalidKind
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.thresholds[kind] = threshold
	evt := l.newEvent(model.EventThresholdChanged, l.clock(), nil)
	evt.Kind = kind
	evt.Batch = l.current[kind]
	evt.Amount = threshold
	evt.Caller = caller
	events = append(events, evt)
	l.persist(ctx)
	return nil
}
