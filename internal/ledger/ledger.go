// Package ledger implements the batch lifecycle and share accounting engine.
//
// Deposits of one kind pool into the single open batch of that kind. An
// operator processes the batch once its cooldown has elapsed or its threshold
// is reached, which converts the pooled funds and opens a successor batch.
// Depositors then claim their pro-rata share of the converted output, or
// hot-swap it straight into the open batch of the opposite kind.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"BatchSettle/internal/metrics"
	"BatchSettle/internal/model"
)

// Config holds the engine parameters used when no snapshot is restored.
type Config struct {
	Cooldown   time.Duration
	Thresholds map[model.BatchKind]model.Amount
	Assets     model.Assets
	Paused     bool
}

type Option func(*Ledger)

func WithStore(s Store) Option { return func(l *Ledger) { l.store = s } }

func WithSink(s EventSink) Option { return func(l *Ledger) { l.sink = s } }

func WithLogger(lg *zap.Logger) Option { return func(l *Ledger) { l.logger = lg } }

func WithMetrics(m *metrics.Metrics) Option { return func(l *Ledger) { l.metrics = m } }

// WithStaker enables ClaimAndStake.
func WithStaker(s Staker) Option { return func(l *Ledger) { l.staker = s } }

// WithClock overrides time.Now for requests that do not carry their own Now.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.clock = now } }

// WithSnapshot restores state saved by a previous run. Parameters stored in
// the snapshot take precedence over Config.
func WithSnapshot(s *Snapshot) Option { return func(l *Ledger) { l.restoreFrom = s } }

type shareKey struct {
	account string
	batch   model.BatchID
}

type nopSink struct{}

func (nopSink) Emit(context.Context, model.Event) {}

// Ledger owns all batch and share records. Every operation is serialized by a
// single mutex, so each claim observes the unclaimed shares and claimable total
// left by the previous one.
type Ledger struct {
	mu sync.Mutex

	guard     *Guard
	transfer  ValueTransfer
	converter Converter
	staker    Staker
	store     Store
	sink      EventSink
	logger    *zap.Logger
	metrics   *metrics.Metrics
	clock     func() time.Time

	restoreFrom *Snapshot

	assets         model.Assets
	cooldown       time.Duration
	thresholds     map[model.BatchKind]model.Amount
	batches        map[model.BatchID]*model.Batch
	current        map[model.BatchKind]model.BatchID
	nextSeq        map[model.BatchKind]uint64
	shares         map[shareKey]model.Amount
	accountBatches map[string][]model.BatchID
	deposited      map[shareKey]struct{}
}

// New builds a ledger. Without a snapshot it opens batch 0 of every kind.
func New(cfg Config, auth Authorizer, transfer ValueTransfer, conv Converter, opts ...Option) (*Ledger, error) {
	if transfer == nil || conv == nil {
		return nil, errors.New("ledger: value transfer and converter are required")
	}
	l := &Ledger{
		transfer:       transfer,
		converter:      conv,
		sink:           nopSink{},
		logger:         zap.NewNop(),
		clock:          time.Now,
		assets:         cfg.Assets,
		cooldown:       cfg.Cooldown,
		thresholds:     make(map[model.BatchKind]model.Amount, len(model.Kinds)),
		batches:        make(map[model.BatchID]*model.Batch),
		current:        make(map[model.BatchKind]model.BatchID, len(model.Kinds)),
		nextSeq:        make(map[model.BatchKind]uint64, len(model.Kinds)),
		shares:         make(map[shareKey]model.Amount),
		accountBatches: make(map[string][]model.BatchID),
		deposited:      make(map[shareKey]struct{}),
	}
	for k, v := range cfg.Thresholds {
		l.thresholds[k] = v
	}
	for _, opt := range opts {
		opt(l)
	}

	paused := cfg.Paused
	if snap := l.restoreFrom; snap != nil {
		if err := l.restore(snap); err != nil {
			return nil, fmt.Errorf("restore snapshot: %w", err)
		}
		paused = snap.Paused
		l.restoreFrom = nil
	} else {
		now := l.clock()
		for _, k := range model.Kinds {
			l.openBatch(k, now)
		}
	}
	l.guard = NewGuard(auth, paused)
	l.updateGauges()
	return l, nil
}

// Guard exposes the lifecycle guard, mainly for authorization checks by
// outer layers.
func (l *Ledger) Guard() *Guard { return l.guard }

func (l *Ledger) Assets() model.Assets { return l.assets }

func (l *Ledger) now(reqNow time.Time) time.Time {
	if !reqNow.IsZero() {
		return reqNow
	}
	return l.clock()
}

func (l *Ledger) openBatch(kind model.BatchKind, now time.Time) *model.Batch {
	id := model.BatchID{Kind: kind, Seq: l.nextSeq[kind]}
	l.nextSeq[kind]++
	b := &model.Batch{
		ID:        id,
		Kind:      kind,
		State:     model.Open,
		CreatedAt: now,
	}
	l.batches[id] = b
	l.current[kind] = id
	return b
}

// credit adds amount to an open batch on behalf of account. Callers check
// the batch total for overflow first; shares never exceed that total.
func (l *Ledger) credit(b *model.Batch, account string, amount model.Amount) {
	b.SuppliedTotal, _ = b.SuppliedTotal.Add(amount)
	b.UnclaimedShares, _ = b.UnclaimedShares.Add(amount)
	key := shareKey{account: account, batch: b.ID}
	l.shares[key], _ = l.shares[key].Add(amount)
	if _, ok := l.deposited[key]; !ok {
		l.deposited[key] = struct{}{}
		l.accountBatches[account] = append(l.accountBatches[account], b.ID)
	}
}

func (l *Ledger) setShare(key shareKey, v model.Amount) {
	if v.IsZero() {
		delete(l.shares, key)
		return
	}
	l.shares[key] = v
}

func (l *Ledger) newEvent(typ model.EventType, now time.Time, b *model.Batch) model.Event {
	evt := model.Event{ID: uuid.NewString(), Type: typ, Time: now}
	if b != nil {
		evt.Kind = b.Kind
		evt.Batch = b.ID
	}
	return evt
}

// persist saves the current state. Failures are logged; the in-memory
// ledger stays authoritative.
func (l *Ledger) persist(ctx context.Context) {
	l.updateGauges()
	if l.store == nil {
		return
	}
	if err := l.store.Save(ctx, l.snapshotLocked()); err != nil {
		l.logger.Error("failed to save ledger snapshot", zap.Error(err))
	}
}

func (l *Ledger) updateGauges() {
	if l.metrics == nil {
		return
	}
	for _, k := range model.Kinds {
		if b, ok := l.batches[l.current[k]]; ok {
			l.metrics.OpenSupplied.WithLabelValues(k.String()).Set(b.SuppliedTotal.Float64())
		}
	}
	paused := 0.0
	if l.guard != nil && l.guard.Paused() {
		paused = 1
	}
	l.metrics.Paused.Set(paused)
}

// finish records metrics and the log line for one operation, then delivers
// its events. It runs after the ledger lock is released.
func (l *Ledger) finish(ctx context.Context, op Op, start time.Time, err error, events []model.Event, fields ...zap.Field) {
	latency := time.Since(start)
	if l.metrics != nil {
		l.metrics.OpTotal.WithLabelValues(string(op), ErrorKind(err)).Inc()
		l.metrics.OpLatencyMS.WithLabelValues(string(op)).Observe(float64(latency.Milliseconds()))
	}

	fields = append(fields, zap.String("op", string(op)), zap.Duration("latency", latency))
	switch kind := ErrorKind(err); {
	case err == nil:
		l.logger.Info("ledger operation", fields...)
	case kind == "transfer_failed" || kind == "conversion_failed" || kind == "internal":
		l.logger.Error("ledger operation failed", append(fields, zap.Error(err))...)
	default:
		l.logger.Warn("ledger operation rejected", append(fields, zap.Error(err))...)
	}

	for _, evt := range events {
		l.sink.Emit(ctx, evt)
	}
}

// GetBatch returns a copy of the batch record.
func (l *Ledger) GetBatch(id model.BatchID) (model.Batch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.batches[id]
	if !ok {
		return model.Batch{}, ErrBatchNotFound
	}
	return *b, nil
}

// CurrentBatchID returns the open batch of kind.
func (l *Ledger) CurrentBatchID(kind model.BatchKind) (model.BatchID, error) {
	if !kind.Valid() {
		return model.BatchID{}, ErrInvalidKind
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current[kind], nil
}

// AccountBatches lists every batch the account has deposited into, oldest first.
func (l *Ledger) AccountBatches(account string) []model.BatchID {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := l.accountBatches[account]
	out := make([]model.BatchID, len(ids))
	copy(out, ids)
	return out
}

// AccountShare returns the unclaimed shares account holds in a batch.
func (l *Ledger) AccountShare(account string, id model.BatchID) (model.Amount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.batches[id]; !ok {
		return model.Amount{}, ErrBatchNotFound
	}
	return l.shares[shareKey{account: account, batch: id}], nil
}

// Entitlement returns what Claim would pay account from a processed batch.
func (l *Ledger) Entitlement(account string, id model.BatchID) (model.Amount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.batches[id]
	if !ok {
		return model.Amount{}, ErrBatchNotFound
	}
	if b.State != model.Claimable {
		return model.Amount{}, ErrNotYetClaimable
	}
	return entitlement(b, l.shares[shareKey{account: account, batch: id}])
}

func entitlement(b *model.Batch, shares model.Amount) (model.Amount, error) {
	if shares.IsZero() {
		return model.Amount{}, nil
	}
	return shares.MulDiv(b.ClaimableTotal, b.UnclaimedShares)
}

// Eligibility describes how close the open batch of a kind is to processing.
type Eligibility struct {
	Batch            model.BatchID `json:"batch"`
	Ready            bool          `json:"ready"`
	CooldownElapsed  bool          `json:"cooldown_elapsed"`
	ThresholdReached bool          `json:"threshold_reached"`
	Remaining        time.Duration `json:"remaining"`
	Supplied         model.Amount  `json:"supplied"`
	Threshold        model.Amount  `json:"threshold"`
	ThresholdGap     model.Amount  `json:"threshold_gap"`
}

// Eligibility evaluates the processing conditions for the open batch of kind
// at now (time.Now when zero).
func (l *Ledger) Eligibility(kind model.BatchKind, now time.Time) (Eligibility, error) {
	if !kind.Valid() {
		return Eligibility{}, ErrInvalidKind
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.eligibility(l.batches[l.current[kind]], l.now(now)), nil
}

func (l *Ledger) eligibility(b *model.Batch, now time.Time) Eligibility {
	threshold := l.thresholds[b.Kind]
	e := Eligibility{
		Batch:     b.ID,
		Supplied:  b.SuppliedTotal,
		Threshold: threshold,
	}
	age := now.Sub(b.CreatedAt)
	e.CooldownElapsed = age >= l.cooldown
	if !e.CooldownElapsed {
		e.Remaining = l.cooldown - age
	}
	e.ThresholdReached = !b.SuppliedTotal.Lt(threshold)
	if !e.ThresholdReached {
		e.ThresholdGap, _ = threshold.Sub(b.SuppliedTotal)
	}
	e.Ready = e.CooldownElapsed || e.ThresholdReached
	return e
}

func (l *Ledger) Paused() bool { return l.guard.Paused() }

// Params is the tunable configuration currently in force.
type Params struct {
	Cooldown   time.Duration                    `json:"cooldown"`
	Thresholds map[model.BatchKind]model.Amount `json:"thresholds"`
	Paused     bool                             `json:"paused"`
}

func (l *Ledger) Params() Params {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := Params{
		Cooldown:   l.cooldown,
		Thresholds: make(map[model.BatchKind]model.Amount, len(l.thresholds)),
		Paused:     l.guard.Paused(),
	}
	for k, v := range l.thresholds {
		p.Thresholds[k] = v
	}
	return p
}
