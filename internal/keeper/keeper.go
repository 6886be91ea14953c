// Package keeper is the automated operator: on every cron tick it processes
// each batch kind whose open batch has become eligible.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"BatchSettle/internal/ledger"
	"BatchSettle/internal/metrics"
	"BatchSettle/internal/model"
	"BatchSettle/internal/notifier"
)

// DefaultSchedule runs at the top of every minute.
const DefaultSchedule = "0 * * * * *"

// Result labels for one kind in one tick.
const (
	ResultProcessed = "processed"
	ResultNotReady  = "not_ready"
	ResultEmpty     = "empty"
	ResultPaused    = "paused"
	ResultFailed    = "failed"
)

// Outcome reports what a tick did for one batch kind.
type Outcome struct {
	Kind   model.BatchKind
	Batch  model.BatchID
	Result string
	Output model.Amount
	Err    error
}

// Keeper manages the processing cron task.
type Keeper struct {
	Cron     *cron.Cron
	Ledger   *ledger.Ledger
	Notifier notifier.Sender
	Metrics  *metrics.Metrics
	// Identity is the operator id the keeper processes as.
	Identity string

	pool    pond.Pool
	logger  *zap.Logger
	ctx     context.Context
	running atomic.Bool
	stop    sync.Once
}

// New creates a Keeper. sender and m may be nil.
func New(ctx context.Context, l *ledger.Ledger, identity string, sender notifier.Sender, m *metrics.Metrics, logger *zap.Logger) *Keeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Keeper{
		Cron:     cron.New(cron.WithSeconds()),
		Ledger:   l,
		Notifier: sender,
		Metrics:  m,
		Identity: identity,
		pool:     pond.NewPool(len(model.Kinds)),
		logger:   logger,
		ctx:      ctx,
	}
}

// Register schedules the processing tick.
func (k *Keeper) Register(spec string) error {
	if spec == "" {
		spec = DefaultSchedule
	}
	if _, err := k.Cron.AddFunc(spec, k.tick); err != nil {
		return fmt.Errorf("register keeper task: %w", err)
	}
	return nil
}

// Start starts the cron scheduler.
func (k *Keeper) Start() {
	k.Cron.Start()
	k.logger.Info("keeper started", zap.String("identity", k.Identity))
}

// Stop waits for a running tick to finish and releases the worker pool.
func (k *Keeper) Stop() {
	k.stop.Do(func() {
		<-k.Cron.Stop().Done()
		k.pool.StopAndWait()
		k.logger.Info("keeper stopped")
	})
}

func (k *Keeper) tick() {
	// a slow conversion must not stack ticks on top of each other
	if !k.running.CompareAndSwap(false, true) {
		k.logger.Debug("previous keeper tick still running, skipping")
		return
	}
	defer k.running.Store(false)
	k.RunOnce(k.ctx)
}

// RunOnce checks every kind in parallel and processes the eligible ones.
// Outcomes are returned in model.Kinds order.
func (k *Keeper) RunOnce(ctx context.Context) []Outcome {
	outcomes := make([]Outcome, len(model.Kinds))
	group := k.pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for i, kind := range model.Kinds {
		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				outcomes[i] = Outcome{Kind: kind, Result: ResultFailed, Err: err}
				return
			}
			outcomes[i] = k.runKind(groupCtx, kind)
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		k.logger.Warn("keeper tick encountered error", zap.Error(err))
	}

	for _, o := range outcomes {
		if k.Metrics != nil {
			k.Metrics.KeeperRuns.WithLabelValues(o.Kind.String(), o.Result).Inc()
		}
	}
	return outcomes
}

func (k *Keeper) runKind(ctx context.Context, kind model.BatchKind) Outcome {
	out := Outcome{Kind: kind}
	if k.Ledger.Paused() {
		out.Result = ResultPaused
		return out
	}

	elig, err := k.Ledger.Eligibility(kind, time.Time{})
	if err != nil {
		out.Result, out.Err = ResultFailed, err
		return out
	}
	out.Batch = elig.Batch
	if !elig.Ready {
		out.Result = ResultNotReady
		return out
	}
	if elig.Supplied.IsZero() {
		out.Result = ResultEmpty
		return out
	}

	res, err := k.Ledger.Process(ctx, ledger.ProcessRequest{Kind: kind, Caller: k.Identity})
	switch {
	case err == nil:
		out.Result, out.Output = ResultProcessed, res.Output
		k.logger.Info("keeper processed batch",
			zap.Stringer("batch", res.Batch),
			zap.Stringer("output", res.Output),
			zap.Stringer("next", res.Next))
	case errors.Is(err, ledger.ErrTooEarly):
		// a withdrawal dropped the batch back under its threshold
		out.Result = ResultNotReady
	case errors.Is(err, ledger.ErrEmptyBatch):
		out.Result = ResultEmpty
	case errors.Is(err, ledger.ErrPaused):
		out.Result = ResultPaused
	default:
		out.Result, out.Err = ResultFailed, err
		k.logger.Error("keeper failed to process batch", zap.Stringer("batch", elig.Batch), zap.Error(err))
		k.trySend(ctx, notifier.FormatProcessFailed(kind, elig.Batch, err))
	}
	return out
}

func (k *Keeper) trySend(ctx context.Context, text string) {
	if k.Notifier == nil {
		return
	}
	if err := k.Notifier.SendWithRetry(ctx, text); err != nil {
		k.logger.Error("send notification", zap.Error(err))
	}
}
