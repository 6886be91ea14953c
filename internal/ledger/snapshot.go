package ledger

import (
	"fmt"
	"sort"
	"time"

	"BatchSettle/internal/model"
)

// KindState is the per-kind part of the engine state.
type KindState struct {
	Kind      model.BatchKind `json:"kind"`
	Current   model.BatchID   `json:"current"`
	NextSeq   uint64          `json:"next_seq"`
	Threshold model.Amount    `json:"threshold"`
}

// Snapshot is the complete durable state of a ledger: one engine state
// record, every batch, and the sparse (account, batch) share map.
type Snapshot struct {
	Paused         bool                       `json:"paused"`
	Cooldown       time.Duration              `json:"cooldown"`
	Kinds          []KindState                `json:"kinds"`
	Batches        []model.Batch              `json:"batches"`
	Shares         []model.AccountShare       `json:"shares"`
	AccountBatches map[string][]model.BatchID `json:"account_batches"`
	TakenAt        time.Time                  `json:"taken_at"`
}

// Snapshot returns a consistent copy of the full ledger state.
func (l *Ledger) Snapshot() *Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *Ledger) snapshotLocked() *Snapshot {
	snap := &Snapshot{
		Paused:         l.guard != nil && l.guard.Paused(),
		Cooldown:       l.cooldown,
		Kinds:          make([]KindState, 0, len(model.Kinds)),
		Batches:        make([]model.Batch, 0, len(l.batches)),
		Shares:         make([]model.AccountShare, 0, len(l.shares)),
		AccountBatches: make(map[string][]model.BatchID, len(l.accountBatches)),
		TakenAt:        l.clock(),
	}
	for _, k := range model.Kinds {
		snap.Kinds = append(snap.Kinds, KindState{
			Kind:      k,
			Current:   l.current[k],
			NextSeq:   l.nextSeq[k],
			Threshold: l.thresholds[k],
		})
	}
	for _, b := range l.batches {
		snap.Batches = append(snap.Batches, *b)
	}
	sort.Slice(snap.Batches, func(i, j int) bool {
		return lessID(snap.Batches[i].ID, snap.Batches[j].ID)
	})
	for key, shares := range l.shares {
		snap.Shares = append(snap.Shares, model.AccountShare{Account: key.account, Batch: key.batch, Shares: shares})
	}
	sort.Slice(snap.Shares, func(i, j int) bool {
		a, b := snap.Shares[i], snap.Shares[j]
		if a.Account != b.Account {
			return a.Account < b.Account
		}
		return lessID(a.Batch, b.Batch)
	})
	for account, ids := range l.accountBatches {
		snap.AccountBatches[account] = append([]model.BatchID(nil), ids...)
	}
	return snap
}

func lessID(a, b model.BatchID) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	return a.Seq < b.Seq
}

// Validate checks the structural invariants of a snapshot: exactly one open
// batch per kind which is the current batch, and per batch the account
// shares summing to the unclaimed shares (which equal the supplied total
// while open).
func (s *Snapshot) Validate() error {
	batches := make(map[model.BatchID]model.Batch, len(s.Batches))
	open := make(map[model.BatchKind]int, len(model.Kinds))
	for _, b := range s.Batches {
		if _, dup := batches[b.ID]; dup {
			return fmt.Errorf("duplicate batch %s", b.ID)
		}
		if b.ID.Kind != b.Kind {
			return fmt.Errorf("batch %s has kind %s", b.ID, b.Kind)
		}
		batches[b.ID] = b
		if b.State == model.Open {
			open[b.Kind]++
			if b.SuppliedTotal.Cmp(b.UnclaimedShares) != 0 {
				return fmt.Errorf("open batch %s: supplied %s != unclaimed %s", b.ID, b.SuppliedTotal, b.UnclaimedShares)
			}
		}
	}

	seen := make(map[model.BatchKind]bool, len(s.Kinds))
	for _, ks := range s.Kinds {
		if !ks.Kind.Valid() {
			return fmt.Errorf("invalid kind %d", int(ks.Kind))
		}
		seen[ks.Kind] = true
		cur, ok := batches[ks.Current]
		if !ok || cur.Kind != ks.Kind || cur.State != model.Open {
			return fmt.Errorf("current %s batch %s is missing or not open", ks.Kind, ks.Current)
		}
		if ks.Current.Seq >= ks.NextSeq {
			return fmt.Errorf("next sequence %d for %s does not follow %s", ks.NextSeq, ks.Kind, ks.Current)
		}
	}
	for _, k := range model.Kinds {
		if !seen[k] {
			return fmt.Errorf("missing state for kind %s", k)
		}
		if open[k] != 1 {
			return fmt.Errorf("%d open %s batches, want 1", open[k], k)
		}
	}

	sums := make(map[model.BatchID]model.Amount, len(batches))
	for _, sh := range s.Shares {
		if _, ok := batches[sh.Batch]; !ok {
			return fmt.Errorf("share of %s references unknown batch %s", sh.Account, sh.Batch)
		}
		sum, overflow := sums[sh.Batch].Add(sh.Shares)
		if overflow {
			return model.ErrOverflow
		}
		sums[sh.Batch] = sum
	}
	for id, b := range batches {
		if sums[id].Cmp(b.UnclaimedShares) != 0 {
			return fmt.Errorf("batch %s: account shares %s != unclaimed %s", id, sums[id], b.UnclaimedShares)
		}
	}
	return nil
}

func (l *Ledger) restore(s *Snapshot) error {
	if err := s.Validate(); err != nil {
		return err
	}
	l.cooldown = s.Cooldown
	for _, ks := range s.Kinds {
		l.current[ks.Kind] = ks.Current
		l.nextSeq[ks.Kind] = ks.NextSeq
		l.thresholds[ks.Kind] = ks.Threshold
	}
	for _, b := range s.Batches {
		b := b
		l.batches[b.ID] = &b
	}
	for _, sh := range s.Shares {
		l.setShare(shareKey{account: sh.Account, batch: sh.Batch}, sh.Shares)
	}
	for account, ids := range s.AccountBatches {
		for _, id := range ids {
			key := shareKey{account: account, batch: id}
			if _, ok := l.deposited[key]; ok {
				continue
			}
			l.deposited[key] = struct{}{}
			l.accountBatches[account] = append(l.accountBatches[account], id)
		}
	}
	return nil
}
