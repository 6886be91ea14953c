package custody

import (
	"sort"

	"github.com/puzpuzpuz/xsync/v4"

	"BatchSettle/internal/model"
)

// Entry is one non-zero balance or allowance.
type Entry struct {
	Asset   string       `json:"asset"`
	Account string       `json:"account"`
	Amount  model.Amount `json:"amount"`
}

// State is everything the bank holds, in a stable order.
type State struct {
	Balances   []Entry `json:"balances"`
	Allowances []Entry `json:"allowances"`
}

// Export copies the balances and allowances. Callers that need a state
// consistent with the ledger export while holding off ledger operations.
func (b *Bank) Export() State {
	return State{
		Balances:   entries(b.balances),
		Allowances: entries(b.allowances),
	}
}

// Import replaces the bank's contents with s.
func (b *Bank) Import(s State) {
	replace(b.balances, s.Balances)
	replace(b.allowances, s.Allowances)
}

func entries(m *xsync.Map[key, model.Amount]) []Entry {
	out := make([]Entry, 0, m.Size())
	m.Range(func(k key, v model.Amount) bool {
		if !v.IsZero() {
			out = append(out, Entry{Asset: k.asset, Account: k.account, Amount: v})
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Asset != out[j].Asset {
			return out[i].Asset < out[j].Asset
		}
		return out[i].Account < out[j].Account
	})
	return out
}

func replace(m *xsync.Map[key, model.Amount], list []Entry) {
	m.Range(func(k key, _ model.Amount) bool {
		m.Delete(k)
		return true
	})
	for _, e := range list {
		if !e.Amount.IsZero() {
			m.Store(key{e.Asset, e.Account}, e.Amount)
		}
	}
}
