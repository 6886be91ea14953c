package ledger

import "sync"

// Authorizer decides whether a caller holds the Operator capability.
type Authorizer interface {
	IsOperator(caller string) bool
}

// OperatorSet is an Authorizer backed by a fixed list of identities.
type OperatorSet map[string]struct{}

func NewOperatorSet(ids ...string) OperatorSet {
	s := make(OperatorSet, len(ids))
	for _, id := range ids {
		if id != "" {
			s[id] = struct{}{}
		}
	}
	return s
}

func (s OperatorSet) IsOperator(caller string) bool {
	_, ok := s[caller]
	return ok
}

// Op is a ledger entry point as seen by the guard.
type Op string

const (
	OpDeposit  Op = "deposit"
	OpWithdraw Op = "withdraw"
	OpProcess  Op = "process"
	OpClaim    Op = "claim"
	OpStake    Op = "claim_and_stake"
	OpHotSwap  Op = "hotswap"

	OpPause    Op = "pause"
	OpUnpause  Op = "unpause"
	OpSetParam Op = "set_param"
)

// Pausable reports whether op is blocked while paused. Only operations that
// add exposure or convert funds are; exits stay available.
func (op Op) Pausable() bool {
	switch op {
	case OpDeposit, OpProcess, OpHotSwap:
		return true
	}
	return false
}

// Guard holds the pause flag and gates privileged operations.
type Guard struct {
	mu     sync.RWMutex
	paused bool
	auth   Authorizer
}

func NewGuard(auth Authorizer, paused bool) *Guard {
	if auth == nil {
		auth = NewOperatorSet()
	}
	return &Guard{auth: auth, paused: paused}
}

// Authorize returns ErrUnauthorized unless caller is an operator.
func (g *Guard) Authorize(caller string) error {
	if caller == "" || !g.auth.IsOperator(caller) {
		return ErrUnauthorized
	}
	return nil
}

// Admit returns ErrPaused if op may not run in the current pause state.
func (g *Guard) Admit(op Op) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.paused && op.Pausable() {
		return ErrPaused
	}
	return nil
}

func (g *Guard) Paused() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.paused
}

// Pause sets the pause flag. Redundant calls succeed and report changed=false.
func (g *Guard) Pause(caller string) (changed bool, err error) {
	return g.set(caller, true)
}

// Unpause clears the pause flag. Redundant calls succeed and report changed=false.
func (g *Guard) Unpause(caller string) (changed bool, err error) {
	return g.set(caller, false)
}

func (g *Guard) set(caller string, paused bool) (bool, error) {
	if err := g.Authorize(caller); err != nil {
		return false, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused == paused {
		return false, nil
	}
	g.paused = paused
	return true, nil
}
