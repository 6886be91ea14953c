package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// BatchKind is the direction of conversion for a batch.
type BatchKind int

const (
	// Mint converts the supplied asset into the claimable asset.
	Mint BatchKind = iota
	// Redeem converts the claimable asset back into the supplied asset.
	Redeem
)

// Kinds lists every batch kind in a stable order.
var Kinds = []BatchKind{Mint, Redeem}

func (k BatchKind) String() string {
	switch k {
	case Mint:
		return "mint"
	case Redeem:
		return "redeem"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Opposite returns the kind a hot-swap out of k lands in.
func (k BatchKind) Opposite() BatchKind {
	if k == Mint {
		return Redeem
	}
	return Mint
}

func (k BatchKind) Valid() bool { return k == Mint || k == Redeem }

// ParseBatchKind accepts "mint" or "redeem", case-insensitively.
func ParseBatchKind(s string) (BatchKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mint":
		return Mint, nil
	case "redeem":
		return Redeem, nil
	}
	return 0, fmt.Errorf("unknown batch kind %q", s)
}

func (k BatchKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *BatchKind) UnmarshalText(b []byte) error {
	parsed, err := ParseBatchKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// BatchState is the two-state lifecycle of a batch.
type BatchState int

const (
	Open BatchState = iota
	Claimable
)

func (s BatchState) String() string {
	if s == Claimable {
		return "claimable"
	}
	return "open"
}

func (s BatchState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *BatchState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "open":
		*s = Open
	case "claimable":
		*s = Claimable
	default:
		return fmt.Errorf("unknown batch state %q", string(b))
	}
	return nil
}

// BatchID identifies a batch. Seq is assigned monotonically per kind, so the
// pair is unique across the engine.
type BatchID struct {
	Kind BatchKind
	Seq  uint64
}

func (id BatchID) String() string { return id.Kind.String() + "-" + strconv.FormatUint(id.Seq, 10) }

// ParseBatchID parses the "<kind>-<seq>" form produced by String.
func ParseBatchID(s string) (BatchID, error) {
	i := strings.LastIndexByte(s, '-')
	if i <= 0 {
		return BatchID{}, fmt.Errorf("invalid batch id %q", s)
	}
	kind, err := ParseBatchKind(s[:i])
	if err != nil {
		return BatchID{}, fmt.Errorf("invalid batch id %q: %w", s, err)
	}
	seq, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return BatchID{}, fmt.Errorf("invalid batch id %q: %w", s, err)
	}
	return BatchID{Kind: kind, Seq: seq}, nil
}

func (id BatchID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *BatchID) UnmarshalText(b []byte) error {
	parsed, err := ParseBatchID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Batch is one pooled round of deposits of a single kind.
type Batch struct {
	ID              BatchID    `json:"id"`
	Kind            BatchKind  `json:"kind"`
	State           BatchState `json:"state"`
	SuppliedTotal   Amount     `json:"supplied_total"`
	ClaimableTotal  Amount     `json:"claimable_total"`
	UnclaimedShares Amount     `json:"unclaimed_shares"`
	CreatedAt       time.Time  `json:"created_at"`
	ProcessedAt     time.Time  `json:"processed_at,omitempty"`
}

// AccountShare is the unclaimed share balance an account holds in one batch.
type AccountShare struct {
	Account string  `json:"account"`
	Batch   BatchID `json:"batch"`
	Shares  Amount  `json:"shares"`
}

// Assets names the two assets a deployment converts between. Mint batches
// supply Base and claim Composite; Redeem batches do the reverse.
type Assets struct {
	Base      string `json:"base" yaml:"base"`
	Composite string `json:"composite" yaml:"composite"`
}

// Supplied returns the asset deposited into batches of kind k.
func (a Assets) Supplied(k BatchKind) string {
	if k == Mint {
		return a.Base
	}
	return a.Composite
}

// Claimable returns the asset paid out of processed batches of kind k.
func (a Assets) Claimable(k BatchKind) string {
	return a.Supplied(k.Opposite())
}
