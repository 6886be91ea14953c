package model

import "time"

// EventType names a ledger state change.
type EventType string

const (
	EventDeposit          EventType = "DEPOSIT"
	EventWithdrawn        EventType = "WITHDRAWN"
	EventBatchProcessed   EventType = "BATCH_PROCESSED"
	EventClaimed          EventType = "CLAIMED"
	EventClaimedAndStaked EventType = "CLAIMED_AND_STAKED"
	EventHotSwapped       EventType = "HOT_SWAPPED"
	EventPaused           EventType = "PAUSED"
	EventUnpaused         EventType = "UNPAUSED"
	EventCooldownChanged  EventType = "COOLDOWN_CHANGED"
	EventThresholdChanged EventType = "THRESHOLD_CHANGED"
)

// Event is emitted after every successful ledger mutation.
type Event struct {
	ID      string    `json:"id"`
	Type    EventType `json:"type"`
	Time    time.Time `json:"time"`
	Kind    BatchKind `json:"kind"`
	Batch   BatchID   `json:"batch"`
	Account string    `json:"account,omitempty"`

	// Amount is in the supplied asset for deposits and withdrawals and in the
	// claimable asset for claims, processing output and hot-swaps.
	Amount Amount `json:"amount"`

	// Shares burned or credited by the operation, when it differs from Amount.
	Shares Amount   `json:"shares"`
	Target *BatchID `json:"target,omitempty"`
	Caller string   `json:"caller,omitempty"`
	Note   string   `json:"note,omitempty"`
}
