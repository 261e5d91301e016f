package deal

import (
	"encoding/json"
	"time"
)

// EventKind classifies audit log entries.
type EventKind string

const (
	EventDealCreated     EventKind = "deal_created"
	EventDetailsFilled   EventKind = "details_filled"
	EventStageChanged    EventKind = "stage_changed"
	EventDepositObserved EventKind = "deposit_observed"
	EventDepositRemoved  EventKind = "deposit_removed"
	EventDepositConflict EventKind = "deposit_conflict"
	EventLockSet         EventKind = "lock_set"
	EventLockCleared     EventKind = "lock_cleared"
	EventPlanBuilt       EventKind = "plan_built"
	EventItemSubmitted   EventKind = "item_submitted"
	EventItemCompleted   EventKind = "item_completed"
	EventItemFailed      EventKind = "item_failed"
	EventItemRequeued    EventKind = "item_requeued"
	EventFeeBumped       EventKind = "fee_bumped"
	EventRefundEnqueued  EventKind = "refund_enqueued"
	EventLateDeposit     EventKind = "late_deposit"
	EventDealHalted      EventKind = "deal_halted"
	EventDealCancelled   EventKind = "deal_cancelled"
)

// Event is one append-only audit record for a deal. The status view is a
// pure composition of persisted state; events carry the history.
type Event struct {
	ID        int64           `json:"id"`
	DealID    string          `json:"deal_id"`
	Kind      EventKind       `json:"kind"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
