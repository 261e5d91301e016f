// Package deal defines the deal domain: stages, sides, commission plans,
// escrow deposits, queue items, and the pure lock/plan logic the engine
// drives. Nothing here touches the database or the network.
package deal

import (
	"errors"
	"fmt"
	"time"

	"github.com/crossdeal-exchange/crossdeal/pkg/money"
)

// Domain errors.
var (
	ErrBadTransition   = errors.New("illegal stage transition")
	ErrUnknownParty    = errors.New("unknown party")
	ErrDetailsMissing  = errors.New("party details incomplete")
	ErrDealHalted      = errors.New("deal halted")
	ErrWrongStage      = errors.New("operation not allowed in current stage")
	ErrTokenMismatch   = errors.New("personal link token mismatch")
	ErrAmountNotInUnit = errors.New("amount finer than asset scale")
)

// Stage is the deal lifecycle stage.
type Stage string

const (
	StageCreated    Stage = "CREATED"
	StageCollection Stage = "COLLECTION"
	StageWaiting    Stage = "WAITING"
	StageSwap       Stage = "SWAP"
	StageClosed     Stage = "CLOSED"
	StageReverted   Stage = "REVERTED"
)

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageCreated, StageCollection, StageWaiting, StageSwap, StageClosed, StageReverted:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is legal. The only
// backward edge is WAITING -> COLLECTION (reorg revert); REVERTED is
// reachable from every pre-swap stage; SWAP never times out.
func (s Stage) CanTransition(next Stage) bool {
	switch s {
	case StageCreated:
		return next == StageCollection || next == StageReverted
	case StageCollection:
		return next == StageWaiting || next == StageReverted
	case StageWaiting:
		return next == StageSwap || next == StageCollection || next == StageReverted
	case StageSwap:
		return next == StageClosed
	case StageReverted:
		return next == StageClosed
	case StageClosed:
		return false
	}
	return false
}

// Party identifies one of the two deal sides.
type Party string

const (
	PartyA Party = "A"
	PartyB Party = "B"
)

// Other returns the counterparty.
func (p Party) Other() Party {
	if p == PartyA {
		return PartyB
	}
	return PartyA
}

// Valid reports whether p is a known party.
func (p Party) Valid() bool { return p == PartyA || p == PartyB }

// Side is one half of a deal: what the party sends, where settlement goes,
// and the side's escrow and lock state.
type Side struct {
	Party  Party
	Chain  string
	Asset  string
	Amount money.Amount // declared trade amount, never reduced

	// Party details, filled via the external API before collection starts.
	Payback   string // refunds go here, on this side's chain
	Recipient string // counterparty asset lands here, on the other chain
	Email     string

	// Escrow account, derived when the deal enters COLLECTION.
	EscrowAddress string
	EscrowPath    string

	// Personal link token authorizing party actions on this side.
	Token string

	// Commission requirement, frozen at COLLECTION entry.
	Commission *CommissionPlan

	// Lock state. Zero means not locked. Cleared on WAITING->COLLECTION.
	TradeLockedAt      time.Time
	CommissionLockedAt time.Time
}

// DetailsComplete reports whether the party has submitted settlement
// addresses.
func (s *Side) DetailsComplete() bool {
	return s.Payback != "" && s.Recipient != ""
}

// Locked reports whether both the trade and commission requirements are
// covered.
func (s *Side) Locked() bool {
	return !s.TradeLockedAt.IsZero() && !s.CommissionLockedAt.IsZero()
}

// LockedSince returns the later of the two lock timestamps, the moment the
// side became fully locked.
func (s *Side) LockedSince() time.Time {
	if !s.Locked() {
		return time.Time{}
	}
	if s.TradeLockedAt.After(s.CommissionLockedAt) {
		return s.TradeLockedAt
	}
	return s.CommissionLockedAt
}

// ClearLocks resets lock state after a reorg downgrade.
func (s *Side) ClearLocks() {
	s.TradeLockedAt = time.Time{}
	s.CommissionLockedAt = time.Time{}
}

// Deal is the root entity: two sides, a stage, and the timers that drive
// the state machine.
type Deal struct {
	ID    string
	Stage Stage

	A *Side
	B *Side

	// Timeout is the collection window length; ExpiresAt = collection
	// entry + Timeout. ExpiresAt is zero once cleared (SWAP, CLOSED).
	Timeout   time.Duration
	ExpiresAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  time.Time

	// WatchUntil bounds the post-close late-deposit watcher.
	WatchUntil time.Time

	// HaltReason is set when an invariant violation parks the deal for
	// operator intervention. A halted deal is skipped by automation.
	HaltReason string
}

// Side returns the side for a party.
func (d *Deal) Side(p Party) (*Side, error) {
	switch p {
	case PartyA:
		return d.A, nil
	case PartyB:
		return d.B, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownParty, p)
}

// SideByToken resolves a personal-link token to its side.
func (d *Deal) SideByToken(token string) (*Side, error) {
	switch token {
	case "":
		return nil, ErrTokenMismatch
	case d.A.Token:
		return d.A, nil
	case d.B.Token:
		return d.B, nil
	}
	return nil, ErrTokenMismatch
}

// Sides returns both sides, A first.
func (d *Deal) Sides() []*Side { return []*Side{d.A, d.B} }

// Halted reports whether automation must skip this deal.
func (d *Deal) Halted() bool { return d.HaltReason != "" }

// Expired reports whether the collection timer has run out. Only
// meaningful while the timer is active (COLLECTION) or becomes active
// again after a WAITING downgrade.
func (d *Deal) Expired(now time.Time) bool {
	return !d.ExpiresAt.IsZero() && now.After(d.ExpiresAt)
}

// WatchActive reports whether the post-close late-deposit watcher still
// covers this deal.
func (d *Deal) WatchActive(now time.Time) bool {
	return d.Stage == StageClosed && !d.WatchUntil.IsZero() && !now.After(d.WatchUntil)
}
