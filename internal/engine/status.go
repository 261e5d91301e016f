package engine

import (
	"time"

	"github.com/crossdeal-exchange/crossdeal/internal/deal"
	"github.com/crossdeal-exchange/crossdeal/pkg/money"
)

// DealStatus is the client-facing snapshot of one deal: stage, per-side
// deposit progress and lock state, every planned transfer, and the recent
// event trail.
type DealStatus struct {
	ID         string     `json:"dealId"`
	Stage      deal.Stage `json:"stage"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	ClosedAt   *time.Time `json:"closedAt,omitempty"`
	Halted     bool       `json:"halted"`
	HaltReason string     `json:"haltReason,omitempty"`

	Sides     []*SideStatus     `json:"sides"`
	Transfers []*TransferStatus `json:"transfers"`
	Events    []*EventStatus    `json:"events"`
}

// SideStatus is one party's view: what they owe, what arrived, whether
// their side is locked.
type SideStatus struct {
	Party  deal.Party   `json:"party"`
	Chain  string       `json:"chain"`
	Asset  string       `json:"asset"`
	Amount money.Amount `json:"amount"`

	DetailsComplete bool   `json:"detailsComplete"`
	EscrowAddress   string `json:"escrowAddress,omitempty"`

	// RequiredDeposit is what must land on the escrow in the trade asset.
	// RequiredCommission is nonzero only when the fee is owed in a
	// separate asset.
	RequiredDeposit    money.Amount `json:"requiredDeposit"`
	CommissionAsset    string       `json:"commissionAsset,omitempty"`
	RequiredCommission money.Amount `json:"requiredCommission"`

	EligibleTrade      money.Amount `json:"eligibleTrade"`
	EligibleCommission money.Amount `json:"eligibleCommission"`
	TradeLocked        bool         `json:"tradeLocked"`
	CommissionLocked   bool         `json:"commissionLocked"`

	Deposits []*DepositStatus `json:"deposits"`
}

// DepositStatus is one observed escrow deposit.
type DepositStatus struct {
	TxID          string       `json:"txid"`
	OutputIndex   int64        `json:"outputIndex"`
	Asset         string       `json:"asset"`
	Amount        money.Amount `json:"amount"`
	Confirmations int64        `json:"confirmations"`
	Required      int64        `json:"requiredConfirmations"`
	CoveredBy     string       `json:"coveredBy,omitempty"`
}

// TransferStatus is one planned or executed outgoing transfer.
type TransferStatus struct {
	Purpose       deal.Purpose    `json:"purpose"`
	Chain         string          `json:"chain"`
	Asset         string          `json:"asset"`
	Amount        money.Amount    `json:"amount"`
	To            string          `json:"to"`
	Status        deal.ItemStatus `json:"status"`
	TxID          string          `json:"txid,omitempty"`
	Confirmations int64           `json:"confirmations"`
	Required      int64           `json:"requiredConfirmations"`
	LastError     string          `json:"lastError,omitempty"`
}

// EventStatus is one timeline entry.
type EventStatus struct {
	At      time.Time      `json:"at"`
	Kind    deal.EventKind `json:"kind"`
	Message string         `json:"message"`
}

const statusEventLimit = 50

// Status assembles the full deal view for the API.
func (e *Engine) Status(dealID string) (*DealStatus, error) {
	d, err := e.store.GetDeal(dealID)
	if err != nil {
		return nil, err
	}
	deposits, err := e.store.GetDeposits(dealID)
	if err != nil {
		return nil, err
	}
	items, err := e.store.GetQueueItems(dealID)
	if err != nil {
		return nil, err
	}
	events, err := e.store.GetEvents(dealID, statusEventLimit)
	if err != nil {
		return nil, err
	}

	st := &DealStatus{
		ID:         d.ID,
		Stage:      d.Stage,
		CreatedAt:  d.CreatedAt,
		Halted:     d.Halted(),
		HaltReason: d.HaltReason,
	}
	if !d.ExpiresAt.IsZero() {
		t := d.ExpiresAt
		st.ExpiresAt = &t
	}
	if !d.ClosedAt.IsZero() {
		t := d.ClosedAt
		st.ClosedAt = &t
	}

	for _, side := range d.Sides() {
		ss, err := e.sideStatus(d, side, deposits)
		if err != nil {
			return nil, err
		}
		st.Sides = append(st.Sides, ss)
	}

	for _, item := range items {
		ts := &TransferStatus{
			Purpose:       item.Purpose,
			Chain:         item.Chain,
			Asset:         item.Asset,
			Amount:        item.Amount,
			To:            item.To,
			Status:        item.Status,
			TxID:          item.TxID,
			Confirmations: item.Confirmations,
			LastError:     item.LastError,
		}
		if ad, err := e.adapters.For(item.Chain); err == nil {
			ts.Required = ad.RequiredConfirms()
		}
		st.Transfers = append(st.Transfers, ts)
	}

	for _, ev := range events {
		st.Events = append(st.Events, &EventStatus{At: ev.CreatedAt, Kind: ev.Kind, Message: ev.Message})
	}
	return st, nil
}

func (e *Engine) sideStatus(d *deal.Deal, side *deal.Side, deposits []*deal.EscrowDeposit) (*SideStatus, error) {
	ss := &SideStatus{
		Party:           side.Party,
		Chain:           side.Chain,
		Asset:           side.Asset,
		Amount:          side.Amount,
		DetailsComplete: side.DetailsComplete(),
		EscrowAddress:   side.EscrowAddress,
		RequiredDeposit: side.Amount,
	}

	var collectConfirms int64
	if ad, err := e.adapters.For(side.Chain); err == nil {
		collectConfirms = ad.CollectConfirms()
	}

	for _, dep := range deposits {
		if dep.Party != side.Party {
			continue
		}
		ss.Deposits = append(ss.Deposits, &DepositStatus{
			TxID:          dep.TxID,
			OutputIndex:   dep.OutputIndex,
			Asset:         dep.Asset,
			Amount:        dep.Amount,
			Confirmations: dep.Confirmations,
			Required:      collectConfirms,
			CoveredBy:     dep.CoveredBy,
		})
	}

	// Before collection there is no frozen commission and nothing to lock.
	if side.Commission == nil {
		return ss, nil
	}

	required, err := side.Commission.RequiredDeposit(side.Amount)
	if err != nil {
		return nil, err
	}
	ss.RequiredDeposit = required

	if side.Commission.Currency == deal.CurrencyNative {
		ss.CommissionAsset = side.Commission.CommissionAsset
		rComm, err := side.Commission.Requirement(side.Amount)
		if err != nil {
			return nil, err
		}
		ss.RequiredCommission = rComm
	}

	var sideDeps []*deal.EscrowDeposit
	for _, dep := range deposits {
		if dep.Party == side.Party {
			sideDeps = append(sideDeps, dep)
		}
	}
	res, err := deal.EvaluateLocks(side, sideDeps, collectConfirms, d.ExpiresAt)
	if err != nil {
		return nil, err
	}
	ss.EligibleTrade = res.EligibleTrade
	ss.EligibleCommission = res.EligibleCommission
	ss.TradeLocked = !side.TradeLockedAt.IsZero()
	ss.CommissionLocked = !side.CommissionLockedAt.IsZero()
	return ss, nil
}

// Counts returns the number of deals per stage, for the node info call.
func (e *Engine) Counts() (map[deal.Stage]int, error) {
	return e.store.DealCounts()
}
