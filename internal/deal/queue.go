package deal

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/crossdeal-exchange/crossdeal/pkg/money"
)

// Purpose classifies an outgoing transfer.
type Purpose string

const (
	PurposeSwapPayout      Purpose = "SWAP_PAYOUT"
	PurposeOpCommission    Purpose = "OP_COMMISSION"
	PurposeSurplusRefund   Purpose = "SURPLUS_REFUND"
	PurposeTimeoutRefund   Purpose = "TIMEOUT_REFUND"
	PurposeGasRefundToTank Purpose = "GAS_REFUND_TO_TANK"
	PurposeBrokerSwap      Purpose = "BROKER_SWAP"
	PurposeBrokerRevert    Purpose = "BROKER_REVERT"
	PurposeBrokerRefund    Purpose = "BROKER_REFUND"
)

// Valid reports whether p is a known purpose.
func (p Purpose) Valid() bool {
	switch p {
	case PurposeSwapPayout, PurposeOpCommission, PurposeSurplusRefund,
		PurposeTimeoutRefund, PurposeGasRefundToTank,
		PurposeBrokerSwap, PurposeBrokerRevert, PurposeBrokerRefund:
		return true
	}
	return false
}

// Refund reports whether the purpose returns funds rather than settling
// the trade. SWAP->CLOSED waits only for non-refund items.
func (p Purpose) Refund() bool {
	switch p {
	case PurposeSurplusRefund, PurposeTimeoutRefund, PurposeGasRefundToTank,
		PurposeBrokerRevert, PurposeBrokerRefund:
		return true
	}
	return false
}

// Settling reports whether the purpose moves value to the counterparty or
// operator, the items refunds must never race against (invariant: refunds
// and payouts from one source are mutually exclusive).
func (p Purpose) Settling() bool {
	switch p {
	case PurposeSwapPayout, PurposeOpCommission, PurposeBrokerSwap:
		return true
	}
	return false
}

// Phase orders UTXO spends within a deal. Account chains ignore it.
type Phase int

const (
	PhaseNone       Phase = 0
	PhaseSwap       Phase = 1
	PhaseCommission Phase = 2
	PhaseRefund     Phase = 3
)

// ItemStatus is the queue item lifecycle.
type ItemStatus string

const (
	StatusPending    ItemStatus = "PENDING"
	StatusSubmitting ItemStatus = "SUBMITTING"
	StatusSubmitted  ItemStatus = "SUBMITTED"
	StatusCompleted  ItemStatus = "COMPLETED"
	StatusFailed     ItemStatus = "FAILED"
)

// Terminal reports whether the status is final.
func (s ItemStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// InFlight reports whether a transaction may exist on chain for this item.
func (s ItemStatus) InFlight() bool {
	return s == StatusSubmitting || s == StatusSubmitted
}

// SourceKind distinguishes a plain escrow spend from a broker contract
// call.
type SourceKind string

const (
	SourceEscrow SourceKind = "escrow"
	SourceBroker SourceKind = "broker"
)

// BrokerCall is the opaque payload a broker queue item carries to the
// contract: who gets paid, who gets refunded, and the fee split.
type BrokerCall struct {
	Payback      string       `json:"payback"`
	Recipient    string       `json:"recipient"`
	FeeRecipient string       `json:"fee_recipient"`
	Amount       money.Amount `json:"amount"`
	Fees         money.Amount `json:"fees"`
}

// QueueItem is one planned or in-flight outgoing transfer. Items for the
// same (dealId, source) execute strictly in ascending Seq with at most one
// in flight.
type QueueItem struct {
	ID     string
	DealID string
	Chain  string

	SourceKind SourceKind
	Source     string // source address (escrow, or escrow behind a broker)
	To         string
	Asset      string
	Amount     money.Amount

	Purpose Purpose
	Phase   Phase
	Seq     int64

	Status      ItemStatus
	TxID        string
	SubmittedAt time.Time
	// NonceOrInputs records the deterministic identity of the submitted
	// transaction: the account nonce as decimal digits, or the JSON list
	// of UTXO outpoints spent. Crash recovery finds the tx by it.
	NonceOrInputs string

	Confirmations    int64
	RequiredConfirms int64

	// Recovery bookkeeping.
	Attempts     int
	LastFeeRate  string
	OriginalTxID string
	UnknownPolls int
	LastError    string

	Broker *BrokerCall

	CreatedAt time.Time
	UpdatedAt time.Time
}

// BrokerJSON marshals the broker payload for persistence. Nil-safe.
func (q *QueueItem) BrokerJSON() (json.RawMessage, error) {
	if q.Broker == nil {
		return nil, nil
	}
	return json.Marshal(q.Broker)
}

// EncodeNonce renders an account nonce for the NonceOrInputs field.
func EncodeNonce(n int64) string {
	return strconv.FormatInt(n, 10)
}

// ParseNonce reads NonceOrInputs back as an account nonce. It returns
// false for empty fields and for UTXO outpoint lists.
func ParseNonce(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// EncodeInputs renders spent UTXO outpoints for the NonceOrInputs field.
func EncodeInputs(inputs []string) string {
	data, _ := json.Marshal(inputs)
	return string(data)
}

// ParseInputs reads NonceOrInputs back as a UTXO outpoint list. It returns
// nil for empty fields and for account nonces.
func ParseInputs(s string) []string {
	if len(s) == 0 || s[0] != '[' {
		return nil
	}
	var inputs []string
	if err := json.Unmarshal([]byte(s), &inputs); err != nil {
		return nil
	}
	return inputs
}
