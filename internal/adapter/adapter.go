// Package adapter defines the chain adapter contract the engine consumes.
// One adapter wraps one chain endpoint; the engine stays polymorphic over
// the two families and never touches chain RPC or signing directly.
package adapter

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/crossdeal-exchange/crossdeal/internal/asset"
	"github.com/crossdeal-exchange/crossdeal/internal/deal"
	"github.com/crossdeal-exchange/crossdeal/pkg/money"
)

// Escrow is a freshly derived escrow address for one deal side.
type Escrow struct {
	Address string
	Path    string
}

// Deposit is one confirmed incoming transfer observed on an escrow address.
// OutputIndex is the vout on UTXO chains and zero on account chains, where
// TxID alone identifies the transfer.
type Deposit struct {
	TxID          string
	OutputIndex   int64
	Amount        money.Amount
	BlockHeight   int64
	BlockTime     time.Time
	Confirmations int64
}

// SendRequest describes one outgoing transfer from a deal escrow. From must
// be the escrow address derived for (DealID, Party); adapters re-derive the
// key and refuse to sign when the addresses disagree.
type SendRequest struct {
	DealID   string
	Party    deal.Party
	Asset    string
	From     string
	To       string
	Amount   money.Amount
	Purpose  deal.Purpose
	SweepAll bool

	// CapToBalance permits paying less than Amount when the source cannot
	// cover Amount plus network fees. Commission transfers use it: the
	// operator absorbs fees rather than shorting a party.
	CapToBalance bool

	// Broker carries the contract call arguments for BROKER_SWAP items.
	Broker *deal.BrokerCall
}

// SendResult reports a broadcast transfer.
type SendResult struct {
	TxID    string
	FeeRate string
}

// PreparedSend is a fully signed UTXO transaction that has not been
// broadcast yet. The txid is final once signing completes, so it can be
// persisted before Broadcast for crash recovery.
type PreparedSend struct {
	TxID    string
	Inputs  []string // spent outpoints as "txid:vout"
	RawTx   []byte
	FeeRate string
}

// RecoveryQuery locates a possibly-broadcast transaction after a crash by
// its deterministic identity: the account nonce, or the spent inputs.
type RecoveryQuery struct {
	From   string
	Nonce  int64    // account chains; -1 when unset
	Inputs []string // UTXO chains
}

// FeeBumpRequest asks for a replacement of a stuck transaction with a
// higher fee. The replacement must reuse the original nonce or inputs.
type FeeBumpRequest struct {
	SendRequest

	PrevTxID      string
	NonceOrInputs string
	LastFeeRate   string
	Attempt       int
}

// Quote is a static USD conversion used for fixed-USD commissions.
type Quote struct {
	NativeAmount money.Amount
	Pair         string
	Price        money.Amount
	AsOf         time.Time
	Source       string
}

// Adapter is the chain-agnostic surface. Implementations additionally
// satisfy AccountSender or UTXOSender depending on their family.
type Adapter interface {
	ChainID() string
	Family() asset.Family

	// ValidateAddress reports whether an address is well formed for this
	// chain and network.
	ValidateAddress(address string) bool

	// GenerateEscrow derives the deterministic escrow address for one
	// deal side.
	GenerateEscrow(dealID string, party deal.Party) (*Escrow, error)

	// ListConfirmedDeposits returns transfers into address with at least
	// minConf confirmations, oldest first. since bounds how far back the
	// first scan of an address must look; a zero value means no hint.
	ListConfirmedDeposits(ctx context.Context, assetCode, address string, minConf int64, since time.Time) ([]*Deposit, error)

	// GetTxConfirmations returns the confirmation depth of a transaction,
	// zero while it sits in the mempool. Returns ErrUnknownTxid when the
	// chain no longer knows the transaction.
	GetTxConfirmations(ctx context.Context, txid string) (int64, error)

	// FindSentTx locates a transaction by nonce or inputs after a crash
	// left its txid unrecorded. Returns ErrUnknownTxid when nothing
	// matching was broadcast.
	FindSentTx(ctx context.Context, q *RecoveryQuery) (string, error)

	// EnsureFeeBudget tops up the escrow with native gas from the tank
	// when the pending transfer cannot pay for itself. No-op on chains
	// where fees come out of the moved amount.
	EnsureFeeBudget(ctx context.Context, escrowAddress, assetCode string) error

	// QuoteNativeForUSD converts a USD amount to the chain's native asset
	// using the statically configured price.
	QuoteNativeForUSD(usd money.Amount) (*Quote, error)

	// OperatorAddress is the commission destination on this chain.
	OperatorAddress() string

	CollectConfirms() int64
	RequiredConfirms() int64
	RecoveryAfter() time.Duration
	MaxRecoveryAttempts() int
}

// AccountSender is implemented by account-chain adapters. The queue
// processor reserves the nonce in storage before calling Send, so the
// transaction identity is known even if the process dies mid-broadcast.
type AccountSender interface {
	Send(ctx context.Context, req *SendRequest, nonce int64) (*SendResult, error)
	FeeBump(ctx context.Context, req *FeeBumpRequest) (*SendResult, error)
}

// UTXOSender is implemented by UTXO-chain adapters. PrepareSend selects
// inputs and signs without broadcasting; the processor persists the chosen
// inputs, then calls Broadcast.
type UTXOSender interface {
	PrepareSend(ctx context.Context, req *SendRequest) (*PreparedSend, error)
	Broadcast(ctx context.Context, p *PreparedSend) error
	FeeBump(ctx context.Context, req *FeeBumpRequest) (*PreparedSend, error)
}

// BalanceReader is implemented by account-chain adapters. The engine sizes
// post-close gas sweeps from the escrow's native balance.
type BalanceReader interface {
	NativeBalance(ctx context.Context, address string) (money.Amount, error)
}

// Set holds the adapters for all enabled chains.
type Set struct {
	adapters map[string]Adapter
}

// NewSet returns an empty adapter set.
func NewSet() *Set {
	return &Set{adapters: make(map[string]Adapter)}
}

// Register adds an adapter, replacing any previous one for the same chain.
func (s *Set) Register(a Adapter) {
	s.adapters[a.ChainID()] = a
}

// For returns the adapter for a chain.
func (s *Set) For(chainID string) (Adapter, error) {
	a, ok := s.adapters[chainID]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for chain %q", chainID)
	}
	return a, nil
}

// Has reports whether a chain has a registered adapter.
func (s *Set) Has(chainID string) bool {
	_, ok := s.adapters[chainID]
	return ok
}

// Chains returns the registered chain ids, sorted.
func (s *Set) Chains() []string {
	ids := make([]string, 0, len(s.adapters))
	for id := range s.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
