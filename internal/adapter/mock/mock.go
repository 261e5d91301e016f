// Package mock implements the adapter contract against in-memory chain
// state. Engine and queue tests drive deposits, confirmations, reorgs and
// broadcast failures through its knobs without touching a node.
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/crossdeal-exchange/crossdeal/internal/adapter"
	"github.com/crossdeal-exchange/crossdeal/internal/asset"
	"github.com/crossdeal-exchange/crossdeal/internal/deal"
	"github.com/crossdeal-exchange/crossdeal/pkg/money"
)

// SentTx is one broadcast the mock accepted, in arrival order.
type SentTx struct {
	Req     adapter.SendRequest
	TxID    string
	Nonce   int64 // -1 on UTXO chains
	Inputs  []string
	FeeRate string
	Confs   int64
	Bumps   int
}

// Adapter is the family-agnostic core. Use NewAccount or NewUTXO; the
// wrappers add the family-specific send surface.
type Adapter struct {
	mu sync.Mutex

	chain *asset.Chain

	// Knobs, settable before or between ticks.
	Operator   string
	Tank       string
	QuotePrice money.Amount
	Collect    int64
	Required   int64
	Recovery   time.Duration
	MaxBumps   int

	deposits map[string][]*adapter.Deposit // "asset|address"
	sent     map[string]*SentTx
	order    []string
	prepared map[string]*adapter.SendRequest // signed but not broadcast
	invalid  map[string]bool
	balances map[string]money.Amount
	confErr  map[string]error

	sendErr   error // one shot
	budgetErr error // one shot
	seq       int

	// FeeBudgetCalls records every EnsureFeeBudget target.
	FeeBudgetCalls []string
}

func newAdapter(chainID string) *Adapter {
	c := asset.MustGetChain(chainID)
	return &Adapter{
		chain:      c,
		Operator:   "operator-" + chainID,
		Tank:       "tank-" + chainID,
		QuotePrice: money.MustParse("1000"),
		Collect:    c.CollectConfirms,
		Required:   c.RequiredConfirms,
		Recovery:   c.RecoveryAfter,
		MaxBumps:   c.MaxRecoveryAttempts,
		deposits:   make(map[string][]*adapter.Deposit),
		sent:       make(map[string]*SentTx),
		prepared:   make(map[string]*adapter.SendRequest),
		invalid:    make(map[string]bool),
		balances:   make(map[string]money.Amount),
		confErr:    make(map[string]error),
	}
}

func (m *Adapter) ChainID() string      { return m.chain.ID }
func (m *Adapter) Family() asset.Family { return m.chain.Family }

func (m *Adapter) ValidateAddress(address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return address != "" && !m.invalid[address]
}

func (m *Adapter) GenerateEscrow(dealID string, party deal.Party) (*adapter.Escrow, error) {
	return &adapter.Escrow{
		Address: fmt.Sprintf("escrow-%s-%s-%s", m.chain.ID, dealID, party),
		Path:    fmt.Sprintf("m/%s/%s", dealID, party),
	}, nil
}

func (m *Adapter) ListConfirmedDeposits(_ context.Context, assetCode, address string, minConf int64, _ time.Time) ([]*adapter.Deposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*adapter.Deposit
	for _, dep := range m.deposits[depositMapKey(assetCode, address)] {
		if dep.Confirmations >= minConf {
			cp := *dep
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockHeight != out[j].BlockHeight {
			return out[i].BlockHeight < out[j].BlockHeight
		}
		return out[i].TxID < out[j].TxID
	})
	return out, nil
}

func (m *Adapter) GetTxConfirmations(_ context.Context, txid string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.confErr[txid]; ok {
		return 0, err
	}
	if s, ok := m.sent[txid]; ok {
		return s.Confs, nil
	}
	for _, deps := range m.deposits {
		for _, dep := range deps {
			if dep.TxID == txid {
				return dep.Confirmations, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: %s", adapter.ErrUnknownTxid, txid)
}

func (m *Adapter) FindSentTx(_ context.Context, q *adapter.RecoveryQuery) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[string]bool, len(q.Inputs))
	for _, in := range q.Inputs {
		want[in] = true
	}
	for i := len(m.order) - 1; i >= 0; i-- {
		s := m.sent[m.order[i]]
		if q.Nonce >= 0 && s.Nonce == q.Nonce && s.Req.From == q.From {
			return s.TxID, nil
		}
		for _, in := range s.Inputs {
			if want[in] {
				return s.TxID, nil
			}
		}
	}
	return "", fmt.Errorf("%w: nothing broadcast for %s", adapter.ErrUnknownTxid, q.From)
}

func (m *Adapter) EnsureFeeBudget(_ context.Context, escrowAddress, assetCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.FeeBudgetCalls = append(m.FeeBudgetCalls, escrowAddress+"/"+assetCode)
	if m.budgetErr != nil {
		err := m.budgetErr
		m.budgetErr = nil
		return err
	}
	return nil
}

func (m *Adapter) QuoteNativeForUSD(usd money.Amount) (*adapter.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.QuotePrice.IsZero() {
		return nil, fmt.Errorf("%w: chain %s", adapter.ErrQuoteUnavailable, m.chain.ID)
	}
	native, ok := asset.NativeOf(m.chain.ID)
	if !ok {
		return nil, fmt.Errorf("chain %s has no native asset", m.chain.ID)
	}
	return &adapter.Quote{
		NativeAmount: usd.DivRound(m.QuotePrice, native.Decimals),
		Pair:         native.Code + "/USD",
		Price:        m.QuotePrice,
		AsOf:         time.Now(),
		Source:       "mock",
	}, nil
}

func (m *Adapter) OperatorAddress() string      { return m.Operator }
func (m *Adapter) CollectConfirms() int64       { return m.Collect }
func (m *Adapter) RequiredConfirms() int64      { return m.Required }
func (m *Adapter) RecoveryAfter() time.Duration { return m.Recovery }
func (m *Adapter) MaxRecoveryAttempts() int     { return m.MaxBumps }

// AccountAdapter mocks a nonce-ordered chain.
type AccountAdapter struct {
	*Adapter
}

// NewAccount returns a mock for an account-family chain id.
func NewAccount(chainID string) *AccountAdapter {
	a := newAdapter(chainID)
	if a.chain.Family != asset.FamilyAccount {
		panic(fmt.Sprintf("chain %s is not account family", chainID))
	}
	return &AccountAdapter{Adapter: a}
}

func (m *AccountAdapter) Send(_ context.Context, req *adapter.SendRequest, nonce int64) (*adapter.SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.To == "" || m.invalid[req.To] {
		return nil, fmt.Errorf("%w: %s", adapter.ErrAddressIncompatible, req.To)
	}
	if m.sendErr != nil {
		err := m.sendErr
		m.sendErr = nil
		return nil, err
	}

	// Resending a reserved nonce is idempotent, like a node answering
	// "already known".
	for i := len(m.order) - 1; i >= 0; i-- {
		if s := m.sent[m.order[i]]; s.Nonce == nonce && s.Req.From == req.From {
			return &adapter.SendResult{TxID: s.TxID, FeeRate: s.FeeRate}, nil
		}
	}

	m.seq++
	s := &SentTx{
		Req:     *req,
		TxID:    fmt.Sprintf("%s-tx-%d", m.chain.ID, m.seq),
		Nonce:   nonce,
		FeeRate: "1000000000:2000000000",
	}
	m.sent[s.TxID] = s
	m.order = append(m.order, s.TxID)
	return &adapter.SendResult{TxID: s.TxID, FeeRate: s.FeeRate}, nil
}

func (m *AccountAdapter) FeeBump(_ context.Context, req *adapter.FeeBumpRequest) (*adapter.SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sendErr != nil {
		err := m.sendErr
		m.sendErr = nil
		return nil, err
	}
	nonce, ok := deal.ParseNonce(req.NonceOrInputs)
	if !ok {
		return nil, fmt.Errorf("fee bump of %s has no recorded nonce", req.PrevTxID)
	}

	m.seq++
	s := &SentTx{
		Req:     req.SendRequest,
		TxID:    fmt.Sprintf("%s-tx-%d-b%d", m.chain.ID, m.seq, req.Attempt),
		Nonce:   nonce,
		FeeRate: "1130000000:2260000000",
		Bumps:   req.Attempt,
	}
	m.sent[s.TxID] = s
	m.order = append(m.order, s.TxID)
	return &adapter.SendResult{TxID: s.TxID, FeeRate: s.FeeRate}, nil
}

func (m *AccountAdapter) NativeBalance(_ context.Context, address string) (money.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[address], nil
}

// UTXOAdapter mocks an outpoint-spending chain. Broadcast consumes the
// spent outpoints, matching how a real node's UTXO scan stops reporting
// swept deposits.
type UTXOAdapter struct {
	*Adapter
}

// NewUTXO returns a mock for a UTXO-family chain id.
func NewUTXO(chainID string) *UTXOAdapter {
	a := newAdapter(chainID)
	if a.chain.Family != asset.FamilyUTXO {
		panic(fmt.Sprintf("chain %s is not utxo family", chainID))
	}
	return &UTXOAdapter{Adapter: a}
}

func (m *UTXOAdapter) PrepareSend(_ context.Context, req *adapter.SendRequest) (*adapter.PreparedSend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.To == "" || m.invalid[req.To] {
		return nil, fmt.Errorf("%w: %s", adapter.ErrAddressIncompatible, req.To)
	}
	deps := m.deposits[depositMapKey(req.Asset, req.From)]
	if len(deps) == 0 {
		return nil, fmt.Errorf("%w: escrow %s", adapter.ErrNoUTXOs, req.From)
	}

	inputs := make([]string, 0, len(deps))
	total := money.Zero
	for _, dep := range deps {
		inputs = append(inputs, deal.DepositKey(dep.TxID, dep.OutputIndex))
		total = total.Add(dep.Amount)
	}
	if !req.SweepAll && !req.CapToBalance && total.LessThan(req.Amount) {
		return nil, fmt.Errorf("%w: need %s, escrow holds %s", adapter.ErrInsufficientFunds, req.Amount.String(), total.String())
	}

	m.seq++
	p := &adapter.PreparedSend{
		TxID:    fmt.Sprintf("%s-spend-%d", m.chain.ID, m.seq),
		Inputs:  inputs,
		RawTx:   []byte("raw"),
		FeeRate: "10",
	}
	reqCopy := *req
	m.prepared[p.TxID] = &reqCopy
	return p, nil
}

func (m *UTXOAdapter) Broadcast(_ context.Context, p *adapter.PreparedSend) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sendErr != nil {
		err := m.sendErr
		m.sendErr = nil
		return err
	}
	if _, ok := m.sent[p.TxID]; ok {
		return nil
	}

	s := &SentTx{
		TxID:    p.TxID,
		Nonce:   -1,
		Inputs:  append([]string(nil), p.Inputs...),
		FeeRate: p.FeeRate,
	}
	if req, ok := m.prepared[p.TxID]; ok {
		s.Req = *req
		m.consumeOutpoints(req.Asset, req.From, p.Inputs)
		delete(m.prepared, p.TxID)
	}
	m.sent[p.TxID] = s
	m.order = append(m.order, p.TxID)
	return nil
}

func (m *UTXOAdapter) FeeBump(_ context.Context, req *adapter.FeeBumpRequest) (*adapter.PreparedSend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inputs := deal.ParseInputs(req.NonceOrInputs)
	if len(inputs) == 0 {
		return nil, fmt.Errorf("fee bump of %s has no recorded inputs", req.PrevTxID)
	}

	m.seq++
	p := &adapter.PreparedSend{
		TxID:    fmt.Sprintf("%s-spend-%d-b%d", m.chain.ID, m.seq, req.Attempt),
		Inputs:  inputs,
		RawTx:   []byte("raw"),
		FeeRate: "12",
	}
	reqCopy := req.SendRequest
	m.prepared[p.TxID] = &reqCopy
	return p, nil
}

func (m *Adapter) consumeOutpoints(assetCode, address string, inputs []string) {
	spent := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		spent[in] = true
	}
	key := depositMapKey(assetCode, address)
	var kept []*adapter.Deposit
	for _, dep := range m.deposits[key] {
		if !spent[deal.DepositKey(dep.TxID, dep.OutputIndex)] {
			kept = append(kept, dep)
		}
	}
	m.deposits[key] = kept
}

// Test knobs.

// AddDeposit places a confirmed deposit on an escrow and returns it for
// further shaping. Txids are unique per mock.
func (m *Adapter) AddDeposit(assetCode, address, amount string, confs int64) *adapter.Deposit {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	dep := &adapter.Deposit{
		TxID:          fmt.Sprintf("%s-dep-%d", m.chain.ID, m.seq),
		OutputIndex:   0,
		Amount:        money.MustParse(amount),
		BlockHeight:   int64(100 + m.seq),
		BlockTime:     time.Now(),
		Confirmations: confs,
	}
	key := depositMapKey(assetCode, address)
	m.deposits[key] = append(m.deposits[key], dep)
	return dep
}

// PlaceDeposit stores a fully caller-shaped deposit.
func (m *Adapter) PlaceDeposit(assetCode, address string, dep *adapter.Deposit) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := depositMapKey(assetCode, address)
	m.deposits[key] = append(m.deposits[key], dep)
}

// RemoveDeposit drops an outpoint from the chain view, as a reorg would.
func (m *Adapter) RemoveDeposit(assetCode, address, txid string, vout int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumeOutpoints(assetCode, address, []string{deal.DepositKey(txid, vout)})
}

// ConfirmDeposits sets the confirmation count of every deposit on an escrow.
func (m *Adapter) ConfirmDeposits(assetCode, address string, confs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, dep := range m.deposits[depositMapKey(assetCode, address)] {
		dep.Confirmations = confs
	}
}

// Confirm sets the confirmation depth of a broadcast transaction.
func (m *Adapter) Confirm(txid string, confs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sent[txid]; ok {
		s.Confs = confs
	}
}

// ConfirmAll confirms every broadcast transaction to the given depth.
func (m *Adapter) ConfirmAll(confs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sent {
		s.Confs = confs
	}
}

// Forget evicts a broadcast transaction, as a mempool drop would.
func (m *Adapter) Forget(txid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sent[txid]; !ok {
		return
	}
	delete(m.sent, txid)
	for i, id := range m.order {
		if id == txid {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Sent returns every accepted broadcast in order.
func (m *Adapter) Sent() []*SentTx {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*SentTx, len(m.order))
	for i, id := range m.order {
		out[i] = m.sent[id]
	}
	return out
}

// LastSent returns the most recent broadcast, or nil.
func (m *Adapter) LastSent() *SentTx {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.order) == 0 {
		return nil
	}
	return m.sent[m.order[len(m.order)-1]]
}

// FailNextSend makes the next Send or Broadcast return err, once.
func (m *Adapter) FailNextSend(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// FailNextBudget makes the next EnsureFeeBudget return err, once.
func (m *Adapter) FailNextBudget(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.budgetErr = err
}

// SetTxError makes confirmation polls for txid return err until cleared
// with a nil err.
func (m *Adapter) SetTxError(txid string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.confErr, txid)
		return
	}
	m.confErr[txid] = err
}

// SetBalance sets an address's native balance.
func (m *Adapter) SetBalance(address, amount string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[address] = money.MustParse(amount)
}

// SetInvalidAddress makes an address fail validation.
func (m *Adapter) SetInvalidAddress(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalid[address] = true
}

func depositMapKey(assetCode, address string) string {
	return assetCode + "|" + address
}

var (
	_ adapter.Adapter       = (*AccountAdapter)(nil)
	_ adapter.AccountSender = (*AccountAdapter)(nil)
	_ adapter.BalanceReader = (*AccountAdapter)(nil)
	_ adapter.Adapter       = (*UTXOAdapter)(nil)
	_ adapter.UTXOSender    = (*UTXOAdapter)(nil)
)
