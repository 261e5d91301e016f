package utxo

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/crossdeal-exchange/crossdeal/internal/adapter"
	"github.com/crossdeal-exchange/crossdeal/internal/asset"
	"github.com/crossdeal-exchange/crossdeal/internal/config"
	"github.com/crossdeal-exchange/crossdeal/internal/deal"
	"github.com/crossdeal-exchange/crossdeal/internal/keystore"
	"github.com/crossdeal-exchange/crossdeal/pkg/logging"
	"github.com/crossdeal-exchange/crossdeal/pkg/money"
)

const (
	// feeTargetBlocks is the confirmation target for fee estimation.
	feeTargetBlocks = 6

	// recoveryScanBlocks bounds how far back FindSentTx walks the chain
	// looking for a confirmed spend of recorded inputs.
	recoveryScanBlocks = 6
)

// Adapter serves one Bitcoin-family chain. It satisfies adapter.Adapter
// and adapter.UTXOSender.
type Adapter struct {
	chain  *asset.Chain
	cfg    *config.ChainConfig
	client *Client
	ks     *keystore.Keystore
	params *chaincfg.Params
	log    *logging.Logger
}

var (
	_ adapter.Adapter    = (*Adapter)(nil)
	_ adapter.UTXOSender = (*Adapter)(nil)
)

// New creates an adapter for a UTXO chain against the configured node.
func New(chainID string, cfg *config.ChainConfig, ks *keystore.Keystore) (*Adapter, error) {
	chain, ok := asset.GetChain(chainID)
	if !ok {
		return nil, fmt.Errorf("unknown chain %q", chainID)
	}
	if chain.Family != asset.FamilyUTXO {
		return nil, fmt.Errorf("chain %q is not a UTXO chain", chainID)
	}
	if cfg == nil || cfg.RPCURL == "" {
		return nil, fmt.Errorf("chain %q has no rpc_url configured", chainID)
	}

	params, err := keystore.ChainParams(chainID, ks.Network())
	if err != nil {
		return nil, err
	}

	return &Adapter{
		chain:  chain,
		cfg:    cfg,
		client: NewClient(cfg.RPCURL, cfg.RPCUser, cfg.RPCPass),
		ks:     ks,
		params: params,
		log:    logging.GetDefault().Component(chainID),
	}, nil
}

// ChainID returns the chain identifier.
func (a *Adapter) ChainID() string { return a.chain.ID }

// Family returns FamilyUTXO.
func (a *Adapter) Family() asset.Family { return asset.FamilyUTXO }

// ValidateAddress reports whether address decodes against this chain's
// parameters on the configured network.
func (a *Adapter) ValidateAddress(address string) bool {
	return a.ks.ValidateAddress(a.chain.ID, address)
}

// GenerateEscrow derives the deterministic escrow address for a deal side.
func (a *Adapter) GenerateEscrow(dealID string, party deal.Party) (*adapter.Escrow, error) {
	key, err := a.ks.EscrowFor(a.chain.ID, dealID, party)
	if err != nil {
		return nil, err
	}
	return &adapter.Escrow{Address: key.Address, Path: key.Path}, nil
}

// ListConfirmedDeposits scans the UTXO set for outputs paying address with
// at least minConf confirmations, oldest first. Block timestamps come from
// the headers of the funding blocks. The since hint is unused: scantxoutset
// covers the whole chain regardless of age.
func (a *Adapter) ListConfirmedDeposits(ctx context.Context, assetCode, address string, minConf int64, since time.Time) ([]*adapter.Deposit, error) {
	ast, ok := asset.Get(assetCode)
	if !ok || ast.Chain != a.chain.ID {
		return nil, fmt.Errorf("asset %q is not on chain %s", assetCode, a.chain.ID)
	}

	utxos, err := a.client.ScanAddressUTXOs(ctx, address)
	if err != nil {
		return nil, err
	}
	if len(utxos) == 0 {
		return nil, nil
	}

	height, err := a.client.BlockCount(ctx)
	if err != nil {
		return nil, err
	}

	blockTimes := make(map[int64]time.Time)
	var deposits []*adapter.Deposit
	for _, u := range utxos {
		if u.Height <= 0 {
			continue
		}
		conf := height - u.Height + 1
		if conf < minConf {
			continue
		}

		blockTime, seen := blockTimes[u.Height]
		if !seen {
			blockTime, err = a.client.BlockTimeAt(ctx, u.Height)
			if err != nil {
				return nil, err
			}
			blockTimes[u.Height] = blockTime
		}

		deposits = append(deposits, &adapter.Deposit{
			TxID:          u.TxID,
			OutputIndex:   u.Vout,
			Amount:        money.FromBaseUnits(big.NewInt(satsOf(u.Amount)), ast.Decimals),
			BlockHeight:   u.Height,
			BlockTime:     blockTime,
			Confirmations: conf,
		})
	}

	sort.Slice(deposits, func(i, j int) bool {
		if deposits[i].BlockHeight != deposits[j].BlockHeight {
			return deposits[i].BlockHeight < deposits[j].BlockHeight
		}
		if deposits[i].TxID != deposits[j].TxID {
			return deposits[i].TxID < deposits[j].TxID
		}
		return deposits[i].OutputIndex < deposits[j].OutputIndex
	})
	return deposits, nil
}

// GetTxConfirmations returns the confirmation depth of txid, zero while it
// sits in the mempool.
func (a *Adapter) GetTxConfirmations(ctx context.Context, txid string) (int64, error) {
	tx, err := a.client.RawTransactionVerbose(ctx, txid)
	if err != nil {
		return 0, err
	}
	return tx.Confirmations, nil
}

// FindSentTx locates a transaction by the outpoints it spends: first in
// the mempool, then in recent blocks. ErrUnknownTxid means no spend of the
// recorded inputs was ever broadcast.
func (a *Adapter) FindSentTx(ctx context.Context, q *adapter.RecoveryQuery) (string, error) {
	if len(q.Inputs) == 0 {
		return "", fmt.Errorf("%w: no inputs recorded", adapter.ErrUnknownTxid)
	}

	anySpent := false
	for _, outpoint := range q.Inputs {
		txid, vout, err := parseOutpoint(outpoint)
		if err != nil {
			return "", err
		}

		spender, err := a.client.MempoolSpenderOf(ctx, txid, vout)
		if err != nil {
			return "", err
		}
		if spender != "" {
			return spender, nil
		}

		spent, err := a.client.TxOutSpent(ctx, txid, vout)
		if err != nil {
			return "", err
		}
		if spent {
			anySpent = true
		}
	}

	if !anySpent {
		return "", fmt.Errorf("%w: recorded inputs still unspent", adapter.ErrUnknownTxid)
	}

	// An input left the UTXO set without a visible mempool spender, so
	// the spend confirmed. Walk recent blocks for it.
	want := make(map[string]bool, len(q.Inputs))
	for _, outpoint := range q.Inputs {
		want[outpoint] = true
	}

	height, err := a.client.BlockCount(ctx)
	if err != nil {
		return "", err
	}

	for h := height; h > height-recoveryScanBlocks && h > 0; h-- {
		txs, err := a.client.BlockTxIDsAt(ctx, h)
		if err != nil {
			return "", err
		}
		for _, tx := range txs {
			for _, vin := range tx.Vin {
				if want[deal.DepositKey(vin.TxID, vin.Vout)] {
					return tx.TxID, nil
				}
			}
		}
	}

	return "", fmt.Errorf("%w: spender not found within %d blocks", adapter.ErrUnknownTxid, recoveryScanBlocks)
}

// EnsureFeeBudget is a no-op: UTXO fees come out of the spent inputs.
func (a *Adapter) EnsureFeeBudget(ctx context.Context, escrowAddress, assetCode string) error {
	return nil
}

// QuoteNativeForUSD converts a USD amount to the native coin using the
// statically configured price.
func (a *Adapter) QuoteNativeForUSD(usd money.Amount) (*adapter.Quote, error) {
	if a.cfg.QuoteUSD == "" {
		return nil, fmt.Errorf("%w: no quote_usd configured for %s", adapter.ErrQuoteUnavailable, a.chain.ID)
	}
	price, err := money.Parse(a.cfg.QuoteUSD)
	if err != nil || price.IsZero() {
		return nil, fmt.Errorf("%w: bad quote_usd for %s", adapter.ErrQuoteUnavailable, a.chain.ID)
	}

	native, ok := asset.NativeOf(a.chain.ID)
	if !ok {
		return nil, fmt.Errorf("chain %s has no native asset", a.chain.ID)
	}

	return &adapter.Quote{
		NativeAmount: money.FloorToScale(usd.Div(price), native.Decimals),
		Pair:         native.Code + "/USD",
		Price:        price,
		AsOf:         time.Now().UTC(),
		Source:       "config",
	}, nil
}

// OperatorAddress returns the commission destination.
func (a *Adapter) OperatorAddress() string { return a.cfg.OperatorAddress }

// CollectConfirms returns the deposit depth threshold, config override
// first.
func (a *Adapter) CollectConfirms() int64 {
	if a.cfg.CollectConfirms > 0 {
		return a.cfg.CollectConfirms
	}
	return a.chain.CollectConfirms
}

// RequiredConfirms returns the outgoing completion depth.
func (a *Adapter) RequiredConfirms() int64 {
	if a.cfg.RequiredConfirms > 0 {
		return a.cfg.RequiredConfirms
	}
	return a.chain.RequiredConfirms
}

// RecoveryAfter returns how long a submitted transfer may sit unconfirmed
// before a fee bump.
func (a *Adapter) RecoveryAfter() time.Duration {
	if a.cfg.RecoveryAfterSeconds > 0 {
		return time.Duration(a.cfg.RecoveryAfterSeconds) * time.Second
	}
	return a.chain.RecoveryAfter
}

// MaxRecoveryAttempts bounds fee-bump replacements.
func (a *Adapter) MaxRecoveryAttempts() int {
	if a.cfg.MaxRecoveryAttempts > 0 {
		return a.cfg.MaxRecoveryAttempts
	}
	return a.chain.MaxRecoveryAttempts
}

// PrepareSend selects inputs and signs a spend without broadcasting. The
// returned txid and inputs are final, so the caller can persist them before
// Broadcast.
func (a *Adapter) PrepareSend(ctx context.Context, req *adapter.SendRequest) (*adapter.PreparedSend, error) {
	key, err := a.escrowKey(req.DealID, req.Party, req.From)
	if err != nil {
		return nil, err
	}
	if !a.ValidateAddress(req.To) {
		return nil, fmt.Errorf("%w: destination %s on %s", adapter.ErrAddressIncompatible, req.To, a.chain.ID)
	}

	utxos, err := a.client.ScanAddressUTXOs(ctx, req.From)
	if err != nil {
		return nil, err
	}

	feeRate, err := a.client.EstimateFeeRate(ctx, feeTargetBlocks)
	if err != nil {
		return nil, err
	}

	mode := spendSelect
	switch {
	case req.SweepAll:
		mode = spendSweep
	case req.CapToBalance:
		mode = spendCapped
	}

	amountSats, err := a.sats(req.Amount)
	if err != nil {
		return nil, err
	}

	built, err := buildSpend(key.PrivKey(), req.From, utxos, req.To, amountSats, feeRate, mode, a.params)
	if err != nil {
		return nil, err
	}

	a.log.Debug("Prepared spend",
		"deal", req.DealID, "purpose", req.Purpose, "txid", built.txid,
		"inputs", len(built.inputs), "fee_sats", built.fee, "rate", feeRate)

	return &adapter.PreparedSend{
		TxID:    built.txid,
		Inputs:  built.inputs,
		RawTx:   []byte(built.rawHex),
		FeeRate: strconv.FormatInt(feeRate, 10),
	}, nil
}

// Broadcast submits a prepared transaction. A node that already mined it
// reports success.
func (a *Adapter) Broadcast(ctx context.Context, p *adapter.PreparedSend) error {
	txid, err := a.client.SendRawTransaction(ctx, string(p.RawTx))
	if err != nil {
		return err
	}
	if txid != "" && txid != p.TxID {
		a.log.Warn("Broadcast txid differs from prepared txid", "prepared", p.TxID, "broadcast", txid)
	}
	return nil
}

// FeeBump rebuilds the stuck transaction over the exact same inputs at a
// strictly higher fee rate and signs the replacement.
func (a *Adapter) FeeBump(ctx context.Context, req *adapter.FeeBumpRequest) (*adapter.PreparedSend, error) {
	inputs := deal.ParseInputs(req.NonceOrInputs)
	if len(inputs) == 0 {
		return nil, fmt.Errorf("fee bump of %s has no recorded inputs", req.PrevTxID)
	}

	key, err := a.escrowKey(req.DealID, req.Party, req.From)
	if err != nil {
		return nil, err
	}

	utxos, err := a.client.ScanAddressUTXOs(ctx, req.From)
	if err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		want[in] = true
	}
	var exact []unspent
	for _, u := range utxos {
		if want[deal.DepositKey(u.TxID, u.Vout)] {
			exact = append(exact, u)
		}
	}
	if len(exact) != len(inputs) {
		// An input left the UTXO set: the original spend (or an earlier
		// replacement) confirmed. The caller should poll its txid.
		return nil, fmt.Errorf("%w: inputs of %s no longer spendable", adapter.ErrBroadcastRejected, req.PrevTxID)
	}

	estimate, err := a.client.EstimateFeeRate(ctx, feeTargetBlocks)
	if err != nil {
		return nil, err
	}
	feeRate := bumpedRate(estimate, req.LastFeeRate, req.Attempt)

	mode := spendExact
	switch {
	case req.SweepAll:
		mode = spendSweep
	case req.CapToBalance:
		mode = spendCapped
	}

	amountSats, err := a.sats(req.Amount)
	if err != nil {
		return nil, err
	}

	built, err := buildSpend(key.PrivKey(), req.From, exact, req.To, amountSats, feeRate, mode, a.params)
	if err != nil {
		return nil, err
	}

	a.log.Info("Fee-bumped spend",
		"deal", req.DealID, "prev", req.PrevTxID, "txid", built.txid,
		"attempt", req.Attempt, "rate", feeRate)

	return &adapter.PreparedSend{
		TxID:    built.txid,
		Inputs:  built.inputs,
		RawTx:   []byte(built.rawHex),
		FeeRate: strconv.FormatInt(feeRate, 10),
	}, nil
}

// escrowKey re-derives the escrow key for a send and refuses to sign when
// the item's source address does not match the derivation.
func (a *Adapter) escrowKey(dealID string, party deal.Party, from string) (*keystore.EscrowKey, error) {
	key, err := a.ks.EscrowFor(a.chain.ID, dealID, party)
	if err != nil {
		return nil, err
	}
	if key.Address != from {
		return nil, fmt.Errorf("%w: deal %s party %s derives %s, item says %s",
			adapter.ErrAddressIncompatible, dealID, party, key.Address, from)
	}
	return key, nil
}

// sats converts a decimal coin amount to satoshis.
func (a *Adapter) sats(amount money.Amount) (int64, error) {
	units, err := money.BaseUnits(amount, 8)
	if err != nil {
		return 0, err
	}
	return units.Int64(), nil
}

// bumpedRate returns a fee rate strictly above the previous attempt's, at
// least a quarter higher so the replacement clears incremental relay.
func bumpedRate(estimate int64, lastRate string, attempt int) int64 {
	last, err := strconv.ParseInt(lastRate, 10, 64)
	if err != nil || last <= 0 {
		return estimate * (1 + int64(attempt))
	}
	floor := last + last/4 + 1
	if estimate > floor {
		return estimate
	}
	return floor
}

// parseOutpoint splits a "txid:vout" outpoint key.
func parseOutpoint(s string) (string, int64, error) {
	idx := strings.LastIndex(s, ":")
	if idx <= 0 || idx == len(s)-1 {
		return "", 0, fmt.Errorf("malformed outpoint %q", s)
	}
	vout, err := strconv.ParseInt(s[idx+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed outpoint %q: %w", s, err)
	}
	return s[:idx], vout, nil
}
