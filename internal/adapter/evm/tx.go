package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/crossdeal-exchange/crossdeal/internal/adapter"
	"github.com/crossdeal-exchange/crossdeal/internal/asset"
	"github.com/crossdeal-exchange/crossdeal/internal/deal"
	"github.com/crossdeal-exchange/crossdeal/internal/keystore"
	"github.com/crossdeal-exchange/crossdeal/pkg/money"
)

// Gas budgets. Token and broker transfers estimate first and fall back to
// these when the node declines.
const (
	nativeGasLimit uint64 = 21000
	erc20GasLimit  uint64 = 90000
	brokerGasLimit uint64 = 200000
)

// transfer(address,uint256)
var erc20TransferSelector = []byte{0xa9, 0x05, 0x9c, 0xbb}

// Send signs and broadcasts one transfer at the nonce the caller reserved.
// The txid is deterministic for the signed payload; a node that already has
// the transaction reports success.
func (a *Adapter) Send(ctx context.Context, req *adapter.SendRequest, nonce int64) (*adapter.SendResult, error) {
	key, err := a.escrowKey(req.DealID, req.Party, req.From)
	if err != nil {
		return nil, err
	}
	if !a.ValidateAddress(req.To) {
		return nil, fmt.Errorf("%w: destination %s on %s", adapter.ErrAddressIncompatible, req.To, a.chain.ID)
	}

	tip, feeCap, err := a.suggestFees(ctx)
	if err != nil {
		return nil, err
	}

	txData, err := a.buildTxData(ctx, req, common.HexToAddress(key.Address), uint64(nonce), tip, feeCap)
	if err != nil {
		return nil, err
	}

	hash, err := a.signAndSend(ctx, key, txData)
	if err != nil {
		return nil, err
	}

	a.log.Debug("Submitted transfer",
		"deal", req.DealID, "purpose", req.Purpose, "txid", hash, "nonce", nonce)

	return &adapter.SendResult{TxID: hash, FeeRate: encodeFeeRate(tip, feeCap)}, nil
}

// FeeBump re-signs the stuck transfer at the same nonce with fee fields
// raised past the node's replacement floor.
func (a *Adapter) FeeBump(ctx context.Context, req *adapter.FeeBumpRequest) (*adapter.SendResult, error) {
	nonce, ok := deal.ParseNonce(req.NonceOrInputs)
	if !ok {
		return nil, fmt.Errorf("fee bump of %s has no recorded nonce", req.PrevTxID)
	}

	key, err := a.escrowKey(req.DealID, req.Party, req.From)
	if err != nil {
		return nil, err
	}

	tip, feeCap, err := a.suggestFees(ctx)
	if err != nil {
		return nil, err
	}
	lastTip, lastCap := parseFeeRate(req.LastFeeRate)
	tip = bumped(tip, lastTip)
	feeCap = bumped(feeCap, lastCap)
	if feeCap.Cmp(tip) < 0 {
		feeCap = new(big.Int).Set(tip)
	}

	txData, err := a.buildTxData(ctx, &req.SendRequest, common.HexToAddress(key.Address), uint64(nonce), tip, feeCap)
	if err != nil {
		return nil, err
	}

	hash, err := a.signAndSend(ctx, key, txData)
	if err != nil {
		return nil, err
	}

	a.log.Info("Fee-bumped transfer",
		"deal", req.DealID, "prev", req.PrevTxID, "txid", hash,
		"nonce", nonce, "attempt", req.Attempt)

	return &adapter.SendResult{TxID: hash, FeeRate: encodeFeeRate(tip, feeCap)}, nil
}

// buildTxData assembles the unsigned transaction for a send request.
func (a *Adapter) buildTxData(ctx context.Context, req *adapter.SendRequest, from common.Address, nonce uint64, tip, feeCap *big.Int) (*types.DynamicFeeTx, error) {
	ast, ok := asset.Get(req.Asset)
	if !ok || ast.Chain != a.chain.ID {
		return nil, fmt.Errorf("asset %q is not on chain %s", req.Asset, a.chain.ID)
	}

	switch {
	case req.Broker != nil:
		return a.buildBrokerTx(ctx, req, from, nonce, tip, feeCap)
	case !ast.Native:
		return a.buildTokenTx(ctx, ast, req, from, nonce, tip, feeCap)
	default:
		return a.buildNativeTx(ctx, req, from, nonce, tip, feeCap)
	}
}

// buildNativeTx moves native coin. Sweeps send the balance minus the exact
// gas cost.
func (a *Adapter) buildNativeTx(ctx context.Context, req *adapter.SendRequest, from common.Address, nonce uint64, tip, feeCap *big.Int) (*types.DynamicFeeTx, error) {
	to := common.HexToAddress(req.To)

	var value *big.Int
	if req.SweepAll {
		bal, err := a.client.BalanceAt(ctx, from, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: balance of %s: %v", adapter.ErrTransientNetwork, req.From, err)
		}
		gasCost := new(big.Int).Mul(feeCap, new(big.Int).SetUint64(nativeGasLimit))
		value = new(big.Int).Sub(bal, gasCost)
		if value.Sign() <= 0 {
			return nil, fmt.Errorf("%w: escrow %s cannot cover the sweep gas", adapter.ErrInsufficientFunds, req.From)
		}
	} else {
		var err error
		value, err = money.BaseUnits(req.Amount, 18)
		if err != nil {
			return nil, err
		}
		if req.CapToBalance {
			bal, err := a.client.BalanceAt(ctx, from, nil)
			if err != nil {
				return nil, fmt.Errorf("%w: balance of %s: %v", adapter.ErrTransientNetwork, req.From, err)
			}
			gasCost := new(big.Int).Mul(feeCap, new(big.Int).SetUint64(nativeGasLimit))
			spendable := new(big.Int).Sub(bal, gasCost)
			if spendable.Sign() <= 0 {
				return nil, fmt.Errorf("%w: escrow %s cannot cover gas", adapter.ErrInsufficientFunds, req.From)
			}
			if spendable.Cmp(value) < 0 {
				value = spendable
			}
		}
	}

	return &types.DynamicFeeTx{
		ChainID:   a.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       nativeGasLimit,
		To:        &to,
		Value:     value,
	}, nil
}

// buildTokenTx moves ERC-20 value with hand-packed transfer calldata.
func (a *Adapter) buildTokenTx(ctx context.Context, ast *asset.Asset, req *adapter.SendRequest, from common.Address, nonce uint64, tip, feeCap *big.Int) (*types.DynamicFeeTx, error) {
	units, err := money.BaseUnits(req.Amount, ast.Decimals)
	if err != nil {
		return nil, err
	}

	contract := common.HexToAddress(ast.Contract)
	data := erc20TransferData(common.HexToAddress(req.To), units)

	gas := a.estimateGas(ctx, ethereum.CallMsg{From: from, To: &contract, Data: data}, erc20GasLimit)

	return &types.DynamicFeeTx{
		ChainID:   a.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &contract,
		Value:     big.NewInt(0),
		Data:      data,
	}, nil
}

// buildBrokerTx calls the broker contract's settle entry point, sweeping
// the escrow's native balance as msg.value for the contract to split.
func (a *Adapter) buildBrokerTx(ctx context.Context, req *adapter.SendRequest, from common.Address, nonce uint64, tip, feeCap *big.Int) (*types.DynamicFeeTx, error) {
	if a.cfg.BrokerContract == "" {
		return nil, fmt.Errorf("broker item on chain %s without a configured contract", a.chain.ID)
	}
	call := req.Broker

	amount, err := money.BaseUnits(call.Amount, 18)
	if err != nil {
		return nil, err
	}
	fees, err := money.BaseUnits(call.Fees, 18)
	if err != nil {
		return nil, err
	}

	data, err := a.broker.Pack("settle",
		common.HexToAddress(call.Payback),
		common.HexToAddress(call.Recipient),
		common.HexToAddress(call.FeeRecipient),
		amount, fees)
	if err != nil {
		return nil, fmt.Errorf("failed to pack broker call: %w", err)
	}

	bal, err := a.client.BalanceAt(ctx, from, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: balance of %s: %v", adapter.ErrTransientNetwork, req.From, err)
	}

	// A fixed gas budget keeps the msg.value computable without a circular
	// estimate; the contract's split must fit inside what remains.
	gasCost := new(big.Int).Mul(feeCap, new(big.Int).SetUint64(brokerGasLimit))
	value := new(big.Int).Sub(bal, gasCost)
	need := new(big.Int).Add(amount, fees)
	if value.Cmp(need) < 0 {
		return nil, fmt.Errorf("%w: escrow %s holds too little for the broker split", adapter.ErrInsufficientFunds, req.From)
	}

	to := common.HexToAddress(req.To)
	return &types.DynamicFeeTx{
		ChainID:   a.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       brokerGasLimit,
		To:        &to,
		Value:     value,
		Data:      data,
	}, nil
}

// signAndSend signs txData with the escrow key and broadcasts it. A pool
// that already knows the transaction reports success with the same hash.
func (a *Adapter) signAndSend(ctx context.Context, key *keystore.EscrowKey, txData *types.DynamicFeeTx) (string, error) {
	priv, err := ethcrypto.ToECDSA(key.PrivKey().Serialize())
	if err != nil {
		return "", fmt.Errorf("failed to load signing key: %w", err)
	}

	signed, err := types.SignNewTx(priv, a.signer, txData)
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}

	if err := a.client.SendTransaction(ctx, signed); err != nil {
		if classified := classifySendError(err); classified != nil {
			return "", classified
		}
	}
	return signed.Hash().Hex(), nil
}

// suggestFees returns the EIP-1559 tip and a fee cap of twice the current
// base fee plus the tip. Pre-London nodes fall back to the legacy price in
// both fields.
func (a *Adapter) suggestFees(ctx context.Context) (*big.Int, *big.Int, error) {
	tip, err := a.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: gas tip: %v", adapter.ErrTransientNetwork, err)
	}

	head, err := a.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: chain head: %v", adapter.ErrTransientNetwork, err)
	}
	if head.BaseFee == nil {
		price, err := a.client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: gas price: %v", adapter.ErrTransientNetwork, err)
		}
		return price, price, nil
	}

	feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
	return tip, feeCap, nil
}

// estimateGas asks the node and pads a quarter on top, falling back to a
// fixed budget when estimation fails.
func (a *Adapter) estimateGas(ctx context.Context, msg ethereum.CallMsg, fallback uint64) uint64 {
	est, err := a.client.EstimateGas(ctx, msg)
	if err != nil || est == 0 {
		return fallback
	}
	return est + est/4
}

// classifySendError maps node broadcast failures to the adapter's typed
// errors. Nil means the pool already holds the transaction.
func classifySendError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already known"),
		strings.Contains(msg, "known transaction"),
		// An earlier broadcast for this nonce still sits in the mempool.
		// The unknown-txid poll path reconciles the winning hash.
		strings.Contains(msg, "replacement transaction underpriced"):
		return nil
	case strings.Contains(msg, "insufficient funds"):
		return fmt.Errorf("%w: %v", adapter.ErrInsufficientFunds, err)
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "underpriced"),
		strings.Contains(msg, "exceeds block gas limit"),
		strings.Contains(msg, "intrinsic gas too low"):
		return fmt.Errorf("%w: %v", adapter.ErrBroadcastRejected, err)
	default:
		return fmt.Errorf("%w: %v", adapter.ErrTransientNetwork, err)
	}
}

// erc20TransferData packs transfer(to, amount) calldata.
func erc20TransferData(to common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 68)
	data = append(data, erc20TransferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}

// encodeFeeRate renders "tip:cap" in wei for the queue's fee bookkeeping.
func encodeFeeRate(tip, feeCap *big.Int) string {
	return tip.String() + ":" + feeCap.String()
}

// parseFeeRate reads a "tip:cap" pair back; nils when the field is absent
// or from another chain family.
func parseFeeRate(s string) (*big.Int, *big.Int) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return nil, nil
	}
	tip, ok1 := new(big.Int).SetString(parts[0], 10)
	feeCap, ok2 := new(big.Int).SetString(parts[1], 10)
	if !ok1 || !ok2 {
		return nil, nil
	}
	return tip, feeCap
}

// bumped returns the higher of the fresh suggestion and the previous value
// raised 13%, clearing the node's replacement price floor.
func bumped(suggest, last *big.Int) *big.Int {
	if last == nil || last.Sign() <= 0 {
		return suggest
	}
	floor := new(big.Int).Mul(last, big.NewInt(113))
	floor.Div(floor, big.NewInt(100))
	floor.Add(floor, big.NewInt(1))
	if suggest.Cmp(floor) > 0 {
		return suggest
	}
	return floor
}
