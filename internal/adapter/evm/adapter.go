// Package evm implements the chain adapter for account-based chains over
// an Ethereum JSON-RPC endpoint: native and ERC-20 escrows, EIP-1559
// transactions, the optional broker contract, and gas-tank top-ups for
// token transfers.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/crossdeal-exchange/crossdeal/internal/adapter"
	"github.com/crossdeal-exchange/crossdeal/internal/asset"
	"github.com/crossdeal-exchange/crossdeal/internal/config"
	"github.com/crossdeal-exchange/crossdeal/internal/deal"
	"github.com/crossdeal-exchange/crossdeal/internal/keystore"
	"github.com/crossdeal-exchange/crossdeal/pkg/logging"
	"github.com/crossdeal-exchange/crossdeal/pkg/money"
)

// brokerABIJSON is the settlement entry point of the broker contract. The
// contract splits msg.value on chain: amount to the recipient, fees to the
// fee recipient, remainder back to payback.
const brokerABIJSON = `[{"type":"function","name":"settle","stateMutability":"payable","inputs":[{"name":"payback","type":"address"},{"name":"recipient","type":"address"},{"name":"feeRecipient","type":"address"},{"name":"amount","type":"uint256"},{"name":"fees","type":"uint256"}],"outputs":[]}]`

// Adapter serves one EVM chain. It satisfies adapter.Adapter and
// adapter.AccountSender.
type Adapter struct {
	chain   *asset.Chain
	cfg     *config.ChainConfig
	client  *ethclient.Client
	ks      *keystore.Keystore
	chainID *big.Int
	signer  types.Signer
	broker  abi.ABI
	log     *logging.Logger

	// tankMu serializes tank top-ups within this process; the tank account
	// uses the node's pending nonce rather than queue serialization.
	tankMu sync.Mutex

	scanMu sync.Mutex
	scans  map[scanKey]*scanEntry
}

var (
	_ adapter.Adapter       = (*Adapter)(nil)
	_ adapter.AccountSender = (*Adapter)(nil)
	_ adapter.BalanceReader = (*Adapter)(nil)
)

// New dials the configured node and verifies it serves the expected chain.
// A configured tank address must match the keystore's operational account,
// since top-ups are signed with that key.
func New(chainID string, cfg *config.ChainConfig, ks *keystore.Keystore) (*Adapter, error) {
	chain, ok := asset.GetChain(chainID)
	if !ok {
		return nil, fmt.Errorf("unknown chain %q", chainID)
	}
	if chain.Family != asset.FamilyAccount {
		return nil, fmt.Errorf("chain %q is not an account chain", chainID)
	}
	if cfg == nil || cfg.RPCURL == "" {
		return nil, fmt.Errorf("chain %q has no rpc_url configured", chainID)
	}

	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s node: %w", chainID, err)
	}

	evmID, err := client.ChainID(context.Background())
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain id from %s node: %w", chainID, err)
	}
	// Registry ids are mainnet; testnets run whatever id the node reports.
	if ks.Network() == config.NetworkMainnet && evmID.Uint64() != chain.EVMChainID {
		client.Close()
		return nil, fmt.Errorf("node at %s serves chain id %d, expected %d", cfg.RPCURL, evmID, chain.EVMChainID)
	}

	a := &Adapter{
		chain:   chain,
		cfg:     cfg,
		client:  client,
		ks:      ks,
		chainID: evmID,
		signer:  types.LatestSignerForChainID(evmID),
		log:     logging.GetDefault().Component(chainID),
		scans:   make(map[scanKey]*scanEntry),
	}

	if cfg.BrokerContract != "" {
		parsed, err := abi.JSON(strings.NewReader(brokerABIJSON))
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to parse broker ABI: %w", err)
		}
		a.broker = parsed
	}

	if cfg.TankAddress != "" {
		op, err := ks.OperationalKey(chainID)
		if err != nil {
			client.Close()
			return nil, err
		}
		if !strings.EqualFold(op.Address, cfg.TankAddress) {
			client.Close()
			return nil, fmt.Errorf("chain %s tank_address %s does not match operational account %s",
				chainID, cfg.TankAddress, op.Address)
		}
	}

	return a, nil
}

// Close releases the node connection.
func (a *Adapter) Close() {
	a.client.Close()
}

// ChainID returns the chain identifier.
func (a *Adapter) ChainID() string { return a.chain.ID }

// Family returns FamilyAccount.
func (a *Adapter) Family() asset.Family { return asset.FamilyAccount }

// ValidateAddress reports whether address is 20 hex bytes with a valid
// EIP-55 checksum when mixed case is used.
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

// GetTxConfirmations returns the confirmation depth of txid, zero while it
// sits in the mempool. A transaction that executed but reverted reports
// ErrBroadcastRejected: the transfer did not happen and never will.
func (a *Adapter) GetTxConfirmations(ctx context.Context, txid string) (int64, error) {
	hash := common.HexToHash(txid)

	receipt, err := a.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if !errors.Is(err, ethereum.NotFound) {
			return 0, fmt.Errorf("%w: receipt %s: %v", adapter.ErrTransientNetwork, txid, err)
		}
		if _, _, err := a.client.TransactionByHash(ctx, hash); err != nil {
			if errors.Is(err, ethereum.NotFound) {
				return 0, fmt.Errorf("%w: %s", adapter.ErrUnknownTxid, txid)
			}
			return 0, fmt.Errorf("%w: tx %s: %v", adapter.ErrTransientNetwork, txid, err)
		}
		return 0, nil
	}

	if receipt.Status == types.ReceiptStatusFailed {
		return 0, fmt.Errorf("%w: transaction %s reverted on chain", adapter.ErrBroadcastRejected, txid)
	}

	latest, err := a.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: block number: %v", adapter.ErrTransientNetwork, err)
	}

	conf := int64(latest) - receipt.BlockNumber.Int64() + 1
	if conf < 0 {
		conf = 0
	}
	return conf, nil
}

// FindSentTx locates a transaction by its account nonce. A nonce the chain
// has not consumed yet reports ErrUnknownTxid; the caller may then safely
// resubmit at the same nonce.
func (a *Adapter) FindSentTx(ctx context.Context, q *adapter.RecoveryQuery) (string, error) {
	if q.Nonce < 0 {
		return "", fmt.Errorf("%w: no nonce recorded", adapter.ErrUnknownTxid)
	}
	from := common.HexToAddress(q.From)

	nextNonce, err := a.client.NonceAt(ctx, from, nil)
	if err != nil {
		return "", fmt.Errorf("%w: nonce of %s: %v", adapter.ErrTransientNetwork, q.From, err)
	}
	if nextNonce <= uint64(q.Nonce) {
		return "", fmt.Errorf("%w: nonce %d of %s not yet mined", adapter.ErrUnknownTxid, q.Nonce, q.From)
	}

	latest, err := a.client.BlockNumber(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: block number: %v", adapter.ErrTransientNetwork, err)
	}

	span := a.blocksIn(time.Hour)
	for n := int64(latest); n > 0 && int64(latest)-n < span; n-- {
		block, err := a.client.BlockByNumber(ctx, big.NewInt(n))
		if err != nil {
			return "", fmt.Errorf("%w: block %d: %v", adapter.ErrTransientNetwork, n, err)
		}
		for _, tx := range block.Transactions() {
			if tx.Nonce() != uint64(q.Nonce) {
				continue
			}
			sender, err := types.Sender(a.signer, tx)
			if err != nil {
				continue
			}
			if sender == from {
				return tx.Hash().Hex(), nil
			}
		}
	}

	return "", fmt.Errorf("%w: nonce %d of %s consumed beyond the scan window", adapter.ErrUnknownTxid, q.Nonce, q.From)
}

// NativeBalance returns the escrow's native coin balance.
func (a *Adapter) NativeBalance(ctx context.Context, address string) (money.Amount, error) {
	bal, err := a.client.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return money.Zero, fmt.Errorf("%w: balance of %s: %v", adapter.ErrTransientNetwork, address, err)
	}
	return money.FromBaseUnits(bal, 18), nil
}

// EnsureFeeBudget tops the escrow up with native coin from the tank when
// its balance cannot cover a token transfer's gas. The top-up is broadcast
// and not awaited: the caller's send fails on insufficient funds until the
// top-up mines and the next pass retries.
func (a *Adapter) EnsureFeeBudget(ctx context.Context, escrowAddress, assetCode string) error {
	ast, ok := asset.Get(assetCode)
	if !ok || ast.Chain != a.chain.ID {
		return fmt.Errorf("asset %q is not on chain %s", assetCode, a.chain.ID)
	}
	if ast.Native {
		return nil // native sends pay gas out of the moved balance
	}
	if a.cfg.TankAddress == "" {
		return fmt.Errorf("%w: escrow %s needs gas and chain %s has no tank", adapter.ErrInsufficientFunds, escrowAddress, a.chain.ID)
	}

	escrow := common.HexToAddress(escrowAddress)
	bal, err := a.client.BalanceAt(ctx, escrow, nil)
	if err != nil {
		return fmt.Errorf("%w: balance of %s: %v", adapter.ErrTransientNetwork, escrowAddress, err)
	}

	tip, feeCap, err := a.suggestFees(ctx)
	if err != nil {
		return err
	}

	needed := new(big.Int).Mul(feeCap, new(big.Int).SetUint64(erc20GasLimit))
	if bal.Cmp(needed) >= 0 {
		return nil
	}

	// Top up to twice the need so one fee bump fits without another round.
	topUp := new(big.Int).Mul(needed, big.NewInt(2))
	topUp.Sub(topUp, bal)

	tank, err := a.ks.OperationalKey(a.chain.ID)
	if err != nil {
		return err
	}

	a.tankMu.Lock()
	defer a.tankMu.Unlock()

	nonce, err := a.client.PendingNonceAt(ctx, common.HexToAddress(tank.Address))
	if err != nil {
		return fmt.Errorf("%w: tank nonce: %v", adapter.ErrTransientNetwork, err)
	}

	txData := &types.DynamicFeeTx{
		ChainID:   a.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       nativeGasLimit,
		To:        &escrow,
		Value:     topUp,
	}

	hash, err := a.signAndSend(ctx, tank, txData)
	if err != nil {
		return err
	}

	a.log.Info("Topped up escrow gas from tank",
		"escrow", escrowAddress, "asset", assetCode, "wei", topUp.String(), "txid", hash)
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

// escrowKey re-derives the escrow key for a send and refuses to sign when
// the item's source address does not match the derivation.
func (a *Adapter) escrowKey(dealID string, party deal.Party, from string) (*keystore.EscrowKey, error) {
	key, err := a.ks.EscrowFor(a.chain.ID, dealID, party)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(key.Address, from) {
		return nil, fmt.Errorf("%w: deal %s party %s derives %s, item says %s",
			adapter.ErrAddressIncompatible, dealID, party, key.Address, from)
	}
	return key, nil
}

// blocksIn converts a duration to a block count on this chain.
func (a *Adapter) blocksIn(d time.Duration) int64 {
	n := int64(d / a.chain.AvgBlockTime)
	if n < 1 {
		n = 1
	}
	return n
}
