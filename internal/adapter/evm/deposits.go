package evm

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/crossdeal-exchange/crossdeal/internal/adapter"
	"github.com/crossdeal-exchange/crossdeal/internal/asset"
	"github.com/crossdeal-exchange/crossdeal/internal/deal"
	"github.com/crossdeal-exchange/crossdeal/pkg/money"
)

// transferTopic is the keccak hash of the ERC-20 Transfer event signature.
var transferTopic = ethcrypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

const (
	// nativeScanCap bounds how many blocks one native scan may walk. Block
	// bodies come back one RPC call each; older deposits past the cap are
	// reconciled from storage by txid instead.
	nativeScanCap = 5000

	// scanEntryTTL evicts scan state for addresses nobody polls anymore.
	scanEntryTTL = 24 * time.Hour

	// sinceMargin widens a since hint so a deposit mined moments before
	// the hint still lands in the first scan window.
	sinceMargin = 10 * time.Minute
)

// scanKey identifies one (asset, escrow address) deposit watch.
type scanKey struct {
	asset   string
	address string
}

// scanEntry is the incremental scan state for one watch: the last block
// already scanned and every deposit found so far. Hits persist across
// polls so confirmation counts keep growing without rescanning.
type scanEntry struct {
	cursor   uint64
	hits     map[string]*adapter.Deposit
	lastPoll time.Time
}

// ListConfirmedDeposits returns transfers into address with at least
// minConf confirmations, oldest first. Native deposits come from walking
// block bodies, token deposits from Transfer logs; both scans are
// incremental from a per-address cursor. since bounds the first window.
//
// Only direct transfers are visible: native value moved by contract
// internals does not appear in block bodies and stays undetected.
func (a *Adapter) ListConfirmedDeposits(ctx context.Context, assetCode, address string, minConf int64, since time.Time) ([]*adapter.Deposit, error) {
	ast, ok := asset.Get(assetCode)
	if !ok || ast.Chain != a.chain.ID {
		return nil, fmt.Errorf("asset %q is not on chain %s", assetCode, a.chain.ID)
	}

	latest, err := a.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: block number: %v", adapter.ErrTransientNetwork, err)
	}

	a.scanMu.Lock()
	defer a.scanMu.Unlock()

	a.evictStale()

	key := scanKey{asset: assetCode, address: common.HexToAddress(address).Hex()}
	entry, ok := a.scans[key]
	if !ok {
		entry = &scanEntry{
			cursor: a.firstScanBlock(latest, since, ast.Native),
			hits:   make(map[string]*adapter.Deposit),
		}
		a.scans[key] = entry
	}
	entry.lastPoll = time.Now()

	if entry.cursor < latest {
		from := entry.cursor + 1
		if ast.Native {
			err = a.scanNative(ctx, common.HexToAddress(address), from, latest, entry)
		} else {
			err = a.scanTransfers(ctx, ast, common.HexToAddress(address), from, latest, entry)
		}
		if err != nil {
			return nil, err
		}
		entry.cursor = latest
	}

	var deposits []*adapter.Deposit
	for _, h := range entry.hits {
		conf := int64(latest) - h.BlockHeight + 1
		if conf < minConf {
			continue
		}
		d := *h
		d.Confirmations = conf
		deposits = append(deposits, &d)
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

// scanNative walks block bodies for plain value transfers to the escrow.
func (a *Adapter) scanNative(ctx context.Context, addr common.Address, from, to uint64, entry *scanEntry) error {
	if to-from+1 > nativeScanCap {
		a.log.Warn("Native deposit scan window capped",
			"address", addr.Hex(), "from", from, "capped_from", to-nativeScanCap+1)
		from = to - nativeScanCap + 1
	}

	for n := from; n <= to; n++ {
		block, err := a.client.BlockByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return fmt.Errorf("%w: block %d: %v", adapter.ErrTransientNetwork, n, err)
		}
		blockTime := time.Unix(int64(block.Time()), 0).UTC()

		for _, tx := range block.Transactions() {
			if tx.To() == nil || *tx.To() != addr || tx.Value().Sign() <= 0 {
				continue
			}
			dep := &adapter.Deposit{
				TxID:        tx.Hash().Hex(),
				OutputIndex: 0,
				Amount:      money.FromBaseUnits(tx.Value(), 18),
				BlockHeight: int64(n),
				BlockTime:   blockTime,
			}
			entry.hits[deal.DepositKey(dep.TxID, dep.OutputIndex)] = dep
		}
	}
	return nil
}

// scanTransfers queries ERC-20 Transfer logs with the escrow as recipient.
// The log index disambiguates several transfers inside one transaction.
func (a *Adapter) scanTransfers(ctx context.Context, ast *asset.Asset, addr common.Address, from, to uint64, entry *scanEntry) error {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{common.HexToAddress(ast.Contract)},
		Topics: [][]common.Hash{
			{transferTopic},
			nil,
			{common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32))},
		},
	}

	logs, err := a.client.FilterLogs(ctx, query)
	if err != nil {
		return fmt.Errorf("%w: transfer logs: %v", adapter.ErrTransientNetwork, err)
	}

	headerTimes := make(map[uint64]time.Time)
	for _, lg := range logs {
		if lg.Removed || len(lg.Data) == 0 {
			continue
		}

		blockTime, seen := headerTimes[lg.BlockNumber]
		if !seen {
			header, err := a.client.HeaderByNumber(ctx, new(big.Int).SetUint64(lg.BlockNumber))
			if err != nil {
				return fmt.Errorf("%w: header %d: %v", adapter.ErrTransientNetwork, lg.BlockNumber, err)
			}
			blockTime = time.Unix(int64(header.Time), 0).UTC()
			headerTimes[lg.BlockNumber] = blockTime
		}

		dep := &adapter.Deposit{
			TxID:        lg.TxHash.Hex(),
			OutputIndex: int64(lg.Index),
			Amount:      money.FromBaseUnits(new(big.Int).SetBytes(lg.Data), ast.Decimals),
			BlockHeight: int64(lg.BlockNumber),
			BlockTime:   blockTime,
		}
		entry.hits[deal.DepositKey(dep.TxID, dep.OutputIndex)] = dep
	}
	return nil
}

// firstScanBlock places the initial cursor so the first scan covers the
// deal's whole lifetime, or a default hour without a hint.
func (a *Adapter) firstScanBlock(latest uint64, since time.Time, native bool) uint64 {
	window := time.Hour
	if !since.IsZero() {
		if age := time.Since(since) + sinceMargin; age > window {
			window = age
		}
	}

	lookback := uint64(a.blocksIn(window))
	if native && lookback > nativeScanCap {
		lookback = nativeScanCap
	}
	if lookback >= latest {
		return 0
	}
	return latest - lookback
}

// evictStale drops scan state nobody polled within the TTL. Callers hold
// scanMu.
func (a *Adapter) evictStale() {
	for key, entry := range a.scans {
		if !entry.lastPoll.IsZero() && time.Since(entry.lastPoll) > scanEntryTTL {
			delete(a.scans, key)
		}
	}
}
