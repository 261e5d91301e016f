// Package utxo implements the chain adapter for Bitcoin-family chains over
// the node's JSON-RPC interface. The node must run with txindex=1 so that
// submitted transactions stay queryable after they leave the mempool.
package utxo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/crossdeal-exchange/crossdeal/internal/adapter"
)

// Bitcoin Core RPC error codes the adapter reacts to.
const (
	rpcInvalidAddressOrKey = -5  // unknown tx, invalid address
	rpcVerifyError         = -25 // missing or spent inputs
	rpcVerifyRejected      = -26 // mempool policy rejection
	rpcVerifyAlreadyInUTXO = -27 // transaction already in chain
)

// RPCError is a JSON-RPC error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// Client is a minimal Bitcoin Core style JSON-RPC client with basic auth.
type Client struct {
	rpcURL     string
	rpcUser    string
	rpcPass    string
	httpClient *http.Client
	requestID  atomic.Uint64
}

// NewClient creates a JSON-RPC client for a UTXO chain node.
func NewClient(rpcURL, user, pass string) *Client {
	return &Client{
		rpcURL:  rpcURL,
		rpcUser: user,
		rpcPass: pass,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Call performs one JSON-RPC request. Node-side failures come back as
// *RPCError; transport failures are wrapped in ErrTransientNetwork.
func (c *Client) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	id := c.requestID.Add(1)

	request := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}

	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.rpcURL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if c.rpcUser != "" {
		req.SetBasicAuth(c.rpcUser, c.rpcPass)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %v", adapter.ErrTransientNetwork, method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %v", adapter.ErrTransientNetwork, method, err)
	}

	var response struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      uint64          `json:"id"`
		Result  json.RawMessage `json:"result"`
		Error   *RPCError       `json:"error"`
	}

	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("%w: %s bad response: %v", adapter.ErrTransientNetwork, method, err)
	}

	if response.Error != nil {
		return nil, response.Error
	}

	return response.Result, nil
}

// rpcCode extracts the node error code, or zero for transport errors.
func rpcCode(err error) int {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code
	}
	return 0
}

// unspent is one scantxoutset result entry.
type unspent struct {
	TxID         string  `json:"txid"`
	Vout         int64   `json:"vout"`
	ScriptPubKey string  `json:"scriptPubKey"`
	Amount       float64 `json:"amount"`
	Height       int64   `json:"height"`
}

// ScanAddressUTXOs scans the confirmed UTXO set for outputs paying address.
func (c *Client) ScanAddressUTXOs(ctx context.Context, address string) ([]unspent, error) {
	result, err := c.Call(ctx, "scantxoutset", []interface{}{
		"start",
		[]string{"addr(" + address + ")"},
	})
	if err != nil {
		return nil, fmt.Errorf("scantxoutset failed: %w", err)
	}

	var scan struct {
		Success bool      `json:"success"`
		Unspent []unspent `json:"unspents"`
	}
	if err := json.Unmarshal(result, &scan); err != nil {
		return nil, fmt.Errorf("failed to parse scantxoutset result: %w", err)
	}
	if !scan.Success {
		return nil, fmt.Errorf("%w: scantxoutset scan did not complete", adapter.ErrTransientNetwork)
	}

	return scan.Unspent, nil
}

// BlockCount returns the current chain height.
func (c *Client) BlockCount(ctx context.Context) (int64, error) {
	result, err := c.Call(ctx, "getblockcount", []interface{}{})
	if err != nil {
		return 0, err
	}

	var height int64
	if err := json.Unmarshal(result, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// BlockTimeAt returns the timestamp of the block at height.
func (c *Client) BlockTimeAt(ctx context.Context, height int64) (time.Time, error) {
	result, err := c.Call(ctx, "getblockhash", []interface{}{height})
	if err != nil {
		return time.Time{}, err
	}

	var hash string
	if err := json.Unmarshal(result, &hash); err != nil {
		return time.Time{}, err
	}

	result, err = c.Call(ctx, "getblockheader", []interface{}{hash, true})
	if err != nil {
		return time.Time{}, err
	}

	var header struct {
		Time int64 `json:"time"`
	}
	if err := json.Unmarshal(result, &header); err != nil {
		return time.Time{}, err
	}

	return time.Unix(header.Time, 0).UTC(), nil
}

// verboseTx is the subset of a verbose getrawtransaction result we consume.
type verboseTx struct {
	TxID          string `json:"txid"`
	Confirmations int64  `json:"confirmations"`
	BlockTime     int64  `json:"blocktime"`
	Vin           []struct {
		TxID string `json:"txid"`
		Vout int64  `json:"vout"`
	} `json:"vin"`
}

// RawTransactionVerbose fetches a transaction with confirmation metadata.
// Returns ErrUnknownTxid when the node does not know the transaction.
func (c *Client) RawTransactionVerbose(ctx context.Context, txid string) (*verboseTx, error) {
	result, err := c.Call(ctx, "getrawtransaction", []interface{}{txid, true})
	if err != nil {
		if rpcCode(err) == rpcInvalidAddressOrKey {
			return nil, fmt.Errorf("%w: %s", adapter.ErrUnknownTxid, txid)
		}
		return nil, err
	}

	var tx verboseTx
	if err := json.Unmarshal(result, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// SendRawTransaction broadcasts a signed transaction. A node that already
// has the transaction in a block reports success.
func (c *Client) SendRawTransaction(ctx context.Context, rawHex string) (string, error) {
	result, err := c.Call(ctx, "sendrawtransaction", []interface{}{rawHex})
	if err != nil {
		switch rpcCode(err) {
		case rpcVerifyAlreadyInUTXO:
			return "", nil // already mined, caller keeps its txid
		case rpcVerifyError, rpcVerifyRejected:
			return "", fmt.Errorf("%w: %v", adapter.ErrBroadcastRejected, err)
		}
		return "", err
	}

	var txid string
	if err := json.Unmarshal(result, &txid); err != nil {
		return "", err
	}
	return txid, nil
}

// EstimateFeeRate returns a sat/vB fee rate for the confirmation target,
// falling back to the floor rate when the node has no estimate yet.
func (c *Client) EstimateFeeRate(ctx context.Context, target int) (int64, error) {
	const floorRate = 2 // sat/vB

	result, err := c.Call(ctx, "estimatesmartfee", []interface{}{target})
	if err != nil {
		return 0, err
	}

	var feeResult struct {
		FeeRate float64 `json:"feerate"` // coin per kvB
	}
	if err := json.Unmarshal(result, &feeResult); err != nil {
		return 0, err
	}

	rate := int64(feeResult.FeeRate * 1e8 / 1000)
	if rate < floorRate {
		rate = floorRate
	}
	return rate, nil
}

// TxOutSpent reports whether an outpoint is absent from the UTXO set and
// the mempool view, i.e. spent by some transaction.
func (c *Client) TxOutSpent(ctx context.Context, txid string, vout int64) (bool, error) {
	result, err := c.Call(ctx, "gettxout", []interface{}{txid, vout, true})
	if err != nil {
		return false, err
	}
	// gettxout returns null for spent or unknown outputs.
	return string(result) == "null", nil
}

// MempoolSpenderOf finds the mempool transaction spending an outpoint, if
// any. Uses gettxspendingprevout (Bitcoin Core 24+); nodes without it
// report an empty result.
func (c *Client) MempoolSpenderOf(ctx context.Context, txid string, vout int64) (string, error) {
	result, err := c.Call(ctx, "gettxspendingprevout", []interface{}{
		[]map[string]interface{}{{"txid": txid, "vout": vout}},
	})
	if err != nil {
		if rpcCode(err) != 0 {
			return "", nil // method unavailable on this node
		}
		return "", err
	}

	var entries []struct {
		SpendingTxID string `json:"spendingtxid"`
	}
	if err := json.Unmarshal(result, &entries); err != nil {
		return "", err
	}
	if len(entries) > 0 && entries[0].SpendingTxID != "" {
		return entries[0].SpendingTxID, nil
	}
	return "", nil
}

// BlockTxIDsAt returns txids of the block at height together with each
// transaction's inputs, for recovery scans over recent blocks.
func (c *Client) BlockTxIDsAt(ctx context.Context, height int64) ([]verboseTx, error) {
	result, err := c.Call(ctx, "getblockhash", []interface{}{height})
	if err != nil {
		return nil, err
	}

	var hash string
	if err := json.Unmarshal(result, &hash); err != nil {
		return nil, err
	}

	result, err = c.Call(ctx, "getblock", []interface{}{hash, 2})
	if err != nil {
		return nil, err
	}

	var block struct {
		Tx []verboseTx `json:"tx"`
	}
	if err := json.Unmarshal(result, &block); err != nil {
		return nil, err
	}
	return block.Tx, nil
}
