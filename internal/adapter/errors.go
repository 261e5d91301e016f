package adapter

import "errors"

// Typed adapter errors. The queue processor maps these onto retry, requeue
// and fail decisions; anything else is treated like ErrTransientNetwork.
var (
	// ErrTransientNetwork covers RPC timeouts, connection resets and node
	// overload. Safe to retry on a later tick.
	ErrTransientNetwork = errors.New("transient network error")

	// ErrInsufficientFunds means the source balance cannot cover amount
	// plus fees.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrAddressIncompatible means the destination does not parse for
	// this chain and network.
	ErrAddressIncompatible = errors.New("address format incompatible")

	// ErrNoUTXOs means the escrow has no spendable outputs at the
	// required depth.
	ErrNoUTXOs = errors.New("no spendable utxos")

	// ErrBroadcastRejected means the node refused the transaction
	// outright (mempool policy, conflicting spend, bad nonce).
	ErrBroadcastRejected = errors.New("broadcast rejected")

	// ErrUnknownTxid means the chain does not know the transaction. For
	// a previously submitted txid this signals eviction or replacement.
	ErrUnknownTxid = errors.New("unknown txid")

	// ErrQuoteUnavailable means no static USD price is configured for
	// the chain.
	ErrQuoteUnavailable = errors.New("usd quote unavailable")
)
