package utxo

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/crossdeal-exchange/crossdeal/internal/adapter"
	"github.com/crossdeal-exchange/crossdeal/internal/deal"
)

// Estimated vbyte sizes for fee calculation. Escrows are always P2WPKH.
const (
	txBaseSize     = 10
	p2wpkhInSize   = 68
	sizeMargin     = 2
	dustThreshold  = 546
	rbfSequenceNum = wire.MaxTxInSequenceNum - 2
)

// builtTx is a signed transaction ready for broadcast.
type builtTx struct {
	txid   string
	rawHex string
	inputs []string // spent outpoints as "txid:vout"
	fee    int64
}

// spendMode selects how buildSpend treats the provided UTXOs.
type spendMode int

const (
	// spendSelect picks inputs greedily and returns change to the escrow.
	spendSelect spendMode = iota
	// spendSweep consumes every UTXO; the destination gets the remainder
	// after fees.
	spendSweep
	// spendExact consumes every UTXO at a fixed send amount, with change
	// back to the escrow. Fee bumps use it to keep the input set stable.
	spendExact
	// spendCapped consumes every UTXO and pays at most the requested
	// amount. When the pool cannot cover amount plus fees the payment
	// shrinks to what remains; the recipient absorbs the shortfall.
	spendCapped
)

// buildSpend builds and signs a transaction spending P2WPKH escrow outputs.
func buildSpend(
	priv *btcec.PrivateKey,
	escrowAddress string,
	utxos []unspent,
	toAddress string,
	amountSats int64,
	feeRate int64,
	mode spendMode,
	params *chaincfg.Params,
) (*builtTx, error) {
	if len(utxos) == 0 {
		return nil, fmt.Errorf("%w: escrow %s", adapter.ErrNoUTXOs, escrowAddress)
	}
	if feeRate <= 0 {
		return nil, fmt.Errorf("fee rate must be positive, got %d", feeRate)
	}

	destScript, err := addressScript(toAddress, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", adapter.ErrAddressIncompatible, toAddress, err)
	}
	escrowScript, err := addressScript(escrowAddress, params)
	if err != nil {
		return nil, fmt.Errorf("invalid escrow address %s: %w", escrowAddress, err)
	}

	destOutSize := outputVSize(destScript)

	var selected []unspent
	var totalIn int64
	switch mode {
	case spendSweep:
		selected = utxos
		for _, u := range utxos {
			totalIn += satsOf(u.Amount)
		}
		fee := (txBaseSize + int64(len(selected))*p2wpkhInSize + destOutSize + sizeMargin) * feeRate
		amountSats = totalIn - fee
		if amountSats <= dustThreshold {
			return nil, fmt.Errorf("%w: sweep of %d sats cannot cover fee %d", adapter.ErrInsufficientFunds, totalIn, fee)
		}
	case spendExact:
		if amountSats <= 0 {
			return nil, fmt.Errorf("send amount must be positive, got %d", amountSats)
		}
		selected = utxos
		for _, u := range utxos {
			totalIn += satsOf(u.Amount)
		}
	case spendCapped:
		if amountSats <= 0 {
			return nil, fmt.Errorf("send amount must be positive, got %d", amountSats)
		}
		selected = utxos
		for _, u := range utxos {
			totalIn += satsOf(u.Amount)
		}
		withChange := (txBaseSize + int64(len(selected))*p2wpkhInSize + destOutSize + outputVSize(escrowScript) + sizeMargin) * feeRate
		if totalIn < amountSats+withChange {
			noChange := (txBaseSize + int64(len(selected))*p2wpkhInSize + destOutSize + sizeMargin) * feeRate
			if capped := totalIn - noChange; capped < amountSats {
				amountSats = capped
			}
			if amountSats <= dustThreshold {
				return nil, fmt.Errorf("%w: %d sats at escrow cannot cover fee %d", adapter.ErrInsufficientFunds, totalIn, noChange)
			}
			mode = spendSweep // single output, remainder burns into the fee
		}
	default:
		if amountSats <= 0 {
			return nil, fmt.Errorf("send amount must be positive, got %d", amountSats)
		}
		selected, totalIn, err = selectInputs(utxos, amountSats, destOutSize, feeRate)
		if err != nil {
			return nil, err
		}
	}

	tx := wire.NewMsgTx(wire.TxVersion)

	inputs := make([]string, 0, len(selected))
	for _, u := range selected {
		txHash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, fmt.Errorf("invalid txid %s: %w", u.TxID, err)
		}
		txIn := wire.NewTxIn(wire.NewOutPoint(txHash, uint32(u.Vout)), nil, nil)
		txIn.Sequence = rbfSequenceNum
		tx.AddTxIn(txIn)
		inputs = append(inputs, deal.DepositKey(u.TxID, u.Vout))
	}

	tx.AddTxOut(wire.NewTxOut(amountSats, destScript))

	var fee int64
	if mode == spendSweep {
		fee = totalIn - amountSats
	} else {
		vsize := txBaseSize + int64(len(selected))*p2wpkhInSize + destOutSize + outputVSize(escrowScript) + sizeMargin
		fee = vsize * feeRate

		change := totalIn - amountSats - fee
		if change < 0 {
			return nil, fmt.Errorf("%w: need %d sats, selected %d", adapter.ErrInsufficientFunds, amountSats+fee, totalIn)
		}
		if change > dustThreshold {
			tx.AddTxOut(wire.NewTxOut(change, escrowScript))
		} else {
			fee += change // sub-dust change burns into the fee
		}
	}

	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(selected))
	for i, u := range selected {
		prevOuts[tx.TxIn[i].PreviousOutPoint] = wire.NewTxOut(satsOf(u.Amount), escrowScript)
	}
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)

	for i := range selected {
		if err := signP2WPKH(tx, i, priv, fetcher); err != nil {
			return nil, fmt.Errorf("failed to sign input %d: %w", i, err)
		}
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize: %w", err)
	}

	return &builtTx{
		txid:   tx.TxHash().String(),
		rawHex: hex.EncodeToString(buf.Bytes()),
		inputs: inputs,
		fee:    fee,
	}, nil
}

// signP2WPKH signs a native SegWit input.
func signP2WPKH(tx *wire.MsgTx, inputIndex int, privKey *btcec.PrivateKey, prevOutFetcher txscript.PrevOutputFetcher) error {
	outpoint := tx.TxIn[inputIndex].PreviousOutPoint
	prevOut := prevOutFetcher.FetchPrevOutput(outpoint)
	if prevOut == nil {
		return fmt.Errorf("previous output not found")
	}

	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)

	witness, err := txscript.WitnessSignature(
		tx,
		sigHashes,
		inputIndex,
		prevOut.Value,
		prevOut.PkScript,
		txscript.SigHashAll,
		privKey,
		true, // compressed
	)
	if err != nil {
		return err
	}

	tx.TxIn[inputIndex].Witness = witness
	return nil
}

// selectInputs picks UTXOs to cover target plus fees, largest first.
func selectInputs(utxos []unspent, targetSats, destOutSize, feeRate int64) ([]unspent, int64, error) {
	sorted := make([]unspent, len(utxos))
	copy(sorted, utxos)

	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Amount > sorted[j-1].Amount; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	// Two outputs assumed: destination plus P2WPKH change.
	baseFee := (txBaseSize + destOutSize + 31 + sizeMargin) * feeRate

	var selected []unspent
	var totalSelected int64

	for _, u := range sorted {
		selected = append(selected, u)
		totalSelected += satsOf(u.Amount)

		totalFee := baseFee + int64(len(selected))*p2wpkhInSize*feeRate
		if totalSelected >= targetSats+totalFee {
			return selected, totalSelected, nil
		}
	}

	totalFee := baseFee + int64(len(selected))*p2wpkhInSize*feeRate
	return nil, 0, fmt.Errorf("%w: need %d sats, have %d", adapter.ErrInsufficientFunds, targetSats+totalFee, totalSelected)
}

// addressScript decodes an address against params and returns its pkScript.
func addressScript(address string, params *chaincfg.Params) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, err
	}
	if !decoded.IsForNet(params) {
		return nil, fmt.Errorf("address %s is for a different network", address)
	}
	return txscript.PayToAddrScript(decoded)
}

// outputVSize estimates an output's vbyte footprint from its script.
func outputVSize(script []byte) int64 {
	return 9 + int64(len(script))
}

// satsOf converts a coin amount from node JSON to satoshis.
func satsOf(coins float64) int64 {
	amt, _ := btcutil.NewAmount(coins)
	return int64(amt)
}
