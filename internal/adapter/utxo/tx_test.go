package utxo

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"

	"github.com/crossdeal-exchange/crossdeal/internal/adapter"
)

var (
	txidA = strings.Repeat("01", 32)
	txidB = strings.Repeat("02", 32)
)

func testKeyAddress(t *testing.T) (*btcec.PrivateKey, string) {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	pkh := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pkh, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("failed to derive address: %v", err)
	}
	return priv, addr.EncodeAddress()
}

func decodeTx(t *testing.T, rawHex string) *wire.MsgTx {
	t.Helper()
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		t.Fatalf("raw tx is not hex: %v", err)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		t.Fatalf("failed to deserialize raw tx: %v", err)
	}
	return &tx
}

func TestBuildSpendSelectWithChange(t *testing.T) {
	priv, escrow := testKeyAddress(t)
	_, dest := testKeyAddress(t)
	utxos := []unspent{{TxID: txidA, Vout: 0, Amount: 0.001, Height: 100}}

	built, err := buildSpend(priv, escrow, utxos, dest, 50_000, 2, spendSelect, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("buildSpend() error = %v", err)
	}

	// One P2WPKH input, a destination output and P2WPKH change:
	// (10 + 68 + 31 + 31 + 2) vbytes at 2 sat/vb.
	if built.fee != 284 {
		t.Errorf("fee = %d, want 284", built.fee)
	}
	if len(built.inputs) != 1 || built.inputs[0] != txidA+":0" {
		t.Errorf("inputs = %v, want the single outpoint", built.inputs)
	}

	tx := decodeTx(t, built.rawHex)
	if len(tx.TxIn) != 1 || len(tx.TxOut) != 2 {
		t.Fatalf("tx shape = %d in %d out, want 1 in 2 out", len(tx.TxIn), len(tx.TxOut))
	}
	if tx.TxOut[0].Value != 50_000 {
		t.Errorf("destination output = %d, want 50000", tx.TxOut[0].Value)
	}
	if tx.TxOut[1].Value != 49_716 {
		t.Errorf("change output = %d, want 49716", tx.TxOut[1].Value)
	}
	if tx.TxIn[0].Sequence != rbfSequenceNum {
		t.Errorf("sequence = %d, want the replaceable sequence", tx.TxIn[0].Sequence)
	}
	if len(tx.TxIn[0].Witness) != 2 {
		t.Errorf("witness items = %d, want signature and pubkey", len(tx.TxIn[0].Witness))
	}
	if built.txid != tx.TxHash().String() {
		t.Errorf("txid = %s, decoded hash = %s", built.txid, tx.TxHash().String())
	}
}

func TestBuildSpendSweep(t *testing.T) {
	priv, escrow := testKeyAddress(t)
	_, dest := testKeyAddress(t)
	utxos := []unspent{
		{TxID: txidA, Vout: 0, Amount: 0.0006, Height: 100},
		{TxID: txidB, Vout: 1, Amount: 0.0004, Height: 101},
	}

	built, err := buildSpend(priv, escrow, utxos, dest, 0, 2, spendSweep, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("buildSpend() error = %v", err)
	}

	// (10 + 2*68 + 31 + 2) vbytes at 2 sat/vb, remainder to the destination.
	if built.fee != 358 {
		t.Errorf("fee = %d, want 358", built.fee)
	}
	if len(built.inputs) != 2 {
		t.Fatalf("inputs = %v, want both outpoints", built.inputs)
	}

	tx := decodeTx(t, built.rawHex)
	if len(tx.TxOut) != 1 {
		t.Fatalf("outputs = %d, want a single sweep output", len(tx.TxOut))
	}
	if tx.TxOut[0].Value != 99_642 {
		t.Errorf("sweep output = %d, want 99642", tx.TxOut[0].Value)
	}
}

func TestBuildSpendSweepCannotCoverFee(t *testing.T) {
	priv, escrow := testKeyAddress(t)
	_, dest := testKeyAddress(t)
	utxos := []unspent{{TxID: txidA, Vout: 0, Amount: 0.000005, Height: 100}}

	_, err := buildSpend(priv, escrow, utxos, dest, 0, 2, spendSweep, &chaincfg.MainNetParams)
	if !errors.Is(err, adapter.ErrInsufficientFunds) {
		t.Fatalf("buildSpend() error = %v, want ErrInsufficientFunds", err)
	}
}

func TestBuildSpendExactKeepsInputSet(t *testing.T) {
	priv, escrow := testKeyAddress(t)
	_, dest := testKeyAddress(t)
	// Far more value than the send needs: exact mode still spends it all.
	utxos := []unspent{
		{TxID: txidA, Vout: 0, Amount: 0.0006, Height: 100},
		{TxID: txidB, Vout: 0, Amount: 0.0004, Height: 101},
	}

	built, err := buildSpend(priv, escrow, utxos, dest, 30_000, 1, spendExact, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("buildSpend() error = %v", err)
	}
	if len(built.inputs) != 2 {
		t.Fatalf("inputs = %d, want the full recorded set", len(built.inputs))
	}

	tx := decodeTx(t, built.rawHex)
	if len(tx.TxOut) != 2 {
		t.Fatalf("outputs = %d, want destination plus change", len(tx.TxOut))
	}
	if tx.TxOut[0].Value != 30_000 {
		t.Errorf("destination output = %d, want 30000", tx.TxOut[0].Value)
	}
	// (10 + 2*68 + 31 + 31 + 2) vbytes at 1 sat/vb.
	if tx.TxOut[1].Value != 100_000-30_000-210 {
		t.Errorf("change output = %d, want 69790", tx.TxOut[1].Value)
	}
}

func TestBuildSpendCappedPaysWhatRemains(t *testing.T) {
	priv, escrow := testKeyAddress(t)
	_, dest := testKeyAddress(t)
	utxos := []unspent{{TxID: txidA, Vout: 0, Amount: 0.0002, Height: 100}}

	built, err := buildSpend(priv, escrow, utxos, dest, 30_000, 1, spendCapped, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("buildSpend() error = %v", err)
	}

	// 20000 sats cannot cover 30000: the payment shrinks to the pool minus
	// the no-change fee (10 + 68 + 31 + 2 = 111 vbytes).
	if built.fee != 111 {
		t.Errorf("fee = %d, want 111", built.fee)
	}
	tx := decodeTx(t, built.rawHex)
	if len(tx.TxOut) != 1 {
		t.Fatalf("outputs = %d, want a single capped output", len(tx.TxOut))
	}
	if tx.TxOut[0].Value != 19_889 {
		t.Errorf("capped output = %d, want 19889", tx.TxOut[0].Value)
	}
}

func TestBuildSpendCappedSufficientFunds(t *testing.T) {
	priv, escrow := testKeyAddress(t)
	_, dest := testKeyAddress(t)
	utxos := []unspent{{TxID: txidA, Vout: 0, Amount: 0.001, Height: 100}}

	built, err := buildSpend(priv, escrow, utxos, dest, 30_000, 1, spendCapped, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("buildSpend() error = %v", err)
	}

	tx := decodeTx(t, built.rawHex)
	if len(tx.TxOut) != 2 {
		t.Fatalf("outputs = %d, want destination plus change", len(tx.TxOut))
	}
	if tx.TxOut[0].Value != 30_000 {
		t.Errorf("destination output = %d, want the uncapped 30000", tx.TxOut[0].Value)
	}
	if built.fee != 142 {
		t.Errorf("fee = %d, want 142", built.fee)
	}
}

func TestBuildSpendCappedBelowDust(t *testing.T) {
	priv, escrow := testKeyAddress(t)
	_, dest := testKeyAddress(t)
	utxos := []unspent{{TxID: txidA, Vout: 0, Amount: 0.000006, Height: 100}}

	_, err := buildSpend(priv, escrow, utxos, dest, 30_000, 1, spendCapped, &chaincfg.MainNetParams)
	if !errors.Is(err, adapter.ErrInsufficientFunds) {
		t.Fatalf("buildSpend() error = %v, want ErrInsufficientFunds", err)
	}
}

func TestBuildSpendSubDustChangeBurns(t *testing.T) {
	priv, escrow := testKeyAddress(t)
	_, dest := testKeyAddress(t)
	utxos := []unspent{{TxID: txidA, Vout: 0, Amount: 0.00050688, Height: 100}}

	built, err := buildSpend(priv, escrow, utxos, dest, 50_000, 1, spendSelect, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("buildSpend() error = %v", err)
	}

	// Change of exactly 546 sats is dust and burns into the fee.
	tx := decodeTx(t, built.rawHex)
	if len(tx.TxOut) != 1 {
		t.Fatalf("outputs = %d, want change-free spend", len(tx.TxOut))
	}
	if built.fee != 688 {
		t.Errorf("fee = %d, want 688", built.fee)
	}
}

func TestBuildSpendRejects(t *testing.T) {
	priv, escrow := testKeyAddress(t)
	_, dest := testKeyAddress(t)
	utxos := []unspent{{TxID: txidA, Vout: 0, Amount: 0.001, Height: 100}}

	if _, err := buildSpend(priv, escrow, nil, dest, 1000, 1, spendSelect, &chaincfg.MainNetParams); !errors.Is(err, adapter.ErrNoUTXOs) {
		t.Errorf("no utxos: error = %v, want ErrNoUTXOs", err)
	}
	if _, err := buildSpend(priv, escrow, utxos, dest, 1000, 0, spendSelect, &chaincfg.MainNetParams); err == nil {
		t.Error("zero fee rate: want error")
	}
	if _, err := buildSpend(priv, escrow, utxos, dest, 0, 1, spendSelect, &chaincfg.MainNetParams); err == nil {
		t.Error("zero amount: want error")
	}
	if _, err := buildSpend(priv, escrow, utxos, "not-an-address", 1000, 1, spendSelect, &chaincfg.MainNetParams); !errors.Is(err, adapter.ErrAddressIncompatible) {
		t.Errorf("bad destination: error = %v, want ErrAddressIncompatible", err)
	}
}

func TestSelectInputsLargestFirst(t *testing.T) {
	utxos := []unspent{
		{TxID: txidA, Vout: 0, Amount: 0.0001, Height: 100},
		{TxID: txidB, Vout: 0, Amount: 0.0005, Height: 101},
		{TxID: txidA, Vout: 1, Amount: 0.0002, Height: 102},
	}

	selected, total, err := selectInputs(utxos, 55_000, 31, 1)
	if err != nil {
		t.Fatalf("selectInputs() error = %v", err)
	}
	if len(selected) != 2 {
		t.Fatalf("selected = %d inputs, want 2", len(selected))
	}
	if selected[0].Amount != 0.0005 || selected[1].Amount != 0.0002 {
		t.Errorf("selection order = %v, want largest first", selected)
	}
	if total != 70_000 {
		t.Errorf("total = %d, want 70000", total)
	}
}

func TestSelectInputsInsufficient(t *testing.T) {
	utxos := []unspent{{TxID: txidA, Vout: 0, Amount: 0.0005, Height: 100}}

	_, _, err := selectInputs(utxos, 200_000, 31, 1)
	if !errors.Is(err, adapter.ErrInsufficientFunds) {
		t.Fatalf("selectInputs() error = %v, want ErrInsufficientFunds", err)
	}
}

func TestBumpedRate(t *testing.T) {
	cases := []struct {
		name     string
		estimate int64
		last     string
		attempt  int
		want     int64
	}{
		{"no previous rate", 10, "", 1, 20},
		{"unparsable previous rate", 10, "fast", 2, 30},
		{"estimate below floor", 50, "100", 1, 126},
		{"estimate clears floor", 200, "100", 1, 200},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := bumpedRate(tc.estimate, tc.last, tc.attempt); got != tc.want {
				t.Errorf("bumpedRate(%d, %q, %d) = %d, want %d", tc.estimate, tc.last, tc.attempt, got, tc.want)
			}
		})
	}
}

func TestParseOutpoint(t *testing.T) {
	txid, vout, err := parseOutpoint("abc123:7")
	if err != nil || txid != "abc123" || vout != 7 {
		t.Fatalf("parseOutpoint() = %s, %d, %v", txid, vout, err)
	}

	for _, s := range []string{"abc123", "abc123:", ":7", "abc123:seven"} {
		if _, _, err := parseOutpoint(s); err == nil {
			t.Errorf("parseOutpoint(%q) succeeded, want error", s)
		}
	}
}
