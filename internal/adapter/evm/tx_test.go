package evm

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crossdeal-exchange/crossdeal/internal/adapter"
)

func TestClassifySendError(t *testing.T) {
	cases := []struct {
		msg  string
		want error
	}{
		{"already known", nil},
		{"INFURA: known transaction 0xabc", nil},
		{"replacement transaction underpriced", nil},
		{"insufficient funds for gas * price + value", adapter.ErrInsufficientFunds},
		{"nonce too low", adapter.ErrBroadcastRejected},
		{"transaction underpriced", adapter.ErrBroadcastRejected},
		{"exceeds block gas limit", adapter.ErrBroadcastRejected},
		{"intrinsic gas too low", adapter.ErrBroadcastRejected},
		{"dial tcp: connection refused", adapter.ErrTransientNetwork},
	}
	for _, tc := range cases {
		t.Run(tc.msg, func(t *testing.T) {
			got := classifySendError(fmt.Errorf("%s", tc.msg))
			if tc.want == nil {
				if got != nil {
					t.Fatalf("classifySendError(%q) = %v, want nil", tc.msg, got)
				}
				return
			}
			if !errors.Is(got, tc.want) {
				t.Fatalf("classifySendError(%q) = %v, want %v", tc.msg, got, tc.want)
			}
		})
	}
}

func TestERC20TransferData(t *testing.T) {
	to := common.HexToAddress("0x00112233445566778899AabbCcddEeff00112233")
	amount, _ := new(big.Int).SetString("1000000000000000000", 10) // 1e18

	data := erc20TransferData(to, amount)
	if len(data) != 68 {
		t.Fatalf("calldata length = %d, want 68", len(data))
	}

	want := "a9059cbb" +
		"00000000000000000000000000112233445566778899aabbccddeeff00112233" +
		"0000000000000000000000000000000000000000000000000de0b6b3a7640000"
	if got := hex.EncodeToString(data); got != want {
		t.Errorf("calldata = %s, want %s", got, want)
	}
}

func TestFeeRateRoundTrip(t *testing.T) {
	tip := big.NewInt(1_000_000_000)
	feeCap := big.NewInt(2_000_000_000)

	encoded := encodeFeeRate(tip, feeCap)
	if encoded != "1000000000:2000000000" {
		t.Fatalf("encodeFeeRate() = %q", encoded)
	}

	gotTip, gotCap := parseFeeRate(encoded)
	if gotTip == nil || gotCap == nil {
		t.Fatal("parseFeeRate() returned nils for a valid pair")
	}
	if gotTip.Cmp(tip) != 0 || gotCap.Cmp(feeCap) != 0 {
		t.Errorf("parseFeeRate() = %s:%s, want %s:%s", gotTip, gotCap, tip, feeCap)
	}
}

func TestParseFeeRateMalformed(t *testing.T) {
	for _, s := range []string{"", "10", "a:b", "10:", ":10"} {
		tip, feeCap := parseFeeRate(s)
		if tip != nil || feeCap != nil {
			t.Errorf("parseFeeRate(%q) = %v, %v, want nils", s, tip, feeCap)
		}
	}
}

func TestBumped(t *testing.T) {
	cases := []struct {
		name    string
		suggest int64
		last    *big.Int
		want    int64
	}{
		{"no previous rate", 100, nil, 100},
		{"zero previous rate", 100, big.NewInt(0), 100},
		{"suggestion below floor", 100, big.NewInt(100), 114},
		{"suggestion just below floor", 113, big.NewInt(100), 114},
		{"suggestion clears floor", 200, big.NewInt(100), 200},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := bumped(big.NewInt(tc.suggest), tc.last)
			if got.Int64() != tc.want {
				t.Errorf("bumped(%d, %v) = %d, want %d", tc.suggest, tc.last, got.Int64(), tc.want)
			}
		})
	}
}
