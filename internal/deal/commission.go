package deal

import (
	"fmt"
	"time"

	"github.com/crossdeal-exchange/crossdeal/internal/asset"
	"github.com/crossdeal-exchange/crossdeal/pkg/money"
)

// CommissionMode selects how the operator fee is computed.
type CommissionMode string

const (
	// ModePercentBps charges basis points of the trade amount, paid in the
	// trade asset, plus a fixed extra for ERC-20 assets.
	ModePercentBps CommissionMode = "PERCENT_BPS"
	// ModeFixedUSDNative charges a fixed USD value, converted once to the
	// chain's native coin when the plan freezes.
	ModeFixedUSDNative CommissionMode = "FIXED_USD_NATIVE"
)

// CommissionCurrency selects which token pays the commission.
type CommissionCurrency string

const (
	CurrencyAsset  CommissionCurrency = "ASSET"
	CurrencyNative CommissionCurrency = "NATIVE"
)

// OracleQuote records the price snapshot used to freeze a
// FIXED_USD_NATIVE commission.
type OracleQuote struct {
	Pair   string       `json:"pair"`
	Price  money.Amount `json:"price"`
	AsOf   time.Time    `json:"as_of"`
	Source string       `json:"source"`
}

// CommissionPlan is the per-side fee requirement, frozen when the deal
// enters COLLECTION and immutable afterwards. Commission is always covered
// by deposit surplus: the declared trade amount leaves the escrow intact.
type CommissionPlan struct {
	Mode     CommissionMode     `json:"mode"`
	Currency CommissionCurrency `json:"currency"`

	// CommissionAsset is the resolved asset code the fee is paid in:
	// the trade asset for ASSET currency, the chain native otherwise.
	CommissionAsset string `json:"commission_asset"`

	// PERCENT_BPS fields.
	PercentBps    int64        `json:"percent_bps,omitempty"`
	ERC20FixedFee money.Amount `json:"erc20_fixed_fee"`

	// FIXED_USD_NATIVE fields, frozen from the oracle snapshot.
	USDFixed    money.Amount `json:"usd_fixed"`
	NativeFixed money.Amount `json:"native_fixed"`
	Oracle      *OracleQuote `json:"oracle,omitempty"`

	CoveredBySurplus bool `json:"covered_by_surplus"`
}

// FreezePercentBps builds a PERCENT_BPS plan for a side. erc20Fixed applies
// only when the trade asset is a token; pass the policy value and the asset,
// the plan keeps what applies.
func FreezePercentBps(tradeAsset *asset.Asset, percentBps int64, erc20Fixed money.Amount) *CommissionPlan {
	fixed := money.Zero
	if !tradeAsset.Native {
		fixed = erc20Fixed
	}
	return &CommissionPlan{
		Mode:             ModePercentBps,
		Currency:         CurrencyAsset,
		CommissionAsset:  tradeAsset.Code,
		PercentBps:       percentBps,
		ERC20FixedFee:    fixed,
		CoveredBySurplus: true,
	}
}

// FreezeFixedUSDNative builds a FIXED_USD_NATIVE plan from an oracle quote
// taken at countdown start. nativeAmount is the quoted native value of
// usdFixed; the quote is retained for audit.
func FreezeFixedUSDNative(chainNative *asset.Asset, usdFixed, nativeAmount money.Amount, quote *OracleQuote) *CommissionPlan {
	return &CommissionPlan{
		Mode:             ModeFixedUSDNative,
		Currency:         CurrencyNative,
		CommissionAsset:  chainNative.Code,
		USDFixed:         usdFixed,
		NativeFixed:      money.FloorToScale(nativeAmount, chainNative.Decimals),
		Oracle:           quote,
		CoveredBySurplus: true,
	}
}

// Requirement computes R_comm: the commission amount owed by a side with
// the given trade amount. Floor rounding at the commission asset's scale.
func (p *CommissionPlan) Requirement(tradeAmount money.Amount) (money.Amount, error) {
	commAsset, ok := asset.Get(p.CommissionAsset)
	if !ok {
		return money.Zero, fmt.Errorf("commission asset %q not registered", p.CommissionAsset)
	}
	switch p.Mode {
	case ModePercentBps:
		r := money.BpsShare(tradeAmount, p.PercentBps, commAsset.Decimals)
		return r.Add(p.ERC20FixedFee), nil
	case ModeFixedUSDNative:
		return p.NativeFixed, nil
	}
	return money.Zero, fmt.Errorf("commission mode %q unknown", p.Mode)
}

// RequiredDeposit computes the total a party must deposit in the trade
// asset: the trade amount plus, when the commission is paid in the trade
// asset, the commission on top.
func (p *CommissionPlan) RequiredDeposit(tradeAmount money.Amount) (money.Amount, error) {
	r, err := p.Requirement(tradeAmount)
	if err != nil {
		return money.Zero, err
	}
	if p.Currency == CurrencyAsset {
		return tradeAmount.Add(r), nil
	}
	return tradeAmount, nil
}
