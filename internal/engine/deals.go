package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crossdeal-exchange/crossdeal/internal/asset"
	"github.com/crossdeal-exchange/crossdeal/internal/deal"
	"github.com/crossdeal-exchange/crossdeal/pkg/money"
)

// ErrDealBusy means another worker holds the deal's lease. Callers retry.
var ErrDealBusy = errors.New("deal is being processed elsewhere, retry shortly")

// CreateParams describes a new deal: what each party gives. Settlement
// addresses arrive later through FillDetails.
type CreateParams struct {
	AssetA  string
	AmountA string
	AssetB  string
	AmountB string

	// TimeoutSeconds overrides the configured collection window. Zero
	// means use the default.
	TimeoutSeconds int64
}

// CreateDeal validates a trade pair and persists it in CREATED. The deal
// carries one personal token per side; each party acts through theirs.
func (e *Engine) CreateDeal(params CreateParams) (*deal.Deal, error) {
	sideA, err := e.buildSide(deal.PartyA, params.AssetA, params.AmountA)
	if err != nil {
		return nil, err
	}
	sideB, err := e.buildSide(deal.PartyB, params.AssetB, params.AmountB)
	if err != nil {
		return nil, err
	}
	if sideA.Asset == sideB.Asset {
		return nil, fmt.Errorf("both sides offer %s, nothing to swap", sideA.Asset)
	}

	timeout := time.Duration(params.TimeoutSeconds) * time.Second
	if params.TimeoutSeconds == 0 {
		timeout = time.Duration(e.cfg.Engine.DealTimeoutSeconds) * time.Second
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %ds", params.TimeoutSeconds)
	}

	d := &deal.Deal{
		ID:        uuid.NewString(),
		Stage:     deal.StageCreated,
		A:         sideA,
		B:         sideB,
		Timeout:   timeout,
		CreatedAt: time.Now(),
	}
	if err := e.store.CreateDeal(d); err != nil {
		return nil, err
	}

	e.log.Info("Deal created", "deal", d.ID,
		"a", fmt.Sprintf("%s %s", sideA.Amount.String(), sideA.Asset),
		"b", fmt.Sprintf("%s %s", sideB.Amount.String(), sideB.Asset))
	e.emit(d.ID, deal.EventDealCreated, "deal created")
	return d, nil
}

func (e *Engine) buildSide(party deal.Party, assetCode, amountStr string) (*deal.Side, error) {
	code := strings.ToUpper(strings.TrimSpace(assetCode))
	a, ok := asset.Get(code)
	if !ok {
		return nil, fmt.Errorf("asset %q not supported", assetCode)
	}
	if !e.cfg.ChainEnabled(a.Chain) {
		return nil, fmt.Errorf("chain %s is disabled", a.Chain)
	}
	if !e.adapters.Has(a.Chain) {
		return nil, fmt.Errorf("chain %s has no running adapter", a.Chain)
	}

	amount, err := money.Parse(amountStr)
	if err != nil {
		return nil, fmt.Errorf("party %s amount: %w", party, err)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("party %s amount must be positive, got %s", party, amount.String())
	}
	if !money.FloorToScale(amount, a.Decimals).Equal(amount) {
		return nil, fmt.Errorf("%w: %s has %d decimals", deal.ErrAmountNotInUnit, code, a.Decimals)
	}
	if !amount.GreaterThanOrEqual(a.MinSendAmount()) {
		return nil, fmt.Errorf("party %s amount %s is below the %s send floor %s", party, amount.String(), code, a.MinSend)
	}

	return &deal.Side{
		Party:  party,
		Chain:  a.Chain,
		Asset:  code,
		Amount: amount,
		Token:  uuid.NewString(),
	}, nil
}

// FillDetails records one party's settlement addresses. When the second
// party completes theirs the deal derives its escrows, freezes commissions
// and enters COLLECTION.
func (e *Engine) FillDetails(ctx context.Context, dealID, token, payback, recipient, email string) (*deal.Deal, error) {
	var out *deal.Deal
	ok, err := e.withLease(ctx, dealID, func(d *deal.Deal) error {
		if d.Stage != deal.StageCreated {
			return fmt.Errorf("%w: details accepted only before collection, deal is %s", deal.ErrWrongStage, d.Stage)
		}
		side, err := d.SideByToken(token)
		if err != nil {
			return err
		}
		other, err := d.Side(side.Party.Other())
		if err != nil {
			return err
		}

		ownChain, err := e.adapters.For(side.Chain)
		if err != nil {
			return err
		}
		if !ownChain.ValidateAddress(payback) {
			return fmt.Errorf("payback address %q is not valid on %s", payback, side.Chain)
		}
		otherChain, err := e.adapters.For(other.Chain)
		if err != nil {
			return err
		}
		if !otherChain.ValidateAddress(recipient) {
			return fmt.Errorf("recipient address %q is not valid on %s", recipient, other.Chain)
		}

		if err := e.store.UpdateSideDetails(d.ID, side.Party, payback, recipient, email); err != nil {
			return err
		}
		side.Payback = payback
		side.Recipient = recipient
		side.Email = email
		e.log.Info("Side details filled", "deal", d.ID, "party", side.Party)

		if d.A.DetailsComplete() && d.B.DetailsComplete() {
			if err := e.beginCollection(d); err != nil {
				return err
			}
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrDealBusy
	}
	return out, nil
}

// beginCollection derives both escrows, freezes the commission plans and
// starts the countdown. Runs under the deal lease with both sides' details
// already validated.
func (e *Engine) beginCollection(d *deal.Deal) error {
	now := time.Now()
	for _, side := range d.Sides() {
		ad, err := e.adapters.For(side.Chain)
		if err != nil {
			return err
		}
		esc, err := ad.GenerateEscrow(d.ID, side.Party)
		if err != nil {
			return fmt.Errorf("derive %s escrow: %w", side.Party, err)
		}
		side.EscrowAddress = esc.Address
		side.EscrowPath = esc.Path

		plan, err := e.freezeCommission(side)
		if err != nil {
			return fmt.Errorf("freeze %s commission: %w", side.Party, err)
		}
		side.Commission = plan
	}
	d.ExpiresAt = now.Add(d.Timeout)

	if err := e.store.BeginCollection(d); err != nil {
		return err
	}
	d.Stage = deal.StageCollection
	e.log.Info("Collection started", "deal", d.ID, "expires", d.ExpiresAt,
		"escrow_a", d.A.EscrowAddress, "escrow_b", d.B.EscrowAddress)
	e.emit(d.ID, deal.EventStageChanged, "CREATED -> COLLECTION")
	return nil
}

// freezeCommission computes a side's fee requirement under the configured
// policy. Frozen once at collection entry; later price moves never change
// what a party owes.
func (e *Engine) freezeCommission(side *deal.Side) (*deal.CommissionPlan, error) {
	tradeAsset, ok := asset.Get(side.Asset)
	if !ok {
		return nil, fmt.Errorf("asset %q not registered", side.Asset)
	}

	switch e.cfg.Commission.Mode {
	case "percent_bps":
		erc20Fixed, err := money.Parse(e.cfg.Commission.ERC20FixedFee)
		if err != nil {
			return nil, fmt.Errorf("erc20_fixed_fee: %w", err)
		}
		return deal.FreezePercentBps(tradeAsset, e.cfg.Commission.PercentBps, erc20Fixed), nil

	case "fixed_usd_native":
		native, ok := asset.NativeOf(side.Chain)
		if !ok {
			return nil, fmt.Errorf("chain %s has no native asset", side.Chain)
		}
		usd, err := money.Parse(e.cfg.Commission.USDFixed)
		if err != nil {
			return nil, fmt.Errorf("usd_fixed: %w", err)
		}
		ad, err := e.adapters.For(side.Chain)
		if err != nil {
			return nil, err
		}
		q, err := ad.QuoteNativeForUSD(usd)
		if err != nil {
			return nil, fmt.Errorf("quote %s for %s USD: %w", native.Code, usd.String(), err)
		}
		quote := &deal.OracleQuote{Pair: q.Pair, Price: q.Price, AsOf: q.AsOf, Source: q.Source}
		return deal.FreezeFixedUSDNative(native, usd, q.NativeAmount, quote), nil

	default:
		return nil, fmt.Errorf("unknown commission mode %q", e.cfg.Commission.Mode)
	}
}

// CancelDeal aborts a deal that never started collecting. Once escrows are
// public money may already be in flight toward them, so later stages only
// end through the state machine.
func (e *Engine) CancelDeal(ctx context.Context, dealID, token string) error {
	ok, err := e.withLease(ctx, dealID, func(d *deal.Deal) error {
		if _, err := d.SideByToken(token); err != nil {
			return err
		}
		if err := e.store.CancelDeal(d.ID); err != nil {
			return err
		}
		e.log.Info("Deal cancelled", "deal", d.ID)
		e.emit(d.ID, deal.EventDealCancelled, "deal cancelled before collection")
		return nil
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrDealBusy
	}
	return nil
}

// GetDeal loads a deal for read-only callers.
func (e *Engine) GetDeal(dealID string) (*deal.Deal, error) {
	return e.store.GetDeal(dealID)
}

// ListDeals returns recent deals, newest first.
func (e *Engine) ListDeals(limit int) ([]*deal.Deal, error) {
	return e.store.ListDeals(limit)
}

// ListDealsInStage returns deals sitting in one stage, oldest first, so
// operators can scan what is waiting on a given phase of the lifecycle.
func (e *Engine) ListDealsInStage(stage deal.Stage, limit int) ([]*deal.Deal, error) {
	if !stage.Valid() {
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
	return e.store.DealsByStage(stage, limit)
}
