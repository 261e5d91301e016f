package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crossdeal-exchange/crossdeal/internal/deal"
	"github.com/crossdeal-exchange/crossdeal/internal/engine"
)

// Version of the daemon.
const Version = "0.1.0-dev"

// ========================================
// Node handlers
// ========================================

// NodeInfoResult is the response for node_info.
type NodeInfoResult struct {
	Version   string         `json:"version"`
	WorkerID  string         `json:"worker_id"`
	Uptime    string         `json:"uptime"`
	Chains    []string       `json:"chains"`
	Deals     map[string]int `json:"deals"`
	WSClients int            `json:"ws_clients"`
}

func (s *Server) nodeInfo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	counts, err := s.engine.Counts()
	if err != nil {
		return nil, err
	}
	deals := make(map[string]int, len(counts))
	for stage, n := range counts {
		deals[string(stage)] = n
	}

	wsClients := 0
	if s.wsHub != nil {
		wsClients = s.wsHub.ClientCount()
	}

	return &NodeInfoResult{
		Version:   Version,
		WorkerID:  s.engine.WorkerID(),
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
		Chains:    s.cfg.EnabledChains(),
		Deals:     deals,
		WSClients: wsClients,
	}, nil
}

// ========================================
// Deal handlers
// ========================================

// DealCreateParams is the parameters for deal_create.
type DealCreateParams struct {
	AssetA         string `json:"asset_a"`  // e.g. "BTC"
	AmountA        string `json:"amount_a"` // decimal string, e.g. "0.5"
	AssetB         string `json:"asset_b"`
	AmountB        string `json:"amount_b"`
	TimeoutSeconds int64  `json:"timeout_seconds"` // optional, default from config
}

// DealCreateResult is the response for deal_create. Each party receives
// their token out of band; a token authorizes actions on its side only.
type DealCreateResult struct {
	DealID    string `json:"deal_id"`
	TokenA    string `json:"token_a"`
	TokenB    string `json:"token_b"`
	CreatedAt int64  `json:"created_at"`
}

func (s *Server) dealCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p DealCreateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.AssetA == "" || p.AssetB == "" {
		return nil, fmt.Errorf("asset_a and asset_b are required")
	}
	if p.AmountA == "" || p.AmountB == "" {
		return nil, fmt.Errorf("amount_a and amount_b are required")
	}

	d, err := s.engine.CreateDeal(engine.CreateParams{
		AssetA:         p.AssetA,
		AmountA:        p.AmountA,
		AssetB:         p.AssetB,
		AmountB:        p.AmountB,
		TimeoutSeconds: p.TimeoutSeconds,
	})
	if err != nil {
		return nil, err
	}

	return &DealCreateResult{
		DealID:    d.ID,
		TokenA:    d.A.Token,
		TokenB:    d.B.Token,
		CreatedAt: d.CreatedAt.Unix(),
	}, nil
}

// DealFillDetailsParams is the parameters for deal_fillDetails.
type DealFillDetailsParams struct {
	DealID    string `json:"deal_id"`
	Token     string `json:"token"`
	Payback   string `json:"payback"`   // refund address on the party's own chain
	Recipient string `json:"recipient"` // receiving address on the other chain
	Email     string `json:"email"`     // optional
}

// DealFillDetailsResult is the response for deal_fillDetails.
type DealFillDetailsResult struct {
	DealID string `json:"deal_id"`
	Stage  string `json:"stage"`

	// EscrowAddress is set once both parties filled details and the deal
	// entered COLLECTION.
	EscrowAddress string `json:"escrow_address,omitempty"`
	ExpiresAt     int64  `json:"expires_at,omitempty"`
}

func (s *Server) dealFillDetails(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p DealFillDetailsParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.DealID == "" || p.Token == "" {
		return nil, fmt.Errorf("deal_id and token are required")
	}
	if p.Payback == "" || p.Recipient == "" {
		return nil, fmt.Errorf("payback and recipient are required")
	}

	d, err := s.engine.FillDetails(ctx, p.DealID, p.Token, p.Payback, p.Recipient, p.Email)
	if err != nil {
		return nil, err
	}

	res := &DealFillDetailsResult{
		DealID: d.ID,
		Stage:  string(d.Stage),
	}
	if side, err := d.SideByToken(p.Token); err == nil && side.EscrowAddress != "" {
		res.EscrowAddress = side.EscrowAddress
	}
	if !d.ExpiresAt.IsZero() {
		res.ExpiresAt = d.ExpiresAt.Unix()
	}
	return res, nil
}

// DealStatusParams is the parameters for deal_status.
type DealStatusParams struct {
	DealID string `json:"deal_id"`
}

func (s *Server) dealStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p DealStatusParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.DealID == "" {
		return nil, fmt.Errorf("deal_id is required")
	}
	return s.engine.Status(p.DealID)
}

// DealCancelParams is the parameters for deal_cancel.
type DealCancelParams struct {
	DealID string `json:"deal_id"`
	Token  string `json:"token"`
}

// DealCancelResult is the response for deal_cancel.
type DealCancelResult struct {
	DealID string `json:"deal_id"`
	Stage  string `json:"stage"`
}

func (s *Server) dealCancel(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p DealCancelParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.DealID == "" || p.Token == "" {
		return nil, fmt.Errorf("deal_id and token are required")
	}

	if err := s.engine.CancelDeal(ctx, p.DealID, p.Token); err != nil {
		return nil, err
	}
	return &DealCancelResult{
		DealID: p.DealID,
		Stage:  string(deal.StageReverted),
	}, nil
}

// DealListParams is the parameters for deal_list.
type DealListParams struct {
	Limit int    `json:"limit"` // optional, default 50
	Stage string `json:"stage"` // optional stage filter, e.g. "COLLECTION"
}

// DealSummary is one row in deal_list.
type DealSummary struct {
	DealID    string `json:"deal_id"`
	Stage     string `json:"stage"`
	AssetA    string `json:"asset_a"`
	AmountA   string `json:"amount_a"`
	AssetB    string `json:"asset_b"`
	AmountB   string `json:"amount_b"`
	Halted    bool   `json:"halted"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// DealListResult is the response for deal_list.
type DealListResult struct {
	Deals []DealSummary `json:"deals"`
	Count int           `json:"count"`
}

func (s *Server) dealList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	p := DealListParams{Limit: 50}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}
	if p.Limit <= 0 {
		p.Limit = 50
	}

	var deals []*deal.Deal
	var err error
	if p.Stage != "" {
		deals, err = s.engine.ListDealsInStage(deal.Stage(p.Stage), p.Limit)
	} else {
		deals, err = s.engine.ListDeals(p.Limit)
	}
	if err != nil {
		return nil, err
	}

	out := make([]DealSummary, 0, len(deals))
	for _, d := range deals {
		sum := DealSummary{
			DealID:    d.ID,
			Stage:     string(d.Stage),
			AssetA:    d.A.Asset,
			AmountA:   d.A.Amount.String(),
			AssetB:    d.B.Asset,
			AmountB:   d.B.Amount.String(),
			Halted:    d.Halted(),
			CreatedAt: d.CreatedAt.Unix(),
		}
		if !d.ExpiresAt.IsZero() {
			sum.ExpiresAt = d.ExpiresAt.Unix()
		}
		out = append(out, sum)
	}

	return &DealListResult{Deals: out, Count: len(out)}, nil
}
