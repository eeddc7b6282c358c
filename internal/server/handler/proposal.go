package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/futarchy/internal/domain"
	"github.com/alanyoungcy/futarchy/internal/orchestrator"
)

// Engine is the orchestrator surface the proposal handler serves.
type Engine interface {
	CreateProposal(ctx context.Context, caller common.Address, req orchestrator.CreateRequest) (string, error)
	ListProposals(ctx context.Context, state domain.ProposalState, opts domain.ListOpts) ([]domain.Proposal, error)
	GetProposal(ctx context.Context, id string) (domain.Proposal, error)
	GetMarket(ctx context.Context, id string, side domain.Side) (domain.Market, error)

	BuyOutcome(ctx context.Context, caller common.Address, id string, side domain.Side, spend, minTokens decimal.Decimal, deadline time.Time) (decimal.Decimal, error)
	SellOutcome(ctx context.Context, caller common.Address, id string, side domain.Side, tokens, minReturn decimal.Decimal, deadline time.Time) (decimal.Decimal, error)
	QuoteBuy(ctx context.Context, id string, side domain.Side, spend decimal.Decimal) (orchestrator.Quote, error)
	QuoteSell(ctx context.Context, id string, side domain.Side, tokens decimal.Decimal) (orchestrator.Quote, error)
	Poke(ctx context.Context, id string) error

	CloseTrading(ctx context.Context, id string) error
	ResolveMarket(ctx context.Context, id string) error
	EmergencyResolve(ctx context.Context, caller common.Address, id string, passWins bool) error
	ExecuteProposal(ctx context.Context, id string) error
	RejectProposal(ctx context.Context, id string) error
	CancelProposal(ctx context.Context, caller common.Address, id string) error
	RedeemWinnings(ctx context.Context, caller common.Address, id string) (decimal.Decimal, error)

	Prices(ctx context.Context, id string) (domain.PriceQuote, error)
	TWAP(ctx context.Context, id string) (domain.PriceQuote, error)
	BalanceOf(holder common.Address, id string, side domain.Side) decimal.Decimal
	Supply(id string, side domain.Side) domain.SupplyTotals
}

// ProposalHandler serves the proposal lifecycle and trading endpoints.
type ProposalHandler struct {
	engine Engine
	prices domain.PriceCache
	logger *slog.Logger
}

// NewProposalHandler creates a ProposalHandler. prices may be nil.
func NewProposalHandler(engine Engine, prices domain.PriceCache, logger *slog.Logger) *ProposalHandler {
	return &ProposalHandler{engine: engine, prices: prices, logger: logger.With(slog.String("handler", "proposal"))}
}

type createProposalRequest struct {
	Target          common.Address  `json:"target"`
	Payload         hexutil.Bytes   `json:"payload"`
	RequestedAmount decimal.Decimal `json:"requested_amount"`
	DescriptionRef  common.Hash     `json:"description_ref"`
	Liquidity       decimal.Decimal `json:"liquidity"`
}

// CreateProposal opens a proposal and its two markets.
// POST /api/proposals
func (h *ProposalHandler) CreateProposal(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req createProposalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := h.engine.CreateProposal(r.Context(), caller, orchestrator.CreateRequest{
		Target:          req.Target,
		Payload:         req.Payload,
		RequestedAmount: req.RequestedAmount,
		DescriptionRef:  req.DescriptionRef,
		Liquidity:       req.Liquidity,
	})
	if err != nil {
		writeEngineError(w, r, h.logger, "create proposal", err)
		return
	}
	p, err := h.engine.GetProposal(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, h.logger, "create proposal", err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

type listProposalsResponse struct {
	Proposals []domain.Proposal `json:"proposals"`
}

// ListProposals returns proposals in creation order.
// GET /api/proposals?state=active&limit=50&offset=0
func (h *ProposalHandler) ListProposals(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeEngineError(w, r, h.logger, "list proposals", err)
		return
	}
	var state domain.ProposalState
	if v := r.URL.Query().Get("state"); v != "" {
		if state, err = domain.ParseProposalState(v); err != nil {
			writeEngineError(w, r, h.logger, "list proposals", err)
			return
		}
	}
	ps, err := h.engine.ListProposals(r.Context(), state, opts)
	if err != nil {
		writeEngineError(w, r, h.logger, "list proposals", err)
		return
	}
	if ps == nil {
		ps = []domain.Proposal{}
	}
	writeJSON(w, http.StatusOK, listProposalsResponse{Proposals: ps})
}

type proposalResponse struct {
	domain.Proposal
	PassMarket domain.Market `json:"pass_market"`
	FailMarket domain.Market `json:"fail_market"`
}

// GetProposal returns a proposal with both markets.
// GET /api/proposals/{id}
func (h *ProposalHandler) GetProposal(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	p, err := h.engine.GetProposal(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, h.logger, "get proposal", err)
		return
	}
	out := proposalResponse{Proposal: p}
	if out.PassMarket, err = h.engine.GetMarket(r.Context(), id, domain.SidePass); err != nil {
		writeEngineError(w, r, h.logger, "get proposal", err)
		return
	}
	if out.FailMarket, err = h.engine.GetMarket(r.Context(), id, domain.SideFail); err != nil {
		writeEngineError(w, r, h.logger, "get proposal", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type tradeRequest struct {
	Side      domain.Side     `json:"side"`
	Amount    decimal.Decimal `json:"amount"`
	MinTokens decimal.Decimal `json:"min_tokens"`
	Tokens    decimal.Decimal `json:"tokens"`
	MinReturn decimal.Decimal `json:"min_return"`
	Deadline  *time.Time      `json:"deadline,omitempty"`
}

func (t tradeRequest) deadline() time.Time {
	if t.Deadline == nil {
		return time.Time{}
	}
	return *t.Deadline
}

type tradeResponse struct {
	ProposalID string          `json:"proposal_id"`
	Side       domain.Side     `json:"side"`
	Tokens     decimal.Decimal `json:"tokens"`
	Amount     decimal.Decimal `json:"amount"`
}

// Buy spends amount on side's outcome tokens.
// POST /api/proposals/{id}/buy {"side":"pass","amount":"100","min_tokens":"0"}
func (h *ProposalHandler) Buy(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req tradeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := pathParam(r, "id")
	tokens, err := h.engine.BuyOutcome(r.Context(), caller, id, req.Side, req.Amount, req.MinTokens, req.deadline())
	if err != nil {
		writeEngineError(w, r, h.logger, "buy", err)
		return
	}
	writeJSON(w, http.StatusOK, tradeResponse{ProposalID: id, Side: req.Side, Tokens: tokens, Amount: req.Amount})
}

// Sell returns tokens of side to the market maker.
// POST /api/proposals/{id}/sell {"side":"pass","tokens":"10","min_return":"0"}
func (h *ProposalHandler) Sell(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req tradeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := pathParam(r, "id")
	returned, err := h.engine.SellOutcome(r.Context(), caller, id, req.Side, req.Tokens, req.MinReturn, req.deadline())
	if err != nil {
		writeEngineError(w, r, h.logger, "sell", err)
		return
	}
	writeJSON(w, http.StatusOK, tradeResponse{ProposalID: id, Side: req.Side, Tokens: req.Tokens, Amount: returned})
}

// Quote prices a buy or sell without executing it.
// GET /api/proposals/{id}/quote?side=pass&buy=100 or ?side=fail&sell=10
func (h *ProposalHandler) Quote(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	q := r.URL.Query()
	side, err := domain.ParseSide(q.Get("side"))
	if err != nil {
		writeEngineError(w, r, h.logger, "quote", err)
		return
	}
	buy, sell := q.Get("buy"), q.Get("sell")
	if (buy == "") == (sell == "") {
		writeError(w, http.StatusBadRequest, "exactly one of buy or sell is required")
		return
	}

	var quote orchestrator.Quote
	if buy != "" {
		spend, perr := decimal.NewFromString(buy)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "buy must be a decimal")
			return
		}
		quote, err = h.engine.QuoteBuy(r.Context(), id, side, spend)
	} else {
		tokens, perr := decimal.NewFromString(sell)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "sell must be a decimal")
			return
		}
		quote, err = h.engine.QuoteSell(r.Context(), id, side, tokens)
	}
	if err != nil {
		writeEngineError(w, r, h.logger, "quote", err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

type pricesResponse struct {
	ProposalID string            `json:"proposal_id"`
	Spot       domain.PriceQuote `json:"spot"`
	TWAP       domain.PriceQuote `json:"twap"`
	// Published is the last quote delivered to the price cache.
	Published *domain.PriceQuote `json:"published,omitempty"`
}

// Prices returns the spot and TWAP prices of both markets.
// GET /api/proposals/{id}/prices
func (h *ProposalHandler) Prices(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	spot, err := h.engine.Prices(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, h.logger, "prices", err)
		return
	}
	twap, err := h.engine.TWAP(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, h.logger, "prices", err)
		return
	}
	out := pricesResponse{ProposalID: id, Spot: spot, TWAP: twap}
	if h.prices != nil {
		if cached, err := h.prices.GetPrices(r.Context(), id); err == nil {
			out.Published = &cached
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type sideBalance struct {
	Balance decimal.Decimal     `json:"balance"`
	Supply  domain.SupplyTotals `json:"supply"`
}

type balancesResponse struct {
	ProposalID string         `json:"proposal_id"`
	Holder     common.Address `json:"holder"`
	Pass       sideBalance    `json:"pass"`
	Fail       sideBalance    `json:"fail"`
}

// Balances returns holder's PASS and FAIL tokens with the supply counters.
// GET /api/proposals/{id}/balances/{holder}
func (h *ProposalHandler) Balances(w http.ResponseWriter, r *http.Request) {
	id, raw := pathParam(r, "id"), pathParam(r, "holder")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "holder is not an address")
		return
	}
	if _, err := h.engine.GetProposal(r.Context(), id); err != nil {
		writeEngineError(w, r, h.logger, "balances", err)
		return
	}
	holder := common.HexToAddress(raw)
	writeJSON(w, http.StatusOK, balancesResponse{
		ProposalID: id,
		Holder:     holder,
		Pass:       sideBalance{Balance: h.engine.BalanceOf(holder, id, domain.SidePass), Supply: h.engine.Supply(id, domain.SidePass)},
		Fail:       sideBalance{Balance: h.engine.BalanceOf(holder, id, domain.SideFail), Supply: h.engine.Supply(id, domain.SideFail)},
	})
}

// lifecycle runs a permissionless transition and returns the proposal.
func (h *ProposalHandler) lifecycle(op string, fn func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := pathParam(r, "id")
		if err := fn(r.Context(), id); err != nil {
			writeEngineError(w, r, h.logger, op, err)
			return
		}
		h.writeProposal(w, r, op, id)
	}
}

func (h *ProposalHandler) writeProposal(w http.ResponseWriter, r *http.Request, op, id string) {
	p, err := h.engine.GetProposal(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, h.logger, op, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Close ends trading once the closing delay has passed.
// POST /api/proposals/{id}/close
func (h *ProposalHandler) Close(w http.ResponseWriter, r *http.Request) {
	h.lifecycle("close", h.engine.CloseTrading)(w, r)
}

// Resolve picks the winner from the final TWAP prices.
// POST /api/proposals/{id}/resolve
func (h *ProposalHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	h.lifecycle("resolve", h.engine.ResolveMarket)(w, r)
}

// Execute performs the treasury action of a passed proposal.
// POST /api/proposals/{id}/execute
func (h *ProposalHandler) Execute(w http.ResponseWriter, r *http.Request) {
	h.lifecycle("execute", h.engine.ExecuteProposal)(w, r)
}

// Reject finalises a failed proposal.
// POST /api/proposals/{id}/reject
func (h *ProposalHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.lifecycle("reject", h.engine.RejectProposal)(w, r)
}

// Poke refreshes both TWAP accumulators.
// POST /api/proposals/{id}/poke
func (h *ProposalHandler) Poke(w http.ResponseWriter, r *http.Request) {
	h.lifecycle("poke", h.engine.Poke)(w, r)
}

type emergencyResolveRequest struct {
	PassWins *bool `json:"pass_wins"`
}

// EmergencyResolve lets the guardian set the outcome.
// POST /api/proposals/{id}/emergency-resolve {"pass_wins":true}
func (h *ProposalHandler) EmergencyResolve(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req emergencyResolveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.PassWins == nil {
		writeError(w, http.StatusBadRequest, "pass_wins is required")
		return
	}
	id := pathParam(r, "id")
	if err := h.engine.EmergencyResolve(r.Context(), caller, id, *req.PassWins); err != nil {
		writeEngineError(w, r, h.logger, "emergency resolve", err)
		return
	}
	h.writeProposal(w, r, "emergency resolve", id)
}

// Cancel aborts a proposal on behalf of its proposer or the guardian.
// POST /api/proposals/{id}/cancel
func (h *ProposalHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id := pathParam(r, "id")
	if err := h.engine.CancelProposal(r.Context(), caller, id); err != nil {
		writeEngineError(w, r, h.logger, "cancel", err)
		return
	}
	h.writeProposal(w, r, "cancel", id)
}

type redeemResponse struct {
	ProposalID string          `json:"proposal_id"`
	Holder     common.Address  `json:"holder"`
	Payout     decimal.Decimal `json:"payout"`
}

// Redeem pays the caller's share of the collateral pool.
// POST /api/proposals/{id}/redeem
func (h *ProposalHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id := pathParam(r, "id")
	payout, err := h.engine.RedeemWinnings(r.Context(), caller, id)
	if err != nil {
		writeEngineError(w, r, h.logger, "redeem", err)
		return
	}
	writeJSON(w, http.StatusOK, redeemResponse{ProposalID: id, Holder: caller, Payout: payout})
}
