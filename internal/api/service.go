// Package api provides the HTTP handlers for inspecting the portfolio,
// moving funds into the ledger, and triggering or auditing rebalance
// cycles.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Base-unit balances are int64 and exposed as such.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/driftdesk/rebalance-engine/internal/engine"
	"github.com/driftdesk/rebalance-engine/internal/guard"
	"github.com/driftdesk/rebalance-engine/internal/ledger"
	"github.com/driftdesk/rebalance-engine/internal/planner"
	"github.com/driftdesk/rebalance-engine/internal/pricefeed"
	"github.com/driftdesk/rebalance-engine/internal/report"
)

// Service handles portfolio and ledger operations over HTTP.
type Service struct {
	engine   *engine.Engine
	ledger   *ledger.Ledger
	store    report.Store
	prices   pricefeed.Source
	holder   string
	symbols  []string
	decimals map[string]int32
	hub      *Hub // optional WebSocket hub for real-time ledger events
}

// NewService creates the HTTP service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(
	eng *engine.Engine,
	led *ledger.Ledger,
	store report.Store,
	prices pricefeed.Source,
	holder string,
	symbols []string,
	decimals map[string]int32,
	hub *Hub,
) *Service {
	return &Service{
		engine:   eng,
		ledger:   led,
		store:    store,
		prices:   prices,
		holder:   holder,
		symbols:  symbols,
		decimals: decimals,
		hub:      hub,
	}
}

// Routes mounts all handlers on a chi router.
func (s *Service) Routes(r chi.Router) {
	r.Get("/portfolio", s.GetPortfolio)
	r.Get("/balances/{holder}", s.GetBalances)
	r.Post("/deposit", s.Deposit)
	r.Post("/evaluate", s.Evaluate)
	r.Get("/records", s.ListRecords)
	r.Get("/records/{addr}", s.GetRecord)
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}
}

// --- Request/Response types ---

// HoldingView is one row of the portfolio response.
type HoldingView struct {
	Symbol    string          `json:"symbol"`
	BaseUnits int64           `json:"base_units"`
	Amount    decimal.Decimal `json:"amount"`
	USDPrice  decimal.Decimal `json:"usd_price"`
	USDValue  decimal.Decimal `json:"usd_value"`
	Percent   decimal.Decimal `json:"percent"`
}

// PortfolioResponse is the JSON body returned from GET /portfolio.
type PortfolioResponse struct {
	Holder   string          `json:"holder"`
	Holdings []HoldingView   `json:"holdings"`
	TotalUSD decimal.Decimal `json:"total_usd"`
}

// DepositRequest is the JSON body for POST /deposit. Amount is in base
// units of the symbol.
type DepositRequest struct {
	Holder string `json:"holder"`
	Symbol string `json:"symbol"`
	Amount int64  `json:"amount"`
}

// DepositResponse is the JSON body returned from POST /deposit.
type DepositResponse struct {
	Holder     string `json:"holder"`
	Symbol     string `json:"symbol"`
	NewBalance int64  `json:"new_balance"`
}

// BalancesResponse is the JSON body returned from GET /balances/{holder}.
type BalancesResponse struct {
	Holder   string           `json:"holder"`
	Balances map[string]int64 `json:"balances"`
}

// --- HTTP Handlers ---

// GetPortfolio handles GET /api/v1/portfolio
// Returns the managed portfolio valued at current prices.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	holdings := make([]HoldingView, 0, len(s.symbols))
	total := decimal.Zero
	for _, symbol := range s.symbols {
		scale, ok := s.decimals[symbol]
		if !ok {
			scale = planner.DefaultDecimals
		}
		base := s.ledger.GetBalance(s.holder, symbol)
		amount := decimal.New(base, 0).Shift(-scale)

		quote, err := s.prices.GetPrice(ctx, symbol)
		if err != nil {
			writeError(w, "no quote for "+symbol, http.StatusBadGateway)
			return
		}
		value := amount.Mul(quote.USDPrice)
		total = total.Add(value)

		holdings = append(holdings, HoldingView{
			Symbol:    symbol,
			BaseUnits: base,
			Amount:    amount,
			USDPrice:  quote.USDPrice,
			USDValue:  value,
		})
	}

	if total.IsPositive() {
		hundred := decimal.NewFromInt(100)
		for i := range holdings {
			holdings[i].Percent = holdings[i].USDValue.Div(total).Mul(hundred).Round(4)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(PortfolioResponse{
		Holder:   s.holder,
		Holdings: holdings,
		TotalUSD: total,
	})
}

// GetBalances handles GET /api/v1/balances/{holder}
// Returns base-unit balances for all tracked symbols. Unknown holders get
// all zeroes; balance reads never fail.
func (s *Service) GetBalances(w http.ResponseWriter, r *http.Request) {
	holder := chi.URLParam(r, "holder")

	balances := make(map[string]int64, len(s.symbols))
	for _, symbol := range s.symbols {
		balances[symbol] = s.ledger.GetBalance(holder, symbol)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(BalancesResponse{Holder: holder, Balances: balances})
}

// Deposit handles POST /api/v1/deposit
// Credits the caller's own balance; the holder field is the caller identity.
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Holder == "" {
		writeError(w, "holder is required", http.StatusBadRequest)
		return
	}
	if req.Symbol == "" {
		writeError(w, "symbol is required", http.StatusBadRequest)
		return
	}

	if err := s.ledger.Deposit(req.Holder, req.Symbol, req.Amount); err != nil {
		if errors.Is(err, ledger.ErrInvalidAmount) {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	slog.Info("deposit accepted",
		"holder", req.Holder, "symbol", req.Symbol, "amount", req.Amount)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(DepositResponse{
		Holder:     req.Holder,
		Symbol:     req.Symbol,
		NewBalance: s.ledger.GetBalance(req.Holder, req.Symbol),
	})
}

// Evaluate handles POST /api/v1/evaluate
// Runs one evaluation cycle immediately, waiting for any in-flight cycle.
func (s *Service) Evaluate(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Evaluate(r.Context())
	if err != nil {
		writeError(w, err.Error(), evaluateStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

// evaluateStatus maps cycle failures to HTTP statuses.
func evaluateStatus(err error) int {
	switch {
	case errors.Is(err, pricefeed.ErrPriceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, planner.ErrSubmitTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, guard.ErrPerSymbolLimitExceeded),
		errors.Is(err, guard.ErrBatchLimitExceeded),
		errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrNotAuthorized):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// ListRecords handles GET /api/v1/records
// Returns recent audit records, newest first. ?limit=N caps the result
// (default 20, max 100).
func (s *Service) ListRecords(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if limit > 100 {
		limit = 100
	}

	records, err := s.store.ListRecent(r.Context(), limit)
	if err != nil {
		writeError(w, "failed to list records", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []report.Record{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

// GetRecord handles GET /api/v1/records/{addr}
func (s *Service) GetRecord(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "addr")

	rec, err := s.store.GetRecord(r.Context(), addr)
	if err != nil {
		if errors.Is(err, report.ErrRecordNotFound) {
			writeError(w, "record not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to load record", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
