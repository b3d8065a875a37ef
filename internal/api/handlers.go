package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/trogers1052/portfolio-service/internal/ledger"
	"github.com/trogers1052/portfolio-service/internal/logging"
	"github.com/trogers1052/portfolio-service/internal/models"
	"github.com/trogers1052/portfolio-service/internal/quotes"
	"github.com/trogers1052/portfolio-service/internal/valuation"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Portfolio is the ledger surface the API serves
type Portfolio interface {
	Snapshot() models.PortfolioSnapshot
	Positions() []models.Position
	ApplyTransaction(kind models.TransactionKind, instrumentID string, amount, price decimal.Decimal) (models.PortfolioSnapshot, error)
}

// QuoteCache is the quote cache surface the API serves
type QuoteCache interface {
	Snapshot() quotes.CacheSnapshot
	RefreshNow(ctx context.Context) error
}

// HistoryStore reads the persisted journal and quote history
type HistoryStore interface {
	GetTransactions(limit int) ([]models.Transaction, error)
	GetTransactionsByInstrument(instrumentID string, limit int) ([]models.Transaction, error)
	GetQuoteHistory(instrumentID string, limit int) ([]models.QuoteHistory, error)
	Ping() error
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	portfolio Portfolio
	quotes    QuoteCache
	store     HistoryStore
	logger    *logging.Logger
}

// NewHandler creates a new Handler. store may be nil when no database is
// configured; history endpoints then answer 503.
func NewHandler(portfolio Portfolio, quoteCache QuoteCache, store HistoryStore, logger *logging.Logger) *Handler {
	return &Handler{
		portfolio: portfolio,
		quotes:    quoteCache,
		store:     store,
		logger:    logger,
	}
}

type portfolioResponse struct {
	models.PortfolioSnapshot
	Allocation map[string]decimal.Decimal `json:"allocation"`
}

// GetPortfolio handles GET /portfolio
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	snap := h.portfolio.Snapshot()
	respondJSON(w, http.StatusOK, portfolioResponse{
		PortfolioSnapshot: snap,
		Allocation:        valuation.Allocation(snap),
	})
}

// GetPositions handles GET /positions
func (h *Handler) GetPositions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.portfolio.Positions())
}

type quotesResponse struct {
	Quotes      []models.Quote `json:"quotes"`
	IsLoading   bool           `json:"is_loading"`
	LastError   string         `json:"last_error,omitempty"`
	LastUpdated *time.Time     `json:"last_updated,omitempty"`
	Version     uint64         `json:"version"`
}

func newQuotesResponse(cs quotes.CacheSnapshot) quotesResponse {
	resp := quotesResponse{
		Quotes:    cs.Quotes.List(),
		IsLoading: cs.IsLoading,
		Version:   cs.Version,
	}
	if resp.Quotes == nil {
		resp.Quotes = []models.Quote{}
	}
	if cs.LastError != nil {
		resp.LastError = cs.LastError.Error()
	}
	if !cs.LastUpdated.IsZero() {
		t := cs.LastUpdated
		resp.LastUpdated = &t
	}
	return resp
}

// GetQuotes handles GET /quotes
func (h *Handler) GetQuotes(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, newQuotesResponse(h.quotes.Snapshot()))
}

// GetQuote handles GET /quotes/{id}
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	q, ok := h.quotes.Snapshot().Quotes.Get(id)
	if !ok {
		http.Error(w, "no quote for "+id, http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, q)
}

// RefreshQuotes handles POST /quotes/refresh
func (h *Handler) RefreshQuotes(w http.ResponseWriter, r *http.Request) {
	err := h.quotes.RefreshNow(r.Context())
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, newQuotesResponse(h.quotes.Snapshot()))
	case errors.Is(err, quotes.ErrSuperseded):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	default:
		h.logger.Warn().Err(err).Msg("Manual quote refresh failed")
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}

// GetQuoteHistory handles GET /quotes/{id}/history
func (h *Handler) GetQuoteHistory(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		http.Error(w, "history is not available", http.StatusServiceUnavailable)
		return
	}

	history, err := h.store.GetQuoteHistory(mux.Vars(r)["id"], parseLimit(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if history == nil {
		history = []models.QuoteHistory{}
	}
	respondJSON(w, http.StatusOK, history)
}

type transactionRequest struct {
	Kind         string          `json:"kind"`
	InstrumentID string          `json:"instrument_id"`
	Amount       decimal.Decimal `json:"amount"`
	Price        decimal.Decimal `json:"price"`
}

// CreateTransaction handles POST /transactions
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req transactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	kind, err := models.ParseTransactionKind(req.Kind)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	snap, err := h.portfolio.ApplyTransaction(kind, req.InstrumentID, req.Amount, req.Price)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}

	respondJSON(w, http.StatusCreated, portfolioResponse{
		PortfolioSnapshot: snap,
		Allocation:        valuation.Allocation(snap),
	})
}

// GetTransactions handles GET /transactions
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		http.Error(w, "history is not available", http.StatusServiceUnavailable)
		return
	}

	limit := parseLimit(r)
	var txs []models.Transaction
	var err error
	if id := r.URL.Query().Get("instrument_id"); id != "" {
		txs, err = h.store.GetTransactionsByInstrument(id, limit)
	} else {
		txs, err = h.store.GetTransactions(limit)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if txs == nil {
		txs = []models.Transaction{}
	}
	respondJSON(w, http.StatusOK, txs)
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.store != nil {
		if err := h.store.Ping(); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func parseLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
