package server

import (
	"TangleRecon/internal/core"
	"TangleRecon/internal/docstore"
	"TangleRecon/internal/ingestion"
	"TangleRecon/internal/ledger"
	"TangleRecon/internal/query"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

const maxInjectBody = 1 << 20

type handler struct {
	deps *Deps
}

type outcomeResponse struct {
	LedgerTransactionID string   `json:"ledger_transaction_id"`
	Network             string   `json:"network,omitempty"`
	Result              string   `json:"result"`
	Orders              []string `json:"orders"`
	Transactions        []string `json:"transactions"`
	DurationMicros      int64    `json:"duration_us"`
	ProcessedAt         string   `json:"processed_at"`
}

func newOutcomeResponse(o *core.Outcome) outcomeResponse {
	resp := outcomeResponse{
		LedgerTransactionID: o.LedgerTransactionID,
		Network:             o.Network,
		Result:              string(o.Result),
		Orders:              o.Orders,
		Transactions:        o.Transactions,
		DurationMicros:      o.Duration.Microseconds(),
		ProcessedAt:         o.ProcessedAt.Format(time.RFC3339Nano),
	}
	if resp.Orders == nil {
		resp.Orders = []string{}
	}
	if resp.Transactions == nil {
		resp.Transactions = []string{}
	}
	return resp
}

func (h *handler) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.deps.Query.GetOrder(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		h.writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *handler) getOrderTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	txType := ledger.TransactionType(r.URL.Query().Get("type"))

	page, err := h.deps.Query.GetOrderTransactions(r.Context(), chi.URLParam(r, "orderId"), txType, limit)
	if err != nil {
		h.writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *handler) getTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.deps.Query.GetTransaction(r.Context(), chi.URLParam(r, "transactionId"))
	if err != nil {
		h.writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *handler) getLedgerTransaction(w http.ResponseWriter, r *http.Request) {
	status, err := h.deps.Query.GetLedgerTransaction(r.Context(), chi.URLParam(r, "network"), chi.URLParam(r, "transactionId"))
	if err != nil {
		h.writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *handler) recentOutcomes(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	outcomes, err := h.deps.Query.RecentOutcomes(r.Context(), limit)
	if err != nil {
		h.writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
}

// injectLedgerTransaction runs a ledger transaction in the adapter wire format
// through the same orchestrator as the stream.
func (h *handler) injectLedgerTransaction(w http.ResponseWriter, r *http.Request) {
	if h.deps.Reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "reconciler not available")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInjectBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	ltx, err := ingestion.ParseLedgerTransaction(body, "")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcome, err := h.deps.Reconciler.ProcessEvent(r.Context(), ltx)
	if err != nil {
		h.deps.Logger.Error().Err(err).Str("ledger_tx", ltx.ID).Msg("injected ledger transaction failed")
		writeError(w, http.StatusInternalServerError, "reconciliation failed")
		return
	}
	writeJSON(w, http.StatusOK, newOutcomeResponse(outcome))
}

func (h *handler) finalizeAuction(w http.ResponseWriter, r *http.Request) {
	if h.deps.Finalizer == nil {
		writeError(w, http.StatusServiceUnavailable, "finalizer not available")
		return
	}
	id := chi.URLParam(r, "auctionId")
	outcome, err := h.deps.Finalizer.FinalizeAuction(r.Context(), id)
	if errors.Is(err, docstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "auction not found")
		return
	}
	if err != nil {
		h.deps.Logger.Error().Err(err).Str("auction", id).Msg("auction finalization failed")
		writeError(w, http.StatusInternalServerError, "finalization failed")
		return
	}
	if outcome == nil {
		writeJSON(w, http.StatusOK, map[string]any{"auction": id, "finalized": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"auction": id, "finalized": true, "outcome": newOutcomeResponse(outcome)})
}

func (h *handler) writeQueryError(w http.ResponseWriter, err error) {
	if errors.Is(err, query.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.deps.Logger.Error().Err(err).Msg("query failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
