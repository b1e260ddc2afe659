package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/dexrun/dexrun/internal/engine"
	"github.com/dexrun/dexrun/internal/order"
	"github.com/dexrun/dexrun/internal/store"
	"github.com/dexrun/dexrun/internal/token"
)

var (
	maxAmountIn     = decimal.NewFromInt(1_000_000)
	minSlippage     = decimal.NewFromFloat(0.0001)
	maxSlippage     = decimal.NewFromFloat(0.5)
	defaultSlippage = decimal.NewFromFloat(0.01)
)

type submitRequest struct {
	TokenIn  string           `json:"token_in"`
	TokenOut string           `json:"token_out"`
	AmountIn decimal.Decimal  `json:"amount_in"`
	Slippage *decimal.Decimal `json:"slippage,omitempty"`
	Type     string           `json:"type,omitempty"`
}

type submitResponse struct {
	OrderID      string       `json:"order_id"`
	Status       order.Status `json:"status"`
	SubscribeURL string       `json:"subscribe_url"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// validate rejects a submission before anything is persisted.
func (req *submitRequest) validate() (store.Draft, error) {
	var draft store.Draft

	switch req.Type {
	case "", string(order.TypeMarket):
		draft.Type = order.TypeMarket
	case string(order.TypeLimit), string(order.TypeSniper):
		return draft, fmt.Errorf("order type %q is not enabled", req.Type)
	default:
		return draft, fmt.Errorf("unknown order type %q", req.Type)
	}

	if err := token.ValidatePair(req.TokenIn, req.TokenOut); err != nil {
		return draft, err
	}
	if req.AmountIn.Sign() <= 0 {
		return draft, fmt.Errorf("amount_in must be positive, got %s", req.AmountIn)
	}
	if req.AmountIn.Cmp(maxAmountIn) > 0 {
		return draft, fmt.Errorf("amount_in %s exceeds maximum %s", req.AmountIn, maxAmountIn)
	}
	if req.AmountIn.Exponent() < -8 {
		return draft, fmt.Errorf("amount_in supports at most 8 decimal places")
	}

	slippage := defaultSlippage
	if req.Slippage != nil {
		slippage = *req.Slippage
		if slippage.Cmp(minSlippage) < 0 || slippage.Cmp(maxSlippage) > 0 {
			return draft, fmt.Errorf("slippage must be within [%s, %s]", minSlippage, maxSlippage)
		}
	}

	draft.TokenIn = req.TokenIn
	draft.TokenOut = req.TokenOut
	draft.AmountIn = req.AmountIn
	draft.Slippage = slippage
	return draft, nil
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.metrics.OrdersRejected.Inc()
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	draft, err := req.validate()
	if err != nil {
		s.metrics.OrdersRejected.Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	o, err := s.deps.Store.Create(r.Context(), draft)
	if err != nil {
		log.Error().Err(err).Msg("order create failed")
		writeError(w, http.StatusInternalServerError, "failed to create order")
		return
	}
	if err := engine.Enqueue(r.Context(), s.deps.Queue, s.deps.Cache, o); err != nil {
		log.Error().Err(err).Str("order_id", o.ID).Msg("enqueue failed")
		writeError(w, http.StatusInternalServerError, "failed to queue order")
		return
	}
	s.metrics.OrdersSubmitted.Inc()

	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	writeJSON(w, http.StatusOK, submitResponse{
		OrderID:      o.ID,
		Status:       o.Status,
		SubscribeURL: fmt.Sprintf("%s://%s/api/v1/orders/%s/subscribe", scheme, r.Host, o.ID),
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	// Read-through: serve hot orders from cache, fall back to store.
	if o, ok := s.deps.Cache.GetOrder(r.Context(), id); ok {
		writeJSON(w, http.StatusOK, o)
		return
	}
	o, err := s.deps.Store.Find(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		log.Error().Err(err).Str("order_id", id).Msg("order lookup failed")
		writeError(w, http.StatusInternalServerError, "failed to load order")
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type listResponse struct {
	Orders     []*order.Order `json:"orders"`
	Pagination pagination     `json:"pagination"`
}

type pagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Total  int `json:"total"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	f := store.Filter{Limit: 50}

	if v := r.URL.Query().Get("status"); v != "" {
		st := order.Status(v)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+v)
			return
		}
		f.Status = &st
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 100 {
			writeError(w, http.StatusBadRequest, "limit must be in [1, 100]")
			return
		}
		f.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be >= 0")
			return
		}
		f.Offset = n
	}

	orders, total, err := s.deps.Store.List(r.Context(), f)
	if err != nil {
		log.Error().Err(err).Msg("order list failed")
		writeError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}
	writeJSON(w, http.StatusOK, listResponse{
		Orders:     orders,
		Pagination: pagination{Limit: f.Limit, Offset: f.Offset, Total: total},
	})
}

// handleUpdates serves the bounded transition history, newest first.
func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	events, err := s.deps.Cache.Updates(r.Context(), id, 0)
	if err != nil {
		log.Error().Err(err).Str("order_id", id).Msg("update log read failed")
		writeError(w, http.StatusInternalServerError, "failed to read updates")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"order_id": id, "updates": events})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts := make(map[order.Status]int, 6)
	for _, st := range []order.Status{
		order.StatusPending, order.StatusRouting, order.StatusBuilding,
		order.StatusSubmitted, order.StatusConfirmed, order.StatusFailed,
	} {
		st := st
		n, err := s.deps.Store.Count(r.Context(), &st)
		if err != nil {
			log.Error().Err(err).Msg("status count failed")
			writeError(w, http.StatusInternalServerError, "failed to count orders")
			return
		}
		counts[st] = n
	}
	depth, err := s.deps.Queue.Depth(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("queue depth failed")
		writeError(w, http.StatusInternalServerError, "failed to read queue depth")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"orders":        counts,
		"queue":         depth,
		"workers":       s.deps.Pool.Stats(),
		"subscriptions": s.deps.Hub.Stats(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "store": err.Error()})
		return
	}
	if err := s.deps.Queue.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "queue": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
