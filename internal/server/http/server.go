// Package httpserver exposes the control surface: subscription management,
// source override, focus selection, and read-only projections for the UI
// layer.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/marketdeck/marketdeck/errs"
	"github.com/marketdeck/marketdeck/internal/arbiter"
	"github.com/marketdeck/marketdeck/internal/schema"
	"github.com/marketdeck/marketdeck/internal/state"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	subscriptionsPath     = "/subscriptions"
	subscriptionPrefix    = subscriptionsPath + "/"
	sourcePath            = "/source"
	focusPrefix           = "/focus/"
	marketCoinsPath       = "/market/coins"
	marketTickerPath      = "/market/ticker"
	marketKlinesPath      = "/market/klines"
	marketFavoritesPath   = "/market/favorites"
	marketFavoritesPrefix = marketFavoritesPath + "/"
	tradingBookPath       = "/trading/book"
	tradingTradesPath     = "/trading/trades"
	tradingOrdersPath     = "/trading/orders"
	ordersPath            = "/orders"
	orderActionPrefix     = ordersPath + "/"
)

// SourceController is the arbitration surface the server drives.
type SourceController interface {
	Subscribe(symbol string) error
	Unsubscribe(symbol string) error
	Subscriptions() []string
	SetFocus(symbol string) error
	Focus() string
	SwitchSource(ctx context.Context, source schema.Source) error
	State() arbiter.SourceState
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	controller SourceController
	market     *state.MarketStore
	trading    *state.TradingStore
}

// NewHandler builds the control-surface HTTP handler.
func NewHandler(controller SourceController, market *state.MarketStore, trading *state.TradingStore) http.Handler {
	server := &httpServer{controller: controller, market: market, trading: trading}
	mux := http.NewServeMux()

	mux.Handle(subscriptionsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listSubscriptions,
	}))
	mux.Handle(subscriptionPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost:   server.addSubscription,
		http.MethodDelete: server.removeSubscription,
	}))

	mux.Handle(sourcePath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.getSource,
		http.MethodPost: server.switchSource,
	}))
	mux.Handle(focusPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.setFocus,
	}))

	mux.Handle(marketCoinsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getCoins,
	}))
	mux.Handle(marketTickerPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getTicker,
	}))
	mux.Handle(marketKlinesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getKlines,
	}))
	mux.Handle(marketFavoritesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listFavorites,
	}))
	mux.Handle(marketFavoritesPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost:   server.addFavorite,
		http.MethodDelete: server.removeFavorite,
	}))

	mux.Handle(tradingBookPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getBook,
	}))
	mux.Handle(tradingTradesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getTrades,
	}))
	mux.Handle(tradingOrdersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listOrders,
	}))

	mux.Handle(ordersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.placeOrder,
	}))
	mux.Handle(orderActionPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.handleOrderAction,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) listSubscriptions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"symbols": s.controller.Subscriptions()})
}

func (s *httpServer) addSubscription(w http.ResponseWriter, r *http.Request) {
	symbol := pathTail(r.URL.Path, subscriptionPrefix)
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol required")
		return
	}
	if err := s.controller.Subscribe(symbol); err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "subscribed", "symbol": schema.NormalizeSymbol(symbol)})
}

func (s *httpServer) removeSubscription(w http.ResponseWriter, r *http.Request) {
	symbol := pathTail(r.URL.Path, subscriptionPrefix)
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol required")
		return
	}
	if err := s.controller.Unsubscribe(symbol); err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed", "symbol": schema.NormalizeSymbol(symbol)})
}

func (s *httpServer) getSource(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.State())
}

type switchSourceRequest struct {
	Source schema.Source `json:"source"`
}

func (s *httpServer) switchSource(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	defer func() { _ = r.Body.Close() }()

	var req switchSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if err := s.controller.SwitchSource(r.Context(), req.Source); err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.controller.State())
}

func (s *httpServer) setFocus(w http.ResponseWriter, r *http.Request) {
	symbol := pathTail(r.URL.Path, focusPrefix)
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol required")
		return
	}
	if err := s.controller.SetFocus(symbol); err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "focused", "symbol": s.controller.Focus()})
}

func (s *httpServer) getCoins(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"coins": s.market.Coins()})
}

func (s *httpServer) getTicker(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol query parameter required")
		return
	}
	ticker, ok := s.market.Ticker(symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "no ticker for "+schema.NormalizeSymbol(symbol))
		return
	}
	writeJSON(w, http.StatusOK, ticker)
}

func (s *httpServer) getKlines(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol query parameter required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":  schema.NormalizeSymbol(symbol),
		"candles": s.market.Candles(symbol),
	})
}

func (s *httpServer) listFavorites(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"symbols": s.market.Favorites()})
}

func (s *httpServer) addFavorite(w http.ResponseWriter, r *http.Request) {
	symbol := pathTail(r.URL.Path, marketFavoritesPrefix)
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol required")
		return
	}
	if !s.market.AddFavorite(symbol) {
		writeError(w, http.StatusConflict, "already a favorite")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "added", "symbol": schema.NormalizeSymbol(symbol)})
}

func (s *httpServer) removeFavorite(w http.ResponseWriter, r *http.Request) {
	symbol := pathTail(r.URL.Path, marketFavoritesPrefix)
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol required")
		return
	}
	if !s.market.RemoveFavorite(symbol) {
		writeError(w, http.StatusNotFound, "not a favorite")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "symbol": schema.NormalizeSymbol(symbol)})
}

func (s *httpServer) getBook(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		symbol = s.controller.Focus()
	}
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol query parameter required")
		return
	}
	book, ok := s.trading.Book(symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "no book for "+schema.NormalizeSymbol(symbol))
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *httpServer) getTrades(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		symbol = s.controller.Focus()
	}
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol query parameter required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol": schema.NormalizeSymbol(symbol),
		"trades": s.trading.Trades(symbol),
	})
}

func (s *httpServer) listOrders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"active":  s.trading.ActiveOrders(),
		"history": s.trading.OrderHistory(),
	})
}

func (s *httpServer) placeOrder(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	defer func() { _ = r.Body.Close() }()

	var req schema.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDecodeError(w, err)
		return
	}
	order, err := s.trading.PlaceOrder(req)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (s *httpServer) handleOrderAction(w http.ResponseWriter, r *http.Request) {
	rest := pathTail(r.URL.Path, orderActionPrefix)
	id, action, hasAction := strings.Cut(rest, "/")
	if id == "" || !hasAction {
		writeError(w, http.StatusNotFound, "order id and action required")
		return
	}

	var (
		order schema.Order
		err   error
	)
	switch action {
	case "cancel":
		order, err = s.trading.CancelOrder(id)
	case "fill":
		order, err = s.trading.FillOrder(id)
	default:
		writeError(w, http.StatusNotFound, "unsupported action")
		return
	}
	if err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func pathTail(path, prefix string) string {
	return strings.Trim(strings.TrimPrefix(path, prefix), "/")
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

// writeTypedError maps the error taxonomy onto HTTP statuses.
func writeTypedError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var typed *errs.E
	if errors.As(err, &typed) && typed.HTTP != 0 {
		status = typed.HTTP
	} else {
		switch errs.CodeOf(err) {
		case errs.CodeInvalid, errs.CodeValidation, errs.CodeParse:
			status = http.StatusBadRequest
		case errs.CodeNotFound:
			status = http.StatusNotFound
		case errs.CodeConflict:
			status = http.StatusConflict
		case errs.CodeRateLimited:
			status = http.StatusTooManyRequests
		case errs.CodeUnavailable:
			status = http.StatusServiceUnavailable
		}
	}
	writeError(w, status, err.Error())
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
