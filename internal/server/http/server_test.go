package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/marketdeck/marketdeck/config"
	"github.com/marketdeck/marketdeck/errs"
	"github.com/marketdeck/marketdeck/internal/arbiter"
	"github.com/marketdeck/marketdeck/internal/schema"
	"github.com/marketdeck/marketdeck/internal/state"
)

type stubController struct {
	subs         map[string]struct{}
	focus        string
	state        arbiter.SourceState
	lastSwitched schema.Source
}

func newStubController() *stubController {
	return &stubController{
		subs:  make(map[string]struct{}),
		state: arbiter.SourceState{Active: schema.SourceStream},
	}
}

func (c *stubController) Subscribe(symbol string) error {
	c.subs[schema.NormalizeSymbol(symbol)] = struct{}{}
	return nil
}

func (c *stubController) Unsubscribe(symbol string) error {
	delete(c.subs, schema.NormalizeSymbol(symbol))
	return nil
}

func (c *stubController) Subscriptions() []string {
	out := make([]string, 0, len(c.subs))
	for symbol := range c.subs {
		out = append(out, symbol)
	}
	return out
}

func (c *stubController) SetFocus(symbol string) error {
	c.focus = schema.NormalizeSymbol(symbol)
	return c.Subscribe(symbol)
}

func (c *stubController) Focus() string { return c.focus }

func (c *stubController) SwitchSource(_ context.Context, source schema.Source) error {
	if !source.Valid() {
		return errs.New("arbiter/switch", errs.CodeInvalid, errs.WithMessage("unknown source"))
	}
	c.lastSwitched = source
	c.state.Active = source
	return nil
}

func (c *stubController) State() arbiter.SourceState { return c.state }

type fixture struct {
	server     *httptest.Server
	controller *stubController
	market     *state.MarketStore
	trading    *state.TradingStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	controller := newStubController()
	market := state.NewMarketStore(config.Default().Sink, nil)
	trading := state.NewTradingStore(config.Default().Sink, nil, nil)

	server := httptest.NewServer(NewHandler(controller, market, trading))
	t.Cleanup(server.Close)
	return &fixture{server: server, controller: controller, market: market, trading: trading}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestSubscriptionEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/subscriptions/btcusdt", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "BTCUSDT", body["symbol"])

	resp, body = f.do(t, http.MethodGet, "/subscriptions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["symbols"], 1)

	resp, _ = f.do(t, http.MethodDelete, "/subscriptions/BTCUSDT", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, f.controller.Subscriptions())

	resp, _ = f.do(t, http.MethodPut, "/subscriptions/BTCUSDT", "")
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestSourceEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/source", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "stream", body["active"])

	resp, body = f.do(t, http.MethodPost, "/source", `{"source":"poll"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "poll", body["active"])
	require.Equal(t, schema.SourcePoll, f.controller.lastSwitched)

	resp, _ = f.do(t, http.MethodPost, "/source", `{"source":`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFocusEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/focus/ethusdt", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ETHUSDT", body["symbol"])
	require.Equal(t, "ETHUSDT", f.controller.Focus())

	resp, _ = f.do(t, http.MethodPost, "/focus/", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMarketReadEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/market/coins", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, body["coins"])

	resp, _ = f.do(t, http.MethodGet, "/market/ticker?symbol=BTCUSDT", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/market/ticker", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/market/klines?symbol=btcusdt", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "BTCUSDT", body["symbol"])
}

func TestFavoritesEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/market/favorites", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["symbols"], 3)

	resp, _ = f.do(t, http.MethodPost, "/market/favorites/SOLUSDT", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/market/favorites/SOLUSDT", "")
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/market/favorites/SOLUSDT", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/market/favorites/SOLUSDT", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTradingReadEndpointsFallBackToFocus(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/trading/book", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "no symbol and no focus")

	require.NoError(t, f.controller.SetFocus("BTCUSDT"))
	resp, _ = f.do(t, http.MethodGet, "/trading/book", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "focus set but no book yet")

	resp, body := f.do(t, http.MethodGet, "/trading/trades", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "BTCUSDT", body["symbol"])
}

func TestOrderEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/orders",
		`{"symbol":"btcusdt","side":"buy","type":"market","quantity":"0.5"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)
	require.Equal(t, "pending", body["status"])

	resp, body = f.do(t, http.MethodGet, "/trading/orders", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["active"], 1)

	resp, body = f.do(t, http.MethodPost, "/orders/"+id+"/fill", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "filled", body["status"])

	// A terminal order cannot transition again.
	resp, _ = f.do(t, http.MethodPost, "/orders/"+id+"/cancel", "")
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/orders/missing/cancel", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/orders",
		`{"symbol":"btcusdt","side":"buy","type":"limit","quantity":"1"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "limit order without price")
}

func TestOrderRequestDecimalFieldsAcceptStrings(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/orders",
		`{"symbol":"ethusdt","side":"sell","type":"limit","quantity":"2","price":"2700.50"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "ETHUSDT", body["symbol"])

	placed := f.trading.ActiveOrders()
	require.Len(t, placed, 1)
	require.True(t, placed[0].Price.Equal(decimal.RequireFromString("2700.50")))
	require.WithinDuration(t, time.Now(), placed[0].CreatedAt, time.Minute)
}
