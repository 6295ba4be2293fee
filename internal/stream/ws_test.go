package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marketdeck/marketdeck/errs"
	"github.com/marketdeck/marketdeck/internal/clock"
	"github.com/marketdeck/marketdeck/internal/schema"
)

func newParserFeed(t *testing.T) *WSFeed {
	t.Helper()
	feed := NewWSFeed(fastStreamSettings(), WSOptions{})
	t.Cleanup(feed.Close)
	return feed
}

func TestParseTickerFrame(t *testing.T) {
	feed := newParserFeed(t)
	frame := []byte(`{"stream":"btcusdt@ticker","data":{` +
		`"e":"24hrTicker","E":1700000000000,"s":"BTCUSDT",` +
		`"c":"43251.10","p":"120.60","P":"0.28","v":"12345.6","q":"534000000.12"}}`)

	evt, err := feed.parseFrame(frame)
	require.NoError(t, err)
	require.NotNil(t, evt)
	require.NoError(t, evt.Validate())
	require.Equal(t, schema.EventTypeTicker, evt.Type)
	require.Equal(t, "BTCUSDT", evt.Symbol)
	require.Equal(t, schema.SourceStream, evt.Origin)

	payload := evt.Payload.(schema.TickerPayload)
	require.Equal(t, "43251.1", payload.Price.String())
	require.Equal(t, "120.6", payload.Change24h.String())
	require.InDelta(t, 0.28, payload.ChangePercent24h, 1e-9)
	require.Equal(t, int64(1700000000000), payload.ObservedAt.UnixMilli())
}

func TestParseTradeFrameSides(t *testing.T) {
	feed := newParserFeed(t)

	maker := []byte(`{"stream":"ethusdt@trade","data":{` +
		`"e":"trade","s":"ETHUSDT","t":77,"p":"2650.50","q":"0.25","T":1700000001000,"m":true}}`)
	evt, err := feed.parseFrame(maker)
	require.NoError(t, err)
	payload := evt.Payload.(schema.TradePayload)
	require.Equal(t, schema.TradeSideSell, payload.Side)
	require.Equal(t, "ETHUSDT-77", payload.TradeID)

	taker := []byte(`{"stream":"ethusdt@trade","data":{` +
		`"e":"trade","s":"ETHUSDT","t":78,"p":"2650.60","q":"0.10","T":1700000002000,"m":false}}`)
	evt, err = feed.parseFrame(taker)
	require.NoError(t, err)
	require.Equal(t, schema.TradeSideBuy, evt.Payload.(schema.TradePayload).Side)
}

func TestParseKlineFrame(t *testing.T) {
	feed := newParserFeed(t)
	frame := []byte(`{"stream":"solusdt@kline_1m","data":{` +
		`"e":"kline","s":"SOLUSDT","k":{"t":1700000040000,"i":"1m",` +
		`"o":"98.40","h":"98.90","l":"98.10","c":"98.70","v":"1520.5"}}}`)

	evt, err := feed.parseFrame(frame)
	require.NoError(t, err)
	require.NoError(t, evt.Validate())
	payload := evt.Payload.(schema.KlinePayload)
	require.Equal(t, "1m", payload.Interval)
	require.Len(t, payload.Candles, 1)
	require.Equal(t, int64(1700000040000), payload.Candles[0].OpenTime.UnixMilli())
	require.Equal(t, "98.7", payload.Candles[0].Close.String())
}

func TestParseDepthFrame(t *testing.T) {
	feed := newParserFeed(t)
	frame := []byte(`{"stream":"btcusdt@depth20@100ms","data":{` +
		`"lastUpdateId":9001,` +
		`"bids":[["43200.00","1.5"],["43199.50","0.8"]],` +
		`"asks":[["43201.00","2.1"]]}}`)

	evt, err := feed.parseFrame(frame)
	require.NoError(t, err)
	require.Equal(t, schema.EventTypeDepth, evt.Type)
	payload := evt.Payload.(schema.DepthPayload)
	require.Len(t, payload.Bids, 2)
	require.Len(t, payload.Asks, 1)
	require.Equal(t, "43200", payload.Bids[0].Price.String())
}

func TestParseFrameRejectsMalformedNumerics(t *testing.T) {
	feed := newParserFeed(t)
	frame := []byte(`{"stream":"btcusdt@ticker","data":{` +
		`"e":"24hrTicker","E":1700000000000,"s":"BTCUSDT",` +
		`"c":"not-a-price","p":"1","P":"1","v":"1","q":"1"}}`)

	evt, err := feed.parseFrame(frame)
	require.Error(t, err)
	require.Nil(t, evt)
	require.True(t, errs.HasCode(err, errs.CodeParse))
}

func TestParseFrameSkipsUnknownStreams(t *testing.T) {
	feed := newParserFeed(t)

	evt, err := feed.parseFrame([]byte(`{"stream":"btcusdt@bookTicker","data":{"x":1}}`))
	require.NoError(t, err)
	require.Nil(t, evt)

	evt, err = feed.parseFrame([]byte(`{"stream":"","data":{}}`))
	require.NoError(t, err)
	require.Nil(t, evt)
}

func TestParseFrameSequencesPerKind(t *testing.T) {
	feed := newParserFeed(t)
	frame := []byte(`{"stream":"btcusdt@ticker","data":{` +
		`"e":"24hrTicker","E":1700000000000,"s":"BTCUSDT",` +
		`"c":"1","p":"0","P":"0","v":"1","q":"1"}}`)

	first, err := feed.parseFrame(frame)
	require.NoError(t, err)
	second, err := feed.parseFrame(frame)
	require.NoError(t, err)
	require.Equal(t, first.Seq+1, second.Seq)
	require.NotEqual(t, first.EventID, second.EventID)
}

func TestStreamsForSymbol(t *testing.T) {
	streams := streamsFor("BTCUSDT")
	require.Equal(t, []string{
		"btcusdt@ticker",
		"btcusdt@trade",
		"btcusdt@kline_1m",
		"btcusdt@depth20@100ms",
	}, streams)
}

func TestControlPacingFollowsInjectedClock(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC))
	feed := NewWSFeed(fastStreamSettings(), WSOptions{Clock: clk})
	t.Cleanup(feed.Close)

	feed.lastControlSend = clk.Now()
	done := make(chan error, 1)
	go func() { done <- feed.waitForControlWindowLocked() }()

	select {
	case <-done:
		t.Fatal("pacing window elapsed before virtual time advanced")
	case <-time.After(50 * time.Millisecond):
	}

	require.Eventually(t, func() bool {
		clk.Advance(controlMessageInterval)
		select {
		case err := <-done:
			require.NoError(t, err)
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestChunkStreams(t *testing.T) {
	require.Nil(t, chunkStreams(nil, 10))

	chunks := chunkStreams([]string{"a", "b", "c"}, 2)
	require.Equal(t, [][]string{{"a", "b"}, {"c"}}, chunks)

	single := chunkStreams([]string{"a", "b"}, 0)
	require.Equal(t, [][]string{{"a", "b"}}, single)
}
