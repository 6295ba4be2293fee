package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marketdeck/marketdeck/config"
	"github.com/marketdeck/marketdeck/errs"
	"github.com/marketdeck/marketdeck/internal/schema"
)

func fastStreamSettings() config.StreamSettings {
	cfg := config.Default().Stream
	cfg.MaxReconnectAttempts = 3
	cfg.ReconnectInitialWait = time.Millisecond
	cfg.ReconnectMaxWait = 4 * time.Millisecond
	cfg.TickerInterval = 5 * time.Millisecond
	cfg.TradeInterval = 5 * time.Millisecond
	cfg.DepthInterval = 5 * time.Millisecond
	cfg.KlineInterval = 5 * time.Millisecond
	return cfg
}

func newTestFeed(t *testing.T, opts SimOptions) *SimFeed {
	t.Helper()
	if opts.HandshakeDelay == 0 {
		opts.HandshakeDelay = time.Millisecond
	}
	if opts.Seed == 0 {
		opts.Seed = 42
	}
	feed := NewSimFeed(fastStreamSettings(), opts)
	t.Cleanup(feed.Close)
	return feed
}

func waitLifecycle(t *testing.T, feed *SimFeed, want LifecycleKind) LifecycleEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-feed.Lifecycle():
			if evt.Kind == want {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for lifecycle %q", want)
		}
	}
}

func TestSubscriptionsRememberedAcrossConnect(t *testing.T) {
	feed := newTestFeed(t, SimOptions{})

	feed.Subscribe("btcusdt")
	feed.Subscribe("ETHUSDT")
	feed.Subscribe("ETHUSDT")
	require.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, feed.Subscriptions())

	require.NoError(t, feed.Connect(context.Background()))
	waitLifecycle(t, feed, LifecycleConnected)

	seen := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case evt := <-feed.Events():
			require.NoError(t, evt.Validate())
			require.Equal(t, schema.SourceStream, evt.Origin)
			seen[evt.Symbol] = true
		case <-deadline:
			t.Fatalf("only saw events for %v", seen)
		}
	}
	require.True(t, seen["BTCUSDT"])
	require.True(t, seen["ETHUSDT"])
}

func TestUnsubscribeStopsSymbolEvents(t *testing.T) {
	feed := newTestFeed(t, SimOptions{})
	feed.Subscribe("BTCUSDT")

	require.NoError(t, feed.Connect(context.Background()))
	waitLifecycle(t, feed, LifecycleConnected)

	select {
	case <-feed.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("no events before unsubscribe")
	}

	feed.Unsubscribe("BTCUSDT")
	// Drain anything emitted before the unsubscribe landed, then verify
	// silence.
	drainUntilQuiet(t, feed, 50*time.Millisecond)
}

func drainUntilQuiet(t *testing.T, feed *SimFeed, quiet time.Duration) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-feed.Events():
		case <-time.After(quiet):
			return
		case <-deadline:
			t.Fatal("events never went quiet after unsubscribe")
		}
	}
}

func TestHandshakeFailuresExhaustReconnectBudget(t *testing.T) {
	feed := newTestFeed(t, SimOptions{
		FailHandshake: func(int) bool { return true },
	})
	feed.Subscribe("BTCUSDT")
	require.NoError(t, feed.Connect(context.Background()))

	failures := 0
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-feed.Lifecycle():
			switch evt.Kind {
			case LifecycleTransportError:
				failures++
				require.True(t, errs.HasCode(evt.Err, errs.CodeTransport))
			case LifecycleReconnectExhausted:
				require.Equal(t, 3, failures)
				require.True(t, errs.HasCode(evt.Err, errs.CodeReconnectExhausted))
				return
			default:
				t.Fatalf("unexpected lifecycle %q", evt.Kind)
			}
		case <-deadline:
			t.Fatalf("gave up after %d failures without exhaustion signal", failures)
		}
	}
}

func TestHandshakeRecoversBeforeBudget(t *testing.T) {
	feed := newTestFeed(t, SimOptions{
		FailHandshake: func(attempt int) bool { return attempt < 3 },
	})
	require.NoError(t, feed.Connect(context.Background()))

	waitLifecycle(t, feed, LifecycleConnected)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	feed := newTestFeed(t, SimOptions{})
	require.NoError(t, feed.Connect(context.Background()))
	waitLifecycle(t, feed, LifecycleConnected)

	feed.Disconnect()
	waitLifecycle(t, feed, LifecycleDisconnected)

	feed.Disconnect()
	select {
	case evt := <-feed.Lifecycle():
		t.Fatalf("second disconnect emitted %q", evt.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropSignalsErrorThenRedials(t *testing.T) {
	feed := newTestFeed(t, SimOptions{})
	feed.Subscribe("BTCUSDT")
	require.NoError(t, feed.Connect(context.Background()))
	waitLifecycle(t, feed, LifecycleConnected)

	feed.Drop(nil)
	evt := waitLifecycle(t, feed, LifecycleTransportError)
	require.True(t, errs.HasCode(evt.Err, errs.CodeTransport))

	waitLifecycle(t, feed, LifecycleConnected)
	select {
	case <-feed.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("no events after redial")
	}
}

func TestConnectAfterCloseFails(t *testing.T) {
	feed := NewSimFeed(fastStreamSettings(), SimOptions{HandshakeDelay: time.Millisecond, Seed: 1})
	feed.Close()
	err := feed.Connect(context.Background())
	require.Error(t, err)
	require.True(t, errs.HasCode(err, errs.CodeUnavailable))
	// Close is idempotent.
	feed.Close()
}

func TestEventSequencesIncreasePerKindAndSymbol(t *testing.T) {
	feed := newTestFeed(t, SimOptions{})
	feed.Subscribe("SOLUSDT")
	require.NoError(t, feed.Connect(context.Background()))
	waitLifecycle(t, feed, LifecycleConnected)

	lastSeq := map[schema.EventType]uint64{}
	deadline := time.After(2 * time.Second)
	collected := 0
	for collected < 20 {
		select {
		case evt := <-feed.Events():
			require.Greater(t, evt.Seq, lastSeq[evt.Type], "seq must increase for %s", evt.Type)
			lastSeq[evt.Type] = evt.Seq
			collected++
		case <-deadline:
			t.Fatalf("collected only %d events", collected)
		}
	}
}
