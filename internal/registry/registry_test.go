package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingSubscriber struct {
	subscribed []string
}

func (r *recordingSubscriber) Subscribe(symbol string)   { r.subscribed = append(r.subscribed, symbol) }
func (r *recordingSubscriber) Unsubscribe(symbol string) {}

func TestAddIsIdempotent(t *testing.T) {
	r := New()
	require.True(t, r.Add("btcusdt"))
	require.False(t, r.Add("BTCUSDT"), "re-adding the same symbol must be a no-op")
	require.Equal(t, 1, r.Len())
	require.True(t, r.Has("BTCUSDT"))
}

func TestRemoveAbsentIsNoOp(t *testing.T) {
	r := New()
	require.False(t, r.Remove("ETHUSDT"))
	r.Add("ETHUSDT")
	require.True(t, r.Remove("ethusdt"))
	require.False(t, r.Has("ETHUSDT"))
}

func TestAddRejectsEmptySymbol(t *testing.T) {
	r := New()
	require.False(t, r.Add("   "))
	require.Equal(t, 0, r.Len())
}

func TestSnapshotSorted(t *testing.T) {
	r := New()
	for _, s := range []string{"SOLUSDT", "BTCUSDT", "ETHUSDT"} {
		r.Add(s)
	}
	require.Equal(t, []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, r.Snapshot())
}

func TestReplayOntoPushesEverySymbol(t *testing.T) {
	r := New()
	r.Add("BTCUSDT")
	r.Add("ETHUSDT")

	sub := &recordingSubscriber{}
	r.ReplayOnto(sub)
	require.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, sub.subscribed)
}
