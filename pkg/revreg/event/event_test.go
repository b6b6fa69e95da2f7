package event_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/revreg/pkg/revreg/event"
)

type payload struct {
	RegDefID string `json:"regDefId"`
	Max      int    `json:"maxCredNum"`
}

func TestNew(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	evt := event.New("topic", "data", event.WithEventID("evt-1"), event.WithTimestamp(ts))

	assert.Equal(t, "topic", evt.Topic)
	assert.Equal(t, "evt-1", evt.Meta.EventID)
	assert.Equal(t, ts, evt.Meta.Timestamp)

	generated := event.New("topic", nil)
	assert.NotEmpty(t, generated.Meta.EventID)
}

func TestDecode(t *testing.T) {
	want := payload{RegDefID: "rr1", Max: 10}

	tests := []struct {
		name string
		data any
	}{
		{"value", want},
		{"pointer", &want},
		{"map", map[string]any{"regDefId": "rr1", "maxCredNum": 10}},
		{"raw json", json.RawMessage(`{"regDefId":"rr1","maxCredNum":10}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := event.Decode[payload](event.New("t", tt.data))
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}

	t.Run("wrong type", func(t *testing.T) {
		_, err := event.Decode[payload](event.New("t", 42))
		var evtErr *event.EventError
		assert.ErrorAs(t, err, &evtErr)
	})
}

func TestTypedHandler(t *testing.T) {
	var got payload
	h := event.TypedHandler(func(_ context.Context, scope string, p payload, evt event.Event) error {
		got = p
		assert.Equal(t, "acme", scope)
		return nil
	})

	require.NoError(t, h.Handle(context.Background(), "acme", event.New("t", payload{RegDefID: "rr9"})))
	assert.Equal(t, "rr9", got.RegDefID)

	assert.Error(t, h.Handle(context.Background(), "acme", event.New("t", "nope")))
}

func TestParkedQueue(t *testing.T) {
	q := event.NewParkedQueue(2)

	var parked int
	q.OnPark = func(*event.ParkedEvent) { parked++ }

	q.Park("acme", event.New("a", nil, event.WithEventID("1")), "intervention")
	q.Park("acme", event.New("b", nil, event.WithEventID("2")), "intervention")
	q.Park("acme", event.New("c", nil, event.WithEventID("3")), "intervention")

	assert.Equal(t, 3, parked)
	assert.Equal(t, 2, q.Len(), "oldest evicted")
	_, ok := q.Get("1")
	assert.False(t, ok)

	list := q.List(0)
	require.Len(t, list, 2)
	assert.Equal(t, "2", list[0].EventID)

	assert.True(t, q.Acknowledge("2"))
	assert.False(t, q.Acknowledge("2"))
	assert.Equal(t, 1, q.Len())
}

func TestParkedQueue_Handler(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})
	defer bus.Shutdown(context.Background())

	q := event.NewParkedQueue(0)
	_, err := bus.Subscribe(`intervention-required$`, q.Handler("needs operator"))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "acme", "anoncreds::intervention-required", "details"))
	require.NoError(t, bus.Drain(context.Background()))

	list := q.List(1)
	require.Len(t, list, 1)
	assert.Equal(t, "acme", list[0].Scope)
	assert.Equal(t, "needs operator", list[0].Reason)
}
