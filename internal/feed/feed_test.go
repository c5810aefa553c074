package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"main/internal/schema"
)

type sink struct {
	mu     sync.Mutex
	events []schema.Event
}

func (s *sink) publish(ev schema.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *sink) snapshot() []schema.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schema.Event(nil), s.events...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// feedServer scripts a vendor endpoint: read the subscribe request,
// push the messages, hold the connection open.
func feedServer(t *testing.T, messages []string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var sub subscribeRequest
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		for _, m := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		// Hold until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamPublishesDecodedEvents(t *testing.T) {
	srv := feedServer(t, []string{
		`{"type":"ticks","data":[{"code":"X","ts":1748854200000,"price":10.5,"preClose":10,"volume":300}]}`,
		`{"type":"order","data":{"orderId":1,"brokerId":"E-9","code":"X","side":"buy","status":"filled","price":10.5,"volume":100,"filled":100,"ts":1748854201000}}`,
		`{"type":"fill","data":{"fillId":"F-1","brokerId":"E-9","code":"X","side":"buy","price":10.5,"volume":100,"ts":1748854201000}}`,
		`{"type":"heartbeat","data":{}}`,
	})

	out := &sink{}
	client, err := New(Config{
		Sources: []string{wsURL(srv)},
		Codes:   []string{"X"},
		Broker:  "b1",
		Publish: out.publish,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Start(ctx)
	defer client.Close()

	waitFor(t, func() bool { return len(out.snapshot()) >= 3 })

	events := out.snapshot()[:3]
	require.Equal(t, schema.KindMarketTick, events[0].Kind)
	slice := events[0].Payload.(schema.Slice)
	require.Len(t, slice.Ticks, 1)
	require.Equal(t, "X", slice.Ticks[0].Code)
	require.Equal(t, 10.5, slice.Ticks[0].Price)
	require.Equal(t, int64(300), slice.Ticks[0].Volume)

	// Status precedes fill in publish order.
	require.Equal(t, schema.KindOrderUpdate, events[1].Kind)
	order := events[1].Payload.(schema.OrderUpdate)
	require.Equal(t, "b1", order.Broker)
	require.Equal(t, schema.OrderStatusFilled, order.Status)
	require.Equal(t, schema.OrderSideBuy, order.Side)

	require.Equal(t, schema.KindFillUpdate, events[2].Kind)
	fill := events[2].Payload.(schema.FillUpdate)
	require.Equal(t, "E-9", fill.BrokerOrderID)
	require.Equal(t, int64(100), fill.Volume)
}

func TestRotatesToBackupSource(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(dead.Close)
	live := feedServer(t, []string{
		`{"type":"ticks","data":[{"code":"X","ts":1748854200000,"price":10,"preClose":10,"volume":100}]}`,
	})

	out := &sink{}
	client, err := New(Config{
		Sources:     []string{wsURL(dead), wsURL(live)},
		Codes:       []string{"X"},
		Publish:     out.publish,
		RotateAfter: 2,
		RedialDelay: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Start(ctx)
	defer client.Close()

	waitFor(t, func() bool { return len(out.snapshot()) >= 1 })
	require.Equal(t, 1, client.Active())
	require.Equal(t, schema.KindMarketTick, out.snapshot()[0].Kind)
}

func TestMalformedMessageDoesNotBreakStream(t *testing.T) {
	srv := feedServer(t, []string{
		`{"type":"ticks","data":"not-an-array"}`,
		`{"type":"ticks","data":[{"code":"X","ts":1748854200000,"price":10,"preClose":10,"volume":100}]}`,
	})

	out := &sink{}
	client, err := New(Config{Sources: []string{wsURL(srv)}, Codes: []string{"X"}, Publish: out.publish})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Start(ctx)
	defer client.Close()

	waitFor(t, func() bool { return len(out.snapshot()) >= 1 })
	require.Equal(t, schema.KindMarketTick, out.snapshot()[0].Kind)
}

func TestNewRequiresSource(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, ErrNoSource)
}
