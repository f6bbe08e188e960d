package events

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "aitrade.deepseek-1.trade", Subject("deepseek-1", KindTrade))
	assert.Equal(t, "aitrade.qwen_a_share.cycle", Subject("qwen.a share", KindCycle))
}

func TestMultiAndRecorder(t *testing.T) {
	a, b := NewRecorder(4), NewRecorder(1)
	m := Multi{a, b, Nop{}, Logging{Log: zap.NewNop()}}
	m.Publish(context.Background(), Event{Kind: KindTrade, TraderID: "t1"})
	m.Publish(context.Background(), Event{Kind: KindCycle, TraderID: "t1"})

	assert.Len(t, a.Drain(), 2)
	assert.Len(t, b.Drain(), 1, "full buffer drops")
	assert.Empty(t, a.Drain())
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub(zap.NewNop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	all := dial(t, srv, "/ws")
	onlyT2 := dial(t, srv, "/ws?trader_id=t2")
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, time.Second, 10*time.Millisecond)

	hub.Publish(context.Background(), Event{Kind: KindTrade, TraderID: "t1", Cycle: 3})
	hub.Publish(context.Background(), Event{Kind: KindCycle, TraderID: "t2", Cycle: 4})

	read := func(conn *websocket.Conn) Event {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var e Event
		require.NoError(t, json.Unmarshal(data, &e))
		return e
	}

	first := read(all)
	assert.Equal(t, KindTrade, first.Kind)
	assert.Equal(t, int64(3), first.Cycle)
	assert.Equal(t, "t2", read(all).TraderID)

	filtered := read(onlyT2)
	assert.Equal(t, "t2", filtered.TraderID, "filtered client skips other traders")

	all.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)
}
