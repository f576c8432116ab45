package bitget

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"exchange_core/internal/domain"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tickerPush = `{"action":"snapshot","arg":{"instType":"SPOT","channel":"ticker","instId":"BTCUSDT"},` +
	`"data":[{"instId":"BTCUSDT","lastPr":"20010.5","askPr":"20011","bidPr":"20010","ts":"1700000000123"}],"ts":1700000000200}`

func TestTickerWorker_HandleMessage(t *testing.T) {
	sink := make(chan domain.Ticker, 4)
	w := NewTickerWorker("", map[string]string{"BTCUSDT": "BTCUSDT"}, sink, nil, nil)

	w.handleMessage([]byte(tickerPush))

	require.Len(t, sink, 1)
	got := <-sink
	assert.Equal(t, "BTCUSDT", got.Symbol)
	assert.Equal(t, Venue, got.Exchange)
	assert.Equal(t, "20010", got.Bid.String())
	assert.Equal(t, "20011", got.Ask.String())
	assert.Equal(t, "20010.5", got.Last.String())
	assert.Equal(t, int64(1700000000123), got.Time.UnixMilli())
}

func TestTickerWorker_IgnoresUnknownAndMalformed(t *testing.T) {
	sink := make(chan domain.Ticker, 4)
	w := NewTickerWorker("", map[string]string{"ETHUSDT": "ETHUSDT"}, sink, nil, nil)

	// unsubscribed instrument, then a subscribe ack
	w.handleMessage([]byte(tickerPush))
	w.handleMessage([]byte(`{"event":"subscribe","arg":{"channel":"ticker"}}`))
	w.handleMessage([]byte(`not json`))
	w.handleMessage([]byte(`{"arg":{"channel":"ticker","instId":"ETHUSDT"},"data":[{"instId":"ETHUSDT","bidPr":"x"}]}`))

	assert.Empty(t, sink)
}

func TestTickerWorker_DropsWhenSinkFull(t *testing.T) {
	sink := make(chan domain.Ticker, 1)
	w := NewTickerWorker("", map[string]string{"BTCUSDT": "BTCUSDT"}, sink, nil, nil)

	w.handleMessage([]byte(tickerPush))
	w.handleMessage([]byte(tickerPush))

	assert.Len(t, sink, 1)
}

func TestTickerWorker_StreamsFromServer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan subscribeRequest, 1)

	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req subscribeRequest
		if json.Unmarshal(raw, &req) == nil {
			subscribed <- req
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(tickerPush))
		// hold the connection until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	sink := make(chan domain.Ticker, 4)
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	w := NewTickerWorker(url, map[string]string{"BTCUSDT": "BTCUSDT"}, sink, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Connect(ctx))
	defer w.Disconnect()

	select {
	case req := <-subscribed:
		assert.Equal(t, "subscribe", req.Op)
		require.Len(t, req.Args, 1)
		assert.Equal(t, "BTCUSDT", req.Args[0].InstId)
		assert.Equal(t, "ticker", req.Args[0].Channel)
	case <-ctx.Done():
		t.Fatal("no subscription received")
	}

	select {
	case got := <-sink:
		assert.Equal(t, "20011", got.Ask.String())
	case <-ctx.Done():
		t.Fatal("no ticker received")
	}
	assert.True(t, w.IsConnected())
}

func TestTickerWorker_ConnectValidatesSymbols(t *testing.T) {
	w := NewTickerWorker("", nil, make(chan domain.Ticker), nil, nil)
	assert.Error(t, w.Connect(context.Background()))
}
