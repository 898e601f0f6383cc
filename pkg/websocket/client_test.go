package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"trinity/pkg/logging"

	"github.com/gorilla/websocket"
)

func TestWebSocketClient_Heartbeat(t *testing.T) {
	var pings int32
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.SetPingHandler(func(string) error {
			atomic.AddInt32(&pings, 1)
			return conn.WriteControl(websocket.PongMessage, []byte{}, time.Now().Add(time.Second))
		})

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	logger, _ := logging.NewZapLogger("DEBUG")

	client := NewClient(url, Config{
		ReconnectWait: 10 * time.Millisecond,
		PingInterval:  100 * time.Millisecond,
		PingWait:      50 * time.Millisecond,
		PongWait:      200 * time.Millisecond,
	}, func(message []byte) {}, logger)

	client.Start()
	defer client.Stop()

	// Wait for at least 2 pings
	time.Sleep(500 * time.Millisecond)

	if atomic.LoadInt32(&pings) < 2 {
		t.Errorf("Expected at least 2 pings, got %d", atomic.LoadInt32(&pings))
	}
}

func TestWebSocketClient_ReconnectOnTimeout(t *testing.T) {
	var connections int32
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&connections, 1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Swallow pings so the client's pong deadline expires
		conn.SetPingHandler(func(string) error {
			return nil
		})

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	logger, _ := logging.NewZapLogger("DEBUG")

	client := NewClient(url, Config{
		ReconnectWait: 10 * time.Millisecond,
		PingInterval:  100 * time.Millisecond,
		PingWait:      50 * time.Millisecond,
		PongWait:      200 * time.Millisecond,
	}, func(message []byte) {}, logger)

	client.Start()
	defer client.Stop()

	// Wait for reconnects
	time.Sleep(600 * time.Millisecond)

	if atomic.LoadInt32(&connections) < 2 {
		t.Errorf("Expected multiple connections due to reconnects, got %d", atomic.LoadInt32(&connections))
	}
}

func TestWebSocketClient_ReplaysSubscriptionOnReconnect(t *testing.T) {
	var subs int32
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Read one subscription message then drop the connection.
		if _, _, err := conn.ReadMessage(); err == nil {
			atomic.AddInt32(&subs, 1)
		}
		conn.Close()
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	logger, _ := logging.NewZapLogger("DEBUG")

	client := NewClient(url, Config{
		ReconnectWait: 10 * time.Millisecond,
	}, func(message []byte) {}, logger)
	client.SetOnConnected(func() {
		_ = client.Send(map[string]interface{}{"op": "subscribe", "args": []string{"tickers.BTCUSDT"}})
	})

	client.Start()
	defer client.Stop()

	time.Sleep(400 * time.Millisecond)

	// Every reconnect must replay the subscription.
	if atomic.LoadInt32(&subs) < 2 {
		t.Errorf("Expected subscription replay on reconnect, got %d", atomic.LoadInt32(&subs))
	}
}
