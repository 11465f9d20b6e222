package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/clickshield/internal/detector"
)

func blockEvent(campaign string, score int) *Event {
	return &Event{
		Type:      EventBlock,
		Timestamp: time.Now(),
		Data: detector.Event{
			Type:      string(EventBlock),
			Identity:  "203.0.113.1_" + campaign,
			Campaign:  campaign,
			RiskScore: score,
		},
	}
}

func TestShouldSend(t *testing.T) {
	hub := NewHub(slog.Default())

	tests := []struct {
		name string
		sub  Subscription
		ev   *Event
		want bool
	}{
		{"all events", Subscription{AllEvents: true}, blockEvent("c1", 90), true},
		{"matching type", Subscription{EventTypes: []EventType{EventBlock}}, blockEvent("c1", 90), true},
		{"non-matching type", Subscription{EventTypes: []EventType{EventSuspicious}}, blockEvent("c1", 90), false},
		{"matching campaign", Subscription{Campaigns: []string{"c1"}}, blockEvent("c1", 90), true},
		{"non-matching campaign", Subscription{Campaigns: []string{"c2"}}, blockEvent("c1", 90), false},
		{"above min score", Subscription{MinRiskScore: 80}, blockEvent("c1", 90), true},
		{"below min score", Subscription{MinRiskScore: 95}, blockEvent("c1", 90), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &Client{sub: tt.sub}
			if got := hub.shouldSend(client, tt.ev); got != tt.want {
				t.Errorf("shouldSend() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPublishBroadcastsToClients(t *testing.T) {
	hub := NewHub(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := &Client{hub: hub, send: make(chan []byte, 1), sub: Subscription{AllEvents: true}}
	hub.register <- client

	hub.Publish(detector.Event{
		Type:      "block",
		Identity:  "203.0.113.1_c1",
		Campaign:  "c1",
		RiskScore: 85,
		Timestamp: time.Now(),
	})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Fatal("empty broadcast payload")
		}
	case <-time.After(time.Second):
		t.Fatal("client did not receive broadcast")
	}
}

func TestClientGoroutinesDrainAfterHubStop(t *testing.T) {
	hub := NewHub(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	baseline := runtime.NumGoroutine()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for hub.Stats()["connectedClients"].(int) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Stop the hub first. Nothing drains unregister after Run returns, so
	// the connection's read loop must still be able to finish its cleanup.
	cancel()
	<-hub.done
	_ = conn.Close()

	deadline = time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > baseline {
		if time.Now().After(deadline) {
			t.Fatalf("goroutines stuck after shutdown: %d, baseline %d", runtime.NumGoroutine(), baseline)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestHubStats(t *testing.T) {
	hub := NewHub(slog.Default())
	stats := hub.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("connectedClients = %v, want 0", stats["connectedClients"])
	}
}
