package alerts

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mbd888/clickshield/internal/logging"
)

func TestWebhookNotifier_DeliversSignedPayload(t *testing.T) {
	received := make(chan *http.Request, 1)
	bodies := make(chan []byte, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		bodies <- raw
		received <- r
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "topsecret", logging.New("error", "text"))
	n.Notify(context.Background(), "suspicious activity", "identity 1.2.3.4_c1 scored 85")

	select {
	case req := <-received:
		raw := <-bodies

		var p payload
		if err := json.Unmarshal(raw, &p); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if p.Subject != "suspicious activity" {
			t.Errorf("unexpected subject %q", p.Subject)
		}

		mac := hmac.New(sha256.New, []byte("topsecret"))
		mac.Write(raw)
		want := hex.EncodeToString(mac.Sum(nil))
		if got := req.Header.Get("X-ClickShield-Signature"); got != want {
			t.Errorf("signature mismatch: got %q want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was never called")
	}
}

func TestWebhookNotifier_RetriesServerErrors(t *testing.T) {
	attempts := make(chan int, 3)
	count := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count++
		attempts <- count
		if count < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "", logging.New("error", "text"))
	n.Notify(context.Background(), "subject", "body")

	deadline := time.After(5 * time.Second)
	for i := 1; i <= 3; i++ {
		select {
		case got := <-attempts:
			if got != i {
				t.Fatalf("attempt = %d, want %d", got, i)
			}
		case <-deadline:
			t.Fatalf("webhook received %d attempts, want 3", i-1)
		}
	}
}

func TestWebhookNotifier_FailureDoesNotPropagate(t *testing.T) {
	n := NewWebhookNotifier("http://127.0.0.1:0", "", logging.New("error", "text"))

	// Must return immediately and never panic even though the sink is down.
	n.Notify(context.Background(), "subject", "body")
	time.Sleep(50 * time.Millisecond)
}

func TestLogNotifier(t *testing.T) {
	n := &LogNotifier{Logger: logging.New("error", "text")}
	n.Notify(context.Background(), "subject", "body")
}
