package events

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New()
	defer b.Close()

	s1 := b.Subscribe()
	s2 := b.Subscribe()

	b.Publish(TypeReady, nil)

	for i, s := range []*Subscriber{s1, s2} {
		select {
		case ev := <-s.C():
			if ev.Type != TypeReady {
				t.Errorf("sub %d got type %s, want ready", i, ev.Type)
			}
			if ev.ID == "" {
				t.Errorf("sub %d event has empty id", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("sub %d never received event", i)
		}
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	b := New(WithBuffer(1))
	defer b.Close()

	slow := b.Subscribe()
	_ = slow // never drained

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(TypeStatus, map[string]string{"state": "connected"})
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber buffer")
	}

	if b.Stats().Dropped == 0 {
		t.Error("expected dropped events for the slow subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	defer b.Close()

	s := b.Subscribe()
	b.Unsubscribe(s)

	select {
	case _, ok := <-s.C():
		if ok {
			t.Error("received event on unsubscribed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after Unsubscribe")
	}

	// Publishing afterwards must not panic.
	b.Publish(TypeStatus, nil)
}

func TestCloseReleasesSubscribers(t *testing.T) {
	b := New()
	s := b.Subscribe()
	b.Close()

	if _, ok := <-s.C(); ok {
		t.Error("channel still open after Close")
	}
	if b.Stats().Subscribers != 0 {
		t.Errorf("Subscribers = %d after Close", b.Stats().Subscribers)
	}
}

func TestServeWSStreamsEvents(t *testing.T) {
	b := New()
	defer b.Close()

	ts := httptest.NewServer(httpHandler(b))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the server loop a moment to register the subscriber.
	deadline := time.Now().Add(2 * time.Second)
	for b.Stats().Subscribers == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	b.Publish(TypeQR, map[string]string{"qr": "data:image/png;base64,xxxx"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != TypeQR {
		t.Errorf("type = %s, want qr", ev.Type)
	}
}

// httpHandler adapts ServeWS for httptest.
func httpHandler(b *Broadcaster) http.Handler {
	return http.HandlerFunc(b.ServeWS)
}
