package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fernandinhomartins40/ferraco-sub000/connector"
	"github.com/fernandinhomartins40/ferraco-sub000/events"
	"github.com/fernandinhomartins40/ferraco-sub000/identity"
	"github.com/fernandinhomartins40/ferraco-sub000/ratelimit"
	"github.com/fernandinhomartins40/ferraco-sub000/retry"
	_ "modernc.org/sqlite"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// sendFn lets each test script the platform's send behaviour.
type sendFn func(to string) (string, error)

// stubClient implements connector.Client for dispatch tests.
type stubClient struct {
	mu        sync.Mutex
	sendCalls int
	send      sendFn
	exists    bool
}

func okSend(to string) (string, error) {
	return "true_" + to + "_3EB0C127D1C7B2A2", nil
}

func (c *stubClient) recordSend(to string) (string, error) {
	c.mu.Lock()
	c.sendCalls++
	fn := c.send
	c.mu.Unlock()
	if fn == nil {
		fn = okSend
	}
	return fn(to)
}

func (c *stubClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendCalls
}

func (c *stubClient) Initialize(ctx context.Context) error { return nil }
func (c *stubClient) SendText(ctx context.Context, to, text string) (string, error) {
	return c.recordSend(to)
}
func (c *stubClient) SendMedia(ctx context.Context, to string, m connector.Media) (string, error) {
	return c.recordSend(to)
}
func (c *stubClient) SendLocation(ctx context.Context, to string, loc connector.Location) (string, error) {
	return c.recordSend(to)
}
func (c *stubClient) SendContact(ctx context.Context, to string, cc connector.ContactCard) (string, error) {
	return c.recordSend(to)
}
func (c *stubClient) SendList(ctx context.Context, to string, l connector.ListMessage) (string, error) {
	return c.recordSend(to)
}
func (c *stubClient) SendPoll(ctx context.Context, to string, p connector.Poll) (string, error) {
	return c.recordSend(to)
}
func (c *stubClient) Conversations(ctx context.Context) ([]connector.Conversation, error) {
	return nil, nil
}
func (c *stubClient) Messages(ctx context.Context, chatID string, count int) ([]connector.ChatMessage, error) {
	return nil, nil
}
func (c *stubClient) IdentityExists(ctx context.Context, id string) (bool, error) {
	return c.exists, nil
}
func (c *stubClient) MessageAck(ctx context.Context, platformID string) (int, error) { return 0, nil }
func (c *stubClient) Alive(ctx context.Context) (bool, error)                        { return true, nil }
func (c *stubClient) OnIncomingMessage(fn func(connector.ChatMessage))               {}
func (c *stubClient) OnAck(fn func(connector.AckUpdate))                             {}
func (c *stubClient) OnSessionStatus(fn func(connector.StatusUpdate))                {}
func (c *stubClient) Close(ctx context.Context) error                                { return nil }

// stubSession pins the session state for a test.
type stubSession struct {
	client connector.Client
	state  connector.State
}

func (s *stubSession) Session() (connector.Client, connector.State) {
	return s.client, s.state
}

func setupStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	s := NewStore(db)
	if err := s.Init(); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return s
}

func newTestDispatcher(t *testing.T, client connector.Client, state connector.State) (*Dispatcher, *Store, *ratelimit.Limiter) {
	t.Helper()
	store := setupStore(t)
	limiter := ratelimit.New()
	b := events.New()
	t.Cleanup(b.Close)
	d := NewDispatcher(
		&stubSession{client: client, state: state},
		limiter,
		identity.NewNormalizer("55"),
		store,
		b,
		WithRetryExecutor(retry.New(retry.WithBaseDelay(time.Millisecond))),
	)
	return d, store, limiter
}

func textPayload(s string) Payload { return Payload{Kind: KindText, Text: s} }

// ---------------------------------------------------------------------------
// Preconditions
// ---------------------------------------------------------------------------

func TestSendWhileDisconnectedFailsFast(t *testing.T) {
	client := &stubClient{}
	d, _, limiter := newTestDispatcher(t, client, connector.StateDisconnected)

	_, err := d.Send(context.Background(), "11999999999", textPayload("oi"))

	var notConnected *ErrNotConnected
	if !errors.As(err, &notConnected) {
		t.Fatalf("err = %v, want *ErrNotConnected", err)
	}
	if client.calls() != 0 {
		t.Error("platform client invoked despite disconnected session")
	}
	if limiter.BucketCount() != 0 {
		t.Error("rate limit bucket mutated despite disconnected session")
	}
}

func TestSendInvalidPayloads(t *testing.T) {
	client := &stubClient{}
	d, _, _ := newTestDispatcher(t, client, connector.StateConnected)

	cases := []Payload{
		{Kind: KindText, Text: ""},
		{Kind: KindLocation, Location: &connector.Location{Latitude: 91, Longitude: 0}},
		{Kind: KindLocation, Location: &connector.Location{Latitude: 0, Longitude: -200}},
		{Kind: KindPoll, Poll: &connector.Poll{Question: "?", Options: make([]string, 13)}},
		{Kind: KindList, List: &connector.ListMessage{Options: nil}},
		{Kind: Kind("sticker")},
	}
	for _, p := range cases {
		_, err := d.Send(context.Background(), "11999999999", p)
		var invalid *ErrInvalidPayload
		if !errors.As(err, &invalid) {
			t.Errorf("payload %+v: err = %v, want *ErrInvalidPayload", p, err)
		}
	}
	if client.calls() != 0 {
		t.Error("platform client invoked for invalid payloads")
	}
}

func TestSendInvalidDestination(t *testing.T) {
	client := &stubClient{}
	d, _, _ := newTestDispatcher(t, client, connector.StateConnected)

	_, err := d.Send(context.Background(), "123", textPayload("oi"))
	var invalid *identity.ErrInvalidIdentity
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want *identity.ErrInvalidIdentity", err)
	}
}

func TestSendRateLimited(t *testing.T) {
	client := &stubClient{}
	d, _, _ := newTestDispatcher(t, client, connector.StateConnected)

	// Exhaust the message burst tier.
	var last error
	for i := 0; i < ratelimit.DefaultLimits[ratelimit.CategoryMessage].Burst+1; i++ {
		_, last = d.Send(context.Background(), "11999999999", textPayload("oi"))
	}

	var limited *ratelimit.ErrRateLimited
	if !errors.As(last, &limited) {
		t.Fatalf("err = %v, want *ratelimit.ErrRateLimited", last)
	}
	if limited.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want > 0", limited.RetryAfter)
	}
}

// ---------------------------------------------------------------------------
// Send path
// ---------------------------------------------------------------------------

func TestSendSuccessPersistsSent(t *testing.T) {
	client := &stubClient{}
	d, store, _ := newTestDispatcher(t, client, connector.StateConnected)

	acc, err := d.Send(context.Background(), "11999999999", textPayload("olá"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if acc.Destination != "5511999999999@c.us" {
		t.Errorf("destination = %s", acc.Destination)
	}
	if acc.PlatformID == "" {
		t.Error("missing platform id")
	}

	rec, err := store.Get(context.Background(), acc.LocalID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec == nil {
		t.Fatal("record not persisted")
	}
	if rec.Status != StatusSent {
		t.Errorf("status = %s, want SENT", rec.Status)
	}
	if rec.PlatformID != acc.PlatformID {
		t.Errorf("platform id mismatch: %s != %s", rec.PlatformID, acc.PlatformID)
	}
}

func TestSendRecoversDestinationFromPlatformID(t *testing.T) {
	client := &stubClient{send: func(to string) (string, error) {
		// The platform rewrites the chat identity in the returned id.
		return "true_5511888888888@c.us_REF123", nil
	}}
	d, _, _ := newTestDispatcher(t, client, connector.StateConnected)

	acc, err := d.Send(context.Background(), "11999999999", textPayload("oi"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if acc.Destination != "5511888888888@c.us" {
		t.Errorf("destination = %s, want the platform's canonical identity", acc.Destination)
	}
}

func TestSendTransientFailureRetries(t *testing.T) {
	attempts := 0
	client := &stubClient{}
	client.send = func(to string) (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("ECONNRESET")
		}
		return okSend(to)
	}
	d, store, _ := newTestDispatcher(t, client, connector.StateConnected)

	acc, err := d.Send(context.Background(), "11999999999", textPayload("oi"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if acc.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", acc.Attempts)
	}

	rec, _ := store.Get(context.Background(), acc.LocalID)
	if rec.RetryCount != 3 {
		t.Errorf("persisted retry count = %d, want 3", rec.RetryCount)
	}
}

func TestSendExhaustionPersistsError(t *testing.T) {
	client := &stubClient{send: func(to string) (string, error) {
		return "", errors.New("ERR_SOCKET_CLOSED")
	}}
	d, store, _ := newTestDispatcher(t, client, connector.StateConnected)

	_, err := d.Send(context.Background(), "11999999999", textPayload("oi"))
	var failed *ErrSendFailed
	if !errors.As(err, &failed) {
		t.Fatalf("err = %v, want *ErrSendFailed", err)
	}
	if failed.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", failed.Attempts)
	}

	rec, qerr := store.Get(context.Background(), failed.LocalID)
	if qerr != nil || rec == nil {
		t.Fatalf("get record: %v", qerr)
	}
	if rec.Status != StatusError {
		t.Errorf("status = %s, want ERROR", rec.Status)
	}
	if rec.LastError == "" {
		t.Error("last error not recorded")
	}
}

func TestSendPermanentPlatformFailureSkipsRetry(t *testing.T) {
	client := &stubClient{send: func(to string) (string, error) {
		return "", errors.New("Session not connected")
	}}
	d, _, _ := newTestDispatcher(t, client, connector.StateConnected)

	_, err := d.Send(context.Background(), "11999999999", textPayload("oi"))
	var failed *ErrSendFailed
	if !errors.As(err, &failed) {
		t.Fatalf("err = %v, want *ErrSendFailed", err)
	}
	if client.calls() != 1 {
		t.Errorf("platform called %d times for a permanent failure, want 1", client.calls())
	}
}

func TestCheckIdentity(t *testing.T) {
	client := &stubClient{exists: true}
	d, _, _ := newTestDispatcher(t, client, connector.StateConnected)

	id, exists, err := d.CheckIdentity(context.Background(), "(11) 99999-9999")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !exists {
		t.Error("exists = false")
	}
	if id != "5511999999999@c.us" {
		t.Errorf("id = %s", id)
	}
}

// ---------------------------------------------------------------------------
// Platform id parsing
// ---------------------------------------------------------------------------

func TestParsePlatformID(t *testing.T) {
	cases := []struct {
		in   string
		want PlatformID
		err  bool
	}{
		{"true_5511999999999@c.us_3EB0C127", PlatformID{FromMe: true, Remote: "5511999999999@c.us", Ref: "3EB0C127"}, false},
		{"false_120363041234567890@g.us_AAFF00", PlatformID{FromMe: false, Remote: "120363041234567890@g.us", Ref: "AAFF00"}, false},
		{"3EB0C127D1C7B2A2", PlatformID{Ref: "3EB0C127D1C7B2A2"}, false},
		{"true_garbage", PlatformID{}, true},
		{"", PlatformID{}, true},
	}
	for _, c := range cases {
		got, err := ParsePlatformID(c.in)
		if c.err {
			if err == nil {
				t.Errorf("ParsePlatformID(%q) succeeded, want error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePlatformID(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParsePlatformID(%q) = %+v, want %+v", c.in, got, c.want)
		}
	}
}

func TestPlatformIDRoundTrip(t *testing.T) {
	in := "true_5511999999999@c.us_3EB0C127"
	pid, err := ParsePlatformID(in)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if pid.String() != in {
		t.Errorf("round trip: %s != %s", pid.String(), in)
	}
}
