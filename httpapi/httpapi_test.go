package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/fernandinhomartins40/ferraco-sub000/connector"
	"github.com/fernandinhomartins40/ferraco-sub000/dispatch"
	"github.com/fernandinhomartins40/ferraco-sub000/events"
	"github.com/fernandinhomartins40/ferraco-sub000/identity"
	"github.com/fernandinhomartins40/ferraco-sub000/ratelimit"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type stubManager struct {
	initErr    error
	snapshot   connector.Snapshot
	code       string
	hasCode    bool
	initCalls  int
	closeCalls int
}

func (m *stubManager) Initialize(ctx context.Context) error {
	m.initCalls++
	return m.initErr
}
func (m *stubManager) Disconnect(ctx context.Context) error {
	m.closeCalls++
	return nil
}
func (m *stubManager) Reinitialize(ctx context.Context) error { return nil }
func (m *stubManager) Status() connector.Snapshot             { return m.snapshot }
func (m *stubManager) PairingCode() (string, bool)            { return m.code, m.hasCode }
func (m *stubManager) Session() (connector.Client, connector.State) {
	return nil, m.snapshot.State
}

type stubSender struct {
	acc     *dispatch.Accepted
	sendErr error
	msg     *dispatch.OutboundMessage
}

func (s *stubSender) Send(ctx context.Context, dest string, p dispatch.Payload) (*dispatch.Accepted, error) {
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	return s.acc, nil
}
func (s *stubSender) CheckIdentity(ctx context.Context, raw string) (identity.Identity, bool, error) {
	return identity.Identity("5511999999999@c.us"), true, nil
}
func (s *stubSender) Message(ctx context.Context, localID string) (*dispatch.OutboundMessage, error) {
	return s.msg, nil
}

const adminPassword = "connector-admin"

func newTestServer(t *testing.T, mgr SessionController, snd Sender) http.Handler {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	b := events.New()
	t.Cleanup(b.Close)
	return New(mgr, snd, b, string(hash)).Router()
}

func doRequest(t *testing.T, h http.Handler, method, path, body string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if auth {
		req.SetBasicAuth("admin", adminPassword)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ---------------------------------------------------------------------------
// Auth
// ---------------------------------------------------------------------------

func TestHealthIsOpen(t *testing.T) {
	h := newTestServer(t, &stubManager{}, &stubSender{})
	rec := doRequest(t, h, "GET", "/health", "", false)
	if rec.Code != 200 {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestAdminRoutesRequireAuth(t *testing.T) {
	h := newTestServer(t, &stubManager{}, &stubSender{})

	rec := doRequest(t, h, "GET", "/api/connector/status", "", false)
	if rec.Code != 401 {
		t.Errorf("no auth: status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest("GET", "/api/connector/status", nil)
	req.SetBasicAuth("admin", "wrong-password")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != 401 {
		t.Errorf("wrong password: status = %d, want 401", rec.Code)
	}
}

func TestNoHashDisablesAdmin(t *testing.T) {
	b := events.New()
	t.Cleanup(b.Close)
	h := New(&stubManager{}, &stubSender{}, b, "").Router()
	rec := doRequest(t, h, "GET", "/api/connector/status", "", true)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Session lifecycle
// ---------------------------------------------------------------------------

func TestInitialize(t *testing.T) {
	mgr := &stubManager{snapshot: connector.Snapshot{StateName: "PAIRING"}}
	h := newTestServer(t, mgr, &stubSender{})

	rec := doRequest(t, h, "POST", "/api/connector/initialize", "", true)
	if rec.Code != 202 {
		t.Errorf("status = %d, want 202", rec.Code)
	}
	if mgr.initCalls != 1 {
		t.Errorf("init calls = %d", mgr.initCalls)
	}
}

func TestStatus(t *testing.T) {
	mgr := &stubManager{snapshot: connector.Snapshot{
		StateName:      "CONNECTED",
		HasPairingCode: false,
		ConnectedAt:    time.Now(),
	}}
	h := newTestServer(t, mgr, &stubSender{})

	rec := doRequest(t, h, "GET", "/api/connector/status", "", true)
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["state"] != "CONNECTED" {
		t.Errorf("state = %v", body["state"])
	}
}

func TestQR(t *testing.T) {
	mgr := &stubManager{}
	h := newTestServer(t, mgr, &stubSender{})

	rec := doRequest(t, h, "GET", "/api/connector/qr", "", true)
	if rec.Code != 404 {
		t.Errorf("no code: status = %d, want 404", rec.Code)
	}

	mgr.code, mgr.hasCode = "data:image/png;base64,AAAA", true
	rec = doRequest(t, h, "GET", "/api/connector/qr", "", true)
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["qr"] != mgr.code {
		t.Errorf("qr = %q", body["qr"])
	}
}

// ---------------------------------------------------------------------------
// Messaging
// ---------------------------------------------------------------------------

func TestSend(t *testing.T) {
	snd := &stubSender{acc: &dispatch.Accepted{
		LocalID:     "msg_abc",
		PlatformID:  "true_5511999999999@c.us_A1",
		Destination: identity.Identity("5511999999999@c.us"),
		Attempts:    1,
	}}
	h := newTestServer(t, &stubManager{}, snd)

	rec := doRequest(t, h, "POST", "/api/messages/",
		`{"to":"11999999999","payload":{"kind":"text","text":"olá"}}`, true)
	if rec.Code != 201 {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["local_id"] != "msg_abc" {
		t.Errorf("local_id = %v", body["local_id"])
	}
}

func TestSendErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{&dispatch.ErrNotConnected{State: connector.StateDisconnected}, 409},
		{&dispatch.ErrInvalidPayload{Kind: dispatch.KindText, Reason: "empty text"}, 400},
		{&identity.ErrInvalidIdentity{Input: "123", Reason: "too few digits"}, 400},
		{&ratelimit.ErrRateLimited{
			Category:   ratelimit.CategoryMessage,
			Tier:       "burst",
			RetryAfter: 3 * time.Second,
		}, 429},
		{&dispatch.ErrSendFailed{LocalID: "msg_x", Attempts: 3}, 502},
	}
	for _, c := range cases {
		h := newTestServer(t, &stubManager{}, &stubSender{sendErr: c.err})
		rec := doRequest(t, h, "POST", "/api/messages/",
			`{"to":"11999999999","payload":{"kind":"text","text":"oi"}}`, true)
		if rec.Code != c.code {
			t.Errorf("%T: status = %d, want %d", c.err, rec.Code, c.code)
		}
		if c.code == 429 && rec.Header().Get("Retry-After") == "" {
			t.Error("429 without Retry-After header")
		}
	}
}

func TestMessageLookup(t *testing.T) {
	snd := &stubSender{msg: &dispatch.OutboundMessage{
		LocalID: "msg_abc",
		Status:  dispatch.StatusDelivered,
	}}
	h := newTestServer(t, &stubManager{}, snd)

	rec := doRequest(t, h, "GET", "/api/messages/msg_abc", "", true)
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "DELIVERED" {
		t.Errorf("status = %v", body["status"])
	}

	h = newTestServer(t, &stubManager{}, &stubSender{})
	rec = doRequest(t, h, "GET", "/api/messages/msg_unknown", "", true)
	if rec.Code != 404 {
		t.Errorf("unknown id: status = %d, want 404", rec.Code)
	}
}

func TestCheckIdentity(t *testing.T) {
	h := newTestServer(t, &stubManager{}, &stubSender{})
	rec := doRequest(t, h, "POST", "/api/identity/check",
		`{"input":"(11) 99999-9999"}`, true)
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["exists"] != true || body["identity"] != "5511999999999@c.us" {
		t.Errorf("body = %v", body)
	}
}
