// Package wweb drives the messaging platform's web client in a headless
// Chrome through go-rod, and adapts it to the connector.Client capability
// set. Everything platform-specific lives here; the connector core and the
// dispatcher never see a browser.
package wweb

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/ysmood/gson"

	"github.com/fernandinhomartins40/ferraco-sub000/connector"
)

const (
	defaultURL          = "https://web.whatsapp.com"
	defaultPollInterval = time.Second
	defaultNavTimeout   = 60 * time.Second
	evalTimeout         = 15 * time.Second
)

// Config configures the browser-backed session.
type Config struct {
	// URL of the web client. Overridable for test fixtures.
	URL string

	// RemoteURL is the DevTools WebSocket of an external Chrome.
	// Empty = launch a local one.
	RemoteURL string

	// UserDataDir persists the Chrome profile so pairing survives
	// restarts. Empty = throwaway profile, QR on every start.
	UserDataDir string

	// Headless toggles headless Chrome. Default true.
	Headless bool

	// PollInterval is the cadence of the login/QR watcher.
	PollInterval time.Duration

	// NavigateTimeout bounds initial page load.
	NavigateTimeout time.Duration
}

func (c *Config) defaults() {
	if c.URL == "" {
		c.URL = defaultURL
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = defaultNavTimeout
	}
}

// Client implements connector.Client on top of a rod-driven page.
type Client struct {
	cfg    Config
	logger *slog.Logger
	mgr    *browserManager

	ready atomic.Bool

	mu         sync.Mutex
	onMessage  func(connector.ChatMessage)
	onAck      func(connector.AckUpdate)
	onStatus   func(connector.StatusUpdate)
	stopExpose func() error
	done       chan struct{}
	lastQRRef  string

	wg sync.WaitGroup
}

// Option customizes the client.
type Option func(*Client)

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New builds a client; the browser starts on Initialize.
func New(cfg Config, opts ...Option) *Client {
	cfg.defaults()
	c := &Client{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	c.mgr = newBrowserManager(cfg, c.logger)
	return c
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Initialize launches Chrome, loads the web client and starts the watcher
// that turns page observations into session status callbacks.
func (c *Client) Initialize(ctx context.Context) error {
	page, err := c.mgr.start()
	if err != nil {
		return err
	}

	navCtx, cancel := context.WithTimeout(ctx, c.cfg.NavigateTimeout)
	defer cancel()
	if err := page.Context(navCtx).Navigate(c.cfg.URL); err != nil {
		c.mgr.stop()
		return fmt.Errorf("wweb: navigate: %w", err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		c.logger.Warn("wweb: page load wait", "error", err)
	}

	stop, err := page.Expose("__connectorEmit", c.handleEmit)
	if err != nil {
		c.mgr.stop()
		return fmt.Errorf("wweb: expose binding: %w", err)
	}

	c.mu.Lock()
	c.stopExpose = stop
	c.lastQRRef = ""
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	c.wg.Add(1)
	go c.watch(done)

	c.logger.Info("wweb: session starting", "url", c.cfg.URL)
	return nil
}

// Close tears the session down. Idempotent.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.done = nil
	stop := c.stopExpose
	c.stopExpose = nil
	c.mu.Unlock()

	if done != nil {
		close(done)
	}
	c.wg.Wait()
	if stop != nil {
		_ = stop()
	}
	c.ready.Store(false)
	c.mgr.stop()
	return nil
}

// Alive probes the page with a trivial eval.
func (c *Client) Alive(ctx context.Context) (bool, error) {
	page := c.mgr.currentPage()
	if page == nil {
		return false, nil
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := page.Context(probeCtx).Eval(`() => true`); err != nil {
		return false, fmt.Errorf("wweb: alive probe: %w", err)
	}
	return true, nil
}

// ---------------------------------------------------------------------------
// Page watcher
// ---------------------------------------------------------------------------

// watch polls the page and raises QR / ready / disconnected callbacks.
func (c *Client) watch(done <-chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	evalFails := 0
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		page := c.mgr.currentPage()
		if page == nil {
			return
		}

		res, err := page.Timeout(evalTimeout).Eval(loginStateJS)
		if err != nil {
			evalFails++
			if c.ready.Load() && evalFails >= 3 {
				c.ready.Store(false)
				c.emitStatus(connector.StatusUpdate{
					Kind:   connector.StatusDisconnected,
					Reason: fmt.Sprintf("page unresponsive: %v", err),
				})
			}
			continue
		}
		evalFails = 0

		switch res.Value.Str() {
		case "qr":
			if c.ready.Swap(false) {
				c.emitStatus(connector.StatusUpdate{
					Kind:   connector.StatusDisconnected,
					Reason: "session logged out",
				})
				continue
			}
			c.pollQR(page)
		case "ready":
			if c.ready.Load() {
				continue
			}
			if err := c.injectBridge(page); err != nil {
				c.logger.Warn("wweb: bridge injection", "error", err)
				continue
			}
			c.ready.Store(true)
			c.emitStatus(connector.StatusUpdate{Kind: connector.StatusReady})
		}
	}
}

// pollQR re-reads the pairing code; a new data-ref means the platform
// rotated the code and the previous payload is void.
func (c *Client) pollQR(page *rod.Page) {
	res, err := page.Timeout(evalTimeout).Eval(qrCaptureJS)
	if err != nil {
		c.logger.Debug("wweb: qr capture", "error", err)
		return
	}
	ref := res.Value.Get("ref").Str()
	png := res.Value.Get("png").Str()
	if ref == "" || png == "" {
		return
	}

	c.mu.Lock()
	changed := ref != c.lastQRRef
	c.lastQRRef = ref
	c.mu.Unlock()
	if !changed {
		return
	}

	c.logger.Info("wweb: pairing code issued")
	c.emitStatus(connector.StatusUpdate{Kind: connector.StatusQR, QR: png})
}

func (c *Client) injectBridge(page *rod.Page) error {
	res, err := page.Timeout(evalTimeout).Eval(bridgeJS)
	if err != nil {
		return fmt.Errorf("wweb: inject bridge: %w", err)
	}
	if !res.Value.Bool() {
		return fmt.Errorf("wweb: bridge could not bind to module runtime")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Event plumbing
// ---------------------------------------------------------------------------

type emitEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type wireMessage struct {
	PlatformID string `json:"platform_id"`
	ChatID     string `json:"chat_id"`
	Sender     string `json:"sender"`
	Body       string `json:"body"`
	Kind       string `json:"kind"`
	FromMe     bool   `json:"from_me"`
	Timestamp  int64  `json:"timestamp"`
}

type wireAck struct {
	PlatformID string `json:"platform_id"`
	Code       int    `json:"code"`
}

// handleEmit receives JSON envelopes pushed by the in-page bridge.
func (c *Client) handleEmit(arg gson.JSON) (interface{}, error) {
	var env emitEnvelope
	if err := json.Unmarshal([]byte(arg.Str()), &env); err != nil {
		return nil, fmt.Errorf("wweb: decode emit payload: %w", err)
	}

	switch env.Kind {
	case "message":
		var m wireMessage
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return nil, fmt.Errorf("wweb: decode message: %w", err)
		}
		c.mu.Lock()
		fn := c.onMessage
		c.mu.Unlock()
		if fn != nil {
			fn(m.toChatMessage())
		}
	case "ack":
		var a wireAck
		if err := json.Unmarshal(env.Data, &a); err != nil {
			return nil, fmt.Errorf("wweb: decode ack: %w", err)
		}
		c.mu.Lock()
		fn := c.onAck
		c.mu.Unlock()
		if fn != nil {
			fn(connector.AckUpdate{PlatformID: a.PlatformID, Code: a.Code})
		}
	default:
		c.logger.Debug("wweb: unknown emit kind", "kind", env.Kind)
	}
	return nil, nil
}

func (m wireMessage) toChatMessage() connector.ChatMessage {
	return connector.ChatMessage{
		PlatformID: m.PlatformID,
		ChatID:     m.ChatID,
		Sender:     m.Sender,
		Body:       m.Body,
		Kind:       m.Kind,
		FromMe:     m.FromMe,
		Timestamp:  time.Unix(m.Timestamp, 0),
	}
}

func (c *Client) emitStatus(u connector.StatusUpdate) {
	c.mu.Lock()
	fn := c.onStatus
	c.mu.Unlock()
	if fn != nil {
		fn(u)
	}
}

func (c *Client) OnIncomingMessage(fn func(connector.ChatMessage)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *Client) OnAck(fn func(connector.AckUpdate)) {
	c.mu.Lock()
	c.onAck = fn
	c.mu.Unlock()
}

func (c *Client) OnSessionStatus(fn func(connector.StatusUpdate)) {
	c.mu.Lock()
	c.onStatus = fn
	c.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Sends
// ---------------------------------------------------------------------------

func (c *Client) send(ctx context.Context, to string, payload map[string]any) (string, error) {
	page, err := c.readyPage()
	if err != nil {
		return "", err
	}
	evalCtx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()
	res, err := page.Context(evalCtx).Eval(
		`(to, p) => window.__connector.send(to, p)`, to, payload)
	if err != nil {
		return "", fmt.Errorf("wweb: send: %w", err)
	}
	id := res.Value.Str()
	if id == "" {
		return "", fmt.Errorf("wweb: send returned no message id")
	}
	return id, nil
}

func (c *Client) SendText(ctx context.Context, to, text string) (string, error) {
	return c.send(ctx, to, map[string]any{"body": text})
}

func (c *Client) SendMedia(ctx context.Context, to string, m connector.Media) (string, error) {
	return c.send(ctx, to, map[string]any{
		"type":      mediaType(m.Kind),
		"body":      m.Caption,
		"caption":   m.Caption,
		"filename":  m.Filename,
		"mimetype":  m.MimeType,
		"mediaData": base64.StdEncoding.EncodeToString(m.Data),
	})
}

func (c *Client) SendLocation(ctx context.Context, to string, l connector.Location) (string, error) {
	return c.send(ctx, to, map[string]any{
		"type": "location",
		"lat":  l.Latitude,
		"lng":  l.Longitude,
		"loc":  l.Description,
	})
}

func (c *Client) SendContact(ctx context.Context, to string, cc connector.ContactCard) (string, error) {
	return c.send(ctx, to, map[string]any{
		"type": "vcard",
		"body": buildVCard(cc),
	})
}

func (c *Client) SendList(ctx context.Context, to string, l connector.ListMessage) (string, error) {
	rows := make([]map[string]any, 0, len(l.Options))
	for i, opt := range l.Options {
		rows = append(rows, map[string]any{
			"rowId": fmt.Sprintf("row_%d", i+1),
			"title": opt,
		})
	}
	return c.send(ctx, to, map[string]any{
		"type":        "list",
		"title":       l.Title,
		"description": l.Description,
		"buttonText":  l.ButtonText,
		"sections":    []map[string]any{{"rows": rows}},
	})
}

func (c *Client) SendPoll(ctx context.Context, to string, p connector.Poll) (string, error) {
	selectable := 1
	if p.MultipleAnswers {
		selectable = 0 // platform convention: 0 = no cap
	}
	return c.send(ctx, to, map[string]any{
		"type":                       "poll_creation",
		"pollName":                   p.Question,
		"pollOptions":                pollOptions(p.Options),
		"pollSelectableOptionsCount": selectable,
	})
}

// mediaType maps the dispatcher's media kinds to the web client's message
// types. "file" travels as a document.
func mediaType(kind string) string {
	switch kind {
	case "image":
		return "image"
	case "video":
		return "video"
	case "audio":
		return "ptt"
	default:
		return "document"
	}
}

// buildVCard renders a minimal vCard 3.0 for a shared contact.
func buildVCard(cc connector.ContactCard) string {
	return "BEGIN:VCARD\n" +
		"VERSION:3.0\n" +
		"FN:" + cc.Name + "\n" +
		"TEL;type=CELL;waid=" + digitsOnly(cc.Phone) + ":" + cc.Phone + "\n" +
		"END:VCARD"
}

func digitsOnly(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			out = append(out, s[i])
		}
	}
	return string(out)
}

func pollOptions(opts []string) []map[string]any {
	out := make([]map[string]any, 0, len(opts))
	for i, o := range opts {
		out = append(out, map[string]any{"name": o, "localId": i})
	}
	return out
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

func (c *Client) Conversations(ctx context.Context) ([]connector.Conversation, error) {
	page, err := c.readyPage()
	if err != nil {
		return nil, err
	}
	evalCtx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()
	res, err := page.Context(evalCtx).Eval(
		`() => JSON.stringify(window.__connector.chats())`)
	if err != nil {
		return nil, fmt.Errorf("wweb: list chats: %w", err)
	}

	var wire []struct {
		ChatID       string `json:"chat_id"`
		Name         string `json:"name"`
		IsGroup      bool   `json:"is_group"`
		Unread       int    `json:"unread"`
		LastActivity int64  `json:"last_activity"`
	}
	if err := json.Unmarshal([]byte(res.Value.Str()), &wire); err != nil {
		return nil, fmt.Errorf("wweb: decode chats: %w", err)
	}
	out := make([]connector.Conversation, 0, len(wire))
	for _, w := range wire {
		out = append(out, connector.Conversation{
			ID:           w.ChatID,
			Name:         w.Name,
			IsGroup:      w.IsGroup,
			UnreadCount:  w.Unread,
			LastActivity: time.Unix(w.LastActivity, 0),
		})
	}
	return out, nil
}

func (c *Client) Messages(ctx context.Context, chatID string, count int) ([]connector.ChatMessage, error) {
	page, err := c.readyPage()
	if err != nil {
		return nil, err
	}
	evalCtx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()
	res, err := page.Context(evalCtx).Eval(
		`async (chatId, count) => JSON.stringify(await window.__connector.messages(chatId, count))`,
		chatID, count)
	if err != nil {
		return nil, fmt.Errorf("wweb: chat messages: %w", err)
	}

	var wire []wireMessage
	if err := json.Unmarshal([]byte(res.Value.Str()), &wire); err != nil {
		return nil, fmt.Errorf("wweb: decode messages: %w", err)
	}
	out := make([]connector.ChatMessage, 0, len(wire))
	for _, w := range wire {
		out = append(out, w.toChatMessage())
	}
	return out, nil
}

func (c *Client) IdentityExists(ctx context.Context, id string) (bool, error) {
	page, err := c.readyPage()
	if err != nil {
		return false, err
	}
	evalCtx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()
	res, err := page.Context(evalCtx).Eval(
		`(id) => window.__connector.exists(id)`, id)
	if err != nil {
		return false, fmt.Errorf("wweb: identity lookup: %w", err)
	}
	return res.Value.Bool(), nil
}

func (c *Client) MessageAck(ctx context.Context, platformID string) (int, error) {
	page, err := c.readyPage()
	if err != nil {
		return 0, err
	}
	evalCtx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()
	res, err := page.Context(evalCtx).Eval(
		`(id) => window.__connector.ack(id)`, platformID)
	if err != nil {
		return 0, fmt.Errorf("wweb: ack lookup: %w", err)
	}
	code := res.Value.Int()
	if code == -99 {
		return 0, fmt.Errorf("wweb: message %s not in page cache", platformID)
	}
	return code, nil
}

func (c *Client) readyPage() (*rod.Page, error) {
	if !c.ready.Load() {
		return nil, fmt.Errorf("wweb: session not initialized")
	}
	page := c.mgr.currentPage()
	if page == nil {
		return nil, fmt.Errorf("wweb: session not initialized")
	}
	return page, nil
}
