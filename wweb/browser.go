package wweb

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// userAgent is pinned to a mainstream Chrome build; the web client refuses
// browsers it considers outdated.
const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// browserManager owns the Chrome process behind one platform session:
// launch (or attach to a remote instance), open the stealth page, tear
// down. One session uses exactly one page.
type browserManager struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	page    *rod.Page
}

func newBrowserManager(cfg Config, logger *slog.Logger) *browserManager {
	return &browserManager{cfg: cfg, logger: logger}
}

// start launches Chrome and returns a stealth page ready to navigate.
func (m *browserManager) start() (*rod.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.page != nil {
		return m.page, nil
	}

	var wsURL string
	if m.cfg.RemoteURL != "" {
		wsURL = m.cfg.RemoteURL
		m.logger.Info("wweb: connecting to remote chrome", "url", wsURL)
	} else {
		l := launcher.New().
			Headless(m.cfg.Headless).
			Set("disable-blink-features", "AutomationControlled").
			Set("no-first-run").
			Set("disable-dev-shm-usage")
		if m.cfg.UserDataDir != "" {
			// Persisted profile keeps the pairing across restarts.
			l = l.UserDataDir(m.cfg.UserDataDir)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("wweb: launch chrome: %w", err)
		}
		wsURL = u
		m.lnch = l
		m.logger.Info("wweb: launched local chrome", "headless", m.cfg.Headless)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("wweb: connect chrome: %w", err)
	}
	m.browser = b

	page, err := stealth.Page(b)
	if err != nil {
		b.Close()
		m.browser = nil
		return nil, fmt.Errorf("wweb: stealth page: %w", err)
	}
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: userAgent}); err != nil {
		m.logger.Warn("wweb: set user agent", "error", err)
	}

	m.page = page
	return page, nil
}

// currentPage returns the active page, or nil before start / after stop.
func (m *browserManager) currentPage() *rod.Page {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.page
}

// stop tears down the page, browser and launched process. Idempotent.
func (m *browserManager) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.page != nil {
		if err := m.page.Close(); err != nil {
			m.logger.Debug("wweb: page close", "error", err)
		}
		m.page = nil
	}
	if m.browser != nil {
		if err := m.browser.Close(); err != nil {
			m.logger.Debug("wweb: browser close", "error", err)
		}
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
}
