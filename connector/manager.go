package connector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fernandinhomartins40/ferraco-sub000/events"
)

// Manager owns the single external session and serializes every state
// transition. Platform callbacks do not mutate state directly: they enqueue
// updates onto internal channels consumed by one processing loop, so
// same-source ordering is preserved while push and poll sources interleave
// freely elsewhere.
type Manager struct {
	client      Client
	broadcaster *events.Broadcaster
	store       *Store
	logger      *slog.Logger

	heartbeatEvery time.Duration
	reinitCooldown time.Duration

	mu            sync.Mutex
	state         State
	pairingCode   string
	connectedAt   time.Time
	lastHeartbeat time.Time
	initializing  bool // in-flight guard: concurrent Initialize calls no-op
	terminal      bool // caller requested shutdown, suppress auto-reinit

	statusCh  chan StatusUpdate
	inboundCh chan ChatMessage

	lifecycleCtx    context.Context
	lifecycleCancel context.CancelFunc
	wg              sync.WaitGroup
	started         bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithHeartbeatInterval overrides the liveness probe cadence. Default: 30s.
func WithHeartbeatInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.heartbeatEvery = d }
}

// WithReinitCooldown overrides the pause between an unrequested disconnect
// and the automatic re-initialize. Default: 2s.
func WithReinitCooldown(d time.Duration) ManagerOption {
	return func(m *Manager) { m.reinitCooldown = d }
}

// WithStore sets the conversation/inbound persistence collaborator.
// Without a store, sync results and inbound messages are broadcast only.
func WithStore(s *Store) ManagerOption {
	return func(m *Manager) { m.store = s }
}

// NewManager creates a Manager around the given capability-set client.
// Call Start before any other method.
func NewManager(client Client, broadcaster *events.Broadcaster, opts ...ManagerOption) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		client:          client,
		broadcaster:     broadcaster,
		logger:          slog.Default(),
		heartbeatEvery:  30 * time.Second,
		reinitCooldown:  2 * time.Second,
		state:           StateUninitialized,
		statusCh:        make(chan StatusUpdate, 16),
		inboundCh:       make(chan ChatMessage, 64),
		lifecycleCtx:    ctx,
		lifecycleCancel: cancel,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start registers platform callbacks and launches the processing and
// heartbeat loops. It does not initialize the session; call Initialize.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.client.OnSessionStatus(func(u StatusUpdate) {
		select {
		case m.statusCh <- u:
		case <-m.lifecycleCtx.Done():
		}
	})
	m.client.OnIncomingMessage(func(msg ChatMessage) {
		select {
		case m.inboundCh <- msg:
		case <-m.lifecycleCtx.Done():
		}
	})

	m.wg.Add(2)
	go m.run()
	go m.heartbeatLoop()
}

// Initialize starts session pairing. Concurrent calls while one is in
// flight are no-ops, as is calling on an already connected session. On
// failure the state machine returns to its previous stable state.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.initializing {
		m.mu.Unlock()
		m.logger.Debug("connector: initialize already in flight, ignoring")
		return nil
	}
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	prev := m.state
	m.initializing = true
	m.terminal = false
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.initializing = false
		m.mu.Unlock()
	}()

	m.transition(StatePairing, "initialize requested")

	if err := m.client.Initialize(ctx); err != nil {
		m.logger.Error("connector: client initialize failed", "error", err)
		m.transition(prev, "initialize failed")
		return fmt.Errorf("connector: initialize: %w", err)
	}
	return nil
}

// Disconnect tears the session down terminally: the automatic reinit after
// a platform-reported loss is suppressed until the next Initialize.
// Idempotent and safe to call from the shutdown path.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.terminal = true
	already := m.state == StateDisconnected
	m.mu.Unlock()

	if err := m.client.Close(ctx); err != nil {
		m.logger.Warn("connector: client close failed", "error", err)
	}
	if !already {
		m.transition(StateDisconnected, "disconnect requested")
	}
	return nil
}

// Reinitialize closes the current session and starts a fresh pairing after
// the cooldown.
func (m *Manager) Reinitialize(ctx context.Context) error {
	m.mu.Lock()
	m.terminal = false
	m.mu.Unlock()

	if err := m.client.Close(ctx); err != nil {
		m.logger.Warn("connector: client close failed", "error", err)
	}
	m.transition(StateReinitializing, "reinitialize requested")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.reinitCooldown):
	}
	return m.Initialize(ctx)
}

// Status returns a read-only snapshot of the session.
func (m *Manager) Status() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:           m.state,
		StateName:       m.state.String(),
		HasPairingCode:  m.pairingCode != "",
		ConnectedAt:     m.connectedAt,
		LastHeartbeatAt: m.lastHeartbeat,
	}
}

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PairingCode returns the current QR payload (base64 PNG data URL).
// ok is false outside the PAIRING state.
func (m *Manager) PairingCode() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StatePairing || m.pairingCode == "" {
		return "", false
	}
	return m.pairingCode, true
}

// Session returns the live capability-set handle together with the state it
// was observed in. Callers must treat the handle as read-only: all session
// state mutation flows through the Manager.
func (m *Manager) Session() (Client, State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client, m.state
}

// Stop cancels the background loops and closes the client. Used on process
// shutdown after Disconnect.
func (m *Manager) Stop() {
	m.lifecycleCancel()
	m.wg.Wait()
}

// ---------------------------------------------------------------------------
// Internal loops
// ---------------------------------------------------------------------------

func (m *Manager) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.lifecycleCtx.Done():
			return
		case u := <-m.statusCh:
			m.handleStatus(u)
		case msg := <-m.inboundCh:
			m.handleInbound(msg)
		}
	}
}

func (m *Manager) handleStatus(u StatusUpdate) {
	switch u.Kind {
	case StatusQR:
		// Repeated QR issuance keeps the session in PAIRING; the stored
		// payload is replaced and re-broadcast.
		m.mu.Lock()
		m.state = StatePairing
		m.pairingCode = u.QR
		m.mu.Unlock()
		m.broadcaster.Publish(events.TypeQR, map[string]string{"qr": u.QR})
		m.broadcastStatus()
		m.logger.Info("connector: pairing code issued")

	case StatusReady:
		m.mu.Lock()
		m.state = StateConnected
		m.pairingCode = ""
		m.connectedAt = time.Now()
		m.mu.Unlock()
		m.broadcaster.Publish(events.TypeReady, nil)
		m.broadcastStatus()
		m.logger.Info("connector: session connected")

		// Best-effort: a failing sync never affects the state machine.
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.syncConversations()
		}()

	case StatusDisconnected:
		m.mu.Lock()
		m.state = StateDisconnected
		m.pairingCode = ""
		terminal := m.terminal
		m.mu.Unlock()
		m.broadcaster.Publish(events.TypeDisconnected, map[string]string{"reason": u.Reason})
		m.broadcastStatus()
		m.logger.Warn("connector: session lost", "reason", u.Reason)

		if !terminal {
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.autoReinit()
			}()
		}

	default:
		m.logger.Warn("connector: unknown status kind", "kind", u.Kind)
	}
}

// autoReinit re-pairs after an unrequested session loss.
func (m *Manager) autoReinit() {
	m.transition(StateReinitializing, "automatic reinit after session loss")

	select {
	case <-m.lifecycleCtx.Done():
		return
	case <-time.After(m.reinitCooldown):
	}

	if err := m.Initialize(m.lifecycleCtx); err != nil {
		m.logger.Error("connector: automatic reinit failed", "error", err)
	}
}

func (m *Manager) handleInbound(msg ChatMessage) {
	if m.store != nil {
		if err := m.store.SaveInbound(m.lifecycleCtx, msg); err != nil {
			m.logger.Error("connector: persist inbound failed",
				"platform_id", msg.PlatformID, "error", err)
		}
	}
	m.broadcaster.Publish(events.TypeMessageNew, msg)
}

// syncConversations pulls the chat list after connecting so the CRM has an
// up-to-date conversation index.
func (m *Manager) syncConversations() {
	ctx, cancel := context.WithTimeout(m.lifecycleCtx, 30*time.Second)
	defer cancel()

	convs, err := m.client.Conversations(ctx)
	if err != nil {
		m.logger.Warn("connector: conversation sync failed", "error", err)
		return
	}
	if m.store != nil {
		if err := m.store.SaveConversations(ctx, convs); err != nil {
			m.logger.Warn("connector: persist conversations failed", "error", err)
			return
		}
	}
	m.logger.Info("connector: conversations synced", "count", len(convs))
}

func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-m.lifecycleCtx.Done():
			return
		case <-ticker.C:
			if m.State() != StateConnected {
				continue
			}
			ctx, cancel := context.WithTimeout(m.lifecycleCtx, 5*time.Second)
			alive, err := m.client.Alive(ctx)
			cancel()
			if err != nil {
				// Heartbeat failures are advisory; the platform status
				// callback is the authority for DISCONNECTED.
				m.logger.Warn("connector: heartbeat probe failed", "error", err)
				continue
			}
			if !alive {
				m.logger.Warn("connector: heartbeat reports session not alive")
				continue
			}
			m.mu.Lock()
			m.lastHeartbeat = time.Now()
			m.mu.Unlock()
			m.persistRuntime()
		}
	}
}

// persistRuntime mirrors the in-memory session state into the runtime
// status row. Failures are advisory, like the heartbeat itself.
func (m *Manager) persistRuntime() {
	if m.store == nil {
		return
	}
	m.mu.Lock()
	state := m.state.String()
	hb := m.lastHeartbeat
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.store.TouchRuntime(ctx, state, hb); err != nil {
		m.logger.Warn("connector: persist runtime status failed", "error", err)
	}
}

// transition applies a state change and broadcasts it. All writes to the
// session state funnel through here or handleStatus, both serialized by mu.
func (m *Manager) transition(to State, cause string) {
	m.mu.Lock()
	from := m.state
	m.state = to
	if to != StatePairing {
		m.pairingCode = ""
	}
	m.mu.Unlock()

	if from != to {
		m.logger.Info("connector: state transition",
			"from", from.String(), "to", to.String(), "cause", cause)
	}
	m.broadcastStatus()
	m.persistRuntime()
}

func (m *Manager) broadcastStatus() {
	m.broadcaster.Publish(events.TypeStatus, m.Status())
}
