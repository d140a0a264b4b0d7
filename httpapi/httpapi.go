// Package httpapi exposes the connector's administrative surface: session
// lifecycle, message dispatch, delivery lookups and the event WebSocket.
// Every route except /health requires the admin password over Basic Auth.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/fernandinhomartins40/ferraco-sub000/connector"
	"github.com/fernandinhomartins40/ferraco-sub000/dispatch"
	"github.com/fernandinhomartins40/ferraco-sub000/events"
	"github.com/fernandinhomartins40/ferraco-sub000/identity"
	"github.com/fernandinhomartins40/ferraco-sub000/ratelimit"
	"github.com/fernandinhomartins40/ferraco-sub000/shield"
)

// SessionController is the slice of *connector.Manager the API drives.
type SessionController interface {
	Initialize(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Reinitialize(ctx context.Context) error
	Status() connector.Snapshot
	PairingCode() (string, bool)
	Session() (connector.Client, connector.State)
}

// Sender is the slice of *dispatch.Dispatcher the API drives.
type Sender interface {
	Send(ctx context.Context, dest string, p dispatch.Payload) (*dispatch.Accepted, error)
	CheckIdentity(ctx context.Context, raw string) (identity.Identity, bool, error)
	Message(ctx context.Context, localID string) (*dispatch.OutboundMessage, error)
}

// ConversationStore reads synced chats for the CRM-facing endpoints.
type ConversationStore interface {
	Conversations(ctx context.Context, limit int) ([]connector.Conversation, error)
}

// Server wires the admin router.
type Server struct {
	manager       SessionController
	sender        Sender
	conversations ConversationStore
	broadcaster   *events.Broadcaster
	passwordHash  string
	logger        *slog.Logger
}

// Option customizes the server.
type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithConversationStore enables the conversation listing endpoint.
func WithConversationStore(cs ConversationStore) Option {
	return func(s *Server) { s.conversations = cs }
}

// New builds a Server. passwordHash is the bcrypt hash of the admin
// password; an empty hash disables every admin route with 503.
func New(manager SessionController, sender Sender, broadcaster *events.Broadcaster, passwordHash string, opts ...Option) *Server {
	s := &Server{
		manager:      manager,
		sender:       sender,
		broadcaster:  broadcaster,
		passwordHash: passwordHash,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the chi router with the shield middleware stack.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack() {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireAdmin)

		r.Route("/api/connector", func(r chi.Router) {
			r.Post("/initialize", s.handleInitialize)
			r.Post("/disconnect", s.handleDisconnect)
			r.Post("/reinitialize", s.handleReinitialize)
			r.Get("/status", s.handleStatus)
			r.Get("/qr", s.handleQR)
		})

		r.Route("/api/messages", func(r chi.Router) {
			r.Post("/", s.handleSend)
			r.Get("/{localID}", s.handleMessage)
		})

		r.Post("/api/identity/check", s.handleCheckIdentity)
		r.Get("/api/conversations", s.handleConversations)
		r.Get("/api/events", s.broadcaster.ServeWS)
	})

	return r
}

// ---------------------------------------------------------------------------
// Auth
// ---------------------------------------------------------------------------

// requireAdmin checks the Basic Auth password against the bcrypt hash.
// The username is ignored; this is a single-operator surface.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.passwordHash == "" {
			writeJSON(w, http.StatusServiceUnavailable,
				map[string]string{"error": "admin password not configured"})
			return
		}
		_, password, ok := r.BasicAuth()
		if !ok || bcrypt.CompareHashAndPassword([]byte(s.passwordHash), []byte(password)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="connector"`)
			writeJSON(w, http.StatusUnauthorized,
				map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ---------------------------------------------------------------------------
// Session lifecycle
// ---------------------------------------------------------------------------

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Initialize(r.Context()); err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 202, s.manager.Status())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Disconnect(r.Context()); err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, s.manager.Status())
}

func (s *Server) handleReinitialize(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Reinitialize(r.Context()); err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 202, s.manager.Status())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, 200, s.manager.Status())
}

func (s *Server) handleQR(w http.ResponseWriter, _ *http.Request) {
	code, ok := s.manager.PairingCode()
	if !ok {
		writeJSON(w, 404, map[string]string{"error": "no pairing code available"})
		return
	}
	writeJSON(w, 200, map[string]string{"qr": code})
}

// ---------------------------------------------------------------------------
// Messaging
// ---------------------------------------------------------------------------

type sendRequest struct {
	To      string           `json:"to"`
	Payload dispatch.Payload `json:"payload"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	acc, err := s.sender.Send(r.Context(), req.To, req.Payload)
	if err != nil {
		writeErrorTyped(w, err)
		return
	}
	writeJSON(w, 201, acc)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	localID := chi.URLParam(r, "localID")
	msg, err := s.sender.Message(r.Context(), localID)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	if msg == nil {
		writeJSON(w, 404, map[string]string{"error": "unknown message id"})
		return
	}
	writeJSON(w, 200, map[string]any{
		"local_id":       msg.LocalID,
		"platform_id":    msg.PlatformID,
		"destination":    msg.Destination,
		"kind":           msg.PayloadKind,
		"status":         msg.Status,
		"retry_count":    msg.RetryCount,
		"last_error":     msg.LastError,
		"created_at":     msg.CreatedAt,
		"last_status_at": msg.LastStatusAt,
	})
}

func (s *Server) handleCheckIdentity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Input string `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	id, exists, err := s.sender.CheckIdentity(r.Context(), req.Input)
	if err != nil {
		writeErrorTyped(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{"identity": id, "exists": exists})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	if s.conversations == nil {
		writeJSON(w, 404, map[string]string{"error": "conversation sync disabled"})
		return
	}
	list, err := s.conversations.Conversations(r.Context(), 200)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	if list == nil {
		list = []connector.Conversation{}
	}
	writeJSON(w, 200, list)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// writeErrorTyped maps dispatch-layer errors onto HTTP statuses: 409 for a
// session that isn't connected, 400 for bad payloads or destinations, 429
// with Retry-After for rate limits, 502 when the platform refused the send.
func writeErrorTyped(w http.ResponseWriter, err error) {
	var notConnected *dispatch.ErrNotConnected
	var invalidPayload *dispatch.ErrInvalidPayload
	var invalidIdentity *identity.ErrInvalidIdentity
	var limited *ratelimit.ErrRateLimited
	var failed *dispatch.ErrSendFailed

	switch {
	case errors.As(err, &notConnected):
		writeError(w, http.StatusConflict, err)
	case errors.As(err, &invalidPayload), errors.As(err, &invalidIdentity):
		writeError(w, http.StatusBadRequest, err)
	case errors.As(err, &limited):
		w.Header().Set("Retry-After",
			strconv.Itoa(int(limited.RetryAfter.Seconds())))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":       err.Error(),
			"tier":        limited.Tier,
			"retry_after": limited.RetryAfter.Seconds(),
		})
	case errors.As(err, &failed):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":    err.Error(),
			"local_id": failed.LocalID,
			"attempts": failed.Attempts,
		})
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
