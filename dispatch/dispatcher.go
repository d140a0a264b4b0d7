package dispatch

import (
	"context"
	"log/slog"

	"github.com/fernandinhomartins40/ferraco-sub000/connector"
	"github.com/fernandinhomartins40/ferraco-sub000/events"
	"github.com/fernandinhomartins40/ferraco-sub000/idgen"
	"github.com/fernandinhomartins40/ferraco-sub000/identity"
	"github.com/fernandinhomartins40/ferraco-sub000/ratelimit"
	"github.com/fernandinhomartins40/ferraco-sub000/retry"
)

// Accepted is the successful result of a Send.
type Accepted struct {
	LocalID     string            `json:"local_id"`
	PlatformID  string            `json:"platform_id"`
	Destination identity.Identity `json:"destination"`
	Attempts    int               `json:"attempts"`
}

// SessionSource hands out the live capability-set handle together with the
// state it was observed in. *connector.Manager is the production
// implementation; the handle is read-only for the dispatcher.
type SessionSource interface {
	Session() (connector.Client, connector.State)
}

// Dispatcher composes the normalizer, rate limiter, retry executor and the
// live session into the outbound send path.
type Dispatcher struct {
	manager     SessionSource
	limiter     *ratelimit.Limiter
	normalizer  *identity.Normalizer
	store       *Store
	broadcaster *events.Broadcaster
	exec        *retry.Executor
	newID       idgen.Generator
	logger      *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithRetryExecutor replaces the default retry budget (3 attempts, 2s base).
func WithRetryExecutor(e *retry.Executor) Option {
	return func(d *Dispatcher) { d.exec = e }
}

// WithIDGenerator replaces the local message id generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(d *Dispatcher) { d.newID = gen }
}

// NewDispatcher creates a Dispatcher. All collaborators are required except
// where an option provides a default.
func NewDispatcher(
	manager SessionSource,
	limiter *ratelimit.Limiter,
	normalizer *identity.Normalizer,
	store *Store,
	broadcaster *events.Broadcaster,
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		manager:     manager,
		limiter:     limiter,
		normalizer:  normalizer,
		store:       store,
		broadcaster: broadcaster,
		exec:        retry.New(),
		newID:       idgen.Prefixed("msg_", idgen.Default),
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Send dispatches one payload to a destination. Precondition failures
// (session state, payload shape, destination, rate limit) return
// immediately without touching the retry executor; only platform-side
// failures inside the retried operation consume the retry budget.
//
// The returned error is always one of the typed kinds in this package,
// *identity.ErrInvalidIdentity, or *ratelimit.ErrRateLimited.
func (d *Dispatcher) Send(ctx context.Context, rawDest string, p Payload) (*Accepted, error) {
	client, state := d.manager.Session()
	if state != connector.StateConnected {
		return nil, &ErrNotConnected{State: state}
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	dest, err := d.normalizer.Normalize(rawDest)
	if err != nil {
		return nil, err
	}

	cat := p.Category()
	if decision := d.limiter.Admit(cat, dest.String()); !decision.Allowed {
		return nil, &ratelimit.ErrRateLimited{
			Category:   cat,
			Tier:       decision.Tier,
			RetryAfter: decision.RetryAfter,
		}
	}

	localID := d.newID()
	if err := d.store.Create(ctx, localID, dest, p.Kind); err != nil {
		// A failed persistence write still lets the dispatch proceed;
		// the in-memory result is what callers depend on.
		d.logger.Error("dispatch: persist pending failed",
			"local_id", localID, "error", err)
	}

	attempts := 0
	var platformID string
	sendErr := d.exec.Do(ctx, func(ctx context.Context) error {
		attempts++
		id, err := d.invoke(ctx, client, dest, p)
		if err != nil {
			return err
		}
		platformID = id
		return nil
	})

	if sendErr != nil {
		if err := d.store.MarkError(ctx, localID, sendErr.Error(), attempts); err != nil {
			d.logger.Error("dispatch: persist error status failed",
				"local_id", localID, "error", err)
		}
		d.logger.Error("dispatch: send failed",
			"local_id", localID,
			"destination", identity.Mask(dest),
			"category", cat,
			"attempts", attempts,
			"error", sendErr)
		return nil, &ErrSendFailed{
			LocalID:     localID,
			Destination: dest,
			Attempts:    attempts,
			Cause:       sendErr,
		}
	}

	// The platform's returned id is authoritative for the chat identity;
	// parse it rather than trusting the destination we constructed.
	if pid, perr := ParsePlatformID(platformID); perr == nil && pid.Remote != "" {
		dest = identity.Identity(pid.Remote)
	}

	if err := d.store.MarkSent(ctx, localID, platformID, attempts); err != nil {
		d.logger.Error("dispatch: persist sent status failed",
			"local_id", localID, "error", err)
	}

	d.broadcaster.Publish(events.TypeMessageStatus, map[string]any{
		"local_id":    localID,
		"platform_id": platformID,
		"status":      StatusSent,
	})
	d.logger.Info("dispatch: message sent",
		"local_id", localID,
		"destination", identity.Mask(dest),
		"kind", p.Kind,
		"attempts", attempts)

	return &Accepted{
		LocalID:     localID,
		PlatformID:  platformID,
		Destination: dest,
		Attempts:    attempts,
	}, nil
}

// CheckIdentity normalizes raw input and asks the platform whether the
// identity is registered. Used before first-contact sends.
func (d *Dispatcher) CheckIdentity(ctx context.Context, raw string) (identity.Identity, bool, error) {
	client, state := d.manager.Session()
	if state != connector.StateConnected {
		return "", false, &ErrNotConnected{State: state}
	}

	id, err := d.normalizer.Normalize(raw)
	if err != nil {
		return "", false, err
	}

	cat := ratelimit.CategoryCheckExists
	if decision := d.limiter.Admit(cat, id.String()); !decision.Allowed {
		return "", false, &ratelimit.ErrRateLimited{
			Category:   cat,
			Tier:       decision.Tier,
			RetryAfter: decision.RetryAfter,
		}
	}

	exists, err := client.IdentityExists(ctx, id.String())
	if err != nil {
		return "", false, err
	}
	return id, exists, nil
}

// Message returns the persisted record for one local id.
func (d *Dispatcher) Message(ctx context.Context, localID string) (*OutboundMessage, error) {
	return d.store.Get(ctx, localID)
}

func (d *Dispatcher) invoke(ctx context.Context, client connector.Client, dest identity.Identity, p Payload) (string, error) {
	to := dest.String()
	switch p.Kind {
	case KindText:
		return client.SendText(ctx, to, p.Text)
	case KindImage, KindVideo, KindAudio, KindFile:
		m := *p.Media
		m.Kind = string(p.Kind)
		return client.SendMedia(ctx, to, m)
	case KindLocation:
		return client.SendLocation(ctx, to, *p.Location)
	case KindContact:
		return client.SendContact(ctx, to, *p.Contact)
	case KindList:
		return client.SendList(ctx, to, *p.List)
	case KindPoll:
		return client.SendPoll(ctx, to, *p.Poll)
	default:
		return "", &ErrInvalidPayload{Kind: p.Kind, Reason: "unknown payload kind"}
	}
}
