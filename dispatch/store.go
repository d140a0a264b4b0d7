package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fernandinhomartins40/ferraco-sub000/identity"
)

// DeliveryStatus is the monotonic delivery milestone of one outbound
// message. Ordering: PENDING < SENT < DELIVERED < READ < PLAYED. ERROR sits
// outside the ladder: it can replace any pre-terminal status but never READ
// or PLAYED, and nothing replaces ERROR.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "PENDING"
	StatusSent      DeliveryStatus = "SENT"
	StatusDelivered DeliveryStatus = "DELIVERED"
	StatusRead      DeliveryStatus = "READ"
	StatusPlayed    DeliveryStatus = "PLAYED"
	StatusError     DeliveryStatus = "ERROR"
)

var statusRank = map[DeliveryStatus]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
	StatusPlayed:    4,
}

// Advances reports whether moving from cur to next is a forward transition.
// Used by every status writer so the two reconciliation sources can never
// regress a message.
func Advances(cur, next DeliveryStatus) bool {
	if cur == StatusError {
		return false
	}
	if next == StatusError {
		// ERROR only overwrites pre-terminal statuses.
		return cur != StatusRead && cur != StatusPlayed
	}
	curRank, okCur := statusRank[cur]
	nextRank, okNext := statusRank[next]
	if !okCur || !okNext {
		return false
	}
	return nextRank > curRank
}

// OutboundMessage is the persisted record of one dispatch.
type OutboundMessage struct {
	LocalID      string
	PlatformID   string // empty until the platform accepts the message
	Destination  identity.Identity
	PayloadKind  Kind
	Status       DeliveryStatus
	RetryCount   int
	LastError    string
	CreatedAt    time.Time
	LastStatusAt time.Time
}

// Schema defines the outbound message log. Records are never deleted by the
// connector; archival belongs to the CRM collaborator.
const Schema = `
CREATE TABLE IF NOT EXISTS outbound_messages (
    local_id        TEXT PRIMARY KEY,
    platform_id     TEXT NOT NULL DEFAULT '',
    destination     TEXT NOT NULL,
    payload_kind    TEXT NOT NULL,
    delivery_status TEXT NOT NULL DEFAULT 'PENDING',
    retry_count     INTEGER NOT NULL DEFAULT 0,
    last_error      TEXT NOT NULL DEFAULT '',
    created_at      INTEGER NOT NULL,
    last_status_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outbound_platform ON outbound_messages(platform_id);
CREATE INDEX IF NOT EXISTS idx_outbound_status ON outbound_messages(delivery_status, created_at);
`

// Store persists outbound messages in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore wraps an already opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Init creates the outbound_messages table if it doesn't exist.
func (s *Store) Init() error {
	_, err := s.db.Exec(Schema)
	return err
}

// Create inserts a new PENDING record before the platform is called.
func (s *Store) Create(ctx context.Context, localID string, dest identity.Identity, kind Kind) error {
	now := s.now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outbound_messages
			(local_id, destination, payload_kind, delivery_status, created_at, last_status_at)
		VALUES (?,?,?,?,?,?)`,
		localID, dest.String(), string(kind), string(StatusPending), now, now)
	if err != nil {
		return fmt.Errorf("dispatch: insert outbound: %w", err)
	}
	return nil
}

// MarkSent records platform acceptance: SENT status, the platform id, and
// the attempt count.
func (s *Store) MarkSent(ctx context.Context, localID, platformID string, attempts int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbound_messages
		SET platform_id = ?, delivery_status = ?, retry_count = ?, last_status_at = ?
		WHERE local_id = ?`,
		platformID, string(StatusSent), attempts, s.now().Unix(), localID)
	if err != nil {
		return fmt.Errorf("dispatch: mark sent: %w", err)
	}
	return nil
}

// MarkError records retry exhaustion (or a permanent failure).
func (s *Store) MarkError(ctx context.Context, localID, lastError string, attempts int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbound_messages
		SET delivery_status = ?, retry_count = ?, last_error = ?, last_status_at = ?
		WHERE local_id = ? AND delivery_status NOT IN (?, ?)`,
		string(StatusError), attempts, lastError, s.now().Unix(), localID,
		string(StatusRead), string(StatusPlayed))
	if err != nil {
		return fmt.Errorf("dispatch: mark error: %w", err)
	}
	return nil
}

// Advance applies a forward-only status transition by platform id. It
// returns the local id and true when the update advanced the record, and
// false for unknown ids, duplicates and stale (non-advancing) signals.
func (s *Store) Advance(ctx context.Context, platformID string, next DeliveryStatus) (string, bool, error) {
	var localID string
	var cur string
	err := s.db.QueryRowContext(ctx, `
		SELECT local_id, delivery_status FROM outbound_messages WHERE platform_id = ?`,
		platformID).Scan(&localID, &cur)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("dispatch: lookup by platform id: %w", err)
	}

	if !Advances(DeliveryStatus(cur), next) {
		return localID, false, nil
	}

	// The status guard is repeated in the WHERE clause so a racing writer
	// cannot sneak a regression in between the read and the write.
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbound_messages
		SET delivery_status = ?, last_status_at = ?
		WHERE platform_id = ? AND delivery_status = ?`,
		string(next), s.now().Unix(), platformID, cur)
	if err != nil {
		return localID, false, fmt.Errorf("dispatch: advance status: %w", err)
	}
	n, _ := res.RowsAffected()
	return localID, n > 0, nil
}

// Get returns one record by local id.
func (s *Store) Get(ctx context.Context, localID string) (*OutboundMessage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT local_id, platform_id, destination, payload_kind, delivery_status,
		       retry_count, last_error, created_at, last_status_at
		FROM outbound_messages WHERE local_id = ?`, localID)
	return scanMessage(row)
}

// Unsettled returns recent messages that still await a terminal delivery
// milestone: platform-accepted, created inside the window, and not yet
// READ, PLAYED or ERROR. This is the poll sweep's work list.
func (s *Store) Unsettled(ctx context.Context, window time.Duration) ([]OutboundMessage, error) {
	cutoff := s.now().Add(-window).Unix()
	rows, err := s.db.QueryContext(ctx, `
		SELECT local_id, platform_id, destination, payload_kind, delivery_status,
		       retry_count, last_error, created_at, last_status_at
		FROM outbound_messages
		WHERE platform_id != ''
		  AND created_at >= ?
		  AND delivery_status NOT IN (?,?,?)
		ORDER BY created_at ASC`,
		cutoff, string(StatusRead), string(StatusPlayed), string(StatusError))
	if err != nil {
		return nil, fmt.Errorf("dispatch: query unsettled: %w", err)
	}
	defer rows.Close()

	var out []OutboundMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*OutboundMessage, error) {
	var m OutboundMessage
	var dest, kind, status string
	var created, lastStatus int64
	err := row.Scan(&m.LocalID, &m.PlatformID, &dest, &kind, &status,
		&m.RetryCount, &m.LastError, &created, &lastStatus)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dispatch: scan outbound: %w", err)
	}
	m.Destination = identity.Identity(dest)
	m.PayloadKind = Kind(kind)
	m.Status = DeliveryStatus(status)
	m.CreatedAt = time.Unix(created, 0)
	m.LastStatusAt = time.Unix(lastStatus, 0)
	return &m, nil
}
