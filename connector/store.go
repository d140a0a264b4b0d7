package connector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Schema defines the conversation index, the inbound message log, and the
// single-row runtime status table. All three are written by the connector
// and read by the CRM collaborator; the connector never deletes from them.
const Schema = `
CREATE TABLE IF NOT EXISTS conversations (
    chat_id       TEXT PRIMARY KEY,
    name          TEXT NOT NULL DEFAULT '',
    is_group      INTEGER NOT NULL DEFAULT 0 CHECK(is_group IN (0, 1)),
    unread_count  INTEGER NOT NULL DEFAULT 0,
    last_activity INTEGER NOT NULL DEFAULT 0,
    synced_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS inbound_messages (
    platform_id TEXT PRIMARY KEY,
    chat_id     TEXT NOT NULL,
    sender      TEXT NOT NULL DEFAULT '',
    body        TEXT NOT NULL DEFAULT '',
    kind        TEXT NOT NULL DEFAULT 'text',
    received_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_inbound_chat ON inbound_messages(chat_id, received_at);

CREATE TABLE IF NOT EXISTS runtime_status (
    id                INTEGER PRIMARY KEY CHECK(id = 1),
    state             TEXT NOT NULL,
    last_heartbeat_at INTEGER NOT NULL DEFAULT 0,
    updated_at        INTEGER NOT NULL
);
`

// Store persists conversation summaries and inbound messages.
type Store struct {
	db *sql.DB
}

// NewStore wraps an already opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init creates the connector tables if they don't exist.
func (s *Store) Init() error {
	_, err := s.db.Exec(Schema)
	return err
}

// SaveConversations upserts the synced chat list.
func (s *Store) SaveConversations(ctx context.Context, convs []Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("connector: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for _, c := range convs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (chat_id, name, is_group, unread_count, last_activity, synced_at)
			VALUES (?,?,?,?,?,?)
			ON CONFLICT(chat_id) DO UPDATE SET
				name = excluded.name,
				is_group = excluded.is_group,
				unread_count = excluded.unread_count,
				last_activity = excluded.last_activity,
				synced_at = excluded.synced_at`,
			c.ID, c.Name, boolToInt(c.IsGroup), c.UnreadCount, c.LastActivity.Unix(), now)
		if err != nil {
			return fmt.Errorf("connector: upsert conversation %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// Conversations returns the synced chat list, most recently active first.
func (s *Store) Conversations(ctx context.Context, limit int) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, name, is_group, unread_count, last_activity
		FROM conversations ORDER BY last_activity DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("connector: query conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		var isGroup int
		var last int64
		if err := rows.Scan(&c.ID, &c.Name, &isGroup, &c.UnreadCount, &last); err != nil {
			return nil, fmt.Errorf("connector: scan conversation: %w", err)
		}
		c.IsGroup = isGroup == 1
		c.LastActivity = time.Unix(last, 0)
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveInbound records an inbound message. Duplicate platform ids are
// ignored — the platform may replay recent history on reconnect.
func (s *Store) SaveInbound(ctx context.Context, msg ChatMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inbound_messages (platform_id, chat_id, sender, body, kind, received_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(platform_id) DO NOTHING`,
		msg.PlatformID, msg.ChatID, msg.Sender, msg.Body, msg.Kind, msg.Timestamp.Unix())
	if err != nil {
		return fmt.Errorf("connector: insert inbound: %w", err)
	}
	return nil
}

// TouchRuntime upserts the single runtime status row. The connector
// writes it on every state change and successful heartbeat so external
// readers of the database can judge liveness without hitting the API.
func (s *Store) TouchRuntime(ctx context.Context, state string, lastHeartbeat time.Time) error {
	var hb int64
	if !lastHeartbeat.IsZero() {
		hb = lastHeartbeat.Unix()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runtime_status (id, state, last_heartbeat_at, updated_at)
		VALUES (1,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			last_heartbeat_at = excluded.last_heartbeat_at,
			updated_at = excluded.updated_at`,
		state, hb, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("connector: touch runtime status: %w", err)
	}
	return nil
}

// RuntimeStatus reads the runtime status row. A zero lastHeartbeat means
// the session never completed a heartbeat; a missing row means the
// connector never ran against this database.
func (s *Store) RuntimeStatus(ctx context.Context) (state string, lastHeartbeat time.Time, err error) {
	var hb int64
	row := s.db.QueryRowContext(ctx,
		`SELECT state, last_heartbeat_at FROM runtime_status WHERE id = 1`)
	if err := row.Scan(&state, &hb); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", time.Time{}, nil
		}
		return "", time.Time{}, fmt.Errorf("connector: read runtime status: %w", err)
	}
	if hb > 0 {
		lastHeartbeat = time.Unix(hb, 0)
	}
	return state, lastHeartbeat, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
