package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/tandemride/realtime/pkg/chat"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	client_temp_id TEXT,
	room_id TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	sender_name TEXT,
	content TEXT NOT NULL,
	media_url TEXT,
	type TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages(room_id, created_at_ms);

CREATE TABLE IF NOT EXISTS profiles (
	user_id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	avatar_url TEXT
);
`

// SQLiteStore implements MessageStore and ProfileLookup on a local SQLite
// file. In production the backend of record sits behind the same interfaces.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ MessageStore  = (*SQLiteStore)(nil)
	_ ProfileLookup = (*SQLiteStore)(nil)
)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	s := &SQLiteStore{db: db}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "init schema")
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Insert stores a message, assigning the server id and timestamp. The
// client temp id is persisted and echoed back on the returned copy.
func (s *SQLiteStore) Insert(ctx context.Context, msg *chat.Message) (*chat.Message, error) {
	stored := *msg
	stored.ID = uuid.NewString()
	stored.CreatedAt = time.Now().UTC()
	stored.Delivery = chat.DeliveryConfirmed

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(id, client_temp_id, room_id, sender_id, sender_name, content, media_url, type, created_at_ms)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		stored.ID, stored.ClientTempID, stored.RoomID, stored.SenderID, stored.SenderName,
		stored.Content, stored.MediaURL, string(stored.Type), stored.CreatedAt.UnixMilli())
	if err != nil {
		return nil, errors.Wrap(err, "insert message")
	}
	return &stored, nil
}

// Query returns a room's history ordered oldest first. Page.Limit bounds the
// page (taken from the newest end); Page.Before restricts to strictly older
// entries for backwards pagination.
func (s *SQLiteStore) Query(ctx context.Context, roomID string, page Page) ([]chat.Message, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 100
	}
	before := int64(1<<62 - 1)
	if !page.Before.IsZero() {
		before = page.Before.UnixMilli()
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, client_temp_id, room_id, sender_id, sender_name, content, media_url, type, created_at_ms
		 FROM messages WHERE room_id = ? AND created_at_ms < ?
		 ORDER BY created_at_ms DESC LIMIT ?`,
		roomID, before, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query messages")
	}
	defer func() { _ = rows.Close() }()

	var out []chat.Message
	for rows.Next() {
		var m chat.Message
		var typ string
		var createdMs int64
		if err := rows.Scan(&m.ID, &m.ClientTempID, &m.RoomID, &m.SenderID, &m.SenderName,
			&m.Content, &m.MediaURL, &typ, &createdMs); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		m.Type = chat.MessageType(typ)
		m.CreatedAt = time.UnixMilli(createdMs).UTC()
		m.Delivery = chat.DeliveryConfirmed
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate messages")
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Lookup fetches a profile by user id. A missing profile is an error the
// caller may treat as "decorate with the raw id".
func (s *SQLiteStore) Lookup(ctx context.Context, userID string) (*chat.Profile, error) {
	var p chat.Profile
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, display_name, avatar_url FROM profiles WHERE user_id = ?`, userID).
		Scan(&p.UserID, &p.DisplayName, &p.AvatarURL)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Errorf("profile not found: %s", userID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query profile")
	}
	return &p, nil
}

// UpsertProfile writes display data for a user.
func (s *SQLiteStore) UpsertProfile(ctx context.Context, p chat.Profile) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO profiles(user_id, display_name, avatar_url) VALUES(?,?,?)`,
		p.UserID, p.DisplayName, p.AvatarURL)
	if err != nil {
		return errors.Wrap(err, "upsert profile")
	}
	return nil
}
