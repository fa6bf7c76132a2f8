package store

import (
	"context"
	"time"

	"github.com/tandemride/realtime/pkg/chat"
)

// Page selects a slice of a room's history, newest entries first capped at
// Limit, optionally only entries created before Before.
type Page struct {
	Limit  int
	Before time.Time
}

// MessageStore is the server-of-record collaborator for messages. Insert
// assigns the server id and timestamp and echoes the client temp id so the
// reconciler can pair the result with its optimistic entry.
type MessageStore interface {
	Insert(ctx context.Context, msg *chat.Message) (*chat.Message, error)
	Query(ctx context.Context, roomID string, page Page) ([]chat.Message, error)
}

// ProfileLookup resolves a user id to display data for decorating presence
// and typing events.
type ProfileLookup interface {
	Lookup(ctx context.Context, userID string) (*chat.Profile, error)
}
