// Package store is the persistence collaborator: users, conversations,
// exchanges, balances, usage records and memories behind narrow accessors.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// User is the slice of the account entity the chat core needs.
// Entitlement is unlimited usage until EntitledUntil.
type User struct {
	ID            string
	Name          string
	Token         string
	Entitled      bool
	EntitledUntil time.Time
	CreatedAt     time.Time
}

// HasEntitlement reports an active unlimited-usage entitlement at now.
func (u *User) HasEntitlement(now time.Time) bool {
	return u.Entitled && u.EntitledUntil.After(now)
}

// Conversation owns an append-only list of exchanges.
type Conversation struct {
	ID            string
	UserID        string
	Title         string
	LastMessageAt time.Time
	CreatedAt     time.Time
}

// Exchange is one chat turn: the user input and the bot output it produced,
// stored as a single record. Prompt reconstruction expands each exchange into
// an ordered user/assistant message pair.
type Exchange struct {
	ID             string
	ConversationID string
	UserText       string
	BotText        string
	Model          string
	FileContext    string
	CreatedAt      time.Time
}

// MemoryItem is one remembered fact with a category-derived expiry.
// A zero ExpiresAt means the fact never expires.
type MemoryItem struct {
	ID        string
	UserID    string
	Fact      string
	Category  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// UsageRecord is an append-only audit entry; never mutated.
type UsageRecord struct {
	ID             string
	UserID         string
	ConversationID string
	Model          string
	TokensUsed     int
	CreatedAt      time.Time
}

// Store is the accessor surface the chat core depends on. The SQLite
// implementation lives in this package; tests may substitute fakes.
type Store interface {
	// Users
	GetUser(ctx context.Context, id string) (*User, error)
	UserByToken(ctx context.Context, token string) (*User, error)
	CreateUser(ctx context.Context, u *User) error

	// Conversations and exchanges
	GetOrCreateConversation(ctx context.Context, id, userID string) (*Conversation, bool, error)
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
	History(ctx context.Context, conversationID string, limit int) ([]Exchange, error)
	AppendExchange(ctx context.Context, ex *Exchange) error
	TouchConversation(ctx context.Context, conversationID string, at time.Time) error

	// Balances and usage
	GetBalance(ctx context.Context, userID, model string) (int64, error)
	AdjustBalance(ctx context.Context, userID, model string, delta int64) (int64, error)
	AppendUsage(ctx context.Context, rec *UsageRecord) error

	// Memories
	AppendMemory(ctx context.Context, item *MemoryItem) error
	ListMemories(ctx context.Context, userID string, now time.Time) ([]MemoryItem, error)
	DeleteMemory(ctx context.Context, userID, id string) error
	SweepExpiredMemories(ctx context.Context, now time.Time) (int64, error)

	Close() error
}
