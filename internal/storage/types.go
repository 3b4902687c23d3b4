package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by point lookups with no matching row.
var ErrNotFound = errors.New("storage: not found")

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

type User struct {
	ID        int64
	Username  string
	FirstName string
	// PMEnabled marks users the bot may message directly; only those are
	// broadcast targets.
	PMEnabled bool
}

type Group struct {
	ChatID int64
	Title  string
}

// ScoreRow is one entry of the ranked read.
type ScoreRow struct {
	UserID   int64
	Username string
	Correct  int
	Total    int
}

type Question struct {
	ID            int64
	Category      string
	Question      string
	Options       []string
	CorrectOption int
}

// Ledger records one finished broadcast: which recipient got which message,
// so the whole broadcast can be retracted later.
type Ledger struct {
	ID         string
	ActorID    int64
	Payload    string
	Deliveries map[int64]int // chat id -> delivered message id
	Success    int
	Failed     int
	Pruned     int
	CreatedAt  time.Time
}

// Store is the persistence API used by the quiz core and broadcast dispatcher.
type Store interface {
	// ScoreState
	IncrementScore(ctx context.Context, userID int64, correct bool) error
	RankedScores(ctx context.Context, limit, offset int) ([]ScoreRow, int, error)
	Score(ctx context.Context, userID int64) (ScoreRow, error)
	Rank(ctx context.Context, userID int64) (int, error)

	// Recipient registry
	UpsertUser(ctx context.Context, u User) error
	UpsertGroup(ctx context.Context, g Group) error
	BroadcastableUsers(ctx context.Context) ([]User, error)
	ActiveGroups(ctx context.Context) ([]Group, error)
	RemoveUser(ctx context.Context, userID int64) error
	RemoveGroup(ctx context.Context, chatID int64) error

	// Question bank
	AddQuestion(ctx context.Context, q Question) (int64, error)
	RandomQuestion(ctx context.Context, category string) (*Question, error)

	// Per-chat last quiz message (for auto-delete before the next quiz)
	LastQuizMessage(ctx context.Context, chatID int64) (int, error)
	SetLastQuizMessage(ctx context.Context, chatID int64, messageID int) error

	// Broadcast ledgers
	SaveLedger(ctx context.Context, l Ledger) error
	LatestLedger(ctx context.Context) (*Ledger, error)
	DeleteLedger(ctx context.Context, id string) error

	Close() error
}
