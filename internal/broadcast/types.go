// Package broadcast fans one message out to every registered recipient.
package broadcast

import (
	"context"
	"errors"
	"fmt"

	"quizbot/internal/storage"
	kit "quizbot/internal/transport"
)

// ErrNoBroadcast is returned by Retract when no retractable ledger exists.
var ErrNoBroadcast = errors.New("broadcast: no broadcast found")

// RecipientKind distinguishes pruning paths: a gone user is removed from the
// user registry, a gone group from the group registry.
type RecipientKind string

const (
	KindUser  RecipientKind = "user"
	KindGroup RecipientKind = "group"
)

type Recipient struct {
	Target kit.ChatTarget
	Kind   RecipientKind
}

// Payload is either plain text or a copy of an existing message. Exactly one
// of Text and CopyFrom is set.
type Payload struct {
	Text     string
	CopyFrom *kit.MessageRef
	Options  *kit.SendOptions
}

// describe renders a short human-readable form for the ledger.
func (p Payload) describe() string {
	if p.CopyFrom != nil {
		return fmt.Sprintf("copy of message %d from chat %d", p.CopyFrom.MessageID, p.CopyFrom.ChatID)
	}
	return p.Text
}

// Transport is the delivery slice of the platform adapter.
type Transport interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
	CopyMessage(ctx context.Context, to kit.ChatTarget, from kit.MessageRef) (kit.MessageRef, error)
	DeleteMessage(ctx context.Context, ref kit.MessageRef) error
}

// Resolver removes permanently unreachable recipients from the registry.
type Resolver interface {
	RemoveUser(ctx context.Context, userID int64) error
	RemoveGroup(ctx context.Context, chatID int64) error
}

// Ledgers persists the delivery record of the most recent broadcast.
type Ledgers interface {
	SaveLedger(ctx context.Context, l storage.Ledger) error
	LatestLedger(ctx context.Context) (*storage.Ledger, error)
	DeleteLedger(ctx context.Context, id string) error
}

// Report summarizes one finished fan-out.
type Report struct {
	ID         string
	Recipients int
	Success    int
	Failed     int
	Pruned     int
}
