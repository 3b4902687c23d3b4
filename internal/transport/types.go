package transport

import "context"

type UpdateKind string

const (
	UpdateMessage    UpdateKind = "message"
	UpdatePollAnswer UpdateKind = "poll_answer"
)

type Update struct {
	Kind       UpdateKind
	Message    *Message
	PollAnswer *PollAnswer
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	FromName     string
	ChatTitle    string
	Text         string
	IsGroup      bool
}

// PollAnswer is an inbound vote on a previously sent quiz poll.
// Options carries the chosen option indices (a quiz has exactly one,
// but the platform allows multi-choice polls).
type PollAnswer struct {
	PollID   string
	UserID   int64
	Username string
	Options  []int
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// QuizSpec describes one native quiz poll to send.
type QuizSpec struct {
	Question      string
	Options       []string
	CorrectOption int
	Explanation   string
}

// QuizMessage identifies a sent quiz: the platform-assigned poll id
// (key for answer events) plus the carrying message.
type QuizMessage struct {
	PollID  string
	Message MessageRef
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendQuiz(ctx context.Context, to ChatTarget, q QuizSpec) (QuizMessage, error)
	CopyMessage(ctx context.Context, to ChatTarget, from MessageRef) (MessageRef, error)
	DeleteMessage(ctx context.Context, ref MessageRef) error
}
