package quiz

import (
	"sync"
	"time"

	logx "quizbot/pkg/logx"
)

// DefaultRetention is how long a session stays answerable before the sweep
// evicts it.
const DefaultRetention = time.Hour

// AnswerRecord is immutable once created: a second answer event for the same
// (session, user) is dropped before it can touch this record.
type AnswerRecord struct {
	Options []int
	Correct bool
	At      time.Time
}

// Session is the state of one sent quiz poll, keyed by the platform-assigned
// poll id.
type Session struct {
	PollID        string
	ChatID        int64
	CorrectOption int
	QuestionID    int64
	CreatedAt     time.Time

	answers map[int64]AnswerRecord
}

// Registry is the process-wide poll id -> session map.
//
// Updates arrive from the dispatch loop and answers may be processed
// concurrently, so all access goes through the mutex. The duplicate check and
// the record insert happen under one critical section: two near-simultaneous
// answer events from the same user cannot both pass the absence check.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	log      logx.Logger
	now      func() time.Time
}

func NewRegistry(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		log:      log,
		now:      time.Now,
	}
}

// Create inserts a new session. Poll ids are platform-unique, so an existing
// session under the same id is a logic error: it is logged and discarded.
func (r *Registry) Create(pollID string, chatID int64, correctOption int, questionID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[pollID]; exists {
		r.log.Error("poll session already exists; discarding old session", logx.String("poll_id", pollID))
	}
	r.sessions[pollID] = &Session{
		PollID:        pollID,
		ChatID:        chatID,
		CorrectOption: correctOption,
		QuestionID:    questionID,
		CreatedAt:     r.now(),
		answers:       make(map[int64]AnswerRecord),
	}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// markAnswered performs the idempotency check and, on first sight of
// (pollID, userID), records the answer in-memory. Returns the owning chat id
// so the caller can reply in context.
func (r *Registry) markAnswered(pollID string, userID int64, options []int) (accepted, correct bool, chatID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[pollID]
	if !ok {
		return false, false, 0
	}
	if _, dup := sess.answers[userID]; dup {
		return false, false, sess.ChatID
	}

	correct = containsOption(options, sess.CorrectOption)
	sess.answers[userID] = AnswerRecord{
		Options: append([]int(nil), options...),
		Correct: correct,
		At:      r.now(),
	}
	return true, correct, sess.ChatID
}

// Answer returns the recorded answer for (pollID, userID), if any.
func (r *Registry) Answer(pollID string, userID int64) (AnswerRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[pollID]
	if !ok {
		return AnswerRecord{}, false
	}
	rec, ok := sess.answers[userID]
	return rec, ok
}

// Sweep deletes every session older than retention, answered or not, and
// returns how many were evicted. Bounds the memory of a map keyed by
// ever-growing poll ids.
func (r *Registry) Sweep(retention time.Duration) int {
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := r.now().Add(-retention)

	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, sess := range r.sessions {
		if sess.CreatedAt.Before(cutoff) {
			delete(r.sessions, id)
			evicted++
		}
	}
	if evicted > 0 {
		r.log.Debug("poll sessions evicted", logx.Int("count", evicted), logx.Int("remaining", len(r.sessions)))
	}
	return evicted
}

func containsOption(options []int, want int) bool {
	for _, o := range options {
		if o == want {
			return true
		}
	}
	return false
}
