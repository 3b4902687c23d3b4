package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"quizbot/internal/broadcast"
	"quizbot/internal/leaderboard"
	"quizbot/internal/quiz"
	"quizbot/internal/ratelimit"
	"quizbot/internal/storage"
	kit "quizbot/internal/transport"
	logx "quizbot/pkg/logx"
)

// CooldownCommands are the commands gated by the per-user cooldown in groups.
var CooldownCommands = []string{"quiz", "leaderboard", "mystats"}

const leaderboardPageSize = 10

type RouterDeps struct {
	Log      logx.Logger
	Tx       kit.Adapter
	Store    storage.Store
	Registry *quiz.Registry
	Proc     *quiz.Processor
	Board    *leaderboard.Cache
	Limiter  *ratelimit.Limiter
	Caster   *broadcast.Dispatcher
	Owners   []int64
}

// Router consumes transport updates and runs the command handlers.
type Router struct {
	log     logx.Logger
	tx      kit.Adapter
	store   storage.Store
	reg     *quiz.Registry
	proc    *quiz.Processor
	board   *leaderboard.Cache
	limiter *ratelimit.Limiter
	caster  *broadcast.Dispatcher

	mu     sync.Mutex
	owners map[int64]struct{}
	// staged holds per-owner broadcast payloads awaiting confirmation.
	staged map[int64]broadcast.Payload
}

func NewRouter(deps RouterDeps) *Router {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		log:     log,
		tx:      deps.Tx,
		store:   deps.Store,
		reg:     deps.Registry,
		proc:    deps.Proc,
		board:   deps.Board,
		limiter: deps.Limiter,
		caster:  deps.Caster,
		staged:  make(map[int64]broadcast.Payload),
	}
	r.SetOwners(deps.Owners)
	return r
}

func (r *Router) SetOwners(ids []int64) {
	owners := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		owners[id] = struct{}{}
	}
	r.mu.Lock()
	r.owners = owners
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.owners[id]
	return ok
}

// DispatchLoop drains updates until ctx is canceled or the channel closes.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			switch upd.Kind {
			case kit.UpdateMessage:
				if upd.Message != nil {
					r.handleMessage(ctx, *upd.Message)
				}
			case kit.UpdatePollAnswer:
				if upd.PollAnswer != nil {
					r.handlePollAnswer(ctx, *upd.PollAnswer)
				}
			}
		}
	}
}

func (r *Router) handleMessage(ctx context.Context, msg kit.Message) {
	name, args, ok := parseCommand(msg.Text)
	if !ok {
		return
	}

	if msg.IsGroup {
		// Keep the group registered for broadcasts and the daily quiz.
		if err := r.store.UpsertGroup(ctx, storage.Group{ChatID: msg.ChatID, Title: msg.ChatTitle}); err != nil {
			r.log.Warn("group upsert failed", logx.Int64("chat_id", msg.ChatID), logx.Err(err))
		}
	}

	privileged := r.isOwner(msg.FromID)
	switch name {
	case "quiz", "leaderboard", "mystats":
		d := r.limiter.Check(msg.FromID, name, privileged, msg.IsGroup)
		if !d.Allowed {
			r.reply(ctx, msg.ChatID, fmt.Sprintf("Slow down! Try /%s again in %s.", name, d.Wait.Round(time.Second)))
			return
		}
	}

	switch name {
	case "start":
		r.cmdStart(ctx, msg)
	case "help":
		r.cmdHelp(ctx, msg)
	case "quiz":
		r.cmdQuiz(ctx, msg, args)
	case "leaderboard":
		r.cmdLeaderboard(ctx, msg, args)
	case "mystats":
		r.cmdMyStats(ctx, msg)
	case "addquestion":
		r.ownerOnly(ctx, msg, privileged, func() { r.cmdAddQuestion(ctx, msg) })
	case "broadcast":
		r.ownerOnly(ctx, msg, privileged, func() { r.cmdBroadcast(ctx, msg) })
	case "broadcast_confirm":
		r.ownerOnly(ctx, msg, privileged, func() { r.cmdBroadcastConfirm(ctx, msg) })
	case "delbroadcast":
		r.ownerOnly(ctx, msg, privileged, func() { r.cmdDelBroadcast(ctx, msg) })
	case "delbroadcast_confirm":
		r.ownerOnly(ctx, msg, privileged, func() { r.cmdDelBroadcastConfirm(ctx, msg) })
	default:
		// Unknown commands are ignored; the bot may share groups with others.
	}
}

func (r *Router) handlePollAnswer(ctx context.Context, pa kit.PollAnswer) {
	// Keep the answering user's name fresh for leaderboard display. This must
	// not flip pm_enabled, so PMEnabled stays false here.
	if pa.Username != "" {
		if err := r.store.UpsertUser(ctx, storage.User{ID: pa.UserID, Username: pa.Username}); err != nil {
			r.log.Warn("user upsert failed", logx.Int64("user_id", pa.UserID), logx.Err(err))
		}
	}

	res, err := r.proc.RecordAnswer(ctx, pa.PollID, pa.UserID, pa.Options)
	if err != nil {
		r.log.Warn("answer processing error", logx.String("poll_id", pa.PollID), logx.Int64("user_id", pa.UserID), logx.Err(err))
	}
	if res.Accepted {
		r.log.Debug("answer recorded",
			logx.String("poll_id", pa.PollID),
			logx.Int64("user_id", pa.UserID),
			logx.Bool("correct", res.Correct))
	}
}

// ---- commands ----

func (r *Router) cmdStart(ctx context.Context, msg kit.Message) {
	if msg.IsGroup {
		r.reply(ctx, msg.ChatID, "Hello! Use /quiz to get a question, /leaderboard to see the standings.")
		return
	}
	u := storage.User{
		ID:        msg.FromID,
		Username:  msg.FromUsername,
		FirstName: msg.FromName,
		PMEnabled: true,
	}
	if err := r.store.UpsertUser(ctx, u); err != nil {
		r.log.Warn("user upsert failed", logx.Int64("user_id", msg.FromID), logx.Err(err))
	}
	r.reply(ctx, msg.ChatID, "Welcome! You are registered for announcements.\nUse /quiz for a question and /help for the full command list.")
}

func (r *Router) cmdHelp(ctx context.Context, msg kit.Message) {
	r.reply(ctx, msg.ChatID, strings.Join([]string{
		"/quiz [category] - get a quiz question",
		"/leaderboard [page] - top players",
		"/mystats - your rank and score",
		"/start - register for announcements (PM)",
	}, "\n"))
}

func (r *Router) cmdQuiz(ctx context.Context, msg kit.Message, args []string) {
	category := ""
	if len(args) > 0 {
		category = args[0]
	}
	if err := r.SendQuizTo(ctx, msg.ChatID, category, msg.IsGroup); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			r.reply(ctx, msg.ChatID, "No questions available yet.")
			return
		}
		r.log.Warn("quiz send failed", logx.Int64("chat_id", msg.ChatID), logx.Err(err))
	}
}

// SendQuizTo sends one random quiz to a chat. In groups the chat's previous
// quiz message is removed first so they don't accumulate stale polls; private
// chats keep their history.
func (r *Router) SendQuizTo(ctx context.Context, chatID int64, category string, group bool) error {
	q, err := r.store.RandomQuestion(ctx, category)
	if err != nil {
		return err
	}

	if group {
		if prev, err := r.store.LastQuizMessage(ctx, chatID); err == nil && prev != 0 {
			// Best effort: the message may already be gone.
			if derr := r.tx.DeleteMessage(ctx, kit.MessageRef{ChatID: chatID, MessageID: prev}); derr != nil {
				r.log.Debug("previous quiz delete failed", logx.Int64("chat_id", chatID), logx.Err(derr))
			}
		}
	}

	sent, err := r.tx.SendQuiz(ctx, kit.ChatTarget{ChatID: chatID}, kit.QuizSpec{
		Question:      q.Question,
		Options:       q.Options,
		CorrectOption: q.CorrectOption,
	})
	if err != nil {
		return fmt.Errorf("send quiz to chat %d: %w", chatID, err)
	}

	r.reg.Create(sent.PollID, chatID, q.CorrectOption, q.ID)
	if err := r.store.SetLastQuizMessage(ctx, chatID, sent.Message.MessageID); err != nil {
		r.log.Warn("last quiz bookkeeping failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
	return nil
}

func (r *Router) cmdLeaderboard(ctx context.Context, msg kit.Message, args []string) {
	page := 1
	if len(args) > 0 {
		if p, err := strconv.Atoi(args[0]); err == nil && p > 0 {
			page = p
		}
	}

	rows, total, err := r.board.Get(ctx, leaderboardPageSize, (page-1)*leaderboardPageSize)
	if err != nil {
		r.log.Warn("leaderboard read failed", logx.Err(err))
		r.reply(ctx, msg.ChatID, "Leaderboard is unavailable right now, try again later.")
		return
	}
	if len(rows) == 0 {
		if page == 1 {
			r.reply(ctx, msg.ChatID, "No scores yet. Be the first: /quiz")
		} else {
			r.reply(ctx, msg.ChatID, fmt.Sprintf("Page %d is empty.", page))
		}
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Leaderboard (page %d, %d players)\n", page, total)
	for i, row := range rows {
		name := row.Username
		if name == "" {
			name = fmt.Sprintf("player %d", row.UserID)
		}
		fmt.Fprintf(&b, "%d. %s - %d/%d\n", (page-1)*leaderboardPageSize+i+1, name, row.Correct, row.Total)
	}
	r.reply(ctx, msg.ChatID, strings.TrimRight(b.String(), "\n"))
}

func (r *Router) cmdMyStats(ctx context.Context, msg kit.Message) {
	row, err := r.store.Score(ctx, msg.FromID)
	if errors.Is(err, storage.ErrNotFound) {
		r.reply(ctx, msg.ChatID, "You haven't answered any quizzes yet. Try /quiz!")
		return
	}
	if err != nil {
		r.log.Warn("score read failed", logx.Int64("user_id", msg.FromID), logx.Err(err))
		return
	}
	rank, err := r.store.Rank(ctx, msg.FromID)
	if err != nil {
		r.log.Warn("rank read failed", logx.Int64("user_id", msg.FromID), logx.Err(err))
		return
	}
	r.reply(ctx, msg.ChatID, fmt.Sprintf("Rank #%d with %d correct out of %d answered.", rank, row.Correct, row.Total))
}

// cmdAddQuestion expects pipe-separated input:
//
//	/addquestion Question text | option 1 | option 2 [| more options] | correct index
func (r *Router) cmdAddQuestion(ctx context.Context, msg kit.Message) {
	parts := strings.Split(commandRest(msg.Text), "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if len(parts) < 4 {
		r.reply(ctx, msg.ChatID, "Usage: /addquestion Question | option 1 | option 2 | ... | correct index")
		return
	}

	idx, err := strconv.Atoi(parts[len(parts)-1])
	question, options := parts[0], parts[1:len(parts)-1]
	if err != nil || idx < 0 || idx >= len(options) {
		r.reply(ctx, msg.ChatID, "The last field must be the zero-based index of the correct option.")
		return
	}
	if question == "" {
		r.reply(ctx, msg.ChatID, "The question text is empty.")
		return
	}

	id, err := r.store.AddQuestion(ctx, storage.Question{
		Question:      question,
		Options:       options,
		CorrectOption: idx,
	})
	if err != nil {
		r.log.Warn("question insert failed", logx.Err(err))
		r.reply(ctx, msg.ChatID, "Could not save the question.")
		return
	}
	r.reply(ctx, msg.ChatID, fmt.Sprintf("Question #%d saved.", id))
}

func (r *Router) cmdBroadcast(ctx context.Context, msg kit.Message) {
	text := commandRest(msg.Text)
	if text == "" {
		r.reply(ctx, msg.ChatID, "Usage: /broadcast <message text>")
		return
	}

	r.mu.Lock()
	r.staged[msg.FromID] = broadcast.Payload{Text: text}
	r.mu.Unlock()

	r.reply(ctx, msg.ChatID, fmt.Sprintf("Staged broadcast:\n\n%s\n\nSend /broadcast_confirm to deliver it to all users and groups.", text))
}

func (r *Router) cmdBroadcastConfirm(ctx context.Context, msg kit.Message) {
	r.mu.Lock()
	payload, ok := r.staged[msg.FromID]
	delete(r.staged, msg.FromID)
	r.mu.Unlock()
	if !ok {
		r.reply(ctx, msg.ChatID, "Nothing staged. Use /broadcast <message text> first.")
		return
	}

	recipients, err := r.collectRecipients(ctx)
	if err != nil {
		r.log.Warn("recipient collection failed", logx.Err(err))
		r.reply(ctx, msg.ChatID, "Could not load the recipient list.")
		return
	}
	if len(recipients) == 0 {
		r.reply(ctx, msg.ChatID, "No recipients registered yet.")
		return
	}

	id := uuid.NewString()
	r.reply(ctx, msg.ChatID, fmt.Sprintf("Broadcasting to %d recipients...", len(recipients)))

	// The fan-out can take a while with pacing; don't block the dispatch loop.
	go func() {
		rep, err := r.caster.Dispatch(ctx, id, msg.FromID, payload, recipients)
		if err != nil {
			r.log.Warn("broadcast failed", logx.String("broadcast_id", id), logx.Err(err))
		}
		if rep == nil {
			return
		}
		r.reply(ctx, msg.ChatID, fmt.Sprintf(
			"Broadcast done: %d delivered, %d failed, %d recipients pruned.\nUse /delbroadcast to retract it.",
			rep.Success, rep.Failed, rep.Pruned))
	}()
}

func (r *Router) cmdDelBroadcast(ctx context.Context, msg kit.Message) {
	l, err := r.caster.Latest(ctx)
	if errors.Is(err, broadcast.ErrNoBroadcast) {
		r.reply(ctx, msg.ChatID, "No broadcast found.")
		return
	}
	if err != nil {
		r.log.Warn("broadcast lookup failed", logx.Err(err))
		return
	}

	preview := l.Payload
	if len(preview) > 120 {
		preview = preview[:120] + "..."
	}
	r.reply(ctx, msg.ChatID, fmt.Sprintf(
		"Latest broadcast (%s, %d delivered):\n\n%s\n\nSend /delbroadcast_confirm to retract it everywhere.",
		l.CreatedAt.Format("2006-01-02 15:04"), l.Success, preview))
}

func (r *Router) cmdDelBroadcastConfirm(ctx context.Context, msg kit.Message) {
	deleted, failed, err := r.caster.Retract(ctx)
	if errors.Is(err, broadcast.ErrNoBroadcast) {
		r.reply(ctx, msg.ChatID, "No broadcast found.")
		return
	}
	if err != nil {
		r.log.Warn("broadcast retract failed", logx.Err(err))
		r.reply(ctx, msg.ChatID, "Retraction failed, see logs.")
		return
	}
	r.reply(ctx, msg.ChatID, fmt.Sprintf("Broadcast retracted: %d deleted, %d could not be removed.", deleted, failed))
}

// ---- helpers ----

func (r *Router) ownerOnly(ctx context.Context, msg kit.Message, privileged bool, fn func()) {
	if !privileged {
		r.reply(ctx, msg.ChatID, "This command is restricted to the bot owner.")
		return
	}
	fn()
}

func (r *Router) collectRecipients(ctx context.Context) ([]broadcast.Recipient, error) {
	users, err := r.store.BroadcastableUsers(ctx)
	if err != nil {
		return nil, err
	}
	groups, err := r.store.ActiveGroups(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]broadcast.Recipient, 0, len(users)+len(groups))
	for _, u := range users {
		out = append(out, broadcast.Recipient{Target: kit.ChatTarget{ChatID: u.ID}, Kind: broadcast.KindUser})
	}
	for _, g := range groups {
		out = append(out, broadcast.Recipient{Target: kit.ChatTarget{ChatID: g.ChatID}, Kind: broadcast.KindGroup})
	}
	return out, nil
}

func (r *Router) reply(ctx context.Context, chatID int64, text string) {
	if _, err := r.tx.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, nil); err != nil {
		r.log.Warn("reply failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

// commandRest returns everything after the leading "/command@bot" token with
// surrounding whitespace trimmed.
func commandRest(text string) string {
	s := strings.TrimSpace(text)
	if i := strings.IndexAny(s, " \t\n"); i >= 0 {
		return strings.TrimSpace(s[i:])
	}
	return ""
}

// parseCommand extracts "/name@bot arg..." into (name, args). Non-command
// text returns ok=false.
func parseCommand(text string) (name string, args []string, ok bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	name = strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "", nil, false
	}
	return strings.ToLower(name), fields[1:], true
}
