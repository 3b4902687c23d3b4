package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "quizbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the SQLite store, creating the file and schema if needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- ScoreState ----

func (s *sqliteStore) IncrementScore(ctx context.Context, userID int64, correct bool) error {
	c, w := 0, 1
	if correct {
		c, w = 1, 0
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scores(user_id, correct, wrong, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   correct = correct + excluded.correct,
		   wrong = wrong + excluded.wrong,
		   updated_at = excluded.updated_at`,
		userID, c, w, now(),
	)
	return err
}

// RankedScores returns the ranked window plus the total number of scored
// users. Ordering: correct desc, total attempts asc (efficiency wins ties),
// user id asc for determinism.
func (s *sqliteStore) RankedScores(ctx context.Context, limit, offset int) ([]ScoreRow, int, error) {
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scores`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT sc.user_id, COALESCE(u.username, ''), sc.correct, sc.correct + sc.wrong
		   FROM scores sc
		   LEFT JOIN users u ON u.user_id = sc.user_id
		  ORDER BY sc.correct DESC, (sc.correct + sc.wrong) ASC, sc.user_id ASC
		  LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]ScoreRow, 0, limit)
	for rows.Next() {
		var r ScoreRow
		if err := rows.Scan(&r.UserID, &r.Username, &r.Correct, &r.Total); err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

// Score returns the counters for one user, or ErrNotFound.
func (s *sqliteStore) Score(ctx context.Context, userID int64) (ScoreRow, error) {
	var r ScoreRow
	err := s.db.QueryRowContext(ctx,
		`SELECT sc.user_id, COALESCE(u.username, ''), sc.correct, sc.correct + sc.wrong
		   FROM scores sc
		   LEFT JOIN users u ON u.user_id = sc.user_id
		  WHERE sc.user_id = ?`,
		userID,
	).Scan(&r.UserID, &r.Username, &r.Correct, &r.Total)
	if errors.Is(err, sql.ErrNoRows) {
		return ScoreRow{}, ErrNotFound
	}
	if err != nil {
		return ScoreRow{}, err
	}
	return r, nil
}

// Rank returns the 1-based position of userID under the ranking rule, or
// ErrNotFound for users with no score row.
func (s *sqliteStore) Rank(ctx context.Context, userID int64) (int, error) {
	var rank int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) + 1
		   FROM scores s, (SELECT correct AS c, correct + wrong AS t FROM scores WHERE user_id = ?) me
		  WHERE s.correct > me.c
		     OR (s.correct = me.c AND s.correct + s.wrong < me.t)
		     OR (s.correct = me.c AND s.correct + s.wrong = me.t AND s.user_id < ?)`,
		userID, userID,
	).Scan(&rank)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return rank, nil
}

// ---- Recipient registry ----

func (s *sqliteStore) UpsertUser(ctx context.Context, u User) error {
	pm := 0
	if u.PMEnabled {
		pm = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(user_id, username, first_name, pm_enabled, created_at, updated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   username = excluded.username,
		   first_name = excluded.first_name,
		   pm_enabled = MAX(pm_enabled, excluded.pm_enabled),
		   updated_at = excluded.updated_at`,
		u.ID, nullStr(u.Username), nullStr(u.FirstName), pm, now(), now(),
	)
	return err
}

func (s *sqliteStore) UpsertGroup(ctx context.Context, g Group) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO groups(chat_id, title, created_at, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET
		   title = excluded.title,
		   updated_at = excluded.updated_at`,
		g.ChatID, nullStr(g.Title), now(), now(),
	)
	return err
}

func (s *sqliteStore) BroadcastableUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, COALESCE(username, ''), COALESCE(first_name, '')
		   FROM users WHERE pm_enabled = 1 ORDER BY user_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u := User{PMEnabled: true}
		if err := rows.Scan(&u.ID, &u.Username, &u.FirstName); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ActiveGroups(ctx context.Context) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, COALESCE(title, '') FROM groups ORDER BY chat_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ChatID, &g.Title); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RemoveUser(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE user_id = ?`, userID)
	return err
}

func (s *sqliteStore) RemoveGroup(ctx context.Context, chatID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM groups WHERE chat_id = ?`, chatID)
	return err
}

// ---- Question bank ----

func (s *sqliteStore) AddQuestion(ctx context.Context, q Question) (int64, error) {
	opts, err := json.Marshal(q.Options)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO questions(category, question, options, correct_option) VALUES(?,?,?,?)`,
		q.Category, q.Question, string(opts), q.CorrectOption,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) RandomQuestion(ctx context.Context, category string) (*Question, error) {
	query := `SELECT id, category, question, options, correct_option FROM questions`
	args := []any{}
	if strings.TrimSpace(category) != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY RANDOM() LIMIT 1`

	var q Question
	var opts string
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&q.ID, &q.Category, &q.Question, &opts, &q.CorrectOption)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(opts), &q.Options); err != nil {
		return nil, fmt.Errorf("question %d: bad options payload: %w", q.ID, err)
	}
	return &q, nil
}

// ---- Last quiz message ----

func (s *sqliteStore) LastQuizMessage(ctx context.Context, chatID int64) (int, error) {
	var id int
	err := s.db.QueryRowContext(ctx, `SELECT message_id FROM last_quiz WHERE chat_id = ?`, chatID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *sqliteStore) SetLastQuizMessage(ctx context.Context, chatID int64, messageID int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO last_quiz(chat_id, message_id) VALUES(?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET message_id = excluded.message_id`,
		chatID, messageID,
	)
	return err
}

// ---- Broadcast ledgers ----

func (s *sqliteStore) SaveLedger(ctx context.Context, l Ledger) error {
	if strings.TrimSpace(l.ID) == "" {
		return errors.New("ledger id is required")
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	// JSON object keys are strings; encode chat ids accordingly.
	enc := make(map[string]int, len(l.Deliveries))
	for chatID, msgID := range l.Deliveries {
		enc[strconv.FormatInt(chatID, 10)] = msgID
	}
	deliveries, err := json.Marshal(enc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO broadcasts(id, actor_id, payload, deliveries, success, failed, pruned, created_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   deliveries = excluded.deliveries,
		   success = excluded.success,
		   failed = excluded.failed,
		   pruned = excluded.pruned`,
		l.ID, l.ActorID, l.Payload, string(deliveries),
		l.Success, l.Failed, l.Pruned, l.CreatedAt.Format(time.RFC3339Nano),
	)
	return err
}

// LatestLedger returns the most recently created ledger; only this one is
// retractable.
func (s *sqliteStore) LatestLedger(ctx context.Context) (*Ledger, error) {
	var (
		l          Ledger
		deliveries string
		createdAt  string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, actor_id, payload, deliveries, success, failed, pruned, created_at
		   FROM broadcasts ORDER BY created_at DESC LIMIT 1`,
	).Scan(&l.ID, &l.ActorID, &l.Payload, &deliveries, &l.Success, &l.Failed, &l.Pruned, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var enc map[string]int
	if err := json.Unmarshal([]byte(deliveries), &enc); err != nil {
		return nil, fmt.Errorf("ledger %s: bad deliveries payload: %w", l.ID, err)
	}
	l.Deliveries = make(map[int64]int, len(enc))
	for k, v := range enc {
		chatID, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			s.log.Warn("ledger delivery key skipped", logx.String("ledger", l.ID), logx.String("key", k))
			continue
		}
		l.Deliveries[chatID] = v
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		l.CreatedAt = t
	}
	return &l, nil
}

func (s *sqliteStore) DeleteLedger(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM broadcasts WHERE id = ?`, id)
	return err
}

func now() string { return time.Now().Format(time.RFC3339Nano) }

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
