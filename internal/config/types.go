package config

type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Quiz        QuizConfig        `json:"quiz"`
	Leaderboard LeaderboardConfig `json:"leaderboard"`
	Broadcast   BroadcastConfig   `json:"broadcast"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// OwnerUserIDs are privileged actors: they bypass command cooldowns and
	// may run broadcast commands.
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the SQLite persistence layer.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// QuizConfig controls quiz delivery and answer tracking.
//
// All durations are Go duration strings. Defaults (when omitted/zero):
//   - session_retention: "1h"
//   - cooldown: "60s"
//   - daily_at: "" (scheduled daily quiz disabled)
type QuizConfig struct {
	SessionRetention string `json:"session_retention,omitempty"`
	Cooldown         string `json:"cooldown,omitempty"`
	// DailyAt is a HH:MM wall-clock time (scheduler timezone) at which a quiz
	// is sent to every active group. Empty disables the job.
	DailyAt string `json:"daily_at,omitempty"`
}

// LeaderboardConfig controls the ranked-read cache.
//
// Defaults: ttl "45s", top_n 1000.
type LeaderboardConfig struct {
	TTL  string `json:"ttl,omitempty"`
	TopN int    `json:"top_n,omitempty"`
}

// BroadcastConfig controls fan-out pacing.
//
// Defaults: batch_size 5, pace_above 20, batch_delay "300ms", rate_per_sec 25.
type BroadcastConfig struct {
	BatchSize  int    `json:"batch_size,omitempty"`
	PaceAbove  int    `json:"pace_above,omitempty"`
	BatchDelay string `json:"batch_delay,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type SchedulerConfig struct {
	Workers     int    `json:"workers,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
	Timezone    string `json:"timezone,omitempty"` // IANA TZ, e.g. "Asia/Jakarta"
}
