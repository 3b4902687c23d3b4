package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return NewManager(path)
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, `
telegram:
  token: "123:abc"
  owner_user_ids: [42]
storage:
  path: "./data/quizbot.db"
quiz:
  cooldown: "90s"
leaderboard:
  ttl: "30s"
  top_n: 500
`)
	cfg, err := m.Parse()
	require.NoError(t, err)
	require.Equal(t, "123:abc", cfg.Telegram.Token)
	require.Equal(t, []int64{42}, cfg.Telegram.OwnerUserIDs)
	require.Equal(t, "90s", cfg.Quiz.Cooldown)
	require.Equal(t, 500, cfg.Leaderboard.TopN)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, `
telegram:
  token: "123:abc"
  totally_unknown: true
`)
	_, err := m.Parse()
	require.Error(t, err)
}

func TestLoadCommitsAndGet(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, `
telegram:
  token: "123:abc"
`)
	require.Nil(t, m.Get())
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Same(t, cfg, m.Get())
}

func TestSubscribePublish(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, `{}`)

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	cfg := &Config{}
	m.publish(cfg)

	select {
	case got := <-sub:
		require.Same(t, cfg, got)
	case <-time.After(time.Second):
		t.Fatal("no config published")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	d, err := ParseDurationField("x", " 45s ")
	require.NoError(t, err)
	require.Equal(t, 45*time.Second, d)

	d, err = ParseDurationField("x", "")
	require.NoError(t, err)
	require.Zero(t, d)

	// Errors name the config key so the operator can find the bad field.
	_, err = ParseDurationField("quiz.cooldown", "-1s")
	require.ErrorContains(t, err, "quiz.cooldown")
	require.ErrorContains(t, err, "negative")
	_, err = ParseDurationField("leaderboard.ttl", "soon")
	require.ErrorContains(t, err, "leaderboard.ttl")

	d, err = ParseDurationOrDefault("x", "", time.Minute)
	require.NoError(t, err)
	require.Equal(t, time.Minute, d)
}
