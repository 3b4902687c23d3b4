package app

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		name string
		args []string
		ok   bool
	}{
		{in: "/quiz", name: "quiz", args: []string{}, ok: true},
		{in: "/quiz science", name: "quiz", args: []string{"science"}, ok: true},
		{in: "/Quiz@MyQuizBot  science ", name: "quiz", args: []string{"science"}, ok: true},
		{in: "/leaderboard 2", name: "leaderboard", args: []string{"2"}, ok: true},
		{in: "hello there", ok: false},
		{in: "", ok: false},
		{in: "/", ok: false},
		{in: "  /mystats", name: "mystats", args: []string{}, ok: true},
	}
	for _, tt := range tests {
		name, args, ok := parseCommand(tt.in)
		require.Equal(t, tt.ok, ok, "input %q", tt.in)
		if !tt.ok {
			continue
		}
		require.Equal(t, tt.name, name, "input %q", tt.in)
		require.ElementsMatch(t, tt.args, args, "input %q", tt.in)
	}
}

func TestCommandRest(t *testing.T) {
	t.Parallel()
	require.Equal(t, "hello world", commandRest("/broadcast hello world"))
	require.Equal(t, "hello", commandRest("/broadcast@MyQuizBot hello"))
	require.Equal(t, "", commandRest("/broadcast"))
	require.Equal(t, "a | b | c | 1", commandRest("/addquestion a | b | c | 1"))
}
