package telegram

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	kit "quizbot/internal/transport"
)

func TestSplitTextShort(t *testing.T) {
	t.Parallel()
	got := splitText("hello", 4000)
	require.Equal(t, []string{"hello"}, got)
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("line one\n", 30)
	chunks := splitText(text, 100)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		require.LessOrEqual(t, len([]rune(c)), 100)
		// Chunks break at line boundaries, so no partial lines appear.
		for _, line := range strings.Split(c, "\n") {
			require.Equal(t, "line one", line)
		}
	}
}

func TestSplitTextHardBreak(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("x", 250)
	chunks := splitText(text, 100)
	require.Len(t, chunks, 3)
	require.Equal(t, strings.Repeat("x", 100), chunks[0])
	require.Equal(t, strings.Repeat("x", 50), chunks[2])
}

func TestClassifyPermanent(t *testing.T) {
	t.Parallel()
	for _, cause := range []error{
		tele.ErrBlockedByUser,
		tele.ErrUserIsDeactivated,
		tele.ErrNotStartedByUser,
		tele.ErrKickedFromGroup,
		tele.ErrKickedFromSuperGroup,
		tele.ErrKickedFromChannel,
		tele.ErrChatNotFound,
	} {
		err := classify(cause)
		require.True(t, kit.IsPermanentlyUnreachable(err), "cause: %v", cause)
		require.ErrorIs(t, err, cause)
	}
}

func TestClassifyTransient(t *testing.T) {
	t.Parallel()
	for _, cause := range []error{
		tele.ErrTooLarge,
		tele.ErrEmptyMessage,
		errors.New("api timeout"),
	} {
		err := classify(cause)
		require.False(t, kit.IsPermanentlyUnreachable(err), "cause: %v", cause)
	}
}

func TestClassifyNil(t *testing.T) {
	t.Parallel()
	require.NoError(t, classify(nil))
}
