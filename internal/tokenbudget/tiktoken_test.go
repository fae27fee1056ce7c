package tokenbudget

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodingForModel(t *testing.T) {
	t.Parallel()
	require.Equal(t, "o200k_base", encodingForModel("gpt-4o-mini"))
	require.Equal(t, "o200k_base", encodingForModel("gpt-4o-2024-08-06"))
	require.Equal(t, "cl100k_base", encodingForModel("some-unknown-model"))
}

func TestTrimTranscript_ZeroBudgetLeavesTurnsUntouched(t *testing.T) {
	t.Parallel()
	tr := NewTrimmer("gpt-4o-mini")
	turns := []string{"a: one\n", "b: two\n"}

	out, err := tr.TrimTranscript(turns, 0)
	require.NoError(t, err)
	require.Equal(t, turns, out)
}

func TestTrimTranscript_DropsOldestFirst(t *testing.T) {
	t.Parallel()
	tr := NewTrimmer("gpt-4o-mini")

	long := "speaker: " + strings.Repeat("lorem ipsum dolor sit amet ", 20) + "\n"
	turns := []string{long, long, long, "speaker: short\n"}

	out, err := tr.TrimTranscript(turns, 30)
	require.NoError(t, err)
	require.NotEmpty(t, out)
	require.Less(t, len(out), len(turns))
	require.Equal(t, "speaker: short\n", out[len(out)-1])
}

func TestTrimTranscript_KeepsLastTurnEvenOverBudget(t *testing.T) {
	t.Parallel()
	tr := NewTrimmer("gpt-4o-mini")

	long := "speaker: " + strings.Repeat("word ", 500) + "\n"
	out, err := tr.TrimTranscript([]string{long}, 1)
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func TestEstimate_CountsSomethingForNonEmptyText(t *testing.T) {
	t.Parallel()
	require.Zero(t, estimate(""))
	require.Greater(t, estimate("plain ascii text"), 0)
	require.Greater(t, estimate("你好世界"), 1)
}
