package linemap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rowTexts(rows []Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Text
	}
	return out
}

func TestWrapNone(t *testing.T) {
	rows, err := WrapLine([]byte("anything at all"), UTF8, WrapNone, 4)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "anything at all", rows[0].Text)
	assert.Zero(t, rows[0].Flags)
}

func TestWrapFixed(t *testing.T) {
	rows, err := WrapLine([]byte("abcdefghij"), UTF8, WrapFixed, 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"abcd", "efgh", "ij"}, rowTexts(rows))

	assert.Zero(t, rows[0].Flags)
	for _, r := range rows[1:] {
		assert.Equal(t, FlagWrapBroken, r.Flags, "continuation rows are marked")
	}
}

func TestWrapWord(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		width int
		want  []string
	}{
		{
			name:  "breaks at spaces",
			text:  "the quick brown fox",
			width: 10,
			want:  []string{"the quick ", "brown fox"},
		},
		{
			name:  "hard-breaks an overlong word",
			text:  "abcdefghijkl x",
			width: 5,
			want:  []string{"abcde", "fghij", "kl x"},
		},
		{
			name:  "breaks after hyphen",
			text:  "well-known fact",
			width: 6,
			want:  []string{"well-", "known ", "fact"},
		},
		{
			name:  "fits entirely",
			text:  "short",
			width: 40,
			want:  []string{"short"},
		},
		{
			name:  "empty line yields one empty row",
			text:  "",
			width: 10,
			want:  []string{""},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := WrapLine([]byte(tt.text), UTF8, WrapWord, tt.width)
			require.NoError(t, err)
			assert.Equal(t, tt.want, rowTexts(rows))
		})
	}
}

func TestWrapNeverSplitsMultibyte(t *testing.T) {
	// Wide CJK runes occupy two display columns each; an odd width must
	// break before a rune, never inside its byte sequence.
	text := "日本語テスト"
	rows, err := WrapLine([]byte(text), UTF8, WrapFixed, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"日本", "語テ", "スト"}, rowTexts(rows))

	var rebuilt string
	for _, r := range rows {
		rebuilt += r.Text
	}
	assert.Equal(t, text, rebuilt)
}

func TestWrapDecodesBeforeCutting(t *testing.T) {
	rows, err := WrapLine(utf16le("abcdef"), UTF16LE, WrapFixed, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"abc", "def"}, rowTexts(rows))
}
