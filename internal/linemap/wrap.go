package linemap

import (
	"unicode"

	"github.com/mattn/go-runewidth"

	apperrors "github.com/lodestone-search/lodestone/internal/errors"
)

// WrapMode selects how display rows are produced from a line.
type WrapMode int

const (
	// WrapNone keeps one display row per line.
	WrapNone WrapMode = iota
	// WrapFixed breaks at the width regardless of word boundaries.
	WrapFixed
	// WrapWord breaks at the last breakable rune within the width,
	// hard-breaking only a single overlong word.
	WrapWord
)

// Row is one display row of a wrapped line. Continuation rows carry
// FlagWrapBroken. Wrapping only affects display; the underlying Line
// records keep their byte spans.
type Row struct {
	Text  string
	Flags LineFlag
}

// WrapLine decodes one line's content bytes and splits it into display
// rows. Decoding happens before any cut, so a multi-byte character can
// never be split across a boundary. Width is measured in display
// columns.
func WrapLine(content []byte, enc Encoding, mode WrapMode, width int) ([]Row, error) {
	text, err := Decode(content, enc)
	if err != nil {
		return nil, apperrors.IO("decoding line", err)
	}
	if mode == WrapNone || width <= 0 {
		return []Row{{Text: text}}, nil
	}

	var pieces []string
	switch mode {
	case WrapFixed:
		pieces = wrapFixed(text, width)
	case WrapWord:
		pieces = wrapWord(text, width)
	default:
		return nil, apperrors.Validation("unknown wrap mode")
	}

	rows := make([]Row, len(pieces))
	for i, p := range pieces {
		rows[i] = Row{Text: p}
		if i > 0 {
			rows[i].Flags = FlagWrapBroken
		}
	}
	return rows, nil
}

func wrapFixed(text string, width int) []string {
	var out []string
	var cur []rune
	cols := 0
	for _, r := range text {
		w := runewidth.RuneWidth(r)
		if cols+w > width && len(cur) > 0 {
			out = append(out, string(cur))
			cur = cur[:0]
			cols = 0
		}
		cur = append(cur, r)
		cols += w
	}
	if len(cur) > 0 || len(out) == 0 {
		out = append(out, string(cur))
	}
	return out
}

func wrapWord(text string, width int) []string {
	var out []string
	var cur []rune
	cols := 0
	lastBreak := -1 // index in cur after which a cut is allowed

	flush := func(upto int) {
		out = append(out, string(cur[:upto]))
		rest := cur[upto:]
		// Leading spaces carried onto a continuation row are dropped.
		for len(rest) > 0 && unicode.IsSpace(rest[0]) {
			rest = rest[1:]
		}
		cur = append(cur[:0], rest...)
		cols = 0
		for _, r := range cur {
			cols += runewidth.RuneWidth(r)
		}
		lastBreak = -1
		for i, r := range cur {
			if breakable(r) {
				lastBreak = i + 1
			}
		}
	}

	for _, r := range text {
		w := runewidth.RuneWidth(r)
		if cols+w > width && len(cur) > 0 {
			if lastBreak > 0 {
				flush(lastBreak)
			} else {
				flush(len(cur))
			}
		}
		cur = append(cur, r)
		cols += w
		if breakable(r) {
			lastBreak = len(cur)
		}
	}
	if len(cur) > 0 || len(out) == 0 {
		out = append(out, string(cur))
	}
	return out
}

func breakable(r rune) bool {
	return unicode.IsSpace(r) || r == '-'
}
