// Package linemap turns a byte stream into addressable lines. It detects
// byte-order marks, recognizes LF, CR, and CRLF terminators in whole code
// units, optionally wraps lines for display, and resolves byte offsets
// back to line/column coordinates. Parsing promotes itself to a
// background task when a stream turns out to be very long.
package linemap

import (
	"context"
	"fmt"
	"io"
	"sync"

	apperrors "github.com/lodestone-search/lodestone/internal/errors"
)

// DefaultThreshold is the discovered-line count at which parsing moves
// to the background.
const DefaultThreshold = 10000

// LineFlag marks properties of a line or display row.
type LineFlag uint8

const (
	// FlagWrapBroken marks a display row produced by wrapping, not by a
	// terminator in the source.
	FlagWrapBroken LineFlag = 1 << iota
)

// Line is one source line. Start and Len are byte positions in the
// original stream; Len includes the terminator (TermLen bytes), so
// concatenating every line's full span reproduces the stream exactly.
// A byte-order mark belongs to line 0's span.
type Line struct {
	Index   int
	Start   int64
	Len     int64
	TermLen int
	Flags   LineFlag
}

// ContentLen is the line's span without its terminator.
func (l Line) ContentLen() int64 { return l.Len - int64(l.TermLen) }

// Event identifies a parse notification.
type Event int

const (
	// EventLoading fires once when parsing moves to the background,
	// carrying the line count discovered so far.
	EventLoading Event = iota
	// EventLoaded fires when a background parse completes.
	EventLoaded
	// EventCancelled fires when a background parse stops early. Lines
	// published before the cancellation remain valid.
	EventCancelled
)

// Notification reports parse progress.
type Notification struct {
	Event Event
	Lines int
}

// NotifyFunc receives parse notifications. Returning false requests
// cancellation; the return value is only consulted for EventLoading.
type NotifyFunc func(Notification) bool

// Options configure a Mapper.
type Options struct {
	// Fallback is the encoding assumed when no byte-order mark is
	// present. Zero value is UTF-8.
	Fallback Encoding
	// Threshold is the line count that triggers background parsing.
	// Zero means DefaultThreshold.
	Threshold int
	Notify    NotifyFunc
}

// Range is a resolved byte range in line/column coordinates. Columns
// are byte offsets from the containing line's start.
type Range struct {
	StartLine int
	StartCol  int64
	EndLine   int
	EndCol    int64
}

// Mapper holds the parsed line index for one stream. Readers always see
// the last published snapshot; a background parse appends to its own
// list and publishes a new snapshot when it finishes.
type Mapper struct {
	enc    Encoding
	bomLen int

	mu        sync.Mutex
	lines     []Line
	size      int64
	done      bool
	cancelled bool

	wg sync.WaitGroup
}

// New reads the stream and builds the line index. For streams under the
// threshold the index is complete on return; longer streams return with
// a prefix published and parsing continuing in the background (see
// Wait). ctx cancels only the background phase.
func New(ctx context.Context, r io.Reader, opts Options) (*Mapper, error) {
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	notify := opts.Notify
	if notify == nil {
		notify = func(Notification) bool { return true }
	}

	head := make([]byte, 4)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, apperrors.IO("reading stream head", err)
	}
	head = head[:n]

	enc, bomLen, found := DetectBOM(head)
	if !found {
		enc = opts.Fallback
	}

	m := &Mapper{enc: enc, bomLen: bomLen}
	// The head bytes were consumed for detection; replay everything
	// after the mark through the unit reader.
	ur := newUnitReader(io.MultiReader(newSliceReader(head[bomLen:]), r), enc)

	p := &parser{
		m:         m,
		ur:        ur,
		pos:       int64(bomLen),
		lineStart: 0,
	}

	for {
		progressed, perr := p.step()
		if perr != nil {
			return nil, perr
		}
		if !progressed {
			p.finish()
			m.publish(p.lines, p.pos, true, false)
			return m, nil
		}
		if len(p.lines) >= threshold {
			break
		}
	}

	// Threshold crossed: publish the prefix and keep going off-thread.
	m.publish(p.lines, p.pos, false, false)
	if !notify(Notification{Event: EventLoading, Lines: len(p.lines)}) {
		m.publish(p.lines, p.pos, true, true)
		notify(Notification{Event: EventCancelled, Lines: len(p.lines)})
		return m, nil
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			if ctx.Err() != nil {
				m.publish(p.lines, p.pos, true, true)
				notify(Notification{Event: EventCancelled, Lines: len(p.lines)})
				return
			}
			progressed, perr := p.step()
			if perr != nil || !progressed {
				if perr == nil {
					p.finish()
				}
				m.publish(p.lines, p.pos, true, false)
				notify(Notification{Event: EventLoaded, Lines: len(p.lines)})
				return
			}
		}
	}()
	return m, nil
}

// publish copies lines into a fresh snapshot under the lock.
func (m *Mapper) publish(lines []Line, size int64, done, cancelled bool) {
	snap := make([]Line, len(lines))
	copy(snap, lines)
	m.mu.Lock()
	m.lines = snap
	m.size = size
	m.done = done
	m.cancelled = cancelled
	m.mu.Unlock()
}

// Wait blocks until any background parse has finished or been cancelled.
func (m *Mapper) Wait() { m.wg.Wait() }

// Lines returns the last published snapshot.
func (m *Mapper) Lines() []Line {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lines
}

// LineCount is the number of lines in the last published snapshot.
func (m *Mapper) LineCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lines)
}

// Size is the number of stream bytes covered by the snapshot.
func (m *Mapper) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// Done reports whether parsing has finished (completed or cancelled).
func (m *Mapper) Done() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Cancelled reports whether a background parse stopped early.
func (m *Mapper) Cancelled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

// Encoding is the detected (or fallback) stream encoding.
func (m *Mapper) Encoding() Encoding { return m.enc }

// BOMLen is the byte length of the detected byte-order mark, 0 if none.
func (m *Mapper) BOMLen() int { return m.bomLen }

// ContainingLine returns the line L with L.Start <= off < L.Start+L.Len.
func (m *Mapper) ContainingLine(off int64) (Line, bool) {
	lines := m.Lines()
	if off < 0 || len(lines) == 0 {
		return Line{}, false
	}
	lo, hi := 0, len(lines)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		l := lines[mid]
		switch {
		case off < l.Start:
			hi = mid - 1
		case off >= l.Start+l.Len:
			lo = mid + 1
		default:
			return l, true
		}
	}
	return Line{}, false
}

// ResolveRange converts a byte range to line/column coordinates. A range
// reaching past the last known line clamps to that line's end column.
func (m *Mapper) ResolveRange(off, length int64) (Range, error) {
	if length < 0 {
		return Range{}, apperrors.Validation("negative range length")
	}
	start, ok := m.ContainingLine(off)
	if !ok {
		return Range{}, apperrors.Integrity(apperrors.ErrCodeOffsetOutOfRange,
			fmt.Sprintf("offset %d is outside the mapped stream", off))
	}

	r := Range{StartLine: start.Index, StartCol: off - start.Start}

	end := off + length
	lines := m.Lines()
	last := lines[len(lines)-1]
	if end > last.Start+last.Len {
		// Clamp to the last line's content end: the terminator is not an
		// addressable column.
		r.EndLine = last.Index
		r.EndCol = last.ContentLen()
		return r, nil
	}
	if length == 0 {
		r.EndLine = r.StartLine
		r.EndCol = r.StartCol
		return r, nil
	}
	endLine, ok := m.ContainingLine(end - 1)
	if !ok {
		endLine = last
	}
	r.EndLine = endLine.Index
	r.EndCol = end - endLine.Start
	return r, nil
}

// parser carries the forward-pass state shared between the synchronous
// and background phases. Only one goroutine touches it at a time: the
// caller hands it off to the worker and never steps it again.
type parser struct {
	m         *Mapper
	ur        *unitReader
	pos       int64
	lineStart int64
	lines     []Line
	eof       bool
}

// step consumes code units until one line completes or the stream ends.
// It reports false when no further lines will be produced.
func (p *parser) step() (bool, error) {
	if p.eof {
		return false, nil
	}
	for {
		unit, n, err := p.ur.read()
		if err != nil {
			return false, apperrors.IO("reading stream", err)
		}
		if n == 0 {
			p.eof = true
			return false, nil
		}
		p.pos += int64(n)
		if n < p.ur.size {
			// A trailing partial code unit is content, not an error.
			p.eof = true
			return false, nil
		}

		switch p.ur.value(unit) {
		case '\n':
			p.endLine(p.ur.size)
			return true, nil
		case '\r':
			next, n2, err := p.ur.read()
			if err != nil {
				return false, apperrors.IO("reading stream", err)
			}
			if n2 == p.ur.size && p.ur.value(next) == '\n' {
				p.pos += int64(n2)
				p.endLine(2 * p.ur.size)
			} else {
				// Bare CR: replay whatever followed it.
				if n2 > 0 {
					p.ur.pushback(next[:n2])
				}
				p.endLine(p.ur.size)
			}
			return true, nil
		}
	}
}

// finish records the trailing unterminated line, if any.
func (p *parser) finish() {
	if p.pos > p.lineStart {
		p.endLine(0)
	}
}

func (p *parser) endLine(termLen int) {
	p.lines = append(p.lines, Line{
		Index:   len(p.lines),
		Start:   p.lineStart,
		Len:     p.pos - p.lineStart,
		TermLen: termLen,
	})
	p.lineStart = p.pos
}

// unitReader reads whole code units with one unit of pushback, so a
// provisionally consumed sequence that turns out not to be a terminator
// can be replayed.
type unitReader struct {
	r      io.Reader
	size   int
	le     bool
	pushed []byte
	buf    [4]byte
}

func newUnitReader(r io.Reader, enc Encoding) *unitReader {
	le := enc == UTF16LE || enc == UTF32LE || enc == UTF8
	return &unitReader{r: r, size: enc.UnitSize(), le: le}
}

// read returns the next code unit. n < size means the stream ended
// mid-unit; n == 0 means clean EOF.
func (u *unitReader) read() ([]byte, int, error) {
	if u.pushed != nil {
		b := u.pushed
		u.pushed = nil
		return b, len(b), nil
	}
	n, err := io.ReadFull(u.r, u.buf[:u.size])
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return u.buf[:n], n, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return u.buf[:u.size], u.size, nil
}

func (u *unitReader) pushback(b []byte) {
	u.pushed = append([]byte(nil), b...)
}

// value decodes one code unit for terminator comparison, honoring the
// encoding's endianness.
func (u *unitReader) value(b []byte) uint32 {
	switch u.size {
	case 2:
		if u.le {
			return uint32(b[0]) | uint32(b[1])<<8
		}
		return uint32(b[1]) | uint32(b[0])<<8
	case 4:
		if u.le {
			return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
		}
		return uint32(b[3]) | uint32(b[2])<<8 | uint32(b[1])<<16 | uint32(b[0])<<24
	default:
		return uint32(b[0])
	}
}

// sliceReader replays the bytes consumed during BOM detection.
type sliceReader struct {
	b []byte
}

func newSliceReader(b []byte) *sliceReader { return &sliceReader{b: b} }

func (s *sliceReader) Read(p []byte) (int, error) {
	if len(s.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.b)
	s.b = s.b[n:]
	return n, nil
}
