package fragment

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// Status classifies what happened to the buffer after a chunk was fed.
type Status int

const (
	// StatusComplete means a full JSON value was decoded and removed from the buffer.
	StatusComplete Status = iota
	// StatusNeedMore means the buffer holds a truncated value and was kept.
	StatusNeedMore
	// StatusMalformed means the buffer could not become a fragment and was discarded.
	StatusMalformed
)

func (s Status) String() string {
	switch s {
	case StatusComplete:
		return "complete"
	case StatusNeedMore:
		return "need-more"
	case StatusMalformed:
		return "malformed"
	}
	return "unknown"
}

var ErrBufferOverflow = errors.New("fragment: accumulation buffer exceeded limit")

// Result is one outcome of Feed.
type Result struct {
	Status   Status
	Fragment Fragment
	Raw      []byte
	Err      error
}

// Accumulator buffers raw chunks until they form complete JSON values. One
// logical fragment may span several chunks and one chunk may carry several
// fragments back to back.
//
// While a value is incomplete, chunks that only extend a string literal (the
// usual case for large base64 attachments) are appended without decoding the
// buffer again. Any other chunk re-decodes the whole pending value, so
// MaxPending also bounds the cost of a value split into many small chunks.
type Accumulator struct {
	buf []byte
	// MaxPending bounds the buffered bytes of an incomplete value. Zero disables the limit.
	MaxPending int

	// scanned is the prefix of buf already decoded as incomplete, and
	// inString whether that prefix ends inside a string literal.
	scanned  int
	inString bool
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Pending returns the number of buffered bytes awaiting completion.
func (a *Accumulator) Pending() int {
	if a == nil {
		return 0
	}
	return len(a.buf)
}

func (a *Accumulator) Reset() {
	if a == nil {
		return
	}
	a.buf = nil
	a.scanned, a.inString = 0, false
}

// Feed appends chunk and decodes every complete value now available. The last
// result is StatusNeedMore when a partial value remains buffered.
func (a *Accumulator) Feed(chunk []byte) []Result {
	if a == nil {
		return nil
	}
	a.buf = append(a.buf, chunk...)

	var out []Result
	for {
		a.buf = bytes.TrimLeft(a.buf, " \t\r\n")
		if len(a.buf) == 0 {
			a.buf = nil
			return out
		}

		if a.extendsString() {
			if a.MaxPending > 0 && len(a.buf) > a.MaxPending {
				a.Reset()
				return append(out, Result{Status: StatusMalformed, Err: ErrBufferOverflow})
			}
			return append(out, Result{Status: StatusNeedMore})
		}
		a.scanned, a.inString = 0, false

		dec := json.NewDecoder(bytes.NewReader(a.buf))
		var raw json.RawMessage
		err := dec.Decode(&raw)
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				if a.MaxPending > 0 && len(a.buf) > a.MaxPending {
					a.buf = nil
					return append(out, Result{Status: StatusMalformed, Err: ErrBufferOverflow})
				}
				a.scanned, a.inString = len(a.buf), endsInString(a.buf)
				return append(out, Result{Status: StatusNeedMore})
			}
			discarded := a.buf
			a.buf = nil
			return append(out, Result{
				Status: StatusMalformed,
				Raw:    discarded,
				Err:    errors.Wrap(err, "fragment: syntax error"),
			})
		}

		consumed := dec.InputOffset()
		rest := a.buf[consumed:]
		a.buf = append([]byte(nil), rest...)

		f, perr := Parse(raw)
		if perr != nil {
			out = append(out, Result{Status: StatusMalformed, Raw: raw, Err: perr})
			continue
		}
		out = append(out, Result{Status: StatusComplete, Fragment: f, Raw: raw})
	}
}

// extendsString reports whether everything after the scanned prefix continues
// an open string literal with no quote, escape or control byte. Such bytes
// cannot complete the value or make it invalid.
func (a *Accumulator) extendsString() bool {
	if a.scanned == 0 || !a.inString || a.scanned > len(a.buf) {
		return false
	}
	for _, b := range a.buf[a.scanned:] {
		if b == '"' || b == '\\' || b < 0x20 {
			return false
		}
	}
	a.scanned = len(a.buf)
	return true
}

// endsInString reports whether a JSON prefix stops inside a string literal.
func endsInString(prefix []byte) bool {
	in, escaped := false, false
	for _, b := range prefix {
		switch {
		case escaped:
			escaped = false
		case in && b == '\\':
			escaped = true
		case b == '"':
			in = !in
		}
	}
	return in && !escaped
}
