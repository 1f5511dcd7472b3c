// Package shaper implements the Output Shaper (spec.md §4.7): the
// pipeline every byte of stdout/stderr passes through before it reaches
// a caller — demultiplex, UTF-8 decode, secret redaction, byte-cap
// truncation, trailing-whitespace trim. This is pure string/byte
// algorithmic work with no daemon or transport dependency, so unlike
// the rest of the engine it is deliberately built on the standard
// library only; nothing in the example corpus ships a redaction or
// streaming-UTF8-decode library and reaching for one here would be
// decorative.
package shaper

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// Redactor replaces every configured secret value with a fixed marker,
// longest value first so a shorter secret that is a substring of a
// longer one never leaves a partial match behind.
type Redactor struct {
	ordered []string
}

const marker = "***"

// NewRedactor builds a Redactor from an engine's configured secret
// values (not their names — model.Config.Secrets is map[name]value, only
// the values are ever matched).
func NewRedactor(secrets map[string]string) *Redactor {
	values := make([]string, 0, len(secrets))
	for _, v := range secrets {
		if v != "" {
			values = append(values, v)
		}
	}
	sort.Slice(values, func(i, j int) bool { return len(values[i]) > len(values[j]) })
	return &Redactor{ordered: values}
}

// Redact replaces every occurrence of every configured secret in s.
func (r *Redactor) Redact(s string) string {
	for _, v := range r.ordered {
		s = strings.ReplaceAll(s, v, marker)
	}
	return s
}

// Decoder incrementally decodes UTF-8 bytes, deferring an incomplete
// trailing code unit to the next chunk (streaming mode) and replacing a
// genuinely invalid sequence with U+FFFD.
type Decoder struct {
	pending []byte
}

// Push decodes as much of chunk as forms complete runes, prepending any
// bytes deferred from a previous call. Incomplete trailing bytes that
// could still become a valid rune are held back for the next call.
func (d *Decoder) Push(chunk []byte) string {
	buf := append(d.pending, chunk...)
	d.pending = nil

	var out strings.Builder
	i := 0
	for i < len(buf) {
		r, size := utf8.DecodeRune(buf[i:])
		if r == utf8.RuneError && size <= 1 {
			if isIncompleteAtEnd(buf[i:]) {
				d.pending = append(d.pending, buf[i:]...)
				break
			}
			out.WriteRune(utf8.RuneError)
			i++
			continue
		}
		out.WriteRune(r)
		i += size
	}
	return out.String()
}

// Final flushes any deferred trailing bytes, replacing them with the
// replacement character since no further chunk will ever complete them.
func (d *Decoder) Final() string {
	if len(d.pending) == 0 {
		return ""
	}
	out := strings.Repeat(string(utf8.RuneError), len(d.pending))
	d.pending = nil
	return out
}

func isIncompleteAtEnd(b []byte) bool {
	if len(b) >= utf8.UTFMax {
		return false
	}
	// A leading byte announcing a multi-byte rune that we don't yet have
	// all the continuation bytes for is "incomplete"; anything else at
	// this point is simply invalid, not incomplete.
	c := b[0]
	var want int
	switch {
	case c&0x80 == 0:
		want = 1
	case c&0xE0 == 0xC0:
		want = 2
	case c&0xF0 == 0xE0:
		want = 3
	case c&0xF8 == 0xF0:
		want = 4
	default:
		return false
	}
	return len(b) < want
}

// Shaper accumulates one stream (stdout or stderr) of an execution:
// decode, redact, and enforce the byte cap with a truncation marker.
type Shaper struct {
	redactor  *Redactor
	maxBytes  int64
	decoder   Decoder
	buf       strings.Builder
	truncated bool
}

// New constructs a Shaper bounded at maxBytes and redacting via redactor.
func New(redactor *Redactor, maxBytes int64) *Shaper {
	return &Shaper{redactor: redactor, maxBytes: maxBytes}
}

// Write decodes, redacts, and appends chunk, returning the
// already-redacted text newly appended for this chunk — empty once the
// cap has been hit.
func (s *Shaper) Write(chunk []byte) string {
	if s.truncated {
		return ""
	}
	decoded := s.decoder.Push(chunk)
	redacted := s.redactor.Redact(decoded)
	return s.append(redacted)
}

// Close flushes any deferred partial rune and returns any final text
// produced.
func (s *Shaper) Close() string {
	if s.truncated {
		return ""
	}
	tail := s.decoder.Final()
	if tail == "" {
		return ""
	}
	return s.append(s.redactor.Redact(tail))
}

func (s *Shaper) append(text string) string {
	if s.maxBytes <= 0 {
		s.buf.WriteString(text)
		return text
	}
	remaining := s.maxBytes - int64(s.buf.Len())
	if remaining <= 0 {
		s.truncated = true
		return ""
	}
	if int64(len(text)) <= remaining {
		s.buf.WriteString(text)
		return text
	}
	kept := truncateToValidUTF8(text, int(remaining))
	s.buf.WriteString(kept)
	s.truncated = true
	return kept
}

// Truncated reports whether this stream hit its byte cap.
func (s *Shaper) Truncated() bool { return s.truncated }

// String returns the final, trailing-whitespace-trimmed output,
// appending a truncation marker once if the cap was hit.
func (s *Shaper) String() string {
	out := strings.TrimRight(s.buf.String(), " \t\r\n")
	if s.truncated {
		out += "\n--- OUTPUT TRUNCATED ---"
	}
	return out
}

func truncateToValidUTF8(s string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if len(s) <= maxBytes {
		return s
	}
	b := s[:maxBytes]
	for len(b) > 0 && !utf8.ValidString(b) {
		b = b[:len(b)-1]
	}
	return b
}
