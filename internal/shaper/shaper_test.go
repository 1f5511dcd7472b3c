package shaper

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactorLongestFirstAvoidsPartialOverlap(t *testing.T) {
	r := NewRedactor(map[string]string{
		"short": "sk",
		"long":  "sk-live-12345",
	})
	out := r.Redact("token=sk-live-12345 other=sk")
	assert.Equal(t, "token=*** other=***", out)
}

func TestRedactorIsCaseSensitive(t *testing.T) {
	r := NewRedactor(map[string]string{"s": "Secret"})
	out := r.Redact("Secret secret SECRET")
	assert.Equal(t, "*** secret SECRET", out)
}

func TestDecoderDefersIncompleteTrailingRune(t *testing.T) {
	d := &Decoder{}
	euro := []byte("€") // 3-byte UTF-8 sequence
	part1 := d.Push(euro[:1])
	assert.Equal(t, "", part1)
	part2 := d.Push(euro[1:])
	assert.Equal(t, "€", part2)
	assert.Equal(t, "", d.Final())
}

func TestDecoderFinalReplacesUnresolvedTrailingBytes(t *testing.T) {
	d := &Decoder{}
	euro := []byte("€")
	d.Push(euro[:1])
	final := d.Final()
	assert.Equal(t, "�", final)
}

func TestShaperTruncatesAtByteCapWithMarker(t *testing.T) {
	r := NewRedactor(nil)
	s := New(r, 5)
	s.Write([]byte("hello world"))
	out := s.String()
	assert.True(t, s.Truncated())
	assert.Contains(t, out, "--- OUTPUT TRUNCATED ---")
}

func TestShaperTrimsTrailingWhitespace(t *testing.T) {
	r := NewRedactor(nil)
	s := New(r, 1<<20)
	s.Write([]byte("result\n\n  "))
	assert.Equal(t, "result", s.String())
}

func TestShaperRedactsSecretWithinOneChunk(t *testing.T) {
	r := NewRedactor(map[string]string{"k": "topsecret"})
	s := New(r, 1<<20)
	s.Write([]byte("value=topsecret;"))
	assert.Equal(t, "value=***;", s.String())
}

func TestShaperNoTruncationUnderCap(t *testing.T) {
	r := NewRedactor(nil)
	s := New(r, 1<<20)
	s.Write([]byte("ok"))
	assert.False(t, s.Truncated())
	assert.Equal(t, "ok", s.String())
}
