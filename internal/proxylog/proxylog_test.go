package proxylog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSkipsMalformedLinesAndBlankLines(t *testing.T) {
	data := []byte(`{"action":"allow","host":"example.com","method":"GET","path":"/a","durationMs":12,"timestamp":"2026-07-29T10:00:00Z"}
not json at all

{"action":"block","host":"evil.test","method":"CONNECT","durationMs":0,"timestamp":"2026-07-29T10:00:01Z"}
`)

	entries, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "allow", entries[0].Action)
	assert.Equal(t, "example.com", entries[0].Host)
	require.NotNil(t, entries[0].Path)
	assert.Equal(t, "/a", *entries[0].Path)
	assert.Equal(t, "block", entries[1].Action)
	assert.Nil(t, entries[1].Path)
}

func TestParseEmptyInputYieldsNoEntries(t *testing.T) {
	entries, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
