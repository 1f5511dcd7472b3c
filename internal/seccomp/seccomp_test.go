package seccomp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"isol8/internal/model"
)

func TestResolveUnconfined(t *testing.T) {
	opts := Resolve(model.SeccompUnconfined, "")
	assert.Equal(t, []string{"seccomp=unconfined"}, opts)
}

func TestResolveCustomMissingPathWarnsAndProceedsUnfiltered(t *testing.T) {
	opts := Resolve(model.SeccompCustom, "/nonexistent/profile.json")
	assert.Nil(t, opts)
}

func TestResolveStrictWritesBundledProfile(t *testing.T) {
	opts := Resolve(model.SeccompStrict, "")
	require.Len(t, opts, 1)
	assert.Contains(t, opts[0], "seccomp=")
}

func TestStrictProfileBlocksMountAndPtrace(t *testing.T) {
	p := StrictProfile()
	var sawMount, sawPtrace bool
	for _, sc := range p.Syscalls {
		for _, n := range sc.Names {
			if n == "mount" && sc.Action == "SCMP_ACT_ERRNO" {
				sawMount = true
			}
			if n == "ptrace" && sc.Action == "SCMP_ACT_ERRNO" {
				sawPtrace = true
			}
		}
	}
	assert.True(t, sawMount)
	assert.True(t, sawPtrace)
}
