package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"isol8/internal/ierr"
	"isol8/internal/model"
)

func TestGetKnownRuntime(t *testing.T) {
	r := New()
	d, err := r.Get(model.RuntimePython)
	require.NoError(t, err)
	assert.Equal(t, ".py", d.FileExtension)
}

func TestGetUnknownRuntimeListsKnownNames(t *testing.T) {
	r := New()
	_, err := r.Get("cobol")
	require.Error(t, err)
	var ce *ierr.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Reason, "python")
}

func TestDetectByExtension(t *testing.T) {
	r := New()
	d, err := r.Detect("script.py")
	require.NoError(t, err)
	assert.Equal(t, model.RuntimePython, d.Name)

	_, err = r.Detect("script.xyz")
	require.Error(t, err)
}

func TestTypeScriptExtensionCollisionResolvesToBun(t *testing.T) {
	r := New()
	d, err := r.Detect("main.ts")
	require.NoError(t, err)
	assert.Equal(t, model.RuntimeBun, d.Name)
}

func TestBuildCommandInlineVsFile(t *testing.T) {
	r := New()
	py, _ := r.Get(model.RuntimePython)
	assert.Equal(t, []string{"python3", "-c", "print(1)"}, py.BuildCommand("print(1)", ""))
	assert.Equal(t, []string{"python3", "/sandbox/main.py"}, py.BuildCommand("print(1)", "/sandbox/main.py"))
}

func TestDenoHasNoInlineFlagAndFallsBackToShellForm(t *testing.T) {
	r := New()
	deno, _ := r.Get(model.RuntimeDeno)
	cmd := deno.BuildCommand("console.log(1)", "")
	require.Len(t, cmd, 3)
	assert.Equal(t, "sh", cmd[0])
	assert.Contains(t, cmd[2], "deno run --allow-all")

	fileCmd := deno.BuildCommand("console.log(1)", "/sandbox/main.ts")
	assert.Equal(t, []string{"deno", "run", "--allow-all", "/sandbox/main.ts"}, fileCmd)
}

func TestListReturnsRegistrationOrder(t *testing.T) {
	r := New()
	var names []model.RuntimeName
	for _, d := range r.List() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []model.RuntimeName{
		model.RuntimePython, model.RuntimeNode, model.RuntimeBun, model.RuntimeBash, model.RuntimeDeno,
	}, names)
}

func TestRegisterOverridesExtensionLastWriterWins(t *testing.T) {
	r := New()
	r.Register(Descriptor{
		Name:          "fakescript",
		ImageTag:      "fake:latest",
		FileExtension: ".py",
		BuildCommand:  func(code, filePath string) []string { return []string{"fake"} },
	})
	d, err := r.Detect("x.py")
	require.NoError(t, err)
	assert.Equal(t, model.RuntimeName("fakescript"), d.Name)
}
