package main

import (
	"bytes"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hookflow/internal/config"
)

func newTestCLI(t *testing.T, files map[string]string) (*cli, *bytes.Buffer) {
	t.Helper()
	fs := afero.NewMemMapFs()
	for path, content := range files {
		require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
	}
	out := &bytes.Buffer{}
	return &cli{
		fs:     fs,
		loader: config.NewLoader(fs),
		stdout: out,
		stderr: &bytes.Buffer{},
	}, out
}

func run(c *cli, args ...string) error {
	root := c.rootCommand()
	root.SetArgs(args)
	return root.Execute()
}

const signupYAML = `
name: user-signup
triggers:
  - event_type: user.signup
actions:
  - type: log
    config:
      message: "welcome {$.payload.name}"
`

func TestVersionCommand(t *testing.T) {
	c, out := newTestCLI(t, nil)
	require.NoError(t, run(c, "version"))
	assert.Equal(t, "dev\n", out.String())
}

func TestValidateCommand(t *testing.T) {
	c, out := newTestCLI(t, map[string]string{
		"/defs/signup.yaml": signupYAML,
	})
	require.NoError(t, run(c, "validate", "/defs"))
	assert.Contains(t, out.String(), "user-signup")
	assert.Contains(t, out.String(), "1 workflow(s) valid")
}

func TestValidateCommand_UsesConfiguredDir(t *testing.T) {
	c, out := newTestCLI(t, map[string]string{
		"/etc/hookflow/hookflow.yaml": "workflows:\n  dir: /srv/flows\n",
		"/srv/flows/signup.yaml":      signupYAML,
	})
	require.NoError(t, run(c, "validate"))
	assert.Contains(t, out.String(), "1 workflow(s) valid")
}

func TestValidateCommand_ReportsInvalidDefinitions(t *testing.T) {
	c, _ := newTestCLI(t, map[string]string{
		"/defs/broken.yaml": `
name: broken
triggers:
  - event_type: user.signup
actions:
  - type: teleport
`,
	})
	err := run(c, "validate", "/defs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestValidateCommand_MissingDir(t *testing.T) {
	c, _ := newTestCLI(t, nil)
	assert.Error(t, run(c, "validate", "/nowhere"))
}

func TestBindFlags(t *testing.T) {
	c, _ := newTestCLI(t, nil)
	root := c.rootCommand()
	serve, _, err := root.Find([]string{"serve"})
	require.NoError(t, err)
	require.NoError(t, serve.ParseFlags([]string{"--addr", ":9999", "--store", ""}))
	require.NoError(t, serve.PreRunE(serve, nil))

	cfg, _, err := c.load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Empty(t, cfg.Store.Path)
}

func TestDiagramCommand(t *testing.T) {
	c, out := newTestCLI(t, map[string]string{
		"/defs/signup.yaml": signupYAML,
	})
	require.NoError(t, run(c, "diagram", "user-signup", "--workflows", "/defs", "--store", "", "-f", "ascii"))
	assert.Contains(t, out.String(), "=== user-signup ===")
	assert.Contains(t, out.String(), "│ user.signup │")
}

func TestDiagramCommand_WritesFile(t *testing.T) {
	c, out := newTestCLI(t, map[string]string{
		"/defs/signup.yaml": signupYAML,
	})
	require.NoError(t, run(c, "diagram", "user-signup", "--workflows", "/defs", "--store", "", "-o", "/tmp/signup.mmd"))
	assert.Empty(t, out.String())

	data, err := afero.ReadFile(c.fs, "/tmp/signup.mmd")
	require.NoError(t, err)
	assert.Contains(t, string(data), "graph TD")
}

func TestDiagramCommand_Errors(t *testing.T) {
	c, _ := newTestCLI(t, map[string]string{
		"/defs/signup.yaml": signupYAML,
	})
	assert.ErrorContains(t, run(c, "diagram", "nope", "--workflows", "/defs", "--store", ""), "not found")

	c, _ = newTestCLI(t, map[string]string{
		"/defs/signup.yaml": signupYAML,
	})
	assert.ErrorContains(t, run(c, "diagram", "user-signup", "--workflows", "/defs", "--store", "", "--execution", "x"), "needs a store")

	c, _ = newTestCLI(t, map[string]string{
		"/defs/signup.yaml": signupYAML,
	})
	assert.ErrorContains(t, run(c, "diagram", "user-signup", "--workflows", "/defs", "--store", "", "-f", "pdf"), "unknown format")
}
