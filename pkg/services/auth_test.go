//go:build unix

package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/handoff/pkg/types/delegation"
)

// writeStub creates an executable bash script in a temp dir
func writeStub(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/usr/bin/env bash\n"+body+"\n"), 0o755))
	return path
}

func TestAPIKeyAuth(t *testing.T) {
	auth := NewSystemAuthenticator()
	d := delegation.ServiceDescriptor{Name: "gemini", CommandPrefix: "gemini", AuthMethod: delegation.AuthMethodAPIKey, AuthEnvVar: "HANDOFF_TEST_API_KEY"}

	t.Setenv("HANDOFF_TEST_API_KEY", "")
	err := auth.Check(context.Background(), d)
	var authErr *delegation.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, []string{"environment variable HANDOFF_TEST_API_KEY not set"}, authErr.Issues)

	t.Setenv("HANDOFF_TEST_API_KEY", "secret")
	assert.NoError(t, auth.Check(context.Background(), d))

	d.AuthEnvVar = ""
	assert.NoError(t, auth.Check(context.Background(), d), "no variable configured means nothing to check")
}

func TestCLIAuth(t *testing.T) {
	auth := NewSystemAuthenticator()

	ok := writeStub(t, "ok-cli", `[ "$1 $2" = "auth status" ] && exit 0; exit 9`)
	assert.NoError(t, auth.Check(context.Background(), delegation.ServiceDescriptor{Name: "ok", CommandPrefix: ok, AuthMethod: delegation.AuthMethodCLI}))

	denied := writeStub(t, "denied-cli", `echo "not logged in" >&2; exit 1`)
	err := auth.Check(context.Background(), delegation.ServiceDescriptor{Name: "denied", CommandPrefix: denied, AuthMethod: delegation.AuthMethodCLI})
	var authErr *delegation.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, []string{"service not authenticated"}, authErr.Issues)
	assert.Equal(t, delegation.KindAuthentication, delegation.KindOf(err))

	err = auth.Check(context.Background(), delegation.ServiceDescriptor{Name: "missing", CommandPrefix: "/nonexistent/handoff-cli", AuthMethod: delegation.AuthMethodCLI})
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, []string{"could not verify authentication status"}, authErr.Issues)
}

func TestMCPAuth(t *testing.T) {
	auth := NewSystemAuthenticator()
	stub := writeStub(t, "mcp-cli", "exit 0")

	assert.NoError(t, auth.Check(context.Background(), delegation.ServiceDescriptor{Name: "m", CommandPrefix: stub, AuthMethod: delegation.AuthMethodMCP}))
	assert.Error(t, auth.Check(context.Background(), delegation.ServiceDescriptor{Name: "m", CommandPrefix: "/nonexistent/mcp", AuthMethod: delegation.AuthMethodMCP}))
}

func TestVerify(t *testing.T) {
	stub := writeStub(t, "qwen", `
case "$1" in
  --version) echo "qwen 0.0.9" ;;
  auth) exit 1 ;;
esac`)

	registry, err := NewRegistry([]delegation.ServiceDescriptor{
		{Name: "qwen", CommandPrefix: stub, AuthMethod: delegation.AuthMethodCLI},
		{Name: "ghost", CommandPrefix: "/nonexistent/ghost", AuthMethod: delegation.AuthMethodAPIKey},
	}, nil)
	require.NoError(t, err)

	qwen, err := registry.Get("qwen")
	require.NoError(t, err)
	v := Verify(context.Background(), qwen)
	assert.False(t, v.OK)
	assert.Equal(t, "qwen 0.0.9", v.Version)
	assert.Equal(t, []string{"service not authenticated"}, v.Issues)

	ghost, err := registry.Get("ghost")
	require.NoError(t, err)
	v = Verify(context.Background(), ghost)
	assert.False(t, v.OK)
	assert.Equal(t, []string{"command '/nonexistent/ghost' not found or not working"}, v.Issues)
}
