package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/gluk-w/cbash/internal/auth"
	"github.com/gluk-w/cbash/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("CBASH_SECRET_KEY", "cli-secret")

	out, err := runCLI(t, "token", "--user", "alice")
	require.NoError(t, err)

	user, err := auth.NewIssuer("cli-secret", config.Cfg.TokenTTL).Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
}

func TestTokenCommand_RequiresUser(t *testing.T) {
	_, err := runCLI(t, "token")
	assert.Error(t, err)
}
