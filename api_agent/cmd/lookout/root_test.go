package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"devicemanager/api_agent/internal/credentials"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "Lookout "))
	require.Contains(t, out, "git:")
}

func TestRunWithoutTokenFails(t *testing.T) {
	t.Setenv("LOOKOUT_TOKEN", "")
	missing := filepath.Join(t.TempDir(), "credentials.json")

	_, err := execute(t, "run", "--token-file", missing)
	require.ErrorIs(t, err, credentials.ErrNoToken)
}

func TestFlagsFallBackToEnvironment(t *testing.T) {
	t.Setenv("LOOKOUT_SERVER", "https://bosun.example.com")
	t.Setenv("LOOKOUT_DRY_RUN", "true")

	cmd := newRootCmd()
	server, err := cmd.PersistentFlags().GetString("server")
	require.NoError(t, err)
	require.Equal(t, "https://bosun.example.com", server)

	dryRun, err := cmd.PersistentFlags().GetBool("dry-run")
	require.NoError(t, err)
	require.True(t, dryRun)
}
