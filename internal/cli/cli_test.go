package cli

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentgate/internal/app"
	"agentgate/internal/auth"
	"agentgate/internal/config"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTokenIssueIsAcceptedByVerifier(t *testing.T) {
	out, err := run(t, "token", "issue", "--secret", "s3cret", "--principal", "ci", "--org", "acme", "--roles", "writer,operator")
	require.NoError(t, err)

	p, err := auth.NewJWTVerifier("s3cret").Resolve(context.Background(), strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "ci", p.ID)
	assert.Equal(t, "acme", p.OrgID)
	assert.Equal(t, []string{"writer", "operator"}, p.Roles)
}

func TestTokenIssueRequiresSecret(t *testing.T) {
	t.Setenv("AGENTGATE_JWT_SECRET", "")
	_, err := run(t, "token", "issue", "--principal", "ci", "--org", "acme")
	assert.ErrorContains(t, err, "missing --secret")
}

func TestDatabaseCommandsRequireDSN(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := run(t, "db", "init")
	assert.ErrorContains(t, err, "missing --dsn")

	_, err = run(t, "budget", "set", "--org", "acme", "--limit", "5")
	assert.ErrorContains(t, err, "missing --dsn")

	_, err = run(t, "budget", "reset", "--org", "acme", "--period", "weekly")
	assert.ErrorContains(t, err, "unknown period")
}

func TestMCPToolsAgainstGateway(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.APIKeys = []config.APIKey{{Key: "cli-key", Principal: "ci", OrgID: "acme", Roles: []string{auth.RoleReader}}}
	a, err := app.New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	ts := httptest.NewServer(a.Handler())
	t.Cleanup(ts.Close)

	out, err := run(t, "mcp", "tools", "--url", ts.URL+"/mcp", "--key", "cli-key")
	require.NoError(t, err)
	assert.Contains(t, out, "start_run")
	assert.Contains(t, out, "run_status")

	out, err = run(t, "mcp", "call", "list_projects", "--url", ts.URL+"/mcp", "--key", "cli-key")
	require.NoError(t, err)
	assert.Contains(t, out, `"isError": false`)

	_, err = run(t, "mcp", "tools", "--url", ts.URL+"/mcp", "--key", "nope")
	assert.ErrorContains(t, err, "initialize")
}
