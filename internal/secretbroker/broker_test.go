package secretbroker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIssueAndScrub(t *testing.T) {
	b := New()
	lease, err := b.Issue(ScopeSession)
	require.NoError(t, err)
	require.NotEmpty(t, lease.Value)

	captured := "output contains " + string(lease.Value) + " right here"
	scrubbed := b.ScrubText(captured)
	require.NotContains(t, scrubbed, string(lease.Value))
	require.Contains(t, scrubbed, "***")
}

func TestScrubTextRegisteredValue(t *testing.T) {
	b := New()
	secret := "super-secret"
	b.Register([]byte(secret), ScopeEnv)

	out := b.ScrubText("the command was: /bin/echo " + secret)
	require.NotContains(t, out, secret)
	require.Contains(t, out, "***")
}

func TestEnsureEnvSecretInjectsWhenAbsent(t *testing.T) {
	b := New()
	env := map[string]string{}
	require.NoError(t, b.EnsureEnvSecret(env))
	require.NotEmpty(t, env[DynamicSecretEnvKey])
}

func TestEnsureEnvSecretRegistersExisting(t *testing.T) {
	b := New()
	env := map[string]string{DynamicSecretEnvKey: "already-here"}
	require.NoError(t, b.EnsureEnvSecret(env))
	require.Equal(t, "already-here", env[DynamicSecretEnvKey])

	out := b.ScrubText("leaked already-here value")
	require.NotContains(t, out, "already-here")
}

func TestScrubTextEmptyInput(t *testing.T) {
	b := New()
	require.Equal(t, "", b.ScrubText(""))
}
