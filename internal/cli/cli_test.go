package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "chainbench")
}

func TestRunRequiresConfigArgument(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"run"})

	assert.Error(t, cmd.Execute())
}

func TestRunRejectsBadConfig(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"run", "does-not-exist.yml"})

	assert.Error(t, cmd.Execute())
}

func TestRootHasKlogFlags(t *testing.T) {
	cmd := NewRootCommand()
	assert.NotNil(t, cmd.PersistentFlags().Lookup("v"), "klog verbosity flag is wired")
	assert.NotNil(t, cmd.PersistentFlags().Lookup("yes"))
}
