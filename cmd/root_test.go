package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func subcommandNames(c *cobra.Command) map[string]bool {
	names := make(map[string]bool)
	for _, sub := range c.Commands() {
		names[sub.Name()] = true
	}
	return names
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := subcommandNames(rootCmd)
	for _, name := range []string{"run", "groups", "runs", "failures", "serve", "config"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "orgsync", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestRunCommand_Flags(t *testing.T) {
	for _, name := range []string{"stage", "threshold", "data-mode", "input", "resume", "json"} {
		require.NotNil(t, runCmd.Flags().Lookup(name), "run command should have --%s flag", name)
	}
	assert.Equal(t, "-1", runCmd.Flags().Lookup("threshold").DefValue)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestGroupsCommand_HasSubcommands(t *testing.T) {
	names := subcommandNames(groupsCmd)
	for _, name := range []string{"list", "show", "export"} {
		assert.True(t, names[name], "expected groups subcommand %q not found", name)
	}

	flag := groupsExportCmd.Flags().Lookup("format")
	require.NotNil(t, flag)
	assert.Equal(t, "json", flag.DefValue)
}

func TestRunsCommand_HasSubcommands(t *testing.T) {
	names := subcommandNames(runsCmd)
	for _, name := range []string{"list", "show", "stats"} {
		assert.True(t, names[name], "expected runs subcommand %q not found", name)
	}
}

func TestFailuresCommand_HasSubcommands(t *testing.T) {
	names := subcommandNames(failuresCmd)
	for _, name := range []string{"list", "retry"} {
		assert.True(t, names[name], "expected failures subcommand %q not found", name)
	}
}
