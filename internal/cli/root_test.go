package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "runname", cmd.Use)
	assert.Contains(t, cmd.Long, "lock files")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"key", "reserve", "commit", "cleanup", "inspect", "insert", "find", "name", "rebuild"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("root"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("metrics-file"))
}

func TestInvalidFormat(t *testing.T) {
	code, _, stderr := runCLI(t, t.TempDir(), "--format", "xml", "key", "--param", "a=b")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, "invalid format")
}

func TestInvalidConfig(t *testing.T) {
	path := writeFile(t, "bad.yaml", "lock:\n  lease: whenever\n")

	code, _, stderr := runCLI(t, t.TempDir(), "--config", path, "inspect", "model-x")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, "E002")
}
