package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexdrift/dspy-jobsvc/internal/executor"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "jobsvc", cmd.Use, "Root command should be 'jobsvc'")
	assert.Equal(t, "1.0.0", cmd.Version, "Version should be 1.0.0")

	commands := cmd.Commands()
	assert.Len(t, commands, 2, "Should have 2 subcommands")

	commandNames := make(map[string]bool)
	for _, c := range commands {
		commandNames[c.Name()] = true
	}
	assert.True(t, commandNames["serve"], "Should have 'serve' command")
	assert.True(t, commandNames["exec-child"], "Should have 'exec-child' command")

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "", configFlag.DefValue, "Default config path should be empty (config.Load falls back to defaults)")
}

func TestBuildServeCommand(t *testing.T) {
	cmd := buildServeCommand()

	assert.NotNil(t, cmd, "buildServeCommand should return a non-nil command")
	assert.Equal(t, "serve", cmd.Use, "Command should be 'serve'")
	assert.NotNil(t, cmd.RunE, "RunE function should be set")
}

func TestBuildExecChildCommand(t *testing.T) {
	cmd := buildExecChildCommand()

	assert.NotNil(t, cmd, "buildExecChildCommand should return a non-nil command")
	assert.Equal(t, "exec-child", cmd.Use, "Command should be 'exec-child'")
	assert.True(t, cmd.Hidden, "exec-child should be hidden from --help")
	assert.NotNil(t, cmd.RunE, "RunE function should be set")
}

func TestDefaultRegistry(t *testing.T) {
	registry := defaultRegistry()
	require.NotNil(t, registry)

	ex, err := registry.Get(executor.Name(DefaultExecutorName))
	require.NoError(t, err, "the reference executor should be registered under DefaultExecutorName")
	assert.NotNil(t, ex)
}

func TestInstallSignalHandler_CancelWithoutSignal(t *testing.T) {
	stopped, cancel := installSignalHandler(nil)
	cancel()
	<-stopped // cancel() must unblock the handler goroutine without a SIGTERM
}

func TestStoreComponentAndPoolComponent_haveDistinctIds(t *testing.T) {
	sc := storeComponent(nil)
	assert.Equal(t, "job-store", sc.Id())

	pc := poolComponent(nil)
	assert.Equal(t, "worker-pool", pc.Id())
}
