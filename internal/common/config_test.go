package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	config := NewDefaultConfig()
	require.NoError(t, config.Validate())

	assert.Equal(t, 8080, config.Server.Port)
	assert.Equal(t, "sqlite", config.Queue.Provider)
	assert.Equal(t, 3, config.Orchestration.WorkItemRetryLimit)
	assert.Equal(t, 100, config.Orchestration.MaxErrorsForJob)
	assert.Equal(t, 10, config.Orchestration.MaxPercentErrorsForJob)
	assert.True(t, config.Failer.Enabled)
}

func TestLoadFromFiles_Overrides(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.toml")
	override := filepath.Join(dir, "override.toml")

	require.NoError(t, os.WriteFile(base, []byte(`
[server]
port = 9000

[orchestration]
work_item_retry_limit = 5
`), 0644))
	require.NoError(t, os.WriteFile(override, []byte(`
[server]
port = 9001
`), 0644))

	config, err := LoadFromFiles(base, override)
	require.NoError(t, err)
	assert.Equal(t, 9001, config.Server.Port, "later files override earlier ones")
	assert.Equal(t, 5, config.Orchestration.WorkItemRetryLimit)
	assert.Equal(t, "sqlite", config.Queue.Provider, "defaults survive partial files")
}

func TestLoadFromFiles_EnvOverrides(t *testing.T) {
	t.Setenv("HARMONY_SERVER_PORT", "7777")
	t.Setenv("HARMONY_WORK_ITEM_RETRY_LIMIT", "1")

	config, err := LoadFromFiles()
	require.NoError(t, err)
	assert.Equal(t, 7777, config.Server.Port)
	assert.Equal(t, 1, config.Orchestration.WorkItemRetryLimit)
}

func TestConfig_Validate_Invalid(t *testing.T) {
	config := NewDefaultConfig()
	config.Queue.Provider = "rabbitmq"
	assert.Error(t, config.Validate())

	config = NewDefaultConfig()
	config.Failer.MaxWorkItemsOnUpdateQueueFailer = -2
	assert.Error(t, config.Validate())

	config = NewDefaultConfig()
	config.Failer.MaxWorkItemsOnUpdateQueueFailer = -1
	assert.NoError(t, config.Validate(), "-1 disables the backpressure check")
}

func TestConfig_DurationFallbacks(t *testing.T) {
	config := NewDefaultConfig()
	config.Queue.PollInterval = "not-a-duration"
	assert.Equal(t, 500*time.Millisecond, config.QueuePollInterval())

	config.Queue.VisibilityTimeout = ""
	assert.Equal(t, 5*time.Minute, config.QueueVisibilityTimeout())

	config.Queue.PollInterval = "250ms"
	assert.Equal(t, 250*time.Millisecond, config.QueuePollInterval())
}

func TestConfig_ServiceTimeout(t *testing.T) {
	config := NewDefaultConfig()
	config.Failer.DefaultTimeoutSeconds = 300
	config.Failer.ServiceTimeoutSeconds = map[string]int{"harmony/concise": 900}

	assert.Equal(t, 900*time.Second, config.ServiceTimeout("harmony/concise"))
	assert.Equal(t, 300*time.Second, config.ServiceTimeout("harmony/subsetter"))
}

func TestApplyFlagOverrides(t *testing.T) {
	config := NewDefaultConfig()
	ApplyFlagOverrides(config, 4444, "0.0.0.0")
	assert.Equal(t, 4444, config.Server.Port)
	assert.Equal(t, "0.0.0.0", config.Server.Host)

	ApplyFlagOverrides(config, 0, "")
	assert.Equal(t, 4444, config.Server.Port, "zero values leave config untouched")
}
